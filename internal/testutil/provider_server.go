package testutil

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"testing"

	"golang.org/x/oauth2"

	"github.com/giantswarm/oauth-relay/providers"
)

// Fixture server paths.
const (
	AuthorizePath = "/authorize"
	TokenPath     = "/token"
	UserInfoPath  = "/userinfo"
)

// Fixture client credentials.
const (
	ClientID     = "test-client-id"
	ClientSecret = "test-client-secret"
	RedirectURI  = "https://relay.example.com/callback"
)

// ProviderServer is a fake OAuth 2.0 provider. Codes are registered with the
// PKCE challenge they were issued for, are single-use and are only redeemed
// when the presented verifier hashes to that challenge.
type ProviderServer struct {
	*httptest.Server

	mu             sync.Mutex
	codes          map[string]string
	accessTokens   map[string]bool
	userInfo       any
	userInfoStatus int
	tokenStatus    int
	lastTokenForm  url.Values
	lastUserInfo   http.Header

	tokenRequests    atomic.Int64
	userInfoRequests atomic.Int64
}

// NewProviderServer starts a fake provider serving userInfo as the user-info
// document. The server is closed when the test ends.
func NewProviderServer(t *testing.T, userInfo any) *ProviderServer {
	t.Helper()
	s := &ProviderServer{
		codes:          make(map[string]string),
		accessTokens:   make(map[string]bool),
		userInfo:       userInfo,
		userInfoStatus: http.StatusOK,
	}

	mux := http.NewServeMux()
	mux.HandleFunc(TokenPath, s.handleToken)
	mux.HandleFunc(UserInfoPath, s.handleUserInfo)
	s.Server = httptest.NewServer(mux)
	t.Cleanup(s.Close)
	return s
}

// Descriptor returns a descriptor pointing every endpoint at the fake server.
func (s *ProviderServer) Descriptor(name string) providers.Descriptor {
	return providers.Descriptor{
		Name:         name,
		ClientID:     ClientID,
		ClientSecret: ClientSecret,
		AuthURL:      s.URL + AuthorizePath,
		TokenURL:     s.URL + TokenPath,
		UserInfoURL:  s.URL + UserInfoPath,
		RedirectURI:  RedirectURI,
	}
}

// IssueCode registers an authorization code bound to a PKCE challenge, as the
// provider would after the user approved the request.
func (s *ProviderServer) IssueCode(code, challenge string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.codes[code] = challenge
}

// IssueAccessToken registers an access token accepted by the user-info endpoint.
func (s *ProviderServer) IssueAccessToken(token string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.accessTokens[token] = true
}

// SetUserInfo replaces the user-info document and status code.
func (s *ProviderServer) SetUserInfo(status int, body any) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.userInfoStatus = status
	s.userInfo = body
}

// SetTokenStatus forces the token endpoint to answer with status and an
// OAuth error body. Zero restores normal behaviour.
func (s *ProviderServer) SetTokenStatus(status int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tokenStatus = status
}

// TokenRequests returns how many token requests were received.
func (s *ProviderServer) TokenRequests() int {
	return int(s.tokenRequests.Load())
}

// UserInfoRequests returns how many user-info requests were received.
func (s *ProviderServer) UserInfoRequests() int {
	return int(s.userInfoRequests.Load())
}

// LastTokenForm returns the form of the most recent token request.
func (s *ProviderServer) LastTokenForm() url.Values {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastTokenForm
}

// LastUserInfoHeader returns the headers of the most recent user-info request.
func (s *ProviderServer) LastUserInfoHeader() http.Header {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastUserInfo
}

func (s *ProviderServer) handleToken(w http.ResponseWriter, r *http.Request) {
	s.tokenRequests.Add(1)

	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	if err := r.ParseForm(); err != nil {
		writeOAuthError(w, http.StatusBadRequest, "invalid_request")
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastTokenForm = r.PostForm

	if s.tokenStatus != 0 {
		writeOAuthError(w, s.tokenStatus, "server_error")
		return
	}

	clientID, clientSecret, ok := r.BasicAuth()
	if !ok {
		clientID, clientSecret = r.PostForm.Get("client_id"), r.PostForm.Get("client_secret")
	}
	if clientID != ClientID || clientSecret != ClientSecret {
		writeOAuthError(w, http.StatusUnauthorized, "invalid_client")
		return
	}
	if r.PostForm.Get("grant_type") != "authorization_code" {
		writeOAuthError(w, http.StatusBadRequest, "unsupported_grant_type")
		return
	}

	code := r.PostForm.Get("code")
	challenge, ok := s.codes[code]
	if !ok {
		writeOAuthError(w, http.StatusBadRequest, "invalid_grant")
		return
	}
	// Codes are single-use even when the verifier is wrong.
	delete(s.codes, code)

	if oauth2.S256ChallengeFromVerifier(r.PostForm.Get("code_verifier")) != challenge {
		writeOAuthError(w, http.StatusBadRequest, "invalid_grant")
		return
	}

	accessToken := "at-" + code
	s.accessTokens[accessToken] = true

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{
		"access_token": accessToken,
		"token_type":   "Bearer",
		"expires_in":   3600,
	})
}

func (s *ProviderServer) handleUserInfo(w http.ResponseWriter, r *http.Request) {
	s.userInfoRequests.Add(1)

	s.mu.Lock()
	s.lastUserInfo = r.Header.Clone()
	token, hasBearer := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
	known := s.accessTokens[token]
	status, body := s.userInfoStatus, s.userInfo
	s.mu.Unlock()

	if !hasBearer || !known {
		w.WriteHeader(http.StatusUnauthorized)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	switch b := body.(type) {
	case string:
		_, _ = w.Write([]byte(b))
	default:
		_ = json.NewEncoder(w).Encode(b)
	}
}

func writeOAuthError(w http.ResponseWriter, status int, code string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": code})
}
