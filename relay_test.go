package relay

import (
	"context"
	"errors"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/oauth2"

	"github.com/giantswarm/oauth-relay/flow"
	"github.com/giantswarm/oauth-relay/instrumentation"
	"github.com/giantswarm/oauth-relay/internal/testutil"
	"github.com/giantswarm/oauth-relay/providers"
	"github.com/giantswarm/oauth-relay/providers/builtin"
	"github.com/giantswarm/oauth-relay/providers/mock"
	"github.com/giantswarm/oauth-relay/storage/memory"
)

const fixtureCode = "abc123"

var googleUserInfo = map[string]any{
	"sub":   "110169484474386276334",
	"email": "user@example.com",
	"name":  "Example User",
}

type testRelay struct {
	*Relay
	provider *testutil.ProviderServer
	store    *memory.Store
	clock    *testutil.MockTime
}

func newTestRelay(t *testing.T, cfg *Config) *testRelay {
	t.Helper()

	srv := testutil.NewProviderServer(t, googleUserInfo)

	if cfg == nil {
		cfg = DefaultConfig()
	}
	// Keep failing user-info tests fast
	cfg.ProviderHTTP.RetryAttempts = -1

	registry, err := builtin.NewRegistry(map[string]providers.Descriptor{
		"google": srv.Descriptor("google"),
	}, cfg.ProviderOptions(), nil)
	if err != nil {
		t.Fatalf("builtin.NewRegistry() error = %v", err)
	}

	clock := testutil.NewMockTime(time.Now())
	store := memory.New()
	store.SetClock(clock.Now)
	t.Cleanup(store.Stop)

	r, err := New(registry, store, cfg)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	r.flows, err = flow.NewStore(store, flow.Config{TTL: cfg.FlowTTL, Now: clock.Now})
	if err != nil {
		t.Fatal(err)
	}
	r.now = clock.Now
	return &testRelay{Relay: r, provider: srv, store: store, clock: clock}
}

// startLogin runs Authorize and lets the fixture provider issue code for the
// resulting challenge, as if the user approved the consent screen.
func (tr *testRelay) startLogin(t *testing.T, code string) (state, challenge string) {
	t.Helper()

	authURL, err := tr.Authorize(context.Background(), "google")
	if err != nil {
		t.Fatalf("Authorize() error = %v", err)
	}
	u, err := url.Parse(authURL)
	if err != nil {
		t.Fatalf("failed to parse authorization URL: %v", err)
	}
	state = u.Query().Get("state")
	challenge = u.Query().Get("code_challenge")
	tr.provider.IssueCode(code, challenge)
	return state, challenge
}

func requireRelayError(t *testing.T, err error, wantCode string, wantStatus int) *Error {
	t.Helper()
	var relayErr *Error
	if !errors.As(err, &relayErr) {
		t.Fatalf("error = %v (%T), want *relay.Error", err, err)
	}
	if relayErr.Code != wantCode {
		t.Errorf("Code = %q, want %q", relayErr.Code, wantCode)
	}
	if relayErr.Status != wantStatus {
		t.Errorf("Status = %d, want %d", relayErr.Status, wantStatus)
	}
	return relayErr
}

func TestNew(t *testing.T) {
	registry := providers.NewRegistry()
	registry.Freeze()
	store := memory.New()
	t.Cleanup(store.Stop)

	if _, err := New(nil, store, nil); err == nil {
		t.Error("New() without registry should fail")
	}
	if _, err := New(registry, nil, nil); err == nil {
		t.Error("New() without flow store should fail")
	}
	if _, err := New(registry, store, &Config{FlowTTL: -time.Minute}); err == nil {
		t.Error("New() with negative TTL should fail")
	}

	r, err := New(registry, store, nil)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	if r.Config.FlowTTL != 10*time.Minute {
		t.Errorf("default FlowTTL = %v, want 10m", r.Config.FlowTTL)
	}
}

func TestAuthorize_URL(t *testing.T) {
	tr := newTestRelay(t, nil)

	authURL, err := tr.Authorize(context.Background(), "google")
	if err != nil {
		t.Fatalf("Authorize() error = %v", err)
	}

	u, err := url.Parse(authURL)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.HasPrefix(authURL, tr.provider.URL+testutil.AuthorizePath) {
		t.Errorf("URL %q does not point at the provider authorize endpoint", authURL)
	}

	q := u.Query()
	checks := map[string]string{
		"client_id":             testutil.ClientID,
		"redirect_uri":          testutil.RedirectURI,
		"response_type":         "code",
		"code_challenge_method": "S256",
		"scope":                 "email",
	}
	for param, want := range checks {
		if got := q.Get(param); got != want {
			t.Errorf("%s = %q, want %q", param, got, want)
		}
	}
	if len(q.Get("state")) < 32 {
		t.Errorf("state %q is shorter than 32 characters", q.Get("state"))
	}
	if q.Get("code_challenge") == "" {
		t.Error("code_challenge missing")
	}
	if q.Has("code_verifier") || q.Has("client_secret") {
		t.Error("authorization URL must not carry the verifier or the client secret")
	}

	if n, _ := tr.store.CountFlowStates(context.Background()); n != 1 {
		t.Errorf("stored flow states = %d, want 1", n)
	}
	if tr.provider.TokenRequests() != 0 {
		t.Error("Authorize() must not call the token endpoint")
	}
}

func TestLogin_Google(t *testing.T) {
	tr := newTestRelay(t, nil)
	state, challenge := tr.startLogin(t, fixtureCode)

	identity, err := tr.Callback(context.Background(), fixtureCode, state)
	if err != nil {
		t.Fatalf("Callback() error = %v", err)
	}
	if identity.UserID != "user@example.com" || identity.Provider != "google" {
		t.Errorf("identity = %+v, want user@example.com from google", identity)
	}
	if identity.RawClaims["name"] != "Example User" {
		t.Errorf("RawClaims = %v, want the full user-info document", identity.RawClaims)
	}

	form := tr.provider.LastTokenForm()
	if got := oauth2.S256ChallengeFromVerifier(form.Get("code_verifier")); got != challenge {
		t.Error("token request verifier does not match the challenge sent in the authorization URL")
	}
	if form.Get("redirect_uri") != testutil.RedirectURI {
		t.Errorf("token request redirect_uri = %q", form.Get("redirect_uri"))
	}
}

func TestCallback_Replay(t *testing.T) {
	tr := newTestRelay(t, nil)
	state, _ := tr.startLogin(t, fixtureCode)
	ctx := context.Background()

	if _, err := tr.Callback(ctx, fixtureCode, state); err != nil {
		t.Fatalf("first Callback() error = %v", err)
	}

	_, err := tr.Callback(ctx, fixtureCode, state)
	requireRelayError(t, err, ErrorCodeInvalidState, http.StatusBadRequest)

	if got := tr.provider.TokenRequests(); got != 1 {
		t.Errorf("token requests = %d, want 1 (replay must not reach the provider)", got)
	}
}

func TestAuthorize_UnknownProvider(t *testing.T) {
	tr := newTestRelay(t, nil)

	_, err := tr.Authorize(context.Background(), "myspace")
	relayErr := requireRelayError(t, err, ErrorCodeUnknownProvider, http.StatusBadRequest)
	if !errors.Is(relayErr, providers.ErrUnknownProvider) {
		t.Error("internal cause should stay reachable through errors.Is")
	}

	if n, _ := tr.store.CountFlowStates(context.Background()); n != 0 {
		t.Errorf("stored flow states = %d, want 0", n)
	}
	if tr.provider.TokenRequests() != 0 || tr.provider.UserInfoRequests() != 0 {
		t.Error("unknown provider must not cause network calls")
	}

	_, err = tr.Authorize(context.Background(), "")
	requireRelayError(t, err, ErrorCodeInvalidRequest, http.StatusBadRequest)
}

func TestCallback_Failures(t *testing.T) {
	tests := []struct {
		name       string
		setup      func(tr *testRelay)
		issueCode  string
		callCode   string
		wantCode   string
		wantStatus int
	}{
		{
			name:       "code issued for another challenge",
			setup:      func(tr *testRelay) { tr.provider.IssueCode("stolen", "not-the-challenge") },
			issueCode:  "other",
			callCode:   "stolen",
			wantCode:   ErrorCodeAuthorizationFailed,
			wantStatus: http.StatusBadRequest,
		},
		{
			name:       "unknown code",
			issueCode:  fixtureCode,
			callCode:   "never-issued",
			wantCode:   ErrorCodeAuthorizationFailed,
			wantStatus: http.StatusBadRequest,
		},
		{
			name:       "token endpoint down",
			setup:      func(tr *testRelay) { tr.provider.SetTokenStatus(http.StatusServiceUnavailable) },
			issueCode:  fixtureCode,
			callCode:   fixtureCode,
			wantCode:   ErrorCodeProviderUnavailable,
			wantStatus: http.StatusBadGateway,
		},
		{
			name:       "user info down",
			setup:      func(tr *testRelay) { tr.provider.SetUserInfo(http.StatusServiceUnavailable, map[string]any{}) },
			issueCode:  fixtureCode,
			callCode:   fixtureCode,
			wantCode:   ErrorCodeProviderUnavailable,
			wantStatus: http.StatusBadGateway,
		},
		{
			name:       "user info without email",
			setup:      func(tr *testRelay) { tr.provider.SetUserInfo(http.StatusOK, map[string]any{"sub": "1"}) },
			issueCode:  fixtureCode,
			callCode:   fixtureCode,
			wantCode:   ErrorCodeProviderError,
			wantStatus: http.StatusBadGateway,
		},
		{
			name:       "user info not json",
			setup:      func(tr *testRelay) { tr.provider.SetUserInfo(http.StatusOK, "<html>") },
			issueCode:  fixtureCode,
			callCode:   fixtureCode,
			wantCode:   ErrorCodeProviderError,
			wantStatus: http.StatusBadGateway,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tr := newTestRelay(t, nil)
			state, _ := tr.startLogin(t, tt.issueCode)
			if tt.setup != nil {
				tt.setup(tr)
			}

			_, err := tr.Callback(context.Background(), tt.callCode, state)
			relayErr := requireRelayError(t, err, tt.wantCode, tt.wantStatus)

			for _, secret := range []string{testutil.ClientSecret, tt.callCode, state} {
				if strings.Contains(relayErr.Description, secret) {
					t.Errorf("description %q leaks %q", relayErr.Description, secret)
				}
			}

			// A failed attempt still used up its state
			_, err = tr.Callback(context.Background(), tt.callCode, state)
			requireRelayError(t, err, ErrorCodeInvalidState, http.StatusBadRequest)
		})
	}
}

func TestCallback_InvalidRequest(t *testing.T) {
	tr := newTestRelay(t, nil)
	state, _ := tr.startLogin(t, fixtureCode)

	_, err := tr.Callback(context.Background(), "", state)
	requireRelayError(t, err, ErrorCodeInvalidRequest, http.StatusBadRequest)

	_, err = tr.Callback(context.Background(), fixtureCode, "")
	requireRelayError(t, err, ErrorCodeInvalidRequest, http.StatusBadRequest)

	// Rejected requests do not consume the state
	if _, err := tr.Callback(context.Background(), fixtureCode, state); err != nil {
		t.Errorf("Callback() after invalid requests error = %v", err)
	}
}

func TestCallback_ExpiredState(t *testing.T) {
	tr := newTestRelay(t, nil)
	state, _ := tr.startLogin(t, fixtureCode)

	tr.clock.Advance(tr.Config.FlowTTL)

	_, err := tr.Callback(context.Background(), fixtureCode, state)
	relayErr := requireRelayError(t, err, ErrorCodeInvalidState, http.StatusBadRequest)
	if !strings.Contains(relayErr.Description, "expired") {
		t.Errorf("description = %q, want it to mention expiry", relayErr.Description)
	}
	if tr.provider.TokenRequests() != 0 {
		t.Error("expired state must not reach the provider")
	}
}

func TestCallback_ConcurrentDuplicates(t *testing.T) {
	tr := newTestRelay(t, nil)
	state, _ := tr.startLogin(t, fixtureCode)

	const callers = 16
	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		successes int
		rejected  int
	)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := tr.Callback(context.Background(), fixtureCode, state)

			mu.Lock()
			defer mu.Unlock()
			var relayErr *Error
			switch {
			case err == nil:
				successes++
			case errors.As(err, &relayErr) && relayErr.Code == ErrorCodeInvalidState:
				rejected++
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}()
	}
	wg.Wait()

	if successes != 1 || rejected != callers-1 {
		t.Errorf("successes = %d, rejected = %d; want 1 and %d", successes, rejected, callers-1)
	}
	if got := tr.provider.TokenRequests(); got != 1 {
		t.Errorf("token requests = %d, want 1", got)
	}
}

func TestCallbackError(t *testing.T) {
	tr := newTestRelay(t, nil)
	state, _ := tr.startLogin(t, fixtureCode)
	ctx := context.Background()

	err := tr.CallbackError(ctx, state, "access_denied", "The user <script> declined")
	relayErr := requireRelayError(t, err, ErrorCodeAccessDenied, http.StatusForbidden)
	if strings.Contains(relayErr.Description, "<script>") {
		t.Errorf("provider description must not be echoed: %q", relayErr.Description)
	}

	_, err = tr.Callback(ctx, fixtureCode, state)
	requireRelayError(t, err, ErrorCodeInvalidState, http.StatusBadRequest)

	err = tr.CallbackError(ctx, "unknown-state", "access_denied", "")
	requireRelayError(t, err, ErrorCodeInvalidState, http.StatusBadRequest)

	err = tr.CallbackError(ctx, "", "access_denied", "")
	requireRelayError(t, err, ErrorCodeInvalidRequest, http.StatusBadRequest)
}

type recordingSessions struct {
	mu    sync.Mutex
	saved []*providers.Identity
	err   error
}

func (s *recordingSessions) SaveSession(_ context.Context, identity *providers.Identity) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return s.err
	}
	s.saved = append(s.saved, identity)
	return nil
}

func TestCallback_SessionAdapter(t *testing.T) {
	sessions := &recordingSessions{}
	cfg := DefaultConfig()
	cfg.SessionAdapter = sessions
	tr := newTestRelay(t, cfg)

	state, _ := tr.startLogin(t, fixtureCode)
	if _, err := tr.Callback(context.Background(), fixtureCode, state); err != nil {
		t.Fatalf("Callback() error = %v", err)
	}
	if len(sessions.saved) != 1 || sessions.saved[0].UserID != "user@example.com" {
		t.Errorf("saved sessions = %+v, want the completed identity", sessions.saved)
	}

	sessions.err = errors.New("session store offline")
	state, _ = tr.startLogin(t, "second-code")
	_, err := tr.Callback(context.Background(), "second-code", state)
	relayErr := requireRelayError(t, err, ErrorCodeServerError, http.StatusInternalServerError)
	if strings.Contains(relayErr.Description, "offline") {
		t.Errorf("internal error leaked into description: %q", relayErr.Description)
	}
}

func TestCallback_MockProvider(t *testing.T) {
	p := mock.NewMockProvider()
	p.FetchIdentityFunc = func(context.Context, string) (*providers.Identity, error) {
		return &providers.Identity{UserID: "mock-user"}, nil
	}
	registry := providers.NewRegistry()
	if err := registry.Register(p); err != nil {
		t.Fatal(err)
	}
	registry.Freeze()

	store := memory.New()
	t.Cleanup(store.Stop)
	r, err := New(registry, store, nil)
	if err != nil {
		t.Fatal(err)
	}

	authURL, err := r.Authorize(context.Background(), "mock")
	if err != nil {
		t.Fatal(err)
	}
	u, _ := url.Parse(authURL)

	identity, err := r.Callback(context.Background(), "code", u.Query().Get("state"))
	if err != nil {
		t.Fatalf("Callback() error = %v", err)
	}
	if identity.Provider != "mock" {
		t.Errorf("Provider = %q, want it filled from the provider name", identity.Provider)
	}
	if p.GetCallCount("ExchangeCode") != 1 || p.GetCallCount("FetchIdentity") != 1 {
		t.Error("expected exactly one exchange and one identity fetch")
	}
}

func TestCallback_EmptyIdentity(t *testing.T) {
	p := mock.NewMockProvider()
	p.FetchIdentityFunc = func(context.Context, string) (*providers.Identity, error) {
		return &providers.Identity{}, nil
	}
	registry := providers.NewRegistry()
	_ = registry.Register(p)
	registry.Freeze()

	store := memory.New()
	t.Cleanup(store.Stop)
	r, _ := New(registry, store, nil)

	authURL, _ := r.Authorize(context.Background(), "mock")
	u, _ := url.Parse(authURL)

	_, err := r.Callback(context.Background(), "code", u.Query().Get("state"))
	requireRelayError(t, err, ErrorCodeProviderError, http.StatusBadGateway)
}

func TestRelay_Instrumentation(t *testing.T) {
	reg := prometheus.NewRegistry()
	inst, err := instrumentation.New(instrumentation.Config{
		Enabled:            true,
		MetricsExporter:    instrumentation.ExporterPrometheus,
		PrometheusRegistry: reg,
	})
	if err != nil {
		t.Fatalf("instrumentation.New() error = %v", err)
	}
	t.Cleanup(func() { _ = inst.Shutdown(context.Background()) })

	tr := newTestRelay(t, nil)
	tr.SetInstrumentation(inst)

	state, _ := tr.startLogin(t, fixtureCode)
	if _, err := tr.Callback(context.Background(), fixtureCode, state); err != nil {
		t.Fatal(err)
	}
	_, _ = tr.Callback(context.Background(), fixtureCode, state)

	families, err := reg.Gather()
	if err != nil {
		t.Fatalf("Gather() error = %v", err)
	}
	var names []string
	for _, mf := range families {
		names = append(names, mf.GetName())
	}
	joined := strings.Join(names, ",")
	for _, want := range []string{
		"relay_flows_started",
		"relay_callbacks_processed",
		"relay_code_exchanges",
		"relay_identity_fetches",
		"relay_state_rejected",
		"relay_audit_events_total",
	} {
		if !strings.Contains(joined, want) {
			t.Errorf("metric %s not exported, got %s", want, joined)
		}
	}
}
