package github

import (
	"context"
	"errors"
	"net/url"
	"strings"
	"testing"

	"github.com/giantswarm/oauth-relay/internal/testutil"
	"github.com/giantswarm/oauth-relay/providers"
)

func TestNewProvider_Defaults(t *testing.T) {
	p, err := NewProvider(providers.Descriptor{
		ClientID:     testutil.ClientID,
		ClientSecret: testutil.ClientSecret,
		RedirectURI:  testutil.RedirectURI,
	}, providers.Options{})
	if err != nil {
		t.Fatalf("NewProvider() error = %v", err)
	}

	if p.Name() != providerName {
		t.Errorf("Name() = %q, want %q", p.Name(), providerName)
	}
	if got, want := strings.Join(p.Scopes(), " "), strings.Join(Defaults.Scopes, " "); got != want {
		t.Errorf("Scopes() = %q, want %q", got, want)
	}

	u, err := url.Parse(p.AuthorizationURL("state", "challenge"))
	if err != nil {
		t.Fatalf("failed to parse authorization URL: %v", err)
	}
	if !strings.HasPrefix(u.String(), Defaults.AuthURL) {
		t.Errorf("authorization URL %q does not use the default endpoint %q", u, Defaults.AuthURL)
	}
	if u.Query().Get("code_challenge_method") != "S256" {
		t.Error("authorization URL must request S256")
	}
}

func TestNewProvider_InvalidDescriptor(t *testing.T) {
	tests := []struct {
		name   string
		desc   providers.Descriptor
		errMsg string
	}{
		{
			name:   "missing client ID",
			desc:   providers.Descriptor{ClientSecret: testutil.ClientSecret, RedirectURI: testutil.RedirectURI},
			errMsg: "client ID is required",
		},
		{
			name:   "missing client secret",
			desc:   providers.Descriptor{ClientID: testutil.ClientID, RedirectURI: testutil.RedirectURI},
			errMsg: "client secret is required",
		},
		{
			name:   "missing redirect URI",
			desc:   providers.Descriptor{ClientID: testutil.ClientID, ClientSecret: testutil.ClientSecret},
			errMsg: "redirect_uri",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewProvider(tt.desc, providers.Options{})
			if err == nil || !strings.Contains(err.Error(), tt.errMsg) {
				t.Errorf("NewProvider() error = %v, want error containing %q", err, tt.errMsg)
			}
		})
	}
}

func TestProvider_Login(t *testing.T) {
	srv := testutil.NewProviderServer(t, map[string]any{"id": 583231, "login": "octocat", "email": nil})
	p, err := NewProvider(srv.Descriptor(providerName), providers.Options{})
	if err != nil {
		t.Fatalf("NewProvider() error = %v", err)
	}

	challenge, verifier := testutil.GeneratePKCEPair()
	srv.IssueCode("abc123", challenge)

	token, err := p.ExchangeCode(context.Background(), "abc123", verifier)
	if err != nil {
		t.Fatalf("ExchangeCode() error = %v", err)
	}

	identity, err := p.FetchIdentity(context.Background(), token.AccessToken)
	if err != nil {
		t.Fatalf("FetchIdentity() error = %v", err)
	}
	if identity.UserID != "583231" {
		t.Errorf("UserID = %q, want %q", identity.UserID, "583231")
	}
	if identity.Provider != providerName {
		t.Errorf("Provider = %q, want %q", identity.Provider, providerName)
	}
	if len(identity.RawClaims) == 0 {
		t.Error("RawClaims should hold the user-info document")
	}

	headers := srv.LastUserInfoHeader()
	if headers.Get("User-Agent") != userAgent {
		t.Errorf("User-Agent = %q, want %q", headers.Get("User-Agent"), userAgent)
	}
	if headers.Get("Accept") != "application/vnd.github+json" {
		t.Errorf("Accept = %q, want the GitHub media type", headers.Get("Accept"))
	}
}

func TestProvider_FetchIdentity_MissingUserID(t *testing.T) {
	srv := testutil.NewProviderServer(t, map[string]any{"login": "octocat"})
	srv.IssueAccessToken("token")
	p, err := NewProvider(srv.Descriptor(providerName), providers.Options{})
	if err != nil {
		t.Fatalf("NewProvider() error = %v", err)
	}

	_, err = p.FetchIdentity(context.Background(), "token")
	var idErr *providers.IdentityError
	if !errors.As(err, &idErr) {
		t.Fatalf("error = %v, want *providers.IdentityError", err)
	}
	if idErr.Kind != providers.IdentityMissingRequiredField {
		t.Errorf("Kind = %v, want %v", idErr.Kind, providers.IdentityMissingRequiredField)
	}
	if idErr.Field != userIDClaim {
		t.Errorf("Field = %q, want %q", idErr.Field, userIDClaim)
	}
}
