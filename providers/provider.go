// Package providers defines the interface for OAuth identity providers and the
// shared machinery the per-provider packages are built on.
package providers

import (
	"context"

	"golang.org/x/oauth2"
)

// Provider is one configured external identity provider.
// Implementations must be safe for concurrent use.
type Provider interface {
	// Name returns the provider name used for registry lookup (e.g. "google").
	Name() string

	// AuthorizationURL builds the URL the end user is redirected to. The URL
	// carries the state and the S256 code challenge but never the verifier.
	// Equal inputs produce equal URLs.
	AuthorizationURL(state string, codeChallenge string) string

	// ExchangeCode redeems an authorization code at the token endpoint,
	// proving possession of the PKCE verifier. Failures are *ExchangeError.
	ExchangeCode(ctx context.Context, code string, verifier string) (*oauth2.Token, error)

	// FetchIdentity calls the user-info endpoint with the access token and
	// normalizes the response. Failures are *IdentityError.
	FetchIdentity(ctx context.Context, accessToken string) (*Identity, error)
}

// Identity is the normalized result of a completed login.
type Identity struct {
	// UserID is the provider-specific stable identifier selected by the
	// provider variant (email, numeric id, username, ...).
	UserID string

	// Provider is the name of the provider that authenticated the user.
	Provider string

	// RawClaims holds the full decoded user-info document.
	RawClaims map[string]any
}
