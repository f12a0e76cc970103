// Package spotify implements the provider variant for Spotify Accounts.
// The user id is the Spotify user id from GET /v1/me.
package spotify

import (
	"context"

	"github.com/giantswarm/oauth-relay/providers"
)

var _ providers.Provider = (*Provider)(nil)

const providerName = "spotify"

const userIDClaim = "id"

// Defaults are Spotify's well-known endpoints and minimum scopes.
var Defaults = providers.Defaults{
	AuthURL:     "https://accounts.spotify.com/authorize",
	TokenURL:    "https://accounts.spotify.com/api/token",
	UserInfoURL: "https://api.spotify.com/v1/me",
	Scopes:      []string{"user-read-email"},
}

// Provider implements the providers.Provider interface for Spotify.
type Provider struct {
	*providers.Base
}

// NewProvider creates a new Spotify OAuth provider.
func NewProvider(desc providers.Descriptor, opts providers.Options) (*Provider, error) {
	if desc.Name == "" {
		desc.Name = providerName
	}
	base, err := providers.NewBase(desc, Defaults, opts)
	if err != nil {
		return nil, err
	}
	return &Provider{Base: base}, nil
}

// FetchIdentity retrieves the Spotify profile and uses its id as the user id.
func (p *Provider) FetchIdentity(ctx context.Context, accessToken string) (*providers.Identity, error) {
	claims, err := p.FetchClaims(ctx, accessToken)
	if err != nil {
		return nil, err
	}
	return providers.NewIdentity(p.Name(), claims, userIDClaim)
}
