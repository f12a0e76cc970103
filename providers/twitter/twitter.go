// Package twitter implements the provider variant for Twitter (X) OAuth 2.0.
//
// Twitter requires confidential clients to authenticate to the token endpoint
// with HTTP Basic credentials. The /2/users/me response wraps the profile in a
// "data" object; the user id is data.username. The fields of "data" are
// lifted into the top level of the identity claims next to the envelope.
package twitter

import (
	"context"

	"golang.org/x/oauth2"

	"github.com/giantswarm/oauth-relay/providers"
)

var _ providers.Provider = (*Provider)(nil)

const providerName = "twitter"

const userIDClaim = "data.username"

// Defaults are Twitter's well-known endpoints and minimum scopes.
var Defaults = providers.Defaults{
	AuthURL:     "https://twitter.com/i/oauth2/authorize",
	TokenURL:    "https://api.twitter.com/2/oauth2/token",
	UserInfoURL: "https://api.twitter.com/2/users/me",
	Scopes:      []string{"users.read", "tweet.read"},
	AuthStyle:   oauth2.AuthStyleInHeader,
}

// Provider implements the providers.Provider interface for Twitter.
type Provider struct {
	*providers.Base
}

// NewProvider creates a new Twitter OAuth provider.
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

// FetchIdentity retrieves the authenticated user and uses the handle as the user id.
func (p *Provider) FetchIdentity(ctx context.Context, accessToken string) (*providers.Identity, error) {
	claims, err := p.FetchClaims(ctx, accessToken)
	if err != nil {
		return nil, err
	}
	return providers.NewIdentity(p.Name(), liftData(claims), userIDClaim)
}

// liftData copies the profile fields of the "data" object to the top level.
// Envelope keys win on conflict.
func liftData(claims map[string]any) map[string]any {
	data, ok := claims["data"].(map[string]any)
	if !ok {
		return claims
	}
	for k, v := range data {
		if _, exists := claims[k]; !exists {
			claims[k] = v
		}
	}
	return claims
}
