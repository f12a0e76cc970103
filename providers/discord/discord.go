// Package discord implements the provider variant for Discord OAuth2.
package discord

import (
	"context"

	"github.com/giantswarm/oauth-relay/providers"
)

var _ providers.Provider = (*Provider)(nil)

const providerName = "discord"

// userIDClaim is the account username returned by /users/@me.
const userIDClaim = "username"

// Defaults are Discord's well-known endpoints and minimum scopes.
var Defaults = providers.Defaults{
	AuthURL:     "https://discord.com/oauth2/authorize",
	TokenURL:    "https://discord.com/api/oauth2/token",
	UserInfoURL: "https://discord.com/api/users/@me",
	Scopes:      []string{"identify"},
}

// Provider implements the providers.Provider interface for Discord.
type Provider struct {
	*providers.Base
}

// NewProvider creates a new Discord OAuth provider.
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

// FetchIdentity retrieves the Discord user and uses the username as the user id.
func (p *Provider) FetchIdentity(ctx context.Context, accessToken string) (*providers.Identity, error) {
	claims, err := p.FetchClaims(ctx, accessToken)
	if err != nil {
		return nil, err
	}
	return providers.NewIdentity(p.Name(), claims, userIDClaim)
}
