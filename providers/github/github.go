package github

import (
	"context"

	oauthgithub "golang.org/x/oauth2/github"

	"github.com/giantswarm/oauth-relay/providers"
)

// Compile-time check that Provider implements the providers.Provider interface.
var _ providers.Provider = (*Provider)(nil)

// providerName is the registry name of the GitHub variant.
const providerName = "github"

// userIDClaim is the numeric account id. Logins can be renamed, ids cannot.
const userIDClaim = "id"

// userAgent is sent on API calls; GitHub rejects requests without one.
const userAgent = "oauth-relay"

// Defaults are GitHub's well-known endpoints and minimum scopes.
var Defaults = providers.Defaults{
	AuthURL:     oauthgithub.Endpoint.AuthURL,
	TokenURL:    oauthgithub.Endpoint.TokenURL,
	UserInfoURL: "https://api.github.com/user",
	Scopes:      []string{"user:email"},
}

// Provider implements the providers.Provider interface for GitHub OAuth Apps.
type Provider struct {
	*providers.Base
}

// NewProvider creates a new GitHub OAuth provider. An empty descriptor name
// defaults to "github".
func NewProvider(desc providers.Descriptor, opts providers.Options) (*Provider, error) {
	if desc.Name == "" {
		desc.Name = providerName
	}
	base, err := providers.NewBase(desc, Defaults, opts)
	if err != nil {
		return nil, err
	}
	base.SetHeader("Accept", "application/vnd.github+json")
	base.SetHeader("User-Agent", userAgent)
	return &Provider{Base: base}, nil
}

// FetchIdentity calls GET /user and uses the numeric account id, rendered in
// decimal, as the user id.
func (p *Provider) FetchIdentity(ctx context.Context, accessToken string) (*providers.Identity, error) {
	claims, err := p.FetchClaims(ctx, accessToken)
	if err != nil {
		return nil, err
	}
	return providers.NewIdentity(p.Name(), claims, userIDClaim)
}
