package google

import (
	"context"

	oauthgoogle "golang.org/x/oauth2/google"

	"github.com/giantswarm/oauth-relay/providers"
)

// Compile-time check that Provider implements the providers.Provider interface.
var _ providers.Provider = (*Provider)(nil)

// providerName is the registry name of the Google variant.
const providerName = "google"

// userIDClaim is the user-info field used as the user id.
const userIDClaim = "email"

// Defaults are Google's well-known endpoints and minimum scopes.
var Defaults = providers.Defaults{
	AuthURL:     oauthgoogle.Endpoint.AuthURL,
	TokenURL:    oauthgoogle.Endpoint.TokenURL,
	UserInfoURL: "https://www.googleapis.com/oauth2/v2/userinfo",
	Scopes:      []string{"email"},
}

// Provider implements the providers.Provider interface for Google OAuth.
type Provider struct {
	*providers.Base
}

// NewProvider creates a new Google OAuth provider. An empty descriptor name
// defaults to "google".
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

// FetchIdentity retrieves the Google profile and uses the email address as
// the user id.
func (p *Provider) FetchIdentity(ctx context.Context, accessToken string) (*providers.Identity, error) {
	claims, err := p.FetchClaims(ctx, accessToken)
	if err != nil {
		return nil, err
	}
	return providers.NewIdentity(p.Name(), claims, userIDClaim)
}
