// Package github implements the provider variant for GitHub OAuth Apps.
//
// GitHub OAuth differs from OIDC providers in several key ways:
//   - No OIDC discovery: Endpoints are hardcoded (not dynamically discovered)
//   - Email privacy: the /user document may carry a null email
//   - API calls without a User-Agent header are rejected
//
// The user id is therefore the numeric account id, rendered as a decimal
// string. It survives login renames and is always present.
//
// # Default Scopes
//
// When no custom scopes are provided, the provider requests "user:email".
//
// # Example Usage
//
//	provider, err := github.NewProvider(providers.Descriptor{
//	    ClientID:     os.Getenv("GITHUB_CLIENT_ID"),
//	    ClientSecret: os.Getenv("GITHUB_CLIENT_SECRET"),
//	    RedirectURI:  "http://localhost:8080/callback",
//	}, providers.Options{})
//	if err != nil {
//	    log.Fatal(err)
//	}
package github
