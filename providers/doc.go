// Package providers defines the Provider interface, the static Descriptor a
// provider is configured from, the Registry used to resolve providers by name
// and the error kinds reported by code exchange and identity retrieval.
//
// Implementations are provided in subpackages:
//   - providers/google: Google OAuth 2.0 (user id: email)
//   - providers/github: GitHub OAuth Apps (user id: numeric account id)
//   - providers/twitter: Twitter OAuth 2.0 (user id: username)
//   - providers/discord: Discord OAuth2 (user id: username)
//   - providers/spotify: Spotify Accounts (user id: Spotify id)
//   - providers/builtin: builds a frozen Registry from descriptors
//   - providers/mock: Mock provider for testing
//
// All variants share Base, which handles:
//   - Authorization URL generation with the S256 PKCE challenge
//   - Authorization code exchange via golang.org/x/oauth2
//   - The bearer-authenticated user-info request, retried on transport failures
//   - Per-call timeouts
//
// Example usage:
//
//	registry, err := builtin.NewRegistry(map[string]providers.Descriptor{
//	    "google": {
//	        ClientID:     "your-client-id",
//	        ClientSecret: "your-client-secret",
//	        RedirectURI:  "http://localhost:8080/callback",
//	    },
//	}, providers.Options{}, logger)
//	if err != nil {
//	    log.Fatal(err)
//	}
//
//	p, err := registry.Lookup("google")
package providers
