// Package google implements the provider variant for Google OAuth 2.0.
//
// The user id is the account email address, which Google always returns for
// the "email" scope. The full v2 userinfo document is kept in
// Identity.RawClaims.
//
// Example:
//
//	provider, err := google.NewProvider(providers.Descriptor{
//	    ClientID:     os.Getenv("GOOGLE_CLIENT_ID"),
//	    ClientSecret: os.Getenv("GOOGLE_CLIENT_SECRET"),
//	    RedirectURI:  "http://localhost:8080/callback",
//	}, providers.Options{})
package google
