// Package testutil provides testing utilities for the oauth-relay module: a
// fake OAuth provider server that enforces PKCE, a controllable clock and a
// few assertion helpers.
package testutil
