// Command oauth-relay serves the OAuth login relay over HTTP.
//
// Usage:
//
//	oauth-relay serve --config Settings.toml --env-file .env
//	oauth-relay providers --config Settings.toml
//	oauth-relay version
package main

import (
	"os"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}
