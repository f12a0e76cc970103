// Package pkce generates and checks RFC 7636 proof keys using the S256 method.
package pkce

import (
	"crypto/subtle"

	"golang.org/x/oauth2"
)

// Method is the only challenge method the relay issues.
const Method = "S256"

// RFC 7636 section 4.1 verifier length bounds.
const (
	MinVerifierLength = 43
	MaxVerifierLength = 128
)

// Pair is a verifier and the challenge derived from it.
type Pair struct {
	Verifier  string
	Challenge string
}

// Generate returns a fresh pair. The verifier is 32 random bytes encoded as
// 43 base64url characters.
func Generate() Pair {
	verifier := oauth2.GenerateVerifier()
	return Pair{
		Verifier:  verifier,
		Challenge: Challenge(verifier),
	}
}

// Challenge computes BASE64URL(SHA256(verifier)) without padding.
func Challenge(verifier string) string {
	return oauth2.S256ChallengeFromVerifier(verifier)
}

// Verify reports whether verifier is well-formed and hashes to challenge.
// The comparison is constant-time.
func Verify(verifier, challenge string) bool {
	if !ValidVerifier(verifier) {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(Challenge(verifier)), []byte(challenge)) == 1
}

// ValidVerifier checks length and the unreserved character set.
func ValidVerifier(verifier string) bool {
	if len(verifier) < MinVerifierLength || len(verifier) > MaxVerifierLength {
		return false
	}
	for i := 0; i < len(verifier); i++ {
		c := verifier[i]
		switch {
		case c >= 'A' && c <= 'Z', c >= 'a' && c <= 'z', c >= '0' && c <= '9':
		case c == '-', c == '.', c == '_', c == '~':
		default:
			return false
		}
	}
	return true
}
