// Package security provides the relay's security building blocks: audit
// logging with hashed user identifiers, AES-256-GCM encryption of flow
// verifiers at rest, per-client rate limiting, request IDs, client IP
// resolution and response security headers.
//
// # Rate Limiting
//
// RateLimiter keeps one token bucket (golang.org/x/time/rate) per identifier,
// usually the client IP. The number of tracked identifiers is bounded; the
// least recently used identifier is evicted first, and identifiers idle for
// longer than IdleTimeout are swept periodically.
//
//	limiter := security.NewRateLimiter(security.RateLimitConfig{
//	    RequestsPerSecond: 5,
//	    Burst:             10,
//	})
//	defer limiter.Stop()
//
//	if !limiter.Allow(security.ClientIPFromContext(r.Context())) {
//	    // respond 429
//	}
//
// # Audit Logging
//
// Auditor writes one "security_audit" record per security relevant event
// (flow started, state rejected, provider denied, code exchange failed,
// identity fetch failed, login completed, rate limit exceeded). User ids are
// logged as a truncated SHA-256 digest only.
package security
