package relay

import (
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/giantswarm/oauth-relay/flow"
	"github.com/giantswarm/oauth-relay/providers"
)

// Config holds the relay configuration
// Structured using composition for better organization and maintainability
type Config struct {
	// FlowTTL is how long an issued state and verifier stay consumable.
	// Default: 10 minutes
	FlowTTL time.Duration

	// Provider HTTP behaviour shared by every configured provider
	ProviderHTTP ProviderHTTPConfig

	// Rate limiting configuration for the HTTP handler
	RateLimit RateLimitConfig

	// Security settings (secure by default)
	Security SecurityConfig

	// SessionAdapter receives every completed identity (optional).
	// A failing adapter turns the login into a server_error.
	SessionAdapter SessionAdapter

	// Logger for structured logging (optional, uses default if not provided)
	Logger *slog.Logger
}

// ProviderHTTPConfig bounds the outbound calls made to providers
type ProviderHTTPConfig struct {
	// RequestTimeout applies to each token and user-info request
	// Default: 10 seconds
	RequestTimeout time.Duration

	// RetryAttempts is the number of user-info retries after transport
	// failures. Negative disables retries. Default: 2
	RetryAttempts int

	// RetryBackoff is the initial delay between retries, doubled per attempt.
	// Default: 200ms
	RetryBackoff time.Duration

	// HTTPClient is a custom HTTP client for provider requests
	// If not provided, uses the default HTTP client
	HTTPClient *http.Client
}

// RateLimitConfig holds rate limiting configuration
type RateLimitConfig struct {
	// Rate is requests per second allowed per IP on /authorize and /callback.
	// Zero disables limiting.
	Rate float64

	// Burst is the maximum burst size allowed per IP.
	Burst int

	// CleanupInterval is how often to cleanup inactive rate limiters.
	CleanupInterval time.Duration

	// TrustProxy enables trusting X-Forwarded-For and X-Real-IP headers.
	// Only enable behind a trusted reverse proxy.
	TrustProxy bool

	// TrustedProxyCount is the number of proxies in front of the relay when
	// TrustProxy is set.
	TrustedProxyCount int
}

// SecurityConfig holds relay security settings (secure by default)
type SecurityConfig struct {
	// EnableAuditLogging enables the security audit trail
	// Default: true
	EnableAuditLogging bool

	// EnableHSTS sends Strict-Transport-Security on every response, not
	// only on TLS requests. Enable when TLS terminates at a proxy.
	EnableHSTS bool
}

// DefaultConfig returns a Config with the secure defaults applied.
func DefaultConfig() *Config {
	cfg := &Config{
		Security: SecurityConfig{EnableAuditLogging: true},
	}
	applyDefaults(cfg)
	return cfg
}

// ProviderOptions returns the options provider variants are built with.
func (c *Config) ProviderOptions() providers.Options {
	return providers.Options{
		HTTPClient:     c.ProviderHTTP.HTTPClient,
		RequestTimeout: c.ProviderHTTP.RequestTimeout,
		RetryAttempts:  c.ProviderHTTP.RetryAttempts,
		RetryBackoff:   c.ProviderHTTP.RetryBackoff,
	}
}

// Validate reports configuration values that can never work.
func (c *Config) Validate() error {
	if c.FlowTTL < 0 {
		return fmt.Errorf("flow TTL must not be negative, got %s", c.FlowTTL)
	}
	if c.ProviderHTTP.RequestTimeout < 0 {
		return fmt.Errorf("provider request timeout must not be negative, got %s", c.ProviderHTTP.RequestTimeout)
	}
	if c.ProviderHTTP.RetryBackoff < 0 {
		return fmt.Errorf("provider retry backoff must not be negative, got %s", c.ProviderHTTP.RetryBackoff)
	}
	if c.RateLimit.Rate < 0 {
		return fmt.Errorf("rate limit must not be negative, got %v", c.RateLimit.Rate)
	}
	if c.RateLimit.Rate > 0 && c.RateLimit.Burst < 1 {
		return fmt.Errorf("rate limit burst must be at least 1 when rate limiting is enabled")
	}
	if c.RateLimit.TrustedProxyCount < 0 {
		return fmt.Errorf("trusted proxy count must not be negative")
	}
	return nil
}

// applyDefaults fills zero values with defaults.
func applyDefaults(c *Config) {
	if c.FlowTTL == 0 {
		c.FlowTTL = flow.DefaultTTL
	}
	if c.ProviderHTTP.RequestTimeout == 0 {
		c.ProviderHTTP.RequestTimeout = providers.DefaultRequestTimeout
	}
	if c.ProviderHTTP.RetryAttempts == 0 {
		c.ProviderHTTP.RetryAttempts = providers.DefaultRetryAttempts
	}
	if c.ProviderHTTP.RetryBackoff == 0 {
		c.ProviderHTTP.RetryBackoff = providers.DefaultRetryBackoff
	}
	if c.RateLimit.Rate > 0 && c.RateLimit.Burst == 0 {
		c.RateLimit.Burst = int(c.RateLimit.Rate * 2)
		if c.RateLimit.Burst < 1 {
			c.RateLimit.Burst = 1
		}
	}
	if c.RateLimit.CleanupInterval == 0 {
		c.RateLimit.CleanupInterval = 5 * time.Minute
	}
	if c.RateLimit.TrustProxy && c.RateLimit.TrustedProxyCount == 0 {
		c.RateLimit.TrustedProxyCount = 1
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
}
