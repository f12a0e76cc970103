package security

// Event type constants for security audit logging.
const (
	// Login flow events

	// EventFlowStarted is logged when a CSRF token and PKCE pair are issued for a provider
	EventFlowStarted = "flow_started"

	// EventLoginCompleted is logged when a callback produced an identity
	EventLoginCompleted = "login_completed"

	// Security violation events

	// EventStateRejected is logged when a callback carries an unknown, reused or expired state
	EventStateRejected = "state_rejected"

	// EventRateLimitExceeded is logged when a rate limit is exceeded
	EventRateLimitExceeded = "rate_limit_exceeded"

	// Provider-related events

	// EventProviderDenied is logged when the provider redirected back with an error parameter
	EventProviderDenied = "provider_denied"

	// EventCodeExchangeFailed is logged when the token endpoint rejected or failed the code exchange
	EventCodeExchangeFailed = "code_exchange_failed"

	// EventIdentityFetchFailed is logged when the user-info request failed or lacked the user id
	EventIdentityFetchFailed = "identity_fetch_failed"
)
