// Package security provides security features for the relay including
// encryption, rate limiting, audit logging, and secure header management.
package security

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"log/slog"
	"time"

	"github.com/giantswarm/oauth-relay/instrumentation"
)

// Auditor handles security event logging with PII protection.
type Auditor struct {
	logger  *slog.Logger
	enabled bool
	metrics *instrumentation.Metrics
	now     func() time.Time
}

// NewAuditor creates a new security auditor
func NewAuditor(logger *slog.Logger, enabled bool) *Auditor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Auditor{
		logger:  logger,
		enabled: enabled,
		now:     time.Now,
	}
}

// SetInstrumentation counts every audit event in the relay.audit.events.total metric.
func (a *Auditor) SetInstrumentation(inst *instrumentation.Instrumentation) {
	if inst == nil {
		a.metrics = nil
		return
	}
	a.metrics = inst.Metrics()
}

// Event represents a security audit event
type Event struct {
	Type      string
	UserID    string
	Provider  string
	FlowID    string
	IPAddress string
	RequestID string
	Details   map[string]any
	Timestamp time.Time
}

// LogEvent logs a security event with hashed PII. The request ID and client
// IP are taken from ctx when the event does not carry them.
func (a *Auditor) LogEvent(ctx context.Context, event Event) {
	if a == nil || !a.enabled {
		return
	}

	event.Timestamp = a.now()
	if event.RequestID == "" {
		event.RequestID = GetRequestID(ctx)
	}
	if event.IPAddress == "" {
		event.IPAddress = ClientIPFromContext(ctx)
	}

	a.logger.Info("security_audit",
		"event_type", event.Type,
		"user_id_hash", hashForLogging(event.UserID),
		"provider", event.Provider,
		"flow_id", event.FlowID,
		"ip_address", event.IPAddress,
		"request_id", event.RequestID,
		"details", event.Details,
		"timestamp", event.Timestamp,
	)

	if a.metrics != nil {
		a.metrics.RecordAuditEvent(ctx, event.Type)
	}
}

// LogFlowStarted logs a new authorization attempt
func (a *Auditor) LogFlowStarted(ctx context.Context, provider, flowID string) {
	a.LogEvent(ctx, Event{
		Type:     EventFlowStarted,
		Provider: provider,
		FlowID:   flowID,
	})
}

// LogStateRejected logs a callback whose state could not be consumed.
// reason is "not_found" or "expired".
func (a *Auditor) LogStateRejected(ctx context.Context, reason string) {
	a.LogEvent(ctx, Event{
		Type: EventStateRejected,
		Details: map[string]any{
			"reason": reason,
		},
	})
}

// LogProviderDenied logs a provider redirect carrying an error parameter
func (a *Auditor) LogProviderDenied(ctx context.Context, provider, flowID, providerError string) {
	a.LogEvent(ctx, Event{
		Type:     EventProviderDenied,
		Provider: provider,
		FlowID:   flowID,
		Details: map[string]any{
			"provider_error": providerError,
		},
	})
}

// LogCodeExchangeFailed logs a failed token request
func (a *Auditor) LogCodeExchangeFailed(ctx context.Context, provider, flowID, kind string) {
	a.LogEvent(ctx, Event{
		Type:     EventCodeExchangeFailed,
		Provider: provider,
		FlowID:   flowID,
		Details: map[string]any{
			"kind": kind,
		},
	})
}

// LogIdentityFetchFailed logs a failed user-info request
func (a *Auditor) LogIdentityFetchFailed(ctx context.Context, provider, flowID, kind string) {
	a.LogEvent(ctx, Event{
		Type:     EventIdentityFetchFailed,
		Provider: provider,
		FlowID:   flowID,
		Details: map[string]any{
			"kind": kind,
		},
	})
}

// LogLoginCompleted logs a successful login
func (a *Auditor) LogLoginCompleted(ctx context.Context, userID, provider, flowID string) {
	a.LogEvent(ctx, Event{
		Type:     EventLoginCompleted,
		UserID:   userID,
		Provider: provider,
		FlowID:   flowID,
	})
}

// LogRateLimitExceeded logs a rate limit violation
func (a *Auditor) LogRateLimitExceeded(ctx context.Context, ipAddress, endpoint string) {
	a.LogEvent(ctx, Event{
		Type:      EventRateLimitExceeded,
		IPAddress: ipAddress,
		Details: map[string]any{
			"endpoint": endpoint,
		},
	})
}

// HashForLogging returns the truncated SHA-256 digest used for user ids in logs.
func HashForLogging(sensitive string) string {
	return hashForLogging(sensitive)
}

// hashForLogging creates a SHA256 hash of sensitive data for logging
func hashForLogging(sensitive string) string {
	if sensitive == "" {
		return "<empty>"
	}
	hash := sha256.Sum256([]byte(sensitive))
	return hex.EncodeToString(hash[:])[:16]
}
