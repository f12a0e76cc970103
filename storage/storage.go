// Package storage defines the flow-state record created for every login
// attempt and the interface its backends implement.
package storage

import (
	"context"
	"time"
)

// FlowStore persists in-flight authorization attempts between the redirect to
// the provider and the provider's callback. All methods accept
// context.Context for tracing and cancellation.
type FlowStore interface {
	// SaveFlowState stores a new flow state keyed by its CSRF token.
	// Returns ErrFlowStoreFull when the backend refuses new entries.
	SaveFlowState(ctx context.Context, state *FlowState) error

	// ConsumeFlowState atomically removes the flow state for csrfToken and
	// returns it. Returns ErrFlowStateNotFound for unknown or already consumed
	// tokens and ErrFlowStateExpired for records past ExpiresAt; expired
	// records are removed by the same call.
	// SECURITY: This operation MUST be atomic. Two concurrent callers with the
	// same token must never both succeed.
	ConsumeFlowState(ctx context.Context, csrfToken string) (*FlowState, error)

	// CountFlowStates returns the number of stored (possibly expired) records.
	CountFlowStates(ctx context.Context) (int64, error)
}

// FlowState is the server-side record of one authorization attempt.
type FlowState struct {
	// CSRFToken is the opaque state parameter sent to the provider.
	CSRFToken string `json:"csrf_token"`

	// PKCEVerifier is the secret half of the PKCE pair. It never leaves the
	// relay except in the token request.
	PKCEVerifier string `json:"pkce_verifier"`

	// Provider is the registry name of the provider the flow was started for.
	Provider string `json:"provider"`

	// FlowID correlates log lines of one attempt without exposing the token.
	FlowID string `json:"flow_id"`

	CreatedAt time.Time `json:"created_at"`
	ExpiresAt time.Time `json:"expires_at"`
}

// Expired reports whether the record is expired at now. There is no grace
// period: a record is usable strictly before ExpiresAt.
func (s *FlowState) Expired(now time.Time) bool {
	return !now.Before(s.ExpiresAt)
}
