// Package flow issues and consumes the per-attempt CSRF state and PKCE
// verifier of a login. It sits between the relay and a storage.FlowStore
// backend and turns backend sentinels into StateError values.
package flow

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"golang.org/x/oauth2"

	"github.com/giantswarm/oauth-relay/internal/util"
	"github.com/giantswarm/oauth-relay/pkce"
	"github.com/giantswarm/oauth-relay/storage"
)

// DefaultTTL is how long an issued state stays consumable.
const DefaultTTL = 10 * time.Minute

// tokenLogLength is the number of characters of a CSRF token that may be logged
const tokenLogLength = 8

// StateErrorKind distinguishes why a callback state was rejected.
type StateErrorKind int

const (
	// StateNotFound covers unknown, forged and already consumed tokens.
	StateNotFound StateErrorKind = iota
	// StateExpired means the token was issued but its TTL elapsed.
	StateExpired
)

// String returns the kind as used in logs and metric labels.
func (k StateErrorKind) String() string {
	switch k {
	case StateNotFound:
		return "not_found"
	case StateExpired:
		return "expired"
	default:
		return "unknown"
	}
}

// StateError is returned by Consume when a callback state cannot be used.
type StateError struct {
	Kind StateErrorKind
	Err  error
}

func (e *StateError) Error() string {
	return fmt.Sprintf("state rejected (%s): %v", e.Kind, e.Err)
}

func (e *StateError) Unwrap() error {
	return e.Err
}

// Issued is a stored flow state together with the PKCE challenge sent to the provider.
type Issued struct {
	State     *storage.FlowState
	Challenge string
}

// Config configures a Store.
type Config struct {
	// TTL of an issued state (default 10 minutes).
	TTL time.Duration

	// Logger defaults to slog.Default().
	Logger *slog.Logger

	// Now overrides the clock, for tests.
	Now func() time.Time
}

// Store issues and consumes flow states on top of a storage backend.
type Store struct {
	backend storage.FlowStore
	ttl     time.Duration
	logger  *slog.Logger
	now     func() time.Time
}

// NewStore creates a Store over backend.
func NewStore(backend storage.FlowStore, cfg Config) (*Store, error) {
	if backend == nil {
		return nil, errors.New("flow store backend is required")
	}
	if cfg.TTL < 0 {
		return nil, fmt.Errorf("flow TTL must not be negative, got %s", cfg.TTL)
	}
	if cfg.TTL == 0 {
		cfg.TTL = DefaultTTL
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}

	return &Store{
		backend: backend,
		ttl:     cfg.TTL,
		logger:  cfg.Logger,
		now:     cfg.Now,
	}, nil
}

// TTL returns the configured state lifetime.
func (s *Store) TTL() time.Duration {
	return s.ttl
}

// Issue generates a CSRF token and PKCE pair for provider and saves them.
// The record stays valid until its TTL even if ctx is cancelled afterwards.
func (s *Store) Issue(ctx context.Context, provider string) (*Issued, error) {
	pair := pkce.Generate()
	now := s.now()

	state := &storage.FlowState{
		CSRFToken:    oauth2.GenerateVerifier(),
		PKCEVerifier: pair.Verifier,
		Provider:     provider,
		FlowID:       uuid.NewString(),
		CreatedAt:    now,
		ExpiresAt:    now.Add(s.ttl),
	}

	if err := s.backend.SaveFlowState(ctx, state); err != nil {
		return nil, fmt.Errorf("failed to save flow state: %w", err)
	}

	s.logger.Debug("Issued flow state",
		"provider", provider,
		"flow_id", state.FlowID,
		"state_prefix", util.SafeTruncate(state.CSRFToken, tokenLogLength),
		"expires_at", state.ExpiresAt)

	return &Issued{State: state, Challenge: pair.Challenge}, nil
}

// Consume takes the flow state for token out of the backend. It succeeds at
// most once per issued token; every other call returns a *StateError.
func (s *Store) Consume(ctx context.Context, token string) (*storage.FlowState, error) {
	if token == "" {
		return nil, &StateError{Kind: StateNotFound, Err: storage.ErrFlowStateNotFound}
	}

	state, err := s.backend.ConsumeFlowState(ctx, token)
	switch {
	case err == nil:
	case errors.Is(err, storage.ErrFlowStateNotFound):
		return nil, &StateError{Kind: StateNotFound, Err: err}
	case errors.Is(err, storage.ErrFlowStateExpired):
		return nil, &StateError{Kind: StateExpired, Err: err}
	default:
		return nil, fmt.Errorf("failed to consume flow state: %w", err)
	}

	// Backends check expiry against their own clock; enforce ours too.
	if state.Expired(s.now()) {
		return nil, &StateError{Kind: StateExpired, Err: storage.ErrFlowStateExpired}
	}

	return state, nil
}
