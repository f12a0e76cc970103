// Package memory provides an in-memory FlowStore.
// It is suitable for development, testing, and single-instance deployments.
package memory

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/giantswarm/oauth-relay/instrumentation"
	"github.com/giantswarm/oauth-relay/internal/util"
	"github.com/giantswarm/oauth-relay/storage"
)

const (
	// tokenIDLogLength is the number of characters to include when logging CSRF tokens
	tokenIDLogLength = 8

	// DefaultMaxEntries bounds the number of in-flight flows held in memory.
	// SaveFlowState fails with storage.ErrFlowStoreFull beyond this limit.
	DefaultMaxEntries = 100000

	// DefaultCleanupInterval is how often expired flow states are swept.
	DefaultCleanupInterval = time.Minute
)

// Store is an in-memory implementation of storage.FlowStore.
type Store struct {
	mu sync.Mutex

	flows      map[string]*storage.FlowState
	maxEntries int
	now        func() time.Time

	// Instrumentation
	instrumentation *instrumentation.Instrumentation
	tracer          trace.Tracer

	// flowsCountAtomic mirrors len(flows) for lock-free metric collection
	flowsCountAtomic atomic.Int64

	// Cleanup
	cleanupInterval time.Duration
	stopCleanup     chan struct{}
	stopOnce        sync.Once
	logger          *slog.Logger
}

var _ storage.FlowStore = (*Store)(nil)

// New creates a new in-memory store with the default cleanup interval (1 minute)
func New() *Store {
	return NewWithInterval(DefaultCleanupInterval)
}

// NewWithInterval creates a new in-memory store with custom cleanup interval.
// If cleanupInterval is 0 or negative, uses default of 1 minute.
func NewWithInterval(cleanupInterval time.Duration) *Store {
	if cleanupInterval <= 0 {
		cleanupInterval = DefaultCleanupInterval
	}

	s := &Store{
		flows:           make(map[string]*storage.FlowState),
		maxEntries:      DefaultMaxEntries,
		now:             time.Now,
		cleanupInterval: cleanupInterval,
		stopCleanup:     make(chan struct{}),
		logger:          slog.Default(),
	}

	go s.cleanupLoop()

	return s
}

// SetLogger sets a custom logger
func (s *Store) SetLogger(logger *slog.Logger) {
	if logger == nil {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.logger = logger
}

// SetClock replaces the time source used for expiry checks.
func (s *Store) SetClock(now func() time.Time) {
	if now == nil {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.now = now
}

// SetMaxEntries changes the capacity limit. Zero or negative disables it.
func (s *Store) SetMaxEntries(n int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.maxEntries = n
}

// SetInstrumentation sets OpenTelemetry instrumentation for the store
func (s *Store) SetInstrumentation(inst *instrumentation.Instrumentation) {
	s.mu.Lock()
	s.instrumentation = inst
	if inst != nil {
		s.tracer = inst.Tracer("storage")
	}
	s.flowsCountAtomic.Store(int64(len(s.flows)))
	s.mu.Unlock()

	if inst != nil {
		if err := inst.RegisterFlowStoreSizeCallback(func() int64 {
			return s.flowsCountAtomic.Load()
		}); err != nil {
			s.logger.Warn("Failed to register flow store size callback", "error", err)
		}
	}
}

// Stop gracefully stops the cleanup goroutine. It is safe to call more than once.
func (s *Store) Stop() {
	s.stopOnce.Do(func() {
		close(s.stopCleanup)
	})
}

// SaveFlowState stores a flow state keyed by its CSRF token
func (s *Store) SaveFlowState(ctx context.Context, state *storage.FlowState) (err error) {
	ctx, span := s.startStorageSpan(ctx, "save_flow_state")
	defer span.End()
	start := time.Now()
	defer func() { s.recordStorageOperation(ctx, span, "save_flow_state", err, start) }()

	if err := state.Validate(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.flows[state.CSRFToken]; exists {
		return fmt.Errorf("%w: csrf token already in use", storage.ErrInvalidFlowState)
	}

	if s.maxEntries > 0 && len(s.flows) >= s.maxEntries {
		// Reclaim expired entries before refusing the write
		s.removeExpiredLocked(s.now())
		if len(s.flows) >= s.maxEntries {
			s.logger.Warn("Flow store capacity reached",
				"max_entries", s.maxEntries)
			return storage.ErrFlowStoreFull
		}
	}

	stored := *state
	s.flows[state.CSRFToken] = &stored
	s.flowsCountAtomic.Store(int64(len(s.flows)))

	s.logger.Debug("Saved flow state",
		"state_prefix", util.SafeTruncate(state.CSRFToken, tokenIDLogLength),
		"provider", state.Provider,
		"flow_id", state.FlowID)
	return nil
}

// ConsumeFlowState atomically removes and returns the flow state for csrfToken.
// Expired records are removed as well and reported as storage.ErrFlowStateExpired.
func (s *Store) ConsumeFlowState(ctx context.Context, csrfToken string) (_ *storage.FlowState, err error) {
	ctx, span := s.startStorageSpan(ctx, "consume_flow_state")
	defer span.End()
	start := time.Now()
	defer func() { s.recordStorageOperation(ctx, span, "consume_flow_state", err, start) }()

	s.mu.Lock() // MUST use write lock for atomic take
	defer s.mu.Unlock()

	state, ok := s.flows[csrfToken]
	if !ok {
		return nil, storage.ErrFlowStateNotFound
	}

	delete(s.flows, csrfToken)
	s.flowsCountAtomic.Store(int64(len(s.flows)))

	if state.Expired(s.now()) {
		s.logger.Debug("Consumed expired flow state",
			"state_prefix", util.SafeTruncate(csrfToken, tokenIDLogLength),
			"flow_id", state.FlowID)
		return nil, storage.ErrFlowStateExpired
	}

	s.logger.Debug("Consumed flow state",
		"state_prefix", util.SafeTruncate(csrfToken, tokenIDLogLength),
		"flow_id", state.FlowID)

	out := *state
	return &out, nil
}

// CountFlowStates returns the number of stored flow states, including
// expired ones that have not been swept yet.
func (s *Store) CountFlowStates(_ context.Context) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return int64(len(s.flows)), nil
}

// ============================================================
// Cleanup
// ============================================================

func (s *Store) cleanupLoop() {
	ticker := time.NewTicker(s.cleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.stopCleanup:
			return
		case <-ticker.C:
			s.cleanup()
		}
	}
}

func (s *Store) cleanup() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if cleaned := s.removeExpiredLocked(s.now()); cleaned > 0 {
		s.logger.Debug("Cleaned up expired flow states", "count", cleaned)
	}
}

// removeExpiredLocked deletes every expired flow state. Must be called with mutex locked.
func (s *Store) removeExpiredLocked(now time.Time) int {
	cleaned := 0
	for token, state := range s.flows {
		if state.Expired(now) {
			delete(s.flows, token)
			cleaned++
		}
	}
	if cleaned > 0 {
		s.flowsCountAtomic.Store(int64(len(s.flows)))
	}
	return cleaned
}

// ============================================================
// Instrumentation Helpers
// ============================================================

// instruments returns the instrumentation and tracer set by SetInstrumentation.
// Callers must not hold s.mu.
func (s *Store) instruments() (*instrumentation.Instrumentation, trace.Tracer) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.instrumentation, s.tracer
}

// startStorageSpan starts a new span for a storage operation
func (s *Store) startStorageSpan(ctx context.Context, operation string) (context.Context, trace.Span) {
	_, tracer := s.instruments()
	if tracer == nil {
		return noop.NewTracerProvider().Tracer("storage").Start(ctx, "storage."+operation)
	}

	return tracer.Start(ctx, "storage."+operation,
		trace.WithAttributes(
			attribute.String(instrumentation.AttrStorageOperation, operation),
			attribute.String(instrumentation.AttrStorageType, "memory"),
		))
}

// recordStorageOperation records metrics for a storage operation and sets span status
func (s *Store) recordStorageOperation(ctx context.Context, span trace.Span, operation string, err error, startTime time.Time) {
	inst, _ := s.instruments()
	if inst == nil {
		return
	}

	durationMs := float64(time.Since(startTime).Microseconds()) / 1000
	result := "success"
	if err != nil {
		result = "error"
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	} else {
		span.SetStatus(codes.Ok, "")
	}

	inst.Metrics().RecordStorageOperation(ctx, operation, result, durationMs)
}
