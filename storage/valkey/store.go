package valkey

import (
	"context"
	"crypto/tls"
	"fmt"
	"log/slog"
	"sync"
	"time"

	valkeygo "github.com/valkey-io/valkey-go"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/giantswarm/oauth-relay/instrumentation"
	"github.com/giantswarm/oauth-relay/security"
	"github.com/giantswarm/oauth-relay/storage"
)

const (
	// DefaultKeyPrefix is the default prefix for all Valkey keys
	DefaultKeyPrefix = "relay:"

	// tokenIDLogLength is the number of characters to include when logging CSRF tokens
	tokenIDLogLength = 8

	// scanBatchSize is the number of keys to fetch per SCAN iteration
	scanBatchSize = 100

	// connectionVerifyTimeout is the timeout for initial connection verification
	connectionVerifyTimeout = 5 * time.Second

	// sizeCallbackTimeout bounds the SCAN run when the flow gauge is collected
	sizeCallbackTimeout = 2 * time.Second

	// MaxTokenLength is the maximum allowed length for CSRF tokens (512 bytes)
	MaxTokenLength = 512

	// DefaultExpiredRetention is how long a flow key outlives its expiry so
	// that a late callback is reported as expired rather than unknown.
	DefaultExpiredRetention = 10 * time.Minute
)

// Config holds configuration for the Valkey storage backend.
type Config struct {
	// Address is the Valkey server address (required), e.g., "localhost:6379"
	Address string

	// Password is the optional password for Valkey authentication
	Password string

	// DB is the optional database number (default 0)
	DB int

	// KeyPrefix is the prefix for all keys (default "relay:")
	KeyPrefix string

	// TLS is the optional TLS configuration for encrypted connections
	TLS *tls.Config

	// Logger is the optional structured logger (default: slog.Default())
	Logger *slog.Logger

	// ExpiredRetention keeps flow keys in Valkey this long past ExpiresAt
	// (default DefaultExpiredRetention).
	ExpiredRetention time.Duration
}

// Store is a Valkey-backed implementation of storage.FlowStore.
// Flow keys are removed by Valkey TTLs set to ExpiresAt plus the expired
// retention, so the store has no cleanup loop.
type Store struct {
	client    valkeygo.Client
	prefix    string
	logger    *slog.Logger
	retention time.Duration

	// encryptor protects the PKCE verifier at rest.
	// Access must be synchronized via encryptorMu
	encryptor   *security.Encryptor
	encryptorMu sync.RWMutex

	instrumentation *instrumentation.Instrumentation
	tracer          trace.Tracer

	now func() time.Time
}

var _ storage.FlowStore = (*Store)(nil)

// New creates a new Valkey-backed storage instance.
// Returns an error if the connection cannot be established.
func New(cfg Config) (*Store, error) {
	if cfg.Address == "" {
		return nil, fmt.Errorf("valkey address is required")
	}

	prefix := cfg.KeyPrefix
	if prefix == "" {
		prefix = DefaultKeyPrefix
	}

	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	retention := cfg.ExpiredRetention
	if retention <= 0 {
		retention = DefaultExpiredRetention
	}

	opts := valkeygo.ClientOption{
		InitAddress: []string{cfg.Address},
		SelectDB:    cfg.DB,
	}

	if cfg.Password != "" {
		opts.Password = cfg.Password
	}

	if cfg.TLS != nil {
		opts.TLSConfig = cfg.TLS
	}

	client, err := valkeygo.NewClient(opts)
	if err != nil {
		return nil, fmt.Errorf("failed to create valkey client: %w", err)
	}

	// Verify connection
	ctx, cancel := context.WithTimeout(context.Background(), connectionVerifyTimeout)
	defer cancel()

	if err := client.Do(ctx, client.B().Ping().Build()).Error(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to valkey: %w", err)
	}

	logger.Info("Connected to Valkey storage",
		"address", cfg.Address,
		"db", cfg.DB,
		"prefix", prefix)

	return &Store{
		client:    client,
		prefix:    prefix,
		logger:    logger,
		retention: retention,
		now:       time.Now,
	}, nil
}

// Close closes the Valkey client connection.
func (s *Store) Close() {
	s.client.Close()
	s.logger.Info("Valkey storage connection closed")
}

// SetLogger sets a custom logger for the store.
func (s *Store) SetLogger(logger *slog.Logger) {
	if logger != nil {
		s.logger = logger
	}
}

// SetEncryptor sets the encryptor used for the PKCE verifier at rest.
func (s *Store) SetEncryptor(enc *security.Encryptor) {
	s.encryptorMu.Lock()
	defer s.encryptorMu.Unlock()
	s.encryptor = enc
	if enc != nil && enc.IsEnabled() {
		s.logger.Info("Verifier encryption at rest enabled for Valkey storage")
	}
}

// getEncryptor returns the current encryptor (thread-safe)
func (s *Store) getEncryptor() *security.Encryptor {
	s.encryptorMu.RLock()
	defer s.encryptorMu.RUnlock()
	return s.encryptor
}

// SetInstrumentation sets OpenTelemetry instrumentation for the store.
// The flow count gauge is answered with a bounded SCAN at collection time.
func (s *Store) SetInstrumentation(inst *instrumentation.Instrumentation) {
	s.instrumentation = inst
	if inst == nil {
		return
	}
	s.tracer = inst.Tracer("storage")

	err := inst.RegisterFlowStoreSizeCallback(func() int64 {
		ctx, cancel := context.WithTimeout(context.Background(), sizeCallbackTimeout)
		defer cancel()
		n, err := s.CountFlowStates(ctx)
		if err != nil {
			s.logger.Debug("Failed to count flow states for metrics", "error", err)
			return 0
		}
		return n
	})
	if err != nil {
		s.logger.Warn("Failed to register flow store size callback", "error", err)
	}
}

// flowKey returns the key for a flow state: {prefix}flow:{csrfToken}
func (s *Store) flowKey(csrfToken string) string {
	return fmt.Sprintf("%sflow:%s", s.prefix, csrfToken)
}

// ============================================================
// Lua Scripts for Atomic Operations
// ============================================================

// luaAtomicTakeFlowState atomically reads and deletes a flow state so that
// exactly one caller can consume a CSRF token.
//
// KEYS[1] = flow key (e.g., "relay:flow:abc123")
// ARGV[1] = current Unix time in milliseconds (for expiry check)
//
// Returns:
//   - Original JSON data if the state existed and had not expired
//   - "NOT_FOUND" if the key doesn't exist in Valkey
//   - "EXPIRED" if ARGV[1] >= expires_at_ms; the key is deleted either way
//
// Keys live past expires_at_ms for the expired retention, so the EXPIRED
// branch is reached for callbacks that arrive late.
const luaAtomicTakeFlowState = `
local data = redis.call('GET', KEYS[1])
if not data then
    return 'NOT_FOUND'
end

redis.call('DEL', KEYS[1])

local state = cjson.decode(data)
local now = tonumber(ARGV[1])
local expiresAt = tonumber(state.expires_at_ms)
if expiresAt and now >= expiresAt then
    return 'EXPIRED'
end

return data
`

// ============================================================
// Helpers
// ============================================================

// flowStateJSON is the stored representation of a flow state.
// ExpiresAtMs duplicates ExpiresAt so the Lua script can compare it numerically.
type flowStateJSON struct {
	CSRFToken    string    `json:"csrf_token"`
	PKCEVerifier string    `json:"pkce_verifier"`
	Provider     string    `json:"provider"`
	FlowID       string    `json:"flow_id"`
	CreatedAt    time.Time `json:"created_at"`
	ExpiresAt    time.Time `json:"expires_at"`
	ExpiresAtMs  int64     `json:"expires_at_ms"`
}

func toFlowStateJSON(state *storage.FlowState) *flowStateJSON {
	return &flowStateJSON{
		CSRFToken:    state.CSRFToken,
		PKCEVerifier: state.PKCEVerifier,
		Provider:     state.Provider,
		FlowID:       state.FlowID,
		CreatedAt:    state.CreatedAt,
		ExpiresAt:    state.ExpiresAt,
		ExpiresAtMs:  state.ExpiresAt.UnixMilli(),
	}
}

func fromFlowStateJSON(j *flowStateJSON) *storage.FlowState {
	return &storage.FlowState{
		CSRFToken:    j.CSRFToken,
		PKCEVerifier: j.PKCEVerifier,
		Provider:     j.Provider,
		FlowID:       j.FlowID,
		CreatedAt:    j.CreatedAt,
		ExpiresAt:    j.ExpiresAt,
	}
}

// safeTruncate safely truncates a string to n characters
func safeTruncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}

// calculateTTL calculates the TTL for a key based on expiry time.
// Returns 0 if the key has already expired.
func calculateTTL(now, expiresAt time.Time) time.Duration {
	ttl := expiresAt.Sub(now)
	if ttl <= 0 {
		return 0
	}
	return ttl
}

func isNilError(err error) bool {
	return valkeygo.IsValkeyNil(err)
}

// startStorageSpan starts a new span for a storage operation
func (s *Store) startStorageSpan(ctx context.Context, operation string) (context.Context, trace.Span) {
	if s.tracer == nil {
		return noop.NewTracerProvider().Tracer("storage").Start(ctx, "storage."+operation)
	}

	return s.tracer.Start(ctx, "storage."+operation,
		trace.WithAttributes(
			attribute.String(instrumentation.AttrStorageOperation, operation),
			attribute.String(instrumentation.AttrStorageType, "valkey"),
		))
}

// recordStorageOperation records metrics for a storage operation and sets span status
func (s *Store) recordStorageOperation(ctx context.Context, span trace.Span, operation string, err error, startTime time.Time) {
	if s.instrumentation == nil {
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

	s.instrumentation.Metrics().RecordStorageOperation(ctx, operation, result, durationMs)
}
