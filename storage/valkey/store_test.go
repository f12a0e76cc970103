package valkey

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/giantswarm/oauth-relay/security"
	"github.com/giantswarm/oauth-relay/storage"
)

// testStore creates a test store connected to a local Valkey instance.
// Tests will be skipped if the connection fails. Each test gets a unique
// prefix to ensure test isolation.
func testStore(t *testing.T) *Store {
	t.Helper()

	addr := os.Getenv("VALKEY_TEST_ADDR")
	if addr == "" {
		addr = "localhost:6379"
	}

	prefix := fmt.Sprintf("relaytest:%s:", t.Name())

	store, err := New(Config{
		Address:   addr,
		KeyPrefix: prefix,
	})
	if err != nil {
		t.Skipf("Skipping test: could not connect to Valkey at %s: %v", addr, err)
	}

	t.Cleanup(func() {
		cleanupTestKeys(t, store)
		store.Close()
	})

	cleanupTestKeys(t, store)
	return store
}

// cleanupTestKeys removes all test keys from Valkey
func cleanupTestKeys(t *testing.T, s *Store) {
	t.Helper()

	ctx := context.Background()
	pattern := s.prefix + "*"

	var cursor uint64
	for {
		result, err := s.client.Do(ctx,
			s.client.B().Scan().Cursor(cursor).Match(pattern).Count(100).Build(),
		).AsScanEntry()
		if err != nil {
			t.Logf("Warning: failed to scan for cleanup: %v", err)
			return
		}

		for _, key := range result.Elements {
			_ = s.client.Do(ctx, s.client.B().Del().Key(key).Build())
		}

		cursor = result.Cursor
		if cursor == 0 {
			break
		}
	}
}

func newFlowState(token string) *storage.FlowState {
	now := time.Now()
	return &storage.FlowState{
		CSRFToken:    token,
		PKCEVerifier: "verifier-" + token,
		Provider:     "github",
		FlowID:       "flow-" + token,
		CreatedAt:    now,
		ExpiresAt:    now.Add(10 * time.Minute),
	}
}

// ============================================================
// Config Tests
// ============================================================

func TestNew_MissingAddress(t *testing.T) {
	_, err := New(Config{})
	require.Error(t, err)
}

func TestNew_InvalidAddress(t *testing.T) {
	_, err := New(Config{Address: "invalid:99999"})
	require.Error(t, err)
}

// ============================================================
// Helper Tests (no server required)
// ============================================================

func TestFlowStateJSON_RoundTrip(t *testing.T) {
	state := newFlowState("abc")

	data, err := json.Marshal(toFlowStateJSON(state))
	require.NoError(t, err)

	var raw map[string]any
	require.NoError(t, json.Unmarshal(data, &raw))
	assert.Equal(t, float64(state.ExpiresAt.UnixMilli()), raw["expires_at_ms"])

	var j flowStateJSON
	require.NoError(t, json.Unmarshal(data, &j))
	got := fromFlowStateJSON(&j)

	assert.Equal(t, state.CSRFToken, got.CSRFToken)
	assert.Equal(t, state.PKCEVerifier, got.PKCEVerifier)
	assert.Equal(t, state.Provider, got.Provider)
	assert.Equal(t, state.FlowID, got.FlowID)
	assert.True(t, state.ExpiresAt.Equal(got.ExpiresAt))
}

func TestCalculateTTL(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

	assert.Equal(t, time.Minute, calculateTTL(now, now.Add(time.Minute)))
	assert.Equal(t, time.Duration(0), calculateTTL(now, now))
	assert.Equal(t, time.Duration(0), calculateTTL(now, now.Add(-time.Second)))
}

func TestFlowKey(t *testing.T) {
	s := &Store{prefix: "relay:"}
	assert.Equal(t, "relay:flow:tok", s.flowKey("tok"))
}

// ============================================================
// FlowStore Tests
// ============================================================

func TestStore_SaveAndConsume(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	want := newFlowState("csrf-1")
	require.NoError(t, s.SaveFlowState(ctx, want))

	count, err := s.CountFlowStates(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), count)

	got, err := s.ConsumeFlowState(ctx, "csrf-1")
	require.NoError(t, err)
	assert.Equal(t, want.PKCEVerifier, got.PKCEVerifier)
	assert.Equal(t, want.Provider, got.Provider)

	_, err = s.ConsumeFlowState(ctx, "csrf-1")
	assert.ErrorIs(t, err, storage.ErrFlowStateNotFound)
}

func TestStore_SaveFlowState_Duplicate(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	require.NoError(t, s.SaveFlowState(ctx, newFlowState("dup")))
	assert.ErrorIs(t, s.SaveFlowState(ctx, newFlowState("dup")), storage.ErrInvalidFlowState)
}

func TestStore_SaveFlowState_Invalid(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	expired := newFlowState("old")
	expired.ExpiresAt = time.Now().Add(-time.Second)
	assert.ErrorIs(t, s.SaveFlowState(ctx, expired), storage.ErrInvalidFlowState)

	long := newFlowState(strings.Repeat("x", MaxTokenLength+1))
	assert.ErrorIs(t, s.SaveFlowState(ctx, long), storage.ErrInvalidFlowState)

	assert.ErrorIs(t, s.SaveFlowState(ctx, nil), storage.ErrInvalidFlowState)
}

func TestStore_ConsumeExpired(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	state := newFlowState("soon")
	state.ExpiresAt = time.Now().Add(200 * time.Millisecond)
	require.NoError(t, s.SaveFlowState(ctx, state))

	time.Sleep(400 * time.Millisecond)

	_, err := s.ConsumeFlowState(ctx, "soon")
	assert.ErrorIs(t, err, storage.ErrFlowStateExpired)

	// The expired record is removed by the same call
	_, err = s.ConsumeFlowState(ctx, "soon")
	assert.ErrorIs(t, err, storage.ErrFlowStateNotFound)
}

func TestStore_ExpiredRetention(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	state := newFlowState("ttl")
	require.NoError(t, s.SaveFlowState(ctx, state))

	pttl, err := s.client.Do(ctx, s.client.B().Pttl().Key(s.flowKey("ttl")).Build()).AsInt64()
	require.NoError(t, err)

	remaining := time.Until(state.ExpiresAt)
	assert.Greater(t, time.Duration(pttl)*time.Millisecond, remaining,
		"key must outlive the logical expiry")
	assert.LessOrEqual(t, time.Duration(pttl)*time.Millisecond, remaining+DefaultExpiredRetention)
}

func TestStore_ConcurrentConsume(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	require.NoError(t, s.SaveFlowState(ctx, newFlowState("race")))

	var successes atomic.Int64
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := s.ConsumeFlowState(ctx, "race"); err == nil {
				successes.Add(1)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int64(1), successes.Load())
}

func TestStore_EncryptedVerifier(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	key, err := security.GenerateKey()
	require.NoError(t, err)
	enc, err := security.NewEncryptor(key)
	require.NoError(t, err)
	s.SetEncryptor(enc)

	state := newFlowState("sealed")
	require.NoError(t, s.SaveFlowState(ctx, state))

	raw, err := s.client.Do(ctx, s.client.B().Get().Key(s.flowKey("sealed")).Build()).ToString()
	require.NoError(t, err)
	assert.NotContains(t, raw, state.PKCEVerifier)

	got, err := s.ConsumeFlowState(ctx, "sealed")
	require.NoError(t, err)
	assert.Equal(t, state.PKCEVerifier, got.PKCEVerifier)
}
