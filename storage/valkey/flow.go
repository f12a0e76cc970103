package valkey

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/giantswarm/oauth-relay/storage"
)

// ============================================================
// FlowStore Implementation
// ============================================================

// SaveFlowState stores a flow state. The key TTL is the time left until
// ExpiresAt plus the expired retention; logical expiry is enforced by the
// consume script. SET NX refuses to overwrite a record with the same CSRF
// token.
func (s *Store) SaveFlowState(ctx context.Context, state *storage.FlowState) (err error) {
	ctx, span := s.startStorageSpan(ctx, "save_flow_state")
	defer span.End()
	start := time.Now()
	defer func() { s.recordStorageOperation(ctx, span, "save_flow_state", err, start) }()

	if err := state.Validate(); err != nil {
		return err
	}
	if len(state.CSRFToken) > MaxTokenLength {
		return fmt.Errorf("%w: csrf token exceeds %d bytes", storage.ErrInvalidFlowState, MaxTokenLength)
	}

	ttl := calculateTTL(s.now(), state.ExpiresAt)
	if ttl <= 0 {
		return fmt.Errorf("%w: flow state already expired", storage.ErrInvalidFlowState)
	}

	j := toFlowStateJSON(state)
	if j.PKCEVerifier, err = s.encryptVerifier(ctx, state.PKCEVerifier); err != nil {
		return err
	}

	data, err := json.Marshal(j)
	if err != nil {
		return fmt.Errorf("failed to marshal flow state: %w", err)
	}

	key := s.flowKey(state.CSRFToken)
	keyTTL := ttl + s.retention
	err = s.client.Do(ctx,
		s.client.B().Set().Key(key).Value(string(data)).Nx().PxMilliseconds(keyTTL.Milliseconds()).Build(),
	).Error()
	if err != nil {
		if isNilError(err) {
			return fmt.Errorf("%w: csrf token already in use", storage.ErrInvalidFlowState)
		}
		return fmt.Errorf("failed to save flow state: %w", err)
	}

	s.logger.Debug("Saved flow state",
		"state_prefix", safeTruncate(state.CSRFToken, tokenIDLogLength),
		"provider", state.Provider,
		"flow_id", state.FlowID)
	return nil
}

// ConsumeFlowState atomically reads and deletes the flow state for csrfToken.
//
// SECURITY: This operation is atomic via Lua script - only ONE concurrent request can succeed.
func (s *Store) ConsumeFlowState(ctx context.Context, csrfToken string) (_ *storage.FlowState, err error) {
	ctx, span := s.startStorageSpan(ctx, "consume_flow_state")
	defer span.End()
	start := time.Now()
	defer func() { s.recordStorageOperation(ctx, span, "consume_flow_state", err, start) }()

	if csrfToken == "" || len(csrfToken) > MaxTokenLength {
		return nil, storage.ErrFlowStateNotFound
	}

	result, err := s.client.Do(ctx,
		s.client.B().Eval().Script(luaAtomicTakeFlowState).
			Numkeys(1).
			Key(s.flowKey(csrfToken)).
			Arg(strconv.FormatInt(s.now().UnixMilli(), 10)).
			Build(),
	).ToString()
	if err != nil {
		return nil, fmt.Errorf("failed to execute atomic flow state take: %w", err)
	}

	switch result {
	case "NOT_FOUND":
		return nil, storage.ErrFlowStateNotFound
	case "EXPIRED":
		s.logger.Debug("Consumed expired flow state",
			"state_prefix", safeTruncate(csrfToken, tokenIDLogLength))
		return nil, storage.ErrFlowStateExpired
	}

	var j flowStateJSON
	if err := json.Unmarshal([]byte(result), &j); err != nil {
		return nil, fmt.Errorf("failed to unmarshal flow state: %w", err)
	}

	state := fromFlowStateJSON(&j)
	if state.PKCEVerifier, err = s.decryptVerifier(ctx, j.PKCEVerifier); err != nil {
		return nil, err
	}

	s.logger.Debug("Consumed flow state",
		"state_prefix", safeTruncate(csrfToken, tokenIDLogLength),
		"flow_id", state.FlowID)
	return state, nil
}

// CountFlowStates counts flow keys with SCAN. Expired keys still inside the
// retention window are counted.
func (s *Store) CountFlowStates(ctx context.Context) (int64, error) {
	pattern := s.flowKey("*")

	var count int64
	var cursor uint64
	for {
		entry, err := s.client.Do(ctx,
			s.client.B().Scan().Cursor(cursor).Match(pattern).Count(scanBatchSize).Build(),
		).AsScanEntry()
		if err != nil {
			return 0, fmt.Errorf("failed to scan flow states: %w", err)
		}

		count += int64(len(entry.Elements))

		cursor = entry.Cursor
		if cursor == 0 {
			return count, nil
		}
	}
}

func (s *Store) encryptVerifier(ctx context.Context, verifier string) (string, error) {
	enc := s.getEncryptor()
	if enc == nil || !enc.IsEnabled() {
		return verifier, nil
	}

	start := time.Now()
	out, err := enc.Encrypt(verifier)
	if err != nil {
		return "", fmt.Errorf("failed to encrypt pkce verifier: %w", err)
	}
	if s.instrumentation != nil {
		s.instrumentation.Metrics().RecordEncryptionOperation(ctx, "encrypt", float64(time.Since(start).Microseconds())/1000)
	}
	return out, nil
}

func (s *Store) decryptVerifier(ctx context.Context, stored string) (string, error) {
	enc := s.getEncryptor()
	if enc == nil || !enc.IsEnabled() {
		return stored, nil
	}

	start := time.Now()
	out, err := enc.Decrypt(stored)
	if err != nil {
		return "", fmt.Errorf("failed to decrypt pkce verifier: %w", err)
	}
	if s.instrumentation != nil {
		s.instrumentation.Metrics().RecordEncryptionOperation(ctx, "decrypt", float64(time.Since(start).Microseconds())/1000)
	}
	return out, nil
}
