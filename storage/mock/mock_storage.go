// Package mock provides a mock implementation of storage.FlowStore for testing.
package mock

import (
	"context"
	"sync"

	"github.com/giantswarm/oauth-relay/storage"
)

// MockFlowStore is a mock implementation of FlowStore for testing.
// The default functions keep states in a map and honour the exactly-once
// contract, so the mock can stand in for a real backend; override a Func
// field to inject failures.
type MockFlowStore struct {
	mu     sync.Mutex
	states map[string]*storage.FlowState

	SaveFlowStateFunc    func(ctx context.Context, state *storage.FlowState) error
	ConsumeFlowStateFunc func(ctx context.Context, csrfToken string) (*storage.FlowState, error)
	CountFlowStatesFunc  func(ctx context.Context) (int64, error)

	countsMu   sync.Mutex
	CallCounts map[string]int
}

var _ storage.FlowStore = (*MockFlowStore)(nil)

// NewMockFlowStore creates a new mock flow store
func NewMockFlowStore() *MockFlowStore {
	m := &MockFlowStore{
		states:     make(map[string]*storage.FlowState),
		CallCounts: make(map[string]int),
	}

	m.SaveFlowStateFunc = func(_ context.Context, state *storage.FlowState) error {
		if err := state.Validate(); err != nil {
			return err
		}
		m.mu.Lock()
		defer m.mu.Unlock()
		stored := *state
		m.states[state.CSRFToken] = &stored
		return nil
	}

	m.ConsumeFlowStateFunc = func(_ context.Context, csrfToken string) (*storage.FlowState, error) {
		m.mu.Lock()
		defer m.mu.Unlock()
		state, ok := m.states[csrfToken]
		if !ok {
			return nil, storage.ErrFlowStateNotFound
		}
		delete(m.states, csrfToken)
		return state, nil
	}

	m.CountFlowStatesFunc = func(_ context.Context) (int64, error) {
		m.mu.Lock()
		defer m.mu.Unlock()
		return int64(len(m.states)), nil
	}

	return m
}

// SaveFlowState stores a flow state
func (m *MockFlowStore) SaveFlowState(ctx context.Context, state *storage.FlowState) error {
	m.incrementCallCount("SaveFlowState")
	return m.SaveFlowStateFunc(ctx, state)
}

// ConsumeFlowState removes and returns a flow state
func (m *MockFlowStore) ConsumeFlowState(ctx context.Context, csrfToken string) (*storage.FlowState, error) {
	m.incrementCallCount("ConsumeFlowState")
	return m.ConsumeFlowStateFunc(ctx, csrfToken)
}

// CountFlowStates returns the number of stored flow states
func (m *MockFlowStore) CountFlowStates(ctx context.Context) (int64, error) {
	m.incrementCallCount("CountFlowStates")
	return m.CountFlowStatesFunc(ctx)
}

// GetCallCount returns the number of times a method was called
func (m *MockFlowStore) GetCallCount(method string) int {
	m.countsMu.Lock()
	defer m.countsMu.Unlock()
	return m.CallCounts[method]
}

// ResetCallCounts resets all call counters
func (m *MockFlowStore) ResetCallCounts() {
	m.countsMu.Lock()
	defer m.countsMu.Unlock()
	m.CallCounts = make(map[string]int)
}

func (m *MockFlowStore) incrementCallCount(method string) {
	m.countsMu.Lock()
	defer m.countsMu.Unlock()
	m.CallCounts[method]++
}
