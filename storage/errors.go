package storage

import "errors"

var (
	// ErrFlowStateNotFound is returned for unknown or already consumed CSRF tokens.
	ErrFlowStateNotFound = errors.New("flow state not found")

	// ErrFlowStateExpired is returned when a flow state is consumed after its expiry.
	ErrFlowStateExpired = errors.New("flow state expired")

	// ErrFlowStoreFull is returned when a bounded backend refuses new flows.
	ErrFlowStoreFull = errors.New("flow store is full")

	// ErrInvalidFlowState is returned for records missing required fields.
	ErrInvalidFlowState = errors.New("invalid flow state")
)
