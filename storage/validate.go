package storage

import "fmt"

// Validate checks the fields every backend relies on.
func (s *FlowState) Validate() error {
	if s == nil {
		return fmt.Errorf("%w: state is nil", ErrInvalidFlowState)
	}
	if s.CSRFToken == "" {
		return fmt.Errorf("%w: csrf token is empty", ErrInvalidFlowState)
	}
	if s.PKCEVerifier == "" {
		return fmt.Errorf("%w: pkce verifier is empty", ErrInvalidFlowState)
	}
	if s.Provider == "" {
		return fmt.Errorf("%w: provider is empty", ErrInvalidFlowState)
	}
	if s.ExpiresAt.IsZero() {
		return fmt.Errorf("%w: expiry is not set", ErrInvalidFlowState)
	}
	return nil
}
