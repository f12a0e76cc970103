package relay

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/giantswarm/oauth-relay/flow"
	"github.com/giantswarm/oauth-relay/providers"
)

// Outward error codes. They are stable and safe to show to clients.
const (
	ErrorCodeUnknownProvider     = "unknown_provider"
	ErrorCodeInvalidRequest      = "invalid_request"
	ErrorCodeInvalidState        = "invalid_state"
	ErrorCodeAccessDenied        = "access_denied"
	ErrorCodeAuthorizationFailed = "authorization_failed"
	ErrorCodeProviderUnavailable = "provider_unavailable"
	ErrorCodeProviderError       = "provider_error"
	ErrorCodeServerError         = "server_error"
	ErrorCodeRateLimitExceeded   = "rate_limit_exceeded"
)

// Error is the client-facing form of every relay failure. Description never
// carries tokens, verifiers, secrets or provider response bodies; the
// internal cause stays reachable through errors.Unwrap for logging.
type Error struct {
	Code        string // Outward error code (e.g., "invalid_state")
	Description string // Human-readable error description
	Status      int    // HTTP status code

	cause error
}

// Error implements the error interface
func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Description)
}

// Unwrap returns the internal cause, if any.
func (e *Error) Unwrap() error {
	return e.cause
}

// NewError creates a new relay error
func NewError(code, description string, status int) *Error {
	return &Error{
		Code:        code,
		Description: description,
		Status:      status,
	}
}

func (e *Error) withCause(err error) *Error {
	e.cause = err
	return e
}

func (e *Error) withStatus(status int) *Error {
	e.Status = status
	return e
}

// Common relay errors as reusable constructors
var (
	// ErrUnknownProvider indicates the requested provider is not configured
	ErrUnknownProvider = func(desc string) *Error {
		return NewError(ErrorCodeUnknownProvider, desc, http.StatusBadRequest)
	}

	// ErrInvalidRequest indicates the request is malformed or missing required parameters
	ErrInvalidRequest = func(desc string) *Error {
		return NewError(ErrorCodeInvalidRequest, desc, http.StatusBadRequest)
	}

	// ErrInvalidState indicates the state is unknown, already used or expired
	ErrInvalidState = func(desc string) *Error {
		return NewError(ErrorCodeInvalidState, desc, http.StatusBadRequest)
	}

	// ErrAccessDenied indicates the user or provider refused the authorization
	ErrAccessDenied = func(desc string) *Error {
		return NewError(ErrorCodeAccessDenied, desc, http.StatusForbidden)
	}

	// ErrAuthorizationFailed indicates the provider rejected the code or verifier
	ErrAuthorizationFailed = func(desc string) *Error {
		return NewError(ErrorCodeAuthorizationFailed, desc, http.StatusBadRequest)
	}

	// ErrProviderUnavailable indicates the provider could not be reached
	ErrProviderUnavailable = func(desc string) *Error {
		return NewError(ErrorCodeProviderUnavailable, desc, http.StatusBadGateway)
	}

	// ErrProviderError indicates the provider answered with something unusable
	ErrProviderError = func(desc string) *Error {
		return NewError(ErrorCodeProviderError, desc, http.StatusBadGateway)
	}

	// ErrServerError indicates an internal server error
	ErrServerError = func(desc string) *Error {
		return NewError(ErrorCodeServerError, desc, http.StatusInternalServerError)
	}

	// ErrRateLimitExceeded indicates the client sent too many requests
	ErrRateLimitExceeded = func(desc string) *Error {
		return NewError(ErrorCodeRateLimitExceeded, desc, http.StatusTooManyRequests)
	}
)

// toError translates an internal error into its outward form.
func toError(err error) *Error {
	if err == nil {
		return nil
	}

	var relayErr *Error
	if errors.As(err, &relayErr) {
		return relayErr
	}

	var unknownErr *providers.UnknownProviderError
	if errors.As(err, &unknownErr) {
		return ErrUnknownProvider(fmt.Sprintf("provider %q is not configured", unknownErr.Name)).withCause(err)
	}

	var stateErr *flow.StateError
	if errors.As(err, &stateErr) {
		desc := "state is unknown or has already been used"
		if stateErr.Kind == flow.StateExpired {
			desc = "state has expired, start the login again"
		}
		return ErrInvalidState(desc).withCause(err)
	}

	var exchangeErr *providers.ExchangeError
	if errors.As(err, &exchangeErr) {
		switch exchangeErr.Kind {
		case providers.ExchangeInvalidGrant:
			return ErrAuthorizationFailed("provider rejected the authorization code").withCause(err)
		case providers.ExchangeTransport:
			return ErrProviderUnavailable("provider token endpoint is unavailable").withCause(err)
		case providers.ExchangeClientRejected:
			return ErrProviderError("provider rejected the relay client credentials").withCause(err)
		default:
			return ErrProviderError("provider returned an invalid token response").withCause(err)
		}
	}

	var identityErr *providers.IdentityError
	if errors.As(err, &identityErr) {
		switch identityErr.Kind {
		case providers.IdentityTransport:
			return ErrProviderUnavailable("provider user info endpoint is unavailable").withCause(err)
		case providers.IdentityMissingRequiredField:
			return ErrProviderError("provider user info lacks a user identifier").withCause(err)
		default:
			return ErrProviderError("provider returned an invalid user info response").withCause(err)
		}
	}

	return ErrServerError("internal server error").withCause(err)
}
