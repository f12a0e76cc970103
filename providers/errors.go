package providers

import (
	"errors"
	"fmt"
)

// ErrUnknownProvider is returned by Registry.Lookup for names that were never
// registered.
var ErrUnknownProvider = errors.New("unknown provider")

// UnknownProviderError carries the name that failed lookup.
type UnknownProviderError struct {
	Name string
}

func (e *UnknownProviderError) Error() string {
	return fmt.Sprintf("unknown provider %q", e.Name)
}

// Unwrap allows errors.Is(err, ErrUnknownProvider).
func (e *UnknownProviderError) Unwrap() error {
	return ErrUnknownProvider
}

// ExchangeErrorKind classifies token endpoint failures.
type ExchangeErrorKind int

const (
	// ExchangeTransport covers network failures, timeouts and 5xx responses.
	ExchangeTransport ExchangeErrorKind = iota + 1
	// ExchangeInvalidGrant means the provider rejected the code or verifier.
	ExchangeInvalidGrant
	// ExchangeMalformedResponse means the token response could not be used.
	ExchangeMalformedResponse
	// ExchangeClientRejected means the provider refused the relay's own
	// client credentials (invalid_client, unauthorized_client).
	ExchangeClientRejected
)

func (k ExchangeErrorKind) String() string {
	switch k {
	case ExchangeTransport:
		return "transport"
	case ExchangeInvalidGrant:
		return "invalid_grant"
	case ExchangeMalformedResponse:
		return "malformed_response"
	case ExchangeClientRejected:
		return "client_rejected"
	default:
		return "unknown"
	}
}

// ExchangeError is returned by Provider.ExchangeCode.
type ExchangeError struct {
	Provider string
	Kind     ExchangeErrorKind
	// StatusCode is the token endpoint HTTP status, 0 when no response was received.
	StatusCode int
	// ErrorCode is the OAuth "error" field of the response, if any.
	ErrorCode string
	Err       error
}

func (e *ExchangeError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("%s: code exchange failed (%s, status %d): %v", e.Provider, e.Kind, e.StatusCode, e.Err)
	}
	return fmt.Sprintf("%s: code exchange failed (%s): %v", e.Provider, e.Kind, e.Err)
}

func (e *ExchangeError) Unwrap() error {
	return e.Err
}

// IdentityErrorKind classifies user-info endpoint failures.
type IdentityErrorKind int

const (
	// IdentityTransport covers network failures, timeouts and 5xx responses.
	IdentityTransport IdentityErrorKind = iota + 1
	// IdentityMalformedResponse covers unexpected statuses and undecodable bodies.
	IdentityMalformedResponse
	// IdentityMissingRequiredField means the document lacks the user id field.
	IdentityMissingRequiredField
)

func (k IdentityErrorKind) String() string {
	switch k {
	case IdentityTransport:
		return "transport"
	case IdentityMalformedResponse:
		return "malformed_response"
	case IdentityMissingRequiredField:
		return "missing_required_field"
	default:
		return "unknown"
	}
}

// IdentityError is returned by Provider.FetchIdentity.
type IdentityError struct {
	Provider   string
	Kind       IdentityErrorKind
	StatusCode int
	// Field names the missing claim for IdentityMissingRequiredField.
	Field string
	Err   error
}

func (e *IdentityError) Error() string {
	switch {
	case e.Kind == IdentityMissingRequiredField:
		return fmt.Sprintf("%s: user info is missing required field %q", e.Provider, e.Field)
	case e.StatusCode != 0:
		return fmt.Sprintf("%s: user info request failed (%s, status %d): %v", e.Provider, e.Kind, e.StatusCode, e.Err)
	default:
		return fmt.Sprintf("%s: user info request failed (%s): %v", e.Provider, e.Kind, e.Err)
	}
}

func (e *IdentityError) Unwrap() error {
	return e.Err
}

// MissingField builds the IdentityError variants use when the id claim is absent.
func MissingField(provider, field string) *IdentityError {
	return &IdentityError{
		Provider: provider,
		Kind:     IdentityMissingRequiredField,
		Field:    field,
		Err:      fmt.Errorf("field %q not present", field),
	}
}
