// Package relay runs OAuth 2.0 Authorization Code logins with PKCE against
// the configured identity providers on behalf of a client application.
//
// A login is two calls. Authorize issues a single-use state and PKCE pair
// and returns the provider URL to redirect the user to. Callback consumes the
// state exactly once, redeems the code with the verifier, fetches the user
// info and returns the normalized identity. The client never sees provider
// secrets, verifiers or access tokens.
package relay

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
	"golang.org/x/oauth2"

	"github.com/giantswarm/oauth-relay/flow"
	"github.com/giantswarm/oauth-relay/instrumentation"
	"github.com/giantswarm/oauth-relay/internal/util"
	"github.com/giantswarm/oauth-relay/providers"
	"github.com/giantswarm/oauth-relay/security"
	"github.com/giantswarm/oauth-relay/storage"
)

// stateLogLength is the number of characters of a state token that may be logged
const stateLogLength = 8

// resultSuccess is the metric label of a successful step
const resultSuccess = "success"

// SessionAdapter hands a completed identity to the host application, for
// example to create its own session. It is optional.
type SessionAdapter interface {
	SaveSession(ctx context.Context, identity *providers.Identity) error
}

// Relay orchestrates login flows across the registered providers.
// It is safe for concurrent use.
type Relay struct {
	registry *providers.Registry
	flows    *flow.Store
	sessions SessionAdapter
	logger   *slog.Logger
	now      func() time.Time

	Config          *Config
	Auditor         *security.Auditor
	Instrumentation *instrumentation.Instrumentation
	tracer          trace.Tracer
	metrics         *instrumentation.Metrics
}

// New creates a relay over a frozen provider registry and a flow-state backend.
func New(registry *providers.Registry, flowStore storage.FlowStore, config *Config) (*Relay, error) {
	if registry == nil {
		return nil, fmt.Errorf("provider registry is required")
	}
	if flowStore == nil {
		return nil, fmt.Errorf("flow store is required")
	}
	if config == nil {
		config = DefaultConfig()
	}
	applyDefaults(config)
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid relay config: %w", err)
	}

	flows, err := flow.NewStore(flowStore, flow.Config{
		TTL:    config.FlowTTL,
		Logger: config.Logger,
	})
	if err != nil {
		return nil, err
	}

	return &Relay{
		registry: registry,
		flows:    flows,
		sessions: config.SessionAdapter,
		logger:   config.Logger,
		now:      time.Now,
		Config:   config,
		Auditor:  security.NewAuditor(config.Logger, config.Security.EnableAuditLogging),
	}, nil
}

// SetAuditor sets the security auditor
func (r *Relay) SetAuditor(aud *security.Auditor) {
	r.Auditor = aud
}

// SetInstrumentation sets OpenTelemetry instrumentation for the relay
func (r *Relay) SetInstrumentation(inst *instrumentation.Instrumentation) {
	r.Instrumentation = inst
	if inst == nil {
		r.tracer = nil
		r.metrics = nil
		return
	}
	r.tracer = inst.Tracer("relay")
	r.metrics = inst.Metrics()
	if r.Auditor != nil {
		r.Auditor.SetInstrumentation(inst)
	}
}

// Providers returns the names of the configured providers in sorted order.
func (r *Relay) Providers() []string {
	return r.registry.Names()
}

// Authorize starts a login with the named provider and returns the URL the
// user agent must be redirected to. Unknown providers fail before any state
// is issued or any network call is made.
func (r *Relay) Authorize(ctx context.Context, providerName string) (string, error) {
	ctx, span := r.startSpan(ctx, "relay.authorize")
	defer span.End()

	if providerName == "" {
		err := ErrInvalidRequest("provider parameter is required")
		instrumentation.RecordError(span, err)
		return "", err
	}

	provider, err := r.registry.Lookup(providerName)
	if err != nil {
		r.logger.Info("Authorization requested for unknown provider", "provider", util.SafeTruncate(providerName, 64))
		relayErr := toError(err)
		instrumentation.RecordError(span, relayErr)
		return "", relayErr
	}

	issued, err := r.flows.Issue(ctx, provider.Name())
	if err != nil {
		r.logger.Error("Failed to issue flow state", "provider", provider.Name(), "error", err)
		relayErr := toError(err)
		instrumentation.RecordError(span, relayErr)
		return "", relayErr
	}

	authURL := provider.AuthorizationURL(issued.State.CSRFToken, issued.Challenge)

	instrumentation.AddFlowAttributes(span, provider.Name(), issued.State.FlowID)
	instrumentation.SetSpanAttributes(span, attribute.String(instrumentation.AttrPKCEMethod, "S256"))
	instrumentation.SetSpanSuccess(span)
	if r.metrics != nil {
		r.metrics.RecordFlowStarted(ctx, provider.Name())
	}
	r.Auditor.LogFlowStarted(ctx, provider.Name(), issued.State.FlowID)

	r.logger.Info("Started login flow",
		"provider", provider.Name(),
		"flow_id", issued.State.FlowID,
		"state_prefix", util.SafeTruncate(issued.State.CSRFToken, stateLogLength))

	return authURL, nil
}

// Callback completes a login from the provider redirect. The state is
// consumed before anything else happens, so a replayed or concurrent
// duplicate callback fails with invalid_state and never reaches the provider.
func (r *Relay) Callback(ctx context.Context, code, state string) (*providers.Identity, error) {
	ctx, span := r.startSpan(ctx, "relay.callback")
	defer span.End()

	if state == "" {
		return nil, r.failCallback(ctx, span, "", ErrInvalidRequest("state parameter is required"))
	}
	if code == "" {
		return nil, r.failCallback(ctx, span, "", ErrInvalidRequest("code parameter is required"))
	}

	flowState, err := r.consume(ctx, span, state)
	if err != nil {
		return nil, r.failCallback(ctx, span, "", err)
	}
	providerName := flowState.Provider
	instrumentation.AddFlowAttributes(span, providerName, flowState.FlowID)

	provider, err := r.registry.Lookup(providerName)
	if err != nil {
		// The registry is frozen, so a stored name always resolves unless the
		// backend is shared with a differently configured relay.
		r.logger.Error("Flow state references an unconfigured provider",
			"provider", providerName, "flow_id", flowState.FlowID)
		return nil, r.failCallback(ctx, span, providerName, ErrServerError("flow state references an unconfigured provider").withCause(err))
	}

	token, err := r.exchangeCode(ctx, provider, flowState, code)
	if err != nil {
		return nil, r.failCallback(ctx, span, providerName, err)
	}

	identity, err := r.fetchIdentity(ctx, provider, flowState, token.AccessToken)
	if err != nil {
		return nil, r.failCallback(ctx, span, providerName, err)
	}

	if r.sessions != nil {
		if err := r.sessions.SaveSession(ctx, identity); err != nil {
			r.logger.Error("Session adapter failed",
				"provider", providerName, "flow_id", flowState.FlowID, "error", err)
			return nil, r.failCallback(ctx, span, providerName, ErrServerError("failed to establish session").withCause(err))
		}
	}

	instrumentation.SetSpanAttributes(span,
		attribute.String(instrumentation.AttrResult, resultSuccess),
		attribute.String(instrumentation.AttrUserIDHash, security.HashForLogging(identity.UserID)))
	instrumentation.SetSpanSuccess(span)
	if r.metrics != nil {
		r.metrics.RecordCallbackProcessed(ctx, providerName, resultSuccess)
		r.metrics.RecordFlowDuration(ctx, providerName, r.now().Sub(flowState.CreatedAt).Seconds())
	}
	r.Auditor.LogLoginCompleted(ctx, identity.UserID, providerName, flowState.FlowID)

	r.logger.Info("Login completed", "provider", providerName, "flow_id", flowState.FlowID)
	return identity, nil
}

// CallbackError handles a provider redirect carrying an OAuth error instead
// of a code. The state is consumed so it cannot be used afterwards. The
// provider's description is logged but never returned to the client.
func (r *Relay) CallbackError(ctx context.Context, state, providerError, description string) error {
	ctx, span := r.startSpan(ctx, "relay.callback_error")
	defer span.End()

	if state == "" {
		return r.failCallback(ctx, span, "", ErrInvalidRequest("state parameter is required"))
	}

	flowState, err := r.consume(ctx, span, state)
	if err != nil {
		return r.failCallback(ctx, span, "", err)
	}
	instrumentation.AddFlowAttributes(span, flowState.Provider, flowState.FlowID)

	r.logger.Info("Provider returned an authorization error",
		"provider", flowState.Provider,
		"flow_id", flowState.FlowID,
		"provider_error", util.SafeTruncate(providerError, 64),
		"provider_error_description", util.SafeTruncate(description, 256))
	r.Auditor.LogProviderDenied(ctx, flowState.Provider, flowState.FlowID, util.SafeTruncate(providerError, 64))

	desc := "authorization was denied at the provider"
	if knownProviderErrors[providerError] {
		desc = fmt.Sprintf("authorization was denied at the provider (%s)", providerError)
	}
	return r.failCallback(ctx, span, flowState.Provider, ErrAccessDenied(desc))
}

// knownProviderErrors are the RFC 6749 section 4.1.2.1 codes that may be
// echoed back to the client.
var knownProviderErrors = map[string]bool{
	"access_denied":             true,
	"invalid_request":           true,
	"unauthorized_client":       true,
	"unsupported_response_type": true,
	"invalid_scope":             true,
	"server_error":              true,
	"temporarily_unavailable":   true,
}

// consume takes the flow state for token and reports rejections.
func (r *Relay) consume(ctx context.Context, span trace.Span, token string) (*storage.FlowState, error) {
	flowState, err := r.flows.Consume(ctx, token)
	if err == nil {
		return flowState, nil
	}

	var stateErr *flow.StateError
	if errors.As(err, &stateErr) {
		reason := stateErr.Kind.String()
		instrumentation.SetSpanAttributes(span, attribute.String(instrumentation.AttrStateRejection, reason))
		if r.metrics != nil {
			r.metrics.RecordStateRejected(ctx, reason)
		}
		r.Auditor.LogStateRejected(ctx, reason)
		r.logger.Warn("Rejected callback state",
			"reason", reason,
			"state_prefix", util.SafeTruncate(token, stateLogLength))
		return nil, err
	}

	r.logger.Error("Failed to consume flow state", "error", err)
	return nil, err
}

// exchangeCode redeems code with the flow's verifier.
func (r *Relay) exchangeCode(ctx context.Context, provider providers.Provider, flowState *storage.FlowState, code string) (*oauth2.Token, error) {
	start := r.now()
	token, err := provider.ExchangeCode(ctx, code, flowState.PKCEVerifier)
	durationMs := float64(r.now().Sub(start).Microseconds()) / 1000

	status := 200
	result := resultSuccess
	var exchangeErr *providers.ExchangeError
	if errors.As(err, &exchangeErr) {
		status = exchangeErr.StatusCode
		result = exchangeErr.Kind.String()
	} else if err != nil {
		status = 0
		result = "error"
	}

	if r.metrics != nil {
		r.metrics.RecordProviderAPICall(ctx, provider.Name(), "token_exchange", status, durationMs, err)
		r.metrics.RecordCodeExchange(ctx, provider.Name(), result)
	}

	if err != nil {
		attrs := []any{
			"provider", provider.Name(),
			"flow_id", flowState.FlowID,
			"endpoint", "token",
			"status", status,
			"kind", result,
			"error", err,
		}
		switch {
		case exchangeErr != nil && exchangeErr.Kind == providers.ExchangeTransport:
			r.logger.Error("Provider token endpoint unavailable", attrs...)
		case exchangeErr != nil && exchangeErr.Kind == providers.ExchangeClientRejected:
			r.logger.Error("Provider rejected client credentials, check the provider configuration", attrs...)
		default:
			r.logger.Warn("Code exchange failed", attrs...)
		}
		r.Auditor.LogCodeExchangeFailed(ctx, provider.Name(), flowState.FlowID, result)
		return nil, err
	}
	if token == nil || token.AccessToken == "" {
		err := &providers.ExchangeError{
			Provider: provider.Name(),
			Kind:     providers.ExchangeMalformedResponse,
			Err:      errors.New("no access token in token response"),
		}
		r.logger.Warn("Code exchange returned no access token", "provider", provider.Name(), "flow_id", flowState.FlowID)
		r.Auditor.LogCodeExchangeFailed(ctx, provider.Name(), flowState.FlowID, err.Kind.String())
		return nil, err
	}

	return token, nil
}

// fetchIdentity retrieves and validates the normalized identity.
func (r *Relay) fetchIdentity(ctx context.Context, provider providers.Provider, flowState *storage.FlowState, accessToken string) (*providers.Identity, error) {
	start := r.now()
	identity, err := provider.FetchIdentity(ctx, accessToken)
	durationMs := float64(r.now().Sub(start).Microseconds()) / 1000

	status := 200
	result := resultSuccess
	var identityErr *providers.IdentityError
	if errors.As(err, &identityErr) {
		status = identityErr.StatusCode
		result = identityErr.Kind.String()
	} else if err != nil {
		status = 0
		result = "error"
	}

	if r.metrics != nil {
		r.metrics.RecordProviderAPICall(ctx, provider.Name(), "user_info", status, durationMs, err)
		r.metrics.RecordIdentityFetch(ctx, provider.Name(), result)
	}

	if err == nil && (identity == nil || identity.UserID == "") {
		err = providers.MissingField(provider.Name(), "user_id")
		result = providers.IdentityMissingRequiredField.String()
	}
	if err != nil {
		attrs := []any{
			"provider", provider.Name(),
			"flow_id", flowState.FlowID,
			"endpoint", "userinfo",
			"status", status,
			"kind", result,
			"error", err,
		}
		if identityErr != nil && identityErr.Kind == providers.IdentityTransport {
			r.logger.Error("Provider user info endpoint unavailable", attrs...)
		} else {
			r.logger.Warn("Identity fetch failed", attrs...)
		}
		r.Auditor.LogIdentityFetchFailed(ctx, provider.Name(), flowState.FlowID, result)
		return nil, err
	}

	if identity.Provider == "" {
		identity.Provider = provider.Name()
	}
	return identity, nil
}

// failCallback translates err, records the outcome and returns the outward error.
func (r *Relay) failCallback(ctx context.Context, span trace.Span, providerName string, err error) *Error {
	relayErr := toError(err)

	instrumentation.SetSpanAttributes(span,
		attribute.String(instrumentation.AttrResult, relayErr.Code),
		attribute.String(instrumentation.AttrError, relayErr.Code))
	instrumentation.RecordError(span, relayErr)

	if r.metrics != nil {
		if providerName == "" {
			providerName = "unknown"
		}
		r.metrics.RecordCallbackProcessed(ctx, providerName, relayErr.Code)
	}
	return relayErr
}

// startSpan starts a relay span; without instrumentation the span is a no-op.
func (r *Relay) startSpan(ctx context.Context, name string) (context.Context, trace.Span) {
	if r.tracer == nil {
		return noopTracer.Start(ctx, name)
	}
	return r.tracer.Start(ctx, name)
}

var noopTracer = noop.NewTracerProvider().Tracer("relay")
