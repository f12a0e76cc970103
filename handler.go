package relay

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/giantswarm/oauth-relay/security"
)

// Endpoint paths served by Handler.Routes
const (
	AuthorizePath = "/authorize"
	CallbackPath  = "/callback"
	HealthPath    = "/health"
)

// Handler exposes a Relay over HTTP
type Handler struct {
	relay       *Relay
	logger      *slog.Logger
	rateLimiter *security.RateLimiter
}

// NewHandler creates a new HTTP handler for the relay. When the relay config
// enables rate limiting, a per-IP limiter guards /authorize and /callback;
// call Close to stop its cleanup goroutine.
func NewHandler(relay *Relay, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}

	h := &Handler{
		relay:  relay,
		logger: logger,
	}

	if rl := relay.Config.RateLimit; rl.Rate > 0 {
		h.rateLimiter = security.NewRateLimiter(security.RateLimitConfig{
			RequestsPerSecond: rl.Rate,
			Burst:             rl.Burst,
			CleanupInterval:   rl.CleanupInterval,
			Logger:            logger,
		})
	}

	return h
}

// SetRateLimiter replaces the IP-based rate limiter. nil disables limiting.
func (h *Handler) SetRateLimiter(rl *security.RateLimiter) {
	if h.rateLimiter != nil {
		h.rateLimiter.Stop()
	}
	h.rateLimiter = rl
}

// Close releases the handler's background resources.
func (h *Handler) Close() {
	if h.rateLimiter != nil {
		h.rateLimiter.Stop()
	}
}

// Routes returns a ready to serve handler with the relay endpoints and
// middleware mounted.
func (h *Handler) Routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc(AuthorizePath, h.ServeAuthorize)
	mux.HandleFunc(CallbackPath, h.ServeCallback)
	mux.HandleFunc(HealthPath, h.ServeHealth)
	return h.Middleware(mux)
}

// Middleware applies request ids, client IP resolution, security headers and
// request metrics to next.
func (h *Handler) Middleware(next http.Handler) http.Handler {
	cfg := h.relay.Config
	wrapped := h.recordRequest(next)
	wrapped = security.SecurityHeadersMiddleware(cfg.Security.EnableHSTS)(wrapped)
	wrapped = security.ClientIPMiddleware(cfg.RateLimit.TrustProxy, cfg.RateLimit.TrustedProxyCount)(wrapped)
	return security.RequestIDMiddleware(wrapped)
}

// ServeAuthorize handles GET /authorize?provider=<name> by redirecting the
// user agent to the provider's consent page.
func (h *Handler) ServeAuthorize(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		h.writeError(w, r, ErrInvalidRequest("method not allowed").withStatus(http.StatusMethodNotAllowed))
		return
	}
	if !h.checkRateLimit(w, r, AuthorizePath) {
		return
	}

	authURL, err := h.relay.Authorize(r.Context(), r.URL.Query().Get("provider"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	http.Redirect(w, r, authURL, http.StatusFound)
}

// ServeCallback handles the provider redirect, either
// GET /callback?code=...&state=... or GET /callback?error=...&state=...
// On success it responds with the normalized identity as JSON.
func (h *Handler) ServeCallback(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		h.writeError(w, r, ErrInvalidRequest("method not allowed").withStatus(http.StatusMethodNotAllowed))
		return
	}
	if !h.checkRateLimit(w, r, CallbackPath) {
		return
	}

	query := r.URL.Query()
	state := query.Get("state")

	if providerError := query.Get("error"); providerError != "" {
		h.writeError(w, r, h.relay.CallbackError(r.Context(), state, providerError, query.Get("error_description")))
		return
	}

	identity, err := h.relay.Callback(r.Context(), query.Get("code"), state)
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(identityResponse{
		UserID:   identity.UserID,
		Provider: identity.Provider,
	})
}

// ServeHealth answers liveness probes.
func (h *Handler) ServeHealth(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("OK"))
}

// identityResponse is the callback success body
type identityResponse struct {
	UserID   string `json:"user_id"`
	Provider string `json:"provider"`
}

// checkRateLimit enforces the per-IP limit and writes a 429 when exceeded.
func (h *Handler) checkRateLimit(w http.ResponseWriter, r *http.Request, endpoint string) bool {
	if h.rateLimiter == nil {
		return true
	}

	clientIP := security.ClientIPFromContext(r.Context())
	if clientIP == "" {
		cfg := h.relay.Config.RateLimit
		clientIP = security.GetClientIP(r, cfg.TrustProxy, cfg.TrustedProxyCount)
	}

	if h.rateLimiter.Allow(clientIP) {
		return true
	}

	if h.relay.metrics != nil {
		h.relay.metrics.RecordRateLimitExceeded(r.Context(), "ip")
	}
	h.relay.Auditor.LogRateLimitExceeded(r.Context(), clientIP, endpoint)

	w.Header().Set("Retry-After", "1")
	h.writeError(w, r, ErrRateLimitExceeded("too many requests"))
	return false
}

// writeError writes err as {"error", "error_description"} with its status.
func (h *Handler) writeError(w http.ResponseWriter, r *http.Request, err error) {
	var relayErr *Error
	if !errors.As(err, &relayErr) {
		relayErr = toError(err)
	}

	if relayErr.Status >= http.StatusInternalServerError {
		h.logger.Error("Request failed",
			"path", r.URL.Path,
			"code", relayErr.Code,
			"request_id", security.GetRequestID(r.Context()),
			"error", err)
	} else {
		h.logger.Debug("Request rejected",
			"path", r.URL.Path,
			"code", relayErr.Code,
			"request_id", security.GetRequestID(r.Context()))
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(relayErr.Status)
	_ = json.NewEncoder(w).Encode(map[string]string{
		"error":             relayErr.Code,
		"error_description": relayErr.Description,
	})
}

// recordRequest records HTTP request metrics when instrumentation is enabled.
func (h *Handler) recordRequest(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		metrics := h.relay.metrics
		if metrics == nil {
			next.ServeHTTP(w, r)
			return
		}

		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		durationMs := float64(time.Since(start).Microseconds()) / 1000
		metrics.RecordHTTPRequest(r.Context(), r.Method, endpointLabel(r.URL.Path), rec.status, durationMs)
	})
}

// endpointLabel keeps the metric label set bounded.
func endpointLabel(path string) string {
	switch path {
	case AuthorizePath, CallbackPath, HealthPath:
		return path
	default:
		return "other"
	}
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (s *statusRecorder) WriteHeader(status int) {
	s.status = status
	s.ResponseWriter.WriteHeader(status)
}
