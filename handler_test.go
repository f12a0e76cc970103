package relay

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"

	"github.com/giantswarm/oauth-relay/security"
)

func newTestHandler(t *testing.T, cfg *Config) (*Handler, *testRelay) {
	t.Helper()
	tr := newTestRelay(t, cfg)
	h := NewHandler(tr.Relay, nil)
	t.Cleanup(h.Close)
	return h, tr
}

func serve(h http.Handler, target string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodGet, target, nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func decodeErrorBody(t *testing.T, rec *httptest.ResponseRecorder) map[string]string {
	t.Helper()
	if ct := rec.Header().Get("Content-Type"); ct != "application/json" {
		t.Errorf("Content-Type = %q, want application/json", ct)
	}
	var body map[string]string
	if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
		t.Fatalf("failed to decode error body: %v", err)
	}
	return body
}

func TestHandler_LoginRoundTrip(t *testing.T) {
	h, tr := newTestHandler(t, nil)
	routes := h.Routes()

	rec := serve(routes, "/authorize?provider=google")
	if rec.Code != http.StatusFound {
		t.Fatalf("authorize status = %d, want 302", rec.Code)
	}
	location, err := url.Parse(rec.Header().Get("Location"))
	if err != nil {
		t.Fatal(err)
	}
	state := location.Query().Get("state")
	tr.provider.IssueCode(fixtureCode, location.Query().Get("code_challenge"))

	rec = serve(routes, "/callback?code="+fixtureCode+"&state="+url.QueryEscape(state))
	if rec.Code != http.StatusOK {
		t.Fatalf("callback status = %d, body %s", rec.Code, rec.Body.String())
	}
	var body identityResponse
	if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
		t.Fatal(err)
	}
	if body.UserID != "user@example.com" || body.Provider != "google" {
		t.Errorf("body = %+v", body)
	}
	if rec.Header().Get(security.RequestIDHeader) == "" {
		t.Error("response should carry a request id")
	}
	if rec.Header().Get("Cache-Control") == "" || rec.Header().Get("X-Frame-Options") != "DENY" {
		t.Error("security headers missing")
	}

	rec = serve(routes, "/callback?code="+fixtureCode+"&state="+url.QueryEscape(state))
	if rec.Code != http.StatusBadRequest {
		t.Errorf("replayed callback status = %d, want 400", rec.Code)
	}
	if got := decodeErrorBody(t, rec)["error"]; got != ErrorCodeInvalidState {
		t.Errorf("error = %q, want invalid_state", got)
	}
}

func TestHandler_Errors(t *testing.T) {
	tests := []struct {
		name       string
		method     string
		target     string
		wantStatus int
		wantCode   string
	}{
		{name: "unknown provider", target: "/authorize?provider=myspace", wantStatus: http.StatusBadRequest, wantCode: ErrorCodeUnknownProvider},
		{name: "missing provider", target: "/authorize", wantStatus: http.StatusBadRequest, wantCode: ErrorCodeInvalidRequest},
		{name: "authorize post", method: http.MethodPost, target: "/authorize?provider=google", wantStatus: http.StatusMethodNotAllowed, wantCode: ErrorCodeInvalidRequest},
		{name: "callback without params", target: "/callback", wantStatus: http.StatusBadRequest, wantCode: ErrorCodeInvalidRequest},
		{name: "callback forged state", target: "/callback?code=x&state=forged", wantStatus: http.StatusBadRequest, wantCode: ErrorCodeInvalidState},
		{name: "provider error with forged state", target: "/callback?error=access_denied&state=forged", wantStatus: http.StatusBadRequest, wantCode: ErrorCodeInvalidState},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h, _ := newTestHandler(t, nil)

			method := tt.method
			if method == "" {
				method = http.MethodGet
			}
			req := httptest.NewRequest(method, tt.target, nil)
			rec := httptest.NewRecorder()
			h.Routes().ServeHTTP(rec, req)

			if rec.Code != tt.wantStatus {
				t.Errorf("status = %d, want %d", rec.Code, tt.wantStatus)
			}
			body := decodeErrorBody(t, rec)
			if body["error"] != tt.wantCode {
				t.Errorf("error = %q, want %q", body["error"], tt.wantCode)
			}
			if body["error_description"] == "" {
				t.Error("error_description should not be empty")
			}
		})
	}
}

func TestHandler_ProviderDenied(t *testing.T) {
	h, tr := newTestHandler(t, nil)
	state, _ := tr.startLogin(t, fixtureCode)

	rec := serve(h.Routes(), "/callback?error=access_denied&error_description=nope&state="+url.QueryEscape(state))
	if rec.Code != http.StatusForbidden {
		t.Fatalf("status = %d, want 403", rec.Code)
	}
	if got := decodeErrorBody(t, rec)["error"]; got != ErrorCodeAccessDenied {
		t.Errorf("error = %q, want access_denied", got)
	}
}

func TestHandler_Health(t *testing.T) {
	h, _ := newTestHandler(t, nil)

	rec := serve(h.Routes(), "/health")
	if rec.Code != http.StatusOK || rec.Body.String() != "OK" {
		t.Errorf("health = %d %q, want 200 OK", rec.Code, rec.Body.String())
	}
}

func TestHandler_RateLimit(t *testing.T) {
	cfg := DefaultConfig()
	cfg.RateLimit = RateLimitConfig{Rate: 0.001, Burst: 2}
	h, _ := newTestHandler(t, cfg)
	routes := h.Routes()

	for i := 0; i < 2; i++ {
		if rec := serve(routes, "/authorize?provider=google"); rec.Code != http.StatusFound {
			t.Fatalf("request %d status = %d, want 302", i, rec.Code)
		}
	}

	rec := serve(routes, "/authorize?provider=google")
	if rec.Code != http.StatusTooManyRequests {
		t.Fatalf("status = %d, want 429", rec.Code)
	}
	if got := decodeErrorBody(t, rec)["error"]; got != ErrorCodeRateLimitExceeded {
		t.Errorf("error = %q", got)
	}
	if rec.Header().Get("Retry-After") == "" {
		t.Error("Retry-After header missing")
	}

	// Health checks are never limited
	if rec := serve(routes, "/health"); rec.Code != http.StatusOK {
		t.Errorf("health status = %d", rec.Code)
	}
}

func TestEndpointLabel(t *testing.T) {
	if endpointLabel("/callback") != "/callback" || endpointLabel("/wp-admin") != "other" {
		t.Error("unexpected endpoint labels")
	}
}
