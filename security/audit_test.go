package security

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/giantswarm/oauth-relay/instrumentation"
)

func newBufferedAuditor(enabled bool) (*Auditor, *bytes.Buffer) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewJSONHandler(&buf, nil))
	return NewAuditor(logger, enabled), &buf
}

func decodeAuditLines(t *testing.T, buf *bytes.Buffer) []map[string]any {
	t.Helper()
	var out []map[string]any
	for _, line := range strings.Split(strings.TrimSpace(buf.String()), "\n") {
		if line == "" {
			continue
		}
		var m map[string]any
		if err := json.Unmarshal([]byte(line), &m); err != nil {
			t.Fatalf("invalid log line %q: %v", line, err)
		}
		out = append(out, m)
	}
	return out
}

func TestNewAuditor_NilLogger(t *testing.T) {
	auditor := NewAuditor(nil, true)
	if auditor.logger == nil {
		t.Error("logger should default to slog.Default()")
	}
}

func TestAuditor_Disabled(t *testing.T) {
	auditor, buf := newBufferedAuditor(false)
	auditor.LogFlowStarted(context.Background(), "google", "flow-1")

	if buf.Len() != 0 {
		t.Errorf("disabled auditor wrote %q", buf.String())
	}
}

func TestAuditor_NilSafe(t *testing.T) {
	var auditor *Auditor
	auditor.LogStateRejected(context.Background(), "not_found")
}

func TestAuditor_Events(t *testing.T) {
	ctx := WithClientIP(WithRequestID(context.Background(), "req-1"), "203.0.113.5")

	tests := []struct {
		name      string
		log       func(a *Auditor)
		wantType  string
		wantField string
	}{
		{name: "flow started", log: func(a *Auditor) { a.LogFlowStarted(ctx, "google", "flow-1") }, wantType: EventFlowStarted, wantField: "flow-1"},
		{name: "state rejected", log: func(a *Auditor) { a.LogStateRejected(ctx, "expired") }, wantType: EventStateRejected, wantField: "expired"},
		{name: "provider denied", log: func(a *Auditor) { a.LogProviderDenied(ctx, "github", "flow-2", "access_denied") }, wantType: EventProviderDenied, wantField: "access_denied"},
		{name: "code exchange failed", log: func(a *Auditor) { a.LogCodeExchangeFailed(ctx, "github", "flow-3", "invalid_grant") }, wantType: EventCodeExchangeFailed, wantField: "invalid_grant"},
		{name: "identity fetch failed", log: func(a *Auditor) { a.LogIdentityFetchFailed(ctx, "discord", "flow-4", "transport") }, wantType: EventIdentityFetchFailed, wantField: "transport"},
		{name: "login completed", log: func(a *Auditor) { a.LogLoginCompleted(ctx, "user@example.com", "google", "flow-5") }, wantType: EventLoginCompleted, wantField: "flow-5"},
		{name: "rate limit exceeded", log: func(a *Auditor) { a.LogRateLimitExceeded(ctx, "203.0.113.5", "/callback") }, wantType: EventRateLimitExceeded, wantField: "/callback"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			auditor, buf := newBufferedAuditor(true)
			tt.log(auditor)

			lines := decodeAuditLines(t, buf)
			if len(lines) != 1 {
				t.Fatalf("got %d log lines, want 1", len(lines))
			}
			line := lines[0]
			if line["msg"] != "security_audit" {
				t.Errorf("msg = %v, want security_audit", line["msg"])
			}
			if line["event_type"] != tt.wantType {
				t.Errorf("event_type = %v, want %s", line["event_type"], tt.wantType)
			}
			if line["request_id"] != "req-1" || line["ip_address"] != "203.0.113.5" {
				t.Errorf("context fields missing: %v", line)
			}
			if !strings.Contains(buf.String(), tt.wantField) {
				t.Errorf("log line %s does not contain %q", buf.String(), tt.wantField)
			}
		})
	}
}

func TestAuditor_HashesUserID(t *testing.T) {
	auditor, buf := newBufferedAuditor(true)
	auditor.LogLoginCompleted(context.Background(), "user@example.com", "google", "flow-1")

	if strings.Contains(buf.String(), "user@example.com") {
		t.Fatal("raw user id must not be logged")
	}
	if !strings.Contains(buf.String(), HashForLogging("user@example.com")) {
		t.Error("hashed user id missing from audit line")
	}
}

func TestHashForLogging(t *testing.T) {
	if got := HashForLogging(""); got != "<empty>" {
		t.Errorf("HashForLogging(\"\") = %q", got)
	}
	a, b := HashForLogging("alice"), HashForLogging("bob")
	if len(a) != 16 || a == b || a != HashForLogging("alice") {
		t.Errorf("HashForLogging() = %q, %q; want stable distinct 16-char digests", a, b)
	}
}

func TestAuditor_Metrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	inst, err := instrumentation.New(instrumentation.Config{
		Enabled:            true,
		MetricsExporter:    instrumentation.ExporterPrometheus,
		PrometheusRegistry: reg,
	})
	if err != nil {
		t.Fatal(err)
	}
	defer func() { _ = inst.Shutdown(context.Background()) }()

	auditor, _ := newBufferedAuditor(true)
	auditor.SetInstrumentation(inst)
	auditor.LogStateRejected(context.Background(), "not_found")

	families, err := reg.Gather()
	if err != nil {
		t.Fatal(err)
	}
	for _, mf := range families {
		if strings.HasPrefix(mf.GetName(), "relay_audit_events") {
			return
		}
	}
	t.Error("audit event counter not exported")
}
