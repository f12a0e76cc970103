package main

import (
	"bytes"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/giantswarm/oauth-relay/internal/settings"
	"github.com/giantswarm/oauth-relay/internal/testutil"
)

func runCommand(t *testing.T, args ...string) (string, error) {
	t.Helper()
	cmd := newRootCmd()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(args)
	err := cmd.Execute()
	return out.String(), err
}

func TestVersionCmd(t *testing.T) {
	out, err := runCommand(t, "version")
	if err != nil {
		t.Fatalf("version failed: %v", err)
	}
	if !strings.Contains(out, "oauth-relay version "+version) {
		t.Errorf("output = %q", out)
	}
}

func TestProvidersCmd(t *testing.T) {
	path := filepath.Join(t.TempDir(), "Settings.toml")
	content := `
[oauth.google]
client_id = "g"
[oauth.spotify]
client_id = "s"
[oauth.myspace]
client_id = "m"
`
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatal(err)
	}

	out, err := runCommand(t, "providers", "--config", path, "--env-file", "")
	if err != nil {
		t.Fatalf("providers failed: %v", err)
	}

	for _, want := range []string{"google", "spotify", "myspace", "unsupported (ignored)"} {
		if !strings.Contains(out, want) {
			t.Errorf("output missing %q:\n%s", want, out)
		}
	}
	if strings.Count(out, " ok") != 2 {
		t.Errorf("expected two supported providers:\n%s", out)
	}
}

func TestProvidersCmd_MissingConfig(t *testing.T) {
	_, err := runCommand(t, "providers", "--config", filepath.Join(t.TempDir(), "absent.toml"), "--env-file", "")
	if err == nil {
		t.Fatal("expected an error for a missing settings file")
	}
}

func TestNewLogger(t *testing.T) {
	s := settings.Default()

	var buf bytes.Buffer
	logger, err := newLogger(s, &buf)
	if err != nil {
		t.Fatal(err)
	}
	logger.Info("hello")
	if !strings.HasPrefix(buf.String(), "{") {
		t.Errorf("json format expected, got %q", buf.String())
	}

	s.Log.Format = "xml"
	if _, err := newLogger(s, &buf); err == nil {
		t.Error("expected an error for an unknown log format")
	}
}

func newTestApp(t *testing.T) *app {
	t.Helper()
	provider := testutil.NewProviderServer(t, map[string]any{"email": "user@example.com"})
	desc := provider.Descriptor("google")

	s := settings.Default()
	s.OAuth = map[string]settings.ProviderSettings{
		"google": {
			ClientID:     desc.ClientID,
			ClientSecret: desc.ClientSecret,
			AuthURL:      desc.AuthURL,
			TokenURL:     desc.TokenURL,
			UserInfoURL:  desc.UserInfoURL,
			RedirectURI:  desc.RedirectURI,
		},
		"myspace": {ClientID: "ignored"},
	}

	a, err := newApp(s, slog.New(slog.NewTextHandler(io.Discard, nil)))
	if err != nil {
		t.Fatalf("newApp failed: %v", err)
	}
	t.Cleanup(func() { a.close(t.Context()) })
	return a
}

func TestApp_Router(t *testing.T) {
	a := newTestApp(t)
	router := a.router()

	tests := []struct {
		name       string
		target     string
		wantStatus int
		wantBody   string
	}{
		{name: "home", target: "/", wantStatus: http.StatusOK, wantBody: `href="/authorize?provider=google"`},
		{name: "health", target: "/health", wantStatus: http.StatusOK, wantBody: "OK"},
		{name: "metrics", target: "/metrics", wantStatus: http.StatusOK, wantBody: "relay_"},
		{name: "authorize", target: "/authorize?provider=google", wantStatus: http.StatusFound},
		{name: "unsupported provider", target: "/authorize?provider=myspace", wantStatus: http.StatusBadRequest, wantBody: "unknown_provider"},
		{name: "not found", target: "/nope", wantStatus: http.StatusNotFound},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := httptest.NewRecorder()
			router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, tt.target, nil))

			if rec.Code != tt.wantStatus {
				t.Fatalf("status = %d, want %d (body %s)", rec.Code, tt.wantStatus, rec.Body.String())
			}
			if tt.wantBody != "" && !strings.Contains(rec.Body.String(), tt.wantBody) {
				t.Errorf("body does not contain %q:\n%s", tt.wantBody, rec.Body.String())
			}
		})
	}
}

func TestApp_HomeListsOnlySupportedProviders(t *testing.T) {
	a := newTestApp(t)

	rec := httptest.NewRecorder()
	a.router().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))

	if strings.Contains(rec.Body.String(), "myspace") {
		t.Errorf("unsupported provider should not be listed:\n%s", rec.Body.String())
	}
}

func TestApp_NoSupportedProviders(t *testing.T) {
	s := settings.Default()
	s.OAuth = map[string]settings.ProviderSettings{"myspace": {ClientID: "x"}}

	if _, err := newApp(s, slog.New(slog.NewTextHandler(io.Discard, nil))); err == nil {
		t.Fatal("expected an error when no provider is supported")
	}
}
