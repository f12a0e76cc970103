package main

import (
	"context"
	"crypto/tls"
	"fmt"
	"html/template"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	relay "github.com/giantswarm/oauth-relay"
	"github.com/giantswarm/oauth-relay/instrumentation"
	"github.com/giantswarm/oauth-relay/internal/settings"
	"github.com/giantswarm/oauth-relay/providers/builtin"
	"github.com/giantswarm/oauth-relay/security"
	"github.com/giantswarm/oauth-relay/storage"
	"github.com/giantswarm/oauth-relay/storage/memory"
	"github.com/giantswarm/oauth-relay/storage/valkey"
)

// app holds the wired components of a running relay.
type app struct {
	settings *settings.Settings
	logger   *slog.Logger
	inst     *instrumentation.Instrumentation
	relay    *relay.Relay
	handler  *relay.Handler
	closers  []func()
}

// newApp wires instrumentation, the flow store, the provider registry and
// the relay from s.
func newApp(s *settings.Settings, logger *slog.Logger) (*app, error) {
	a := &app{settings: s, logger: logger}

	inst, err := instrumentation.New(instrumentation.Config{
		ServiceName:     "oauth-relay",
		ServiceVersion:  version,
		Enabled:         s.Metrics.Exporter == instrumentation.ExporterPrometheus,
		MetricsExporter: s.Metrics.Exporter,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to initialize instrumentation: %w", err)
	}
	a.inst = inst

	store, err := a.newFlowStore()
	if err != nil {
		a.close(context.Background())
		return nil, err
	}

	cfg := &relay.Config{
		FlowTTL: s.FlowTTL.Std(),
		ProviderHTTP: relay.ProviderHTTPConfig{
			RequestTimeout: s.RequestTimeout.Std(),
			RetryAttempts:  s.RetryAttempts,
			RetryBackoff:   s.RetryBackoff.Std(),
		},
		RateLimit: relay.RateLimitConfig{
			Rate:              s.RateLimit.Rate,
			Burst:             s.RateLimit.Burst,
			TrustProxy:        s.RateLimit.TrustProxy,
			TrustedProxyCount: s.RateLimit.TrustedProxyCount,
		},
		Security: relay.SecurityConfig{
			EnableAuditLogging: s.Security.AuditLogging,
			EnableHSTS:         s.Security.HSTS,
		},
		Logger: logger,
	}

	registry, err := builtin.NewRegistry(s.Descriptors(), cfg.ProviderOptions(), logger)
	if err != nil {
		a.close(context.Background())
		return nil, err
	}
	if registry.Len() == 0 {
		a.close(context.Background())
		return nil, fmt.Errorf("none of the configured providers is supported (supported: %v)", builtin.Variants())
	}

	r, err := relay.New(registry, store, cfg)
	if err != nil {
		a.close(context.Background())
		return nil, err
	}
	r.SetInstrumentation(inst)
	a.relay = r

	a.handler = relay.NewHandler(r, logger)
	a.closers = append(a.closers, a.handler.Close)

	return a, nil
}

// newFlowStore builds the configured flow-state backend.
func (a *app) newFlowStore() (storage.FlowStore, error) {
	s := a.settings

	switch s.Storage.Backend {
	case settings.StorageValkey:
		var tlsConfig *tls.Config
		if s.Storage.Valkey.TLS {
			tlsConfig = &tls.Config{MinVersion: tls.VersionTLS12}
		}
		store, err := valkey.New(valkey.Config{
			Address:   s.Storage.Valkey.Address,
			Password:  s.Storage.Valkey.Password,
			DB:        s.Storage.Valkey.DB,
			KeyPrefix: s.Storage.Valkey.KeyPrefix,
			TLS:       tlsConfig,
			Logger:    a.logger,

			ExpiredRetention: s.FlowTTL.Std(),
		})
		if err != nil {
			return nil, fmt.Errorf("failed to connect to valkey: %w", err)
		}
		a.closers = append(a.closers, store.Close)

		enc, err := a.newEncryptor()
		if err != nil {
			return nil, err
		}
		if enc.IsEnabled() {
			store.SetEncryptor(enc)
		} else {
			a.logger.Warn("Valkey flow store without encryption key: PKCE verifiers are stored in plaintext")
		}
		store.SetInstrumentation(a.inst)

		a.logger.Info("Using valkey flow store", "address", s.Storage.Valkey.Address)
		return store, nil

	default:
		store := memory.New()
		store.SetLogger(a.logger)
		if s.Storage.MaxEntries > 0 {
			store.SetMaxEntries(s.Storage.MaxEntries)
		}
		store.SetInstrumentation(a.inst)
		a.closers = append(a.closers, store.Stop)

		a.logger.Info("Using in-memory flow store")
		return store, nil
	}
}

// newEncryptor returns the verifier encryptor, disabled when no key is set.
func (a *app) newEncryptor() (*security.Encryptor, error) {
	var key []byte
	var err error

	switch {
	case a.settings.Storage.EncryptionKey != "":
		key, err = security.KeyFromBase64(a.settings.Storage.EncryptionKey)
	case a.settings.Storage.EncryptionSecret != "":
		key, err = security.DeriveKey(a.settings.Storage.EncryptionSecret)
	}
	if err != nil {
		return nil, fmt.Errorf("invalid storage encryption key: %w", err)
	}
	return security.NewEncryptor(key)
}

// router mounts the relay endpoints, the home page and /metrics.
func (a *app) router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(a.handler.Middleware)

	r.Get("/", a.serveHome)
	r.Get(relay.AuthorizePath, a.handler.ServeAuthorize)
	r.Get(relay.CallbackPath, a.handler.ServeCallback)
	r.Get(relay.HealthPath, a.handler.ServeHealth)

	if a.settings.Metrics.Exporter == instrumentation.ExporterPrometheus {
		r.Method(http.MethodGet, a.settings.Metrics.Path, a.inst.MetricsHandler())
	}

	return r
}

var homeTemplate = template.Must(template.New("home").Parse(`<!DOCTYPE html>
<html>
<head><meta charset="utf-8"><title>Sign in</title></head>
<body>
<h1>Sign in</h1>
<ul>
{{- range . }}
<li><a href="/authorize?provider={{ . }}">Sign in with {{ . }}</a></li>
{{- end }}
</ul>
</body>
</html>
`))

// serveHome lists one login link per configured provider.
func (a *app) serveHome(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	if err := homeTemplate.Execute(w, a.relay.Providers()); err != nil {
		a.logger.Error("Failed to render home page", "error", err)
	}
}

// close releases resources in reverse order of creation.
func (a *app) close(ctx context.Context) {
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
	a.closers = nil

	if a.inst != nil {
		if err := a.inst.Shutdown(ctx); err != nil {
			a.logger.Warn("Failed to shut down instrumentation", "error", err)
		}
	}
}
