// Package settings loads the oauth-relay binary configuration: a TOML or
// YAML file with the listen port and one [oauth.<name>] table per provider,
// an optional .env file, and RELAY_* environment overrides.
package settings

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
	"github.com/pelletier/go-toml/v2"
	"gopkg.in/yaml.v3"

	"github.com/giantswarm/oauth-relay/providers"
)

// DefaultPath is the configuration file read when none is given.
const DefaultPath = "Settings.toml"

// Storage backends.
const (
	StorageMemory = "memory"
	StorageValkey = "valkey"
)

// Log formats.
const (
	LogFormatJSON = "json"
	LogFormatText = "text"
)

// Settings is the complete binary configuration.
type Settings struct {
	// Port the HTTP server listens on.
	Port int `toml:"port" yaml:"port" env:"RELAY_PORT"`

	// Host the HTTP server binds to; empty binds all interfaces.
	Host string `toml:"host" yaml:"host" env:"RELAY_HOST"`

	// FlowTTL is how long a started login stays completable.
	FlowTTL Duration `toml:"flow_ttl" yaml:"flow_ttl" env:"RELAY_FLOW_TTL"`

	// RequestTimeout bounds each outbound provider request.
	RequestTimeout Duration `toml:"request_timeout" yaml:"request_timeout" env:"RELAY_REQUEST_TIMEOUT"`

	// RetryAttempts is the number of user-info retries after transport
	// failures. Negative disables retries.
	RetryAttempts int `toml:"retry_attempts" yaml:"retry_attempts" env:"RELAY_RETRY_ATTEMPTS"`

	// RetryBackoff is the initial delay between retries.
	RetryBackoff Duration `toml:"retry_backoff" yaml:"retry_backoff" env:"RELAY_RETRY_BACKOFF"`

	Log       LogSettings       `toml:"log" yaml:"log"`
	Metrics   MetricsSettings   `toml:"metrics" yaml:"metrics"`
	Storage   StorageSettings   `toml:"storage" yaml:"storage"`
	RateLimit RateLimitSettings `toml:"rate_limit" yaml:"rate_limit"`
	Security  SecuritySettings  `toml:"security" yaml:"security"`

	// OAuth holds one provider per table, keyed by provider name.
	OAuth map[string]ProviderSettings `toml:"oauth" yaml:"oauth"`
}

// LogSettings configures the process logger.
type LogSettings struct {
	Level  string `toml:"level" yaml:"level" env:"RELAY_LOG_LEVEL"`
	Format string `toml:"format" yaml:"format" env:"RELAY_LOG_FORMAT"`
}

// MetricsSettings configures metrics export.
type MetricsSettings struct {
	// Exporter is "prometheus" (served on Path) or "none".
	Exporter string `toml:"exporter" yaml:"exporter" env:"RELAY_METRICS_EXPORTER"`
	Path     string `toml:"path" yaml:"path" env:"RELAY_METRICS_PATH"`
}

// StorageSettings selects and configures the flow-state backend.
type StorageSettings struct {
	Backend    string `toml:"backend" yaml:"backend" env:"RELAY_STORAGE_BACKEND"`
	MaxEntries int    `toml:"max_entries" yaml:"max_entries" env:"RELAY_STORAGE_MAX_ENTRIES"`

	Valkey ValkeySettings `toml:"valkey" yaml:"valkey"`

	// EncryptionKey is a base64 encoded 32-byte key used to encrypt stored
	// verifiers. EncryptionSecret derives one instead.
	EncryptionKey    string `toml:"encryption_key" yaml:"encryption_key" env:"RELAY_ENCRYPTION_KEY"`
	EncryptionSecret string `toml:"encryption_secret" yaml:"encryption_secret" env:"RELAY_ENCRYPTION_SECRET"`
}

// ValkeySettings configures the valkey backend.
type ValkeySettings struct {
	Address   string `toml:"address" yaml:"address" env:"RELAY_VALKEY_ADDR"`
	Password  string `toml:"password" yaml:"password" env:"RELAY_VALKEY_PASSWORD"`
	DB        int    `toml:"db" yaml:"db" env:"RELAY_VALKEY_DB"`
	KeyPrefix string `toml:"key_prefix" yaml:"key_prefix" env:"RELAY_VALKEY_KEY_PREFIX"`
	TLS       bool   `toml:"tls" yaml:"tls" env:"RELAY_VALKEY_TLS"`
}

// RateLimitSettings configures per-IP rate limiting of the login endpoints.
type RateLimitSettings struct {
	Rate              float64 `toml:"rate" yaml:"rate" env:"RELAY_RATE_LIMIT"`
	Burst             int     `toml:"burst" yaml:"burst" env:"RELAY_RATE_LIMIT_BURST"`
	TrustProxy        bool    `toml:"trust_proxy" yaml:"trust_proxy" env:"RELAY_TRUST_PROXY"`
	TrustedProxyCount int     `toml:"trusted_proxy_count" yaml:"trusted_proxy_count" env:"RELAY_TRUSTED_PROXY_COUNT"`
}

// SecuritySettings holds security toggles.
type SecuritySettings struct {
	AuditLogging bool `toml:"audit_logging" yaml:"audit_logging" env:"RELAY_AUDIT_LOGGING"`
	HSTS         bool `toml:"hsts" yaml:"hsts" env:"RELAY_HSTS"`
}

// ProviderSettings is one [oauth.<name>] table. Endpoint URLs and scopes may
// be omitted to use the provider's well-known defaults.
type ProviderSettings struct {
	ClientID     string   `toml:"client_id" yaml:"client_id" env:"CLIENT_ID"`
	ClientSecret string   `toml:"client_secret" yaml:"client_secret" env:"CLIENT_SECRET"`
	AuthURL      string   `toml:"auth_url" yaml:"auth_url" env:"AUTH_URL"`
	TokenURL     string   `toml:"token_url" yaml:"token_url" env:"TOKEN_URL"`
	RedirectURI  string   `toml:"redirect_uri" yaml:"redirect_uri" env:"REDIRECT_URI"`
	UserInfoURL  string   `toml:"user_info_url" yaml:"user_info_url" env:"USER_INFO_URL"`
	Scopes       []string `toml:"scopes" yaml:"scopes" env:"SCOPES" envSeparator:" "`
}

// Default returns the settings used for keys absent from the file.
func Default() *Settings {
	return &Settings{
		Port:           8080,
		FlowTTL:        Duration(10 * time.Minute),
		RequestTimeout: Duration(providers.DefaultRequestTimeout),
		RetryAttempts:  providers.DefaultRetryAttempts,
		RetryBackoff:   Duration(providers.DefaultRetryBackoff),
		Log: LogSettings{
			Level:  "info",
			Format: LogFormatJSON,
		},
		Metrics: MetricsSettings{
			Exporter: "prometheus",
			Path:     "/metrics",
		},
		Storage: StorageSettings{
			Backend: StorageMemory,
			Valkey: ValkeySettings{
				KeyPrefix: "relay:",
			},
		},
		Security: SecuritySettings{
			AuditLogging: true,
		},
		OAuth: map[string]ProviderSettings{},
	}
}

// Load reads the configuration file at path over the defaults, then applies
// environment overrides. A missing file is an error unless path is empty.
func Load(path string) (*Settings, error) {
	s := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read settings: %w", err)
		}
		if err := decode(path, data, s); err != nil {
			return nil, fmt.Errorf("failed to parse %s: %w", path, err)
		}
	}

	if err := s.applyEnv(); err != nil {
		return nil, err
	}
	if err := s.Validate(); err != nil {
		return nil, err
	}
	return s, nil
}

// LoadDotEnv loads variables from a .env file into the process environment
// without overriding variables that are already set. A missing file is
// ignored.
func LoadDotEnv(path string) error {
	if path == "" {
		return nil
	}
	if err := godotenv.Load(path); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("failed to load %s: %w", path, err)
	}
	return nil
}

func decode(path string, data []byte, s *Settings) error {
	switch ext := strings.ToLower(filepath.Ext(path)); ext {
	case ".toml", "":
		dec := toml.NewDecoder(bytes.NewReader(data))
		dec.DisallowUnknownFields()
		return dec.Decode(s)
	case ".yaml", ".yml":
		dec := yaml.NewDecoder(bytes.NewReader(data))
		dec.KnownFields(true)
		if err := dec.Decode(s); err != nil && !errors.Is(err, io.EOF) {
			return err
		}
		return nil
	default:
		return fmt.Errorf("unsupported settings format %q", ext)
	}
}

// applyEnv overrides file values with RELAY_* variables. Provider fields are
// read from RELAY_<NAME>_CLIENT_SECRET and friends for every configured
// provider, so secrets can stay out of the file.
func (s *Settings) applyEnv() error {
	if err := env.Parse(s); err != nil {
		return fmt.Errorf("failed to parse environment: %w", err)
	}

	for name, p := range s.OAuth {
		prefix := "RELAY_" + strings.ToUpper(strings.ReplaceAll(name, "-", "_")) + "_"
		if err := env.ParseWithOptions(&p, env.Options{Prefix: prefix}); err != nil {
			return fmt.Errorf("failed to parse environment for provider %q: %w", name, err)
		}
		s.OAuth[name] = p
	}
	return nil
}

// Validate reports settings the binary cannot start with.
func (s *Settings) Validate() error {
	if s.Port < 1 || s.Port > 65535 {
		return fmt.Errorf("port must be between 1 and 65535, got %d", s.Port)
	}
	if s.FlowTTL <= 0 {
		return fmt.Errorf("flow_ttl must be positive")
	}
	if len(s.OAuth) == 0 {
		return errors.New("no oauth providers configured")
	}
	if _, err := s.LogLevel(); err != nil {
		return err
	}
	switch s.Log.Format {
	case LogFormatJSON, LogFormatText:
	default:
		return fmt.Errorf("unsupported log format %q", s.Log.Format)
	}
	switch s.Metrics.Exporter {
	case "prometheus", "none":
	default:
		return fmt.Errorf("unsupported metrics exporter %q", s.Metrics.Exporter)
	}
	switch s.Storage.Backend {
	case StorageMemory:
	case StorageValkey:
		if s.Storage.Valkey.Address == "" {
			return errors.New("storage.valkey.address is required for the valkey backend")
		}
	default:
		return fmt.Errorf("unsupported storage backend %q", s.Storage.Backend)
	}
	if s.Storage.EncryptionKey != "" && s.Storage.EncryptionSecret != "" {
		return errors.New("set either storage.encryption_key or storage.encryption_secret, not both")
	}
	return nil
}

// LogLevel parses Log.Level.
func (s *Settings) LogLevel() (slog.Level, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(s.Log.Level)); err != nil {
		return 0, fmt.Errorf("invalid log level %q", s.Log.Level)
	}
	return level, nil
}

// Address returns the listen address.
func (s *Settings) Address() string {
	return fmt.Sprintf("%s:%d", s.Host, s.Port)
}

// ProviderNames returns the configured provider names in sorted order.
func (s *Settings) ProviderNames() []string {
	names := make([]string, 0, len(s.OAuth))
	for name := range s.OAuth {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Descriptors converts the provider tables into descriptors.
func (s *Settings) Descriptors() map[string]providers.Descriptor {
	descs := make(map[string]providers.Descriptor, len(s.OAuth))
	for name, p := range s.OAuth {
		descs[name] = providers.Descriptor{
			Name:         name,
			ClientID:     p.ClientID,
			ClientSecret: p.ClientSecret,
			AuthURL:      p.AuthURL,
			TokenURL:     p.TokenURL,
			UserInfoURL:  p.UserInfoURL,
			RedirectURI:  p.RedirectURI,
			Scopes:       p.Scopes,
		}
	}
	return descs
}
