package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/url"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Defaults applied by [ApplyDefaults].
const (
	DefaultListenAddr          = ":8080"
	DefaultShutdownTimeout     = 15 * time.Second
	DefaultProviderName        = "elevenlabs"
	DefaultSQLitePath          = "fablevoice.db"
	DefaultBucket              = "fablevoice"
	DefaultPublicBaseURL       = "http://localhost:8080"
	DefaultMaxUploadBytes      = 25 << 20
	DefaultVoiceCapacity       = 30
	DefaultInsertAttempts      = 3
	DefaultMonthlyLimitMinutes = 100.0
	DefaultCharsPerFiveMinutes = 1500
	DefaultAudioURLTTL         = 10 * 365 * 24 * time.Hour

	minSigningKeyLen = 16
)

// Environment variables overriding secrets and endpoints.
const (
	EnvAPIKey      = "FABLEVOICE_ELEVENLABS_API_KEY"
	EnvSigningKey  = "FABLEVOICE_SIGNING_KEY"
	EnvPostgresDSN = "FABLEVOICE_POSTGRES_DSN"
	EnvAPIToken    = "FABLEVOICE_API_TOKEN"
	EnvNATSURL     = "FABLEVOICE_NATS_URL"
)

// Load reads the YAML configuration file at path, applies environment
// overrides and defaults, and validates the result.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: open %q: %w", path, err)
	}
	cfg, err := parse(data, os.LookupEnv)
	if err != nil {
		return nil, fmt.Errorf("config: parse %q: %w", path, err)
	}
	return cfg, nil
}

// LoadFromReader decodes a YAML config from r, applies defaults and validates
// the result. The environment is not consulted, which keeps tests hermetic.
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg, err := decode(r)
	if err != nil {
		return nil, err
	}
	ApplyDefaults(cfg)
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func parse(data []byte, lookup func(string) (string, bool)) (*Config, error) {
	cfg, err := decode(bytes.NewReader(data))
	if err != nil {
		return nil, err
	}
	ApplyEnv(cfg, lookup)
	ApplyDefaults(cfg)
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func decode(r io.Reader) (*Config, error) {
	cfg := &Config{}
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	return cfg, nil
}

// ApplyEnv overrides secrets and endpoints from the environment. lookup is
// typically [os.LookupEnv]; empty values are ignored.
func ApplyEnv(cfg *Config, lookup func(string) (string, bool)) {
	set := func(dst *string, key string) {
		if v, ok := lookup(key); ok && v != "" {
			*dst = v
		}
	}
	set(&cfg.Provider.APIKey, EnvAPIKey)
	set(&cfg.ObjectStore.SigningKey, EnvSigningKey)
	set(&cfg.Store.PostgresDSN, EnvPostgresDSN)
	set(&cfg.Server.APIToken, EnvAPIToken)
	set(&cfg.ObjectStore.NATSURL, EnvNATSURL)
}

// ApplyDefaults fills unset fields with their defaults.
func ApplyDefaults(cfg *Config) {
	if cfg.Server.ListenAddr == "" {
		cfg.Server.ListenAddr = DefaultListenAddr
	}
	if cfg.Server.LogLevel == "" {
		cfg.Server.LogLevel = LogInfo
	}
	if cfg.Server.ShutdownTimeout == 0 {
		cfg.Server.ShutdownTimeout = DefaultShutdownTimeout
	}
	if cfg.Provider.Name == "" {
		cfg.Provider.Name = DefaultProviderName
	}
	if cfg.Store.Backend == "" {
		cfg.Store.Backend = StoreMemory
	}
	if cfg.Store.Backend == StoreSQLite && cfg.Store.SQLitePath == "" {
		cfg.Store.SQLitePath = DefaultSQLitePath
	}
	if cfg.ObjectStore.Backend == "" {
		cfg.ObjectStore.Backend = ObjectStoreMemory
	}
	if cfg.ObjectStore.Bucket == "" {
		cfg.ObjectStore.Bucket = DefaultBucket
	}
	if cfg.ObjectStore.PublicBaseURL == "" {
		cfg.ObjectStore.PublicBaseURL = DefaultPublicBaseURL
	}
	if cfg.ObjectStore.MaxUploadBytes == 0 {
		cfg.ObjectStore.MaxUploadBytes = DefaultMaxUploadBytes
	}
	if cfg.Voices.Capacity == 0 {
		cfg.Voices.Capacity = DefaultVoiceCapacity
	}
	if cfg.Voices.InsertAttempts == 0 {
		cfg.Voices.InsertAttempts = DefaultInsertAttempts
	}
	if cfg.Narration.MonthlyLimitMinutes == 0 {
		cfg.Narration.MonthlyLimitMinutes = DefaultMonthlyLimitMinutes
	}
	if cfg.Narration.CharsPerFiveMinutes == 0 {
		cfg.Narration.CharsPerFiveMinutes = DefaultCharsPerFiveMinutes
	}
	if cfg.Narration.AudioURLTTL == 0 {
		cfg.Narration.AudioURLTTL = DefaultAudioURLTTL
	}
}

// Validate checks that cfg contains a coherent set of values. It returns a
// joined error listing all validation failures found.
func Validate(cfg *Config) error {
	var errs []error

	// Server
	if cfg.Server.LogLevel != "" && !cfg.Server.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel))
	}
	if cfg.Server.ShutdownTimeout < 0 {
		errs = append(errs, errors.New("server.shutdown_timeout must not be negative"))
	}
	if (cfg.Server.TLS.CertFile == "") != (cfg.Server.TLS.KeyFile == "") {
		errs = append(errs, errors.New("server.tls requires both cert_file and key_file"))
	}
	if cfg.Server.APIToken == "" {
		slog.Warn("server.api_token is empty; the API trusts the X-User-ID header from any caller")
	}

	// Provider
	if cfg.Provider.Name == "" {
		errs = append(errs, errors.New("provider.name is required"))
	}
	if cfg.Provider.Name == DefaultProviderName && cfg.Provider.APIKey == "" {
		errs = append(errs, fmt.Errorf("provider.api_key is required for %s (or set %s)", DefaultProviderName, EnvAPIKey))
	}
	if cfg.Provider.BaseURL != "" && !isHTTPURL(cfg.Provider.BaseURL) {
		errs = append(errs, fmt.Errorf("provider.base_url %q is not an http(s) URL", cfg.Provider.BaseURL))
	}
	if cfg.Provider.CloneTimeout < 0 || cfg.Provider.CallTimeout < 0 {
		errs = append(errs, errors.New("provider timeouts must not be negative"))
	}
	if b := cfg.Provider.Breaker; b.MaxFailures < 0 || b.HalfOpenMax < 0 || b.ResetTimeout < 0 {
		errs = append(errs, errors.New("provider.breaker values must not be negative"))
	}

	// Store
	switch {
	case !cfg.Store.Backend.IsValid():
		errs = append(errs, fmt.Errorf("store.backend %q is invalid; valid values: memory, sqlite, postgres", cfg.Store.Backend))
	case cfg.Store.Backend == StorePostgres && cfg.Store.PostgresDSN == "":
		errs = append(errs, fmt.Errorf("store.postgres_dsn is required for the postgres backend (or set %s)", EnvPostgresDSN))
	case cfg.Store.Backend == StoreSQLite && cfg.Store.SQLitePath == "":
		errs = append(errs, errors.New("store.sqlite_path is required for the sqlite backend"))
	case cfg.Store.Backend == StoreMemory:
		slog.Warn("store.backend is memory; voice clones and quota usage are lost on restart")
	}

	// Object store
	obj := cfg.ObjectStore
	switch {
	case !obj.Backend.IsValid():
		errs = append(errs, fmt.Errorf("object_store.backend %q is invalid; valid values: memory, nats", obj.Backend))
	case obj.Backend == ObjectStoreNATS && obj.NATSURL == "":
		errs = append(errs, fmt.Errorf("object_store.nats_url is required for the nats backend (or set %s)", EnvNATSURL))
	}
	if obj.Bucket == "" {
		errs = append(errs, errors.New("object_store.bucket is required"))
	}
	if !isHTTPURL(obj.PublicBaseURL) {
		errs = append(errs, fmt.Errorf("object_store.public_base_url %q is not an http(s) URL", obj.PublicBaseURL))
	}
	if len(obj.SigningKey) < minSigningKeyLen {
		errs = append(errs, fmt.Errorf("object_store.signing_key must be at least %d bytes (or set %s)", minSigningKeyLen, EnvSigningKey))
	}
	if obj.MaxUploadBytes < 0 {
		errs = append(errs, errors.New("object_store.max_upload_bytes must not be negative"))
	}

	// Voices
	if cfg.Voices.Capacity < 1 {
		errs = append(errs, fmt.Errorf("voices.capacity %d must be at least 1", cfg.Voices.Capacity))
	}
	if cfg.Voices.InsertAttempts < 1 {
		errs = append(errs, fmt.Errorf("voices.insert_attempts %d must be at least 1", cfg.Voices.InsertAttempts))
	}

	// Narration
	n := cfg.Narration
	if n.MonthlyLimitMinutes < 0 {
		errs = append(errs, fmt.Errorf("narration.monthly_limit_minutes %.2f must be positive", n.MonthlyLimitMinutes))
	}
	if n.CharsPerFiveMinutes < 0 {
		errs = append(errs, fmt.Errorf("narration.chars_per_five_minutes %d must be positive", n.CharsPerFiveMinutes))
	}
	if n.MaxTextChars < 0 {
		errs = append(errs, fmt.Errorf("narration.max_text_chars %d must not be negative", n.MaxTextChars))
	}
	if n.AudioURLTTL < 0 {
		errs = append(errs, errors.New("narration.audio_url_ttl must not be negative"))
	}

	return errors.Join(errs...)
}

func isHTTPURL(raw string) bool {
	u, err := url.Parse(raw)
	return err == nil && (u.Scheme == "http" || u.Scheme == "https") && u.Host != ""
}
