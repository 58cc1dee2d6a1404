// Package config provides the configuration schema, loader, file watcher and
// voice provider registry for the fablevoice service.
package config

import "time"

// LogLevel controls log verbosity.
type LogLevel string

const (
	LogDebug LogLevel = "debug"
	LogInfo  LogLevel = "info"
	LogWarn  LogLevel = "warn"
	LogError LogLevel = "error"
)

// IsValid reports whether l is a recognised log level.
func (l LogLevel) IsValid() bool {
	switch l {
	case LogDebug, LogInfo, LogWarn, LogError:
		return true
	}
	return false
}

// StoreBackend selects where the voice registry and narration ledger live.
type StoreBackend string

const (
	// StoreMemory keeps state in process memory. State is lost on restart.
	StoreMemory StoreBackend = "memory"

	// StoreSQLite uses an embedded database file. Single node only.
	StoreSQLite StoreBackend = "sqlite"

	// StorePostgres uses PostgreSQL and supports multiple service replicas.
	StorePostgres StoreBackend = "postgres"
)

// IsValid reports whether b is a recognised store backend.
func (b StoreBackend) IsValid() bool {
	switch b {
	case StoreMemory, StoreSQLite, StorePostgres:
		return true
	}
	return false
}

// ObjectStoreBackend selects where audio objects are stored.
type ObjectStoreBackend string

const (
	ObjectStoreMemory ObjectStoreBackend = "memory"
	ObjectStoreNATS   ObjectStoreBackend = "nats"
)

// IsValid reports whether b is a recognised object store backend.
func (b ObjectStoreBackend) IsValid() bool {
	return b == ObjectStoreMemory || b == ObjectStoreNATS
}

// Config is the root configuration structure. It is typically loaded from a
// YAML file using [Load].
type Config struct {
	Server      ServerConfig      `yaml:"server"`
	Provider    ProviderConfig    `yaml:"provider"`
	Store       StoreConfig       `yaml:"store"`
	ObjectStore ObjectStoreConfig `yaml:"object_store"`
	Voices      VoicesConfig      `yaml:"voices"`
	Narration   NarrationConfig   `yaml:"narration"`
}

// ServerConfig holds network and logging settings.
type ServerConfig struct {
	// ListenAddr is the TCP address the server listens on (e.g., ":8080").
	ListenAddr string `yaml:"listen_addr"`

	// LogLevel controls verbosity. It can be changed without a restart.
	LogLevel LogLevel `yaml:"log_level"`

	// APIToken, when set, must be presented as a bearer token by the
	// upstream gateway. Overridden by FABLEVOICE_API_TOKEN.
	APIToken string `yaml:"api_token"`

	// ShutdownTimeout bounds graceful shutdown.
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`

	// TLS enables HTTPS when both files are set.
	TLS TLSConfig `yaml:"tls"`
}

// TLSConfig holds TLS certificate paths.
type TLSConfig struct {
	CertFile string `yaml:"cert_file"`
	KeyFile  string `yaml:"key_file"`
}

// Enabled reports whether TLS is configured.
func (t TLSConfig) Enabled() bool { return t.CertFile != "" && t.KeyFile != "" }

// ProviderConfig configures the synthesis provider.
type ProviderConfig struct {
	// Name selects the registered provider implementation ("elevenlabs").
	Name string `yaml:"name"`

	// APIKey authenticates against the provider. Overridden by
	// FABLEVOICE_ELEVENLABS_API_KEY.
	APIKey string `yaml:"api_key"`

	// BaseURL overrides the provider's default API endpoint.
	BaseURL string `yaml:"base_url"`

	// Model selects the synthesis model.
	Model string `yaml:"model"`

	// OutputFormat selects the audio encoding (e.g., "mp3_44100_128").
	OutputFormat string `yaml:"output_format"`

	// CloneTimeout bounds a clone creation including sample downloads.
	CloneTimeout time.Duration `yaml:"clone_timeout"`

	// CallTimeout bounds every other provider call.
	CallTimeout time.Duration `yaml:"call_timeout"`

	// Breaker configures the circuit breaker in front of the provider.
	Breaker BreakerConfig `yaml:"breaker"`
}

// BreakerConfig mirrors resilience.CircuitBreakerConfig. Zero values select
// the breaker defaults.
type BreakerConfig struct {
	MaxFailures  int           `yaml:"max_failures"`
	ResetTimeout time.Duration `yaml:"reset_timeout"`
	HalfOpenMax  int           `yaml:"half_open_max"`
}

// StoreConfig configures the voice registry and narration ledger backend.
type StoreConfig struct {
	Backend StoreBackend `yaml:"backend"`

	// PostgresDSN is required for the postgres backend. Overridden by
	// FABLEVOICE_POSTGRES_DSN.
	PostgresDSN string `yaml:"postgres_dsn"`

	// SQLitePath is the database file for the sqlite backend.
	SQLitePath string `yaml:"sqlite_path"`

	// AutoMigrate applies the schema at startup.
	AutoMigrate bool `yaml:"auto_migrate"`
}

// ObjectStoreConfig configures audio and sample storage and URL signing.
type ObjectStoreConfig struct {
	Backend ObjectStoreBackend `yaml:"backend"`

	// NATSURL is the server URL for the nats backend. Overridden by
	// FABLEVOICE_NATS_URL.
	NATSURL string `yaml:"nats_url"`

	// Bucket is the JetStream object store bucket.
	Bucket string `yaml:"bucket"`

	// PublicBaseURL is the externally reachable base of this service, used
	// to build signed object URLs.
	PublicBaseURL string `yaml:"public_base_url"`

	// SigningKey is the HMAC key for object URLs. Overridden by
	// FABLEVOICE_SIGNING_KEY.
	SigningKey string `yaml:"signing_key"`

	// MaxUploadBytes caps sample uploads.
	MaxUploadBytes int64 `yaml:"max_upload_bytes"`
}

// VoicesConfig configures the voice clone pool.
type VoicesConfig struct {
	// Capacity is the number of clone slots the provider account allows.
	Capacity int `yaml:"capacity"`

	// InsertAttempts bounds how often a clone insert is retried after losing
	// a slot to a concurrent request.
	InsertAttempts int `yaml:"insert_attempts"`
}

// NarrationConfig configures narration caching and the monthly quota.
type NarrationConfig struct {
	// MonthlyLimitMinutes is the shared monthly quota. It can be changed
	// without a restart.
	MonthlyLimitMinutes float64 `yaml:"monthly_limit_minutes"`

	// CharsPerFiveMinutes is the speech-rate assumption used to estimate
	// narration length.
	CharsPerFiveMinutes int `yaml:"chars_per_five_minutes"`

	// MaxTextChars caps a single narration request. Zero (the default) means
	// no cap: the remaining monthly quota is the only bound.
	MaxTextChars int `yaml:"max_text_chars"`

	// AudioURLTTL is the validity of signed narration URLs.
	AudioURLTTL time.Duration `yaml:"audio_url_ttl"`

	// DisableResetScheduler turns off the in-process monthly reset, e.g. when
	// resets run from an external cron via "fablevoice reset-quota".
	DisableResetScheduler bool `yaml:"disable_reset_scheduler"`
}
