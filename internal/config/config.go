package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Default values applied when fields are absent from the config file.
const (
	DefaultPollingInterval        = 30 * time.Second
	DefaultMaxActiveSubscriptions = 50
	DefaultCacheTTL               = 5 * time.Minute
	DefaultCacheMaxSize           = 1000
	DefaultHTTPPort               = 7380
	DefaultClientTimeout          = 10 * time.Second
)

// Duration wraps time.Duration so YAML values can be written either as Go
// duration strings ("30s", "5m") or as integer nanoseconds.
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var asInt int64
	if err := value.Decode(&asInt); err == nil {
		*d = Duration(asInt)
		return nil
	}
	var asStr string
	if err := value.Decode(&asStr); err != nil {
		return fmt.Errorf("duration: expected string or integer, got %q", value.Value)
	}
	parsed, err := time.ParseDuration(asStr)
	if err != nil {
		return fmt.Errorf("duration: %w", err)
	}
	*d = Duration(parsed)
	return nil
}

// Std returns the wrapped time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

// Config is the top-level pipewatch configuration.
// Fields map 1:1 to config.example.yaml.
type Config struct {
	Client  ClientConfig  `yaml:"client"`
	Updates UpdatesConfig `yaml:"updates"`
	Cache   CacheConfig   `yaml:"cache"`
	Server  ServerConfig  `yaml:"server"`

	// Watch lists pipelines the daemon subscribes to at startup, so their
	// run collections stream to connected UI clients without an explicit
	// subscribe call.
	Watch []WatchTarget `yaml:"watch"`
}

// ClientConfig configures the HTTP gateway to the remote CI service.
type ClientConfig struct {
	// BaseURL is the root of the CI service REST API, e.g.
	// "https://ci.example.com/api".
	BaseURL string `yaml:"base_url"`

	// Timeout is the per-request timeout enforced by the HTTP client.
	Timeout Duration `yaml:"timeout"`

	// Auth configures how pipewatch authenticates to the CI service.
	Auth AuthConfig `yaml:"auth"`

	// TLS holds optional TLS dial options.
	TLS TLSConfig `yaml:"tls"`
}

// AuthConfig specifies the authentication mode for the CI service.
type AuthConfig struct {
	// Mode is one of: apikey | bearer | basic | none.
	Mode string `yaml:"mode"`

	// API key fields — used when Mode == "apikey".
	// Header is the HTTP header name to send the key in.
	Header string `yaml:"header"`
	// KeyEnv is the name of the environment variable that holds the key value.
	KeyEnv string `yaml:"key_env"`

	// Bearer token fields — used when Mode == "bearer".
	// TokenEnv is the name of the environment variable that holds the token.
	TokenEnv string `yaml:"token_env"`

	// Basic auth fields — used when Mode == "basic".
	// Username is the literal username (safe to store in config).
	Username string `yaml:"username"`
	// PasswordEnv is the name of the environment variable that holds the password.
	PasswordEnv string `yaml:"password_env"`
}

// Key returns the API key value resolved from the environment.
// Returns empty string if KeyEnv is unset or the variable is not found.
func (a AuthConfig) Key() string {
	if a.KeyEnv == "" {
		return ""
	}
	return os.Getenv(a.KeyEnv)
}

// Token returns the bearer token value resolved from the environment.
func (a AuthConfig) Token() string {
	if a.TokenEnv == "" {
		return ""
	}
	return os.Getenv(a.TokenEnv)
}

// Password returns the basic-auth password resolved from the environment.
func (a AuthConfig) Password() string {
	if a.PasswordEnv == "" {
		return ""
	}
	return os.Getenv(a.PasswordEnv)
}

// TLSConfig holds TLS dial options for the CI service connection.
type TLSConfig struct {
	// InsecureSkipVerify disables TLS certificate verification.
	// Only use this for internal CAs in development environments.
	InsecureSkipVerify bool `yaml:"insecure_skip_verify"`
}

// UpdatesConfig configures the subscription update engine.
type UpdatesConfig struct {
	// PollingInterval controls how often active subscriptions are re-fetched.
	PollingInterval Duration `yaml:"polling_interval"`

	// MaxActiveSubscriptions caps the number of concurrently active
	// run-level subscriptions.
	MaxActiveSubscriptions int `yaml:"max_active_subscriptions"`

	// IncrementalFetch serves pipeline run collections through the cache
	// on poll ticks instead of hitting the gateway every time.
	IncrementalFetch bool `yaml:"incremental_fetch"`

	// BackgroundRefresh enables the shared poll timer. When false,
	// subscribers only receive their initial snapshot and explicit
	// RefreshAllSubscriptions results.
	BackgroundRefresh bool `yaml:"background_refresh"`
}

// CacheConfig configures the TTL+LRU read cache.
type CacheConfig struct {
	DefaultTTL Duration `yaml:"default_ttl"`
	MaxSize    int      `yaml:"max_size"`
}

// ServerConfig configures the local HTTP/WebSocket surface consumed by
// IDE and webview clients.
type ServerConfig struct {
	HTTPPort int `yaml:"http_port"`
}

// WatchTarget names one pipeline to auto-subscribe at startup.
type WatchTarget struct {
	ProjectID  string `yaml:"project_id"`
	PipelineID string `yaml:"pipeline_id"`
}

// Load reads and parses the YAML config file at path.
// Missing optional fields are filled with sensible defaults.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read file: %w", err)
	}

	cfg := defaults()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("config: parse yaml: %w", err)
	}

	if err := validate(cfg); err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}

	return cfg, nil
}

// defaults returns a Config pre-populated with default values.
func defaults() *Config {
	return &Config{
		Client: ClientConfig{
			Timeout: Duration(DefaultClientTimeout),
		},
		Updates: UpdatesConfig{
			PollingInterval:        Duration(DefaultPollingInterval),
			MaxActiveSubscriptions: DefaultMaxActiveSubscriptions,
			BackgroundRefresh:      true,
		},
		Cache: CacheConfig{
			DefaultTTL: Duration(DefaultCacheTTL),
			MaxSize:    DefaultCacheMaxSize,
		},
		Server: ServerConfig{
			HTTPPort: DefaultHTTPPort,
		},
	}
}

// validate checks required fields and structural constraints.
func validate(cfg *Config) error {
	if cfg.Client.BaseURL == "" {
		return fmt.Errorf("client.base_url is required")
	}
	switch cfg.Client.Auth.Mode {
	case "apikey", "bearer", "basic", "none", "":
	default:
		return fmt.Errorf("client.auth: unknown mode %q", cfg.Client.Auth.Mode)
	}
	if cfg.Updates.PollingInterval <= 0 {
		return fmt.Errorf("updates.polling_interval must be positive")
	}
	if cfg.Updates.MaxActiveSubscriptions <= 0 {
		return fmt.Errorf("updates.max_active_subscriptions must be positive")
	}
	if cfg.Cache.MaxSize <= 0 {
		return fmt.Errorf("cache.max_size must be positive")
	}
	if cfg.Cache.DefaultTTL <= 0 {
		return fmt.Errorf("cache.default_ttl must be positive")
	}
	for i, w := range cfg.Watch {
		if w.ProjectID == "" || w.PipelineID == "" {
			return fmt.Errorf("watch[%d]: project_id and pipeline_id are required", i)
		}
	}
	return nil
}
