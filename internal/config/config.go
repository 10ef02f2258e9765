package config

import (
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"
)

const (
	secretService      = "coaching-cockpit"
	upstreamKeyAcct    = "upstream_api_key"
	apiTokenAcct       = "api_token"
	ModeProduction     = "production"
	ModeDevelopment    = "development"
	ProviderOpenAI     = "openai"
	ProviderOllama     = "ollama"
	defaultOllamaURL   = "http://localhost:11434"
	defaultOpenAIURL   = "https://api.openai.com/v1"
	defaultOpenAIModel = "gpt-4"
	defaultOllamaModel = "llama3"
	fallbackAPIKeyEnv  = "OPENAI_API_KEY"
)

type Config struct {
	Server    ServerConfig
	App       AppConfig
	Upstream  UpstreamConfig
	RateLimit RateLimitConfig
	Cache     CacheConfig
	Metrics   MetricsConfig
	Relay     RelayConfig
	Storage   StorageConfig
	Journal   JournalConfig
	Log       LogConfig
}

type ServerConfig struct {
	Port           int
	AllowedOrigins string
}

type AppConfig struct {
	Mode string
}

type UpstreamConfig struct {
	Provider    string
	BaseURL     string
	Model       string
	APIKey      string
	Timeout     string
	MaxAttempts int
}

type RateLimitConfig struct {
	Requests int
	Window   string
}

type CacheConfig struct {
	MaxEntries       int
	QualityThreshold float64
}

type MetricsConfig struct {
	MaxRecords int
}

type RelayConfig struct {
	MaxMessages int
	MaxSessions int
	IdleTimeout string
}

type StorageConfig struct {
	DataDir string
}

type JournalConfig struct {
	Enabled   bool
	QueueSize int
}

type LogConfig struct {
	Level  string
	Format string
}

// Production reports whether upstream errors must be replaced with safe messages.
func (c Config) Production() bool {
	return !strings.EqualFold(c.App.Mode, ModeDevelopment)
}

// Origins splits the configured CORS origins.
func (c Config) Origins() []string {
	var out []string
	for _, o := range strings.Split(c.Server.AllowedOrigins, ",") {
		if o = strings.TrimSpace(o); o != "" {
			out = append(out, o)
		}
	}
	return out
}

// UpstreamTimeout parses upstream.timeout, falling back to 30s.
func (c Config) UpstreamTimeout() time.Duration {
	return parseDuration("upstream.timeout", c.Upstream.Timeout, 30*time.Second)
}

// RateLimitWindow parses ratelimit.window, falling back to one minute.
func (c Config) RateLimitWindow() time.Duration {
	return parseDuration("ratelimit.window", c.RateLimit.Window, time.Minute)
}

// RelayIdleTimeout parses relay.idle_timeout, falling back to 30 minutes.
func (c Config) RelayIdleTimeout() time.Duration {
	return parseDuration("relay.idle_timeout", c.Relay.IdleTimeout, 30*time.Minute)
}

func parseDuration(key, raw string, def time.Duration) time.Duration {
	d, err := time.ParseDuration(raw)
	if err != nil || d <= 0 {
		slog.Warn("invalid duration in config, using default", "key", key, "value", raw, "default", def)
		return def
	}
	return d
}

func defaults() Config {
	return Config{
		Server: ServerConfig{
			Port:           4100,
			AllowedOrigins: "*",
		},
		App: AppConfig{Mode: ModeProduction},
		Upstream: UpstreamConfig{
			Provider:    ProviderOpenAI,
			BaseURL:     defaultOpenAIURL,
			Model:       defaultOpenAIModel,
			Timeout:     "30s",
			MaxAttempts: 2,
		},
		RateLimit: RateLimitConfig{
			Requests: 20,
			Window:   "60s",
		},
		Cache: CacheConfig{
			MaxEntries:       1000,
			QualityThreshold: 0.7,
		},
		Metrics: MetricsConfig{MaxRecords: 1000},
		Relay: RelayConfig{
			MaxMessages: 100,
			MaxSessions: 1000,
			IdleTimeout: "30m",
		},
		Storage: StorageConfig{DataDir: defaultDataDir()},
		Journal: JournalConfig{
			Enabled:   true,
			QueueSize: 256,
		},
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
	}
}

// Load reads configuration from the platform-native backend, environment
// variables, and platform secret store.
//
// On macOS the backend is UserDefaults (domain: com.coaching-cockpit.app) and
// secrets fall back to the Keychain. Elsewhere the backend is a JSON file at
// $XDG_CONFIG_HOME/coaching-cockpit/config.json and secrets live in
// secrets.json next to the data directory.
//
// Environment variables (COCKPIT_*) override backend values on all platforms.
// A missing upstream API key is not an error here; requests report it.
func Load() (Config, error) {
	return loadWith(newPlatformBackend(), NewKeychain())
}

// Keychain abstracts the platform secret store.
type Keychain interface {
	Get(service, account string) (string, error)
	Set(service, account, value string) error
}

// NewKeychain returns the platform secret store.
func NewKeychain() Keychain {
	return platformKeychain{}
}

func loadWith(b Backend, kc Keychain) (Config, error) {
	cfg := defaults()

	if err := applyBackend(&cfg, b); err != nil {
		return Config{}, err
	}

	applyEnvOverrides(&cfg)

	if cfg.Upstream.APIKey == "" {
		if key, err := kc.Get(secretService, upstreamKeyAcct); err == nil && key != "" {
			cfg.Upstream.APIKey = key
		}
	}

	switch cfg.Upstream.Provider {
	case ProviderOpenAI:
		if cfg.Upstream.APIKey == "" {
			slog.Warn("upstream API key not configured; coaching requests will return fallbacks",
				"env", "COCKPIT_UPSTREAM_API_KEY"+apiKeyHint())
		}
	case ProviderOllama:
		if cfg.Upstream.BaseURL == defaultOpenAIURL {
			cfg.Upstream.BaseURL = defaultOllamaURL
		}
		if cfg.Upstream.Model == defaultOpenAIModel {
			cfg.Upstream.Model = defaultOllamaModel
		}
	default:
		return Config{}, fmt.Errorf("unknown upstream provider %q (want %s or %s)",
			cfg.Upstream.Provider, ProviderOpenAI, ProviderOllama)
	}

	if cfg.Upstream.MaxAttempts < 1 {
		return Config{}, fmt.Errorf("upstream.max_attempts must be at least 1, got %d", cfg.Upstream.MaxAttempts)
	}
	if cfg.RateLimit.Requests < 1 {
		return Config{}, fmt.Errorf("ratelimit.requests must be at least 1, got %d", cfg.RateLimit.Requests)
	}

	return cfg, nil
}

// GetAPIToken returns the bearer token guarding management endpoints,
// generating and persisting one on first use.
func GetAPIToken(kc Keychain) (string, error) {
	if tok := strings.TrimSpace(os.Getenv("COCKPIT_API_TOKEN")); tok != "" {
		return tok, nil
	}
	if tok, err := kc.Get(secretService, apiTokenAcct); err == nil && tok != "" {
		return tok, nil
	}
	tok := strings.ReplaceAll(uuid.NewString(), "-", "")
	if err := kc.Set(secretService, apiTokenAcct, tok); err != nil {
		return "", fmt.Errorf("storing API token: %w", err)
	}
	return tok, nil
}

// platformKeychain reads and writes the platform secret store.
type platformKeychain struct{}

func (platformKeychain) Get(service, account string) (string, error) {
	return keychainGet(service, account)
}

func (platformKeychain) Set(service, account, value string) error {
	return keychainSet(service, account, value)
}
