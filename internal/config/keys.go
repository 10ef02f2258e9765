package config

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
)

type keyType int

const (
	kString keyType = iota
	kInt
	kBool
	kFloat
)

type keySpec struct {
	key     string
	typ     keyType
	env     string
	altEnv  string
	secret  bool
	apply   func(cfg *Config, v any)
	extract func(cfg Config) any
}

var specs = []keySpec{
	{
		key: "server.port", typ: kInt, env: "COCKPIT_SERVER_PORT",
		apply:   func(cfg *Config, v any) { cfg.Server.Port = v.(int) },
		extract: func(cfg Config) any { return cfg.Server.Port },
	},
	{
		key: "server.allowed_origins", typ: kString, env: "COCKPIT_SERVER_ALLOWED_ORIGINS",
		apply:   func(cfg *Config, v any) { cfg.Server.AllowedOrigins = v.(string) },
		extract: func(cfg Config) any { return cfg.Server.AllowedOrigins },
	},
	{
		key: "app.mode", typ: kString, env: "COCKPIT_MODE",
		apply:   func(cfg *Config, v any) { cfg.App.Mode = v.(string) },
		extract: func(cfg Config) any { return cfg.App.Mode },
	},
	{
		key: "upstream.provider", typ: kString, env: "COCKPIT_UPSTREAM_PROVIDER",
		apply:   func(cfg *Config, v any) { cfg.Upstream.Provider = v.(string) },
		extract: func(cfg Config) any { return cfg.Upstream.Provider },
	},
	{
		key: "upstream.base_url", typ: kString, env: "COCKPIT_UPSTREAM_BASE_URL",
		apply:   func(cfg *Config, v any) { cfg.Upstream.BaseURL = v.(string) },
		extract: func(cfg Config) any { return cfg.Upstream.BaseURL },
	},
	{
		key: "upstream.model", typ: kString, env: "COCKPIT_UPSTREAM_MODEL",
		apply:   func(cfg *Config, v any) { cfg.Upstream.Model = v.(string) },
		extract: func(cfg Config) any { return cfg.Upstream.Model },
	},
	{
		key: "upstream.api_key", typ: kString, env: "COCKPIT_UPSTREAM_API_KEY", altEnv: fallbackAPIKeyEnv,
		secret:  true,
		apply:   func(cfg *Config, v any) { cfg.Upstream.APIKey = v.(string) },
		extract: func(cfg Config) any { return cfg.Upstream.APIKey },
	},
	{
		key: "upstream.timeout", typ: kString, env: "COCKPIT_UPSTREAM_TIMEOUT",
		apply:   func(cfg *Config, v any) { cfg.Upstream.Timeout = v.(string) },
		extract: func(cfg Config) any { return cfg.Upstream.Timeout },
	},
	{
		key: "upstream.max_attempts", typ: kInt, env: "COCKPIT_UPSTREAM_MAX_ATTEMPTS",
		apply:   func(cfg *Config, v any) { cfg.Upstream.MaxAttempts = v.(int) },
		extract: func(cfg Config) any { return cfg.Upstream.MaxAttempts },
	},
	{
		key: "ratelimit.requests", typ: kInt, env: "COCKPIT_RATELIMIT_REQUESTS",
		apply:   func(cfg *Config, v any) { cfg.RateLimit.Requests = v.(int) },
		extract: func(cfg Config) any { return cfg.RateLimit.Requests },
	},
	{
		key: "ratelimit.window", typ: kString, env: "COCKPIT_RATELIMIT_WINDOW",
		apply:   func(cfg *Config, v any) { cfg.RateLimit.Window = v.(string) },
		extract: func(cfg Config) any { return cfg.RateLimit.Window },
	},
	{
		key: "cache.max_entries", typ: kInt, env: "COCKPIT_CACHE_MAX_ENTRIES",
		apply:   func(cfg *Config, v any) { cfg.Cache.MaxEntries = v.(int) },
		extract: func(cfg Config) any { return cfg.Cache.MaxEntries },
	},
	{
		key: "cache.quality_threshold", typ: kFloat, env: "COCKPIT_CACHE_QUALITY_THRESHOLD",
		apply:   func(cfg *Config, v any) { cfg.Cache.QualityThreshold = v.(float64) },
		extract: func(cfg Config) any { return cfg.Cache.QualityThreshold },
	},
	{
		key: "metrics.max_records", typ: kInt, env: "COCKPIT_METRICS_MAX_RECORDS",
		apply:   func(cfg *Config, v any) { cfg.Metrics.MaxRecords = v.(int) },
		extract: func(cfg Config) any { return cfg.Metrics.MaxRecords },
	},
	{
		key: "relay.max_messages", typ: kInt, env: "COCKPIT_RELAY_MAX_MESSAGES",
		apply:   func(cfg *Config, v any) { cfg.Relay.MaxMessages = v.(int) },
		extract: func(cfg Config) any { return cfg.Relay.MaxMessages },
	},
	{
		key: "relay.max_sessions", typ: kInt, env: "COCKPIT_RELAY_MAX_SESSIONS",
		apply:   func(cfg *Config, v any) { cfg.Relay.MaxSessions = v.(int) },
		extract: func(cfg Config) any { return cfg.Relay.MaxSessions },
	},
	{
		key: "relay.idle_timeout", typ: kString, env: "COCKPIT_RELAY_IDLE_TIMEOUT",
		apply:   func(cfg *Config, v any) { cfg.Relay.IdleTimeout = v.(string) },
		extract: func(cfg Config) any { return cfg.Relay.IdleTimeout },
	},
	{
		key: "storage.data_dir", typ: kString, env: "COCKPIT_STORAGE_DATA_DIR",
		apply:   func(cfg *Config, v any) { cfg.Storage.DataDir = v.(string) },
		extract: func(cfg Config) any { return cfg.Storage.DataDir },
	},
	{
		key: "journal.enabled", typ: kBool, env: "COCKPIT_JOURNAL_ENABLED",
		apply:   func(cfg *Config, v any) { cfg.Journal.Enabled = v.(bool) },
		extract: func(cfg Config) any { return cfg.Journal.Enabled },
	},
	{
		key: "journal.queue_size", typ: kInt, env: "COCKPIT_JOURNAL_QUEUE_SIZE",
		apply:   func(cfg *Config, v any) { cfg.Journal.QueueSize = v.(int) },
		extract: func(cfg Config) any { return cfg.Journal.QueueSize },
	},
	{
		key: "log.level", typ: kString, env: "COCKPIT_LOG_LEVEL",
		apply:   func(cfg *Config, v any) { cfg.Log.Level = v.(string) },
		extract: func(cfg Config) any { return cfg.Log.Level },
	},
	{
		key: "log.format", typ: kString, env: "COCKPIT_LOG_FORMAT",
		apply:   func(cfg *Config, v any) { cfg.Log.Format = v.(string) },
		extract: func(cfg Config) any { return cfg.Log.Format },
	},
}

func specFor(key string) (keySpec, bool) {
	for _, s := range specs {
		if s.key == key {
			return s, true
		}
	}
	return keySpec{}, false
}

// parse converts a raw setting to the key's Go type.
func (s keySpec) parse(raw string) (any, error) {
	switch s.typ {
	case kInt:
		i, err := strconv.Atoi(strings.TrimSpace(raw))
		if err != nil {
			return nil, fmt.Errorf("invalid integer value for %s: %w", s.key, err)
		}
		return i, nil
	case kBool:
		b, err := strconv.ParseBool(strings.TrimSpace(raw))
		if err != nil {
			return nil, fmt.Errorf("invalid bool value for %s: %w", s.key, err)
		}
		return b, nil
	case kFloat:
		f, err := strconv.ParseFloat(strings.TrimSpace(raw), 64)
		if err != nil {
			return nil, fmt.Errorf("invalid float value for %s: %w", s.key, err)
		}
		return f, nil
	default:
		return raw, nil
	}
}

// applyBackend overlays backend settings on cfg. Secrets are never read
// from the backend.
func applyBackend(cfg *Config, b Backend) error {
	for _, s := range specs {
		if s.secret {
			continue
		}
		raw, ok, err := b.Lookup(s.key)
		if err != nil {
			return fmt.Errorf("reading %s: %w", s.key, err)
		}
		if ok && raw != "" {
			applyParsed(cfg, s, raw, "config key")
		}
	}
	return nil
}

func applyEnvOverrides(cfg *Config) {
	for _, s := range specs {
		raw := os.Getenv(s.env)
		if raw == "" && s.altEnv != "" {
			raw = os.Getenv(s.altEnv)
		}
		if raw != "" {
			applyParsed(cfg, s, raw, "environment")
		}
	}
}

// applyParsed sets the key from raw; unparseable values keep the current
// value and log a warning.
func applyParsed(cfg *Config, s keySpec, raw, source string) {
	v, err := s.parse(raw)
	if err != nil {
		slog.Warn("ignoring config value", "key", s.key, "source", source, "value", raw, "error", err)
		return
	}
	s.apply(cfg, v)
}
