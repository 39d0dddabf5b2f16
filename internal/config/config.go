package config

import (
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
)

// Config holds all application configuration.
type Config struct {
	ServerPort string `env:"SERVER_PORT" envDefault:"8090"`
	GinMode    string `env:"GIN_MODE" envDefault:"debug"`
	LogLevel   string `env:"LOG_LEVEL" envDefault:"info"`
	// LogFormat is "pretty", "json" or "auto" (pretty when stdout is a terminal).
	LogFormat string `env:"LOG_FORMAT" envDefault:"auto"`

	// APIBaseURL is the exam server's REST root, e.g. http://localhost:8080/api/v1.
	APIBaseURL string `env:"API_BASE_URL" envDefault:"http://localhost:8080/api/v1"`
	// WSBaseURL is the exam server's websocket root. Derived from APIBaseURL when empty.
	WSBaseURL  string        `env:"WS_BASE_URL"`
	APIToken   string        `env:"API_TOKEN"`
	APITimeout time.Duration `env:"API_TIMEOUT" envDefault:"15s"`

	TickInterval        time.Duration `env:"TICK_INTERVAL" envDefault:"1s"`
	ChannelPingInterval time.Duration `env:"CHANNEL_PING_INTERVAL" envDefault:"25s"`
	ChannelMaxBackoff   time.Duration `env:"CHANNEL_MAX_BACKOFF" envDefault:"30s"`

	// IntentRateLimit caps UI intents per client per second. Zero disables the limit.
	IntentRateLimit int `env:"INTENT_RATE_LIMIT" envDefault:"20"`

	// RedisURL enables the proctor monitor feed. Empty disables it.
	RedisURL string `env:"REDIS_URL"`

	// AllowedOrigins controls HTTP CORS and WebSocket origin validation.
	// Empty slice means all origins are permitted (dev default).
	AllowedOrigins []string `env:"ALLOWED_ORIGINS" envSeparator:","`
}

// Load reads configuration from environment variables with sensible defaults.
// It loads .env file if present but does not fail if missing.
func Load() (*Config, error) {
	_ = godotenv.Load() // .env is optional

	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parse env: %w", err)
	}
	cfg.AllowedOrigins = parseOrigins(cfg.AllowedOrigins)

	if cfg.WSBaseURL == "" {
		ws, err := deriveWSBaseURL(cfg.APIBaseURL)
		if err != nil {
			return nil, err
		}
		cfg.WSBaseURL = ws
	}
	return cfg, nil
}

// parseOrigins trims the configured origins and drops empty entries.
// Returns nil (allow-all) if nothing remains.
func parseOrigins(raw []string) []string {
	origins := make([]string, 0, len(raw))
	for _, p := range raw {
		if trimmed := strings.TrimSpace(p); trimmed != "" {
			origins = append(origins, trimmed)
		}
	}
	if len(origins) == 0 {
		return nil
	}
	return origins
}

// deriveWSBaseURL maps http(s)://host/... to ws(s)://host, dropping the REST path.
func deriveWSBaseURL(apiBase string) (string, error) {
	u, err := url.Parse(apiBase)
	if err != nil {
		return "", fmt.Errorf("parse API_BASE_URL: %w", err)
	}
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	case "http":
		u.Scheme = "ws"
	default:
		return "", fmt.Errorf("API_BASE_URL: unsupported scheme %q", u.Scheme)
	}
	u.Path = ""
	u.RawQuery = ""
	return u.String(), nil
}
