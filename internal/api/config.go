package api

import (
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds the server configuration, loaded from environment variables.
type Config struct {
	ListenAddr      string
	DBPath          string
	ShutdownTimeout time.Duration
	JWTSecret       string
	TokenTTL        time.Duration // lifetime of tokens minted by IssueToken (default: 30 days)
	LogFormat       string        // "json" (default) or "text"
	LogLevel        string        // "debug", "info" (default), "warn", "error"

	RateLimitPush  int // /sync/push per user per minute (default: 120)
	RateLimitPull  int // /sync/pull per user per minute (default: 240)
	RateLimitOther int // all other per user per minute (default: 300)

	CORSAllowedOrigins []string // allowed browser origins; empty = CORS disabled

	FeedPingInterval time.Duration // websocket keepalive (default: 30s)
}

// LoadConfig reads configuration from environment variables with sensible defaults.
func LoadConfig() Config {
	cfg := Config{
		ListenAddr:      ":8080",
		DBPath:          "./data/stellar-sync.db",
		ShutdownTimeout: 30 * time.Second,
		TokenTTL:        30 * 24 * time.Hour,
		LogFormat:       "json",
		LogLevel:        "info",

		RateLimitPush:  120,
		RateLimitPull:  240,
		RateLimitOther: 300,

		FeedPingInterval: 30 * time.Second,
	}

	if v := os.Getenv("STELLAR_SERVER_LISTEN_ADDR"); v != "" {
		cfg.ListenAddr = v
	}
	if v := os.Getenv("STELLAR_SERVER_DB_PATH"); v != "" {
		cfg.DBPath = v
	}
	if v := os.Getenv("STELLAR_SERVER_SHUTDOWN_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.ShutdownTimeout = d
		}
	}
	if v := os.Getenv("STELLAR_SERVER_JWT_SECRET"); v != "" {
		cfg.JWTSecret = v
	}
	if v := os.Getenv("STELLAR_SERVER_TOKEN_TTL"); v != "" {
		if d := parseDaysDuration(v); d > 0 {
			cfg.TokenTTL = d
		}
	}
	if v := os.Getenv("STELLAR_SERVER_LOG_FORMAT"); v != "" {
		cfg.LogFormat = v
	}
	if v := os.Getenv("STELLAR_SERVER_LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}

	if v := os.Getenv("STELLAR_SERVER_RATE_LIMIT_PUSH"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.RateLimitPush = n
		}
	}
	if v := os.Getenv("STELLAR_SERVER_RATE_LIMIT_PULL"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.RateLimitPull = n
		}
	}
	if v := os.Getenv("STELLAR_SERVER_RATE_LIMIT_OTHER"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.RateLimitOther = n
		}
	}
	if v := os.Getenv("STELLAR_SERVER_FEED_PING_INTERVAL"); v != "" {
		if d, err := time.ParseDuration(v); err == nil && d > 0 {
			cfg.FeedPingInterval = d
		}
	}

	if v := os.Getenv("STELLAR_SERVER_CORS_ALLOWED_ORIGINS"); v != "" {
		origins := strings.Split(v, ",")
		for _, o := range origins {
			o = strings.TrimSpace(o)
			if o != "" {
				cfg.CORSAllowedOrigins = append(cfg.CORSAllowedOrigins, o)
			}
		}
	}

	return cfg
}

// parseDaysDuration parses a string like "90d", "30d" into a time.Duration.
// Falls back to time.ParseDuration for standard Go durations.
func parseDaysDuration(s string) time.Duration {
	s = strings.TrimSpace(s)
	if strings.HasSuffix(s, "d") {
		numStr := strings.TrimSuffix(s, "d")
		if n, err := strconv.Atoi(numStr); err == nil && n > 0 {
			return time.Duration(n) * 24 * time.Hour
		}
	}
	if d, err := time.ParseDuration(s); err == nil {
		return d
	}
	return 0
}
