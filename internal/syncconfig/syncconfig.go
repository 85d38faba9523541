package syncconfig

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

// AutoSyncConfig holds auto-sync settings.
type AutoSyncConfig struct {
	Enabled  *bool  `json:"enabled,omitempty"`  // nil = default true
	OnStart  *bool  `json:"on_start,omitempty"` // nil = default true
	Debounce string `json:"debounce,omitempty"` // duration string, default "3s"
	Interval string `json:"interval,omitempty"` // duration string, default "5m"
}

// RealtimeConfig holds changefeed reconnection settings.
type RealtimeConfig struct {
	Enabled     *bool  `json:"enabled,omitempty"`      // nil = default true
	BaseDelay   string `json:"base_delay,omitempty"`   // duration string, default "1s"
	MaxAttempts *int   `json:"max_attempts,omitempty"` // default 5
	RecentTTL   string `json:"recent_ttl,omitempty"`   // duration string, default "2s"
}

// SyncConfig holds sync-related settings.
type SyncConfig struct {
	URL      string         `json:"url"`
	Auto     AutoSyncConfig `json:"auto"`
	Realtime RealtimeConfig `json:"realtime"`
}

// Config is the global config stored at ~/.config/stellar/config.json.
type Config struct {
	DataDir string     `json:"data_dir,omitempty"`
	Sync    SyncConfig `json:"sync"`
}

// AuthCredentials stores authentication state at ~/.config/stellar/auth.json.
type AuthCredentials struct {
	Token     string `json:"token"`
	UserID    string `json:"user_id"`
	ServerURL string `json:"server_url"`
	ExpiresAt string `json:"expires_at,omitempty"`
}

const defaultServerURL = "http://localhost:8080"

// ConfigDir returns ~/.config/stellar, creating it if necessary.
func ConfigDir() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("get home dir: %w", err)
	}
	dir := filepath.Join(home, ".config", "stellar")
	if err := os.MkdirAll(dir, 0755); err != nil {
		return "", fmt.Errorf("create config dir: %w", err)
	}
	return dir, nil
}

// LoadConfig reads the global config from ~/.config/stellar/config.json.
func LoadConfig() (*Config, error) {
	dir, err := ConfigDir()
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(filepath.Join(dir, "config.json"))
	if err != nil {
		if os.IsNotExist(err) {
			return &Config{}, nil
		}
		return nil, err
	}
	var cfg Config
	if err := json.Unmarshal(data, &cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// SaveConfig writes the global config to ~/.config/stellar/config.json.
func SaveConfig(cfg *Config) error {
	dir, err := ConfigDir()
	if err != nil {
		return err
	}
	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(filepath.Join(dir, "config.json"), data, 0644)
}

// LoadAuth reads auth credentials from ~/.config/stellar/auth.json.
func LoadAuth() (*AuthCredentials, error) {
	dir, err := ConfigDir()
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(filepath.Join(dir, "auth.json"))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	var creds AuthCredentials
	if err := json.Unmarshal(data, &creds); err != nil {
		return nil, err
	}
	return &creds, nil
}

// SaveAuth writes auth credentials to ~/.config/stellar/auth.json (0600 perms).
func SaveAuth(creds *AuthCredentials) error {
	dir, err := ConfigDir()
	if err != nil {
		return err
	}
	data, err := json.MarshalIndent(creds, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(filepath.Join(dir, "auth.json"), data, 0600)
}

// ClearAuth removes the auth.json file.
func ClearAuth() error {
	dir, err := ConfigDir()
	if err != nil {
		return err
	}
	err = os.Remove(filepath.Join(dir, "auth.json"))
	if os.IsNotExist(err) {
		return nil
	}
	return err
}

// GetServerURL returns the sync server URL.
// Priority: STELLAR_SYNC_URL env > config.json > default.
func GetServerURL() string {
	if v := os.Getenv("STELLAR_SYNC_URL"); v != "" {
		return v
	}
	cfg, err := LoadConfig()
	if err == nil && cfg.Sync.URL != "" {
		return cfg.Sync.URL
	}
	return defaultServerURL
}

// GetAuthToken returns the bearer token.
// Priority: STELLAR_AUTH_TOKEN env > auth.json.
func GetAuthToken() string {
	if v := os.Getenv("STELLAR_AUTH_TOKEN"); v != "" {
		return v
	}
	creds, err := LoadAuth()
	if err == nil && creds != nil {
		return creds.Token
	}
	return ""
}

// GetUserID returns the user id the realtime subscription is started with.
// Priority: STELLAR_USER_ID env > auth.json.
func GetUserID() string {
	if v := os.Getenv("STELLAR_USER_ID"); v != "" {
		return v
	}
	creds, err := LoadAuth()
	if err == nil && creds != nil {
		return creds.UserID
	}
	return ""
}

// IsAuthenticated returns true if a token is available.
func IsAuthenticated() bool {
	return GetAuthToken() != ""
}

// GetDataDir returns the directory holding the local replica.
// Priority: STELLAR_DATA_DIR env > config.json > ~/.local/share/stellar.
func GetDataDir() (string, error) {
	if v := os.Getenv("STELLAR_DATA_DIR"); v != "" {
		return v, nil
	}
	cfg, err := LoadConfig()
	if err == nil && cfg.DataDir != "" {
		return cfg.DataDir, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("get home dir: %w", err)
	}
	return filepath.Join(home, ".local", "share", "stellar"), nil
}

// parseBoolEnv returns nil if env not set, pointer to bool if set.
func parseBoolEnv(envKey string) *bool {
	v := os.Getenv(envKey)
	if v == "" {
		return nil
	}
	v = strings.ToLower(v)
	if v == "1" || v == "true" {
		b := true
		return &b
	}
	if v == "0" || v == "false" {
		b := false
		return &b
	}
	return nil
}

// durationSetting resolves env > config string > default.
func durationSetting(envKey, configured string, def time.Duration) time.Duration {
	if v := os.Getenv(envKey); v != "" {
		if d, err := time.ParseDuration(v); err == nil && d > 0 {
			return d
		}
	}
	if configured != "" {
		if d, err := time.ParseDuration(configured); err == nil && d > 0 {
			return d
		}
	}
	return def
}

// GetAutoSyncEnabled returns whether auto-sync is enabled.
// Priority: STELLAR_SYNC_AUTO env > config.json sync.auto.enabled > true
func GetAutoSyncEnabled() bool {
	if v := parseBoolEnv("STELLAR_SYNC_AUTO"); v != nil {
		return *v
	}
	cfg, err := LoadConfig()
	if err == nil && cfg.Sync.Auto.Enabled != nil {
		return *cfg.Sync.Auto.Enabled
	}
	return true
}

// GetAutoSyncOnStart returns whether to sync when the daemon starts.
// Priority: STELLAR_SYNC_AUTO_START env > config.json sync.auto.on_start > true
func GetAutoSyncOnStart() bool {
	if v := parseBoolEnv("STELLAR_SYNC_AUTO_START"); v != nil {
		return *v
	}
	cfg, err := LoadConfig()
	if err == nil && cfg.Sync.Auto.OnStart != nil {
		return *cfg.Sync.Auto.OnStart
	}
	return true
}

// GetAutoSyncDebounce returns the debounce duration for post-mutation sync.
// Priority: STELLAR_SYNC_DEBOUNCE env > config.json sync.auto.debounce > 3s
func GetAutoSyncDebounce() time.Duration {
	var configured string
	if cfg, err := LoadConfig(); err == nil {
		configured = cfg.Sync.Auto.Debounce
	}
	return durationSetting("STELLAR_SYNC_DEBOUNCE", configured, 3*time.Second)
}

// GetAutoSyncInterval returns the periodic sync interval.
// Priority: STELLAR_SYNC_INTERVAL env > config.json sync.auto.interval > 5m
func GetAutoSyncInterval() time.Duration {
	var configured string
	if cfg, err := LoadConfig(); err == nil {
		configured = cfg.Sync.Auto.Interval
	}
	return durationSetting("STELLAR_SYNC_INTERVAL", configured, 5*time.Minute)
}

// GetRealtimeEnabled returns whether the changefeed listener runs.
// Priority: STELLAR_REALTIME env > config.json sync.realtime.enabled > true
func GetRealtimeEnabled() bool {
	if v := parseBoolEnv("STELLAR_REALTIME"); v != nil {
		return *v
	}
	cfg, err := LoadConfig()
	if err == nil && cfg.Sync.Realtime.Enabled != nil {
		return *cfg.Sync.Realtime.Enabled
	}
	return true
}

// GetRealtimeBaseDelay returns the first reconnect delay.
// Priority: STELLAR_REALTIME_BASE_DELAY env > config.json > 1s
func GetRealtimeBaseDelay() time.Duration {
	var configured string
	if cfg, err := LoadConfig(); err == nil {
		configured = cfg.Sync.Realtime.BaseDelay
	}
	return durationSetting("STELLAR_REALTIME_BASE_DELAY", configured, time.Second)
}

// GetRealtimeMaxAttempts returns how many reconnects are tried before falling
// back to polling.
// Priority: STELLAR_REALTIME_MAX_ATTEMPTS env > config.json > 5
func GetRealtimeMaxAttempts() int {
	if v := os.Getenv("STELLAR_REALTIME_MAX_ATTEMPTS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n >= 0 {
			return n
		}
	}
	cfg, err := LoadConfig()
	if err == nil && cfg.Sync.Realtime.MaxAttempts != nil && *cfg.Sync.Realtime.MaxAttempts >= 0 {
		return *cfg.Sync.Realtime.MaxAttempts
	}
	return 5
}

// GetRecentTTL returns how long recently-processed markers live.
// Priority: STELLAR_RECENT_TTL env > config.json > 2s
func GetRecentTTL() time.Duration {
	var configured string
	if cfg, err := LoadConfig(); err == nil {
		configured = cfg.Sync.Realtime.RecentTTL
	}
	return durationSetting("STELLAR_RECENT_TTL", configured, 2*time.Second)
}
