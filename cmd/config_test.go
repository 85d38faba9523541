package cmd

import (
	"testing"

	"github.com/prabhask5/stellar-sub000/internal/syncconfig"
)

func TestSetConfigValue(t *testing.T) {
	cfg := &syncconfig.Config{}

	set := func(key, val string) {
		t.Helper()
		if err := setConfigValue(cfg, key, val); err != nil {
			t.Fatalf("set %s=%s: %v", key, val, err)
		}
	}
	set("sync.url", "https://sync.example.com/")
	set("sync.auto.enabled", "false")
	set("sync.realtime.enabled", "0")
	set("sync.auto.debounce", "500ms")
	set("sync.realtime.max_attempts", "8")

	if cfg.Sync.URL != "https://sync.example.com" {
		t.Errorf("url: got %q, want trailing slash trimmed", cfg.Sync.URL)
	}
	if cfg.Sync.Auto.Enabled == nil || *cfg.Sync.Auto.Enabled {
		t.Errorf("auto.enabled: got %v, want false", cfg.Sync.Auto.Enabled)
	}
	if cfg.Sync.Realtime.Enabled == nil || *cfg.Sync.Realtime.Enabled {
		t.Errorf("realtime.enabled: got %v, want false", cfg.Sync.Realtime.Enabled)
	}
	if cfg.Sync.Auto.Debounce != "500ms" {
		t.Errorf("debounce: got %q, want 500ms", cfg.Sync.Auto.Debounce)
	}
	if cfg.Sync.Realtime.MaxAttempts == nil || *cfg.Sync.Realtime.MaxAttempts != 8 {
		t.Errorf("max_attempts: got %v, want 8", cfg.Sync.Realtime.MaxAttempts)
	}
}

func TestSetConfigValueRejectsBadInput(t *testing.T) {
	tests := []struct {
		key, val string
	}{
		{"sync.auto.enabled", "maybe"},
		{"sync.auto.interval", "soon"},
		{"sync.realtime.base_delay", "-1s"},
		{"sync.realtime.max_attempts", "0"},
		{"sync.nope", "x"},
	}
	for _, tt := range tests {
		if err := setConfigValue(&syncconfig.Config{}, tt.key, tt.val); err == nil {
			t.Errorf("%s=%s: expected error", tt.key, tt.val)
		}
	}
}

func TestGetConfigValueDefaults(t *testing.T) {
	cfg := &syncconfig.Config{}
	tests := map[string]string{
		"sync.auto.enabled":          "true (default)",
		"sync.auto.interval":         "5m (default)",
		"sync.realtime.max_attempts": "5 (default)",
		"sync.realtime.recent_ttl":   "2s (default)",
	}
	for key, want := range tests {
		got, err := getConfigValue(cfg, key)
		if err != nil {
			t.Fatalf("get %s: %v", key, err)
		}
		if got != want {
			t.Errorf("%s: got %q, want %q", key, got, want)
		}
	}

	if err := setConfigValue(cfg, "sync.auto.interval", "1m"); err != nil {
		t.Fatal(err)
	}
	if got, _ := getConfigValue(cfg, "sync.auto.interval"); got != "1m" {
		t.Errorf("interval after set: got %q, want 1m", got)
	}
}

func TestValidConfigKeysAllResolve(t *testing.T) {
	for _, key := range validConfigKeys {
		if _, err := getConfigValue(&syncconfig.Config{}, key); err != nil {
			t.Errorf("%s: %v", key, err)
		}
	}
}
