package cmd

import (
	"encoding/json"
	"fmt"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/prabhask5/stellar-sub000/internal/output"
	"github.com/prabhask5/stellar-sub000/internal/syncconfig"
	"github.com/spf13/cobra"
)

// validConfigKeys lists the supported config keys for set/get.
var validConfigKeys = []string{
	"data_dir",
	"sync.url",
	"sync.auto.enabled",
	"sync.auto.on_start",
	"sync.auto.debounce",
	"sync.auto.interval",
	"sync.realtime.enabled",
	"sync.realtime.base_delay",
	"sync.realtime.max_attempts",
	"sync.realtime.recent_ttl",
}

func isValidConfigKey(key string) bool {
	return slices.Contains(validConfigKeys, key)
}

func parseBool(val string) (bool, error) {
	switch strings.ToLower(val) {
	case "true", "1":
		return true, nil
	case "false", "0":
		return false, nil
	default:
		return false, fmt.Errorf("invalid bool value %q (use true/false/1/0)", val)
	}
}

func parseDurationValue(val string) (string, error) {
	d, err := time.ParseDuration(val)
	if err != nil || d <= 0 {
		return "", fmt.Errorf("invalid duration %q (e.g. 500ms, 3s, 5m)", val)
	}
	return val, nil
}

func boolPtr(b bool) *bool { return &b }
func intPtr(n int) *int    { return &n }

// setConfigValue applies one key to cfg.
func setConfigValue(cfg *syncconfig.Config, key, val string) error {
	var err error
	switch key {
	case "data_dir":
		cfg.DataDir = val
	case "sync.url":
		cfg.Sync.URL = strings.TrimRight(val, "/")
	case "sync.auto.enabled", "sync.auto.on_start", "sync.realtime.enabled":
		var b bool
		if b, err = parseBool(val); err != nil {
			return err
		}
		switch key {
		case "sync.auto.enabled":
			cfg.Sync.Auto.Enabled = boolPtr(b)
		case "sync.auto.on_start":
			cfg.Sync.Auto.OnStart = boolPtr(b)
		default:
			cfg.Sync.Realtime.Enabled = boolPtr(b)
		}
	case "sync.auto.debounce":
		cfg.Sync.Auto.Debounce, err = parseDurationValue(val)
	case "sync.auto.interval":
		cfg.Sync.Auto.Interval, err = parseDurationValue(val)
	case "sync.realtime.base_delay":
		cfg.Sync.Realtime.BaseDelay, err = parseDurationValue(val)
	case "sync.realtime.recent_ttl":
		cfg.Sync.Realtime.RecentTTL, err = parseDurationValue(val)
	case "sync.realtime.max_attempts":
		n, convErr := strconv.Atoi(val)
		if convErr != nil || n < 1 {
			return fmt.Errorf("invalid attempt count %q", val)
		}
		cfg.Sync.Realtime.MaxAttempts = intPtr(n)
	default:
		return fmt.Errorf("unknown config key: %s", key)
	}
	return err
}

// getConfigValue renders one key, marking unset values with their default.
func getConfigValue(cfg *syncconfig.Config, key string) (string, error) {
	orDefault := func(v, def string) string {
		if v == "" {
			return def + " (default)"
		}
		return v
	}
	boolOr := func(b *bool) string {
		if b == nil {
			return "true (default)"
		}
		return strconv.FormatBool(*b)
	}

	switch key {
	case "data_dir":
		return orDefault(cfg.DataDir, "~/.local/share/stellar"), nil
	case "sync.url":
		return orDefault(cfg.Sync.URL, "http://localhost:8080"), nil
	case "sync.auto.enabled":
		return boolOr(cfg.Sync.Auto.Enabled), nil
	case "sync.auto.on_start":
		return boolOr(cfg.Sync.Auto.OnStart), nil
	case "sync.auto.debounce":
		return orDefault(cfg.Sync.Auto.Debounce, "3s"), nil
	case "sync.auto.interval":
		return orDefault(cfg.Sync.Auto.Interval, "5m"), nil
	case "sync.realtime.enabled":
		return boolOr(cfg.Sync.Realtime.Enabled), nil
	case "sync.realtime.base_delay":
		return orDefault(cfg.Sync.Realtime.BaseDelay, "1s"), nil
	case "sync.realtime.recent_ttl":
		return orDefault(cfg.Sync.Realtime.RecentTTL, "2s"), nil
	case "sync.realtime.max_attempts":
		if cfg.Sync.Realtime.MaxAttempts == nil {
			return "5 (default)", nil
		}
		return strconv.Itoa(*cfg.Sync.Realtime.MaxAttempts), nil
	}
	return "", fmt.Errorf("unknown config key: %s", key)
}

var configCmd = &cobra.Command{
	Use:     "config",
	Short:   "Manage stellar configuration",
	GroupID: "system",
}

var configSetCmd = &cobra.Command{
	Use:   "set <key> <value>",
	Short: "Set a config value",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		key, val := args[0], args[1]
		if !isValidConfigKey(key) {
			output.Error("unknown config key: %s", key)
			fmt.Println("Valid keys:", strings.Join(validConfigKeys, ", "))
			return fmt.Errorf("unknown config key: %s", key)
		}

		cfg, err := syncconfig.LoadConfig()
		if err != nil {
			output.Error("load config: %v", err)
			return err
		}
		if err := setConfigValue(cfg, key, val); err != nil {
			output.Error("%v", err)
			return err
		}
		if err := syncconfig.SaveConfig(cfg); err != nil {
			output.Error("save config: %v", err)
			return err
		}

		output.Success("set %s = %s", key, val)
		return nil
	},
}

var configGetCmd = &cobra.Command{
	Use:   "get <key>",
	Short: "Get a config value",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		key := args[0]
		if !isValidConfigKey(key) {
			output.Error("unknown config key: %s", key)
			fmt.Println("Valid keys:", strings.Join(validConfigKeys, ", "))
			return fmt.Errorf("unknown config key: %s", key)
		}

		cfg, err := syncconfig.LoadConfig()
		if err != nil {
			output.Error("load config: %v", err)
			return err
		}
		val, err := getConfigValue(cfg, key)
		if err != nil {
			output.Error("%v", err)
			return err
		}
		fmt.Println(val)
		return nil
	},
}

var configListCmd = &cobra.Command{
	Use:   "list",
	Short: "List all config values",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := syncconfig.LoadConfig()
		if err != nil {
			output.Error("load config: %v", err)
			return err
		}

		data, err := json.MarshalIndent(cfg, "", "  ")
		if err != nil {
			output.Error("marshal config: %v", err)
			return err
		}

		fmt.Println(string(data))
		return nil
	},
}

func init() {
	configCmd.AddCommand(configSetCmd, configGetCmd, configListCmd)
	rootCmd.AddCommand(configCmd)
}
