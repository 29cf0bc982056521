// Package config loads and validates the client's runtime configuration
// via viper, in the same shape the teacher's agent config layer uses.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"

	"github.com/spf13/viper"
)

// Config holds all tunables for a remote-play session attempt. Field names
// mirror the timeouts and defaults named in spec.md 5.
type Config struct {
	AccountIDB64 string `mapstructure:"account_id_b64"`
	DataDir      string `mapstructure:"data_dir"`

	// Per-attempt timeouts (milliseconds), spec.md 5 "Timeouts (defaults)".
	SessionInitTimeoutMs     int `mapstructure:"session_init_timeout_ms"`
	ControlPlaneConnectMs    int `mapstructure:"control_plane_connect_ms"`
	BangCadenceMs            int `mapstructure:"bang_cadence_ms"`
	ConnectionLostMs         int `mapstructure:"connection_lost_ms"`
	WakeSettleMs             int `mapstructure:"wake_settle_ms"`
	WakeConfirmBudgetMs      int `mapstructure:"wake_confirm_budget_ms"`
	WakeProbeIntervalMs      int `mapstructure:"wake_probe_interval_ms"`
	CacheTTLSeconds          int `mapstructure:"cache_ttl_seconds"`
	RegistrationAttemptCap   int `mapstructure:"registration_attempt_cap"`
	StopJoinTimeoutMs        int `mapstructure:"stop_join_timeout_ms"`
	DiscoveryScanTimeoutMs   int `mapstructure:"discovery_scan_timeout_ms"`
	DiscoveryScanIntervalMs  int `mapstructure:"discovery_scan_interval_ms"`
	FeederQueueDepth         int `mapstructure:"feeder_queue_depth"`
	MaxControlPayloadBytes   int `mapstructure:"max_control_payload_bytes"`
	MaxInputPayloadBytes     int `mapstructure:"max_input_payload_bytes"`

	// Logging configuration
	LogLevel      string `mapstructure:"log_level"`
	LogFormat     string `mapstructure:"log_format"`
	LogFile       string `mapstructure:"log_file"`
	LogMaxSizeMB  int    `mapstructure:"log_max_size_mb"`
	LogMaxBackups int    `mapstructure:"log_max_backups"`

	// Audit configuration
	AuditEnabled    bool `mapstructure:"audit_enabled"`
	AuditMaxSizeMB  int  `mapstructure:"audit_max_size_mb"`
	AuditMaxBackups int  `mapstructure:"audit_max_backups"`

	// Event bus (internal/eventbus)
	EventBusEnabled    bool   `mapstructure:"event_bus_enabled"`
	EventBusListenAddr string `mapstructure:"event_bus_listen_addr"`
}

// Default returns a Config populated with the defaults named in spec.md 5.
func Default() *Config {
	return &Config{
		SessionInitTimeoutMs:    10_000,
		ControlPlaneConnectMs:   10_000,
		BangCadenceMs:           1_000,
		ConnectionLostMs:        10_000,
		WakeSettleMs:            12_000,
		WakeConfirmBudgetMs:     22_000,
		WakeProbeIntervalMs:     1_500,
		CacheTTLSeconds:         300,
		RegistrationAttemptCap:  3,
		StopJoinTimeoutMs:       3_000,
		DiscoveryScanTimeoutMs:  5_000,
		DiscoveryScanIntervalMs: 1_000,
		FeederQueueDepth:        8,
		MaxControlPayloadBytes:  1024,
		MaxInputPayloadBytes:    1020,

		LogLevel:      "info",
		LogFormat:     "text",
		LogMaxSizeMB:  50,
		LogMaxBackups: 3,

		AuditEnabled:    true,
		AuditMaxSizeMB:  50,
		AuditMaxBackups: 3,

		EventBusEnabled:    true,
		EventBusListenAddr: "127.0.0.1:0",
	}
}

// Load reads configuration from cfgFile (or the default search path),
// environment variables prefixed RPCLIENT_, and applies Default() as the
// base. Fatal validation errors abort the load; warnings are logged.
func Load(cfgFile string) (*Config, error) {
	cfg := Default()

	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		viper.SetConfigName("rpclient")
		viper.SetConfigType("yaml")
		viper.AddConfigPath(configDir())
		viper.AddConfigPath(".")
	}

	viper.AutomaticEnv()
	viper.SetEnvPrefix("RPCLIENT")

	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, err
		}
	}

	if err := viper.Unmarshal(cfg); err != nil {
		return nil, err
	}

	result := cfg.ValidateTiered()
	for _, err := range result.Warnings {
		log.Warn("config validation", "error", err)
	}
	if result.HasFatals() {
		for _, err := range result.Fatals {
			log.Error("config validation fatal", "error", err)
		}
		return nil, fmt.Errorf("config has fatal validation errors: %v", result.Fatals[0])
	}

	return cfg, nil
}

// Save writes cfg to the default config path.
func Save(cfg *Config) error {
	return SaveTo(cfg, "")
}

// SaveTo writes cfg as YAML to cfgFile, or the default path if empty.
func SaveTo(cfg *Config, cfgFile string) error {
	viper.Set("account_id_b64", cfg.AccountIDB64)
	viper.Set("data_dir", cfg.DataDir)
	viper.Set("log_level", cfg.LogLevel)
	viper.Set("log_format", cfg.LogFormat)

	var cfgPath string
	if cfgFile != "" {
		cfgPath = cfgFile
		dir := filepath.Dir(cfgPath)
		if dir != "." {
			if err := os.MkdirAll(dir, 0700); err != nil {
				return err
			}
		}
	} else {
		cfgPath = filepath.Join(configDir(), "rpclient.yaml")
		if err := os.MkdirAll(configDir(), 0700); err != nil {
			return err
		}
	}

	if err := viper.WriteConfigAs(cfgPath); err != nil {
		return err
	}

	return os.Chmod(cfgPath, 0600)
}

// GetDataDir returns the platform-specific data directory for credentials,
// the audit log, and the registration cache's backing file store.
func GetDataDir() string {
	switch runtime.GOOS {
	case "windows":
		return filepath.Join(os.Getenv("ProgramData"), "rpclient", "data")
	case "darwin":
		return "/Library/Application Support/rpclient/data"
	default:
		return "/var/lib/rpclient"
	}
}

func configDir() string {
	switch runtime.GOOS {
	case "windows":
		return filepath.Join(os.Getenv("ProgramData"), "rpclient")
	case "darwin":
		return "/Library/Application Support/rpclient"
	default:
		return "/etc/rpclient"
	}
}
