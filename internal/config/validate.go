package config

import (
	"fmt"

	"github.com/breeze-rmm/rpclient/internal/logging"
)

var log = logging.L("config")

// ValidationResult splits validation errors into ones that must abort
// startup and ones that are logged and clamped to a safe value.
type ValidationResult struct {
	Fatals   []error
	Warnings []error
}

// HasFatals reports whether any fatal validation error occurred.
func (r ValidationResult) HasFatals() bool {
	return len(r.Fatals) > 0
}

// ValidateTiered validates the config and splits results into fatal vs
// warning tiers, clamping dangerous zero-values to safe defaults.
func (c *Config) ValidateTiered() ValidationResult {
	var result ValidationResult

	// Standard base64 of 8 bytes is 12 characters (including one '=' pad);
	// spec.md's "14 chars" figure does not match its own worked example
	// ("nD1Ho0mY7wY=", 12 chars) — this validates against the example.
	if c.AccountIDB64 != "" && len(c.AccountIDB64) != 12 {
		result.Fatals = append(result.Fatals, fmt.Errorf("account_id_b64 must be 12 characters, got %d", len(c.AccountIDB64)))
	}

	if c.LogLevel != "" && !validLogLevels[c.LogLevel] {
		result.Warnings = append(result.Warnings, fmt.Errorf("log_level %q is not valid (use debug, info, warn, error)", c.LogLevel))
		c.LogLevel = "info"
	}

	if c.LogFormat != "" && c.LogFormat != "text" && c.LogFormat != "json" {
		result.Warnings = append(result.Warnings, fmt.Errorf("log_format %q is not valid (use text or json)", c.LogFormat))
		c.LogFormat = "text"
	}

	clamp := func(name string, value *int, min, max int) {
		if *value < min {
			result.Warnings = append(result.Warnings, fmt.Errorf("%s %d is below minimum %d, clamping", name, *value, min))
			*value = min
		} else if *value > max {
			result.Warnings = append(result.Warnings, fmt.Errorf("%s %d exceeds maximum %d, clamping", name, *value, max))
			*value = max
		}
	}

	clamp("session_init_timeout_ms", &c.SessionInitTimeoutMs, 1_000, 60_000)
	clamp("control_plane_connect_ms", &c.ControlPlaneConnectMs, 1_000, 60_000)
	clamp("bang_cadence_ms", &c.BangCadenceMs, 100, 10_000)
	clamp("connection_lost_ms", &c.ConnectionLostMs, 1_000, 120_000)
	clamp("wake_settle_ms", &c.WakeSettleMs, 1_000, 60_000)
	clamp("wake_confirm_budget_ms", &c.WakeConfirmBudgetMs, 1_000, 120_000)
	clamp("wake_probe_interval_ms", &c.WakeProbeIntervalMs, 100, 10_000)
	clamp("cache_ttl_seconds", &c.CacheTTLSeconds, 1, 3_600)
	clamp("registration_attempt_cap", &c.RegistrationAttemptCap, 1, 10)
	clamp("stop_join_timeout_ms", &c.StopJoinTimeoutMs, 100, 30_000)
	clamp("feeder_queue_depth", &c.FeederQueueDepth, 1, 256)
	clamp("max_control_payload_bytes", &c.MaxControlPayloadBytes, 64, 65536)

	return result
}

var validLogLevels = map[string]bool{
	"debug": true,
	"info":  true,
	"warn":  true,
	"warning": true,
	"error": true,
}
