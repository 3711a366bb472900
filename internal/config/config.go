// Package config holds the process-level configuration for the supervisor
// binary: connection strings, reconciler tuning, router capacity bounds,
// and default per-bot seed values (Defaults). Nothing in this module
// applies those seeds to a bot's InitConfig. Per-bot configuration itself (the
// credential token, the agent parameters) lives in the external config
// store (internal/configstore), not here.
//
// Grounded on the teacher's internal/config: JSON5 file plus env-var
// overlay, Default()/Load()/Save()/Hash()/ExpandHome(), and the
// FlexibleStringSlice unmarshal idiom for allowlist-shaped fields.
package config

import (
	"encoding/json"
	"fmt"
)

// FlexibleStringSlice accepts both a JSON array of strings and a single
// comma-separated string, because control-plane-authored JSON5 blobs in
// the wild use both forms for allowlist fields.
type FlexibleStringSlice []string

func (f *FlexibleStringSlice) UnmarshalJSON(data []byte) error {
	var ss []string
	if err := json.Unmarshal(data, &ss); err == nil {
		*f = ss
		return nil
	}
	var single string
	if err := json.Unmarshal(data, &single); err != nil {
		return fmt.Errorf("flexible string slice: %w", err)
	}
	if single == "" {
		*f = nil
		return nil
	}
	*f = splitAndTrim(single)
	return nil
}

func splitAndTrim(s string) []string {
	var out []string
	start := 0
	for i := 0; i <= len(s); i++ {
		if i == len(s) || s[i] == ',' {
			field := trimSpace(s[start:i])
			if field != "" {
				out = append(out, field)
			}
			start = i + 1
		}
	}
	return out
}

func trimSpace(s string) string {
	start, end := 0, len(s)
	for start < end && isSpace(s[start]) {
		start++
	}
	for end > start && isSpace(s[end-1]) {
		end--
	}
	return s[start:end]
}

func isSpace(b byte) bool { return b == ' ' || b == '\t' || b == '\n' || b == '\r' }

// RouterConfig bounds a BotWorker's Channel Router (§4.5).
type RouterConfig struct {
	MaxChannels       int `json:"max_channels"`
	MaxQueueDepth     int `json:"max_queue_depth"`
	EnqueueWaitMillis int `json:"enqueue_wait_millis"`
}

// Defaults holds per-bot seed values read from the config file and the
// environment overlay. They are loaded and saved with the rest of Config;
// no code path merges them into a bot's InitConfig or AgentConfig.
type Defaults struct {
	CommandPrefix    string              `json:"command_prefix"`
	ModelNameDefault string              `json:"model_name"`
	DMAllowlistSeed  FlexibleStringSlice `json:"direct_message_allowlist_seed"`
	ServerAllowSeed  FlexibleStringSlice `json:"server_allowlist_seed"`
}

// Config is the root process configuration.
type Config struct {
	PostgresDSN          string       `json:"-"` // secret, env-only (SUPERVISOR_POSTGRES_DSN)
	HTTPAddr             string       `json:"http_addr"`
	LogLevel             string       `json:"log_level"`
	ReconcilerIntervalMs int          `json:"reconciler_interval_ms"`
	Router               RouterConfig `json:"router"`
	Defaults             Defaults     `json:"defaults"`

	// ConnectorKind selects the concrete chat-service binding (§6) every
	// bot in this process uses: "discord" or "telegram".
	ConnectorKind string `json:"connector_kind"`

	// OTLPEndpoint, when set, enables OpenTelemetry span export
	// (internal/tracing). Empty disables tracing (no-op tracer).
	OTLPEndpoint string `json:"otlp_endpoint"`
}

// Default returns a Config with sensible defaults (§4.2 "period ≈3s", §4.5
// router bounds, §4.4 default command prefix).
func Default() *Config {
	return &Config{
		HTTPAddr:             ":8090",
		LogLevel:             "info",
		ReconcilerIntervalMs: 3000,
		Router: RouterConfig{
			MaxChannels:       100,
			MaxQueueDepth:     64,
			EnqueueWaitMillis: 1000,
		},
		Defaults: Defaults{
			CommandPrefix:    "!",
			ModelNameDefault: "gpt-4o-mini",
		},
		ConnectorKind: "discord",
	}
}
