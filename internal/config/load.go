package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/titanous/json5"
)

// Load reads a JSON5 config file at path, falling back to Default() plus
// environment overrides when the file does not exist — mirroring the
// teacher's own internal/config.Load behavior for first-run ergonomics.
func Load(path string) (*Config, error) {
	cfg := Default()

	expanded := ExpandHome(path)
	data, err := os.ReadFile(expanded)
	if err != nil {
		if !os.IsNotExist(err) {
			return nil, fmt.Errorf("read config %s: %w", expanded, err)
		}
		applyEnvOverrides(cfg)
		return cfg, nil
	}

	if err := json5.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", expanded, err)
	}
	applyEnvOverrides(cfg)
	return cfg, nil
}

// Save writes cfg to path as indented JSON, creating parent directories as
// needed. Secrets (PostgresDSN) are deliberately excluded via the struct's
// json:"-" tag so they never round-trip into a file on disk.
func Save(path string, cfg *Config) error {
	expanded := ExpandHome(path)
	if err := os.MkdirAll(filepath.Dir(expanded), 0o755); err != nil {
		return fmt.Errorf("create config dir: %w", err)
	}
	data, err := marshalIndent(cfg)
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}
	if err := os.WriteFile(expanded, data, 0o600); err != nil {
		return fmt.Errorf("write config %s: %w", expanded, err)
	}
	return nil
}

// applyEnvOverrides layers SUPERVISOR_*-prefixed environment variables over
// cfg, the same override shape as the teacher's GOCLAW_*-prefixed loader.
func applyEnvOverrides(cfg *Config) {
	envStr := func(key string, dst *string) {
		if v := os.Getenv(key); v != "" {
			*dst = v
		}
	}
	envInt := func(key string, dst *int) {
		if v := os.Getenv(key); v != "" {
			if n, err := strconv.Atoi(v); err == nil {
				*dst = n
			}
		}
	}

	envStr("SUPERVISOR_POSTGRES_DSN", &cfg.PostgresDSN)
	envStr("SUPERVISOR_HTTP_ADDR", &cfg.HTTPAddr)
	envStr("SUPERVISOR_LOG_LEVEL", &cfg.LogLevel)
	envInt("SUPERVISOR_RECONCILER_INTERVAL_MS", &cfg.ReconcilerIntervalMs)
	envInt("SUPERVISOR_ROUTER_MAX_CHANNELS", &cfg.Router.MaxChannels)
	envInt("SUPERVISOR_ROUTER_MAX_QUEUE_DEPTH", &cfg.Router.MaxQueueDepth)
	envStr("SUPERVISOR_DEFAULT_COMMAND_PREFIX", &cfg.Defaults.CommandPrefix)
	envStr("SUPERVISOR_DEFAULT_MODEL_NAME", &cfg.Defaults.ModelNameDefault)
	envStr("SUPERVISOR_CONNECTOR_KIND", &cfg.ConnectorKind)
	envStr("SUPERVISOR_OTLP_ENDPOINT", &cfg.OTLPEndpoint)

	if v := os.Getenv("SUPERVISOR_DM_ALLOWLIST_SEED"); v != "" {
		cfg.Defaults.DMAllowlistSeed = splitAndTrim(v)
	}
	if v := os.Getenv("SUPERVISOR_SERVER_ALLOWLIST_SEED"); v != "" {
		cfg.Defaults.ServerAllowSeed = splitAndTrim(v)
	}
}

// ExpandHome expands a leading "~" to the invoking user's home directory,
// the same convenience the teacher's config path resolution provides.
func ExpandHome(path string) string {
	if !strings.HasPrefix(path, "~") {
		return path
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return path
	}
	return filepath.Join(home, strings.TrimPrefix(path, "~"))
}
