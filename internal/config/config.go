// Package config loads the proxy's configuration: built-in defaults,
// overridden by an optional JSON file, overridden in turn by
// DBPROXY_-prefixed environment variables and CLI flags.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"dario.cat/mergo"

	. "github.com/dbproxy/dbproxy/internal/logging"
)

// Config is the merged proxy configuration.
type Config struct {
	Host        string `json:"host"`
	Port        int    `json:"port"`
	UpstreamURL string `json:"upstream_url"`

	CheckpointThreshold float64 `json:"checkpoint_threshold"`
	SwapThreshold       float64 `json:"swap_threshold"`
	MaxSSEBufferBytes   int64   `json:"max_sse_buffer_bytes"`
	ConversationTTLSecs int64   `json:"conversation_ttl_seconds"`
	Passthrough         bool    `json:"passthrough"`
	CompactTriggerTokens int64  `json:"compact_trigger_tokens"`

	ModelContextWindows map[string]int64 `json:"model_context_windows"`

	CADir     string `json:"ca_dir"`
	StorePath string `json:"store_path"`
	LogLevel  string `json:"log_level"`
}

// Default returns the configuration baseline described in the proxy's
// configuration table, before file/env/flag overrides are applied.
func Default() *Config {
	return &Config{
		Host:                 "127.0.0.1",
		Port:                 443,
		UpstreamURL:          "https://api.anthropic.com",
		CheckpointThreshold:  0.60,
		SwapThreshold:        0.80,
		MaxSSEBufferBytes:    50_000_000,
		ConversationTTLSecs:  7200,
		Passthrough:          false,
		CompactTriggerTokens: 50_000,
		ModelContextWindows:  map[string]int64{},
		CADir:                "./tls",
		StorePath:            "./dbproxy.db",
		LogLevel:             "info",
	}
}

// ConversationTTLSeconds returns the idle TTL as a time.Duration for
// internal/identity.Registry.
func (c *Config) ConversationTTLSeconds() time.Duration {
	return time.Duration(c.ConversationTTLSecs) * time.Second
}

// ContextWindow returns the context window for model, falling back to
// 200,000 tokens when no override is configured.
func (c *Config) ContextWindow(model string) int64 {
	if window, ok := c.ModelContextWindows[model]; ok {
		return window
	}
	return 200_000
}

// Load builds the configuration by merging defaults, an optional JSON file
// at path (ignored if empty or missing), and DBPROXY_-prefixed environment
// variables, in that order of increasing precedence.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			if !os.IsNotExist(err) {
				return nil, fmt.Errorf("config: read %s: %w", path, err)
			}
			L_debug("config: no config file found, using defaults", "path", path)
		} else {
			var fromFile Config
			if err := json.Unmarshal(data, &fromFile); err != nil {
				return nil, fmt.Errorf("config: parse %s: %w", path, err)
			}
			if err := mergo.Merge(cfg, fromFile, mergo.WithOverride); err != nil {
				return nil, fmt.Errorf("config: merge %s: %w", path, err)
			}
			L_debug("config: loaded from file", "path", path)
		}
	}

	applyEnvOverrides(cfg)
	return cfg, nil
}

const envPrefix = "DBPROXY_"

// applyEnvOverrides reads DBPROXY_<FIELD> environment variables on top of
// the file-merged config, mirroring the teacher's secret-fallback pattern
// but generalized to every scalar configuration field.
func applyEnvOverrides(cfg *Config) {
	if v, ok := lookupEnv("HOST"); ok {
		cfg.Host = v
	}
	if v, ok := lookupEnvInt("PORT"); ok {
		cfg.Port = int(v)
	}
	if v, ok := lookupEnv("UPSTREAM_URL"); ok {
		cfg.UpstreamURL = v
	}
	if v, ok := lookupEnvFloat("CHECKPOINT_THRESHOLD"); ok {
		cfg.CheckpointThreshold = v
	}
	if v, ok := lookupEnvFloat("SWAP_THRESHOLD"); ok {
		cfg.SwapThreshold = v
	}
	if v, ok := lookupEnvInt("MAX_SSE_BUFFER_BYTES"); ok {
		cfg.MaxSSEBufferBytes = v
	}
	if v, ok := lookupEnvInt("CONVERSATION_TTL_SECONDS"); ok {
		cfg.ConversationTTLSecs = v
	}
	if v, ok := lookupEnvBool("PASSTHROUGH"); ok {
		cfg.Passthrough = v
	}
	if v, ok := lookupEnvInt("COMPACT_TRIGGER_TOKENS"); ok {
		cfg.CompactTriggerTokens = v
	}
	if v, ok := lookupEnv("CA_DIR"); ok {
		cfg.CADir = v
	}
	if v, ok := lookupEnv("STORE_PATH"); ok {
		cfg.StorePath = v
	}
	if v, ok := lookupEnv("LOG_LEVEL"); ok {
		cfg.LogLevel = v
	}
}

func lookupEnv(name string) (string, bool) {
	v, ok := os.LookupEnv(envPrefix + name)
	if !ok || v == "" {
		return "", false
	}
	return v, true
}

func lookupEnvInt(name string) (int64, bool) {
	s, ok := lookupEnv(name)
	if !ok {
		return 0, false
	}
	n, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		L_warn("config: invalid integer env override", "var", envPrefix+name, "value", s)
		return 0, false
	}
	return n, true
}

func lookupEnvFloat(name string) (float64, bool) {
	s, ok := lookupEnv(name)
	if !ok {
		return 0, false
	}
	f, err := strconv.ParseFloat(s, 64)
	if err != nil {
		L_warn("config: invalid float env override", "var", envPrefix+name, "value", s)
		return 0, false
	}
	return f, true
}

func lookupEnvBool(name string) (bool, bool) {
	s, ok := lookupEnv(name)
	if !ok {
		return false, false
	}
	b, err := strconv.ParseBool(strings.TrimSpace(s))
	if err != nil {
		L_warn("config: invalid bool env override", "var", envPrefix+name, "value", s)
		return false, false
	}
	return b, true
}
