package config

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
)

func TestDefaultMatchesConfigurationTable(t *testing.T) {
	cfg := Default()
	if cfg.Host != "127.0.0.1" || cfg.Port != 443 {
		t.Errorf("unexpected bind defaults: %+v", cfg)
	}
	if cfg.CheckpointThreshold != 0.60 || cfg.SwapThreshold != 0.80 {
		t.Errorf("unexpected threshold defaults: %+v", cfg)
	}
	if cfg.CompactTriggerTokens != 50_000 {
		t.Errorf("compact trigger default = %d, want 50000", cfg.CompactTriggerTokens)
	}
}

func TestContextWindowFallsBackToDefault(t *testing.T) {
	cfg := Default()
	if w := cfg.ContextWindow("claude-unknown"); w != 200_000 {
		t.Errorf("ContextWindow = %d, want 200000", w)
	}
	cfg.ModelContextWindows["claude-big"] = 1_000_000
	if w := cfg.ContextWindow("claude-big"); w != 1_000_000 {
		t.Errorf("ContextWindow override = %d, want 1000000", w)
	}
}

func TestLoadMergesFileOverDefaults(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.json")
	data, _ := json.Marshal(map[string]any{"port": 8443, "passthrough": true})
	os.WriteFile(path, data, 0600)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Port != 8443 {
		t.Errorf("port = %d, want 8443", cfg.Port)
	}
	if !cfg.Passthrough {
		t.Errorf("passthrough = false, want true")
	}
	if cfg.Host != "127.0.0.1" {
		t.Errorf("host should fall back to default, got %q", cfg.Host)
	}
}

func TestLoadMissingFileUsesDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "missing.json"))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Port != 443 {
		t.Errorf("port = %d, want 443", cfg.Port)
	}
}

func TestEnvOverridesTakePrecedence(t *testing.T) {
	t.Setenv("DBPROXY_PORT", "9000")
	t.Setenv("DBPROXY_PASSTHROUGH", "true")
	t.Setenv("DBPROXY_SWAP_THRESHOLD", "0.9")

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Port != 9000 {
		t.Errorf("port = %d, want 9000", cfg.Port)
	}
	if !cfg.Passthrough {
		t.Errorf("passthrough = false, want true")
	}
	if cfg.SwapThreshold != 0.9 {
		t.Errorf("swap threshold = %v, want 0.9", cfg.SwapThreshold)
	}
}
