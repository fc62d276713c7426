package tlscert

import (
	"os"
	"path/filepath"
	"testing"
)

func TestEnsureMaterialsGeneratesAndReuses(t *testing.T) {
	dir := t.TempDir()

	m1, err := EnsureMaterials(dir, []string{"localhost", "127.0.0.1"})
	if err != nil {
		t.Fatalf("EnsureMaterials: %v", err)
	}
	for _, p := range []string{m1.CACertPath, m1.ServerCertPath, m1.ServerKeyPath} {
		if _, err := os.Stat(p); err != nil {
			t.Fatalf("expected %s to exist: %v", p, err)
		}
	}

	before, err := os.ReadFile(m1.ServerCertPath)
	if err != nil {
		t.Fatalf("read server cert: %v", err)
	}

	m2, err := EnsureMaterials(dir, []string{"localhost", "127.0.0.1"})
	if err != nil {
		t.Fatalf("EnsureMaterials second call: %v", err)
	}
	after, err := os.ReadFile(m2.ServerCertPath)
	if err != nil {
		t.Fatalf("read server cert again: %v", err)
	}

	if string(before) != string(after) {
		t.Errorf("expected existing certificate materials to be reused, got regenerated content")
	}
}

func TestEnsureMaterialsPaths(t *testing.T) {
	dir := t.TempDir()
	m, err := EnsureMaterials(dir, []string{"example.com"})
	if err != nil {
		t.Fatalf("EnsureMaterials: %v", err)
	}
	if m.CACertPath != filepath.Join(dir, "ca.pem") {
		t.Errorf("CACertPath = %q", m.CACertPath)
	}
	if m.ServerCertPath != filepath.Join(dir, "server.pem") {
		t.Errorf("ServerCertPath = %q", m.ServerCertPath)
	}
	if m.ServerKeyPath != filepath.Join(dir, "server.key") {
		t.Errorf("ServerKeyPath = %q", m.ServerKeyPath)
	}
}

func TestLoadServerTLSConfig(t *testing.T) {
	dir := t.TempDir()
	m, err := EnsureMaterials(dir, []string{"localhost"})
	if err != nil {
		t.Fatalf("EnsureMaterials: %v", err)
	}

	cfg, err := LoadServerTLSConfig(m)
	if err != nil {
		t.Fatalf("LoadServerTLSConfig: %v", err)
	}
	if len(cfg.Certificates) != 1 {
		t.Fatalf("expected 1 certificate loaded, got %d", len(cfg.Certificates))
	}
	if cfg.MinVersion != 0x0303 {
		t.Errorf("expected MinVersion to enforce TLS 1.2 floor")
	}
}
