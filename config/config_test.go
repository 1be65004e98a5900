package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	t.Setenv("SESSION_SECRET", "test-secret")
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Server.Port != "8090" {
		t.Errorf("port = %q, want 8090", cfg.Server.Port)
	}
	if cfg.Pipeline.PoolWidth != 3 {
		t.Errorf("pool_width = %d, want 3", cfg.Pipeline.PoolWidth)
	}
	if cfg.Backend.ChatTimeout != 180*time.Second {
		t.Errorf("chat_timeout = %v", cfg.Backend.ChatTimeout)
	}
	if cfg.Pipeline.ImageDPI != 150 {
		t.Errorf("image_dpi = %d, want 150", cfg.Pipeline.ImageDPI)
	}
}

func TestLoadMissingSecret(t *testing.T) {
	os.Unsetenv("SESSION_SECRET")
	if _, err := Load(""); err == nil {
		t.Fatal("expected error without SESSION_SECRET")
	}
}

func TestLoadYAMLWithEnvOverride(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "lectio.yaml")
	os.WriteFile(path, []byte(`
server:
  port: "9999"
  session_secret: file-secret
backend:
  default_model: from-yaml
pipeline:
  pool_width: 5
`), 0o644)

	t.Setenv("PORT", "7777") // env wins over file

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Server.Port != "7777" {
		t.Errorf("port = %q, want env override 7777", cfg.Server.Port)
	}
	if cfg.Backend.DefaultModel != "from-yaml" {
		t.Errorf("default_model = %q", cfg.Backend.DefaultModel)
	}
	if cfg.Pipeline.PoolWidth != 5 {
		t.Errorf("pool_width = %d, want 5", cfg.Pipeline.PoolWidth)
	}
}

func TestLoadMissingFileIsNotFatal(t *testing.T) {
	t.Setenv("SESSION_SECRET", "s")
	if _, err := Load(filepath.Join(t.TempDir(), "absent.yaml")); err != nil {
		t.Fatalf("missing file should fall back to env: %v", err)
	}
}
