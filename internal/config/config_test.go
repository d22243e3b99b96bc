package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoad(t *testing.T) {
	dir := t.TempDir()
	cfgPath := filepath.Join(dir, "config.yaml")

	yaml := `
server:
  addr: "0.0.0.0:9090"
  token: "secret"
  formats: [json, cbor]
  auth_timeout: 10s
session:
  app: "myapp"
  link_client: false
store:
  path: "/var/lib/tracegate/data.db"
`
	if err := os.WriteFile(cfgPath, []byte(yaml), 0644); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(cfgPath)
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}

	if cfg.Server.Addr != "0.0.0.0:9090" {
		t.Errorf("Server.Addr = %q, want 0.0.0.0:9090", cfg.Server.Addr)
	}
	if cfg.Server.Token != "secret" {
		t.Errorf("Server.Token = %q, want secret", cfg.Server.Token)
	}
	if len(cfg.Server.Formats) != 2 || cfg.Server.Formats[0] != "json" || cfg.Server.Formats[1] != "cbor" {
		t.Errorf("Server.Formats = %v, want [json cbor]", cfg.Server.Formats)
	}
	if cfg.Server.AuthTimeout != 10*time.Second {
		t.Errorf("Server.AuthTimeout = %v, want 10s", cfg.Server.AuthTimeout)
	}
	if cfg.Session.App != "myapp" {
		t.Errorf("Session.App = %q, want myapp", cfg.Session.App)
	}
	if cfg.Session.LinkClientEnabled() {
		t.Error("link_client = true, want false")
	}
	if cfg.Store.Path != "/var/lib/tracegate/data.db" {
		t.Errorf("Store.Path = %q", cfg.Store.Path)
	}

	// Defaults still apply for unspecified fields.
	if cfg.Server.Format != "json" {
		t.Errorf("Server.Format = %q, want default json", cfg.Server.Format)
	}
	if cfg.Session.HostName != "host" {
		t.Errorf("Session.HostName = %q, want default host", cfg.Session.HostName)
	}
}

func TestLoadMissingFile(t *testing.T) {
	if _, err := Load("/nonexistent/path/config.yaml"); err == nil {
		t.Fatal("Load() on missing file should return error")
	}
}

func TestLoadInvalidYAML(t *testing.T) {
	dir := t.TempDir()
	cfgPath := filepath.Join(dir, "bad.yaml")
	if err := os.WriteFile(cfgPath, []byte(":::not valid yaml"), 0644); err != nil {
		t.Fatal(err)
	}

	if _, err := Load(cfgPath); err == nil {
		t.Fatal("Load() with invalid YAML should return error")
	}
}

func TestDefaults(t *testing.T) {
	cfg := Default()

	if cfg.Server.Addr != "127.0.0.1:8192" {
		t.Errorf("Server.Addr = %q, want 127.0.0.1:8192", cfg.Server.Addr)
	}
	if len(cfg.Server.Formats) != 3 {
		t.Errorf("len(Server.Formats) = %d, want 3", len(cfg.Server.Formats))
	}
	if cfg.Server.AuthTimeout != 3*time.Second {
		t.Errorf("Server.AuthTimeout = %v, want 3s", cfg.Server.AuthTimeout)
	}
	if !cfg.Session.LinkClientEnabled() {
		t.Error("link_client default = false, want true")
	}
}

func TestLinkClientUnsetDefaultsTrue(t *testing.T) {
	var sc SessionConfig
	if !sc.LinkClientEnabled() {
		t.Error("unset link_client should report true")
	}
}
