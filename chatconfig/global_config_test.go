package chatconfig

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoadGlobalFromMissingFileReturnsEmpty(t *testing.T) {
	t.Parallel()

	cfg, err := LoadGlobalFrom(filepath.Join(t.TempDir(), "config.yaml"))
	if err != nil {
		t.Fatalf("LoadGlobalFrom: %v", err)
	}
	if cfg == nil || cfg.Servers == nil {
		t.Fatalf("expected initialized config")
	}
}

func TestLoadGlobalFromParsesDurations(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "config.yaml")
	data := []byte(`default_server: support
servers:
  support:
    url: https://support.example.com/api
    api_key: lc_key
transport:
  reconnect_delay: 2s
typing:
  debounce: 150ms
  idle_timeout: 4s
identity:
  backend: redis
  redis_url: redis://cache:6379/1
`)
	if err := os.WriteFile(path, data, 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}

	cfg, err := LoadGlobalFrom(path)
	if err != nil {
		t.Fatalf("LoadGlobalFrom: %v", err)
	}
	if cfg.Transport.ReconnectDelay != 2*time.Second {
		t.Fatalf("reconnect_delay=%s", cfg.Transport.ReconnectDelay)
	}
	if cfg.Typing.Debounce != 150*time.Millisecond || cfg.Typing.IdleTimeout != 4*time.Second {
		t.Fatalf("typing=%+v", cfg.Typing)
	}
	if cfg.Servers["support"].APIKey != "lc_key" {
		t.Fatalf("servers=%+v", cfg.Servers)
	}
	if cfg.Identity.Backend != IdentityBackendRedis {
		t.Fatalf("identity=%+v", cfg.Identity)
	}
}

func TestSaveGlobalToWrites0600(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "nested", "config.yaml")
	cfg := &GlobalConfig{
		Servers:       map[string]Server{"localhost:8080": {APIKey: "lc_test"}},
		DefaultServer: "localhost:8080",
	}
	if err := cfg.SaveGlobalTo(path); err != nil {
		t.Fatalf("SaveGlobalTo: %v", err)
	}

	info, err := os.Stat(path)
	if err != nil {
		t.Fatalf("stat: %v", err)
	}
	if got := info.Mode().Perm(); got != 0o600 {
		t.Fatalf("perm=%o, want 600", got)
	}
}

func TestUpdateGlobalAtMergesServers(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "config.yaml")

	if err := UpdateGlobalAt(path, func(cfg *GlobalConfig) error {
		cfg.Servers["a"] = Server{URL: "http://localhost:8080"}
		cfg.DefaultServer = "a"
		return nil
	}); err != nil {
		t.Fatalf("UpdateGlobalAt #1: %v", err)
	}
	if err := UpdateGlobalAt(path, func(cfg *GlobalConfig) error {
		cfg.Servers["b"] = Server{URL: "https://chat.example.com"}
		return nil
	}); err != nil {
		t.Fatalf("UpdateGlobalAt #2: %v", err)
	}

	cfg, err := LoadGlobalFrom(path)
	if err != nil {
		t.Fatalf("LoadGlobalFrom: %v", err)
	}
	if _, ok := cfg.Servers["a"]; !ok {
		t.Fatalf("missing server a")
	}
	if _, ok := cfg.Servers["b"]; !ok {
		t.Fatalf("missing server b")
	}
	if cfg.DefaultServer != "a" {
		t.Fatalf("default_server=%q", cfg.DefaultServer)
	}
}

func TestIdentityPath(t *testing.T) {
	t.Parallel()

	cfg := &GlobalConfig{}
	if got := cfg.IdentityPath("/etc/livechat/config.yaml"); got != filepath.Join("/etc/livechat", "identity.yaml") {
		t.Fatalf("path=%q", got)
	}
	cfg.Identity.Path = "/var/lib/visitor.yaml"
	if got := cfg.IdentityPath("/etc/livechat/config.yaml"); got != "/var/lib/visitor.yaml" {
		t.Fatalf("path=%q", got)
	}
}
