package config

import (
	"os"
	"path/filepath"
	"testing"
)

func writeTempConfig(t *testing.T, body string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "config.json")
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestLoadDefaults(t *testing.T) {
	path := writeTempConfig(t, `{
		"pools": [{"host": "pool.example.com", "port": 3333}],
		"pool_user": "worker.1"
	}`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.AgentListenIP != "0.0.0.0" {
		t.Errorf("default listen ip: got %q", cfg.AgentListenIP)
	}
	if cfg.AgentListenPort != 3333 {
		t.Errorf("default listen port: got %d", cfg.AgentListenPort)
	}
	if cfg.MaxSessions != 65535 {
		t.Errorf("default max sessions: got %d", cfg.MaxSessions)
	}
	if cfg.BackoffMinMs != 1000 || cfg.BackoffMaxMs != 30000 {
		t.Errorf("default backoff: got %d/%d", cfg.BackoffMinMs, cfg.BackoffMaxMs)
	}
}

func TestLoadRequiresPools(t *testing.T) {
	path := writeTempConfig(t, `{"pool_user": "worker.1"}`)
	if _, err := Load(path); err == nil {
		t.Fatal("expected error for missing pools")
	}
}

func TestLoadRequiresPoolUser(t *testing.T) {
	path := writeTempConfig(t, `{"pools": [{"host": "pool.example.com"}]}`)
	if _, err := Load(path); err == nil {
		t.Fatal("expected error for missing pool_user")
	}
}

func TestLoadRejectsBadBackoff(t *testing.T) {
	path := writeTempConfig(t, `{
		"pools": [{"host": "pool.example.com"}],
		"pool_user": "worker.1",
		"backoff_min_ms": 5000,
		"backoff_max_ms": 1000
	}`)
	if _, err := Load(path); err == nil {
		t.Fatal("expected error for backoff_max_ms < backoff_min_ms")
	}
}

func TestLoadUnknownKeysIgnored(t *testing.T) {
	path := writeTempConfig(t, `{
		"pools": [{"host": "pool.example.com"}],
		"pool_user": "worker.1",
		"something_unrecognized": true
	}`)
	if _, err := Load(path); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}
