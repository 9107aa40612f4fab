package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeConfig(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestDiscoverPathExplicit(t *testing.T) {
	dir := t.TempDir()
	path := writeConfig(t, dir, "custom.yaml", "server:\n  port: 9000\n")

	got, found, err := DiscoverPathFrom(path, dir, dir)
	if err != nil || !found {
		t.Fatalf("DiscoverPathFrom: found=%v err=%v", found, err)
	}
	if got != path {
		t.Errorf("path = %q, want %q", got, path)
	}
}

func TestDiscoverPathExplicitMissing(t *testing.T) {
	dir := t.TempDir()

	_, _, err := DiscoverPathFrom(filepath.Join(dir, "nope.yaml"), dir, dir)
	if err == nil {
		t.Fatal("expected error for missing explicit path")
	}
}

func TestDiscoverPathProjectBeforeHome(t *testing.T) {
	cwd := t.TempDir()
	home := t.TempDir()

	homePath := filepath.Join(home, ".replykit")
	if err := os.MkdirAll(homePath, 0o755); err != nil {
		t.Fatal(err)
	}
	writeConfig(t, homePath, "config.yaml", "server:\n  port: 1\n")
	projectPath := writeConfig(t, cwd, "replykit.yaml", "server:\n  port: 2\n")

	got, found, err := DiscoverPathFrom("", cwd, home)
	if err != nil || !found {
		t.Fatalf("DiscoverPathFrom: found=%v err=%v", found, err)
	}
	if got != projectPath {
		t.Errorf("path = %q, want project config %q", got, projectPath)
	}
}

func TestDiscoverPathNothingFound(t *testing.T) {
	_, found, err := DiscoverPathFrom("", t.TempDir(), t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	if found {
		t.Error("found config in empty directories")
	}
}

func TestLoad(t *testing.T) {
	dir := t.TempDir()
	path := writeConfig(t, dir, "replykit.yaml", `
server:
  host: 127.0.0.1
  port: 9090
  cors_origin: echo
  admin_email: ops@replykit.dev
stream:
  heartbeat_interval: 15s
presence:
  threshold: 60s
  redis_addr: localhost:6379
otel:
  enabled: true
  endpoint: localhost:4318
  insecure: true
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Server.Host != "127.0.0.1" || cfg.Server.Port != 9090 {
		t.Errorf("server = %+v", cfg.Server)
	}
	if cfg.Server.AdminEmail != "ops@replykit.dev" {
		t.Errorf("admin email = %q", cfg.Server.AdminEmail)
	}
	if cfg.Stream.HeartbeatInterval.Std() != 15*time.Second {
		t.Errorf("heartbeat = %v", cfg.Stream.HeartbeatInterval)
	}
	if cfg.Presence.Threshold.Std() != 60*time.Second || cfg.Presence.RedisAddr != "localhost:6379" {
		t.Errorf("presence = %+v", cfg.Presence)
	}
	if !cfg.Otel.Enabled || cfg.Otel.Endpoint != "localhost:4318" {
		t.Errorf("otel = %+v", cfg.Otel)
	}
}

func TestLoadMalformed(t *testing.T) {
	dir := t.TempDir()
	path := writeConfig(t, dir, "bad.yaml", "server: [not a map\n")

	if _, err := Load(path); err == nil {
		t.Fatal("expected parse error")
	}
}
