package cli

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestResolveServeSettingsFlagBeatsFile(t *testing.T) {
	dir := t.TempDir()
	configPath := filepath.Join(dir, "replykit.yaml")
	content := `
server:
  host: 10.0.0.1
  port: 9999
  cors_origin: https://app.replykit.dev
stream:
  heartbeat_interval: 10s
presence:
  threshold: 90s
`
	if err := os.WriteFile(configPath, []byte(content), 0o600); err != nil {
		t.Fatal(err)
	}

	cmd := NewServeCmd()
	cmd.SetOut(&bytes.Buffer{})
	for flag, value := range map[string]string{
		"config":      configPath,
		"port":        "1234",
		"sqlite-path": filepath.Join(dir, "test.db"),
	} {
		if err := cmd.Flags().Set(flag, value); err != nil {
			t.Fatalf("set %s: %v", flag, err)
		}
	}

	settings, err := resolveServeSettings(cmd)
	if err != nil {
		t.Fatalf("resolveServeSettings: %v", err)
	}

	if settings.port != 1234 {
		t.Errorf("port = %d, want flag value 1234", settings.port)
	}
	if settings.host != "10.0.0.1" {
		t.Errorf("host = %q, want file value", settings.host)
	}
	if settings.corsOrigin != "https://app.replykit.dev" {
		t.Errorf("cors origin = %q, want file value", settings.corsOrigin)
	}
	if settings.heartbeatInterval != 10*time.Second {
		t.Errorf("heartbeat = %v, want file value 10s", settings.heartbeatInterval)
	}
	if settings.presenceThreshold != 90*time.Second {
		t.Errorf("threshold = %v, want file value 90s", settings.presenceThreshold)
	}
	if settings.sqliteDSN != filepath.Join(dir, "test.db") {
		t.Errorf("sqlite dsn = %q", settings.sqliteDSN)
	}
}

func TestResolveServeSettingsDefaults(t *testing.T) {
	dir := t.TempDir()

	cmd := NewServeCmd()
	cmd.SetOut(&bytes.Buffer{})
	if err := cmd.Flags().Set("sqlite-path", filepath.Join(dir, "test.db")); err != nil {
		t.Fatal(err)
	}

	settings, err := resolveServeSettings(cmd)
	if err != nil {
		t.Fatalf("resolveServeSettings: %v", err)
	}
	if settings.port != 8080 || settings.host != "0.0.0.0" {
		t.Errorf("defaults = %s:%d", settings.host, settings.port)
	}
	if settings.corsOrigin != "echo" {
		t.Errorf("cors origin = %q, want echo", settings.corsOrigin)
	}
	if settings.heartbeatInterval != 30*time.Second {
		t.Errorf("heartbeat = %v", settings.heartbeatInterval)
	}
}
