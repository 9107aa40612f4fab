// Package config loads the declarative startup configuration (replykit.yaml).
// Flags always win over file values; the file exists so deployments do not
// need a wall of flags.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	projectConfigName = "replykit.yaml"
	homeConfigName    = "config.yaml"
)

// Duration is a time.Duration that parses Go duration strings ("30s") in
// YAML.
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var raw string
	if err := value.Decode(&raw); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", raw, err)
	}
	*d = Duration(parsed)
	return nil
}

// Std converts back to a time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

// File is the on-disk config shape.
type File struct {
	Server   ServerSection   `yaml:"server,omitempty"`
	Stream   StreamSection   `yaml:"stream,omitempty"`
	Presence PresenceSection `yaml:"presence,omitempty"`
	Otel     OtelSection     `yaml:"otel,omitempty"`
}

// ServerSection configures the HTTP listener and stores.
type ServerSection struct {
	Host       string `yaml:"host,omitempty"`
	Port       int    `yaml:"port,omitempty"`
	CORSOrigin string `yaml:"cors_origin,omitempty"`
	SQLitePath string `yaml:"sqlite_path,omitempty"`
	MaxBody    int64  `yaml:"max_body,omitempty"`
	TLSCert    string `yaml:"tls_cert,omitempty"`
	TLSKey     string `yaml:"tls_key,omitempty"`
	AdminEmail string `yaml:"admin_email,omitempty"`
}

// StreamSection configures the event stream endpoints.
type StreamSection struct {
	HeartbeatInterval Duration `yaml:"heartbeat_interval,omitempty"`
	MaxPerKey         int      `yaml:"max_per_key,omitempty"`
}

// PresenceSection configures extension liveness tracking.
type PresenceSection struct {
	Threshold     Duration `yaml:"threshold,omitempty"`
	SweepInterval Duration `yaml:"sweep_interval,omitempty"`

	// RedisAddr switches presence tracking from in-memory to Redis so
	// multiple instances can share liveness state. Empty means in-memory.
	RedisAddr string `yaml:"redis_addr,omitempty"`
}

// OtelSection configures trace and metric export.
type OtelSection struct {
	Enabled  bool   `yaml:"enabled,omitempty"`
	Endpoint string `yaml:"endpoint,omitempty"`
	Insecure bool   `yaml:"insecure,omitempty"`
}

// DiscoverPath resolves the config file location with first-match semantics:
// explicit path, ./replykit.yaml, then ~/.replykit/config.yaml.
func DiscoverPath(explicitPath string) (string, bool, error) {
	cwd, err := os.Getwd()
	if err != nil {
		return "", false, fmt.Errorf("resolve working directory: %w", err)
	}
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return "", false, fmt.Errorf("resolve user home: %w", err)
	}
	return DiscoverPathFrom(explicitPath, cwd, homeDir)
}

// DiscoverPathFrom is a testable variant of DiscoverPath.
func DiscoverPathFrom(explicitPath, cwd, homeDir string) (string, bool, error) {
	candidates := make([]string, 0, 2)
	if clean := strings.TrimSpace(explicitPath); clean != "" {
		candidates = append(candidates, filepath.Clean(clean))
	} else {
		candidates = append(candidates, filepath.Join(cwd, projectConfigName))
		candidates = append(candidates, filepath.Join(homeDir, ".replykit", homeConfigName))
	}

	for i, candidate := range candidates {
		info, err := os.Stat(candidate)
		if err == nil && !info.IsDir() {
			return candidate, true, nil
		}
		if errors.Is(err, os.ErrNotExist) {
			// An explicit path that does not exist is an error.
			if i == 0 && strings.TrimSpace(explicitPath) != "" {
				return "", false, fmt.Errorf("config file %q not found", candidate)
			}
			continue
		}
		if err != nil {
			return "", false, fmt.Errorf("checking config path %q: %w", candidate, err)
		}
	}
	return "", false, nil
}

// Load reads and parses one config file.
func Load(path string) (File, error) {
	// #nosec G304 -- path resolved from explicit local config discovery.
	data, err := os.ReadFile(path)
	if err != nil {
		return File{}, fmt.Errorf("reading config %q: %w", path, err)
	}

	var cfg File
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return File{}, fmt.Errorf("parsing config %q: %w", path, err)
	}
	return cfg, nil
}
