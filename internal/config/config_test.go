package config

import (
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"runtime"
	"testing"
	"time"
)

func clearEnv(t *testing.T) {
	t.Helper()
	t.Setenv(EnvDataDir, "")
	t.Setenv(EnvLogLevel, "")
	t.Setenv(EnvConfig, "")
}

func TestDefault(t *testing.T) {
	clearEnv(t)
	c := Default()

	if c.LogLevel != DefaultLogLevel {
		t.Errorf("expected log level %s, got %s", DefaultLogLevel, c.LogLevel)
	}
	if filepath.Base(c.DataDir) != DefaultDirName {
		t.Errorf("unexpected data dir %s", c.DataDir)
	}
	if c.Database != filepath.Join(c.DataDir, DefaultDatabaseName) {
		t.Errorf("unexpected database %s", c.Database)
	}
	if c.SessionTimeout() != DefaultSessionTimeout {
		t.Errorf("expected timeout %v, got %v", DefaultSessionTimeout, c.SessionTimeout())
	}
	if c.Vault.MinPasscodeLength != 8 {
		t.Errorf("expected min passcode length 8, got %d", c.Vault.MinPasscodeLength)
	}
	if len(c.Presets) != 1 || c.Presets[0] != "openclaw" {
		t.Errorf("unexpected presets %v", c.Presets)
	}
	if err := c.Validate(); err != nil {
		t.Errorf("default config should validate: %v", err)
	}
}

func TestParse(t *testing.T) {
	clearEnv(t)
	c, err := Parse([]byte(`
data_dir: /var/lib/agenshield
log_level: DEBUG
vault:
  session_timeout: 1h30m
  min_passcode_length: 12
presets: [openclaw, ai-tools]
`))
	if err != nil {
		t.Fatalf("Parse failed: %v", err)
	}
	if c.Database != "/var/lib/agenshield/agenshield.db" {
		t.Errorf("unexpected database %s", c.Database)
	}
	if c.LogLevel != "debug" {
		t.Errorf("expected lowercased level, got %s", c.LogLevel)
	}
	if c.SessionTimeout() != 90*time.Minute {
		t.Errorf("unexpected timeout %v", c.SessionTimeout())
	}
	if c.Vault.MinPasscodeLength != 12 {
		t.Errorf("unexpected min length %d", c.Vault.MinPasscodeLength)
	}
	if len(c.Presets) != 2 {
		t.Errorf("unexpected presets %v", c.Presets)
	}
}

func TestParseZeroTimeoutAndEmptyPresets(t *testing.T) {
	clearEnv(t)
	c, err := Parse([]byte("vault:\n  session_timeout: 0s\npresets: []\n"))
	if err != nil {
		t.Fatalf("Parse failed: %v", err)
	}
	if c.SessionTimeout() != 0 {
		t.Errorf("expected no timeout, got %v", c.SessionTimeout())
	}
	if len(c.Presets) != 0 {
		t.Errorf("explicit empty presets should stay empty, got %v", c.Presets)
	}
}

func TestParseInvalid(t *testing.T) {
	clearEnv(t)
	tests := []struct {
		name string
		yaml string
	}{
		{"unknown level", "log_level: verbose\n"},
		{"negative timeout", "vault:\n  session_timeout: -5m\n"},
		{"huge min length", "vault:\n  min_passcode_length: 500\n"},
		{"unknown preset", "presets: [nope]\n"},
		{"unknown field", "colour: blue\n"},
		{"malformed", "log_level: [\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := Parse([]byte(tt.yaml)); !errors.Is(err, ErrInvalidConfig) {
				t.Errorf("expected ErrInvalidConfig, got %v", err)
			}
		})
	}
}

func TestEnvOverrides(t *testing.T) {
	clearEnv(t)
	dir := t.TempDir()
	t.Setenv(EnvDataDir, dir)
	t.Setenv(EnvLogLevel, "warn")

	c, err := Parse([]byte("log_level: debug\n"))
	if err != nil {
		t.Fatalf("Parse failed: %v", err)
	}
	if c.DataDir != dir || c.LogLevel != "warn" {
		t.Errorf("env overrides not applied: %+v", c)
	}
}

func TestLoad(t *testing.T) {
	clearEnv(t)
	dir := t.TempDir()

	c, err := Load(filepath.Join(dir, "missing.yaml"))
	if err != nil {
		t.Fatalf("Load of missing file failed: %v", err)
	}
	if c.LogLevel != DefaultLogLevel {
		t.Errorf("missing file should give defaults, got %+v", c)
	}

	path := filepath.Join(dir, "config.yaml")
	if err := os.WriteFile(path, []byte("log_level: error\n"), 0600); err != nil {
		t.Fatalf("WriteFile failed: %v", err)
	}
	c, err = Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if c.LogLevel != "error" {
		t.Errorf("expected error level, got %s", c.LogLevel)
	}
}

func TestLoadRejectsInsecureFile(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("permission checks are unix-only")
	}
	clearEnv(t)
	dir := t.TempDir()

	path := filepath.Join(dir, "config.yaml")
	if err := os.WriteFile(path, []byte("log_level: info\n"), 0600); err != nil {
		t.Fatalf("WriteFile failed: %v", err)
	}
	if err := os.Chmod(path, 0666); err != nil {
		t.Fatalf("Chmod failed: %v", err)
	}
	if _, err := Load(path); !errors.Is(err, ErrConfigInsecure) {
		t.Errorf("expected ErrConfigInsecure, got %v", err)
	}

	if err := os.Chmod(path, 0600); err != nil {
		t.Fatalf("Chmod failed: %v", err)
	}
	link := filepath.Join(dir, "link.yaml")
	if err := os.Symlink(path, link); err != nil {
		t.Fatalf("Symlink failed: %v", err)
	}
	if _, err := Load(link); !errors.Is(err, ErrConfigSymlink) {
		t.Errorf("expected ErrConfigSymlink, got %v", err)
	}
}

func TestResolvePath(t *testing.T) {
	clearEnv(t)
	if got := ResolvePath(""); got != "" {
		t.Errorf("expected empty path, got %q", got)
	}
	t.Setenv(EnvConfig, "/etc/agenshield.yaml")
	if got := ResolvePath(""); got != "/etc/agenshield.yaml" {
		t.Errorf("expected env path, got %q", got)
	}
	if got := ResolvePath("/tmp/flag.yaml"); got != "/tmp/flag.yaml" {
		t.Errorf("flag should win, got %q", got)
	}
}

func TestParseLevel(t *testing.T) {
	tests := map[string]slog.Level{
		"debug":   slog.LevelDebug,
		"info":    slog.LevelInfo,
		"WARN":    slog.LevelWarn,
		"warning": slog.LevelWarn,
		"error":   slog.LevelError,
	}
	for in, want := range tests {
		got, err := ParseLevel(in)
		if err != nil {
			t.Errorf("ParseLevel(%q) failed: %v", in, err)
			continue
		}
		if got != want {
			t.Errorf("ParseLevel(%q) = %v, want %v", in, got, want)
		}
	}
}
