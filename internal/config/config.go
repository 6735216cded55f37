// Package config loads the agenshield YAML configuration file.
package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/agenshield/agenshield/pkg/store"
	"github.com/agenshield/agenshield/pkg/vault"
)

// Environment variables
const (
	EnvConfig   = "AGENSHIELD_CONFIG"
	EnvDataDir  = "AGENSHIELD_DATA_DIR"
	EnvLogLevel = "AGENSHIELD_LOG_LEVEL"
)

// Defaults
const (
	DefaultDirName        = ".agenshield"
	DefaultDatabaseName   = "agenshield.db"
	DefaultLogLevel       = "info"
	DefaultSessionTimeout = 15 * time.Minute
)

// DefaultPresets are seeded by "agenshield init".
var DefaultPresets = []string{"openclaw"}

var (
	// ErrConfigInsecure is returned when the file is writable by group or others.
	ErrConfigInsecure = errors.New("config: file has insecure permissions")

	// ErrConfigSymlink is returned when the file is a symlink.
	ErrConfigSymlink = errors.New("config: file is a symlink")

	// ErrConfigNotOwnedByUser is returned when the file belongs to another user.
	ErrConfigNotOwnedByUser = errors.New("config: file not owned by current user")

	// ErrInvalidConfig wraps every validation failure.
	ErrInvalidConfig = errors.New("config: invalid configuration")
)

// Config is the on-disk configuration.
type Config struct {
	DataDir  string      `yaml:"data_dir"`
	Database string      `yaml:"database"`
	LogLevel string      `yaml:"log_level"`
	Vault    VaultConfig `yaml:"vault"`
	Presets  []string    `yaml:"presets"`
}

// VaultConfig controls the passcode lifecycle.
type VaultConfig struct {
	// SessionTimeout relocks the vault this long after unlock. 0 disables.
	SessionTimeout    *time.Duration `yaml:"session_timeout"`
	MinPasscodeLength int            `yaml:"min_passcode_length"`
}

// Default returns the configuration used when no file exists.
func Default() *Config {
	c := &Config{}
	c.applyDefaults()
	return c
}

func defaultDataDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return DefaultDirName
	}
	return filepath.Join(home, DefaultDirName)
}

func (c *Config) applyDefaults() {
	if v := os.Getenv(EnvDataDir); v != "" {
		c.DataDir = v
	}
	if v := os.Getenv(EnvLogLevel); v != "" {
		c.LogLevel = v
	}
	if c.DataDir == "" {
		c.DataDir = defaultDataDir()
	}
	if c.Database == "" {
		c.Database = filepath.Join(c.DataDir, DefaultDatabaseName)
	}
	if c.LogLevel == "" {
		c.LogLevel = DefaultLogLevel
	}
	c.LogLevel = strings.ToLower(c.LogLevel)
	if c.Vault.SessionTimeout == nil {
		d := DefaultSessionTimeout
		c.Vault.SessionTimeout = &d
	}
	if c.Vault.MinPasscodeLength == 0 {
		c.Vault.MinPasscodeLength = vault.MinPasscodeLength
	}
	if c.Presets == nil {
		c.Presets = append([]string(nil), DefaultPresets...)
	}
}

// ResolvePath picks the config file: the flag value, then $AGENSHIELD_CONFIG.
// Empty means no file.
func ResolvePath(flagValue string) string {
	if flagValue != "" {
		return flagValue
	}
	return os.Getenv(EnvConfig)
}

// Load reads path and applies defaults. An empty path or a missing file
// yields Default().
func Load(path string) (*Config, error) {
	if path == "" {
		return Default(), nil
	}

	f, err := openConfigFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return Default(), nil
	}
	if err != nil {
		return nil, err
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return nil, fmt.Errorf("config: failed to stat %s: %w", path, err)
	}
	if perm := info.Mode().Perm(); perm&0o022 != 0 {
		return nil, fmt.Errorf("%w: %o (must not be group or world writable)", ErrConfigInsecure, perm)
	}
	if err := checkFileOwnership(info); err != nil {
		return nil, err
	}

	content, err := io.ReadAll(f)
	if err != nil {
		return nil, fmt.Errorf("config: failed to read %s: %w", path, err)
	}
	return Parse(content)
}

// Parse decodes YAML, applies defaults and validates.
func Parse(content []byte) (*Config, error) {
	var c Config
	dec := yaml.NewDecoder(strings.NewReader(string(content)))
	dec.KnownFields(true)
	if err := dec.Decode(&c); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}
	c.applyDefaults()
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return &c, nil
}

// Validate checks field values.
func (c *Config) Validate() error {
	if _, err := ParseLevel(c.LogLevel); err != nil {
		return err
	}
	if c.Vault.SessionTimeout != nil && *c.Vault.SessionTimeout < 0 {
		return fmt.Errorf("%w: vault.session_timeout must not be negative", ErrInvalidConfig)
	}
	if n := c.Vault.MinPasscodeLength; n < 1 || n > vault.MaxPasscodeLength {
		return fmt.Errorf("%w: vault.min_passcode_length must be between 1 and %d",
			ErrInvalidConfig, vault.MaxPasscodeLength)
	}
	for _, id := range c.Presets {
		if _, err := store.LookupPreset(id); err != nil {
			return fmt.Errorf("%w: presets: %v", ErrInvalidConfig, err)
		}
	}
	return nil
}

// SessionTimeout returns the configured session timeout.
func (c *Config) SessionTimeout() time.Duration {
	if c.Vault.SessionTimeout == nil {
		return DefaultSessionTimeout
	}
	return *c.Vault.SessionTimeout
}

// ParseLevel maps a log_level value to a slog level.
func ParseLevel(level string) (slog.Level, error) {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug, nil
	case "info", "":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	}
	return 0, fmt.Errorf("%w: unknown log_level %q", ErrInvalidConfig, level)
}

// NewLogger builds the process logger: a text handler on w at the
// configured level.
func (c *Config) NewLogger(w io.Writer) *slog.Logger {
	level, err := ParseLevel(c.LogLevel)
	if err != nil {
		level = slog.LevelInfo
	}
	return slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{Level: level}))
}
