// Copyright 2026 The Compymac Authors
// SPDX-License-Identifier: Apache-2.0

package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"slices"
	"strings"
	"time"

	"github.com/tidwall/jsonc"
	"gopkg.in/yaml.v3"
)

// EnvVar names the environment variable [Load] reads the config path
// from.
const EnvVar = "TRACESTORE_CONFIG"

// Environment represents the deployment environment.
type Environment string

const (
	Development Environment = "development"
	Staging     Environment = "staging"
	Production  Environment = "production"
)

// Config is the trace store configuration.
type Config struct {
	Environment Environment `yaml:"environment"`

	Paths     PathsConfig     `yaml:"paths"`
	Store     StoreConfig     `yaml:"store"`
	Events    EventsConfig    `yaml:"events"`
	Artifacts ArtifactsConfig `yaml:"artifacts"`
	Recovery  RecoveryConfig  `yaml:"recovery"`
	Logging   LoggingConfig   `yaml:"logging"`

	Development *ConfigOverrides `yaml:"development,omitempty"`
	Staging     *ConfigOverrides `yaml:"staging,omitempty"`
	Production  *ConfigOverrides `yaml:"production,omitempty"`
}

// ConfigOverrides contains fields that can be overridden per
// environment. Unset fields keep the base value.
type ConfigOverrides struct {
	Paths     *PathsConfig     `yaml:"paths,omitempty"`
	Store     *StoreConfig     `yaml:"store,omitempty"`
	Events    *EventsOverrides `yaml:"events,omitempty"`
	Artifacts *ArtifactsConfig `yaml:"artifacts,omitempty"`
	Recovery  *RecoveryConfig  `yaml:"recovery,omitempty"`
	Logging   *LoggingConfig   `yaml:"logging,omitempty"`
}

// PathsConfig configures on-disk locations.
type PathsConfig struct {
	// Root is the store directory.
	Root string `yaml:"root"`

	// Database is the SQLite file. Relative paths resolve against Root.
	// Default: trace.db
	Database string `yaml:"database"`

	// Artifacts is the blob directory. Relative paths resolve against
	// Root. Default: artifacts
	Artifacts string `yaml:"artifacts"`
}

// StoreConfig tunes the database and inline limits.
type StoreConfig struct {
	// PoolSize is the number of pooled SQLite connections. Default: 8
	PoolSize int `yaml:"pool_size"`

	// BusyTimeout is how long a connection waits on a locked database,
	// as a Go duration. Default: 5s
	BusyTimeout string `yaml:"busy_timeout"`

	// InlineThreshold is the largest attribute value, in bytes, stored
	// inline in an event. Larger values must be artifacts. Default: 10240
	InlineThreshold int `yaml:"inline_threshold"`

	// MaxPayload is the hard limit on an encoded event payload.
	// Default: 65536
	MaxPayload int `yaml:"max_payload"`
}

// EventsConfig configures span event delivery.
type EventsConfig struct {
	// RetryAttempts is how many times a span operation is tried when
	// the database is unavailable. Default: 3
	RetryAttempts int `yaml:"retry_attempts"`

	// RetryBackoff is the first delay between attempts, doubled each
	// time. Default: 50ms
	RetryBackoff string `yaml:"retry_backoff"`

	// BufferOnUnavailable queues events in memory once retries are
	// exhausted instead of failing the span operation. Default: false
	BufferOnUnavailable bool `yaml:"buffer_on_unavailable"`
}

// EventsOverrides mirrors EventsConfig with an optional bool so an
// override can turn buffering off.
type EventsOverrides struct {
	RetryAttempts       int    `yaml:"retry_attempts"`
	RetryBackoff        string `yaml:"retry_backoff"`
	BufferOnUnavailable *bool  `yaml:"buffer_on_unavailable"`
}

// ArtifactsConfig configures blob encoding.
type ArtifactsConfig struct {
	// Compression is auto, none, lz4 or zstd. Default: auto
	Compression string `yaml:"compression"`

	Encryption EncryptionConfig `yaml:"encryption"`
}

// EncryptionConfig enables at-rest encryption of new blobs.
type EncryptionConfig struct {
	// Recipients are age public keys. New blobs are encrypted to all of
	// them. Empty disables encryption.
	Recipients []string `yaml:"recipients"`

	// IdentityFile holds the age identities used to read encrypted
	// blobs.
	IdentityFile string `yaml:"identity_file"`
}

// RecoveryConfig configures crash recovery at open.
type RecoveryConfig struct {
	// CloseIncompleteOnOpen marks every span left open by a previous
	// process as failed when the store opens. Only safe when no other
	// process writes to the store. Default: false
	CloseIncompleteOnOpen bool `yaml:"close_incomplete_on_open"`
}

// LoggingConfig configures the binary's slog handler.
type LoggingConfig struct {
	// Level is debug, info, warn or error. Default: info
	Level string `yaml:"level"`

	// Format is text, json or auto. Auto writes text to a terminal
	// and JSON otherwise. Default: auto
	Format string `yaml:"format"`
}

// Default returns the default configuration, used as the base before
// the config file is applied.
func Default() *Config {
	homeDir, _ := os.UserHomeDir()
	return &Config{
		Environment: Development,
		Paths: PathsConfig{
			Root:      filepath.Join(homeDir, ".cache", "compymac", "tracestore"),
			Database:  "trace.db",
			Artifacts: "artifacts",
		},
		Store: StoreConfig{
			PoolSize:        8,
			BusyTimeout:     "5s",
			InlineThreshold: 10 * 1024,
			MaxPayload:      64 * 1024,
		},
		Events: EventsConfig{
			RetryAttempts: 3,
			RetryBackoff:  "50ms",
		},
		Artifacts: ArtifactsConfig{
			Compression: "auto",
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "auto",
		},
	}
}

// Load loads configuration from the file named by TRACESTORE_CONFIG.
// It fails when the variable is unset.
func Load() (*Config, error) {
	configPath := os.Getenv(EnvVar)
	if configPath == "" {
		return nil, fmt.Errorf("%s environment variable not set; "+
			"set it to the path of your tracestore config file, or use --config flag", EnvVar)
	}
	return LoadFile(configPath)
}

// LoadFile loads configuration from a specific file path, applies the
// matching environment section and expands path variables.
func LoadFile(path string) (*Config, error) {
	cfg := Default()

	if err := cfg.loadFile(path); err != nil {
		return nil, fmt.Errorf("config: loading %s: %w", path, err)
	}
	cfg.applyEnvironmentOverrides()
	cfg.expandVariables()
	return cfg, nil
}

func (c *Config) loadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	switch strings.ToLower(filepath.Ext(path)) {
	case ".json", ".jsonc":
		// JSON is valid YAML once comments and trailing commas are gone.
		data = jsonc.ToJSON(data)
	}
	return yaml.Unmarshal(data, c)
}

func (c *Config) applyEnvironmentOverrides() {
	var overrides *ConfigOverrides

	switch c.Environment {
	case Development:
		overrides = c.Development
	case Staging:
		overrides = c.Staging
	case Production:
		overrides = c.Production
		if overrides == nil {
			overrides = &ConfigOverrides{
				Logging: &LoggingConfig{Format: "json"},
			}
		}
	}
	if overrides == nil {
		return
	}

	if paths := overrides.Paths; paths != nil {
		setString(&c.Paths.Root, paths.Root)
		setString(&c.Paths.Database, paths.Database)
		setString(&c.Paths.Artifacts, paths.Artifacts)
	}

	if store := overrides.Store; store != nil {
		setInt(&c.Store.PoolSize, store.PoolSize)
		setString(&c.Store.BusyTimeout, store.BusyTimeout)
		setInt(&c.Store.InlineThreshold, store.InlineThreshold)
		setInt(&c.Store.MaxPayload, store.MaxPayload)
	}

	if events := overrides.Events; events != nil {
		setInt(&c.Events.RetryAttempts, events.RetryAttempts)
		setString(&c.Events.RetryBackoff, events.RetryBackoff)
		if events.BufferOnUnavailable != nil {
			c.Events.BufferOnUnavailable = *events.BufferOnUnavailable
		}
	}

	if artifacts := overrides.Artifacts; artifacts != nil {
		setString(&c.Artifacts.Compression, artifacts.Compression)
		if len(artifacts.Encryption.Recipients) > 0 {
			c.Artifacts.Encryption.Recipients = artifacts.Encryption.Recipients
		}
		setString(&c.Artifacts.Encryption.IdentityFile, artifacts.Encryption.IdentityFile)
	}

	if overrides.Recovery != nil {
		c.Recovery.CloseIncompleteOnOpen = overrides.Recovery.CloseIncompleteOnOpen
	}

	if logging := overrides.Logging; logging != nil {
		setString(&c.Logging.Level, logging.Level)
		setString(&c.Logging.Format, logging.Format)
	}
}

func setString(target *string, value string) {
	if value != "" {
		*target = value
	}
}

func setInt(target *int, value int) {
	if value != 0 {
		*target = value
	}
}

func (c *Config) expandVariables() {
	vars := map[string]string{
		"TRACESTORE_ROOT": c.Paths.Root,
		"HOME":            os.Getenv("HOME"),
	}

	c.Paths.Root = expandVars(c.Paths.Root, vars)
	vars["TRACESTORE_ROOT"] = c.Paths.Root

	c.Paths.Database = expandVars(c.Paths.Database, vars)
	c.Paths.Artifacts = expandVars(c.Paths.Artifacts, vars)
	c.Artifacts.Encryption.IdentityFile = expandVars(c.Artifacts.Encryption.IdentityFile, vars)
}

var varPattern = regexp.MustCompile(`\$\{([^}:]+)(?::-([^}]*))?\}`)

// expandVars expands ${VAR} and ${VAR:-default}. vars take precedence
// over the process environment.
func expandVars(s string, vars map[string]string) string {
	return varPattern.ReplaceAllStringFunc(s, func(match string) string {
		parts := varPattern.FindStringSubmatch(match)
		if len(parts) < 2 {
			return match
		}
		name := parts[1]
		defaultValue := ""
		if len(parts) >= 3 {
			defaultValue = parts[2]
		}
		if value, ok := vars[name]; ok && value != "" {
			return value
		}
		if value := os.Getenv(name); value != "" {
			return value
		}
		return defaultValue
	})
}

// DatabasePath returns the SQLite file path.
func (c *Config) DatabasePath() string {
	return c.resolve(c.Paths.Database)
}

// ArtifactsPath returns the blob directory.
func (c *Config) ArtifactsPath() string {
	return c.resolve(c.Paths.Artifacts)
}

func (c *Config) resolve(path string) string {
	if filepath.IsAbs(path) {
		return path
	}
	return filepath.Join(c.Paths.Root, path)
}

// BusyTimeout returns store.busy_timeout parsed.
func (c *Config) BusyTimeout() (time.Duration, error) {
	return parseDuration("store.busy_timeout", c.Store.BusyTimeout)
}

// RetryBackoff returns events.retry_backoff parsed.
func (c *Config) RetryBackoff() (time.Duration, error) {
	return parseDuration("events.retry_backoff", c.Events.RetryBackoff)
}

func parseDuration(key, value string) (time.Duration, error) {
	if value == "" {
		return 0, nil
	}
	duration, err := time.ParseDuration(value)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", key, err)
	}
	if duration < 0 {
		return 0, fmt.Errorf("%s must not be negative, got %s", key, value)
	}
	return duration, nil
}

// LogLevel returns logging.level as a slog level.
func (c *Config) LogLevel() (slog.Level, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(c.Logging.Level)); err != nil {
		return 0, fmt.Errorf("logging.level: %w", err)
	}
	return level, nil
}

var (
	compressionValues = []string{"auto", "none", "lz4", "zstd"}
	formatValues      = []string{"text", "json", "auto"}
)

// Validate checks the configuration for errors, reporting all of them.
func (c *Config) Validate() error {
	var errs []error

	if c.Environment != Development && c.Environment != Staging && c.Environment != Production {
		errs = append(errs, fmt.Errorf("invalid environment: %s", c.Environment))
	}
	if c.Paths.Root == "" {
		errs = append(errs, errors.New("paths.root is required"))
	}
	if c.Paths.Database == "" {
		errs = append(errs, errors.New("paths.database is required"))
	}
	if c.Paths.Artifacts == "" {
		errs = append(errs, errors.New("paths.artifacts is required"))
	}
	if c.Store.PoolSize < 1 {
		errs = append(errs, fmt.Errorf("store.pool_size must be positive, got %d", c.Store.PoolSize))
	}
	if c.Store.InlineThreshold < 1 {
		errs = append(errs, fmt.Errorf("store.inline_threshold must be positive, got %d", c.Store.InlineThreshold))
	}
	if c.Store.MaxPayload < c.Store.InlineThreshold {
		errs = append(errs, fmt.Errorf("store.max_payload (%d) must be at least store.inline_threshold (%d)",
			c.Store.MaxPayload, c.Store.InlineThreshold))
	}
	if c.Events.RetryAttempts < 1 {
		errs = append(errs, fmt.Errorf("events.retry_attempts must be positive, got %d", c.Events.RetryAttempts))
	}
	if _, err := c.BusyTimeout(); err != nil {
		errs = append(errs, err)
	}
	if _, err := c.RetryBackoff(); err != nil {
		errs = append(errs, err)
	}
	if !slices.Contains(compressionValues, c.Artifacts.Compression) {
		errs = append(errs, fmt.Errorf("artifacts.compression must be one of: %v", compressionValues))
	}
	if len(c.Artifacts.Encryption.Recipients) > 0 && c.Artifacts.Encryption.IdentityFile == "" {
		errs = append(errs, errors.New("artifacts.encryption.identity_file is required when recipients are set"))
	}
	if _, err := c.LogLevel(); err != nil {
		errs = append(errs, err)
	}
	if !slices.Contains(formatValues, c.Logging.Format) {
		errs = append(errs, fmt.Errorf("logging.format must be one of: %v", formatValues))
	}

	return errors.Join(errs...)
}

// EnsurePaths creates the store root and artifact directory.
func (c *Config) EnsurePaths() error {
	for _, path := range []string{c.Paths.Root, c.ArtifactsPath(), filepath.Dir(c.DatabasePath())} {
		if err := os.MkdirAll(path, 0o755); err != nil {
			return fmt.Errorf("config: creating %s: %w", path, err)
		}
	}
	return nil
}
