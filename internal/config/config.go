// Package config handles configuration loading, validation, and management for henkand.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"runtime"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"
)

// Version is the current configuration schema version.
const Version = 2

// Config holds the complete daemon configuration.
type Config struct {
	// Version is the configuration schema version for migrations.
	Version int `toml:"version" json:"version" yaml:"version"`

	// Controller configuration for the conversion state machine.
	Controller ControllerConfig `toml:"controller" json:"controller" yaml:"controller"`

	// Engine configuration for the dictionary conversion engine.
	Engine EngineConfig `toml:"engine" json:"engine" yaml:"engine"`

	// Daemon configuration for the IPC server process.
	Daemon DaemonConfig `toml:"daemon" json:"daemon" yaml:"daemon"`

	// History configuration for conversion persistence.
	History HistoryConfig `toml:"history" json:"history" yaml:"history"`

	// Logging configuration.
	Logging LoggingConfig `toml:"logging" json:"logging" yaml:"logging"`

	// Metrics configuration.
	Metrics MetricsConfig `toml:"metrics" json:"metrics" yaml:"metrics"`
}

// ControllerConfig holds conversion-controller configuration.
type ControllerConfig struct {
	// TokenPattern is the regular expression a convertible token must
	// match. The detector anchors it at the cursor; the pattern itself
	// carries no anchors.
	TokenPattern string `toml:"token_pattern" json:"token_pattern" yaml:"token_pattern"`

	// DisablePolicy selects the cleanup performed when the controller is
	// disabled while a conversion is active: "commit" keeps whatever the
	// engine produced, "restore" reinserts the original token text.
	DisablePolicy string `toml:"disable_policy" json:"disable_policy" yaml:"disable_policy"`
}

// EngineConfig holds dictionary-engine configuration.
type EngineConfig struct {
	// DictionaryPath is the path to the JSON conversion dictionary.
	DictionaryPath string `toml:"dictionary_path" json:"dictionary_path" yaml:"dictionary_path"`

	// MaxCandidates caps the candidate list offered per token.
	MaxCandidates int `toml:"max_candidates" json:"max_candidates" yaml:"max_candidates"`

	// AutoReload reloads the dictionary when the file changes on disk.
	AutoReload bool `toml:"auto_reload" json:"auto_reload" yaml:"auto_reload"`
}

// DaemonConfig holds IPC server configuration.
type DaemonConfig struct {
	// SocketPath is the path to the Unix socket (or named pipe on Windows).
	SocketPath string `toml:"socket_path" json:"socket_path" yaml:"socket_path"`

	// Permissions is the Unix socket permissions (e.g., "0600").
	Permissions string `toml:"permissions" json:"permissions" yaml:"permissions"`

	// MaxConnections is the maximum concurrent client connections.
	MaxConnections int `toml:"max_connections" json:"max_connections" yaml:"max_connections"`

	// TimeoutSec is the per-connection idle timeout.
	TimeoutSec int `toml:"timeout_sec" json:"timeout_sec" yaml:"timeout_sec"`

	// ShutdownTimeoutSec bounds the graceful-stop drain.
	ShutdownTimeoutSec int `toml:"shutdown_timeout_sec" json:"shutdown_timeout_sec" yaml:"shutdown_timeout_sec"`
}

// HistoryConfig holds conversion-history persistence configuration.
type HistoryConfig struct {
	// Enabled determines whether committed conversions are recorded.
	Enabled bool `toml:"enabled" json:"enabled" yaml:"enabled"`

	// Path is the path to the history database file.
	Path string `toml:"path" json:"path" yaml:"path"`

	// Secure enables tamper-evident storage with HMAC chaining.
	Secure bool `toml:"secure" json:"secure" yaml:"secure"`

	// SecretPath is the path to the machine secret used for HMAC key derivation.
	SecretPath string `toml:"secret_path" json:"secret_path" yaml:"secret_path"`

	// RetentionDays is how long committed records are kept.
	RetentionDays int `toml:"retention_days" json:"retention_days" yaml:"retention_days"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	// Level is the log level: "debug", "info", "warn", "error".
	Level string `toml:"level" json:"level" yaml:"level"`

	// Format is the log format: "text" or "json".
	Format string `toml:"format" json:"format" yaml:"format"`

	// Output is the log output: "stdout", "stderr", "file", or "both".
	Output string `toml:"output" json:"output" yaml:"output"`

	// FilePath is the path to the log file (when Output includes "file").
	FilePath string `toml:"file_path" json:"file_path" yaml:"file_path"`

	// MaxSizeMB is the maximum log file size before rotation.
	MaxSizeMB int `toml:"max_size_mb" json:"max_size_mb" yaml:"max_size_mb"`

	// MaxBackups is the number of old log files to keep.
	MaxBackups int `toml:"max_backups" json:"max_backups" yaml:"max_backups"`

	// MaxAgeDays is the maximum age of log files in days.
	MaxAgeDays int `toml:"max_age_days" json:"max_age_days" yaml:"max_age_days"`

	// Compress determines whether to compress rotated logs.
	Compress bool `toml:"compress" json:"compress" yaml:"compress"`
}

// MetricsConfig holds metrics configuration.
type MetricsConfig struct {
	// Enabled determines whether the daemon collects and serves metrics.
	Enabled bool `toml:"enabled" json:"enabled" yaml:"enabled"`
}

// DisablePolicy values accepted by controller.disable_policy.
const (
	DisablePolicyCommit  = "commit"
	DisablePolicyRestore = "restore"
)

// DefaultTokenPattern matches a run of ASCII letters.
const DefaultTokenPattern = "[a-zA-Z]+"

// DefaultConfig returns a configuration with sensible defaults.
func DefaultConfig() *Config {
	dir := HenkandDir()

	return &Config{
		Version: Version,
		Controller: ControllerConfig{
			TokenPattern:  DefaultTokenPattern,
			DisablePolicy: DisablePolicyCommit,
		},
		Engine: EngineConfig{
			DictionaryPath: filepath.Join(dir, "dictionary.json"),
			MaxCandidates:  9,
			AutoReload:     true,
		},
		Daemon: DaemonConfig{
			SocketPath:         defaultSocketPath(),
			Permissions:        "0600",
			MaxConnections:     16,
			TimeoutSec:         30,
			ShutdownTimeoutSec: 5,
		},
		History: HistoryConfig{
			Enabled:       true,
			Path:          filepath.Join(dir, "history.db"),
			Secure:        true,
			SecretPath:    filepath.Join(dir, "history_secret"),
			RetentionDays: 90,
		},
		Logging: LoggingConfig{
			Level:      "info",
			Format:     "text",
			Output:     "file",
			FilePath:   filepath.Join(dir, "henkand.log"),
			MaxSizeMB:  50,
			MaxBackups: 5,
			MaxAgeDays: 30,
			Compress:   true,
		},
		Metrics: MetricsConfig{
			Enabled: true,
		},
	}
}

// ConfigPath returns the default configuration file path.
func ConfigPath() string {
	return filepath.Join(HenkandDir(), "config.toml")
}

// Load reads configuration from the specified path.
// If the file doesn't exist, returns default configuration.
// Supports TOML, JSON, and YAML formats based on file extension.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	if path == "" {
		path = ConfigPath()
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return nil, fmt.Errorf("read config file: %w", err)
	}

	switch filepath.Ext(path) {
	case ".toml":
		if _, err := toml.Decode(string(data), cfg); err != nil {
			return nil, fmt.Errorf("decode TOML: %w", err)
		}
	case ".json":
		if err := json.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("decode JSON: %w", err)
		}
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("decode YAML: %w", err)
		}
	default:
		if err := autoDetectAndParse(data, cfg); err != nil {
			return nil, fmt.Errorf("decode config (unknown format): %w", err)
		}
	}

	cfg.ApplyEnvOverrides()

	return cfg, nil
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	return ValidateConfig(c)
}

// EnsureDirectories creates all directories the daemon writes into.
func (c *Config) EnsureDirectories() error {
	dirs := []string{
		filepath.Dir(c.History.Path),
		filepath.Dir(c.History.SecretPath),
		filepath.Dir(c.Logging.FilePath),
		filepath.Dir(c.Engine.DictionaryPath),
	}

	for _, dir := range dirs {
		if dir == "" || dir == "." {
			continue
		}
		if err := os.MkdirAll(dir, 0700); err != nil {
			return fmt.Errorf("create directory %s: %w", dir, err)
		}
	}

	return nil
}

// HenkandDir returns the base henkand data directory.
// Uses platform-specific paths or the HENKAND_DATA_DIR environment override.
func HenkandDir() string {
	if envDir := os.Getenv("HENKAND_DATA_DIR"); envDir != "" {
		return envDir
	}
	return PlatformDataDir()
}

// ApplyEnvOverrides applies environment variable overrides to the configuration.
// Environment variables are prefixed with HENKAND_ and use underscores.
func (c *Config) ApplyEnvOverrides() {
	if v := os.Getenv("HENKAND_SOCKET_PATH"); v != "" {
		c.Daemon.SocketPath = v
	}
	if v := os.Getenv("HENKAND_DICTIONARY_PATH"); v != "" {
		c.Engine.DictionaryPath = v
	}
	if v := os.Getenv("HENKAND_HISTORY_PATH"); v != "" {
		c.History.Path = v
	}
	if v := os.Getenv("HENKAND_LOG_LEVEL"); v != "" {
		c.Logging.Level = v
	}
	if v := os.Getenv("HENKAND_LOG_PATH"); v != "" {
		c.Logging.FilePath = v
	}
}

// Clone returns a deep copy of the configuration.
func (c *Config) Clone() *Config {
	clone := *c
	return &clone
}

func defaultSocketPath() string {
	switch runtime.GOOS {
	case "darwin":
		return filepath.Join(os.Getenv("HOME"), "Library", "Application Support", "henkand", "henkand.sock")
	case "linux":
		if xdgRuntime := os.Getenv("XDG_RUNTIME_DIR"); xdgRuntime != "" {
			return filepath.Join(xdgRuntime, "henkand.sock")
		}
		return "/tmp/henkand.sock"
	case "windows":
		return `\\.\pipe\henkand`
	default:
		return "/tmp/henkand.sock"
	}
}
