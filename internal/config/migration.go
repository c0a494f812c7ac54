package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// MigrationResult contains the result of a configuration migration.
type MigrationResult struct {
	FromVersion int
	ToVersion   int
	Backup      string
	Changes     []string
	Warnings    []string
}

// MigrateConfig migrates a configuration from an older version to the current version.
// It automatically creates a backup before migration.
func MigrateConfig(cfg *Config, configPath string) (*MigrationResult, error) {
	if cfg.Version >= Version {
		return nil, nil // No migration needed
	}

	result := &MigrationResult{
		FromVersion: cfg.Version,
		ToVersion:   Version,
	}

	// Create backup before migration
	if configPath != "" {
		backup, err := backupConfig(configPath)
		if err != nil {
			result.Warnings = append(result.Warnings, fmt.Sprintf("could not create backup: %v", err))
		} else {
			result.Backup = backup
		}
	}

	// Apply migrations in sequence
	for cfg.Version < Version {
		changes, warnings, err := applyMigration(cfg)
		if err != nil {
			return result, fmt.Errorf("migration from v%d to v%d failed: %w", cfg.Version, cfg.Version+1, err)
		}
		result.Changes = append(result.Changes, changes...)
		result.Warnings = append(result.Warnings, warnings...)
	}

	return result, nil
}

// applyMigration applies a single version upgrade.
func applyMigration(cfg *Config) (changes []string, warnings []string, err error) {
	switch cfg.Version {
	case 0, 1:
		changes, warnings = migrateV1ToV2(cfg)
		cfg.Version = 2
		return changes, warnings, nil
	default:
		return nil, nil, fmt.Errorf("unknown version %d", cfg.Version)
	}
}

// migrateV1ToV2 migrates from version 1 to version 2.
// V1 predates the history store and the configurable disable policy.
func migrateV1ToV2(cfg *Config) (changes []string, warnings []string) {
	dir := HenkandDir()

	// V1 always committed the pending conversion when the method was
	// disabled mid-session; make that behavior explicit.
	if cfg.Controller.DisablePolicy == "" {
		cfg.Controller.DisablePolicy = DisablePolicyCommit
		changes = append(changes, "set controller.disable_policy to commit")
	}

	if cfg.Controller.TokenPattern == "" {
		cfg.Controller.TokenPattern = DefaultTokenPattern
		changes = append(changes, "set default controller.token_pattern")
	}

	// History recording is new in v2
	if cfg.History.Path == "" {
		cfg.History.Enabled = true
		cfg.History.Path = filepath.Join(dir, "history.db")
		changes = append(changes, "enabled conversion history")
	}

	if cfg.History.Secure && cfg.History.SecretPath == "" {
		cfg.History.SecretPath = filepath.Join(dir, "history_secret")
		changes = append(changes, "set default history.secret_path")
	}

	if cfg.History.RetentionDays == 0 {
		cfg.History.RetentionDays = 90
		changes = append(changes, "set history retention to 90 days")
	}

	if cfg.Engine.MaxCandidates == 0 {
		cfg.Engine.MaxCandidates = 9
		changes = append(changes, "set engine.max_candidates to 9")
	}

	return changes, warnings
}

// backupConfig creates a backup of the config file.
func backupConfig(configPath string) (string, error) {
	if _, err := os.Stat(configPath); os.IsNotExist(err) {
		return "", nil // No file to backup
	}

	// Read original
	data, err := os.ReadFile(configPath)
	if err != nil {
		return "", fmt.Errorf("read config: %w", err)
	}

	// Create backup with timestamp
	timestamp := time.Now().Format("20060102-150405")
	backupPath := configPath + ".backup-" + timestamp

	if err := os.WriteFile(backupPath, data, 0600); err != nil {
		return "", fmt.Errorf("write backup: %w", err)
	}

	return backupPath, nil
}

// MigrateLegacyConfig converts a legacy flat configuration map to the new format.
// V1 configs were stored as JSON maps with top-level keys rather than sections.
func MigrateLegacyConfig(data map[string]interface{}) (*Config, error) {
	cfg := DefaultConfig()

	// Extract version
	if v, ok := data["version"].(float64); ok {
		cfg.Version = int(v)
	} else {
		cfg.Version = 1 // Assume version 1 if not specified
	}

	// Extract legacy flat fields
	if pattern, ok := data["token_pattern"].(string); ok {
		cfg.Controller.TokenPattern = pattern
	}

	if dictPath, ok := data["dictionary_path"].(string); ok {
		cfg.Engine.DictionaryPath = dictPath
	}

	if socketPath, ok := data["socket_path"].(string); ok {
		cfg.Daemon.SocketPath = socketPath
	}

	if logPath, ok := data["log_path"].(string); ok {
		cfg.Logging.FilePath = logPath
	}

	if logLevel, ok := data["log_level"].(string); ok {
		cfg.Logging.Level = logLevel
	}

	// Extract nested sections from newer configs
	if controller, ok := data["controller"].(map[string]interface{}); ok {
		if p, ok := controller["token_pattern"].(string); ok {
			cfg.Controller.TokenPattern = p
		}
		if p, ok := controller["disable_policy"].(string); ok {
			cfg.Controller.DisablePolicy = p
		}
	}

	if engine, ok := data["engine"].(map[string]interface{}); ok {
		if p, ok := engine["dictionary_path"].(string); ok {
			cfg.Engine.DictionaryPath = p
		}
		if n, ok := engine["max_candidates"].(float64); ok {
			cfg.Engine.MaxCandidates = int(n)
		}
		if r, ok := engine["auto_reload"].(bool); ok {
			cfg.Engine.AutoReload = r
		}
	}

	if history, ok := data["history"].(map[string]interface{}); ok {
		if enabled, ok := history["enabled"].(bool); ok {
			cfg.History.Enabled = enabled
		}
		if p, ok := history["path"].(string); ok {
			cfg.History.Path = p
		}
		if s, ok := history["secure"].(bool); ok {
			cfg.History.Secure = s
		}
	}

	return cfg, nil
}

// SaveConfig saves the configuration to a file.
func SaveConfig(cfg *Config, path string) error {
	// Determine format from extension
	ext := filepath.Ext(path)

	var data []byte
	var err error

	switch ext {
	case ".json":
		data, err = json.MarshalIndent(cfg, "", "  ")
	case ".toml":
		data, err = encodeToTOML(cfg)
	case ".yaml", ".yml":
		data, err = yaml.Marshal(cfg)
	default:
		// Default to TOML
		data, err = encodeToTOML(cfg)
	}

	if err != nil {
		return fmt.Errorf("encode config: %w", err)
	}

	// Ensure directory exists
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0700); err != nil {
		return fmt.Errorf("create config directory: %w", err)
	}

	// Write with secure permissions
	if err := os.WriteFile(path, data, 0600); err != nil {
		return fmt.Errorf("write config: %w", err)
	}

	return nil
}

// encodeToTOML encodes the config to TOML format.
func encodeToTOML(cfg *Config) ([]byte, error) {
	// Generate a commented, well-ordered file rather than using the
	// generic encoder, so freshly created configs are readable.
	return []byte(generateTOML(cfg)), nil
}

// generateTOML generates a well-formatted TOML configuration file.
func generateTOML(cfg *Config) string {
	return fmt.Sprintf(`# henkand configuration
# Version %d

version = %d

[controller]
token_pattern = "%s"
# What to do with an active conversion when the method is disabled:
# "commit" accepts the engine's current result, "restore" puts the
# original text back.
disable_policy = "%s"

[engine]
dictionary_path = "%s"
max_candidates = %d
auto_reload = %t

[daemon]
socket_path = "%s"
permissions = "%s"
max_connections = %d
timeout_sec = %d
shutdown_timeout_sec = %d

[history]
enabled = %t
path = "%s"
secure = %t
secret_path = "%s"
retention_days = %d

[logging]
level = "%s"
format = "%s"
output = "%s"
file_path = "%s"
max_size_mb = %d
max_backups = %d
max_age_days = %d
compress = %t

[metrics]
enabled = %t
`,
		Version,
		cfg.Version,
		cfg.Controller.TokenPattern,
		cfg.Controller.DisablePolicy,
		cfg.Engine.DictionaryPath,
		cfg.Engine.MaxCandidates,
		cfg.Engine.AutoReload,
		cfg.Daemon.SocketPath,
		cfg.Daemon.Permissions,
		cfg.Daemon.MaxConnections,
		cfg.Daemon.TimeoutSec,
		cfg.Daemon.ShutdownTimeoutSec,
		cfg.History.Enabled,
		cfg.History.Path,
		cfg.History.Secure,
		cfg.History.SecretPath,
		cfg.History.RetentionDays,
		cfg.Logging.Level,
		cfg.Logging.Format,
		cfg.Logging.Output,
		cfg.Logging.FilePath,
		cfg.Logging.MaxSizeMB,
		cfg.Logging.MaxBackups,
		cfg.Logging.MaxAgeDays,
		cfg.Logging.Compress,
		cfg.Metrics.Enabled,
	)
}

// GetMigrationHistory returns the migration history if stored in the config directory.
func GetMigrationHistory() ([]MigrationResult, error) {
	historyPath := filepath.Join(HenkandDir(), "migration_history.json")

	data, err := os.ReadFile(historyPath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read migration history: %w", err)
	}

	var history []MigrationResult
	if err := json.Unmarshal(data, &history); err != nil {
		return nil, fmt.Errorf("parse migration history: %w", err)
	}

	return history, nil
}

// SaveMigrationHistory saves a migration result to the history file.
func SaveMigrationHistory(result *MigrationResult) error {
	historyPath := filepath.Join(HenkandDir(), "migration_history.json")

	// Load existing history
	history, err := GetMigrationHistory()
	if err != nil {
		history = nil // Start fresh if error
	}

	// Append new result
	history = append(history, *result)

	// Save
	data, err := json.MarshalIndent(history, "", "  ")
	if err != nil {
		return fmt.Errorf("encode migration history: %w", err)
	}

	dir := filepath.Dir(historyPath)
	if err := os.MkdirAll(dir, 0700); err != nil {
		return fmt.Errorf("create directory: %w", err)
	}

	if err := os.WriteFile(historyPath, data, 0600); err != nil {
		return fmt.Errorf("write migration history: %w", err)
	}

	return nil
}
