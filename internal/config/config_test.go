package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()
	if cfg == nil {
		t.Fatal("DefaultConfig returned nil")
	}

	// Verify defaults
	if cfg.Version != Version {
		t.Errorf("expected version %d, got %d", Version, cfg.Version)
	}
	if cfg.Controller.TokenPattern != DefaultTokenPattern {
		t.Errorf("expected token pattern %q, got %q", DefaultTokenPattern, cfg.Controller.TokenPattern)
	}
	if cfg.Controller.DisablePolicy != DisablePolicyCommit {
		t.Errorf("expected disable policy %q, got %q", DisablePolicyCommit, cfg.Controller.DisablePolicy)
	}
	if cfg.Engine.MaxCandidates != 9 {
		t.Errorf("expected 9 max candidates, got %d", cfg.Engine.MaxCandidates)
	}
	if !cfg.History.Enabled {
		t.Error("history should be enabled by default")
	}

	// Check paths land under the henkand data directory
	if !strings.Contains(cfg.History.Path, "henkand") {
		t.Errorf("history path should contain henkand: %s", cfg.History.Path)
	}
	if !strings.Contains(cfg.Engine.DictionaryPath, "henkand") {
		t.Errorf("dictionary path should contain henkand: %s", cfg.Engine.DictionaryPath)
	}
	if !strings.Contains(cfg.Logging.FilePath, "henkand") {
		t.Errorf("log path should contain henkand: %s", cfg.Logging.FilePath)
	}
}

func TestConfigPath(t *testing.T) {
	path := ConfigPath()
	if path == "" {
		t.Error("ConfigPath returned empty string")
	}
	if !strings.HasSuffix(path, "config.toml") {
		t.Errorf("expected path ending with config.toml, got %s", path)
	}
	if !strings.Contains(path, "henkand") {
		t.Errorf("config path should contain henkand: %s", path)
	}
}

func TestHenkandDirOverride(t *testing.T) {
	tmpDir := t.TempDir()
	t.Setenv("HENKAND_DATA_DIR", tmpDir)

	if dir := HenkandDir(); dir != tmpDir {
		t.Errorf("expected HENKAND_DATA_DIR to win, got %s", dir)
	}
}

func TestLoadNonexistent(t *testing.T) {
	// Load from nonexistent path should return default config
	cfg, err := Load("/nonexistent/path/config.toml")
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg == nil {
		t.Fatal("Load returned nil config")
	}

	// Should have defaults
	if cfg.Controller.TokenPattern != DefaultTokenPattern {
		t.Errorf("expected default token pattern, got %q", cfg.Controller.TokenPattern)
	}
}

func TestLoadValidConfig(t *testing.T) {
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "config.toml")

	content := `
version = 2

[controller]
token_pattern = "[a-z]+"
disable_policy = "restore"

[engine]
dictionary_path = "/custom/path/dictionary.json"
max_candidates = 5

[daemon]
socket_path = "/custom/path/henkand.sock"

[history]
enabled = false

[logging]
level = "debug"
`
	if err := os.WriteFile(configPath, []byte(content), 0600); err != nil {
		t.Fatalf("failed to write config: %v", err)
	}

	cfg, err := Load(configPath)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if cfg.Controller.TokenPattern != "[a-z]+" {
		t.Errorf("expected token pattern [a-z]+, got %q", cfg.Controller.TokenPattern)
	}
	if cfg.Controller.DisablePolicy != DisablePolicyRestore {
		t.Errorf("expected restore policy, got %q", cfg.Controller.DisablePolicy)
	}
	if cfg.Engine.DictionaryPath != "/custom/path/dictionary.json" {
		t.Errorf("expected dictionary path /custom/path/dictionary.json, got %s", cfg.Engine.DictionaryPath)
	}
	if cfg.Engine.MaxCandidates != 5 {
		t.Errorf("expected 5 max candidates, got %d", cfg.Engine.MaxCandidates)
	}
	if cfg.Daemon.SocketPath != "/custom/path/henkand.sock" {
		t.Errorf("expected socket path /custom/path/henkand.sock, got %s", cfg.Daemon.SocketPath)
	}
	if cfg.History.Enabled {
		t.Error("history should be disabled")
	}
	if cfg.Logging.Level != "debug" {
		t.Errorf("expected log level debug, got %s", cfg.Logging.Level)
	}
}

func TestLoadPartialConfig(t *testing.T) {
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "config.toml")

	// Only set some values, rest should come from defaults
	content := `
[controller]
token_pattern = "[A-Za-z0-9]+"
`
	if err := os.WriteFile(configPath, []byte(content), 0600); err != nil {
		t.Fatalf("failed to write config: %v", err)
	}

	cfg, err := Load(configPath)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if cfg.Controller.TokenPattern != "[A-Za-z0-9]+" {
		t.Errorf("expected custom token pattern, got %q", cfg.Controller.TokenPattern)
	}
	// Other fields should have defaults
	if cfg.Controller.DisablePolicy != DisablePolicyCommit {
		t.Errorf("disable policy should have default value, got %q", cfg.Controller.DisablePolicy)
	}
	if cfg.Engine.MaxCandidates != 9 {
		t.Errorf("max candidates should have default value, got %d", cfg.Engine.MaxCandidates)
	}
}

func TestLoadInvalidTOML(t *testing.T) {
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "config.toml")

	content := `
this is not valid toml {{{
`
	if err := os.WriteFile(configPath, []byte(content), 0600); err != nil {
		t.Fatalf("failed to write config: %v", err)
	}

	_, err := Load(configPath)
	if err == nil {
		t.Error("expected error for invalid TOML")
	}
}

func TestLoadJSON(t *testing.T) {
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "config.json")

	content := `{
  "version": 2,
  "controller": {"token_pattern": "[a-z]+", "disable_policy": "commit"},
  "engine": {"max_candidates": 3}
}`
	if err := os.WriteFile(configPath, []byte(content), 0600); err != nil {
		t.Fatalf("failed to write config: %v", err)
	}

	cfg, err := Load(configPath)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.Controller.TokenPattern != "[a-z]+" {
		t.Errorf("expected token pattern [a-z]+, got %q", cfg.Controller.TokenPattern)
	}
	if cfg.Engine.MaxCandidates != 3 {
		t.Errorf("expected 3 max candidates, got %d", cfg.Engine.MaxCandidates)
	}
}

func TestLoadYAML(t *testing.T) {
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "config.yaml")

	content := `
version: 2
controller:
  token_pattern: "[a-z]+"
engine:
  max_candidates: 7
`
	if err := os.WriteFile(configPath, []byte(content), 0600); err != nil {
		t.Fatalf("failed to write config: %v", err)
	}

	cfg, err := Load(configPath)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.Controller.TokenPattern != "[a-z]+" {
		t.Errorf("expected token pattern [a-z]+, got %q", cfg.Controller.TokenPattern)
	}
	if cfg.Engine.MaxCandidates != 7 {
		t.Errorf("expected 7 max candidates, got %d", cfg.Engine.MaxCandidates)
	}
}

func TestValidate(t *testing.T) {
	cfg := DefaultConfig()
	err := cfg.Validate()
	if err != nil {
		t.Errorf("default config should be valid: %v", err)
	}
}

func TestValidateBadPattern(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Controller.TokenPattern = "[unclosed"
	err := cfg.Validate()
	if err == nil {
		t.Error("expected error for unparseable pattern")
	}
}

func TestValidateEmptyMatchingPattern(t *testing.T) {
	// A pattern that matches the empty string would make every cursor
	// position a trigger candidate.
	cfg := DefaultConfig()
	cfg.Controller.TokenPattern = "[a-z]*"
	err := cfg.Validate()
	if err == nil {
		t.Error("expected error for pattern matching empty string")
	}
}

func TestValidateBadPolicy(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Controller.DisablePolicy = "discard"
	err := cfg.Validate()
	if err == nil {
		t.Error("expected error for unknown disable policy")
	}
}

func TestValidateBadPermissions(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Daemon.Permissions = "777"
	err := cfg.Validate()
	if err == nil {
		t.Error("expected error for permissions without leading zero")
	}
}

func TestValidateMissingSecret(t *testing.T) {
	cfg := DefaultConfig()
	cfg.History.Secure = true
	cfg.History.SecretPath = ""
	err := cfg.Validate()
	if err == nil {
		t.Error("expected error for secure history without secret path")
	}
}

func TestValidateMaxCandidatesBounds(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Engine.MaxCandidates = 0
	if err := cfg.Validate(); err == nil {
		t.Error("expected error for zero max candidates")
	}

	cfg = DefaultConfig()
	cfg.Engine.MaxCandidates = 101
	if err := cfg.Validate(); err == nil {
		t.Error("expected error for max candidates over limit")
	}
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("HENKAND_SOCKET_PATH", "/env/henkand.sock")
	t.Setenv("HENKAND_DICTIONARY_PATH", "/env/dictionary.json")
	t.Setenv("HENKAND_LOG_LEVEL", "debug")

	cfg := DefaultConfig()
	cfg.ApplyEnvOverrides()

	if cfg.Daemon.SocketPath != "/env/henkand.sock" {
		t.Errorf("expected env socket path, got %s", cfg.Daemon.SocketPath)
	}
	if cfg.Engine.DictionaryPath != "/env/dictionary.json" {
		t.Errorf("expected env dictionary path, got %s", cfg.Engine.DictionaryPath)
	}
	if cfg.Logging.Level != "debug" {
		t.Errorf("expected env log level, got %s", cfg.Logging.Level)
	}
}

func TestEnsureDirectories(t *testing.T) {
	tmpDir := t.TempDir()
	cfg := DefaultConfig()
	cfg.History.Path = filepath.Join(tmpDir, "subdir1", "history.db")
	cfg.History.SecretPath = filepath.Join(tmpDir, "subdir2", "history_secret")
	cfg.Logging.FilePath = filepath.Join(tmpDir, "subdir3", "henkand.log")
	cfg.Engine.DictionaryPath = filepath.Join(tmpDir, "subdir4", "dictionary.json")

	err := cfg.EnsureDirectories()
	if err != nil {
		t.Fatalf("EnsureDirectories failed: %v", err)
	}

	// Verify directories were created
	for _, sub := range []string{"subdir1", "subdir2", "subdir3", "subdir4"} {
		if _, err := os.Stat(filepath.Join(tmpDir, sub)); os.IsNotExist(err) {
			t.Errorf("%s was not created", sub)
		}
	}
}

func TestConfigWithComments(t *testing.T) {
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "config.toml")

	content := `
# This is a comment
[controller]
token_pattern = "[a-z]+" # inline comment
# disable_policy = "restore"
disable_policy = "commit"
`
	if err := os.WriteFile(configPath, []byte(content), 0600); err != nil {
		t.Fatalf("failed to write config: %v", err)
	}

	cfg, err := Load(configPath)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if cfg.Controller.TokenPattern != "[a-z]+" {
		t.Errorf("expected token pattern [a-z]+, got %q", cfg.Controller.TokenPattern)
	}
	if cfg.Controller.DisablePolicy != DisablePolicyCommit {
		t.Errorf("expected commit policy, got %q", cfg.Controller.DisablePolicy)
	}
}

func TestMigrateV1Config(t *testing.T) {
	tmpDir := t.TempDir()
	t.Setenv("HENKAND_DATA_DIR", tmpDir)
	configPath := filepath.Join(tmpDir, "config.toml")

	content := `
version = 1

[controller]
token_pattern = "[a-zA-Z]+"
`
	if err := os.WriteFile(configPath, []byte(content), 0600); err != nil {
		t.Fatalf("failed to write config: %v", err)
	}

	cfg, err := Load(configPath)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	// Simulate a v1 file without the newer sections
	cfg.Version = 1
	cfg.Controller.DisablePolicy = ""
	cfg.History = HistoryConfig{}

	result, err := MigrateConfig(cfg, configPath)
	if err != nil {
		t.Fatalf("MigrateConfig failed: %v", err)
	}
	if result == nil {
		t.Fatal("expected migration result")
	}

	if cfg.Version != Version {
		t.Errorf("expected version %d after migration, got %d", Version, cfg.Version)
	}
	if cfg.Controller.DisablePolicy != DisablePolicyCommit {
		t.Errorf("migration should set commit policy, got %q", cfg.Controller.DisablePolicy)
	}
	if !cfg.History.Enabled {
		t.Error("migration should enable history")
	}
	if cfg.History.Path == "" {
		t.Error("migration should set history path")
	}
	if len(result.Changes) == 0 {
		t.Error("expected recorded changes")
	}
	if result.Backup == "" {
		t.Error("expected a backup to be created")
	}
	if _, err := os.Stat(result.Backup); err != nil {
		t.Errorf("backup file missing: %v", err)
	}
}

func TestMigrateCurrentVersionNoop(t *testing.T) {
	cfg := DefaultConfig()
	result, err := MigrateConfig(cfg, "")
	if err != nil {
		t.Fatalf("MigrateConfig failed: %v", err)
	}
	if result != nil {
		t.Error("expected no migration for current version")
	}
}

func TestMigrateLegacyConfig(t *testing.T) {
	data := map[string]interface{}{
		"token_pattern":   "[a-z]+",
		"dictionary_path": "/legacy/dictionary.json",
		"socket_path":     "/legacy/henkand.sock",
		"log_level":       "warn",
	}

	cfg, err := MigrateLegacyConfig(data)
	if err != nil {
		t.Fatalf("MigrateLegacyConfig failed: %v", err)
	}

	if cfg.Version != 1 {
		t.Errorf("expected assumed version 1, got %d", cfg.Version)
	}
	if cfg.Controller.TokenPattern != "[a-z]+" {
		t.Errorf("expected legacy token pattern, got %q", cfg.Controller.TokenPattern)
	}
	if cfg.Engine.DictionaryPath != "/legacy/dictionary.json" {
		t.Errorf("expected legacy dictionary path, got %s", cfg.Engine.DictionaryPath)
	}
	if cfg.Daemon.SocketPath != "/legacy/henkand.sock" {
		t.Errorf("expected legacy socket path, got %s", cfg.Daemon.SocketPath)
	}
	if cfg.Logging.Level != "warn" {
		t.Errorf("expected legacy log level, got %s", cfg.Logging.Level)
	}
}

func TestSaveConfigRoundTrip(t *testing.T) {
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "config.toml")

	cfg := DefaultConfig()
	cfg.Controller.TokenPattern = "[a-z]+"
	cfg.Controller.DisablePolicy = DisablePolicyRestore
	cfg.Engine.MaxCandidates = 4

	if err := SaveConfig(cfg, configPath); err != nil {
		t.Fatalf("SaveConfig failed: %v", err)
	}

	loaded, err := Load(configPath)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if loaded.Controller.TokenPattern != "[a-z]+" {
		t.Errorf("token pattern did not survive round trip: %q", loaded.Controller.TokenPattern)
	}
	if loaded.Controller.DisablePolicy != DisablePolicyRestore {
		t.Errorf("disable policy did not survive round trip: %q", loaded.Controller.DisablePolicy)
	}
	if loaded.Engine.MaxCandidates != 4 {
		t.Errorf("max candidates did not survive round trip: %d", loaded.Engine.MaxCandidates)
	}
}

func TestLoadOrCreate(t *testing.T) {
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "config.toml")

	cfg, created, err := LoadOrCreate(configPath)
	if err != nil {
		t.Fatalf("LoadOrCreate failed: %v", err)
	}
	if !created {
		t.Error("expected config file to be created")
	}
	if cfg == nil {
		t.Fatal("LoadOrCreate returned nil config")
	}
	if _, err := os.Stat(configPath); err != nil {
		t.Errorf("config file missing after create: %v", err)
	}

	// Second call should load the existing file
	cfg2, created2, err := LoadOrCreate(configPath)
	if err != nil {
		t.Fatalf("second LoadOrCreate failed: %v", err)
	}
	if created2 {
		t.Error("second call should not create")
	}
	if cfg2.Controller.TokenPattern != cfg.Controller.TokenPattern {
		t.Errorf("loaded config differs from created: %q vs %q",
			cfg2.Controller.TokenPattern, cfg.Controller.TokenPattern)
	}
}

func TestMerge(t *testing.T) {
	dst := DefaultConfig()
	src := &Config{}
	src.Controller.TokenPattern = "[0-9]+"
	src.Engine.MaxCandidates = 2

	merged := Merge(dst, src)

	if merged.Controller.TokenPattern != "[0-9]+" {
		t.Errorf("expected merged token pattern, got %q", merged.Controller.TokenPattern)
	}
	if merged.Engine.MaxCandidates != 2 {
		t.Errorf("expected merged max candidates, got %d", merged.Engine.MaxCandidates)
	}
	// Unset values keep dst's
	if merged.Controller.DisablePolicy != DisablePolicyCommit {
		t.Errorf("expected dst disable policy preserved, got %q", merged.Controller.DisablePolicy)
	}
	if merged.Daemon.SocketPath != dst.Daemon.SocketPath {
		t.Errorf("expected dst socket path preserved, got %s", merged.Daemon.SocketPath)
	}
}

func TestLoaderLoad(t *testing.T) {
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "config.toml")

	content := `
[controller]
token_pattern = "[a-z]+"
`
	if err := os.WriteFile(configPath, []byte(content), 0600); err != nil {
		t.Fatalf("failed to write config: %v", err)
	}

	loader := NewLoader(configPath)
	defer loader.Close()

	cfg, err := loader.Load()
	if err != nil {
		t.Fatalf("loader.Load failed: %v", err)
	}
	if cfg.Controller.TokenPattern != "[a-z]+" {
		t.Errorf("expected token pattern [a-z]+, got %q", cfg.Controller.TokenPattern)
	}
	if loader.Config() != cfg {
		t.Error("Config() should return the loaded config")
	}
}

func TestLoaderRejectsInvalid(t *testing.T) {
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "config.toml")

	content := `
[controller]
token_pattern = "[unclosed"
`
	if err := os.WriteFile(configPath, []byte(content), 0600); err != nil {
		t.Fatalf("failed to write config: %v", err)
	}

	loader := NewLoader(configPath)
	defer loader.Close()

	if _, err := loader.Load(); err == nil {
		t.Error("expected validation error from loader")
	}
}
