// Package config handles configuration loading and validation for henkand.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
)

// ValidationError represents a configuration validation error.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("config: %s: %s", e.Field, e.Message)
}

// ValidationErrors is a collection of validation errors.
type ValidationErrors []ValidationError

func (e ValidationErrors) Error() string {
	if len(e) == 0 {
		return ""
	}
	var msgs []string
	for _, err := range e {
		msgs = append(msgs, err.Error())
	}
	return strings.Join(msgs, "; ")
}

// ValidateConfig performs comprehensive validation of the configuration.
func ValidateConfig(c *Config) error {
	var errs ValidationErrors

	if c.Version < 1 || c.Version > Version {
		errs = append(errs, ValidationError{
			Field:   "version",
			Message: fmt.Sprintf("unsupported version %d (current: %d)", c.Version, Version),
		})
	}

	errs = append(errs, validateController(&c.Controller)...)
	errs = append(errs, validateEngine(&c.Engine)...)
	errs = append(errs, validateDaemon(&c.Daemon)...)
	errs = append(errs, validateHistory(&c.History)...)
	errs = append(errs, validateLogging(&c.Logging)...)

	if len(errs) > 0 {
		return errs
	}
	return nil
}

func validateController(cc *ControllerConfig) ValidationErrors {
	var errs ValidationErrors

	if cc.TokenPattern == "" {
		errs = append(errs, ValidationError{
			Field:   "controller.token_pattern",
			Message: "token pattern is required",
		})
	} else {
		re, err := regexp.Compile(cc.TokenPattern)
		if err != nil {
			errs = append(errs, ValidationError{
				Field:   "controller.token_pattern",
				Message: fmt.Sprintf("invalid pattern: %v", err),
			})
		} else if re.MatchString("") {
			// A pattern that matches the empty string would make every
			// cursor position a candidate; tokens must be non-empty.
			errs = append(errs, ValidationError{
				Field:   "controller.token_pattern",
				Message: "pattern must not match the empty string",
			})
		}
	}

	switch cc.DisablePolicy {
	case DisablePolicyCommit, DisablePolicyRestore:
		// Valid policies
	default:
		errs = append(errs, ValidationError{
			Field:   "controller.disable_policy",
			Message: fmt.Sprintf("invalid policy: %s (valid: commit, restore)", cc.DisablePolicy),
		})
	}

	return errs
}

func validateEngine(e *EngineConfig) ValidationErrors {
	var errs ValidationErrors

	if e.DictionaryPath == "" {
		errs = append(errs, ValidationError{
			Field:   "engine.dictionary_path",
			Message: "dictionary path is required",
		})
	} else {
		dir := filepath.Dir(expandPath(e.DictionaryPath))
		if dir != "" && dir != "." {
			if info, err := os.Stat(dir); err == nil && !info.IsDir() {
				errs = append(errs, ValidationError{
					Field:   "engine.dictionary_path",
					Message: fmt.Sprintf("parent path is not a directory: %s", dir),
				})
			}
		}
	}

	if e.MaxCandidates < 1 {
		errs = append(errs, ValidationError{
			Field:   "engine.max_candidates",
			Message: "max candidates must be at least 1",
		})
	}
	if e.MaxCandidates > 100 {
		errs = append(errs, ValidationError{
			Field:   "engine.max_candidates",
			Message: "max candidates cannot exceed 100",
		})
	}

	return errs
}

func validateDaemon(d *DaemonConfig) ValidationErrors {
	var errs ValidationErrors

	if d.SocketPath == "" {
		errs = append(errs, ValidationError{
			Field:   "daemon.socket_path",
			Message: "socket path is required",
		})
	}

	// Validate permissions format (Unix only)
	if d.Permissions != "" {
		if matched, _ := regexp.MatchString(`^0[0-7]{3}$`, d.Permissions); !matched {
			errs = append(errs, ValidationError{
				Field:   "daemon.permissions",
				Message: fmt.Sprintf("invalid permissions format: %s (expected octal like 0600)", d.Permissions),
			})
		}
	}

	if d.MaxConnections < 1 {
		errs = append(errs, ValidationError{
			Field:   "daemon.max_connections",
			Message: "max connections must be at least 1",
		})
	}

	if d.TimeoutSec < 1 {
		errs = append(errs, ValidationError{
			Field:   "daemon.timeout_sec",
			Message: "timeout must be at least 1 second",
		})
	}

	if d.ShutdownTimeoutSec < 1 {
		errs = append(errs, ValidationError{
			Field:   "daemon.shutdown_timeout_sec",
			Message: "shutdown timeout must be at least 1 second",
		})
	}

	return errs
}

func validateHistory(h *HistoryConfig) ValidationErrors {
	var errs ValidationErrors

	if !h.Enabled {
		return errs // Skip validation if history is disabled
	}

	if h.Path == "" {
		errs = append(errs, ValidationError{
			Field:   "history.path",
			Message: "database path is required when history is enabled",
		})
	} else {
		dir := filepath.Dir(expandPath(h.Path))
		if dir != "" && dir != "." {
			if info, err := os.Stat(dir); err == nil && !info.IsDir() {
				errs = append(errs, ValidationError{
					Field:   "history.path",
					Message: fmt.Sprintf("parent path is not a directory: %s", dir),
				})
			}
		}
	}

	if h.Secure && h.SecretPath == "" {
		errs = append(errs, ValidationError{
			Field:   "history.secret_path",
			Message: "secret path is required when secure history is enabled",
		})
	}

	if h.RetentionDays < 1 {
		errs = append(errs, ValidationError{
			Field:   "history.retention_days",
			Message: "retention must be at least 1 day",
		})
	}

	return errs
}

func validateLogging(l *LoggingConfig) ValidationErrors {
	var errs ValidationErrors

	switch l.Level {
	case "debug", "info", "warn", "error":
		// Valid levels
	default:
		errs = append(errs, ValidationError{
			Field:   "logging.level",
			Message: fmt.Sprintf("invalid log level: %s (valid: debug, info, warn, error)", l.Level),
		})
	}

	switch l.Format {
	case "text", "json":
		// Valid formats
	default:
		errs = append(errs, ValidationError{
			Field:   "logging.format",
			Message: fmt.Sprintf("invalid log format: %s (valid: text, json)", l.Format),
		})
	}

	switch l.Output {
	case "stdout", "stderr":
		// Valid outputs
	case "file", "both":
		if l.FilePath == "" {
			errs = append(errs, ValidationError{
				Field:   "logging.file_path",
				Message: "file path is required when output includes 'file'",
			})
		}
	default:
		errs = append(errs, ValidationError{
			Field:   "logging.output",
			Message: fmt.Sprintf("invalid log output: %s (valid: stdout, stderr, file, both)", l.Output),
		})
	}

	if l.MaxSizeMB < 1 {
		errs = append(errs, ValidationError{
			Field:   "logging.max_size_mb",
			Message: "max size must be at least 1 MB",
		})
	}

	if l.MaxBackups < 0 {
		errs = append(errs, ValidationError{
			Field:   "logging.max_backups",
			Message: "max backups cannot be negative",
		})
	}

	if l.MaxAgeDays < 0 {
		errs = append(errs, ValidationError{
			Field:   "logging.max_age_days",
			Message: "max age cannot be negative",
		})
	}

	return errs
}

// Helper functions

func expandPath(path string) string {
	if strings.HasPrefix(path, "~/") {
		home, err := os.UserHomeDir()
		if err != nil {
			return path
		}
		return filepath.Join(home, path[2:])
	}
	return path
}
