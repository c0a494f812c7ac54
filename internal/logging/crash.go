// Package logging provides structured logging with slog for henkand.
package logging

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"runtime/debug"
	"time"
)

// CrashReport captures the state of the process at panic time.
type CrashReport struct {
	Timestamp    time.Time `json:"timestamp"`
	Version      string    `json:"version"`
	GOOS         string    `json:"goos"`
	GOARCH       string    `json:"goarch"`
	NumGoroutine int       `json:"num_goroutine"`
	PanicValue   string    `json:"panic_value"`
	StackTrace   string    `json:"stack_trace"`
	Component    string    `json:"component,omitempty"`
}

// DefaultCrashDir returns the platform-specific default crash directory.
func DefaultCrashDir() string {
	switch runtime.GOOS {
	case "darwin":
		homeDir, _ := os.UserHomeDir()
		return filepath.Join(homeDir, "Library", "Logs", "DiagnosticReports", "henkand")
	case "windows":
		appData := os.Getenv("LOCALAPPDATA")
		if appData == "" {
			appData = os.Getenv("APPDATA")
		}
		return filepath.Join(appData, "henkand", "crashes")
	default:
		stateHome := os.Getenv("XDG_STATE_HOME")
		if stateHome == "" {
			homeDir, _ := os.UserHomeDir()
			stateHome = filepath.Join(homeDir, ".local", "state")
		}
		return filepath.Join(stateHome, "henkand", "crashes")
	}
}

// WriteCrashReport writes a crash report for the given panic value to dir
// and returns the path of the written file.
func WriteCrashReport(dir, version, component string, panicValue any) (string, error) {
	if dir == "" {
		dir = DefaultCrashDir()
	}
	if err := os.MkdirAll(dir, 0750); err != nil {
		return "", fmt.Errorf("create crash dir: %w", err)
	}

	report := CrashReport{
		Timestamp:    time.Now().UTC(),
		Version:      version,
		GOOS:         runtime.GOOS,
		GOARCH:       runtime.GOARCH,
		NumGoroutine: runtime.NumGoroutine(),
		PanicValue:   fmt.Sprintf("%v", panicValue),
		StackTrace:   string(debug.Stack()),
		Component:    component,
	}

	name := fmt.Sprintf("crash-%s-%s.json", component, report.Timestamp.Format("20060102-150405"))
	path := filepath.Join(dir, name)

	data, err := json.MarshalIndent(report, "", "  ")
	if err != nil {
		return "", fmt.Errorf("marshal crash report: %w", err)
	}
	if err := os.WriteFile(path, data, 0640); err != nil {
		return "", fmt.Errorf("write crash report: %w", err)
	}

	fmt.Fprintf(os.Stderr, "panic: %s\n%s\ncrash report written to %s\n",
		report.PanicValue, report.StackTrace, path)

	return path, nil
}

// RecoverPanic writes a crash report when the calling goroutine is
// panicking, then re-panics so the process still dies loudly.
//
// Usage: defer logging.RecoverPanic(dir, version, component)
func RecoverPanic(dir, version, component string) {
	if r := recover(); r != nil {
		WriteCrashReport(dir, version, component, r)
		panic(r)
	}
}

// ReadCrashReports returns the crash reports present in dir, oldest first.
func ReadCrashReports(dir string) ([]CrashReport, error) {
	if dir == "" {
		dir = DefaultCrashDir()
	}
	// Glob results come back lexically sorted, and the filenames embed
	// the timestamp, so no extra ordering pass is needed.
	files, err := filepath.Glob(filepath.Join(dir, "crash-*.json"))
	if err != nil {
		return nil, err
	}

	reports := make([]CrashReport, 0, len(files))
	for _, file := range files {
		data, err := os.ReadFile(file)
		if err != nil {
			continue
		}
		var report CrashReport
		if err := json.Unmarshal(data, &report); err != nil {
			continue
		}
		reports = append(reports, report)
	}
	return reports, nil
}

// CleanupCrashReports removes crash reports older than maxAge from dir.
func CleanupCrashReports(dir string, maxAge time.Duration) error {
	if dir == "" {
		dir = DefaultCrashDir()
	}
	files, err := filepath.Glob(filepath.Join(dir, "crash-*.json"))
	if err != nil {
		return err
	}

	cutoff := time.Now().Add(-maxAge)
	for _, file := range files {
		info, err := os.Stat(file)
		if err != nil {
			continue
		}
		if info.ModTime().Before(cutoff) {
			os.Remove(file)
		}
	}
	return nil
}
