//go:build !windows

package main

import (
	"fmt"
	"os"
	"os/exec"
	"syscall"
	"time"
)

// daemonize re-executes the binary with -foreground in its own session,
// detached from the controlling terminal, and waits briefly for it to
// come up.
func daemonize() error {
	exe, err := os.Executable()
	if err != nil {
		return fmt.Errorf("find executable: %w", err)
	}

	args := append([]string{"-foreground"}, os.Args[1:]...)
	cmd := exec.Command(exe, args...)
	cmd.Stdin = nil
	cmd.Stdout = nil
	cmd.Stderr = nil
	cmd.SysProcAttr = &syscall.SysProcAttr{Setsid: true}

	if err := cmd.Start(); err != nil {
		return fmt.Errorf("start daemon process: %w", err)
	}

	// Give the child a moment to fail fast on bad config or a held
	// PID file before reporting success.
	done := make(chan error, 1)
	go func() { done <- cmd.Wait() }()
	select {
	case err := <-done:
		if err != nil {
			return fmt.Errorf("daemon exited during startup: %w", err)
		}
		return fmt.Errorf("daemon exited during startup")
	case <-time.After(500 * time.Millisecond):
	}

	fmt.Printf("henkand started (pid %d)\n", cmd.Process.Pid)
	return nil
}

// processAlive reports whether a process with the given PID exists.
func processAlive(pid int) bool {
	proc, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	return proc.Signal(syscall.Signal(0)) == nil
}
