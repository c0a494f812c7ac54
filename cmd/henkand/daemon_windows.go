//go:build windows

package main

import (
	"errors"
	"os"
)

// daemonize is not supported on Windows; run with -foreground under a
// service wrapper instead.
func daemonize() error {
	return errors.New("background mode is not supported on windows; run with -foreground")
}

// processAlive reports whether a process with the given PID exists.
func processAlive(pid int) bool {
	_, err := os.FindProcess(pid)
	return err == nil
}
