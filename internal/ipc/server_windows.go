//go:build windows

// Package ipc provides Windows stubs. The daemon is unix-first; a named
// pipe transport would slot in behind these helpers.
package ipc

import (
	"net"
	"os"
)

// PeerCredentials holds the credentials of a peer process
type PeerCredentials struct {
	PID int
	UID int
	GID int
}

// GetPeerCredentials is not supported on Windows
func GetPeerCredentials(conn net.Conn) (*PeerCredentials, error) {
	return nil, ErrUnsupported
}

// VerifyPeerIsCurrentUser is not supported on Windows
func VerifyPeerIsCurrentUser(conn net.Conn) (bool, error) {
	return false, ErrUnsupported
}

// SetSocketPermissions is a no-op on Windows
func SetSocketPermissions(path string, mode os.FileMode) error {
	return nil
}

// CleanupSocket removes a stale socket file
func CleanupSocket(path string) error {
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}

// IsSocketListening reports whether a socket is already listening
func IsSocketListening(path string) bool {
	return false
}
