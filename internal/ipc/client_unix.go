//go:build !windows

package ipc

import (
	"errors"
	"io/fs"
	"net"
	"syscall"
)

// dial connects to the daemon's unix socket.
func (c *IPCClient) dial() (net.Conn, error) {
	dialer := net.Dialer{Timeout: c.config.ConnectTimeout}
	conn, err := dialer.Dial("unix", c.socketPath)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) || errors.Is(err, syscall.ECONNREFUSED) {
			return nil, ErrDaemonNotRunning
		}
		return nil, err
	}
	return conn, nil
}
