//go:build windows

package ipc

import "net"

// dial is not implemented on Windows. The daemon only listens on unix
// domain sockets.
func (c *IPCClient) dial() (net.Conn, error) {
	return nil, ErrUnsupported
}
