//go:build linux

package ssserver

import (
	"strings"
	"syscall"

	"golang.org/x/sys/unix"
)

const fastOpenQueueLen = 256

// fastOpenControl enables server-side TCP fast open on listening sockets.
func fastOpenControl(enabled bool) func(network, address string, c syscall.RawConn) error {
	if !enabled {
		return nil
	}
	return func(network, _ string, c syscall.RawConn) error {
		if !strings.HasPrefix(network, "tcp") {
			return nil
		}
		var serr error
		if err := c.Control(func(fd uintptr) {
			serr = unix.SetsockoptInt(int(fd), unix.IPPROTO_TCP, unix.TCP_FASTOPEN, fastOpenQueueLen)
		}); err != nil {
			return err
		}
		return serr
	}
}
