//go:build !linux

package ssserver

import "syscall"

// fastOpenControl is a no-op where TCP fast open is not wired up.
func fastOpenControl(bool) func(network, address string, c syscall.RawConn) error {
	return nil
}
