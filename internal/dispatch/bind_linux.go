//go:build linux

package dispatch

import (
	"syscall"

	"golang.org/x/sys/unix"
)

// bindToDevice pins the socket to iface so replies and sends follow the
// transport chosen at boot even when both interfaces are up.
func bindToDevice(iface string) func(network, address string, c syscall.RawConn) error {
	if iface == "" {
		return nil
	}
	return func(network, address string, c syscall.RawConn) error {
		var sockErr error
		err := c.Control(func(fd uintptr) {
			sockErr = unix.SetsockoptString(int(fd), unix.SOL_SOCKET, unix.SO_BINDTODEVICE, iface)
		})
		if err != nil {
			return err
		}
		return sockErr
	}
}
