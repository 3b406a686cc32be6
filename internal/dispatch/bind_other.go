//go:build !linux

package dispatch

import "syscall"

func bindToDevice(string) func(network, address string, c syscall.RawConn) error {
	return nil
}
