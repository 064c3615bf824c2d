//go:build linux || darwin || freebsd

package pool

import (
	"syscall"

	"golang.org/x/sys/unix"
)

// socketBufferControl returns a dialer control func applying send and
// receive buffer hints before connect. Best-effort: kernels clamp or
// reject sizes, so errors are ignored.
func socketBufferControl(size int) func(network, address string, c syscall.RawConn) error {
	if size <= 0 {
		return nil
	}
	return func(network, address string, c syscall.RawConn) error {
		return c.Control(func(fd uintptr) {
			unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_RCVBUF, size)
			unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_SNDBUF, size)
		})
	}
}
