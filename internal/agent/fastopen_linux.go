//go:build linux

package agent

import (
	"net"
	"syscall"

	"golang.org/x/sys/unix"
)

// dialerWithFastOpen returns a Dialer that attempts to enable
// TCP_FASTOPEN_CONNECT on the outbound socket before the connect(2) call,
// so the handshake and first payload bytes can ride the same round trip.
// If the setsockopt fails (kernel too old, sandboxed, etc.) the dial
// proceeds as a plain connect — the fallback the spec calls for.
func dialerWithFastOpen() net.Dialer {
	return net.Dialer{
		Control: func(_, _ string, c syscall.RawConn) error {
			_ = c.Control(func(fd uintptr) {
				_ = unix.SetsockoptInt(int(fd), unix.IPPROTO_TCP, unix.TCP_FASTOPEN_CONNECT, 1)
			})
			return nil
		},
	}
}
