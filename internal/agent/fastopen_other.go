//go:build !linux

package agent

import "net"

// dialerWithFastOpen falls back to a plain dialer on platforms without a
// TCP_FASTOPEN_CONNECT sockopt path.
func dialerWithFastOpen() net.Dialer {
	return net.Dialer{}
}
