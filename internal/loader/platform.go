package loader

import "net"

// IPv6Supported probes whether the host can bind an IPv6 socket, used by
// ParseSocketAddress to decide whether a bare numeric listener address
// binds dual-stack IPv6 or falls back to IPv4.
func IPv6Supported() bool {
	l, err := net.Listen("tcp6", "[::1]:0")
	if err != nil {
		return false
	}
	_ = l.Close()
	return true
}
