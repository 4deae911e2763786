package socket

import (
	"fmt"
	"net"
	"os"

	"golang.org/x/sys/unix"

	"unitd/internal/unit"
)

// backlog for stream listeners.
const listenBacklog = 128

// open binds one parsed listener and returns it wrapped in an *os.File.
// Sockets are created non-blocking and cloexec; retention across re-exec
// (clearing cloexec) is the reliability pending table's job, not ours.
func open(l unit.Listener) (*os.File, error) {
	switch {
	case l.Kind == unit.ListenNetlink:
		return openNetlink(l)
	case l.AddressKind == unit.SocketAddressUnix, l.AddressKind == unit.SocketAddressAbstract:
		return openUnix(l)
	default:
		return openInet(l)
	}
}

func socketType(kind unit.ListenerKind) int {
	if kind == unit.ListenDatagram {
		return unix.SOCK_DGRAM
	}
	return unix.SOCK_STREAM
}

func openUnix(l unit.Listener) (*os.File, error) {
	fd, err := unix.Socket(unix.AF_UNIX, socketType(l.Kind)|unix.SOCK_CLOEXEC|unix.SOCK_NONBLOCK, 0)
	if err != nil {
		return nil, fmt.Errorf("socket: %w", err)
	}

	name := l.UnixPath
	if l.Abstract {
		name = "@" + l.UnixPath
	} else {
		// A stale path from a previous run would fail the bind.
		_ = unix.Unlink(l.UnixPath)
	}
	sa := &unix.SockaddrUnix{Name: name}
	if err := unix.Bind(fd, sa); err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("bind %s: %w", name, err)
	}
	if l.Kind == unit.ListenStream {
		if err := unix.Listen(fd, listenBacklog); err != nil {
			unix.Close(fd)
			return nil, fmt.Errorf("listen %s: %w", name, err)
		}
	}
	return os.NewFile(uintptr(fd), name), nil
}

func openInet(l unit.Listener) (*os.File, error) {
	family := unix.AF_INET
	if l.AddressKind == unit.SocketAddressInet6 {
		family = unix.AF_INET6
	}

	var ip net.IP
	if l.Host != "" {
		ip = net.ParseIP(l.Host)
		if ip == nil {
			return nil, fmt.Errorf("socket: unresolvable host %q", l.Host)
		}
		if ip.To4() != nil {
			family = unix.AF_INET
		} else {
			family = unix.AF_INET6
		}
	}

	fd, err := unix.Socket(family, socketType(l.Kind)|unix.SOCK_CLOEXEC|unix.SOCK_NONBLOCK, 0)
	if err != nil {
		return nil, fmt.Errorf("socket: %w", err)
	}
	_ = unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_REUSEADDR, 1)

	var sa unix.Sockaddr
	if family == unix.AF_INET6 {
		// A bare numeric address means dual-stack: accept v4-mapped peers
		// on the same listener.
		_ = unix.SetsockoptInt(fd, unix.IPPROTO_IPV6, unix.IPV6_V6ONLY, 0)
		sa6 := &unix.SockaddrInet6{Port: int(l.Port)}
		if ip != nil {
			copy(sa6.Addr[:], ip.To16())
		}
		sa = sa6
	} else {
		sa4 := &unix.SockaddrInet4{Port: int(l.Port)}
		if ip != nil {
			copy(sa4.Addr[:], ip.To4())
		}
		sa = sa4
	}

	if err := unix.Bind(fd, sa); err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("bind port %d: %w", l.Port, err)
	}
	if l.Kind == unit.ListenStream {
		if err := unix.Listen(fd, listenBacklog); err != nil {
			unix.Close(fd)
			return nil, fmt.Errorf("listen port %d: %w", l.Port, err)
		}
	}
	return os.NewFile(uintptr(fd), fmt.Sprintf("port-%d", l.Port)), nil
}

// netlinkProtocols maps the loader's family names to kernel protocol
// numbers.
var netlinkProtocols = map[string]int{
	"route":          unix.NETLINK_ROUTE,
	"audit":          unix.NETLINK_AUDIT,
	"netfilter":      unix.NETLINK_NETFILTER,
	"kobject-uevent": unix.NETLINK_KOBJECT_UEVENT,
	"generic":        unix.NETLINK_GENERIC,
}

func openNetlink(l unit.Listener) (*os.File, error) {
	proto, ok := netlinkProtocols[l.NetlinkFamily]
	if !ok {
		return nil, fmt.Errorf("socket: unrecognized netlink family %q", l.NetlinkFamily)
	}
	fd, err := unix.Socket(unix.AF_NETLINK, unix.SOCK_RAW|unix.SOCK_CLOEXEC|unix.SOCK_NONBLOCK, proto)
	if err != nil {
		return nil, fmt.Errorf("netlink socket: %w", err)
	}
	sa := &unix.SockaddrNetlink{Family: unix.AF_NETLINK, Groups: l.NetlinkGroup}
	if err := unix.Bind(fd, sa); err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("bind netlink %s/%d: %w", l.NetlinkFamily, l.NetlinkGroup, err)
	}
	return os.NewFile(uintptr(fd), "netlink-"+l.NetlinkFamily), nil
}
