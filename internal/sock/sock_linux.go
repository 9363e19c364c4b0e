//go:build linux

// Package sock provides the raw nonblocking IPv4 UDP sockets the device
// multiplexes. Sockets are plain file descriptors so they can be registered
// with the epoll-based Poller directly.
package sock

import (
	"errors"
	"fmt"
	"net/netip"

	"golang.org/x/sys/unix"
)

// ErrWouldBlock is returned by the read calls when the socket is drained.
var ErrWouldBlock = errors.New("sock: would block")

// newUDP creates a nonblocking IPv4 UDP socket bound to port. Both reuse
// options are set: additional per-peer connected sockets must be able to
// bind the same local port the default socket listens on.
func newUDP(port uint16) (int, error) {
	fd, err := unix.Socket(unix.AF_INET, unix.SOCK_DGRAM|unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC, 0)
	if err != nil {
		return -1, fmt.Errorf("socket: %w", err)
	}

	if err := unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_REUSEADDR, 1); err != nil {
		unix.Close(fd)
		return -1, fmt.Errorf("setsockopt SO_REUSEADDR: %w", err)
	}
	if err := unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_REUSEPORT, 1); err != nil {
		unix.Close(fd)
		return -1, fmt.Errorf("setsockopt SO_REUSEPORT: %w", err)
	}

	if err := unix.Bind(fd, &unix.SockaddrInet4{Port: int(port)}); err != nil {
		unix.Close(fd)
		return -1, fmt.Errorf("bind :%d: %w", port, err)
	}

	return fd, nil
}

// Listen opens the default address-agnostic socket on the given local port.
func Listen(port uint16) (int, error) {
	return newUDP(port)
}

// Connect opens a dedicated socket bound to the same local port and
// connected to the peer's address, so steady-state sends and receives skip
// per-datagram address bookkeeping.
func Connect(port uint16, remote netip.AddrPort) (int, error) {
	fd, err := newUDP(port)
	if err != nil {
		return -1, err
	}
	if err := unix.Connect(fd, sockaddr(remote)); err != nil {
		unix.Close(fd)
		return -1, fmt.Errorf("connect %s: %w", remote, err)
	}
	return fd, nil
}

// ReadFrom reads one datagram from an unconnected socket. ErrWouldBlock
// means the socket is drained.
func ReadFrom(fd int, buf []byte) (int, netip.AddrPort, error) {
	n, from, err := unix.Recvfrom(fd, buf, 0)
	if err == unix.EAGAIN || err == unix.EWOULDBLOCK {
		return 0, netip.AddrPort{}, ErrWouldBlock
	}
	if err != nil {
		return 0, netip.AddrPort{}, fmt.Errorf("recvfrom: %w", err)
	}

	sa, ok := from.(*unix.SockaddrInet4)
	if !ok {
		return 0, netip.AddrPort{}, fmt.Errorf("recvfrom: non-IPv4 source %T", from)
	}
	return n, netip.AddrPortFrom(netip.AddrFrom4(sa.Addr), uint16(sa.Port)), nil
}

// Read reads one datagram from a connected socket.
func Read(fd int, buf []byte) (int, error) {
	n, err := unix.Read(fd, buf)
	if err == unix.EAGAIN || err == unix.EWOULDBLOCK {
		return 0, ErrWouldBlock
	}
	if err != nil {
		return 0, fmt.Errorf("read: %w", err)
	}
	return n, nil
}

// WriteTo sends one datagram to an explicit address.
func WriteTo(fd int, data []byte, to netip.AddrPort) error {
	if err := unix.Sendto(fd, data, 0, sockaddr(to)); err != nil {
		return fmt.Errorf("sendto %s: %w", to, err)
	}
	return nil
}

// Write sends one datagram on a connected socket.
func Write(fd int, data []byte) error {
	if _, err := unix.Write(fd, data); err != nil {
		return fmt.Errorf("write: %w", err)
	}
	return nil
}

// Close closes the socket.
func Close(fd int) error {
	return unix.Close(fd)
}

func sockaddr(ap netip.AddrPort) *unix.SockaddrInet4 {
	return &unix.SockaddrInet4{
		Port: int(ap.Port()),
		Addr: ap.Addr().As4(),
	}
}
