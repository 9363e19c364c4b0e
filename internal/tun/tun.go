// Package tun abstracts the virtual network interface the device routes
// packets for. The interface exists so the router can be exercised in tests
// with an in-memory implementation.
package tun

import "errors"

// ErrWouldBlock is returned by Read when no packet is pending.
var ErrWouldBlock = errors.New("tun: would block")

// Device is a byte-oriented IP packet source/sink: one full packet per
// Read/Write call. Reads never block — the fd is registered with the
// readiness poller instead.
type Device interface {
	// Read copies the next IP packet into buf and returns its length,
	// truncating if buf is too small. Returns ErrWouldBlock when drained.
	Read(buf []byte) (int, error)

	// Write hands one full IP packet to the OS.
	Write(pkt []byte) (int, error)

	// Fd exposes the underlying descriptor for poller registration.
	Fd() int

	// Name returns the OS interface name.
	Name() string

	// Close releases the device.
	Close() error
}
