//go:build linux

package tun

import (
	"fmt"

	"golang.org/x/sys/unix"
)

const devNetTun = "/dev/net/tun"

type nativeDevice struct {
	fd   int
	name string
}

// Open creates (or attaches to) the named TUN interface in nonblocking
// mode, without the packet-information prefix. Address, MTU and link state
// are configured separately via the netcfg package.
func Open(name string) (Device, error) {
	fd, err := unix.Open(devNetTun, unix.O_RDWR|unix.O_CLOEXEC, 0)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", devNetTun, err)
	}

	ifr, err := unix.NewIfreq(name)
	if err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("tun name %q: %w", name, err)
	}
	ifr.SetUint16(unix.IFF_TUN | unix.IFF_NO_PI)
	if err := unix.IoctlIfreq(fd, unix.TUNSETIFF, ifr); err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("ioctl TUNSETIFF: %w", err)
	}

	if err := unix.SetNonblock(fd, true); err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("set nonblock: %w", err)
	}

	return &nativeDevice{fd: fd, name: ifr.Name()}, nil
}

func (d *nativeDevice) Read(buf []byte) (int, error) {
	n, err := unix.Read(d.fd, buf)
	if err == unix.EAGAIN || err == unix.EWOULDBLOCK {
		return 0, ErrWouldBlock
	}
	if err != nil {
		return 0, fmt.Errorf("tun read: %w", err)
	}
	return n, nil
}

func (d *nativeDevice) Write(pkt []byte) (int, error) {
	n, err := unix.Write(d.fd, pkt)
	if err != nil {
		return 0, fmt.Errorf("tun write: %w", err)
	}
	return n, nil
}

func (d *nativeDevice) Fd() int { return d.fd }

func (d *nativeDevice) Name() string { return d.name }

func (d *nativeDevice) Close() error {
	return unix.Close(d.fd)
}
