//go:build linux

package poll

import (
	"fmt"

	"golang.org/x/sys/unix"
)

// Poller multiplexes read readiness over one epoll instance shared by all
// worker threads. EPOLLET together with EPOLLEXCLUSIVE guarantees a given
// readiness transition wakes at most one waiting thread, so two workers
// never drain the same resource concurrently.
type Poller struct {
	epfd int
}

// New creates the epoll instance.
func New() (*Poller, error) {
	epfd, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		return nil, fmt.Errorf("epoll_create1: %w", err)
	}
	return &Poller{epfd: epfd}, nil
}

// RegisterRead arms fd for edge-triggered read readiness, tagged with tok.
func (p *Poller) RegisterRead(tok Token, fd int) error {
	ev := unix.EpollEvent{
		Events: unix.EPOLLIN | unix.EPOLLET | unix.EPOLLEXCLUSIVE,
		Fd:     int32(tok),
	}
	if err := unix.EpollCtl(p.epfd, unix.EPOLL_CTL_ADD, fd, &ev); err != nil {
		return fmt.Errorf("epoll_ctl add fd %d: %w", fd, err)
	}
	return nil
}

// Deregister removes interest in fd.
func (p *Poller) Deregister(fd int) error {
	if err := unix.EpollCtl(p.epfd, unix.EPOLL_CTL_DEL, fd, nil); err != nil {
		return fmt.Errorf("epoll_ctl del fd %d: %w", fd, err)
	}
	return nil
}

// Wait blocks until one registered resource becomes readable and returns
// its token. Asking the kernel for a single event at a time trades batch
// efficiency for a simpler dispatch loop.
func (p *Poller) Wait() (Token, error) {
	var events [1]unix.EpollEvent
	for {
		n, err := unix.EpollWait(p.epfd, events[:], -1)
		if err == unix.EINTR {
			continue
		}
		if err != nil {
			return 0, fmt.Errorf("epoll_wait: %w", err)
		}
		if n == 0 {
			continue
		}
		return Token(uint32(events[0].Fd)), nil
	}
}

// Close tears down the epoll instance. Threads already blocked in Wait are
// not woken; they are reaped with the process.
func (p *Poller) Close() error {
	return unix.Close(p.epfd)
}
