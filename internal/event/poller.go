// Package event wraps the readiness primitives the reactor is built on:
// an epoll instance and a self-pipe for delivering signals into the wait loop.
package event

import (
	"fmt"

	"golang.org/x/sys/unix"
)

// Poller owns a single epoll descriptor. The listening socket and the
// self-pipe read end are registered level-triggered; connection sockets are
// registered edge-triggered with EPOLLONESHOT so that exactly one goroutine
// observes each readiness transition until the socket is explicitly re-armed.
type Poller struct {
	epfd int
}

// NewPoller creates the epoll instance.
func NewPoller() (*Poller, error) {
	fd, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		return nil, fmt.Errorf("creating epoll instance: %w", err)
	}
	return &Poller{epfd: fd}, nil
}

const oneShotMask = unix.EPOLLET | unix.EPOLLONESHOT | unix.EPOLLRDHUP

// AddLevel registers fd level-triggered for read readiness, without one-shot.
// Used for the listening socket and the self-pipe read end.
func (p *Poller) AddLevel(fd int) error {
	ev := unix.EpollEvent{Events: unix.EPOLLIN | unix.EPOLLRDHUP, Fd: int32(fd)}
	return p.ctl(unix.EPOLL_CTL_ADD, fd, &ev)
}

// AddOneShot registers a connection socket edge-triggered one-shot for reads.
func (p *Poller) AddOneShot(fd int) error {
	ev := unix.EpollEvent{Events: unix.EPOLLIN | oneShotMask, Fd: int32(fd)}
	return p.ctl(unix.EPOLL_CTL_ADD, fd, &ev)
}

// RearmRead re-arms a one-shot connection socket for read readiness.
func (p *Poller) RearmRead(fd int) error {
	ev := unix.EpollEvent{Events: unix.EPOLLIN | oneShotMask, Fd: int32(fd)}
	return p.ctl(unix.EPOLL_CTL_MOD, fd, &ev)
}

// RearmWrite re-arms a one-shot connection socket for write readiness.
func (p *Poller) RearmWrite(fd int) error {
	ev := unix.EpollEvent{Events: unix.EPOLLOUT | oneShotMask, Fd: int32(fd)}
	return p.ctl(unix.EPOLL_CTL_MOD, fd, &ev)
}

// Remove deletes fd from the readiness set. The caller closes the fd.
func (p *Poller) Remove(fd int) error {
	return p.ctl(unix.EPOLL_CTL_DEL, fd, nil)
}

func (p *Poller) ctl(op, fd int, ev *unix.EpollEvent) error {
	if err := unix.EpollCtl(p.epfd, op, fd, ev); err != nil {
		return fmt.Errorf("epoll_ctl fd %d: %w", fd, err)
	}
	return nil
}

// Wait blocks until at least one registered descriptor is ready and fills
// events. Interrupted waits are retried; any other error is fatal to the
// caller's loop.
func (p *Poller) Wait(events []unix.EpollEvent) (int, error) {
	for {
		n, err := unix.EpollWait(p.epfd, events, -1)
		if err == unix.EINTR {
			continue
		}
		if err != nil {
			return 0, fmt.Errorf("epoll_wait: %w", err)
		}
		return n, nil
	}
}

// Close releases the epoll descriptor.
func (p *Poller) Close() error {
	return unix.Close(p.epfd)
}
