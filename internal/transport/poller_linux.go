//go:build linux

package transport

import (
	"fmt"
	"net"
	"sync"
	"syscall"
	"time"

	"golang.org/x/sys/unix"
)

// epollPoller is the Linux epoll-backed Poller. Events are keyed by the
// caller's Token instead of the net.Conn itself, so the event loop never
// has to hash a net.Conn to find its connection, and registration asks for
// write readiness as well as read, edge-triggered, since outbound FIXT
// traffic needs POLLOUT dispatch just as much as inbound needs POLLIN.
type epollPoller struct {
	fd int

	mu    sync.Mutex
	conns map[Token]net.Conn

	events []unix.EpollEvent
}

// NewPoller constructs the platform epoll poller.
func NewPoller() (Poller, error) {
	fd, err := unix.EpollCreate1(0)
	if err != nil {
		return nil, fmt.Errorf("transport: epoll_create1: %w", err)
	}
	return &epollPoller{
		fd:     fd,
		conns:  make(map[Token]net.Conn),
		events: make([]unix.EpollEvent, 1024),
	}, nil
}

func (p *epollPoller) Register(token Token, conn net.Conn) error {
	fd := socketFD(conn)
	if fd < 0 {
		return fmt.Errorf("transport: connection for token %d has no raw file descriptor", token)
	}
	ev := unix.EpollEvent{
		Events: unix.EPOLLIN | unix.EPOLLOUT | unix.EPOLLRDHUP | unix.EPOLLHUP | unix.EPOLLERR | unix.EPOLLET,
		Fd:     int32(fd),
	}
	// Pad carries the token so EpollWait events map back to a connection
	// without a second fd->token lookup.
	ev.Pad = int32(token)
	if err := unix.EpollCtl(p.fd, unix.EPOLL_CTL_ADD, fd, &ev); err != nil {
		return fmt.Errorf("transport: epoll_ctl add fd=%d: %w", fd, err)
	}

	p.mu.Lock()
	p.conns[token] = conn
	p.mu.Unlock()
	return nil
}

func (p *epollPoller) Deregister(token Token) error {
	p.mu.Lock()
	conn, ok := p.conns[token]
	delete(p.conns, token)
	p.mu.Unlock()
	if !ok {
		return nil
	}
	fd := socketFD(conn)
	if fd < 0 {
		return nil
	}
	if err := unix.EpollCtl(p.fd, unix.EPOLL_CTL_DEL, fd, nil); err != nil {
		return fmt.Errorf("transport: epoll_ctl del fd=%d: %w", fd, err)
	}
	return nil
}

func (p *epollPoller) Wait(timeout time.Duration) ([]Event, error) {
	ms := -1
	if timeout > 0 {
		ms = int(timeout.Milliseconds())
	}
	n, err := unix.EpollWait(p.fd, p.events, ms)
	if err != nil {
		if err == unix.EINTR {
			return nil, nil
		}
		return nil, fmt.Errorf("transport: epoll_wait: %w", err)
	}

	out := make([]Event, 0, n)
	for i := 0; i < n; i++ {
		raw := p.events[i]
		ev := Event{Token: Token(raw.Pad)}
		ev.Readable = raw.Events&unix.EPOLLIN != 0
		ev.Writable = raw.Events&unix.EPOLLOUT != 0
		ev.HangUp = raw.Events&(unix.EPOLLRDHUP|unix.EPOLLHUP|unix.EPOLLERR) != 0
		out = append(out, ev)
	}
	return out, nil
}

func (p *epollPoller) Close() error {
	return unix.Close(p.fd)
}

// socketFD extracts the raw file descriptor backing a net.Conn via its
// SyscallConn/RawConn.Control escape hatch.
func socketFD(conn net.Conn) int {
	sc, ok := conn.(syscall.Conn)
	if !ok {
		return -1
	}
	raw, err := sc.SyscallConn()
	if err != nil {
		return -1
	}
	var fd int
	err = raw.Control(func(f uintptr) {
		fd = int(f)
	})
	if err != nil {
		return -1
	}
	return fd
}
