//go:build linux

package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/netip"

	"github.com/google/uuid"
	"golang.org/x/sys/unix"
)

const maxEvents = 128

// EventLoopAcceptor multiplexes every connection on one goroutine with
// epoll. All reads, writes, dispatch and registry mutation happen on that
// goroutine, including store calls, so a slow store stalls every connection.
type EventLoopAcceptor struct {
	handler *Handler
	logger  *slog.Logger
}

func NewEventLoopAcceptor(handler *Handler, logger *slog.Logger) *EventLoopAcceptor {
	if logger == nil {
		logger = slog.Default()
	}
	return &EventLoopAcceptor{handler: handler, logger: logger}
}

type eventLoop struct {
	epfd   int
	wakefd int
	lnfd   int
	conns  map[int]*loopConn
	buf    []byte

	handler *Handler
	logger  *slog.Logger
}

// loopConn is a non-blocking socket owned by the loop goroutine. Send only
// queues bytes and switches the socket's interest to writable; the loop
// drains the queue when the kernel reports it writable.
type loopConn struct {
	fd      int
	id      string
	remote  string
	loop    *eventLoop
	session *Session
	pending [][]byte
	writing bool
	closed  bool
}

func (c *loopConn) ID() string { return c.id }

func (c *loopConn) RemoteAddr() string { return c.remote }

func (c *loopConn) Send(p []byte) error {
	if c.closed {
		return ErrConnClosed
	}
	c.pending = append(c.pending, append([]byte(nil), p...))
	if !c.writing {
		if err := c.loop.interest(c.fd, unix.EPOLLOUT); err != nil {
			return err
		}
		c.writing = true
	}
	return nil
}

func (c *loopConn) Close() error {
	if c.closed {
		return ErrConnClosed
	}
	c.closed = true
	c.pending = nil
	delete(c.loop.conns, c.fd)
	unix.EpollCtl(c.loop.epfd, unix.EPOLL_CTL_DEL, c.fd, nil)
	return unix.Close(c.fd)
}

func (a *EventLoopAcceptor) Serve(ctx context.Context, ln net.Listener) error {
	tcpLn, ok := ln.(*net.TCPListener)
	if !ok {
		return fmt.Errorf("event loop needs a TCP listener, got %T", ln)
	}

	// File returns a blocking duplicate of the listening socket that the Go
	// runtime poller does not know about.
	lnFile, err := tcpLn.File()
	if err != nil {
		return fmt.Errorf("listener fd: %w", err)
	}
	defer lnFile.Close()
	defer ln.Close()

	lnfd := int(lnFile.Fd())
	if err := unix.SetNonblock(lnfd, true); err != nil {
		return fmt.Errorf("listener nonblock: %w", err)
	}

	epfd, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		return fmt.Errorf("epoll_create: %w", err)
	}
	defer unix.Close(epfd)

	wakefd, err := unix.Eventfd(0, unix.EFD_NONBLOCK|unix.EFD_CLOEXEC)
	if err != nil {
		return fmt.Errorf("eventfd: %w", err)
	}
	defer unix.Close(wakefd)

	l := &eventLoop{
		epfd:    epfd,
		wakefd:  wakefd,
		lnfd:    lnfd,
		conns:   make(map[int]*loopConn),
		buf:     make([]byte, readBufferSize),
		handler: a.handler,
		logger:  a.logger,
	}
	for _, fd := range []int{lnfd, wakefd} {
		ev := unix.EpollEvent{Events: unix.EPOLLIN, Fd: int32(fd)}
		if err := unix.EpollCtl(epfd, unix.EPOLL_CTL_ADD, fd, &ev); err != nil {
			return fmt.Errorf("epoll_ctl add: %w", err)
		}
	}

	stop := context.AfterFunc(ctx, func() {
		unix.Write(wakefd, []byte{1, 0, 0, 0, 0, 0, 0, 0})
	})
	defer stop()
	defer a.handler.registry.CloseAll()

	return l.run(ctx)
}

func (l *eventLoop) run(ctx context.Context) error {
	events := make([]unix.EpollEvent, maxEvents)
	for {
		n, err := unix.EpollWait(l.epfd, events, -1)
		if err != nil {
			if errors.Is(err, unix.EINTR) {
				continue
			}
			return fmt.Errorf("epoll_wait: %w", err)
		}

		for i := 0; i < n; i++ {
			ev := events[i]
			fd := int(ev.Fd)
			switch fd {
			case l.wakefd:
				return nil
			case l.lnfd:
				l.accept()
			default:
				// The fd may have been closed earlier in this batch.
				c, ok := l.conns[fd]
				if !ok {
					continue
				}
				switch {
				case ev.Events&unix.EPOLLIN != 0:
					l.read(ctx, c)
				case ev.Events&unix.EPOLLOUT != 0:
					l.write(c)
				case ev.Events&(unix.EPOLLERR|unix.EPOLLHUP) != 0:
					c.session.Fail(fmt.Errorf("socket error (events %#x)", ev.Events))
				}
			}
		}
	}
}

func (l *eventLoop) accept() {
	for {
		fd, sa, err := unix.Accept4(l.lnfd, unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC)
		if err != nil {
			if !errors.Is(err, unix.EAGAIN) && !errors.Is(err, unix.ECONNABORTED) {
				l.logger.Warn("error accepting connection", "error", err)
			}
			return
		}

		ev := unix.EpollEvent{Events: unix.EPOLLIN, Fd: int32(fd)}
		if err := unix.EpollCtl(l.epfd, unix.EPOLL_CTL_ADD, fd, &ev); err != nil {
			l.logger.Warn("error registering connection", "error", err)
			unix.Close(fd)
			continue
		}

		c := &loopConn{
			fd:     fd,
			id:     uuid.NewString(),
			remote: sockaddrString(sa),
			loop:   l,
		}
		l.conns[fd] = c
		c.session = l.handler.Open(c)
	}
}

func (l *eventLoop) read(ctx context.Context, c *loopConn) {
	n, err := unix.Read(c.fd, l.buf)
	switch {
	case errors.Is(err, unix.EAGAIN) || errors.Is(err, unix.EINTR):
		return
	case err != nil:
		c.session.Fail(err)
	case n == 0:
		c.session.EndOfStream()
	default:
		c.session.Feed(ctx, l.buf[:n])
	}
}

// write drains the pending queue and switches back to read interest once it
// is empty.
func (l *eventLoop) write(c *loopConn) {
	for len(c.pending) > 0 {
		n, err := unix.Write(c.fd, c.pending[0])
		if err != nil {
			if errors.Is(err, unix.EAGAIN) || errors.Is(err, unix.EINTR) {
				return
			}
			c.session.Fail(err)
			return
		}
		if n < len(c.pending[0]) {
			c.pending[0] = c.pending[0][n:]
			continue
		}
		c.pending[0] = nil
		c.pending = c.pending[1:]
	}

	c.pending = nil
	if err := l.interest(c.fd, unix.EPOLLIN); err != nil {
		c.session.Fail(err)
		return
	}
	c.writing = false
}

func (l *eventLoop) interest(fd int, events uint32) error {
	ev := unix.EpollEvent{Events: events, Fd: int32(fd)}
	return unix.EpollCtl(l.epfd, unix.EPOLL_CTL_MOD, fd, &ev)
}

func sockaddrString(sa unix.Sockaddr) string {
	switch a := sa.(type) {
	case *unix.SockaddrInet4:
		return netip.AddrPortFrom(netip.AddrFrom4(a.Addr), uint16(a.Port)).String()
	case *unix.SockaddrInet6:
		return netip.AddrPortFrom(netip.AddrFrom16(a.Addr), uint16(a.Port)).String()
	default:
		return "unknown"
	}
}
