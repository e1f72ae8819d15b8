package server

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/semaphore"
)

const readBufferSize = 4096

// Acceptor owns the accept loop and drives one Session per connection until
// ctx is cancelled. Serve returns nil on cancellation.
type Acceptor interface {
	Serve(ctx context.Context, ln net.Listener) error
}

// streamConn is a net.Conn registered under a generated id. Writes are
// serialized because broadcasts come from other sessions' goroutines.
type streamConn struct {
	id           string
	conn         net.Conn
	writeTimeout time.Duration

	writeMu sync.Mutex
	closed  atomic.Bool
}

func newStreamConn(conn net.Conn, writeTimeout time.Duration) *streamConn {
	return &streamConn{
		id:           uuid.NewString(),
		conn:         conn,
		writeTimeout: writeTimeout,
	}
}

func (c *streamConn) ID() string { return c.id }

func (c *streamConn) RemoteAddr() string {
	if addr := c.conn.RemoteAddr(); addr != nil {
		return addr.String()
	}
	return ""
}

func (c *streamConn) Send(p []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	if c.closed.Load() {
		return ErrConnClosed
	}
	if c.writeTimeout > 0 {
		c.conn.SetWriteDeadline(time.Now().Add(c.writeTimeout))
	}
	_, err := c.conn.Write(p)
	return err
}

// Close does not wait for an in-flight Send; closing the socket unblocks it.
func (c *streamConn) Close() error {
	if c.closed.Swap(true) {
		return ErrConnClosed
	}
	return c.conn.Close()
}

// ThreadedAcceptor runs each connection on its own goroutine with blocking
// reads. MaxSessions > 0 caps the number of concurrently served connections;
// further connections wait in the listen backlog.
type ThreadedAcceptor struct {
	handler      *Handler
	maxSessions  int
	writeTimeout time.Duration
	logger       *slog.Logger
	wg           sync.WaitGroup
}

func NewThreadedAcceptor(handler *Handler, maxSessions int, writeTimeout time.Duration, logger *slog.Logger) *ThreadedAcceptor {
	if logger == nil {
		logger = slog.Default()
	}
	return &ThreadedAcceptor{
		handler:      handler,
		maxSessions:  maxSessions,
		writeTimeout: writeTimeout,
		logger:       logger,
	}
}

func (a *ThreadedAcceptor) Serve(ctx context.Context, ln net.Listener) error {
	var sem *semaphore.Weighted
	if a.maxSessions > 0 {
		sem = semaphore.NewWeighted(int64(a.maxSessions))
	}

	stop := context.AfterFunc(ctx, func() { ln.Close() })
	defer stop()

	var serveErr error
	for {
		if sem != nil {
			if err := sem.Acquire(ctx, 1); err != nil {
				break
			}
		}

		conn, err := ln.Accept()
		if err != nil {
			if sem != nil {
				sem.Release(1)
			}
			if ctx.Err() != nil {
				break
			}
			if errors.Is(err, net.ErrClosed) {
				serveErr = err
				break
			}
			a.logger.Warn("error accepting connection", "error", err)
			continue
		}

		a.wg.Add(1)
		go func() {
			defer a.wg.Done()
			if sem != nil {
				defer sem.Release(1)
			}
			a.serveConn(ctx, conn)
		}()
	}

	a.handler.registry.CloseAll()
	a.wg.Wait()
	return serveErr
}

func (a *ThreadedAcceptor) serveConn(ctx context.Context, conn net.Conn) {
	sess := a.handler.Open(newStreamConn(conn, a.writeTimeout))

	buf := make([]byte, readBufferSize)
	for {
		n, err := conn.Read(buf)
		if n > 0 {
			if ferr := sess.Feed(ctx, buf[:n]); ferr != nil {
				return
			}
		}
		if err != nil {
			if errors.Is(err, io.EOF) {
				sess.EndOfStream()
			} else {
				sess.Fail(err)
			}
			return
		}
	}
}
