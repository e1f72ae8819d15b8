// Package control serves the local management socket: one command per
// connection, one reply line.
//
//	stats    -> OK|<stats>
//	shutdown -> OK|Shutting down
package control

import (
	"bufio"
	"context"
	"errors"
	"log/slog"
	"net"
	"os"
	"strings"
	"time"
)

// Controller is the part of the server the socket can reach.
type Controller interface {
	GetStats() string
	Shutdown()
}

type Socket struct {
	path   string
	ctrl   Controller
	logger *slog.Logger
}

func New(path string, ctrl Controller, logger *slog.Logger) *Socket {
	if logger == nil {
		logger = slog.Default()
	}
	return &Socket{path: path, ctrl: ctrl, logger: logger}
}

// Serve listens on the unix socket until ctx is cancelled. A stale socket
// file at the path is removed first.
func (s *Socket) Serve(ctx context.Context) error {
	os.Remove(s.path)

	listener, err := net.Listen("unix", s.path)
	if err != nil {
		return err
	}
	defer os.Remove(s.path)

	stop := context.AfterFunc(ctx, func() { listener.Close() })
	defer stop()

	s.logger.Info("control socket listening", "path", s.path)

	for {
		conn, err := listener.Accept()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return nil
			}
			s.logger.Warn("control accept failed", "error", err)
			continue
		}

		go s.handle(conn)
	}
}

func (s *Socket) handle(conn net.Conn) {
	defer conn.Close()
	conn.SetDeadline(time.Now().Add(5 * time.Second))

	reader := bufio.NewReader(conn)
	line, err := reader.ReadString('\n')
	if err != nil && line == "" {
		return
	}

	cmd := strings.TrimSpace(line)
	switch cmd {
	case "stats":
		conn.Write([]byte("OK|" + s.ctrl.GetStats() + "\n"))

	case "shutdown":
		conn.Write([]byte("OK|Shutting down\n"))
		s.logger.Info("shutdown requested over control socket")
		s.ctrl.Shutdown()

	default:
		conn.Write([]byte("ERROR|Unknown command\n"))
	}
}
