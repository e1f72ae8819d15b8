package server

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net"

	"chatrelay/protocol"
)

var ErrSessionClosed = errors.New("session closed")

type sessionState int

const (
	stateConnected sessionState = iota
	stateIdle
	stateReading
	stateDispatching
	stateClosed
)

func (s sessionState) String() string {
	switch s {
	case stateConnected:
		return "connected"
	case stateIdle:
		return "idle"
	case stateReading:
		return "reading"
	case stateDispatching:
		return "dispatching"
	case stateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Session is the per-connection state machine. The acceptor feeds it raw
// bytes in stream order and reports end of stream or transport failure; it
// knows nothing about which acceptor drives it. A Session is driven by one
// goroutine at a time.
type Session struct {
	conn    Conn
	handler *Handler
	decoder *protocol.Decoder
	state   sessionState
	logger  *slog.Logger
}

func (s *Session) Conn() Conn {
	return s.conn
}

func (s *Session) Closed() bool {
	return s.state == stateClosed
}

// Feed decodes p and dispatches every frame it completes. It returns
// ErrSessionClosed once the session has ended, after which the acceptor must
// stop reading.
func (s *Session) Feed(ctx context.Context, p []byte) error {
	if s.state == stateClosed {
		return ErrSessionClosed
	}

	s.state = stateReading
	frames, err := s.decoder.Feed(p)
	for _, frame := range frames {
		s.state = stateDispatching
		s.handler.dispatch(ctx, s, frame)
		if s.state == stateClosed {
			return ErrSessionClosed
		}
	}
	if err != nil {
		s.Fail(err)
		return ErrSessionClosed
	}

	s.state = stateIdle
	return nil
}

// EndOfStream is called when the peer closed its side.
func (s *Session) EndOfStream() {
	if err := s.decoder.Close(); err != nil {
		s.logger.Debug("peer closed mid-frame", "error", err)
	}
	s.Fail(io.EOF)
}

// Fail ends the session because of a transport error.
func (s *Session) Fail(err error) {
	if s.state == stateClosed {
		return
	}
	if errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed) {
		s.logger.Info("client disconnected")
	} else {
		s.logger.Warn("client dropped", "error", err)
	}
	s.Close()
}

// Close deregisters the connection and releases its transport.
func (s *Session) Close() {
	if s.state == stateClosed {
		return
	}
	s.state = stateClosed
	s.handler.registry.Remove(s.conn)
}

// reply sends one line to this connection only.
func (s *Session) reply(text string) {
	if s.state == stateClosed {
		return
	}
	if err := s.conn.Send(protocol.FormatLine(text)); err != nil {
		s.Fail(err)
	}
}
