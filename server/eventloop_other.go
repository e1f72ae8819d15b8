//go:build !linux

package server

import (
	"context"
	"errors"
	"log/slog"
	"net"
)

var ErrEventLoopUnsupported = errors.New("event loop acceptor requires linux")

type EventLoopAcceptor struct{}

func NewEventLoopAcceptor(handler *Handler, logger *slog.Logger) *EventLoopAcceptor {
	return &EventLoopAcceptor{}
}

func (a *EventLoopAcceptor) Serve(ctx context.Context, ln net.Listener) error {
	ln.Close()
	return ErrEventLoopUnsupported
}
