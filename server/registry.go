package server

import (
	"errors"
	"log/slog"
	"sort"
	"sync"
)

var ErrConnClosed = errors.New("connection closed")

// Conn is a live transport endpoint as seen by the registry and the session
// handler. Send must be safe to call from any goroutine the active acceptor
// runs sessions on; Close must be idempotent.
type Conn interface {
	ID() string
	RemoteAddr() string
	Send(p []byte) error
	Close() error
}

type registryEntry struct {
	conn Conn
	seq  uint64
}

// Registry is the set of live connections. It is safe for concurrent use;
// I/O is never performed while its lock is held.
type Registry struct {
	mu     sync.RWMutex
	conns  map[string]registryEntry
	seq    uint64
	logger *slog.Logger
}

func NewRegistry(logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		conns:  make(map[string]registryEntry),
		logger: logger,
	}
}

func (r *Registry) Add(c Conn) {
	r.mu.Lock()
	r.seq++
	r.conns[c.ID()] = registryEntry{conn: c, seq: r.seq}
	n := len(r.conns)
	r.mu.Unlock()

	ConnectedClients.Set(float64(n))
}

// Remove deregisters c and closes its transport. It reports whether c was
// registered; removing twice is a no-op.
func (r *Registry) Remove(c Conn) bool {
	r.mu.Lock()
	_, ok := r.conns[c.ID()]
	delete(r.conns, c.ID())
	n := len(r.conns)
	r.mu.Unlock()

	if !ok {
		return false
	}
	ConnectedClients.Set(float64(n))
	if err := c.Close(); err != nil && !errors.Is(err, ErrConnClosed) {
		r.logger.Debug("close failed", "conn", c.ID(), "error", err)
	}
	return true
}

// Snapshot returns the registered connections in registration order.
func (r *Registry) Snapshot() []Conn {
	r.mu.RLock()
	entries := make([]registryEntry, 0, len(r.conns))
	for _, e := range r.conns {
		entries = append(entries, e)
	}
	r.mu.RUnlock()

	sort.Slice(entries, func(i, j int) bool { return entries[i].seq < entries[j].seq })

	conns := make([]Conn, len(entries))
	for i, e := range entries {
		conns[i] = e.conn
	}
	return conns
}

func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.conns)
}

// Broadcast writes p to every registered connection. A connection whose
// write fails is removed; delivery to the others continues. It returns the
// number of successful deliveries.
func (r *Registry) Broadcast(p []byte) int {
	delivered := 0
	var failed []Conn
	for _, c := range r.Snapshot() {
		if err := c.Send(p); err != nil {
			r.logger.Warn("broadcast write failed", "conn", c.ID(), "remote", c.RemoteAddr(), "error", err)
			BroadcastFailures.Inc()
			failed = append(failed, c)
			continue
		}
		delivered++
	}
	for _, c := range failed {
		r.Remove(c)
	}
	return delivered
}

// CloseAll removes every connection.
func (r *Registry) CloseAll() {
	for _, c := range r.Snapshot() {
		r.Remove(c)
	}
}
