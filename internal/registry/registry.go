// Package registry tracks live client connections, their identity and
// per-connection outbound queues, and sweeps out connections that stop
// showing signs of life.
package registry

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
)

// ErrConnectionGone is returned when an operation targets a connection that
// has been removed from the registry.
var ErrConnectionGone = errors.New("connection gone")

// Options configures the Registry.
type Options struct {
	SendQueueSize int           // per-connection outbound queue capacity (default 256)
	IdleTimeout   time.Duration // remove connections silent for this long (default 90s)
	SweepInterval time.Duration // liveness sweep period (default 30s)
}

// Hooks receive registry lifecycle events. All fields are optional.
type Hooks struct {
	OnAdd      func(c *Conn)
	OnRemove   func(c *Conn)
	OnCoalesce func(msgType string)
}

// Registry is the authoritative table of live connections.
type Registry struct {
	logger *slog.Logger
	opts   Options
	hooks  Hooks

	mu    sync.RWMutex
	conns map[string]*Conn
}

// New creates a Registry.
func New(logger *slog.Logger, opts Options, hooks Hooks) *Registry {
	if opts.SendQueueSize == 0 {
		opts.SendQueueSize = 256
	}
	if opts.IdleTimeout == 0 {
		opts.IdleTimeout = 90 * time.Second
	}
	if opts.SweepInterval == 0 {
		opts.SweepInterval = 30 * time.Second
	}
	return &Registry{
		logger: logger.With("component", "registry"),
		opts:   opts,
		hooks:  hooks,
		conns:  make(map[string]*Conn),
	}
}

// Add registers a transport as a new connection, assigns it a server-side id,
// and starts its writer goroutine. The returned Conn is live until Remove.
func (r *Registry) Add(parent context.Context, transport Transport) *Conn {
	ctx, cancel := context.WithCancel(parent)
	c := &Conn{
		ID:           uuid.New().String(),
		kind:         KindUnknown,
		subs:         make(map[string]struct{}),
		lastActivity: time.Now(),
		ctx:          ctx,
		cancel:       cancel,
	}
	c.queue = newSendQueue(r.opts.SendQueueSize, r.hooks.OnCoalesce)

	r.mu.Lock()
	r.conns[c.ID] = c
	n := len(r.conns)
	r.mu.Unlock()

	go func() {
		defer transport.Close()
		c.writeLoop(transport)
	}()

	if r.hooks.OnAdd != nil {
		r.hooks.OnAdd(c)
	}
	r.logger.Info("connection added", "conn_id", c.ID, "total", n)
	return c
}

// Remove deletes a connection, cancels its context, and closes its queue.
// Removing an unknown or already-removed id is a no-op.
func (r *Registry) Remove(connID string) {
	r.mu.Lock()
	c, ok := r.conns[connID]
	if ok {
		delete(r.conns, connID)
	}
	n := len(r.conns)
	r.mu.Unlock()

	if !ok {
		return
	}

	c.cancel()
	c.queue.close()

	if r.hooks.OnRemove != nil {
		r.hooks.OnRemove(c)
	}
	r.logger.Info("connection removed", "conn_id", connID, "total", n)
}

// Get returns the connection with the given id, or nil.
func (r *Registry) Get(connID string) *Conn {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.conns[connID]
}

// List returns a snapshot of all live connections.
func (r *Registry) List() []*Conn {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Conn, 0, len(r.conns))
	for _, c := range r.conns {
		out = append(out, c)
	}
	return out
}

// Count returns the number of live connections.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.conns)
}

// Touch records inbound activity for a connection.
func (r *Registry) Touch(connID string) {
	if c := r.Get(connID); c != nil {
		c.touch(time.Now())
	}
}

// Subscribe adds the connection to a named topic. Returns ErrConnectionGone
// when the connection id is unknown or already removed.
func (r *Registry) Subscribe(connID, topic string) error {
	c := r.Get(connID)
	if c == nil {
		return ErrConnectionGone
	}
	c.mu.Lock()
	c.subs[topic] = struct{}{}
	c.mu.Unlock()
	return nil
}

// Unsubscribe removes the connection from a named topic. Returns
// ErrConnectionGone when the connection id is unknown or already removed.
func (r *Registry) Unsubscribe(connID, topic string) error {
	c := r.Get(connID)
	if c == nil {
		return ErrConnectionGone
	}
	c.mu.Lock()
	delete(c.subs, topic)
	c.mu.Unlock()
	return nil
}

// Subscribers returns the connections subscribed to a topic.
func (r *Registry) Subscribers(topic string) []*Conn {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []*Conn
	for _, c := range r.conns {
		if c.subscribed(topic) {
			out = append(out, c)
		}
	}
	return out
}

// ByKind returns the connections whose client kind matches.
func (r *Registry) ByKind(kind ClientKind) []*Conn {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []*Conn
	for _, c := range r.conns {
		if c.Kind() == kind {
			out = append(out, c)
		}
	}
	return out
}

// ByUser returns the connections whose user hint matches.
func (r *Registry) ByUser(userID string) []*Conn {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []*Conn
	for _, c := range r.conns {
		if c.UserID() == userID {
			out = append(out, c)
		}
	}
	return out
}

// StartSweeper starts a background goroutine that removes connections with no
// inbound activity for the idle timeout. It stops when ctx is cancelled.
func (r *Registry) StartSweeper(ctx context.Context) {
	go func() {
		ticker := time.NewTicker(r.opts.SweepInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				r.sweep(time.Now())
			}
		}
	}()
}

func (r *Registry) sweep(now time.Time) {
	cutoff := now.Add(-r.opts.IdleTimeout)

	r.mu.RLock()
	var stale []string
	for id, c := range r.conns {
		if c.lastSeen().Before(cutoff) {
			stale = append(stale, id)
		}
	}
	r.mu.RUnlock()

	for _, id := range stale {
		r.logger.Info("sweeping idle connection", "conn_id", id, "timeout", r.opts.IdleTimeout)
		r.Remove(id)
	}
}
