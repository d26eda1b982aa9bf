// Package dispatch routes decoded inbound envelopes to their handlers.
// Messages from the same connection with the same type run strictly one at a
// time in arrival order; everything else runs concurrently.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"
	"time"

	"github.com/smartui-fusion/fusionhub/internal/registry"
	"github.com/smartui-fusion/fusionhub/pkg/protocol"
)

// Handler processes one inbound envelope for one connection. The payload has
// already been decoded and validated by the codec. A returned error is
// translated into an error envelope back to the sender; the returned
// ErrorCode picks the error taxonomy entry (CodeHandlerFailure when the
// handler returns a bare error).
type Handler interface {
	Handle(ctx context.Context, conn *registry.Conn, env protocol.Envelope, payload any) error
}

// HandlerFunc adapts a function to the Handler interface.
type HandlerFunc func(ctx context.Context, conn *registry.Conn, env protocol.Envelope, payload any) error

func (f HandlerFunc) Handle(ctx context.Context, conn *registry.Conn, env protocol.Envelope, payload any) error {
	return f(ctx, conn, env, payload)
}

type pairKey struct {
	connID  string
	msgType string
}

// pairQueue serializes work for one (connection, type) pair. running is true
// while a worker goroutine owns the pair; pending holds arrivals in FIFO
// order until the worker picks them up.
type pairQueue struct {
	running bool
	pending []job
}

type job struct {
	conn    *registry.Conn
	env     protocol.Envelope
	payload any
}

// Router owns the handler table and the per-pair serialization state.
type Router struct {
	logger   *slog.Logger
	handlers map[string]Handler

	// metrics hooks, all optional
	onDispatch func(msgType string)
	onFailure  func(msgType string)
	onProtoErr func(code protocol.ErrorCode)
	onHandled  func(msgType string, seconds float64)

	mu    sync.Mutex
	pairs map[pairKey]*pairQueue
	wg    sync.WaitGroup
}

// Options configures the Router.
type Options struct {
	OnDispatch       func(msgType string)
	OnHandlerFailure func(msgType string)
	OnProtocolError  func(code protocol.ErrorCode)
	OnHandled        func(msgType string, seconds float64)
}

// New creates a Router with an empty handler table.
func New(logger *slog.Logger, opts Options) *Router {
	return &Router{
		logger:     logger.With("component", "dispatch"),
		handlers:   make(map[string]Handler),
		onDispatch: opts.OnDispatch,
		onFailure:  opts.OnHandlerFailure,
		onProtoErr: opts.OnProtocolError,
		onHandled:  opts.OnHandled,
		pairs:      make(map[pairKey]*pairQueue),
	}
}

// Register installs the handler for a message type. Registering the same type
// twice replaces the earlier handler.
func (r *Router) Register(msgType string, h Handler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers[msgType] = h
}

// RegisterFunc installs a HandlerFunc for a message type.
func (r *Router) RegisterFunc(msgType string, f HandlerFunc) {
	r.Register(msgType, f)
}

// Dispatch decodes raw into an envelope and routes it. Codec failures and
// missing handlers produce an error envelope on the sender's queue; Dispatch
// itself never blocks on handler execution.
func (r *Router) Dispatch(conn *registry.Conn, raw []byte) {
	env, err := protocol.Decode(raw)
	if err != nil {
		r.sendError(conn, env, err)
		return
	}

	payload, err := protocol.DecodePayload(env)
	if err != nil {
		r.sendError(conn, env, err)
		return
	}

	if r.onDispatch != nil {
		r.onDispatch(env.Type)
	}

	r.mu.Lock()
	h, ok := r.handlers[env.Type]
	r.mu.Unlock()
	if !ok {
		r.sendError(conn, env, &protocol.ProtocolError{
			Code:    protocol.CodeUnknownMessageType,
			Message: fmt.Sprintf("no handler for %q", env.Type),
		})
		return
	}

	key := pairKey{connID: conn.ID, msgType: env.Type}
	j := job{conn: conn, env: env, payload: payload}

	r.mu.Lock()
	pq := r.pairs[key]
	if pq == nil {
		pq = &pairQueue{}
		r.pairs[key] = pq
	}
	if pq.running {
		pq.pending = append(pq.pending, j)
		r.mu.Unlock()
		return
	}
	pq.running = true
	r.mu.Unlock()

	r.wg.Add(1)
	go r.runPair(key, h, j)
}

// runPair executes jobs for one pair until the pending queue is empty, then
// releases the pair. At most one runPair goroutine exists per pair.
func (r *Router) runPair(key pairKey, h Handler, first job) {
	defer r.wg.Done()

	j := first
	for {
		r.execute(h, j)

		r.mu.Lock()
		pq := r.pairs[key]
		if len(pq.pending) == 0 {
			delete(r.pairs, key)
			r.mu.Unlock()
			return
		}
		j = pq.pending[0]
		pq.pending = pq.pending[1:]
		r.mu.Unlock()
	}
}

func (r *Router) execute(h Handler, j job) {
	ctx := j.conn.Context()
	if ctx.Err() != nil {
		return
	}

	defer func() {
		if rec := recover(); rec != nil {
			r.logger.Error("handler panicked",
				"type", j.env.Type, "conn_id", j.conn.ID,
				"panic", rec, "stack", string(debug.Stack()))
			r.sendError(j.conn, j.env, &protocol.ProtocolError{
				Code:    protocol.CodeHandlerFailure,
				Message: "internal handler error",
			})
			if r.onFailure != nil {
				r.onFailure(j.env.Type)
			}
		}
	}()

	start := time.Now()
	err := h.Handle(ctx, j.conn, j.env, j.payload)
	if r.onHandled != nil {
		r.onHandled(j.env.Type, time.Since(start).Seconds())
	}
	if err != nil {
		r.logger.Warn("handler failed", "type", j.env.Type, "conn_id", j.conn.ID, "error", err)
		r.sendError(j.conn, j.env, err)
		if r.onFailure != nil {
			r.onFailure(j.env.Type)
		}
	}
}

// sendError queues an error envelope correlated to the failed message. A
// *protocol.ProtocolError keeps its code; anything else maps to
// handler_failure.
func (r *Router) sendError(conn *registry.Conn, env protocol.Envelope, err error) {
	code := protocol.CodeHandlerFailure
	msg := err.Error()
	var pe *protocol.ProtocolError
	if errors.As(err, &pe) {
		code = pe.Code
		msg = pe.Message
	}
	if r.onProtoErr != nil {
		r.onProtoErr(code)
	}

	out := protocol.New(protocol.TypeError, "server", protocol.ErrorPayload{
		Code:         code,
		Message:      msg,
		CorrelatesTo: env.MessageID,
	})
	if qerr := conn.Enqueue(out); qerr != nil {
		r.logger.Debug("error envelope dropped", "conn_id", conn.ID, "error", qerr)
	}
}

// Wait blocks until all in-flight handler goroutines finish. Used on
// shutdown after the registry has cancelled connection contexts.
func (r *Router) Wait() { r.wg.Wait() }
