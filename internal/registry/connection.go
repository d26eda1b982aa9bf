package registry

import (
	"context"
	"sync"
	"time"

	"github.com/smartui-fusion/fusionhub/pkg/protocol"
)

// Transport is the write side of a client connection. Implementations must be
// safe for use from a single goroutine; the connection's writer goroutine is
// the only caller.
type Transport interface {
	WriteEnvelope(data []byte) error
	Close() error
}

// ClientKind tags the kind of client behind a connection.
type ClientKind string

const (
	KindWeb     ClientKind = "web"
	KindVSCode  ClientKind = "vscode"
	KindDesktop ClientKind = "desktop"
	KindMobile  ClientKind = "mobile"
	KindUnknown ClientKind = "unknown"
)

// KindFromClientType maps the wire client_type strings onto a ClientKind.
func KindFromClientType(clientType string) ClientKind {
	switch clientType {
	case "web", "web_frontend":
		return KindWeb
	case "vscode", "vscode_extension":
		return KindVSCode
	case "desktop", "electron", "electron_app":
		return KindDesktop
	case "mobile", "android", "android_service":
		return KindMobile
	}
	return KindUnknown
}

// Conn is one live client session. All mutable state is guarded by mu; the
// outbound queue has its own synchronization so slow consumers never block
// state reads.
type Conn struct {
	ID string

	mu           sync.Mutex
	kind         ClientKind
	userID       string
	subs         map[string]struct{}
	lastActivity time.Time
	visualDebug  bool // visual debug streaming active

	listening   bool   // voice command session active
	listenLang  string // language of the active session
	listenSeq   uint64 // distinguishes sessions across the expiry timer
	listenTimer *time.Timer

	queue *sendQueue

	ctx    context.Context
	cancel context.CancelFunc
}

// Context returns the connection-scoped context. It is cancelled when the
// connection is removed from the registry; in-flight handler work must observe
// it and stop promptly.
func (c *Conn) Context() context.Context { return c.ctx }

// Kind returns the client kind recorded at init.
func (c *Conn) Kind() ClientKind {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.kind
}

// UserID returns the client-supplied user hint. Untrusted.
func (c *Conn) UserID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.userID
}

// SetIdentity records the client kind and user hint from an init message.
func (c *Conn) SetIdentity(kind ClientKind, userID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.kind = kind
	c.userID = userID
}

// BeginListening opens a voice capture session in the given language.
// Returns false when a session is already open. When window is positive the
// session self-expires after it elapses, running expire once; an explicit
// EndListening beforehand disarms the timer.
func (c *Conn) BeginListening(lang string, window time.Duration, expire func()) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.listening {
		return false
	}
	c.listening = true
	c.listenLang = lang
	c.listenSeq++
	if window > 0 {
		seq := c.listenSeq
		c.listenTimer = time.AfterFunc(window, func() {
			c.expireListening(seq, expire)
		})
	}
	return true
}

// EndListening closes the voice session, reporting its language and whether
// one was open.
func (c *Conn) EndListening() (lang string, open bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	lang, open = c.listenLang, c.listening
	c.listening = false
	c.listenLang = ""
	if c.listenTimer != nil {
		c.listenTimer.Stop()
		c.listenTimer = nil
	}
	return lang, open
}

// expireListening ends the session the timer was armed for. A session that
// was already ended, or a newer one on the same connection, is left alone.
func (c *Conn) expireListening(seq uint64, expire func()) {
	c.mu.Lock()
	if !c.listening || c.listenSeq != seq {
		c.mu.Unlock()
		return
	}
	c.listening = false
	c.listenLang = ""
	c.listenTimer = nil
	c.mu.Unlock()
	if expire != nil {
		expire()
	}
}

// Listening reports whether a voice command session is active.
func (c *Conn) Listening() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.listening
}

// ToggleVisualDebug sets the visual debug flag, flipping it when enabled is
// nil, and returns the new state.
func (c *Conn) ToggleVisualDebug(enabled *bool) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if enabled != nil {
		c.visualDebug = *enabled
	} else {
		c.visualDebug = !c.visualDebug
	}
	return c.visualDebug
}

func (c *Conn) subscribed(topic string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.subs[topic]
	return ok
}

func (c *Conn) touch(now time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.lastActivity = now
}

func (c *Conn) lastSeen() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastActivity
}

// Enqueue appends an outbound envelope to the connection's send queue,
// blocking for backpressure per the queue policy. Returns ErrConnectionGone
// if the connection was removed first.
func (c *Conn) Enqueue(env protocol.Envelope) error {
	return c.queue.enqueue(env)
}

// sendQueue is a bounded FIFO of outbound envelopes drained by a single
// writer goroutine. Coalescible types replace an older undelivered entry of
// the same type instead of growing the queue; all other types block the
// producer when the queue is full.
type sendQueue struct {
	mu         sync.Mutex
	notFull    *sync.Cond
	kick       chan struct{} // capacity 1; wakes the writer
	items      []protocol.Envelope
	max        int
	closed     bool
	onCoalesce func(msgType string)
}

func newSendQueue(max int, onCoalesce func(msgType string)) *sendQueue {
	q := &sendQueue{
		kick:       make(chan struct{}, 1),
		max:        max,
		onCoalesce: onCoalesce,
	}
	q.notFull = sync.NewCond(&q.mu)
	return q
}

func (q *sendQueue) enqueue(env protocol.Envelope) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return ErrConnectionGone
	}

	if protocol.CoalescibleTypes[env.Type] {
		for i := len(q.items) - 1; i >= 0; i-- {
			if q.items[i].Type == env.Type {
				q.items[i] = env
				if q.onCoalesce != nil {
					q.onCoalesce(env.Type)
				}
				q.wake()
				return nil
			}
		}
	}

	for len(q.items) >= q.max {
		q.notFull.Wait()
		if q.closed {
			return ErrConnectionGone
		}
	}

	q.items = append(q.items, env)
	q.wake()
	return nil
}

func (q *sendQueue) wake() {
	select {
	case q.kick <- struct{}{}:
	default:
	}
}

// drain removes and returns all queued envelopes.
func (q *sendQueue) drain() []protocol.Envelope {
	q.mu.Lock()
	defer q.mu.Unlock()
	items := q.items
	q.items = nil
	q.notFull.Broadcast()
	return items
}

func (q *sendQueue) close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.closed = true
	q.items = nil
	q.notFull.Broadcast()
}

// writeLoop drains the queue through the transport in FIFO order until the
// connection context is cancelled. Write failures end the loop; the read side
// notices the broken transport and removes the connection.
func (c *Conn) writeLoop(transport Transport) {
	for {
		select {
		case <-c.ctx.Done():
			return
		case <-c.queue.kick:
		}
		for _, env := range c.queue.drain() {
			if err := transport.WriteEnvelope(protocol.Encode(env)); err != nil {
				return
			}
		}
	}
}
