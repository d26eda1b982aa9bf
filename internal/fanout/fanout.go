// Package fanout delivers outbound envelopes to one, some, or all live
// connections. Delivery goes through each connection's own send queue, so a
// slow client never stalls the others.
package fanout

import (
	"log/slog"

	"github.com/smartui-fusion/fusionhub/internal/registry"
	"github.com/smartui-fusion/fusionhub/pkg/protocol"
)

// Engine resolves delivery targets against the registry.
type Engine struct {
	logger   *slog.Logger
	registry *registry.Registry

	onRouted  func(msgType string)
	onDropped func(msgType string)
}

// Options configures the Engine. The hooks are optional metrics taps.
type Options struct {
	OnRouted  func(msgType string)
	OnDropped func(msgType string)
}

// New creates an Engine over the given registry.
func New(logger *slog.Logger, reg *registry.Registry, opts Options) *Engine {
	return &Engine{
		logger:    logger.With("component", "fanout"),
		registry:  reg,
		onRouted:  opts.OnRouted,
		onDropped: opts.OnDropped,
	}
}

// Unicast delivers an envelope to a single connection. Returns false when the
// connection is unknown or already gone.
func (e *Engine) Unicast(connID string, env protocol.Envelope) bool {
	c := e.registry.Get(connID)
	if c == nil {
		e.drop(env.Type)
		return false
	}
	return e.deliver(c, env)
}

// ToUser delivers an envelope to every connection claiming the given user.
func (e *Engine) ToUser(userID string, env protocol.Envelope) int {
	return e.fan(e.registry.ByUser(userID), env)
}

// ToKind delivers an envelope to every connection of one client kind.
func (e *Engine) ToKind(kind registry.ClientKind, env protocol.Envelope) int {
	return e.fan(e.registry.ByKind(kind), env)
}

// ToTopic delivers an envelope to every connection subscribed to a topic.
func (e *Engine) ToTopic(topic string, env protocol.Envelope) int {
	return e.fan(e.registry.Subscribers(topic), env)
}

// Broadcast delivers an envelope to every live connection.
func (e *Engine) Broadcast(env protocol.Envelope) int {
	return e.fan(e.registry.List(), env)
}

// BroadcastExcept delivers an envelope to every live connection except one.
func (e *Engine) BroadcastExcept(exceptID string, env protocol.Envelope) int {
	conns := e.registry.List()
	kept := conns[:0]
	for _, c := range conns {
		if c.ID != exceptID {
			kept = append(kept, c)
		}
	}
	return e.fan(kept, env)
}

func (e *Engine) fan(conns []*registry.Conn, env protocol.Envelope) int {
	delivered := 0
	for _, c := range conns {
		if e.deliver(c, env) {
			delivered++
		}
	}
	return delivered
}

func (e *Engine) deliver(c *registry.Conn, env protocol.Envelope) bool {
	if err := c.Enqueue(env); err != nil {
		e.logger.Debug("delivery dropped", "conn_id", c.ID, "type", env.Type, "error", err)
		e.drop(env.Type)
		return false
	}
	if e.onRouted != nil {
		e.onRouted(env.Type)
	}
	return true
}

func (e *Engine) drop(msgType string) {
	if e.onDropped != nil {
		e.onDropped(msgType)
	}
}
