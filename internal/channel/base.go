package channel

import (
	"context"

	"github.com/stellarlinkco/agentcore/internal/bus"
)

// Channel is the capability every message-source adapter implements:
// start polling/listening, stop cleanly, accept an outbound message,
// and report the name it registers inbound messages under.
type Channel interface {
	Name() string
	Start(ctx context.Context) error
	Stop() error
	Send(msg bus.OutboundMessage) error
}

// BaseChannel holds the fields and allow-list check every adapter
// shares: the bus it publishes inbound messages to and reads outbound
// subscriptions from, and an optional sender allow-list.
type BaseChannel struct {
	name      string
	bus       *bus.MessageBus
	allowFrom map[string]struct{}
}

// NewBaseChannel builds the shared adapter state. A nil or empty
// allowFrom disables filtering: every sender is allowed.
func NewBaseChannel(name string, b *bus.MessageBus, allowFrom []string) BaseChannel {
	var allow map[string]struct{}
	if len(allowFrom) > 0 {
		allow = make(map[string]struct{}, len(allowFrom))
		for _, id := range allowFrom {
			allow[id] = struct{}{}
		}
	}
	return BaseChannel{name: name, bus: b, allowFrom: allow}
}

func (c *BaseChannel) Name() string { return c.name }

// IsAllowed reports whether senderID may submit inbound messages. With
// no allow-list configured, every sender is allowed.
func (c *BaseChannel) IsAllowed(senderID string) bool {
	if c.allowFrom == nil {
		return true
	}
	_, ok := c.allowFrom[senderID]
	return ok
}
