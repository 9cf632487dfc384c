package bus

import "time"

// InboundMessage is what a channel adapter publishes after receiving a
// message from its transport. media entries are URIs or data URIs,
// already resolved by the channel before enqueue.
type InboundMessage struct {
	Channel   string
	SenderID  string
	ChatID    string
	Content   string
	Timestamp time.Time
	Media     []string
	Metadata  map[string]any
}

// SessionKey identifies the FIFO ordering domain for a message:
// channel:chatId.
func (m *InboundMessage) SessionKey() string {
	return m.Channel + ":" + m.ChatID
}

// OutboundMessage is what the executor publishes for a channel to
// deliver back to its transport.
type OutboundMessage struct {
	Channel  string
	ChatID   string
	Content  string
	ReplyTo  string
	Media    []string
	Metadata map[string]any
}

// SessionKey mirrors InboundMessage.SessionKey for outbound routing.
func (m *OutboundMessage) SessionKey() string {
	return m.Channel + ":" + m.ChatID
}
