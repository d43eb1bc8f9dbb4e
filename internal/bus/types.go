package bus

import (
	"time"

	"github.com/google/uuid"
)

// InboundMessage represents a message received from a channel driver (WhatsApp, Telegram, Discord).
type InboundMessage struct {
	ChannelID  uuid.UUID         `json:"channel_id"`
	CompanyID  uuid.UUID         `json:"company_id"`
	Provider   string            `json:"provider"`
	SenderID   string            `json:"sender_id"`
	SenderName string            `json:"sender_name,omitempty"`
	ChatID     string            `json:"chat_id"`
	ExternalID string            `json:"external_id,omitempty"` // provider message id
	Content    string            `json:"content"`
	PeerKind   string            `json:"peer_kind,omitempty"` // "direct" or "group"
	ReceivedAt time.Time         `json:"received_at"`
	Metadata   map[string]string `json:"metadata,omitempty"`
}

// OutboundMessage represents a message to be delivered through a channel.
type OutboundMessage struct {
	To       string            `json:"to"`
	Content  string            `json:"content"`
	Metadata map[string]string `json:"metadata,omitempty"` // channel-specific metadata
}

// Event is a real-time notification fanned out to subscribers.
// The JSON shape is what WebSocket clients receive.
type Event struct {
	Name      string    `json:"event"`
	ChannelID uuid.UUID `json:"channelId"`
	CompanyID uuid.UUID `json:"companyId"`
	Data      any       `json:"data,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// NewEvent builds an Event stamped with the current time.
func NewEvent(name string, channelID, companyID uuid.UUID, data any) Event {
	return Event{
		Name:      name,
		ChannelID: channelID,
		CompanyID: companyID,
		Data:      data,
		Timestamp: time.Now().UTC(),
	}
}

// EventHandler handles a broadcast event. Handlers must not block.
type EventHandler func(Event)

// EventPublisher abstracts event broadcast + subscription.
// Broadcast is fire-and-forget: callers never wait on subscribers.
type EventPublisher interface {
	Subscribe(id string, handler EventHandler)
	Unsubscribe(id string)
	Broadcast(event Event)
}
