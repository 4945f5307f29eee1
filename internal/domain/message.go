package domain

import (
	"fmt"
	"time"
)

// Sender identifies which side of the order wrote a message.
type Sender string

const (
	SenderCustomer Sender = "customer"
	SenderShipper  Sender = "shipper"
)

// Valid reports whether s is a known sender.
func (s Sender) Valid() bool {
	return s == SenderCustomer || s == SenderShipper
}

// MessageType is the kind of chat entry.
type MessageType string

const (
	MessageText    MessageType = "text"
	MessageImage   MessageType = "image"
	MessageAudio   MessageType = "audio"
	MessageCallEnd MessageType = "call_end"
)

// ChatMessage is one entry of an order's chat log. The same structure is used
// on the REST collaborator and as the chat_message event payload.
type ChatMessage struct {
	ID        string      `json:"id"`
	OrderID   string      `json:"orderId"`
	Sender    Sender      `json:"sender"`
	Type      MessageType `json:"type"`
	Content   string      `json:"content,omitempty"`
	FileURL   string      `json:"fileUrl,omitempty"`
	CreatedAt time.Time   `json:"time"`
}

// Room returns the room the message belongs to.
func (m ChatMessage) Room() (RoomID, error) {
	return NormalizeRoomID(m.OrderID)
}

// Validate checks the fields every stored message must carry.
func (m ChatMessage) Validate() error {
	if m.ID == "" {
		return fmt.Errorf("%w: missing id", ErrInvalidMessage)
	}
	if _, err := m.Room(); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidMessage, err)
	}
	if !m.Sender.Valid() {
		return fmt.Errorf("%w: unknown sender %q", ErrInvalidMessage, m.Sender)
	}
	switch m.Type {
	case MessageText, MessageCallEnd:
		if m.Content == "" {
			return fmt.Errorf("%w: %s message without content", ErrInvalidMessage, m.Type)
		}
	case MessageImage, MessageAudio:
		if m.FileURL == "" {
			return fmt.Errorf("%w: %s message without file url", ErrInvalidMessage, m.Type)
		}
	default:
		return fmt.Errorf("%w: unknown type %q", ErrInvalidMessage, m.Type)
	}
	return nil
}
