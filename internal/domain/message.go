package domain

import (
	"strings"
	"time"
)

// ProvisionalPrefix marks client-minted message ids that have not yet been
// confirmed by the durable store.
const ProvisionalPrefix = "local-"

type MessageKind string

const (
	KindText   MessageKind = "text"
	KindImage  MessageKind = "image"
	KindSystem MessageKind = "system"
)

// MediaRef points at stored media. Width/Height, when known, let the renderer
// reserve layout space before the bytes arrive.
type MediaRef struct {
	URL    string `json:"url"`
	Width  int    `json:"width,omitempty"`
	Height int    `json:"height,omitempty"`
}

// Message is the core entity of the client cache. A message is created either
// provisionally by the send pipeline or confirmed by a page fetch / realtime
// insert, and is mutated in place by status transitions, edits and soft
// deletes.
type Message struct {
	ID             string         `json:"id"`
	ConversationID string         `json:"conversation_id"`
	SenderID       string         `json:"sender_id"`
	Content        string         `json:"content,omitempty"`
	Kind           MessageKind    `json:"kind"`
	Media          *MediaRef      `json:"media,omitempty"`
	Status         DeliveryStatus `json:"status"`
	// ClientToken correlates a provisional record with its confirmed
	// counterpart and with realtime echoes of the same send.
	ClientToken string    `json:"client_token,omitempty"`
	IsEdited    bool      `json:"is_edited,omitempty"`
	IsDeleted   bool      `json:"is_deleted,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// Provisional reports whether the message still carries a client-minted id.
func (m *Message) Provisional() bool {
	return strings.HasPrefix(m.ID, ProvisionalPrefix)
}

// QueuedSend is a message authored while disconnected, held by the offline
// queue until connectivity returns. Ownership transfers to the send pipeline
// on flush.
type QueuedSend struct {
	LocalID        string    `json:"local_id"`
	ConversationID string    `json:"conversation_id"`
	Content        string    `json:"content"`
	CreatedAt      time.Time `json:"created_at"`
}
