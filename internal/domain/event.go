package domain

import "time"

// Event is the closed set of push payloads delivered by the realtime channel.
// The reconciler matches on the concrete type exhaustively; unknown payloads
// are dropped at the transport boundary.
type Event interface {
	Conversation() string
	event()
}

// MessageInserted announces a message confirmed server-side. For the sender's
// own client this may be an echo of an in-flight optimistic send; the
// reconciler recognizes it by ClientToken (or heuristic fallback) and merges
// instead of duplicating.
type MessageInserted struct {
	Message Message
}

// StatusChanged advances a message's delivery status. Out-of-order or
// backward changes are dropped; changes arriving before their insert are
// buffered until the message lands.
type StatusChanged struct {
	ConversationID string
	MessageID      string
	Status         DeliveryStatus
}

// TypingStarted upserts a typing signal with a fresh local expiry.
type TypingStarted struct {
	ConversationID string
	UserID         string
	DisplayName    string
}

// TypingStopped removes a typing signal. Signals also expire locally without
// an explicit stop.
type TypingStopped struct {
	ConversationID string
	UserID         string
}

// ReadReceiptUpdated records how far a peer has read.
type ReadReceiptUpdated struct {
	ConversationID    string
	UserID            string
	LastReadMessageID string
	At                time.Time
}

func (e MessageInserted) Conversation() string    { return e.Message.ConversationID }
func (e StatusChanged) Conversation() string      { return e.ConversationID }
func (e TypingStarted) Conversation() string      { return e.ConversationID }
func (e TypingStopped) Conversation() string      { return e.ConversationID }
func (e ReadReceiptUpdated) Conversation() string { return e.ConversationID }

func (MessageInserted) event()    {}
func (StatusChanged) event()      {}
func (TypingStarted) event()      {}
func (TypingStopped) event()      {}
func (ReadReceiptUpdated) event() {}
