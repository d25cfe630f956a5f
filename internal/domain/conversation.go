package domain

import "time"

// ConversationSummary is the denormalized sidebar projection of a
// conversation. It is updated by the same reconciliation events that touch
// the message cache, but kept separate so list rendering never rescans
// message history.
type ConversationSummary struct {
	ID                 string    `json:"id"`
	Title              string    `json:"title,omitempty"`
	LastMessageContent string    `json:"last_message_content,omitempty"`
	LastMessageSender  string    `json:"last_message_sender,omitempty"`
	LastMessageAt      time.Time `json:"last_message_at"`
	UnreadCount        int       `json:"unread_count"`
}

// TypingSignal is ephemeral per (conversation, user) state. It is never
// persisted; a signal not refreshed before ExpiresAt is treated as stopped
// even without an explicit stop event.
type TypingSignal struct {
	ConversationID string
	UserID         string
	DisplayName    string
	ExpiresAt      time.Time
}

// ReadReceipt records how far a peer has read into a conversation. Used only
// to compute seen-indicators for the local user's own messages, never to
// mutate delivery status directly.
type ReadReceipt struct {
	ConversationID    string
	UserID            string
	LastReadMessageID string
	At                time.Time
}
