package domain

import "context"

// DurableStore is the request/response half of the backend: the system of
// record for messages. Implementations must be safe for concurrent use.
type DurableStore interface {
	// Insert persists a new message and returns the confirmed record with a
	// server-minted id. The confirmed record echoes the ClientToken.
	Insert(ctx context.Context, msg Message) (Message, error)
	// Update applies a partial mutation (edit, soft delete) and returns the
	// updated record.
	Update(ctx context.Context, id string, patch MessagePatch) (Message, error)
	// Page returns up to limit confirmed messages for a conversation,
	// newest first, starting after cursor. An empty cursor means the newest
	// page. nextCursor is empty when no more history exists.
	Page(ctx context.Context, conversationID, cursor string, limit int) (msgs []Message, nextCursor string, err error)
}

// MessagePatch is the partial update shape accepted by the durable store.
type MessagePatch struct {
	Content   *string `json:"content,omitempty"`
	IsEdited  *bool   `json:"is_edited,omitempty"`
	IsDeleted *bool   `json:"is_deleted,omitempty"`
}

// PushFeed is the publish/subscribe half of the backend: one logical channel
// per conversation plus typing. Delivery is at least once; consumers must be
// idempotent.
type PushFeed interface {
	// Events returns the stream of decoded push events. The channel is
	// closed when the feed shuts down.
	Events() <-chan Event
	// Subscribe registers interest in a conversation's channel.
	Subscribe(ctx context.Context, conversationID string) error
	// Publish sends a client-originated signal (typing start/stop, read
	// receipt) upstream.
	Publish(ctx context.Context, ev Event) error
	Close() error
}

// Connectivity is the boolean online/offline observable the monitor consumes.
type Connectivity interface {
	Online() bool
	// OnChange registers a callback invoked on every online/offline edge.
	OnChange(fn func(online bool))
}
