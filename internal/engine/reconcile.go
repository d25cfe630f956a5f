package engine

import (
	"context"

	"chatsync/internal/domain"
	"chatsync/internal/metrics"
)

// reconcile merges one push event into the cache. Runs on the loop. Every
// branch is idempotent: the push channel delivers at least once, and arrival
// order across sources is not guaranteed. Malformed or backward events are
// logged and dropped; the cache prefers staleness over corruption.
func (e *Engine) reconcile(ctx context.Context, ev domain.Event) {
	metrics.EventsTotal.Inc()

	switch ev := ev.(type) {
	case domain.MessageInserted:
		e.applyInsert(ctx, ev)

	case domain.StatusChanged:
		// Only recipient-side progression arrives over the wire; the
		// sender's own client drives everything up to sent locally.
		if ev.Status != domain.StatusDelivered && ev.Status != domain.StatusRead {
			metrics.EventsDropped.Inc()
			e.logger.Warn("dropping non-recipient status event", "message", ev.MessageID, "status", ev.Status)
			return
		}
		if !e.store.AdvanceStatus(ev.ConversationID, ev.MessageID, ev.Status) {
			metrics.EventsDropped.Inc()
		}

	case domain.TypingStarted:
		if ev.UserID == e.selfID {
			return
		}
		e.store.UpsertTyping(ev.ConversationID, ev.UserID, ev.DisplayName, e.typingTTL)

	case domain.TypingStopped:
		e.store.RemoveTyping(ev.ConversationID, ev.UserID)

	case domain.ReadReceiptUpdated:
		if ev.UserID == e.selfID {
			return
		}
		e.store.SetReceipt(domain.ReadReceipt{
			ConversationID:    ev.ConversationID,
			UserID:            ev.UserID,
			LastReadMessageID: ev.LastReadMessageID,
			At:                ev.At,
		})

	default:
		metrics.EventsDropped.Inc()
		e.logger.Warn("dropping unknown push event", "conversation", ev.Conversation())
	}
}

// applyInsert handles MessageInserted. Own echoes merge with their in-flight
// provisional record; peer messages in the active conversation go straight to
// read; anywhere else they count as unread.
func (e *Engine) applyInsert(ctx context.Context, ev domain.MessageInserted) {
	msg := ev.Message
	if msg.ID == "" || msg.ConversationID == "" {
		metrics.EventsDropped.Inc()
		e.logger.Warn("dropping malformed insert event", "conversation", msg.ConversationID)
		return
	}

	m, inserted := e.store.InsertConfirmed(msg)
	e.store.TouchSummary(msg.ConversationID, m.Content, m.SenderID, m.CreatedAt)

	if !inserted {
		// Replay or reconciled echo; unread and read receipts were already
		// settled the first time around.
		return
	}

	if m.SenderID == e.selfID {
		return
	}
	if msg.ConversationID == e.active {
		// Viewing the conversation: skip delivered, acknowledge read.
		e.store.AdvanceStatus(msg.ConversationID, m.ID, domain.StatusRead)
		e.publishReadReceipt(ctx, msg.ConversationID)
		return
	}
	e.store.BumpUnread(msg.ConversationID)
}
