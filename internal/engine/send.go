package engine

import (
	"context"
	"strings"
	"time"

	"chatsync/internal/domain"
	"chatsync/internal/metrics"

	"github.com/google/uuid"
)

// Submit accepts locally authored text. The provisional row is visible to the
// renderer before Submit returns; the durable write runs concurrently and
// reconciles later. Offline, the message is handed to the queue with status
// queued instead.
func (e *Engine) Submit(ctx context.Context, conversationID, content string) (*domain.Message, error) {
	content = strings.TrimSpace(content)
	if content == "" {
		// Fail closed: nothing is shown for an empty send.
		return nil, domain.NewServiceError(domain.ValidationError, "empty message", nil)
	}

	var (
		msg *domain.Message
		err error
	)
	e.loop.Do(func() {
		if !e.net.Online() && e.queue != nil {
			msg, err = e.enqueueOffline(ctx, conversationID, content)
			return
		}
		msg = e.beginSend(ctx, conversationID, content, uuid.NewString(), time.Now())
	})
	return msg, err
}

// enqueueOffline runs on the loop.
func (e *Engine) enqueueOffline(ctx context.Context, conversationID, content string) (*domain.Message, error) {
	entry, err := e.queue.Enqueue(ctx, conversationID, content)
	if err != nil {
		return nil, domain.NewServiceError(domain.UnknownError, "cannot queue message", err)
	}
	m := e.store.InsertProvisional(domain.Message{
		ID:             entry.LocalID,
		ConversationID: conversationID,
		SenderID:       e.selfID,
		Content:        content,
		Kind:           domain.KindText,
		Status:         domain.StatusQueued,
		ClientToken:    tokenFromLocalID(entry.LocalID),
		CreatedAt:      entry.CreatedAt,
		UpdatedAt:      entry.CreatedAt,
	})
	e.store.TouchSummary(conversationID, content, e.selfID, entry.CreatedAt)
	metrics.SendsQueued.Inc()
	return m, nil
}

// beginSend runs on the loop: inserts the provisional record and fires the
// durable write.
func (e *Engine) beginSend(ctx context.Context, conversationID, content, token string, at time.Time) *domain.Message {
	m := e.store.InsertProvisional(domain.Message{
		ID:             domain.ProvisionalPrefix + token,
		ConversationID: conversationID,
		SenderID:       e.selfID,
		Content:        content,
		Kind:           domain.KindText,
		Status:         domain.StatusSending,
		ClientToken:    token,
		CreatedAt:      at,
		UpdatedAt:      at,
	})
	e.store.TouchSummary(conversationID, content, e.selfID, at)
	metrics.SendsTotal.Inc()
	e.dispatch(ctx, *m)
	return m
}

// dispatch fires the durable write off-loop. The bounded wait turns a hung
// write into a failure rather than a message stuck in sending forever.
func (e *Engine) dispatch(ctx context.Context, msg domain.Message) {
	go func() {
		writeCtx, cancel := context.WithTimeout(ctx, e.sendTimeout)
		defer cancel()

		confirmed, err := e.durable.Insert(writeCtx, msg)
		e.loop.Post(func() {
			if err != nil {
				e.failSend(msg, err)
				return
			}
			e.completeSend(msg, confirmed)
		})
	}()
}

// completeSend runs on the loop.
func (e *Engine) completeSend(prov domain.Message, confirmed domain.Message) {
	if !e.store.ConfirmSend(prov.ConversationID, prov.ID, confirmed) {
		// Evicted, locally deleted, or already reconciled by a faster echo.
		e.logger.Debug("confirmation did not apply", "local_id", prov.ID, "confirmed_id", confirmed.ID)
		return
	}
	if confirmed.Content != prov.Content {
		e.store.TouchSummary(prov.ConversationID, confirmed.Content, e.selfID, confirmed.CreatedAt)
	}
	metrics.SendsConfirmed.Inc()
	e.logger.Debug("send confirmed", "local_id", prov.ID, "id", confirmed.ID)
}

// failSend runs on the loop. The provisional row stays visible as failed so
// the user can see and retry what did not go through.
func (e *Engine) failSend(prov domain.Message, err error) {
	e.store.AdvanceStatus(prov.ConversationID, prov.ID, domain.StatusFailed)
	metrics.SendsFailed.Inc()
	e.logger.Warn("send failed",
		"conversation", prov.ConversationID,
		"local_id", prov.ID,
		"kind", domain.KindOf(err),
		"err", err,
	)
}

// Retry re-submits a failed message with its original content, token and
// timestamp, re-entering the pipeline at the dispatch step.
func (e *Engine) Retry(ctx context.Context, conversationID, messageID string) error {
	var retErr error
	e.loop.Do(func() {
		m, ok := e.store.Get(conversationID, messageID)
		if !ok {
			retErr = domain.NewServiceError(domain.NotFound, "message not found", nil)
			return
		}
		if m.Status != domain.StatusFailed {
			retErr = domain.NewServiceError(domain.ValidationError, "only failed messages can be retried", nil)
			return
		}
		e.store.AdvanceStatus(conversationID, messageID, domain.StatusSending)
		metrics.SendsRetried.Inc()
		e.dispatch(ctx, *m)
	})
	return retErr
}

// Edit rewrites a message's content locally first, then round-trips the
// durable update. Confirmed ids only; provisional rows are still owned by an
// in-flight send.
func (e *Engine) Edit(ctx context.Context, conversationID, messageID, content string) error {
	content = strings.TrimSpace(content)
	if content == "" {
		return domain.NewServiceError(domain.ValidationError, "empty edit", nil)
	}
	var retErr error
	e.loop.Do(func() {
		if !e.store.ApplyLocalEdit(conversationID, messageID, content, time.Now()) {
			retErr = domain.NewServiceError(domain.NotFound, "message not found", nil)
			return
		}
		e.updateRemote(ctx, messageID, domain.MessagePatch{Content: &content, IsEdited: boolPtr(true)})
	})
	return retErr
}

// Delete soft-deletes a message locally and propagates the tombstone.
func (e *Engine) Delete(ctx context.Context, conversationID, messageID string) error {
	var retErr error
	e.loop.Do(func() {
		if !e.store.ApplyLocalDelete(conversationID, messageID, time.Now()) {
			retErr = domain.NewServiceError(domain.NotFound, "message not found", nil)
			return
		}
		e.updateRemote(ctx, messageID, domain.MessagePatch{IsDeleted: boolPtr(true)})
	})
	return retErr
}

func (e *Engine) updateRemote(ctx context.Context, messageID string, patch domain.MessagePatch) {
	if strings.HasPrefix(messageID, domain.ProvisionalPrefix) {
		// The in-flight confirmation checks the record before overwriting,
		// so the local mutation wins; nothing to push yet.
		return
	}
	go func() {
		updateCtx, cancel := context.WithTimeout(ctx, e.sendTimeout)
		defer cancel()
		if _, err := e.durable.Update(updateCtx, messageID, patch); err != nil {
			e.logger.Warn("durable update failed", "id", messageID, "kind", domain.KindOf(err), "err", err)
		}
	}()
}

// NotifyTyping publishes a typing signal, throttled so repeat keystrokes do
// not flood the channel.
func (e *Engine) NotifyTyping(ctx context.Context, conversationID string) {
	if e.feed == nil || !e.typing.Allow() {
		return
	}
	ev := domain.TypingStarted{
		ConversationID: conversationID,
		UserID:         e.selfID,
		DisplayName:    e.displayName,
	}
	go func() {
		if err := e.feed.Publish(ctx, ev); err != nil {
			e.logger.Debug("typing publish failed", "err", err)
		}
	}()
}

// StopTyping publishes an explicit stop. Peers also expire the signal locally
// if this is lost.
func (e *Engine) StopTyping(ctx context.Context, conversationID string) {
	if e.feed == nil {
		return
	}
	ev := domain.TypingStopped{ConversationID: conversationID, UserID: e.selfID}
	go func() {
		if err := e.feed.Publish(ctx, ev); err != nil {
			e.logger.Debug("typing stop publish failed", "err", err)
		}
	}()
}

// startFlush replays the offline queue through the send pipeline. Runs on
// the loop; a flush already in progress absorbs repeated online edges.
func (e *Engine) startFlush(ctx context.Context) {
	if e.flushing || e.queue == nil {
		return
	}
	e.flushing = true
	metrics.QueueFlushes.Inc()

	go func() {
		pending, err := e.queue.Pending(ctx)
		e.loop.Post(func() {
			defer func() { e.flushing = false }()
			if err != nil {
				e.logger.Warn("queue flush failed", "err", err)
				return
			}
			for _, entry := range pending {
				e.flushEntry(ctx, entry)
			}
			if len(pending) > 0 {
				e.logger.Info("offline queue flushed", "count", len(pending))
			}
		})
	}()
}

// flushEntry runs on the loop: transition queued → sending and hand the entry
// to the pipeline. Ownership transfers here; the queue row is removed
// regardless of how the send ends, a failure is the pipeline's to retry.
// The queued→sending transition is the dedupe point: when it does not apply,
// an earlier flush already owns this entry and only the stale row is dropped.
func (e *Engine) flushEntry(ctx context.Context, entry domain.QueuedSend) {
	m, ok := e.store.Get(entry.ConversationID, entry.LocalID)
	if !ok {
		m = e.store.InsertProvisional(domain.Message{
			ID:             entry.LocalID,
			ConversationID: entry.ConversationID,
			SenderID:       e.selfID,
			Content:        entry.Content,
			Kind:           domain.KindText,
			Status:         domain.StatusQueued,
			ClientToken:    tokenFromLocalID(entry.LocalID),
			CreatedAt:      entry.CreatedAt,
			UpdatedAt:      entry.CreatedAt,
		})
	}
	if !e.store.AdvanceStatus(entry.ConversationID, entry.LocalID, domain.StatusSending) {
		e.removeFlushed(ctx, entry.LocalID)
		return
	}
	e.dispatch(ctx, *m)
	e.removeFlushed(ctx, entry.LocalID)
}

func (e *Engine) removeFlushed(ctx context.Context, localID string) {
	go func() {
		if err := e.queue.Remove(ctx, localID); err != nil {
			e.logger.Warn("cannot remove flushed entry", "local_id", localID, "err", err)
		}
	}()
}

func boolPtr(b bool) *bool { return &b }
