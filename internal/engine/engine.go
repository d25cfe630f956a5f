// Package engine is the synchronization core: it owns the message cache,
// accepts locally authored sends, reconciles confirmations and push events,
// and drives the offline queue. Everything runs on a single cooperative loop.
package engine

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"chatsync/internal/domain"
	"chatsync/internal/metrics"
	"chatsync/internal/store"

	"golang.org/x/time/rate"
)

const (
	defaultSendTimeout = 10 * time.Second
	defaultPageSize    = 50

	// typingRate throttles outgoing typing signals to one per second with a
	// small burst, independent of how fast keystrokes arrive.
	typingRate  = rate.Limit(1)
	typingBurst = 2
)

// OfflineQueue is the durable holding area consumed on connectivity restore.
type OfflineQueue interface {
	Enqueue(ctx context.Context, conversationID, content string) (domain.QueuedSend, error)
	Pending(ctx context.Context) ([]domain.QueuedSend, error)
	Remove(ctx context.Context, localID string) error
}

// Config holds the engine's collaborators and tuning parameters.
type Config struct {
	SelfID      string
	DisplayName string
	Store       *store.Store
	Durable     domain.DurableStore
	Feed        domain.PushFeed
	Net         domain.Connectivity
	Queue       OfflineQueue
	Logger      *slog.Logger
	SendTimeout time.Duration
	PageSize    int
	TypingTTL   time.Duration
}

type Engine struct {
	selfID      string
	displayName string
	store       *store.Store
	durable     domain.DurableStore
	feed        domain.PushFeed
	net         domain.Connectivity
	queue       OfflineQueue
	logger      *slog.Logger
	loop        *Loop

	sendTimeout time.Duration
	pageSize    int
	typingTTL   time.Duration
	typing      *rate.Limiter

	// Loop-resident state; touched only from loop tasks.
	active      string
	pagePending map[string]bool
	pageErr     map[string]error
	flushing    bool
}

func New(cfg Config) (*Engine, error) {
	if cfg.SelfID == "" {
		return nil, fmt.Errorf("engine: SelfID is required")
	}
	if cfg.Store == nil || cfg.Durable == nil || cfg.Net == nil {
		return nil, fmt.Errorf("engine: store, durable store and connectivity are required")
	}
	if cfg.SendTimeout <= 0 {
		cfg.SendTimeout = defaultSendTimeout
	}
	if cfg.PageSize <= 0 {
		cfg.PageSize = defaultPageSize
	}
	if cfg.TypingTTL <= 0 {
		cfg.TypingTTL = store.DefaultTypingTTL
	}
	return &Engine{
		selfID:      cfg.SelfID,
		displayName: cfg.DisplayName,
		store:       cfg.Store,
		durable:     cfg.Durable,
		feed:        cfg.Feed,
		net:         cfg.Net,
		queue:       cfg.Queue,
		logger:      cfg.Logger,
		loop:        NewLoop(0, cfg.Logger),
		sendTimeout: cfg.SendTimeout,
		pageSize:    cfg.PageSize,
		typingTTL:   cfg.TypingTTL,
		typing:      rate.NewLimiter(typingRate, typingBurst),
		pagePending: make(map[string]bool),
		pageErr:     make(map[string]error),
	}, nil
}

// Run starts the loop, reloads the offline outbox, arms the flush trigger and
// pumps push events until ctx is cancelled or the feed closes.
func (e *Engine) Run(ctx context.Context) error {
	go e.loop.Run(ctx)

	e.net.OnChange(func(online bool) {
		if online {
			e.loop.Post(func() { e.startFlush(ctx) })
		}
	})

	e.loop.Do(func() { e.reloadOutbox(ctx) })
	if e.net.Online() {
		e.loop.Do(func() { e.startFlush(ctx) })
	}

	if e.feed == nil {
		<-ctx.Done()
		return ctx.Err()
	}
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok := <-e.feed.Events():
			if !ok {
				return nil
			}
			e.loop.Post(func() { e.reconcile(ctx, ev) })
		}
	}
}

// reloadOutbox makes sends queued in a previous session visible again as
// queued rows.
func (e *Engine) reloadOutbox(ctx context.Context) {
	if e.queue == nil {
		return
	}
	pending, err := e.queue.Pending(ctx)
	if err != nil {
		e.logger.Warn("cannot reload outbox", "err", err)
		return
	}
	for _, entry := range pending {
		e.store.InsertProvisional(domain.Message{
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
		e.store.TouchSummary(entry.ConversationID, entry.Content, e.selfID, entry.CreatedAt)
	}
	if len(pending) > 0 {
		e.logger.Info("outbox reloaded", "pending", len(pending))
	}
}

// OpenConversation marks a conversation active: unread resets, its non-self
// messages advance toward read, a read receipt is published, and the first
// page is fetched when the cache is cold.
func (e *Engine) OpenConversation(ctx context.Context, conversationID string) {
	e.loop.Do(func() {
		e.active = conversationID
		e.store.ResetUnread(conversationID)
		changed := e.store.MarkConversationRead(conversationID, e.selfID)
		if len(changed) > 0 {
			e.publishReadReceipt(ctx, conversationID)
		}
		if e.feed != nil {
			if err := e.feed.Subscribe(ctx, conversationID); err != nil {
				e.logger.Warn("subscribe failed", "conversation", conversationID, "err", err)
			}
		}
		if e.store.Len(conversationID) == 0 && e.store.HasMore(conversationID) {
			e.loadOlderLocked(ctx, conversationID)
		}
	})
}

// CloseConversation deactivates the current conversation; subsequent inserts
// count as unread again.
func (e *Engine) CloseConversation() {
	e.loop.Do(func() { e.active = "" })
}

// ActiveConversation returns the currently open conversation id.
func (e *Engine) ActiveConversation() string {
	var id string
	e.loop.Do(func() { id = e.active })
	return id
}

// LoadOlder requests the next page of history. In-flight requests are
// deduplicated; a failed page leaves already-rendered content alone and is
// retryable through the same call.
func (e *Engine) LoadOlder(ctx context.Context, conversationID string) {
	e.loop.Do(func() { e.loadOlderLocked(ctx, conversationID) })
}

// loadOlderLocked runs on the loop.
func (e *Engine) loadOlderLocked(ctx context.Context, conversationID string) {
	if e.pagePending[conversationID] || !e.store.HasMore(conversationID) {
		return
	}
	e.pagePending[conversationID] = true
	delete(e.pageErr, conversationID)
	cursor := e.store.Cursor(conversationID)

	go func() {
		fetchCtx, cancel := context.WithTimeout(ctx, e.sendTimeout)
		defer cancel()
		msgs, next, err := e.durable.Page(fetchCtx, conversationID, cursor, e.pageSize)
		e.loop.Post(func() {
			e.pagePending[conversationID] = false
			if err != nil {
				e.pageErr[conversationID] = err
				e.logger.Warn("page fetch failed", "conversation", conversationID, "err", err)
				return
			}
			added := e.store.AppendOlderPage(conversationID, msgs, next)
			metrics.PagesLoaded.Inc()
			e.logger.Debug("older page loaded", "conversation", conversationID, "added", added)
			if len(msgs) > 0 && cursor == "" {
				// Cold cache: the newest page also seeds the summary.
				m := msgs[0]
				e.store.TouchSummary(conversationID, m.Content, m.SenderID, m.CreatedAt)
				if conversationID == e.active {
					if changed := e.store.MarkConversationRead(conversationID, e.selfID); len(changed) > 0 {
						e.publishReadReceipt(ctx, conversationID)
					}
				}
			}
		})
	}()
}

// PageError returns the last pagination failure for the loading edge's retry
// affordance, or nil.
func (e *Engine) PageError(conversationID string) error {
	var err error
	e.loop.Do(func() { err = e.pageErr[conversationID] })
	return err
}

// publishReadReceipt tells peers how far the local user has read. Runs on the
// loop; the publish itself is fired off-loop. The anchor is the newest
// confirmed message: provisional ids are client-minted and mean nothing to
// peers, so an in-flight send at the head is skipped.
func (e *Engine) publishReadReceipt(ctx context.Context, conversationID string) {
	if e.feed == nil {
		return
	}
	var lastRead string
	for _, m := range e.store.Messages(conversationID) {
		if !strings.HasPrefix(m.ID, domain.ProvisionalPrefix) {
			lastRead = m.ID
			break
		}
	}
	if lastRead == "" {
		return
	}
	receipt := domain.ReadReceiptUpdated{
		ConversationID:    conversationID,
		UserID:            e.selfID,
		LastReadMessageID: lastRead,
		At:                time.Now(),
	}
	go func() {
		if err := e.feed.Publish(ctx, receipt); err != nil {
			e.logger.Debug("read receipt publish failed", "err", err)
		}
	}()
}

// Snapshot accessors. The store locks internally, so these are safe to call
// from rendering code without going through the loop.

func (e *Engine) Messages(conversationID string) []*domain.Message {
	return e.store.Messages(conversationID)
}

func (e *Engine) Summaries() []domain.ConversationSummary {
	return e.store.Summaries()
}

func (e *Engine) TypingUsers(conversationID string) []domain.TypingSignal {
	return e.store.TypingUsers(conversationID)
}

func (e *Engine) Unread(conversationID string) int {
	return e.store.Unread(conversationID)
}

func (e *Engine) SeenBy(conversationID, messageID string) []string {
	return e.store.SeenBy(conversationID, messageID)
}

func tokenFromLocalID(localID string) string {
	return localID[len(domain.ProvisionalPrefix):]
}
