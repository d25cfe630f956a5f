package store

import (
	"log/slog"
	"sync"
	"time"

	"chatsync/internal/domain"
)

const (
	// echoWindow bounds the heuristic provisional/echo match when a server
	// does not echo the client token back.
	echoWindow = 2 * time.Second

	defaultWindowCap = 500
)

// Store is the client-side message cache: the authoritative in-memory,
// paginated, per-conversation ordered collection of messages and the single
// source the renderer reads from. All mutations are atomic from the caller's
// perspective; callers serialize through the engine loop.
type Store struct {
	mu     sync.RWMutex
	logger *slog.Logger

	convs     map[string]*conversation
	summaries *summaryList
	typing    *typingTable
	receipts  *receiptTable
	media     *mediaTable

	// pendingStatus buffers StatusChanged events that arrived before their
	// message insert. Applied or dropped when the insert lands.
	pendingStatus map[string]domain.DeliveryStatus

	windowCap int
}

// conversation is one ordered page window, newest first, ties broken by
// insertion order.
type conversation struct {
	order   []*domain.Message
	byID    map[string]*domain.Message
	byToken map[string]*domain.Message

	nextCursor string
	hasMore    bool
	paged      bool // at least one page fetched
}

// New creates an empty store. windowCap bounds how many messages a
// conversation retains before old rows are evicted; <=0 uses the default.
func New(windowCap int, logger *slog.Logger) *Store {
	if windowCap <= 0 {
		windowCap = defaultWindowCap
	}
	return &Store{
		logger:        logger,
		convs:         make(map[string]*conversation),
		summaries:     newSummaryList(),
		typing:        newTypingTable(),
		receipts:      newReceiptTable(),
		media:         newMediaTable(defaultMediaCap),
		pendingStatus: make(map[string]domain.DeliveryStatus),
		windowCap:     windowCap,
	}
}

func (s *Store) conv(id string) *conversation {
	c, ok := s.convs[id]
	if !ok {
		c = &conversation{
			byID:    make(map[string]*domain.Message),
			byToken: make(map[string]*domain.Message),
			hasMore: true,
		}
		s.convs[id] = c
	}
	return c
}

// InsertProvisional places a client-minted message at the head of its
// conversation. Visible to the renderer immediately, before any network
// round trip.
func (s *Store) InsertProvisional(msg domain.Message) *domain.Message {
	s.mu.Lock()
	defer s.mu.Unlock()

	c := s.conv(msg.ConversationID)
	if existing, ok := c.byID[msg.ID]; ok {
		return existing
	}
	m := &msg
	s.insertOrdered(c, m)
	if m.ClientToken != "" {
		c.byToken[m.ClientToken] = m
	}
	return m
}

// InsertConfirmed merges a server-confirmed message into the cache. It
// recognizes echoes of the local client's own in-flight sends (by id, by
// client token, or by sender/content/temporal proximity) and merges instead
// of duplicating. The returned bool is true only when a genuinely new row was
// added, which is what unread accounting counts.
func (s *Store) InsertConfirmed(msg domain.Message) (*domain.Message, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	c := s.conv(msg.ConversationID)

	if existing, ok := c.byID[msg.ID]; ok {
		s.mergeInto(existing, msg)
		return existing, false
	}
	if prov := s.matchProvisional(c, msg); prov != nil {
		s.adoptConfirmed(c, prov, msg)
		return prov, false
	}

	m := &msg
	s.insertOrdered(c, m)
	if m.ClientToken != "" {
		c.byToken[m.ClientToken] = m
	}
	if m.Media != nil && m.Media.Width > 0 {
		s.media.set(m.ID, m.Media.Width, m.Media.Height)
	}
	s.applyPending(m)
	s.evictLocked(c)
	return m, true
}

// ConfirmSend replaces the provisional record localID with the confirmed one
// from the durable store, preserving the original client CreatedAt so the row
// does not move in the timeline. Returns false when the provisional record no
// longer matches (evicted, deleted, or already reconciled by a faster echo):
// a late confirmation must not resurrect stale content.
func (s *Store) ConfirmSend(conversationID, localID string, confirmed domain.Message) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	c := s.conv(conversationID)
	prov, ok := c.byID[localID]
	if !ok {
		// Already reconciled through a realtime echo carrying the token.
		if confirmed.ClientToken != "" {
			if m, ok := c.byToken[confirmed.ClientToken]; ok && m.ID == confirmed.ID {
				return true
			}
		}
		return false
	}
	if prov.IsDeleted || prov.ClientToken != confirmed.ClientToken {
		return false
	}
	s.adoptConfirmed(c, prov, confirmed)
	return true
}

// matchProvisional finds the local in-flight send a confirmed echo belongs
// to. Exact token match first; heuristic fallback for servers that do not
// echo the token.
func (s *Store) matchProvisional(c *conversation, msg domain.Message) *domain.Message {
	if msg.ClientToken != "" {
		if m, ok := c.byToken[msg.ClientToken]; ok && m.Provisional() {
			return m
		}
	}
	for _, m := range c.order {
		if !m.Provisional() || m.SenderID != msg.SenderID || m.Content != msg.Content {
			continue
		}
		d := m.CreatedAt.Sub(msg.CreatedAt)
		if d < 0 {
			d = -d
		}
		if d <= echoWindow {
			return m
		}
	}
	return nil
}

// adoptConfirmed rewrites a provisional record in place with its confirmed
// identity. Position and client CreatedAt are kept; the server timestamp only
// orders other clients' views.
func (s *Store) adoptConfirmed(c *conversation, prov *domain.Message, confirmed domain.Message) {
	delete(c.byID, prov.ID)

	created := prov.CreatedAt
	edited, deleted := prov.IsEdited, prov.IsDeleted
	content := prov.Content

	prov.ID = confirmed.ID
	prov.UpdatedAt = confirmed.UpdatedAt
	if confirmed.Media != nil {
		prov.Media = confirmed.Media
	}
	prov.CreatedAt = created
	// A local edit or delete racing the confirmation wins over the stale
	// confirmed content.
	if edited || deleted {
		prov.Content = content
		prov.IsEdited = edited
		prov.IsDeleted = deleted
	} else {
		prov.Content = confirmed.Content
	}
	if prov.Status.CanAdvance(domain.StatusSent) {
		prov.Status = domain.StatusSent
	}
	c.byID[prov.ID] = prov
	if prov.ClientToken != "" {
		c.byToken[prov.ClientToken] = prov
	}
	s.applyPending(prov)
}

// mergeInto applies a re-delivered copy of an already-known message.
// Idempotent: content converges, status only moves forward.
func (s *Store) mergeInto(dst *domain.Message, src domain.Message) {
	if src.UpdatedAt.After(dst.UpdatedAt) {
		dst.Content = src.Content
		dst.IsEdited = src.IsEdited
		dst.IsDeleted = src.IsDeleted
		dst.UpdatedAt = src.UpdatedAt
		if src.Media != nil {
			dst.Media = src.Media
		}
	}
	if src.Status.Valid() && dst.Status.CanAdvance(src.Status) {
		dst.Status = src.Status
	}
}

// AdvanceStatus moves a message's delivery status forward. Illegal or
// backward transitions are dropped silently; a change for a message not yet
// inserted is buffered until the insert lands. Returns true when the status
// actually changed.
func (s *Store) AdvanceStatus(conversationID, messageID string, to domain.DeliveryStatus) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !to.Valid() {
		s.logger.Warn("dropping invalid status", "message", messageID, "status", to)
		return false
	}
	c := s.conv(conversationID)
	m, ok := c.byID[messageID]
	if !ok {
		if cur, buffered := s.pendingStatus[messageID]; !buffered || cur.CanAdvance(to) {
			s.pendingStatus[messageID] = to
		}
		return false
	}
	if !m.Status.CanAdvance(to) {
		return false
	}
	m.Status = to
	return true
}

func (s *Store) applyPending(m *domain.Message) {
	if st, ok := s.pendingStatus[m.ID]; ok {
		delete(s.pendingStatus, m.ID)
		if m.Status.CanAdvance(st) {
			m.Status = st
		}
	}
}

// AppendOlderPage extends the history end of a conversation without touching
// rows the renderer already holds. Duplicates from overlapping pages are
// skipped.
func (s *Store) AppendOlderPage(conversationID string, msgs []domain.Message, nextCursor string) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	c := s.conv(conversationID)
	added := 0
	for i := range msgs {
		m := msgs[i]
		if existing, ok := c.byID[m.ID]; ok {
			s.mergeInto(existing, m)
			continue
		}
		p := &m
		c.order = append(c.order, p)
		c.byID[p.ID] = p
		if p.ClientToken != "" {
			c.byToken[p.ClientToken] = p
		}
		if p.Media != nil && p.Media.Width > 0 {
			s.media.set(p.ID, p.Media.Width, p.Media.Height)
		}
		s.applyPending(p)
		added++
	}
	c.nextCursor = nextCursor
	c.hasMore = nextCursor != ""
	c.paged = true
	return added
}

// insertOrdered places m by CreatedAt descending; equal timestamps keep the
// newer insertion first.
func (s *Store) insertOrdered(c *conversation, m *domain.Message) {
	i := 0
	for i < len(c.order) && c.order[i].CreatedAt.After(m.CreatedAt) {
		i++
	}
	c.order = append(c.order, nil)
	copy(c.order[i+1:], c.order[i:])
	c.order[i] = m
	c.byID[m.ID] = m
}

// evictLocked trims a conversation's tail beyond the window cap. Evicted rows
// remain fetchable through backward pagination.
func (s *Store) evictLocked(c *conversation) {
	for len(c.order) > s.windowCap {
		last := c.order[len(c.order)-1]
		c.order = c.order[:len(c.order)-1]
		delete(c.byID, last.ID)
		if last.ClientToken != "" {
			delete(c.byToken, last.ClientToken)
		}
		s.media.remove(last.ID)
		c.hasMore = true
	}
}

// ApplyLocalEdit rewrites a message's content locally. The durable update is
// the pipeline's job; the cache mutates first so the UI never waits.
func (s *Store) ApplyLocalEdit(conversationID, messageID, content string, at time.Time) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	c := s.conv(conversationID)
	m, ok := c.byID[messageID]
	if !ok || m.IsDeleted {
		return false
	}
	m.Content = content
	m.IsEdited = true
	m.UpdatedAt = at
	return true
}

// ApplyLocalDelete soft-deletes a message locally. The row stays in the
// window; rendering decides how a tombstone looks.
func (s *Store) ApplyLocalDelete(conversationID, messageID string, at time.Time) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	c := s.conv(conversationID)
	m, ok := c.byID[messageID]
	if !ok || m.IsDeleted {
		return false
	}
	m.IsDeleted = true
	m.UpdatedAt = at
	return true
}

// MarkConversationRead advances every non-self message toward read and
// returns the ids that changed, so the engine can publish receipts.
func (s *Store) MarkConversationRead(conversationID, selfID string) []string {
	s.mu.Lock()
	defer s.mu.Unlock()

	c := s.conv(conversationID)
	var changed []string
	for _, m := range c.order {
		if m.SenderID == selfID {
			continue
		}
		if m.Status.CanAdvance(domain.StatusRead) {
			m.Status = domain.StatusRead
			changed = append(changed, m.ID)
		}
	}
	return changed
}

// Messages returns the conversation's current ordered view, newest first.
// The slice is a copy; the messages are shared and must be treated as
// read-only by callers off the engine loop.
func (s *Store) Messages(conversationID string) []*domain.Message {
	s.mu.RLock()
	defer s.mu.RUnlock()

	c, ok := s.convs[conversationID]
	if !ok {
		return nil
	}
	out := make([]*domain.Message, len(c.order))
	copy(out, c.order)
	return out
}

// Get looks up a single message.
func (s *Store) Get(conversationID, messageID string) (*domain.Message, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	c, ok := s.convs[conversationID]
	if !ok {
		return nil, false
	}
	m, ok := c.byID[messageID]
	return m, ok
}

// Len reports how many rows a conversation currently holds.
func (s *Store) Len(conversationID string) int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.convs[conversationID]
	if !ok {
		return 0
	}
	return len(c.order)
}

// HasMore reports whether older history exists beyond the loaded window.
func (s *Store) HasMore(conversationID string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.convs[conversationID]
	if !ok {
		return true
	}
	return c.hasMore || !c.paged
}

// Cursor returns the backward pagination cursor for the next older page.
func (s *Store) Cursor(conversationID string) string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.convs[conversationID]
	if !ok {
		return ""
	}
	return c.nextCursor
}
