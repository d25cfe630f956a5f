package store

import (
	"sort"
	"time"

	"chatsync/internal/domain"
)

// summaryList keeps the sidebar projection ordered by last-message time
// descending. Mutated by the same reconciliation events that touch the
// message cache, never rebuilt by rescanning history.
type summaryList struct {
	byID  map[string]*domain.ConversationSummary
	order []*domain.ConversationSummary
}

func newSummaryList() *summaryList {
	return &summaryList{byID: make(map[string]*domain.ConversationSummary)}
}

func (l *summaryList) get(id string) *domain.ConversationSummary {
	s, ok := l.byID[id]
	if !ok {
		s = &domain.ConversationSummary{ID: id}
		l.byID[id] = s
		l.order = append(l.order, s)
	}
	return s
}

func (l *summaryList) resort() {
	sort.SliceStable(l.order, func(i, j int) bool {
		return l.order[i].LastMessageAt.After(l.order[j].LastMessageAt)
	})
}

// TouchSummary updates a conversation's last-message fields and moves it to
// its place in the recency ordering. Older timestamps than the current last
// message are ignored, so re-delivered events cannot move a conversation
// backward.
func (s *Store) TouchSummary(conversationID, content, senderID string, at time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sum := s.summaries.get(conversationID)
	if at.Before(sum.LastMessageAt) {
		return
	}
	sum.LastMessageContent = content
	sum.LastMessageSender = senderID
	sum.LastMessageAt = at
	s.summaries.resort()
}

// SetSummaryTitle names a conversation in the sidebar.
func (s *Store) SetSummaryTitle(conversationID, title string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.summaries.get(conversationID).Title = title
}

// BumpUnread increments a conversation's unread counter by exactly one.
// Callers must only invoke it for genuinely new inserts; replayed events are
// filtered out before this point.
func (s *Store) BumpUnread(conversationID string) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	sum := s.summaries.get(conversationID)
	sum.UnreadCount++
	return sum.UnreadCount
}

// ResetUnread zeroes the counter when a conversation is opened.
func (s *Store) ResetUnread(conversationID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.summaries.get(conversationID).UnreadCount = 0
}

// Unread returns the current unread count.
func (s *Store) Unread(conversationID string) int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if sum, ok := s.summaries.byID[conversationID]; ok {
		return sum.UnreadCount
	}
	return 0
}

// Summaries returns the sidebar list, most recent conversation first.
func (s *Store) Summaries() []domain.ConversationSummary {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]domain.ConversationSummary, len(s.summaries.order))
	for i, sum := range s.summaries.order {
		out[i] = *sum
	}
	return out
}
