package store

import (
	"time"

	"chatsync/internal/domain"
)

// DefaultTypingTTL is how long a typing signal stays alive without a refresh.
// Expiry is purely local: a lost stop event never leaves a peer typing
// forever.
const DefaultTypingTTL = 2 * time.Second

type typingKey struct {
	conversationID string
	userID         string
}

type typingTable struct {
	signals map[typingKey]*domain.TypingSignal
}

func newTypingTable() *typingTable {
	return &typingTable{signals: make(map[typingKey]*domain.TypingSignal)}
}

// UpsertTyping registers or refreshes a typing signal with a fresh expiry.
func (s *Store) UpsertTyping(conversationID, userID, displayName string, ttl time.Duration) {
	if ttl <= 0 {
		ttl = DefaultTypingTTL
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	k := typingKey{conversationID, userID}
	s.typing.signals[k] = &domain.TypingSignal{
		ConversationID: conversationID,
		UserID:         userID,
		DisplayName:    displayName,
		ExpiresAt:      time.Now().Add(ttl),
	}
}

// RemoveTyping drops a signal on an explicit stop event.
func (s *Store) RemoveTyping(conversationID, userID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.typing.signals, typingKey{conversationID, userID})
}

// TypingUsers returns the still-live signals for a conversation and sweeps
// out expired ones as a side effect.
func (s *Store) TypingUsers(conversationID string) []domain.TypingSignal {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	var out []domain.TypingSignal
	for k, sig := range s.typing.signals {
		if now.After(sig.ExpiresAt) {
			delete(s.typing.signals, k)
			continue
		}
		if k.conversationID == conversationID {
			out = append(out, *sig)
		}
	}
	return out
}
