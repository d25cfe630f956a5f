package store

import (
	"chatsync/internal/domain"
)

type receiptKey struct {
	conversationID string
	userID         string
}

type receiptTable struct {
	receipts map[receiptKey]*domain.ReadReceipt
}

func newReceiptTable() *receiptTable {
	return &receiptTable{receipts: make(map[receiptKey]*domain.ReadReceipt)}
}

// SetReceipt stores a peer's latest read position. Older receipts than the
// stored one are ignored, so replayed events cannot move a peer backward.
func (s *Store) SetReceipt(r domain.ReadReceipt) {
	s.mu.Lock()
	defer s.mu.Unlock()

	k := receiptKey{r.ConversationID, r.UserID}
	if cur, ok := s.receipts.receipts[k]; ok && cur.At.After(r.At) {
		return
	}
	rc := r
	s.receipts.receipts[k] = &rc
}

// SeenBy returns the peers whose read position is at or past the given
// message. In the newest-first ordering a message at index i is covered by a
// receipt pointing at index k when i >= k.
func (s *Store) SeenBy(conversationID, messageID string) []string {
	s.mu.RLock()
	defer s.mu.RUnlock()

	c, ok := s.convs[conversationID]
	if !ok {
		return nil
	}
	idx := indexOf(c.order, messageID)
	if idx < 0 {
		return nil
	}

	var seen []string
	for k, r := range s.receipts.receipts {
		if k.conversationID != conversationID {
			continue
		}
		ridx := indexOf(c.order, r.LastReadMessageID)
		if ridx >= 0 && idx >= ridx {
			seen = append(seen, k.userID)
		}
	}
	return seen
}

// LastSeenOwn returns, per peer, the most recent of the local user's own
// messages that peer has reached. Rendering uses it to place a single seen
// indicator per peer instead of repeating one on every row.
func (s *Store) LastSeenOwn(conversationID, selfID string) map[string]string {
	s.mu.RLock()
	defer s.mu.RUnlock()

	c, ok := s.convs[conversationID]
	if !ok {
		return nil
	}
	out := make(map[string]string)
	for k, r := range s.receipts.receipts {
		if k.conversationID != conversationID || k.userID == selfID {
			continue
		}
		ridx := indexOf(c.order, r.LastReadMessageID)
		if ridx < 0 {
			continue
		}
		// Newest own message at or below the peer's read position.
		for i := ridx; i < len(c.order); i++ {
			if c.order[i].SenderID == selfID {
				out[k.userID] = c.order[i].ID
				break
			}
		}
	}
	return out
}

func indexOf(order []*domain.Message, id string) int {
	for i, m := range order {
		if m.ID == id {
			return i
		}
	}
	return -1
}
