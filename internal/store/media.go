package store

// mediaTable is a bounded side table of observed media dimensions keyed by
// message id. It lives and dies with the store's page window rather than as a
// process-wide cache: entries are dropped when their message is evicted.
type mediaTable struct {
	dims map[string][2]int
	fifo []string
	cap  int
}

const defaultMediaCap = 1024

func newMediaTable(cap int) *mediaTable {
	return &mediaTable{dims: make(map[string][2]int), cap: cap}
}

func (t *mediaTable) set(id string, w, h int) {
	if _, ok := t.dims[id]; !ok {
		t.fifo = append(t.fifo, id)
	}
	t.dims[id] = [2]int{w, h}
	for len(t.dims) > t.cap && len(t.fifo) > 0 {
		old := t.fifo[0]
		t.fifo = t.fifo[1:]
		delete(t.dims, old)
	}
}

func (t *mediaTable) remove(id string) {
	delete(t.dims, id)
}

// MediaDims returns previously observed dimensions for a message's media, so
// a re-entering row reserves the same space it had before.
func (s *Store) MediaDims(messageID string) (w, h int, ok bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	d, ok := s.media.dims[messageID]
	if !ok {
		return 0, 0, false
	}
	return d[0], d[1], true
}

// SetMediaDims records measured dimensions after media loads.
func (s *Store) SetMediaDims(messageID string, w, h int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.media.set(messageID, w, h)
}
