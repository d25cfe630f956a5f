package engine

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"chatsync/internal/domain"
	"chatsync/internal/netmon"
	"chatsync/internal/queue"
	"chatsync/internal/store"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn}))
}

// fakeDurable is a controllable in-memory durable store.
type fakeDurable struct {
	mu        sync.Mutex
	nextID    int
	inserts   int
	pageCalls int
	failAll   bool
	gate      chan struct{} // when set, Insert blocks until closed or ctx expires
	pageGate  chan struct{} // when set, Page blocks until closed
	pages     map[string][]domain.Message
}

func newFakeDurable() *fakeDurable {
	return &fakeDurable{pages: make(map[string][]domain.Message)}
}

func (f *fakeDurable) setGate(gate chan struct{}) {
	f.mu.Lock()
	f.gate = gate
	f.mu.Unlock()
}

func (f *fakeDurable) setFail(fail bool) {
	f.mu.Lock()
	f.failAll = fail
	f.mu.Unlock()
}

func (f *fakeDurable) Insert(ctx context.Context, msg domain.Message) (domain.Message, error) {
	f.mu.Lock()
	gate := f.gate
	fail := f.failAll
	f.mu.Unlock()

	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return domain.Message{}, domain.NewServiceError(domain.NetworkError, "write timed out", ctx.Err())
		}
	}
	if fail {
		return domain.Message{}, domain.NewServiceError(domain.NetworkError, "connection refused", nil)
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	f.nextID++
	f.inserts++
	confirmed := msg
	confirmed.ID = fmt.Sprintf("srv-%d", f.nextID)
	confirmed.Status = domain.StatusSent
	confirmed.CreatedAt = msg.CreatedAt.Add(250 * time.Millisecond) // server clock skew
	confirmed.UpdatedAt = confirmed.CreatedAt
	return confirmed, nil
}

func (f *fakeDurable) Update(ctx context.Context, id string, patch domain.MessagePatch) (domain.Message, error) {
	return domain.Message{ID: id}, nil
}

func (f *fakeDurable) Page(ctx context.Context, conversationID, cursor string, limit int) ([]domain.Message, string, error) {
	f.mu.Lock()
	gate := f.pageGate
	f.mu.Unlock()
	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return nil, "", ctx.Err()
		}
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.pageCalls++
	return f.pages[conversationID], "", nil
}

// fakeFeed delivers scripted events and records publishes.
type fakeFeed struct {
	mu        sync.Mutex
	events    chan domain.Event
	published []domain.Event
}

func newFakeFeed() *fakeFeed {
	return &fakeFeed{events: make(chan domain.Event, 32)}
}

func (f *fakeFeed) Events() <-chan domain.Event { return f.events }

func (f *fakeFeed) Subscribe(ctx context.Context, conversationID string) error { return nil }

func (f *fakeFeed) Publish(ctx context.Context, ev domain.Event) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.published = append(f.published, ev)
	return nil
}

func (f *fakeFeed) Close() error { return nil }

func (f *fakeFeed) publishedCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.published)
}

func (f *fakeFeed) lastReceipt() (domain.ReadReceiptUpdated, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for i := len(f.published) - 1; i >= 0; i-- {
		if r, ok := f.published[i].(domain.ReadReceiptUpdated); ok {
			return r, true
		}
	}
	return domain.ReadReceiptUpdated{}, false
}

// stickyQueue is an in-memory offline queue whose Remove blocks until
// released, modelling a durable delete that commits slowly.
type stickyQueue struct {
	mu      sync.Mutex
	next    int
	entries []domain.QueuedSend
	release chan struct{}
}

func newStickyQueue() *stickyQueue {
	return &stickyQueue{release: make(chan struct{})}
}

func (q *stickyQueue) Enqueue(ctx context.Context, conversationID, content string) (domain.QueuedSend, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.next++
	e := domain.QueuedSend{
		LocalID:        fmt.Sprintf("%sstick-%d", domain.ProvisionalPrefix, q.next),
		ConversationID: conversationID,
		Content:        content,
		CreatedAt:      time.Now(),
	}
	q.entries = append(q.entries, e)
	return e, nil
}

func (q *stickyQueue) Pending(ctx context.Context) ([]domain.QueuedSend, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return append([]domain.QueuedSend(nil), q.entries...), nil
}

func (q *stickyQueue) Remove(ctx context.Context, localID string) error {
	select {
	case <-q.release:
	case <-ctx.Done():
		return ctx.Err()
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	for i, e := range q.entries {
		if e.LocalID == localID {
			q.entries = append(q.entries[:i], q.entries[i+1:]...)
			break
		}
	}
	return nil
}

type testRig struct {
	engine  *Engine
	store   *store.Store
	durable *fakeDurable
	feed    *fakeFeed
	net     *netmon.Monitor
	cancel  context.CancelFunc
}

func newTestRig(t *testing.T, q OfflineQueue) *testRig {
	t.Helper()
	st := store.New(0, testLogger())
	durable := newFakeDurable()
	feed := newFakeFeed()
	net := netmon.New(testLogger())

	e, err := New(Config{
		SelfID:      "me",
		DisplayName: "Me",
		Store:       st,
		Durable:     durable,
		Feed:        feed,
		Net:         net,
		Queue:       q,
		Logger:      testLogger(),
		SendTimeout: 2 * time.Second,
	})
	if err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	go e.Run(ctx)
	t.Cleanup(cancel)
	// Wait until the loop is serving before tests drive it.
	e.loop.Do(func() {})
	return &testRig{engine: e, store: st, durable: durable, feed: feed, net: net, cancel: cancel}
}

func waitFor(t *testing.T, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timeout waiting for: %s", msg)
}

func peerInsert(conv, id, content string, at time.Time) domain.MessageInserted {
	return domain.MessageInserted{Message: domain.Message{
		ID:             id,
		ConversationID: conv,
		SenderID:       "peer",
		Content:        content,
		Kind:           domain.KindText,
		Status:         domain.StatusSent,
		CreatedAt:      at,
		UpdatedAt:      at,
	}}
}

func TestSubmitOptimisticThenConfirmed(t *testing.T) {
	rig := newTestRig(t, nil)
	rig.net.Set(true)

	gate := make(chan struct{})
	rig.durable.setGate(gate)

	m, err := rig.engine.Submit(context.Background(), "c1", "hi")
	if err != nil {
		t.Fatal(err)
	}
	clientAt := m.CreatedAt

	// Visible with status sending before any network response.
	msgs := rig.engine.Messages("c1")
	if len(msgs) != 1 || msgs[0].Content != "hi" || msgs[0].Status != domain.StatusSending {
		t.Fatalf("optimistic row missing or wrong: %+v", msgs)
	}

	close(gate)
	waitFor(t, func() bool {
		msgs := rig.engine.Messages("c1")
		return len(msgs) == 1 && msgs[0].ID == "srv-1" && msgs[0].Status == domain.StatusSent
	}, "confirmation to reconcile")

	got := rig.engine.Messages("c1")[0]
	if got.Content != "hi" {
		t.Errorf("content changed across reconciliation: %q", got.Content)
	}
	if !got.CreatedAt.Equal(clientAt) {
		t.Errorf("client timestamp must survive confirmation: %v != %v", got.CreatedAt, clientAt)
	}
}

func TestSubmitEmptyFailsClosed(t *testing.T) {
	rig := newTestRig(t, nil)
	rig.net.Set(true)

	_, err := rig.engine.Submit(context.Background(), "c1", "   ")
	if domain.KindOf(err) != domain.ValidationError {
		t.Fatalf("expected validation error, got %v", err)
	}
	if len(rig.engine.Messages("c1")) != 0 {
		t.Error("validation failure must not mutate the cache")
	}
}

func TestSendFailureThenRetry(t *testing.T) {
	rig := newTestRig(t, nil)
	rig.net.Set(true)
	rig.durable.setFail(true)

	m, err := rig.engine.Submit(context.Background(), "c1", "will fail")
	if err != nil {
		t.Fatal(err)
	}
	localID := m.ID

	waitFor(t, func() bool {
		got, ok := rig.store.Get("c1", localID)
		return ok && got.Status == domain.StatusFailed
	}, "send to fail")

	// Failed row stays visible.
	if len(rig.engine.Messages("c1")) != 1 {
		t.Fatal("failed message must remain in the cache")
	}

	rig.durable.setFail(false)

	if err := rig.engine.Retry(context.Background(), "c1", localID); err != nil {
		t.Fatal(err)
	}
	waitFor(t, func() bool {
		msgs := rig.engine.Messages("c1")
		return len(msgs) == 1 && msgs[0].Status == domain.StatusSent
	}, "retry to confirm")

	if rig.engine.Messages("c1")[0].Content != "will fail" {
		t.Error("retry must re-submit the original content")
	}
}

func TestSendTimeoutMarksFailed(t *testing.T) {
	st := store.New(0, testLogger())
	durable := newFakeDurable()
	durable.gate = make(chan struct{}) // never closed: write hangs
	net := netmon.New(testLogger())

	e, err := New(Config{
		SelfID:      "me",
		Store:       st,
		Durable:     durable,
		Net:         net,
		Logger:      testLogger(),
		SendTimeout: 50 * time.Millisecond,
	})
	if err != nil {
		t.Fatal(err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go e.Run(ctx)
	e.loop.Do(func() {})
	net.Set(true)

	m, err := e.Submit(ctx, "c1", "stuck")
	if err != nil {
		t.Fatal(err)
	}
	waitFor(t, func() bool {
		got, ok := st.Get("c1", m.ID)
		return ok && got.Status == domain.StatusFailed
	}, "bounded wait to mark the send failed")
}

func TestOfflineRoundTrip(t *testing.T) {
	qpath := filepath.Join(t.TempDir(), "outbox.db")
	q, err := queue.NewSQLiteQueue(qpath, testLogger())
	if err != nil {
		t.Fatal(err)
	}
	defer q.Close()

	rig := newTestRig(t, q)
	// Monitor starts offline.

	m, err := rig.engine.Submit(context.Background(), "c1", "offline hello")
	if err != nil {
		t.Fatal(err)
	}
	if m.Status != domain.StatusQueued {
		t.Fatalf("offline submit should queue, got %s", m.Status)
	}
	n, _ := q.Len(context.Background())
	if n != 1 {
		t.Fatalf("expected 1 queued entry, got %d", n)
	}

	rig.net.Set(true)

	waitFor(t, func() bool {
		msgs := rig.engine.Messages("c1")
		return len(msgs) == 1 && msgs[0].Status == domain.StatusSent
	}, "queued send to flush and confirm")

	got := rig.engine.Messages("c1")[0]
	if got.Content != "offline hello" || got.ConversationID != "c1" {
		t.Error("flush must preserve content and conversation")
	}
	waitFor(t, func() bool {
		n, _ := q.Len(context.Background())
		return n == 0
	}, "queue to drain")
}

func TestFlushIdempotentAcrossEdges(t *testing.T) {
	qpath := filepath.Join(t.TempDir(), "outbox.db")
	q, err := queue.NewSQLiteQueue(qpath, testLogger())
	if err != nil {
		t.Fatal(err)
	}
	defer q.Close()

	rig := newTestRig(t, q)
	for i := 0; i < 2; i++ {
		if _, err := rig.engine.Submit(context.Background(), "c1", fmt.Sprintf("m%d", i)); err != nil {
			t.Fatal(err)
		}
	}

	// Flapping connectivity must not double-send.
	rig.net.Set(true)
	rig.net.Set(false)
	rig.net.Set(true)

	waitFor(t, func() bool {
		msgs := rig.engine.Messages("c1")
		if len(msgs) != 2 {
			return false
		}
		for _, m := range msgs {
			if m.Status != domain.StatusSent {
				return false
			}
		}
		return true
	}, "both queued sends to confirm")

	time.Sleep(50 * time.Millisecond) // allow any duplicate flush to surface
	rig.durable.mu.Lock()
	inserts := rig.durable.inserts
	rig.durable.mu.Unlock()
	if inserts != 2 {
		t.Errorf("expected exactly 2 durable inserts, got %d", inserts)
	}
	if len(rig.engine.Messages("c1")) != 2 {
		t.Errorf("duplicate rows after flush: %d", len(rig.engine.Messages("c1")))
	}
}

func TestFlushSkipsEntriesStillBeingRemoved(t *testing.T) {
	q := newStickyQueue()
	rig := newTestRig(t, q)

	if _, err := rig.engine.Submit(context.Background(), "c1", "held back"); err != nil {
		t.Fatal(err)
	}

	rig.net.Set(true)
	waitFor(t, func() bool {
		msgs := rig.engine.Messages("c1")
		return len(msgs) == 1 && msgs[0].Status == domain.StatusSent
	}, "queued send to confirm")

	// The queue row is still there: its removal has not committed. Another
	// pair of connectivity edges re-reads the queue and must not hand the
	// same entry to the pipeline again.
	rig.net.Set(false)
	rig.net.Set(true)

	time.Sleep(50 * time.Millisecond)
	rig.durable.mu.Lock()
	inserts := rig.durable.inserts
	rig.durable.mu.Unlock()
	if inserts != 1 {
		t.Errorf("one queued send produced %d durable inserts", inserts)
	}
	if n := len(rig.engine.Messages("c1")); n != 1 {
		t.Errorf("duplicate rows after re-flush: %d", n)
	}

	close(q.release)
	waitFor(t, func() bool {
		pending, _ := q.Pending(context.Background())
		return len(pending) == 0
	}, "queue to drain once removal unblocks")
}

func TestRealtimeEchoBeforeConfirmation(t *testing.T) {
	rig := newTestRig(t, nil)
	rig.net.Set(true)

	gate := make(chan struct{})
	rig.durable.setGate(gate)

	m, err := rig.engine.Submit(context.Background(), "c1", "race me")
	if err != nil {
		t.Fatal(err)
	}

	// The push echo beats the durable-store response.
	echo := domain.Message{
		ID:             "srv-1",
		ConversationID: "c1",
		SenderID:       "me",
		Content:        "race me",
		Kind:           domain.KindText,
		Status:         domain.StatusSent,
		ClientToken:    m.ClientToken,
		CreatedAt:      m.CreatedAt,
		UpdatedAt:      m.CreatedAt,
	}
	rig.feed.events <- domain.MessageInserted{Message: echo}

	waitFor(t, func() bool {
		msgs := rig.engine.Messages("c1")
		return len(msgs) == 1 && msgs[0].ID == "srv-1"
	}, "echo to reconcile the provisional row")

	close(gate)
	time.Sleep(50 * time.Millisecond)
	if n := len(rig.engine.Messages("c1")); n != 1 {
		t.Errorf("late confirmation duplicated the message: %d rows", n)
	}
}

func TestUnreadAccountingAndOpen(t *testing.T) {
	rig := newTestRig(t, nil)
	rig.net.Set(true)
	now := time.Now()

	for i := 1; i <= 3; i++ {
		rig.feed.events <- peerInsert("background", fmt.Sprintf("srv-%d", i), "hey", now.Add(time.Duration(i)*time.Second))
	}
	// Replay of the last event must not double-count.
	rig.feed.events <- peerInsert("background", "srv-3", "hey", now.Add(3*time.Second))

	waitFor(t, func() bool { return rig.store.Len("background") == 3 }, "inserts to land")
	if got := rig.engine.Unread("background"); got != 3 {
		t.Fatalf("expected unread 3, got %d", got)
	}

	sums := rig.engine.Summaries()
	if len(sums) == 0 || sums[0].ID != "background" {
		t.Error("conversation should be at the top of the summary list")
	}

	rig.engine.OpenConversation(context.Background(), "background")
	if got := rig.engine.Unread("background"); got != 0 {
		t.Errorf("open must reset unread, got %d", got)
	}
	for _, m := range rig.engine.Messages("background") {
		if m.Status != domain.StatusRead {
			t.Errorf("open must advance peer messages to read, %s is %s", m.ID, m.Status)
		}
	}
	waitFor(t, func() bool { return rig.feed.publishedCount() > 0 }, "read receipt to publish")
}

func TestReadReceiptAnchorsOnConfirmedMessage(t *testing.T) {
	rig := newTestRig(t, nil)
	rig.net.Set(true)

	rig.feed.events <- peerInsert("c1", "srv-1", "hello", time.Now())
	waitFor(t, func() bool { return rig.store.Len("c1") == 1 }, "peer message to land")

	// An own send still in flight sits at the head of the timeline; its
	// client-minted id means nothing to peers and must not anchor the receipt.
	gate := make(chan struct{})
	rig.durable.setGate(gate)
	defer close(gate)
	if _, err := rig.engine.Submit(context.Background(), "c1", "on my way"); err != nil {
		t.Fatal(err)
	}

	rig.engine.OpenConversation(context.Background(), "c1")

	waitFor(t, func() bool {
		_, ok := rig.feed.lastReceipt()
		return ok
	}, "read receipt to publish")
	receipt, _ := rig.feed.lastReceipt()
	if receipt.LastReadMessageID != "srv-1" {
		t.Errorf("receipt anchored on %q, want srv-1", receipt.LastReadMessageID)
	}
}

func TestActiveConversationInsertGoesStraightToRead(t *testing.T) {
	rig := newTestRig(t, nil)
	rig.net.Set(true)

	rig.engine.OpenConversation(context.Background(), "c1")
	rig.feed.events <- peerInsert("c1", "srv-1", "hi there", time.Now())

	waitFor(t, func() bool {
		m, ok := rig.store.Get("c1", "srv-1")
		return ok && m.Status == domain.StatusRead
	}, "visible insert to be read immediately")

	if rig.engine.Unread("c1") != 0 {
		t.Error("active conversation must not accumulate unread")
	}
}

func TestStatusChangedIdempotentAndOrdered(t *testing.T) {
	rig := newTestRig(t, nil)
	rig.net.Set(true)
	now := time.Now()

	// delivered arrives before its insert: buffered, no orphan, no crash.
	rig.feed.events <- domain.StatusChanged{ConversationID: "c1", MessageID: "srv-7", Status: domain.StatusDelivered}
	rig.feed.events <- peerInsert("c1", "srv-7", "out of order", now)

	waitFor(t, func() bool {
		m, ok := rig.store.Get("c1", "srv-7")
		return ok && m.Status == domain.StatusDelivered
	}, "buffered status to apply")

	// Replays and regressions are dropped.
	rig.feed.events <- domain.StatusChanged{ConversationID: "c1", MessageID: "srv-7", Status: domain.StatusRead}
	waitFor(t, func() bool {
		m, _ := rig.store.Get("c1", "srv-7")
		return m.Status == domain.StatusRead
	}, "read to apply")
	rig.feed.events <- domain.StatusChanged{ConversationID: "c1", MessageID: "srv-7", Status: domain.StatusDelivered}
	time.Sleep(30 * time.Millisecond)
	m, _ := rig.store.Get("c1", "srv-7")
	if m.Status != domain.StatusRead {
		t.Errorf("status regressed to %s", m.Status)
	}
}

func TestTypingSignalsExpireLocally(t *testing.T) {
	st := store.New(0, testLogger())
	durable := newFakeDurable()
	feed := newFakeFeed()
	net := netmon.New(testLogger())
	e, err := New(Config{
		SelfID:    "me",
		Store:     st,
		Durable:   durable,
		Feed:      feed,
		Net:       net,
		Logger:    testLogger(),
		TypingTTL: 40 * time.Millisecond,
	})
	if err != nil {
		t.Fatal(err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go e.Run(ctx)
	e.loop.Do(func() {})

	feed.events <- domain.TypingStarted{ConversationID: "c1", UserID: "peer", DisplayName: "Peer"}
	waitFor(t, func() bool { return len(e.TypingUsers("c1")) == 1 }, "typing signal to appear")

	// No stop event: the signal still dies by local expiry.
	waitFor(t, func() bool { return len(e.TypingUsers("c1")) == 0 }, "typing signal to expire")
}

func TestLoadOlderDeduplicatesInFlight(t *testing.T) {
	rig := newTestRig(t, nil)
	rig.net.Set(true)
	now := time.Now()
	rig.durable.pages["c1"] = []domain.Message{
		{ID: "srv-2", ConversationID: "c1", SenderID: "peer", Content: "b", Kind: domain.KindText, Status: domain.StatusSent, CreatedAt: now},
		{ID: "srv-1", ConversationID: "c1", SenderID: "peer", Content: "a", Kind: domain.KindText, Status: domain.StatusSent, CreatedAt: now.Add(-time.Minute)},
	}

	gate := make(chan struct{})
	rig.durable.mu.Lock()
	rig.durable.pageGate = gate
	rig.durable.mu.Unlock()

	rig.engine.LoadOlder(context.Background(), "c1")
	rig.engine.LoadOlder(context.Background(), "c1")
	close(gate)

	waitFor(t, func() bool { return rig.store.Len("c1") == 2 }, "page to load")
	time.Sleep(30 * time.Millisecond)

	rig.durable.mu.Lock()
	calls := rig.durable.pageCalls
	rig.durable.mu.Unlock()
	if calls != 1 {
		t.Errorf("in-flight pagination must be deduplicated, got %d calls", calls)
	}
}
