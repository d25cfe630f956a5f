package transport

import (
	"context"

	"chatsync/internal/domain"
)

// Tee wraps a push feed and duplicates its events to a side channel, letting
// a secondary consumer (a bridge) observe the stream without starving the
// reconciler. The side channel is best effort: when the consumer lags, events
// are dropped there, never on the primary path.
type Tee struct {
	inner domain.PushFeed
	out   chan domain.Event
	side  chan domain.Event
}

func NewTee(inner domain.PushFeed) *Tee {
	t := &Tee{
		inner: inner,
		out:   make(chan domain.Event, 64),
		side:  make(chan domain.Event, 64),
	}
	go t.pump()
	return t
}

func (t *Tee) pump() {
	defer close(t.out)
	defer close(t.side)
	for ev := range t.inner.Events() {
		t.out <- ev
		select {
		case t.side <- ev:
		default:
		}
	}
}

func (t *Tee) Events() <-chan domain.Event { return t.out }

// Side is the secondary stream.
func (t *Tee) Side() <-chan domain.Event { return t.side }

func (t *Tee) Subscribe(ctx context.Context, conversationID string) error {
	return t.inner.Subscribe(ctx, conversationID)
}

func (t *Tee) Publish(ctx context.Context, ev domain.Event) error {
	return t.inner.Publish(ctx, ev)
}

func (t *Tee) Close() error { return t.inner.Close() }
