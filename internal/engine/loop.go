package engine

import (
	"context"
	"log/slog"
)

// Loop serializes every cache mutation onto one dispatch goroutine. Handlers
// run to completion before the next is processed, so merges never interleave
// mid-update. Sends, durable-write completions and push events all funnel
// through here.
type Loop struct {
	tasks  chan task
	quit   chan struct{}
	logger *slog.Logger
}

type task struct {
	fn   func()
	done chan struct{}
}

func NewLoop(buffer int, logger *slog.Logger) *Loop {
	if buffer <= 0 {
		buffer = 256
	}
	return &Loop{
		tasks:  make(chan task, buffer),
		quit:   make(chan struct{}),
		logger: logger,
	}
}

// Run consumes tasks until the context is cancelled. Posted tasks that arrive
// after shutdown are discarded.
func (l *Loop) Run(ctx context.Context) {
	defer close(l.quit)
	for {
		select {
		case <-ctx.Done():
			return
		case t := <-l.tasks:
			l.exec(t)
		}
	}
}

func (l *Loop) exec(t task) {
	defer func() {
		if r := recover(); r != nil {
			l.logger.Error("loop task panic", "panic", r)
		}
		if t.done != nil {
			close(t.done)
		}
	}()
	t.fn()
}

// Post enqueues fn without waiting. Used by async completions (durable-write
// results, push events) so nothing blocks off-loop work.
func (l *Loop) Post(fn func()) {
	select {
	case <-l.quit:
	case l.tasks <- task{fn: fn}:
	}
}

// Do enqueues fn and waits for it to finish: synchronous and atomic from the
// caller's perspective. Calling Do from a task already on the loop would
// deadlock; loop-resident code calls its target directly instead.
func (l *Loop) Do(fn func()) {
	done := make(chan struct{})
	select {
	case <-l.quit:
		return
	case l.tasks <- task{fn: fn, done: done}:
	}
	select {
	case <-l.quit:
	case <-done:
	}
}
