// Package netmon tracks online/offline transitions. The send pipeline asks it
// whether to dispatch live or hand off to the offline queue; the queue flush
// hangs off its online edge.
package netmon

import (
	"log/slog"
	"sync"
)

// Monitor is a boolean connectivity observable. It dedupes repeated
// same-state reports so subscribers only see edges.
type Monitor struct {
	mu     sync.RWMutex
	online bool
	subs   []func(online bool)
	logger *slog.Logger
}

// New creates a monitor. Clients start offline until the transport reports a
// successful connect, so sends before the first connect queue rather than
// fail.
func New(logger *slog.Logger) *Monitor {
	return &Monitor{logger: logger}
}

// Online reports the current state.
func (m *Monitor) Online() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.online
}

// OnChange registers a callback invoked on every edge. Callbacks run on the
// reporting goroutine and must not block.
func (m *Monitor) OnChange(fn func(online bool)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.subs = append(m.subs, fn)
}

// Set records the state reported by the transport. Repeated reports of the
// same state are ignored.
func (m *Monitor) Set(online bool) {
	m.mu.Lock()
	if m.online == online {
		m.mu.Unlock()
		return
	}
	m.online = online
	subs := make([]func(bool), len(m.subs))
	copy(subs, m.subs)
	m.mu.Unlock()

	if online {
		m.logger.Info("connectivity restored")
	} else {
		m.logger.Warn("connectivity lost")
	}
	for _, fn := range subs {
		fn(online)
	}
}
