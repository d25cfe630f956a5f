// Package metrics is a lightweight collector exposing counters and gauges in
// Prometheus text exposition format, without pulling in client_golang.
package metrics

import (
	"fmt"
	"net/http"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

// Collector is the process-wide registry.
var Collector = NewCollector()

// Registry aggregates named counters and gauges.
type Registry struct {
	mu        sync.RWMutex
	counters  map[string]*Counter
	gauges    map[string]*Gauge
	startTime time.Time
}

func NewCollector() *Registry {
	return &Registry{
		counters:  make(map[string]*Counter),
		gauges:    make(map[string]*Gauge),
		startTime: time.Now(),
	}
}

// Counter is a monotonically increasing counter.
type Counter struct {
	help  string
	value atomic.Int64
}

func (c *Counter) Inc()         { c.value.Add(1) }
func (c *Counter) Add(n int64)  { c.value.Add(n) }
func (c *Counter) Value() int64 { return c.value.Load() }

// Gauge is a value that can go up and down.
type Gauge struct {
	help  string
	value atomic.Int64
}

func (g *Gauge) Set(v int64)  { g.value.Store(v) }
func (g *Gauge) Inc()         { g.value.Add(1) }
func (g *Gauge) Dec()         { g.value.Add(-1) }
func (g *Gauge) Value() int64 { return g.value.Load() }

// Counter returns or creates a counter with the given name.
func (c *Registry) Counter(name, help string) *Counter {
	c.mu.Lock()
	defer c.mu.Unlock()
	if ctr, ok := c.counters[name]; ok {
		return ctr
	}
	ctr := &Counter{help: help}
	c.counters[name] = ctr
	return ctr
}

// Gauge returns or creates a gauge with the given name.
func (c *Registry) Gauge(name, help string) *Gauge {
	c.mu.Lock()
	defer c.mu.Unlock()
	if g, ok := c.gauges[name]; ok {
		return g
	}
	g := &Gauge{help: help}
	c.gauges[name] = g
	return g
}

// Render writes the registry in Prometheus text format.
func (c *Registry) Render() string {
	c.mu.RLock()
	defer c.mu.RUnlock()

	var sb strings.Builder
	fmt.Fprintf(&sb, "# HELP chatsync_uptime_seconds Time since start in seconds\n")
	fmt.Fprintf(&sb, "# TYPE chatsync_uptime_seconds gauge\n")
	fmt.Fprintf(&sb, "chatsync_uptime_seconds %d\n", int64(time.Since(c.startTime).Seconds()))

	names := make([]string, 0, len(c.counters))
	for n := range c.counters {
		names = append(names, n)
	}
	sort.Strings(names)
	for _, n := range names {
		ctr := c.counters[n]
		fmt.Fprintf(&sb, "# HELP %s %s\n# TYPE %s counter\n%s %d\n", n, ctr.help, n, n, ctr.Value())
	}

	names = names[:0]
	for n := range c.gauges {
		names = append(names, n)
	}
	sort.Strings(names)
	for _, n := range names {
		g := c.gauges[n]
		fmt.Fprintf(&sb, "# HELP %s %s\n# TYPE %s gauge\n%s %d\n", n, g.help, n, n, g.Value())
	}
	return sb.String()
}

// Handler serves the registry over HTTP.
func (c *Registry) Handler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/plain; version=0.0.4; charset=utf-8")
		fmt.Fprint(w, c.Render())
	}
}

// Metrics used across the synchronization core.
var (
	SendsTotal     = Collector.Counter("chatsync_sends_total", "Messages submitted through the live path")
	SendsQueued    = Collector.Counter("chatsync_sends_queued_total", "Messages diverted to the offline queue")
	SendsConfirmed = Collector.Counter("chatsync_sends_confirmed_total", "Sends confirmed by the durable store")
	SendsFailed    = Collector.Counter("chatsync_sends_failed_total", "Sends that ended in failed status")
	SendsRetried   = Collector.Counter("chatsync_sends_retried_total", "Explicit user retries of failed sends")
	EventsTotal    = Collector.Counter("chatsync_push_events_total", "Push events consumed by the reconciler")
	EventsDropped  = Collector.Counter("chatsync_push_events_dropped_total", "Push events dropped as malformed, backward or duplicate")
	PagesLoaded    = Collector.Counter("chatsync_history_pages_total", "Backward history pages appended to the cache")
	QueueFlushes   = Collector.Counter("chatsync_queue_flushes_total", "Offline queue flush passes")
	FeedReconnects = Collector.Counter("chatsync_feed_reconnects_total", "Push feed reconnect attempts")
	OnlineState    = Collector.Gauge("chatsync_online", "1 when the push feed is connected")
)
