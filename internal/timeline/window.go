package timeline

import "chatsync/internal/domain"

const (
	defaultOverscan      = 200
	defaultTailThreshold = 40
)

// Row is one renderable message with its resolved geometry. Offset is the
// pixel distance from the newest edge of the timeline to the row's near edge;
// rows grow away from the newest edge into history, so appending older pages
// never changes an existing row's offset.
type Row struct {
	Message *domain.Message
	Offset  int
	Height  int
}

// Frame is what the viewport shows for one layout pass.
type Frame struct {
	Rows        []Row // newest-first, visible plus overscan
	TotalHeight int
	AtTail      bool
	UnreadBelow int  // new messages that arrived while scrolled away
	NeedPage    bool // fire a backward page fetch; re-armed by PageResolved
}

// Viewport maps the cache's newest-first message sequence onto a fixed-height
// scroll window. Scroll position is the distance from the newest edge, zero
// meaning pinned to the latest message.
type Viewport struct {
	heights       *HeightCache
	height        int
	overscan      int
	tailThreshold int

	offset      int
	lastNewest  string
	unreadBelow int
	paging      bool
}

func NewViewport(heights *HeightCache, height int) *Viewport {
	if heights == nil {
		heights = NewHeightCache()
	}
	return &Viewport{
		heights:       heights,
		height:        height,
		overscan:      defaultOverscan,
		tailThreshold: defaultTailThreshold,
	}
}

// Offset is the current scroll position: pixels between the viewport's
// newest-facing edge and the newest edge of the timeline.
func (v *Viewport) Offset() int {
	return v.offset
}

// AtTail reports whether the viewport is at, or within the follow threshold
// of, the newest edge.
func (v *Viewport) AtTail() bool {
	return v.offset <= v.tailThreshold
}

// ScrollBy moves the viewport. Positive delta scrolls toward history,
// negative toward the newest edge. Reaching the tail clears the unread
// marker.
func (v *Viewport) ScrollBy(delta int) {
	v.offset += delta
	if v.offset < 0 {
		v.offset = 0
	}
	if v.AtTail() {
		v.unreadBelow = 0
	}
}

// ScrollToTail jumps to the newest edge, the unread-marker affordance's
// click-through.
func (v *Viewport) ScrollToTail() {
	v.offset = 0
	v.unreadBelow = 0
}

// PageResolved re-arms the pagination trigger after a page fetch finishes,
// successfully or not. A failed fetch becomes retryable by scrolling again.
func (v *Viewport) PageResolved() {
	v.paging = false
}

// Frame lays out one pass over the current message sequence (newest first, as
// the cache serves it). hasMore reports whether older history exists beyond
// the loaded window.
//
// New messages at the newest edge shift every older row's offset; when the
// user is scrolled away the viewport compensates so the same rows stay on
// screen and the unread marker counts what they are missing. At the tail the
// viewport follows.
func (v *Viewport) Frame(msgs []*domain.Message, hasMore bool) Frame {
	v.absorbNewest(msgs)

	total := 0
	lo := v.offset - v.overscan
	hi := v.offset + v.height + v.overscan

	var rows []Row
	oldestVisible := -1
	for i, m := range msgs {
		h := v.heights.Height(m)
		if total+h > lo && total < hi {
			rows = append(rows, Row{Message: m, Offset: total, Height: h})
			oldestVisible = i
		}
		total += h
	}

	// Clamp after layout so shrinking content cannot strand the viewport.
	if max := total - v.height; v.offset > max {
		if max < 0 {
			max = 0
		}
		v.offset = max
	}

	needPage := false
	if hasMore && !v.paging && oldestVisible == len(msgs)-1 && len(msgs) > 0 {
		v.paging = true
		needPage = true
	}

	return Frame{
		Rows:        rows,
		TotalHeight: total,
		AtTail:      v.AtTail(),
		UnreadBelow: v.unreadBelow,
		NeedPage:    needPage,
	}
}

// absorbNewest reconciles the scroll position with rows that appeared at the
// newest edge since the previous frame.
func (v *Viewport) absorbNewest(msgs []*domain.Message) {
	if len(msgs) == 0 {
		v.lastNewest = ""
		return
	}
	newest := msgs[0].ID
	if v.lastNewest == "" || newest == v.lastNewest {
		v.lastNewest = newest
		return
	}

	idx := -1
	added := 0
	for i, m := range msgs {
		if m.ID == v.lastNewest {
			idx = i
			break
		}
		added += v.heights.Height(m)
	}
	v.lastNewest = newest
	if idx <= 0 {
		// Previous anchor gone (evicted or replaced in place); nothing to
		// compensate against.
		return
	}
	if v.AtTail() {
		v.offset = 0
		v.unreadBelow = 0
		return
	}
	v.offset += added
	v.unreadBelow += idx
}
