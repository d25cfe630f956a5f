// Package timeline turns the message cache's ordered view into a renderable
// window: it tracks row heights, keeps the scroll position stable while the
// list grows at both ends, and tells the caller when to fetch more history.
package timeline

import (
	"time"

	"chatsync/internal/domain"
)

// Layout constants, in pixels. Estimates only need to be close enough that
// the first layout pass does not visibly reflow; measured values replace them.
const (
	textLineHeight = 20
	textPadding    = 16
	charsPerLine   = 48

	imageRowWidth  = 320
	imageMinHeight = 80
	imageMaxHeight = 400
	imageFallback  = 240

	systemRowHeight    = 28
	tombstoneRowHeight = 32

	measuredCap = 4096
)

type measuredEntry struct {
	height int
	at     time.Time
}

// HeightCache resolves a row height for every message: a measured value when
// the renderer has reported one for the message's current revision, an
// estimate otherwise. Keying measurements on UpdatedAt invalidates them
// automatically when an edit reflows the row.
type HeightCache struct {
	measured map[string]measuredEntry
	order    []string

	// MediaDims returns previously observed image dimensions, if any.
	MediaDims func(messageID string) (w, h int, ok bool)
}

func NewHeightCache() *HeightCache {
	return &HeightCache{measured: make(map[string]measuredEntry)}
}

// Height returns the measured height for the message's current revision, or
// an estimate.
func (c *HeightCache) Height(m *domain.Message) int {
	if e, ok := c.measured[m.ID]; ok && e.at.Equal(m.UpdatedAt) {
		return e.height
	}
	return c.Estimate(m)
}

// Estimate guesses a row height from content alone.
func (c *HeightCache) Estimate(m *domain.Message) int {
	if m.IsDeleted {
		return tombstoneRowHeight
	}
	switch m.Kind {
	case domain.KindSystem:
		return systemRowHeight
	case domain.KindImage:
		return c.estimateImage(m)
	default:
		return estimateText(m.Content)
	}
}

func estimateText(content string) int {
	lines := (len(content) + charsPerLine - 1) / charsPerLine
	if lines < 1 {
		lines = 1
	}
	return textPadding + lines*textLineHeight
}

// estimateImage reserves space from known dimensions so the row does not jump
// when the image loads. Dimensions come from the message itself or from the
// store's dimension side-table; without either, a fixed fallback.
func (c *HeightCache) estimateImage(m *domain.Message) int {
	w, h := 0, 0
	if m.Media != nil && m.Media.Width > 0 && m.Media.Height > 0 {
		w, h = m.Media.Width, m.Media.Height
	} else if c.MediaDims != nil {
		if dw, dh, ok := c.MediaDims(m.ID); ok && dw > 0 && dh > 0 {
			w, h = dw, dh
		}
	}
	if w == 0 || h == 0 {
		return imageFallback
	}
	scaled := h * imageRowWidth / w
	if scaled < imageMinHeight {
		return imageMinHeight
	}
	if scaled > imageMaxHeight {
		return imageMaxHeight
	}
	return scaled
}

// SetMeasured records the height the renderer observed after layout. Bounded;
// the oldest measurement gives way once the cap is reached.
func (c *HeightCache) SetMeasured(m *domain.Message, height int) {
	if height <= 0 {
		return
	}
	if _, ok := c.measured[m.ID]; !ok {
		if len(c.order) >= measuredCap {
			oldest := c.order[0]
			c.order = c.order[1:]
			delete(c.measured, oldest)
		}
		c.order = append(c.order, m.ID)
	}
	c.measured[m.ID] = measuredEntry{height: height, at: m.UpdatedAt}
}

// Forget drops a measurement, used when the store evicts the message.
func (c *HeightCache) Forget(messageID string) {
	if _, ok := c.measured[messageID]; !ok {
		return
	}
	delete(c.measured, messageID)
	for i, id := range c.order {
		if id == messageID {
			c.order = append(c.order[:i], c.order[i+1:]...)
			break
		}
	}
}
