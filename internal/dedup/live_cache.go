package dedup

import (
	"github.com/d-sense/event-playback/pkg/models"
)

// LiveCache records the events that arrived on the live stream during one
// playback cycle so the catch-up does not deliver them a second time. It
// grows without bound within a cycle and must be Reset when the cycle
// ends. Callers serialize access.
type LiveCache struct {
	order []models.EventKey
	index map[models.EventKey]struct{}
}

// NewLiveCache creates an empty cache
func NewLiveCache() *LiveCache {
	return &LiveCache{index: make(map[models.EventKey]struct{})}
}

// Add records key. Returns false if it was already present.
func (c *LiveCache) Add(key models.EventKey) bool {
	if _, ok := c.index[key]; ok {
		return false
	}
	c.index[key] = struct{}{}
	c.order = append(c.order, key)
	return true
}

// Contains reports whether key was seen live in this cycle
func (c *LiveCache) Contains(key models.EventKey) bool {
	_, ok := c.index[key]
	return ok
}

// Reset empties the cache
func (c *LiveCache) Reset() {
	c.order = nil
	c.index = make(map[models.EventKey]struct{})
}

// Len returns the number of recorded keys
func (c *LiveCache) Len() int {
	return len(c.order)
}

// Keys returns the recorded keys in arrival order
func (c *LiveCache) Keys() []models.EventKey {
	out := make([]models.EventKey, len(c.order))
	copy(out, c.order)
	return out
}
