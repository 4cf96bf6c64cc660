package checkpoint

import (
	"github.com/d-sense/event-playback/pkg/models"
)

// EventTimeSlice groups the events that share one upstream creation
// timestamp. Gerrit reports creation time in whole seconds, so several
// events can carry the same value; the slice remembers which of them were
// already delivered.
type EventTimeSlice struct {
	Timestamp int64             `json:"timestamp"`
	Events    []models.EventKey `json:"events"`
}

// NewEventTimeSlice creates a slice at ts holding the given keys once each
func NewEventTimeSlice(ts int64, keys ...models.EventKey) *EventTimeSlice {
	s := &EventTimeSlice{Timestamp: ts, Events: make([]models.EventKey, 0, len(keys))}
	for _, key := range keys {
		s.Add(key)
	}
	return s
}

// Add appends key unless already present. Returns true if it was added.
func (s *EventTimeSlice) Add(key models.EventKey) bool {
	if s.Contains(key) {
		return false
	}
	s.Events = append(s.Events, key)
	return true
}

// Contains reports whether key was recorded in this slice
func (s *EventTimeSlice) Contains(key models.EventKey) bool {
	if s == nil {
		return false
	}
	for _, existing := range s.Events {
		if existing == key {
			return true
		}
	}
	return false
}

// Covers reports whether an event with key created at ts was already
// recorded in this slice.
func (s *EventTimeSlice) Covers(ts int64, key models.EventKey) bool {
	return s != nil && s.Timestamp == ts && s.Contains(key)
}

// Clone returns a deep copy; nil stays nil
func (s *EventTimeSlice) Clone() *EventTimeSlice {
	if s == nil {
		return nil
	}
	events := make([]models.EventKey, len(s.Events))
	copy(events, s.Events)
	return &EventTimeSlice{Timestamp: s.Timestamp, Events: events}
}

// Advance applies one observed event to the current checkpoint slice and
// returns the resulting slice and whether anything changed. current may be
// nil (no checkpoint yet). An event older than the checkpoint never
// regresses it; a newer one replaces the slice; an equal timestamp adds
// the key to the existing slice. current may be modified in place.
func Advance(current *EventTimeSlice, ts int64, key models.EventKey) (*EventTimeSlice, bool) {
	switch {
	case current == nil:
		return NewEventTimeSlice(ts, key), true
	case ts < current.Timestamp:
		return current, false
	case ts > current.Timestamp:
		return NewEventTimeSlice(ts, key), true
	default:
		return current, current.Add(key)
	}
}
