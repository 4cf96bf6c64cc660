package checkpoint

import (
	"context"
	"sync"
)

// Book is the in-memory checkpoint mapping shared by every connection's
// playback manager. It is the source of truth while the process runs; the
// Store only mirrors it. Each manager serializes its own identity, the
// Book serializes saves so a newer snapshot is never overwritten by an
// older one.
type Book struct {
	store Store

	mu     sync.Mutex
	slices map[string]*EventTimeSlice
}

// NewBook creates an empty book backed by store
func NewBook(store Store) *Book {
	return &Book{
		store:  store,
		slices: make(map[string]*EventTimeSlice),
	}
}

// Load merges the persisted mapping into memory. A persisted slice only
// replaces an in-memory one that is strictly older, so a failed save is
// never undone by a reload. On error memory is left untouched.
func (b *Book) Load(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	persisted, err := b.store.Load(ctx)
	if err != nil {
		return err
	}
	for identity, slice := range persisted {
		slice := slice
		current, ok := b.slices[identity]
		if ok && current.Timestamp >= slice.Timestamp {
			continue
		}
		b.slices[identity] = slice.Clone()
	}
	return nil
}

// Get returns a copy of the identity's slice, or nil if none is known
func (b *Book) Get(identity string) *EventTimeSlice {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.slices[identity].Clone()
}

// Put records slice for identity and persists the whole mapping. The
// in-memory update stands even when the save fails.
func (b *Book) Put(ctx context.Context, identity string, slice *EventTimeSlice) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if slice == nil {
		delete(b.slices, identity)
	} else {
		b.slices[identity] = slice.Clone()
	}
	return b.store.Save(ctx, b.snapshotLocked())
}

// Delete forgets identity and persists the remaining mapping
func (b *Book) Delete(ctx context.Context, identity string) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	delete(b.slices, identity)
	return b.store.Save(ctx, b.snapshotLocked())
}

// Snapshot returns a deep copy of the whole mapping
func (b *Book) Snapshot() map[string]EventTimeSlice {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.snapshotLocked()
}

// HealthCheck delegates to the backing store
func (b *Book) HealthCheck(ctx context.Context) error {
	return b.store.HealthCheck(ctx)
}

func (b *Book) snapshotLocked() map[string]EventTimeSlice {
	out := make(map[string]EventTimeSlice, len(b.slices))
	for identity, slice := range b.slices {
		out[identity] = *slice.Clone()
	}
	return out
}
