package checkpoint

import (
	"context"
)

// Store defines the durable side of the checkpoint mapping. Implementations
// return a *PersistenceError for any failure.
type Store interface {
	// Load returns the persisted mapping; an empty mapping when nothing
	// was persisted yet.
	Load(ctx context.Context) (map[string]EventTimeSlice, error)

	// Save replaces the persisted mapping.
	Save(ctx context.Context, slices map[string]EventTimeSlice) error

	HealthCheck(ctx context.Context) error
}

// Record is the persisted form of one identity's checkpoint
type Record struct {
	Identity string `json:"identity"`
	EventTimeSlice
}

// Document is the checkpoint file layout
type Document struct {
	Version     int      `json:"version"`
	Checkpoints []Record `json:"checkpoints"`
}

const documentVersion = 1
