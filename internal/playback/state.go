package playback

import (
	"fmt"
	"time"

	"github.com/d-sense/event-playback/internal/checkpoint"
)

// State is the recovery state of one connection
type State int

const (
	StateIdle State = iota
	StateRecovering
	StateUnsupported
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateRecovering:
		return "recovering"
	case StateUnsupported:
		return "unsupported"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// Cycle outcomes
const (
	OutcomeCompleted             = "completed"
	OutcomeNothingMissed         = "nothing_missed"
	OutcomeUnsupported           = "unsupported"
	OutcomeCheckpointUnavailable = "checkpoint_unavailable"
	OutcomeFetchFailed           = "fetch_failed"
	OutcomeAborted               = "aborted"
)

// CycleResult summarizes one catch-up cycle
type CycleResult struct {
	CycleID           string    `json:"cycleId"`
	Server            string    `json:"server"`
	Outcome           string    `json:"outcome"`
	StartedAt         time.Time `json:"startedAt"`
	FinishedAt        time.Time `json:"finishedAt"`
	WindowStart       time.Time `json:"windowStart,omitempty"`
	Fetched           int       `json:"fetched"`
	Recovered         int       `json:"recovered"`
	SkippedLive       int       `json:"skippedLive"`
	SkippedCheckpoint int       `json:"skippedCheckpoint"`
	ParseErrors       int       `json:"parseErrors"`
	DeliveryErrors    int       `json:"deliveryErrors"`
	SaveErrors        int       `json:"saveErrors"`
	Error             string    `json:"error,omitempty"`

	Err error `json:"-"`
}

// Retryable reports whether the cycle left part of its window uncovered
func (r CycleResult) Retryable() bool {
	switch r.Outcome {
	case OutcomeFetchFailed, OutcomeAborted, OutcomeCheckpointUnavailable:
		return true
	default:
		return false
	}
}

// Status is a point-in-time view of one manager
type Status struct {
	Server          string                     `json:"server"`
	State           State                      `json:"state"`
	Capable         bool                       `json:"capable"`
	Checkpoint      *checkpoint.EventTimeSlice `json:"checkpoint,omitempty"`
	LiveCacheSize   int                        `json:"liveCacheSize"`
	PlaybackPending bool                       `json:"playbackPending"`
	LastCycle       *CycleResult               `json:"lastCycle,omitempty"`
}
