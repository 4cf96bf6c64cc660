package playback

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/coder/quartz"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/d-sense/event-playback/internal/checkpoint"
	"github.com/d-sense/event-playback/internal/dedup"
	"github.com/d-sense/event-playback/internal/metrics"
	"github.com/d-sense/event-playback/internal/sink"
	"github.com/d-sense/event-playback/pkg/logger"
	"github.com/d-sense/event-playback/pkg/models"
)

// Fetcher retrieves the raw audit-log records logged at or after lower
type Fetcher interface {
	FetchEventsSince(ctx context.Context, identity string, lower time.Time) ([][]byte, error)
}

// Parser turns one raw record into an event
type Parser interface {
	Parse(raw []byte) (*models.Event, error)
}

// CapabilityGate reports whether a server can answer audit queries
type CapabilityGate interface {
	IsSupported(ctx context.Context, identity string) bool
}

// Options carries the collaborators of a Manager
type Options struct {
	Identity string
	Book     *checkpoint.Book
	Gate     CapabilityGate
	Fetcher  Fetcher
	Parser   Parser
	Sink     sink.Sink
	Clock    quartz.Clock
	Logger   *logrus.Logger
	Metrics  *metrics.Metrics
}

// Manager recovers the events one upstream connection missed while it
// was down. It keeps the connection's checkpoint current from live
// events and, on reconnect, replays what the audit log recorded since
// the checkpoint, skipping anything already delivered.
//
// mu guards state, the live cache, the baseline and every checkpoint
// read-modify-write. cycleMu serializes catch-up cycles; the audit-log
// fetch runs holding only cycleMu.
type Manager struct {
	identity string
	book     *checkpoint.Book
	gate     CapabilityGate
	fetcher  Fetcher
	parser   Parser
	sink     sink.Sink
	clock    quartz.Clock
	logger   *logrus.Entry
	metrics  *metrics.Metrics

	cycleMu sync.Mutex

	mu                sync.Mutex
	state             State
	capable           bool
	timestampsMissing bool
	cache             *dedup.LiveCache
	baseline          *checkpoint.EventTimeSlice
	pending           bool
	scheduled         int
	downDuringCycle   bool
	lastCycle         *CycleResult
}

// NewManager registers a connection identity. The capability gate is
// consulted once here; the checkpoint known at this point becomes the
// baseline of the first catch-up.
func NewManager(ctx context.Context, opts Options) *Manager {
	if opts.Clock == nil {
		opts.Clock = quartz.NewReal()
	}
	if opts.Logger == nil {
		opts.Logger = logger.Discard()
	}
	if opts.Metrics == nil {
		opts.Metrics = metrics.NewNop()
	}

	m := &Manager{
		identity: opts.Identity,
		book:     opts.Book,
		gate:     opts.Gate,
		fetcher:  opts.Fetcher,
		parser:   opts.Parser,
		sink:     opts.Sink,
		clock:    opts.Clock,
		logger:   logger.ForServer(opts.Logger, opts.Identity),
		metrics:  opts.Metrics,
		cache:    dedup.NewLiveCache(),
	}

	m.capable = m.gate.IsSupported(ctx, m.identity)
	m.baseline = m.book.Get(m.identity)
	m.pending = true
	if m.capable {
		m.setStateLocked(StateIdle)
	} else {
		m.logger.Warn("Missed events playback not supported by this server")
		m.setStateLocked(StateUnsupported)
	}
	return m
}

// Identity returns the connection identity this manager serves
func (m *Manager) Identity() string {
	return m.identity
}

// BeginCycle announces a catch-up that will run asynchronously. A
// ConnectionDown reported after it is kept for the next cycle even when
// the announced cycle has not started yet.
func (m *Manager) BeginCycle() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.scheduled++
}

// ConnectionEstablished runs one catch-up cycle: it computes the outage
// window from the checkpoint, fetches the audit log for it and replays
// every event not already delivered. A second call waits for the cycle
// in flight.
func (m *Manager) ConnectionEstablished(ctx context.Context) CycleResult {
	m.cycleMu.Lock()
	defer m.cycleMu.Unlock()

	result := &CycleResult{
		CycleID:   uuid.NewString(),
		Server:    m.identity,
		StartedAt: m.clock.Now(),
	}
	log := m.logger.WithField("cycle_id", result.CycleID)
	log.Info("Connection established")

	supported := m.gate.IsSupported(ctx, m.identity)

	m.mu.Lock()
	if m.scheduled > 0 {
		m.scheduled--
	}
	m.capable = supported
	if m.timestampsMissing || !supported {
		result.Outcome = OutcomeUnsupported
		m.finishLocked(result, nil)
		m.mu.Unlock()
		log.Info("Missed events playback unsupported, skipping catch-up")
		return *result
	}
	m.setStateLocked(StateRecovering)
	baseline := m.baseline.Clone()
	m.mu.Unlock()

	current, err := m.loadCheckpoint(ctx)
	if err != nil {
		log.WithError(err).Error("Failed to load checkpoint")
		if current == nil && baseline == nil {
			result.Outcome = OutcomeCheckpointUnavailable
			result.Err = err
			return m.finish(result, nil)
		}
	}

	window := baseline
	if window == nil {
		window = current.Clone()
	}
	now := m.clock.Now()
	windowStart := now
	if window != nil {
		windowStart = time.UnixMilli(window.Timestamp)
	}

	if !now.After(windowStart) {
		result.Outcome = OutcomeNothingMissed
		log.Debug("No outage window, nothing to recover")
		return m.finish(result, window)
	}
	result.WindowStart = windowStart.UTC()

	log = log.WithFields(logrus.Fields{
		"window_start": result.WindowStart,
		"window":       now.Sub(windowStart).String(),
	})
	log.Info("Fetching missed events")

	records, err := m.fetcher.FetchEventsSince(ctx, m.identity, windowStart)
	if err != nil {
		log.WithError(err).Error("Failed to fetch missed events, will retry on next reconnect")
		result.Outcome = OutcomeFetchFailed
		result.Err = err
		return m.finish(result, window)
	}
	result.Fetched = len(records)

	for i, raw := range records {
		if err := ctx.Err(); err != nil {
			log.WithError(err).WithField("remaining", len(records)-i).Warn("Catch-up interrupted")
			result.Outcome = OutcomeAborted
			result.Err = err
			return m.finish(result, window)
		}

		event, err := m.parser.Parse(raw)
		if err == nil && event.Timestamp() == 0 {
			err = fmt.Errorf("recovered %s event has no creation time", event.Type)
		}
		if err != nil {
			result.ParseErrors++
			m.metrics.ParseErrors.WithLabelValues(m.identity).Inc()
			log.WithError(err).Warn("Skipping unparsable audit log record")
			continue
		}

		m.replay(ctx, log, event, baseline, result)
	}

	result.Outcome = OutcomeCompleted
	log.WithFields(logrus.Fields{
		"fetched":            result.Fetched,
		"recovered":          result.Recovered,
		"skipped_live":       result.SkippedLive,
		"skipped_checkpoint": result.SkippedCheckpoint,
		"parse_errors":       result.ParseErrors,
		"delivery_errors":    result.DeliveryErrors,
		"save_errors":        result.SaveErrors,
	}).Info("Catch-up completed")
	return m.finish(result, window)
}

// replay delivers one recovered event unless it was already delivered,
// then marks it in the checkpoint and the live cache
func (m *Manager) replay(ctx context.Context, log *logrus.Entry, event *models.Event, baseline *checkpoint.EventTimeSlice, result *CycleResult) {
	m.mu.Lock()
	defer m.mu.Unlock()

	key := event.Key()
	ts := event.Timestamp()
	eventLog := log.WithFields(logrus.Fields{
		"event_type": event.Type,
		"event_key":  key.String(),
		"created_on": event.EventCreatedOn,
	})

	if m.cache.Contains(key) {
		result.SkippedLive++
		m.metrics.EventsSkipped.WithLabelValues(m.identity, metrics.SkipLiveCache).Inc()
		eventLog.Debug("Already delivered live, skipping")
		return
	}
	if baseline.Covers(ts, key) || m.book.Get(m.identity).Covers(ts, key) {
		result.SkippedCheckpoint++
		m.metrics.EventsSkipped.WithLabelValues(m.identity, metrics.SkipCheckpoint).Inc()
		eventLog.Debug("Already recorded in checkpoint, skipping")
		return
	}

	if err := m.sink.Deliver(ctx, m.identity, models.OriginPlayback, event); err != nil {
		result.DeliveryErrors++
		m.metrics.DeliveryErrors.WithLabelValues(m.identity, string(models.OriginPlayback)).Inc()
		eventLog.WithError(err).Error("Failed to deliver recovered event")
		return
	}

	result.Recovered++
	m.metrics.EventsRecovered.WithLabelValues(m.identity).Inc()
	m.cache.Add(key)
	if err := m.advanceLocked(ctx, event); err != nil {
		result.SaveErrors++
	}
	eventLog.Debug("Recovered event delivered")
}

// ConnectionDown records the checkpoint as the baseline of the next
// catch-up. Live events that arrive after the reconnect but before the
// cycle starts cannot move the outage window.
func (m *Manager) ConnectionDown() {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.logger.Info("Connection down")
	if m.state == StateRecovering || m.scheduled > 0 {
		m.downDuringCycle = true
		return
	}
	if !m.pending {
		m.baseline = m.book.Get(m.identity)
		m.pending = true
	}
}

// EventObserved records one event delivered by the live stream. An event
// without a creation time switches the connection to unsupported for good
// and leaves the checkpoint untouched.
func (m *Manager) EventObserved(ctx context.Context, event *models.Event) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.metrics.EventsObserved.WithLabelValues(m.identity).Inc()

	if event.Timestamp() == 0 {
		if !m.timestampsMissing {
			m.logger.WithField("event_type", event.Type).
				Error("Server does not report event creation time, missed events playback disabled for this connection")
		}
		m.timestampsMissing = true
		m.setStateLocked(StateUnsupported)
		return nil
	}

	if m.state == StateRecovering || m.pending {
		m.cache.Add(event.Key())
	}
	return m.advanceLocked(ctx, event)
}

// ResetCheckpoint forgets the checkpoint of this connection
func (m *Manager) ResetCheckpoint(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.baseline = nil
	if err := m.book.Delete(ctx, m.identity); err != nil {
		m.metrics.CheckpointSaveError.WithLabelValues(m.identity).Inc()
		return err
	}
	m.logger.Info("Checkpoint reset")
	return nil
}

// Status returns a snapshot of the manager
func (m *Manager) Status() Status {
	m.mu.Lock()
	defer m.mu.Unlock()

	status := Status{
		Server:          m.identity,
		State:           m.state,
		Capable:         m.capable && !m.timestampsMissing,
		Checkpoint:      m.book.Get(m.identity),
		LiveCacheSize:   m.cache.Len(),
		PlaybackPending: m.pending,
	}
	if m.lastCycle != nil {
		last := *m.lastCycle
		status.LastCycle = &last
	}
	return status
}

// advanceLocked moves the checkpoint forward for event and saves it.
// A failed save keeps the in-memory checkpoint.
func (m *Manager) advanceLocked(ctx context.Context, event *models.Event) error {
	next, changed := checkpoint.Advance(m.book.Get(m.identity), event.Timestamp(), event.Key())
	if !changed {
		return nil
	}
	if err := m.book.Put(ctx, m.identity, next); err != nil {
		m.metrics.CheckpointSaveError.WithLabelValues(m.identity).Inc()
		m.logger.WithError(err).Error("Failed to save checkpoint")
		return err
	}
	return nil
}

func (m *Manager) loadCheckpoint(ctx context.Context) (*checkpoint.EventTimeSlice, error) {
	err := m.book.Load(ctx)
	current := m.book.Get(m.identity)
	if err != nil && !errors.Is(err, checkpoint.ErrPersistence) {
		err = &checkpoint.PersistenceError{Op: "load", Err: err}
	}
	return current, err
}

func (m *Manager) finish(result *CycleResult, window *checkpoint.EventTimeSlice) CycleResult {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.finishLocked(result, window)
	return *result
}

// finishLocked ends a cycle: state back to idle and live cache emptied.
// A completed cycle consumes the baseline; one that did not cover its
// window keeps the window start as the baseline of the next one.
func (m *Manager) finishLocked(result *CycleResult, window *checkpoint.EventTimeSlice) {
	result.FinishedAt = m.clock.Now()
	if result.Err != nil {
		result.Error = result.Err.Error()
	}

	m.cache.Reset()
	switch {
	case result.Retryable():
		if m.baseline == nil {
			m.baseline = window
		}
		m.pending = true
	case m.downDuringCycle:
		m.baseline = m.book.Get(m.identity)
		m.pending = true
	default:
		m.baseline = nil
		m.pending = false
	}
	m.downDuringCycle = false

	if m.timestampsMissing || !m.capable {
		m.setStateLocked(StateUnsupported)
	} else {
		m.setStateLocked(StateIdle)
	}

	last := *result
	m.lastCycle = &last
	m.metrics.Cycles.WithLabelValues(m.identity, result.Outcome).Inc()
	m.metrics.CycleDuration.WithLabelValues(m.identity).Observe(result.FinishedAt.Sub(result.StartedAt).Seconds())
}

func (m *Manager) setStateLocked(state State) {
	m.state = state
	m.metrics.RecoveryState.WithLabelValues(m.identity).Set(float64(state))
}
