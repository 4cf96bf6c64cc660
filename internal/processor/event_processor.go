package processor

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/d-sense/event-playback/internal/metrics"
	"github.com/d-sense/event-playback/internal/playback"
	"github.com/d-sense/event-playback/internal/sink"
	"github.com/d-sense/event-playback/pkg/models"
)

// ErrUnknownServer is returned for events of a connection nobody registered
var ErrUnknownServer = errors.New("unknown server")

// EventParser validates and decodes a live event
type EventParser interface {
	ValidateAndParseEvent(eventData interface{}) (*models.Event, error)
}

// Observer is the playback side of a connection
type Observer interface {
	EventObserved(ctx context.Context, event *models.Event) error
}

// Lookup resolves the observer of a connection identity
type Lookup func(identity string) (Observer, bool)

// RegistryLookup resolves observers from the playback registry
func RegistryLookup(registry *playback.Registry) Lookup {
	return func(identity string) (Observer, bool) {
		m, ok := registry.Get(identity)
		if !ok {
			return nil, false
		}
		return m, true
	}
}

// EventProcessor handles events arriving on the live stream. Every event
// updates the connection's checkpoint before it is forwarded downstream.
type EventProcessor struct {
	lookup    Lookup
	validator EventParser
	sink      sink.Sink
	metrics   *metrics.Metrics
	logger    *logrus.Logger
}

// New creates a new EventProcessor instance
func New(lookup Lookup, validator EventParser, sink sink.Sink, m *metrics.Metrics, logger *logrus.Logger) *EventProcessor {
	if m == nil {
		m = metrics.NewNop()
	}
	return &EventProcessor{
		lookup:    lookup,
		validator: validator,
		sink:      sink,
		metrics:   m,
		logger:    logger,
	}
}

// ProcessEvent handles one live event of identity. A checkpoint that
// could not be saved is logged; the event is still delivered.
func (p *EventProcessor) ProcessEvent(ctx context.Context, identity string, eventData interface{}) (*models.Event, error) {
	startTime := time.Now()

	logger := p.logger.WithFields(logrus.Fields{
		"correlation_id": uuid.NewString(),
		"component":      "event_processor",
		"server":         identity,
	})

	observer, ok := p.lookup(identity)
	if !ok {
		logger.Warn("Event for unknown server")
		return nil, fmt.Errorf("%w: %s", ErrUnknownServer, identity)
	}

	event, err := p.validator.ValidateAndParseEvent(eventData)
	if err != nil {
		p.metrics.ParseErrors.WithLabelValues(identity).Inc()
		logger.WithError(err).Error("Event validation failed")
		return nil, fmt.Errorf("validation failed: %w", err)
	}

	logger = logger.WithFields(logrus.Fields{
		"event_type": event.Type,
		"event_key":  event.Key().String(),
	})

	if err := observer.EventObserved(ctx, event); err != nil {
		logger.WithError(err).Warn("Failed to update checkpoint")
	}

	if err := p.sink.Deliver(ctx, identity, models.OriginLive, event); err != nil {
		p.metrics.DeliveryErrors.WithLabelValues(identity, string(models.OriginLive)).Inc()
		logger.WithError(err).Error("Failed to deliver event")
		return event, fmt.Errorf("delivery failed: %w", err)
	}

	logger.WithField("processing_time_ms", time.Since(startTime).Milliseconds()).Debug("Event processed successfully")
	return event, nil
}
