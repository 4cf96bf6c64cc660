package sink

import (
	"context"
	"errors"

	"github.com/sirupsen/logrus"

	"github.com/d-sense/event-playback/pkg/models"
)

// Sink hands an event to downstream consumers
type Sink interface {
	Deliver(ctx context.Context, identity string, origin models.Origin, event *models.Event) error
}

// LogSink writes every delivered event to the log
type LogSink struct {
	logger *logrus.Logger
}

// NewLogSink creates a sink that only logs
func NewLogSink(logger *logrus.Logger) *LogSink {
	return &LogSink{logger: logger}
}

func (s *LogSink) Deliver(ctx context.Context, identity string, origin models.Origin, event *models.Event) error {
	key := event.Key()
	s.logger.WithFields(logrus.Fields{
		"server":     identity,
		"origin":     origin,
		"event_type": event.Type,
		"change_id":  key.ChangeID,
		"patch_set":  key.PatchSet,
		"created_on": event.EventCreatedOn,
	}).Info("Event delivered")
	return nil
}

// MultiSink delivers to every sink in order and joins their errors
type MultiSink []Sink

func (m MultiSink) Deliver(ctx context.Context, identity string, origin models.Origin, event *models.Event) error {
	var errs []error
	for _, s := range m {
		if err := s.Deliver(ctx, identity, origin, event); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
