package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "event_playback"

// Skip reasons reported on events_skipped_total
const (
	SkipLiveCache  = "live_cache"
	SkipCheckpoint = "checkpoint"
)

// Metrics holds the collectors of the playback subsystem
type Metrics struct {
	Cycles              *prometheus.CounterVec
	EventsObserved      *prometheus.CounterVec
	EventsRecovered     *prometheus.CounterVec
	EventsSkipped       *prometheus.CounterVec
	ParseErrors         *prometheus.CounterVec
	DeliveryErrors      *prometheus.CounterVec
	CheckpointSaveError *prometheus.CounterVec
	RecoveryState       *prometheus.GaugeVec
	CycleDuration       *prometheus.HistogramVec
}

// New registers the collectors on reg
func New(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		Cycles: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cycles_total",
			Help:      "Catch-up cycles by outcome.",
		}, []string{"server", "result"}),
		EventsObserved: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_observed_total",
			Help:      "Events received on the live stream.",
		}, []string{"server"}),
		EventsRecovered: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_recovered_total",
			Help:      "Missed events replayed downstream.",
		}, []string{"server"}),
		EventsSkipped: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_skipped_total",
			Help:      "Recovered events dropped as already delivered.",
		}, []string{"server", "reason"}),
		ParseErrors: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "parse_errors_total",
			Help:      "Audit log records that could not be parsed.",
		}, []string{"server"}),
		DeliveryErrors: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "delivery_errors_total",
			Help:      "Events the sink refused.",
		}, []string{"server", "origin"}),
		CheckpointSaveError: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "checkpoint_save_errors_total",
			Help:      "Failed checkpoint saves.",
		}, []string{"server"}),
		RecoveryState: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "recovery_state",
			Help:      "Current recovery state per server: 0 idle, 1 recovering, 2 unsupported.",
		}, []string{"server"}),
		CycleDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "cycle_duration_seconds",
			Help:      "Duration of catch-up cycles.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"server"}),
	}
}

// NewNop returns collectors registered nowhere
func NewNop() *Metrics {
	return New(prometheus.NewRegistry())
}
