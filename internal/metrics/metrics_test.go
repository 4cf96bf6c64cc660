package metrics

import (
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewRegistersCollectors(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := New(reg)

	m.Cycles.WithLabelValues("primary", "completed").Inc()
	m.EventsSkipped.WithLabelValues("primary", SkipLiveCache).Add(2)
	m.RecoveryState.WithLabelValues("primary").Set(1)

	assert.Equal(t, float64(1), testutil.ToFloat64(m.Cycles.WithLabelValues("primary", "completed")))
	assert.Equal(t, float64(2), testutil.ToFloat64(m.EventsSkipped.WithLabelValues("primary", SkipLiveCache)))

	err := testutil.GatherAndCompare(reg, strings.NewReader(`
# HELP event_playback_recovery_state Current recovery state per server: 0 idle, 1 recovering, 2 unsupported.
# TYPE event_playback_recovery_state gauge
event_playback_recovery_state{server="primary"} 1
`), "event_playback_recovery_state")
	require.NoError(t, err)
}

func TestNewTwiceOnSameRegistryPanics(t *testing.T) {
	reg := prometheus.NewRegistry()
	New(reg)
	assert.Panics(t, func() { New(reg) })
}

func TestNewNopIsIndependent(t *testing.T) {
	assert.NotPanics(t, func() {
		NewNop()
		NewNop()
	})
}
