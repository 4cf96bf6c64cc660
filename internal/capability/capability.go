package capability

import (
	"context"
	"sync"

	"github.com/sirupsen/logrus"
)

// Prober asks an upstream server whether it can answer audit queries
type Prober interface {
	ProbeCapability(ctx context.Context, identity string) (bool, error)
}

// Gate caches the probe result per connection identity. A probe error
// counts as unsupported and is cached like any other answer.
type Gate struct {
	prober Prober
	logger *logrus.Logger

	mu      sync.Mutex
	results map[string]bool
}

// NewGate creates a gate in front of prober
func NewGate(prober Prober, logger *logrus.Logger) *Gate {
	return &Gate{
		prober:  prober,
		logger:  logger,
		results: make(map[string]bool),
	}
}

// IsSupported returns the cached capability for identity, probing once
func (g *Gate) IsSupported(ctx context.Context, identity string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()

	if supported, ok := g.results[identity]; ok {
		return supported
	}

	supported, err := g.prober.ProbeCapability(ctx, identity)
	if err != nil {
		g.logger.WithError(err).WithField("server", identity).Warn("Capability probe failed, missed events playback disabled")
		supported = false
	}
	g.results[identity] = supported
	return supported
}

// Invalidate drops the cached result so the next call probes again
func (g *Gate) Invalidate(identity string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	delete(g.results, identity)
}
