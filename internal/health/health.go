package health

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/d-sense/event-playback/internal/playback"
)

// HealthStatus represents the health status of the service
type HealthStatus struct {
	Healthy   bool                       `json:"healthy"`
	Timestamp time.Time                  `json:"timestamp"`
	Checks    map[string]ComponentHealth `json:"checks"`
}

// ComponentHealth represents the health of a specific component
type ComponentHealth struct {
	Healthy bool              `json:"healthy"`
	Latency time.Duration     `json:"latency"`
	Error   string            `json:"error,omitempty"`
	Details map[string]string `json:"details,omitempty"`
}

// StoreChecker is the checkpoint store probe
type StoreChecker interface {
	HealthCheck(ctx context.Context) error
}

// StatusSource lists the playback status of every connection
type StatusSource interface {
	Statuses() []playback.Status
}

// HealthChecker performs health checks on various components
type HealthChecker struct {
	store   StoreChecker
	servers StatusSource
	logger  *logrus.Logger
}

// New creates a new HealthChecker instance
func New(store StoreChecker, servers StatusSource, logger *logrus.Logger) *HealthChecker {
	return &HealthChecker{
		store:   store,
		servers: servers,
		logger:  logger,
	}
}

// Check performs health checks on all components. Connections only
// report their state; a server that cannot be caught up does not make
// the service unhealthy.
func (h *HealthChecker) Check(ctx context.Context) *HealthStatus {
	status := &HealthStatus{
		Healthy:   true,
		Timestamp: time.Now().UTC(),
		Checks:    make(map[string]ComponentHealth),
	}

	storeHealth := h.checkStore(ctx)
	status.Checks["checkpoint_store"] = storeHealth
	if !storeHealth.Healthy {
		status.Healthy = false
	}

	serverHealth := h.checkServers()
	status.Checks["servers"] = serverHealth

	h.logger.WithFields(logrus.Fields{
		"healthy":       status.Healthy,
		"store_healthy": storeHealth.Healthy,
		"store_latency": storeHealth.Latency,
		"servers":       len(serverHealth.Details),
	}).Debug("Health check completed")

	return status
}

// checkStore checks the checkpoint store connectivity
func (h *HealthChecker) checkStore(ctx context.Context) ComponentHealth {
	start := time.Now()

	storeCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	err := h.store.HealthCheck(storeCtx)
	latency := time.Since(start)

	if err != nil {
		h.logger.WithError(err).Error("Checkpoint store health check failed")
		return ComponentHealth{
			Healthy: false,
			Latency: latency,
			Error:   err.Error(),
		}
	}

	return ComponentHealth{
		Healthy: true,
		Latency: latency,
	}
}

func (h *HealthChecker) checkServers() ComponentHealth {
	start := time.Now()

	details := make(map[string]string)
	for _, s := range h.servers.Statuses() {
		state := s.State.String()
		if s.LastCycle != nil {
			state += "/" + s.LastCycle.Outcome
		}
		details[s.Server] = state
	}

	return ComponentHealth{
		Healthy: true,
		Latency: time.Since(start),
		Details: details,
	}
}

// IsHealthy returns a simple boolean health status
func (h *HealthChecker) IsHealthy(ctx context.Context) bool {
	return h.Check(ctx).Healthy
}
