package api

import (
	"context"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	"github.com/d-sense/event-playback/internal/health"
	"github.com/d-sense/event-playback/internal/playback"
	"github.com/d-sense/event-playback/internal/processor"
	"github.com/d-sense/event-playback/internal/validator"
	"github.com/d-sense/event-playback/pkg/models"
)

const maxEventBytes = 1 << 20

// Connection is the control surface of one server's playback manager
type Connection interface {
	ConnectionEstablished(ctx context.Context) playback.CycleResult
	ConnectionDown()
	ResetCheckpoint(ctx context.Context) error
	Status() playback.Status
}

// Registry resolves connections by identity
type Registry interface {
	Lookup(identity string) (Connection, bool)
	Statuses() []playback.Status
}

// EventProcessor handles live events posted to the API
type EventProcessor interface {
	ProcessEvent(ctx context.Context, identity string, eventData interface{}) (*models.Event, error)
}

// EventValidator checks a document without processing it
type EventValidator interface {
	ValidateAndParseEvent(eventData interface{}) (*models.Event, error)
}

// HealthChecker reports the service health
type HealthChecker interface {
	Check(ctx context.Context) *health.HealthStatus
}

// Dependencies carries what the router serves
type Dependencies struct {
	Registry  Registry
	Processor EventProcessor
	Validator EventValidator
	Health    HealthChecker
	Metrics   http.Handler
}

type registryAdapter struct {
	*playback.Registry
}

func (r registryAdapter) Lookup(identity string) (Connection, bool) {
	m, ok := r.Get(identity)
	if !ok {
		return nil, false
	}
	return m, true
}

// FromPlayback exposes a playback registry to the router
func FromPlayback(registry *playback.Registry) Registry {
	return registryAdapter{registry}
}

type connectionRequest struct {
	State string `json:"state" binding:"required,oneof=established down"`
}

// NewRouter builds the HTTP API
func NewRouter(deps Dependencies, log *logrus.Logger) *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()

	router.Use(gin.Recovery())
	router.Use(requestLogger(log))

	router.GET("/health", func(c *gin.Context) {
		status := deps.Health.Check(c.Request.Context())
		if status.Healthy {
			c.JSON(http.StatusOK, status)
		} else {
			c.JSON(http.StatusServiceUnavailable, status)
		}
	})

	if deps.Metrics != nil {
		router.GET("/metrics", gin.WrapH(deps.Metrics))
	}

	router.POST("/validate", func(c *gin.Context) {
		body, err := readBody(c)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}

		event, err := deps.Validator.ValidateAndParseEvent(body)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{
				"valid": false,
				"error": err.Error(),
			})
			return
		}

		c.JSON(http.StatusOK, gin.H{
			"valid":     true,
			"key":       event.Key(),
			"timestamp": event.Timestamp(),
		})
	})

	v1 := router.Group("/v1")
	v1.GET("/servers", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"servers": deps.Registry.Statuses()})
	})

	server := v1.Group("/servers/:server")
	server.GET("", withConnection(deps.Registry, func(c *gin.Context, conn Connection) {
		c.JSON(http.StatusOK, conn.Status())
	}))

	server.POST("/connection", withConnection(deps.Registry, func(c *gin.Context, conn Connection) {
		var req connectionRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}

		switch req.State {
		case "down":
			conn.ConnectionDown()
			c.JSON(http.StatusAccepted, conn.Status())
		case "established":
			// the cycle outlives a client that hangs up
			result := conn.ConnectionEstablished(context.WithoutCancel(c.Request.Context()))
			c.JSON(http.StatusOK, result)
		}
	}))

	server.DELETE("/checkpoint", withConnection(deps.Registry, func(c *gin.Context, conn Connection) {
		if err := conn.ResetCheckpoint(c.Request.Context()); err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		c.Status(http.StatusNoContent)
	}))

	server.POST("/events", func(c *gin.Context) {
		body, err := readBody(c)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}

		event, err := deps.Processor.ProcessEvent(c.Request.Context(), c.Param("server"), body)
		switch {
		case errors.Is(err, processor.ErrUnknownServer):
			c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
		case errors.Is(err, validator.ErrParse):
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		case err != nil:
			c.JSON(http.StatusBadGateway, gin.H{"error": err.Error()})
		default:
			c.JSON(http.StatusAccepted, gin.H{"accepted": true, "key": event.Key()})
		}
	})

	return router
}

func withConnection(registry Registry, handler func(*gin.Context, Connection)) gin.HandlerFunc {
	return func(c *gin.Context) {
		identity := c.Param("server")
		conn, ok := registry.Lookup(identity)
		if !ok {
			c.JSON(http.StatusNotFound, gin.H{"error": "unknown server " + identity})
			return
		}
		handler(c, conn)
	}
}

func readBody(c *gin.Context) ([]byte, error) {
	body, err := io.ReadAll(io.LimitReader(c.Request.Body, maxEventBytes))
	if err != nil {
		return nil, err
	}
	if len(body) == 0 {
		return nil, errors.New("empty request body")
	}
	return body, nil
}

func requestLogger(log *logrus.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		log.WithFields(logrus.Fields{
			"method":     c.Request.Method,
			"path":       c.Request.URL.Path,
			"status":     c.Writer.Status(),
			"duration":   time.Since(start),
			"user_agent": c.Request.UserAgent(),
		}).Info("HTTP request")
	}
}
