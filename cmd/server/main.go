package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/d-sense/event-playback/internal/api"
	"github.com/d-sense/event-playback/internal/auditlog"
	"github.com/d-sense/event-playback/internal/capability"
	"github.com/d-sense/event-playback/internal/checkpoint"
	"github.com/d-sense/event-playback/internal/config"
	"github.com/d-sense/event-playback/internal/consumer"
	"github.com/d-sense/event-playback/internal/health"
	"github.com/d-sense/event-playback/internal/metrics"
	"github.com/d-sense/event-playback/internal/persistence"
	"github.com/d-sense/event-playback/internal/playback"
	"github.com/d-sense/event-playback/internal/processor"
	"github.com/d-sense/event-playback/internal/sink"
	"github.com/d-sense/event-playback/internal/validator"
	"github.com/d-sense/event-playback/pkg/aws"
	"github.com/d-sense/event-playback/pkg/logger"
)

func main() {
	// Load environment variables
	if err := godotenv.Load(); err != nil {
		logrus.Warn("No .env file found")
	}

	cfg := config.Load()
	log := logger.New(cfg.LogLevel)

	if err := cfg.Validate(); err != nil {
		log.WithError(err).Fatal("Invalid configuration")
	}
	if len(cfg.GerritServers) == 0 {
		log.Warn("No GERRIT_SERVERS configured, nothing to recover")
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Metrics
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.New(reg)

	// Checkpoints
	store, err := persistence.NewStore(ctx, cfg)
	if err != nil {
		log.WithError(err).Fatal("Failed to open checkpoint store")
	}
	book := checkpoint.NewBook(store)
	if err := book.Load(ctx); err != nil {
		log.WithError(err).Error("Failed to load checkpoints, starting without them")
	}

	// Gerrit collaborators
	httpClient := &http.Client{Timeout: time.Duration(cfg.FetchTimeoutSeconds) * time.Second}
	gate := capability.NewGate(capability.NewHTTPProber(cfg, httpClient, log), log)
	fetcher := auditlog.NewHTTPFetcher(cfg, httpClient, log)

	eventValidator, err := validator.New(cfg.SchemaPath)
	if err != nil {
		log.WithError(err).Fatal("Failed to create event validator")
	}

	eventSink, err := newSink(ctx, cfg, log)
	if err != nil {
		log.WithError(err).Fatal("Failed to create event sink")
	}

	registry := playback.NewRegistry()
	for _, server := range cfg.GerritServers {
		manager := playback.NewManager(ctx, playback.Options{
			Identity: server.Name,
			Book:     book,
			Gate:     gate,
			Fetcher:  fetcher,
			Parser:   eventValidator,
			Sink:     eventSink,
			Logger:   log,
			Metrics:  m,
		})
		if err := registry.Add(manager); err != nil {
			log.WithError(err).Fatal("Failed to register server")
		}
	}

	eventProcessor := processor.New(processor.RegistryLookup(registry), eventValidator, eventSink, m, log)

	var streamConsumer *consumer.SQSConsumer
	if cfg.SQSStreamQueueURL != "" {
		awsCfg, err := aws.NewSession(ctx, cfg)
		if err != nil {
			log.WithError(err).Fatal("Failed to create AWS session")
		}
		streamConsumer = consumer.NewSQSConsumer(awsCfg, cfg, eventProcessor, consumer.RegistryConnections(registry), log)
		if err := streamConsumer.Start(ctx); err != nil {
			log.WithError(err).Fatal("Failed to start stream consumer")
		}
	}

	// Setup HTTP server
	router := api.NewRouter(api.Dependencies{
		Registry:  api.FromPlayback(registry),
		Processor: eventProcessor,
		Validator: eventValidator,
		Health:    health.New(book, registry, log),
		Metrics:   promhttp.HandlerFor(reg, promhttp.HandlerOpts{}),
	}, log)
	srv := &http.Server{
		Addr:    fmt.Sprintf(":%s", cfg.ServicePort),
		Handler: router,
	}

	go func() {
		log.WithFields(logrus.Fields{
			"port":    cfg.ServicePort,
			"servers": registry.Identities(),
		}).Info("Starting HTTP server")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.WithError(err).Fatal("Failed to start HTTP server")
		}
	}()

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info("Shutting down server...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	var g errgroup.Group
	if streamConsumer != nil {
		g.Go(func() error {
			if err := streamConsumer.Stop(shutdownCtx); err != nil {
				return fmt.Errorf("stream consumer did not stop cleanly: %w", err)
			}
			return nil
		})
	}
	g.Go(func() error {
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("server forced to shutdown: %w", err)
		}
		return nil
	})
	if err := g.Wait(); err != nil {
		log.WithError(err).Error("Unclean shutdown")
	}
	cancel()

	log.Info("Server exited")
}

func newSink(ctx context.Context, cfg *config.Config, log *logrus.Logger) (sink.Sink, error) {
	switch cfg.Sink {
	case config.SinkSQS:
		awsCfg, err := aws.NewSession(ctx, cfg)
		if err != nil {
			return nil, fmt.Errorf("failed to create AWS session: %w", err)
		}
		return sink.NewSQSSink(awsCfg, cfg, log), nil
	default:
		return sink.NewLogSink(log), nil
	}
}
