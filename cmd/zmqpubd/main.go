// Package main implements zmqpubd, the mempool and chain notification
// publisher. It consumes engine events from Kafka and publishes them as
// ZeroMQ notifications on the configured bindings.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/bardlex/zmqnotify/internal/bitcoin"
	"github.com/bardlex/zmqnotify/internal/config"
	"github.com/bardlex/zmqnotify/internal/database/influx"
	"github.com/bardlex/zmqnotify/internal/messaging"
	"github.com/bardlex/zmqnotify/internal/notify"
	"github.com/bardlex/zmqnotify/pkg/log"
)

func main() {
	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}

	// Initialize logger
	logger := log.New(cfg.ServiceName, cfg.Version, cfg.LogLevel, cfg.LogFormat)
	logger.Info("starting zmqpubd",
		"version", cfg.Version,
		"bindings", len(cfg.Bindings),
		"http_addr", cfg.HTTPListenAddr,
	)

	// One ZMQ context for the life of the process
	zctx, err := bitcoin.NewContext(logger.Logger)
	if err != nil {
		logger.WithError(err).Error("failed to create ZMQ context")
		os.Exit(1)
	}

	var metrics *influx.Client
	if cfg.InfluxURL != "" {
		metrics, err = influx.NewClient(&influx.Config{
			URL:    cfg.InfluxURL,
			Token:  cfg.InfluxToken,
			Org:    cfg.InfluxOrg,
			Bucket: cfg.InfluxBucket,
		})
		if err != nil {
			// Metrics are optional; publishing goes ahead without them.
			logger.WithError(err).Warn("InfluxDB unavailable, publisher metrics disabled")
			metrics = nil
		}
	}

	kafkaClient := messaging.NewKafkaClient(cfg.KafkaBrokers, logger.Logger)

	daemon, err := NewDaemon(cfg, logger, zctx, kafkaClient, metrics)
	if err != nil {
		logger.WithError(err).Error("failed to bind notifications")
		_ = zctx.Terminate()
		os.Exit(1)
	}

	// Create context for graceful shutdown
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Handle shutdown signals
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		if err := daemon.Start(ctx); err != nil && err != context.Canceled {
			logger.WithError(err).Error("daemon failed")
		}
	}()

	<-sigChan
	logger.Info("shutdown signal received")
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer shutdownCancel()

	exitCode := 0
	if err := daemon.Shutdown(shutdownCtx); err != nil {
		logger.WithError(err).Error("shutdown incomplete")
		exitCode = 1
	}

	if err := zctx.Terminate(); err != nil {
		logger.WithError(err).Error("failed to terminate ZMQ context")
		exitCode = 1
	}

	logger.Info("zmqpubd stopped")
	os.Exit(exitCode)
}

// Daemon owns the registry and everything that feeds or observes it
type Daemon struct {
	cfg         *config.Config
	logger      *log.Logger
	registry    *notify.Registry
	notifier    *notify.Notifier
	kafkaClient *messaging.KafkaClient
	metrics     *influx.Client
	httpServer  *http.Server
	wg          sync.WaitGroup
}

// NewDaemon binds every configured topic through factory. kafkaClient and
// metrics may be nil.
func NewDaemon(cfg *config.Config, logger *log.Logger, factory notify.SenderFactory, kafkaClient *messaging.KafkaClient, metrics *influx.Client) (*Daemon, error) {
	registry, err := notify.NewRegistry(cfg.Bindings, factory, logger)
	if err != nil {
		return nil, err
	}

	d := &Daemon{
		cfg:         cfg,
		logger:      logger.WithComponent("daemon"),
		registry:    registry,
		notifier:    notify.NewNotifier(registry, logger),
		kafkaClient: kafkaClient,
		metrics:     metrics,
	}

	if cfg.HTTPListenAddr != "" {
		d.httpServer = &http.Server{
			Addr:         cfg.HTTPListenAddr,
			Handler:      d.routes(),
			ReadTimeout:  cfg.ReadTimeout,
			WriteTimeout: cfg.WriteTimeout,
		}
	}

	return d, nil
}

// Start launches the publishers, the introspection server and the stats
// reporter, then consumes engine events until ctx is done.
func (d *Daemon) Start(ctx context.Context) error {
	// Publishers outlive ctx so Shutdown can drain them.
	d.registry.Start(context.Background())

	if d.httpServer != nil {
		go func() {
			d.logger.Info("introspection server listening", "address", d.httpServer.Addr)
			if err := d.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				d.logger.WithError(err).Error("introspection server failed")
			}
		}()
	}

	d.wg.Add(1)
	go d.statsLoop(ctx)

	if d.kafkaClient == nil {
		<-ctx.Done()
		return ctx.Err()
	}

	d.wg.Add(1)
	defer d.wg.Done()

	dispatcher := messaging.NewDispatcher(d.notifier, d.logger.Logger)
	return d.kafkaClient.StartConsumer(ctx, d.cfg.KafkaEngineTopic, d.cfg.KafkaGroupID, dispatcher)
}

// Shutdown waits for ingest to stop, drains the publishers under ctx, then
// closes the outer surfaces. The ZMQ context is left for the caller.
func (d *Daemon) Shutdown(ctx context.Context) error {
	d.logger.Info("shutting down daemon")

	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		d.logger.Warn("ingest still running at shutdown deadline")
	}

	err := d.registry.Shutdown(ctx)

	// Final counters, after the drain.
	d.reportStats(context.Background())

	if d.httpServer != nil {
		httpCtx, cancel := context.WithTimeout(context.Background(), time.Second)
		if herr := d.httpServer.Shutdown(httpCtx); herr != nil {
			d.logger.WithError(herr).Warn("failed to stop introspection server")
		}
		cancel()
	}

	if d.kafkaClient != nil {
		if kerr := d.kafkaClient.Close(); kerr != nil {
			d.logger.WithError(kerr).Error("failed to close Kafka client")
		}
	}

	if d.metrics != nil {
		d.metrics.Close()
	}

	return err
}

func (d *Daemon) statsLoop(ctx context.Context) {
	defer d.wg.Done()

	ticker := time.NewTicker(d.cfg.StatsInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			d.reportStats(ctx)
		}
	}
}

// reportStats writes one snapshot of the publisher counters to InfluxDB and
// Kafka, whichever are configured
func (d *Daemon) reportStats(ctx context.Context) {
	stats := d.registry.Stats()
	if len(stats) == 0 {
		return
	}

	if d.metrics != nil {
		d.metrics.WritePublisherStats(stats)
	}

	if d.kafkaClient != nil {
		msg := messaging.NewPublisherStatsMessage(d.cfg.InstanceID, stats, time.Now())
		pubCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		if err := d.kafkaClient.PublishStats(pubCtx, msg); err != nil {
			d.logger.WithError(err).Warn("failed to publish stats")
		}
	}

	for _, s := range stats {
		d.logger.Debug("publisher stats",
			"topic", s.Topic,
			"sent", s.Sent,
			"dropped", s.Dropped,
			"failed", s.Failed,
			"depth", s.Depth,
		)
	}
}

func (d *Daemon) routes() http.Handler {
	r := chi.NewRouter()
	r.Get("/health", d.handleHealth)
	r.Route("/zmq", func(r chi.Router) {
		r.Get("/notifications", d.handleNotifications)
		r.Get("/stats", d.handleStats)
	})
	return r
}

func (d *Daemon) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":   "ok",
		"service":  d.cfg.ServiceName,
		"bindings": len(d.registry.Describe()),
	})
}

// handleNotifications lists the active bindings, sorted by topic
func (d *Daemon) handleNotifications(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, d.registry.Describe())
}

func (d *Daemon) handleStats(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, d.registry.Stats())
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}
