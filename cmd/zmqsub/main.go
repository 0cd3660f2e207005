// Package main implements zmqsub, a notification subscriber. It follows a
// zmqpubd endpoint, reports sequence gaps, resyncs from the node over RPC
// and keeps its progress in the configured stores.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/bardlex/zmqnotify/internal/bitcoin"
	"github.com/bardlex/zmqnotify/internal/config"
	"github.com/bardlex/zmqnotify/internal/database"
	"github.com/bardlex/zmqnotify/internal/database/influx"
	"github.com/bardlex/zmqnotify/internal/database/postgres"
	"github.com/bardlex/zmqnotify/internal/database/redis"
	"github.com/bardlex/zmqnotify/internal/subscriber"
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
	logger.Info("starting zmqsub",
		"version", cfg.Version,
		"endpoint", cfg.SubscribeEndpoint,
		"topics", len(cfg.SubscribeTopics),
	)

	if err := run(cfg, logger); err != nil {
		logger.WithError(err).Error("zmqsub failed")
		os.Exit(1)
	}

	logger.Info("zmqsub stopped")
}

func run(cfg *config.Config, logger *log.Logger) error {
	zctx, err := bitcoin.NewContext(logger.Logger)
	if err != nil {
		return err
	}
	defer func() {
		if err := zctx.Terminate(); err != nil {
			logger.WithError(err).Warn("failed to terminate ZMQ context")
		}
	}()

	source, err := zctx.NewSubscriber(cfg.SubscribeEndpoint, logger.Logger)
	if err != nil {
		return err
	}
	defer func() {
		if err := source.Close(); err != nil {
			logger.WithError(err).Warn("failed to close subscriber socket")
		}
	}()

	for _, topic := range cfg.SubscribeTopics {
		if err := source.Subscribe(string(topic)); err != nil {
			return err
		}
	}
	if err := source.Connect(); err != nil {
		return err
	}

	store, err := database.NewManager(storeConfig(cfg))
	if err != nil {
		return err
	}
	defer func() {
		if err := store.Close(); err != nil {
			logger.WithError(err).Warn("failed to close stores")
		}
	}()

	var resyncer subscriber.Resyncer
	if cfg.BitcoinRPCUser != "" {
		rpc, err := bitcoin.NewRPCClient(cfg.BitcoinRPCHost, cfg.BitcoinRPCPort,
			cfg.BitcoinRPCUser, cfg.BitcoinRPCPassword, logger.Logger)
		if err != nil {
			return err
		}
		defer rpc.Close()
		resyncer = subscriber.NewRPCResyncer(rpc)
	} else {
		logger.Warn("BITCOIN_RPC_USER not set, gaps will be reported without resync")
	}

	sub := subscriber.New(subscriber.Config{
		Endpoint:       cfg.SubscribeEndpoint,
		Topics:         cfg.SubscribeTopics,
		ResyncCooldown: cfg.ResyncCooldown,
	}, source, store, resyncer, logger)
	sub.OnMessage(messageLogger(logger))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	go reportStats(ctx, sub, logger, cfg.StatsInterval)

	if err := sub.Run(ctx); err != nil && err != context.Canceled {
		return err
	}
	return nil
}

// storeConfig enables each backend whose address is configured
func storeConfig(cfg *config.Config) *database.Config {
	dbConfig := &database.Config{}

	if cfg.PostgresHost != "" {
		dbConfig.Postgres = &postgres.Config{
			Host:         cfg.PostgresHost,
			Port:         cfg.PostgresPort,
			Database:     cfg.PostgresDB,
			User:         cfg.PostgresUser,
			Password:     cfg.PostgresPassword,
			SSLMode:      cfg.PostgresSSLMode,
			MaxOpenConns: 10,
			MaxIdleConns: 2,
			MaxLifetime:  5 * time.Minute,
		}
	}

	if cfg.RedisAddr != "" {
		dbConfig.Redis = &redis.Config{
			Addr:         cfg.RedisAddr,
			Password:     cfg.RedisPassword,
			DB:           cfg.RedisDB,
			PoolSize:     10,
			MinIdleConns: 2,
			MaxRetries:   3,
			DialTimeout:  5 * time.Second,
			ReadTimeout:  3 * time.Second,
			WriteTimeout: 3 * time.Second,
			KeyPrefix:    redis.DefaultKeyPrefix,
		}
	}

	if cfg.InfluxURL != "" {
		dbConfig.Influx = &influx.Config{
			URL:    cfg.InfluxURL,
			Token:  cfg.InfluxToken,
			Org:    cfg.InfluxOrg,
			Bucket: cfg.InfluxBucket,
		}
	}

	return dbConfig
}

func messageLogger(logger *log.Logger) subscriber.Handler {
	l := logger.WithComponent("messages")
	return func(_ context.Context, msg *subscriber.Message) error {
		attrs := []any{
			"topic", msg.Topic,
			"sequence", msg.Sequence,
			"subject", msg.Subject(),
			"bytes", msg.Size,
			"latency_ms", time.Since(msg.Timestamp).Milliseconds(),
		}
		if height, ok := msg.Height(); ok {
			attrs = append(attrs, "height", height)
		}
		l.Info("notification", attrs...)
		return nil
	}
}

func reportStats(ctx context.Context, sub *subscriber.Subscriber, logger *log.Logger, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s := sub.Stats()
			logger.Info("subscriber stats",
				"received", s.Received,
				"malformed", s.Malformed,
				"gaps", s.Gaps,
				"missed", s.Missed,
				"restarts", s.Restarts,
				"resyncs", s.Resyncs,
				"resync_failures", s.ResyncFailures,
			)
		}
	}
}
