// Package database coordinates the stores a notification subscriber writes
// to: Redis for checkpoints and resync snapshots, PostgreSQL for the archive
// and InfluxDB for gap and resync metrics. Every backend is optional.
package database

import (
	"context"
	"fmt"
	"time"

	"github.com/bardlex/zmqnotify/internal/database/influx"
	"github.com/bardlex/zmqnotify/internal/database/postgres"
	"github.com/bardlex/zmqnotify/internal/database/redis"
	"github.com/bardlex/zmqnotify/internal/notify"
	"github.com/bardlex/zmqnotify/internal/subscriber"
	"github.com/bardlex/zmqnotify/pkg/circuit"
	"github.com/bardlex/zmqnotify/pkg/errors"
	"github.com/bardlex/zmqnotify/pkg/retry"
)

var _ subscriber.Store = (*Manager)(nil)

// Manager implements subscriber.Store over whichever backends are configured
type Manager struct {
	Postgres *postgres.Client
	Redis    *redis.Client
	Influx   *influx.Client

	Notifications *postgres.NotificationRepository
	Gaps          *postgres.GapRepository

	circuitBreaker *circuit.Breaker
	retryConfig    *retry.Config
}

// Config holds configuration for every backend. A nil entry disables it.
type Config struct {
	Postgres *postgres.Config
	Redis    *redis.Config
	Influx   *influx.Config
}

// NewManager connects to every configured backend. If one fails, those
// already opened are closed.
func NewManager(cfg *Config) (*Manager, error) {
	m := &Manager{
		circuitBreaker: circuit.New(&circuit.Config{
			Name:            "archive",
			MaxFailures:     3,
			SuccessRequired: 2,
			Timeout:         10 * time.Second,
			ResetTimeout:    30 * time.Second,
		}),
		retryConfig: retry.StorageConfig(),
	}

	if cfg.Postgres != nil {
		pgClient, err := postgres.NewClient(cfg.Postgres)
		if err != nil {
			return nil, errors.Wrap(err, errors.ErrorTypeDatabase, "postgres_connection",
				"failed to connect to PostgreSQL database")
		}
		m.Postgres = pgClient
		m.Notifications = postgres.NewNotificationRepository(pgClient.DB())
		m.Gaps = postgres.NewGapRepository(pgClient.DB())

		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		err = pgClient.Migrate(ctx)
		cancel()
		if err != nil {
			return nil, m.abort(errors.Wrap(err, errors.ErrorTypeDatabase, "postgres_migrate",
				"failed to create archive tables"))
		}
	}

	if cfg.Redis != nil {
		redisClient, err := redis.NewClient(cfg.Redis)
		if err != nil {
			return nil, m.abort(errors.Wrap(err, errors.ErrorTypeDatabase, "redis_connection",
				"failed to connect to Redis database"))
		}
		m.Redis = redisClient
	}

	if cfg.Influx != nil {
		influxClient, err := influx.NewClient(cfg.Influx)
		if err != nil {
			return nil, m.abort(errors.Wrap(err, errors.ErrorTypeDatabase, "influx_connection",
				"failed to connect to InfluxDB database"))
		}
		m.Influx = influxClient
	}

	return m, nil
}

// abort closes whatever was opened and returns err with any cleanup failure
// attached as context.
func (m *Manager) abort(err *errors.ServiceError) error {
	if closeErr := m.Close(); closeErr != nil {
		return err.WithContext("cleanup_error", closeErr.Error())
	}
	return err
}

// Close closes all open connections
func (m *Manager) Close() error {
	var errs []error

	if m.Postgres != nil {
		if err := m.Postgres.Close(); err != nil {
			errs = append(errs, fmt.Errorf("PostgreSQL close error: %w", err))
		}
	}
	if m.Redis != nil {
		if err := m.Redis.Close(); err != nil {
			errs = append(errs, fmt.Errorf("redis close error: %w", err))
		}
	}
	if m.Influx != nil {
		m.Influx.Close()
	}

	if len(errs) > 0 {
		return fmt.Errorf("database close errors: %v", errs)
	}
	return nil
}

// Health checks every open connection
func (m *Manager) Health(ctx context.Context) error {
	if m.Postgres != nil {
		if err := m.Postgres.Health(ctx); err != nil {
			return fmt.Errorf("PostgreSQL health check failed: %w", err)
		}
	}
	if m.Redis != nil {
		if err := m.Redis.Health(ctx); err != nil {
			return fmt.Errorf("redis health check failed: %w", err)
		}
	}
	if m.Influx != nil {
		if err := m.Influx.Health(ctx); err != nil {
			return fmt.Errorf("InfluxDB health check failed: %w", err)
		}
	}
	return nil
}

// LoadCheckpoints reads per-topic sequences from Redis
func (m *Manager) LoadCheckpoints(ctx context.Context, endpoint string) (map[string]uint32, error) {
	if m.Redis == nil {
		return map[string]uint32{}, nil
	}
	return retry.DoWithResult(ctx, m.retryConfig, func() (map[string]uint32, error) {
		cp, err := m.Redis.LoadCheckpoints(ctx, endpoint)
		if err != nil {
			return nil, errors.Wrap(err, errors.ErrorTypeDatabase, "load_checkpoints",
				"failed to load sequence checkpoints").
				WithContext("endpoint", endpoint)
		}
		return cp, nil
	})
}

// SaveCheckpoint writes one topic's sequence to Redis. It runs once per
// message and is not retried.
func (m *Manager) SaveCheckpoint(ctx context.Context, endpoint, topic string, seq uint32) error {
	if m.Redis == nil {
		return nil
	}
	if err := m.Redis.SaveCheckpoint(ctx, endpoint, topic, seq); err != nil {
		return errors.Wrap(err, errors.ErrorTypeDatabase, "save_checkpoint",
			"failed to save sequence checkpoint").
			WithContext("topic", topic).
			WithContext("sequence", seq)
	}
	return nil
}

// RecordNotification archives msg in PostgreSQL
func (m *Manager) RecordNotification(ctx context.Context, endpoint string, msg *subscriber.Message) error {
	if m.Notifications == nil {
		return nil
	}
	row := notificationRow(endpoint, msg, time.Now())
	return m.circuitBreaker.Execute(ctx, func() error {
		return retry.Do(ctx, m.retryConfig, func() error {
			if err := m.Notifications.Insert(ctx, row); err != nil {
				return errors.Wrap(err, errors.ErrorTypeDatabase, "record_notification",
					"failed to archive notification").
					WithContext("topic", row.Topic).
					WithContext("sequence", row.Sequence)
			}
			return nil
		})
	})
}

// RecordGap archives gap in PostgreSQL and writes a gap metric to InfluxDB
func (m *Manager) RecordGap(ctx context.Context, endpoint string, gap subscriber.Gap) error {
	if m.Influx != nil {
		m.Influx.WriteGapMetric(endpoint, string(gap.Topic), gap.Missed, gap.Restart)
	}
	if m.Gaps == nil {
		return nil
	}

	row := gapRow(endpoint, gap, time.Now())
	return m.circuitBreaker.Execute(ctx, func() error {
		return retry.Do(ctx, m.retryConfig, func() error {
			if err := m.Gaps.Insert(ctx, row); err != nil {
				return errors.Wrap(err, errors.ErrorTypeDatabase, "record_gap",
					"failed to archive sequence gap").
					WithContext("topic", row.Topic)
			}
			return nil
		})
	})
}

// RecordResync stores a successful resync snapshot in Redis and writes a
// resync metric either way
func (m *Manager) RecordResync(ctx context.Context, endpoint string, result *subscriber.ResyncResult, resyncErr error) error {
	if m.Influx != nil {
		size := 0
		var took time.Duration
		if result != nil {
			size = len(result.Mempool)
			took = result.Duration
		}
		m.Influx.WriteResyncMetric(endpoint, size, took, resyncErr)
	}
	if m.Redis == nil || resyncErr != nil || result == nil {
		return nil
	}

	snap := snapshotOf(result)
	return retry.Do(ctx, m.retryConfig, func() error {
		if err := m.Redis.SaveSnapshot(ctx, endpoint, snap); err != nil {
			return errors.Wrap(err, errors.ErrorTypeDatabase, "save_snapshot",
				"failed to store mempool snapshot").
				WithContext("mempool_size", len(snap.Txids))
		}
		return nil
	})
}

func notificationRow(endpoint string, msg *subscriber.Message, received time.Time) *postgres.Notification {
	row := &postgres.Notification{
		Endpoint:    endpoint,
		Topic:       string(msg.Topic),
		Sequence:    int64(msg.Sequence),
		PublishedAt: msg.Timestamp,
		ReceivedAt:  received,
		Subject:     msg.Subject(),
		SizeBytes:   msg.Size,
	}
	if removed, ok := msg.Event.(notify.MempoolRemoved); ok {
		reason := removed.Reason.String()
		row.Reason = &reason
	}
	if h, ok := msg.Height(); ok {
		height := int64(h)
		row.Height = &height
	}
	return row
}

func gapRow(endpoint string, gap subscriber.Gap, detected time.Time) *postgres.Gap {
	return &postgres.Gap{
		Endpoint:   endpoint,
		Topic:      string(gap.Topic),
		Expected:   int64(gap.Expected),
		Received:   int64(gap.Received),
		Missed:     int64(gap.Missed),
		Restart:    gap.Restart,
		DetectedAt: detected,
	}
}

func snapshotOf(result *subscriber.ResyncResult) *redis.Snapshot {
	txids := make([]string, len(result.Mempool))
	for i, h := range result.Mempool {
		txids[i] = h.String()
	}
	return &redis.Snapshot{
		TipHash:   result.TipHash.String(),
		TipHeight: result.TipHeight,
		Txids:     txids,
		TakenAt:   result.TakenAt,
	}
}
