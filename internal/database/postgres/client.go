// Package postgres archives what a notification subscriber received: one row
// per notification and one row per detected sequence gap.
package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	// PostgreSQL driver for database/sql
	_ "github.com/lib/pq"
)

// Client wraps PostgreSQL database operations
type Client struct {
	db *sql.DB
}

// Config holds PostgreSQL connection configuration
type Config struct {
	Host         string
	Port         int
	Database     string
	User         string
	Password     string
	SSLMode      string
	MaxOpenConns int
	MaxIdleConns int
	MaxLifetime  time.Duration
}

// DSN renders the lib/pq connection string
func (cfg *Config) DSN() string {
	return fmt.Sprintf("host=%s port=%d dbname=%s user=%s password=%s sslmode=%s",
		cfg.Host, cfg.Port, cfg.Database, cfg.User, cfg.Password, cfg.SSLMode)
}

// NewClient opens the pool and verifies the server answers
func NewClient(cfg *Config) (*Client, error) {
	db, err := sql.Open("postgres", cfg.DSN())
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	db.SetMaxOpenConns(cfg.MaxOpenConns)
	db.SetMaxIdleConns(cfg.MaxIdleConns)
	db.SetConnMaxLifetime(cfg.MaxLifetime)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	return &Client{db: db}, nil
}

// Close closes the database connection
func (c *Client) Close() error {
	return c.db.Close()
}

// Health checks database connectivity
func (c *Client) Health(ctx context.Context) error {
	return c.db.PingContext(ctx)
}

// DB returns the underlying sql.DB
func (c *Client) DB() *sql.DB {
	return c.db
}

const schema = `
CREATE TABLE IF NOT EXISTS zmq_notifications (
	id           BIGSERIAL PRIMARY KEY,
	endpoint     TEXT        NOT NULL,
	topic        TEXT        NOT NULL,
	sequence     BIGINT      NOT NULL,
	published_at TIMESTAMPTZ NOT NULL,
	received_at  TIMESTAMPTZ NOT NULL,
	subject      TEXT        NOT NULL,
	reason       TEXT,
	height       BIGINT,
	size_bytes   INTEGER     NOT NULL
);
CREATE INDEX IF NOT EXISTS zmq_notifications_topic_idx
	ON zmq_notifications (endpoint, topic, received_at DESC);

CREATE TABLE IF NOT EXISTS zmq_gaps (
	id          BIGSERIAL PRIMARY KEY,
	endpoint    TEXT        NOT NULL,
	topic       TEXT        NOT NULL,
	expected    BIGINT      NOT NULL,
	received    BIGINT      NOT NULL,
	missed      BIGINT      NOT NULL,
	restart     BOOLEAN     NOT NULL DEFAULT FALSE,
	detected_at TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS zmq_gaps_topic_idx
	ON zmq_gaps (endpoint, topic, detected_at DESC);
`

// Migrate creates the archive tables if they do not exist
func (c *Client) Migrate(ctx context.Context) error {
	if _, err := c.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("failed to apply schema: %w", err)
	}
	return nil
}
