package postgres

import (
	"context"
	"database/sql"
	"fmt"
)

// NotificationRepository handles archived notifications
type NotificationRepository struct {
	db *sql.DB
}

// NewNotificationRepository creates a new notification repository
func NewNotificationRepository(db *sql.DB) *NotificationRepository {
	return &NotificationRepository{db: db}
}

// Insert archives n and sets its ID
func (r *NotificationRepository) Insert(ctx context.Context, n *Notification) error {
	query := `
		INSERT INTO zmq_notifications (endpoint, topic, sequence, published_at, received_at, subject, reason, height, size_bytes)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		RETURNING id`

	err := r.db.QueryRowContext(ctx, query,
		n.Endpoint, n.Topic, n.Sequence, n.PublishedAt, n.ReceivedAt,
		n.Subject, n.Reason, n.Height, n.SizeBytes,
	).Scan(&n.ID)
	if err != nil {
		return fmt.Errorf("failed to insert notification: %w", err)
	}
	return nil
}

// ListRecent returns the newest notifications for a topic on endpoint
func (r *NotificationRepository) ListRecent(ctx context.Context, endpoint, topic string, limit int) ([]*Notification, error) {
	query := `
		SELECT id, endpoint, topic, sequence, published_at, received_at, subject, reason, height, size_bytes
		FROM zmq_notifications
		WHERE endpoint = $1 AND topic = $2
		ORDER BY received_at DESC, id DESC
		LIMIT $3`

	rows, err := r.db.QueryContext(ctx, query, endpoint, topic, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list notifications: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []*Notification
	for rows.Next() {
		n := &Notification{}
		if err := rows.Scan(
			&n.ID, &n.Endpoint, &n.Topic, &n.Sequence, &n.PublishedAt, &n.ReceivedAt,
			&n.Subject, &n.Reason, &n.Height, &n.SizeBytes,
		); err != nil {
			return nil, fmt.Errorf("failed to scan notification: %w", err)
		}
		out = append(out, n)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate notifications: %w", err)
	}
	return out, nil
}

// GapRepository handles detected sequence gaps
type GapRepository struct {
	db *sql.DB
}

// NewGapRepository creates a new gap repository
func NewGapRepository(db *sql.DB) *GapRepository {
	return &GapRepository{db: db}
}

// Insert archives g and sets its ID
func (r *GapRepository) Insert(ctx context.Context, g *Gap) error {
	query := `
		INSERT INTO zmq_gaps (endpoint, topic, expected, received, missed, restart, detected_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		RETURNING id`

	err := r.db.QueryRowContext(ctx, query,
		g.Endpoint, g.Topic, g.Expected, g.Received, g.Missed, g.Restart, g.DetectedAt,
	).Scan(&g.ID)
	if err != nil {
		return fmt.Errorf("failed to insert gap: %w", err)
	}
	return nil
}

// SummaryByTopic aggregates every gap recorded for endpoint
func (r *GapRepository) SummaryByTopic(ctx context.Context, endpoint string) ([]*TopicGapSummary, error) {
	query := `
		SELECT topic,
		       COUNT(*)                          AS gaps,
		       COALESCE(SUM(missed), 0)          AS missed,
		       COUNT(*) FILTER (WHERE restart)   AS restarts,
		       MAX(detected_at)                  AS last_gap_at
		FROM zmq_gaps
		WHERE endpoint = $1
		GROUP BY topic
		ORDER BY topic`

	rows, err := r.db.QueryContext(ctx, query, endpoint)
	if err != nil {
		return nil, fmt.Errorf("failed to summarise gaps: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []*TopicGapSummary
	for rows.Next() {
		s := &TopicGapSummary{}
		if err := rows.Scan(&s.Topic, &s.Gaps, &s.Missed, &s.Restarts, &s.LastGapAt); err != nil {
			return nil, fmt.Errorf("failed to scan gap summary: %w", err)
		}
		out = append(out, s)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate gap summary: %w", err)
	}
	return out, nil
}
