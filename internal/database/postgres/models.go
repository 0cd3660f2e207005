package postgres

import (
	"time"
)

// Notification is one archived notification as seen by a subscriber
type Notification struct {
	ID          int64     `db:"id"`
	Endpoint    string    `db:"endpoint"`
	Topic       string    `db:"topic"`
	Sequence    int64     `db:"sequence"`
	PublishedAt time.Time `db:"published_at"`
	ReceivedAt  time.Time `db:"received_at"`
	Subject     string    `db:"subject"` // txid or block hash, display order hex
	Reason      *string   `db:"reason"`  // mempoolremoved only
	Height      *int64    `db:"height"`
	SizeBytes   int       `db:"size_bytes"`
}

// Gap is one detected sequence discontinuity
type Gap struct {
	ID         int64     `db:"id"`
	Endpoint   string    `db:"endpoint"`
	Topic      string    `db:"topic"`
	Expected   int64     `db:"expected"`
	Received   int64     `db:"received"`
	Missed     int64     `db:"missed"`
	Restart    bool      `db:"restart"`
	DetectedAt time.Time `db:"detected_at"`
}

// TopicGapSummary aggregates gaps for one topic
type TopicGapSummary struct {
	Topic     string     `db:"topic"`
	Gaps      int64      `db:"gaps"`
	Missed    int64      `db:"missed"`
	Restarts  int64      `db:"restarts"`
	LastGapAt *time.Time `db:"last_gap_at"`
}
