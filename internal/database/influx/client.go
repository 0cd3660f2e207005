// Package influx writes notification pipeline metrics to InfluxDB: per-topic
// publisher counters from the daemon and gap/resync events from subscribers.
package influx

import (
	"context"
	"fmt"
	"time"

	influxdb2 "github.com/influxdata/influxdb-client-go/v2"
	"github.com/influxdata/influxdb-client-go/v2/api"
	"github.com/influxdata/influxdb-client-go/v2/api/write"

	"github.com/bardlex/zmqnotify/internal/notify"
)

// Measurement names
const (
	MeasurementPublisher = "zmq_publisher"
	MeasurementGap       = "zmq_gap"
	MeasurementResync    = "zmq_resync"
)

// Client wraps InfluxDB operations for time-series metrics
type Client struct {
	client   influxdb2.Client
	writeAPI api.WriteAPI
	bucket   string
	org      string
}

// Config holds InfluxDB connection configuration
type Config struct {
	URL    string
	Token  string
	Org    string
	Bucket string
}

// NewClient creates a new InfluxDB client and checks the server is healthy
func NewClient(cfg *Config) (*Client, error) {
	client := influxdb2.NewClient(cfg.URL, cfg.Token)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := checkHealth(ctx, client); err != nil {
		client.Close()
		return nil, err
	}

	return &Client{
		client:   client,
		writeAPI: client.WriteAPI(cfg.Org, cfg.Bucket),
		bucket:   cfg.Bucket,
		org:      cfg.Org,
	}, nil
}

// Close flushes pending points and closes the connection
func (c *Client) Close() {
	c.writeAPI.Flush()
	c.client.Close()
}

// Health checks InfluxDB connectivity
func (c *Client) Health(ctx context.Context) error {
	return checkHealth(ctx, c.client)
}

// Errors exposes asynchronous write failures
func (c *Client) Errors() <-chan error {
	return c.writeAPI.Errors()
}

// Flush forces a write of all pending points
func (c *Client) Flush() {
	c.writeAPI.Flush()
}

// WritePublisherStats writes one point per bound topic
func (c *Client) WritePublisherStats(stats []notify.Stats) {
	for _, p := range publisherPoints(stats, time.Now()) {
		c.writeAPI.WritePoint(p)
	}
}

// WriteGapMetric records a sequence gap observed by a subscriber
func (c *Client) WriteGapMetric(endpoint, topic string, missed uint32, restart bool) {
	c.writeAPI.WritePoint(gapPoint(endpoint, topic, missed, restart, time.Now()))
}

// WriteResyncMetric records one resync attempt
func (c *Client) WriteResyncMetric(endpoint string, mempoolSize int, duration time.Duration, err error) {
	c.writeAPI.WritePoint(resyncPoint(endpoint, mempoolSize, duration, err, time.Now()))
}

func publisherPoints(stats []notify.Stats, now time.Time) []*write.Point {
	points := make([]*write.Point, 0, len(stats))
	for _, s := range stats {
		tags := map[string]string{
			"topic":   string(s.Topic),
			"address": s.Address,
		}
		fields := map[string]any{
			"enqueued":  int64(s.Enqueued),
			"sent":      int64(s.Sent),
			"dropped":   int64(s.Dropped),
			"failed":    int64(s.Failed),
			"discarded": int64(s.Discarded),
			"depth":     int64(s.Depth),
			"hwm":       int64(s.HighWaterMark),
		}
		if s.HasSequence {
			fields["last_sequence"] = int64(s.LastSequence)
		}
		points = append(points, write.NewPoint(MeasurementPublisher, tags, fields, now))
	}
	return points
}

func gapPoint(endpoint, topic string, missed uint32, restart bool, now time.Time) *write.Point {
	tags := map[string]string{
		"endpoint": endpoint,
		"topic":    topic,
		"restart":  fmt.Sprintf("%t", restart),
	}
	fields := map[string]any{
		"missed": int64(missed),
		"count":  int64(1),
	}
	return write.NewPoint(MeasurementGap, tags, fields, now)
}

func resyncPoint(endpoint string, mempoolSize int, duration time.Duration, err error, now time.Time) *write.Point {
	tags := map[string]string{
		"endpoint": endpoint,
		"success":  fmt.Sprintf("%t", err == nil),
	}
	fields := map[string]any{
		"mempool_size": int64(mempoolSize),
		"duration_ms":  float64(duration) / float64(time.Millisecond),
	}
	return write.NewPoint(MeasurementResync, tags, fields, now)
}

func checkHealth(ctx context.Context, client influxdb2.Client) error {
	health, err := client.Health(ctx)
	if err != nil {
		return fmt.Errorf("failed to check InfluxDB health: %w", err)
	}

	if health.Status != "pass" {
		msg := ""
		if health.Message != nil {
			msg = *health.Message
		}
		return fmt.Errorf("InfluxDB health check failed: %s", msg)
	}

	return nil
}
