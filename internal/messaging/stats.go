package messaging

import (
	"context"
	"encoding/json"
	"time"

	"github.com/bardlex/zmqnotify/internal/notify"
	"github.com/bardlex/zmqnotify/pkg/errors"
)

// NewPublisherStatsMessage snapshots the registry counters
func NewPublisherStatsMessage(instance string, stats []notify.Stats, now time.Time) *PublisherStatsMessage {
	msg := &PublisherStatsMessage{
		Instance:  instance,
		Topics:    make([]TopicCounts, 0, len(stats)),
		Timestamp: now.UTC(),
	}
	for _, s := range stats {
		msg.Topics = append(msg.Topics, TopicCounts{
			Topic:        string(s.Topic),
			Address:      s.Address,
			Sent:         s.Sent,
			Dropped:      s.Dropped,
			Failed:       s.Failed,
			Depth:        s.Depth,
			LastSequence: s.LastSequence,
		})
	}
	return msg
}

// PublishStats writes msg to the publisher stats topic keyed by instance
func (k *KafkaClient) PublishStats(ctx context.Context, msg *PublisherStatsMessage) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return errors.Wrap(err, errors.ErrorTypeValidation, "marshal_stats",
			"failed to marshal publisher stats")
	}
	return k.PublishJSON(ctx, TopicPublisherStats, msg.Instance, data)
}
