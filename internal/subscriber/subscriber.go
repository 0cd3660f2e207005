// Package subscriber consumes a notification stream: it decodes frames,
// tracks per-topic sequence numbers, reports gaps and resyncs from the node
// when notifications were lost.
package subscriber

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/bardlex/zmqnotify/internal/notify"
	"github.com/bardlex/zmqnotify/pkg/log"
)

// DefaultResyncCooldown collapses gaps reported on several topics at once
// into a single resync.
const DefaultResyncCooldown = 5 * time.Second

// Source delivers raw multipart messages until ctx is done.
type Source interface {
	Listen(ctx context.Context, handler func(parts [][]byte) error) error
}

// Store persists subscriber progress. Any method may be backed by nothing.
type Store interface {
	LoadCheckpoints(ctx context.Context, endpoint string) (map[string]uint32, error)
	SaveCheckpoint(ctx context.Context, endpoint, topic string, seq uint32) error
	RecordNotification(ctx context.Context, endpoint string, msg *Message) error
	RecordGap(ctx context.Context, endpoint string, gap Gap) error
	RecordResync(ctx context.Context, endpoint string, result *ResyncResult, resyncErr error) error
}

// Handler receives every decoded message, after gap handling.
type Handler func(ctx context.Context, msg *Message) error

// Config configures a Subscriber.
type Config struct {
	Endpoint string
	// Topics restricts which decoded topics are processed. Empty means all.
	Topics         []notify.Topic
	ResyncCooldown time.Duration
}

// Stats counts what a subscriber has processed.
type Stats struct {
	Received       uint64 `json:"received"`
	Malformed      uint64 `json:"malformed"`
	Gaps           uint64 `json:"gaps"`
	Missed         uint64 `json:"missed"`
	Restarts       uint64 `json:"restarts"`
	Resyncs        uint64 `json:"resyncs"`
	ResyncFailures uint64 `json:"resync_failures"`
}

// Subscriber processes one endpoint's notifications.
type Subscriber struct {
	cfg      Config
	source   Source
	store    Store
	resyncer Resyncer
	tracker  *Tracker
	logger   *log.Logger
	handler  Handler
	topics   map[notify.Topic]bool

	mu         sync.Mutex
	lastResync time.Time
	now        func() time.Time

	received       atomic.Uint64
	malformed      atomic.Uint64
	gaps           atomic.Uint64
	missed         atomic.Uint64
	restarts       atomic.Uint64
	resyncs        atomic.Uint64
	resyncFailures atomic.Uint64
}

// New creates a subscriber. store and resyncer may be nil.
func New(cfg Config, source Source, store Store, resyncer Resyncer, logger *log.Logger) *Subscriber {
	if cfg.ResyncCooldown <= 0 {
		cfg.ResyncCooldown = DefaultResyncCooldown
	}

	var topics map[notify.Topic]bool
	if len(cfg.Topics) > 0 {
		topics = make(map[notify.Topic]bool, len(cfg.Topics))
		for _, t := range cfg.Topics {
			topics[t] = true
		}
	}

	return &Subscriber{
		cfg:      cfg,
		source:   source,
		store:    store,
		resyncer: resyncer,
		tracker:  NewTracker(),
		logger:   logger.WithComponent("subscriber").WithFields("endpoint", cfg.Endpoint),
		topics:   topics,
		now:      time.Now,
	}
}

// OnMessage sets the handler invoked for every processed message.
func (s *Subscriber) OnMessage(h Handler) {
	s.handler = h
}

// Run restores checkpoints and processes messages until ctx is done.
func (s *Subscriber) Run(ctx context.Context) error {
	s.restore(ctx)
	return s.source.Listen(ctx, func(parts [][]byte) error {
		return s.Handle(ctx, parts)
	})
}

func (s *Subscriber) restore(ctx context.Context) {
	if s.store == nil {
		return
	}

	raw, err := s.store.LoadCheckpoints(ctx, s.cfg.Endpoint)
	if err != nil {
		s.logger.WithError(err).Warn("failed to load checkpoints, starting fresh")
		return
	}

	checkpoints := make(map[notify.Topic]uint32, len(raw))
	for name, seq := range raw {
		topic, err := notify.ParseTopic(name)
		if err != nil {
			s.logger.Warn("ignoring checkpoint for unknown topic", "topic", name)
			continue
		}
		checkpoints[topic] = seq
	}
	s.tracker.Restore(checkpoints)
	s.logger.Info("restored sequence checkpoints", "topics", len(checkpoints))
}

// Handle processes one raw multipart message. Malformed frames are counted
// and skipped; storage failures are logged and do not stop the stream.
func (s *Subscriber) Handle(ctx context.Context, parts [][]byte) error {
	msg, err := Decode(parts)
	if err != nil {
		s.malformed.Add(1)
		s.logger.WithError(err).Warn("dropping malformed notification", "parts", len(parts))
		return nil
	}
	if s.topics != nil && !s.topics[msg.Topic] {
		return nil
	}
	s.received.Add(1)

	if gap, ok := s.tracker.Observe(msg.Topic, msg.Sequence); ok {
		s.onGap(ctx, gap)
	}

	if s.handler != nil {
		if err := s.handler(ctx, msg); err != nil {
			s.logger.WithError(err).Error("message handler failed",
				"topic", string(msg.Topic), "sequence", msg.Sequence)
		}
	}

	if s.store != nil {
		if err := s.store.RecordNotification(ctx, s.cfg.Endpoint, msg); err != nil {
			s.logger.WithError(err).Warn("failed to archive notification", "topic", string(msg.Topic))
		}
		if err := s.store.SaveCheckpoint(ctx, s.cfg.Endpoint, string(msg.Topic), msg.Sequence); err != nil {
			s.logger.WithError(err).Warn("failed to save checkpoint", "topic", string(msg.Topic))
		}
	}
	return nil
}

func (s *Subscriber) onGap(ctx context.Context, gap Gap) {
	s.gaps.Add(1)
	s.missed.Add(uint64(gap.Missed))
	if gap.Restart {
		s.restarts.Add(1)
		s.logger.Warn("publisher restart detected",
			"topic", string(gap.Topic), "previous_sequence", gap.Expected-1, "received_sequence", gap.Received)
	} else {
		s.logger.LogGap(string(gap.Topic), gap.Expected, gap.Received)
	}

	if s.store != nil {
		if err := s.store.RecordGap(ctx, s.cfg.Endpoint, gap); err != nil {
			s.logger.WithError(err).Warn("failed to record gap", "topic", string(gap.Topic))
		}
	}

	s.resync(ctx)
}

func (s *Subscriber) resync(ctx context.Context) {
	if s.resyncer == nil {
		return
	}

	s.mu.Lock()
	now := s.now()
	if !s.lastResync.IsZero() && now.Sub(s.lastResync) < s.cfg.ResyncCooldown {
		s.mu.Unlock()
		s.logger.Debug("resync skipped, one ran recently")
		return
	}
	s.lastResync = now
	s.mu.Unlock()

	s.resyncs.Add(1)
	result, err := s.resyncer.Resync(ctx)
	if err != nil {
		s.resyncFailures.Add(1)
		s.logger.WithError(err).Error("resync failed")
	} else {
		s.logger.Info("resynced from node",
			"tip_height", result.TipHeight,
			"tip_hash", result.TipHash.String(),
			"mempool_size", len(result.Mempool),
			"duration_ms", result.Duration.Milliseconds(),
		)
	}

	if s.store != nil {
		if serr := s.store.RecordResync(ctx, s.cfg.Endpoint, result, err); serr != nil {
			s.logger.WithError(serr).Warn("failed to record resync")
		}
	}
}

// Tracker exposes the sequence tracker.
func (s *Subscriber) Tracker() *Tracker {
	return s.tracker
}

// Stats returns a snapshot of the counters.
func (s *Subscriber) Stats() Stats {
	return Stats{
		Received:       s.received.Load(),
		Malformed:      s.malformed.Load(),
		Gaps:           s.gaps.Load(),
		Missed:         s.missed.Load(),
		Restarts:       s.restarts.Load(),
		Resyncs:        s.resyncs.Load(),
		ResyncFailures: s.resyncFailures.Load(),
	}
}
