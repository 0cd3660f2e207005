package notify

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/bardlex/zmqnotify/pkg/errors"
	"github.com/bardlex/zmqnotify/pkg/log"
	"github.com/bardlex/zmqnotify/pkg/queue"
)

// abandonGrace bounds how long Stop waits for an in-flight send once the
// shutdown deadline has passed.
const abandonGrace = 250 * time.Millisecond

// Stats is a point-in-time snapshot of one publisher's counters.
type Stats struct {
	Topic         Topic  `json:"topic"`
	Address       string `json:"address"`
	HighWaterMark int    `json:"hwm"`
	Enqueued      uint64 `json:"enqueued"`
	Sent          uint64 `json:"sent"`
	Dropped       uint64 `json:"dropped"`
	Failed        uint64 `json:"failed"`
	Discarded     uint64 `json:"discarded"`
	Depth         int    `json:"depth"`
	LastSequence  uint32 `json:"last_sequence"`
	HasSequence   bool   `json:"has_sequence"`
}

// TopicPublisher owns one topic's sequence counter, queue and sender
// goroutine. Publish is safe for concurrent use and never blocks on the
// transport.
type TopicPublisher struct {
	binding Binding
	sender  Sender
	logger  *log.Logger

	// mu orders sequence assignment with enqueue.
	mu        sync.Mutex
	closed    bool
	sequencer *Sequencer
	queue     *queue.Ring[Frame]

	enqueued  atomic.Uint64
	sent      atomic.Uint64
	failed    atomic.Uint64
	discarded atomic.Uint64
	lastSeq   atomic.Uint32

	startOnce sync.Once
	stopOnce  sync.Once
	started   atomic.Bool
	cancel    context.CancelFunc
	done      chan struct{}
	stopErr   error
}

// NewTopicPublisher creates a publisher for binding that sends through
// sender. The sender goroutine starts with Start.
func NewTopicPublisher(binding Binding, sender Sender, logger *log.Logger) *TopicPublisher {
	return &TopicPublisher{
		binding:   binding,
		sender:    sender,
		logger:    logger.WithTopic(string(binding.Topic), binding.Address),
		sequencer: NewSequencer(),
		queue:     queue.NewRing[Frame](binding.HighWaterMark),
		done:      make(chan struct{}),
	}
}

// Topic returns the topic this publisher serves.
func (p *TopicPublisher) Topic() Topic {
	return p.binding.Topic
}

// Publish sequences ev and enqueues it. When the queue is full the oldest
// queued frame is dropped; its sequence number is not reused. After Stop,
// Publish returns queue.ErrClosed and consumes no sequence number.
func (p *TopicPublisher) Publish(ev Event) (uint32, error) {
	if ev.Topic() != p.binding.Topic {
		return 0, errors.New(errors.ErrorTypeInvariant, "publish",
			"event published on the wrong topic").
			WithContext("event_topic", string(ev.Topic())).
			WithContext("publisher_topic", string(p.binding.Topic))
	}

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return 0, queue.ErrClosed
	}
	seq, ts := p.sequencer.Next()
	frame := BuildFrame(ev, seq, ts)
	old, evicted, err := p.queue.Push(frame)
	if err == nil {
		p.lastSeq.Store(seq)
		p.enqueued.Add(1)
	}
	p.mu.Unlock()

	if err != nil {
		return 0, err
	}
	if evicted {
		p.logger.LogDrop(string(p.binding.Topic), old.Sequence, p.queue.Dropped())
	}
	return seq, nil
}

// Start launches the sender goroutine. It runs until Stop or until ctx is
// done.
func (p *TopicPublisher) Start(ctx context.Context) {
	p.startOnce.Do(func() {
		runCtx, cancel := context.WithCancel(ctx)
		p.cancel = cancel
		p.started.Store(true)
		go p.run(runCtx)
	})
}

func (p *TopicPublisher) run(ctx context.Context) {
	defer close(p.done)

	for {
		frame, err := p.queue.Pop(ctx)
		if err != nil {
			return
		}
		if ctx.Err() != nil {
			p.discarded.Add(1)
			return
		}
		p.send(frame)
	}
}

func (p *TopicPublisher) send(frame Frame) {
	if err := p.sender.SendMultipart(frame.Parts); err != nil {
		p.failed.Add(1)
		p.logger.WithError(err).Error("failed to send notification",
			"sequence", frame.Sequence,
			"bytes", frame.Size(),
		)
		return
	}
	p.sent.Add(1)
	p.logger.LogPublish(string(frame.Topic), frame.Sequence, len(frame.Parts))
}

// Stop closes the queue to producers, lets the sender drain what is queued
// until ctx is done, discards anything left, then releases the socket.
// Calling Stop more than once returns the first result.
func (p *TopicPublisher) Stop(ctx context.Context) error {
	p.stopOnce.Do(func() {
		p.stopErr = p.stop(ctx)
	})
	return p.stopErr
}

func (p *TopicPublisher) stop(ctx context.Context) error {
	p.mu.Lock()
	p.closed = true
	p.queue.Close()
	p.mu.Unlock()

	if p.started.Load() {
		select {
		case <-p.done:
		case <-ctx.Done():
			p.cancel()
			// A send already handed to the transport finishes so no partial
			// frame goes out. A transport that never returns is abandoned,
			// not closed underneath the sender.
			select {
			case <-p.done:
			case <-time.After(abandonGrace):
				left := p.discard()
				p.logger.Warn("sender still busy at shutdown deadline, socket left open",
					"discarded", left)
				return errors.Wrap(ctx.Err(), errors.ErrorTypeTimeout, "stop_publisher",
					"sender goroutine still running at deadline")
			}
		}
		p.cancel()
	}

	if left := p.discard(); left > 0 {
		p.logger.Warn("discarded pending notifications at shutdown", "discarded", left)
	}

	if err := p.sender.Close(); err != nil {
		return errors.Wrap(err, errors.ErrorTypeTransport, "close_socket",
			"failed to release publisher socket")
	}
	return nil
}

func (p *TopicPublisher) discard() int {
	left := p.queue.Drain()
	p.discarded.Add(uint64(len(left)))
	return len(left)
}

// Stats returns a snapshot of the publisher's counters.
func (p *TopicPublisher) Stats() Stats {
	enqueued := p.enqueued.Load()
	return Stats{
		Topic:         p.binding.Topic,
		Address:       p.binding.Address,
		HighWaterMark: p.binding.HighWaterMark,
		Enqueued:      enqueued,
		Sent:          p.sent.Load(),
		Dropped:       p.queue.Dropped(),
		Failed:        p.failed.Load(),
		Discarded:     p.discarded.Load(),
		Depth:         p.queue.Len(),
		LastSequence:  p.lastSeq.Load(),
		HasSequence:   enqueued > 0,
	}
}
