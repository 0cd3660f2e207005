package subscriber

import (
	"sync"

	"github.com/bardlex/zmqnotify/internal/notify"
)

// Gap is a discontinuity in one topic's sequence stream.
type Gap struct {
	Topic    notify.Topic
	Expected uint32
	Received uint32
	// Missed counts frames known to be lost. After a publisher restart it
	// counts the frames of the new stream that were not seen.
	Missed uint32
	// Restart is set when the sequence moved backwards, which happens when
	// the publisher restarts and its counters begin again at zero.
	Restart bool
}

// Tracker remembers the last sequence seen per topic. Sequences are uint32
// and wrap, so "behind" means more than half the range away.
type Tracker struct {
	mu   sync.Mutex
	last map[notify.Topic]uint32
}

// NewTracker returns an empty tracker.
func NewTracker() *Tracker {
	return &Tracker{last: make(map[notify.Topic]uint32)}
}

// Restore seeds the tracker from persisted checkpoints.
func (t *Tracker) Restore(checkpoints map[notify.Topic]uint32) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for topic, seq := range checkpoints {
		t.last[topic] = seq
	}
}

// Observe records seq for topic and reports a gap when it is not the
// successor of the previous sequence. The first sequence seen on a topic is
// never a gap.
func (t *Tracker) Observe(topic notify.Topic, seq uint32) (Gap, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	prev, seen := t.last[topic]
	t.last[topic] = seq
	if !seen {
		return Gap{}, false
	}

	expected := prev + 1
	if seq == expected {
		return Gap{}, false
	}

	gap := Gap{Topic: topic, Expected: expected, Received: seq}
	if distance := seq - expected; distance < 1<<31 {
		gap.Missed = distance
	} else {
		gap.Restart = true
		gap.Missed = seq
	}
	return gap, true
}

// Last returns the last sequence seen on topic.
func (t *Tracker) Last(topic notify.Topic) (uint32, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	seq, ok := t.last[topic]
	return seq, ok
}

// Snapshot copies the per-topic state.
func (t *Tracker) Snapshot() map[notify.Topic]uint32 {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make(map[notify.Topic]uint32, len(t.last))
	for k, v := range t.last {
		out[k] = v
	}
	return out
}
