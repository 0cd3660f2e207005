package notify

import (
	"sync/atomic"
	"time"
)

// Sequencer hands out the per-topic sequence number and capture time for
// each outbound message. Numbers start at 0, wrap at 2^32 and never reset.
type Sequencer struct {
	next atomic.Uint32
	now  func() time.Time
}

// NewSequencer creates a sequencer reading the wall clock.
func NewSequencer() *Sequencer {
	return &Sequencer{now: time.Now}
}

// Next returns the next sequence number and the current time in
// microseconds since the Unix epoch.
func (s *Sequencer) Next() (uint32, int64) {
	seq := s.next.Add(1) - 1
	return seq, s.now().UnixMicro()
}

// Peek returns the number the next call to Next will hand out.
func (s *Sequencer) Peek() uint32 {
	return s.next.Load()
}
