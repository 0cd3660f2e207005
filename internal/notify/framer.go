package notify

import (
	"encoding/binary"
)

// Trailer part sizes
const (
	TimestampSize = 8
	SequenceSize  = 4
)

// Frame is one outbound multipart message:
//
//	[topic][payload_1 .. payload_n][timestamp int64 LE µs][sequence uint32 LE]
type Frame struct {
	Topic     Topic
	Sequence  uint32
	Timestamp int64
	Parts     [][]byte
}

// BuildFrame lays out ev with its trailer. It does not copy the event's byte
// slices; events already own them.
func BuildFrame(ev Event, sequence uint32, timestampMicros int64) Frame {
	payload := ev.payload()
	parts := make([][]byte, 0, len(payload)+3)
	parts = append(parts, []byte(ev.Topic()))
	parts = append(parts, payload...)
	parts = append(parts, int64LE(timestampMicros), uint32LE(sequence))

	return Frame{
		Topic:     ev.Topic(),
		Sequence:  sequence,
		Timestamp: timestampMicros,
		Parts:     parts,
	}
}

// Size returns the total number of payload bytes across all parts.
func (f Frame) Size() int {
	n := 0
	for _, p := range f.Parts {
		n += len(p)
	}
	return n
}

func uint32LE(v uint32) []byte {
	b := make([]byte, 4)
	binary.LittleEndian.PutUint32(b, v)
	return b
}

func int64LE(v int64) []byte {
	b := make([]byte, 8)
	binary.LittleEndian.PutUint64(b, uint64(v))
	return b
}
