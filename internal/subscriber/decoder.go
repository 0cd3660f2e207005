package subscriber

import (
	"encoding/binary"
	"fmt"
	"time"

	"github.com/btcsuite/btcd/chaincfg/chainhash"

	"github.com/bardlex/zmqnotify/internal/notify"
	"github.com/bardlex/zmqnotify/pkg/errors"
)

// Message is one received notification with its trailer decoded.
type Message struct {
	Topic     notify.Topic
	Sequence  uint32
	Timestamp time.Time
	Event     notify.Event
	Size      int
}

// payloadParts is the number of parts between the topic and the trailer.
var payloadParts = map[notify.Topic]int{
	notify.TopicHeaderAdded:      3,
	notify.TopicMempoolAdded:     3,
	notify.TopicMempoolRemoved:   3,
	notify.TopicMempoolReplaced:  6,
	notify.TopicMempoolConfirmed: 5,
	notify.TopicChainConnected:   4,
	notify.TopicChainTipChanged:  3,
}

// Decode parses a multipart notification. It rejects unknown topics, wrong
// part counts and fixed-width fields of the wrong size.
func Decode(parts [][]byte) (*Message, error) {
	if len(parts) < 3 {
		return nil, decodeErr("", fmt.Sprintf("expected at least 3 parts, got %d", len(parts)))
	}

	topic := notify.Topic(parts[0])
	want, ok := payloadParts[topic]
	if !ok {
		return nil, decodeErr(topic, "unknown topic")
	}
	if len(parts) != want+3 {
		return nil, decodeErr(topic, fmt.Sprintf("expected %d parts, got %d", want+3, len(parts)))
	}

	tsPart := parts[len(parts)-2]
	seqPart := parts[len(parts)-1]
	if len(tsPart) != notify.TimestampSize {
		return nil, decodeErr(topic, fmt.Sprintf("timestamp must be %d bytes, got %d", notify.TimestampSize, len(tsPart)))
	}
	if len(seqPart) != notify.SequenceSize {
		return nil, decodeErr(topic, fmt.Sprintf("sequence must be %d bytes, got %d", notify.SequenceSize, len(seqPart)))
	}

	ev, err := decodeEvent(topic, parts[1:len(parts)-2])
	if err != nil {
		return nil, err
	}

	size := 0
	for _, p := range parts {
		size += len(p)
	}

	return &Message{
		Topic:     topic,
		Sequence:  binary.LittleEndian.Uint32(seqPart),
		Timestamp: time.UnixMicro(int64(binary.LittleEndian.Uint64(tsPart))),
		Event:     ev,
		Size:      size,
	}, nil
}

func decodeEvent(topic notify.Topic, p [][]byte) (notify.Event, error) {
	d := fieldDecoder{topic: topic}

	var ev notify.Event
	switch topic {
	case notify.TopicHeaderAdded:
		ev = notify.HeaderAdded{Hash: d.hash(p[0]), Height: d.u32(p[1]), RawHeader: p[2]}
	case notify.TopicMempoolAdded:
		ev = notify.MempoolAdded{Txid: d.hash(p[0]), RawTx: p[1], Fee: d.i64(p[2])}
	case notify.TopicMempoolRemoved:
		reason := notify.RemovalReason(d.u32(p[2]))
		if d.err == nil && reason > notify.ReasonReplaced {
			d.err = decodeErr(topic, fmt.Sprintf("unknown removal reason %d", uint32(reason)))
		}
		ev = notify.MempoolRemoved{Txid: d.hash(p[0]), RawTx: p[1], Reason: reason}
	case notify.TopicMempoolReplaced:
		ev = notify.MempoolReplaced{
			ReplacedTxid:     d.hash(p[0]),
			ReplacedRawTx:    p[1],
			ReplacedFee:      d.i64(p[2]),
			ReplacementTxid:  d.hash(p[3]),
			ReplacementRawTx: p[4],
			ReplacementFee:   d.i64(p[5]),
		}
	case notify.TopicMempoolConfirmed:
		ev = notify.MempoolConfirmed{
			Txid:        d.hash(p[0]),
			RawTx:       p[1],
			BlockHeight: d.u32(p[2]),
			BlockHash:   d.hash(p[3]),
			RawHeader:   p[4],
		}
	case notify.TopicChainConnected:
		ev = notify.ChainConnected{Hash: d.hash(p[0]), Height: d.u32(p[1]), PrevHash: d.hash(p[2]), RawBlock: p[3]}
	case notify.TopicChainTipChanged:
		ev = notify.ChainTipChanged{Hash: d.hash(p[0]), Height: d.u32(p[1]), RawHeader: p[2]}
	}

	if d.err != nil {
		return nil, d.err
	}
	return ev, nil
}

// fieldDecoder keeps the first error so a whole event decodes in one pass.
type fieldDecoder struct {
	topic notify.Topic
	err   error
}

func (d *fieldDecoder) hash(b []byte) chainhash.Hash {
	h, err := notify.HashFromBytes(b)
	if err != nil && d.err == nil {
		d.err = errors.Wrap(err, errors.ErrorTypeValidation, "decode_frame", "bad hash field").
			WithContext("topic", string(d.topic))
	}
	return h
}

func (d *fieldDecoder) u32(b []byte) uint32 {
	if len(b) != 4 {
		if d.err == nil {
			d.err = decodeErr(d.topic, fmt.Sprintf("expected 4-byte field, got %d", len(b)))
		}
		return 0
	}
	return binary.LittleEndian.Uint32(b)
}

func (d *fieldDecoder) i64(b []byte) int64 {
	if len(b) != 8 {
		if d.err == nil {
			d.err = decodeErr(d.topic, fmt.Sprintf("expected 8-byte field, got %d", len(b)))
		}
		return 0
	}
	return int64(binary.LittleEndian.Uint64(b))
}

func decodeErr(topic notify.Topic, msg string) error {
	return errors.New(errors.ErrorTypeValidation, "decode_frame", msg).
		WithContext("topic", string(topic))
}

// Subject returns the display-order hex id the message is about: the txid for
// mempool topics (the replaced txid for replacements) and the block hash for
// chain topics.
func (m *Message) Subject() string {
	switch ev := m.Event.(type) {
	case notify.HeaderAdded:
		return ev.Hash.String()
	case notify.MempoolAdded:
		return ev.Txid.String()
	case notify.MempoolRemoved:
		return ev.Txid.String()
	case notify.MempoolReplaced:
		return ev.ReplacedTxid.String()
	case notify.MempoolConfirmed:
		return ev.Txid.String()
	case notify.ChainConnected:
		return ev.Hash.String()
	case notify.ChainTipChanged:
		return ev.Hash.String()
	default:
		return ""
	}
}

// Height returns the block height carried by the message, if any.
func (m *Message) Height() (uint32, bool) {
	switch ev := m.Event.(type) {
	case notify.HeaderAdded:
		return ev.Height, true
	case notify.MempoolConfirmed:
		return ev.BlockHeight, true
	case notify.ChainConnected:
		return ev.Height, true
	case notify.ChainTipChanged:
		return ev.Height, true
	default:
		return 0, false
	}
}
