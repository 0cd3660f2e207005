// Package notify turns mempool and chain state transitions into ordered,
// sequenced multipart notifications, one independent stream per topic.
package notify

import (
	"bytes"
	"fmt"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"

	"github.com/bardlex/zmqnotify/pkg/errors"
)

// Topic names a notification stream. It is also the first part of every frame.
type Topic string

// Notification topics
const (
	TopicHeaderAdded      Topic = "chainheaderadded"
	TopicMempoolAdded     Topic = "mempooladded"
	TopicMempoolRemoved   Topic = "mempoolremoved"
	TopicMempoolReplaced  Topic = "mempoolreplaced"
	TopicMempoolConfirmed Topic = "mempoolconfirmed"
	TopicChainConnected   Topic = "chainconnected"
	TopicChainTipChanged  Topic = "chaintipchanged"
)

var knownTopics = []Topic{
	TopicHeaderAdded,
	TopicMempoolAdded,
	TopicMempoolRemoved,
	TopicMempoolReplaced,
	TopicMempoolConfirmed,
	TopicChainConnected,
	TopicChainTipChanged,
}

// Topics returns every topic a binding may name.
func Topics() []Topic {
	out := make([]Topic, len(knownTopics))
	copy(out, knownTopics)
	return out
}

// ParseTopic validates a topic name.
func ParseTopic(name string) (Topic, error) {
	for _, t := range knownTopics {
		if string(t) == name {
			return t, nil
		}
	}
	return "", errors.New(errors.ErrorTypeConfig, "parse_topic",
		fmt.Sprintf("unknown notification topic %q", name))
}

// RemovalReason is the wire value explaining why a transaction left the pool.
type RemovalReason uint32

// Removal reasons. The numeric values are part of the wire format.
const (
	ReasonExpiry RemovalReason = iota
	ReasonSizeLimit
	ReasonReorg
	ReasonBlock
	ReasonConflict
	ReasonReplaced
)

func (r RemovalReason) String() string {
	switch r {
	case ReasonExpiry:
		return "expiry"
	case ReasonSizeLimit:
		return "sizelimit"
	case ReasonReorg:
		return "reorg"
	case ReasonBlock:
		return "block"
	case ReasonConflict:
		return "conflict"
	case ReasonReplaced:
		return "replaced"
	default:
		return fmt.Sprintf("unknown(%d)", uint32(r))
	}
}

// Event is a notification ready to be framed. Events own every byte slice
// they carry.
type Event interface {
	// Topic is the stream the event is published on.
	Topic() Topic
	// payload returns the parts that sit between the topic and the trailer.
	payload() [][]byte
}

// HeaderAdded reports a header accepted into the block index, on or off the
// active chain.
type HeaderAdded struct {
	Hash      chainhash.Hash
	Height    uint32
	RawHeader []byte
}

// MempoolAdded reports a transaction admitted to the pool.
type MempoolAdded struct {
	Txid  chainhash.Hash
	RawTx []byte
	Fee   int64
}

// MempoolRemoved reports a transaction that left the pool for a reason other
// than confirmation or replacement, or one of those when the rich topic is
// not bound.
type MempoolRemoved struct {
	Txid   chainhash.Hash
	RawTx  []byte
	Reason RemovalReason
}

// MempoolReplaced reports a transaction evicted by a fee-bumping replacement.
type MempoolReplaced struct {
	ReplacedTxid     chainhash.Hash
	ReplacedRawTx    []byte
	ReplacedFee      int64
	ReplacementTxid  chainhash.Hash
	ReplacementRawTx []byte
	ReplacementFee   int64
}

// MempoolConfirmed reports a transaction removed because a connected block
// included it.
type MempoolConfirmed struct {
	Txid        chainhash.Hash
	RawTx       []byte
	BlockHeight uint32
	BlockHash   chainhash.Hash
	RawHeader   []byte
}

// ChainConnected reports a block connected to the active chain.
type ChainConnected struct {
	Hash     chainhash.Hash
	Height   uint32
	PrevHash chainhash.Hash
	RawBlock []byte
}

// ChainTipChanged reports a new active chain tip.
type ChainTipChanged struct {
	Hash      chainhash.Hash
	Height    uint32
	RawHeader []byte
}

func (HeaderAdded) Topic() Topic      { return TopicHeaderAdded }
func (MempoolAdded) Topic() Topic     { return TopicMempoolAdded }
func (MempoolRemoved) Topic() Topic   { return TopicMempoolRemoved }
func (MempoolReplaced) Topic() Topic  { return TopicMempoolReplaced }
func (MempoolConfirmed) Topic() Topic { return TopicMempoolConfirmed }
func (ChainConnected) Topic() Topic   { return TopicChainConnected }
func (ChainTipChanged) Topic() Topic  { return TopicChainTipChanged }

func (e HeaderAdded) payload() [][]byte {
	return [][]byte{HashBytes(e.Hash), uint32LE(e.Height), e.RawHeader}
}

func (e MempoolAdded) payload() [][]byte {
	return [][]byte{HashBytes(e.Txid), e.RawTx, int64LE(e.Fee)}
}

func (e MempoolRemoved) payload() [][]byte {
	return [][]byte{HashBytes(e.Txid), e.RawTx, uint32LE(uint32(e.Reason))}
}

func (e MempoolReplaced) payload() [][]byte {
	return [][]byte{
		HashBytes(e.ReplacedTxid), e.ReplacedRawTx, int64LE(e.ReplacedFee),
		HashBytes(e.ReplacementTxid), e.ReplacementRawTx, int64LE(e.ReplacementFee),
	}
}

func (e MempoolConfirmed) payload() [][]byte {
	return [][]byte{
		HashBytes(e.Txid), e.RawTx, uint32LE(e.BlockHeight),
		HashBytes(e.BlockHash), e.RawHeader,
	}
}

func (e ChainConnected) payload() [][]byte {
	return [][]byte{HashBytes(e.Hash), uint32LE(e.Height), HashBytes(e.PrevHash), e.RawBlock}
}

func (e ChainTipChanged) payload() [][]byte {
	return [][]byte{HashBytes(e.Hash), uint32LE(e.Height), e.RawHeader}
}

// HashBytes returns h in display order, the byte order RPC and block
// explorers print.
func HashBytes(h chainhash.Hash) []byte {
	out := make([]byte, chainhash.HashSize)
	for i := 0; i < chainhash.HashSize; i++ {
		out[i] = h[chainhash.HashSize-1-i]
	}
	return out
}

// HashFromBytes is the inverse of HashBytes.
func HashFromBytes(b []byte) (chainhash.Hash, error) {
	var h chainhash.Hash
	if len(b) != chainhash.HashSize {
		return h, errors.New(errors.ErrorTypeValidation, "decode_hash",
			fmt.Sprintf("hash must be %d bytes, got %d", chainhash.HashSize, len(b)))
	}
	for i := 0; i < chainhash.HashSize; i++ {
		h[i] = b[chainhash.HashSize-1-i]
	}
	return h, nil
}

func height32(height int32) (uint32, error) {
	if height < 0 {
		return 0, errors.New(errors.ErrorTypeValidation, "encode_height",
			fmt.Sprintf("negative block height %d", height))
	}
	return uint32(height), nil
}

func serializeTx(tx *wire.MsgTx) ([]byte, error) {
	if tx == nil {
		return nil, errors.New(errors.ErrorTypeValidation, "serialize_tx", "nil transaction")
	}
	var buf bytes.Buffer
	buf.Grow(tx.SerializeSize())
	if err := tx.Serialize(&buf); err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeValidation, "serialize_tx",
			"failed to serialize transaction")
	}
	return buf.Bytes(), nil
}

func serializeHeader(header *wire.BlockHeader) ([]byte, error) {
	if header == nil {
		return nil, errors.New(errors.ErrorTypeValidation, "serialize_header", "nil block header")
	}
	var buf bytes.Buffer
	buf.Grow(wire.MaxBlockHeaderPayload)
	if err := header.Serialize(&buf); err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeValidation, "serialize_header",
			"failed to serialize block header")
	}
	return buf.Bytes(), nil
}

// NewHeaderAdded builds a HeaderAdded event from an engine header.
func NewHeaderAdded(header *wire.BlockHeader, height int32) (HeaderAdded, error) {
	raw, err := serializeHeader(header)
	if err != nil {
		return HeaderAdded{}, err
	}
	h, err := height32(height)
	if err != nil {
		return HeaderAdded{}, err
	}
	return HeaderAdded{Hash: header.BlockHash(), Height: h, RawHeader: raw}, nil
}

// NewMempoolAdded builds a MempoolAdded event.
func NewMempoolAdded(tx *wire.MsgTx, fee int64) (MempoolAdded, error) {
	raw, err := serializeTx(tx)
	if err != nil {
		return MempoolAdded{}, err
	}
	return MempoolAdded{Txid: tx.TxHash(), RawTx: raw, Fee: fee}, nil
}

// NewMempoolRemoved builds a MempoolRemoved event.
func NewMempoolRemoved(tx *wire.MsgTx, reason RemovalReason) (MempoolRemoved, error) {
	raw, err := serializeTx(tx)
	if err != nil {
		return MempoolRemoved{}, err
	}
	return MempoolRemoved{Txid: tx.TxHash(), RawTx: raw, Reason: reason}, nil
}

// NewMempoolReplaced builds a MempoolReplaced event.
func NewMempoolReplaced(replaced *wire.MsgTx, replacedFee int64, replacement *wire.MsgTx, replacementFee int64) (MempoolReplaced, error) {
	oldRaw, err := serializeTx(replaced)
	if err != nil {
		return MempoolReplaced{}, err
	}
	newRaw, err := serializeTx(replacement)
	if err != nil {
		return MempoolReplaced{}, err
	}
	return MempoolReplaced{
		ReplacedTxid:     replaced.TxHash(),
		ReplacedRawTx:    oldRaw,
		ReplacedFee:      replacedFee,
		ReplacementTxid:  replacement.TxHash(),
		ReplacementRawTx: newRaw,
		ReplacementFee:   replacementFee,
	}, nil
}

// NewMempoolConfirmed builds a MempoolConfirmed event.
func NewMempoolConfirmed(tx *wire.MsgTx, header *wire.BlockHeader, height int32) (MempoolConfirmed, error) {
	raw, err := serializeTx(tx)
	if err != nil {
		return MempoolConfirmed{}, err
	}
	rawHeader, err := serializeHeader(header)
	if err != nil {
		return MempoolConfirmed{}, err
	}
	h, err := height32(height)
	if err != nil {
		return MempoolConfirmed{}, err
	}
	return MempoolConfirmed{
		Txid:        tx.TxHash(),
		RawTx:       raw,
		BlockHeight: h,
		BlockHash:   header.BlockHash(),
		RawHeader:   rawHeader,
	}, nil
}

// NewChainConnected builds a ChainConnected event.
func NewChainConnected(block *wire.MsgBlock, height int32) (ChainConnected, error) {
	if block == nil {
		return ChainConnected{}, errors.New(errors.ErrorTypeValidation, "serialize_block", "nil block")
	}
	h, err := height32(height)
	if err != nil {
		return ChainConnected{}, err
	}
	var buf bytes.Buffer
	buf.Grow(block.SerializeSize())
	if err := block.Serialize(&buf); err != nil {
		return ChainConnected{}, errors.Wrap(err, errors.ErrorTypeValidation, "serialize_block",
			"failed to serialize block")
	}
	return ChainConnected{
		Hash:     block.Header.BlockHash(),
		Height:   h,
		PrevHash: block.Header.PrevBlock,
		RawBlock: buf.Bytes(),
	}, nil
}

// NewChainTipChanged builds a ChainTipChanged event.
func NewChainTipChanged(header *wire.BlockHeader, height int32) (ChainTipChanged, error) {
	raw, err := serializeHeader(header)
	if err != nil {
		return ChainTipChanged{}, err
	}
	h, err := height32(height)
	if err != nil {
		return ChainTipChanged{}, err
	}
	return ChainTipChanged{Hash: header.BlockHash(), Height: h, RawHeader: raw}, nil
}
