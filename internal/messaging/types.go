package messaging

import "time"

// EventType names an engine state transition
type EventType string

// Engine event types
const (
	EventHeaderAdded    EventType = "header_added"
	EventTxAdded        EventType = "tx_added"
	EventTxRemoved      EventType = "tx_removed"
	EventBlockConnected EventType = "block_connected"
	EventTipChanged     EventType = "tip_changed"
)

// CauseKind names one removal cause
type CauseKind string

// Removal cause kinds
const (
	CauseBlock     CauseKind = "block"
	CauseReplaced  CauseKind = "replaced"
	CauseConflict  CauseKind = "conflict"
	CauseReorg     CauseKind = "reorg"
	CauseSizeLimit CauseKind = "sizelimit"
	CauseExpiry    CauseKind = "expiry"
)

// EngineEvent is the envelope the validation engine writes to Kafka. Binary
// payloads travel as hex in consensus serialization.
type EngineEvent struct {
	Type      EventType `json:"type"`
	EngineSeq uint64    `json:"engine_seq,omitempty"` // engine's own ordering counter, logged only
	Height    int32     `json:"height,omitempty"`
	HeaderHex string    `json:"header_hex,omitempty"`
	BlockHex  string    `json:"block_hex,omitempty"`
	TxHex     string    `json:"tx_hex,omitempty"`
	// Fee in satoshis. When absent it is computed from InputValues.
	Fee         *int64         `json:"fee,omitempty"`
	InputValues []int64        `json:"input_values,omitempty"`
	Causes      []RemovalCause `json:"causes,omitempty"`
	EmittedAt   time.Time      `json:"emitted_at"`
}

// RemovalCause is one cause attached to a tx_removed event
type RemovalCause struct {
	Kind CauseKind `json:"kind"`

	// block
	HeaderHex string `json:"header_hex,omitempty"`
	Height    int32  `json:"height,omitempty"`

	// replaced
	ReplacementTxHex       string  `json:"replacement_tx_hex,omitempty"`
	ReplacementFee         *int64  `json:"replacement_fee,omitempty"`
	ReplacementInputValues []int64 `json:"replacement_input_values,omitempty"`
	ReplacedFee            *int64  `json:"replaced_fee,omitempty"`

	// conflict, display-order hex
	BlockHash string `json:"block_hash,omitempty"`
}

// PublisherStatsMessage is the periodic snapshot the daemon emits of its
// per-topic publisher counters
type PublisherStatsMessage struct {
	Instance  string        `json:"instance"`
	Topics    []TopicCounts `json:"topics"`
	Timestamp time.Time     `json:"timestamp"`
}

// TopicCounts mirrors one publisher's counters
type TopicCounts struct {
	Topic        string `json:"topic"`
	Address      string `json:"address"`
	Sent         uint64 `json:"sent"`
	Dropped      uint64 `json:"dropped"`
	Failed       uint64 `json:"failed"`
	Depth        int    `json:"depth"`
	LastSequence uint32 `json:"last_sequence"`
}
