package notify

import (
	"github.com/btcsuite/btcd/wire"
)

// EventSink is the callback surface the validation engine drives. Every
// method is invoked synchronously on the engine's serialized thread and
// returns without waiting on I/O. A returned error means the event was
// malformed or unclassifiable; it never reflects transport state.
type EventSink interface {
	// HeaderAdded is called for every header accepted into the block index,
	// including headers off the active chain.
	HeaderAdded(header *wire.BlockHeader, height int32) error
	// TransactionAdded is called once per transaction admitted to the pool.
	TransactionAdded(tx *wire.MsgTx, fee int64) error
	// TransactionRemoved is called exactly once per transaction leaving the
	// pool, with every cause the engine observed for that removal.
	TransactionRemoved(tx *wire.MsgTx, causes ...Cause) error
	// BlockConnected is called when a block joins the active chain.
	BlockConnected(block *wire.MsgBlock, height int32) error
	// TipChanged is called when the active chain tip moves.
	TipChanged(header *wire.BlockHeader, height int32) error
}

// Sender transmits one multipart message atomically: either every part goes
// out or none does.
type Sender interface {
	SendMultipart(parts [][]byte) error
	Close() error
}

// SenderFactory opens the transport endpoint a binding publishes on.
type SenderFactory interface {
	Open(address string, highWaterMark int) (Sender, error)
}
