// Package bitcoin holds the node-facing glue: the ZeroMQ transport the
// notifications travel on, and the RPC client subscribers use to resync.
package bitcoin

import (
	"context"

	"github.com/btcsuite/btcd/btcjson"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"

	"github.com/bardlex/zmqnotify/internal/notify"
)

// RPCInterface is the subset of the node's RPC surface a subscriber needs to
// rebuild its view after missing notifications.
type RPCInterface interface {
	// GetBlockCount returns the height of the active tip.
	GetBlockCount(ctx context.Context) (int64, error)

	// GetBestBlockHash returns the hash of the active tip.
	GetBestBlockHash(ctx context.Context) (*chainhash.Hash, error)

	// GetBlockHash returns the active-chain hash at height.
	GetBlockHash(ctx context.Context, height int64) (*chainhash.Hash, error)

	// GetBlockHeader returns the header for hash.
	GetBlockHeader(ctx context.Context, hash *chainhash.Hash) (*wire.BlockHeader, error)

	// GetRawMempool returns the txids in the pool.
	GetRawMempool(ctx context.Context) ([]*chainhash.Hash, error)

	// GetMempoolEntry returns pool accounting for one transaction.
	GetMempoolEntry(ctx context.Context, txid string) (*btcjson.GetMempoolEntryResult, error)

	// GetRawTransaction returns a transaction known to the node.
	GetRawTransaction(ctx context.Context, txid *chainhash.Hash) (*wire.MsgTx, error)

	// Ping tests connectivity.
	Ping(ctx context.Context) error

	// Close shuts the client down.
	Close()
}

// SubscriberInterface is a notification stream consumer.
type SubscriberInterface interface {
	// Subscribe adds a topic filter.
	Subscribe(topic string) error

	// Connect connects to the publisher endpoint.
	Connect() error

	// Listen hands every received multipart message to handler until ctx
	// is done.
	Listen(ctx context.Context, handler func(parts [][]byte) error) error

	// Close releases the socket.
	Close() error
}

// Compile-time interface compliance checks
var (
	_ RPCInterface         = (*RPCClient)(nil)
	_ SubscriberInterface  = (*Subscriber)(nil)
	_ notify.SenderFactory = (*Context)(nil)
	_ notify.Sender        = (*PubSocket)(nil)
)
