package subscriber

import (
	"context"
	"time"

	"github.com/btcsuite/btcd/chaincfg/chainhash"

	"github.com/bardlex/zmqnotify/internal/bitcoin"
	"github.com/bardlex/zmqnotify/pkg/errors"
)

// ResyncResult is the node state read back after a gap.
type ResyncResult struct {
	TipHash   chainhash.Hash
	TipHeight int64
	Mempool   []chainhash.Hash
	TakenAt   time.Time
	Duration  time.Duration
}

// Resyncer rebuilds a subscriber's view of the node after missed
// notifications.
type Resyncer interface {
	Resync(ctx context.Context) (*ResyncResult, error)
}

// RPCResyncer reads the tip and the pool over RPC.
type RPCResyncer struct {
	rpc bitcoin.RPCInterface
	now func() time.Time
}

// NewRPCResyncer wraps an RPC client.
func NewRPCResyncer(rpc bitcoin.RPCInterface) *RPCResyncer {
	return &RPCResyncer{rpc: rpc, now: time.Now}
}

// Resync reads the tip before and after the pool. If the tip moved in
// between, the pool snapshot is retaken once against the new tip.
func (r *RPCResyncer) Resync(ctx context.Context) (*ResyncResult, error) {
	start := r.now()

	res, err := r.read(ctx)
	if err != nil {
		return nil, err
	}

	after, err := r.rpc.GetBestBlockHash(ctx)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeBitcoin, "resync", "failed to re-read tip")
	}
	if !after.IsEqual(&res.TipHash) {
		if res, err = r.read(ctx); err != nil {
			return nil, err
		}
	}

	res.TakenAt = r.now()
	res.Duration = res.TakenAt.Sub(start)
	return res, nil
}

func (r *RPCResyncer) read(ctx context.Context) (*ResyncResult, error) {
	tip, err := r.rpc.GetBestBlockHash(ctx)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeBitcoin, "resync", "failed to read tip")
	}

	height, err := r.rpc.GetBlockCount(ctx)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeBitcoin, "resync", "failed to read height")
	}

	pool, err := r.rpc.GetRawMempool(ctx)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeBitcoin, "resync", "failed to read mempool")
	}

	txids := make([]chainhash.Hash, 0, len(pool))
	for _, h := range pool {
		if h != nil {
			txids = append(txids, *h)
		}
	}

	return &ResyncResult{TipHash: *tip, TipHeight: height, Mempool: txids}, nil
}
