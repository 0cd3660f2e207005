package bitcoin

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/btcsuite/btcd/btcjson"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/rpcclient"
	"github.com/btcsuite/btcd/wire"

	"github.com/bardlex/zmqnotify/pkg/circuit"
	"github.com/bardlex/zmqnotify/pkg/errors"
	"github.com/bardlex/zmqnotify/pkg/retry"
)

// RPCClient reads chain and mempool state from a node. Subscribers use it to
// rebuild their view after a sequence gap. Every call goes through a circuit
// breaker and retries transient failures.
type RPCClient struct {
	client         *rpcclient.Client
	circuitBreaker *circuit.Breaker
	retryConfig    *retry.Config
}

// NewRPCClient creates a client for the node at host:port. HTTP POST mode
// without TLS, as a local node is usually configured.
func NewRPCClient(host string, port int, username, password string, logger *slog.Logger) (*RPCClient, error) {
	connCfg := &rpcclient.ConnConfig{
		Host:         fmt.Sprintf("%s:%d", host, port),
		User:         username,
		Pass:         password,
		HTTPPostMode: true,
		DisableTLS:   true,
	}

	client, err := rpcclient.New(connCfg, nil)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeBitcoin, "rpc_client_creation",
			"failed to create Bitcoin RPC client").
			WithContext("host", host).
			WithContext("port", port)
	}

	cbConfig := circuit.RPCConfig()
	retryConfig := retry.RPCConfig()
	if logger != nil {
		cbConfig.OnStateChange = func(name string, from, to circuit.State) {
			logger.Warn("circuit breaker state changed", "dependency", name, "from", from.String(), "to", to.String())
		}
		retryConfig.OnRetry = func(attempt int, err error, delay time.Duration) {
			logger.Debug("retrying RPC call", "attempt", attempt, "delay", delay, "error", err)
		}
	}

	return &RPCClient{
		client:         client,
		circuitBreaker: circuit.New(cbConfig),
		retryConfig:    retryConfig,
	}, nil
}

// Close shuts the client down.
func (c *RPCClient) Close() {
	c.client.Shutdown()
}

func call[T any](ctx context.Context, c *RPCClient, operation, message string, fn func() (T, error)) (T, error) {
	return circuit.ExecuteWithResult(ctx, c.circuitBreaker, func() (T, error) {
		return retry.DoWithResult(ctx, c.retryConfig, func() (T, error) {
			res, err := fn()
			if err != nil {
				var zero T
				return zero, errors.Wrap(err, errors.ErrorTypeBitcoin, operation, message)
			}
			return res, nil
		})
	})
}

// GetBlockCount returns the height of the active tip.
func (c *RPCClient) GetBlockCount(ctx context.Context) (int64, error) {
	return call(ctx, c, "get_block_count", "failed to retrieve block count", func() (int64, error) {
		return c.client.GetBlockCountAsync().Receive()
	})
}

// GetBestBlockHash returns the hash of the active tip.
func (c *RPCClient) GetBestBlockHash(ctx context.Context) (*chainhash.Hash, error) {
	return call(ctx, c, "get_best_block_hash", "failed to retrieve best block hash", func() (*chainhash.Hash, error) {
		return c.client.GetBestBlockHashAsync().Receive()
	})
}

// GetBlockHash returns the hash of the active-chain block at height.
func (c *RPCClient) GetBlockHash(ctx context.Context, height int64) (*chainhash.Hash, error) {
	return call(ctx, c, "get_block_hash", "failed to retrieve block hash", func() (*chainhash.Hash, error) {
		return c.client.GetBlockHashAsync(height).Receive()
	})
}

// GetBlockHeader returns the header for hash.
func (c *RPCClient) GetBlockHeader(ctx context.Context, hash *chainhash.Hash) (*wire.BlockHeader, error) {
	return call(ctx, c, "get_block_header", "failed to retrieve block header", func() (*wire.BlockHeader, error) {
		return c.client.GetBlockHeaderAsync(hash).Receive()
	})
}

// GetRawMempool returns the txids currently in the node's pool.
func (c *RPCClient) GetRawMempool(ctx context.Context) ([]*chainhash.Hash, error) {
	return call(ctx, c, "get_raw_mempool", "failed to retrieve mempool", func() ([]*chainhash.Hash, error) {
		return c.client.GetRawMempoolAsync().Receive()
	})
}

// GetMempoolEntry returns pool accounting for one transaction, including
// its fee.
func (c *RPCClient) GetMempoolEntry(ctx context.Context, txid string) (*btcjson.GetMempoolEntryResult, error) {
	return call(ctx, c, "get_mempool_entry", "failed to retrieve mempool entry", func() (*btcjson.GetMempoolEntryResult, error) {
		return c.client.GetMempoolEntryAsync(txid).Receive()
	})
}

// GetRawTransaction returns a transaction known to the node.
func (c *RPCClient) GetRawTransaction(ctx context.Context, txid *chainhash.Hash) (*wire.MsgTx, error) {
	return call(ctx, c, "get_raw_transaction", "failed to retrieve transaction", func() (*wire.MsgTx, error) {
		tx, err := c.client.GetRawTransactionAsync(txid).Receive()
		if err != nil {
			return nil, err
		}
		return tx.MsgTx(), nil
	})
}

// Ping checks that the node answers.
func (c *RPCClient) Ping(ctx context.Context) error {
	_, err := call(ctx, c, "ping", "failed to ping Bitcoin Core", func() (struct{}, error) {
		return struct{}{}, c.client.PingAsync().Receive()
	})
	return err
}
