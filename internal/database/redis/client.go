// Package redis stores subscriber state in Redis: the last sequence number
// seen per topic and the mempool snapshot taken by the most recent resync.
package redis

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// DefaultKeyPrefix namespaces every key this package writes
const DefaultKeyPrefix = "zmqsub"

// Client wraps Redis operations for the notification subscriber
type Client struct {
	rdb    *redis.Client
	prefix string
}

// Config holds Redis connection configuration
type Config struct {
	Addr         string
	Password     string
	DB           int
	PoolSize     int
	MinIdleConns int
	MaxRetries   int
	DialTimeout  time.Duration
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	KeyPrefix    string
}

// NewClient creates a new Redis client and verifies the server answers
func NewClient(cfg *Config) (*Client, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:         cfg.Addr,
		Password:     cfg.Password,
		DB:           cfg.DB,
		PoolSize:     cfg.PoolSize,
		MinIdleConns: cfg.MinIdleConns,
		MaxRetries:   cfg.MaxRetries,
		DialTimeout:  cfg.DialTimeout,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("failed to ping Redis: %w", err)
	}

	prefix := cfg.KeyPrefix
	if prefix == "" {
		prefix = DefaultKeyPrefix
	}

	return &Client{rdb: rdb, prefix: prefix}, nil
}

// Close closes the Redis connection
func (c *Client) Close() error {
	return c.rdb.Close()
}

// Health checks Redis connectivity
func (c *Client) Health(ctx context.Context) error {
	return c.rdb.Ping(ctx).Err()
}

// Sequence checkpoints

// LoadCheckpoints returns the last sequence recorded per topic for endpoint.
// An endpoint never checkpointed yields an empty map.
func (c *Client) LoadCheckpoints(ctx context.Context, endpoint string) (map[string]uint32, error) {
	raw, err := c.rdb.HGetAll(ctx, c.checkpointKey(endpoint)).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to load checkpoints: %w", err)
	}
	return parseCheckpoints(raw)
}

// SaveCheckpoint records seq as the last sequence processed on topic
func (c *Client) SaveCheckpoint(ctx context.Context, endpoint, topic string, seq uint32) error {
	key := c.checkpointKey(endpoint)
	if err := c.rdb.HSet(ctx, key, topic, strconv.FormatUint(uint64(seq), 10)).Err(); err != nil {
		return fmt.Errorf("failed to save checkpoint: %w", err)
	}
	return nil
}

// ClearCheckpoints forgets every topic checkpoint for endpoint
func (c *Client) ClearCheckpoints(ctx context.Context, endpoint string) error {
	if err := c.rdb.Del(ctx, c.checkpointKey(endpoint)).Err(); err != nil {
		return fmt.Errorf("failed to clear checkpoints: %w", err)
	}
	return nil
}

// Mempool snapshots

// Snapshot is the node state captured by a resync
type Snapshot struct {
	TipHash   string
	TipHeight int64
	Txids     []string
	TakenAt   time.Time
}

// SaveSnapshot replaces the stored snapshot for endpoint in one transaction
func (c *Client) SaveSnapshot(ctx context.Context, endpoint string, snap *Snapshot) error {
	txKey := c.snapshotTxKey(endpoint)
	metaKey := c.snapshotMetaKey(endpoint)

	_, err := c.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Del(ctx, txKey)
		if len(snap.Txids) > 0 {
			members := make([]any, len(snap.Txids))
			for i, txid := range snap.Txids {
				members[i] = txid
			}
			pipe.SAdd(ctx, txKey, members...)
		}
		pipe.HSet(ctx, metaKey,
			"tip_hash", snap.TipHash,
			"tip_height", snap.TipHeight,
			"size", len(snap.Txids),
			"taken_at", snap.TakenAt.UTC().Format(time.RFC3339Nano),
		)
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to save mempool snapshot: %w", err)
	}
	return nil
}

// LoadSnapshot returns the stored snapshot for endpoint, or nil if none
func (c *Client) LoadSnapshot(ctx context.Context, endpoint string) (*Snapshot, error) {
	meta, err := c.rdb.HGetAll(ctx, c.snapshotMetaKey(endpoint)).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to load snapshot metadata: %w", err)
	}
	if len(meta) == 0 {
		return nil, nil
	}

	txids, err := c.rdb.SMembers(ctx, c.snapshotTxKey(endpoint)).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to load snapshot txids: %w", err)
	}

	snap, err := parseSnapshotMeta(meta)
	if err != nil {
		return nil, err
	}
	snap.Txids = txids
	return snap, nil
}

// SnapshotContains reports whether txid was in the pool at the last resync
func (c *Client) SnapshotContains(ctx context.Context, endpoint, txid string) (bool, error) {
	ok, err := c.rdb.SIsMember(ctx, c.snapshotTxKey(endpoint), txid).Result()
	if err != nil {
		return false, fmt.Errorf("failed to query snapshot: %w", err)
	}
	return ok, nil
}

func (c *Client) checkpointKey(endpoint string) string {
	return fmt.Sprintf("%s:checkpoint:%s", c.prefix, endpoint)
}

func (c *Client) snapshotTxKey(endpoint string) string {
	return fmt.Sprintf("%s:snapshot:%s:txids", c.prefix, endpoint)
}

func (c *Client) snapshotMetaKey(endpoint string) string {
	return fmt.Sprintf("%s:snapshot:%s:meta", c.prefix, endpoint)
}

func parseCheckpoints(raw map[string]string) (map[string]uint32, error) {
	out := make(map[string]uint32, len(raw))
	for topic, v := range raw {
		seq, err := strconv.ParseUint(v, 10, 32)
		if err != nil {
			return nil, fmt.Errorf("corrupt checkpoint for topic %s: %w", topic, err)
		}
		out[topic] = uint32(seq)
	}
	return out, nil
}

func parseSnapshotMeta(meta map[string]string) (*Snapshot, error) {
	snap := &Snapshot{TipHash: meta["tip_hash"]}

	if v, ok := meta["tip_height"]; ok {
		height, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("corrupt snapshot height: %w", err)
		}
		snap.TipHeight = height
	}

	if v, ok := meta["taken_at"]; ok {
		ts, err := time.Parse(time.RFC3339Nano, v)
		if err != nil {
			return nil, fmt.Errorf("corrupt snapshot timestamp: %w", err)
		}
		snap.TakenAt = ts
	}

	return snap, nil
}
