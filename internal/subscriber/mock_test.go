package subscriber

import (
	"context"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"

	"github.com/bardlex/zmqnotify/internal/notify"
	"github.com/bardlex/zmqnotify/pkg/log"
)

// mockSource replays a fixed list of messages, then waits for ctx.
type mockSource struct {
	messages [][][]byte
}

func (m *mockSource) Listen(ctx context.Context, handler func(parts [][]byte) error) error {
	for _, parts := range m.messages {
		_ = handler(parts)
	}
	<-ctx.Done()
	return ctx.Err()
}

// mockStore keeps everything in memory.
type mockStore struct {
	mu            sync.Mutex
	checkpoints   map[string]uint32
	loadErr       error
	saveErr       error
	notifications []*Message
	gaps          []Gap
	resyncs       []*ResyncResult
	resyncErrs    []error
}

func newMockStore() *mockStore {
	return &mockStore{checkpoints: make(map[string]uint32)}
}

func (m *mockStore) LoadCheckpoints(_ context.Context, _ string) (map[string]uint32, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.loadErr != nil {
		return nil, m.loadErr
	}
	out := make(map[string]uint32, len(m.checkpoints))
	for k, v := range m.checkpoints {
		out[k] = v
	}
	return out, nil
}

func (m *mockStore) SaveCheckpoint(_ context.Context, _, topic string, seq uint32) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.saveErr != nil {
		return m.saveErr
	}
	m.checkpoints[topic] = seq
	return nil
}

func (m *mockStore) RecordNotification(_ context.Context, _ string, msg *Message) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.notifications = append(m.notifications, msg)
	return nil
}

func (m *mockStore) RecordGap(_ context.Context, _ string, gap Gap) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.gaps = append(m.gaps, gap)
	return nil
}

func (m *mockStore) RecordResync(_ context.Context, _ string, result *ResyncResult, err error) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.resyncs = append(m.resyncs, result)
	m.resyncErrs = append(m.resyncErrs, err)
	return nil
}

// mockResyncer counts calls.
type mockResyncer struct {
	mu     sync.Mutex
	calls  int
	err    error
	result *ResyncResult
}

func (m *mockResyncer) Resync(_ context.Context) (*ResyncResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls++
	if m.err != nil {
		return nil, m.err
	}
	if m.result != nil {
		return m.result, nil
	}
	return &ResyncResult{TipHeight: 1}, nil
}

func (m *mockResyncer) Calls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls
}

func testLogger() *log.Logger {
	return log.NewWithWriter(io.Discard, "subscriber-test", "test", "error", "json")
}

func testHeader(nonce uint32) *wire.BlockHeader {
	prev := chainhash.Hash{0x01}
	merkle := chainhash.Hash{0x4a, 0x5e, 0x1e}
	h := wire.NewBlockHeader(0x20000000, &prev, &merkle, 0x207fffff, nonce)
	h.Timestamp = time.Unix(1700000000+int64(nonce), 0)
	return h
}

func testTx(seed byte) *wire.MsgTx {
	var parent chainhash.Hash
	parent[0] = seed
	tx := wire.NewMsgTx(2)
	tx.AddTxIn(wire.NewTxIn(wire.NewOutPoint(&parent, 0), nil, nil))
	tx.AddTxOut(wire.NewTxOut(5000, []byte{0x51}))
	return tx
}

// addedFrame builds the wire parts of a mempooladded notification.
func addedFrame(t *testing.T, seed byte, seq uint32) [][]byte {
	t.Helper()
	ev, err := notify.NewMempoolAdded(testTx(seed), 250)
	if err != nil {
		t.Fatalf("NewMempoolAdded() unexpected error: %v", err)
	}
	return notify.BuildFrame(ev, seq, 1700000000123456).Parts
}
