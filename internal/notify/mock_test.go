package notify

import (
	"bytes"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"

	"github.com/bardlex/zmqnotify/pkg/log"
)

// mockSender records every multipart message it is asked to send.
type mockSender struct {
	mu        sync.Mutex
	frames    [][][]byte
	failNext  int
	sendErr   error
	block     chan struct{}
	closed    bool
	closeErr  error
	sendCalls int
}

func newMockSender() *mockSender {
	return &mockSender{}
}

func (m *mockSender) SendMultipart(parts [][]byte) error {
	if m.block != nil {
		<-m.block
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	m.sendCalls++
	if m.failNext > 0 {
		m.failNext--
		return m.sendErr
	}

	cp := make([][]byte, len(parts))
	for i, p := range parts {
		cp[i] = append([]byte(nil), p...)
	}
	m.frames = append(m.frames, cp)
	return nil
}

func (m *mockSender) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return m.closeErr
}

func (m *mockSender) Frames() [][][]byte {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([][][]byte, len(m.frames))
	copy(out, m.frames)
	return out
}

func (m *mockSender) IsClosed() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.closed
}

// waitFrames polls until n frames were sent or the deadline passes.
func (m *mockSender) waitFrames(t *testing.T, n int) [][][]byte {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if frames := m.Frames(); len(frames) >= n {
			return frames
		}
		time.Sleep(5 * time.Millisecond)
	}
	frames := m.Frames()
	t.Fatalf("got %d frames, want %d", len(frames), n)
	return nil
}

// mockFactory hands out one mockSender per address.
type mockFactory struct {
	mu      sync.Mutex
	senders map[string]*mockSender
	failOn  string
}

func newMockFactory() *mockFactory {
	return &mockFactory{senders: make(map[string]*mockSender)}
}

func (f *mockFactory) Open(address string, _ int) (Sender, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if address == f.failOn {
		return nil, errors.New("address already in use")
	}
	s := newMockSender()
	f.senders[address] = s
	return s, nil
}

func (f *mockFactory) sender(address string) *mockSender {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.senders[address]
}

func testLogger() *log.Logger {
	return log.NewWithWriter(io.Discard, "notify-test", "test", "error", "json")
}

func testHeader(prev chainhash.Hash, nonce uint32) *wire.BlockHeader {
	merkle := chainhash.Hash{0x4a, 0x5e, 0x1e}
	h := wire.NewBlockHeader(0x20000000, &prev, &merkle, 0x207fffff, nonce)
	h.Timestamp = time.Unix(1700000000+int64(nonce), 0)
	return h
}

// testTx spends output 0 of a fake parent identified by seed.
func testTx(seed byte, outValue int64) *wire.MsgTx {
	var parent chainhash.Hash
	parent[0] = seed
	tx := wire.NewMsgTx(2)
	tx.AddTxIn(wire.NewTxIn(wire.NewOutPoint(&parent, 0), nil, nil))
	tx.AddTxOut(wire.NewTxOut(outValue, []byte{0x51}))
	return tx
}

func rawTx(t *testing.T, tx *wire.MsgTx) []byte {
	t.Helper()
	var buf bytes.Buffer
	if err := tx.Serialize(&buf); err != nil {
		t.Fatalf("serialize tx: %v", err)
	}
	return buf.Bytes()
}

func rawHeader(t *testing.T, h *wire.BlockHeader) []byte {
	t.Helper()
	var buf bytes.Buffer
	if err := h.Serialize(&buf); err != nil {
		t.Fatalf("serialize header: %v", err)
	}
	return buf.Bytes()
}
