package notify

import (
	"bytes"
	"context"
	"encoding/binary"
	stderrors "errors"
	"testing"

	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"

	"github.com/bardlex/zmqnotify/pkg/errors"
)

// newTestNotifier binds each topic to inproc://<topic> and starts the
// registry.
func newTestNotifier(t *testing.T, topics ...Topic) (*Notifier, *mockFactory) {
	t.Helper()

	bindings := make([]Binding, 0, len(topics))
	for _, topic := range topics {
		bindings = append(bindings, Binding{Topic: topic, Address: "inproc://" + string(topic)})
	}

	factory := newMockFactory()
	r, err := NewRegistry(bindings, factory, testLogger())
	if err != nil {
		t.Fatalf("NewRegistry() unexpected error: %v", err)
	}
	r.Start(context.Background())
	t.Cleanup(func() { r.Shutdown(context.Background()) })

	return NewNotifier(r, testLogger()), factory
}

func senderFor(f *mockFactory, topic Topic) *mockSender {
	return f.sender("inproc://" + string(topic))
}

func TestNotifier_ThreeBlocksScenario(t *testing.T) {
	n, factory := newTestNotifier(t, TopicHeaderAdded, TopicMempoolAdded)

	const base = int32(200)
	prev := chainhash.Hash{0x0f}
	var headers []*wire.BlockHeader
	for i := int32(1); i <= 3; i++ {
		h := testHeader(prev, uint32(i))
		headers = append(headers, h)
		prev = h.BlockHash()

		if err := n.HeaderAdded(h, base+i); err != nil {
			t.Fatalf("HeaderAdded() unexpected error: %v", err)
		}
		// Unrelated traffic on another topic does not disturb header order.
		if err := n.TransactionAdded(testTx(byte(i), 1000), 100); err != nil {
			t.Fatalf("TransactionAdded() unexpected error: %v", err)
		}
	}

	frames := senderFor(factory, TopicHeaderAdded).waitFrames(t, 3)
	for i, parts := range frames {
		h := headers[i]
		if string(parts[0]) != "chainheaderadded" {
			t.Errorf("frame %d topic = %q", i, parts[0])
		}
		if !bytes.Equal(parts[1], HashBytes(h.BlockHash())) {
			t.Errorf("frame %d hash mismatch", i)
		}
		if got := int32(binary.LittleEndian.Uint32(parts[2])); got != base+int32(i)+1 {
			t.Errorf("frame %d height = %d, want %d", i, got, base+int32(i)+1)
		}
		if !bytes.Equal(parts[3], rawHeader(t, h)) {
			t.Errorf("frame %d raw header mismatch", i)
		}
		if frameSequence(parts) != uint32(i) {
			t.Errorf("frame %d sequence = %d", i, frameSequence(parts))
		}
	}

	added := senderFor(factory, TopicMempoolAdded).waitFrames(t, 3)
	if frameSequence(added[2]) != 2 {
		t.Error("mempooladded keeps its own sequence counter")
	}
}

func TestNotifier_OffTipHeaders(t *testing.T) {
	n, factory := newTestNotifier(t, TopicHeaderAdded)

	tip := testHeader(chainhash.Hash{0x01}, 10)
	fork := testHeader(chainhash.Hash{0x01}, 11)

	// Two competing headers at the same height each produce an event.
	n.HeaderAdded(tip, 50)
	n.HeaderAdded(fork, 50)

	frames := senderFor(factory, TopicHeaderAdded).waitFrames(t, 2)
	if bytes.Equal(frames[0][1], frames[1][1]) {
		t.Error("fork header was not published separately")
	}
}

func TestNotifier_MempoolAddedShape(t *testing.T) {
	n, factory := newTestNotifier(t, TopicMempoolAdded)

	tx := testTx(5, 12345)
	if err := n.TransactionAdded(tx, 678); err != nil {
		t.Fatalf("TransactionAdded() unexpected error: %v", err)
	}

	parts := senderFor(factory, TopicMempoolAdded).waitFrames(t, 1)[0]
	if !bytes.Equal(parts[1], HashBytes(tx.TxHash())) {
		t.Error("txid mismatch")
	}
	if !bytes.Equal(parts[2], rawTx(t, tx)) {
		t.Error("raw tx mismatch")
	}
	if got := int64(binary.LittleEndian.Uint64(parts[3])); got != 678 {
		t.Errorf("fee = %d, want 678", got)
	}
}

func TestNotifier_ReplacementScenario(t *testing.T) {
	original := testTx(7, 9000)
	replacement := testTx(7, 8000) // same input, higher fee
	cause := ReplacedBy{Replacement: replacement, ReplacedFee: 1000, ReplacementFee: 2000}

	t.Run("rich topic bound", func(t *testing.T) {
		n, factory := newTestNotifier(t, TopicMempoolRemoved, TopicMempoolReplaced)

		if err := n.TransactionRemoved(original, cause); err != nil {
			t.Fatalf("TransactionRemoved() unexpected error: %v", err)
		}

		parts := senderFor(factory, TopicMempoolReplaced).waitFrames(t, 1)[0]
		if !bytes.Equal(parts[1], HashBytes(original.TxHash())) {
			t.Error("replaced txid is not the original transaction")
		}
		if !bytes.Equal(parts[4], HashBytes(replacement.TxHash())) {
			t.Error("replacement txid mismatch")
		}
		if int64(binary.LittleEndian.Uint64(parts[3])) != 1000 ||
			int64(binary.LittleEndian.Uint64(parts[6])) != 2000 {
			t.Error("fees not carried for both sides")
		}

		if n := len(senderFor(factory, TopicMempoolRemoved).Frames()); n != 0 {
			t.Errorf("mempoolremoved got %d frames, want none", n)
		}
	})

	t.Run("fallback to mempoolremoved", func(t *testing.T) {
		n, factory := newTestNotifier(t, TopicMempoolRemoved)

		if err := n.TransactionRemoved(original, cause); err != nil {
			t.Fatalf("TransactionRemoved() unexpected error: %v", err)
		}

		parts := senderFor(factory, TopicMempoolRemoved).waitFrames(t, 1)[0]
		if !bytes.Equal(parts[1], HashBytes(original.TxHash())) {
			t.Error("event is not for the original transaction")
		}
		if got := RemovalReason(binary.LittleEndian.Uint32(parts[3])); got != ReasonReplaced {
			t.Errorf("reason = %s, want replaced", got)
		}
	})
}

func TestNotifier_ConfirmedScenario(t *testing.T) {
	genesis := chaincfg.RegressionNetParams.GenesisBlock
	tx := testTx(8, 5000)

	n, factory := newTestNotifier(t, TopicMempoolConfirmed, TopicMempoolRemoved)

	// A block both confirms the tx and conflicts with it; confirmation wins.
	err := n.TransactionRemoved(tx,
		ConflictedBy{BlockHash: genesis.BlockHash()},
		ConfirmedIn{Header: &genesis.Header, Height: 1},
	)
	if err != nil {
		t.Fatalf("TransactionRemoved() unexpected error: %v", err)
	}

	parts := senderFor(factory, TopicMempoolConfirmed).waitFrames(t, 1)[0]
	if got := binary.LittleEndian.Uint32(parts[3]); got != 1 {
		t.Errorf("block height = %d, want 1", got)
	}
	if !bytes.Equal(parts[4], HashBytes(genesis.BlockHash())) {
		t.Error("block hash mismatch")
	}
	if !bytes.Equal(parts[5], rawHeader(t, &genesis.Header)) {
		t.Error("raw header mismatch")
	}
	if n := len(senderFor(factory, TopicMempoolRemoved).Frames()); n != 0 {
		t.Errorf("mempoolremoved got %d frames, want none", n)
	}
}

func TestNotifier_SizeLimitScenario(t *testing.T) {
	n, factory := newTestNotifier(t, TopicMempoolRemoved)

	// The engine evicts lowest feerate first and reports in that order.
	lowest := testTx(1, 100)
	middle := testTx(2, 100)
	highest := testTx(3, 100)
	for _, tx := range []*wire.MsgTx{lowest, middle, highest} {
		if err := n.TransactionRemoved(tx, SizeLimitEvicted{}); err != nil {
			t.Fatalf("TransactionRemoved() unexpected error: %v", err)
		}
	}

	frames := senderFor(factory, TopicMempoolRemoved).waitFrames(t, 3)
	if !bytes.Equal(frames[0][1], HashBytes(lowest.TxHash())) {
		t.Error("first sizelimit event is not the lowest-feerate transaction")
	}
	for i, parts := range frames {
		if got := RemovalReason(binary.LittleEndian.Uint32(parts[3])); got != ReasonSizeLimit {
			t.Errorf("frame %d reason = %s, want sizelimit", i, got)
		}
	}
}

func TestNotifier_RemovedReasons(t *testing.T) {
	tests := []struct {
		name  string
		cause Cause
		want  RemovalReason
	}{
		{"expiry", Expired{}, ReasonExpiry},
		{"reorg", ReorgInvalidated{}, ReasonReorg},
		{"conflict", ConflictedBy{}, ReasonConflict},
		{"confirmed falls back", ConfirmedIn{Header: testHeader(chainhash.Hash{}, 1), Height: 3}, ReasonBlock},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			n, factory := newTestNotifier(t, TopicMempoolRemoved)
			if err := n.TransactionRemoved(testTx(4, 10), tt.cause); err != nil {
				t.Fatalf("TransactionRemoved() unexpected error: %v", err)
			}
			parts := senderFor(factory, TopicMempoolRemoved).waitFrames(t, 1)[0]
			if got := RemovalReason(binary.LittleEndian.Uint32(parts[3])); got != tt.want {
				t.Errorf("reason = %s, want %s", got, tt.want)
			}
		})
	}
}

func TestNotifier_UnclassifiableRemoval(t *testing.T) {
	n, factory := newTestNotifier(t, TopicMempoolRemoved)

	err := n.TransactionRemoved(testTx(1, 1))
	if !stderrors.Is(err, ErrNoRemovalCause) {
		t.Fatalf("TransactionRemoved() error = %v, want ErrNoRemovalCause", err)
	}
	if !errors.IsFatal(err) {
		t.Error("unclassifiable removal must be fatal")
	}

	p, _ := n.registry.Publisher(TopicMempoolRemoved)
	if p.Stats().Enqueued != 0 {
		t.Error("an unclassifiable removal was published")
	}
	if len(senderFor(factory, TopicMempoolRemoved).Frames()) != 0 {
		t.Error("an unclassifiable removal reached the transport")
	}

	// Detected even with nothing bound.
	bare, _ := newTestNotifier(t)
	if err := bare.TransactionRemoved(testTx(1, 1)); err == nil {
		t.Error("TransactionRemoved() with no cause and no bindings expected error")
	}
}

func TestNotifier_UnboundTopicsAreInert(t *testing.T) {
	n, _ := newTestNotifier(t)
	genesis := chaincfg.RegressionNetParams.GenesisBlock

	if err := n.HeaderAdded(&genesis.Header, 0); err != nil {
		t.Errorf("HeaderAdded() error = %v", err)
	}
	if err := n.TransactionAdded(testTx(1, 1), 1); err != nil {
		t.Errorf("TransactionAdded() error = %v", err)
	}
	if err := n.TransactionRemoved(testTx(1, 1), Expired{}); err != nil {
		t.Errorf("TransactionRemoved() error = %v", err)
	}
	if err := n.BlockConnected(genesis, 0); err != nil {
		t.Errorf("BlockConnected() error = %v", err)
	}
	if err := n.TipChanged(&genesis.Header, 0); err != nil {
		t.Errorf("TipChanged() error = %v", err)
	}
}

func TestNotifier_ChainTopics(t *testing.T) {
	n, factory := newTestNotifier(t, TopicChainConnected, TopicChainTipChanged)
	genesis := chaincfg.RegressionNetParams.GenesisBlock

	if err := n.BlockConnected(genesis, 0); err != nil {
		t.Fatalf("BlockConnected() unexpected error: %v", err)
	}
	if err := n.TipChanged(&genesis.Header, 0); err != nil {
		t.Fatalf("TipChanged() unexpected error: %v", err)
	}

	connected := senderFor(factory, TopicChainConnected).waitFrames(t, 1)[0]
	if len(connected) != 7 {
		t.Fatalf("chainconnected has %d parts, want 7", len(connected))
	}
	if !bytes.Equal(connected[3], HashBytes(chainhash.Hash{})) {
		t.Error("genesis prev hash should be zero")
	}

	tip := senderFor(factory, TopicChainTipChanged).waitFrames(t, 1)[0]
	if !bytes.Equal(tip[1], HashBytes(genesis.BlockHash())) {
		t.Error("tip hash mismatch")
	}
}

func TestNotifier_AfterShutdown(t *testing.T) {
	factory := newMockFactory()
	r, err := NewRegistry([]Binding{{Topic: TopicMempoolAdded, Address: "inproc://x"}}, factory, testLogger())
	if err != nil {
		t.Fatalf("NewRegistry() unexpected error: %v", err)
	}
	r.Start(context.Background())
	if err := r.Shutdown(context.Background()); err != nil {
		t.Fatalf("Shutdown() unexpected error: %v", err)
	}

	n := NewNotifier(r, testLogger())
	if err := n.TransactionAdded(testTx(1, 1), 1); err != nil {
		t.Errorf("TransactionAdded() after shutdown error = %v, want nil", err)
	}
}

func TestNotifier_NilInputs(t *testing.T) {
	n, _ := newTestNotifier(t, TopicHeaderAdded, TopicMempoolAdded, TopicMempoolRemoved)

	if err := n.HeaderAdded(nil, 1); !errors.IsType(err, errors.ErrorTypeValidation) {
		t.Errorf("HeaderAdded(nil) error = %v", err)
	}
	if err := n.TransactionAdded(nil, 1); !errors.IsType(err, errors.ErrorTypeValidation) {
		t.Errorf("TransactionAdded(nil) error = %v", err)
	}
	if err := n.TransactionRemoved(nil, Expired{}); !errors.IsType(err, errors.ErrorTypeValidation) {
		t.Errorf("TransactionRemoved(nil) error = %v", err)
	}
}
