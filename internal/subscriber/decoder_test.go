package subscriber

import (
	"testing"
	"time"

	"github.com/btcsuite/btcd/wire"

	"github.com/bardlex/zmqnotify/internal/notify"
	"github.com/bardlex/zmqnotify/pkg/errors"
)

func buildEvents(t *testing.T) []notify.Event {
	t.Helper()

	header := testHeader(7)
	tx := testTx(1)
	replacement := testTx(2)

	block := wire.NewMsgBlock(header)
	if err := block.AddTransaction(tx); err != nil {
		t.Fatalf("AddTransaction() unexpected error: %v", err)
	}

	must := func(ev notify.Event, err error) notify.Event {
		t.Helper()
		if err != nil {
			t.Fatalf("event constructor: %v", err)
		}
		return ev
	}

	return []notify.Event{
		must(notify.NewHeaderAdded(header, 101)),
		must(notify.NewMempoolAdded(tx, 1234)),
		must(notify.NewMempoolRemoved(tx, notify.ReasonConflict)),
		must(notify.NewMempoolReplaced(tx, 100, replacement, 300)),
		must(notify.NewMempoolConfirmed(tx, header, 101)),
		must(notify.NewChainConnected(block, 101)),
		must(notify.NewChainTipChanged(header, 101)),
	}
}

func TestDecode_EveryTopic(t *testing.T) {
	ts := time.Date(2024, 1, 2, 3, 4, 5, 678000, time.UTC)

	for i, ev := range buildEvents(t) {
		ev := ev
		seq := uint32(40 + i)
		t.Run(string(ev.Topic()), func(t *testing.T) {
			frame := notify.BuildFrame(ev, seq, ts.UnixMicro())

			msg, err := Decode(frame.Parts)
			if err != nil {
				t.Fatalf("Decode() unexpected error: %v", err)
			}
			if msg.Topic != ev.Topic() {
				t.Errorf("Topic = %s, want %s", msg.Topic, ev.Topic())
			}
			if msg.Sequence != seq {
				t.Errorf("Sequence = %d, want %d", msg.Sequence, seq)
			}
			if !msg.Timestamp.Equal(ts) {
				t.Errorf("Timestamp = %v, want %v", msg.Timestamp, ts)
			}
			if msg.Size != frame.Size() {
				t.Errorf("Size = %d, want %d", msg.Size, frame.Size())
			}

			// re-encoding the decoded event reproduces the frame byte for byte
			again := notify.BuildFrame(msg.Event, seq, ts.UnixMicro())
			if len(again.Parts) != len(frame.Parts) {
				t.Fatalf("re-encoded %d parts, want %d", len(again.Parts), len(frame.Parts))
			}
			for j := range frame.Parts {
				if string(again.Parts[j]) != string(frame.Parts[j]) {
					t.Errorf("part %d differs after re-encoding", j)
				}
			}
		})
	}
}

func TestDecode_Subject(t *testing.T) {
	tx := testTx(9)
	ev, err := notify.NewMempoolRemoved(tx, notify.ReasonExpiry)
	if err != nil {
		t.Fatalf("NewMempoolRemoved() unexpected error: %v", err)
	}

	msg, err := Decode(notify.BuildFrame(ev, 0, 0).Parts)
	if err != nil {
		t.Fatalf("Decode() unexpected error: %v", err)
	}
	if got, want := msg.Subject(), tx.TxHash().String(); got != want {
		t.Errorf("Subject() = %s, want %s", got, want)
	}
	if _, ok := msg.Height(); ok {
		t.Error("Height() reported a height for a mempool removal")
	}

	header := testHeader(3)
	tip, err := notify.NewChainTipChanged(header, 77)
	if err != nil {
		t.Fatalf("NewChainTipChanged() unexpected error: %v", err)
	}
	msg, err = Decode(notify.BuildFrame(tip, 0, 0).Parts)
	if err != nil {
		t.Fatalf("Decode() unexpected error: %v", err)
	}
	if got, want := msg.Subject(), header.BlockHash().String(); got != want {
		t.Errorf("Subject() = %s, want %s", got, want)
	}
	if h, ok := msg.Height(); !ok || h != 77 {
		t.Errorf("Height() = %d, %v; want 77, true", h, ok)
	}
}

func TestDecode_Malformed(t *testing.T) {
	good := addedFrame(t, 1, 5)

	replace := func(idx int, b []byte) [][]byte {
		out := make([][]byte, len(good))
		copy(out, good)
		out[idx] = b
		return out
	}

	tests := []struct {
		name  string
		parts [][]byte
	}{
		{"too few parts", good[:2]},
		{"unknown topic", replace(0, []byte("hashblock"))},
		{"missing payload part", append([][]byte{good[0]}, good[2:]...)},
		{"short sequence", replace(len(good)-1, []byte{1, 2})},
		{"short timestamp", replace(len(good)-2, []byte{1, 2, 3})},
		{"short txid", replace(1, make([]byte, 31))},
		{"short fee", replace(3, make([]byte, 4))},
		{"unknown reason", removedWithReason(t, 9)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Decode(tt.parts)
			if err == nil {
				t.Fatal("Decode() expected error")
			}
			if !errors.IsType(err, errors.ErrorTypeValidation) {
				t.Errorf("Decode() error type = %v, want validation", err)
			}
		})
	}
}

func removedWithReason(t *testing.T, reason uint32) [][]byte {
	t.Helper()
	ev, err := notify.NewMempoolRemoved(testTx(4), notify.RemovalReason(reason))
	if err != nil {
		t.Fatalf("NewMempoolRemoved() unexpected error: %v", err)
	}
	return notify.BuildFrame(ev, 0, 0).Parts
}
