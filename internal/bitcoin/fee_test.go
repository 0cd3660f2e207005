package bitcoin

import (
	"testing"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"

	"github.com/bardlex/zmqnotify/pkg/errors"
)

func feeTestTx(outputs ...int64) *wire.MsgTx {
	tx := wire.NewMsgTx(2)
	tx.AddTxIn(wire.NewTxIn(wire.NewOutPoint(&chainhash.Hash{1}, 0), nil, nil))
	tx.AddTxIn(wire.NewTxIn(wire.NewOutPoint(&chainhash.Hash{2}, 1), nil, nil))
	for _, v := range outputs {
		tx.AddTxOut(wire.NewTxOut(v, []byte{0x00, 0x14}))
	}
	return tx
}

func TestCalcFee(t *testing.T) {
	tests := []struct {
		name    string
		tx      *wire.MsgTx
		inputs  []int64
		want    btcutil.Amount
		wantErr bool
	}{
		{"simple", feeTestTx(90_000), []int64{50_000, 50_000}, 10_000, false},
		{"two outputs", feeTestTx(60_000, 39_000), []int64{50_000, 50_000}, 1_000, false},
		{"zero fee", feeTestTx(100_000), []int64{50_000, 50_000}, 0, false},
		{"outputs exceed inputs", feeTestTx(100_001), []int64{50_000, 50_000}, 0, true},
		{"missing input value", feeTestTx(1), []int64{50_000}, 0, true},
		{"negative input", feeTestTx(1), []int64{-1, 5}, 0, true},
		{"input above max supply", feeTestTx(1), []int64{btcutil.MaxSatoshi + 1, 0}, 0, true},
		{"nil tx", nil, nil, 0, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := CalcFee(tt.tx, tt.inputs)
			if tt.wantErr {
				if !errors.IsType(err, errors.ErrorTypeValidation) {
					t.Errorf("CalcFee() error = %v, want validation error", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("CalcFee() unexpected error: %v", err)
			}
			if got != tt.want {
				t.Errorf("CalcFee() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestVirtualSizeAndFeeRate(t *testing.T) {
	tx := feeTestTx(1000)

	// Without witness data virtual size equals serialized size.
	if got, want := VirtualSize(tx), int64(tx.SerializeSize()); got != want {
		t.Errorf("VirtualSize() = %d, want %d", got, want)
	}

	tx.TxIn[0].Witness = wire.TxWitness{make([]byte, 72), make([]byte, 33)}
	if VirtualSize(tx) >= int64(tx.SerializeSize()) {
		t.Error("witness bytes should be discounted")
	}

	rate := FeeRate(tx, btcutil.Amount(VirtualSize(tx)*5))
	if rate != 5 {
		t.Errorf("FeeRate() = %v, want 5", rate)
	}
}
