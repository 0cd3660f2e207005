package bitcoin

import (
	"fmt"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/wire"

	"github.com/bardlex/zmqnotify/pkg/errors"
)

// CalcFee returns the fee paid by tx: the value of the outputs it spends
// minus the value of the outputs it creates. inputValues holds the value of
// each spent output in input order.
func CalcFee(tx *wire.MsgTx, inputValues []int64) (btcutil.Amount, error) {
	if tx == nil {
		return 0, errors.New(errors.ErrorTypeValidation, "calc_fee", "nil transaction")
	}
	if len(inputValues) != len(tx.TxIn) {
		return 0, errors.New(errors.ErrorTypeValidation, "calc_fee",
			fmt.Sprintf("have %d input values for %d inputs", len(inputValues), len(tx.TxIn)))
	}

	var in, out btcutil.Amount
	for i, v := range inputValues {
		if v < 0 || v > btcutil.MaxSatoshi {
			return 0, errors.New(errors.ErrorTypeValidation, "calc_fee",
				fmt.Sprintf("input %d value %d out of range", i, v))
		}
		in += btcutil.Amount(v)
	}
	for i, txOut := range tx.TxOut {
		if txOut.Value < 0 || txOut.Value > btcutil.MaxSatoshi {
			return 0, errors.New(errors.ErrorTypeValidation, "calc_fee",
				fmt.Sprintf("output %d value %d out of range", i, txOut.Value))
		}
		out += btcutil.Amount(txOut.Value)
	}

	if out > in {
		return 0, errors.New(errors.ErrorTypeValidation, "calc_fee",
			fmt.Sprintf("outputs %s exceed inputs %s", out, in)).
			WithContext("txid", tx.TxHash().String())
	}
	return in - out, nil
}

// FeeRate returns the fee per virtual byte of tx.
func FeeRate(tx *wire.MsgTx, fee btcutil.Amount) float64 {
	vsize := VirtualSize(tx)
	if vsize == 0 {
		return 0
	}
	return float64(fee) / float64(vsize)
}

// VirtualSize returns the BIP 141 virtual size of tx, rounded up.
func VirtualSize(tx *wire.MsgTx) int64 {
	base := int64(tx.SerializeSizeStripped())
	total := int64(tx.SerializeSize())
	weight := base*3 + total
	return (weight + 3) / 4
}
