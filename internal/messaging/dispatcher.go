package messaging

import (
	"bytes"
	"context"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"

	"github.com/bardlex/zmqnotify/internal/bitcoin"
	"github.com/bardlex/zmqnotify/internal/notify"
	"github.com/bardlex/zmqnotify/pkg/errors"
)

var _ MessageHandler = (*Dispatcher)(nil)

// Dispatcher decodes engine events and drives an EventSink. It must be
// called from a single goroutine: the sink relies on events arriving in
// engine order.
type Dispatcher struct {
	sink   notify.EventSink
	logger *slog.Logger
}

// NewDispatcher creates a dispatcher feeding sink
func NewDispatcher(sink notify.EventSink, logger *slog.Logger) *Dispatcher {
	return &Dispatcher{sink: sink, logger: logger}
}

// HandleMessage decodes one Kafka message value and dispatches it
func (d *Dispatcher) HandleMessage(_ context.Context, key string, value []byte) error {
	var ev EngineEvent
	if err := json.Unmarshal(value, &ev); err != nil {
		return errors.Wrap(err, errors.ErrorTypeValidation, "decode_engine_event",
			"failed to unmarshal engine event").
			WithContext("key", key).
			WithContext("message_size", len(value))
	}
	return d.Dispatch(&ev)
}

// Dispatch decodes ev's payloads and calls the matching sink method
func (d *Dispatcher) Dispatch(ev *EngineEvent) error {
	if d.logger != nil {
		d.logger.Debug("dispatching engine event", "type", string(ev.Type), "engine_seq", ev.EngineSeq)
	}

	switch ev.Type {
	case EventHeaderAdded:
		header, err := DecodeHeader(ev.HeaderHex)
		if err != nil {
			return err
		}
		return d.sink.HeaderAdded(header, ev.Height)

	case EventTipChanged:
		header, err := DecodeHeader(ev.HeaderHex)
		if err != nil {
			return err
		}
		return d.sink.TipChanged(header, ev.Height)

	case EventBlockConnected:
		block, err := DecodeBlock(ev.BlockHex)
		if err != nil {
			return err
		}
		return d.sink.BlockConnected(block, ev.Height)

	case EventTxAdded:
		tx, err := DecodeTx(ev.TxHex)
		if err != nil {
			return err
		}
		fee, err := resolveFee(tx, ev.Fee, ev.InputValues)
		if err != nil {
			return err
		}
		return d.sink.TransactionAdded(tx, fee)

	case EventTxRemoved:
		tx, err := DecodeTx(ev.TxHex)
		if err != nil {
			return err
		}
		// The envelope's fee, when present, is the removed transaction's.
		var removedFee *int64
		if ev.Fee != nil || len(ev.InputValues) > 0 {
			fee, err := resolveFee(tx, ev.Fee, ev.InputValues)
			if err != nil {
				return err
			}
			removedFee = &fee
		}
		causes := make([]notify.Cause, 0, len(ev.Causes))
		for i := range ev.Causes {
			c, err := decodeCause(&ev.Causes[i], removedFee)
			if err != nil {
				return err
			}
			if _, ok := c.(notify.SizeLimitEvicted); ok && removedFee != nil && d.logger != nil {
				d.logger.Debug("transaction evicted by size limit",
					"txid", tx.TxHash().String(),
					"vsize", bitcoin.VirtualSize(tx),
					"feerate", bitcoin.FeeRate(tx, btcutil.Amount(*removedFee)),
				)
			}
			causes = append(causes, c)
		}
		return d.sink.TransactionRemoved(tx, causes...)

	default:
		return errors.New(errors.ErrorTypeValidation, "dispatch_engine_event",
			fmt.Sprintf("unknown engine event type %q", ev.Type))
	}
}

// decodeCause converts one engine cause. removedFee is the removed
// transaction's fee from the envelope, nil when the engine sent none.
func decodeCause(c *RemovalCause, removedFee *int64) (notify.Cause, error) {
	switch c.Kind {
	case CauseBlock:
		header, err := DecodeHeader(c.HeaderHex)
		if err != nil {
			return nil, err
		}
		return notify.ConfirmedIn{Header: header, Height: c.Height}, nil

	case CauseReplaced:
		replacement, err := DecodeTx(c.ReplacementTxHex)
		if err != nil {
			return nil, err
		}
		replacementFee, err := resolveFee(replacement, c.ReplacementFee, c.ReplacementInputValues)
		if err != nil {
			return nil, err
		}
		var replacedFee int64
		switch {
		case c.ReplacedFee != nil:
			replacedFee = *c.ReplacedFee
		case removedFee != nil:
			replacedFee = *removedFee
		}
		return notify.ReplacedBy{
			Replacement:    replacement,
			ReplacementFee: replacementFee,
			ReplacedFee:    replacedFee,
		}, nil

	case CauseConflict:
		var hash chainhash.Hash
		if c.BlockHash != "" {
			h, err := chainhash.NewHashFromStr(c.BlockHash)
			if err != nil {
				return nil, errors.Wrap(err, errors.ErrorTypeValidation, "decode_cause",
					"bad conflicting block hash")
			}
			hash = *h
		}
		return notify.ConflictedBy{BlockHash: hash}, nil

	case CauseReorg:
		return notify.ReorgInvalidated{}, nil
	case CauseSizeLimit:
		return notify.SizeLimitEvicted{}, nil
	case CauseExpiry:
		return notify.Expired{}, nil

	default:
		return nil, errors.New(errors.ErrorTypeValidation, "decode_cause",
			fmt.Sprintf("unknown removal cause %q", c.Kind))
	}
}

// resolveFee uses the engine's fee when given and otherwise computes it from
// the spent output values
func resolveFee(tx *wire.MsgTx, fee *int64, inputValues []int64) (int64, error) {
	if fee != nil {
		return *fee, nil
	}
	if len(inputValues) == 0 {
		return 0, errors.New(errors.ErrorTypeValidation, "resolve_fee",
			"event carries neither a fee nor input values").
			WithContext("txid", tx.TxHash().String())
	}
	amount, err := bitcoin.CalcFee(tx, inputValues)
	if err != nil {
		return 0, err
	}
	return int64(amount), nil
}

// DecodeTx parses a hex transaction
func DecodeTx(s string) (*wire.MsgTx, error) {
	raw, err := decodeHex("decode_tx", s)
	if err != nil {
		return nil, err
	}
	tx := wire.NewMsgTx(wire.TxVersion)
	if err := tx.Deserialize(bytes.NewReader(raw)); err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeValidation, "decode_tx",
			"failed to deserialize transaction")
	}
	return tx, nil
}

// DecodeHeader parses a hex block header
func DecodeHeader(s string) (*wire.BlockHeader, error) {
	raw, err := decodeHex("decode_header", s)
	if err != nil {
		return nil, err
	}
	header := &wire.BlockHeader{}
	if err := header.Deserialize(bytes.NewReader(raw)); err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeValidation, "decode_header",
			"failed to deserialize block header")
	}
	return header, nil
}

// DecodeBlock parses a hex block
func DecodeBlock(s string) (*wire.MsgBlock, error) {
	raw, err := decodeHex("decode_block", s)
	if err != nil {
		return nil, err
	}
	block := &wire.MsgBlock{}
	if err := block.Deserialize(bytes.NewReader(raw)); err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeValidation, "decode_block",
			"failed to deserialize block")
	}
	return block, nil
}

func decodeHex(operation, s string) ([]byte, error) {
	if s == "" {
		return nil, errors.New(errors.ErrorTypeValidation, operation, "missing hex payload")
	}
	raw, err := hex.DecodeString(s)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeValidation, operation, "invalid hex payload")
	}
	return raw, nil
}
