package notify

import (
	"fmt"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"

	"github.com/bardlex/zmqnotify/pkg/errors"
)

// ErrNoRemovalCause is returned when a removal arrives with nothing explaining
// it. It is never coerced to a default reason.
var ErrNoRemovalCause = errors.New(errors.ErrorTypeInvariant, "classify_removal",
	"transaction removed without a cause")

// Cause is one observation the engine made about a transaction leaving the
// pool. A removal can carry several; Classify picks the one that is
// published.
type Cause interface {
	Reason() RemovalReason
}

// ConfirmedIn means a connected block included the transaction.
type ConfirmedIn struct {
	Header *wire.BlockHeader
	Height int32
}

// ReplacedBy means a fee-bumping replacement evicted the transaction. Fees
// are input value minus output value, in satoshis.
type ReplacedBy struct {
	Replacement    *wire.MsgTx
	ReplacementFee int64
	ReplacedFee    int64
}

// ConflictedBy means a connected block spent one of the transaction's inputs.
type ConflictedBy struct {
	BlockHash chainhash.Hash
}

// ReorgInvalidated means a disconnect made the transaction invalid (immature
// coinbase spend, lock time no longer satisfied).
type ReorgInvalidated struct{}

// SizeLimitEvicted means the pool trimmed the transaction to stay under its
// memory limit.
type SizeLimitEvicted struct{}

// Expired means the transaction aged out of the pool.
type Expired struct{}

func (ConfirmedIn) Reason() RemovalReason      { return ReasonBlock }
func (ReplacedBy) Reason() RemovalReason       { return ReasonReplaced }
func (ConflictedBy) Reason() RemovalReason     { return ReasonConflict }
func (ReorgInvalidated) Reason() RemovalReason { return ReasonReorg }
func (SizeLimitEvicted) Reason() RemovalReason { return ReasonSizeLimit }
func (Expired) Reason() RemovalReason          { return ReasonExpiry }

// reasonRank orders reasons from most to least specific. Lower wins.
var reasonRank = map[RemovalReason]int{
	ReasonBlock:     0,
	ReasonReplaced:  1,
	ReasonConflict:  2,
	ReasonReorg:     3,
	ReasonSizeLimit: 4,
	ReasonExpiry:    5,
}

// Classification is the single reason a removal is published under, with the
// cause that produced it.
type Classification struct {
	Reason RemovalReason
	Cause  Cause
}

// Classify reduces the observed causes to exactly one. Precedence is
// BLOCK > REPLACED > CONFLICT > REORG > SIZELIMIT > EXPIRY; among causes of
// the same reason the first one observed wins. Nil causes are ignored.
func Classify(causes ...Cause) (Classification, error) {
	var (
		best     Cause
		bestRank int
	)
	for _, c := range causes {
		if c == nil {
			continue
		}
		rank, ok := reasonRank[c.Reason()]
		if !ok {
			return Classification{}, errors.New(errors.ErrorTypeInvariant, "classify_removal",
				fmt.Sprintf("unknown removal reason %d", uint32(c.Reason())))
		}
		if best == nil || rank < bestRank {
			best, bestRank = c, rank
		}
	}
	if best == nil {
		return Classification{}, ErrNoRemovalCause
	}

	switch c := best.(type) {
	case ConfirmedIn:
		if c.Header == nil {
			return Classification{}, errors.New(errors.ErrorTypeInvariant, "classify_removal",
				"confirmation cause without a block header")
		}
	case ReplacedBy:
		if c.Replacement == nil {
			return Classification{}, errors.New(errors.ErrorTypeInvariant, "classify_removal",
				"replacement cause without a replacing transaction")
		}
	}

	return Classification{Reason: best.Reason(), Cause: best}, nil
}
