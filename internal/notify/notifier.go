package notify

import (
	"github.com/btcsuite/btcd/wire"

	"github.com/bardlex/zmqnotify/pkg/errors"
	"github.com/bardlex/zmqnotify/pkg/log"
	"github.com/bardlex/zmqnotify/pkg/queue"
)

var _ EventSink = (*Notifier)(nil)

// Notifier fans engine callbacks out to the bound topic publishers. Events
// for unbound topics are not built.
type Notifier struct {
	registry *Registry
	logger   *log.Logger
}

// NewNotifier creates a Notifier publishing through registry.
func NewNotifier(registry *Registry, logger *log.Logger) *Notifier {
	return &Notifier{
		registry: registry,
		logger:   logger.WithComponent("notifier"),
	}
}

// HeaderAdded publishes on chainheaderadded.
func (n *Notifier) HeaderAdded(header *wire.BlockHeader, height int32) error {
	p, ok := n.registry.Publisher(TopicHeaderAdded)
	if !ok {
		return nil
	}
	ev, err := NewHeaderAdded(header, height)
	if err != nil {
		return err
	}
	return n.publish(p, ev)
}

// TransactionAdded publishes on mempooladded.
func (n *Notifier) TransactionAdded(tx *wire.MsgTx, fee int64) error {
	p, ok := n.registry.Publisher(TopicMempoolAdded)
	if !ok {
		return nil
	}
	ev, err := NewMempoolAdded(tx, fee)
	if err != nil {
		return err
	}
	return n.publish(p, ev)
}

// TransactionRemoved classifies the removal and publishes exactly one event.
// Confirmations go to mempoolconfirmed and replacements to mempoolreplaced;
// when those topics are not bound the removal falls back to mempoolremoved
// with reason block or replaced. The classification runs even when nothing
// is bound, so an unexplained removal is always reported.
func (n *Notifier) TransactionRemoved(tx *wire.MsgTx, causes ...Cause) error {
	if tx == nil {
		return errors.New(errors.ErrorTypeValidation, "transaction_removed", "nil transaction")
	}

	class, err := Classify(causes...)
	if err != nil {
		n.logger.WithError(err).Error("cannot classify mempool removal",
			"txid", tx.TxHash().String(),
			"causes", len(causes),
		)
		return err
	}

	switch c := class.Cause.(type) {
	case ConfirmedIn:
		if p, ok := n.registry.Publisher(TopicMempoolConfirmed); ok {
			ev, err := NewMempoolConfirmed(tx, c.Header, c.Height)
			if err != nil {
				return err
			}
			return n.publish(p, ev)
		}
	case ReplacedBy:
		if p, ok := n.registry.Publisher(TopicMempoolReplaced); ok {
			ev, err := NewMempoolReplaced(tx, c.ReplacedFee, c.Replacement, c.ReplacementFee)
			if err != nil {
				return err
			}
			return n.publish(p, ev)
		}
	}

	p, ok := n.registry.Publisher(TopicMempoolRemoved)
	if !ok {
		return nil
	}
	ev, err := NewMempoolRemoved(tx, class.Reason)
	if err != nil {
		return err
	}
	return n.publish(p, ev)
}

// BlockConnected publishes on chainconnected.
func (n *Notifier) BlockConnected(block *wire.MsgBlock, height int32) error {
	p, ok := n.registry.Publisher(TopicChainConnected)
	if !ok {
		return nil
	}
	ev, err := NewChainConnected(block, height)
	if err != nil {
		return err
	}
	return n.publish(p, ev)
}

// TipChanged publishes on chaintipchanged.
func (n *Notifier) TipChanged(header *wire.BlockHeader, height int32) error {
	p, ok := n.registry.Publisher(TopicChainTipChanged)
	if !ok {
		return nil
	}
	ev, err := NewChainTipChanged(header, height)
	if err != nil {
		return err
	}
	return n.publish(p, ev)
}

// publish enqueues ev. A publisher already shut down is not the engine's
// problem, so that case is logged and swallowed.
func (n *Notifier) publish(p *TopicPublisher, ev Event) error {
	if _, err := p.Publish(ev); err != nil {
		if err == queue.ErrClosed {
			n.logger.Debug("notification after shutdown ignored", "topic", ev.Topic())
			return nil
		}
		return err
	}
	return nil
}
