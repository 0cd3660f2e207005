package notify

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/bardlex/zmqnotify/pkg/errors"
	"github.com/bardlex/zmqnotify/pkg/log"
)

// DefaultHighWaterMark is used when a binding does not set one.
const DefaultHighWaterMark = 1000

// Binding ties a topic to the address it is published on.
type Binding struct {
	Topic         Topic
	Address       string
	HighWaterMark int
}

// NotificationInfo describes one active binding to introspection callers.
type NotificationInfo struct {
	Type          string `json:"type"`
	Address       string `json:"address"`
	HighWaterMark int    `json:"hwm"`
}

var addressSchemes = []string{"tcp://", "ipc://", "inproc://", "pgm://", "epgm://"}

// ValidateAddress checks that address names a transport the publisher can
// bind.
func ValidateAddress(address string) error {
	for _, scheme := range addressSchemes {
		if strings.HasPrefix(address, scheme) {
			if len(address) == len(scheme) {
				return errors.New(errors.ErrorTypeConfig, "validate_address",
					fmt.Sprintf("address %q has no endpoint", address))
			}
			return nil
		}
	}
	return errors.New(errors.ErrorTypeConfig, "validate_address",
		fmt.Sprintf("address %q must start with one of %s", address, strings.Join(addressSchemes, ", ")))
}

// ValidateBindings rejects duplicate and unknown topics and malformed
// addresses.
func ValidateBindings(bindings []Binding) error {
	seen := make(map[Topic]bool, len(bindings))
	for _, b := range bindings {
		if _, err := ParseTopic(string(b.Topic)); err != nil {
			return err
		}
		if seen[b.Topic] {
			return errors.New(errors.ErrorTypeConfig, "validate_bindings",
				fmt.Sprintf("topic %s bound more than once", b.Topic))
		}
		seen[b.Topic] = true
		if err := ValidateAddress(b.Address); err != nil {
			return errors.Wrap(err, errors.ErrorTypeConfig, "validate_bindings",
				fmt.Sprintf("invalid address for topic %s", b.Topic))
		}
		if b.HighWaterMark < 0 {
			return errors.New(errors.ErrorTypeConfig, "validate_bindings",
				fmt.Sprintf("negative high-water-mark for topic %s", b.Topic))
		}
	}
	return nil
}

// Registry holds the publisher for every bound topic. It is built once and
// never changes; topics without a binding have no publisher at all.
type Registry struct {
	publishers map[Topic]*TopicPublisher
	ordered    []*TopicPublisher
	info       []NotificationInfo
	logger     *log.Logger
}

// NewRegistry validates bindings and opens a sender for each one. If any
// binding fails, senders already opened are closed and no registry is
// returned.
func NewRegistry(bindings []Binding, factory SenderFactory, logger *log.Logger) (*Registry, error) {
	if err := ValidateBindings(bindings); err != nil {
		return nil, err
	}

	r := &Registry{
		publishers: make(map[Topic]*TopicPublisher, len(bindings)),
		logger:     logger.WithComponent("notify_registry"),
	}

	sorted := make([]Binding, len(bindings))
	copy(sorted, bindings)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Topic < sorted[j].Topic })

	for _, b := range sorted {
		if b.HighWaterMark == 0 {
			b.HighWaterMark = DefaultHighWaterMark
		}

		sender, err := factory.Open(b.Address, b.HighWaterMark)
		if err != nil {
			r.closeSenders()
			return nil, errors.Wrap(err, errors.ErrorTypeConfig, "bind_topic",
				fmt.Sprintf("failed to bind topic %s", b.Topic)).
				WithContext("address", b.Address)
		}

		p := NewTopicPublisher(b, sender, logger)
		r.publishers[b.Topic] = p
		r.ordered = append(r.ordered, p)
		r.info = append(r.info, NotificationInfo{
			Type:          string(b.Topic),
			Address:       b.Address,
			HighWaterMark: b.HighWaterMark,
		})
		r.logger.LogBinding(string(b.Topic), b.Address, b.HighWaterMark)
	}

	return r, nil
}

func (r *Registry) closeSenders() {
	for _, p := range r.ordered {
		if err := p.sender.Close(); err != nil {
			r.logger.WithError(err).Warn("failed to close sender", "topic", p.Topic())
		}
	}
}

// Publisher returns the publisher bound to topic, if any.
func (r *Registry) Publisher(topic Topic) (*TopicPublisher, bool) {
	p, ok := r.publishers[topic]
	return p, ok
}

// Describe lists every active binding sorted by topic. The result is the
// same on every call.
func (r *Registry) Describe() []NotificationInfo {
	out := make([]NotificationInfo, len(r.info))
	copy(out, r.info)
	return out
}

// Stats returns a snapshot for every publisher, sorted by topic.
func (r *Registry) Stats() []Stats {
	out := make([]Stats, 0, len(r.ordered))
	for _, p := range r.ordered {
		out = append(out, p.Stats())
	}
	return out
}

// Start launches every publisher's sender goroutine.
func (r *Registry) Start(ctx context.Context) {
	for _, p := range r.ordered {
		p.Start(ctx)
	}
}

// Shutdown stops every publisher in parallel under one deadline and returns
// the first error.
func (r *Registry) Shutdown(ctx context.Context) error {
	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		firstErr error
	)

	for _, p := range r.ordered {
		wg.Add(1)
		go func(p *TopicPublisher) {
			defer wg.Done()
			if err := p.Stop(ctx); err != nil {
				r.logger.WithError(err).Error("publisher shutdown failed", "topic", p.Topic())
				mu.Lock()
				if firstErr == nil {
					firstErr = err
				}
				mu.Unlock()
			}
		}(p)
	}
	wg.Wait()

	return firstErr
}
