package subscriber

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/bardlex/zmqnotify/internal/notify"
)

const testEndpoint = "tcp://127.0.0.1:28332"

func TestSubscriber_HandleInOrder(t *testing.T) {
	store := newMockStore()
	resyncer := &mockResyncer{}
	s := New(Config{Endpoint: testEndpoint}, nil, store, resyncer, testLogger())

	var handled []uint32
	s.OnMessage(func(_ context.Context, msg *Message) error {
		handled = append(handled, msg.Sequence)
		return nil
	})

	ctx := context.Background()
	for seq := uint32(0); seq < 3; seq++ {
		if err := s.Handle(ctx, addedFrame(t, byte(seq), seq)); err != nil {
			t.Fatalf("Handle() unexpected error: %v", err)
		}
	}

	if len(handled) != 3 || handled[2] != 2 {
		t.Errorf("handled = %v, want [0 1 2]", handled)
	}
	if resyncer.Calls() != 0 {
		t.Errorf("resync ran %d times on a contiguous stream", resyncer.Calls())
	}
	if store.checkpoints["mempooladded"] != 2 {
		t.Errorf("checkpoint = %d, want 2", store.checkpoints["mempooladded"])
	}
	if len(store.notifications) != 3 {
		t.Errorf("archived %d notifications, want 3", len(store.notifications))
	}

	stats := s.Stats()
	if stats.Received != 3 || stats.Gaps != 0 {
		t.Errorf("Stats() = %+v", stats)
	}
}

func TestSubscriber_GapTriggersResync(t *testing.T) {
	store := newMockStore()
	resyncer := &mockResyncer{}
	s := New(Config{Endpoint: testEndpoint}, nil, store, resyncer, testLogger())

	ctx := context.Background()
	for _, seq := range []uint32{0, 1, 5} {
		_ = s.Handle(ctx, addedFrame(t, byte(seq), seq))
	}

	if resyncer.Calls() != 1 {
		t.Fatalf("resync calls = %d, want 1", resyncer.Calls())
	}
	if len(store.gaps) != 1 {
		t.Fatalf("recorded %d gaps, want 1", len(store.gaps))
	}
	gap := store.gaps[0]
	if gap.Expected != 2 || gap.Received != 5 || gap.Missed != 3 {
		t.Errorf("gap = %+v, want expected 2 received 5 missed 3", gap)
	}
	if len(store.resyncs) != 1 || store.resyncErrs[0] != nil {
		t.Errorf("resync not recorded: %v %v", store.resyncs, store.resyncErrs)
	}

	stats := s.Stats()
	if stats.Gaps != 1 || stats.Missed != 3 || stats.Resyncs != 1 {
		t.Errorf("Stats() = %+v", stats)
	}
}

func TestSubscriber_ResyncCooldown(t *testing.T) {
	resyncer := &mockResyncer{}
	s := New(Config{Endpoint: testEndpoint, ResyncCooldown: time.Minute}, nil, nil, resyncer, testLogger())

	now := time.Unix(1700000000, 0)
	s.now = func() time.Time { return now }

	ctx := context.Background()
	_ = s.Handle(ctx, addedFrame(t, 1, 0))
	_ = s.Handle(ctx, addedFrame(t, 2, 3)) // gap
	_ = s.Handle(ctx, addedFrame(t, 3, 9)) // gap inside cooldown

	if resyncer.Calls() != 1 {
		t.Fatalf("resync calls = %d, want 1 inside cooldown", resyncer.Calls())
	}

	now = now.Add(2 * time.Minute)
	_ = s.Handle(ctx, addedFrame(t, 4, 20))
	if resyncer.Calls() != 2 {
		t.Errorf("resync calls = %d, want 2 after cooldown", resyncer.Calls())
	}
	if s.Stats().Gaps != 3 {
		t.Errorf("Gaps = %d, want 3", s.Stats().Gaps)
	}
}

func TestSubscriber_ResyncFailureIsRecorded(t *testing.T) {
	store := newMockStore()
	resyncer := &mockResyncer{err: errors.New("node unreachable")}
	s := New(Config{Endpoint: testEndpoint}, nil, store, resyncer, testLogger())

	ctx := context.Background()
	_ = s.Handle(ctx, addedFrame(t, 1, 0))
	_ = s.Handle(ctx, addedFrame(t, 2, 2))

	if s.Stats().ResyncFailures != 1 {
		t.Errorf("ResyncFailures = %d, want 1", s.Stats().ResyncFailures)
	}
	if len(store.resyncErrs) != 1 || store.resyncErrs[0] == nil {
		t.Errorf("resync failure not recorded: %v", store.resyncErrs)
	}
	// the message after the gap is still delivered
	if store.checkpoints["mempooladded"] != 2 {
		t.Errorf("checkpoint = %d, want 2", store.checkpoints["mempooladded"])
	}
}

func TestSubscriber_MalformedIsSkipped(t *testing.T) {
	store := newMockStore()
	s := New(Config{Endpoint: testEndpoint}, nil, store, nil, testLogger())

	bad := addedFrame(t, 1, 0)
	bad[1] = []byte{0x00}

	if err := s.Handle(context.Background(), bad); err != nil {
		t.Fatalf("Handle() returned %v for a malformed frame, want nil", err)
	}
	if s.Stats().Malformed != 1 || s.Stats().Received != 0 {
		t.Errorf("Stats() = %+v", s.Stats())
	}
	if len(store.checkpoints) != 0 {
		t.Error("malformed frame was checkpointed")
	}
}

func TestSubscriber_TopicFilter(t *testing.T) {
	store := newMockStore()
	s := New(Config{Endpoint: testEndpoint, Topics: []notify.Topic{notify.TopicMempoolRemoved}}, nil, store, nil, testLogger())

	_ = s.Handle(context.Background(), addedFrame(t, 1, 0))
	if s.Stats().Received != 0 || len(store.notifications) != 0 {
		t.Error("filtered topic was processed")
	}
}

func TestSubscriber_HandlerErrorDoesNotStopStream(t *testing.T) {
	store := newMockStore()
	s := New(Config{Endpoint: testEndpoint}, nil, store, nil, testLogger())
	s.OnMessage(func(context.Context, *Message) error { return errors.New("downstream full") })

	_ = s.Handle(context.Background(), addedFrame(t, 1, 0))
	_ = s.Handle(context.Background(), addedFrame(t, 2, 1))

	if store.checkpoints["mempooladded"] != 1 {
		t.Errorf("checkpoint = %d, want 1", store.checkpoints["mempooladded"])
	}
}

func TestSubscriber_RunRestoresCheckpoints(t *testing.T) {
	store := newMockStore()
	store.checkpoints["mempooladded"] = 10
	store.checkpoints["hashblock"] = 3 // unknown topics are ignored

	resyncer := &mockResyncer{}
	source := &mockSource{messages: [][][]byte{
		addedFrame(t, 1, 11),
		addedFrame(t, 2, 14),
	}}
	s := New(Config{Endpoint: testEndpoint}, source, store, resyncer, testLogger())

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	if err := s.Run(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("Run() error = %v, want context.DeadlineExceeded", err)
	}

	if len(store.gaps) != 1 || store.gaps[0].Expected != 12 {
		t.Errorf("gaps = %+v, want one gap expecting 12", store.gaps)
	}
	if _, ok := s.Tracker().Last("hashblock"); ok {
		t.Error("unknown topic restored into tracker")
	}
}

func TestSubscriber_RunWithFailingStore(t *testing.T) {
	store := newMockStore()
	store.loadErr = errors.New("redis down")
	store.saveErr = errors.New("redis down")

	source := &mockSource{messages: [][][]byte{addedFrame(t, 1, 0), addedFrame(t, 2, 1)}}
	s := New(Config{Endpoint: testEndpoint}, source, store, nil, testLogger())

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_ = s.Run(ctx)

	if s.Stats().Received != 2 {
		t.Errorf("Received = %d, want 2 despite store failures", s.Stats().Received)
	}
}
