package worker

import (
	"context"
	"sync"
	"testing"
	"time"
)

type fakeSink struct {
	mu     sync.Mutex
	counts map[string]int64
}

func newFakeSink() *fakeSink { return &fakeSink{counts: map[string]int64{}} }

func (f *fakeSink) RecordUsage(_ context.Context, keyID string, n int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.counts[keyID] += n
	return nil
}

func (f *fakeSink) get(keyID string) int64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.counts[keyID]
}

func TestUsageRecorderAggregatesPerKey(t *testing.T) {
	t.Parallel()
	sink := newFakeSink()
	rec := NewUsageRecorder(sink, nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- rec.Run(ctx) }()

	rec.Record("key-1", 10)
	rec.Record("key-1", 5)
	rec.Record("key-2", 7)

	// Cancellation drains the channel and flushes the aggregate.
	time.Sleep(20 * time.Millisecond)
	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("recorder did not stop")
	}

	if got := sink.get("key-1"); got != 15 {
		t.Errorf("key-1 = %d, want 15", got)
	}
	if got := sink.get("key-2"); got != 7 {
		t.Errorf("key-2 = %d, want 7", got)
	}
}

func TestUsageRecorderDropsWhenFull(t *testing.T) {
	t.Parallel()
	rec := NewUsageRecorder(newFakeSink(), nil)

	// No Run loop consuming; overfill must not block.
	for range usageChanSize + 10 {
		rec.Record("key-1", 1)
	}
}
