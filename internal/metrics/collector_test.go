package metrics

import (
	"context"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
)

type fakeSource struct {
	calls int
}

func (f *fakeSource) CollectSnapshot() Snapshot {
	f.calls++
	return Snapshot{
		Timestamp: time.Time{},
		Queue:     QueueSnapshot{CurrentSize: 3, UtilizationPct: 30},
		Instances: InstanceCounts{{"running", "healthy"}: 2},
	}
}

func TestCollectCallsSourceAndPublisher(t *testing.T) {
	src := &fakeSource{}
	var published Snapshot
	var publishedCount int
	c := New(src, func(s Snapshot) { published = s; publishedCount++ }, Config{Clock: clock.NewMock()})

	got := c.Collect()
	if src.calls != 1 {
		t.Fatalf("expected source called once, got %d", src.calls)
	}
	if publishedCount != 1 {
		t.Fatalf("expected publisher called once, got %d", publishedCount)
	}
	if published.Queue.CurrentSize != got.Queue.CurrentSize {
		t.Fatalf("expected published snapshot to match returned snapshot")
	}
}

func TestStartStopLoop(t *testing.T) {
	mock := clock.NewMock()
	src := &fakeSource{}
	c := New(src, nil, Config{Interval: time.Second, Clock: mock})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	c.Start(ctx)
	defer c.Stop()

	mock.Add(3 * time.Second)
	// Give the goroutine a moment to process the fired ticks.
	time.Sleep(10 * time.Millisecond)

	if src.calls < 1 {
		t.Fatalf("expected at least one tick to have fired, got %d calls", src.calls)
	}
}
