package supervisor

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/benbjohnson/clock"

	"github.com/sentrygate/sentrygate/internal/audit"
	"github.com/sentrygate/sentrygate/internal/autoscaler"
	"github.com/sentrygate/sentrygate/internal/event"
	"github.com/sentrygate/sentrygate/internal/processing"
	"github.com/sentrygate/sentrygate/internal/queue"
	"github.com/sentrygate/sentrygate/internal/registry"
)

type fakeAuditSink struct {
	mu      sync.Mutex
	records []audit.Record
}

func (f *fakeAuditSink) Record(ctx context.Context, rec audit.Record) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.records = append(f.records, rec)
	return nil
}

func (f *fakeAuditSink) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.records)
}

// markAllHealthy bypasses the HealthMonitor's own probe ticker (driven
// by a clock nothing advances in these tests) and commits Healthy
// directly, the same state a real probe cycle would eventually reach
// for an instance with no configured endpoint.
func markAllHealthy(s *Supervisor) {
	for _, inst := range s.Registry().List() {
		s.Registry().UpdateHealth(inst.ID, registry.Healthy)
	}
}

func newTestSupervisor(mock *clock.Mock, proc processing.Processor) *Supervisor {
	cfg := Config{
		Autoscaler: autoscaler.Config{MinInstances: 2, MaxInstances: 4},
		Clock:      mock,
	}
	return New(cfg, proc)
}

func TestSubmitAccepted(t *testing.T) {
	mock := clock.NewMock()
	s := newTestSupervisor(mock, processing.ProcessorFunc(func(ctx context.Context, evt *event.Event, instanceID string) processing.Result {
		return processing.Result{Status: processing.Success}
	}))

	res := s.Submit("client-a", &event.Event{ID: "1", Priority: event.Normal})
	if !res.Accepted {
		t.Fatalf("expected submit to be accepted, got reason %q", res.Reason)
	}
}

func TestSubmitRejectsWhenQueueFull(t *testing.T) {
	mock := clock.NewMock()
	cfg := Config{
		Queue:      queue.Config{MaxSize: 1},
		Autoscaler: autoscaler.Config{MinInstances: 1, MaxInstances: 1},
		Clock:      mock,
	}
	// No workers started, so the one enqueued event is never drained.
	s := New(cfg, processing.ProcessorFunc(func(ctx context.Context, evt *event.Event, instanceID string) processing.Result {
		return processing.Result{Status: processing.Success}
	}))

	first := s.Submit("client-a", &event.Event{ID: "1", Priority: event.Normal})
	if !first.Accepted {
		t.Fatalf("expected first submit to be accepted")
	}
	second := s.Submit("client-a", &event.Event{ID: "2", Priority: event.Normal})
	if second.Accepted {
		t.Fatalf("expected second submit to be rejected once the queue is full")
	}
	if second.Reason != "queue_full" {
		t.Fatalf("expected reason queue_full, got %q", second.Reason)
	}
}

func TestSubmitRejectsWhenFrozen(t *testing.T) {
	mock := clock.NewMock()
	s := newTestSupervisor(mock, processing.ProcessorFunc(func(ctx context.Context, evt *event.Event, instanceID string) processing.Result {
		return processing.Result{Status: processing.Success}
	}))

	s.SetAdmissionMode(AdmissionFreeze)
	res := s.Submit("client-a", &event.Event{ID: "1", Priority: event.Normal})
	if res.Accepted {
		t.Fatalf("expected submit to be rejected while frozen")
	}
	if res.Reason != "admission_freeze" {
		t.Fatalf("expected reason admission_freeze, got %q", res.Reason)
	}

	s.SetAdmissionMode(AdmissionNormal)
	res = s.Submit("client-a", &event.Event{ID: "2", Priority: event.Normal})
	if !res.Accepted {
		t.Fatalf("expected submit to be accepted once admission mode returns to normal")
	}
}

func TestSubmitRejectsWhenRateLimited(t *testing.T) {
	mock := clock.NewMock()
	cfg := Config{
		Autoscaler:      autoscaler.Config{MinInstances: 1, MaxInstances: 2},
		SubmitRateLimit: 1,
		SubmitBurst:     1,
		Clock:           mock,
	}
	s := New(cfg, processing.ProcessorFunc(func(ctx context.Context, evt *event.Event, instanceID string) processing.Result {
		return processing.Result{Status: processing.Success}
	}))

	first := s.Submit("client-a", &event.Event{ID: "1", Priority: event.Normal})
	if !first.Accepted {
		t.Fatalf("expected first submit within burst to be accepted")
	}
	second := s.Submit("client-a", &event.Event{ID: "2", Priority: event.Normal})
	if second.Accepted {
		t.Fatalf("expected second submit to be rate limited")
	}
	if second.Reason != "rate_limited" {
		t.Fatalf("expected reason rate_limited, got %q", second.Reason)
	}
}

func TestWorkersProcessSubmittedEvents(t *testing.T) {
	mock := clock.NewMock()
	var processed int64
	s := newTestSupervisor(mock, processing.ProcessorFunc(func(ctx context.Context, evt *event.Event, instanceID string) processing.Result {
		atomic.AddInt64(&processed, 1)
		return processing.Result{Status: processing.Success}
	}))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	s.Start(ctx)
	markAllHealthy(s)
	defer s.Shutdown(time.Second)

	for i := 0; i < 5; i++ {
		s.Submit("client-a", &event.Event{ID: string(rune('a' + i)), Priority: event.Normal})
	}

	deadline := time.Now().Add(time.Second)
	for atomic.LoadInt64(&processed) < 5 && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}

	if got := atomic.LoadInt64(&processed); got != 5 {
		t.Fatalf("expected 5 events processed, got %d", got)
	}
}

func TestPermanentFailureGoesStraightToDeadLetter(t *testing.T) {
	mock := clock.NewMock()
	s := newTestSupervisor(mock, processing.ProcessorFunc(func(ctx context.Context, evt *event.Event, instanceID string) processing.Result {
		return processing.Result{Status: processing.PermanentFailure, Reason: "bad payload"}
	}))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	s.Start(ctx)
	markAllHealthy(s)
	defer s.Shutdown(time.Second)

	s.Submit("client-a", &event.Event{ID: "1", Priority: event.Critical})

	deadline := time.Now().Add(time.Second)
	for len(s.queue.DeadLetterEntries()) == 0 && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}

	entries := s.queue.DeadLetterEntries()
	if len(entries) != 1 {
		t.Fatalf("expected one dead-lettered event, got %d", len(entries))
	}
}

func TestRetryableFailureRequeuesUntilMaxRetriesThenDeadLetters(t *testing.T) {
	mock := clock.NewMock()
	cfg := Config{
		Autoscaler: autoscaler.Config{MinInstances: 1, MaxInstances: 1},
		MaxRetries: 2,
		Clock:      mock,
	}
	s := New(cfg, processing.ProcessorFunc(func(ctx context.Context, evt *event.Event, instanceID string) processing.Result {
		return processing.Result{Status: processing.RetryableFailure, Reason: "upstream timeout"}
	}))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	s.Start(ctx)
	markAllHealthy(s)
	defer s.Shutdown(time.Second)

	s.Submit("client-a", &event.Event{ID: "1", Priority: event.High})

	deadline := time.Now().Add(2 * time.Second)
	for len(s.queue.DeadLetterEntries()) == 0 && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}

	entries := s.queue.DeadLetterEntries()
	if len(entries) != 1 {
		t.Fatalf("expected event to eventually dead-letter after exhausting retries, got %d entries", len(entries))
	}
	if entries[0].Event.RetryCount != 3 {
		t.Fatalf("expected retry count 3 (initial + 2 retries) at dead-letter time, got %d", entries[0].Event.RetryCount)
	}
}

func TestCancelledProcessingIsRequeuedAsCancelled(t *testing.T) {
	// Uses the real clock, not a mock: Shutdown's deadline timer must
	// actually elapse in wall-clock time, and the processor below
	// deliberately blocks until its worker's context is cancelled by
	// Shutdown rather than by a mock clock advance.
	started := make(chan struct{})
	cfg := Config{
		Autoscaler: autoscaler.Config{MinInstances: 1, MaxInstances: 1},
		MaxRetries: 0,
		Clock:      clock.New(),
	}
	s := New(cfg, processing.ProcessorFunc(func(ctx context.Context, evt *event.Event, instanceID string) processing.Result {
		close(started)
		<-ctx.Done()
		return processing.Result{Status: processing.Success}
	}))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	s.Start(ctx)
	markAllHealthy(s)

	s.Submit("client-a", &event.Event{ID: "1", Priority: event.Normal})

	select {
	case <-started:
	case <-time.After(time.Second):
		t.Fatalf("processor never started")
	}

	s.Shutdown(time.Second)

	entries := s.queue.DeadLetterEntries()
	if len(entries) != 1 {
		t.Fatalf("expected one dead-lettered event, got %d", len(entries))
	}
	if entries[0].Reason != queue.ReasonCancelled {
		t.Fatalf("expected reason cancelled, got %q", entries[0].Reason)
	}
	if entries[0].Event.RetryCount != 1 {
		t.Fatalf("expected retry count 1 after a single cancellation, got %d", entries[0].Event.RetryCount)
	}
}

func TestDeadLetterIsAudited(t *testing.T) {
	mock := clock.NewMock()
	sink := &fakeAuditSink{}
	cfg := Config{
		Autoscaler: autoscaler.Config{MinInstances: 1, MaxInstances: 1},
		Audit:      sink,
		Clock:      mock,
	}
	s := New(cfg, processing.ProcessorFunc(func(ctx context.Context, evt *event.Event, instanceID string) processing.Result {
		return processing.Result{Status: processing.PermanentFailure}
	}))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	s.Start(ctx)
	markAllHealthy(s)
	defer s.Shutdown(time.Second)

	s.Submit("client-a", &event.Event{ID: "1", Priority: event.Normal})

	deadline := time.Now().Add(time.Second)
	for len(s.queue.DeadLetterEntries()) == 0 && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}

	if sink.count() == 0 {
		t.Fatalf("expected the dead-letter to produce at least one audit record")
	}
}

func TestShutdownReturnsAtDeadlineWithWorkStillInFlight(t *testing.T) {
	// Uses the real clock, not a mock: Shutdown's own deadline timer must
	// actually elapse in wall-clock time while a worker is deliberately
	// left blocked, which a mock clock nobody advances cannot do.
	block := make(chan struct{})
	cfg := Config{
		Autoscaler: autoscaler.Config{MinInstances: 1, MaxInstances: 1},
		Clock:      clock.New(),
	}
	s := New(cfg, processing.ProcessorFunc(func(ctx context.Context, evt *event.Event, instanceID string) processing.Result {
		<-block
		return processing.Result{Status: processing.Success}
	}))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	s.Start(ctx)
	markAllHealthy(s)

	s.Submit("client-a", &event.Event{ID: "1", Priority: event.Normal})
	time.Sleep(10 * time.Millisecond)

	done := make(chan struct{})
	go func() {
		s.Shutdown(50 * time.Millisecond)
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatalf("Shutdown did not return within a reasonable wall-clock bound")
	}
	close(block)
}
