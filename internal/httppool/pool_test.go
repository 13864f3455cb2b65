package httppool

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"

	"github.com/sentrygate/sentrygate/internal/event"
)

func newTestPool(t *testing.T, cfg Config) (*Pool, *clock.Mock) {
	t.Helper()
	mock := clock.NewMock()
	cfg.Clock = mock
	return newPool("test", cfg), mock
}

func TestReturnMakesClientAvailableAgain(t *testing.T) {
	p, _ := newTestPool(t, Config{MaxConnections: 2})

	h, err := p.Get(context.Background(), time.Second)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	before := p.Metrics().Available
	h.Return()
	after := p.Metrics()
	if after.InUse != 0 {
		t.Fatalf("expected 0 in use after return, got %d", after.InUse)
	}
	if after.Available != before+1 {
		t.Fatalf("expected available count to grow back by 1, got %d -> %d", before, after.Available)
	}
}

func TestOutstandingHandlesNeverExceedMax(t *testing.T) {
	p, _ := newTestPool(t, Config{MaxConnections: 2})

	h1, err := p.Get(context.Background(), time.Second)
	if err != nil {
		t.Fatalf("get 1: %v", err)
	}
	h2, err := p.Get(context.Background(), time.Second)
	if err != nil {
		t.Fatalf("get 2: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	if _, err := p.Get(ctx, 10*time.Millisecond); err == nil {
		t.Fatal("expected third concurrent Get to fail while pool is at capacity")
	}

	h1.Return()
	h2.Return()
}

func TestGetRejectsWhenCircuitOpen(t *testing.T) {
	p, _ := newTestPool(t, Config{MaxConnections: 2, CircuitBreakerThreshold: 1, CircuitBreakerTimeout: time.Minute})
	p.breaker.RecordFailure() // threshold 1: one failure opens it

	_, err := p.Get(context.Background(), time.Second)
	if err != ErrCircuitOpen {
		t.Fatalf("expected ErrCircuitOpen, got %v", err)
	}
}

func TestWarmUpCapsAtHalfMaxConnections(t *testing.T) {
	p, _ := newTestPool(t, Config{MaxConnections: 10})
	p.WarmUp(100)
	if got := p.Metrics().TotalClients; got != 5 {
		t.Fatalf("expected warmup capped at maxConnections/2=5, got %d", got)
	}
}

func TestRetriesOn5xxThenSucceeds(t *testing.T) {
	var mu sync.Mutex
	attempts := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		attempts++
		n := attempts
		mu.Unlock()
		if n < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	p, mock := newTestPool(t, Config{MaxConnections: 1, MaxRetries: 3})
	go func() {
		// Backoff waits are real clock.Timer waits on the mock; advance
		// time in the background so NextBackOff's wait resolves quickly.
		for i := 0; i < 10; i++ {
			mock.Add(2 * time.Second)
			time.Sleep(time.Millisecond)
		}
	}()

	h, err := p.Get(context.Background(), time.Second)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	defer h.Return()

	req, _ := http.NewRequest(http.MethodGet, srv.URL, nil)
	resp, err := h.Do(context.Background(), req, event.Critical)
	if err != nil {
		t.Fatalf("do: %v", err)
	}
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected eventual 200, got %d", resp.StatusCode)
	}
	if attempts != 3 {
		t.Fatalf("expected 3 attempts, got %d", attempts)
	}
}

func TestDoesNotRetryOn404(t *testing.T) {
	attempts := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		attempts++
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	p, _ := newTestPool(t, Config{MaxConnections: 1, MaxRetries: 3})
	h, err := p.Get(context.Background(), time.Second)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	defer h.Return()

	req, _ := http.NewRequest(http.MethodGet, srv.URL, nil)
	resp, err := h.Do(context.Background(), req, event.Normal)
	if err != nil {
		t.Fatalf("do: %v", err)
	}
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("expected 404 passed through, got %d", resp.StatusCode)
	}
	if attempts != 1 {
		t.Fatalf("expected exactly 1 attempt for a non-retryable 4xx, got %d", attempts)
	}
}

func TestUnhealthyHandleDiscardedOnReturn(t *testing.T) {
	p, _ := newTestPool(t, Config{MaxConnections: 1})
	h, err := p.Get(context.Background(), time.Second)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	h.MarkUnhealthy()
	h.Return()

	if got := p.Metrics().TotalClients; got != 0 {
		t.Fatalf("expected unhealthy client discarded, got %d total clients", got)
	}
}

func TestUnknownPoolWithoutAutoCreationFails(t *testing.T) {
	m := NewManager(ManagerConfig{EnableAutoPoolCreation: false})
	_, err := m.Get(context.Background(), "nope", time.Second)
	if err != ErrUnknownPool {
		t.Fatalf("expected ErrUnknownPool, got %v", err)
	}
}

func TestAutoPoolCreation(t *testing.T) {
	m := NewManager(ManagerConfig{
		EnableAutoPoolCreation: true,
		DefaultPoolConfig:      Config{MaxConnections: 2},
	})
	h, err := m.Get(context.Background(), "new-dest", time.Second)
	if err != nil {
		t.Fatalf("expected auto-created pool to serve Get, got %v", err)
	}
	h.Return()
}
