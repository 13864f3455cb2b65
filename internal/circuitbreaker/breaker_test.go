package circuitbreaker

import (
	"testing"
	"time"

	"github.com/benbjohnson/clock"
)

func TestOpensAfterThreshold(t *testing.T) {
	mock := clock.NewMock()
	b := New(Config{FailureThreshold: 3, Timeout: time.Second, Clock: mock})

	for i := 0; i < 3; i++ {
		if !b.CanExecute() {
			t.Fatalf("expected CanExecute true before threshold reached, iter %d", i)
		}
		b.RecordFailure()
	}

	if b.State() != Open {
		t.Fatalf("expected Open after %d failures, got %s", 3, b.State())
	}
	if b.CanExecute() {
		t.Fatal("expected CanExecute false while Open and before timeout")
	}
}

func TestHalfOpenExactlyAtTimeout(t *testing.T) {
	mock := clock.NewMock()
	b := New(Config{FailureThreshold: 1, Timeout: time.Second, Clock: mock})

	b.CanExecute()
	b.RecordFailure()
	if b.State() != Open {
		t.Fatalf("expected Open, got %s", b.State())
	}

	mock.Add(999 * time.Millisecond)
	if b.CanExecute() {
		t.Fatal("should not transition to HalfOpen before timeout elapses")
	}

	mock.Add(1 * time.Millisecond) // now exactly at timeout
	if !b.CanExecute() {
		t.Fatal("expected HalfOpen probe to be admitted once timeout has elapsed")
	}
	if b.State() != HalfOpen {
		t.Fatalf("expected HalfOpen, got %s", b.State())
	}
}

func TestHalfOpenPermitsExactlyOneProbe(t *testing.T) {
	mock := clock.NewMock()
	b := New(Config{FailureThreshold: 1, Timeout: time.Second, Clock: mock})
	b.CanExecute()
	b.RecordFailure()
	mock.Add(time.Second)

	if !b.CanExecute() {
		t.Fatal("expected first probe to be admitted")
	}
	if b.CanExecute() {
		t.Fatal("expected second concurrent probe to be rejected while one is in flight")
	}
}

func TestHalfOpenSuccessCloses(t *testing.T) {
	mock := clock.NewMock()
	b := New(Config{FailureThreshold: 1, Timeout: time.Second, Clock: mock})
	b.CanExecute()
	b.RecordFailure()
	mock.Add(time.Second)
	b.CanExecute()
	b.RecordSuccess()

	if b.State() != Closed {
		t.Fatalf("expected Closed after successful probe, got %s", b.State())
	}
	if b.Failures() != 0 {
		t.Fatalf("expected failure counter reset, got %d", b.Failures())
	}
}

func TestHalfOpenFailureReopens(t *testing.T) {
	mock := clock.NewMock()
	b := New(Config{FailureThreshold: 1, Timeout: time.Second, Clock: mock})
	b.CanExecute()
	b.RecordFailure()
	mock.Add(time.Second)
	b.CanExecute()
	b.RecordFailure()

	if b.State() != Open {
		t.Fatalf("expected Open after failed probe, got %s", b.State())
	}
}
