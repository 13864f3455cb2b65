// Package circuitbreaker implements the three-state gate described in
// spec §4.2: Closed (traffic flows, failures counted), Open (traffic
// blocked until a cooldown elapses), HalfOpen (exactly one probe
// permitted before the gate decides to close or re-open).
//
// Grounded on the teacher's scheduler.CircuitBreaker (itskum47-FluxForge,
// control_plane/scheduler/circuit_breaker.go), generalized from its
// queue-depth/saturation admission check to the spec's plain
// CanExecute/RecordSuccess/RecordFailure contract and given an injected
// clock so the Open-to-HalfOpen transition is deterministically testable
// (spec §8: "Open → HalfOpen exactly when now − lastFailureAt == timeout;
// not before").
package circuitbreaker

import (
	"sync"
	"time"

	"github.com/benbjohnson/clock"
)

// State is one of Closed, Open, HalfOpen.
type State int

const (
	Closed State = iota
	Open
	HalfOpen
)

func (s State) String() string {
	switch s {
	case Closed:
		return "closed"
	case Open:
		return "open"
	case HalfOpen:
		return "half_open"
	default:
		return "unknown"
	}
}

// Config configures a Breaker's thresholds.
type Config struct {
	FailureThreshold int           // consecutive failures before opening
	Timeout          time.Duration // time in Open before a probe is allowed
	Clock            clock.Clock   // defaults to clock.New() if nil
}

// Breaker is a thread-safe circuit breaker guarding one outbound call
// site. Callers never block on it: CanExecute is a cheap, non-blocking
// check.
type Breaker struct {
	mu sync.Mutex

	clock  clock.Clock
	state  State
	failures int

	failureThreshold int
	timeout          time.Duration

	lastFailureAt time.Time
	probeInFlight bool // HalfOpen invariant: at most one outstanding probe
}

// New creates a Breaker in the Closed state.
func New(cfg Config) *Breaker {
	c := cfg.Clock
	if c == nil {
		c = clock.New()
	}
	threshold := cfg.FailureThreshold
	if threshold <= 0 {
		threshold = 5
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Breaker{
		clock:            c,
		state:            Closed,
		failureThreshold: threshold,
		timeout:          timeout,
	}
}

// CanExecute reports whether a call should be allowed through right now.
// In HalfOpen it hands out the single permitted probe and denies every
// other concurrent caller until that probe reports its outcome.
func (b *Breaker) CanExecute() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case Closed:
		return true
	case Open:
		if b.clock.Now().Sub(b.lastFailureAt) >= b.timeout {
			b.state = HalfOpen
			b.probeInFlight = true
			return true
		}
		return false
	case HalfOpen:
		if b.probeInFlight {
			return false
		}
		b.probeInFlight = true
		return true
	default:
		return false
	}
}

// RecordSuccess reports a successful call. In HalfOpen this closes the
// breaker and resets the failure counter; in Closed it resets the
// consecutive-failure count.
func (b *Breaker) RecordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case HalfOpen:
		b.state = Closed
		b.failures = 0
		b.probeInFlight = false
	case Closed:
		b.failures = 0
	}
}

// RecordFailure reports a failed call. A HalfOpen probe failure reopens
// the breaker immediately; a Closed failure increments the consecutive
// count and opens the breaker once the threshold is reached.
func (b *Breaker) RecordFailure() {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := b.clock.Now()

	switch b.state {
	case HalfOpen:
		b.state = Open
		b.lastFailureAt = now
		b.failures = b.failureThreshold
		b.probeInFlight = false
	case Closed:
		b.failures++
		if b.failures >= b.failureThreshold {
			b.state = Open
			b.lastFailureAt = now
		}
	case Open:
		b.lastFailureAt = now
	}
}

// State returns the current state without mutating it (does not perform
// the Open→HalfOpen transition that CanExecute does).
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Failures returns the current consecutive-failure count.
func (b *Breaker) Failures() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.failures
}
