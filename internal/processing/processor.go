// Package processing defines the pluggable processing backend from
// spec §6: "the worker invokes a pluggable Processor(event) → Result
// whose implementation is out of scope; the core only requires that the
// processor is idempotent under retry."
package processing

import (
	"context"

	"github.com/sentrygate/sentrygate/internal/event"
)

// Status is the processor's terminal verdict for one event.
type Status int

const (
	Success Status = iota
	RetryableFailure
	PermanentFailure
)

func (s Status) String() string {
	switch s {
	case Success:
		return "success"
	case RetryableFailure:
		return "retryable_failure"
	case PermanentFailure:
		return "permanent_failure"
	default:
		return "unknown"
	}
}

// Result is the outcome of one processing attempt.
type Result struct {
	Status Status
	Reason string
}

// Processor is implemented by the out-of-scope processing backend (log
// classification, scoring, correlation — per spec §1, everything past
// "the genuinely hard engineering [of] the event-processing runtime").
// Implementations must be idempotent under retry.
type Processor interface {
	Process(ctx context.Context, evt *event.Event, instanceID string) Result
}

// ProcessorFunc adapts a plain function to the Processor interface.
type ProcessorFunc func(ctx context.Context, evt *event.Event, instanceID string) Result

func (f ProcessorFunc) Process(ctx context.Context, evt *event.Event, instanceID string) Result {
	return f(ctx, evt, instanceID)
}
