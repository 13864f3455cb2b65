// Package audit archives scaling decisions, instance health
// transitions, and dead-lettered events for later compliance
// reporting. It is a passive listener wired into the Supervisor's
// other components, never a path any of them depend on to function.
package audit

import (
	"context"
	"encoding/json"
	"time"

	"github.com/sentrygate/sentrygate/internal/autoscaler"
	"github.com/sentrygate/sentrygate/internal/queue"
	"github.com/sentrygate/sentrygate/internal/registry"
)

// RecordKind tags what a Record describes.
type RecordKind string

const (
	KindScalingDecision   RecordKind = "scaling_decision"
	KindHealthTransition  RecordKind = "health_transition"
	KindDeadLetteredEvent RecordKind = "dead_lettered_event"
)

// Record is one archived compliance entry. Detail carries the
// kind-specific payload pre-marshaled to JSON, matching the teacher's
// own "marshal once, log the line" style in scheduler.logDecision
// rather than a table-per-kind schema.
type Record struct {
	Kind     RecordKind
	Detail   json.RawMessage
	Recorded time.Time
}

// Sink persists Records. Implementations must not block the caller for
// long: all call sites are inside hot paths (autoscaler evaluation,
// health probe completion, queue dead-lettering) that cannot wait on a
// slow database indefinitely.
type Sink interface {
	Record(ctx context.Context, rec Record) error
}

// scalingDecisionDetail is the JSON payload for KindScalingDecision.
type scalingDecisionDetail struct {
	Action    autoscaler.Action `json:"action"`
	Count     int               `json:"count"`
	Reason    string            `json:"reason"`
	Timestamp time.Time         `json:"timestamp"`
}

// healthTransitionDetail is the JSON payload for KindHealthTransition.
type healthTransitionDetail struct {
	InstanceID string          `json:"instance_id"`
	Previous   registry.Health `json:"previous"`
	Current    registry.Health `json:"current"`
}

// deadLetterDetail is the JSON payload for KindDeadLetteredEvent.
type deadLetterDetail struct {
	EventID    string                 `json:"event_id"`
	Reason     queue.DeadLetterReason `json:"reason"`
	RetryCount int                    `json:"retry_count"`
	At         time.Time              `json:"at"`
}

// Recorder wires a Sink to the three sources it archives from. It owns
// no background loop of its own — every method is called synchronously
// from the source's own event, the same pattern the Supervisor already
// uses for registry.OnHealthChanged.
type Recorder struct {
	sink Sink
}

// New wraps sink in a Recorder. sink may be nil, in which case every
// recording call is a silent no-op — useful for deployments with no
// compliance backend configured.
func New(sink Sink) *Recorder {
	return &Recorder{sink: sink}
}

func (r *Recorder) record(ctx context.Context, kind RecordKind, detail interface{}) {
	if r == nil || r.sink == nil {
		return
	}
	data, err := json.Marshal(detail)
	if err != nil {
		return
	}
	// Best-effort: a compliance sink outage must never affect the
	// hot path that triggered the recording.
	_ = r.sink.Record(ctx, Record{Kind: kind, Detail: data, Recorded: time.Now()})
}

// RecordScalingDecision archives one autoscaler Decision.
func (r *Recorder) RecordScalingDecision(ctx context.Context, d autoscaler.Decision) {
	r.record(ctx, KindScalingDecision, scalingDecisionDetail{
		Action:    d.Action,
		Count:     d.Count,
		Reason:    d.Reason,
		Timestamp: d.Timestamp,
	})
}

// RecordHealthTransition archives one InstanceRegistry health change.
func (r *Recorder) RecordHealthTransition(ctx context.Context, instanceID string, previous, current registry.Health) {
	r.record(ctx, KindHealthTransition, healthTransitionDetail{
		InstanceID: instanceID,
		Previous:   previous,
		Current:    current,
	})
}

// RecordDeadLetter archives one EventQueue dead-letter entry.
func (r *Recorder) RecordDeadLetter(ctx context.Context, entry queue.DeadLetterEntry) {
	r.record(ctx, KindDeadLetteredEvent, deadLetterDetail{
		EventID:    entry.Event.ID,
		Reason:     entry.Reason,
		RetryCount: entry.Event.RetryCount,
		At:         entry.At,
	})
}
