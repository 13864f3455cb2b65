// Package autoscaler implements the Autoscaler from spec §4.7: a
// periodic loop that measures aggregate load and adjusts the instance
// count within [min, max] under one of three sealed policies
// (TargetTracking, StepScaling, Predictive), honoring cooldown and
// logging every decision.
//
// Grounded on the teacher's scheduler.logDecision
// (control_plane/scheduler/scheduler.go) for the
// marshal-struct-to-one-JSON-line decision log, and its ticker-driven
// background loop shape (coordination.AgentMonitor) for the periodic
// evaluation task.
package autoscaler

import (
	"context"
	"encoding/json"
	"log"
	"math"
	"sync"
	"time"

	"github.com/benbjohnson/clock"

	"github.com/sentrygate/sentrygate/internal/metrics"
	"github.com/sentrygate/sentrygate/internal/registry"
)

// Policy is the sealed set of scaling-decision variants.
type Policy string

const (
	TargetTracking Policy = "target_tracking"
	StepScaling    Policy = "step_scaling"
	Predictive     Policy = "predictive"
)

// Action is one of None, ScaleUp, ScaleDown.
type Action string

const (
	None      Action = "none"
	ScaleUp   Action = "scale_up"
	ScaleDown Action = "scale_down"
)

// MetricsSnapshot is the per-evaluation aggregate from spec §4.7.
type MetricsSnapshot struct {
	Timestamp              time.Time
	AvgCPU                 float64
	AvgMemory              float64
	AvgResponseTime        time.Duration
	TotalThroughput        float64
	QueueDepth             int
	HighPriorityQueueDepth int
	ErrorRate              float64
	ActiveInstances        int

	CPUPressure   float64
	MemoryPressure float64
	QueuePressure  float64
}

// Decision is the ScalingDecision record from spec §3, kept for the
// last 100 decisions.
type Decision struct {
	Timestamp time.Time       `json:"timestamp"`
	Action    Action          `json:"action"`
	Count     int             `json:"count"`
	Reason    string          `json:"reason"`
	Snapshot  MetricsSnapshot `json:"metricsSnapshot"`
}

// QueueStats is the minimal view of EventQueue the autoscaler needs —
// kept as an interface so it doesn't import internal/queue directly and
// tests can supply a fake.
type QueueStats interface {
	Depth() (total, highPriority int)
}

// Config configures the autoscaler.
type Config struct {
	Policy                Policy
	MinInstances          int
	MaxInstances          int
	TargetCPU             float64
	TargetMemory          float64
	TargetQueueDepth      int
	TargetResponseTime    time.Duration
	MaxScaleOutStep       int
	MaxScaleInStep        int
	ScaleUpCooldown       time.Duration
	ScaleDownCooldown     time.Duration
	EvaluationInterval    time.Duration
	Clock                 clock.Clock
}

func (c Config) withDefaults() Config {
	if c.Policy == "" {
		c.Policy = TargetTracking
	}
	if c.MinInstances <= 0 {
		c.MinInstances = 2
	}
	if c.MaxInstances <= 0 {
		c.MaxInstances = 8
	}
	if c.TargetCPU <= 0 {
		c.TargetCPU = 70
	}
	if c.TargetMemory <= 0 {
		c.TargetMemory = 75
	}
	if c.TargetQueueDepth <= 0 {
		c.TargetQueueDepth = 500
	}
	if c.TargetResponseTime <= 0 {
		c.TargetResponseTime = time.Second
	}
	if c.MaxScaleOutStep <= 0 {
		c.MaxScaleOutStep = 2
	}
	if c.MaxScaleInStep <= 0 {
		c.MaxScaleInStep = 1
	}
	if c.ScaleUpCooldown <= 0 {
		c.ScaleUpCooldown = 60 * time.Second
	}
	if c.ScaleDownCooldown <= 0 {
		c.ScaleDownCooldown = 5 * time.Minute
	}
	if c.EvaluationInterval <= 0 {
		c.EvaluationInterval = 30 * time.Second
	}
	if c.Clock == nil {
		c.Clock = clock.New()
	}
	return c
}

// sample is one historical MetricsSnapshot, kept for the Predictive
// policy's linear-regression window. See SPEC_FULL.md §5: a bounded
// in-memory ring is the resolution of the "no historical store wired
// in" open question, not a new external dependency.
type sample struct {
	at   time.Time
	snap MetricsSnapshot
}

// ScaleUpFunc and ScaleDownFunc are supplied by the Supervisor: create-and-start or
// drain-and-stop N instances. The autoscaler only decides counts; the
// Supervisor performs the registry mutations so ownership (spec §3:
// "Instances are owned by the InstanceRegistry") is preserved.
type ScaleUpFunc func(ctx context.Context, count int) error
type ScaleDownFunc func(ctx context.Context, count int) error

// Autoscaler is the Autoscaler.
type Autoscaler struct {
	cfg      Config
	clock    clock.Clock
	registry *registry.Registry
	queue    QueueStats

	scaleUp   ScaleUpFunc
	scaleDown ScaleDownFunc

	mu              sync.Mutex
	lastScaleUpAt   time.Time
	lastScaleDownAt time.Time
	history         []sample
	decisions       []Decision

	stop chan struct{}
	wg   sync.WaitGroup
}

// New creates an Autoscaler.
func New(reg *registry.Registry, queue QueueStats, cfg Config, up ScaleUpFunc, down ScaleDownFunc) *Autoscaler {
	cfg = cfg.withDefaults()
	return &Autoscaler{
		cfg:       cfg,
		clock:     cfg.Clock,
		registry:  reg,
		queue:     queue,
		scaleUp:   up,
		scaleDown: down,
		stop:      make(chan struct{}),
	}
}

// Start runs the evaluation loop until ctx is cancelled or Stop is
// called.
func (a *Autoscaler) Start(ctx context.Context) {
	a.wg.Add(1)
	go a.loop(ctx)
}

// Stop halts the loop and waits for it to exit.
func (a *Autoscaler) Stop() {
	close(a.stop)
	a.wg.Wait()
}

func (a *Autoscaler) loop(ctx context.Context) {
	defer a.wg.Done()
	ticker := a.clock.Ticker(a.cfg.EvaluationInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-a.stop:
			return
		case <-ticker.C:
			a.Evaluate(ctx)
		}
	}
}

// Evaluate runs one evaluation cycle: snapshot, decide, act, log.
// Exported so tests and the supervisor can drive it deterministically
// without waiting on the ticker.
func (a *Autoscaler) Evaluate(ctx context.Context) Decision {
	snap := a.snapshot()

	a.mu.Lock()
	defer a.mu.Unlock()

	decision := a.decideLocked(snap)
	a.recordHistoryLocked(snap)
	a.applyLocked(ctx, decision)
	a.logLocked(decision)
	metrics.RecordScalingDecision(string(decision.Action), decision.Reason)
	return decision
}

func (a *Autoscaler) snapshot() MetricsSnapshot {
	instances := a.registry.RunningHealthy()
	var totalCPU, totalMem, totalRespTime, totalThroughput, totalErrorRate float64
	for _, inst := range instances {
		totalCPU += inst.LiveMetrics.CPUPercent
		totalMem += inst.LiveMetrics.MemoryPercent
		totalRespTime += float64(inst.LiveMetrics.AvgResponseTime)
		totalThroughput += inst.LiveMetrics.EventsProcessedPerSecond
		totalErrorRate += inst.LiveMetrics.ErrorRate
	}
	n := len(instances)
	snap := MetricsSnapshot{
		Timestamp:       a.clock.Now(),
		ActiveInstances: n,
		TotalThroughput: totalThroughput,
	}
	if n > 0 {
		snap.AvgCPU = totalCPU / float64(n)
		snap.AvgMemory = totalMem / float64(n)
		snap.AvgResponseTime = time.Duration(totalRespTime / float64(n))
		snap.ErrorRate = totalErrorRate / float64(n)
	}
	if a.queue != nil {
		snap.QueueDepth, snap.HighPriorityQueueDepth = a.queue.Depth()
	}
	snap.CPUPressure = min1(snap.AvgCPU / a.cfg.TargetCPU)
	snap.MemoryPressure = min1(snap.AvgMemory / a.cfg.TargetMemory)
	snap.QueuePressure = min1(float64(snap.QueueDepth) / 1000)
	return snap
}

func min1(v float64) float64 {
	if v > 1 {
		return 1
	}
	return v
}

// decideLocked implements the shared preconditions, the selected
// policy's scale-up rule, and the universal conservative scale-down
// rule, in that order, at most one action per evaluation.
func (a *Autoscaler) decideLocked(snap MetricsSnapshot) Decision {
	base := Decision{Timestamp: snap.Timestamp, Action: None, Snapshot: snap}

	if a.allDrainingLocked() {
		base.Reason = "all instances draining"
		return base
	}

	up := a.decideScaleUpLocked(snap)
	if up.Action == ScaleUp {
		if a.clock.Now().Sub(a.lastScaleUpAt) < a.cfg.ScaleUpCooldown && !a.lastScaleUpAt.IsZero() {
			base.Reason = "cooldown"
			return base
		}
		return up
	}
	if up.Reason == "at max instances" {
		return up
	}

	if down := a.decideScaleDownLocked(snap); down.Action == ScaleDown {
		if a.clock.Now().Sub(a.lastScaleDownAt) < a.cfg.ScaleDownCooldown && !a.lastScaleDownAt.IsZero() {
			base.Reason = "cooldown"
			return base
		}
		return down
	}

	base.Reason = "no breach"
	return base
}

func (a *Autoscaler) allDrainingLocked() bool {
	instances := a.registry.List()
	if len(instances) == 0 {
		return false
	}
	for _, inst := range instances {
		if inst.Status != registry.Draining {
			return false
		}
	}
	return true
}

func (a *Autoscaler) decideScaleUpLocked(snap MetricsSnapshot) Decision {
	current := snap.ActiveInstances

	var count int
	var reason string

	switch a.cfg.Policy {
	case TargetTracking:
		count, reason = a.targetTrackingLocked(snap, current)
	case StepScaling:
		count, reason = a.stepScalingLocked(snap)
	case Predictive:
		count, reason = a.predictiveLocked(snap)
	}

	if count <= 0 {
		return Decision{Action: None, Snapshot: snap, Timestamp: snap.Timestamp}
	}
	if current >= a.cfg.MaxInstances {
		return Decision{Action: None, Reason: "at max instances", Snapshot: snap, Timestamp: snap.Timestamp}
	}
	if count > a.cfg.MaxScaleOutStep {
		count = a.cfg.MaxScaleOutStep
	}
	if current+count > a.cfg.MaxInstances {
		count = a.cfg.MaxInstances - current
	}
	if count <= 0 {
		return Decision{Action: None, Snapshot: snap, Timestamp: snap.Timestamp}
	}
	return Decision{Action: ScaleUp, Count: count, Reason: reason, Snapshot: snap, Timestamp: snap.Timestamp}
}

func (a *Autoscaler) targetTrackingLocked(snap MetricsSnapshot, current int) (int, string) {
	factors := map[string]float64{}
	if snap.AvgCPU > a.cfg.TargetCPU {
		factors["cpu"] = snap.AvgCPU / a.cfg.TargetCPU
	}
	if snap.AvgMemory > a.cfg.TargetMemory {
		factors["memory"] = snap.AvgMemory / a.cfg.TargetMemory
	}
	if snap.QueueDepth > a.cfg.TargetQueueDepth {
		factors["queue_depth"] = float64(snap.QueueDepth) / float64(a.cfg.TargetQueueDepth)
	}
	if float64(snap.AvgResponseTime) > float64(a.cfg.TargetResponseTime) {
		factors["response_time"] = float64(snap.AvgResponseTime) / float64(a.cfg.TargetResponseTime)
	}
	if len(factors) == 0 {
		return 0, ""
	}
	maxFactor := 0.0
	reason := ""
	for metric, f := range factors {
		if f > maxFactor {
			maxFactor = f
			reason = metric
		}
	}
	want := int(math.Ceil(float64(current)*maxFactor)) - current
	return want, "target_tracking: " + reason + " breach"
}

func (a *Autoscaler) stepScalingLocked(snap MetricsSnapshot) (int, string) {
	breach := func(metric, target float64) float64 {
		if target == 0 {
			return 0
		}
		return (metric - target) / target
	}
	maxBreach := math.Max(
		breach(snap.AvgCPU, a.cfg.TargetCPU),
		math.Max(
			breach(snap.AvgMemory, a.cfg.TargetMemory),
			breach(float64(snap.QueueDepth), float64(a.cfg.TargetQueueDepth)),
		),
	)
	switch {
	case maxBreach > 0.5:
		return a.cfg.MaxScaleOutStep, "step_scaling: severe breach"
	case maxBreach > 0.2:
		step := a.cfg.MaxScaleOutStep / 2
		if step < 2 {
			step = 2
		}
		return step, "step_scaling: moderate breach"
	case maxBreach > 0:
		return 1, "step_scaling: minor breach"
	default:
		return 0, ""
	}
}

const (
	predictiveWindow       = 10 * time.Minute
	predictiveMinSamples   = 3
	predictiveQueueSlope   = 0.1
	predictiveCPUSlope     = 0.05
)

func (a *Autoscaler) predictiveLocked(snap MetricsSnapshot) (int, string) {
	cutoff := snap.Timestamp.Add(-predictiveWindow)
	var xs []float64
	var queueYs, cpuYs []float64
	for _, s := range a.history {
		if s.at.Before(cutoff) {
			continue
		}
		xs = append(xs, s.at.Sub(cutoff).Seconds())
		queueYs = append(queueYs, float64(s.snap.QueueDepth))
		cpuYs = append(cpuYs, s.snap.AvgCPU)
	}
	if len(xs) < predictiveMinSamples {
		return 0, ""
	}
	queueSlope := linearRegressionSlope(xs, queueYs)
	cpuSlope := linearRegressionSlope(xs, cpuYs)
	if queueSlope > predictiveQueueSlope && cpuSlope > predictiveCPUSlope {
		return 1, "predictive: rising queue and cpu trend"
	}
	return 0, ""
}

// linearRegressionSlope computes the least-squares slope of y over x.
func linearRegressionSlope(xs, ys []float64) float64 {
	n := float64(len(xs))
	if n == 0 {
		return 0
	}
	var sumX, sumY, sumXY, sumXX float64
	for i := range xs {
		sumX += xs[i]
		sumY += ys[i]
		sumXY += xs[i] * ys[i]
		sumXX += xs[i] * xs[i]
	}
	denom := n*sumXX - sumX*sumX
	if denom == 0 {
		return 0
	}
	return (n*sumXY - sumX*sumY) / denom
}

func (a *Autoscaler) decideScaleDownLocked(snap MetricsSnapshot) Decision {
	current := snap.ActiveInstances
	if current <= a.cfg.MinInstances {
		return Decision{Action: None, Snapshot: snap, Timestamp: snap.Timestamp}
	}

	conditions := 0
	if snap.AvgCPU < 0.7*a.cfg.TargetCPU {
		conditions++
	}
	if snap.AvgMemory < 0.7*a.cfg.TargetMemory {
		conditions++
	}
	if float64(snap.QueueDepth) < 0.5*float64(a.cfg.TargetQueueDepth) {
		conditions++
	}
	if conditions < 2 {
		return Decision{Action: None, Snapshot: snap, Timestamp: snap.Timestamp}
	}

	count := a.cfg.MaxScaleInStep
	if room := current - a.cfg.MinInstances; count > room {
		count = room
	}
	if count <= 0 {
		return Decision{Action: None, Snapshot: snap, Timestamp: snap.Timestamp}
	}
	return Decision{Action: ScaleDown, Count: count, Reason: "conservative scale-down: load below thresholds", Snapshot: snap, Timestamp: snap.Timestamp}
}

func (a *Autoscaler) recordHistoryLocked(snap MetricsSnapshot) {
	a.history = append(a.history, sample{at: snap.Timestamp, snap: snap})
	cutoff := snap.Timestamp.Add(-predictiveWindow)
	kept := a.history[:0]
	for _, s := range a.history {
		if s.at.After(cutoff) {
			kept = append(kept, s)
		}
	}
	a.history = kept
}

func (a *Autoscaler) applyLocked(ctx context.Context, d Decision) {
	switch d.Action {
	case ScaleUp:
		a.lastScaleUpAt = a.clock.Now()
		if a.scaleUp != nil {
			if err := a.scaleUp(ctx, d.Count); err != nil {
				log.Printf("autoscaler: scale up by %d failed: %v", d.Count, err)
			}
		}
	case ScaleDown:
		a.lastScaleDownAt = a.clock.Now()
		if a.scaleDown != nil {
			if err := a.scaleDown(ctx, d.Count); err != nil {
				log.Printf("autoscaler: scale down by %d failed: %v", d.Count, err)
			}
		}
	}

	a.decisions = append(a.decisions, d)
	if len(a.decisions) > 100 {
		a.decisions = a.decisions[len(a.decisions)-100:]
	}
}

func (a *Autoscaler) logLocked(d Decision) {
	b, _ := json.Marshal(d)
	log.Println(string(b))
}

// Decisions returns a copy of the last up-to-100 recorded decisions.
func (a *Autoscaler) Decisions() []Decision {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]Decision, len(a.decisions))
	copy(out, a.decisions)
	return out
}
