// Package supervisor implements the Supervisor from spec §4.8: the
// orchestration root that constructs EventQueue, InstanceRegistry,
// LoadBalancer, Autoscaler, HealthMonitor, HTTPClientPoolManager, and
// MetricsCollector, owns their background loops, and exposes exactly
// two operations upward: Submit and Shutdown.
//
// Grounded on the teacher's scheduler.Scheduler
// (control_plane/scheduler/scheduler.go) for the construct-everything-
// in-one-place, Start/Stop-owns-goroutines shape, and its worker loop
// for the Dequeue→process→record cycle — generalized from a single
// queue-draining worker to spec §5's "one worker per instance" model,
// with the LoadBalancer deciding which instance's identity and metrics
// a given dequeued event is attributed to (see DESIGN.md for why the
// balancer's role survives even though any free worker can pull the
// next event off the shared queue).
package supervisor

import (
	"context"
	"fmt"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"github.com/benbjohnson/clock"
	"golang.org/x/time/rate"

	"github.com/sentrygate/sentrygate/internal/audit"
	"github.com/sentrygate/sentrygate/internal/autoscaler"
	"github.com/sentrygate/sentrygate/internal/balancer"
	"github.com/sentrygate/sentrygate/internal/event"
	"github.com/sentrygate/sentrygate/internal/health"
	"github.com/sentrygate/sentrygate/internal/httppool"
	"github.com/sentrygate/sentrygate/internal/metrics"
	"github.com/sentrygate/sentrygate/internal/processing"
	"github.com/sentrygate/sentrygate/internal/queue"
	"github.com/sentrygate/sentrygate/internal/registry"
)

// SubmitResult is Accepted or Rejected(reason), per spec §4.8.
type SubmitResult struct {
	Accepted bool
	Reason   string
}

// AdmissionMode is the operator kill switch over Submit, supplemented
// from the teacher's own Pilot Kill Switch (scheduler.AdmissionMode):
// Normal accepts everything; Drain and Freeze both reject every new
// submission and do not affect events already queued or in flight.
type AdmissionMode int32

const (
	AdmissionNormal AdmissionMode = iota
	AdmissionDrain
	AdmissionFreeze
)

func (m AdmissionMode) String() string {
	switch m {
	case AdmissionDrain:
		return "drain"
	case AdmissionFreeze:
		return "freeze"
	default:
		return "normal"
	}
}

// Config bundles every component's configuration plus the pieces only
// the Supervisor can supply: retry limit, the instance endpoint
// factory, admission shaping, and the optional audit sink.
type Config struct {
	Queue      queue.Config
	Balancer   balancer.Config
	Autoscaler autoscaler.Config
	Health     health.Config
	HTTPPool   httppool.ManagerConfig
	Metrics    metrics.Config
	MaxRetries int

	// SubmitRateLimit and SubmitBurst configure the per-submitter token
	// bucket admission shaping ahead of EventQueue.Enqueue (SPEC_FULL.md
	// §3); zero disables shaping.
	SubmitRateLimit rate.Limit
	SubmitBurst     int

	// NewInstanceEndpoint returns the health-probe endpoint for a newly
	// created instance. Left to the caller since endpoint allocation
	// (ports, service discovery) is outside the core's scope.
	NewInstanceEndpoint func(instanceID string) string

	// Audit, if non-nil, receives scaling decisions, health
	// transitions, and dead-lettered events for compliance archival.
	// Nil skips recording entirely.
	Audit audit.Sink

	Clock clock.Clock
}

func (c Config) withDefaults() Config {
	if c.MaxRetries <= 0 {
		c.MaxRetries = 3
	}
	if c.Autoscaler.MinInstances <= 0 {
		c.Autoscaler.MinInstances = 2
	}
	if c.NewInstanceEndpoint == nil {
		c.NewInstanceEndpoint = func(string) string { return "" }
	}
	if c.Clock == nil {
		c.Clock = clock.New()
	}
	return c
}

// Supervisor owns every core component and exposes Submit/Shutdown.
type Supervisor struct {
	cfg   Config
	clock clock.Clock

	queue     *queue.Queue
	registry  *registry.Registry
	balancer  *balancer.Balancer
	autoscl   *autoscaler.Autoscaler
	healthMon *health.Monitor
	pools     *httppool.Manager
	collector *metrics.Collector
	processor processing.Processor
	audit     *audit.Recorder

	limiterMu sync.Mutex
	limiters  map[string]*rate.Limiter

	workersMu sync.Mutex
	workers   map[string]context.CancelFunc
	workersWg sync.WaitGroup

	minInstances  int
	admissionMode atomic.Int32
}

// New constructs a Supervisor and every component it owns, but starts
// nothing — call Start to run the background loops.
func New(cfg Config, processor processing.Processor) *Supervisor {
	cfg = cfg.withDefaults()
	clk := cfg.Clock

	cfg.Queue.Clock = clk
	cfg.Queue.DeadLetterEnabled = true
	q := queue.New(cfg.Queue, queue.Listeners{
		OnEventEnqueued: func(evt *event.Event) { metrics.RecordEnqueued() },
	})

	reg := registry.New(clk)

	cfg.Balancer.Clock = clk
	lb := balancer.New(reg, cfg.Balancer)

	cfg.Health.Clock = clk
	hm := health.New(reg, cfg.Health)

	cfg.HTTPPool.DefaultPoolConfig.Clock = clk
	pools := httppool.NewManager(cfg.HTTPPool)

	s := &Supervisor{
		cfg:          cfg,
		clock:        clk,
		queue:        q,
		registry:     reg,
		balancer:     lb,
		healthMon:    hm,
		pools:        pools,
		processor:    processor,
		audit:        audit.New(cfg.Audit),
		limiters:     make(map[string]*rate.Limiter),
		workers:      make(map[string]context.CancelFunc),
		minInstances: cfg.Autoscaler.MinInstances,
	}

	cfg.Autoscaler.Clock = clk
	s.autoscl = autoscaler.New(reg, queueDepthAdapter{q}, cfg.Autoscaler, s.scaleUp, s.scaleDown)

	cfg.Metrics.Clock = clk
	s.collector = metrics.New(s, nil, cfg.Metrics)

	// Per REDESIGN FLAG (SPEC_FULL.md §6): a new instance counts toward
	// capacity only after its first Healthy probe, never synchronously
	// on creation. No explicit promotion step exists: the autoscaler's
	// snapshot counts ActiveInstances from RunningHealthy(), which filters
	// on Health==Healthy. The handler below only logs and audits each
	// transition.
	reg.OnHealthChanged(func(instanceID string, old, updated registry.Health) {
		log.Printf("supervisor: instance %s health %s -> %s", instanceID, old, updated)
		s.audit.RecordHealthTransition(context.Background(), instanceID, old, updated)
	})

	return s
}

type queueDepthAdapter struct{ q *queue.Queue }

func (a queueDepthAdapter) Depth() (total, highPriority int) {
	m := a.q.Metrics()
	return m.CurrentSize, 0
}

// Start runs every background loop: autoscaler evaluation, health
// probing, metrics collection.
func (s *Supervisor) Start(ctx context.Context) {
	for i := 0; i < s.minInstances; i++ {
		if _, err := s.createInstance(ctx); err != nil {
			log.Printf("supervisor: failed to create initial instance: %v", err)
		}
	}
	s.healthMon.Start(ctx)
	s.autoscl.Start(ctx)
	s.collector.Start(ctx)
}

// Submit delegates to EventQueue.Enqueue per spec §4.8, after optional
// per-submitter admission shaping. Rejection is reported when the
// admission mode is not Normal, when the submitter's rate limit is
// exceeded, or when the queue is full.
func (s *Supervisor) Submit(submitterKey string, evt *event.Event) SubmitResult {
	if mode := s.AdmissionMode(); mode != AdmissionNormal {
		return SubmitResult{Accepted: false, Reason: "admission_" + mode.String()}
	}

	if s.cfg.SubmitRateLimit > 0 && !s.allow(submitterKey) {
		return SubmitResult{Accepted: false, Reason: "rate_limited"}
	}

	err := s.queue.Enqueue(evt, evt.Priority)
	if err != nil {
		metrics.RecordDropped()
		return SubmitResult{Accepted: false, Reason: "queue_full"}
	}
	return SubmitResult{Accepted: true}
}

// SetAdmissionMode switches the operator kill switch.
func (s *Supervisor) SetAdmissionMode(mode AdmissionMode) {
	s.admissionMode.Store(int32(mode))
}

// AdmissionMode returns the current kill-switch setting.
func (s *Supervisor) AdmissionMode() AdmissionMode {
	return AdmissionMode(s.admissionMode.Load())
}

func (s *Supervisor) allow(key string) bool {
	s.limiterMu.Lock()
	defer s.limiterMu.Unlock()
	l, ok := s.limiters[key]
	if !ok {
		l = rate.NewLimiter(s.cfg.SubmitRateLimit, s.cfg.SubmitBurst)
		s.limiters[key] = l
	}
	return l.Allow()
}

// Shutdown stops the autoscaler, drains all instances, cancels every
// worker so none dequeues further, and returns once all in-flight work
// finishes or the deadline elapses, whichever comes first. The queue
// itself is not closed: Dequeue still serves any other caller. Per spec §4.8, surviving
// events remain in the queue for external inspection.
func (s *Supervisor) Shutdown(deadline time.Duration) {
	s.autoscl.Stop()
	s.healthMon.Stop()
	s.collector.Stop()

	for _, inst := range s.registry.List() {
		s.registry.Drain(inst.ID)
	}

	s.workersMu.Lock()
	for _, cancel := range s.workers {
		cancel()
	}
	s.workersMu.Unlock()

	done := make(chan struct{})
	go func() {
		s.workersWg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-s.clock.After(deadline):
		log.Printf("supervisor: shutdown deadline elapsed with workers still in flight")
	}

	s.pools.Shutdown()
}

// scaleUp is the autoscaler.ScaleUpFunc: create, start, and wait for the
// first Healthy probe before the instance is visible to the balancer —
// RunningHealthy() naturally excludes it until then, so "waiting" here
// just means spawning the worker goroutine without blocking the caller.
func (s *Supervisor) scaleUp(ctx context.Context, count int) error {
	s.audit.RecordScalingDecision(ctx, autoscaler.Decision{
		Action: autoscaler.ScaleUp, Count: count, Timestamp: s.clock.Now(),
	})
	for i := 0; i < count; i++ {
		if _, err := s.createInstance(ctx); err != nil {
			return err
		}
	}
	return nil
}

func (s *Supervisor) createInstance(ctx context.Context) (*registry.Instance, error) {
	// The registry assigns the instance ID, so the endpoint factory only
	// ever sees the empty string — callers that need ID-addressed
	// endpoints (e.g. Kubernetes pod DNS) resolve them out of band from
	// the ID the registry hands back, same as the teacher's own
	// placeholder address assignment in scheduler.RegisterNode.
	inst := s.registry.Create(s.cfg.NewInstanceEndpoint(""), 1)
	if err := s.registry.Start(inst.ID); err != nil {
		return nil, fmt.Errorf("supervisor: starting instance %s: %w", inst.ID, err)
	}
	s.startWorker(ctx, inst.ID)
	return inst, nil
}

// scaleDown is the autoscaler.ScaleDownFunc: drain, cancel the
// instance's worker, stop, remove. It does not wait for the cancelled
// worker's in-flight event; that event goes through the cancellation
// path in handle.
func (s *Supervisor) scaleDown(ctx context.Context, count int) error {
	s.audit.RecordScalingDecision(ctx, autoscaler.Decision{
		Action: autoscaler.ScaleDown, Count: count, Timestamp: s.clock.Now(),
	})
	candidates := s.registry.RunningHealthy()
	sortLeastBusy(candidates)

	for i := 0; i < count && i < len(candidates); i++ {
		id := candidates[i].ID
		if err := s.registry.Drain(id); err != nil {
			return err
		}
		s.stopWorker(id)
		if err := s.registry.Stop(id); err != nil {
			return err
		}
		if err := s.registry.Remove(id); err != nil {
			return err
		}
	}
	return nil
}

// sortLeastBusy orders instances ascending by EventsProcessedPerSecond
// so the least busy ones drain first, per spec §4.7.
func sortLeastBusy(instances []registry.Instance) {
	for i := 1; i < len(instances); i++ {
		for j := i; j > 0 && instances[j].LiveMetrics.EventsProcessedPerSecond < instances[j-1].LiveMetrics.EventsProcessedPerSecond; j-- {
			instances[j], instances[j-1] = instances[j-1], instances[j]
		}
	}
}

func (s *Supervisor) startWorker(ctx context.Context, instanceID string) {
	workerCtx, cancel := context.WithCancel(ctx)
	s.workersMu.Lock()
	s.workers[instanceID] = cancel
	s.workersMu.Unlock()

	s.workersWg.Add(1)
	go func() {
		defer s.workersWg.Done()
		s.runWorker(workerCtx, instanceID)
	}()
}

func (s *Supervisor) stopWorker(instanceID string) {
	s.workersMu.Lock()
	cancel, ok := s.workers[instanceID]
	delete(s.workers, instanceID)
	s.workersMu.Unlock()
	if ok {
		cancel()
	}
}

const dequeueTimeout = time.Second

// runWorker is a concurrency slot, not a fixed instance's processing
// loop: it pulls whatever the queue yields next and asks the balancer
// which Running+Healthy instance that unit of work belongs to. The
// instance this worker was spawned alongside only sets how many slots
// exist, per spec §4.7's "one worker per instance" capacity rule — it
// does not pin this goroutine to that instance's identity.
func (s *Supervisor) runWorker(ctx context.Context, _ string) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		evt, err := s.queue.Dequeue(ctx, dequeueTimeout)
		if err == queue.ErrTimeout {
			continue
		}
		if err == queue.ErrCancelled {
			return
		}
		if err != nil {
			continue
		}

		s.handle(ctx, evt)
	}
}

func (s *Supervisor) handle(ctx context.Context, evt *event.Event) {
	inst, err := s.balancer.Pick("")
	if err != nil {
		s.requeueOrDeadLetter(ctx, evt, queue.ReasonNoCapacity)
		return
	}

	start := s.clock.Now()
	result := s.processor.Process(ctx, evt, inst.ID)
	elapsed := s.clock.Now().Sub(start)
	metrics.RecordProcessingDuration(elapsed)

	// Cancellation (worker shutdown mid-Process) takes priority over
	// whatever Result the processor returned: per spec §1, a cancelled
	// event is marked failed with reason cancelled and requeued, never
	// silently dropped. context.Background() is used from here on since
	// ctx itself is already done — both the requeue and, on exhausted
	// retries, the audit record must still go through.
	if ctx.Err() != nil {
		s.requeueOrDeadLetter(context.Background(), evt, queue.ReasonCancelled)
		return
	}

	switch result.Status {
	case processing.Success:
		return
	case processing.RetryableFailure:
		s.requeueOrDeadLetter(ctx, evt, queue.ReasonRetriesExhausted)
	case processing.PermanentFailure:
		s.deadLetter(ctx, evt, queue.ReasonProcessingPermanent)
	}
}

func (s *Supervisor) deadLetter(ctx context.Context, evt *event.Event, reason queue.DeadLetterReason) {
	at := s.clock.Now()
	s.queue.DeadLetter(evt, reason)
	s.audit.RecordDeadLetter(ctx, queue.DeadLetterEntry{Event: evt, Reason: reason, At: at})
}

// requeueOrDeadLetter implements the retryCount > maxRetries rule
// shared by the NoCapacity and ProcessingRetryable error kinds (spec
// §6/§7).
func (s *Supervisor) requeueOrDeadLetter(ctx context.Context, evt *event.Event, reason queue.DeadLetterReason) {
	evt.RetryCount++
	if evt.RetryCount > s.cfg.MaxRetries {
		s.deadLetter(ctx, evt, reason)
		return
	}
	if err := s.queue.Enqueue(evt, evt.Priority); err != nil {
		s.deadLetter(ctx, evt, reason)
	}
}

// CollectSnapshot implements metrics.Source.
func (s *Supervisor) CollectSnapshot() metrics.Snapshot {
	qm := s.queue.Metrics()
	snap := metrics.Snapshot{
		Timestamp: s.clock.Now(),
		Queue: metrics.QueueSnapshot{
			CurrentSize:    qm.CurrentSize,
			UtilizationPct: qm.UtilizationPercent,
			DeadLetterSize: qm.DeadLetterSize,
			TotalEnqueued:  qm.TotalEnqueued,
			TotalDropped:   qm.TotalDropped,
		},
		Instances: metrics.InstanceCounts{},
	}
	for _, inst := range s.registry.List() {
		key := [2]string{string(inst.Status), string(inst.Health)}
		snap.Instances[key]++
	}
	for name, pm := range s.pools.Metrics() {
		snap.Pools = append(snap.Pools, metrics.PoolSnapshot{
			Name:           name,
			UtilizationPct: pm.UtilizationPct,
			BreakerState:   int(pm.BreakerState),
		})
	}
	return snap
}

// Queue, Registry, Autoscaler, and HTTPPools expose read access to the owned components for the admin HTTP surface
// (internal/httpapi) without giving up ownership — spec §3's "external
// code only obtains a read handle."
func (s *Supervisor) Queue() *queue.Queue                { return s.queue }
func (s *Supervisor) Registry() *registry.Registry       { return s.registry }
func (s *Supervisor) Autoscaler() *autoscaler.Autoscaler { return s.autoscl }
func (s *Supervisor) HTTPPools() *httppool.Manager       { return s.pools }
