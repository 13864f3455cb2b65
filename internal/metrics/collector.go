// Package metrics implements the MetricsCollector from spec §2/§6: a
// sink that receives structured metric snapshots from every component
// on a timer and publishes them. The spec leaves transport to the
// implementer; SentryGate chooses Prometheus, following the teacher
// exactly.
//
// Grounded on the teacher's observability/metrics.go (promauto gauge/
// counter/histogram definitions) and control_plane/main.go's periodic
// telemetry collector goroutine.
package metrics

import (
	"context"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	queueDepth = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "sentrygate_queue_depth",
		Help: "Current number of events in the priority queue",
	})
	queueUtilization = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "sentrygate_queue_utilization_percent",
		Help: "Queue size as a percentage of its configured maximum",
	})
	queueDeadLetterSize = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "sentrygate_queue_dead_letter_size",
		Help: "Current number of entries in the dead-letter ring",
	})
	eventsEnqueuedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "sentrygate_events_enqueued_total",
		Help: "Total events accepted into the queue",
	})
	eventsDroppedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "sentrygate_events_dropped_total",
		Help: "Total events dropped because the queue was full",
	})

	instanceCount = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "sentrygate_instances",
		Help: "Number of instances by status and health",
	}, []string{"status", "health"})

	poolUtilization = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "sentrygate_http_pool_utilization_percent",
		Help: "HTTP client pool utilization by pool name",
	}, []string{"pool"})
	poolBreakerState = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "sentrygate_http_pool_breaker_state",
		Help: "HTTP client pool circuit breaker state (0=closed,1=open,2=half_open)",
	}, []string{"pool"})

	scalingDecisionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "sentrygate_scaling_decisions_total",
		Help: "Total autoscaler decisions by action and reason",
	}, []string{"action", "reason"})

	processingDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "sentrygate_event_processing_duration_seconds",
		Help:    "Duration of one event's processing, from dequeue to terminal outcome",
		Buckets: prometheus.DefBuckets,
	})
)

// QueueSnapshot is the subset of queue metrics published each tick.
type QueueSnapshot struct {
	CurrentSize     int
	UtilizationPct  float64
	DeadLetterSize  int
	TotalEnqueued   uint64
	TotalDropped    uint64
}

// InstanceCounts is a status/health cross-tab of the registry.
type InstanceCounts map[[2]string]int

// PoolSnapshot is one named pool's utilization/breaker state.
type PoolSnapshot struct {
	Name           string
	UtilizationPct float64
	BreakerState   int
}

// Snapshot is the structured record published per tick, matching the
// spec's "Metrics sink contract".
type Snapshot struct {
	Timestamp time.Time
	Queue     QueueSnapshot
	Instances InstanceCounts
	Pools     []PoolSnapshot
}

// Source supplies one Snapshot; the Supervisor implements this by
// reading its owned components. Kept as an interface so the collector
// doesn't import queue/registry/httppool directly.
type Source interface {
	CollectSnapshot() Snapshot
}

// Publisher receives every published snapshot in addition to the
// built-in Prometheus export — the spec's optional external metrics
// sink callback.
type Publisher func(Snapshot)

// Collector is the MetricsCollector.
type Collector struct {
	clock     clock.Clock
	interval  time.Duration
	source    Source
	publisher Publisher

	stop chan struct{}
	wg   sync.WaitGroup
}

// Config configures the collector.
type Config struct {
	Interval time.Duration
	Clock    clock.Clock
}

func (c Config) withDefaults() Config {
	if c.Interval <= 0 {
		c.Interval = 15 * time.Second
	}
	if c.Clock == nil {
		c.Clock = clock.New()
	}
	return c
}

// New creates a Collector. publisher may be nil if no external sink is
// wired (Prometheus export still happens via the package-level
// registry).
func New(source Source, publisher Publisher, cfg Config) *Collector {
	cfg = cfg.withDefaults()
	return &Collector{
		clock:     cfg.Clock,
		interval:  cfg.Interval,
		source:    source,
		publisher: publisher,
		stop:      make(chan struct{}),
	}
}

// Start runs the collection loop until ctx is cancelled or Stop is
// called.
func (c *Collector) Start(ctx context.Context) {
	c.wg.Add(1)
	go c.loop(ctx)
}

// Stop halts the loop and waits for it to exit.
func (c *Collector) Stop() {
	close(c.stop)
	c.wg.Wait()
}

func (c *Collector) loop(ctx context.Context) {
	defer c.wg.Done()
	ticker := c.clock.Ticker(c.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-c.stop:
			return
		case <-ticker.C:
			c.Collect()
		}
	}
}

// Collect runs one tick: pull a snapshot from the source, export it to
// Prometheus, and forward it to the external publisher if one is wired.
// Exported so tests and the supervisor can drive it without the ticker.
func (c *Collector) Collect() Snapshot {
	snap := c.source.CollectSnapshot()
	c.exportPrometheus(snap)
	if c.publisher != nil {
		c.publisher(snap)
	}
	return snap
}

func (c *Collector) exportPrometheus(snap Snapshot) {
	queueDepth.Set(float64(snap.Queue.CurrentSize))
	queueUtilization.Set(snap.Queue.UtilizationPct)
	queueDeadLetterSize.Set(float64(snap.Queue.DeadLetterSize))

	instanceCount.Reset()
	for key, count := range snap.Instances {
		instanceCount.WithLabelValues(key[0], key[1]).Set(float64(count))
	}

	poolUtilization.Reset()
	poolBreakerState.Reset()
	for _, p := range snap.Pools {
		poolUtilization.WithLabelValues(p.Name).Set(p.UtilizationPct)
		poolBreakerState.WithLabelValues(p.Name).Set(float64(p.BreakerState))
	}
}

// RecordEnqueued, RecordDropped, RecordScalingDecision, and
// RecordProcessingDuration are called directly by the components that
// own the underlying event, rather than inferred from a snapshot —
// spec §9's "observer callbacks ... executed after the state commit"
// applies to counters the same way it applies to OnHealthChanged.

// RecordEnqueued increments the enqueue counter.
func RecordEnqueued() { eventsEnqueuedTotal.Inc() }

// RecordDropped increments the drop counter.
func RecordDropped() { eventsDroppedTotal.Inc() }

// RecordScalingDecision increments the labeled scaling-decision counter.
func RecordScalingDecision(action, reason string) {
	scalingDecisionsTotal.WithLabelValues(action, reason).Inc()
}

// RecordProcessingDuration observes one event's end-to-end processing
// time.
func RecordProcessingDuration(d time.Duration) {
	processingDuration.Observe(d.Seconds())
}
