// Package health implements the HealthMonitor from spec §4.5: a
// periodic prober that checks each instance's HTTP health endpoint and
// live metrics, then classifies it Healthy/Degraded/Unhealthy/Unknown
// by a moving-window rule.
//
// Grounded on the teacher's coordination.AgentMonitor
// (control_plane/coordination/agent_monitor.go) for the ticker-driven
// "loop once per interval, never abort on a single failure" background
// task shape, generalized from liveness checking to the richer
// probe-then-classify contract the spec requires.
package health

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/benbjohnson/clock"

	"github.com/sentrygate/sentrygate/internal/registry"
)

// Sample is one probe result, per spec's HealthSample entity.
type Sample struct {
	InstanceID string
	Timestamp  time.Time
	IsHealthy  bool
	RespTime   time.Duration
	HTTPStatus int
	Err        string
	Detail     map[string]any
}

// history is the per-instance ring of samples plus the two streak
// counters used by the overall-health rule. The counters reset on state
// flip, per the spec's HealthHistory entity.
type history struct {
	samples              []Sample
	consecutiveFailures  int
	consecutiveSuccesses int
}

// AlertThresholds are the five metric breach limits from spec §6.
type AlertThresholds struct {
	CPUPercent      float64
	MemoryPercent   float64
	ErrorRate       float64
	ResponseTime    time.Duration
	QueueDepth      int
}

func defaultThresholds() AlertThresholds {
	return AlertThresholds{
		CPUPercent:    85,
		MemoryPercent: 90,
		ErrorRate:     0.10,
		ResponseTime:  2 * time.Second,
		QueueDepth:    5000,
	}
}

// Config configures the monitor.
type Config struct {
	CheckInterval    time.Duration
	ProbeTimeout     time.Duration
	HistoryWindow    time.Duration
	FailureThreshold int
	SuccessThreshold int
	Thresholds       AlertThresholds
	Clock            clock.Clock
	HTTPClient       *http.Client
}

func (c Config) withDefaults() Config {
	if c.CheckInterval <= 0 {
		c.CheckInterval = 30 * time.Second
	}
	if c.ProbeTimeout <= 0 {
		c.ProbeTimeout = 10 * time.Second
	}
	if c.HistoryWindow <= 0 {
		c.HistoryWindow = 30 * time.Minute
	}
	if c.FailureThreshold <= 0 {
		c.FailureThreshold = 3
	}
	if c.SuccessThreshold <= 0 {
		c.SuccessThreshold = 2
	}
	if c.Thresholds == (AlertThresholds{}) {
		c.Thresholds = defaultThresholds()
	}
	if c.Clock == nil {
		c.Clock = clock.New()
	}
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{}
	}
	return c
}

// Monitor is the HealthMonitor.
type Monitor struct {
	cfg      Config
	clock    clock.Clock
	registry *registry.Registry

	mu         sync.Mutex
	histories  map[string]*history

	stop chan struct{}
	wg   sync.WaitGroup
}

// New creates a Monitor bound to a Registry it will update.
func New(reg *registry.Registry, cfg Config) *Monitor {
	cfg = cfg.withDefaults()
	return &Monitor{
		cfg:       cfg,
		clock:     cfg.Clock,
		registry:  reg,
		histories: make(map[string]*history),
		stop:      make(chan struct{}),
	}
}

// Start runs the probe loop until ctx is cancelled or Stop is called.
func (m *Monitor) Start(ctx context.Context) {
	m.wg.Add(1)
	go m.loop(ctx)
}

// Stop halts the background loop and waits for it to exit.
func (m *Monitor) Stop() {
	close(m.stop)
	m.wg.Wait()
}

func (m *Monitor) loop(ctx context.Context) {
	defer m.wg.Done()
	ticker := m.clock.Ticker(m.cfg.CheckInterval)
	defer ticker.Stop()

	log.Printf("health: starting monitor (interval=%v, timeout=%v)", m.cfg.CheckInterval, m.cfg.ProbeTimeout)

	for {
		select {
		case <-ctx.Done():
			return
		case <-m.stop:
			return
		case <-ticker.C:
			m.probeAll(ctx)
		}
	}
}

func (m *Monitor) probeAll(ctx context.Context) {
	for _, inst := range m.registry.List() {
		m.probeOne(ctx, inst)
	}
}

// ProbeOne runs a single probe-classify-commit cycle for one instance.
// Exported so tests and the supervisor can drive probes without waiting
// on the ticker.
func (m *Monitor) ProbeOne(ctx context.Context, inst registry.Instance) {
	m.probeOne(ctx, inst)
}

func (m *Monitor) probeOne(ctx context.Context, inst registry.Instance) {
	sample := m.probe(ctx, inst)
	sample = m.applyThresholds(sample, inst.LiveMetrics)

	m.mu.Lock()
	h, ok := m.histories[inst.ID]
	if !ok {
		h = &history{}
		m.histories[inst.ID] = h
	}
	h.samples = append(h.samples, sample)
	m.pruneLocked(h)

	if sample.IsHealthy {
		h.consecutiveSuccesses++
		h.consecutiveFailures = 0
	} else {
		h.consecutiveFailures++
		h.consecutiveSuccesses = 0
	}

	newHealth := overallHealth(h, m.cfg, m.clock.Now())
	m.mu.Unlock()

	if err := m.registry.UpdateHealth(inst.ID, newHealth); err != nil {
		log.Printf("health: updating health for %s: %v", inst.ID, err)
	}
}

// probe issues the HTTP GET, if an endpoint is configured, and reports a
// Sample that never panics or propagates the error upward — a probe
// exception is itself just an unhealthy sample (spec §4.5 failure
// semantics).
func (m *Monitor) probe(ctx context.Context, inst registry.Instance) Sample {
	sample := Sample{InstanceID: inst.ID, Timestamp: m.clock.Now()}

	if inst.Endpoint == "" {
		sample.IsHealthy = true
		return sample
	}

	reqCtx, cancel := context.WithTimeout(ctx, m.cfg.ProbeTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(reqCtx, http.MethodGet, inst.Endpoint, nil)
	if err != nil {
		sample.Err = err.Error()
		return sample
	}

	start := m.clock.Now()
	resp, err := m.cfg.HTTPClient.Do(req)
	sample.RespTime = m.clock.Now().Sub(start)
	if err != nil {
		sample.Err = err.Error()
		return sample
	}
	defer resp.Body.Close()
	sample.HTTPStatus = resp.StatusCode

	body, _ := io.ReadAll(resp.Body)
	detail := map[string]any{}
	if err := json.Unmarshal(body, &detail); err != nil {
		detail["rawResponse"] = string(body)
	}
	sample.Detail = detail

	sample.IsHealthy = resp.StatusCode >= 200 && resp.StatusCode < 300
	if !sample.IsHealthy {
		sample.Err = fmt.Sprintf("non-2xx status %d", resp.StatusCode)
	}
	return sample
}

// applyThresholds marks a sample unhealthy if any of the five live
// metrics breach their alert threshold, independent of the HTTP probe
// outcome.
func (m *Monitor) applyThresholds(sample Sample, live registry.Metrics) Sample {
	breaches := []string{}
	t := m.cfg.Thresholds
	if live.CPUPercent > t.CPUPercent {
		breaches = append(breaches, "cpu")
	}
	if live.MemoryPercent > t.MemoryPercent {
		breaches = append(breaches, "memory")
	}
	if live.ErrorRate > t.ErrorRate {
		breaches = append(breaches, "error_rate")
	}
	if live.AvgResponseTime > t.ResponseTime {
		breaches = append(breaches, "response_time")
	}
	if live.QueueDepth > t.QueueDepth {
		breaches = append(breaches, "queue_depth")
	}
	if len(breaches) > 0 {
		sample.IsHealthy = false
		if sample.Detail == nil {
			sample.Detail = map[string]any{}
		}
		sample.Detail["thresholdBreaches"] = breaches
	}
	return sample
}

func (m *Monitor) pruneLocked(h *history) {
	cutoff := m.clock.Now().Add(-m.cfg.HistoryWindow)
	kept := h.samples[:0]
	for _, s := range h.samples {
		if s.Timestamp.After(cutoff) {
			kept = append(kept, s)
		}
	}
	h.samples = kept
}

// overallHealth applies spec §4.5's ordered rule.
func overallHealth(h *history, cfg Config, now time.Time) registry.Health {
	if h.consecutiveFailures >= cfg.FailureThreshold {
		return registry.Unhealthy
	}
	if h.consecutiveSuccesses >= cfg.SuccessThreshold {
		return registry.Healthy
	}

	cutoff := now.Add(-5 * time.Minute)
	var total, healthy int
	for _, s := range h.samples {
		if s.Timestamp.After(cutoff) {
			total++
			if s.IsHealthy {
				healthy++
			}
		}
	}
	if total == 0 {
		return registry.Unknown
	}
	ratio := float64(healthy) / float64(total)
	switch {
	case ratio >= 0.8:
		return registry.Healthy
	case ratio >= 0.5:
		return registry.Degraded
	default:
		return registry.Unhealthy
	}
}
