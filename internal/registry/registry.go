// Package registry implements the InstanceRegistry from spec §4.4: the
// authoritative, mutex-serialized table of processing instances, their
// health, and their live metrics.
//
// Grounded on the teacher's NodeHealth/SchedulerMetrics tracking in
// control_plane/scheduler/types.go and scheduler.go's UpdateNodeHealth
// for the copy-out-snapshot-under-one-mutex shape; the synchronous
// OnHealthChanged fan-out follows Design Note 9's observer contract and
// the teacher's own decision-logging callback pattern in
// scheduler.logDecision.
package registry

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"
)

// Status is an instance's lifecycle state.
type Status string

const (
	Starting Status = "starting"
	Running  Status = "running"
	Draining Status = "draining"
	Stopped  Status = "stopped"
)

// Health is an instance's health classification, owned by HealthMonitor
// but stored here.
type Health string

const (
	Healthy   Health = "healthy"
	Degraded  Health = "degraded"
	Unhealthy Health = "unhealthy"
	Unknown   Health = "unknown"
)

// Metrics is the live InstanceMetrics record from spec §3, updated on
// each health probe and each processing completion.
type Metrics struct {
	CPUPercent              float64
	MemoryPercent           float64
	ErrorRate               float64
	AvgResponseTime         time.Duration
	QueueDepth              int
	EventsProcessedPerSecond float64
	Timestamp               time.Time
}

// Instance is one logical processing worker.
type Instance struct {
	ID        string
	CreatedAt time.Time
	Endpoint  string
	Status    Status
	Health    Health
	Weight    int

	LiveMetrics Metrics
}

// snapshot returns a value copy safe to hand to callers outside the
// registry's mutex.
func (i *Instance) snapshot() Instance {
	return *i
}

// OnHealthChangedFunc is invoked synchronously after an instance's
// health field is committed. Per Design Note 9, handlers must not block
// and the registry never holds its mutex while calling one.
type OnHealthChangedFunc func(instanceID string, old, new Health)

// Registry is the InstanceRegistry.
type Registry struct {
	clock clock.Clock

	mu        sync.Mutex
	instances map[string]*Instance
	handlers  []OnHealthChangedFunc
}

// New creates an empty Registry.
func New(clk clock.Clock) *Registry {
	if clk == nil {
		clk = clock.New()
	}
	return &Registry{
		clock:     clk,
		instances: make(map[string]*Instance),
	}
}

// OnHealthChanged registers a handler invoked on every health
// transition. It takes the registry mutex, so it may be called
// concurrently with registry mutations; a handler only sees transitions
// committed after it was registered.
func (r *Registry) OnHealthChanged(fn OnHealthChangedFunc) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers = append(r.handlers, fn)
}

// Create adds a new instance in the Starting state with a generated ID.
func (r *Registry) Create(endpoint string, weight int) *Instance {
	if weight <= 0 {
		weight = 1
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	inst := &Instance{
		ID:        uuid.NewString(),
		CreatedAt: r.clock.Now(),
		Endpoint:  endpoint,
		Status:    Starting,
		Health:    Unknown,
		Weight:    weight,
	}
	r.instances[inst.ID] = inst
	return inst
}

// Start transitions an instance from Starting to Running. Per the spec,
// a Running instance may serve traffic; the Autoscaler gates counting it
// toward capacity on the first Healthy probe separately (see
// internal/autoscaler), not on this call.
func (r *Registry) Start(id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	inst, ok := r.instances[id]
	if !ok {
		return fmt.Errorf("registry: unknown instance %s", id)
	}
	inst.Status = Running
	return nil
}

// Drain marks an instance as no longer accepting new events; in-flight
// work is expected to complete on its own.
func (r *Registry) Drain(id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	inst, ok := r.instances[id]
	if !ok {
		return fmt.Errorf("registry: unknown instance %s", id)
	}
	inst.Status = Draining
	return nil
}

// Stop marks an instance Stopped. Callers should have drained it first.
func (r *Registry) Stop(id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	inst, ok := r.instances[id]
	if !ok {
		return fmt.Errorf("registry: unknown instance %s", id)
	}
	inst.Status = Stopped
	return nil
}

// Remove deletes a Stopped instance from the table entirely.
func (r *Registry) Remove(id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	inst, ok := r.instances[id]
	if !ok {
		return fmt.Errorf("registry: unknown instance %s", id)
	}
	if inst.Status != Stopped {
		return fmt.Errorf("registry: cannot remove instance %s in status %s, must be stopped first", id, inst.Status)
	}
	delete(r.instances, id)
	return nil
}

// Get returns a copy-out snapshot of one instance.
func (r *Registry) Get(id string) (Instance, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	inst, ok := r.instances[id]
	if !ok {
		return Instance{}, false
	}
	return inst.snapshot(), true
}

// List returns copy-out snapshots of every instance, in no particular
// order.
func (r *Registry) List() []Instance {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Instance, 0, len(r.instances))
	for _, inst := range r.instances {
		out = append(out, inst.snapshot())
	}
	return out
}

// UpdateHealth commits a new health value and fires the registered
// handlers after the mutex is released, never while held (Design Note
// 9: "forbids holding any internal mutex across a handler invocation").
func (r *Registry) UpdateHealth(id string, h Health) error {
	r.mu.Lock()
	inst, ok := r.instances[id]
	if !ok {
		r.mu.Unlock()
		return fmt.Errorf("registry: unknown instance %s", id)
	}
	old := inst.Health
	changed := old != h
	inst.Health = h
	handlers := append([]OnHealthChangedFunc(nil), r.handlers...)
	r.mu.Unlock()

	if changed {
		for _, fn := range handlers {
			fn(id, old, h)
		}
	}
	return nil
}

// UpdateMetrics replaces an instance's live metrics snapshot.
func (r *Registry) UpdateMetrics(id string, m Metrics) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	inst, ok := r.instances[id]
	if !ok {
		return fmt.Errorf("registry: unknown instance %s", id)
	}
	m.Timestamp = r.clock.Now()
	inst.LiveMetrics = m
	return nil
}

// RunningHealthy returns snapshots of every instance that is both
// Running and Healthy — the candidate set LoadBalancer picks from —
// sorted by ID so that repeated calls list the same set in the same order.
func (r *Registry) RunningHealthy() []Instance {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Instance, 0, len(r.instances))
	for _, inst := range r.instances {
		if inst.Status == Running && inst.Health == Healthy {
			out = append(out, inst.snapshot())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}
