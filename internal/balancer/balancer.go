// Package balancer implements the LoadBalancer from spec §4.6: picks
// one Running+Healthy instance per dequeued event, via one of several
// sealed strategies (Design Note 9: "sealed set of variants with a
// single dispatch point").
//
// Grounded on the teacher's NodeHealth-driven dispatch in
// control_plane/scheduler/scheduler.go (processNextTask picks a node
// from UpdateNodeHealth's live table) for the read-the-registry-then-
// pick shape; the strategies themselves have no direct teacher
// counterpart (the teacher dispatches by node health alone, not a named
// strategy set) so they're built fresh in the same plain-switch idiom
// spec.md's Design Note 9 calls for.
package balancer

import (
	"fmt"
	"sync"
	"time"

	"github.com/benbjohnson/clock"

	"github.com/sentrygate/sentrygate/internal/registry"
)

// ErrNoCapacity is returned when no Running+Healthy instance exists.
var ErrNoCapacity = fmt.Errorf("balancer: no capacity")

// Strategy is the sealed set of dispatch variants.
type Strategy string

const (
	RoundRobin         Strategy = "round_robin"
	WeightedRoundRobin Strategy = "weighted_round_robin"
	LeastBusy          Strategy = "least_busy"
	Sticky             Strategy = "sticky"
)

// Config configures the balancer.
type Config struct {
	Strategy       Strategy
	BaseStrategy   Strategy // fallback strategy for Sticky on miss/expiry
	StickyTimeout  time.Duration
	Clock          clock.Clock
}

func (c Config) withDefaults() Config {
	if c.Strategy == "" {
		c.Strategy = RoundRobin
	}
	if c.BaseStrategy == "" {
		c.BaseStrategy = RoundRobin
	}
	if c.StickyTimeout <= 0 {
		c.StickyTimeout = 30 * time.Minute
	}
	if c.Clock == nil {
		c.Clock = clock.New()
	}
	return c
}

type stickyEntry struct {
	instanceID string
	expiresAt  time.Time
}

// Balancer picks an instance for each event.
type Balancer struct {
	cfg      Config
	clock    clock.Clock
	registry *registry.Registry

	mu sync.Mutex

	rrCounter int

	// weighted round-robin state, keyed by instance ID, per the smooth
	// weighted algorithm: each turn add the configured weight, pick the
	// max, subtract the total weight from the winner.
	currentWeights map[string]int

	stickyTable map[string]stickyEntry
}

// New creates a Balancer bound to a Registry it reads from.
func New(reg *registry.Registry, cfg Config) *Balancer {
	cfg = cfg.withDefaults()
	return &Balancer{
		cfg:            cfg,
		clock:          cfg.Clock,
		registry:       reg,
		currentWeights: make(map[string]int),
		stickyTable:    make(map[string]stickyEntry),
	}
}

// Pick selects an instance for the given affinity key (used only by
// Sticky; ignored by the other strategies).
func (b *Balancer) Pick(affinityKey string) (registry.Instance, error) {
	candidates := b.registry.RunningHealthy()
	if len(candidates) == 0 {
		return registry.Instance{}, ErrNoCapacity
	}

	switch b.cfg.Strategy {
	case RoundRobin:
		return b.pickRoundRobin(candidates)
	case WeightedRoundRobin:
		return b.pickWeighted(candidates)
	case LeastBusy:
		return b.pickLeastBusy(candidates)
	case Sticky:
		return b.pickSticky(affinityKey, candidates)
	default:
		return registry.Instance{}, fmt.Errorf("balancer: unknown strategy %q", b.cfg.Strategy)
	}
}

func (b *Balancer) pickRoundRobin(candidates []registry.Instance) (registry.Instance, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	idx := b.rrCounter % len(candidates)
	b.rrCounter++
	return candidates[idx], nil
}

func (b *Balancer) pickWeighted(candidates []registry.Instance) (registry.Instance, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	totalWeight := 0
	var best *registry.Instance
	for i := range candidates {
		c := &candidates[i]
		w := c.Weight
		if w <= 0 {
			w = 1
		}
		totalWeight += w
		b.currentWeights[c.ID] += w
		if best == nil || b.currentWeights[c.ID] > b.currentWeights[best.ID] {
			best = c
		}
	}
	b.currentWeights[best.ID] -= totalWeight
	return *best, nil
}

func (b *Balancer) pickLeastBusy(candidates []registry.Instance) (registry.Instance, error) {
	best := candidates[0]
	for _, c := range candidates[1:] {
		if c.LiveMetrics.QueueDepth < best.LiveMetrics.QueueDepth {
			best = c
			continue
		}
		if c.LiveMetrics.QueueDepth == best.LiveMetrics.QueueDepth &&
			c.LiveMetrics.AvgResponseTime < best.LiveMetrics.AvgResponseTime {
			best = c
		}
	}
	return best, nil
}

func (b *Balancer) pickSticky(affinityKey string, candidates []registry.Instance) (registry.Instance, error) {
	b.mu.Lock()
	now := b.clock.Now()
	entry, ok := b.stickyTable[affinityKey]
	if ok && now.Before(entry.expiresAt) {
		for _, c := range candidates {
			if c.ID == entry.instanceID {
				b.stickyTable[affinityKey] = stickyEntry{instanceID: c.ID, expiresAt: now.Add(b.cfg.StickyTimeout)}
				b.mu.Unlock()
				return c, nil
			}
		}
	}
	b.mu.Unlock()

	// Miss or expiry: fall back to the base strategy, then bind the
	// result as the new sticky entry.
	var chosen registry.Instance
	var err error
	switch b.cfg.BaseStrategy {
	case WeightedRoundRobin:
		chosen, err = b.pickWeighted(candidates)
	case LeastBusy:
		chosen, err = b.pickLeastBusy(candidates)
	default:
		chosen, err = b.pickRoundRobin(candidates)
	}
	if err != nil {
		return registry.Instance{}, err
	}

	b.mu.Lock()
	b.stickyTable[affinityKey] = stickyEntry{instanceID: chosen.ID, expiresAt: now.Add(b.cfg.StickyTimeout)}
	b.mu.Unlock()
	return chosen, nil
}
