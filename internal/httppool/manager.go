package httppool

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// ManagerConfig controls auto-pool-creation and the default config for
// any pool spun up that way.
type ManagerConfig struct {
	EnableAutoPoolCreation bool
	DefaultPoolConfig      Config
}

// Manager is the HTTPClientPoolManager from spec §4.3: a named
// collection of Pools keyed by logical destination.
type Manager struct {
	cfg ManagerConfig

	mu    sync.Mutex
	pools map[string]*Pool
}

// NewManager creates an empty manager.
func NewManager(cfg ManagerConfig) *Manager {
	return &Manager{
		cfg:   cfg,
		pools: make(map[string]*Pool),
	}
}

// CreatePool registers a named pool with explicit configuration,
// overwriting any auto-created pool under the same name.
func (m *Manager) CreatePool(name string, cfg Config) *Pool {
	m.mu.Lock()
	defer m.mu.Unlock()
	p := newPool(name, cfg)
	m.pools[name] = p
	return p
}

// Get returns a handle from the named pool's Get, auto-creating the pool
// with the manager's default config if EnableAutoPoolCreation is set and
// the pool doesn't exist yet; otherwise returns ErrUnknownPool.
func (m *Manager) Get(ctx context.Context, poolName string, timeout time.Duration) (*Handle, error) {
	pool, err := m.poolFor(poolName)
	if err != nil {
		return nil, err
	}
	return pool.Get(ctx, timeout)
}

func (m *Manager) poolFor(name string) (*Pool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if p, ok := m.pools[name]; ok {
		return p, nil
	}
	if !m.cfg.EnableAutoPoolCreation {
		return nil, ErrUnknownPool
	}
	p := newPool(name, m.cfg.DefaultPoolConfig)
	m.pools[name] = p
	return p, nil
}

// WarmUp pre-creates min(n, maxConnections/2) clients in the named pool.
func (m *Manager) WarmUp(poolName string, n int) error {
	m.mu.Lock()
	p, ok := m.pools[poolName]
	m.mu.Unlock()
	if !ok {
		return fmt.Errorf("httppool: %w: %s", ErrUnknownPool, poolName)
	}
	p.WarmUp(n)
	return nil
}

// Metrics returns a snapshot for every known pool, keyed by name.
func (m *Manager) Metrics() map[string]Metrics {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string]Metrics, len(m.pools))
	for name, p := range m.pools {
		out[name] = p.Metrics()
	}
	return out
}

// Health reports the named pool's health, or HealthUnhealthy with an
// error if the pool doesn't exist.
func (m *Manager) Health(poolName string) (Health, error) {
	m.mu.Lock()
	p, ok := m.pools[poolName]
	m.mu.Unlock()
	if !ok {
		return HealthUnhealthy, fmt.Errorf("httppool: %w: %s", ErrUnknownPool, poolName)
	}
	return p.Health(), nil
}

// CheckHealth forces re-evaluation of every pool's health and returns
// the aggregate map.
func (m *Manager) CheckHealth() map[string]Health {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string]Health, len(m.pools))
	for name, p := range m.pools {
		out[name] = p.CheckHealth()
	}
	return out
}

// Shutdown tears down every pool; in-flight handles remain valid for
// Return but no new Get calls succeed.
func (m *Manager) Shutdown() {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, p := range m.pools {
		p.mu.Lock()
		p.shutdownLocked()
		p.mu.Unlock()
	}
}
