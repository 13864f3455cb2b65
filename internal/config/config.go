// Package config loads SentryGate's typed configuration from a YAML
// file, applies environment-variable overrides, and optionally
// hot-reloads on file changes.
//
// Grounded on 99souls-ariadne's engine/internal/runtime
// (RuntimeConfigManager/HotReloadSystem): load-into-typed-struct over
// gopkg.in/yaml.v3, checksum-gated change detection, and an
// fsnotify.Watcher on the config file's directory rather than the file
// itself (editors often replace-then-rename rather than write in
// place, which fsnotify sees as a new inode in the same directory).
package config

import (
	"crypto/sha256"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"gopkg.in/yaml.v3"

	"github.com/sentrygate/sentrygate/internal/autoscaler"
	"github.com/sentrygate/sentrygate/internal/balancer"
	"github.com/sentrygate/sentrygate/internal/health"
	"github.com/sentrygate/sentrygate/internal/httppool"
	"github.com/sentrygate/sentrygate/internal/metrics"
	"github.com/sentrygate/sentrygate/internal/queue"
)

// Config is SentryGate's full typed configuration, the YAML
// deserialization target. Each section mirrors one component Config
// type with YAML tags and durations as strings; the To*Config methods
// convert a section into the component's own Config.
type Config struct {
	Queue      QueueConfig      `yaml:"queue"`
	Balancer   BalancerConfig   `yaml:"balancer"`
	Autoscaler AutoscalerConfig `yaml:"autoscaler"`
	Health     HealthConfig     `yaml:"health"`
	HTTPPool   HTTPPoolConfig   `yaml:"http_pool"`
	Metrics    MetricsConfig    `yaml:"metrics"`
	Admission  AdmissionConfig  `yaml:"admission"`
	Server     ServerConfig     `yaml:"server"`
}

// QueueConfig mirrors queue.Config with YAML tags and string durations.
type QueueConfig struct {
	MaxSize           int    `yaml:"max_size"`
	MaxEventAge       string `yaml:"max_event_age"`
	DeadLetterCap     int    `yaml:"dead_letter_cap"`
}

// BalancerConfig mirrors balancer.Config.
type BalancerConfig struct {
	Strategy      string `yaml:"strategy"`
	BaseStrategy  string `yaml:"base_strategy"`
	StickyTimeout string `yaml:"sticky_timeout"`
}

// AutoscalerConfig mirrors autoscaler.Config. Per SPEC_FULL.md §4,
// there is exactly one evaluation-cadence field across the whole
// system: EvaluationInterval. No per-policy interval field exists.
type AutoscalerConfig struct {
	Policy             string  `yaml:"policy"`
	MinInstances       int     `yaml:"min_instances"`
	MaxInstances       int     `yaml:"max_instances"`
	TargetCPU          float64 `yaml:"target_cpu"`
	TargetMemory       float64 `yaml:"target_memory"`
	TargetQueueDepth   int     `yaml:"target_queue_depth"`
	TargetResponseTime string  `yaml:"target_response_time"`
	MaxScaleOutStep    int     `yaml:"max_scale_out_step"`
	MaxScaleInStep     int     `yaml:"max_scale_in_step"`
	ScaleUpCooldown    string  `yaml:"scale_up_cooldown"`
	ScaleDownCooldown  string  `yaml:"scale_down_cooldown"`
	EvaluationInterval string  `yaml:"evaluation_interval"`
}

// HealthConfig mirrors health.Config.
type HealthConfig struct {
	CheckInterval    string `yaml:"check_interval"`
	ProbeTimeout     string `yaml:"probe_timeout"`
	HistoryWindow    string `yaml:"history_window"`
	FailureThreshold int    `yaml:"failure_threshold"`
	SuccessThreshold int    `yaml:"success_threshold"`
}

// HTTPPoolConfig mirrors httppool.ManagerConfig's default pool.
type HTTPPoolConfig struct {
	EnableAutoPoolCreation  bool   `yaml:"enable_auto_pool_creation"`
	MaxConnections          int    `yaml:"max_connections"`
	RequestTimeout          string `yaml:"request_timeout"`
	MaxRetries              int    `yaml:"max_retries"`
	CircuitBreakerThreshold int    `yaml:"circuit_breaker_threshold"`
	CircuitBreakerTimeout   string `yaml:"circuit_breaker_timeout"`
}

// MetricsConfig mirrors metrics.Config.
type MetricsConfig struct {
	Interval string `yaml:"interval"`
}

// AdmissionConfig configures the Supervisor's per-submitter token
// bucket ahead of enqueue.
type AdmissionConfig struct {
	RateLimitPerSecond float64 `yaml:"rate_limit_per_second"`
	Burst              int     `yaml:"burst"`
}

// ServerConfig configures the HTTP admin/ingest surface.
type ServerConfig struct {
	ListenAddr string `yaml:"listen_addr"`
}

// Default returns the zero-knob configuration; every component's own
// withDefaults applies sensible values for fields left at zero.
func Default() Config {
	return Config{
		Server: ServerConfig{ListenAddr: ":8080"},
	}
}

func parseDuration(s string, fallback time.Duration) time.Duration {
	if s == "" {
		return fallback
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return fallback
	}
	return d
}

// ToQueueConfig converts the YAML-shaped fields into queue.Config.
func (c Config) ToQueueConfig() queue.Config {
	return queue.Config{
		MaxSize:       c.Queue.MaxSize,
		MaxEventAge:   parseDuration(c.Queue.MaxEventAge, 0),
		DeadLetterCap: c.Queue.DeadLetterCap,
	}
}

// ToBalancerConfig converts the YAML-shaped fields into balancer.Config.
func (c Config) ToBalancerConfig() balancer.Config {
	return balancer.Config{
		Strategy:      balancer.Strategy(c.Balancer.Strategy),
		BaseStrategy:  balancer.Strategy(c.Balancer.BaseStrategy),
		StickyTimeout: parseDuration(c.Balancer.StickyTimeout, 0),
	}
}

// ToAutoscalerConfig converts the YAML-shaped fields into
// autoscaler.Config.
func (c Config) ToAutoscalerConfig() autoscaler.Config {
	return autoscaler.Config{
		Policy:             autoscaler.Policy(c.Autoscaler.Policy),
		MinInstances:       c.Autoscaler.MinInstances,
		MaxInstances:       c.Autoscaler.MaxInstances,
		TargetCPU:          c.Autoscaler.TargetCPU,
		TargetMemory:       c.Autoscaler.TargetMemory,
		TargetQueueDepth:   c.Autoscaler.TargetQueueDepth,
		TargetResponseTime: parseDuration(c.Autoscaler.TargetResponseTime, 0),
		MaxScaleOutStep:    c.Autoscaler.MaxScaleOutStep,
		MaxScaleInStep:     c.Autoscaler.MaxScaleInStep,
		ScaleUpCooldown:    parseDuration(c.Autoscaler.ScaleUpCooldown, 0),
		ScaleDownCooldown:  parseDuration(c.Autoscaler.ScaleDownCooldown, 0),
		EvaluationInterval: parseDuration(c.Autoscaler.EvaluationInterval, 0),
	}
}

// ToHealthConfig converts the YAML-shaped fields into health.Config.
func (c Config) ToHealthConfig() health.Config {
	return health.Config{
		CheckInterval:    parseDuration(c.Health.CheckInterval, 0),
		ProbeTimeout:     parseDuration(c.Health.ProbeTimeout, 0),
		HistoryWindow:    parseDuration(c.Health.HistoryWindow, 0),
		FailureThreshold: c.Health.FailureThreshold,
		SuccessThreshold: c.Health.SuccessThreshold,
	}
}

// ToHTTPPoolManagerConfig converts the YAML-shaped fields into
// httppool.ManagerConfig.
func (c Config) ToHTTPPoolManagerConfig() httppool.ManagerConfig {
	return httppool.ManagerConfig{
		EnableAutoPoolCreation: c.HTTPPool.EnableAutoPoolCreation,
		DefaultPoolConfig: httppool.Config{
			MaxConnections:          c.HTTPPool.MaxConnections,
			RequestTimeout:          parseDuration(c.HTTPPool.RequestTimeout, 0),
			MaxRetries:              c.HTTPPool.MaxRetries,
			CircuitBreakerThreshold: c.HTTPPool.CircuitBreakerThreshold,
			CircuitBreakerTimeout:   parseDuration(c.HTTPPool.CircuitBreakerTimeout, 0),
		},
	}
}

// ToMetricsConfig converts the YAML-shaped fields into metrics.Config.
func (c Config) ToMetricsConfig() metrics.Config {
	return metrics.Config{
		Interval: parseDuration(c.Metrics.Interval, 0),
	}
}

// applyEnvOverrides lets a small set of operationally hot knobs be
// flipped without editing the file, the same override-on-top-of-file
// shape the teacher's main.go used for SCHEDULER_CONCURRENCY and
// CIRCUIT_BREAKER_THRESHOLD.
func applyEnvOverrides(c *Config) {
	if v := os.Getenv("SENTRYGATE_MIN_INSTANCES"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.Autoscaler.MinInstances = n
		}
	}
	if v := os.Getenv("SENTRYGATE_MAX_INSTANCES"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.Autoscaler.MaxInstances = n
		}
	}
	if v := os.Getenv("SENTRYGATE_LISTEN_ADDR"); v != "" {
		c.Server.ListenAddr = v
	}
}

// Load reads and parses the YAML file at path, then applies
// environment overrides. A missing file yields Default() rather than
// an error, matching the teacher's "absent config is not fatal, it's
// defaults" stance in RuntimeConfigManager.LoadConfiguration.
func Load(path string) (Config, error) {
	cfg := Default()
	if _, err := os.Stat(path); os.IsNotExist(err) {
		applyEnvOverrides(&cfg)
		return cfg, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("config: read %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("config: parse %s: %w", path, err)
	}
	applyEnvOverrides(&cfg)
	return cfg, nil
}

func checksum(c Config) string {
	data, _ := json.Marshal(c)
	sum := sha256.Sum256(data)
	return fmt.Sprintf("%x", sum)
}

// Watcher reloads Config from disk whenever the file changes and
// publishes the new value on Changes(). Callers that don't need
// hot-reload can ignore it entirely and just call Load once.
type Watcher struct {
	path    string
	watcher *fsnotify.Watcher

	mu       sync.Mutex
	current  Config
	lastSum  string
	watching bool

	changes chan Config
	errs    chan error
}

// NewWatcher loads path once and prepares (but does not start) a
// filesystem watcher on its directory.
func NewWatcher(path string) (*Watcher, error) {
	cfg, err := Load(path)
	if err != nil {
		return nil, err
	}
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("config: create file watcher: %w", err)
	}
	return &Watcher{
		path:    path,
		watcher: fsw,
		current: cfg,
		lastSum: checksum(cfg),
		changes: make(chan Config, 1),
		errs:    make(chan error, 1),
	}, nil
}

// Current returns the most recently loaded configuration.
func (w *Watcher) Current() Config {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.current
}

// Changes delivers every successfully reloaded Config after a file
// change. Errors reloading (unparseable YAML, a file briefly absent
// mid-write) go to Errs instead and leave Current() unchanged.
func (w *Watcher) Changes() <-chan Config { return w.changes }

// Errs delivers reload failures without tearing down the watch loop.
func (w *Watcher) Errs() <-chan error { return w.errs }

// Watch starts watching the config file's directory for writes,
// matching 99souls-ariadne's HotReloadSystem: directories, not files,
// because editors frequently replace the file via rename rather than
// write in place.
func (w *Watcher) Watch() error {
	w.mu.Lock()
	if w.watching {
		w.mu.Unlock()
		return nil
	}
	dir := filepath.Dir(w.path)
	if err := w.watcher.Add(dir); err != nil {
		w.mu.Unlock()
		return fmt.Errorf("config: watch dir %s: %w", dir, err)
	}
	w.watching = true
	w.mu.Unlock()

	go w.loop()
	return nil
}

func (w *Watcher) loop() {
	for {
		select {
		case ev, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if ev.Name != w.path {
				continue
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}
			w.reload()
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			select {
			case w.errs <- err:
			default:
			}
		}
	}
}

func (w *Watcher) reload() {
	cfg, err := Load(w.path)
	if err != nil {
		select {
		case w.errs <- err:
		default:
		}
		return
	}
	sum := checksum(cfg)

	w.mu.Lock()
	changed := sum != w.lastSum
	w.current = cfg
	w.lastSum = sum
	w.mu.Unlock()

	if changed {
		select {
		case w.changes <- cfg:
		default:
		}
	}
}

// Close stops the underlying filesystem watcher.
func (w *Watcher) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if !w.watching {
		return nil
	}
	w.watching = false
	return w.watcher.Close()
}
