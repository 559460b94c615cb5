// Package registry owns the immutable Backend list and the mutable
// per-backend Health and Metrics records. It is the single source of
// truth that the Selector reads from and the Dispatcher/Health Tracker
// write to.
package registry

import (
	"errors"
	"sync"
	"sync/atomic"
	"time"
)

// ErrNoHealthyBackends is returned by HealthyOrError when every
// configured backend is currently unhealthy.
var ErrNoHealthyBackends = errors.New("registry: no healthy backends")

// Backend is immutable after the configuration load that created it.
type Backend struct {
	URL    string
	Region string // lower-cased
	Weight int
}

// Health is the mutable health record for one backend.
type Health struct {
	IsHealthy           bool
	ConsecutiveFailures uint32
	LastCheck           time.Time // zero value = never checked
	AvgResponseTime     float64  // milliseconds, EWMA per spec.md §4.4
}

// Metrics is the mutable request-accounting record for one backend.
type Metrics struct {
	Requests  uint64
	Errors    uint64
	TotalTime uint64 // milliseconds
}

// entry bundles one backend with its own lock so that updates to
// distinct backends never contend with each other.
type entry struct {
	mu      sync.Mutex
	backend Backend
	health  Health
	metrics Metrics
}

// Prober is implemented by the health tracker. The Registry calls it
// opportunistically from HealthyBackends when a backend's last check is
// stale; the call must not block the caller (see DESIGN.md "Active-probe
// blocking behavior").
type Prober interface {
	ProbeAsync(url string)
}

// state is the swappable snapshot of backend order, entries, and the
// thresholds derived from configuration. Registry holds it behind an
// atomic.Value so Reconfigure can replace the whole set without a lock
// on the read path — the same pattern the config hot-reloader uses.
type state struct {
	order                   []string // backend URLs in configured/insertion order
	entries                 map[string]*entry
	circuitBreakerThreshold uint32
	healthCheckInterval     time.Duration
}

// Registry holds one entry per configured backend, keyed by URL, for
// the lifetime of the process.
type Registry struct {
	current atomic.Value // *state

	prober Prober
}

// Config supplies the backend list and the thresholds that drive health
// derivation and staleness-triggered probing.
type Config struct {
	Backends                []Backend
	CircuitBreakerThreshold uint32
	HealthCheckInterval     time.Duration
}

// New builds a Registry from a validated configuration. All backends
// start healthy with a zero Health/Metrics record, matching "never
// checked yet" (LastCheck is the zero time).
func New(cfg Config) *Registry {
	s := &state{
		order:                   make([]string, 0, len(cfg.Backends)),
		entries:                 make(map[string]*entry, len(cfg.Backends)),
		circuitBreakerThreshold: cfg.CircuitBreakerThreshold,
		healthCheckInterval:     cfg.HealthCheckInterval,
	}
	for _, b := range cfg.Backends {
		s.order = append(s.order, b.URL)
		s.entries[b.URL] = &entry{
			backend: b,
			health:  Health{IsHealthy: true},
		}
	}
	r := &Registry{}
	r.current.Store(s)
	return r
}

func (r *Registry) state() *state {
	return r.current.Load().(*state)
}

// SetProber wires the health tracker in after construction, avoiding an
// import cycle between registry and health.
func (r *Registry) SetProber(p Prober) {
	r.prober = p
}

// All returns the full configured backend list in insertion order.
func (r *Registry) All() []Backend {
	s := r.state()
	out := make([]Backend, 0, len(s.order))
	for _, url := range s.order {
		e := s.entries[url]
		e.mu.Lock()
		out = append(out, e.backend)
		e.mu.Unlock()
	}
	return out
}

// HealthyBackends returns the backends whose Health.IsHealthy is
// currently true, triggering an async refresh probe for any backend
// whose LastCheck is older than healthCheckInterval. An empty result
// means every backend is unhealthy; callers must treat that as
// terminal (spec.md §4.1/§7), not fail open.
func (r *Registry) HealthyBackends() []Backend {
	s := r.state()
	now := time.Now()
	healthy := make([]Backend, 0, len(s.order))

	for _, url := range s.order {
		e := s.entries[url]

		e.mu.Lock()
		stale := s.healthCheckInterval > 0 && (e.health.LastCheck.IsZero() || now.Sub(e.health.LastCheck) > s.healthCheckInterval)
		isHealthy := e.health.IsHealthy
		backend := e.backend
		e.mu.Unlock()

		if stale && r.prober != nil {
			r.prober.ProbeAsync(url)
		}
		if isHealthy {
			healthy = append(healthy, backend)
		}
	}
	return healthy
}

// HealthyOrError is HealthyBackends but returns ErrNoHealthyBackends
// instead of an empty slice, for call sites that want fail-closed
// behavior expressed as an error rather than a zero-length result.
func (r *Registry) HealthyOrError() ([]Backend, error) {
	healthy := r.HealthyBackends()
	if len(healthy) == 0 {
		return nil, ErrNoHealthyBackends
	}
	return healthy, nil
}

// MetricsSnapshot returns a consistent read-only copy of every
// backend's Metrics, keyed by URL.
func (r *Registry) MetricsSnapshot() map[string]Metrics {
	s := r.state()
	out := make(map[string]Metrics, len(s.order))
	for _, url := range s.order {
		e := s.entries[url]
		e.mu.Lock()
		out[url] = e.metrics
		e.mu.Unlock()
	}
	return out
}

// HealthSnapshot returns a consistent read-only copy of every backend's
// Health, keyed by URL — used by the JSON /metrics endpoint.
func (r *Registry) HealthSnapshot() map[string]Health {
	s := r.state()
	out := make(map[string]Health, len(s.order))
	for _, url := range s.order {
		e := s.entries[url]
		e.mu.Lock()
		out[url] = e.health
		e.mu.Unlock()
	}
	return out
}

// RecordOutcome atomically increments requests/totalTime, increments
// errors on failure, and updates the EWMA avgResponseTime. The first
// recorded duration yields avgResponseTime = d/2 because the
// recurrence starts from a zero accumulator — intentional per
// spec.md §4.4/§9.
func (r *Registry) RecordOutcome(url string, durationMs float64, success bool) {
	e, ok := r.state().entries[url]
	if !ok {
		return
	}
	e.mu.Lock()
	defer e.mu.Unlock()

	e.metrics.Requests++
	e.metrics.TotalTime += uint64(durationMs)
	if !success {
		e.metrics.Errors++
	}
	e.health.AvgResponseTime = (e.health.AvgResponseTime + durationMs) / 2
}

// MarkHealthy resets the failure counter and marks the backend healthy.
// Used by the dispatcher on any upstream response below 500; the
// active-probe success path uses MarkHealthyProbed instead.
func (r *Registry) MarkHealthy(url string) {
	e, ok := r.state().entries[url]
	if !ok {
		return
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	e.health.ConsecutiveFailures = 0
	e.health.IsHealthy = true
}

// MarkHealthyProbed is MarkHealthy plus stamping LastCheck, for the
// active-probe success path.
func (r *Registry) MarkHealthyProbed(url string, at time.Time) {
	e, ok := r.state().entries[url]
	if !ok {
		return
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	e.health.ConsecutiveFailures = 0
	e.health.IsHealthy = true
	e.health.LastCheck = at
}

// MarkFailure increments the failure counter and re-derives IsHealthy
// in the same critical section, preserving spec.md §3's invariant:
// IsHealthy ⇔ ConsecutiveFailures < circuitBreakerThreshold.
func (r *Registry) MarkFailure(url string) {
	s := r.state()
	e, ok := s.entries[url]
	if !ok {
		return
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	e.health.ConsecutiveFailures++
	e.health.IsHealthy = e.health.ConsecutiveFailures < s.circuitBreakerThreshold
}

// MarkFailureProbed is MarkFailure plus stamping LastCheck, for the
// active-probe failure path.
func (r *Registry) MarkFailureProbed(url string, at time.Time) {
	s := r.state()
	e, ok := s.entries[url]
	if !ok {
		return
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	e.health.ConsecutiveFailures++
	e.health.IsHealthy = e.health.ConsecutiveFailures < s.circuitBreakerThreshold
	e.health.LastCheck = at
}

// Threshold returns the configured circuit breaker threshold.
func (r *Registry) Threshold() uint32 { return r.state().circuitBreakerThreshold }

// Reconfigure atomically replaces the backend set and thresholds,
// carrying over Health/Metrics for URLs present in both the old and
// new configuration (used by the config hot-reloader; see
// SPEC_FULL.md §4.9). It never runs concurrently with a live dispatch
// loop's per-backend mutation because each entry keeps its own lock
// and the swap only touches the top-level maps.
func (r *Registry) Reconfigure(cfg Config) {
	old := r.state()
	newOrder := make([]string, 0, len(cfg.Backends))
	newEntries := make(map[string]*entry, len(cfg.Backends))

	for _, b := range cfg.Backends {
		newOrder = append(newOrder, b.URL)
		if oldEntry, ok := old.entries[b.URL]; ok {
			oldEntry.mu.Lock()
			health := oldEntry.health
			metrics := oldEntry.metrics
			oldEntry.mu.Unlock()
			newEntries[b.URL] = &entry{backend: b, health: health, metrics: metrics}
			continue
		}
		newEntries[b.URL] = &entry{backend: b, health: Health{IsHealthy: true}}
	}

	r.current.Store(&state{
		order:                   newOrder,
		entries:                 newEntries,
		circuitBreakerThreshold: cfg.CircuitBreakerThreshold,
		healthCheckInterval:     cfg.HealthCheckInterval,
	})
}

// URLs exposes the URL list for components (e.g. the health tracker)
// that need to enumerate without a Health/Metrics view.
func (r *Registry) URLs() []string {
	s := r.state()
	out := make([]string, len(s.order))
	copy(out, s.order)
	return out
}
