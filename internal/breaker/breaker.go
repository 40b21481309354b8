// Package breaker isolates the engagement core from failing generative
// backends: a per-operation failure-window breaker plus a guarded call
// wrapper with timeout and jitter.
package breaker

import (
	"sync"
	"time"
)

// Config holds the trip tunables shared by all breakers in a registry.
type Config struct {
	FailureThreshold int           // failures within the window that trip the breaker
	FailureWindow    time.Duration // lookback; a gap longer than this restarts the count
	Cooldown         time.Duration // how long a tripped breaker stays open
}

// DefaultConfig returns the stock breaker tunables.
func DefaultConfig() Config {
	return Config{
		FailureThreshold: 3,
		FailureWindow:    60 * time.Second,
		Cooldown:         120 * time.Second,
	}
}

// Breaker guards one named operation class ("generator", "classifier", ...).
// State is a rolling failure count with gradual recovery: successes decrement
// rather than reset, so a flapping backend has to earn its way back.
type Breaker struct {
	name string
	cfg  Config
	now  func() time.Time

	mu            sync.Mutex
	failures      int
	lastFailure   time.Time
	disabledUntil time.Time
}

// Name returns the operation name this breaker guards.
func (b *Breaker) Name() string { return b.name }

// Allow reports whether a call may proceed. A breaker whose cooldown has
// elapsed resets itself here; no external reset is needed.
func (b *Breaker) Allow() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.disabledUntil.IsZero() {
		return true
	}
	if b.now().Before(b.disabledUntil) {
		return false
	}
	// Cooldown elapsed: auto-reset.
	b.disabledUntil = time.Time{}
	b.failures = 0
	b.lastFailure = time.Time{}
	return true
}

// RecordFailure counts one failure. The count restarts when the previous
// failure fell outside the lookback window; crossing the threshold trips the
// breaker for the cooldown period.
func (b *Breaker) RecordFailure() {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := b.now()
	if !b.lastFailure.IsZero() && now.Sub(b.lastFailure) > b.cfg.FailureWindow {
		b.failures = 0
	}
	b.failures++
	b.lastFailure = now

	if b.failures >= b.cfg.FailureThreshold {
		b.disabledUntil = now.Add(b.cfg.Cooldown)
	}
}

// RecordSuccess decrements the failure count, never below zero.
func (b *Breaker) RecordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.failures > 0 {
		b.failures--
	}
}

// Open reports whether the breaker is currently refusing calls.
func (b *Breaker) Open() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return !b.disabledUntil.IsZero() && b.now().Before(b.disabledUntil)
}

// Registry holds one breaker per operation name for the whole process.
// Constructed explicitly and handed to the orchestrator; there are no
// package-level singletons. Safe for concurrent use from many sessions.
type Registry struct {
	cfg      Config
	now      func() time.Time
	breakers sync.Map // map[string]*Breaker
}

// NewRegistry creates a registry whose breakers share cfg.
func NewRegistry(cfg Config) *Registry {
	return &Registry{cfg: cfg, now: time.Now}
}

// NewRegistryWithClock is NewRegistry with an injected clock for tests.
func NewRegistryWithClock(cfg Config, now func() time.Time) *Registry {
	return &Registry{cfg: cfg, now: now}
}

// Get returns the breaker for the operation, creating it on first use.
func (r *Registry) Get(operation string) *Breaker {
	if v, ok := r.breakers.Load(operation); ok {
		return v.(*Breaker)
	}
	b := &Breaker{name: operation, cfg: r.cfg, now: r.now}
	actual, _ := r.breakers.LoadOrStore(operation, b)
	return actual.(*Breaker)
}
