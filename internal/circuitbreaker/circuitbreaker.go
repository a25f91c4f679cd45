// Package circuitbreaker implements a per-upstream consecutive-failure
// breaker. It short-circuits requests to known-bad upstreams in-process,
// reducing failover latency from seconds (timeout + network) to
// nanoseconds (state check). The durable health flag lives in the store;
// this gate only covers the window between store updates and recovery
// probes.
package circuitbreaker

import (
	"sync"
	"time"
)

// State represents the breaker state for one upstream.
type State int

const (
	// StateClosed allows all requests through.
	StateClosed State = iota
	// StateOpen rejects all requests until the cooldown elapses.
	StateOpen
	// StateHalfOpen allows a single probe request.
	StateHalfOpen
)

// String returns a human-readable state name.
func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half_open"
	default:
		return "unknown"
	}
}

// Config holds breaker parameters.
type Config struct {
	MaxFailures int           // consecutive failures before the breaker opens
	Cooldown    time.Duration // time in OPEN before a half-open probe is allowed
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{MaxFailures: 3, Cooldown: 30 * time.Second}
}

type entry struct {
	failures  int
	openUntil time.Time
	probing   bool
}

// Breaker tracks consecutive failures per upstream id. Safe for concurrent
// use.
type Breaker struct {
	cfg Config
	now func() time.Time

	mu      sync.Mutex
	entries map[string]*entry
}

// New returns a Breaker with the given config. Zero-value fields fall back
// to DefaultConfig.
func New(cfg Config) *Breaker {
	def := DefaultConfig()
	if cfg.MaxFailures <= 0 {
		cfg.MaxFailures = def.MaxFailures
	}
	if cfg.Cooldown <= 0 {
		cfg.Cooldown = def.Cooldown
	}
	return &Breaker{cfg: cfg, now: time.Now, entries: map[string]*entry{}}
}

// Allow reports whether a request to the upstream may proceed. In the open
// state it returns false until the cooldown elapses, then admits a single
// half-open probe.
func (b *Breaker) Allow(id string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	e := b.entries[id]
	if e == nil || e.failures < b.cfg.MaxFailures {
		return true
	}
	if b.now().Before(e.openUntil) {
		return false
	}
	if e.probing {
		return false
	}
	e.probing = true
	return true
}

// State returns the breaker state for an upstream.
func (b *Breaker) State(id string) State {
	b.mu.Lock()
	defer b.mu.Unlock()

	e := b.entries[id]
	switch {
	case e == nil || e.failures < b.cfg.MaxFailures:
		return StateClosed
	case b.now().Before(e.openUntil):
		return StateOpen
	default:
		return StateHalfOpen
	}
}

// Success resets the upstream to closed. A single success clears the
// failure streak entirely.
func (b *Breaker) Success(id string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.entries, id)
}

// Failure records one failure. Reaching MaxFailures consecutive failures
// opens the breaker; a failed half-open probe re-opens it for another
// cooldown.
func (b *Breaker) Failure(id string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	e := b.entries[id]
	if e == nil {
		e = &entry{}
		b.entries[id] = e
	}
	e.failures++
	e.probing = false
	if e.failures >= b.cfg.MaxFailures {
		e.openUntil = b.now().Add(b.cfg.Cooldown)
	}
}

// Forget drops all state for an upstream, e.g. after an admin delete.
func (b *Breaker) Forget(id string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.entries, id)
}
