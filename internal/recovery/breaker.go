// Package recovery provides the generic circuit breaker that paces recovery
// attempts against external dependencies. It gates timing only; the caller
// performs the actual recovery action. Trading logic never retries a failed
// dependency directly.
package recovery

import (
	"math"
	"math/rand"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/sawpanic/equityrun/internal/config"
)

// CircuitState labels the per-domain breaker state.
type CircuitState string

const (
	StateClosed  CircuitState = "closed"
	StateBackoff CircuitState = "closed_backoff"
	StateOpen    CircuitState = "open"
)

// Status is returned from every gate query.
type Status struct {
	Allowed    bool          `json:"allowed"`
	State      CircuitState  `json:"state"`
	Failures   int           `json:"failures"`
	RetryAfter time.Duration `json:"retry_after"`
}

// DomainView is the observability snapshot for one fault domain.
type DomainView struct {
	State       CircuitState `json:"state"`
	Failures    int          `json:"failures"`
	LastAttempt time.Time    `json:"last_attempt"`
	OpenUntil   time.Time    `json:"open_until,omitempty"`
}

type domainState struct {
	failures     int
	lastAttempt  time.Time
	backoffUntil time.Time
	openUntil    time.Time
}

// Breaker tracks independent fault domains keyed by id.
type Breaker struct {
	mu           sync.Mutex
	cfg          config.RecoveryConfig
	domains      map[string]*domainState
	jitter       func() float64 // 0..1
	onTransition func(key string, state CircuitState)
}

func NewBreaker(cfg config.RecoveryConfig) *Breaker {
	return &Breaker{
		cfg:     cfg,
		domains: make(map[string]*domainState),
		jitter:  rand.Float64,
	}
}

// OnTransition registers a single observer for open/close transitions. It is
// invoked with the breaker lock held; observers must not call back in.
func (b *Breaker) OnTransition(fn func(key string, state CircuitState)) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.onTransition = fn
}

// Allow reports whether a recovery attempt for the domain may run now. An
// open circuit refuses until its fixed duration elapses, then returns to
// Closed with counters reset.
func (b *Breaker) Allow(key string, now time.Time) Status {
	b.mu.Lock()
	defer b.mu.Unlock()

	d := b.domain(key)

	if !d.openUntil.IsZero() {
		if now.Before(d.openUntil) {
			return Status{Allowed: false, State: StateOpen, Failures: d.failures, RetryAfter: d.openUntil.Sub(now)}
		}
		// Open duration served: fully closed, counters reset.
		log.Info().Str("domain", key).Str("tag", "circuit_closed").Msg("circuit breaker closed after open duration")
		d.failures = 0
		d.openUntil = time.Time{}
		d.backoffUntil = time.Time{}
		if b.onTransition != nil {
			b.onTransition(key, StateClosed)
		}
	}

	if now.Before(d.backoffUntil) {
		return Status{Allowed: false, State: StateBackoff, Failures: d.failures, RetryAfter: d.backoffUntil.Sub(now)}
	}

	d.lastAttempt = now
	return Status{Allowed: true, State: b.stateLocked(d), Failures: d.failures}
}

// RecordFailure counts a failed attempt, schedules the next backoff, and
// opens the circuit once the attempt budget is exhausted.
func (b *Breaker) RecordFailure(key string, now time.Time) Status {
	b.mu.Lock()
	defer b.mu.Unlock()

	d := b.domain(key)
	d.failures++
	d.lastAttempt = now

	if d.failures >= b.cfg.MaxAttempts {
		d.openUntil = now.Add(b.cfg.CircuitDuration)
		log.Warn().
			Str("domain", key).
			Int("failures", d.failures).
			Time("open_until", d.openUntil).
			Str("tag", "circuit_open").
			Msg("circuit breaker opened")
		if b.onTransition != nil {
			b.onTransition(key, StateOpen)
		}
		return Status{Allowed: false, State: StateOpen, Failures: d.failures, RetryAfter: b.cfg.CircuitDuration}
	}

	backoff := b.backoffFor(d.failures)
	d.backoffUntil = now.Add(backoff)

	log.Debug().
		Str("domain", key).
		Int("failures", d.failures).
		Dur("backoff", backoff).
		Msg("recovery attempt failed, backing off")
	return Status{Allowed: false, State: StateBackoff, Failures: d.failures, RetryAfter: backoff}
}

// RecordSuccess resets the failure count and clears any backoff. It never
// prematurely closes an already-open circuit: the open duration stands.
func (b *Breaker) RecordSuccess(key string, now time.Time) {
	b.mu.Lock()
	defer b.mu.Unlock()

	d := b.domain(key)
	d.failures = 0
	d.backoffUntil = time.Time{}
	d.lastAttempt = now
}

// Snapshot returns the current view of every fault domain.
func (b *Breaker) Snapshot() map[string]DomainView {
	b.mu.Lock()
	defer b.mu.Unlock()

	out := make(map[string]DomainView, len(b.domains))
	for key, d := range b.domains {
		out[key] = DomainView{
			State:       b.stateLocked(d),
			Failures:    d.failures,
			LastAttempt: d.lastAttempt,
			OpenUntil:   d.openUntil,
		}
	}
	return out
}

func (b *Breaker) domain(key string) *domainState {
	d, ok := b.domains[key]
	if !ok {
		d = &domainState{}
		b.domains[key] = d
	}
	return d
}

func (b *Breaker) stateLocked(d *domainState) CircuitState {
	switch {
	case !d.openUntil.IsZero():
		return StateOpen
	case d.failures > 0:
		return StateBackoff
	default:
		return StateClosed
	}
}

// backoffFor is min(base * 2^failures, cap) plus 0-30% jitter.
func (b *Breaker) backoffFor(failures int) time.Duration {
	base := float64(b.cfg.BackoffBase) * math.Pow(2, float64(failures))
	capped := math.Min(base, float64(b.cfg.BackoffCap))
	jittered := capped * (1 + 0.3*b.jitter())
	return time.Duration(jittered)
}
