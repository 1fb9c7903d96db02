// Package resilience provides the circuit breaker guarding the gateway's
// outbound service calls (analysis completions, external tool servers).
package resilience

import (
	"errors"
	"log/slog"
	"sync"
	"time"
)

// ErrOpen is returned by [Breaker.Do] while the breaker is rejecting calls.
var ErrOpen = errors.New("resilience: circuit open")

// State is the operating mode of a [Breaker].
type State int

const (
	// Closed forwards every call.
	Closed State = iota

	// Open rejects every call until the cooldown elapses.
	Open

	// HalfOpen lets a bounded number of probes through; one failure
	// re-opens, enough successes close.
	HalfOpen
)

func (s State) String() string {
	switch s {
	case Closed:
		return "closed"
	case Open:
		return "open"
	case HalfOpen:
		return "half-open"
	}
	return "unknown"
}

// Settings tunes a [Breaker]. Zero fields take the defaults.
type Settings struct {
	// Name labels the breaker in logs.
	Name string

	// Threshold is the consecutive-failure count that opens the breaker.
	// Defaults to 5.
	Threshold int

	// Cooldown is how long the breaker stays open before probing.
	// Defaults to 30s.
	Cooldown time.Duration

	// Probes is the half-open probe budget. Defaults to 3.
	Probes int

	// Logger defaults to slog.Default.
	Logger *slog.Logger
}

// Breaker is a three-state circuit breaker. Safe for concurrent use.
type Breaker struct {
	name      string
	threshold int
	cooldown  time.Duration
	probes    int
	log       *slog.Logger
	now       func() time.Time

	mu         sync.Mutex
	state      State
	failures   int
	openedAt   time.Time
	probeCalls int
	probeFails int
}

// NewBreaker builds a breaker from s.
func NewBreaker(s Settings) *Breaker {
	if s.Threshold <= 0 {
		s.Threshold = 5
	}
	if s.Cooldown <= 0 {
		s.Cooldown = 30 * time.Second
	}
	if s.Probes <= 0 {
		s.Probes = 3
	}
	if s.Logger == nil {
		s.Logger = slog.Default()
	}
	return &Breaker{
		name:      s.Name,
		threshold: s.Threshold,
		cooldown:  s.Cooldown,
		probes:    s.Probes,
		log:       s.Logger,
		now:       time.Now,
	}
}

// Do runs fn unless the breaker is rejecting calls, in which case it
// returns [ErrOpen] without invoking fn. The error from fn passes through.
func (b *Breaker) Do(fn func() error) error {
	b.mu.Lock()
	switch b.state {
	case Open:
		if b.now().Sub(b.openedAt) < b.cooldown {
			b.mu.Unlock()
			return ErrOpen
		}
		b.state = HalfOpen
		b.probeCalls = 0
		b.probeFails = 0
		b.log.Info("circuit half-open", "name", b.name)
	case HalfOpen:
		if b.probeCalls >= b.probes {
			b.mu.Unlock()
			return ErrOpen
		}
	}
	probing := b.state == HalfOpen
	if probing {
		b.probeCalls++
	}
	b.mu.Unlock()

	err := fn()

	b.mu.Lock()
	defer b.mu.Unlock()
	if err != nil {
		b.onFailure(probing)
	} else {
		b.onSuccess(probing)
	}
	return err
}

func (b *Breaker) onFailure(probing bool) {
	b.openedAt = b.now()
	if probing {
		b.probeFails++
		b.state = Open
		b.failures = b.threshold
		b.log.Warn("circuit re-opened", "name", b.name)
		return
	}
	b.failures++
	if b.failures >= b.threshold && b.state == Closed {
		b.state = Open
		b.log.Warn("circuit opened", "name", b.name, "consecutive_failures", b.failures)
	}
}

func (b *Breaker) onSuccess(probing bool) {
	if probing {
		if b.probeCalls-b.probeFails >= b.probes {
			b.state = Closed
			b.failures = 0
			b.log.Info("circuit closed", "name", b.name)
		}
		return
	}
	b.failures = 0
}

// State returns the breaker's current state. An open breaker past its
// cooldown reports [HalfOpen]; the transition itself happens on the next Do.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state == Open && b.now().Sub(b.openedAt) >= b.cooldown {
		return HalfOpen
	}
	return b.state
}

// Reset forces the breaker closed and clears all counters.
func (b *Breaker) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.state = Closed
	b.failures = 0
	b.probeCalls = 0
	b.probeFails = 0
}
