// Package resilience provides the circuit breaker that guards outbound
// embedding calls.
//
// The central type is [Breaker], a classic three-state breaker
// (closed → open → half-open). [GuardedEmbedder] applies one to an
// embedding provider so a flapping model server fails fast instead of
// stalling every search that needs a query vector.
//
// All types are safe for concurrent use.
package resilience

import (
	"errors"
	"log/slog"
	"sync"
	"time"
)

// ErrOpen is returned by [Breaker.Execute] while the breaker is open and the
// reset timeout has not yet elapsed.
var ErrOpen = errors.New("circuit breaker is open")

// State is the operating mode of a [Breaker].
type State int

const (
	// StateClosed forwards all calls.
	StateClosed State = iota

	// StateOpen rejects calls with [ErrOpen] until the reset timeout elapses.
	StateOpen

	// StateHalfOpen lets a limited number of probe calls through. Success
	// closes the breaker, failure re-opens it.
	StateHalfOpen
)

// String returns the human-readable name of the state.
func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// Defaults applied by [NewBreaker] for zero Config fields.
const (
	DefaultMaxFailures  = 5
	DefaultResetTimeout = 30 * time.Second
	DefaultHalfOpenMax  = 3
)

// Config holds tuning knobs for a [Breaker].
type Config struct {
	// Name labels the breaker in log messages.
	Name string

	// MaxFailures is the number of consecutive failures in the closed
	// state before the breaker opens.
	MaxFailures int

	// ResetTimeout is how long the breaker stays open before moving to
	// half-open.
	ResetTimeout time.Duration

	// HalfOpenMax caps probe calls in the half-open state.
	HalfOpenMax int

	// Logger receives state transitions. Nil means slog.Default.
	Logger *slog.Logger
}

// Breaker implements the three-state circuit breaker pattern.
type Breaker struct {
	name         string
	maxFailures  int
	resetTimeout time.Duration
	halfOpenMax  int
	log          *slog.Logger

	// now is replaceable in tests.
	now func() time.Time

	mu        sync.Mutex
	state     State
	failures  int
	probes    int
	openedAt  time.Time
	successes int
}

// NewBreaker builds a closed [Breaker], applying defaults for zero fields.
func NewBreaker(cfg Config) *Breaker {
	if cfg.MaxFailures <= 0 {
		cfg.MaxFailures = DefaultMaxFailures
	}
	if cfg.ResetTimeout <= 0 {
		cfg.ResetTimeout = DefaultResetTimeout
	}
	if cfg.HalfOpenMax <= 0 {
		cfg.HalfOpenMax = DefaultHalfOpenMax
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Breaker{
		name:         cfg.Name,
		maxFailures:  cfg.MaxFailures,
		resetTimeout: cfg.ResetTimeout,
		halfOpenMax:  cfg.HalfOpenMax,
		log:          cfg.Logger,
		now:          time.Now,
	}
}

// State returns the current state, promoting open to half-open when the
// reset timeout has elapsed.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.currentState()
}

// Execute runs fn when the breaker allows it and records the outcome.
// While open it returns [ErrOpen] without calling fn.
func (b *Breaker) Execute(fn func() error) error {
	if err := b.admit(); err != nil {
		return err
	}
	err := fn()
	b.record(err == nil)
	return err
}

// admit decides whether a call may proceed in the current state.
func (b *Breaker) admit() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.currentState() {
	case StateOpen:
		return ErrOpen
	case StateHalfOpen:
		if b.probes >= b.halfOpenMax {
			return ErrOpen
		}
		b.probes++
	}
	return nil
}

// record folds one call outcome into the state machine.
func (b *Breaker) record(ok bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.currentState() {
	case StateClosed:
		if ok {
			b.failures = 0
			return
		}
		b.failures++
		if b.failures >= b.maxFailures {
			b.trip()
		}
	case StateHalfOpen:
		if !ok {
			b.trip()
			return
		}
		b.successes++
		if b.successes >= b.halfOpenMax {
			b.reset()
		}
	}
}

// currentState resolves open → half-open once the reset timeout elapses.
// Callers must hold b.mu.
func (b *Breaker) currentState() State {
	if b.state == StateOpen && b.now().Sub(b.openedAt) >= b.resetTimeout {
		b.state = StateHalfOpen
		b.probes = 0
		b.successes = 0
		b.log.Info("circuit breaker half-open", "name", b.name)
	}
	return b.state
}

// trip opens the breaker. Callers must hold b.mu.
func (b *Breaker) trip() {
	b.state = StateOpen
	b.openedAt = b.now()
	b.failures = 0
	b.log.Warn("circuit breaker opened",
		"name", b.name,
		"reset_timeout", b.resetTimeout)
}

// reset closes the breaker after successful half-open probes.
// Callers must hold b.mu.
func (b *Breaker) reset() {
	b.state = StateClosed
	b.failures = 0
	b.probes = 0
	b.successes = 0
	b.log.Info("circuit breaker closed", "name", b.name)
}
