// Package breaker implements the per-worker circuit breaker: a
// closed/open/half-open state machine with a consecutive-failure
// threshold, a rolling error-rate window and a capped exponential
// back-off on the open-state reset timer. Counters use
// go.uber.org/atomic so they read the same way the rest of the
// pipeline's hot counters do.
package breaker

import (
	"log/slog"
	"sync"
	"time"

	"go.uber.org/atomic"

	"github.com/wiredfox/comfymw/pkg/types"
)

// State is the breaker's position in its state machine.
type State int32

const (
	Closed State = iota
	Open
	HalfOpen
)

func (s State) String() string {
	switch s {
	case Closed:
		return "closed"
	case Open:
		return "open"
	case HalfOpen:
		return "half_open"
	default:
		return "unknown"
	}
}

// ToDomain maps the breaker's internal state to the domain-wide
// BreakerState enum exposed over the HTTP surface.
func (s State) ToDomain() types.BreakerState {
	switch s {
	case Open:
		return types.BreakerOpen
	case HalfOpen:
		return types.BreakerHalfOpen
	default:
		return types.BreakerClosed
	}
}

// Config tunes one breaker's thresholds and timers. Zero values are
// replaced by DefaultConfig's defaults in New.
type Config struct {
	FailureThreshold int           // consecutive failures before opening
	SuccessThreshold int           // consecutive half-open successes before closing
	ResetTimeout     time.Duration // initial OPEN -> HALF_OPEN delay
	MaxResetTimeout  time.Duration // cap on the back-off growth
	VolumeThreshold  int           // minimum samples before the error-rate rule applies
	ErrorRatePct     float64       // rolling error rate (0-100) that forces OPEN
	WindowSize       time.Duration // width of the rolling error-rate window
	CallTimeout      time.Duration // caller-observed timeout counted as a failure
}

// DefaultConfig matches the defaults named in the health monitor design.
func DefaultConfig() Config {
	return Config{
		FailureThreshold: 3,
		SuccessThreshold: 2,
		ResetTimeout:      15 * time.Second,
		MaxResetTimeout:   120 * time.Second,
		VolumeThreshold:   10,
		ErrorRatePct:      50,
		WindowSize:        60 * time.Second,
		CallTimeout:       30 * time.Second,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.FailureThreshold <= 0 {
		c.FailureThreshold = d.FailureThreshold
	}
	if c.SuccessThreshold <= 0 {
		c.SuccessThreshold = d.SuccessThreshold
	}
	if c.ResetTimeout <= 0 {
		c.ResetTimeout = d.ResetTimeout
	}
	if c.MaxResetTimeout <= 0 {
		c.MaxResetTimeout = d.MaxResetTimeout
	}
	if c.VolumeThreshold <= 0 {
		c.VolumeThreshold = d.VolumeThreshold
	}
	if c.ErrorRatePct <= 0 {
		c.ErrorRatePct = d.ErrorRatePct
	}
	if c.WindowSize <= 0 {
		c.WindowSize = d.WindowSize
	}
	if c.CallTimeout <= 0 {
		c.CallTimeout = d.CallTimeout
	}
	return c
}

type sample struct {
	at      time.Time
	success bool
}

// Breaker is one circuit breaker instance, scoped by its caller to a
// single (worker, operation class) pair.
type Breaker struct {
	name string
	cfg  Config
	log  *slog.Logger

	mu                   sync.Mutex
	state                State
	consecutiveFailures  int
	consecutiveSuccesses int
	currentResetTimeout  time.Duration
	nextAttemptAt        time.Time
	stateChangedAt       time.Time
	window               []sample

	totalRequests atomic.Int64
	totalOpened   atomic.Int64
}

// New creates a breaker in the closed state.
func New(name string, cfg Config) *Breaker {
	cfg = cfg.withDefaults()
	now := time.Now()
	return &Breaker{
		name:                name,
		cfg:                 cfg,
		log:                 slog.Default().With("component", "breaker", "name", name),
		state:               Closed,
		currentResetTimeout: cfg.ResetTimeout,
		stateChangedAt:      now,
	}
}

// Allow reports whether a call may proceed right now. Only the Allow call
// that moves an elapsed OPEN breaker to HALF_OPEN is admitted; every
// Allow call made while the breaker is HALF_OPEN returns false, even
// after Success, until enough Success calls close it or a Failure
// reopens it.
func (b *Breaker) Allow() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := time.Now()
	switch b.state {
	case Closed:
		return true
	case Open:
		if now.Before(b.nextAttemptAt) {
			return false
		}
		b.transition(HalfOpen, now)
		return true
	case HalfOpen:
		// The probe was admitted by the OPEN -> HALF_OPEN transition;
		// no further calls are admitted in this state.
		return false
	default:
		return false
	}
}

// Success records a successful call.
func (b *Breaker) Success() {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := time.Now()
	b.record(now, true)
	b.consecutiveFailures = 0

	if b.state == HalfOpen {
		b.consecutiveSuccesses++
		if b.consecutiveSuccesses >= b.cfg.SuccessThreshold {
			b.currentResetTimeout = b.cfg.ResetTimeout
			b.transition(Closed, now)
		}
	}
}

// Failure records a failed call and evaluates the opening rules.
func (b *Breaker) Failure() {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := time.Now()
	b.record(now, false)
	b.consecutiveSuccesses = 0
	b.consecutiveFailures++

	switch b.state {
	case HalfOpen:
		b.open(now)
	case Closed:
		if b.consecutiveFailures >= b.cfg.FailureThreshold || b.errorRateExceeded(now) {
			b.open(now)
		}
	}
}

// State returns the breaker's current state.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// ForceOpen and ForceClose are the admin hooks named in the health
// monitor design; they bypass the counters but emit the same transition.
func (b *Breaker) ForceOpen() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.open(time.Now())
}

func (b *Breaker) ForceClose() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.currentResetTimeout = b.cfg.ResetTimeout
	b.consecutiveFailures = 0
	b.consecutiveSuccesses = 0
	b.transition(Closed, time.Now())
}

func (b *Breaker) open(now time.Time) {
	b.totalOpened.Inc()
	b.nextAttemptAt = now.Add(b.currentResetTimeout)
	grown := time.Duration(float64(b.currentResetTimeout) * 1.5)
	if grown > b.cfg.MaxResetTimeout {
		grown = b.cfg.MaxResetTimeout
	}
	b.currentResetTimeout = grown
	b.transition(Open, now)
}

func (b *Breaker) transition(to State, now time.Time) {
	if b.state == to {
		return
	}
	from := b.state
	b.state = to
	b.stateChangedAt = now
	b.log.Info("breaker state transition", "from", from.String(), "to", to.String())
}

func (b *Breaker) record(now time.Time, success bool) {
	b.totalRequests.Inc()
	b.window = append(b.window, sample{at: now, success: success})
	cutoff := now.Add(-b.cfg.WindowSize)
	i := 0
	for i < len(b.window) && b.window[i].at.Before(cutoff) {
		i++
	}
	if i > 0 {
		b.window = b.window[i:]
	}
}

func (b *Breaker) errorRateExceeded(now time.Time) bool {
	if len(b.window) < b.cfg.VolumeThreshold {
		return false
	}
	var failed int
	for _, s := range b.window {
		if !s.success {
			failed++
		}
	}
	rate := float64(failed) / float64(len(b.window)) * 100
	return rate > b.cfg.ErrorRatePct
}

// NextAttemptAt exposes when an OPEN breaker will admit its next probe;
// zero value means the breaker is not open.
func (b *Breaker) NextAttemptAt() time.Time {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state != Open {
		return time.Time{}
	}
	return b.nextAttemptAt
}
