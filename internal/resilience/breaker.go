// Package resilience guards calls to the remote coaching and scoring
// services.
//
// [Breaker] is a three-state circuit breaker (closed, open, half-open). When a
// remote service keeps failing, further calls are rejected with
// [ErrCircuitOpen] until a cooldown passes, so a flapping backend cannot stall
// the voice loop with timeouts on every utterance.
//
// All types are safe for concurrent use.
package resilience

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"
)

// ErrCircuitOpen is returned by [Breaker.Do] while the breaker rejects calls.
var ErrCircuitOpen = errors.New("resilience: circuit open")

// State is the operating mode of a [Breaker].
type State int

const (
	// StateClosed forwards every call.
	StateClosed State = iota

	// StateOpen rejects calls until the cooldown has elapsed.
	StateOpen

	// StateHalfOpen lets a limited number of probe calls through. Enough
	// successes close the breaker; any failure opens it again.
	StateHalfOpen
)

// String returns the lower-case name of the state.
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

// BreakerConfig holds the tuning knobs of a [Breaker]. Zero fields take
// defaults.
type BreakerConfig struct {
	// Name labels log lines and state-change callbacks.
	Name string

	// MaxFailures is the number of consecutive failures that opens the
	// breaker. Default: 5.
	MaxFailures int

	// Cooldown is how long the breaker stays open. Default: 30s.
	Cooldown time.Duration

	// Probes is the number of successful half-open calls needed to close
	// again, and the maximum number of probes in flight. Default: 1.
	Probes int
}

// BreakerOption customises a [Breaker].
type BreakerOption func(*Breaker)

// WithClock replaces time.Now. Tests use it to step through cooldowns.
func WithClock(now func() time.Time) BreakerOption {
	return func(b *Breaker) {
		b.now = now
	}
}

// WithStateHook registers fn to be called on every state transition. fn runs
// with the breaker's lock held and must not call back into the breaker.
func WithStateHook(fn func(name string, from, to State)) BreakerOption {
	return func(b *Breaker) {
		b.onChange = fn
	}
}

// Breaker implements the circuit breaker pattern.
type Breaker struct {
	name        string
	maxFailures int
	cooldown    time.Duration
	probes      int
	now         func() time.Time
	onChange    func(name string, from, to State)

	mu        sync.Mutex
	state     State
	failures  int
	openedAt  time.Time
	inFlight  int // half-open probes currently running
	successes int // half-open probes that succeeded
}

// NewBreaker creates a closed breaker.
func NewBreaker(cfg BreakerConfig, opts ...BreakerOption) *Breaker {
	if cfg.MaxFailures <= 0 {
		cfg.MaxFailures = 5
	}
	if cfg.Cooldown <= 0 {
		cfg.Cooldown = 30 * time.Second
	}
	if cfg.Probes <= 0 {
		cfg.Probes = 1
	}
	b := &Breaker{
		name:        cfg.Name,
		maxFailures: cfg.MaxFailures,
		cooldown:    cfg.Cooldown,
		probes:      cfg.Probes,
		now:         time.Now,
	}
	for _, o := range opts {
		o(b)
	}
	return b
}

// Do runs fn if the breaker admits the call. A nil error, a [Permanent]
// error, or a cancellation of ctx do not count as failures of the remote
// service.
func (b *Breaker) Do(ctx context.Context, fn func(ctx context.Context) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	probe, err := b.admit()
	if err != nil {
		return err
	}

	callErr := fn(ctx)

	b.mu.Lock()
	defer b.mu.Unlock()
	if probe && b.inFlight > 0 {
		b.inFlight--
	}
	switch {
	case callErr == nil, IsPermanent(callErr):
		b.onSuccessLocked(probe)
	case ctx.Err() != nil && errors.Is(callErr, ctx.Err()):
		// Caller gave up; says nothing about the service.
	default:
		b.onFailureLocked(probe)
	}
	return callErr
}

// admit decides whether a call may proceed and whether it is a probe.
func (b *Breaker) admit() (probe bool, err error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.state == StateOpen {
		if b.now().Sub(b.openedAt) < b.cooldown {
			return false, ErrCircuitOpen
		}
		b.setStateLocked(StateHalfOpen)
		b.inFlight = 0
		b.successes = 0
	}
	if b.state == StateHalfOpen {
		if b.inFlight >= b.probes {
			return false, ErrCircuitOpen
		}
		b.inFlight++
		return true, nil
	}
	return false, nil
}

func (b *Breaker) onSuccessLocked(probe bool) {
	if !probe {
		b.failures = 0
		return
	}
	if b.state != StateHalfOpen {
		return
	}
	b.successes++
	if b.successes >= b.probes {
		b.failures = 0
		b.setStateLocked(StateClosed)
	}
}

func (b *Breaker) onFailureLocked(probe bool) {
	if probe {
		if b.state == StateHalfOpen {
			b.openedAt = b.now()
			b.setStateLocked(StateOpen)
		}
		return
	}
	b.failures++
	if b.state == StateClosed && b.failures >= b.maxFailures {
		b.openedAt = b.now()
		b.setStateLocked(StateOpen)
	}
}

func (b *Breaker) setStateLocked(to State) {
	from := b.state
	if from == to {
		return
	}
	b.state = to
	slog.Info("resilience: breaker state changed",
		"name", b.name,
		"from", from.String(),
		"to", to.String(),
	)
	if b.onChange != nil {
		b.onChange(b.name, from, to)
	}
}

// State returns the current state. An open breaker whose cooldown has
// elapsed reports [StateHalfOpen]; the transition itself happens on the next
// call to [Breaker.Do].
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state == StateOpen && b.now().Sub(b.openedAt) >= b.cooldown {
		return StateHalfOpen
	}
	return b.state
}

// Reset forces the breaker closed and clears its counters.
func (b *Breaker) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.failures = 0
	b.inFlight = 0
	b.successes = 0
	b.setStateLocked(StateClosed)
}

// Name returns the breaker's label.
func (b *Breaker) Name() string { return b.name }

type permanentError struct{ err error }

func (e *permanentError) Error() string { return e.err.Error() }
func (e *permanentError) Unwrap() error { return e.err }

// Permanent marks err as a rejection of the request itself (for example an
// HTTP 4xx) rather than a failure of the service. [Breaker.Do] does not count
// permanent errors toward opening the circuit. Permanent(nil) is nil.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

// IsPermanent reports whether err was marked with [Permanent].
func IsPermanent(err error) bool {
	var pe *permanentError
	return errors.As(err, &pe)
}
