// Package breaker implements per-dependency circuit breaking for the
// pipeline's repository and XML processing calls. A breaker trips on the
// failure rate observed over a sliding window of outcomes, waits out an
// open interval, then probes the dependency with a limited number of
// half-open calls before closing again.
package breaker

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/integrahub/docflow/internal/dferr"
)

// State of a circuit breaker.
type State int32

const (
	StateClosed   State = iota // Normal operation, calls pass through
	StateHalfOpen              // Probing whether the dependency recovered
	StateOpen                  // Calls fail fast to the fallback
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateHalfOpen:
		return "half-open"
	case StateOpen:
		return "open"
	default:
		return "unknown"
	}
}

// ErrOpen is returned (wrapped in a CircuitOpen kind) when a call is
// rejected because the breaker is not permitting executions.
var ErrOpen = errors.New("circuit breaker is open")

// Config tunes one breaker.
type Config struct {
	FailureRateThreshold float64       // Percent of failures that opens the circuit, 0-100
	SlidingWindowSize    int           // Number of call outcomes retained
	MinCalls             int           // Outcomes required before the rate is evaluated
	WaitInOpen           time.Duration // Open interval before probing
	HalfOpenCalls        int           // Successful probes required to close
	CallTimeout          time.Duration // Per-call deadline; timeouts count as failures
}

// DefaultConfig mirrors the "default" breaker of the shipped configuration.
func DefaultConfig() Config {
	return Config{
		FailureRateThreshold: 50,
		SlidingWindowSize:    20,
		MinCalls:             10,
		WaitInOpen:           30 * time.Second,
		HalfOpenCalls:        3,
		CallTimeout:          5 * time.Second,
	}
}

// Breaker guards one logical dependency. Safe under parallel callers:
// state reads are atomic, window bookkeeping is behind a mutex.
type Breaker struct {
	name  string
	cfg   Config
	state int32 // State, atomic

	mu                sync.Mutex
	window            []bool // true = failure
	windowIdx         int
	windowFilled      int
	openedAt          time.Time
	halfOpenInFlight  int
	halfOpenSuccesses int

	onStateChange func(name string, from, to State)
}

// New builds a breaker named for its dependency.
func New(name string, cfg Config) *Breaker {
	if cfg.SlidingWindowSize < 1 {
		cfg.SlidingWindowSize = 1
	}
	if cfg.MinCalls < 1 {
		cfg.MinCalls = 1
	}
	if cfg.HalfOpenCalls < 1 {
		cfg.HalfOpenCalls = 1
	}
	return &Breaker{
		name:   name,
		cfg:    cfg,
		state:  int32(StateClosed),
		window: make([]bool, cfg.SlidingWindowSize),
	}
}

// OnStateChange registers a hook invoked after every transition.
func (b *Breaker) OnStateChange(fn func(name string, from, to State)) {
	b.onStateChange = fn
}

// Name returns the dependency name the breaker guards.
func (b *Breaker) Name() string { return b.name }

// State returns the current state.
func (b *Breaker) State() State { return State(atomic.LoadInt32(&b.state)) }

// acquire decides whether one call may proceed. In the open state it also
// performs the open-to-half-open transition once the wait has elapsed.
func (b *Breaker) acquire() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch State(atomic.LoadInt32(&b.state)) {
	case StateClosed:
		return true
	case StateOpen:
		if time.Since(b.openedAt) >= b.cfg.WaitInOpen {
			b.transition(StateOpen, StateHalfOpen)
			b.halfOpenSuccesses = 0
			b.halfOpenInFlight = 1
			return true
		}
		return false
	case StateHalfOpen:
		if b.halfOpenInFlight < b.cfg.HalfOpenCalls {
			b.halfOpenInFlight++
			return true
		}
		return false
	default:
		return false
	}
}

// record feeds one call outcome into the window and drives transitions.
func (b *Breaker) record(failed bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	state := State(atomic.LoadInt32(&b.state))
	switch state {
	case StateHalfOpen:
		b.halfOpenInFlight--
		if failed {
			b.open(StateHalfOpen)
			return
		}
		b.halfOpenSuccesses++
		if b.halfOpenSuccesses >= b.cfg.HalfOpenCalls {
			b.transition(StateHalfOpen, StateClosed)
			b.resetWindow()
		}
	case StateClosed:
		b.window[b.windowIdx] = failed
		b.windowIdx = (b.windowIdx + 1) % len(b.window)
		if b.windowFilled < len(b.window) {
			b.windowFilled++
		}
		if b.windowFilled >= b.cfg.MinCalls && b.failureRate() >= b.cfg.FailureRateThreshold {
			b.open(StateClosed)
		}
	}
}

// open transitions to OPEN from the given state. Caller holds b.mu.
func (b *Breaker) open(from State) {
	b.transition(from, StateOpen)
	b.openedAt = time.Now()
	b.resetWindow()
}

func (b *Breaker) resetWindow() {
	for i := range b.window {
		b.window[i] = false
	}
	b.windowIdx = 0
	b.windowFilled = 0
	b.halfOpenSuccesses = 0
	b.halfOpenInFlight = 0
}

// failureRate is the percentage of failures in the filled window. Caller
// holds b.mu.
func (b *Breaker) failureRate() float64 {
	if b.windowFilled == 0 {
		return 0
	}
	failures := 0
	for i := 0; i < b.windowFilled; i++ {
		if b.window[i] {
			failures++
		}
	}
	return float64(failures) / float64(b.windowFilled) * 100
}

// transition flips the atomic state and notifies. Caller holds b.mu.
func (b *Breaker) transition(from, to State) {
	atomic.StoreInt32(&b.state, int32(to))
	slog.Info("circuit breaker state change",
		"breaker", b.name, "from", from.String(), "to", to.String())
	if b.onStateChange != nil {
		b.onStateChange(b.name, from, to)
	}
}

// invoke runs op under the configured call timeout. The op keeps running
// in its goroutine after a timeout; only the outcome accounting stops
// waiting for it.
func (b *Breaker) invoke(ctx context.Context, op func(context.Context) error) error {
	if b.cfg.CallTimeout <= 0 {
		return op(ctx)
	}
	callCtx, cancel := context.WithTimeout(ctx, b.cfg.CallTimeout)
	defer cancel()

	done := make(chan error, 1)
	go func() { done <- op(callCtx) }()

	select {
	case err := <-done:
		return err
	case <-callCtx.Done():
		if errors.Is(callCtx.Err(), context.DeadlineExceeded) {
			return dferr.Wrap(dferr.KindTimeout, callCtx.Err(),
				"%s call exceeded %v", b.name, b.cfg.CallTimeout)
		}
		return dferr.Wrap(dferr.KindInterrupted, callCtx.Err(), "%s call cancelled", b.name)
	}
}

// Run executes op under the breaker. When the breaker rejects the call,
// fallback is invoked synchronously with the rejection error and its
// outcome — including any error it returns — propagates unwrapped and
// does not count toward the window. A nil fallback turns rejections into
// CircuitOpen errors.
func (b *Breaker) Run(ctx context.Context, op func(context.Context) error, fallback func(error) error) error {
	if !b.acquire() {
		rejection := dferr.Wrap(dferr.KindCircuitOpen, ErrOpen, "%s unavailable", b.name)
		if fallback == nil {
			return rejection
		}
		return fallback(rejection)
	}
	err := b.invoke(ctx, op)
	b.record(err != nil)
	return err
}

// Do is the value-returning variant of Run with identical semantics.
func Do[T any](ctx context.Context, b *Breaker, op func(context.Context) (T, error), fallback func(error) (T, error)) (T, error) {
	var out T
	if !b.acquire() {
		rejection := dferr.Wrap(dferr.KindCircuitOpen, ErrOpen, "%s unavailable", b.name)
		if fallback == nil {
			return out, rejection
		}
		return fallback(rejection)
	}
	err := b.invoke(ctx, func(ctx context.Context) error {
		var opErr error
		out, opErr = op(ctx)
		return opErr
	})
	b.record(err != nil)
	if err != nil {
		var zero T
		return zero, err
	}
	return out, nil
}
