package breaker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/integrahub/docflow/internal/dferr"
)

// Registry hands out one breaker per logical dependency name. Unknown
// names receive the "default" configuration.
type Registry struct {
	mu       sync.Mutex
	configs  map[string]Config
	breakers map[string]*Breaker
	onChange func(name string, from, to State)
}

// NewRegistry builds a registry over the configured breaker set.
func NewRegistry(configs map[string]Config) *Registry {
	if configs == nil {
		configs = map[string]Config{}
	}
	if _, ok := configs["default"]; !ok {
		configs["default"] = DefaultConfig()
	}
	return &Registry{configs: configs, breakers: map[string]*Breaker{}}
}

// OnStateChange registers a hook applied to every breaker the registry
// creates. Must be called before the first Get.
func (r *Registry) OnStateChange(fn func(name string, from, to State)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.onChange = fn
}

// Get returns the breaker for name, creating it on first use.
func (r *Registry) Get(name string) *Breaker {
	r.mu.Lock()
	defer r.mu.Unlock()
	if b, ok := r.breakers[name]; ok {
		return b
	}
	cfg, ok := r.configs[name]
	if !ok {
		cfg = r.configs["default"]
	}
	b := New(name, cfg)
	if r.onChange != nil {
		b.OnStateChange(r.onChange)
	}
	r.breakers[name] = b
	return b
}

// States snapshots every known breaker's state, for health reporting.
func (r *Registry) States() map[string]State {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make(map[string]State, len(r.breakers))
	for name, b := range r.breakers {
		out[name] = b.State()
	}
	return out
}

// RetryPolicy drives short exponential retries for transient errors.
// Retries run inside a single breaker execution so one flapping call
// counts as one window outcome.
type RetryPolicy struct {
	MaxAttempts  int           // Total attempts including the first
	InitialDelay time.Duration // Delay before the second attempt
	MaxDelay     time.Duration // Backoff ceiling
	Multiplier   float64       // Exponential growth factor
}

// DefaultRetryPolicy matches the persistence tier's transient-error policy.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts:  3,
		InitialDelay: 50 * time.Millisecond,
		MaxDelay:     500 * time.Millisecond,
		Multiplier:   2.0,
	}
}

// Retry executes fn with exponential backoff, respecting ctx cancellation
// between attempts.
func Retry(ctx context.Context, policy RetryPolicy, fn func(context.Context) error) error {
	if policy.MaxAttempts < 1 {
		policy.MaxAttempts = 1
	}
	delay := policy.InitialDelay
	var lastErr error
	for attempt := 1; attempt <= policy.MaxAttempts; attempt++ {
		lastErr = fn(ctx)
		if lastErr == nil {
			return nil
		}
		if attempt >= policy.MaxAttempts {
			break
		}
		slog.Debug("retrying after transient failure",
			"attempt", attempt, "max", policy.MaxAttempts, "delay", delay, "error", lastErr)
		select {
		case <-ctx.Done():
			return dferr.Wrap(dferr.KindInterrupted, ctx.Err(), "retry cancelled")
		case <-time.After(delay):
		}
		delay = time.Duration(float64(delay) * policy.Multiplier)
		if policy.MaxDelay > 0 && delay > policy.MaxDelay {
			delay = policy.MaxDelay
		}
	}
	if errors.Is(lastErr, context.DeadlineExceeded) {
		return dferr.Wrap(dferr.KindTimeout, lastErr, "gave up after %d attempts", policy.MaxAttempts)
	}
	return fmt.Errorf("gave up after %d attempts: %w", policy.MaxAttempts, lastErr)
}
