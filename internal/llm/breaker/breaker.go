// Package breaker implements the per-provider circuit breaker protecting
// LLM transports. State machine: CLOSED → OPEN on failure_threshold
// failures, OPEN → HALF_OPEN after the cooldown, HALF_OPEN → CLOSED after
// success_threshold consecutive successes, HALF_OPEN → OPEN on any failure.
package breaker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"math/rand"
	"sync"
	"time"

	"github.com/dawei-ai/dawei/internal/config"
)

// State of one breaker.
type State int

const (
	Closed State = iota
	Open
	HalfOpen
)

func (s State) String() string {
	switch s {
	case Open:
		return "OPEN"
	case HalfOpen:
		return "HALF_OPEN"
	default:
		return "CLOSED"
	}
}

// Error is returned without attempting the call while the circuit is open.
type Error struct {
	Provider   string
	RetryAfter time.Duration
}

func (e *Error) Error() string {
	return fmt.Sprintf("circuit breaker open for %s, retry after %s", e.Provider, e.RetryAfter)
}

// Classifier reports whether an error is transient and worth retrying
// (HTTP 429/502/503, timeouts, network failures).
type Classifier func(error) bool

// Breaker guards one provider.
type Breaker struct {
	provider  string
	cfg       config.BreakerConfig
	retryable Classifier

	mu           sync.Mutex
	state        State
	failureCount int
	successCount int
	openedAt     time.Time
}

// New builds a breaker for one provider name.
func New(provider string, cfg config.BreakerConfig, retryable Classifier) *Breaker {
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = 5
	}
	if cfg.SuccessThreshold <= 0 {
		cfg.SuccessThreshold = 2
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.BaseDelay <= 0 {
		cfg.BaseDelay = time.Second
	}
	if cfg.MaxDelay <= 0 {
		cfg.MaxDelay = 30 * time.Second
	}
	return &Breaker{provider: provider, cfg: cfg, retryable: retryable}
}

// State returns the current state, applying the OPEN → HALF_OPEN timeout.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.stateLocked(time.Now())
}

func (b *Breaker) stateLocked(now time.Time) State {
	if b.state == Open && now.Sub(b.openedAt) >= b.cfg.Timeout {
		b.state = HalfOpen
		b.successCount = 0
		slog.Info("circuit breaker half-open", "provider", b.provider)
	}
	return b.state
}

// Call runs fn through the breaker with exponential-backoff retry for
// classified-retryable errors. Non-retryable errors surface immediately.
func (b *Breaker) Call(ctx context.Context, fn func() error) error {
	var lastErr error

	for attempt := 0; attempt <= b.cfg.MaxRetries; attempt++ {
		if err := b.admit(); err != nil {
			return err
		}

		err := fn()
		if err == nil {
			b.recordSuccess()
			return nil
		}

		b.recordFailure()
		lastErr = err

		if b.retryable == nil || !b.retryable(err) || errors.Is(err, context.Canceled) {
			return err
		}
		if attempt == b.cfg.MaxRetries {
			break
		}

		delay := b.backoff(attempt)
		slog.Debug("retrying after transient error",
			"provider", b.provider, "attempt", attempt+1, "delay", delay, "error", err)

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}

	return lastErr
}

func (b *Breaker) admit() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := time.Now()
	if b.stateLocked(now) == Open {
		return &Error{
			Provider:   b.provider,
			RetryAfter: b.cfg.Timeout - now.Sub(b.openedAt),
		}
	}
	return nil
}

func (b *Breaker) recordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case HalfOpen:
		b.successCount++
		if b.successCount >= b.cfg.SuccessThreshold {
			b.state = Closed
			b.failureCount = 0
			b.successCount = 0
			slog.Info("circuit breaker closed", "provider", b.provider)
		}
	case Closed:
		b.failureCount = 0
	}
}

func (b *Breaker) recordFailure() {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case HalfOpen:
		b.trip()
	case Closed:
		b.failureCount++
		if b.failureCount >= b.cfg.FailureThreshold {
			b.trip()
		}
	}
}

func (b *Breaker) trip() {
	b.state = Open
	b.openedAt = time.Now()
	b.successCount = 0
	slog.Warn("circuit breaker opened", "provider", b.provider, "failures", b.failureCount)
}

// backoff computes base×2^attempt clamped to max_delay with ±jitter.
func (b *Breaker) backoff(attempt int) time.Duration {
	d := float64(b.cfg.BaseDelay) * math.Pow(2, float64(attempt))
	d = math.Min(d, float64(b.cfg.MaxDelay))
	if b.cfg.JitterFactor > 0 {
		jitter := d * b.cfg.JitterFactor * (2*rand.Float64() - 1)
		d = math.Max(0, d+jitter)
	}
	return time.Duration(d)
}

// Registry hands out one breaker per provider name.
type Registry struct {
	mu        sync.Mutex
	cfg       config.BreakerConfig
	retryable Classifier
	breakers  map[string]*Breaker
}

// NewRegistry builds a breaker registry sharing one config.
func NewRegistry(cfg config.BreakerConfig, retryable Classifier) *Registry {
	return &Registry{cfg: cfg, retryable: retryable, breakers: make(map[string]*Breaker)}
}

// For returns the breaker for a provider, creating it on first use.
func (r *Registry) For(provider string) *Breaker {
	r.mu.Lock()
	defer r.mu.Unlock()
	b, ok := r.breakers[provider]
	if !ok {
		b = New(provider, r.cfg, r.retryable)
		r.breakers[provider] = b
	}
	return b
}
