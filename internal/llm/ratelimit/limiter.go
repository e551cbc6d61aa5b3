// Package ratelimit implements the adaptive rate limiter shared by all LLM
// clients. Three admission strategies are supported; the effective rate
// scales up after sustained success and down after sustained failure, and is
// halved immediately when a provider signals HTTP 429.
package ratelimit

import (
	"context"
	"log/slog"
	"math"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/dawei-ai/dawei/internal/config"
)

// Strategy names accepted in config.
const (
	StrategySlidingWindow = "sliding_window"
	StrategyTokenBucket   = "token_bucket"
	StrategyFixedWindow   = "fixed_window"
)

type strategy interface {
	// admit attempts to take n slots at the current rate. On refusal it
	// returns a hint for how long the caller should wait before retrying.
	admit(now time.Time, n int, currentRate float64) (bool, time.Duration)
}

// Limiter is the adaptive limiter. Safe for concurrent use.
type Limiter struct {
	mu    sync.Mutex
	cfg   config.LimiterConfig
	strat strategy

	currentRate  float64
	successCount int
	failureCount int
}

// New builds a limiter from config. Unknown strategies fall back to the
// sliding window default.
func New(cfg config.LimiterConfig) *Limiter {
	if cfg.InitialRate <= 0 {
		cfg.InitialRate = 10
	}
	if cfg.MinRate <= 0 {
		cfg.MinRate = 0.5
	}
	if cfg.MaxRate < cfg.InitialRate {
		cfg.MaxRate = cfg.InitialRate
	}

	l := &Limiter{cfg: cfg, currentRate: cfg.InitialRate}
	switch cfg.Strategy {
	case StrategyTokenBucket:
		burst := int(cfg.BurstCapacity)
		if burst < 1 {
			burst = 1
		}
		l.strat = &tokenBucket{lim: rate.NewLimiter(rate.Limit(cfg.InitialRate), burst)}
	case StrategyFixedWindow:
		l.strat = &fixedWindow{}
	default:
		l.strat = &slidingWindow{}
	}
	return l
}

// TryAcquire attempts to take n slots without waiting. On refusal the second
// return value hints how long to wait before the next attempt.
func (l *Limiter) TryAcquire(n int) (bool, time.Duration) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.strat.admit(time.Now(), n, l.currentRate)
}

// Acquire blocks until n slots are admitted or the context is done. The
// wait hint from each refusal paces the retry loop.
func (l *Limiter) Acquire(ctx context.Context, n int) error {
	for {
		ok, hint := l.TryAcquire(n)
		if ok {
			return nil
		}
		if hint <= 0 {
			hint = 10 * time.Millisecond
		}
		timer := time.NewTimer(hint)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
}

// ReportSuccess records one successful request. After scale_up_threshold
// consecutive successes the rate grows by scale_up_factor.
func (l *Limiter) ReportSuccess() {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.failureCount = 0
	l.successCount++
	if l.cfg.ScaleUpThreshold > 0 && l.successCount >= l.cfg.ScaleUpThreshold {
		l.successCount = 0
		l.setRateLocked(l.currentRate * l.cfg.ScaleUpFactor)
	}
}

// ReportFailure records one failed request. After scale_down_threshold
// consecutive failures the rate shrinks by scale_down_factor.
func (l *Limiter) ReportFailure() {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.successCount = 0
	l.failureCount++
	if l.cfg.ScaleDownThreshold > 0 && l.failureCount >= l.cfg.ScaleDownThreshold {
		l.failureCount = 0
		l.setRateLocked(l.currentRate * l.cfg.ScaleDownFactor)
	}
}

// ReportRateLimited halves the rate immediately. Called on provider 429.
func (l *Limiter) ReportRateLimited() {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.successCount = 0
	l.failureCount = 0
	l.setRateLocked(l.currentRate / 2)
	slog.Warn("rate limiter throttled by provider", "new_rate", l.currentRate)
}

// CurrentRate returns the effective requests/second.
func (l *Limiter) CurrentRate() float64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.currentRate
}

func (l *Limiter) setRateLocked(r float64) {
	r = math.Min(l.cfg.MaxRate, math.Max(l.cfg.MinRate, r))
	l.currentRate = r
	if tb, ok := l.strat.(*tokenBucket); ok {
		tb.lim.SetLimit(rate.Limit(r))
	}
}

// slidingWindow admits while the number of requests in the trailing second
// stays under the current rate.
type slidingWindow struct {
	history []time.Time
}

func (s *slidingWindow) admit(now time.Time, n int, currentRate float64) (bool, time.Duration) {
	cutoff := now.Add(-time.Second)
	i := 0
	for i < len(s.history) && s.history[i].Before(cutoff) {
		i++
	}
	s.history = s.history[i:]

	limit := int(math.Floor(currentRate))
	if limit < 1 {
		limit = 1
	}
	if len(s.history)+n <= limit {
		for i := 0; i < n; i++ {
			s.history = append(s.history, now)
		}
		return true, 0
	}
	if len(s.history) == 0 {
		return false, time.Second
	}
	return false, s.history[0].Add(time.Second).Sub(now)
}

// tokenBucket delegates to x/time's limiter; refill rate tracks the
// adaptive rate via SetLimit.
type tokenBucket struct {
	lim *rate.Limiter
}

func (t *tokenBucket) admit(now time.Time, n int, _ float64) (bool, time.Duration) {
	r := t.lim.ReserveN(now, n)
	if !r.OK() {
		return false, time.Second
	}
	delay := r.DelayFrom(now)
	if delay <= 0 {
		return true, 0
	}
	r.CancelAt(now)
	return false, delay
}

// fixedWindow counts requests inside the current wall-clock second.
type fixedWindow struct {
	windowStart time.Time
	count       int
}

func (f *fixedWindow) admit(now time.Time, n int, currentRate float64) (bool, time.Duration) {
	if now.Sub(f.windowStart) >= time.Second {
		f.windowStart = now
		f.count = 0
	}
	limit := int(math.Floor(currentRate))
	if limit < 1 {
		limit = 1
	}
	if f.count+n <= limit {
		f.count += n
		return true, 0
	}
	return false, f.windowStart.Add(time.Second).Sub(now)
}
