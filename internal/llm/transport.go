package llm

import (
	"context"
	"log/slog"
	"time"

	"github.com/dawei-ai/dawei/internal/config"
	"github.com/dawei-ai/dawei/internal/llm/breaker"
	"github.com/dawei-ai/dawei/internal/llm/queue"
	"github.com/dawei-ai/dawei/internal/llm/ratelimit"
	"github.com/dawei-ai/dawei/internal/telemetry"
)

// Stack is the shared transport pipeline every LLM call runs through:
// priority queue → adaptive rate limiter → per-provider circuit breaker.
// One Stack is shared process-wide.
type Stack struct {
	limiter  *ratelimit.Limiter
	breakers *breaker.Registry
	queue    *queue.Queue
	metrics  *telemetry.Metrics
}

// NewStack wires the pipeline from config. metrics may be nil.
func NewStack(cfg *config.Config, metrics *telemetry.Metrics) *Stack {
	s := &Stack{
		limiter:  ratelimit.New(cfg.Limiter),
		breakers: breaker.NewRegistry(cfg.Breaker, IsRetryable),
		queue:    queue.New(cfg.Queue),
		metrics:  metrics,
	}
	if err := telemetry.RegisterQueueGauge(s.queue.ActiveRequests); err != nil {
		slog.Warn("queue gauge registration failed", "error", err)
	}
	return s
}

// Execute queues fn and runs it behind the limiter and the provider's
// breaker. The returned value is whatever fn produced. timeout ≤ 0 means
// no per-request deadline.
func (s *Stack) Execute(ctx context.Context, provider string, prio queue.Priority, timeout time.Duration, fn func(ctx context.Context) (any, error)) (any, error) {
	future, err := s.queue.Submit(func(jobCtx context.Context) (any, error) {
		if err := s.limiter.Acquire(jobCtx, 1); err != nil {
			return nil, err
		}
		s.metrics.RecordRequest(jobCtx, provider)

		var value any
		callErr := s.breakers.For(provider).Call(jobCtx, func() error {
			v, e := fn(jobCtx)
			if e == nil {
				value = v
			}
			s.report(jobCtx, provider, e)
			return e
		})
		if callErr != nil {
			s.metrics.RecordFailure(jobCtx, provider)
			return nil, callErr
		}
		return value, nil
	}, prio, timeout)
	if err != nil {
		return nil, err
	}
	return future.Wait(ctx)
}

// report feeds one attempt's outcome to the adaptive limiter.
func (s *Stack) report(ctx context.Context, provider string, err error) {
	switch {
	case err == nil:
		s.limiter.ReportSuccess()
	case IsRateLimited(err):
		s.limiter.ReportRateLimited()
		s.metrics.RecordRateLimited(ctx, provider)
		slog.Warn("provider rate limited", "provider", provider, "retry_after", RetryAfter(err))
	default:
		s.limiter.ReportFailure()
	}
}

// ActiveRequests reports currently executing calls.
func (s *Stack) ActiveRequests() int64 { return s.queue.ActiveRequests() }

// Pending reports queued but not yet running calls.
func (s *Stack) Pending() int { return s.queue.Pending() }

// BreakerState exposes the breaker state for one provider.
func (s *Stack) BreakerState(provider string) breaker.State {
	return s.breakers.For(provider).State()
}

// CurrentRate exposes the limiter's adaptive rate.
func (s *Stack) CurrentRate() float64 { return s.limiter.CurrentRate() }

// Stop drains the queue and refuses further work.
func (s *Stack) Stop() { s.queue.Stop() }
