package breaker

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/dawei-ai/dawei/internal/config"
)

var errTransient = errors.New("http 503")
var errFatal = errors.New("http 401")

func testCfg() config.BreakerConfig {
	return config.BreakerConfig{
		FailureThreshold: 3,
		SuccessThreshold: 2,
		Timeout:          50 * time.Millisecond,
		MaxRetries:       0,
		BaseDelay:        time.Millisecond,
		MaxDelay:         5 * time.Millisecond,
	}
}

func classify(err error) bool { return errors.Is(err, errTransient) }

func fail(b *Breaker) { _ = b.Call(context.Background(), func() error { return errFatal }) }

func TestOpensAfterFailureThreshold(t *testing.T) {
	b := New("test", testCfg(), classify)

	for i := 0; i < 3; i++ {
		fail(b)
	}
	if got := b.State(); got != Open {
		t.Fatalf("state = %v, want OPEN", got)
	}

	err := b.Call(context.Background(), func() error {
		t.Fatal("fn must not run while OPEN")
		return nil
	})
	var cbErr *Error
	if !errors.As(err, &cbErr) {
		t.Fatalf("err = %v, want *breaker.Error", err)
	}
	if cbErr.RetryAfter <= 0 {
		t.Errorf("RetryAfter = %v, want positive", cbErr.RetryAfter)
	}
}

func TestHalfOpenAfterTimeoutThenCloses(t *testing.T) {
	b := New("test", testCfg(), classify)
	for i := 0; i < 3; i++ {
		fail(b)
	}

	time.Sleep(60 * time.Millisecond)
	if got := b.State(); got != HalfOpen {
		t.Fatalf("state = %v, want HALF_OPEN after timeout", got)
	}

	ok := func() error { return nil }
	if err := b.Call(context.Background(), ok); err != nil {
		t.Fatal(err)
	}
	if got := b.State(); got != HalfOpen {
		t.Fatalf("state = %v, want HALF_OPEN (1 of 2 successes)", got)
	}
	if err := b.Call(context.Background(), ok); err != nil {
		t.Fatal(err)
	}
	if got := b.State(); got != Closed {
		t.Fatalf("state = %v, want CLOSED after success threshold", got)
	}
}

func TestHalfOpenReopensOnFailure(t *testing.T) {
	b := New("test", testCfg(), classify)
	for i := 0; i < 3; i++ {
		fail(b)
	}
	time.Sleep(60 * time.Millisecond)
	b.State() // transition to HALF_OPEN

	fail(b)
	if got := b.State(); got != Open {
		t.Fatalf("state = %v, want OPEN after half-open failure", got)
	}
}

func TestRetriesOnlyRetryableErrors(t *testing.T) {
	cfg := testCfg()
	cfg.MaxRetries = 2

	t.Run("transient retried", func(t *testing.T) {
		b := New("test", cfg, classify)
		calls := 0
		err := b.Call(context.Background(), func() error {
			calls++
			if calls < 3 {
				return errTransient
			}
			return nil
		})
		if err != nil {
			t.Fatalf("err = %v, want success on third attempt", err)
		}
		if calls != 3 {
			t.Errorf("calls = %d, want 3", calls)
		}
	})

	t.Run("fatal not retried", func(t *testing.T) {
		b := New("test", cfg, classify)
		calls := 0
		err := b.Call(context.Background(), func() error {
			calls++
			return errFatal
		})
		if !errors.Is(err, errFatal) {
			t.Fatalf("err = %v, want fatal surfaced", err)
		}
		if calls != 1 {
			t.Errorf("calls = %d, want 1 (no retry)", calls)
		}
	})
}

func TestBackoffClampedToMaxDelay(t *testing.T) {
	b := New("test", testCfg(), classify)
	for attempt := 0; attempt < 10; attempt++ {
		if d := b.backoff(attempt); d > 5*time.Millisecond {
			t.Fatalf("backoff(%d) = %v, want ≤ max_delay", attempt, d)
		}
	}
}

func TestRegistrySharesPerProvider(t *testing.T) {
	r := NewRegistry(testCfg(), classify)
	if r.For("openai") != r.For("openai") {
		t.Error("same provider should share one breaker")
	}
	if r.For("openai") == r.For("groq") {
		t.Error("different providers should get distinct breakers")
	}
}
