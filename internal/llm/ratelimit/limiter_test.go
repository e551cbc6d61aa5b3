package ratelimit

import (
	"testing"
	"time"

	"github.com/dawei-ai/dawei/internal/config"
)

func testCfg(strategy string) config.LimiterConfig {
	return config.LimiterConfig{
		Strategy:           strategy,
		InitialRate:        4,
		MinRate:            1,
		MaxRate:            16,
		BurstCapacity:      4,
		ScaleUpThreshold:   3,
		ScaleUpFactor:      2,
		ScaleDownThreshold: 2,
		ScaleDownFactor:    0.5,
	}
}

func TestSlidingWindow_AdmitsUpToRate(t *testing.T) {
	l := New(testCfg(StrategySlidingWindow))

	for i := 0; i < 4; i++ {
		ok, _ := l.TryAcquire(1)
		if !ok {
			t.Fatalf("request %d refused, want admitted", i)
		}
	}
	ok, hint := l.TryAcquire(1)
	if ok {
		t.Fatal("fifth request admitted, want refusal within 1s window")
	}
	if hint <= 0 || hint > time.Second {
		t.Errorf("wait hint = %v, want (0, 1s]", hint)
	}
}

func TestScaleUp_AfterConsecutiveSuccesses(t *testing.T) {
	l := New(testCfg(StrategySlidingWindow))

	for i := 0; i < 3; i++ {
		l.ReportSuccess()
	}
	if got := l.CurrentRate(); got != 8 {
		t.Errorf("rate after scale up = %v, want 8", got)
	}
	// Counter resets: two more successes should not scale again.
	l.ReportSuccess()
	l.ReportSuccess()
	if got := l.CurrentRate(); got != 8 {
		t.Errorf("rate = %v, want 8 (threshold not reached)", got)
	}
}

func TestScaleDown_AfterConsecutiveFailures(t *testing.T) {
	l := New(testCfg(StrategySlidingWindow))

	l.ReportFailure()
	l.ReportFailure()
	if got := l.CurrentRate(); got != 2 {
		t.Errorf("rate after scale down = %v, want 2", got)
	}
}

func TestReportRateLimited_HalvesAndClamps(t *testing.T) {
	l := New(testCfg(StrategySlidingWindow))

	l.ReportRateLimited()
	if got := l.CurrentRate(); got != 2 {
		t.Errorf("rate after 429 = %v, want 2", got)
	}
	l.ReportRateLimited()
	l.ReportRateLimited()
	if got := l.CurrentRate(); got != 1 {
		t.Errorf("rate = %v, want clamp at min_rate 1", got)
	}
}

func TestSuccessResetsFailureStreak(t *testing.T) {
	l := New(testCfg(StrategySlidingWindow))

	l.ReportFailure()
	l.ReportSuccess()
	l.ReportFailure()
	if got := l.CurrentRate(); got != 4 {
		t.Errorf("rate = %v, want unchanged 4 (no consecutive streak)", got)
	}
}

func TestTokenBucket_BurstThenRefuse(t *testing.T) {
	l := New(testCfg(StrategyTokenBucket))

	ok, _ := l.TryAcquire(4)
	if !ok {
		t.Fatal("burst of 4 refused, want admitted")
	}
	ok, hint := l.TryAcquire(1)
	if ok {
		t.Fatal("request beyond burst admitted, want refusal")
	}
	if hint <= 0 {
		t.Errorf("wait hint = %v, want positive", hint)
	}
}

func TestFixedWindow_ResetsNextSecond(t *testing.T) {
	f := &fixedWindow{}
	now := time.Now()

	for i := 0; i < 4; i++ {
		if ok, _ := f.admit(now, 1, 4); !ok {
			t.Fatalf("request %d refused", i)
		}
	}
	if ok, _ := f.admit(now, 1, 4); ok {
		t.Fatal("request beyond window limit admitted")
	}
	if ok, _ := f.admit(now.Add(time.Second+time.Millisecond), 1, 4); !ok {
		t.Fatal("request in next window refused")
	}
}
