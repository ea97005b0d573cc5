package crawler

import (
	"context"
	"testing"
	"time"
)

func TestDelayLimiterPause(t *testing.T) {
	limiter := NewDelayLimiter(100 * time.Millisecond)
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		start := time.Now()
		if err := limiter.Pause(ctx); err != nil {
			t.Fatalf("Pause failed: %v", err)
		}
		if elapsed := time.Since(start); elapsed < 90*time.Millisecond {
			t.Errorf("Pause %d returned early, elapsed time: %v", i, elapsed)
		}
	}
}

func TestDelayLimiterZero(t *testing.T) {
	limiter := NewDelayLimiter(0)
	start := time.Now()
	if err := limiter.Pause(context.Background()); err != nil {
		t.Fatalf("Pause failed: %v", err)
	}
	if elapsed := time.Since(start); elapsed > 10*time.Millisecond {
		t.Errorf("Zero delay should not block, elapsed time: %v", elapsed)
	}
}

func TestDelayLimiterRaise(t *testing.T) {
	limiter := NewDelayLimiter(100 * time.Millisecond)

	limiter.Raise(50 * time.Millisecond)
	if limiter.Delay() != 100*time.Millisecond {
		t.Errorf("Delay lowered to %v", limiter.Delay())
	}

	limiter.Raise(200 * time.Millisecond)
	if limiter.Delay() != 200*time.Millisecond {
		t.Errorf("Expected delay 200ms, got %v", limiter.Delay())
	}

	start := time.Now()
	if err := limiter.Pause(context.Background()); err != nil {
		t.Fatalf("Pause failed: %v", err)
	}
	if elapsed := time.Since(start); elapsed < 190*time.Millisecond {
		t.Errorf("Raised delay not applied, elapsed time: %v", elapsed)
	}
}

func TestDelayLimiterCancel(t *testing.T) {
	limiter := NewDelayLimiter(time.Hour)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := limiter.Pause(ctx); err == nil {
		t.Error("Expected error from cancelled context")
	}
}
