package ratelimit

import (
	"context"
	"testing"
	"time"
)

func TestLimiterAllowConsumesBurst(t *testing.T) {
	clock := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	limiter := NewLimiter(Config{
		RatePerSecond: 1,
		Burst:         3,
		Now:           func() time.Time { return clock },
	})

	for i := 0; i < 3; i++ {
		if !limiter.Allow() {
			t.Fatalf("Allow() #%d = false, want true within burst", i+1)
		}
	}
	if limiter.Allow() {
		t.Fatal("Allow() = true after burst exhausted, want false")
	}
}

func TestLimiterRefillsOverTime(t *testing.T) {
	clock := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	limiter := NewLimiter(Config{
		RatePerSecond: 2,
		Burst:         2,
		Now:           func() time.Time { return clock },
	})

	if !limiter.Allow() || !limiter.Allow() {
		t.Fatal("Allow() failed within burst")
	}
	if limiter.Allow() {
		t.Fatal("Allow() = true with empty bucket, want false")
	}

	clock = clock.Add(time.Second)
	if !limiter.Allow() {
		t.Fatal("Allow() = false after refill, want true")
	}
	if !limiter.Allow() {
		t.Fatal("Allow() = false for second refilled token, want true")
	}
	if limiter.Allow() {
		t.Fatal("Allow() = true beyond refilled tokens, want false")
	}
}

func TestLimiterRefillCappedAtBurst(t *testing.T) {
	clock := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	limiter := NewLimiter(Config{
		RatePerSecond: 10,
		Burst:         2,
		Now:           func() time.Time { return clock },
	})

	clock = clock.Add(time.Hour)
	for i := 0; i < 2; i++ {
		if !limiter.Allow() {
			t.Fatalf("Allow() #%d = false, want true", i+1)
		}
	}
	if limiter.Allow() {
		t.Fatal("Allow() = true beyond burst cap after long idle, want false")
	}
}

func TestLimiterWaitImmediate(t *testing.T) {
	limiter := NewLimiter(Config{RatePerSecond: 1, Burst: 1})
	if err := limiter.Wait(context.Background()); err != nil {
		t.Fatalf("Wait() error = %v", err)
	}
}

func TestLimiterWaitCancelled(t *testing.T) {
	clock := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	limiter := NewLimiter(Config{
		RatePerSecond: 0.001,
		Burst:         1,
		Now:           func() time.Time { return clock },
	})
	if !limiter.Allow() {
		t.Fatal("Allow() = false, want true for first token")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if err := limiter.Wait(ctx); err != context.DeadlineExceeded {
		t.Fatalf("Wait() error = %v, want context.DeadlineExceeded", err)
	}
}

func TestPerServerIndependentBuckets(t *testing.T) {
	clock := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	limiters := NewPerServer(Config{
		RatePerSecond: 1,
		Burst:         1,
		Now:           func() time.Time { return clock },
	})

	if !limiters.Get("quickbooks").Allow() {
		t.Fatal("quickbooks Allow() = false, want true")
	}
	if limiters.Get("quickbooks").Allow() {
		t.Fatal("quickbooks Allow() = true after exhaustion, want false")
	}
	if !limiters.Get("slack").Allow() {
		t.Fatal("slack Allow() = false, want independent bucket")
	}
}

func TestPerServerConfigOverride(t *testing.T) {
	clock := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	now := func() time.Time { return clock }
	limiters := NewPerServer(Config{RatePerSecond: 1, Burst: 1, Now: now})

	if err := limiters.SetConfig("quickbooks", Config{RatePerSecond: 1, Burst: 3, Now: now}); err != nil {
		t.Fatalf("SetConfig() error = %v", err)
	}

	for i := 0; i < 3; i++ {
		if !limiters.Get("quickbooks").Allow() {
			t.Fatalf("Allow() #%d = false, want burst of 3", i+1)
		}
	}
	if limiters.Get("quickbooks").Allow() {
		t.Fatal("Allow() = true beyond override burst, want false")
	}
}

func TestPerServerGetReusesLimiter(t *testing.T) {
	limiters := NewPerServer(Config{})
	if limiters.Get("quickbooks") != limiters.Get("quickbooks") {
		t.Fatal("Get() returned different limiters for the same server")
	}
}
