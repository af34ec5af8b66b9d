package outbox

import (
	"testing"
	"time"
)

func TestCalculateBackoffBounds(t *testing.T) {
	for i := 0; i < 200; i++ {
		got := CalculateBackoff(0)
		if got < 2000 || got >= 3000 {
			t.Fatalf("expected backoff(0) in [2000,3000), got %d", got)
		}
	}
	for attempts := 0; attempts <= 6; attempts++ {
		for i := 0; i < 50; i++ {
			if got := CalculateBackoff(attempts); got > 61000 {
				t.Fatalf("expected backoff(%d) <= 61000, got %d", attempts, got)
			}
		}
	}
}

func TestBackoffExponentialIsMonotonicAndCapped(t *testing.T) {
	b := DefaultBackoff()
	want := []time.Duration{
		2 * time.Second,
		4 * time.Second,
		8 * time.Second,
		16 * time.Second,
		32 * time.Second,
		60 * time.Second,
		60 * time.Second,
	}
	prev := time.Duration(0)
	for attempts, expected := range want {
		got := b.Exponential(attempts)
		if got != expected {
			t.Fatalf("attempts=%d: expected %s, got %s", attempts, expected, got)
		}
		if got < prev {
			t.Fatalf("attempts=%d: expected non-decreasing delay, %s < %s", attempts, got, prev)
		}
		prev = got
	}
}

func TestBackoffOverflowGuard(t *testing.T) {
	b := Backoff{Base: time.Hour, Max: 24 * time.Hour}
	if got := b.Exponential(200); got != 24*time.Hour {
		t.Fatalf("expected cap on huge attempt count, got %s", got)
	}
	if got := b.Exponential(-3); got != time.Hour {
		t.Fatalf("expected negative attempts treated as zero, got %s", got)
	}
}

func TestBackoffInjectedJitter(t *testing.T) {
	b := DefaultBackoff()
	b.Int64N = func(n int64) int64 { return n - 1 }
	if got := b.Delay(10); got != 61*time.Second-time.Nanosecond {
		t.Fatalf("expected max delay just under 61s, got %s", got)
	}
	b.Int64N = func(int64) int64 { return 0 }
	if got := b.Delay(1); got != 4*time.Second {
		t.Fatalf("expected 4s with zero jitter, got %s", got)
	}
}

func TestBackoffNext(t *testing.T) {
	now := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	b := Backoff{Base: time.Second, Max: 10 * time.Second}
	if got := b.Next(now, 2); !got.Equal(now.Add(4 * time.Second)) {
		t.Fatalf("expected next attempt at +4s, got %s", got)
	}
}
