package workflow

import (
	"testing"
	"time"
)

func TestBackoffDelayDoublesPerAttempt(t *testing.T) {
	cfg := RetryConfig{MaxAttempts: 3, BaseDelay: 5 * time.Second, MaxDelay: time.Minute}

	cases := []struct {
		attempts int
		want     time.Duration
	}{
		{0, 5 * time.Second},
		{1, 10 * time.Second},
		{2, 20 * time.Second},
		{3, 40 * time.Second},
		{4, time.Minute},  // capped
		{10, time.Minute}, // stays capped
	}
	for _, tc := range cases {
		if got := BackoffDelay(tc.attempts, cfg); got != tc.want {
			t.Errorf("BackoffDelay(%d) = %v, want %v", tc.attempts, got, tc.want)
		}
	}
}

func TestBackoffDelayMonotonicUntilCap(t *testing.T) {
	cfg := RetryConfig{MaxAttempts: 10, BaseDelay: 100 * time.Millisecond, MaxDelay: 30 * time.Second}
	prev := time.Duration(0)
	for attempts := 0; attempts <= 12; attempts++ {
		d := BackoffDelay(attempts, cfg)
		if d < prev {
			t.Fatalf("delay decreased at attempts=%d: %v < %v", attempts, d, prev)
		}
		if d > cfg.MaxDelay {
			t.Fatalf("delay exceeded cap at attempts=%d: %v", attempts, d)
		}
		prev = d
	}
}

func TestJitteredBackoffStaysWithinBounds(t *testing.T) {
	cfg := RetryConfig{MaxAttempts: 3, BaseDelay: 5 * time.Second, MaxDelay: time.Minute}
	for attempts := 1; attempts <= 3; attempts++ {
		raw := BackoffDelay(attempts, cfg)
		lo := time.Duration(float64(raw) * 0.8)
		hi := time.Duration(float64(raw) * 1.2)
		for i := 0; i < 200; i++ {
			got := JitteredBackoffDelay(attempts, cfg)
			if got < lo || got > hi {
				t.Fatalf("jittered delay %v out of [%v, %v] for attempts=%d", got, lo, hi, attempts)
			}
		}
	}
}
