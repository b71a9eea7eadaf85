package workflow

import (
	"math"
	"math/rand"
	"os"
	"strconv"
	"time"
)

type RetryConfig struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
}

func DefaultRetryConfig() RetryConfig {
	cfg := RetryConfig{
		MaxAttempts: 3,
		BaseDelay:   5 * time.Second,
		MaxDelay:    time.Minute,
	}
	if v := os.Getenv("JOB_MAX_ATTEMPTS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.MaxAttempts = n
		}
	}
	if v := os.Getenv("JOB_BASE_BACKOFF_MS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.BaseDelay = time.Duration(n) * time.Millisecond
		}
	}
	if v := os.Getenv("JOB_MAX_BACKOFF_MS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.MaxDelay = time.Duration(n) * time.Millisecond
		}
	}
	return cfg
}

// BackoffDelay computes the raw delay for the given attempt count:
// base * 2^attempts, capped at MaxDelay. No jitter.
func BackoffDelay(attempts int, cfg RetryConfig) time.Duration {
	if attempts <= 0 {
		return cfg.BaseDelay
	}
	delay := time.Duration(float64(cfg.BaseDelay) * math.Pow(2, float64(attempts)))
	if delay > cfg.MaxDelay || delay <= 0 {
		return cfg.MaxDelay
	}
	return delay
}

// JitteredBackoffDelay applies ±20% uniform jitter so retry herds spread out.
func JitteredBackoffDelay(attempts int, cfg RetryConfig) time.Duration {
	delay := BackoffDelay(attempts, cfg)
	// factor in [0.8, 1.2)
	factor := 0.8 + rand.Float64()*0.4
	return time.Duration(float64(delay) * factor)
}
