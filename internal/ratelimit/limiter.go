// Package ratelimit implements the single global token bucket gating all
// outbound portal requests. The constraint is the remote system's
// tolerance, not any one target, so there is exactly one budget.
package ratelimit

import (
	"context"
	"fmt"
	"time"

	"golang.org/x/time/rate"

	"github.com/campusarchive/crawler/internal/metrics"
)

// Config holds rate limiter configuration.
type Config struct {
	RequestsPerSec float64
	Burst          int
}

// Limiter gates dispatch activity behind one shared token bucket.
// Waiters are served in FIFO order, so no caller starves.
type Limiter struct {
	bucket *rate.Limiter
}

// New creates a Limiter. A non-positive rate disables limiting.
func New(cfg Config) *Limiter {
	r := rate.Limit(cfg.RequestsPerSec)
	if cfg.RequestsPerSec <= 0 {
		r = rate.Inf
	}
	burst := cfg.Burst
	if burst <= 0 {
		burst = 1
	}
	return &Limiter{bucket: rate.NewLimiter(r, burst)}
}

// Wait blocks until a token is available or the context ends.
func (l *Limiter) Wait(ctx context.Context) error {
	start := time.Now()
	if err := l.bucket.Wait(ctx); err != nil {
		return fmt.Errorf("rate limit wait: %w", err)
	}
	if d := time.Since(start); d > time.Millisecond {
		metrics.ObserveRateLimitDelay(d)
	}
	return nil
}
