// Package quota enforces per-tenant job admission limits across three
// dimensions: concurrency, rate window, and daily cost budget.
package quota

import (
	"context"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// WindowLimiter is the rate-window dimension. Allow reports whether one
// more submission fits the tenant's window right now; when it does not,
// the returned duration says how long to wait.
type WindowLimiter interface {
	Allow(ctx context.Context, tenant string, perMinute, burst int) (bool, time.Duration, error)
}

// LocalWindowLimiter keeps one token bucket per tenant in process
// memory. Suitable for single-node deployments.
type LocalWindowLimiter struct {
	mu       sync.Mutex
	limiters map[string]*rate.Limiter
}

// NewLocalWindowLimiter creates an in-process window limiter.
func NewLocalWindowLimiter() *LocalWindowLimiter {
	return &LocalWindowLimiter{limiters: make(map[string]*rate.Limiter)}
}

func (l *LocalWindowLimiter) Allow(ctx context.Context, tenant string, perMinute, burst int) (bool, time.Duration, error) {
	if perMinute <= 0 {
		return true, 0, nil
	}
	if burst <= 0 {
		burst = 1
	}

	l.mu.Lock()
	lim, ok := l.limiters[tenant]
	if !ok {
		lim = rate.NewLimiter(rate.Limit(float64(perMinute)/60.0), burst)
		l.limiters[tenant] = lim
	}
	l.mu.Unlock()

	r := lim.Reserve()
	if !r.OK() {
		return false, time.Minute, nil
	}
	if delay := r.Delay(); delay > 0 {
		// Not admitting now; give the token back.
		r.Cancel()
		return false, delay, nil
	}
	return true, 0, nil
}
