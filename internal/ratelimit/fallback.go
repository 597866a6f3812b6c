package ratelimit

import (
	"context"
	"log"
	"sync"
	"time"
)

// Fallback tries the shared limiter first and uses the local one whenever the
// shared store fails. It never returns an error.
type Fallback struct {
	shared Limiter
	local  Limiter

	mu       sync.Mutex
	lastWarn time.Time
}

// NewFallback builds the adapter. shared may be nil (no Redis configured).
func NewFallback(shared, local Limiter) *Fallback {
	return &Fallback{shared: shared, local: local}
}

// Allow implements Limiter.
func (f *Fallback) Allow(ctx context.Context, key string, window time.Duration, max int) (Decision, error) {
	if f.shared != nil {
		d, err := f.shared.Allow(ctx, key, window, max)
		if err == nil {
			return d, nil
		}
		f.warn(err)
	}
	d, err := f.local.Allow(ctx, key, window, max)
	if err != nil {
		// Local counters are advisory; never block a caller on them.
		return Decision{Allowed: true, Remaining: max, ResetAt: time.Now().Add(window)}, nil
	}
	return d, nil
}

func (f *Fallback) warn(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if time.Since(f.lastWarn) < time.Minute {
		return
	}
	f.lastWarn = time.Now()
	log.Printf("[RateLimit] Shared store unavailable, using in-process counters: %v", err)
}
