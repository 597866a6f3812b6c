package ratelimit

import (
	"context"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// TokenBuckets is a per-client token bucket used to throttle the public API as a
// whole, independent of the per-use-case fixed windows.
type TokenBuckets struct {
	mu      sync.Mutex
	entries map[string]*bucketEntry
	rps     rate.Limit
	burst   int
	idleTTL time.Duration
}

type bucketEntry struct {
	lim      *rate.Limiter
	lastSeen time.Time
}

func NewTokenBuckets(rps float64, burst int, idleTTL time.Duration) *TokenBuckets {
	if idleTTL <= 0 {
		idleTTL = 15 * time.Minute
	}
	return &TokenBuckets{
		entries: make(map[string]*bucketEntry),
		rps:     rate.Limit(rps),
		burst:   burst,
		idleTTL: idleTTL,
	}
}

// Allow takes one token from key's bucket.
func (b *TokenBuckets) Allow(key string) bool {
	return b.get(key).Allow()
}

func (b *TokenBuckets) get(key string) *rate.Limiter {
	now := time.Now()

	b.mu.Lock()
	defer b.mu.Unlock()

	if ent, ok := b.entries[key]; ok {
		ent.lastSeen = now
		return ent.lim
	}

	lim := rate.NewLimiter(b.rps, b.burst)
	b.entries[key] = &bucketEntry{lim: lim, lastSeen: now}
	return lim
}

// Cleanup removes buckets idle for longer than idleTTL.
func (b *TokenBuckets) Cleanup() {
	cutoff := time.Now().Add(-b.idleTTL)

	b.mu.Lock()
	defer b.mu.Unlock()

	for k, ent := range b.entries {
		if ent.lastSeen.Before(cutoff) {
			delete(b.entries, k)
		}
	}
}

// StartJanitor runs Cleanup every interval until ctx is done.
func (b *TokenBuckets) StartJanitor(ctx context.Context, every time.Duration) {
	if every <= 0 {
		return
	}

	t := time.NewTicker(every)
	go func() {
		defer t.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-t.C:
				b.Cleanup()
			}
		}
	}()
}
