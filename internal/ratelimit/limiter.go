// Package ratelimit gates redemption, coin-session and admin attempts with
// fixed-window counters. Counters live in Redis when it is configured and fall
// back to process memory when it is not reachable; the fallback is best-effort
// and not shared between instances.
package ratelimit

import (
	"context"
	"strings"
	"time"
)

// Decision is the outcome of one attempt against a window.
type Decision struct {
	Allowed   bool
	Remaining int
	ResetAt   time.Time
}

// RetryAfter returns how long until the window resets, never negative.
func (d Decision) RetryAfter(now time.Time) time.Duration {
	if wait := d.ResetAt.Sub(now); wait > 0 {
		return wait
	}
	return 0
}

// Limiter counts an attempt for key within a fixed window of the given length.
// The first attempt opens the window; attempts beyond max are denied until it resets.
type Limiter interface {
	Allow(ctx context.Context, key string, window time.Duration, max int) (Decision, error)
}

// Rule names a use case and its quota.
type Rule struct {
	Scope  string
	Window time.Duration
	Max    int
}

// Key joins the non-empty parts with ':' (e.g. "redeem:10.0.0.1:ABCDEF").
func Key(parts ...string) string {
	kept := make([]string, 0, len(parts))
	for _, p := range parts {
		if p != "" {
			kept = append(kept, p)
		}
	}
	return strings.Join(kept, ":")
}
