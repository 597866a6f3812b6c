package ratelimit

import (
	"context"
	"log"
	"time"

	"github.com/wenwu/saas-platform/voucher-service/internal/apperr"
)

// Guard turns a limiter decision into an apperr.RateLimited error for business code.
type Guard struct {
	limiter Limiter
	now     func() time.Time
}

func NewGuard(limiter Limiter, now func() time.Time) *Guard {
	if now == nil {
		now = time.Now
	}
	return &Guard{limiter: limiter, now: now}
}

// Check counts one attempt for rule under the key rule.Scope:parts...
// Limiter failures let the attempt through.
func (g *Guard) Check(ctx context.Context, rule Rule, parts ...string) error {
	if g == nil || g.limiter == nil || rule.Max <= 0 {
		return nil
	}
	key := Key(append([]string{rule.Scope}, parts...)...)
	d, err := g.limiter.Allow(ctx, key, rule.Window, rule.Max)
	if err != nil {
		log.Printf("[RateLimit] %s: %v", key, err)
		return nil
	}
	if !d.Allowed {
		return apperr.RateLimited(d.RetryAfter(g.now()))
	}
	return nil
}
