package ratelimit

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/wenwu/saas-platform/voucher-service/internal/apperr"
)

type fakeClock struct{ t time.Time }

func (c *fakeClock) Now() time.Time { return c.t }
func (c *fakeClock) Advance(d time.Duration) { c.t = c.t.Add(d) }

func TestKey(t *testing.T) {
	if got := Key("redeem", "10.0.0.1", "", "ABC"); got != "redeem:10.0.0.1:ABC" {
		t.Fatalf("Key = %q", got)
	}
	if got := Key(); got != "" {
		t.Fatalf("Key() = %q", got)
	}
}

func TestMemoryLimiter_FixedWindow(t *testing.T) {
	clock := &fakeClock{t: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
	m := NewMemoryLimiter(clock.Now)
	ctx := context.Background()

	d1, _ := m.Allow(ctx, "k", time.Minute, 2)
	d2, _ := m.Allow(ctx, "k", time.Minute, 2)
	d3, _ := m.Allow(ctx, "k", time.Minute, 2)

	if !d1.Allowed || d1.Remaining != 1 {
		t.Fatalf("first attempt: %+v", d1)
	}
	if !d2.Allowed || d2.Remaining != 0 {
		t.Fatalf("second attempt: %+v", d2)
	}
	if d3.Allowed {
		t.Fatalf("third attempt should be denied: %+v", d3)
	}
	if want := clock.t.Add(time.Minute); !d3.ResetAt.Equal(want) {
		t.Fatalf("ResetAt = %v, want %v", d3.ResetAt, want)
	}

	// other keys are independent
	if d, _ := m.Allow(ctx, "other", time.Minute, 2); !d.Allowed {
		t.Fatalf("independent key denied")
	}

	clock.Advance(time.Minute)
	d4, _ := m.Allow(ctx, "k", time.Minute, 2)
	if !d4.Allowed || d4.Remaining != 1 {
		t.Fatalf("fresh window should allow: %+v", d4)
	}
}

func TestMemoryLimiter_Cleanup(t *testing.T) {
	clock := &fakeClock{t: time.Now()}
	m := NewMemoryLimiter(clock.Now)
	ctx := context.Background()

	m.Allow(ctx, "a", time.Second, 5)
	m.Allow(ctx, "b", time.Hour, 5)
	clock.Advance(2 * time.Second)
	m.Cleanup()

	if n := m.size(); n != 1 {
		t.Fatalf("expected 1 live window, got %d", n)
	}
}

type failingLimiter struct{ calls int }

func (f *failingLimiter) Allow(context.Context, string, time.Duration, int) (Decision, error) {
	f.calls++
	return Decision{}, errors.New("connection refused")
}

func TestFallback_UsesLocalWhenSharedFails(t *testing.T) {
	shared := &failingLimiter{}
	local := NewMemoryLimiter(nil)
	f := NewFallback(shared, local)
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		d, err := f.Allow(ctx, "k", time.Minute, 2)
		if err != nil || !d.Allowed {
			t.Fatalf("attempt %d: %+v, %v", i, d, err)
		}
	}
	d, err := f.Allow(ctx, "k", time.Minute, 2)
	if err != nil {
		t.Fatalf("fallback must not surface errors: %v", err)
	}
	if d.Allowed {
		t.Fatalf("local counter should deny the third attempt")
	}
	if shared.calls != 3 {
		t.Fatalf("shared limiter should be tried each time, got %d calls", shared.calls)
	}
}

func TestFallback_NoSharedStore(t *testing.T) {
	f := NewFallback(nil, NewMemoryLimiter(nil))
	if d, err := f.Allow(context.Background(), "k", time.Minute, 1); err != nil || !d.Allowed {
		t.Fatalf("unexpected: %+v, %v", d, err)
	}
}

func TestGuard_Check(t *testing.T) {
	clock := &fakeClock{t: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
	g := NewGuard(NewMemoryLimiter(clock.Now), clock.Now)
	rule := Rule{Scope: "redeem", Window: time.Minute, Max: 1}
	ctx := context.Background()

	if err := g.Check(ctx, rule, "1.2.3.4"); err != nil {
		t.Fatalf("first check: %v", err)
	}
	clock.Advance(20 * time.Second)

	err := g.Check(ctx, rule, "1.2.3.4")
	if !errors.Is(err, apperr.ErrRateLimited) {
		t.Fatalf("expected rate limited, got %v", err)
	}
	ae, _ := apperr.As(err)
	if ae.RetryAfter != 40*time.Second {
		t.Fatalf("RetryAfter = %v", ae.RetryAfter)
	}

	if err := g.Check(ctx, rule, "5.6.7.8"); err != nil {
		t.Fatalf("different client should pass: %v", err)
	}
}

func TestGuard_LimiterErrorLetsAttemptThrough(t *testing.T) {
	g := NewGuard(&failingLimiter{}, nil)
	if err := g.Check(context.Background(), Rule{Scope: "x", Window: time.Minute, Max: 1}); err != nil {
		t.Fatalf("expected nil, got %v", err)
	}
}

func TestTokenBuckets(t *testing.T) {
	b := NewTokenBuckets(0.001, 2, time.Minute)

	if !b.Allow("ip") || !b.Allow("ip") {
		t.Fatalf("burst should be allowed")
	}
	if b.Allow("ip") {
		t.Fatalf("bucket should be empty")
	}
	if !b.Allow("other") {
		t.Fatalf("buckets are per key")
	}
}
