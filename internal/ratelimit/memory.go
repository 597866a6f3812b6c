package ratelimit

import (
	"context"
	"sync"
	"time"
)

type window struct {
	count   int
	resetAt time.Time
}

// MemoryLimiter keeps fixed-window counters in process memory.
type MemoryLimiter struct {
	mu      sync.Mutex
	windows map[string]*window
	now     func() time.Time
}

func NewMemoryLimiter(now func() time.Time) *MemoryLimiter {
	if now == nil {
		now = time.Now
	}
	return &MemoryLimiter{
		windows: make(map[string]*window),
		now:     now,
	}
}

// Allow implements Limiter. It never returns an error.
func (m *MemoryLimiter) Allow(ctx context.Context, key string, windowLen time.Duration, max int) (Decision, error) {
	now := m.now()

	m.mu.Lock()
	defer m.mu.Unlock()

	w, ok := m.windows[key]
	if !ok || !now.Before(w.resetAt) {
		w = &window{count: 1, resetAt: now.Add(windowLen)}
		m.windows[key] = w
		return Decision{Allowed: max >= 1, Remaining: max - 1, ResetAt: w.resetAt}, nil
	}

	if w.count >= max {
		return Decision{Allowed: false, Remaining: 0, ResetAt: w.resetAt}, nil
	}
	w.count++
	return Decision{Allowed: true, Remaining: max - w.count, ResetAt: w.resetAt}, nil
}

// Cleanup drops windows that have already reset.
func (m *MemoryLimiter) Cleanup() {
	now := m.now()

	m.mu.Lock()
	defer m.mu.Unlock()

	for k, w := range m.windows {
		if !now.Before(w.resetAt) {
			delete(m.windows, k)
		}
	}
}

// StartJanitor runs Cleanup every interval until ctx is done.
func (m *MemoryLimiter) StartJanitor(ctx context.Context, every time.Duration) {
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
				m.Cleanup()
			}
		}
	}()
}

func (m *MemoryLimiter) size() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.windows)
}
