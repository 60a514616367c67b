package core

import (
	"context"
	"sync"
	"time"
)

type MemoryRateLimiter struct {
	mu      sync.Mutex
	windows map[string]*window
	now     func() time.Time
}

type window struct {
	count int
	end   time.Time
}

func NewMemoryRateLimiter() *MemoryRateLimiter {
	return &MemoryRateLimiter{
		windows: make(map[string]*window),
		now:     time.Now,
	}
}

func (r *MemoryRateLimiter) CheckAndIncrement(_ context.Context, key string, limit int, win time.Duration) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.now()
	w, exists := r.windows[key]
	if !exists || now.After(w.end) {
		r.windows[key] = &window{count: 1, end: now.Add(win)}
		r.sweep(now)
		return nil
	}

	if w.count >= limit {
		return ErrRateLimitExceeded
	}
	w.count++
	return nil
}

// sweep drops closed windows once the map grows; called with mu held.
func (r *MemoryRateLimiter) sweep(now time.Time) {
	if len(r.windows) < 4096 {
		return
	}
	for k, w := range r.windows {
		if now.After(w.end) {
			delete(r.windows, k)
		}
	}
}
