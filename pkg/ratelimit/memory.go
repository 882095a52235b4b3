package ratelimit

import (
	"context"
	"sync"
	"time"

	"github.com/contentflow/contentflow/pkg/models"
)

type window struct {
	mu    sync.Mutex
	start time.Time
	count int
}

// MemoryLimiter keeps windows in process memory.
type MemoryLimiter struct {
	mu      sync.Mutex
	windows map[models.Provider]*window
	now     func() time.Time
}

// NewMemory creates an in-process limiter.
func NewMemory() *MemoryLimiter {
	return &MemoryLimiter{
		windows: make(map[models.Provider]*window),
		now:     time.Now,
	}
}

// Admit implements Limiter.
func (l *MemoryLimiter) Admit(_ context.Context, p models.Provider, limit int) (Decision, error) {
	if limit <= 0 {
		return denyAll(), nil
	}

	w := l.window(p)
	w.mu.Lock()
	defer w.mu.Unlock()

	now := l.now()
	if w.start.IsZero() || now.Sub(w.start) >= Window {
		w.start = now
		w.count = 0
	}
	if w.count >= limit {
		return Decision{RetryAfter: w.start.Add(Window).Sub(now)}, nil
	}
	w.count++
	return Decision{Allowed: true, Remaining: limit - w.count}, nil
}

func (l *MemoryLimiter) window(p models.Provider) *window {
	l.mu.Lock()
	defer l.mu.Unlock()
	w, ok := l.windows[p]
	if !ok {
		w = &window{}
		l.windows[p] = w
	}
	return w
}
