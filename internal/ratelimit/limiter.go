// Package ratelimit enforces per-user build limits.
package ratelimit

import (
	"context"
	"sync"
	"time"
)

// Limiter answers whether a user may start another build
type Limiter interface {
	// Allow records an attempt and reports whether it is within the limit
	Allow(ctx context.Context, userID int64) (bool, error)
	// Close releases any backend resources
	Close() error
}

// MemoryLimiter is a sliding-window limiter held in process memory
type MemoryLimiter struct {
	limit  int
	window time.Duration
	now    func() time.Time
	mu     sync.Mutex
	seen   map[int64][]time.Time
}

// NewMemoryLimiter creates an in-memory limiter allowing limit attempts per window
func NewMemoryLimiter(limit int, window time.Duration) *MemoryLimiter {
	return &MemoryLimiter{
		limit:  limit,
		window: window,
		now:    time.Now,
		seen:   make(map[int64][]time.Time),
	}
}

// Allow records an attempt and reports whether it is within the limit
func (l *MemoryLimiter) Allow(ctx context.Context, userID int64) (bool, error) {
	if l.limit <= 0 {
		// Zero or negative limit disables rate limiting.
		return true, nil
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	cutoff := now.Add(-l.window)

	recent := l.seen[userID][:0]
	for _, t := range l.seen[userID] {
		if t.After(cutoff) {
			recent = append(recent, t)
		}
	}

	if len(recent) >= l.limit {
		l.seen[userID] = recent
		return false, nil
	}

	l.seen[userID] = append(recent, now)
	return true, nil
}

// Close is a no-op for the in-memory limiter
func (l *MemoryLimiter) Close() error {
	return nil
}
