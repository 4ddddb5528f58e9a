// Package ratelimit implements a per-credential requests-per-minute limiter
// using process-local sliding windows.
//
// The window state is held in memory and is not shared across instances:
// running N gateway replicas multiplies the effective limit by N. That is a
// documented tradeoff — admission stays a pure in-process operation with no
// I/O on the hot path. The limiter is an injected service instance, not a
// package-level singleton, so tests construct isolated limiters and a shared
// backing store can be swapped in later without touching call sites.
package ratelimit

import (
	"context"
	"sync"
	"time"
)

const window = time.Minute

// DefaultSweepInterval is how often empty per-key windows are evicted.
const DefaultSweepInterval = 5 * time.Minute

// RPMLimiter is a counting sliding-window limiter keyed by credential id.
// Bursts up to the limit within one window are permitted.
type RPMLimiter struct {
	mu      sync.Mutex
	windows map[int64][]time.Time

	done      chan struct{}
	closeOnce sync.Once

	// now is swappable in tests.
	now func() time.Time
}

// New creates a limiter and starts the background sweep. The sweeper stops
// when ctx is cancelled or Close is called. sweepInterval ≤ 0 uses the
// default.
func New(ctx context.Context, sweepInterval time.Duration) *RPMLimiter {
	if sweepInterval <= 0 {
		sweepInterval = DefaultSweepInterval
	}
	l := &RPMLimiter{
		windows: make(map[int64][]time.Time),
		done:    make(chan struct{}),
		now:     time.Now,
	}
	go l.sweep(ctx, sweepInterval)
	return l
}

// Allow records one request for keyID against limit and reports whether it is
// admitted. A limit ≤ 0 disables rate limiting for the key.
func (l *RPMLimiter) Allow(keyID int64, limit int) bool {
	if limit <= 0 {
		return true
	}

	now := l.now()
	cutoff := now.Add(-window)

	l.mu.Lock()
	defer l.mu.Unlock()

	w := l.windows[keyID]

	// Drop timestamps that fell out of the window. Entries are appended in
	// order, so the first retained index bounds the copy.
	keep := 0
	for keep < len(w) && !w[keep].After(cutoff) {
		keep++
	}
	if keep > 0 {
		w = append(w[:0], w[keep:]...)
	}

	if len(w) >= limit {
		l.windows[keyID] = w
		return false
	}

	l.windows[keyID] = append(w, now)
	return true
}

// Len returns the number of tracked per-key windows, for tests and metrics.
func (l *RPMLimiter) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.windows)
}

// Close stops the background sweep goroutine.
func (l *RPMLimiter) Close() {
	l.closeOnce.Do(func() { close(l.done) })
}

func (l *RPMLimiter) sweep(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			l.evictStale()
		case <-ctx.Done():
			return
		case <-l.done:
			return
		}
	}
}

// evictStale removes windows whose newest entry has aged out, bounding the
// map size for keys that went quiet.
func (l *RPMLimiter) evictStale() {
	cutoff := l.now().Add(-window)

	l.mu.Lock()
	for id, w := range l.windows {
		if len(w) == 0 || !w[len(w)-1].After(cutoff) {
			delete(l.windows, id)
		}
	}
	l.mu.Unlock()
}
