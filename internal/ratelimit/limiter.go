// Package ratelimit implements a per-session sliding-window request limiter.
package ratelimit

import (
	"context"
	"math"
	"sync"
	"time"
)

// Clock abstracts time for testability.
type Clock interface {
	Now() time.Time
}

type realClock struct{}

func (realClock) Now() time.Time { return time.Now() }

// Defaults admit 20 requests per session per minute.
const (
	DefaultLimit  = 20
	DefaultWindow = 60 * time.Second
)

// Decision is the outcome of an admission check.
type Decision struct {
	Allowed bool
	// RetryAfterSeconds is set when the request was refused: whole seconds
	// until the oldest request in the window expires.
	RetryAfterSeconds int
}

// Limiter admits at most limit requests per session within any window.
// Sessions are independent.
type Limiter struct {
	clock  Clock
	limit  int
	window time.Duration

	mu       sync.Mutex
	requests map[string][]time.Time
}

// New creates a Limiter using the wall clock.
func New(limit int, window time.Duration) *Limiter {
	return NewWithClock(limit, window, realClock{})
}

// NewWithClock creates a Limiter with a custom clock (for testing).
func NewWithClock(limit int, window time.Duration, clock Clock) *Limiter {
	if limit <= 0 {
		limit = DefaultLimit
	}
	if window <= 0 {
		window = DefaultWindow
	}
	return &Limiter{
		clock:    clock,
		limit:    limit,
		window:   window,
		requests: make(map[string][]time.Time),
	}
}

// CheckAndRecord decides whether sessionID may make a request now and, if
// so, records it. The check and the record happen under one lock, so
// concurrent callers for the same session cannot both take the last slot.
func (l *Limiter) CheckAndRecord(sessionID string) Decision {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.clock.Now()
	recent := l.prune(l.requests[sessionID], now)

	if len(recent) >= l.limit {
		l.requests[sessionID] = recent
		wait := recent[0].Add(l.window).Sub(now)
		return Decision{RetryAfterSeconds: max(1, int(math.Ceil(wait.Seconds())))}
	}

	l.requests[sessionID] = append(recent, now)
	return Decision{Allowed: true}
}

// prune drops timestamps that have left the window. Timestamps are kept in
// arrival order, so the survivors are a suffix.
func (l *Limiter) prune(times []time.Time, now time.Time) []time.Time {
	i := 0
	for i < len(times) && now.Sub(times[i]) >= l.window {
		i++
	}
	if i == 0 {
		return times
	}
	return append([]time.Time(nil), times[i:]...)
}

// Sweep forgets sessions with no requests left in the window and reports
// how many were removed.
func (l *Limiter) Sweep() int {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.clock.Now()
	removed := 0
	for id, times := range l.requests {
		fresh := l.prune(times, now)
		if len(fresh) == 0 {
			delete(l.requests, id)
			removed++
			continue
		}
		l.requests[id] = fresh
	}
	return removed
}

// Sessions returns the number of sessions currently tracked.
func (l *Limiter) Sessions() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.requests)
}

// Run sweeps idle sessions once per window until ctx is cancelled.
func (l *Limiter) Run(ctx context.Context) {
	ticker := time.NewTicker(l.window)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			l.Sweep()
		}
	}
}
