// ABOUTME: Keyed sliding-window rate limiter gating write-path operations
// ABOUTME: Expired windows are evicted lazily and by a periodic sweep

package ratelimit

import (
	"sync"
	"time"
)

// Decision is the outcome of an admission check.
type Decision struct {
	Allowed    bool
	Remaining  int
	ResetAt    time.Time
	RetryAfter time.Duration // zero when allowed
}

// window tracks request counts for one identifier.
type window struct {
	count   int
	startAt time.Time
}

// Limiter allows up to rate requests per windowDur for each identifier.
// A fresh identifier starts a new window on first use; the window resets
// once windowDur elapses. Safe for concurrent use.
type Limiter struct {
	mu        sync.Mutex
	windows   map[string]*window
	rate      int
	windowDur time.Duration
	done      chan struct{}
	closeOnce sync.Once
	now       func() time.Time // overridable for tests
}

// New creates a Limiter allowing rate requests per window.
// A background goroutine periodically evicts expired windows so memory
// stays bounded by the set of recently active identifiers.
func New(rate int, windowDur time.Duration) *Limiter {
	l := &Limiter{
		windows:   make(map[string]*window),
		rate:      rate,
		windowDur: windowDur,
		done:      make(chan struct{}),
		now:       time.Now,
	}
	go l.cleanup()
	return l
}

// Check records one request for the identifier and reports whether it is
// admitted. Denied requests carry a RetryAfter computed from the window
// remainder; denials do not extend the window.
func (l *Limiter) Check(id string) Decision {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	w, ok := l.windows[id]
	if !ok || now.Sub(w.startAt) >= l.windowDur {
		w = &window{startAt: now}
		l.windows[id] = w
	}

	resetAt := w.startAt.Add(l.windowDur)

	if w.count >= l.rate {
		return Decision{
			Allowed:    false,
			Remaining:  0,
			ResetAt:    resetAt,
			RetryAfter: resetAt.Sub(now),
		}
	}

	w.count++
	return Decision{
		Allowed:   true,
		Remaining: l.rate - w.count,
		ResetAt:   resetAt,
	}
}

// cleanup runs in a background goroutine, periodically removing expired
// windows.
func (l *Limiter) cleanup() {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			l.runCleanup()
		case <-l.done:
			return
		}
	}
}

// runCleanup removes all expired windows.
func (l *Limiter) runCleanup() {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	for id, w := range l.windows {
		if now.Sub(w.startAt) >= l.windowDur {
			delete(l.windows, id)
		}
	}
}

// Close stops the background cleanup goroutine. Safe to call multiple times.
func (l *Limiter) Close() {
	l.closeOnce.Do(func() { close(l.done) })
}
