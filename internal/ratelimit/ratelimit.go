// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package ratelimit provides per-identity admission control.
//
// Each identity gets a true sliding window: the limiter keeps the
// timestamps of granted requests and refuses once the window holds the
// configured limit. A refusal is never recorded, so hammering a full
// window does not push recovery further out. A token-bucket ceiling on
// top bounds aggregate throughput across all identities.
package ratelimit

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// =============================================================================
// CONSTANTS
// =============================================================================

const (
	// DefaultWindow is the sliding-window span.
	DefaultWindow = time.Minute

	// DefaultLimit is requests allowed per identity per window.
	DefaultLimit = 20
)

// =============================================================================
// RESULT
// =============================================================================

// Result is one admission verdict.
type Result struct {
	// Allowed is true when the request may proceed.
	Allowed bool

	// Remaining is how many requests the identity has left in the
	// current window (after this one, when allowed).
	Remaining int

	// RetryAfter is how long until a refused identity frees a slot.
	RetryAfter time.Duration
}

// =============================================================================
// LIMITER
// =============================================================================

// Limiter enforces the per-identity sliding window plus an optional
// global ceiling. Safe for concurrent use.
type Limiter struct {
	mu      sync.Mutex
	history map[int64][]time.Time

	limit  int
	window time.Duration

	// global caps aggregate throughput regardless of identity. Nil means
	// no ceiling.
	global *rate.Limiter

	now func() time.Time
}

// Option configures a Limiter.
type Option func(*Limiter)

// WithLimit sets requests per identity per window.
func WithLimit(n int) Option {
	return func(l *Limiter) {
		if n > 0 {
			l.limit = n
		}
	}
}

// WithWindow sets the sliding-window span.
func WithWindow(d time.Duration) Option {
	return func(l *Limiter) {
		if d > 0 {
			l.window = d
		}
	}
}

// WithGlobalCeiling adds a token-bucket cap across all identities.
func WithGlobalCeiling(perSecond float64, burst int) Option {
	return func(l *Limiter) {
		if perSecond > 0 && burst > 0 {
			l.global = rate.NewLimiter(rate.Limit(perSecond), burst)
		}
	}
}

// WithClock injects the clock for tests.
func WithClock(now func() time.Time) Option {
	return func(l *Limiter) {
		if now != nil {
			l.now = now
		}
	}
}

// New builds a limiter with the default window and limit.
func New(opts ...Option) *Limiter {
	l := &Limiter{
		history: make(map[int64][]time.Time),
		limit:   DefaultLimit,
		window:  DefaultWindow,
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Check decides whether identity may make a request right now. Granted
// requests are recorded; refused ones are not.
func (l *Limiter) Check(identity int64) Result {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	recent := l.prune(identity, now)

	if len(recent) >= l.limit {
		// Oldest timestamp leaving the window frees the next slot.
		retry := recent[0].Add(l.window).Sub(now)
		if retry < 0 {
			retry = 0
		}
		return Result{Remaining: 0, RetryAfter: retry}
	}

	if l.global != nil {
		res := l.global.ReserveN(now, 1)
		if delay := res.DelayFrom(now); delay > 0 {
			res.CancelAt(now)
			return Result{
				Remaining:  l.limit - len(recent),
				RetryAfter: delay,
			}
		}
	}

	l.history[identity] = append(recent, now)
	return Result{
		Allowed:   true,
		Remaining: l.limit - len(recent) - 1,
	}
}

// Remaining reports identity's free slots without consuming one.
func (l *Limiter) Remaining(identity int64) int {
	l.mu.Lock()
	defer l.mu.Unlock()

	recent := l.prune(identity, l.now())
	remaining := l.limit - len(recent)
	if remaining < 0 {
		return 0
	}
	return remaining
}

// Reset drops identity's history.
func (l *Limiter) Reset(identity int64) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.history, identity)
}

// prune drops timestamps older than the window and returns the survivors.
// Caller holds mu. Empty histories are deleted so idle identities do not
// accumulate.
func (l *Limiter) prune(identity int64, now time.Time) []time.Time {
	history := l.history[identity]
	cutoff := now.Add(-l.window)

	i := 0
	for i < len(history) && !history[i].After(cutoff) {
		i++
	}
	recent := history[i:]

	if len(recent) == 0 {
		delete(l.history, identity)
	} else if i > 0 {
		l.history[identity] = recent
	}
	return recent
}
