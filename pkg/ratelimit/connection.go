// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package ratelimit implements the two rate limiters spec.md §4.2
// describes: a purely in-memory fixed-window connection limiter, and
// a store-backed invite-attempt limiter. A hand-rolled fixed window is
// used rather than golang.org/x/time/rate's token bucket — see
// DESIGN.md for why: the spec's semantics expose a window start and
// raw count a client can be told about (`remaining`, `retryAfter`),
// which a token bucket does not model directly.
package ratelimit

import (
	"sync"
	"time"
)

// ConnectionResult is the outcome of a connection-acceptance check.
type ConnectionResult struct {
	Allowed    bool
	Remaining  int
	RetryAfter time.Duration
}

type connectionEntry struct {
	count       int
	windowStart time.Time
}

// ConnectionLimiter is a per-IP fixed-window limiter, entirely
// in-memory (spec.md §9: connection rate-limit counters are
// intentionally transient).
type ConnectionLimiter struct {
	mu     sync.Mutex
	max    int
	window time.Duration
	now    func() time.Time
	byIP   map[string]*connectionEntry
}

// NewConnectionLimiter builds a limiter allowing at most max
// connections per IP within window.
func NewConnectionLimiter(max int, window time.Duration) *ConnectionLimiter {
	return &ConnectionLimiter{
		max:    max,
		window: window,
		now:    time.Now,
		byIP:   make(map[string]*connectionEntry),
	}
}

// Check records an attempt for ip and reports whether it's allowed.
func (l *ConnectionLimiter) Check(ip string) ConnectionResult {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	e, ok := l.byIP[ip]
	if !ok || now.After(e.windowStart.Add(l.window)) {
		e = &connectionEntry{count: 0, windowStart: now}
		l.byIP[ip] = e
	}

	if e.count < l.max {
		e.count++
		return ConnectionResult{Allowed: true, Remaining: l.max - e.count}
	}
	return ConnectionResult{
		Allowed:    false,
		RetryAfter: e.windowStart.Add(l.window).Sub(now),
	}
}

// Sweep removes entries whose window has elapsed and that only ever
// saw a single attempt, bounding memory from one-off IPs. Intended to
// be called periodically by a background goroutine owned by the caller.
func (l *ConnectionLimiter) Sweep() {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	for ip, e := range l.byIP {
		if e.count == 1 && now.After(e.windowStart.Add(l.window)) {
			delete(l.byIP, ip)
		}
	}
}

// Len reports the number of tracked IPs; exposed for tests/metrics.
func (l *ConnectionLimiter) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.byIP)
}

// setClock overrides the time source; test-only.
func (l *ConnectionLimiter) setClock(now func() time.Time) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.now = now
}
