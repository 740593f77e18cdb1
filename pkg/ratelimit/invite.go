// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package ratelimit

import (
	"context"
	"time"

	"github.com/stacklok/demo-session-broker/pkg/store"
)

// InviteResult is the outcome of an invite rate-limit pre-check.
type InviteResult struct {
	Allowed    bool
	RetryAfter time.Duration
}

// InviteLimiter counts failed invite-redemption attempts per IP in the
// store, so the count survives short broker restarts (spec.md §9).
// Successful redemptions never clear the counter: by design, a
// brute-force scan that eventually finds one valid token still
// consumes attempts (spec.md §4.2).
type InviteLimiter struct {
	store  store.Store
	max    int
	window time.Duration
}

// NewInviteLimiter builds a limiter allowing at most max failed
// attempts per IP within window.
func NewInviteLimiter(s store.Store, max int, window time.Duration) *InviteLimiter {
	return &InviteLimiter{store: s, max: max, window: window}
}

// Check reads the current counter for ip without incrementing it, for
// the pre-validation rate-limit check in spec.md §4.3's validation
// order.
func (l *InviteLimiter) Check(ctx context.Context, ip string) (InviteResult, error) {
	key := store.InviteAttemptsKey(ip)
	val, ok, err := l.store.Get(ctx, key)
	if err != nil {
		return InviteResult{}, err
	}
	if !ok {
		return InviteResult{Allowed: true}, nil
	}
	count := parseCount(val)
	if count < l.max {
		return InviteResult{Allowed: true}, nil
	}
	return InviteResult{Allowed: false, RetryAfter: l.window}, nil
}

// RecordFailure increments the failed-attempt counter for ip, arming
// its TTL to window the first time the key is created.
func (l *InviteLimiter) RecordFailure(ctx context.Context, ip string) error {
	key := store.InviteAttemptsKey(ip)
	_, existed, err := l.store.Get(ctx, key)
	if err != nil {
		return err
	}
	if _, err := l.store.Incr(ctx, key); err != nil {
		return err
	}
	if !existed {
		if err := l.store.Expire(ctx, key, l.window); err != nil {
			return err
		}
	}
	return nil
}

func parseCount(s string) int {
	n := 0
	for _, r := range s {
		if r < '0' || r > '9' {
			return n
		}
		n = n*10 + int(r-'0')
	}
	return n
}
