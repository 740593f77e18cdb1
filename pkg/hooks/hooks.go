// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package hooks implements the synchronous lifecycle-event pub/sub
// described in spec.md §4.9: a small set of typed events fired at
// session and queue transitions, delivered in priority order to
// registered handlers. Handler errors are captured, never thrown —
// a failing hook must not abort the transition that triggered it.
package hooks

import (
	"context"
	"sort"
	"sync"

	"github.com/stacklok/demo-session-broker/pkg/logger"
)

// Event identifies a point in the session or queue lifecycle at which
// registered handlers are invoked.
type Event string

const (
	BeforeSessionStart Event = "before_session_start"
	AfterSessionStart  Event = "after_session_start"
	BeforeSessionEnd   Event = "before_session_end"
	AfterSessionEnd    Event = "after_session_end"
	QueueJoined        Event = "queue_joined"
	QueueLeft          Event = "queue_left"
)

// Payload carries the data passed to handlers for a given event. Not
// every field applies to every event; handlers must check Event
// before assuming a field is populated.
type Payload struct {
	Event     Event
	SessionID string
	ClientID  string
	InviteToken string
	Err       error // set only for the after_session_end fired on a spawn failure
}

// Handler reacts to an event. A returned error is logged and included
// in the slice Fire returns, but never halts dispatch of the remaining
// handlers. The session manager discards that slice, so handler errors
// are not recorded on the session's error list.
type Handler func(ctx context.Context, p Payload) error

type registration struct {
	priority int
	name     string
	fn       Handler
}

// Registry holds the handlers subscribed to each event, dispatched
// synchronously in ascending priority order (lower runs first).
type Registry struct {
	mu       sync.RWMutex
	handlers map[Event][]registration
}

// NewRegistry constructs an empty hook Registry.
func NewRegistry() *Registry {
	return &Registry{handlers: make(map[Event][]registration)}
}

// On subscribes fn to event under name, at priority (lower runs
// first). name is used only for log attribution.
func (r *Registry) On(event Event, name string, priority int, fn Handler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	regs := append(r.handlers[event], registration{priority: priority, name: name, fn: fn})
	sort.SliceStable(regs, func(i, j int) bool { return regs[i].priority < regs[j].priority })
	r.handlers[event] = regs
}

// Fire dispatches event to every registered handler in priority order,
// synchronously, on the calling goroutine. Each handler error is
// logged and collected into the returned slice; a failing handler
// never stops dispatch, so a misbehaving hook cannot block the
// transition that triggered it.
func (r *Registry) Fire(ctx context.Context, p Payload) []error {
	r.mu.RLock()
	regs := make([]registration, len(r.handlers[p.Event]))
	copy(regs, r.handlers[p.Event])
	r.mu.RUnlock()

	var errs []error
	for _, reg := range regs {
		if err := reg.fn(ctx, p); err != nil {
			logger.Errorw("lifecycle hook failed",
				"event", string(p.Event), "handler", reg.name, "error", err)
			errs = append(errs, err)
		}
	}
	return errs
}
