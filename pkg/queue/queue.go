// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package queue implements the FIFO waiting-room controller of
// spec.md §4.6: join/leave, capacity and dedup enforcement, position
// broadcasts, and the promotion loop that hands the queue head to the
// session manager whenever the active slot frees up.
package queue

import (
	"context"
	"sync"
	"time"

	brokererrors "github.com/stacklok/demo-session-broker/pkg/errors"
	"github.com/stacklok/demo-session-broker/pkg/hooks"
	"github.com/stacklok/demo-session-broker/pkg/invite"
	"github.com/stacklok/demo-session-broker/pkg/logger"
	"github.com/stacklok/demo-session-broker/pkg/session"
	"github.com/stacklok/demo-session-broker/pkg/sessionstate"
)

// Broadcaster delivers queue-position and session-lifecycle messages
// to connected peers, decoupling this package from the transport.
type Broadcaster interface {
	// SendStatus notifies clientID of its queue position (1-based) and
	// estimated wait.
	SendStatus(clientID string, position int, estimatedWait time.Duration)
	// SendError notifies clientID that its join/leave request failed.
	SendError(clientID string, err error)
	// SessionEnded notifies clientID that it will receive no session for
	// this queue membership (e.g. it left the queue before promotion).
	SessionEnded(clientID string, reason session.EndReason)
}

// Promoter is the subset of the session manager the queue drives.
type Promoter interface {
	IsIdle() bool
	Promote(ctx context.Context, clientID, inviteToken string) error
}

// Controller is the queue's single coordination point. A mutex
// serializes the state checks and queue mutations of JoinQueue and
// LeaveQueue; Promote does not take it and relies on the State
// registry's own lock and the session manager's idle check.
type Controller struct {
	mu sync.Mutex

	registry *sessionstate.Registry
	invites  *invite.Service
	hookReg  *hooks.Registry
	sessions Promoter
	out      Broadcaster

	capacity              int
	averageSessionMinutes time.Duration
}

// NewController builds a queue Controller.
func NewController(
	registry *sessionstate.Registry,
	invites *invite.Service,
	hookReg *hooks.Registry,
	sessions Promoter,
	out Broadcaster,
	capacity int,
	averageSessionMinutes time.Duration,
) *Controller {
	return &Controller{
		registry:              registry,
		invites:               invites,
		hookReg:               hookReg,
		sessions:              sessions,
		out:                   out,
		capacity:              capacity,
		averageSessionMinutes: averageSessionMinutes,
	}
}

// JoinQueue validates the invite, enqueues clientID, and attempts
// promotion. It rejects a client already active or queued, and a full
// queue, before consuming an invite usage.
func (c *Controller) JoinQueue(ctx context.Context, clientID, remoteIP, inviteToken string) error {
	c.mu.Lock()
	cl, ok := c.registry.GetClient(clientID)
	if !ok {
		c.mu.Unlock()
		return brokererrors.New(brokererrors.ErrInternal, "unknown client", nil)
	}
	if cl.State == sessionstate.ClientQueued || cl.State == sessionstate.ClientActive {
		c.mu.Unlock()
		return brokererrors.New(brokererrors.ErrAlreadyInQueue, "client is already queued or active", nil)
	}
	if c.registry.QueueLen() >= c.capacity {
		c.mu.Unlock()
		return brokererrors.New(brokererrors.ErrQueueFull, "queue is at capacity", nil)
	}
	c.mu.Unlock()

	res, err := c.invites.Validate(ctx, inviteToken, remoteIP)
	if err != nil {
		return err
	}
	if !res.Valid {
		return invite.ReasonError(res.Reason)
	}

	c.mu.Lock()
	cl.State = sessionstate.ClientQueued
	cl.InviteToken = inviteToken
	c.registry.EnqueueClient(clientID)
	c.mu.Unlock()

	c.broadcastPositions()
	c.hookReg.Fire(ctx, hooks.Payload{Event: hooks.QueueJoined, ClientID: clientID, InviteToken: inviteToken})
	c.Promote(ctx)
	return nil
}

// LeaveQueue removes clientID from the queue and reverts it to the
// plain-connected state. No-op if clientID was not queued.
func (c *Controller) LeaveQueue(ctx context.Context, clientID string) {
	c.mu.Lock()
	removed := c.registry.DequeueClient(clientID)
	if removed {
		c.registry.SetClientState(clientID, sessionstate.ClientConnected)
	}
	c.mu.Unlock()

	if !removed {
		return
	}
	c.broadcastPositions()
	c.out.SessionEnded(clientID, session.ReasonQueueLeft)
	c.hookReg.Fire(ctx, hooks.Payload{Event: hooks.QueueLeft, ClientID: clientID})
}

// Promote runs the promotion loop: while the active slot is idle and
// the queue is non-empty, pop the head and hand it to the session
// manager. A spawn failure returns the popped client to "connected"
// (not re-queued) and the loop continues with the new head.
func (c *Controller) Promote(ctx context.Context) {
	for {
		if !c.sessions.IsIdle() {
			return
		}
		clientID, ok := c.registry.PopQueueHead()
		if !ok {
			return
		}
		cl, ok := c.registry.GetClient(clientID)
		if !ok {
			continue
		}
		inviteToken := cl.InviteToken
		cl.State = sessionstate.ClientActive
		c.broadcastPositions()

		if err := c.sessions.Promote(ctx, clientID, inviteToken); err != nil {
			// session.Manager.Promote already drove abortSpawn, which
			// notifies clientID via SessionEnded{reason: spawn_failed} —
			// sending a second error frame here would double-report the
			// same outcome, violating the one-outcome-frame-per-join
			// property.
			logger.Errorw("promotion failed, returning client to connected", "clientId", clientID, "error", err)
			cl.State = sessionstate.ClientConnected
			continue
		}
		return
	}
}

// broadcastPositions sends each queued client its current 1-based
// position and estimated wait.
func (c *Controller) broadcastPositions() {
	for i, clientID := range c.registry.QueueSnapshot() {
		position := i + 1
		wait := time.Duration(position) * c.averageSessionMinutes
		c.out.SendStatus(clientID, position, wait)
	}
}

// ensure session.Manager satisfies Promoter at compile time.
var _ Promoter = (*session.Manager)(nil)
