// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package session implements the promotion state machine described in
// spec.md §4.5: idle → spawning → active → ending → idle, with hard
// expiry, disconnect grace, lifecycle hooks, and guaranteed teardown on
// every exit path.
package session

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"sync"
	"time"

	"github.com/google/uuid"

	brokererrors "github.com/stacklok/demo-session-broker/pkg/errors"
	"github.com/stacklok/demo-session-broker/pkg/hooks"
	"github.com/stacklok/demo-session-broker/pkg/logger"
	"github.com/stacklok/demo-session-broker/pkg/sessionstate"
)

// State is the session manager's own state-machine position, distinct
// from (but driving) the State registry's active-session slot.
type State string

const (
	StateIdle     State = "idle"
	StateSpawning State = "spawning"
	StateActive   State = "active"
	StateEnding   State = "ending"
)

// EndReason explains why a session transitioned to ending.
type EndReason string

const (
	ReasonSpawnFailed  EndReason = "spawn_failed"
	ReasonChildExit    EndReason = "child_exit"
	ReasonTimeout      EndReason = "timeout"
	ReasonDisconnected EndReason = "disconnected"
	ReasonExplicit     EndReason = "explicit"
	// ReasonQueueLeft is sent to a client who leaves the queue (either
	// explicitly via leave_queue or by disconnecting while queued) before
	// ever being promoted. It never touches the session state machine in
	// this file — queue.Controller emits it directly through its Broadcaster.
	ReasonQueueLeft EndReason = "queue_left"
)

// Notifier delivers session lifecycle outcomes to the owning
// connection, decoupling this package from the WebSocket transport.
type Notifier interface {
	SessionStarted(clientID, token string)
	SessionEnded(clientID string, reason EndReason)
}

// Clock abstracts time.Now for deterministic tests.
type Clock func() time.Time

// Manager owns the single active-session slot's state machine.
type Manager struct {
	mu    sync.Mutex
	state State
	proc  Process

	registry  *sessionstate.Registry
	hookReg   *hooks.Registry
	spawner   Spawner
	envWriter *EnvWriter
	notifier  Notifier
	now       Clock

	sessionTimeout  time.Duration
	disconnectGrace time.Duration

	hardExpiryTimer *time.Timer
}

// NewManager builds a session Manager.
func NewManager(
	registry *sessionstate.Registry,
	hookReg *hooks.Registry,
	spawner Spawner,
	envWriter *EnvWriter,
	notifier Notifier,
	sessionTimeout, disconnectGrace time.Duration,
) *Manager {
	return &Manager{
		state:           StateIdle,
		registry:        registry,
		hookReg:         hookReg,
		spawner:         spawner,
		envWriter:       envWriter,
		notifier:        notifier,
		now:             time.Now,
		sessionTimeout:  sessionTimeout,
		disconnectGrace: disconnectGrace,
	}
}

// setClock overrides the manager's time source; test-only.
func (m *Manager) setClock(c Clock) { m.now = c }

// IsIdle reports whether the active slot is free to promote into.
func (m *Manager) IsIdle() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state == StateIdle
}

// Promote attempts to spawn a new active session for clientID, having
// been handed the invite token that authorized the join. It returns an
// error if spawning failed; by then Promote has already run the
// spawn-failure teardown, emitted the lifecycle hooks and notified the
// client with SessionEnded{reason: spawn_failed}, so the caller — the
// queue controller — only continues the promotion loop with the next head.
func (m *Manager) Promote(ctx context.Context, clientID, inviteToken string) error {
	m.mu.Lock()
	if m.state != StateIdle {
		m.mu.Unlock()
		return brokererrors.New(brokererrors.ErrSessionNotActive, "active slot is not idle", nil)
	}
	m.state = StateSpawning
	m.mu.Unlock()

	m.hookReg.Fire(ctx, hooks.Payload{Event: hooks.BeforeSessionStart, ClientID: clientID, InviteToken: inviteToken})

	sessionID := uuid.NewString()
	token, err := generateSessionToken()
	if err != nil {
		return m.abortSpawn(ctx, clientID, sessionID, "", brokererrors.New(brokererrors.ErrSessionSpawnFailed, "failed to generate session token", err))
	}

	envPath, err := m.envWriter.Write(sessionID)
	if err != nil {
		return m.abortSpawn(ctx, clientID, sessionID, "", err)
	}

	m.registry.AddPendingToken(token, clientID, m.now())

	proc, err := m.spawner.Spawn(ctx, sessionID, envPath)
	if err != nil {
		m.registry.RemovePendingToken(token)
		return m.abortSpawn(ctx, clientID, sessionID, token, err)
	}

	active := &sessionstate.ActiveSession{
		SessionID:    sessionID,
		SessionToken: token,
		ClientID:     clientID,
		Pid:          proc.Pid(),
		StartedAt:    m.now(),
		HardExpiry:   m.now().Add(m.sessionTimeout),
		InviteToken:  inviteToken,
	}
	m.registry.SetActiveSession(active)
	m.registry.PromotePendingToken(token, sessionID)

	m.mu.Lock()
	m.state = StateActive
	m.proc = proc
	m.hardExpiryTimer = time.AfterFunc(m.sessionTimeout, func() {
		m.End(context.Background(), ReasonTimeout)
	})
	m.mu.Unlock()

	go m.watch(proc)

	m.notifier.SessionStarted(clientID, token)
	m.hookReg.Fire(ctx, hooks.Payload{Event: hooks.AfterSessionStart, ClientID: clientID, SessionID: sessionID})
	return nil
}

// abortSpawn unwinds a failed spawn back to idle and fires the
// spawn_failed end hook.
func (m *Manager) abortSpawn(ctx context.Context, clientID, sessionID, token string, cause error) error {
	if token != "" {
		_ = m.envWriter.Remove(sessionID)
	}
	m.mu.Lock()
	m.state = StateIdle
	m.mu.Unlock()
	logger.Errorw("session spawn failed", "clientId", clientID, "sessionId", sessionID, "error", cause)
	m.hookReg.Fire(ctx, hooks.Payload{Event: hooks.AfterSessionEnd, ClientID: clientID, SessionID: sessionID, Err: cause})
	m.notifier.SessionEnded(clientID, ReasonSpawnFailed)
	return cause
}

// watch blocks on the child's exit and drives the ending transition.
// It must run on its own goroutine; Wait is the only blocking call a
// Process exposes.
func (m *Manager) watch(proc Process) {
	err := proc.Wait()
	if err != nil {
		m.registry.AppendSessionError(err.Error())
	}
	m.End(context.Background(), ReasonChildExit)
}

// Disconnect arms the disconnect-grace timer for the client currently
// holding the active session. If the timer fires before Reconnect
// cancels it, the session transitions to ending with reason
// "disconnected".
func (m *Manager) Disconnect(ctx context.Context, clientID string) {
	active, ok := m.registry.GetActiveSession()
	if !ok || active.ClientID != clientID {
		return
	}
	m.registry.SetGraceTimer(clientID, m.disconnectGrace, func() {
		m.End(context.Background(), ReasonDisconnected)
	})
}

// Reconnect cancels any pending disconnect-grace timer for clientID,
// allowing the session to continue uninterrupted.
func (m *Manager) Reconnect(clientID string) bool {
	return m.registry.CancelGraceTimer(clientID)
}

// End transitions the active session to ending and back to idle,
// regardless of the trigger. It is idempotent: a session already
// ending or idle is left untouched.
func (m *Manager) End(ctx context.Context, reason EndReason) {
	m.mu.Lock()
	if m.state != StateActive {
		m.mu.Unlock()
		return
	}
	m.state = StateEnding
	if m.hardExpiryTimer != nil {
		m.hardExpiryTimer.Stop()
	}
	proc := m.proc
	m.proc = nil
	m.mu.Unlock()

	active, ok := m.registry.GetActiveSession()
	if !ok {
		m.mu.Lock()
		m.state = StateIdle
		m.mu.Unlock()
		return
	}

	m.hookReg.Fire(ctx, hooks.Payload{Event: hooks.BeforeSessionEnd, SessionID: active.SessionID, ClientID: active.ClientID})

	if proc != nil {
		if err := proc.Kill(); err != nil {
			logger.Errorw("failed to kill session child", "sessionId", active.SessionID, "error", err)
		}
	}
	if err := m.envWriter.Remove(active.SessionID); err != nil {
		logger.Errorw("failed to remove session env file", "sessionId", active.SessionID, "error", err)
	}
	m.registry.ClearAllTokensForSession(active.SessionID)
	m.registry.CancelGraceTimer(active.ClientID)
	m.registry.ClearActiveSession()

	m.mu.Lock()
	m.state = StateIdle
	m.mu.Unlock()

	m.notifier.SessionEnded(active.ClientID, reason)
	m.hookReg.Fire(ctx, hooks.Payload{Event: hooks.AfterSessionEnd, SessionID: active.SessionID, ClientID: active.ClientID})
}

func generateSessionToken() (string, error) {
	buf := make([]byte, 16) // 128 bits, distinct from the session id
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(buf), nil
}
