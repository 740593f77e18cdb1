// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package sessionstate is the broker's single in-memory source of
// truth (spec.md §4.4): connected clients, the FIFO queue, the single
// active session slot, the two token indexes, and per-client
// disconnect-grace timers. It is pure data plus cheap mutators guarded
// by one coarse mutex — no I/O, no external calls, no suspension
// points, matching the single-writer discipline of spec.md §5.
package sessionstate

import (
	"sync"
	"time"
)

// ClientState is one of the four states a connected peer may be in.
type ClientState string

const (
	ClientConnected     ClientState = "connected"
	ClientQueued        ClientState = "queued"
	ClientActive        ClientState = "active"
	ClientDisconnecting ClientState = "disconnecting"
)

// Client represents one connected peer (spec.md §3).
type Client struct {
	ID            string
	State         ClientState
	RemoteIP      string
	UserAgent     string
	InviteToken   string
	PendingToken  string
	JoinedAt      time.Time
}

// ActiveSession is the single process-wide active session slot
// (spec.md §3). At most one exists at any instant.
type ActiveSession struct {
	SessionID        string
	SessionToken     string
	ClientID         string
	Pid              int
	StartedAt        time.Time
	HardExpiry       time.Time
	InviteToken      string
	DisconnectGrace  *time.Time
	Errors           []string
}

// pendingEntry is a transient index entry created just before spawning
// a child, keyed by the session's secret token.
type pendingEntry struct {
	ClientID  string
	CreatedAt time.Time
}

// Registry is the coarse-locked state container. Every exported method
// is a cheap, synchronous mutation or read; callers perform I/O (store
// calls, spawn, file writes, sends) outside any call into Registry.
type Registry struct {
	mu sync.Mutex

	clients map[string]*Client
	queue   []string

	active *ActiveSession

	activeTokens  map[string]string       // token -> sessionId
	pendingTokens map[string]pendingEntry // token -> pending entry

	graceTimers map[string]*time.Timer // clientId -> grace timer
}

// NewRegistry constructs an empty Registry.
func NewRegistry() *Registry {
	return &Registry{
		clients:       make(map[string]*Client),
		activeTokens:  make(map[string]string),
		pendingTokens: make(map[string]pendingEntry),
		graceTimers:   make(map[string]*time.Timer),
	}
}

// --- Clients ---

// AddClient registers a newly connected client.
func (r *Registry) AddClient(c *Client) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.clients[c.ID] = c
}

// RemoveClient deletes a client by id. No-op if absent.
func (r *Registry) RemoveClient(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.clients, id)
}

// GetClient returns the client by id, if present.
func (r *Registry) GetClient(id string) (*Client, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.clients[id]
	return c, ok
}

// SetClientState transitions a client's state in place. No-op if the
// client is absent.
func (r *Registry) SetClientState(id string, state ClientState) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if c, ok := r.clients[id]; ok {
		c.State = state
	}
}

// ClientCount reports the number of currently connected clients.
func (r *Registry) ClientCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.clients)
}

// --- Queue ---

// EnqueueClient appends a client id to the tail of the queue. The
// caller is responsible for checking capacity and dedup beforehand
// (pkg/queue owns that policy); Registry enforces invariant I1 (no
// duplicates) defensively.
func (r *Registry) EnqueueClient(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, q := range r.queue {
		if q == id {
			return
		}
	}
	r.queue = append(r.queue, id)
}

// DequeueClient removes id from the queue wherever it sits. Returns
// true if it was present.
func (r *Registry) DequeueClient(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i, q := range r.queue {
		if q == id {
			r.queue = append(r.queue[:i], r.queue[i+1:]...)
			return true
		}
	}
	return false
}

// QueueHead returns the id at the head of the queue, if any.
func (r *Registry) QueueHead() (string, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.queue) == 0 {
		return "", false
	}
	return r.queue[0], true
}

// PopQueueHead removes and returns the id at the head of the queue.
func (r *Registry) PopQueueHead() (string, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.queue) == 0 {
		return "", false
	}
	head := r.queue[0]
	r.queue = r.queue[1:]
	return head, true
}

// QueueSnapshot returns a copy of the queue in order, for broadcasting
// positions without holding the lock during I/O.
func (r *Registry) QueueSnapshot() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, len(r.queue))
	copy(out, r.queue)
	return out
}

// QueueLen reports the current queue length.
func (r *Registry) QueueLen() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.queue)
}

// QueuePosition returns the 1-based position of id in the queue, or 0
// if not present.
func (r *Registry) QueuePosition(id string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i, q := range r.queue {
		if q == id {
			return i + 1
		}
	}
	return 0
}

// --- Active session ---

// SetActiveSession installs s as the active session. Callers must have
// already verified the slot is idle (GetActiveSession returns false).
func (r *Registry) SetActiveSession(s *ActiveSession) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.active = s
}

// GetActiveSession returns the active session, if any.
func (r *Registry) GetActiveSession() (*ActiveSession, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.active == nil {
		return nil, false
	}
	return r.active, true
}

// ClearActiveSession empties the slot.
func (r *Registry) ClearActiveSession() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.active = nil
}

// AppendSessionError appends a non-fatal error message to the active
// session's error list, if a session is active.
func (r *Registry) AppendSessionError(msg string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.active != nil {
		r.active.Errors = append(r.active.Errors, msg)
	}
}

// --- Token indexes ---

// AddPendingToken indexes token -> clientId just before spawning a
// child.
func (r *Registry) AddPendingToken(token, clientID string, now time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.pendingTokens[token] = pendingEntry{ClientID: clientID, CreatedAt: now}
}

// PromotePendingToken moves token from the pending index to the active
// index, associating it with sessionID. No-op if token was not pending.
func (r *Registry) PromotePendingToken(token, sessionID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.pendingTokens[token]; !ok {
		return
	}
	delete(r.pendingTokens, token)
	r.activeTokens[token] = sessionID
}

// RemovePendingToken deletes a pending token entry (spawn failure or
// disconnect before cookie issuance).
func (r *Registry) RemovePendingToken(token string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.pendingTokens, token)
}

// LookupPendingToken returns the client id for a pending token.
func (r *Registry) LookupPendingToken(token string) (string, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.pendingTokens[token]
	return e.ClientID, ok
}

// LookupActiveToken returns the session id for an active token.
func (r *Registry) LookupActiveToken(token string) (string, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	id, ok := r.activeTokens[token]
	return id, ok
}

// RemoveActiveToken removes a stale active-token entry, e.g. when a
// lookup resolves to a session id that is no longer the active one
// (spec.md §4.8: "Stale tokens in the active map must be garbage
// collected on lookup miss").
func (r *Registry) RemoveActiveToken(token string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.activeTokens, token)
}

// ClearAllTokensForSession removes every active-token entry mapping to
// sessionID (there is exactly one, but the scan is defensive).
func (r *Registry) ClearAllTokensForSession(sessionID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for tok, sid := range r.activeTokens {
		if sid == sessionID {
			delete(r.activeTokens, tok)
		}
	}
}

// --- Disconnect grace ---

// SetGraceTimer installs (replacing any existing) grace timer for
// clientID. fire is invoked from the timer's own goroutine once grace
// elapses unless CancelGraceTimer is called first.
func (r *Registry) SetGraceTimer(clientID string, d time.Duration, fire func()) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if existing, ok := r.graceTimers[clientID]; ok {
		existing.Stop()
	}
	r.graceTimers[clientID] = time.AfterFunc(d, fire)
}

// CancelGraceTimer stops and removes clientID's grace timer, if any.
// Returns true if a timer was found and stopped before firing.
func (r *Registry) CancelGraceTimer(clientID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	t, ok := r.graceTimers[clientID]
	if !ok {
		return false
	}
	delete(r.graceTimers, clientID)
	return t.Stop()
}
