// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package wsconn implements the per-connection protocol of spec.md
// §4.7: origin check, per-IP connection rate limiting, the WebSocket
// handshake, inbound message routing (join_queue, leave_queue,
// heartbeat), and close handling (queue removal or disconnect-grace
// arming for the active-session holder).
package wsconn

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	apierrors "github.com/stacklok/demo-session-broker/pkg/api/errors"
	"github.com/stacklok/demo-session-broker/pkg/config"
	brokererrors "github.com/stacklok/demo-session-broker/pkg/errors"
	"github.com/stacklok/demo-session-broker/pkg/logger"
	"github.com/stacklok/demo-session-broker/pkg/metrics"
	"github.com/stacklok/demo-session-broker/pkg/queue"
	"github.com/stacklok/demo-session-broker/pkg/ratelimit"
	"github.com/stacklok/demo-session-broker/pkg/session"
	"github.com/stacklok/demo-session-broker/pkg/sessionstate"
)

// Inbound is one client->broker frame.
type Inbound struct {
	Type        string `json:"type"`
	InviteToken string `json:"inviteToken,omitempty"`
	Token       string `json:"token,omitempty"`
}

// Outbound is one broker->client frame.
type Outbound struct {
	Type          string `json:"type"`
	Position      int    `json:"position,omitempty"`
	QueueSize     int    `json:"queueSize,omitempty"`
	Active        bool   `json:"active,omitempty"`
	EstimatedWait int    `json:"estimatedWaitSeconds,omitempty"`
	Token         string `json:"token,omitempty"`
	URL           string `json:"url,omitempty"`
	Reason        string `json:"reason,omitempty"`
	Code          string `json:"code,omitempty"`
	Message       string `json:"message,omitempty"`
}

const (
	msgJoinQueue   = "join_queue"
	msgLeaveQueue  = "leave_queue"
	msgHeartbeat   = "heartbeat"
	msgHeartbeatAck = "heartbeat_ack"
	msgStatus       = "status"
	msgQueueUpdate  = "queue_update"
	msgSessionStart = "session_started"
	msgSessionEnd   = "session_ended"
	msgError        = "error"
)

// peer is one live WebSocket connection and the mutex guarding its
// writes; gorilla's *websocket.Conn permits one concurrent writer.
type peer struct {
	mu   sync.Mutex
	conn *websocket.Conn
}

func (p *peer) send(o Outbound) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.conn.WriteJSON(o)
}

func (p *peer) closeWithPolicy(reason string) {
	reason = truncate(reason, 123)
	msg := websocket.FormatCloseMessage(websocket.ClosePolicyViolation, reason)
	p.mu.Lock()
	_ = p.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(5*time.Second))
	p.mu.Unlock()
	_ = p.conn.Close()
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}

// Handler upgrades and manages every broker WebSocket connection.
type Handler struct {
	registry    *sessionstate.Registry
	queue       *queue.Controller
	sessions    *session.Manager
	connLimiter *ratelimit.ConnectionLimiter
	cfg         *config.Config

	upgrader websocket.Upgrader

	mu    sync.Mutex
	peers map[string]*peer
}

// NewHandler builds a wsconn Handler.
func NewHandler(
	registry *sessionstate.Registry,
	q *queue.Controller,
	sessions *session.Manager,
	connLimiter *ratelimit.ConnectionLimiter,
	cfg *config.Config,
) *Handler {
	h := &Handler{
		registry:    registry,
		queue:       q,
		sessions:    sessions,
		connLimiter: connLimiter,
		cfg:         cfg,
		peers:       make(map[string]*peer),
	}
	h.upgrader = websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		// Every origin is upgraded; ServeHTTP runs checkOrigin afterwards
		// so a rejection goes out as a 1008 close frame, not an HTTP 403.
		CheckOrigin: func(*http.Request) bool { return true },
	}
	return h
}

// Attach completes construction for callers that must build the queue
// controller and session manager after the Handler, since both of
// those depend on the Handler as their Broadcaster/Notifier.
func (h *Handler) Attach(q *queue.Controller, sessions *session.Manager) {
	h.queue = q
	h.sessions = sessions
}

func (h *Handler) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return h.cfg.Mode == config.ModeDevelopment
	}
	for _, allowed := range h.cfg.AllowedOrigins {
		if origin == allowed {
			return true
		}
	}
	return false
}

func remoteIP(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		parts := strings.Split(fwd, ",")
		return strings.TrimSpace(parts[0])
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// ServeHTTP implements the connection handshake of spec.md §4.7 step
// 1-3. Origin and rate-limit rejections are policy violations of the
// WebSocket protocol, not HTTP errors: spec.md §4.7/§6 require them to
// be delivered as a close code 1008 after the handshake completes, so
// the upgrade always happens first.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	origin := r.Header.Get("Origin")
	ip := remoteIP(r)

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		logger.Errorw("websocket upgrade failed", "error", err)
		return
	}
	p := &peer{conn: conn}

	if origin == "" && h.cfg.Mode != config.ModeDevelopment {
		metrics.ConnectionsRejected.WithLabelValues("origin_required").Inc()
		p.closeWithPolicy(apierrors.CloseReason(brokererrors.New(brokererrors.ErrOriginRequired, "origin header required", nil)))
		return
	}
	if origin != "" && !h.checkOrigin(r) {
		metrics.ConnectionsRejected.WithLabelValues("origin_not_allowed").Inc()
		p.closeWithPolicy(apierrors.CloseReason(brokererrors.New(brokererrors.ErrOriginNotAllowed, "origin not allowed", nil)))
		return
	}

	rl := h.connLimiter.Check(ip)
	if !rl.Allowed {
		metrics.ConnectionsRejected.WithLabelValues("rate_limited").Inc()
		reason := fmt.Sprintf("retryAfter=%s", rl.RetryAfter)
		p.closeWithPolicy(apierrors.CloseReason(brokererrors.New(brokererrors.ErrRateLimitedConnection, reason, nil)))
		return
	}

	clientID := uuid.NewString()
	h.mu.Lock()
	h.peers[clientID] = p
	h.mu.Unlock()

	h.registry.AddClient(&sessionstate.Client{
		ID:        clientID,
		State:     sessionstate.ClientConnected,
		RemoteIP:  ip,
		UserAgent: r.UserAgent(),
		JoinedAt:  time.Now(),
	})

	_, activeNow := h.registry.GetActiveSession()
	_ = p.send(Outbound{Type: msgStatus, QueueSize: h.registry.QueueLen(), Active: activeNow})

	h.serve(r.Context(), clientID, ip, p)
}

// serve owns one connection's read loop until it closes. clientID may
// change mid-loop when a "resume" message reattaches this connection
// to an existing active session after a reconnect within the grace
// window (spec.md §4.5).
func (h *Handler) serve(ctx context.Context, clientID, ip string, p *peer) {
	for {
		var in Inbound
		if err := p.conn.ReadJSON(&in); err != nil {
			h.handleClose(ctx, clientID)
			return
		}

		switch in.Type {
		case msgJoinQueue:
			if err := h.queue.JoinQueue(ctx, clientID, ip, in.InviteToken); err != nil {
				h.SendError(clientID, err)
			}
		case msgLeaveQueue:
			h.queue.LeaveQueue(ctx, clientID)
		case msgHeartbeat:
			_ = p.send(Outbound{Type: msgHeartbeatAck})
		case "resume":
			clientID = h.handleResume(clientID, in.Token, p)
		default:
			_ = p.send(Outbound{Type: msgError, Code: string(brokererrors.ErrUnknownMessageType), Message: "unknown message type"})
		}
	}
}

// handleResume reattaches p to the active session holder identified by
// token, if one exists and its grace timer has not yet fired. It
// returns the clientID the caller should use for the remainder of the
// connection (the original holder's id on success, the connection's
// own id otherwise).
func (h *Handler) handleResume(connClientID, token string, p *peer) string {
	sessionID, ok := h.registry.LookupActiveToken(token)
	if !ok {
		_ = p.send(Outbound{Type: msgError, Code: string(brokererrors.ErrInvalidToken), Message: "unknown session token"})
		return connClientID
	}
	active, ok := h.registry.GetActiveSession()
	if !ok || active.SessionID != sessionID {
		h.registry.RemoveActiveToken(token)
		_ = p.send(Outbound{Type: msgError, Code: string(brokererrors.ErrSessionNotActive), Message: "session is no longer active"})
		return connClientID
	}

	holderID := active.ClientID
	h.sessions.Reconnect(holderID)

	h.mu.Lock()
	delete(h.peers, connClientID)
	h.peers[holderID] = p
	h.mu.Unlock()

	h.registry.RemoveClient(connClientID)
	h.registry.SetClientState(holderID, sessionstate.ClientActive)

	_ = p.send(Outbound{Type: msgSessionStart, Token: token})
	return holderID
}

// handleClose runs spec.md §4.7's close handling: immediate queue
// removal, or disconnect-grace arming for the active-session holder.
func (h *Handler) handleClose(ctx context.Context, clientID string) {
	h.mu.Lock()
	delete(h.peers, clientID)
	h.mu.Unlock()

	cl, ok := h.registry.GetClient(clientID)
	if !ok {
		return
	}

	switch cl.State {
	case sessionstate.ClientQueued:
		h.queue.LeaveQueue(ctx, clientID)
		h.registry.RemoveClient(clientID)
	case sessionstate.ClientActive:
		h.sessions.Disconnect(ctx, clientID)
	default:
		if cl.PendingToken != "" {
			h.registry.RemovePendingToken(cl.PendingToken)
		}
		h.registry.RemoveClient(clientID)
	}
}

// SendStatus implements queue.Broadcaster.
func (h *Handler) SendStatus(clientID string, position int, estimatedWait time.Duration) {
	h.sendTo(clientID, Outbound{Type: msgQueueUpdate, Position: position, EstimatedWait: int(estimatedWait.Seconds())})
}

// SendError implements queue.Broadcaster.
func (h *Handler) SendError(clientID string, err error) {
	h.sendTo(clientID, Outbound{Type: msgError, Code: string(errorCode(err)), Message: err.Error()})
}

// SessionStarted implements session.Notifier.
func (h *Handler) SessionStarted(clientID, token string) {
	h.sendTo(clientID, Outbound{Type: msgSessionStart, Token: token})
}

// SessionEnded implements session.Notifier and queue.Broadcaster: the
// latter uses it to report session_ended{reason:"queue_left"} for a
// client that leaves the queue before ever being promoted.
func (h *Handler) SessionEnded(clientID string, reason session.EndReason) {
	h.sendTo(clientID, Outbound{Type: msgSessionEnd, Reason: string(reason)})
}

func (h *Handler) sendTo(clientID string, o Outbound) {
	h.mu.Lock()
	p, ok := h.peers[clientID]
	h.mu.Unlock()
	if !ok {
		return
	}
	if err := p.send(o); err != nil {
		logger.Errorw("failed to send to peer", "clientId", clientID, "error", err)
	}
}

func errorCode(err error) brokererrors.Type {
	var e *brokererrors.Error
	if be, ok := err.(*brokererrors.Error); ok {
		e = be
	}
	if e != nil {
		return e.Type
	}
	return brokererrors.ErrInternal
}
