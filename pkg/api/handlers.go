// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package api

import (
	"encoding/json"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	brokererrors "github.com/stacklok/demo-session-broker/pkg/errors"
	"github.com/stacklok/demo-session-broker/pkg/invite"
	"github.com/stacklok/demo-session-broker/pkg/scenarios"
)

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// --- health/status/platforms ---

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) error {
	if err := s.store.Ping(r.Context()); err != nil {
		return brokererrors.New(brokererrors.ErrStoreError, "store is unreachable", err)
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	return nil
}

func (s *Server) handleHealthLive(w http.ResponseWriter, _ *http.Request) error {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	return nil
}

func (s *Server) handleStatus(w http.ResponseWriter, _ *http.Request) error {
	_, active := s.registry.GetActiveSession()
	writeJSON(w, http.StatusOK, map[string]any{
		"queueSize": s.registry.QueueLen(),
		"active":    active,
	})
	return nil
}

func (s *Server) handlePlatforms(w http.ResponseWriter, _ *http.Request) error {
	configured := make([]string, 0, len(s.cfg.EnabledPlatforms))
	for _, p := range s.cfg.EnabledPlatforms {
		configured = append(configured, string(p))
	}
	list, err := scenarios.Load(s.cfg.ScenariosPath)
	if err != nil {
		return err
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"platforms": configured,
		"scenarios": list,
	})
	return nil
}

// --- session validator surface (spec.md §4.8) ---

func (s *Server) handleSessionValidate(w http.ResponseWriter, r *http.Request) error {
	cookie, err := r.Cookie(sessionCookieName)
	if err != nil || cookie.Value == "" {
		return brokererrors.New(brokererrors.ErrNoSessionCookie, "no session cookie", nil)
	}
	token := cookie.Value

	if sessionID, ok := s.registry.LookupActiveToken(token); ok {
		active, ok := s.registry.GetActiveSession()
		if ok && active.SessionID == sessionID {
			w.Header().Set("X-Grafana-User", "demo-"+firstN(active.SessionID, 8))
			writeJSON(w, http.StatusOK, map[string]string{"status": "active"})
			return nil
		}
		// Stale: the active slot moved on since the token was issued.
		s.registry.RemoveActiveToken(token)
	}

	if _, ok := s.registry.LookupPendingToken(token); ok {
		writeJSON(w, http.StatusOK, map[string]string{"status": "pending"})
		return nil
	}

	return brokererrors.New(brokererrors.ErrSessionNotActive, "session is not active", nil)
}

type cookieRequest struct {
	Token string `json:"token"`
}

func (s *Server) handleSessionCookie(w http.ResponseWriter, r *http.Request) error {
	var req cookieRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Token == "" {
		return brokererrors.New(brokererrors.ErrInvalidInput, "missing token", err)
	}

	_, inActive := s.registry.LookupActiveToken(req.Token)
	_, inPending := s.registry.LookupPendingToken(req.Token)
	if !inActive && !inPending {
		return brokererrors.New(brokererrors.ErrInvalidToken, "token is not known", nil)
	}

	http.SetCookie(w, &http.Cookie{
		Name:     sessionCookieName,
		Value:    req.Token,
		HttpOnly: true,
		SameSite: http.SameSiteStrictMode,
		Secure:   s.cfg.CookieSecure,
		MaxAge:   s.cfg.SessionTimeoutMinutes * 60,
		Path:     "/",
	})
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	return nil
}

func (s *Server) handleSessionLogout(w http.ResponseWriter, _ *http.Request) error {
	http.SetCookie(w, &http.Cookie{
		Name:     sessionCookieName,
		Value:    "",
		HttpOnly: true,
		SameSite: http.SameSiteStrictMode,
		Secure:   s.cfg.CookieSecure,
		MaxAge:   -1,
		Path:     "/",
	})
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	return nil
}

// --- invite validator (spec.md §4.8) ---

func (s *Server) handleInviteValidate(w http.ResponseWriter, r *http.Request) error {
	token := r.Header.Get("X-Invite-Token")
	if token == "" {
		token = r.URL.Query().Get("token")
	}
	ip := forwardedIP(r)

	res, err := s.invites.Validate(r.Context(), token, ip)
	if err != nil {
		return err
	}
	if !res.Valid {
		return invite.ReasonError(res.Reason)
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "valid"})
	return nil
}

// --- admin invite endpoints (SPEC_FULL.md §10) ---

type createInviteRequest struct {
	Label     string    `json:"label"`
	ExpiresAt time.Time `json:"expiresAt"`
	MaxUsages int       `json:"maxUsages"`
}

func (s *Server) handleCreateInvite(w http.ResponseWriter, r *http.Request) error {
	var req createInviteRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		return brokererrors.New(brokererrors.ErrInvalidInput, "malformed request body", err)
	}
	if req.MaxUsages < 1 {
		req.MaxUsages = 1
	}
	if req.ExpiresAt.IsZero() {
		req.ExpiresAt = time.Now().Add(24 * time.Hour)
	}
	token, err := s.invites.Create(r.Context(), req.Label, req.ExpiresAt, req.MaxUsages)
	if err != nil {
		return err
	}
	writeJSON(w, http.StatusCreated, map[string]string{"token": token})
	return nil
}

// handleListInvites is the admin listing endpoint of SPEC_FULL.md §10:
// with no query parameters it returns every invite ever created; the
// 'token' parameter narrows that to a single record lookup.
func (s *Server) handleListInvites(w http.ResponseWriter, r *http.Request) error {
	token := r.URL.Query().Get("token")
	if token == "" {
		recs, err := s.invites.List(r.Context())
		if err != nil {
			return err
		}
		writeJSON(w, http.StatusOK, recs)
		return nil
	}
	rec, ok, err := s.invites.Get(r.Context(), token)
	if err != nil {
		return err
	}
	if !ok {
		return brokererrors.New(brokererrors.ErrInviteNotFound, "invite not found", nil)
	}
	writeJSON(w, http.StatusOK, rec)
	return nil
}

func (s *Server) handleRevokeInvite(w http.ResponseWriter, r *http.Request) error {
	token := chi.URLParam(r, "token")
	if err := s.invites.Revoke(r.Context(), token); err != nil {
		return err
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "revoked"})
	return nil
}

func forwardedIP(r *http.Request) string {
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

func firstN(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
