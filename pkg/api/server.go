// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package api implements the out-of-band HTTP validator surface of
// spec.md §4.8: session/invite validation for the reverse proxy, plus
// read-only status/health/platform endpoints, and the supplemented
// admin invite and metrics endpoints of SPEC_FULL.md §10.
package api

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	apierrors "github.com/stacklok/demo-session-broker/pkg/api/errors"
	"github.com/stacklok/demo-session-broker/pkg/config"
	"github.com/stacklok/demo-session-broker/pkg/invite"
	"github.com/stacklok/demo-session-broker/pkg/logger"
	"github.com/stacklok/demo-session-broker/pkg/sessionstate"
	"github.com/stacklok/demo-session-broker/pkg/store"
)

const (
	sessionCookieName = "demo_session"
	middlewareTimeout = 30 * time.Second
	readHeaderTimeout = 10 * time.Second
)

// Server wires the broker's state into the HTTP validator surface.
type Server struct {
	cfg      *config.Config
	registry *sessionstate.Registry
	invites  *invite.Service
	store    store.Store
}

// NewServer builds an api.Server.
func NewServer(cfg *config.Config, registry *sessionstate.Registry, invites *invite.Service, s store.Store) *Server {
	return &Server{cfg: cfg, registry: registry, invites: invites, store: s}
}

// Router builds the chi router exposing every endpoint in spec.md §4.8
// plus the SPEC_FULL.md §10 supplements, mounted alongside the
// WebSocket handler at /ws by the caller.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID, middleware.Timeout(middlewareTimeout))

	r.Get("/health", apierrors.ErrorHandler(s.handleHealth))
	r.Get("/health/live", apierrors.ErrorHandler(s.handleHealthLive))
	r.Get("/health/ready", apierrors.ErrorHandler(s.handleHealth))
	r.Get("/status", apierrors.ErrorHandler(s.handleStatus))
	r.Get("/platforms", apierrors.ErrorHandler(s.handlePlatforms))

	r.Get("/session/validate", apierrors.ErrorHandler(s.handleSessionValidate))
	r.Post("/session/cookie", apierrors.ErrorHandler(s.handleSessionCookie))
	r.Post("/session/logout", apierrors.ErrorHandler(s.handleSessionLogout))

	r.Get("/invite/validate", apierrors.ErrorHandler(s.handleInviteValidate))

	r.Get("/invites", apierrors.ErrorHandler(s.handleListInvites))
	r.Post("/invites", apierrors.ErrorHandler(s.handleCreateInvite))
	r.Post("/invites/{token}/revoke", apierrors.ErrorHandler(s.handleRevokeInvite))

	r.Handle("/metrics", promhttp.Handler())

	return r
}

// Serve runs the HTTP server on addr until ctx is cancelled, then
// gracefully shuts it down, grounded on the teacher's Serve pattern.
func Serve(ctx context.Context, addr string, handler http.Handler) error {
	srv := &http.Server{
		BaseContext:       func(net.Listener) context.Context { return ctx },
		Addr:              addr,
		Handler:           handler,
		ReadHeaderTimeout: readHeaderTimeout,
	}

	logger.Infof("starting http server on %s", addr)
	errCh := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
			return
		}
		errCh <- nil
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("server shutdown failed: %w", err)
		}
		logger.Infof("http server stopped")
		return nil
	case err := <-errCh:
		return err
	}
}
