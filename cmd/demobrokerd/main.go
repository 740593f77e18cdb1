// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

// Command demobrokerd runs the single-tenant session broker described
// in spec.md: it loads configuration, wires the queue/session/transport
// stack, and serves the WebSocket and HTTP validator surfaces until an
// interrupt or termination signal arrives.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/stacklok/demo-session-broker/pkg/api"
	"github.com/stacklok/demo-session-broker/pkg/config"
	"github.com/stacklok/demo-session-broker/pkg/hooks"
	"github.com/stacklok/demo-session-broker/pkg/invite"
	"github.com/stacklok/demo-session-broker/pkg/logger"
	"github.com/stacklok/demo-session-broker/pkg/metrics"
	"github.com/stacklok/demo-session-broker/pkg/queue"
	"github.com/stacklok/demo-session-broker/pkg/ratelimit"
	"github.com/stacklok/demo-session-broker/pkg/scenarios"
	"github.com/stacklok/demo-session-broker/pkg/session"
	"github.com/stacklok/demo-session-broker/pkg/sessionstate"
	"github.com/stacklok/demo-session-broker/pkg/store"
	"github.com/stacklok/demo-session-broker/pkg/wsconn"
)

func main() {
	logger.Initialize()

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx); err != nil {
		logger.Errorf("demobrokerd exited with error: %v", err)
		os.Exit(1)
	}
}

func run(ctx context.Context) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}

	s, err := store.NewRedisStore(cfg.StoreURL)
	if err != nil {
		return fmt.Errorf("failed to connect to store: %w", err)
	}

	scenarioList, err := scenarios.Load(cfg.ScenariosPath)
	if err != nil {
		return fmt.Errorf("failed to load scenarios manifest: %w", err)
	}
	logger.Infow("loaded scenario manifest", "count", len(scenarioList))

	connLimiter := ratelimit.NewConnectionLimiter(cfg.ConnectionRateMax, cfg.ConnectionRateWindow())
	inviteLimiter := ratelimit.NewInviteLimiter(s, cfg.InviteRateMax, cfg.InviteRateWindow())
	invites := invite.NewService(s, inviteLimiter)

	registry := sessionstate.NewRegistry()
	hookReg := hooks.NewRegistry()
	registerLifecycleLogging(hookReg)

	envWriter := session.NewEnvWriter(cfg, session.NewAuthTokenSource(cfg))
	spawner := session.NewContainerSpawner(cfg.ContainerImage)

	conn := wsconn.NewHandler(registry, nil, nil, connLimiter, cfg)

	sessions := session.NewManager(registry, hookReg, spawner, envWriter, conn, cfg.SessionTimeout(), cfg.DisconnectGrace())
	averageSession := time.Duration(cfg.AverageSessionMinutes) * time.Minute
	q := queue.NewController(registry, invites, hookReg, sessions, conn, cfg.MaxQueueSize, averageSession)
	conn.Attach(q, sessions)

	metrics.RegisterQueueGauges(registry)

	apiServer := api.NewServer(cfg, registry, invites, s)

	mux := http.NewServeMux()
	mux.Handle("/ws", conn)
	mux.Handle("/", apiServer.Router())

	go sweepConnectionLimiter(ctx, connLimiter)

	addr := fmt.Sprintf(":%d", cfg.ListenPort)
	return api.Serve(ctx, addr, mux)
}

// connSweepInterval is how often sweepConnectionLimiter reaps expired
// per-IP entries from connLimiter. spec.md §4.2 only requires that the
// sweep run "periodically"; a minute comfortably bounds memory without
// adding contention on the limiter's mutex.
const connSweepInterval = time.Minute

// sweepConnectionLimiter periodically reclaims connLimiter's per-IP
// entries whose window has elapsed after a single attempt, so a broker
// left running for days doesn't accumulate one entry per distinct IP
// that connected only once.
func sweepConnectionLimiter(ctx context.Context, connLimiter *ratelimit.ConnectionLimiter) {
	ticker := time.NewTicker(connSweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			connLimiter.Sweep()
		}
	}
}

// registerLifecycleLogging installs the broker's one built-in hook:
// structured audit logging of every session lifecycle transition.
func registerLifecycleLogging(hookReg *hooks.Registry) {
	hookReg.On(hooks.BeforeSessionStart, "audit-log", 0, func(_ context.Context, p hooks.Payload) error {
		logger.Infow("session starting", "sessionId", p.SessionID, "clientId", p.ClientID)
		return nil
	})
	hookReg.On(hooks.AfterSessionStart, "audit-log", 0, func(_ context.Context, p hooks.Payload) error {
		logger.Infow("session started", "sessionId", p.SessionID, "clientId", p.ClientID)
		return nil
	})
	hookReg.On(hooks.BeforeSessionEnd, "audit-log", 0, func(_ context.Context, p hooks.Payload) error {
		logger.Infow("session ending", "sessionId", p.SessionID, "clientId", p.ClientID, "error", p.Err)
		return nil
	})
	hookReg.On(hooks.AfterSessionEnd, "audit-log", 0, func(_ context.Context, p hooks.Payload) error {
		logger.Infow("session ended", "sessionId", p.SessionID, "clientId", p.ClientID)
		return nil
	})
}
