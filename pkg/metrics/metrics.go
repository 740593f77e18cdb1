// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package metrics exposes the broker's own-state Prometheus metrics
// (SPEC_FULL.md §10): queue depth, whether a session is active, invite
// redemptions, and rejected connections. This is metrics of the
// broker's own state, distinct from the downstream observability
// dashboards the session token gates — those remain an external
// collaborator out of scope per spec.md §1.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/stacklok/demo-session-broker/pkg/sessionstate"
)

// InvitesRedeemed counts successful invite validations.
var InvitesRedeemed = promauto.NewCounter(prometheus.CounterOpts{
	Name: "demo_broker_invites_redeemed_total",
	Help: "Total number of invite tokens successfully redeemed.",
})

// ConnectionsRejected counts WebSocket connections rejected during the
// handshake (origin check, connection rate limit), labeled by reason.
var ConnectionsRejected = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "demo_broker_connections_rejected_total",
	Help: "Total number of WebSocket connections rejected during the handshake.",
}, []string{"reason"})

// RegisterQueueGauges wires queue-depth and active-session gauges that
// read directly from the State registry on every Prometheus scrape, so
// no caller needs to push updates on every mutation.
func RegisterQueueGauges(registry *sessionstate.Registry) {
	promauto.NewGaugeFunc(prometheus.GaugeOpts{
		Name: "demo_broker_queue_depth",
		Help: "Current number of clients waiting in the queue.",
	}, func() float64 {
		return float64(registry.QueueLen())
	})
	promauto.NewGaugeFunc(prometheus.GaugeOpts{
		Name: "demo_broker_session_active",
		Help: "1 if a session is currently active, 0 otherwise.",
	}, func() float64 {
		if _, ok := registry.GetActiveSession(); ok {
			return 1
		}
		return 0
	})
}
