// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package hooks

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFire_PriorityOrder(t *testing.T) {
	t.Parallel()
	r := NewRegistry()

	var order []string
	r.On(AfterSessionStart, "low-priority-runs-last", 10, func(ctx context.Context, p Payload) error {
		order = append(order, "second")
		return nil
	})
	r.On(AfterSessionStart, "high-priority-runs-first", 1, func(ctx context.Context, p Payload) error {
		order = append(order, "first")
		return nil
	})

	errs := r.Fire(context.Background(), Payload{Event: AfterSessionStart, SessionID: "s1"})
	require.Empty(t, errs)
	assert.Equal(t, []string{"first", "second"}, order)
}

func TestFire_CollectsErrorsWithoutStopping(t *testing.T) {
	t.Parallel()
	r := NewRegistry()

	ran := 0
	r.On(BeforeSessionEnd, "failing", 0, func(ctx context.Context, p Payload) error {
		ran++
		return errors.New("boom")
	})
	r.On(BeforeSessionEnd, "second", 1, func(ctx context.Context, p Payload) error {
		ran++
		return nil
	})

	errs := r.Fire(context.Background(), Payload{Event: BeforeSessionEnd})
	assert.Len(t, errs, 1)
	assert.Equal(t, 2, ran, "a failing handler must not prevent later handlers from running")
}

func TestFire_NoHandlersIsNoOp(t *testing.T) {
	t.Parallel()
	r := NewRegistry()
	errs := r.Fire(context.Background(), Payload{Event: QueueJoined})
	assert.Empty(t, errs)
}

func TestFire_OnlyMatchingEventRuns(t *testing.T) {
	t.Parallel()
	r := NewRegistry()

	startFired := false
	endFired := false
	r.On(AfterSessionStart, "start", 0, func(ctx context.Context, p Payload) error {
		startFired = true
		return nil
	})
	r.On(AfterSessionEnd, "end", 0, func(ctx context.Context, p Payload) error {
		endFired = true
		return nil
	})

	r.Fire(context.Background(), Payload{Event: AfterSessionStart})
	assert.True(t, startFired)
	assert.False(t, endFired)
}
