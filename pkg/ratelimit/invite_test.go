// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package ratelimit

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/mock/gomock"

	"github.com/stacklok/demo-session-broker/pkg/store"
	"github.com/stacklok/demo-session-broker/pkg/store/storemocks"
)

func newTestStore(t *testing.T) store.Store {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return store.NewRedisStoreFromClient(client)
}

func TestInviteLimiter_AllowsUntilMax(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s := newTestStore(t)
	l := NewInviteLimiter(s, 3, time.Minute)

	for i := 0; i < 3; i++ {
		res, err := l.Check(ctx, "10.0.0.1")
		require.NoError(t, err)
		assert.True(t, res.Allowed)
		require.NoError(t, l.RecordFailure(ctx, "10.0.0.1"))
	}

	res, err := l.Check(ctx, "10.0.0.1")
	require.NoError(t, err)
	assert.False(t, res.Allowed)
	assert.Equal(t, time.Minute, res.RetryAfter)
}

func TestInviteLimiter_PerIPIsolation(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s := newTestStore(t)
	l := NewInviteLimiter(s, 1, time.Minute)

	require.NoError(t, l.RecordFailure(ctx, "10.0.0.1"))
	res, err := l.Check(ctx, "10.0.0.1")
	require.NoError(t, err)
	assert.False(t, res.Allowed)

	res, err = l.Check(ctx, "10.0.0.2")
	require.NoError(t, err)
	assert.True(t, res.Allowed)
}

func TestInviteLimiter_TTLArmedOnce(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s := newTestStore(t)
	l := NewInviteLimiter(s, 100, 30*time.Millisecond)

	require.NoError(t, l.RecordFailure(ctx, "10.0.0.5"))
	require.NoError(t, l.RecordFailure(ctx, "10.0.0.5"))

	time.Sleep(60 * time.Millisecond)
	val, ok, err := s.Get(ctx, store.InviteAttemptsKey("10.0.0.5"))
	require.NoError(t, err)
	assert.False(t, ok, "counter should have expired: %s", val)
}

// TestInviteLimiter_Check_PropagatesStoreError exercises the store
// failure path that miniredis cannot reproduce on demand: a real Redis
// outage mid-check. A mock lets us assert the limiter surfaces the
// error instead of silently treating it as "allowed".
func TestInviteLimiter_Check_PropagatesStoreError(t *testing.T) {
	t.Parallel()
	ctrl := gomock.NewController(t)
	mockStore := storemocks.NewMockStore(ctrl)
	mockStore.EXPECT().Get(gomock.Any(), store.InviteAttemptsKey("10.0.0.9")).
		Return("", false, errors.New("connection refused"))

	l := NewInviteLimiter(mockStore, 3, time.Minute)
	_, err := l.Check(context.Background(), "10.0.0.9")
	require.Error(t, err)
}

// TestInviteLimiter_RecordFailure_PropagatesIncrError covers the same
// failure mode on the write path.
func TestInviteLimiter_RecordFailure_PropagatesIncrError(t *testing.T) {
	t.Parallel()
	ctrl := gomock.NewController(t)
	mockStore := storemocks.NewMockStore(ctrl)
	key := store.InviteAttemptsKey("10.0.0.10")
	mockStore.EXPECT().Get(gomock.Any(), key).Return("", false, nil)
	mockStore.EXPECT().Incr(gomock.Any(), key).Return(int64(0), errors.New("connection refused"))

	l := NewInviteLimiter(mockStore, 3, time.Minute)
	err := l.RecordFailure(context.Background(), "10.0.0.10")
	require.Error(t, err)
}
