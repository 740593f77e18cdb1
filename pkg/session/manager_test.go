// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package session

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/oauth2"

	"github.com/stacklok/demo-session-broker/pkg/config"
	"github.com/stacklok/demo-session-broker/pkg/hooks"
	"github.com/stacklok/demo-session-broker/pkg/sessionstate"
)

type fakeProcess struct {
	pid     int
	waitCh  chan error
	killed  chan struct{}
	killErr error
}

func newFakeProcess() *fakeProcess {
	return &fakeProcess{pid: 4242, waitCh: make(chan error, 1), killed: make(chan struct{}, 1)}
}

func (p *fakeProcess) Pid() int   { return p.pid }
func (p *fakeProcess) Wait() error { return <-p.waitCh }
func (p *fakeProcess) Kill() error {
	select {
	case p.killed <- struct{}{}:
	default:
	}
	return p.killErr
}

type fakeSpawner struct {
	mu       sync.Mutex
	procs    []*fakeProcess
	spawnErr error
}

func (s *fakeSpawner) Spawn(ctx context.Context, sessionID, envFilePath string) (Process, error) {
	if s.spawnErr != nil {
		return nil, s.spawnErr
	}
	p := newFakeProcess()
	s.mu.Lock()
	s.procs = append(s.procs, p)
	s.mu.Unlock()
	return p, nil
}

func (s *fakeSpawner) last() *fakeProcess {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.procs[len(s.procs)-1]
}

type fakeNotifier struct {
	mu      sync.Mutex
	started []string
	ended   []EndReason
	endedCh chan EndReason
}

func newFakeNotifier() *fakeNotifier {
	return &fakeNotifier{endedCh: make(chan EndReason, 4)}
}

func (n *fakeNotifier) SessionStarted(clientID, token string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.started = append(n.started, clientID+":"+token)
}

func (n *fakeNotifier) SessionEnded(clientID string, reason EndReason) {
	n.mu.Lock()
	n.ended = append(n.ended, reason)
	n.mu.Unlock()
	n.endedCh <- reason
}

func newTestManager(t *testing.T, spawner *fakeSpawner, notifier *fakeNotifier) (*Manager, *sessionstate.Registry) {
	t.Helper()
	reg := sessionstate.NewRegistry()
	hookReg := hooks.NewRegistry()
	cfg := &config.Config{SessionEnvHostPath: t.TempDir()}
	w := NewEnvWriter(cfg, oauth2.StaticTokenSource(&oauth2.Token{AccessToken: "tok"}))
	m := NewManager(reg, hookReg, spawner, w, notifier, time.Hour, 20*time.Millisecond)
	return m, reg
}

func TestPromote_HappyPath(t *testing.T) {
	t.Parallel()
	spawner := &fakeSpawner{}
	notifier := newFakeNotifier()
	m, reg := newTestManager(t, spawner, notifier)

	require.NoError(t, m.Promote(context.Background(), "client-1", "invite-tok"))
	assert.False(t, m.IsIdle())

	active, ok := reg.GetActiveSession()
	require.True(t, ok)
	assert.Equal(t, "client-1", active.ClientID)
	assert.Equal(t, "invite-tok", active.InviteToken)

	notifier.mu.Lock()
	require.Len(t, notifier.started, 1)
	notifier.mu.Unlock()

	sid, ok := reg.LookupActiveToken(active.SessionToken)
	require.True(t, ok)
	assert.Equal(t, active.SessionID, sid)
}

func TestPromote_RejectsWhenNotIdle(t *testing.T) {
	t.Parallel()
	spawner := &fakeSpawner{}
	notifier := newFakeNotifier()
	m, _ := newTestManager(t, spawner, notifier)

	require.NoError(t, m.Promote(context.Background(), "client-1", "tok"))
	err := m.Promote(context.Background(), "client-2", "tok2")
	assert.Error(t, err)
}

func TestPromote_SpawnFailureReturnsToIdle(t *testing.T) {
	t.Parallel()
	spawner := &fakeSpawner{spawnErr: errors.New("docker unavailable")}
	notifier := newFakeNotifier()
	m, reg := newTestManager(t, spawner, notifier)

	err := m.Promote(context.Background(), "client-1", "tok")
	assert.Error(t, err)
	assert.True(t, m.IsIdle())
	_, ok := reg.GetActiveSession()
	assert.False(t, ok)

	reason := <-notifier.endedCh
	assert.Equal(t, ReasonSpawnFailed, reason)
}

func TestChildExit_TriggersTeardown(t *testing.T) {
	t.Parallel()
	spawner := &fakeSpawner{}
	notifier := newFakeNotifier()
	m, reg := newTestManager(t, spawner, notifier)

	require.NoError(t, m.Promote(context.Background(), "client-1", "tok"))
	proc := spawner.last()
	proc.waitCh <- nil

	reason := <-notifier.endedCh
	assert.Equal(t, ReasonChildExit, reason)
	assert.True(t, m.IsIdle())
	_, ok := reg.GetActiveSession()
	assert.False(t, ok)
}

func TestExplicitEnd_KillsChildAndClearsTokens(t *testing.T) {
	t.Parallel()
	spawner := &fakeSpawner{}
	notifier := newFakeNotifier()
	m, reg := newTestManager(t, spawner, notifier)

	require.NoError(t, m.Promote(context.Background(), "client-1", "tok"))
	active, _ := reg.GetActiveSession()
	proc := spawner.last()

	m.End(context.Background(), ReasonExplicit)
	// unblock the watch goroutine so it does not leak past the test
	proc.waitCh <- nil

	select {
	case <-proc.killed:
	case <-time.After(time.Second):
		t.Fatal("child was never killed")
	}

	_, ok := reg.LookupActiveToken(active.SessionToken)
	assert.False(t, ok)
}

func TestEnd_IsIdempotent(t *testing.T) {
	t.Parallel()
	spawner := &fakeSpawner{}
	notifier := newFakeNotifier()
	m, _ := newTestManager(t, spawner, notifier)

	require.NoError(t, m.Promote(context.Background(), "client-1", "tok"))
	proc := spawner.last()

	m.End(context.Background(), ReasonExplicit)
	m.End(context.Background(), ReasonExplicit) // second call must be a no-op
	proc.waitCh <- nil

	notifier.mu.Lock()
	defer notifier.mu.Unlock()
	assert.Len(t, notifier.ended, 1)
}

func TestDisconnectAndReconnect_CancelsGraceTimer(t *testing.T) {
	t.Parallel()
	spawner := &fakeSpawner{}
	notifier := newFakeNotifier()
	m, _ := newTestManager(t, spawner, notifier)

	require.NoError(t, m.Promote(context.Background(), "client-1", "tok"))
	proc := spawner.last()
	t.Cleanup(func() { proc.waitCh <- nil })

	m.Disconnect(context.Background(), "client-1")
	assert.True(t, m.Reconnect("client-1"), "reconnect before grace expiry must cancel the timer")

	select {
	case <-notifier.endedCh:
		t.Fatal("session should not have ended after reconnect")
	case <-time.After(50 * time.Millisecond):
	}
}

func TestDisconnect_GraceExpiryEndsSession(t *testing.T) {
	t.Parallel()
	spawner := &fakeSpawner{}
	notifier := newFakeNotifier()
	m, _ := newTestManager(t, spawner, notifier)

	require.NoError(t, m.Promote(context.Background(), "client-1", "tok"))
	proc := spawner.last()
	t.Cleanup(func() { proc.waitCh <- nil })

	m.Disconnect(context.Background(), "client-1")

	reason := <-notifier.endedCh
	assert.Equal(t, ReasonDisconnected, reason)
}

func TestHardExpiry_EndsSession(t *testing.T) {
	t.Parallel()
	spawner := &fakeSpawner{}
	notifier := newFakeNotifier()
	reg := sessionstate.NewRegistry()
	hookReg := hooks.NewRegistry()
	cfg := &config.Config{SessionEnvHostPath: t.TempDir()}
	w := NewEnvWriter(cfg, oauth2.StaticTokenSource(&oauth2.Token{AccessToken: "tok"}))
	m := NewManager(reg, hookReg, spawner, w, notifier, 15*time.Millisecond, time.Hour)

	require.NoError(t, m.Promote(context.Background(), "client-1", "tok"))
	proc := spawner.last()
	t.Cleanup(func() { proc.waitCh <- nil })

	reason := <-notifier.endedCh
	assert.Equal(t, ReasonTimeout, reason)
}

func TestLifecycleHooksFireInOrder(t *testing.T) {
	t.Parallel()
	spawner := &fakeSpawner{}
	notifier := newFakeNotifier()
	reg := sessionstate.NewRegistry()
	hookReg := hooks.NewRegistry()
	cfg := &config.Config{SessionEnvHostPath: t.TempDir()}
	w := NewEnvWriter(cfg, oauth2.StaticTokenSource(&oauth2.Token{AccessToken: "tok"}))
	m := NewManager(reg, hookReg, spawner, w, notifier, time.Hour, time.Hour)

	var mu sync.Mutex
	var seen []hooks.Event
	record := func(ctx context.Context, p hooks.Payload) error {
		mu.Lock()
		seen = append(seen, p.Event)
		mu.Unlock()
		return nil
	}
	hookReg.On(hooks.BeforeSessionStart, "t", 0, record)
	hookReg.On(hooks.AfterSessionStart, "t", 0, record)
	hookReg.On(hooks.BeforeSessionEnd, "t", 0, record)
	hookReg.On(hooks.AfterSessionEnd, "t", 0, record)

	require.NoError(t, m.Promote(context.Background(), "client-1", "tok"))
	proc := spawner.last()
	m.End(context.Background(), ReasonExplicit)
	proc.waitCh <- nil
	<-notifier.endedCh

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []hooks.Event{
		hooks.BeforeSessionStart, hooks.AfterSessionStart,
		hooks.BeforeSessionEnd, hooks.AfterSessionEnd,
	}, seen)
}
