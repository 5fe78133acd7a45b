/*
Copyright 2025 The Gough Authors.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package fleet

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/goughcloud/gough/pkg/auth"
	"github.com/goughcloud/gough/pkg/storage"
)

func newManager(t *testing.T, minVersion string) (*Manager, *storage.Store) {
	t.Helper()
	log := zap.NewNop().Sugar()
	store, err := storage.New(log, storage.Config{Driver: storage.DriverSQLite, DSN: ":memory:"})
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	tokens, err := auth.NewManager([]byte("test-secret"), 15*time.Minute, 24*time.Hour)
	require.NoError(t, err)

	m, err := New(log, store, tokens, 30*time.Second, minVersion)
	require.NoError(t, err)
	return m, store
}

func enroll(t *testing.T, m *Manager) *EnrollResult {
	t.Helper()
	ctx := context.Background()
	key, _, err := m.MintEnrollmentKey(ctx, 1, time.Hour)
	require.NoError(t, err)
	result, err := m.Enroll(ctx, key, EnrollRequest{
		Hostname:     "edge-1",
		IPAddress:    "198.51.100.7",
		SSHPort:      2222,
		AgentVersion: "1.2.3",
		Capabilities: []string{"ssh"},
	})
	require.NoError(t, err)
	return result
}

func TestEnrollHappyPath(t *testing.T) {
	m, store := newManager(t, "")
	result := enroll(t, m)

	assert.NotEmpty(t, result.Agent.AgentID)
	assert.Equal(t, storage.AgentStatusEnrolled, result.Agent.Status)
	assert.NotEmpty(t, result.Tokens.AccessToken)
	assert.NotEmpty(t, result.Tokens.RefreshToken)

	got, err := store.GetAgent(context.Background(), result.Agent.AgentID)
	require.NoError(t, err)
	assert.Equal(t, "edge-1", got.Hostname)
	assert.Equal(t, result.Tokens.RefreshID, got.RefreshTokenID)
}

func TestEnrollKeySingleUse(t *testing.T) {
	m, _ := newManager(t, "")
	ctx := context.Background()

	key, _, err := m.MintEnrollmentKey(ctx, 1, time.Hour)
	require.NoError(t, err)

	_, err = m.Enroll(ctx, key, EnrollRequest{Hostname: "one", AgentVersion: "1.0.0"})
	require.NoError(t, err)
	_, err = m.Enroll(ctx, key, EnrollRequest{Hostname: "two", AgentVersion: "1.0.0"})
	assert.ErrorIs(t, err, ErrEnrollmentKeyUsed)
}

func TestEnrollRejectsBadKeys(t *testing.T) {
	m, _ := newManager(t, "")
	ctx := context.Background()

	_, err := m.Enroll(ctx, "deadbeef", EnrollRequest{Hostname: "x", AgentVersion: "1.0.0"})
	assert.ErrorIs(t, err, ErrInvalidEnrollmentKey)

	key, _, err := m.MintEnrollmentKey(ctx, 1, time.Nanosecond)
	require.NoError(t, err)
	time.Sleep(2 * time.Millisecond)
	_, err = m.Enroll(ctx, key, EnrollRequest{Hostname: "x", AgentVersion: "1.0.0"})
	assert.ErrorIs(t, err, ErrInvalidEnrollmentKey)
}

func TestEnrollVersionGate(t *testing.T) {
	m, _ := newManager(t, "2.0.0")
	ctx := context.Background()

	key, _, err := m.MintEnrollmentKey(ctx, 1, time.Hour)
	require.NoError(t, err)
	_, err = m.Enroll(ctx, key, EnrollRequest{Hostname: "old", AgentVersion: "1.9.0"})
	assert.ErrorIs(t, err, ErrAgentTooOld)

	_, err = m.Enroll(ctx, key, EnrollRequest{Hostname: "new", AgentVersion: "2.1.0"})
	require.NoError(t, err)
}

func TestRefreshRotatesAndDetectsReuse(t *testing.T) {
	m, store := newManager(t, "")
	ctx := context.Background()
	result := enroll(t, m)

	firstRefresh := result.Tokens.RefreshToken
	pair, agent, err := m.Refresh(ctx, firstRefresh)
	require.NoError(t, err)
	assert.NotEqual(t, firstRefresh, pair.RefreshToken)
	assert.Equal(t, result.Agent.AgentID, agent.AgentID)

	// Replaying the consumed token suspends the agent.
	_, _, err = m.Refresh(ctx, firstRefresh)
	assert.ErrorIs(t, err, ErrTokenReuse)

	got, err := store.GetAgent(ctx, result.Agent.AgentID)
	require.NoError(t, err)
	assert.Equal(t, storage.AgentStatusSuspended, got.Status)

	// A suspended agent cannot refresh at all.
	_, _, err = m.Refresh(ctx, pair.RefreshToken)
	assert.ErrorIs(t, err, ErrAgentSuspended)
}

func TestHeartbeatMonotonicAndCommands(t *testing.T) {
	m, store := newManager(t, "")
	ctx := context.Background()
	result := enroll(t, m)
	agentID := result.Agent.AgentID

	now := time.Now().Unix()
	cmds, err := m.Heartbeat(ctx, agentID, HeartbeatRequest{Timestamp: now, ActiveSessions: 1})
	require.NoError(t, err)
	assert.Empty(t, cmds)

	got, err := store.GetAgent(ctx, agentID)
	require.NoError(t, err)
	assert.Equal(t, storage.AgentStatusActive, got.Status)
	assert.Equal(t, now, got.LastHeartbeatUnix)

	// A stale timestamp is dropped but queued commands still flow.
	m.EnqueueCommand(agentID, Command{Type: CommandReloadConfig})
	cmds, err = m.Heartbeat(ctx, agentID, HeartbeatRequest{Timestamp: now - 10, ActiveSessions: 9})
	require.NoError(t, err)
	require.Len(t, cmds, 1)
	assert.Equal(t, CommandReloadConfig, cmds[0].Type)

	got, err = store.GetAgent(ctx, agentID)
	require.NoError(t, err)
	assert.Equal(t, now, got.LastHeartbeatUnix, "stale heartbeat must not rewind")
	assert.Equal(t, 1, got.ActiveSessions)

	// The queue drains exactly once.
	cmds, err = m.Heartbeat(ctx, agentID, HeartbeatRequest{Timestamp: now + 30})
	require.NoError(t, err)
	assert.Empty(t, cmds)
}

func TestHeartbeatClosedSessions(t *testing.T) {
	m, store := newManager(t, "")
	ctx := context.Background()
	result := enroll(t, m)

	sess := &storage.ShellSession{SessionID: "sess-1", UserID: 1, ResourceType: "agent",
		ResourceID: result.Agent.AgentID, AgentID: result.Agent.AgentID, SessionType: storage.SessionTypeSSH}
	require.NoError(t, store.CreateSession(ctx, sess))

	_, err := m.Heartbeat(ctx, result.Agent.AgentID, HeartbeatRequest{
		Timestamp:      time.Now().Unix(),
		ClosedSessions: []string{"sess-1"},
	})
	require.NoError(t, err)

	got, err := store.GetSession(ctx, "sess-1")
	require.NoError(t, err)
	require.NotNil(t, got.EndedAt)
	assert.Equal(t, "client_disconnect", got.EndReason)
}

func TestSweepEscalation(t *testing.T) {
	m, store := newManager(t, "")
	ctx := context.Background()
	result := enroll(t, m)
	agentID := result.Agent.AgentID

	longAgo := time.Now().UTC().Add(-2 * time.Hour)
	agent, err := store.GetAgent(ctx, agentID)
	require.NoError(t, err)
	agent.Status = storage.AgentStatusActive
	agent.LastHeartbeatAt = &longAgo
	require.NoError(t, store.UpdateAgent(ctx, agent))

	m.sweep(ctx)
	got, err := store.GetAgent(ctx, agentID)
	require.NoError(t, err)
	assert.Equal(t, storage.AgentStatusSuspended, got.Status)
}
