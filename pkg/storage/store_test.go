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

package storage

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := New(zap.NewNop().Sugar(), Config{Driver: DriverSQLite, DSN: ":memory:"})
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestUserRoundTrip(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	u := &User{Email: "alice@example.com", PasswordHash: "x", Active: true, UniqueToken: "ut-1"}
	require.NoError(t, s.CreateUser(ctx, u))
	require.NotZero(t, u.ID)

	got, err := s.GetUserByEmail(ctx, "alice@example.com")
	require.NoError(t, err)
	assert.Equal(t, u.ID, got.ID)
	assert.True(t, got.Active)

	_, err = s.GetUserByEmail(ctx, "nobody@example.com")
	assert.ErrorIs(t, err, ErrNotFound)

	require.NoError(t, s.AssignRole(ctx, u.ID, RoleAdmin))
	require.NoError(t, s.AssignRole(ctx, u.ID, RoleViewer))
	roles, err := s.UserRoles(ctx, u.ID)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{RoleAdmin, RoleViewer}, roles)

	require.NoError(t, s.RevokeRole(ctx, u.ID, RoleViewer))
	roles, err = s.UserRoles(ctx, u.ID)
	require.NoError(t, err)
	assert.Equal(t, []string{RoleAdmin}, roles)

	require.NoError(t, s.DeactivateUser(ctx, u.ID))
	got, err = s.GetUser(ctx, u.ID)
	require.NoError(t, err)
	assert.False(t, got.Active)

	count, err := s.CountUsers(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 1, count)
}

func TestTeamMembershipAndAssignments(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	owner := &User{Email: "owner@example.com", PasswordHash: "x", Active: true, UniqueToken: "ut"}
	require.NoError(t, s.CreateUser(ctx, owner))

	team := &Team{Name: "platform", CreatedBy: owner.ID, Active: true}
	require.NoError(t, s.CreateTeam(ctx, team))

	require.NoError(t, s.SetTeamMembership(ctx, &TeamMembership{UserID: owner.ID, TeamID: team.ID, TeamRole: TeamRoleOwner}))
	// Upsert replaces the role.
	require.NoError(t, s.SetTeamMembership(ctx, &TeamMembership{UserID: owner.ID, TeamID: team.ID, TeamRole: TeamRoleMember}))

	members, err := s.TeamMembers(ctx, team.ID)
	require.NoError(t, err)
	require.Len(t, members, 1)
	assert.Equal(t, TeamRoleMember, members[0].TeamRole)

	a := &ResourceAssignment{
		TeamID:          team.ID,
		ResourceType:    "provider",
		ResourceID:      "1",
		Permissions:     StringSlice{"read", "shell"},
		ShellPrincipals: StringSlice{"ubuntu"},
	}
	require.NoError(t, s.UpsertAssignment(ctx, a))
	// Same (team, resource) key updates in place.
	a2 := &ResourceAssignment{
		TeamID:       team.ID,
		ResourceType: "provider",
		ResourceID:   "1",
		Permissions:  StringSlice{"read"},
	}
	require.NoError(t, s.UpsertAssignment(ctx, a2))

	got, err := s.AssignmentsForResource(ctx, "provider", "1")
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, StringSlice{"read"}, got[0].Permissions)
}

func TestUpsertMachineForwardOnly(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	p := &CloudProvider{Name: "fake-1", Type: "fake", CredentialsRef: "providers/fake-1", Active: true}
	require.NoError(t, s.CreateProvider(ctx, p))

	now := time.Now().UTC().Truncate(time.Second)
	m := &Machine{ProviderID: p.ID, ExternalID: "i-1", Hostname: "web-1", State: "running", UpdatedAt: now}
	require.NoError(t, s.UpsertMachine(ctx, m))

	// A stale observation must not overwrite the newer row.
	stale := &Machine{ProviderID: p.ID, ExternalID: "i-1", Hostname: "web-1", State: "stopped", UpdatedAt: now.Add(-time.Minute)}
	require.NoError(t, s.UpsertMachine(ctx, stale))

	got, err := s.GetMachineByExternalID(ctx, p.ID, "i-1")
	require.NoError(t, err)
	assert.Equal(t, "running", got.State)

	fresh := &Machine{ProviderID: p.ID, ExternalID: "i-1", Hostname: "web-1", State: "stopped", UpdatedAt: now.Add(time.Minute)}
	require.NoError(t, s.UpsertMachine(ctx, fresh))
	got, err = s.GetMachineByExternalID(ctx, p.ID, "i-1")
	require.NoError(t, err)
	assert.Equal(t, "stopped", got.State)
}

func TestEnrollmentKeyConsumeOnce(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	k := &EnrollmentKey{KeyHash: "abc123", CreatedBy: 1, ExpiresAt: time.Now().Add(time.Hour)}
	require.NoError(t, s.CreateEnrollmentKey(ctx, k))

	require.NoError(t, s.ConsumeEnrollmentKey(ctx, "abc123", "agent-1"))
	err := s.ConsumeEnrollmentKey(ctx, "abc123", "agent-2")
	assert.ErrorIs(t, err, ErrNotFound)

	got, err := s.GetEnrollmentKeyByHash(ctx, "abc123")
	require.NoError(t, err)
	assert.True(t, got.Used)
	assert.Equal(t, "agent-1", got.UsedByAgent)
}

func TestRecordHeartbeatSkipsSuspended(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	a := &AccessAgent{AgentID: "agent-1", Hostname: "edge-1", SSHPort: 2222, Status: AgentStatusEnrolled, Capabilities: StringSlice{"ssh"}}
	require.NoError(t, s.CreateAgent(ctx, a))

	now := time.Now().UTC()
	require.NoError(t, s.RecordHeartbeat(ctx, "agent-1", now, now.Unix(), 2, "1.0.0"))
	got, err := s.GetAgent(ctx, "agent-1")
	require.NoError(t, err)
	assert.Equal(t, AgentStatusActive, got.Status)
	assert.Equal(t, 2, got.ActiveSessions)

	require.NoError(t, s.SetAgentStatus(ctx, "agent-1", AgentStatusSuspended))
	require.NoError(t, s.RecordHeartbeat(ctx, "agent-1", now.Add(time.Minute), now.Add(time.Minute).Unix(), 3, "1.0.0"))
	got, err = s.GetAgent(ctx, "agent-1")
	require.NoError(t, err)
	// Suspended agents stay suspended no matter what they report.
	assert.Equal(t, AgentStatusSuspended, got.Status)
}

func TestStaleAgentsIncludesUnreachable(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	old := time.Now().UTC().Add(-2 * time.Hour)
	for i, status := range []string{AgentStatusActive, AgentStatusUnreachable, AgentStatusSuspended} {
		a := &AccessAgent{AgentID: string(rune('a' + i)), Hostname: "h", SSHPort: 2222, Status: status}
		require.NoError(t, s.CreateAgent(ctx, a))
		require.NoError(t, s.UpdateAgent(ctx, &AccessAgent{
			AgentID: a.AgentID, Hostname: "h", SSHPort: 2222, Status: status, LastHeartbeatAt: &old,
		}))
	}

	stale, err := s.StaleAgents(ctx, time.Now().UTC().Add(-time.Minute))
	require.NoError(t, err)
	require.Len(t, stale, 2)
	for _, a := range stale {
		assert.NotEqual(t, AgentStatusSuspended, a.Status)
	}
}

func TestEndSessionFirstReasonWins(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	sess := &ShellSession{SessionID: "sess-1", UserID: 1, ResourceType: "agent", ResourceID: "a", AgentID: "a", SessionType: SessionTypeSSH}
	require.NoError(t, s.CreateSession(ctx, sess))

	require.NoError(t, s.EndSession(ctx, "sess-1", "client_disconnect"))
	require.NoError(t, s.EndSession(ctx, "sess-1", "ttl_expired"))

	got, err := s.GetSession(ctx, "sess-1")
	require.NoError(t, err)
	require.NotNil(t, got.EndedAt)
	assert.Equal(t, "client_disconnect", got.EndReason)
}

func TestCARotationAndSerial(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	ca1 := &SSHCAConfig{Name: "user-ca-1", Type: CATypeUser, PublicKey: "pk1", PrivateKeyRef: "sshca/user-ca-1",
		DefaultValiditySec: 28800, MaxValiditySec: 28800, Active: true}
	require.NoError(t, s.CreateCA(ctx, ca1))

	serial, err := s.NextCASerial(ctx, ca1.ID)
	require.NoError(t, err)
	assert.EqualValues(t, 1, serial)
	serial, err = s.NextCASerial(ctx, ca1.ID)
	require.NoError(t, err)
	assert.EqualValues(t, 2, serial)

	ca2 := &SSHCAConfig{Name: "user-ca-2", Type: CATypeUser, PublicKey: "pk2", PrivateKeyRef: "sshca/user-ca-2",
		DefaultValiditySec: 28800, MaxValiditySec: 28800, Active: true}
	require.NoError(t, s.CreateCA(ctx, ca2))

	active, err := s.ActiveCA(ctx, CATypeUser)
	require.NoError(t, err)
	assert.Equal(t, "user-ca-2", active.Name)

	cas, err := s.ListCAs(ctx)
	require.NoError(t, err)
	require.Len(t, cas, 2)
	for _, ca := range cas {
		if ca.Name == "user-ca-1" {
			assert.False(t, ca.Active, "superseded CA must be inactive")
		}
	}

	_, err = s.NextCASerial(ctx, 9999)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestNextCASerialNeverRepeats(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	ca := &SSHCAConfig{Name: "user-ca-1", Type: CATypeUser, PublicKey: "pk", PrivateKeyRef: "sshca/user-ca-1",
		DefaultValiditySec: 28800, MaxValiditySec: 28800, Active: true}
	require.NoError(t, s.CreateCA(ctx, ca))

	const signers = 16
	serials := make(chan int64, signers)
	var wg sync.WaitGroup
	for i := 0; i < signers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			serial, err := s.NextCASerial(ctx, ca.ID)
			assert.NoError(t, err)
			serials <- serial
		}()
	}
	wg.Wait()
	close(serials)

	seen := map[int64]bool{}
	for serial := range serials {
		assert.False(t, seen[serial], "serial %d handed out twice", serial)
		seen[serial] = true
	}
	assert.Len(t, seen, signers)
}
