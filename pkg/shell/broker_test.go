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

package shell

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"golang.org/x/crypto/ssh"

	"github.com/goughcloud/gough/pkg/audit"
	"github.com/goughcloud/gough/pkg/auth"
	"github.com/goughcloud/gough/pkg/fleet"
	"github.com/goughcloud/gough/pkg/rbac"
	"github.com/goughcloud/gough/pkg/secrets"
	"github.com/goughcloud/gough/pkg/sshca"
	"github.com/goughcloud/gough/pkg/storage"
)

type fixture struct {
	broker *Broker
	store  *storage.Store
	fleet  *fleet.Manager
	team   *storage.Team
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	ctx := context.Background()
	log := zap.NewNop().Sugar()

	store, err := storage.New(log, storage.Config{Driver: storage.DriverSQLite, DSN: ":memory:"})
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	key := make([]byte, 32)
	_, err = rand.Read(key)
	require.NoError(t, err)
	sec, err := secrets.New(ctx, log, secrets.Config{
		Backend:       secrets.BackendEncryptedDB,
		EncryptionKey: base64.StdEncoding.EncodeToString(key),
	}, store)
	require.NoError(t, err)

	tokens, err := auth.NewManager([]byte("test-secret"), 15*time.Minute, 24*time.Hour)
	require.NoError(t, err)
	fl, err := fleet.New(log, store, tokens, 30*time.Second, "")
	require.NoError(t, err)

	team := &storage.Team{Name: "ops", Active: true}
	require.NoError(t, store.CreateTeam(ctx, team))

	broker := New(log, store, rbac.New(log, store), sshca.New(log, store, sec), fl, audit.New(log, store))
	return &fixture{broker: broker, store: store, fleet: fl, team: team}
}

func (f *fixture) user(t *testing.T, email, teamRole string) *storage.User {
	t.Helper()
	ctx := context.Background()
	u := &storage.User{Email: email, PasswordHash: "x", Active: true, UniqueToken: "ut"}
	require.NoError(t, f.store.CreateUser(ctx, u))
	if teamRole != "" {
		require.NoError(t, f.store.SetTeamMembership(ctx, &storage.TeamMembership{UserID: u.ID, TeamID: f.team.ID, TeamRole: teamRole}))
	}
	return u
}

// grantShell gives the fixture team shell on a provider resource.
func (f *fixture) grantShell(t *testing.T, resourceID string, principals ...string) {
	t.Helper()
	require.NoError(t, f.store.UpsertAssignment(context.Background(), &storage.ResourceAssignment{
		TeamID:          f.team.ID,
		ResourceType:    "provider",
		ResourceID:      resourceID,
		Permissions:     []string{rbac.CapRead, rbac.CapShell},
		ShellPrincipals: principals,
	}))
}

// activeAgent enrolls an agent and promotes it to active with a public
// address, as a heartbeat would.
func (f *fixture) activeAgent(t *testing.T, hostname string, sessions int) *storage.AccessAgent {
	t.Helper()
	ctx := context.Background()
	key, _, err := f.fleet.MintEnrollmentKey(ctx, 1, time.Hour)
	require.NoError(t, err)
	result, err := f.fleet.Enroll(ctx, key, fleet.EnrollRequest{
		Hostname:     hostname,
		IPAddress:    "198.51.100.7",
		SSHPort:      2222,
		AgentVersion: "1.0.0",
		Capabilities: []string{"ssh"},
	})
	require.NoError(t, err)

	agent, err := f.store.GetAgent(ctx, result.Agent.AgentID)
	require.NoError(t, err)
	agent.Status = storage.AgentStatusActive
	agent.ActiveSessions = sessions
	require.NoError(t, f.store.UpdateAgent(ctx, agent))
	return agent
}

func TestOpenDeniedWithoutShellCap(t *testing.T) {
	f := newFixture(t)
	u := f.user(t, "viewer@example.com", storage.TeamRoleViewer)
	f.grantShell(t, "1")
	f.activeAgent(t, "edge-1", 0)

	_, err := f.broker.Open(context.Background(), OpenRequest{
		UserID: u.ID, UserEmail: u.Email,
		ResourceType: "provider", ResourceID: "1",
	})
	assert.ErrorIs(t, err, ErrForbidden)
}

func TestOpenRequiresResource(t *testing.T) {
	f := newFixture(t)
	u := f.user(t, "m@example.com", storage.TeamRoleMember)

	_, err := f.broker.Open(context.Background(), OpenRequest{UserID: u.ID, UserEmail: u.Email})
	assert.ErrorIs(t, err, ErrValidation)
}

func TestOpenNoAgentAvailable(t *testing.T) {
	f := newFixture(t)
	u := f.user(t, "m@example.com", storage.TeamRoleMember)
	f.grantShell(t, "1")

	_, err := f.broker.Open(context.Background(), OpenRequest{
		UserID: u.ID, UserEmail: u.Email,
		ResourceType: "provider", ResourceID: "1",
	})
	assert.ErrorIs(t, err, ErrNoAgent)
}

func TestOpenExternalKeyFlow(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	u := f.user(t, "m@example.com", storage.TeamRoleMember)
	f.grantShell(t, "1", "ubuntu", "deploy")
	f.activeAgent(t, "edge-1", 0)

	clientKey, err := sshca.NewPrivateKey(2048)
	require.NoError(t, err)
	signer, err := ssh.NewSignerFromKey(clientKey)
	require.NoError(t, err)

	result, err := f.broker.Open(ctx, OpenRequest{
		UserID: u.ID, UserEmail: u.Email,
		ResourceType: "provider", ResourceID: "1",
		PublicKey: sshca.PublicKeyString(signer.PublicKey()),
		Principal: "deploy",
	})
	require.NoError(t, err)
	assert.Equal(t, "deploy", result.Principal)
	assert.Equal(t, "198.51.100.7", result.AgentHost)
	assert.Equal(t, 2222, result.AgentPort)
	assert.NotEmpty(t, result.Certificate)

	// The certificate carries the session id so the agent can report the
	// session back by its broker id.
	pub, _, _, _, err := ssh.ParseAuthorizedKey([]byte(result.Certificate))
	require.NoError(t, err)
	cert := pub.(*ssh.Certificate)
	assert.Equal(t, result.SessionID, cert.Permissions.Extensions[sshca.SessionIDExtension])
	assert.Equal(t, []string{"deploy"}, cert.ValidPrincipals)

	// External clients hold their own key; nothing is kept in memory.
	_, live := f.broker.liveSessionFor(result.SessionID)
	assert.False(t, live)

	session, err := f.store.GetSession(ctx, result.SessionID)
	require.NoError(t, err)
	assert.Equal(t, u.ID, session.UserID)
	assert.Equal(t, f.team.ID, session.TeamID)
	assert.Nil(t, session.EndedAt)
}

func TestOpenWebTerminalKeepsSigner(t *testing.T) {
	f := newFixture(t)
	u := f.user(t, "m@example.com", storage.TeamRoleMember)
	f.grantShell(t, "1", "ubuntu")
	f.activeAgent(t, "edge-1", 0)

	result, err := f.broker.Open(context.Background(), OpenRequest{
		UserID: u.ID, UserEmail: u.Email,
		ResourceType: "provider", ResourceID: "1",
	})
	require.NoError(t, err)
	assert.Equal(t, DefaultPrincipal, result.Principal)

	ls, live := f.broker.liveSessionFor(result.SessionID)
	require.True(t, live)
	assert.NotNil(t, ls.signer)
	assert.Equal(t, "198.51.100.7", ls.agentHost)
}

func TestOpenRejectsForeignPrincipal(t *testing.T) {
	f := newFixture(t)
	u := f.user(t, "m@example.com", storage.TeamRoleMember)
	f.grantShell(t, "1", "ubuntu")
	f.activeAgent(t, "edge-1", 0)

	_, err := f.broker.Open(context.Background(), OpenRequest{
		UserID: u.ID, UserEmail: u.Email,
		ResourceType: "provider", ResourceID: "1",
		Principal: "root",
	})
	assert.ErrorIs(t, err, ErrValidation)
}

func TestOpenPicksLeastLoadedAgent(t *testing.T) {
	f := newFixture(t)
	u := f.user(t, "m@example.com", storage.TeamRoleMember)
	f.grantShell(t, "1")
	f.activeAgent(t, "busy", 5)
	idle := f.activeAgent(t, "idle", 0)

	result, err := f.broker.Open(context.Background(), OpenRequest{
		UserID: u.ID, UserEmail: u.Email,
		ResourceType: "provider", ResourceID: "1",
	})
	require.NoError(t, err)

	session, err := f.store.GetSession(context.Background(), result.SessionID)
	require.NoError(t, err)
	assert.Equal(t, idle.AgentID, session.AgentID)
}

func TestTerminatePermissions(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	owner := f.user(t, "owner@example.com", storage.TeamRoleMember)
	stranger := f.user(t, "stranger@example.com", "")
	admin := f.user(t, "admin@example.com", "")
	require.NoError(t, f.store.AssignRole(ctx, admin.ID, storage.RoleAdmin))
	f.grantShell(t, "1")
	agent := f.activeAgent(t, "edge-1", 0)

	result, err := f.broker.Open(ctx, OpenRequest{
		UserID: owner.ID, UserEmail: owner.Email,
		ResourceType: "provider", ResourceID: "1",
	})
	require.NoError(t, err)

	err = f.broker.Terminate(ctx, result.SessionID, stranger.ID, stranger.Email, "")
	assert.ErrorIs(t, err, ErrForbidden)

	require.NoError(t, f.broker.Terminate(ctx, result.SessionID, admin.ID, admin.Email, ""))

	// The terminate command is queued for the session's agent.
	cmds, err := f.fleet.Heartbeat(ctx, agent.AgentID, fleet.HeartbeatRequest{Timestamp: time.Now().Unix()})
	require.NoError(t, err)
	require.Len(t, cmds, 1)
	assert.Equal(t, fleet.CommandTerminateSession, cmds[0].Type)
	assert.Equal(t, result.SessionID, cmds[0].SessionID)

	err = f.broker.Terminate(ctx, "no-such-session", admin.ID, admin.Email, "")
	assert.ErrorIs(t, err, ErrSessionGone)
}

func TestCloseFromAgent(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	u := f.user(t, "m@example.com", storage.TeamRoleMember)
	f.grantShell(t, "1")
	f.activeAgent(t, "edge-1", 0)

	result, err := f.broker.Open(ctx, OpenRequest{
		UserID: u.ID, UserEmail: u.Email,
		ResourceType: "provider", ResourceID: "1",
	})
	require.NoError(t, err)

	require.NoError(t, f.broker.CloseFromAgent(ctx, result.SessionID))
	session, err := f.store.GetSession(ctx, result.SessionID)
	require.NoError(t, err)
	require.NotNil(t, session.EndedAt)
	assert.Equal(t, ReasonClientDisconnect, session.EndReason)

	_, live := f.broker.liveSessionFor(result.SessionID)
	assert.False(t, live)
}

func TestReapClosesExpiredSessions(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	u := f.user(t, "m@example.com", storage.TeamRoleMember)
	agent := f.activeAgent(t, "edge-1", 0)

	// One session past the wall-clock ceiling, one fresh.
	expired := &storage.ShellSession{
		SessionID: "sess-old", UserID: u.ID, ResourceType: "provider", ResourceID: "1",
		AgentID: agent.AgentID, SessionType: storage.SessionTypeSSH,
		StartedAt: time.Now().UTC().Add(-time.Duration(sshca.MaxValiditySec+60) * time.Second),
	}
	require.NoError(t, f.store.CreateSession(ctx, expired))
	fresh := &storage.ShellSession{
		SessionID: "sess-new", UserID: u.ID, ResourceType: "provider", ResourceID: "1",
		AgentID: agent.AgentID, SessionType: storage.SessionTypeSSH,
	}
	require.NoError(t, f.store.CreateSession(ctx, fresh))

	f.broker.reap(ctx)

	session, err := f.store.GetSession(ctx, "sess-old")
	require.NoError(t, err)
	require.NotNil(t, session.EndedAt)
	assert.Equal(t, ReasonTTLExpired, session.EndReason)

	session, err = f.store.GetSession(ctx, "sess-new")
	require.NoError(t, err)
	assert.Nil(t, session.EndedAt)
}
