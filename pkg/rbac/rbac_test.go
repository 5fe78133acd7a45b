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

package rbac

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/goughcloud/gough/pkg/storage"
)

type fixture struct {
	store *storage.Store
	eval  *Evaluator
	team  *storage.Team
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	store, err := storage.New(zap.NewNop().Sugar(), storage.Config{Driver: storage.DriverSQLite, DSN: ":memory:"})
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	team := &storage.Team{Name: "ops", Active: true}
	require.NoError(t, store.CreateTeam(context.Background(), team))
	return &fixture{store: store, eval: New(zap.NewNop().Sugar(), store), team: team}
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

func (f *fixture) assign(t *testing.T, permissions, principals []string) {
	t.Helper()
	require.NoError(t, f.store.UpsertAssignment(context.Background(), &storage.ResourceAssignment{
		TeamID:          f.team.ID,
		ResourceType:    "provider",
		ResourceID:      "1",
		Permissions:     permissions,
		ShellPrincipals: principals,
	}))
}

func TestEvaluateCeilings(t *testing.T) {
	tests := []struct {
		name     string
		teamRole string
		granted  []string
		want     map[string]bool
	}{
		{
			name:     "owner gets everything granted",
			teamRole: storage.TeamRoleOwner,
			granted:  []string{CapRead, CapWrite, CapShell, CapAdmin},
			want:     map[string]bool{CapRead: true, CapWrite: true, CapShell: true, CapAdmin: true},
		},
		{
			name:     "member capped at read and shell",
			teamRole: storage.TeamRoleMember,
			granted:  []string{CapRead, CapWrite, CapShell, CapAdmin},
			want:     map[string]bool{CapRead: true, CapShell: true},
		},
		{
			name:     "viewer capped at read",
			teamRole: storage.TeamRoleViewer,
			granted:  []string{CapRead, CapShell},
			want:     map[string]bool{CapRead: true},
		},
		{
			name:     "admin team role without shell grant has no shell",
			teamRole: storage.TeamRoleAdmin,
			granted:  []string{CapRead},
			want:     map[string]bool{CapRead: true},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			u := f.user(t, "u@example.com", tt.teamRole)
			f.assign(t, tt.granted, nil)

			caps := f.eval.Evaluate(context.Background(), u.ID, "provider", "1")
			for cap, want := range tt.want {
				assert.Equal(t, want, caps.Has(cap), cap)
			}
			for _, cap := range []string{CapRead, CapWrite, CapShell, CapAdmin} {
				if !tt.want[cap] {
					assert.False(t, caps.Has(cap), "unexpected grant of %s", cap)
				}
			}
		})
	}
}

func TestEvaluateGlobalAdminBypass(t *testing.T) {
	f := newFixture(t)
	u := f.user(t, "root@example.com", "")
	require.NoError(t, f.store.AssignRole(context.Background(), u.ID, storage.RoleAdmin))

	caps := f.eval.Evaluate(context.Background(), u.ID, "provider", "anything")
	assert.True(t, caps.IsGlobalAdmin)
	assert.True(t, caps.Has(CapShell))
	assert.True(t, caps.Has(CapAdmin))
}

func TestEvaluateNoMembershipDenies(t *testing.T) {
	f := newFixture(t)
	u := f.user(t, "lonely@example.com", "")
	f.assign(t, []string{CapRead}, nil)

	caps := f.eval.Evaluate(context.Background(), u.ID, "provider", "1")
	assert.False(t, caps.Has(CapRead))
}

func TestShellPrincipalsUnion(t *testing.T) {
	f := newFixture(t)
	u := f.user(t, "m@example.com", storage.TeamRoleMember)
	f.assign(t, []string{CapRead, CapShell}, []string{"ubuntu", "deploy"})

	got := f.eval.ShellPrincipals(context.Background(), u.ID, "provider", "1")
	assert.ElementsMatch(t, []string{"ubuntu", "deploy"}, got)

	// No assignment on another resource means no principals.
	assert.Empty(t, f.eval.ShellPrincipals(context.Background(), u.ID, "provider", "2"))
}

func TestHasGlobalRoleAdminImplies(t *testing.T) {
	f := newFixture(t)
	u := f.user(t, "a@example.com", "")
	require.NoError(t, f.store.AssignRole(context.Background(), u.ID, storage.RoleAdmin))

	assert.True(t, f.eval.HasGlobalRole(context.Background(), u.ID, storage.RoleMaintainer))
	assert.True(t, f.eval.HasGlobalRole(context.Background(), u.ID, storage.RoleAdmin))

	v := f.user(t, "v@example.com", "")
	require.NoError(t, f.store.AssignRole(context.Background(), v.ID, storage.RoleViewer))
	assert.False(t, f.eval.HasGlobalRole(context.Background(), v.ID, storage.RoleMaintainer))
}
