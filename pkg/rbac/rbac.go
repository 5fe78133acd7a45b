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

// Package rbac decides what a user may do with a resource. Grants flow
// from team membership through resource assignments; global admins
// bypass the team machinery entirely.
package rbac

import (
	"context"

	"go.uber.org/zap"

	"github.com/goughcloud/gough/pkg/storage"
)

// Capability names.
const (
	CapRead  = "read"
	CapWrite = "write"
	CapShell = "shell"
	CapAdmin = "admin"
)

// Capabilities is the evaluator's answer.
type Capabilities struct {
	Caps          map[string]bool
	IsGlobalAdmin bool
}

// Has reports whether a capability was granted.
func (c Capabilities) Has(cap string) bool { return c.Caps[cap] }

func allCaps() map[string]bool {
	return map[string]bool{CapRead: true, CapWrite: true, CapShell: true, CapAdmin: true}
}

// Evaluator computes capabilities from the relational store.
type Evaluator struct {
	log   *zap.SugaredLogger
	store *storage.Store
}

// New returns an Evaluator.
func New(log *zap.SugaredLogger, store *storage.Store) *Evaluator {
	return &Evaluator{log: log, store: store}
}

// teamRoleCeiling is the capability ceiling a team-role carries.
// Assignments grant explicitly but can never exceed it.
func teamRoleCeiling(role string) map[string]bool {
	switch role {
	case storage.TeamRoleOwner, storage.TeamRoleAdmin:
		return allCaps()
	case storage.TeamRoleMember, storage.TeamRoleViewer:
		return map[string]bool{CapRead: true, CapShell: role == storage.TeamRoleMember}
	}
	return map[string]bool{}
}

// Evaluate returns the user's capabilities on one resource. Any
// datastore error fails closed: empty capabilities, which callers treat
// as forbidden.
func (e *Evaluator) Evaluate(ctx context.Context, userID int64, resourceType, resourceID string) Capabilities {
	result := Capabilities{Caps: map[string]bool{}}

	roles, err := e.store.UserRoles(ctx, userID)
	if err != nil {
		e.log.Errorw("failed to load user roles, denying", "userID", userID, zap.Error(err))
		return result
	}
	for _, r := range roles {
		if r == storage.RoleAdmin {
			return Capabilities{Caps: allCaps(), IsGlobalAdmin: true}
		}
	}

	memberships, err := e.store.UserMemberships(ctx, userID)
	if err != nil {
		e.log.Errorw("failed to load memberships, denying", "userID", userID, zap.Error(err))
		return result
	}

	for _, m := range memberships {
		ceiling := teamRoleCeiling(m.TeamRole)
		assignments, err := e.store.AssignmentsForResource(ctx, resourceType, resourceID)
		if err != nil {
			e.log.Errorw("failed to load assignments, denying", "userID", userID, zap.Error(err))
			return Capabilities{Caps: map[string]bool{}}
		}
		for _, a := range assignments {
			if a.TeamID != m.TeamID {
				continue
			}
			for _, p := range a.Permissions {
				if ceiling[p] {
					result.Caps[p] = true
				}
			}
		}
	}
	return result
}

// ShellPrincipals returns the union of shell principals the user's
// teams grant on the resource. Empty means the caller applies the
// platform default.
func (e *Evaluator) ShellPrincipals(ctx context.Context, userID int64, resourceType, resourceID string) []string {
	memberships, err := e.store.UserMemberships(ctx, userID)
	if err != nil {
		e.log.Errorw("failed to load memberships", "userID", userID, zap.Error(err))
		return nil
	}
	teams := map[int64]bool{}
	for _, m := range memberships {
		teams[m.TeamID] = true
	}
	assignments, err := e.store.AssignmentsForResource(ctx, resourceType, resourceID)
	if err != nil {
		e.log.Errorw("failed to load assignments", "resourceType", resourceType, "resourceID", resourceID, zap.Error(err))
		return nil
	}
	seen := map[string]bool{}
	var principals []string
	for _, a := range assignments {
		if !teams[a.TeamID] {
			continue
		}
		for _, p := range a.ShellPrincipals {
			if !seen[p] {
				seen[p] = true
				principals = append(principals, p)
			}
		}
	}
	return principals
}

// TeamsGranting returns the ids of the user's teams whose assignment on
// the resource includes the capability. Used by the broker to record
// which team a session was opened through.
func (e *Evaluator) TeamsGranting(ctx context.Context, userID int64, resourceType, resourceID, cap string) []int64 {
	memberships, err := e.store.UserMemberships(ctx, userID)
	if err != nil {
		return nil
	}
	roleByTeam := map[int64]string{}
	for _, m := range memberships {
		roleByTeam[m.TeamID] = m.TeamRole
	}
	assignments, err := e.store.AssignmentsForResource(ctx, resourceType, resourceID)
	if err != nil {
		return nil
	}
	var teams []int64
	for _, a := range assignments {
		role, ok := roleByTeam[a.TeamID]
		if !ok || !teamRoleCeiling(role)[cap] {
			continue
		}
		if a.Permissions.Contains(cap) {
			teams = append(teams, a.TeamID)
		}
	}
	return teams
}

// IsTeamAdmin reports whether the user is owner or admin of the team.
func (e *Evaluator) IsTeamAdmin(ctx context.Context, userID, teamID int64) bool {
	memberships, err := e.store.UserMemberships(ctx, userID)
	if err != nil {
		return false
	}
	for _, m := range memberships {
		if m.TeamID == teamID && (m.TeamRole == storage.TeamRoleOwner || m.TeamRole == storage.TeamRoleAdmin) {
			return true
		}
	}
	return false
}

// HasGlobalRole reports whether the user carries the named global role.
// The admin role implies maintainer.
func (e *Evaluator) HasGlobalRole(ctx context.Context, userID int64, role string) bool {
	roles, err := e.store.UserRoles(ctx, userID)
	if err != nil {
		return false
	}
	for _, r := range roles {
		if r == role || r == storage.RoleAdmin {
			return true
		}
	}
	return false
}
