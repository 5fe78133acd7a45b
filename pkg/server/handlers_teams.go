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

package server

import (
	"net/http"
	"strconv"

	"github.com/goughcloud/gough/pkg/audit"
	"github.com/goughcloud/gough/pkg/storage"
)

// canManageTeam allows team owners/admins and global admins.
func (s *Server) canManageTeam(r *http.Request, teamID int64) bool {
	user := userFrom(r.Context())
	return s.eval.IsTeamAdmin(r.Context(), user.ID, teamID) ||
		s.eval.HasGlobalRole(r.Context(), user.ID, storage.RoleAdmin)
}

func (s *Server) handleListTeams(w http.ResponseWriter, r *http.Request) {
	teams, err := s.store.ListTeams(r.Context())
	if err != nil {
		s.fail(w, r, err)
		return
	}
	s.writeJSON(w, r, http.StatusOK, teams)
}

type createTeamRequest struct {
	Name        string `json:"name"`
	Description string `json:"description"`
}

func (s *Server) handleCreateTeam(w http.ResponseWriter, r *http.Request) {
	var req createTeamRequest
	if err := decode(r, &req); err != nil || req.Name == "" {
		s.writeError(w, r, http.StatusBadRequest, "ValidationError", "name is required")
		return
	}
	user := userFrom(r.Context())
	team := &storage.Team{Name: req.Name, Description: req.Description, CreatedBy: user.ID, Active: true}
	if err := s.store.CreateTeam(r.Context(), team); err != nil {
		s.fail(w, r, err)
		return
	}
	s.recorder.Record(r.Context(), audit.Entry{
		Actor: user.Email, Action: "team.create",
		ResourceType: "team", ResourceID: strconv.FormatInt(team.ID, 10),
		Outcome: audit.OutcomeSuccess, RequestID: requestIDFrom(r.Context()),
	})
	s.writeJSON(w, r, http.StatusCreated, team)
}

func (s *Server) handleGetTeam(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(r, "id")
	if !ok {
		s.writeError(w, r, http.StatusBadRequest, "ValidationError", "bad team id")
		return
	}
	team, err := s.store.GetTeam(r.Context(), id)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	members, err := s.store.TeamMembers(r.Context(), id)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	s.writeJSON(w, r, http.StatusOK, map[string]any{"team": team, "members": members})
}

type updateTeamRequest struct {
	Name        *string `json:"name,omitempty"`
	Description *string `json:"description,omitempty"`
	Active      *bool   `json:"active,omitempty"`
}

func (s *Server) handleUpdateTeam(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(r, "id")
	if !ok {
		s.writeError(w, r, http.StatusBadRequest, "ValidationError", "bad team id")
		return
	}
	if !s.canManageTeam(r, id) {
		s.writeError(w, r, http.StatusForbidden, "PermissionDenied", "not a team admin")
		return
	}
	var req updateTeamRequest
	if err := decode(r, &req); err != nil {
		s.writeError(w, r, http.StatusBadRequest, "ValidationError", "malformed body")
		return
	}
	team, err := s.store.GetTeam(r.Context(), id)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	if req.Name != nil {
		team.Name = *req.Name
	}
	if req.Description != nil {
		team.Description = *req.Description
	}
	if req.Active != nil {
		team.Active = *req.Active
	}
	if err := s.store.UpdateTeam(r.Context(), team); err != nil {
		s.fail(w, r, err)
		return
	}
	s.writeJSON(w, r, http.StatusOK, team)
}

type setMemberRequest struct {
	TeamRole string `json:"team_role"`
}

func validTeamRole(role string) bool {
	switch role {
	case storage.TeamRoleOwner, storage.TeamRoleAdmin, storage.TeamRoleMember, storage.TeamRoleViewer:
		return true
	}
	return false
}

func (s *Server) handleSetMember(w http.ResponseWriter, r *http.Request) {
	teamID, ok := pathID(r, "id")
	userID, ok2 := pathID(r, "userID")
	if !ok || !ok2 {
		s.writeError(w, r, http.StatusBadRequest, "ValidationError", "bad path")
		return
	}
	if !s.canManageTeam(r, teamID) {
		s.writeError(w, r, http.StatusForbidden, "PermissionDenied", "not a team admin")
		return
	}
	var req setMemberRequest
	if err := decode(r, &req); err != nil || !validTeamRole(req.TeamRole) {
		s.writeError(w, r, http.StatusBadRequest, "ValidationError", "team_role must be one of owner, admin, member, viewer")
		return
	}
	if _, err := s.store.GetUser(r.Context(), userID); err != nil {
		s.fail(w, r, err)
		return
	}
	m := &storage.TeamMembership{UserID: userID, TeamID: teamID, TeamRole: req.TeamRole}
	if err := s.store.SetTeamMembership(r.Context(), m); err != nil {
		s.fail(w, r, err)
		return
	}
	s.writeJSON(w, r, http.StatusOK, m)
}

// handleRemoveMember deletes a membership, refusing to remove the last
// owner.
func (s *Server) handleRemoveMember(w http.ResponseWriter, r *http.Request) {
	teamID, ok := pathID(r, "id")
	userID, ok2 := pathID(r, "userID")
	if !ok || !ok2 {
		s.writeError(w, r, http.StatusBadRequest, "ValidationError", "bad path")
		return
	}
	if !s.canManageTeam(r, teamID) {
		s.writeError(w, r, http.StatusForbidden, "PermissionDenied", "not a team admin")
		return
	}
	members, err := s.store.TeamMembers(r.Context(), teamID)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	owners := 0
	removingOwner := false
	for _, m := range members {
		if m.TeamRole == storage.TeamRoleOwner {
			owners++
			if m.UserID == userID {
				removingOwner = true
			}
		}
	}
	if removingOwner && owners <= 1 {
		s.writeError(w, r, http.StatusConflict, "Conflict", "a team must keep at least one owner")
		return
	}
	if err := s.store.RemoveTeamMembership(r.Context(), userID, teamID); err != nil {
		s.fail(w, r, err)
		return
	}
	s.writeJSON(w, r, http.StatusOK, map[string]string{"status": "removed"})
}

type assignmentRequest struct {
	ResourceType    string   `json:"resource_type"`
	ResourceID      string   `json:"resource_id"`
	Permissions     []string `json:"permissions"`
	ShellPrincipals []string `json:"shell_principals"`
}

func (s *Server) handleUpsertAssignment(w http.ResponseWriter, r *http.Request) {
	teamID, ok := pathID(r, "id")
	if !ok {
		s.writeError(w, r, http.StatusBadRequest, "ValidationError", "bad team id")
		return
	}
	if !s.canManageTeam(r, teamID) {
		s.writeError(w, r, http.StatusForbidden, "PermissionDenied", "not a team admin")
		return
	}
	var req assignmentRequest
	if err := decode(r, &req); err != nil || req.ResourceType == "" || req.ResourceID == "" {
		s.writeError(w, r, http.StatusBadRequest, "ValidationError", "resource_type and resource_id are required")
		return
	}
	a := &storage.ResourceAssignment{
		TeamID:          teamID,
		ResourceType:    req.ResourceType,
		ResourceID:      req.ResourceID,
		Permissions:     req.Permissions,
		ShellPrincipals: req.ShellPrincipals,
	}
	if err := s.store.UpsertAssignment(r.Context(), a); err != nil {
		s.fail(w, r, err)
		return
	}
	s.recorder.Record(r.Context(), audit.Entry{
		Actor: userFrom(r.Context()).Email, Action: "assignment.upsert",
		ResourceType: req.ResourceType, ResourceID: req.ResourceID,
		Outcome: audit.OutcomeSuccess,
		Details: map[string]any{"team_id": teamID, "permissions": req.Permissions},
		RequestID: requestIDFrom(r.Context()),
	})
	s.writeJSON(w, r, http.StatusOK, a)
}

func (s *Server) handleListAssignments(w http.ResponseWriter, r *http.Request) {
	teamID, ok := pathID(r, "id")
	if !ok {
		s.writeError(w, r, http.StatusBadRequest, "ValidationError", "bad team id")
		return
	}
	assignments, err := s.store.TeamAssignments(r.Context(), teamID)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	s.writeJSON(w, r, http.StatusOK, assignments)
}

func (s *Server) handleDeleteAssignment(w http.ResponseWriter, r *http.Request) {
	teamID, ok := pathID(r, "id")
	assignmentID, ok2 := pathID(r, "assignmentID")
	if !ok || !ok2 {
		s.writeError(w, r, http.StatusBadRequest, "ValidationError", "bad path")
		return
	}
	if !s.canManageTeam(r, teamID) {
		s.writeError(w, r, http.StatusForbidden, "PermissionDenied", "not a team admin")
		return
	}
	if err := s.store.DeleteAssignment(r.Context(), assignmentID); err != nil {
		s.fail(w, r, err)
		return
	}
	s.writeJSON(w, r, http.StatusOK, map[string]string{"status": "deleted"})
}
