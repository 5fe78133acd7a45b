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
	"time"
)

// CreateTeam inserts a team and makes the creator its owner.
func (s *Store) CreateTeam(ctx context.Context, t *Team) error {
	t.CreatedAt = time.Now().UTC()
	id, err := s.insertID(ctx,
		`INSERT INTO teams (name, description, created_by, active, created_at) VALUES (?, ?, ?, ?, ?)`,
		t.Name, t.Description, t.CreatedBy, t.Active, t.CreatedAt)
	if err != nil {
		return err
	}
	t.ID = id
	if t.CreatedBy != 0 {
		return s.SetTeamMembership(ctx, &TeamMembership{UserID: t.CreatedBy, TeamID: id, TeamRole: TeamRoleOwner})
	}
	return nil
}

const teamCols = `id, name, description, created_by, active, created_at`

func (s *Store) scanTeam(row interface{ Scan(...any) error }) (*Team, error) {
	var t Team
	if err := row.Scan(&t.ID, &t.Name, &t.Description, &t.CreatedBy, &t.Active, &t.CreatedAt); err != nil {
		return nil, notFoundOr(err)
	}
	return &t, nil
}

// GetTeam fetches a team by id.
func (s *Store) GetTeam(ctx context.Context, id int64) (*Team, error) {
	return s.scanTeam(s.queryRow(ctx, `SELECT `+teamCols+` FROM teams WHERE id = ?`, id))
}

// ListTeams returns all teams.
func (s *Store) ListTeams(ctx context.Context) ([]Team, error) {
	rows, err := s.query(ctx, `SELECT `+teamCols+` FROM teams ORDER BY id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var teams []Team
	for rows.Next() {
		t, err := s.scanTeam(rows)
		if err != nil {
			return nil, err
		}
		teams = append(teams, *t)
	}
	return teams, rows.Err()
}

// UpdateTeam persists mutable team fields.
func (s *Store) UpdateTeam(ctx context.Context, t *Team) error {
	_, err := s.exec(ctx, `UPDATE teams SET name = ?, description = ?, active = ? WHERE id = ?`,
		t.Name, t.Description, t.Active, t.ID)
	return err
}

// SetTeamMembership inserts or updates a user's team-role.
func (s *Store) SetTeamMembership(ctx context.Context, m *TeamMembership) error {
	res, err := s.exec(ctx, `UPDATE team_memberships SET team_role = ? WHERE user_id = ? AND team_id = ?`,
		m.TeamRole, m.UserID, m.TeamID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n > 0 {
		return nil
	}
	_, err = s.exec(ctx, `INSERT INTO team_memberships (user_id, team_id, team_role) VALUES (?, ?, ?)`,
		m.UserID, m.TeamID, m.TeamRole)
	return err
}

// RemoveTeamMembership deletes a membership.
func (s *Store) RemoveTeamMembership(ctx context.Context, userID, teamID int64) error {
	_, err := s.exec(ctx, `DELETE FROM team_memberships WHERE user_id = ? AND team_id = ?`, userID, teamID)
	return err
}

// TeamMembers lists the memberships of a team.
func (s *Store) TeamMembers(ctx context.Context, teamID int64) ([]TeamMembership, error) {
	rows, err := s.query(ctx, `SELECT user_id, team_id, team_role FROM team_memberships WHERE team_id = ? ORDER BY user_id`, teamID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var members []TeamMembership
	for rows.Next() {
		var m TeamMembership
		if err := rows.Scan(&m.UserID, &m.TeamID, &m.TeamRole); err != nil {
			return nil, err
		}
		members = append(members, m)
	}
	return members, rows.Err()
}

// UserMemberships lists the memberships of a user across active teams.
func (s *Store) UserMemberships(ctx context.Context, userID int64) ([]TeamMembership, error) {
	rows, err := s.query(ctx,
		`SELECT m.user_id, m.team_id, m.team_role FROM team_memberships m
		 JOIN teams t ON t.id = m.team_id WHERE m.user_id = ? AND t.active = TRUE`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var members []TeamMembership
	for rows.Next() {
		var m TeamMembership
		if err := rows.Scan(&m.UserID, &m.TeamID, &m.TeamRole); err != nil {
			return nil, err
		}
		members = append(members, m)
	}
	return members, rows.Err()
}

const assignmentCols = `id, team_id, resource_type, resource_id, permissions, shell_principals`

// UpsertAssignment creates or replaces the team's assignment on one
// resource.
func (s *Store) UpsertAssignment(ctx context.Context, a *ResourceAssignment) error {
	res, err := s.exec(ctx,
		`UPDATE resource_assignments SET permissions = ?, shell_principals = ?
		 WHERE team_id = ? AND resource_type = ? AND resource_id = ?`,
		a.Permissions, a.ShellPrincipals, a.TeamID, a.ResourceType, a.ResourceID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n > 0 {
		return nil
	}
	id, err := s.insertID(ctx,
		`INSERT INTO resource_assignments (team_id, resource_type, resource_id, permissions, shell_principals) VALUES (?, ?, ?, ?, ?)`,
		a.TeamID, a.ResourceType, a.ResourceID, a.Permissions, a.ShellPrincipals)
	if err != nil {
		return err
	}
	a.ID = id
	return nil
}

// DeleteAssignment removes an assignment by id.
func (s *Store) DeleteAssignment(ctx context.Context, id int64) error {
	res, err := s.exec(ctx, `DELETE FROM resource_assignments WHERE id = ?`, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// TeamAssignments lists a team's assignments.
func (s *Store) TeamAssignments(ctx context.Context, teamID int64) ([]ResourceAssignment, error) {
	rows, err := s.query(ctx, `SELECT `+assignmentCols+` FROM resource_assignments WHERE team_id = ?`, teamID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanAssignments(rows)
}

// AssignmentsForUser returns every assignment reachable through the
// user's active team memberships.
func (s *Store) AssignmentsForUser(ctx context.Context, userID int64) ([]ResourceAssignment, error) {
	rows, err := s.query(ctx,
		`SELECT a.id, a.team_id, a.resource_type, a.resource_id, a.permissions, a.shell_principals
		 FROM resource_assignments a
		 JOIN team_memberships m ON m.team_id = a.team_id
		 JOIN teams t ON t.id = a.team_id
		 WHERE m.user_id = ? AND t.active = TRUE`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanAssignments(rows)
}

// AssignmentsForResource returns every assignment on one resource.
func (s *Store) AssignmentsForResource(ctx context.Context, resourceType, resourceID string) ([]ResourceAssignment, error) {
	rows, err := s.query(ctx,
		`SELECT `+assignmentCols+` FROM resource_assignments WHERE resource_type = ? AND resource_id = ?`,
		resourceType, resourceID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanAssignments(rows)
}

func scanAssignments(rows interface {
	Next() bool
	Scan(...any) error
	Err() error
}) ([]ResourceAssignment, error) {
	var out []ResourceAssignment
	for rows.Next() {
		var a ResourceAssignment
		if err := rows.Scan(&a.ID, &a.TeamID, &a.ResourceType, &a.ResourceID, &a.Permissions, &a.ShellPrincipals); err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}
