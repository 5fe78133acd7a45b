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

const sessionCols = `id, session_id, user_id, team_id, resource_type, resource_id, agent_id, session_type, started_at, ended_at, end_reason, client_ip, recording_ref`

// CreateSession records the start of a brokered shell.
func (s *Store) CreateSession(ctx context.Context, sess *ShellSession) error {
	if sess.StartedAt.IsZero() {
		sess.StartedAt = time.Now().UTC()
	}
	id, err := s.insertID(ctx,
		`INSERT INTO shell_sessions (session_id, user_id, team_id, resource_type, resource_id, agent_id, session_type, started_at, end_reason, client_ip, recording_ref)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		sess.SessionID, sess.UserID, sess.TeamID, sess.ResourceType, sess.ResourceID,
		sess.AgentID, sess.SessionType, sess.StartedAt, sess.EndReason, sess.ClientIP, sess.RecordingRef)
	if err != nil {
		return err
	}
	sess.ID = id
	return nil
}

func (s *Store) scanSession(row interface{ Scan(...any) error }) (*ShellSession, error) {
	var sess ShellSession
	if err := row.Scan(&sess.ID, &sess.SessionID, &sess.UserID, &sess.TeamID,
		&sess.ResourceType, &sess.ResourceID, &sess.AgentID, &sess.SessionType,
		&sess.StartedAt, &sess.EndedAt, &sess.EndReason, &sess.ClientIP, &sess.RecordingRef); err != nil {
		return nil, notFoundOr(err)
	}
	return &sess, nil
}

// GetSession fetches a session by its public id.
func (s *Store) GetSession(ctx context.Context, sessionID string) (*ShellSession, error) {
	return s.scanSession(s.queryRow(ctx, `SELECT `+sessionCols+` FROM shell_sessions WHERE session_id = ?`, sessionID))
}

// EndSession records termination; ending an ended session is a no-op so
// the first reason wins.
func (s *Store) EndSession(ctx context.Context, sessionID, reason string) error {
	_, err := s.exec(ctx,
		`UPDATE shell_sessions SET ended_at = ?, end_reason = ? WHERE session_id = ? AND ended_at IS NULL`,
		time.Now().UTC(), reason, sessionID)
	return err
}

// SessionFilter narrows ListSessions.
type SessionFilter struct {
	UserID     int64
	AgentID    string
	ActiveOnly bool
	Limit      int
}

// ListSessions returns sessions, newest first.
func (s *Store) ListSessions(ctx context.Context, f SessionFilter) ([]ShellSession, error) {
	query := `SELECT ` + sessionCols + ` FROM shell_sessions WHERE 1=1`
	var args []any
	if f.UserID != 0 {
		query += ` AND user_id = ?`
		args = append(args, f.UserID)
	}
	if f.AgentID != "" {
		query += ` AND agent_id = ?`
		args = append(args, f.AgentID)
	}
	if f.ActiveOnly {
		query += ` AND ended_at IS NULL`
	}
	query += ` ORDER BY id DESC`
	if f.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, f.Limit)
	}
	rows, err := s.query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var sessions []ShellSession
	for rows.Next() {
		sess, err := s.scanSession(rows)
		if err != nil {
			return nil, err
		}
		sessions = append(sessions, *sess)
	}
	return sessions, rows.Err()
}

const caCols = `id, name, type, public_key, private_key_ref, default_validity_sec, max_validity_sec, allowed_principals, serial, active, created_at`

// CreateCA inserts a CA generation. When the CA is active, any previous
// active CA of the same type is deactivated first.
func (s *Store) CreateCA(ctx context.Context, ca *SSHCAConfig) error {
	ca.CreatedAt = time.Now().UTC()
	if ca.Active {
		if _, err := s.exec(ctx, `UPDATE ssh_ca_configs SET active = FALSE WHERE type = ? AND active = TRUE`, ca.Type); err != nil {
			return err
		}
	}
	id, err := s.insertID(ctx,
		`INSERT INTO ssh_ca_configs (name, type, public_key, private_key_ref, default_validity_sec, max_validity_sec, allowed_principals, serial, active, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		ca.Name, ca.Type, ca.PublicKey, ca.PrivateKeyRef, ca.DefaultValiditySec, ca.MaxValiditySec,
		ca.AllowedPrincipals, ca.Serial, ca.Active, ca.CreatedAt)
	if err != nil {
		return err
	}
	ca.ID = id
	return nil
}

func (s *Store) scanCA(row interface{ Scan(...any) error }) (*SSHCAConfig, error) {
	var ca SSHCAConfig
	if err := row.Scan(&ca.ID, &ca.Name, &ca.Type, &ca.PublicKey, &ca.PrivateKeyRef,
		&ca.DefaultValiditySec, &ca.MaxValiditySec, &ca.AllowedPrincipals,
		&ca.Serial, &ca.Active, &ca.CreatedAt); err != nil {
		return nil, notFoundOr(err)
	}
	return &ca, nil
}

// ActiveCA returns the single active CA of the given type.
func (s *Store) ActiveCA(ctx context.Context, caType string) (*SSHCAConfig, error) {
	return s.scanCA(s.queryRow(ctx,
		`SELECT `+caCols+` FROM ssh_ca_configs WHERE type = ? AND active = TRUE ORDER BY id DESC LIMIT 1`, caType))
}

// ListCAs returns every CA generation, newest first.
func (s *Store) ListCAs(ctx context.Context) ([]SSHCAConfig, error) {
	rows, err := s.query(ctx, `SELECT `+caCols+` FROM ssh_ca_configs ORDER BY id DESC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var cas []SSHCAConfig
	for rows.Next() {
		ca, err := s.scanCA(rows)
		if err != nil {
			return nil, err
		}
		cas = append(cas, *ca)
	}
	return cas, rows.Err()
}

// NextCASerial increments and returns the CA's certificate serial. The
// single RETURNING statement keeps concurrent signers from reading the
// same value.
func (s *Store) NextCASerial(ctx context.Context, caID int64) (int64, error) {
	var serial int64
	if err := s.queryRow(ctx,
		`UPDATE ssh_ca_configs SET serial = serial + 1 WHERE id = ? RETURNING serial`, caID).Scan(&serial); err != nil {
		return 0, notFoundOr(err)
	}
	return serial, nil
}
