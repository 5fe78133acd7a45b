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

const agentCols = `id, agent_id, hostname, public_ip, ssh_port, agent_version, status, capabilities, refresh_token_id, active_sessions, last_heartbeat_at, last_heartbeat_unix, created_at`

// CreateAgent inserts a newly enrolled agent.
func (s *Store) CreateAgent(ctx context.Context, a *AccessAgent) error {
	a.CreatedAt = time.Now().UTC()
	id, err := s.insertID(ctx,
		`INSERT INTO access_agents (agent_id, hostname, public_ip, ssh_port, agent_version, status, capabilities, refresh_token_id, active_sessions, last_heartbeat_unix, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		a.AgentID, a.Hostname, a.PublicIP, a.SSHPort, a.AgentVersion, a.Status, a.Capabilities,
		a.RefreshTokenID, a.ActiveSessions, a.LastHeartbeatUnix, a.CreatedAt)
	if err != nil {
		return err
	}
	a.ID = id
	return nil
}

func (s *Store) scanAgent(row interface{ Scan(...any) error }) (*AccessAgent, error) {
	var a AccessAgent
	if err := row.Scan(&a.ID, &a.AgentID, &a.Hostname, &a.PublicIP, &a.SSHPort, &a.AgentVersion,
		&a.Status, &a.Capabilities, &a.RefreshTokenID, &a.ActiveSessions,
		&a.LastHeartbeatAt, &a.LastHeartbeatUnix, &a.CreatedAt); err != nil {
		return nil, notFoundOr(err)
	}
	return &a, nil
}

// GetAgent fetches an agent by its public agent id.
func (s *Store) GetAgent(ctx context.Context, agentID string) (*AccessAgent, error) {
	return s.scanAgent(s.queryRow(ctx, `SELECT `+agentCols+` FROM access_agents WHERE agent_id = ?`, agentID))
}

// ListAgents returns every agent, optionally filtered by status.
func (s *Store) ListAgents(ctx context.Context, status string) ([]AccessAgent, error) {
	query := `SELECT ` + agentCols + ` FROM access_agents`
	var args []any
	if status != "" {
		query += ` WHERE status = ?`
		args = append(args, status)
	}
	rows, err := s.query(ctx, query+` ORDER BY id`, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var agents []AccessAgent
	for rows.Next() {
		a, err := s.scanAgent(rows)
		if err != nil {
			return nil, err
		}
		agents = append(agents, *a)
	}
	return agents, rows.Err()
}

// UpdateAgent persists mutable agent fields.
func (s *Store) UpdateAgent(ctx context.Context, a *AccessAgent) error {
	_, err := s.exec(ctx,
		`UPDATE access_agents SET hostname = ?, public_ip = ?, ssh_port = ?, agent_version = ?, status = ?, capabilities = ?, refresh_token_id = ?, active_sessions = ?, last_heartbeat_at = ?, last_heartbeat_unix = ?
		 WHERE agent_id = ?`,
		a.Hostname, a.PublicIP, a.SSHPort, a.AgentVersion, a.Status, a.Capabilities,
		a.RefreshTokenID, a.ActiveSessions, a.LastHeartbeatAt, a.LastHeartbeatUnix, a.AgentID)
	return err
}

// SetAgentStatus flips an agent's lifecycle status.
func (s *Store) SetAgentStatus(ctx context.Context, agentID, status string) error {
	res, err := s.exec(ctx, `UPDATE access_agents SET status = ? WHERE agent_id = ?`, status, agentID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// RecordHeartbeat stores the latest heartbeat observation. The caller
// has already verified the monotonic timestamp.
func (s *Store) RecordHeartbeat(ctx context.Context, agentID string, at time.Time, unix int64, activeSessions int, version string) error {
	_, err := s.exec(ctx,
		`UPDATE access_agents SET last_heartbeat_at = ?, last_heartbeat_unix = ?, active_sessions = ?, agent_version = ?, status = ?
		 WHERE agent_id = ? AND status != ?`,
		at, unix, activeSessions, version, AgentStatusActive, agentID, AgentStatusSuspended)
	return err
}

// StaleAgents returns non-suspended agents whose last heartbeat is
// older than the cutoff.
func (s *Store) StaleAgents(ctx context.Context, cutoff time.Time) ([]AccessAgent, error) {
	rows, err := s.query(ctx,
		`SELECT `+agentCols+` FROM access_agents
		 WHERE status IN (?, ?, ?) AND (last_heartbeat_at IS NULL OR last_heartbeat_at < ?)`,
		AgentStatusActive, AgentStatusEnrolled, AgentStatusUnreachable, cutoff)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var agents []AccessAgent
	for rows.Next() {
		a, err := s.scanAgent(rows)
		if err != nil {
			return nil, err
		}
		agents = append(agents, *a)
	}
	return agents, rows.Err()
}

// DeleteAgent removes an agent row.
func (s *Store) DeleteAgent(ctx context.Context, agentID string) error {
	res, err := s.exec(ctx, `DELETE FROM access_agents WHERE agent_id = ?`, agentID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

const enrollmentCols = `id, key_hash, created_by, expires_at, used, used_by_agent, created_at`

// CreateEnrollmentKey stores the hash of a freshly minted key.
func (s *Store) CreateEnrollmentKey(ctx context.Context, k *EnrollmentKey) error {
	k.CreatedAt = time.Now().UTC()
	id, err := s.insertID(ctx,
		`INSERT INTO enrollment_keys (key_hash, created_by, expires_at, used, used_by_agent, created_at) VALUES (?, ?, ?, ?, ?, ?)`,
		k.KeyHash, k.CreatedBy, k.ExpiresAt, k.Used, k.UsedByAgent, k.CreatedAt)
	if err != nil {
		return err
	}
	k.ID = id
	return nil
}

// GetEnrollmentKeyByHash looks a key up by its SHA-256 hash.
func (s *Store) GetEnrollmentKeyByHash(ctx context.Context, keyHash string) (*EnrollmentKey, error) {
	var k EnrollmentKey
	err := s.queryRow(ctx, `SELECT `+enrollmentCols+` FROM enrollment_keys WHERE key_hash = ?`, keyHash).
		Scan(&k.ID, &k.KeyHash, &k.CreatedBy, &k.ExpiresAt, &k.Used, &k.UsedByAgent, &k.CreatedAt)
	if err != nil {
		return nil, notFoundOr(err)
	}
	return &k, nil
}

// ConsumeEnrollmentKey marks a key used, atomically. It returns
// ErrNotFound when the key was already consumed.
func (s *Store) ConsumeEnrollmentKey(ctx context.Context, keyHash, agentID string) error {
	res, err := s.exec(ctx,
		`UPDATE enrollment_keys SET used = TRUE, used_by_agent = ? WHERE key_hash = ? AND used = FALSE`,
		agentID, keyHash)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// ListEnrollmentKeys returns all keys, newest first.
func (s *Store) ListEnrollmentKeys(ctx context.Context) ([]EnrollmentKey, error) {
	rows, err := s.query(ctx, `SELECT `+enrollmentCols+` FROM enrollment_keys ORDER BY id DESC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var keys []EnrollmentKey
	for rows.Next() {
		var k EnrollmentKey
		if err := rows.Scan(&k.ID, &k.KeyHash, &k.CreatedBy, &k.ExpiresAt, &k.Used, &k.UsedByAgent, &k.CreatedAt); err != nil {
			return nil, err
		}
		keys = append(keys, k)
	}
	return keys, rows.Err()
}

// DeleteEnrollmentKey revokes an unused key.
func (s *Store) DeleteEnrollmentKey(ctx context.Context, id int64) error {
	res, err := s.exec(ctx, `DELETE FROM enrollment_keys WHERE id = ?`, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}
