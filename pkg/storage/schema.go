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
	"fmt"
	"strings"
)

// The schema is written once with an {{id}} marker so both dialects
// share one source of truth.
var schemaStatements = []string{
	`CREATE TABLE IF NOT EXISTS users (
		id {{id}},
		email TEXT NOT NULL UNIQUE,
		password_hash TEXT NOT NULL,
		active BOOLEAN NOT NULL DEFAULT TRUE,
		unique_token TEXT NOT NULL,
		created_at TIMESTAMP NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS roles (
		id {{id}},
		name TEXT NOT NULL UNIQUE,
		description TEXT NOT NULL DEFAULT ''
	)`,
	`CREATE TABLE IF NOT EXISTS user_roles (
		user_id BIGINT NOT NULL,
		role_id BIGINT NOT NULL,
		PRIMARY KEY (user_id, role_id)
	)`,
	`CREATE TABLE IF NOT EXISTS teams (
		id {{id}},
		name TEXT NOT NULL UNIQUE,
		description TEXT NOT NULL DEFAULT '',
		created_by BIGINT NOT NULL,
		active BOOLEAN NOT NULL DEFAULT TRUE,
		created_at TIMESTAMP NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS team_memberships (
		user_id BIGINT NOT NULL,
		team_id BIGINT NOT NULL,
		team_role TEXT NOT NULL,
		PRIMARY KEY (user_id, team_id)
	)`,
	`CREATE TABLE IF NOT EXISTS resource_assignments (
		id {{id}},
		team_id BIGINT NOT NULL,
		resource_type TEXT NOT NULL,
		resource_id TEXT NOT NULL,
		permissions TEXT NOT NULL DEFAULT '[]',
		shell_principals TEXT NOT NULL DEFAULT '[]',
		UNIQUE (team_id, resource_type, resource_id)
	)`,
	`CREATE TABLE IF NOT EXISTS cloud_providers (
		id {{id}},
		name TEXT NOT NULL UNIQUE,
		type TEXT NOT NULL,
		region TEXT NOT NULL DEFAULT '',
		credentials_ref TEXT NOT NULL,
		active BOOLEAN NOT NULL DEFAULT TRUE,
		last_sync_at TIMESTAMP,
		created_at TIMESTAMP NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS machines (
		id {{id}},
		provider_id BIGINT NOT NULL,
		external_id TEXT NOT NULL,
		hostname TEXT NOT NULL DEFAULT '',
		state TEXT NOT NULL DEFAULT 'unknown',
		public_ips TEXT NOT NULL DEFAULT '[]',
		private_ips TEXT NOT NULL DEFAULT '[]',
		size TEXT NOT NULL DEFAULT '',
		image TEXT NOT NULL DEFAULT '',
		tags TEXT NOT NULL DEFAULT '{}',
		extra TEXT NOT NULL DEFAULT '{}',
		created_at TIMESTAMP NOT NULL,
		updated_at TIMESTAMP NOT NULL,
		UNIQUE (provider_id, external_id)
	)`,
	`CREATE TABLE IF NOT EXISTS access_agents (
		id {{id}},
		agent_id TEXT NOT NULL UNIQUE,
		hostname TEXT NOT NULL DEFAULT '',
		public_ip TEXT NOT NULL DEFAULT '',
		ssh_port INTEGER NOT NULL DEFAULT 22022,
		agent_version TEXT NOT NULL DEFAULT '',
		status TEXT NOT NULL DEFAULT 'pending',
		capabilities TEXT NOT NULL DEFAULT '[]',
		refresh_token_id TEXT NOT NULL DEFAULT '',
		active_sessions INTEGER NOT NULL DEFAULT 0,
		last_heartbeat_at TIMESTAMP,
		last_heartbeat_unix BIGINT NOT NULL DEFAULT 0,
		created_at TIMESTAMP NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS enrollment_keys (
		id {{id}},
		key_hash TEXT NOT NULL UNIQUE,
		created_by BIGINT NOT NULL,
		expires_at TIMESTAMP NOT NULL,
		used BOOLEAN NOT NULL DEFAULT FALSE,
		used_by_agent TEXT NOT NULL DEFAULT '',
		created_at TIMESTAMP NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS ssh_ca_configs (
		id {{id}},
		name TEXT NOT NULL,
		type TEXT NOT NULL,
		public_key TEXT NOT NULL,
		private_key_ref TEXT NOT NULL,
		default_validity_sec BIGINT NOT NULL,
		max_validity_sec BIGINT NOT NULL,
		allowed_principals TEXT NOT NULL DEFAULT '[]',
		serial BIGINT NOT NULL DEFAULT 0,
		active BOOLEAN NOT NULL DEFAULT TRUE,
		created_at TIMESTAMP NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS shell_sessions (
		id {{id}},
		session_id TEXT NOT NULL UNIQUE,
		user_id BIGINT NOT NULL,
		team_id BIGINT NOT NULL DEFAULT 0,
		resource_type TEXT NOT NULL,
		resource_id TEXT NOT NULL,
		agent_id TEXT NOT NULL DEFAULT '',
		session_type TEXT NOT NULL DEFAULT 'ssh',
		started_at TIMESTAMP NOT NULL,
		ended_at TIMESTAMP,
		end_reason TEXT NOT NULL DEFAULT '',
		client_ip TEXT NOT NULL DEFAULT '',
		recording_ref TEXT NOT NULL DEFAULT ''
	)`,
	`CREATE TABLE IF NOT EXISTS audit_events (
		id {{id}},
		timestamp TIMESTAMP NOT NULL,
		actor TEXT NOT NULL,
		action TEXT NOT NULL,
		resource_type TEXT NOT NULL DEFAULT '',
		resource_id TEXT NOT NULL DEFAULT '',
		outcome TEXT NOT NULL,
		details TEXT NOT NULL DEFAULT '',
		request_id TEXT NOT NULL DEFAULT ''
	)`,
	`CREATE TABLE IF NOT EXISTS webhook_events (
		id {{id}},
		source TEXT NOT NULL,
		event_type TEXT NOT NULL,
		resource_id TEXT NOT NULL DEFAULT '',
		payload TEXT NOT NULL DEFAULT '',
		received_at TIMESTAMP NOT NULL,
		processed BOOLEAN NOT NULL DEFAULT FALSE
	)`,
	`CREATE TABLE IF NOT EXISTS secrets (
		id {{id}},
		path TEXT NOT NULL UNIQUE,
		ciphertext TEXT NOT NULL,
		created_at TIMESTAMP NOT NULL,
		updated_at TIMESTAMP NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_machines_provider ON machines (provider_id)`,
	`CREATE INDEX IF NOT EXISTS idx_audit_timestamp ON audit_events (timestamp)`,
	`CREATE INDEX IF NOT EXISTS idx_sessions_user ON shell_sessions (user_id)`,
	`CREATE INDEX IF NOT EXISTS idx_assignments_team ON resource_assignments (team_id)`,
}

func (s *Store) migrate(ctx context.Context) error {
	idCol := "INTEGER PRIMARY KEY AUTOINCREMENT"
	if s.driver == DriverPostgres {
		idCol = "BIGSERIAL PRIMARY KEY"
	}
	for _, stmt := range schemaStatements {
		ddl := strings.ReplaceAll(stmt, "{{id}}", idCol)
		if _, err := s.db.ExecContext(ctx, ddl); err != nil {
			return fmt.Errorf("schema statement failed: %w", err)
		}
	}
	return s.seedRoles(ctx)
}

// seedRoles inserts the fixed global roles if missing.
func (s *Store) seedRoles(ctx context.Context) error {
	seed := map[string]string{
		RoleAdmin:      "full control over the deployment",
		RoleMaintainer: "manage machines and agents, no user administration",
		RoleViewer:     "read-only access",
	}
	for name, desc := range seed {
		var id int64
		err := s.queryRow(ctx, `SELECT id FROM roles WHERE name = ?`, name).Scan(&id)
		if err == nil {
			continue
		}
		if _, err := s.exec(ctx, `INSERT INTO roles (name, description) VALUES (?, ?)`, name, desc); err != nil {
			return fmt.Errorf("failed to seed role %s: %w", name, err)
		}
	}
	return nil
}
