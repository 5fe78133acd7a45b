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

// Package storage persists the control plane's relational state: users,
// teams, providers, the machine cache, agents, sessions and audit.
package storage

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"time"
)

// StringSlice stores a []string as a JSON column.
type StringSlice []string

func (s *StringSlice) Scan(value any) error {
	if value == nil {
		*s = nil
		return nil
	}
	switch v := value.(type) {
	case []byte:
		return json.Unmarshal(v, s)
	case string:
		return json.Unmarshal([]byte(v), s)
	}
	return fmt.Errorf("cannot scan %T into StringSlice", value)
}

func (s StringSlice) Value() (driver.Value, error) {
	if s == nil {
		return "[]", nil
	}
	b, err := json.Marshal(s)
	return string(b), err
}

// Contains reports whether s holds v.
func (s StringSlice) Contains(v string) bool {
	for _, e := range s {
		if e == v {
			return true
		}
	}
	return false
}

// StringMap stores a map[string]string as a JSON column.
type StringMap map[string]string

func (m *StringMap) Scan(value any) error {
	if value == nil {
		*m = nil
		return nil
	}
	switch v := value.(type) {
	case []byte:
		return json.Unmarshal(v, m)
	case string:
		return json.Unmarshal([]byte(v), m)
	}
	return fmt.Errorf("cannot scan %T into StringMap", value)
}

func (m StringMap) Value() (driver.Value, error) {
	if m == nil {
		return "{}", nil
	}
	b, err := json.Marshal(m)
	return string(b), err
}

// User is an operator account. Users are deactivated, never deleted, so
// the audit trail stays resolvable.
type User struct {
	ID           int64
	Email        string
	PasswordHash string
	Active       bool
	// UniqueToken is an opaque handle embedded in user JWTs; rotating it
	// invalidates every outstanding session.
	UniqueToken string
	CreatedAt   time.Time
}

// Role names. The seed set is fixed.
const (
	RoleAdmin      = "admin"
	RoleMaintainer = "maintainer"
	RoleViewer     = "viewer"
)

// Role is a global role.
type Role struct {
	ID          int64
	Name        string
	Description string
}

// Team groups users for resource assignment.
type Team struct {
	ID          int64
	Name        string
	Description string
	CreatedBy   int64
	Active      bool
	CreatedAt   time.Time
}

// Team-role names, ordered by privilege.
const (
	TeamRoleOwner  = "owner"
	TeamRoleAdmin  = "admin"
	TeamRoleMember = "member"
	TeamRoleViewer = "viewer"
)

// TeamMembership binds a user to a team with a team-role.
type TeamMembership struct {
	UserID   int64
	TeamID   int64
	TeamRole string
}

// ResourceAssignment grants a team a permission set on one resource.
// Permissions include "shell" when shell access is granted; the
// effective set across assignments is the union.
type ResourceAssignment struct {
	ID              int64
	TeamID          int64
	ResourceType    string
	ResourceID      string
	Permissions     StringSlice
	ShellPrincipals StringSlice
}

// CloudProvider is a configured driver instance.
type CloudProvider struct {
	ID             int64
	Name           string
	Type           string
	Region         string
	CredentialsRef string
	Active         bool
	LastSyncAt     *time.Time
	CreatedAt      time.Time
}

// Machine is a cache row; the authoritative source is the provider.
type Machine struct {
	ID         int64
	ProviderID int64
	ExternalID string
	Hostname   string
	State      string
	PublicIPs  StringSlice
	PrivateIPs StringSlice
	Size       string
	Image      string
	Tags       StringMap
	Extra      StringMap
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

// Agent status values.
const (
	AgentStatusPending     = "pending"
	AgentStatusEnrolled    = "enrolled"
	AgentStatusActive      = "active"
	AgentStatusUnreachable = "unreachable"
	AgentStatusSuspended   = "suspended"
)

// AccessAgent is a reverse-connected shell agent.
type AccessAgent struct {
	ID                int64
	AgentID           string
	Hostname          string
	PublicIP          string
	SSHPort           int
	AgentVersion      string
	Status            string
	Capabilities      StringSlice
	RefreshTokenID    string
	ActiveSessions    int
	LastHeartbeatAt   *time.Time
	LastHeartbeatUnix int64
	CreatedAt         time.Time
}

// EnrollmentKey is a single-use agent bootstrap secret; only its SHA-256
// hash is stored.
type EnrollmentKey struct {
	ID          int64
	KeyHash     string
	CreatedBy   int64
	ExpiresAt   time.Time
	Used        bool
	UsedByAgent string
	CreatedAt   time.Time
}

// CA types.
const (
	CATypeUser = "user"
	CATypeHost = "host"
)

// SSHCAConfig is one certificate authority generation. Exactly one
// user-type CA is active at a time; superseded CAs are kept inactive so
// their unexpired certificates stay verifiable.
type SSHCAConfig struct {
	ID                int64
	Name              string
	Type              string
	PublicKey         string
	PrivateKeyRef     string
	DefaultValiditySec int64
	MaxValiditySec    int64
	AllowedPrincipals StringSlice
	Serial            int64
	Active            bool
	CreatedAt         time.Time
}

// Session types.
const (
	SessionTypeSSH      = "ssh"
	SessionTypeKubectl  = "kubectl"
	SessionTypeDocker   = "docker"
	SessionTypeCloudCLI = "cloud_cli"
)

// ShellSession is one brokered shell. The row is written exactly twice:
// at creation and at termination.
type ShellSession struct {
	ID           int64
	SessionID    string
	UserID       int64
	TeamID       int64
	ResourceType string
	ResourceID   string
	AgentID      string
	SessionType  string
	StartedAt    time.Time
	EndedAt      *time.Time
	EndReason    string
	ClientIP     string
	RecordingRef string
}

// AuditEvent is append-only.
type AuditEvent struct {
	ID           int64
	Timestamp    time.Time
	Actor        string
	Action       string
	ResourceType string
	ResourceID   string
	Outcome      string
	Details      string
	RequestID    string
}

// WebhookEvent is the dedup/debug log for inbound provider events.
type WebhookEvent struct {
	ID         int64
	Source     string
	EventType  string
	ResourceID string
	Payload    string
	ReceivedAt time.Time
	Processed  bool
}
