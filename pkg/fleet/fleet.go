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

// Package fleet manages the access-agent population on the server side:
// enrollment keys, token rotation, heartbeats and the per-agent command
// queue.
package fleet

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/Masterminds/semver/v3"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/goughcloud/gough/pkg/auth"
	"github.com/goughcloud/gough/pkg/storage"
)

// Defaults for the heartbeat protocol.
const (
	DefaultHeartbeatInterval = 30 * time.Second
	// UnreachableAfter is expressed in heartbeat intervals.
	UnreachableAfterIntervals = 3
	SuspendAfter              = time.Hour
	EnrollmentKeyTTL          = 24 * time.Hour
)

// Errors the HTTP layer maps to status codes.
var (
	ErrInvalidEnrollmentKey = errors.New("invalid enrollment key")
	ErrEnrollmentKeyUsed    = errors.New("enrollment key already used")
	ErrAgentSuspended       = errors.New("agent is suspended")
	ErrTokenReuse           = errors.New("refresh token reuse detected")
	ErrAgentTooOld          = errors.New("agent version below minimum")
)

// Command types the server pushes through heartbeat responses.
const (
	CommandReloadConfig     = "reload_config"
	CommandTerminateSession = "terminate_session"
	CommandShutdown         = "shutdown"
)

// Command is one instruction for an agent.
type Command struct {
	Type      string `json:"type"`
	SessionID string `json:"session_id,omitempty"`
}

// Manager is the server-side fleet controller.
type Manager struct {
	log               *zap.SugaredLogger
	store             *storage.Store
	tokens            *auth.Manager
	heartbeatInterval time.Duration
	minAgentVersion   *semver.Version

	mu       sync.Mutex
	commands map[string][]Command
}

// New returns a Manager. minVersion may be empty to accept any agent.
func New(log *zap.SugaredLogger, store *storage.Store, tokens *auth.Manager, heartbeatInterval time.Duration, minVersion string) (*Manager, error) {
	m := &Manager{
		log:               log,
		store:             store,
		tokens:            tokens,
		heartbeatInterval: heartbeatInterval,
		commands:          map[string][]Command{},
	}
	if m.heartbeatInterval <= 0 {
		m.heartbeatInterval = DefaultHeartbeatInterval
	}
	if minVersion != "" {
		v, err := semver.NewVersion(minVersion)
		if err != nil {
			return nil, fmt.Errorf("failed to parse minimum agent version: %w", err)
		}
		m.minAgentVersion = v
	}
	return m, nil
}

// HeartbeatInterval is what enrolled agents are told to use.
func (m *Manager) HeartbeatInterval() time.Duration { return m.heartbeatInterval }

func hashKey(plaintext string) string {
	sum := sha256.Sum256([]byte(plaintext))
	return hex.EncodeToString(sum[:])
}

// MintEnrollmentKey creates a single-use key and returns the plaintext.
// The plaintext is shown exactly once; only the hash is stored.
func (m *Manager) MintEnrollmentKey(ctx context.Context, createdBy int64, ttl time.Duration) (string, *storage.EnrollmentKey, error) {
	raw := make([]byte, 32)
	if _, err := rand.Read(raw); err != nil {
		return "", nil, fmt.Errorf("failed to draw enrollment key: %w", err)
	}
	plaintext := hex.EncodeToString(raw)
	if ttl <= 0 {
		ttl = EnrollmentKeyTTL
	}
	key := &storage.EnrollmentKey{
		KeyHash:   hashKey(plaintext),
		CreatedBy: createdBy,
		ExpiresAt: time.Now().UTC().Add(ttl),
	}
	if err := m.store.CreateEnrollmentKey(ctx, key); err != nil {
		return "", nil, err
	}
	return plaintext, key, nil
}

// EnrollRequest is the agent's self-description at enrollment.
type EnrollRequest struct {
	Hostname     string   `json:"hostname"`
	IPAddress    string   `json:"ip_address"`
	SSHPort      int      `json:"ssh_port"`
	AgentVersion string   `json:"agent_version"`
	Capabilities []string `json:"capabilities"`
}

// EnrollResult is handed back to a freshly enrolled agent.
type EnrollResult struct {
	Agent  *storage.AccessAgent
	Tokens *auth.TokenPair
}

// Enroll consumes an enrollment key and creates the agent identity.
func (m *Manager) Enroll(ctx context.Context, plaintextKey string, req EnrollRequest) (*EnrollResult, error) {
	key, err := m.store.GetEnrollmentKeyByHash(ctx, hashKey(plaintextKey))
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, ErrInvalidEnrollmentKey
		}
		return nil, err
	}
	if time.Now().UTC().After(key.ExpiresAt) {
		return nil, ErrInvalidEnrollmentKey
	}
	if key.Used {
		return nil, ErrEnrollmentKeyUsed
	}

	if m.minAgentVersion != nil {
		v, err := semver.NewVersion(req.AgentVersion)
		if err != nil || v.LessThan(m.minAgentVersion) {
			return nil, fmt.Errorf("%w: have %q, need >= %s", ErrAgentTooOld, req.AgentVersion, m.minAgentVersion)
		}
	}

	agentID := uuid.NewString()
	pair, err := m.tokens.IssuePair(auth.AgentSubject(agentID), "")
	if err != nil {
		return nil, err
	}

	sshPort := req.SSHPort
	if sshPort == 0 {
		sshPort = 2222
	}
	agent := &storage.AccessAgent{
		AgentID:        agentID,
		Hostname:       req.Hostname,
		PublicIP:       req.IPAddress,
		SSHPort:        sshPort,
		AgentVersion:   req.AgentVersion,
		Status:         storage.AgentStatusEnrolled,
		Capabilities:   req.Capabilities,
		RefreshTokenID: pair.RefreshID,
	}
	if err := m.store.CreateAgent(ctx, agent); err != nil {
		return nil, err
	}
	if err := m.store.ConsumeEnrollmentKey(ctx, key.KeyHash, agentID); err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			// Lost the race against a concurrent enrollment with the
			// same key.
			_ = m.store.DeleteAgent(ctx, agentID)
			return nil, ErrEnrollmentKeyUsed
		}
		return nil, err
	}

	m.log.Infow("enrolled agent", "agentID", agentID, "hostname", req.Hostname, "version", req.AgentVersion)
	return &EnrollResult{Agent: agent, Tokens: pair}, nil
}

// Refresh rotates an agent's token pair. A presented refresh token
// whose id no longer matches the stored one was already rotated; that
// is a replay, and the agent is suspended.
func (m *Manager) Refresh(ctx context.Context, refreshToken string) (*auth.TokenPair, *storage.AccessAgent, error) {
	claims, err := m.tokens.Verify(refreshToken, auth.TokenTypeRefresh)
	if err != nil {
		return nil, nil, auth.ErrInvalidToken
	}
	agentID, err := auth.ParseAgentSubject(claims.Subject)
	if err != nil {
		return nil, nil, auth.ErrInvalidToken
	}
	agent, err := m.store.GetAgent(ctx, agentID)
	if err != nil {
		return nil, nil, auth.ErrInvalidToken
	}
	if agent.Status == storage.AgentStatusSuspended {
		return nil, nil, ErrAgentSuspended
	}
	if claims.ID != agent.RefreshTokenID {
		m.log.Warnw("refresh token reuse, suspending agent", "agentID", agentID)
		if err := m.store.SetAgentStatus(ctx, agentID, storage.AgentStatusSuspended); err != nil {
			m.log.Errorw("failed to suspend agent", "agentID", agentID, zap.Error(err))
		}
		return nil, nil, ErrTokenReuse
	}

	pair, err := m.tokens.IssuePair(auth.AgentSubject(agentID), "")
	if err != nil {
		return nil, nil, err
	}
	agent.RefreshTokenID = pair.RefreshID
	if err := m.store.UpdateAgent(ctx, agent); err != nil {
		return nil, nil, err
	}
	return pair, agent, nil
}

// ResourceUsage is the agent's self-reported load.
type ResourceUsage struct {
	CPUPercent     float64 `json:"cpu_percent"`
	MemPercent     float64 `json:"mem_percent"`
	MemAvailableMB int64   `json:"mem_available_mb"`
	Connections    int     `json:"connections"`
}

// HeartbeatRequest is the agent's periodic report.
type HeartbeatRequest struct {
	AgentID        string        `json:"agent_id"`
	Status         string        `json:"status"`
	ActiveSessions int           `json:"active_sessions"`
	ResourceUsage  ResourceUsage `json:"resource_usage"`
	Timestamp      int64         `json:"timestamp"`
	AgentVersion   string        `json:"agent_version,omitempty"`
	// ClosedSessions lists session ids that ended since the last
	// heartbeat, so the broker can close its rows.
	ClosedSessions []string `json:"closed_sessions,omitempty"`
}

// Heartbeat records a report and drains the agent's command queue.
// Reports with a timestamp at or before the last accepted one are
// dropped; the command queue is still drained so a clock-skewed agent
// keeps receiving instructions.
func (m *Manager) Heartbeat(ctx context.Context, agentID string, hb HeartbeatRequest) ([]Command, error) {
	agent, err := m.store.GetAgent(ctx, agentID)
	if err != nil {
		return nil, err
	}
	if agent.Status == storage.AgentStatusSuspended {
		return nil, ErrAgentSuspended
	}

	if hb.Timestamp > agent.LastHeartbeatUnix {
		version := hb.AgentVersion
		if version == "" {
			version = agent.AgentVersion
		}
		now := time.Now().UTC()
		if err := m.store.RecordHeartbeat(ctx, agentID, now, hb.Timestamp, hb.ActiveSessions, version); err != nil {
			return nil, err
		}
	} else {
		m.log.Debugw("dropped out-of-order heartbeat", "agentID", agentID,
			"timestamp", hb.Timestamp, "last", agent.LastHeartbeatUnix)
	}

	for _, sessionID := range hb.ClosedSessions {
		if err := m.store.EndSession(ctx, sessionID, "client_disconnect"); err != nil {
			m.log.Errorw("failed to close reported session", "sessionID", sessionID, zap.Error(err))
		}
	}

	return m.drainCommands(agentID), nil
}

// EnqueueCommand appends a command for delivery on the agent's next
// heartbeat.
func (m *Manager) EnqueueCommand(agentID string, cmd Command) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.commands[agentID] = append(m.commands[agentID], cmd)
}

func (m *Manager) drainCommands(agentID string) []Command {
	m.mu.Lock()
	defer m.mu.Unlock()
	cmds := m.commands[agentID]
	delete(m.commands, agentID)
	if cmds == nil {
		cmds = []Command{}
	}
	return cmds
}

// RunMonitor watches for missed heartbeats until the context ends.
// Agents go unreachable after three missed intervals and suspended
// after an hour of silence.
func (m *Manager) RunMonitor(ctx context.Context) error {
	ticker := time.NewTicker(m.heartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			m.sweep(ctx)
		}
	}
}

func (m *Manager) sweep(ctx context.Context) {
	now := time.Now().UTC()

	stale, err := m.store.StaleAgents(ctx, now.Add(-UnreachableAfterIntervals*m.heartbeatInterval))
	if err != nil {
		m.log.Errorw("failed to list stale agents", zap.Error(err))
		return
	}
	for _, agent := range stale {
		target := storage.AgentStatusUnreachable
		if agent.LastHeartbeatAt != nil && now.Sub(*agent.LastHeartbeatAt) >= SuspendAfter {
			target = storage.AgentStatusSuspended
		}
		if agent.Status == target {
			continue
		}
		if err := m.store.SetAgentStatus(ctx, agent.AgentID, target); err != nil {
			m.log.Errorw("failed to flip agent status", "agentID", agent.AgentID, zap.Error(err))
			continue
		}
		m.log.Warnw("agent missed heartbeats", "agentID", agent.AgentID, "status", target)
	}
}
