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

// Package shell brokers shell sessions: it checks permissions, picks an
// agent, mints a certificate and tracks the session rows.
package shell

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/crypto/ssh"

	"github.com/goughcloud/gough/pkg/audit"
	"github.com/goughcloud/gough/pkg/fleet"
	"github.com/goughcloud/gough/pkg/rbac"
	"github.com/goughcloud/gough/pkg/sshca"
	"github.com/goughcloud/gough/pkg/storage"
)

// Broker errors mapped by the HTTP layer.
var (
	ErrForbidden   = errors.New("shell access denied")
	ErrNoAgent     = errors.New("no reachable agent for resource")
	ErrValidation  = errors.New("invalid shell request")
	ErrSessionGone = errors.New("session not found or ended")
)

// DefaultPrincipal is assumed when no assignment names shell
// principals.
const DefaultPrincipal = "ubuntu"

// Session end reasons.
const (
	ReasonClientDisconnect = "client_disconnect"
	ReasonAdminTerminated  = "admin_terminated"
	ReasonTTLExpired       = "ttl_expired"
)

// forcedTerminationDelay is how long the broker waits for an agent to
// confirm a terminate command before closing the row anyway.
const forcedTerminationDelay = 10 * time.Second

// Broker opens and terminates shell sessions.
type Broker struct {
	log      *zap.SugaredLogger
	store    *storage.Store
	eval     *rbac.Evaluator
	ca       *sshca.Authority
	fleet    *fleet.Manager
	recorder *audit.Recorder

	mu   sync.Mutex
	live map[string]*liveSession
}

// liveSession holds the in-memory material needed to bridge a web
// terminal to the agent. External SSH clients never touch it.
type liveSession struct {
	sessionID string
	agentHost string
	agentPort int
	principal string
	signer    ssh.Signer
	expiresAt time.Time
}

// New returns a Broker.
func New(log *zap.SugaredLogger, store *storage.Store, eval *rbac.Evaluator, ca *sshca.Authority, fl *fleet.Manager, rec *audit.Recorder) *Broker {
	return &Broker{
		log:      log,
		store:    store,
		eval:     eval,
		ca:       ca,
		fleet:    fl,
		recorder: rec,
		live:     map[string]*liveSession{},
	}
}

// OpenRequest asks for a session.
type OpenRequest struct {
	UserID       int64
	UserEmail    string
	ResourceType string
	ResourceID   string
	SessionType  string
	// PublicKey is the client's key in authorized_keys format. Empty
	// means the caller is a web terminal and the broker generates an
	// ephemeral keypair held server-side.
	PublicKey string
	Principal string
	ClientIP  string
	RequestID string
}

// OpenResult is handed to the client.
type OpenResult struct {
	SessionID   string
	AgentHost   string
	AgentPort   int
	Certificate string
	CAPublicKey string
	Principal   string
	ExpiresAt   time.Time
}

// Open brokers one session per the contract: permission check, agent
// selection, certificate mint, session row, audit.
func (b *Broker) Open(ctx context.Context, req OpenRequest) (*OpenResult, error) {
	if req.ResourceType == "" || req.ResourceID == "" {
		return nil, fmt.Errorf("%w: resource_type and resource_id are required", ErrValidation)
	}
	if req.SessionType == "" {
		req.SessionType = storage.SessionTypeSSH
	}

	caps := b.eval.Evaluate(ctx, req.UserID, req.ResourceType, req.ResourceID)
	if !caps.Has(rbac.CapShell) {
		b.recorder.Record(ctx, audit.Entry{
			Actor: req.UserEmail, Action: "shell.open",
			ResourceType: req.ResourceType, ResourceID: req.ResourceID,
			Outcome: audit.OutcomeDenied, RequestID: req.RequestID,
		})
		return nil, ErrForbidden
	}

	agent, err := b.selectAgent(ctx, req.UserID, req.ResourceType, req.ResourceID)
	if err != nil {
		return nil, err
	}

	principals := b.eval.ShellPrincipals(ctx, req.UserID, req.ResourceType, req.ResourceID)
	if len(principals) == 0 {
		principals = []string{DefaultPrincipal}
	}
	principal := req.Principal
	if principal == "" {
		principal = principals[0]
	}

	publicKey := req.PublicKey
	var signer ssh.Signer
	if publicKey == "" {
		key, err := sshca.NewPrivateKey(2048)
		if err != nil {
			return nil, err
		}
		signer, err = ssh.NewSignerFromKey(key)
		if err != nil {
			return nil, fmt.Errorf("failed to build ephemeral signer: %w", err)
		}
		publicKey = sshca.PublicKeyString(signer.PublicKey())
	}

	sessionID := uuid.NewString()
	cert, err := b.ca.SignUserCert(ctx, sshca.UserCertRequest{
		UserEmail:         req.UserEmail,
		ResourceID:        req.ResourceID,
		PublicKey:         publicKey,
		Principals:        []string{principal},
		AllowedPrincipals: principals,
		SessionID:         sessionID,
	})
	if err != nil {
		if errors.Is(err, sshca.ErrPrincipalNotAllowed) {
			return nil, fmt.Errorf("%w: %v", ErrValidation, err)
		}
		return nil, err
	}

	teamID := int64(0)
	if teams := b.eval.TeamsGranting(ctx, req.UserID, req.ResourceType, req.ResourceID, rbac.CapShell); len(teams) > 0 {
		teamID = teams[0]
	}

	session := &storage.ShellSession{
		SessionID:    sessionID,
		UserID:       req.UserID,
		TeamID:       teamID,
		ResourceType: req.ResourceType,
		ResourceID:   req.ResourceID,
		AgentID:      agent.AgentID,
		SessionType:  req.SessionType,
		ClientIP:     req.ClientIP,
	}
	if err := b.store.CreateSession(ctx, session); err != nil {
		return nil, err
	}

	if signer != nil {
		certPub, _, _, _, err := ssh.ParseAuthorizedKey([]byte(cert.Certificate))
		if err == nil {
			if sshCert, ok := certPub.(*ssh.Certificate); ok {
				if certSigner, err := ssh.NewCertSigner(sshCert, signer); err == nil {
					signer = certSigner
				}
			}
		}
		b.mu.Lock()
		b.live[session.SessionID] = &liveSession{
			sessionID: session.SessionID,
			agentHost: agent.PublicIP,
			agentPort: agent.SSHPort,
			principal: principal,
			signer:    signer,
			expiresAt: cert.ValidBefore,
		}
		b.mu.Unlock()
	}

	b.recorder.Record(ctx, audit.Entry{
		Actor: req.UserEmail, Action: "shell.open",
		ResourceType: req.ResourceType, ResourceID: req.ResourceID,
		Outcome:   audit.OutcomeSuccess,
		Details:   map[string]any{"session_id": session.SessionID, "agent_id": agent.AgentID, "principal": principal},
		RequestID: req.RequestID,
	})
	b.log.Infow("opened shell session",
		"sessionID", session.SessionID, "user", req.UserEmail, "agentID", agent.AgentID, "principal", principal)

	return &OpenResult{
		SessionID:   session.SessionID,
		AgentHost:   agent.PublicIP,
		AgentPort:   agent.SSHPort,
		Certificate: cert.Certificate,
		CAPublicKey: cert.CAPublicKey,
		Principal:   principal,
		ExpiresAt:   cert.ValidBefore,
	}, nil
}

// selectAgent picks the least-loaded active agent with the ssh
// capability. Assignments of type "agent" scope the candidate set to
// the teams' agents when any exist.
func (b *Broker) selectAgent(ctx context.Context, userID int64, resourceType, resourceID string) (*storage.AccessAgent, error) {
	agents, err := b.store.ListAgents(ctx, storage.AgentStatusActive)
	if err != nil {
		return nil, err
	}

	scoped := map[string]bool{}
	assignments, err := b.store.AssignmentsForUser(ctx, userID)
	if err == nil {
		for _, a := range assignments {
			if a.ResourceType == "agent" {
				scoped[a.ResourceID] = true
			}
		}
	}

	var best *storage.AccessAgent
	for i := range agents {
		agent := &agents[i]
		if !agent.Capabilities.Contains("ssh") {
			continue
		}
		if len(scoped) > 0 && !scoped[agent.AgentID] {
			continue
		}
		if best == nil || agent.ActiveSessions < best.ActiveSessions {
			best = agent
		}
	}
	if best == nil {
		return nil, ErrNoAgent
	}
	return best, nil
}

// Terminate ends a session on request from its owner or a team admin.
// The agent is told to close the PTY; the row is closed when the agent
// confirms or after a forced delay.
func (b *Broker) Terminate(ctx context.Context, sessionID string, actorID int64, actorEmail, requestID string) error {
	session, err := b.store.GetSession(ctx, sessionID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return ErrSessionGone
		}
		return err
	}
	if session.EndedAt != nil {
		return ErrSessionGone
	}
	if session.UserID != actorID && !b.eval.IsTeamAdmin(ctx, actorID, session.TeamID) &&
		!b.eval.HasGlobalRole(ctx, actorID, storage.RoleAdmin) {
		return ErrForbidden
	}

	b.fleet.EnqueueCommand(session.AgentID, fleet.Command{
		Type:      fleet.CommandTerminateSession,
		SessionID: sessionID,
	})
	b.dropLive(sessionID)

	// Force-close the row if the agent never confirms. EndSession is a
	// no-op on an already ended session, so the first reason wins.
	go func() {
		time.Sleep(forcedTerminationDelay)
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := b.store.EndSession(ctx, sessionID, ReasonAdminTerminated); err != nil {
			b.log.Errorw("failed to force-close session", "sessionID", sessionID, zap.Error(err))
		}
	}()

	b.recorder.Record(ctx, audit.Entry{
		Actor: actorEmail, Action: "shell.close",
		ResourceType: session.ResourceType, ResourceID: session.ResourceID,
		Outcome:   audit.OutcomeSuccess,
		Details:   map[string]any{"session_id": sessionID, "reason": ReasonAdminTerminated},
		RequestID: requestID,
	})
	return nil
}

// CloseFromAgent closes a session's row when the agent reports the
// client went away.
func (b *Broker) CloseFromAgent(ctx context.Context, sessionID string) error {
	b.dropLive(sessionID)
	return b.store.EndSession(ctx, sessionID, ReasonClientDisconnect)
}

func (b *Broker) dropLive(sessionID string) {
	b.mu.Lock()
	delete(b.live, sessionID)
	b.mu.Unlock()
}

func (b *Broker) liveSessionFor(sessionID string) (*liveSession, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	ls, ok := b.live[sessionID]
	return ls, ok
}

// RunReaper sweeps expired sessions once a minute. A session whose
// certificate has expired is closed with reason ttl_expired; the
// wall-clock ceiling applies even when nobody reported disconnect.
func (b *Broker) RunReaper(ctx context.Context) error {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			b.reap(ctx)
		}
	}
}

func (b *Broker) reap(ctx context.Context) {
	sessions, err := b.store.ListSessions(ctx, storage.SessionFilter{ActiveOnly: true})
	if err != nil {
		b.log.Errorw("failed to list live sessions", zap.Error(err))
		return
	}
	ceiling := time.Duration(sshca.MaxValiditySec) * time.Second
	now := time.Now().UTC()
	for _, session := range sessions {
		if now.Sub(session.StartedAt) < ceiling {
			continue
		}
		if err := b.store.EndSession(ctx, session.SessionID, ReasonTTLExpired); err != nil {
			b.log.Errorw("failed to reap session", "sessionID", session.SessionID, zap.Error(err))
			continue
		}
		b.dropLive(session.SessionID)
		b.log.Infow("reaped expired session", "sessionID", session.SessionID)
	}
}
