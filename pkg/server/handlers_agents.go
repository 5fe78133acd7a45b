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
	"time"

	"github.com/goughcloud/gough/pkg/audit"
	"github.com/goughcloud/gough/pkg/fleet"
	"github.com/goughcloud/gough/pkg/storage"
)

type mintKeyRequest struct {
	TTLSeconds int64 `json:"ttl_seconds"`
}

type mintKeyResponse struct {
	ID        int64     `json:"id"`
	Key       string    `json:"key"`
	ExpiresAt time.Time `json:"expires_at"`
}

// handleMintEnrollmentKey returns the plaintext exactly once.
func (s *Server) handleMintEnrollmentKey(w http.ResponseWriter, r *http.Request) {
	var req mintKeyRequest
	if r.ContentLength > 0 {
		if err := decode(r, &req); err != nil {
			s.writeError(w, r, http.StatusBadRequest, "ValidationError", "malformed body")
			return
		}
	}
	user := userFrom(r.Context())
	plaintext, key, err := s.fleet.MintEnrollmentKey(r.Context(), user.ID, time.Duration(req.TTLSeconds)*time.Second)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	s.recorder.Record(r.Context(), audit.Entry{
		Actor: user.Email, Action: "enrollment_key.mint",
		ResourceType: "enrollment_key", ResourceID: strconv.FormatInt(key.ID, 10),
		Outcome: audit.OutcomeSuccess, RequestID: requestIDFrom(r.Context()),
	})
	s.writeJSON(w, r, http.StatusCreated, mintKeyResponse{ID: key.ID, Key: plaintext, ExpiresAt: key.ExpiresAt})
}

func (s *Server) handleListEnrollmentKeys(w http.ResponseWriter, r *http.Request) {
	keys, err := s.store.ListEnrollmentKeys(r.Context())
	if err != nil {
		s.fail(w, r, err)
		return
	}
	s.writeJSON(w, r, http.StatusOK, keys)
}

func (s *Server) handleRevokeEnrollmentKey(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(r, "id")
	if !ok {
		s.writeError(w, r, http.StatusBadRequest, "ValidationError", "bad key id")
		return
	}
	if err := s.store.DeleteEnrollmentKey(r.Context(), id); err != nil {
		s.fail(w, r, err)
		return
	}
	s.recorder.Record(r.Context(), audit.Entry{
		Actor: userFrom(r.Context()).Email, Action: "enrollment_key.revoke",
		ResourceType: "enrollment_key", ResourceID: strconv.FormatInt(id, 10),
		Outcome: audit.OutcomeSuccess, RequestID: requestIDFrom(r.Context()),
	})
	s.writeJSON(w, r, http.StatusOK, map[string]string{"status": "revoked"})
}

type enrollBody struct {
	fleet.EnrollRequest
	// HostPublicKey, when present, gets a host certificate back so the
	// agent's SSH server can present a CA-signed host identity.
	HostPublicKey string `json:"host_public_key,omitempty"`
}

type enrollResponse struct {
	AgentID      string    `json:"agent_id"`
	AccessToken  string    `json:"access_token"`
	RefreshToken string    `json:"refresh_token"`
	ExpiresAt    time.Time `json:"expires_at"`
	// CAPublicKey is the active generation; CAPublicKeys carries every
	// retained generation so rotated-away CAs stay trusted until their
	// certificates expire.
	CAPublicKey     string         `json:"ca_public_key"`
	CAPublicKeys    []string       `json:"ca_public_keys,omitempty"`
	HostCertificate string         `json:"host_certificate,omitempty"`
	Config          map[string]any `json:"config"`
}

// handleAgentEnroll authenticates with the single-use key carried in
// the X-Enrollment-Key header, not a bearer token.
func (s *Server) handleAgentEnroll(w http.ResponseWriter, r *http.Request) {
	key := r.Header.Get("X-Enrollment-Key")
	if key == "" {
		s.writeError(w, r, http.StatusUnauthorized, "AuthError", "missing X-Enrollment-Key header")
		return
	}
	var body enrollBody
	if err := decode(r, &body); err != nil || body.Hostname == "" {
		s.writeError(w, r, http.StatusBadRequest, "ValidationError", "hostname is required")
		return
	}
	if body.IPAddress == "" {
		body.IPAddress = clientIP(r)
	}
	result, err := s.fleet.Enroll(r.Context(), key, body.EnrollRequest)
	if err != nil {
		s.recorder.Record(r.Context(), audit.Entry{
			Actor: body.Hostname, Action: "agent.enroll", Outcome: audit.OutcomeFailure,
			RequestID: requestIDFrom(r.Context()),
		})
		s.fail(w, r, err)
		return
	}

	caKeys, err := s.ca.UserCAPublicKeys(r.Context())
	if err != nil || len(caKeys) == 0 {
		s.log.Errorw("failed to load user CA for enrollment", "agentID", result.Agent.AgentID, "err", err)
		s.writeError(w, r, http.StatusInternalServerError, "Internal", "certificate authority unavailable")
		return
	}
	resp := enrollResponse{
		AgentID:      result.Agent.AgentID,
		AccessToken:  result.Tokens.AccessToken,
		RefreshToken: result.Tokens.RefreshToken,
		ExpiresAt:    result.Tokens.ExpiresAt,
		CAPublicKey:  caKeys[0],
		CAPublicKeys: caKeys,
		Config: map[string]any{
			"heartbeat_interval_s": int(s.fleet.HeartbeatInterval() / time.Second),
		},
	}
	if body.HostPublicKey != "" {
		signed, err := s.ca.SignHostCert(r.Context(), body.Hostname, body.HostPublicKey)
		if err != nil {
			s.log.Warnw("failed to sign host certificate at enrollment", "agentID", result.Agent.AgentID, "err", err)
		} else {
			resp.HostCertificate = signed.Certificate
		}
	}
	s.recorder.Record(r.Context(), audit.Entry{
		Actor: body.Hostname, Action: "agent.enroll",
		ResourceType: "agent", ResourceID: result.Agent.AgentID,
		Outcome: audit.OutcomeSuccess, RequestID: requestIDFrom(r.Context()),
	})
	s.writeJSON(w, r, http.StatusCreated, resp)
}

type agentRefreshRequest struct {
	RefreshToken string `json:"refresh_token"`
}

func (s *Server) handleAgentRefresh(w http.ResponseWriter, r *http.Request) {
	var req agentRefreshRequest
	if err := decode(r, &req); err != nil || req.RefreshToken == "" {
		// Fall back to the Authorization header.
		req.RefreshToken = bearerToken(r)
	}
	if req.RefreshToken == "" {
		s.writeError(w, r, http.StatusUnauthorized, "AuthError", "missing refresh token")
		return
	}
	pair, agent, err := s.fleet.Refresh(r.Context(), req.RefreshToken)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	resp := enrollResponse{
		AgentID:      agent.AgentID,
		AccessToken:  pair.AccessToken,
		RefreshToken: pair.RefreshToken,
		ExpiresAt:    pair.ExpiresAt,
		Config: map[string]any{
			"heartbeat_interval_s": int(s.fleet.HeartbeatInterval() / time.Second),
		},
	}
	// Piggyback the CA set on refreshes so a rotation reaches agents
	// without a separate reload command.
	if caKeys, err := s.ca.UserCAPublicKeys(r.Context()); err == nil && len(caKeys) > 0 {
		resp.CAPublicKey = caKeys[0]
		resp.CAPublicKeys = caKeys
	}
	s.writeJSON(w, r, http.StatusOK, resp)
}

type heartbeatResponse struct {
	Commands      []fleet.Command `json:"commands"`
	NextIntervalS int             `json:"next_interval_s"`
}

func (s *Server) handleAgentHeartbeat(w http.ResponseWriter, r *http.Request) {
	agentID := agentIDFrom(r.Context())
	var hb fleet.HeartbeatRequest
	if err := decode(r, &hb); err != nil {
		s.writeError(w, r, http.StatusBadRequest, "ValidationError", "malformed body")
		return
	}
	if hb.AgentID != "" && hb.AgentID != agentID {
		s.writeError(w, r, http.StatusForbidden, "PermissionDenied", "agent id does not match token")
		return
	}
	commands, err := s.fleet.Heartbeat(r.Context(), agentID, hb)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	s.writeJSON(w, r, http.StatusOK, heartbeatResponse{
		Commands:      commands,
		NextIntervalS: int(s.fleet.HeartbeatInterval() / time.Second),
	})
}

func (s *Server) handleListAgents(w http.ResponseWriter, r *http.Request) {
	agents, err := s.store.ListAgents(r.Context(), r.URL.Query().Get("status"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	s.writeJSON(w, r, http.StatusOK, agents)
}

func (s *Server) handleGetAgent(w http.ResponseWriter, r *http.Request) {
	agent, err := s.store.GetAgent(r.Context(), r.PathValue("agentID"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	s.writeJSON(w, r, http.StatusOK, agent)
}

func (s *Server) setAgentStatus(w http.ResponseWriter, r *http.Request, status, action string) {
	agentID := r.PathValue("agentID")
	if err := s.store.SetAgentStatus(r.Context(), agentID, status); err != nil {
		s.fail(w, r, err)
		return
	}
	s.recorder.Record(r.Context(), audit.Entry{
		Actor: userFrom(r.Context()).Email, Action: action,
		ResourceType: "agent", ResourceID: agentID,
		Outcome: audit.OutcomeSuccess, RequestID: requestIDFrom(r.Context()),
	})
	s.writeJSON(w, r, http.StatusOK, map[string]string{"status": status})
}

func (s *Server) handleSuspendAgent(w http.ResponseWriter, r *http.Request) {
	s.setAgentStatus(w, r, storage.AgentStatusSuspended, "agent.suspend")
}

// handleResumeAgent returns a suspended agent to enrolled; the next
// heartbeat promotes it to active.
func (s *Server) handleResumeAgent(w http.ResponseWriter, r *http.Request) {
	s.setAgentStatus(w, r, storage.AgentStatusEnrolled, "agent.resume")
}

func validCommandType(t string) bool {
	switch t {
	case fleet.CommandReloadConfig, fleet.CommandTerminateSession, fleet.CommandShutdown:
		return true
	}
	return false
}

func (s *Server) handleEnqueueCommand(w http.ResponseWriter, r *http.Request) {
	agentID := r.PathValue("agentID")
	if _, err := s.store.GetAgent(r.Context(), agentID); err != nil {
		s.fail(w, r, err)
		return
	}
	var cmd fleet.Command
	if err := decode(r, &cmd); err != nil || !validCommandType(cmd.Type) {
		s.writeError(w, r, http.StatusBadRequest, "ValidationError", "type must be one of reload_config, terminate_session, shutdown")
		return
	}
	s.fleet.EnqueueCommand(agentID, cmd)
	s.recorder.Record(r.Context(), audit.Entry{
		Actor: userFrom(r.Context()).Email, Action: "agent.command",
		ResourceType: "agent", ResourceID: agentID,
		Outcome: audit.OutcomeSuccess,
		Details: map[string]any{"type": cmd.Type},
		RequestID: requestIDFrom(r.Context()),
	})
	s.writeJSON(w, r, http.StatusAccepted, map[string]string{"status": "queued"})
}
