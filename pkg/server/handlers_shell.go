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
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/goughcloud/gough/pkg/audit"
	"github.com/goughcloud/gough/pkg/orchestrator"
	"github.com/goughcloud/gough/pkg/shell"
	"github.com/goughcloud/gough/pkg/sshca"
	"github.com/goughcloud/gough/pkg/storage"
)

type openSessionRequest struct {
	ResourceType string `json:"resource_type"`
	ResourceID   string `json:"resource_id"`
	SessionType  string `json:"session_type"`
	PublicKey    string `json:"public_key"`
	Principal    string `json:"principal"`
}

type openSessionResponse struct {
	SessionID   string    `json:"session_id"`
	AgentHost   string    `json:"agent_host"`
	AgentPort   int       `json:"agent_port"`
	Certificate string    `json:"certificate,omitempty"`
	CAPublicKey string    `json:"ca_public_key"`
	Principal   string    `json:"principal"`
	ExpiresAt   time.Time `json:"expires_at"`
	WSPath      string    `json:"ws_path,omitempty"`
}

func (s *Server) handleOpenSession(w http.ResponseWriter, r *http.Request) {
	var req openSessionRequest
	if err := decode(r, &req); err != nil {
		s.writeError(w, r, http.StatusBadRequest, "ValidationError", "malformed body")
		return
	}
	user := userFrom(r.Context())
	result, err := s.broker.Open(r.Context(), shell.OpenRequest{
		UserID:       user.ID,
		UserEmail:    user.Email,
		ResourceType: req.ResourceType,
		ResourceID:   req.ResourceID,
		SessionType:  req.SessionType,
		PublicKey:    req.PublicKey,
		Principal:    req.Principal,
		ClientIP:     clientIP(r),
		RequestID:    requestIDFrom(r.Context()),
	})
	if err != nil {
		s.fail(w, r, err)
		return
	}
	resp := openSessionResponse{
		SessionID:   result.SessionID,
		AgentHost:   result.AgentHost,
		AgentPort:   result.AgentPort,
		Certificate: result.Certificate,
		CAPublicKey: result.CAPublicKey,
		Principal:   result.Principal,
		ExpiresAt:   result.ExpiresAt,
	}
	// Web terminals connect back through the broker; external SSH
	// clients take the certificate and dial the agent directly.
	if req.PublicKey == "" {
		resp.WSPath = "/ws/shell?session_id=" + result.SessionID
	}
	s.writeJSON(w, r, http.StatusCreated, resp)
}

func (s *Server) handleListSessions(w http.ResponseWriter, r *http.Request) {
	user := userFrom(r.Context())
	q := r.URL.Query()
	filter := storage.SessionFilter{
		AgentID:    q.Get("agent_id"),
		ActiveOnly: q.Get("active") == "true",
	}
	if limit, err := strconv.Atoi(q.Get("limit")); err == nil {
		filter.Limit = limit
	}
	// Non-admins only see their own sessions.
	if !s.eval.HasGlobalRole(r.Context(), user.ID, storage.RoleAdmin) {
		filter.UserID = user.ID
	}
	sessions, err := s.store.ListSessions(r.Context(), filter)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	s.writeJSON(w, r, http.StatusOK, sessions)
}

func (s *Server) handleTerminateSession(w http.ResponseWriter, r *http.Request) {
	user := userFrom(r.Context())
	sessionID := r.PathValue("id")
	if err := s.broker.Terminate(r.Context(), sessionID, user.ID, user.Email, requestIDFrom(r.Context())); err != nil {
		s.fail(w, r, err)
		return
	}
	s.writeJSON(w, r, http.StatusOK, map[string]string{"status": "terminating"})
}

// handleShellWS upgrades the connection and hands it to the broker
// bridge. Errors after the upgrade travel as error frames, not HTTP.
func (s *Server) handleShellWS(w http.ResponseWriter, r *http.Request) {
	sessionID := r.URL.Query().Get("session_id")
	if sessionID == "" {
		s.writeError(w, r, http.StatusBadRequest, "ValidationError", "session_id is required")
		return
	}
	user := userFrom(r.Context())
	session, err := s.store.GetSession(r.Context(), sessionID)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	if session.UserID != user.ID && !s.eval.HasGlobalRole(r.Context(), user.ID, storage.RoleAdmin) {
		s.writeError(w, r, http.StatusForbidden, "PermissionDenied", "not your session")
		return
	}
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warnw("websocket upgrade failed", "sessionID", sessionID, "err", err)
		return
	}
	defer conn.Close()
	if err := s.broker.Bridge(r.Context(), sessionID, conn); err != nil {
		s.log.Infow("shell bridge ended", "sessionID", sessionID, "err", err)
	}
}

type caSignRequest struct {
	PublicKey   string `json:"public_key"`
	ResourceID  string `json:"resource_id"`
	Principals  []string `json:"principals"`
	ValiditySec int64  `json:"validity_sec"`
}

// handleCASign mints a certificate outside the broker, for operator
// tooling. Admin-only, so the allowed set is the requested set.
func (s *Server) handleCASign(w http.ResponseWriter, r *http.Request) {
	var req caSignRequest
	if err := decode(r, &req); err != nil || req.PublicKey == "" || len(req.Principals) == 0 {
		s.writeError(w, r, http.StatusBadRequest, "ValidationError", "public_key and principals are required")
		return
	}
	user := userFrom(r.Context())
	signed, err := s.ca.SignUserCert(r.Context(), sshca.UserCertRequest{
		UserEmail:         user.Email,
		ResourceID:        req.ResourceID,
		PublicKey:         req.PublicKey,
		Principals:        req.Principals,
		AllowedPrincipals: req.Principals,
		ValiditySec:       req.ValiditySec,
	})
	if err != nil {
		s.fail(w, r, err)
		return
	}
	s.recorder.Record(r.Context(), audit.Entry{
		Actor: user.Email, Action: "ca.sign",
		ResourceType: "certificate", ResourceID: signed.KeyID,
		Outcome: audit.OutcomeSuccess,
		Details: map[string]any{"principals": req.Principals, "serial": signed.Serial},
		RequestID: requestIDFrom(r.Context()),
	})
	s.writeJSON(w, r, http.StatusOK, map[string]any{
		"certificate":   signed.Certificate,
		"ca_public_key": signed.CAPublicKey,
		"serial":        signed.Serial,
		"key_id":        signed.KeyID,
		"valid_before":  signed.ValidBefore,
	})
}

type caRotateRequest struct {
	Type string `json:"type"`
}

func (s *Server) handleCARotate(w http.ResponseWriter, r *http.Request) {
	var req caRotateRequest
	if r.ContentLength > 0 {
		if err := decode(r, &req); err != nil {
			s.writeError(w, r, http.StatusBadRequest, "ValidationError", "malformed body")
			return
		}
	}
	if req.Type == "" {
		req.Type = storage.CATypeUser
	}
	if req.Type != storage.CATypeUser && req.Type != storage.CATypeHost {
		s.writeError(w, r, http.StatusBadRequest, "ValidationError", "type must be user or host")
		return
	}
	ca, err := s.ca.Rotate(r.Context(), req.Type)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	s.recorder.Record(r.Context(), audit.Entry{
		Actor: userFrom(r.Context()).Email, Action: "ca.rotate",
		ResourceType: "ssh_ca", ResourceID: ca.Name,
		Outcome: audit.OutcomeSuccess, RequestID: requestIDFrom(r.Context()),
	})
	s.writeJSON(w, r, http.StatusOK, ca)
}

func (s *Server) handleListCAs(w http.ResponseWriter, r *http.Request) {
	cas, err := s.store.ListCAs(r.Context())
	if err != nil {
		s.fail(w, r, err)
		return
	}
	// Private key references stay server-side.
	views := make([]map[string]any, 0, len(cas))
	for _, ca := range cas {
		views = append(views, map[string]any{
			"id":                   ca.ID,
			"name":                 ca.Name,
			"type":                 ca.Type,
			"public_key":           ca.PublicKey,
			"active":               ca.Active,
			"default_validity_sec": ca.DefaultValiditySec,
			"max_validity_sec":     ca.MaxValiditySec,
			"created_at":           ca.CreatedAt,
		})
	}
	s.writeJSON(w, r, http.StatusOK, views)
}

// handleMaaSWebhook authenticates with an HMAC over the raw body, not a
// bearer token.
func (s *Server) handleMaaSWebhook(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, 1<<20))
	if err != nil {
		s.writeError(w, r, http.StatusBadRequest, "ValidationError", "unreadable body")
		return
	}
	signature := r.Header.Get("X-Webhook-Signature")
	if err := orchestrator.VerifyWebhookSignature(s.cfg.EffectiveWebhookSecret(), body, signature); err != nil {
		s.writeError(w, r, http.StatusUnauthorized, "AuthError", "bad webhook signature")
		return
	}
	providerName := r.URL.Query().Get("provider")
	if err := s.orch.HandleMaaSWebhook(r.Context(), providerName, body); err != nil {
		s.fail(w, r, err)
		return
	}
	s.writeJSON(w, r, http.StatusOK, map[string]string{"status": "processed"})
}
