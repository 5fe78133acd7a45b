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

// Package server is the HTTP surface of the control plane.
package server

import (
	"context"
	"net/http"
	"time"

	"github.com/gorilla/handlers"
	"github.com/gorilla/websocket"
	"github.com/heptiolabs/healthcheck"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/goughcloud/gough/pkg/audit"
	"github.com/goughcloud/gough/pkg/auth"
	"github.com/goughcloud/gough/pkg/config"
	"github.com/goughcloud/gough/pkg/fleet"
	"github.com/goughcloud/gough/pkg/orchestrator"
	"github.com/goughcloud/gough/pkg/ratelimit"
	"github.com/goughcloud/gough/pkg/rbac"
	"github.com/goughcloud/gough/pkg/secrets"
	"github.com/goughcloud/gough/pkg/shell"
	"github.com/goughcloud/gough/pkg/sshca"
	"github.com/goughcloud/gough/pkg/storage"
)

// Server wires handlers to the domain services.
type Server struct {
	log      *zap.SugaredLogger
	cfg      *config.Server
	store    *storage.Store
	tokens   *auth.Manager
	eval     *rbac.Evaluator
	recorder *audit.Recorder
	orch     *orchestrator.Orchestrator
	secrets  secrets.Store
	fleet    *fleet.Manager
	ca       *sshca.Authority
	broker   *shell.Broker
	limiter  ratelimit.Limiter
	upgrader websocket.Upgrader
}

// Deps carries everything the server needs.
type Deps struct {
	Log      *zap.SugaredLogger
	Config   *config.Server
	Store    *storage.Store
	Tokens   *auth.Manager
	Eval     *rbac.Evaluator
	Recorder *audit.Recorder
	Orch     *orchestrator.Orchestrator
	Secrets  secrets.Store
	Fleet    *fleet.Manager
	CA       *sshca.Authority
	Broker   *shell.Broker
	Limiter  ratelimit.Limiter
}

// New returns a Server.
func New(d Deps) *Server {
	return &Server{
		log:      d.Log,
		cfg:      d.Config,
		store:    d.Store,
		tokens:   d.Tokens,
		eval:     d.Eval,
		recorder: d.Recorder,
		orch:     d.Orch,
		secrets:  d.Secrets,
		fleet:    d.Fleet,
		ca:       d.CA,
		broker:   d.Broker,
		limiter:  d.Limiter,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  32 * 1024,
			WriteBufferSize: 32 * 1024,
			// The browser terminal is served from another origin; auth
			// happens via the access token, not the Origin header.
			CheckOrigin: func(*http.Request) bool { return true },
		},
	}
}

// Handler builds the public API handler with middleware applied.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("POST /api/v1/auth/login", s.handleLogin)
	mux.HandleFunc("POST /api/v1/auth/refresh", s.handleAuthRefresh)
	mux.Handle("POST /api/v1/auth/logout", s.requireUser(s.handleLogout))

	mux.Handle("GET /api/v1/users", s.requireAdmin(s.handleListUsers))
	mux.Handle("POST /api/v1/users", s.requireAdmin(s.handleCreateUser))
	mux.Handle("GET /api/v1/users/{id}", s.requireAdmin(s.handleGetUser))
	mux.Handle("PATCH /api/v1/users/{id}", s.requireAdmin(s.handleUpdateUser))
	mux.Handle("DELETE /api/v1/users/{id}", s.requireAdmin(s.handleDeactivateUser))

	mux.Handle("GET /api/v1/teams", s.requireUser(s.handleListTeams))
	mux.Handle("POST /api/v1/teams", s.requireUser(s.handleCreateTeam))
	mux.Handle("GET /api/v1/teams/{id}", s.requireUser(s.handleGetTeam))
	mux.Handle("PATCH /api/v1/teams/{id}", s.requireUser(s.handleUpdateTeam))
	mux.Handle("PUT /api/v1/teams/{id}/members/{userID}", s.requireUser(s.handleSetMember))
	mux.Handle("DELETE /api/v1/teams/{id}/members/{userID}", s.requireUser(s.handleRemoveMember))
	mux.Handle("POST /api/v1/teams/{id}/assignments", s.requireUser(s.handleUpsertAssignment))
	mux.Handle("GET /api/v1/teams/{id}/assignments", s.requireUser(s.handleListAssignments))
	mux.Handle("DELETE /api/v1/teams/{id}/assignments/{assignmentID}", s.requireUser(s.handleDeleteAssignment))

	mux.Handle("GET /api/v1/clouds/providers", s.requireMaintainer(s.handleListProviders))
	mux.Handle("POST /api/v1/clouds/providers", s.requireMaintainer(s.handleCreateProvider))
	mux.Handle("GET /api/v1/clouds/providers/{id}", s.requireMaintainer(s.handleGetProvider))
	mux.Handle("DELETE /api/v1/clouds/providers/{id}", s.requireAdmin(s.handleDeleteProvider))
	mux.Handle("GET /api/v1/clouds/providers/{id}/machines", s.requireUser(s.handleListMachines))
	mux.Handle("POST /api/v1/clouds/providers/{id}/machines", s.requireUser(s.handleCreateMachine))
	mux.Handle("GET /api/v1/clouds/providers/{id}/machines/{externalID}", s.requireUser(s.handleGetMachine))
	mux.Handle("GET /api/v1/clouds/providers/{id}/machines/{externalID}/console", s.requireUser(s.handleConsoleOutput))
	mux.Handle("GET /api/v1/clouds/providers/{id}/images", s.requireUser(s.handleListImages))
	mux.Handle("GET /api/v1/clouds/providers/{id}/sizes", s.requireUser(s.handleListSizes))
	mux.Handle("GET /api/v1/clouds/providers/{id}/regions", s.requireUser(s.handleListRegions))
	mux.Handle("POST /api/v1/clouds/providers/{id}/machines/{externalID}/{action}", s.requireUser(s.handleMachineAction))

	mux.Handle("POST /api/v1/ssh-ca/sign", s.requireAdmin(s.handleCASign))
	mux.Handle("POST /api/v1/ssh-ca/rotate", s.requireAdmin(s.handleCARotate))
	mux.Handle("GET /api/v1/ssh-ca", s.requireUser(s.handleListCAs))

	mux.Handle("POST /api/v1/enrollment-keys", s.requireAdmin(s.handleMintEnrollmentKey))
	mux.Handle("GET /api/v1/enrollment-keys", s.requireAdmin(s.handleListEnrollmentKeys))
	mux.Handle("DELETE /api/v1/enrollment-keys/{id}", s.requireAdmin(s.handleRevokeEnrollmentKey))
	mux.HandleFunc("POST /api/v1/agents/enroll", s.handleAgentEnroll)
	mux.HandleFunc("POST /api/v1/agents/refresh", s.handleAgentRefresh)
	mux.Handle("POST /api/v1/agents/heartbeat", s.requireAgent(s.handleAgentHeartbeat))
	mux.Handle("GET /api/v1/agents", s.requireMaintainer(s.handleListAgents))
	mux.Handle("GET /api/v1/agents/{agentID}", s.requireMaintainer(s.handleGetAgent))
	mux.Handle("POST /api/v1/agents/{agentID}/suspend", s.requireAdmin(s.handleSuspendAgent))
	mux.Handle("POST /api/v1/agents/{agentID}/resume", s.requireAdmin(s.handleResumeAgent))
	mux.Handle("POST /api/v1/agents/{agentID}/commands", s.requireAdmin(s.handleEnqueueCommand))

	mux.Handle("POST /api/v1/shell/sessions", s.requireUser(s.handleOpenSession))
	mux.Handle("GET /api/v1/shell/sessions", s.requireUser(s.handleListSessions))
	mux.Handle("DELETE /api/v1/shell/sessions/{id}", s.requireUser(s.handleTerminateSession))
	mux.Handle("GET /ws/shell", s.requireUser(s.handleShellWS))

	mux.Handle("GET /api/v1/audit", s.requireAdmin(s.handleListAudit))
	mux.HandleFunc("POST /webhooks/maas", s.handleMaaSWebhook)

	var h http.Handler = mux
	if origins := s.cfg.CORSOriginList(); len(origins) > 0 {
		h = handlers.CORS(
			handlers.AllowedOrigins(origins),
			handlers.AllowedMethods([]string{"GET", "POST", "PUT", "PATCH", "DELETE", "OPTIONS"}),
			handlers.AllowedHeaders([]string{"Authorization", "Content-Type", "X-Enrollment-Key"}),
		)(h)
	}
	h = s.rateLimitMiddleware(h)
	h = s.loggingMiddleware(h)
	h = requestIDMiddleware(h)
	return h
}

// InternalHandler serves liveness, readiness and metrics on the
// internal listener.
func (s *Server) InternalHandler() http.Handler {
	health := healthcheck.NewHandler()
	health.AddReadinessCheck("database", func() error {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		return s.store.Ping(ctx)
	})

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", health.LiveEndpoint)
	mux.HandleFunc("/readyz", health.ReadyEndpoint)
	mux.Handle("/metrics", promhttp.Handler())
	return mux
}
