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
	"context"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/goughcloud/gough/pkg/auth"
	"github.com/goughcloud/gough/pkg/storage"
)

type contextKey string

const (
	ctxRequestID contextKey = "request_id"
	ctxUser      contextKey = "user"
	ctxAgentID   contextKey = "agent_id"
)

func requestIDFrom(ctx context.Context) string {
	if id, ok := ctx.Value(ctxRequestID).(string); ok {
		return id
	}
	return ""
}

func userFrom(ctx context.Context) *storage.User {
	u, _ := ctx.Value(ctxUser).(*storage.User)
	return u
}

func agentIDFrom(ctx context.Context) string {
	id, _ := ctx.Value(ctxAgentID).(string)
	return id
}

func requestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get("X-Request-ID")
		if id == "" {
			id = uuid.NewString()
		}
		w.Header().Set("X-Request-ID", id)
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), ctxRequestID, id)))
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (sr *statusRecorder) WriteHeader(code int) {
	sr.status = code
	sr.ResponseWriter.WriteHeader(code)
}

func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// The WebSocket path needs the raw ResponseWriter for the
		// upgrade hijack.
		if strings.HasPrefix(r.URL.Path, "/ws/") {
			next.ServeHTTP(w, r)
			return
		}
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		s.log.Infow("request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", rec.status,
			"durationMS", time.Since(start).Milliseconds(),
			"requestID", requestIDFrom(r.Context()),
			"remote", clientIP(r),
		)
	})
}

func clientIP(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		if first, _, ok := strings.Cut(fwd, ","); ok {
			return strings.TrimSpace(first)
		}
		return strings.TrimSpace(fwd)
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

func (s *Server) rateLimitMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ok, err := s.limiter.Allow(r.Context(), clientIP(r))
		if err != nil {
			s.log.Warnw("rate limiter error", zap.Error(err))
		}
		if !ok {
			s.writeError(w, r, http.StatusTooManyRequests, "QuotaError", "rate limit exceeded")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func bearerToken(r *http.Request) string {
	h := r.Header.Get("Authorization")
	token, ok := strings.CutPrefix(h, "Bearer ")
	if !ok {
		// The browser WebSocket API cannot set headers; accept the
		// token as a query parameter there.
		return r.URL.Query().Get("access_token")
	}
	return token
}

// requireUser authenticates a user access token and loads the user.
func (s *Server) requireUser(next http.HandlerFunc) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		claims, err := s.tokens.Verify(bearerToken(r), auth.TokenTypeAccess)
		if err != nil {
			s.writeError(w, r, http.StatusUnauthorized, "AuthError", "invalid or expired token")
			return
		}
		userID, err := auth.ParseUserSubject(claims.Subject)
		if err != nil {
			s.writeError(w, r, http.StatusUnauthorized, "AuthError", "invalid or expired token")
			return
		}
		user, err := s.store.GetUser(r.Context(), userID)
		if err != nil || !user.Active || user.UniqueToken != claims.UniqueToken {
			s.writeError(w, r, http.StatusUnauthorized, "AuthError", "invalid or expired token")
			return
		}
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), ctxUser, user)))
	})
}

// requireRole wraps requireUser with a global-role check.
func (s *Server) requireRole(role string, next http.HandlerFunc) http.Handler {
	return s.requireUser(func(w http.ResponseWriter, r *http.Request) {
		user := userFrom(r.Context())
		if !s.eval.HasGlobalRole(r.Context(), user.ID, role) {
			s.writeError(w, r, http.StatusForbidden, "PermissionDenied", "insufficient role")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) requireAdmin(next http.HandlerFunc) http.Handler {
	return s.requireRole(storage.RoleAdmin, next)
}

func (s *Server) requireMaintainer(next http.HandlerFunc) http.Handler {
	return s.requireRole(storage.RoleMaintainer, next)
}

// requireAgent authenticates an agent access token.
func (s *Server) requireAgent(next http.HandlerFunc) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		claims, err := s.tokens.Verify(bearerToken(r), auth.TokenTypeAccess)
		if err != nil {
			s.writeError(w, r, http.StatusUnauthorized, "AuthError", "invalid or expired token")
			return
		}
		agentID, err := auth.ParseAgentSubject(claims.Subject)
		if err != nil {
			s.writeError(w, r, http.StatusUnauthorized, "AuthError", "invalid or expired token")
			return
		}
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), ctxAgentID, agentID)))
	})
}

// requireCapability checks the evaluator for one capability on a
// resource resolved by the handler.
func (s *Server) hasCapability(r *http.Request, resourceType, resourceID, cap string) bool {
	user := userFrom(r.Context())
	if user == nil {
		return false
	}
	caps := s.eval.Evaluate(r.Context(), user.ID, resourceType, resourceID)
	return caps.Has(cap)
}
