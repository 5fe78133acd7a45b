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
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/goughcloud/gough/pkg/audit"
	"github.com/goughcloud/gough/pkg/auth"
	"github.com/goughcloud/gough/pkg/storage"
)

type loginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

type tokenResponse struct {
	AccessToken  string    `json:"access_token"`
	RefreshToken string    `json:"refresh_token"`
	ExpiresAt    time.Time `json:"expires_at"`
}

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if err := decode(r, &req); err != nil {
		s.writeError(w, r, http.StatusBadRequest, "ValidationError", "malformed body")
		return
	}
	email := strings.ToLower(strings.TrimSpace(req.Email))
	user, err := s.store.GetUserByEmail(r.Context(), email)
	if err != nil || !user.Active || !auth.CheckPassword(user.PasswordHash, req.Password) {
		s.recorder.Record(r.Context(), audit.Entry{
			Actor: email, Action: "auth.login", Outcome: audit.OutcomeFailure,
			RequestID: requestIDFrom(r.Context()),
		})
		s.writeError(w, r, http.StatusUnauthorized, "AuthError", "bad credentials")
		return
	}
	pair, err := s.tokens.IssuePair(auth.UserSubject(user.ID), user.UniqueToken)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	s.recorder.Record(r.Context(), audit.Entry{
		Actor: email, Action: "auth.login", Outcome: audit.OutcomeSuccess,
		RequestID: requestIDFrom(r.Context()),
	})
	s.writeJSON(w, r, http.StatusOK, tokenResponse{
		AccessToken:  pair.AccessToken,
		RefreshToken: pair.RefreshToken,
		ExpiresAt:    pair.ExpiresAt,
	})
}

func (s *Server) handleAuthRefresh(w http.ResponseWriter, r *http.Request) {
	claims, err := s.tokens.Verify(bearerToken(r), auth.TokenTypeRefresh)
	if err != nil {
		s.writeError(w, r, http.StatusUnauthorized, "AuthError", "invalid refresh token")
		return
	}
	userID, err := auth.ParseUserSubject(claims.Subject)
	if err != nil {
		s.writeError(w, r, http.StatusUnauthorized, "AuthError", "invalid refresh token")
		return
	}
	user, err := s.store.GetUser(r.Context(), userID)
	if err != nil || !user.Active || user.UniqueToken != claims.UniqueToken {
		s.writeError(w, r, http.StatusUnauthorized, "AuthError", "invalid refresh token")
		return
	}
	pair, err := s.tokens.IssuePair(auth.UserSubject(user.ID), user.UniqueToken)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	s.writeJSON(w, r, http.StatusOK, tokenResponse{
		AccessToken:  pair.AccessToken,
		RefreshToken: pair.RefreshToken,
		ExpiresAt:    pair.ExpiresAt,
	})
}

// handleLogout rotates the user's unique token, which invalidates every
// outstanding JWT bound to the old one.
func (s *Server) handleLogout(w http.ResponseWriter, r *http.Request) {
	user := userFrom(r.Context())
	user.UniqueToken = uuid.NewString()
	if err := s.store.UpdateUser(r.Context(), user); err != nil {
		s.fail(w, r, err)
		return
	}
	s.recorder.Record(r.Context(), audit.Entry{
		Actor: user.Email, Action: "auth.logout", Outcome: audit.OutcomeSuccess,
		RequestID: requestIDFrom(r.Context()),
	})
	s.writeJSON(w, r, http.StatusOK, map[string]string{"status": "logged_out"})
}

type userView struct {
	ID        int64     `json:"id"`
	Email     string    `json:"email"`
	Active    bool      `json:"active"`
	Roles     []string  `json:"roles"`
	CreatedAt time.Time `json:"created_at"`
}

func (s *Server) userView(r *http.Request, u *storage.User) userView {
	roles, _ := s.store.UserRoles(r.Context(), u.ID)
	if roles == nil {
		roles = []string{}
	}
	return userView{ID: u.ID, Email: u.Email, Active: u.Active, Roles: roles, CreatedAt: u.CreatedAt}
}

func (s *Server) handleListUsers(w http.ResponseWriter, r *http.Request) {
	users, err := s.store.ListUsers(r.Context())
	if err != nil {
		s.fail(w, r, err)
		return
	}
	views := make([]userView, 0, len(users))
	for i := range users {
		views = append(views, s.userView(r, &users[i]))
	}
	s.writeJSON(w, r, http.StatusOK, views)
}

type createUserRequest struct {
	Email    string   `json:"email"`
	Password string   `json:"password"`
	Roles    []string `json:"roles"`
}

func (s *Server) handleCreateUser(w http.ResponseWriter, r *http.Request) {
	var req createUserRequest
	if err := decode(r, &req); err != nil || req.Email == "" || req.Password == "" {
		s.writeError(w, r, http.StatusBadRequest, "ValidationError", "email and password are required")
		return
	}
	email := strings.ToLower(strings.TrimSpace(req.Email))
	if _, err := s.store.GetUserByEmail(r.Context(), email); err == nil {
		s.writeError(w, r, http.StatusConflict, "Conflict", "email already registered")
		return
	}
	hash, err := auth.HashPassword(req.Password)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	user := &storage.User{Email: email, PasswordHash: hash, Active: true, UniqueToken: uuid.NewString()}
	if err := s.store.CreateUser(r.Context(), user); err != nil {
		s.fail(w, r, err)
		return
	}
	for _, role := range req.Roles {
		if err := s.store.AssignRole(r.Context(), user.ID, role); err != nil {
			s.fail(w, r, err)
			return
		}
	}
	s.recorder.Record(r.Context(), audit.Entry{
		Actor: userFrom(r.Context()).Email, Action: "user.create",
		ResourceType: "user", ResourceID: strconv.FormatInt(user.ID, 10),
		Outcome: audit.OutcomeSuccess, RequestID: requestIDFrom(r.Context()),
	})
	s.writeJSON(w, r, http.StatusCreated, s.userView(r, user))
}

func pathID(r *http.Request, name string) (int64, bool) {
	id, err := strconv.ParseInt(r.PathValue(name), 10, 64)
	return id, err == nil && id > 0
}

func (s *Server) handleGetUser(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(r, "id")
	if !ok {
		s.writeError(w, r, http.StatusBadRequest, "ValidationError", "bad user id")
		return
	}
	user, err := s.store.GetUser(r.Context(), id)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	s.writeJSON(w, r, http.StatusOK, s.userView(r, user))
}

type updateUserRequest struct {
	Password *string  `json:"password,omitempty"`
	Active   *bool    `json:"active,omitempty"`
	Roles    []string `json:"roles,omitempty"`
}

func (s *Server) handleUpdateUser(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(r, "id")
	if !ok {
		s.writeError(w, r, http.StatusBadRequest, "ValidationError", "bad user id")
		return
	}
	var req updateUserRequest
	if err := decode(r, &req); err != nil {
		s.writeError(w, r, http.StatusBadRequest, "ValidationError", "malformed body")
		return
	}
	user, err := s.store.GetUser(r.Context(), id)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	if req.Password != nil {
		hash, err := auth.HashPassword(*req.Password)
		if err != nil {
			s.fail(w, r, err)
			return
		}
		user.PasswordHash = hash
		user.UniqueToken = uuid.NewString()
	}
	if req.Active != nil {
		user.Active = *req.Active
	}
	if err := s.store.UpdateUser(r.Context(), user); err != nil {
		s.fail(w, r, err)
		return
	}
	if req.Roles != nil {
		current, _ := s.store.UserRoles(r.Context(), user.ID)
		for _, role := range current {
			if err := s.store.RevokeRole(r.Context(), user.ID, role); err != nil {
				s.fail(w, r, err)
				return
			}
		}
		for _, role := range req.Roles {
			if err := s.store.AssignRole(r.Context(), user.ID, role); err != nil {
				s.fail(w, r, err)
				return
			}
		}
	}
	s.writeJSON(w, r, http.StatusOK, s.userView(r, user))
}

func (s *Server) handleDeactivateUser(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(r, "id")
	if !ok {
		s.writeError(w, r, http.StatusBadRequest, "ValidationError", "bad user id")
		return
	}
	if err := s.store.DeactivateUser(r.Context(), id); err != nil {
		s.fail(w, r, err)
		return
	}
	s.recorder.Record(r.Context(), audit.Entry{
		Actor: userFrom(r.Context()).Email, Action: "user.deactivate",
		ResourceType: "user", ResourceID: strconv.FormatInt(id, 10),
		Outcome: audit.OutcomeSuccess, RequestID: requestIDFrom(r.Context()),
	})
	s.writeJSON(w, r, http.StatusOK, map[string]string{"status": "deactivated"})
}

func (s *Server) handleListAudit(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	limit, _ := strconv.Atoi(q.Get("limit"))
	events, err := s.store.ListAudit(r.Context(), storage.AuditFilter{
		Actor:  q.Get("actor"),
		Action: q.Get("action"),
		Limit:  limit,
	})
	if err != nil {
		s.fail(w, r, err)
		return
	}
	s.writeJSON(w, r, http.StatusOK, events)
}
