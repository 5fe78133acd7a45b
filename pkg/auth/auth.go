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

// Package auth covers password hashing and the JWT pairs used by both
// operators and agents. Access tokens are short-lived; refresh tokens
// rotate on every use.
package auth

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"
)

// Token types carried in the token_type claim.
const (
	TokenTypeAccess  = "access"
	TokenTypeRefresh = "refresh"
)

// Default token lifetimes.
const (
	DefaultAccessTTL  = 15 * time.Minute
	DefaultRefreshTTL = 30 * 24 * time.Hour
)

// ErrInvalidToken covers every verification failure; callers map it to
// 401 without leaking the reason.
var ErrInvalidToken = errors.New("invalid token")

// Claims is the JWT payload. Subjects are "user:<id>" or
// "agent:<agent_id>"; UniqueToken binds user tokens to the session
// invalidation handle.
type Claims struct {
	TokenType   string `json:"token_type"`
	UniqueToken string `json:"ut,omitempty"`
	jwt.RegisteredClaims
}

// Manager signs and verifies tokens with a shared HMAC secret.
type Manager struct {
	secret     []byte
	accessTTL  time.Duration
	refreshTTL time.Duration
}

// NewManager returns a Manager. Zero TTLs fall back to the defaults.
func NewManager(secret []byte, accessTTL, refreshTTL time.Duration) (*Manager, error) {
	if len(secret) == 0 {
		return nil, errors.New("jwt secret must not be empty")
	}
	if accessTTL <= 0 {
		accessTTL = DefaultAccessTTL
	}
	if refreshTTL <= 0 {
		refreshTTL = DefaultRefreshTTL
	}
	return &Manager{secret: secret, accessTTL: accessTTL, refreshTTL: refreshTTL}, nil
}

// TokenPair is one issued access+refresh pair. RefreshID is the jti of
// the refresh token, persisted for rotation tracking.
type TokenPair struct {
	AccessToken  string
	RefreshToken string
	RefreshID    string
	ExpiresAt    time.Time
}

// IssuePair mints a fresh pair for a subject.
func (m *Manager) IssuePair(subject, uniqueToken string) (*TokenPair, error) {
	now := time.Now().UTC()
	accessExpiry := now.Add(m.accessTTL)

	access, err := m.sign(Claims{
		TokenType:   TokenTypeAccess,
		UniqueToken: uniqueToken,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   subject,
			ID:        uuid.NewString(),
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(accessExpiry),
		},
	})
	if err != nil {
		return nil, err
	}

	refreshID := uuid.NewString()
	refresh, err := m.sign(Claims{
		TokenType:   TokenTypeRefresh,
		UniqueToken: uniqueToken,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   subject,
			ID:        refreshID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(m.refreshTTL)),
		},
	})
	if err != nil {
		return nil, err
	}

	return &TokenPair{
		AccessToken:  access,
		RefreshToken: refresh,
		RefreshID:    refreshID,
		ExpiresAt:    accessExpiry,
	}, nil
}

func (m *Manager) sign(claims Claims) (string, error) {
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(m.secret)
	if err != nil {
		return "", fmt.Errorf("failed to sign token: %w", err)
	}
	return signed, nil
}

// Verify parses a token and checks its type.
func (m *Manager) Verify(tokenString, wantType string) (*Claims, error) {
	var claims Claims
	token, err := jwt.ParseWithClaims(tokenString, &claims, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return m.secret, nil
	})
	if err != nil || !token.Valid {
		return nil, ErrInvalidToken
	}
	if claims.TokenType != wantType {
		return nil, ErrInvalidToken
	}
	return &claims, nil
}

// Subject helpers.

// UserSubject renders the JWT subject for a user id.
func UserSubject(userID int64) string { return "user:" + strconv.FormatInt(userID, 10) }

// AgentSubject renders the JWT subject for an agent id.
func AgentSubject(agentID string) string { return "agent:" + agentID }

// ParseUserSubject extracts the user id, or an error for non-user
// subjects.
func ParseUserSubject(subject string) (int64, error) {
	raw, ok := strings.CutPrefix(subject, "user:")
	if !ok {
		return 0, ErrInvalidToken
	}
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return 0, ErrInvalidToken
	}
	return id, nil
}

// ParseAgentSubject extracts the agent id, or an error for non-agent
// subjects.
func ParseAgentSubject(subject string) (string, error) {
	raw, ok := strings.CutPrefix(subject, "agent:")
	if !ok || raw == "" {
		return "", ErrInvalidToken
	}
	return raw, nil
}

// HashPassword hashes with bcrypt at default cost.
func HashPassword(password string) (string, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return "", fmt.Errorf("failed to hash password: %w", err)
	}
	return string(hash), nil
}

// CheckPassword reports whether the password matches the hash.
func CheckPassword(hash, password string) bool {
	return bcrypt.CompareHashAndPassword([]byte(hash), []byte(password)) == nil
}
