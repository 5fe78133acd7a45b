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

package auth

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestIssueAndVerifyPair(t *testing.T) {
	m, err := NewManager([]byte("secret"), 15*time.Minute, 24*time.Hour)
	require.NoError(t, err)

	pair, err := m.IssuePair(UserSubject(42), "ut-1")
	require.NoError(t, err)
	require.NotEmpty(t, pair.RefreshID)

	claims, err := m.Verify(pair.AccessToken, TokenTypeAccess)
	require.NoError(t, err)
	assert.Equal(t, "user:42", claims.Subject)
	assert.Equal(t, "ut-1", claims.UniqueToken)

	refresh, err := m.Verify(pair.RefreshToken, TokenTypeRefresh)
	require.NoError(t, err)
	assert.Equal(t, pair.RefreshID, refresh.ID)

	// A refresh token never passes as an access token.
	_, err = m.Verify(pair.RefreshToken, TokenTypeAccess)
	assert.ErrorIs(t, err, ErrInvalidToken)
}

func TestVerifyRejectsForgedTokens(t *testing.T) {
	m, err := NewManager([]byte("secret"), time.Minute, time.Hour)
	require.NoError(t, err)
	other, err := NewManager([]byte("other-secret"), time.Minute, time.Hour)
	require.NoError(t, err)

	pair, err := other.IssuePair(AgentSubject("abc"), "")
	require.NoError(t, err)

	_, err = m.Verify(pair.AccessToken, TokenTypeAccess)
	assert.ErrorIs(t, err, ErrInvalidToken)
	_, err = m.Verify("not-a-jwt", TokenTypeAccess)
	assert.ErrorIs(t, err, ErrInvalidToken)
}

func TestSubjectParsing(t *testing.T) {
	id, err := ParseUserSubject("user:7")
	require.NoError(t, err)
	assert.EqualValues(t, 7, id)

	_, err = ParseUserSubject("agent:7")
	assert.Error(t, err)

	agentID, err := ParseAgentSubject("agent:550e8400-e29b-41d4-a716-446655440000")
	require.NoError(t, err)
	assert.Equal(t, "550e8400-e29b-41d4-a716-446655440000", agentID)

	_, err = ParseAgentSubject("user:7")
	assert.Error(t, err)
}

func TestPasswordHashing(t *testing.T) {
	hash, err := HashPassword("hunter2hunter2")
	require.NoError(t, err)
	assert.NotEqual(t, "hunter2hunter2", hash)
	assert.True(t, CheckPassword(hash, "hunter2hunter2"))
	assert.False(t, CheckPassword(hash, "wrong"))
}
