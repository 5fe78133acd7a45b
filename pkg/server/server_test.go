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
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"golang.org/x/crypto/ssh"

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

type testServer struct {
	*httptest.Server
	store *storage.Store
	fleet *fleet.Manager
	cfg   *config.Server
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	ctx := context.Background()
	log := zap.NewNop().Sugar()

	store, err := storage.New(log, storage.Config{Driver: storage.DriverSQLite, DSN: ":memory:"})
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	key := make([]byte, 32)
	_, err = rand.Read(key)
	require.NoError(t, err)
	sec, err := secrets.New(ctx, log, secrets.Config{
		Backend:       secrets.BackendEncryptedDB,
		EncryptionKey: base64.StdEncoding.EncodeToString(key),
	}, store)
	require.NoError(t, err)

	tokens, err := auth.NewManager([]byte("test-secret"), 15*time.Minute, 24*time.Hour)
	require.NoError(t, err)
	eval := rbac.New(log, store)
	recorder := audit.New(log, store)
	orch := orchestrator.New(log, store, sec, time.Minute, time.Second)
	fl, err := fleet.New(log, store, tokens, 30*time.Second, "")
	require.NoError(t, err)
	ca := sshca.New(log, store, sec)
	_, err = ca.Ensure(ctx, storage.CATypeUser)
	require.NoError(t, err)
	broker := shell.New(log, store, eval, ca, fl, recorder)

	cfg := &config.Server{SecretKey: "unit-test-secret", DBType: "sqlite"}
	srv := New(Deps{
		Log: log, Config: cfg, Store: store, Tokens: tokens, Eval: eval,
		Recorder: recorder, Orch: orch, Secrets: sec, Fleet: fl, CA: ca,
		Broker: broker, Limiter: ratelimit.NoopLimiter{},
	})

	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)
	return &testServer{Server: ts, store: store, fleet: fl, cfg: cfg}
}

// addUser creates an active user with the given global roles and
// returns an access token for it.
func (ts *testServer) addUser(t *testing.T, email, password string, roles ...string) string {
	t.Helper()
	ctx := context.Background()
	hash, err := auth.HashPassword(password)
	require.NoError(t, err)
	u := &storage.User{Email: email, PasswordHash: hash, Active: true, UniqueToken: uuid.NewString()}
	require.NoError(t, ts.store.CreateUser(ctx, u))
	for _, role := range roles {
		require.NoError(t, ts.store.AssignRole(ctx, u.ID, role))
	}

	var resp tokenResponse
	status := ts.request(t, http.MethodPost, "/api/v1/auth/login", "", loginRequest{Email: email, Password: password}, &resp)
	require.Equal(t, http.StatusOK, status)
	return resp.AccessToken
}

// request performs a JSON round trip and decodes the envelope's data
// field into out when it is non-nil.
func (ts *testServer) request(t *testing.T, method, path, token string, body, out any) int {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req, err := http.NewRequest(method, ts.URL+path, &buf)
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := ts.Client().Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	if out != nil {
		var env struct {
			Data json.RawMessage `json:"data"`
		}
		require.NoError(t, json.NewDecoder(resp.Body).Decode(&env))
		if len(env.Data) > 0 {
			require.NoError(t, json.Unmarshal(env.Data, out))
		}
	}
	return resp.StatusCode
}

func TestLogin(t *testing.T) {
	ts := newTestServer(t)
	ts.addUser(t, "alice@example.com", "correct horse")

	status := ts.request(t, http.MethodPost, "/api/v1/auth/login", "",
		loginRequest{Email: "alice@example.com", Password: "wrong"}, nil)
	assert.Equal(t, http.StatusUnauthorized, status)

	var resp tokenResponse
	status = ts.request(t, http.MethodPost, "/api/v1/auth/login", "",
		loginRequest{Email: "Alice@Example.com", Password: "correct horse"}, &resp)
	assert.Equal(t, http.StatusOK, status)
	assert.NotEmpty(t, resp.AccessToken)
	assert.NotEmpty(t, resp.RefreshToken)
}

func TestAuthAndRoleGates(t *testing.T) {
	ts := newTestServer(t)
	userToken := ts.addUser(t, "user@example.com", "password-1")
	adminToken := ts.addUser(t, "admin@example.com", "password-2", storage.RoleAdmin)

	status := ts.request(t, http.MethodGet, "/api/v1/users", "", nil, nil)
	assert.Equal(t, http.StatusUnauthorized, status)

	status = ts.request(t, http.MethodGet, "/api/v1/users", userToken, nil, nil)
	assert.Equal(t, http.StatusForbidden, status)

	var users []userView
	status = ts.request(t, http.MethodGet, "/api/v1/users", adminToken, nil, &users)
	assert.Equal(t, http.StatusOK, status)
	assert.Len(t, users, 2)
}

func TestLogoutInvalidatesOutstandingTokens(t *testing.T) {
	ts := newTestServer(t)
	token := ts.addUser(t, "bob@example.com", "password-1")

	status := ts.request(t, http.MethodGet, "/api/v1/teams", token, nil, nil)
	require.Equal(t, http.StatusOK, status)

	status = ts.request(t, http.MethodPost, "/api/v1/auth/logout", token, nil, nil)
	require.Equal(t, http.StatusOK, status)

	status = ts.request(t, http.MethodGet, "/api/v1/teams", token, nil, nil)
	assert.Equal(t, http.StatusUnauthorized, status)
}

func TestAgentEnrollFlow(t *testing.T) {
	ts := newTestServer(t)
	adminToken := ts.addUser(t, "admin@example.com", "password-1", storage.RoleAdmin)

	var minted mintKeyResponse
	status := ts.request(t, http.MethodPost, "/api/v1/enrollment-keys", adminToken,
		mintKeyRequest{TTLSeconds: 3600}, &minted)
	require.Equal(t, http.StatusCreated, status)
	require.NotEmpty(t, minted.Key)

	enroll := func(hostname string) (*http.Response, enrollResponse) {
		body, err := json.Marshal(map[string]any{
			"hostname":      hostname,
			"ssh_port":      2222,
			"agent_version": "1.0.0",
			"capabilities":  []string{"ssh"},
		})
		require.NoError(t, err)
		req, err := http.NewRequest(http.MethodPost, ts.URL+"/api/v1/agents/enroll", bytes.NewReader(body))
		require.NoError(t, err)
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("X-Enrollment-Key", minted.Key)
		resp, err := ts.Client().Do(req)
		require.NoError(t, err)
		defer resp.Body.Close()
		var env struct {
			Data enrollResponse `json:"data"`
		}
		require.NoError(t, json.NewDecoder(resp.Body).Decode(&env))
		return resp, env.Data
	}

	resp, enrolled := enroll("edge-1")
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	assert.NotEmpty(t, enrolled.AgentID)
	assert.NotEmpty(t, enrolled.AccessToken)
	assert.NotEmpty(t, enrolled.CAPublicKey)
	require.NotEmpty(t, enrolled.CAPublicKeys)
	assert.Equal(t, enrolled.CAPublicKeys[0], enrolled.CAPublicKey)
	assert.Equal(t, 30, int(enrolled.Config["heartbeat_interval_s"].(float64)))

	// The key is single use.
	resp, _ = enroll("edge-2")
	assert.Equal(t, http.StatusConflict, resp.StatusCode)

	// Heartbeat with the agent token.
	var hb heartbeatResponse
	status = ts.request(t, http.MethodPost, "/api/v1/agents/heartbeat", enrolled.AccessToken,
		fleet.HeartbeatRequest{Timestamp: time.Now().Unix()}, &hb)
	assert.Equal(t, http.StatusOK, status)
	assert.Equal(t, 30, hb.NextIntervalS)

	// Agent tokens do not open user endpoints.
	status = ts.request(t, http.MethodGet, "/api/v1/teams", enrolled.AccessToken, nil, nil)
	assert.Equal(t, http.StatusUnauthorized, status)

	// The agent shows up for fleet operators.
	var agents []storage.AccessAgent
	status = ts.request(t, http.MethodGet, "/api/v1/agents", adminToken, nil, &agents)
	assert.Equal(t, http.StatusOK, status)
	require.Len(t, agents, 1)
	assert.Equal(t, enrolled.AgentID, agents[0].AgentID)
}

func TestEnrollWithoutKeyHeader(t *testing.T) {
	ts := newTestServer(t)
	status := ts.request(t, http.MethodPost, "/api/v1/agents/enroll", "",
		map[string]string{"hostname": "edge-1"}, nil)
	assert.Equal(t, http.StatusUnauthorized, status)
}

func TestCASignRejectsOverlongValidity(t *testing.T) {
	ts := newTestServer(t)
	adminToken := ts.addUser(t, "admin@example.com", "password-1", storage.RoleAdmin)

	key, err := sshca.NewPrivateKey(2048)
	require.NoError(t, err)
	signer, err := ssh.NewSignerFromKey(key)
	require.NoError(t, err)
	pubKey := sshca.PublicKeyString(signer.PublicKey())

	sign := func(validity int64) int {
		return ts.request(t, http.MethodPost, "/api/v1/ssh-ca/sign", adminToken, map[string]any{
			"public_key":   pubKey,
			"resource_id":  "edge-1",
			"principals":   []string{"ubuntu"},
			"validity_sec": validity,
		}, nil)
	}

	assert.Equal(t, http.StatusOK, sign(sshca.MaxValiditySec))
	assert.Equal(t, http.StatusBadRequest, sign(sshca.MaxValiditySec+1))
}

func TestMaaSWebhookSignature(t *testing.T) {
	ts := newTestServer(t)
	body := []byte(`{"event_type":"node_status","system_id":""}`)

	post := func(signature string) int {
		req, err := http.NewRequest(http.MethodPost, ts.URL+"/webhooks/maas?provider=lab", bytes.NewReader(body))
		require.NoError(t, err)
		if signature != "" {
			req.Header.Set("X-Webhook-Signature", signature)
		}
		resp, err := ts.Client().Do(req)
		require.NoError(t, err)
		resp.Body.Close()
		return resp.StatusCode
	}

	assert.Equal(t, http.StatusUnauthorized, post(""))
	assert.Equal(t, http.StatusUnauthorized, post("deadbeef"))

	mac := hmac.New(sha256.New, ts.cfg.EffectiveWebhookSecret())
	mac.Write(body)
	assert.Equal(t, http.StatusOK, post(hex.EncodeToString(mac.Sum(nil))))
}
