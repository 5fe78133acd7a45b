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

package agent

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"
)

// ErrUnauthorized signals an expired or rotated-away access token; the
// caller refreshes and retries once.
var ErrUnauthorized = errors.New("management server rejected the token")

// Client talks to the management server's agent endpoints.
type Client struct {
	log     *zap.SugaredLogger
	baseURL string
	http    *http.Client
}

// NewClient builds a Client. verifySSL false is for lab setups with
// self-signed certificates.
func NewClient(log *zap.SugaredLogger, baseURL string, verifySSL bool) *Client {
	transport := http.DefaultTransport.(*http.Transport).Clone()
	if !verifySSL {
		transport.TLSClientConfig = &tls.Config{InsecureSkipVerify: true}
	}
	return &Client{
		log:     log,
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    &http.Client{Timeout: 30 * time.Second, Transport: transport},
	}
}

type envelope struct {
	Data  json.RawMessage `json:"data"`
	Error *struct {
		Kind    string `json:"kind"`
		Message string `json:"message"`
	} `json:"error"`
}

func (c *Client) do(ctx context.Context, method, path, bearer string, headers map[string]string, body, out any) error {
	var buf io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return err
		}
		buf = bytes.NewReader(raw)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, buf)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if bearer != "" {
		req.Header.Set("Authorization", "Bearer "+bearer)
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return err
	}
	if resp.StatusCode == http.StatusUnauthorized {
		return ErrUnauthorized
	}
	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return fmt.Errorf("unexpected response from %s (%d): %w", path, resp.StatusCode, err)
	}
	if resp.StatusCode >= 400 {
		if env.Error != nil {
			return fmt.Errorf("%s: %s (%s)", path, env.Error.Message, env.Error.Kind)
		}
		return fmt.Errorf("%s returned %d", path, resp.StatusCode)
	}
	if out != nil {
		return json.Unmarshal(env.Data, out)
	}
	return nil
}

// EnrollRequest is what the agent reports about itself.
type EnrollRequest struct {
	Hostname      string   `json:"hostname"`
	IPAddress     string   `json:"ip_address,omitempty"`
	SSHPort       int      `json:"ssh_port"`
	AgentVersion  string   `json:"agent_version"`
	Capabilities  []string `json:"capabilities"`
	HostPublicKey string   `json:"host_public_key,omitempty"`
}

// EnrollResponse carries the agent identity and initial config.
type EnrollResponse struct {
	AgentID         string         `json:"agent_id"`
	AccessToken     string         `json:"access_token"`
	RefreshToken    string         `json:"refresh_token"`
	ExpiresAt       time.Time      `json:"expires_at"`
	CAPublicKey     string         `json:"ca_public_key"`
	CAPublicKeys    []string       `json:"ca_public_keys,omitempty"`
	HostCertificate string         `json:"host_certificate,omitempty"`
	Config          map[string]any `json:"config"`
}

// HeartbeatIntervalS digs the interval out of the config map.
func (e *EnrollResponse) HeartbeatIntervalS() int {
	if v, ok := e.Config["heartbeat_interval_s"].(float64); ok && v > 0 {
		return int(v)
	}
	return 0
}

// Enroll trades the single-use key for an agent identity.
func (c *Client) Enroll(ctx context.Context, key string, req EnrollRequest) (*EnrollResponse, error) {
	var resp EnrollResponse
	err := c.do(ctx, http.MethodPost, "/api/v1/agents/enroll", "",
		map[string]string{"X-Enrollment-Key": key}, req, &resp)
	if err != nil {
		return nil, err
	}
	return &resp, nil
}

// Refresh rotates the token pair.
func (c *Client) Refresh(ctx context.Context, refreshToken string) (*EnrollResponse, error) {
	var resp EnrollResponse
	err := c.do(ctx, http.MethodPost, "/api/v1/agents/refresh", "", nil,
		map[string]string{"refresh_token": refreshToken}, &resp)
	if err != nil {
		return nil, err
	}
	return &resp, nil
}

// Command is a server instruction delivered via heartbeat.
type Command struct {
	Type      string `json:"type"`
	SessionID string `json:"session_id,omitempty"`
}

// ResourceUsage is the agent's self-reported load.
type ResourceUsage struct {
	CPUPercent     float64 `json:"cpu_percent"`
	MemPercent     float64 `json:"mem_percent"`
	MemAvailableMB int64   `json:"mem_available_mb"`
	Connections    int     `json:"connections"`
}

// HeartbeatRequest is the periodic report.
type HeartbeatRequest struct {
	AgentID        string        `json:"agent_id"`
	Status         string        `json:"status"`
	ActiveSessions int           `json:"active_sessions"`
	ResourceUsage  ResourceUsage `json:"resource_usage"`
	Timestamp      int64         `json:"timestamp"`
	AgentVersion   string        `json:"agent_version,omitempty"`
	ClosedSessions []string      `json:"closed_sessions,omitempty"`
}

// HeartbeatResponse returns queued commands and the interval to use.
type HeartbeatResponse struct {
	Commands      []Command `json:"commands"`
	NextIntervalS int       `json:"next_interval_s"`
}

// Heartbeat posts one report.
func (c *Client) Heartbeat(ctx context.Context, accessToken string, hb HeartbeatRequest) (*HeartbeatResponse, error) {
	var resp HeartbeatResponse
	err := c.do(ctx, http.MethodPost, "/api/v1/agents/heartbeat", accessToken, nil, hb, &resp)
	if err != nil {
		return nil, err
	}
	return &resp, nil
}
