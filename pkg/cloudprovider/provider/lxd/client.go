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

package lxd

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	cloudprovidererrors "github.com/goughcloud/gough/pkg/cloudprovider/errors"
	lxdtypes "github.com/goughcloud/gough/pkg/cloudprovider/provider/lxd/types"
)

// client speaks the LXD REST API. Every response arrives in the LXD
// envelope; async operations are returned as operation references which
// callers may wait on.
type client struct {
	config *lxdtypes.Config
	http   *http.Client
}

func newLXDClient(config *lxdtypes.Config) *client {
	transport := &http.Transport{
		TLSClientConfig: &tls.Config{
			Certificates:       []tls.Certificate{config.ClientCert},
			InsecureSkipVerify: config.InsecureSkipVerify, //nolint:gosec
		},
		MaxIdleConns:    16,
		IdleConnTimeout: 90 * time.Second,
	}
	return &client{
		config: config,
		http:   &http.Client{Timeout: 30 * time.Second, Transport: transport},
	}
}

// envelope is the LXD response wrapper.
type envelope struct {
	Type       string          `json:"type"`
	StatusCode int             `json:"status_code"`
	ErrorCode  int             `json:"error_code"`
	Error      string          `json:"error"`
	Metadata   json.RawMessage `json:"metadata"`
	Operation  string          `json:"operation"`
}

type apiError struct {
	StatusCode int
	Message    string
}

func (e *apiError) Error() string {
	return fmt.Sprintf("lxd returned %d: %s", e.StatusCode, e.Message)
}

func (c *client) do(ctx context.Context, method, path string, body any, out any) (operation string, err error) {
	endpoint := c.config.Endpoint + path
	if c.config.Project != "" {
		sep := "?"
		if u, err := url.Parse(path); err == nil && u.RawQuery != "" {
			sep = "&"
		}
		endpoint += sep + "project=" + url.QueryEscape(c.config.Project)
	}

	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return "", fmt.Errorf("failed to marshal lxd request: %w", err)
		}
		reader = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, endpoint, reader)
	if err != nil {
		return "", fmt.Errorf("failed to build lxd request: %w", err)
	}
	if reader != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	res, err := c.http.Do(req)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return "", &cloudprovidererrors.CloudError{Message: err.Error(), Timeout: true, Err: err}
		}
		return "", &cloudprovidererrors.CloudError{Message: err.Error(), Err: err}
	}
	defer res.Body.Close()

	data, err := io.ReadAll(res.Body)
	if err != nil {
		return "", fmt.Errorf("failed to read lxd response: %w", err)
	}

	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return "", fmt.Errorf("failed to unmarshal lxd envelope: %w", err)
	}
	if env.Type == "error" {
		return "", &apiError{StatusCode: env.ErrorCode, Message: env.Error}
	}
	if out != nil && len(env.Metadata) > 0 {
		if err := json.Unmarshal(env.Metadata, out); err != nil {
			return "", fmt.Errorf("failed to unmarshal lxd metadata: %w", err)
		}
	}
	return env.Operation, nil
}

// waitOperation blocks until the referenced async operation completes.
func (c *client) waitOperation(ctx context.Context, operation string) error {
	if operation == "" {
		return nil
	}
	var op struct {
		StatusCode int    `json:"status_code"`
		Err        string `json:"err"`
	}
	if _, err := c.do(ctx, http.MethodGet, operation+"/wait", nil, &op); err != nil {
		return err
	}
	if op.Err != "" {
		return &apiError{StatusCode: op.StatusCode, Message: op.Err}
	}
	return nil
}

// instance is the subset of the LXD instance document the driver reads.
type instance struct {
	Name         string            `json:"name"`
	Status       string            `json:"status"`
	Type         string            `json:"type"`
	Architecture string            `json:"architecture"`
	Config       map[string]string `json:"config"`
	Profiles     []string          `json:"profiles"`
	CreatedAt    time.Time         `json:"created_at"`
	State        *instanceState    `json:"state,omitempty"`
}

type instanceState struct {
	Status  string `json:"status"`
	Network map[string]struct {
		Addresses []struct {
			Family  string `json:"family"`
			Address string `json:"address"`
			Scope   string `json:"scope"`
		} `json:"addresses"`
	} `json:"network"`
}

type image struct {
	Fingerprint string `json:"fingerprint"`
	Properties  map[string]string
	Aliases     []struct {
		Name string `json:"name"`
	} `json:"aliases"`
}

type profile struct {
	Name        string `json:"name"`
	Description string `json:"description"`
}

type clusterMember struct {
	ServerName string `json:"server_name"`
	Status     string `json:"status"`
}
