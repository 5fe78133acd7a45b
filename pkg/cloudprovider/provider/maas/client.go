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

package maas

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	cloudprovidererrors "github.com/goughcloud/gough/pkg/cloudprovider/errors"
	maastypes "github.com/goughcloud/gough/pkg/cloudprovider/provider/maas/types"
	"github.com/goughcloud/gough/pkg/cloudprovider/util"
)

// client is a minimal MaaS 2.0 API client. MaaS authenticates with
// OAuth1 PLAINTEXT signatures; no request body is signed, so the header
// can be computed without reading the payload.
type client struct {
	config *maastypes.Config
	http   *http.Client
}

func newClient(config *maastypes.Config) *client {
	return &client{
		config: config,
		http:   util.HTTPClient(util.DefaultCallTimeout, config.Insecure),
	}
}

func nonce() string {
	b := make([]byte, 8)
	_, _ = rand.Read(b)
	return hex.EncodeToString(b)
}

func (c *client) authHeader() string {
	return fmt.Sprintf(
		`OAuth oauth_version="1.0", oauth_signature_method="PLAINTEXT", oauth_consumer_key=%q, oauth_token=%q, oauth_signature="&%s", oauth_nonce=%q, oauth_timestamp="%d"`,
		c.config.Consumer, c.config.Token, url.QueryEscape(c.config.Secret), nonce(), time.Now().Unix(),
	)
}

// apiError carries the HTTP status and body of a failed MaaS call.
type apiError struct {
	StatusCode int
	Body       string
}

func (e *apiError) Error() string {
	return fmt.Sprintf("maas returned %d: %s", e.StatusCode, e.Body)
}

func (c *client) do(ctx context.Context, method, path string, params url.Values, out any) error {
	endpoint := c.config.Endpoint + "/api/2.0" + path
	var body io.Reader
	if method != http.MethodGet && params != nil {
		body = strings.NewReader(params.Encode())
	} else if method == http.MethodGet && params != nil {
		endpoint += "?" + params.Encode()
	}

	req, err := http.NewRequestWithContext(ctx, method, endpoint, body)
	if err != nil {
		return fmt.Errorf("failed to build maas request: %w", err)
	}
	req.Header.Set("Authorization", c.authHeader())
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	}

	res, err := c.http.Do(req)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return &cloudprovidererrors.CloudError{Message: err.Error(), Timeout: true, Err: err}
		}
		return &cloudprovidererrors.CloudError{Message: err.Error(), Err: err}
	}
	defer res.Body.Close()

	data, err := io.ReadAll(res.Body)
	if err != nil {
		return fmt.Errorf("failed to read maas response: %w", err)
	}
	if res.StatusCode >= 400 {
		return &apiError{StatusCode: res.StatusCode, Body: strings.TrimSpace(string(data))}
	}
	if out != nil && len(data) > 0 {
		if err := json.Unmarshal(data, out); err != nil {
			return fmt.Errorf("failed to unmarshal maas response: %w", err)
		}
	}
	return nil
}

// machine is the subset of the MaaS machine document the driver reads.
type machine struct {
	SystemID     string   `json:"system_id"`
	Hostname     string   `json:"hostname"`
	StatusName   string   `json:"status_name"`
	PowerState   string   `json:"power_state"`
	IPAddresses  []string `json:"ip_addresses"`
	CPUCount     int      `json:"cpu_count"`
	Memory       int64    `json:"memory"`
	OSystem      string   `json:"osystem"`
	DistroSeries string   `json:"distro_series"`
	TagNames     []string `json:"tag_names"`
	Zone         struct {
		Name string `json:"name"`
	} `json:"zone"`
}

type bootResource struct {
	ID           int    `json:"id"`
	Name         string `json:"name"`
	Architecture string `json:"architecture"`
	Type         string `json:"type"`
}

type zone struct {
	Name        string `json:"name"`
	Description string `json:"description"`
}
