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

package types

import (
	"errors"
	"fmt"
	"strings"
)

// Config holds the endpoint and OAuth1 credentials for a MaaS driver
// instance. APIKey is the MaaS triple "<consumer>:<token>:<secret>".
type Config struct {
	Endpoint string
	Consumer string
	Token    string
	Secret   string
	Insecure bool
}

// FromCredentials builds a Config from the secrets-store credential map.
func FromCredentials(creds map[string]string) (*Config, error) {
	endpoint := creds["endpoint"]
	apiKey := creds["api_key"]
	if endpoint == "" || apiKey == "" {
		return nil, errors.New("endpoint and api_key must be set")
	}
	parts := strings.Split(apiKey, ":")
	if len(parts) != 3 {
		return nil, fmt.Errorf("api_key must look like <consumer>:<token>:<secret>")
	}
	return &Config{
		Endpoint: strings.TrimRight(endpoint, "/"),
		Consumer: parts[0],
		Token:    parts[1],
		Secret:   parts[2],
		Insecure: creds["insecure"] == "true",
	}, nil
}
