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
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
)

// Config holds the service account and scope for a GCP driver instance.
type Config struct {
	// ServiceAccount is the raw service-account JSON document.
	ServiceAccount []byte
	ProjectID      string
	Region         string
	// DefaultZone receives machines whose spec names no zone.
	DefaultZone string
	Network     string
	Subnetwork  string
}

// FromCredentials builds a Config from the secrets-store credential map.
// service_account may be raw JSON or base64-encoded JSON.
func FromCredentials(creds map[string]string, region string) (*Config, error) {
	raw := creds["service_account"]
	if raw == "" {
		return nil, errors.New("service_account must be set")
	}
	sa := []byte(raw)
	if decoded, err := base64.StdEncoding.DecodeString(raw); err == nil {
		sa = decoded
	}

	var sam map[string]string
	if err := json.Unmarshal(sa, &sam); err != nil {
		return nil, fmt.Errorf("service_account is not valid JSON: %w", err)
	}

	c := &Config{
		ServiceAccount: sa,
		ProjectID:      sam["project_id"],
		Region:         region,
		DefaultZone:    creds["zone"],
		Network:        creds["network"],
		Subnetwork:     creds["subnetwork"],
	}
	if c.Region == "" {
		c.Region = creds["region"]
	}
	if c.ProjectID == "" {
		return nil, errors.New("service_account carries no project_id")
	}
	if c.Region == "" {
		return nil, errors.New("region must be set for gcp providers")
	}
	if c.DefaultZone == "" {
		c.DefaultZone = c.Region + "-a"
	}
	return c, nil
}
