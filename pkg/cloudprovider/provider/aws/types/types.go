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
)

// Config holds the credentials and defaults an AWS driver instance needs.
// It is populated from the provider's secrets-store entry.
type Config struct {
	AccessKeyID     string
	SecretAccessKey string
	Region          string

	// AssumeRoleARN, when set, makes the driver assume this role for
	// every API call. ExternalID is optional.
	AssumeRoleARN        string
	AssumeRoleExternalID string

	// DefaultSecurityGroupIDs apply when a MachineSpec carries none.
	DefaultSecurityGroupIDs []string
}

// FromCredentials builds a Config from the secrets-store credential map.
func FromCredentials(creds map[string]string, region string) (*Config, error) {
	c := &Config{
		AccessKeyID:          creds["access_key_id"],
		SecretAccessKey:      creds["secret_access_key"],
		Region:               region,
		AssumeRoleARN:        creds["assume_role_arn"],
		AssumeRoleExternalID: creds["assume_role_external_id"],
	}
	if c.Region == "" {
		c.Region = creds["region"]
	}
	if c.AccessKeyID == "" || c.SecretAccessKey == "" {
		return nil, errors.New("access_key_id and secret_access_key must be set")
	}
	if c.Region == "" {
		return nil, fmt.Errorf("region must be set for aws providers")
	}
	if sg := creds["security_group_id"]; sg != "" {
		c.DefaultSecurityGroupIDs = []string{sg}
	}
	return c, nil
}
