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

import "fmt"

// Config holds service-principal credentials and the resource scope an
// Azure driver instance operates in.
type Config struct {
	SubscriptionID string
	TenantID       string
	ClientID       string
	ClientSecret   string

	ResourceGroup string
	Location      string

	// Network scope for new machines.
	VNetName          string
	SubnetName        string
	SecurityGroupName string
}

// FromCredentials builds a Config from the secrets-store credential map.
func FromCredentials(creds map[string]string, region string) (*Config, error) {
	c := &Config{
		SubscriptionID:    creds["subscription_id"],
		TenantID:          creds["tenant_id"],
		ClientID:          creds["client_id"],
		ClientSecret:      creds["client_secret"],
		ResourceGroup:     creds["resource_group"],
		Location:          region,
		VNetName:          creds["vnet_name"],
		SubnetName:        creds["subnet_name"],
		SecurityGroupName: creds["security_group_name"],
	}
	if c.Location == "" {
		c.Location = creds["location"]
	}
	for name, value := range map[string]string{
		"subscription_id": c.SubscriptionID,
		"tenant_id":       c.TenantID,
		"client_id":       c.ClientID,
		"client_secret":   c.ClientSecret,
		"resource_group":  c.ResourceGroup,
	} {
		if value == "" {
			return nil, fmt.Errorf("%s must be set", name)
		}
	}
	if c.Location == "" {
		return nil, fmt.Errorf("region must be set for azure providers")
	}
	return c, nil
}
