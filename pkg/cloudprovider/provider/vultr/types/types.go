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

import "errors"

// Config holds the API key and default region for a Vultr driver
// instance.
type Config struct {
	APIKey string
	Region string
}

// FromCredentials builds a Config from the secrets-store credential map.
func FromCredentials(creds map[string]string, region string) (*Config, error) {
	c := &Config{
		APIKey: creds["api_key"],
		Region: region,
	}
	if c.Region == "" {
		c.Region = creds["region"]
	}
	if c.APIKey == "" {
		return nil, errors.New("api_key must be set")
	}
	if c.Region == "" {
		return nil, errors.New("region must be set for vultr providers")
	}
	return c, nil
}
