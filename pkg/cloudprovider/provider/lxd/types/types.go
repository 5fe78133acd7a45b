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
	"crypto/tls"
	"errors"
	"fmt"
	"strings"
)

// Config holds the endpoint and client certificate for an LXD driver
// instance. LXD trusts clients by certificate fingerprint, so the pair
// must be registered with the daemon beforehand.
type Config struct {
	Endpoint   string
	ClientCert tls.Certificate
	Project    string
	// InsecureSkipVerify is the common case: LXD daemons serve
	// self-signed certificates.
	InsecureSkipVerify bool
}

// FromCredentials builds a Config from the secrets-store credential map.
func FromCredentials(creds map[string]string) (*Config, error) {
	endpoint := creds["endpoint"]
	certPEM := creds["client_cert"]
	keyPEM := creds["client_key"]
	if endpoint == "" || certPEM == "" || keyPEM == "" {
		return nil, errors.New("endpoint, client_cert and client_key must be set")
	}
	cert, err := tls.X509KeyPair([]byte(certPEM), []byte(keyPEM))
	if err != nil {
		return nil, fmt.Errorf("failed to load client certificate: %w", err)
	}
	return &Config{
		Endpoint:           strings.TrimRight(endpoint, "/"),
		ClientCert:         cert,
		Project:            creds["project"],
		InsecureSkipVerify: creds["verify_tls"] != "true",
	}, nil
}
