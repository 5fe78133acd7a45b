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

package util

import (
	"crypto/tls"
	"math/rand"
	"net/http"
	"time"
)

// DefaultCallTimeout bounds every outbound provider call.
const DefaultCallTimeout = 30 * time.Second

// HTTPClient returns a client with sane connection limits for provider
// REST APIs. insecure disables certificate verification for lab MaaS and
// LXD endpoints with self-signed certificates.
func HTTPClient(timeout time.Duration, insecure bool) *http.Client {
	if timeout <= 0 {
		timeout = DefaultCallTimeout
	}
	transport := &http.Transport{
		MaxIdleConns:        32,
		MaxIdleConnsPerHost: 8,
		IdleConnTimeout:     90 * time.Second,
	}
	if insecure {
		transport.TLSClientConfig = &tls.Config{InsecureSkipVerify: true} //nolint:gosec
	}
	return &http.Client{
		Timeout:   timeout,
		Transport: transport,
	}
}

// Jitter returns d shifted by a random amount within ±fraction. The
// inventory sync loops use it so multiple providers never sync in
// lockstep.
func Jitter(d time.Duration, fraction float64) time.Duration {
	if fraction <= 0 {
		return d
	}
	delta := float64(d) * fraction
	return d + time.Duration((rand.Float64()*2-1)*delta) //nolint:gosec
}
