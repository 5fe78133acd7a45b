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

// Package errors defines the error taxonomy every cloud driver surfaces.
// Drivers map their provider's native failures onto exactly four kinds:
// AuthError, NotFoundError, QuotaError and CloudError. The orchestrator
// and the HTTP layer branch on these kinds, never on provider specifics.
package errors

import (
	"errors"
	"fmt"
)

// ErrMachineNotFound is returned by a driver when the requested machine
// does not exist at the provider.
var ErrMachineNotFound = errors.New("machine not found")

// AuthError indicates the provider rejected our credentials. Callers may
// re-authenticate once and retry; a second AuthError is surfaced.
type AuthError struct {
	Message string
	Err     error
}

func (e *AuthError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("authentication failed: %s: %v", e.Message, e.Err)
	}
	return fmt.Sprintf("authentication failed: %s", e.Message)
}

func (e *AuthError) Unwrap() error { return e.Err }

// NotFoundError wraps ErrMachineNotFound with the identifier that missed.
type NotFoundError struct {
	ID string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("machine %q not found", e.ID)
}

func (e *NotFoundError) Unwrap() error { return ErrMachineNotFound }

// QuotaError indicates the provider refused the request for capacity
// reasons: instance limits, no matching machine in the pool, exhausted
// addresses. These are user-actionable, not bugs.
type QuotaError struct {
	Message string
}

func (e *QuotaError) Error() string {
	return fmt.Sprintf("quota exceeded: %s", e.Message)
}

// CloudError is the catch-all for provider failures we cannot classify
// further. Code carries the provider's own error code when one exists.
// Timeout marks failures caused by network timeouts or context deadlines
// so the orchestrator can decide to retry.
type CloudError struct {
	Code    string
	Message string
	Timeout bool
	Err     error
}

func (e *CloudError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("cloud provider error [%s]: %s", e.Code, e.Message)
	}
	return fmt.Sprintf("cloud provider error: %s", e.Message)
}

func (e *CloudError) Unwrap() error { return e.Err }

// IsAuthError reports whether err is or wraps an AuthError.
func IsAuthError(err error) bool {
	var authErr *AuthError
	return errors.As(err, &authErr)
}

// IsNotFound reports whether err means the machine does not exist.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrMachineNotFound)
}

// IsQuotaError reports whether err is or wraps a QuotaError.
func IsQuotaError(err error) bool {
	var quotaErr *QuotaError
	return errors.As(err, &quotaErr)
}

// AsCloudError extracts a CloudError from err, or nil.
func AsCloudError(err error) *CloudError {
	var cloudErr *CloudError
	if errors.As(err, &cloudErr) {
		return cloudErr
	}
	return nil
}

// IsTimeout reports whether err is a CloudError flagged as a timeout.
func IsTimeout(err error) bool {
	ce := AsCloudError(err)
	return ce != nil && ce.Timeout
}
