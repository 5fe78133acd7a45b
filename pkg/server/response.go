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

package server

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	cloudprovidererrors "github.com/goughcloud/gough/pkg/cloudprovider/errors"
	"github.com/goughcloud/gough/pkg/auth"
	"github.com/goughcloud/gough/pkg/fleet"
	"github.com/goughcloud/gough/pkg/orchestrator"
	"github.com/goughcloud/gough/pkg/secrets"
	"github.com/goughcloud/gough/pkg/shell"
	"github.com/goughcloud/gough/pkg/sshca"
	"github.com/goughcloud/gough/pkg/storage"
)

// envelope wraps every response with timestamp and request id.
type envelope struct {
	Timestamp time.Time `json:"timestamp"`
	RequestID string    `json:"request_id"`
	Data      any       `json:"data,omitempty"`
	Error     *apiError `json:"error,omitempty"`
}

// apiError is the wire shape of a failure.
type apiError struct {
	Kind    string `json:"kind"`
	Message string `json:"message"`
}

func (s *Server) writeJSON(w http.ResponseWriter, r *http.Request, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(envelope{
		Timestamp: time.Now().UTC(),
		RequestID: requestIDFrom(r.Context()),
		Data:      data,
	}); err != nil {
		s.log.Errorw("failed to encode response", "path", r.URL.Path)
	}
}

func (s *Server) writeError(w http.ResponseWriter, r *http.Request, status int, kind, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(envelope{
		Timestamp: time.Now().UTC(),
		RequestID: requestIDFrom(r.Context()),
		Error:     &apiError{Kind: kind, Message: message},
	})
}

// fail maps a domain error onto the response taxonomy.
func (s *Server) fail(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, auth.ErrInvalidToken),
		errors.Is(err, fleet.ErrInvalidEnrollmentKey),
		errors.Is(err, fleet.ErrTokenReuse):
		s.writeError(w, r, http.StatusUnauthorized, "AuthError", "authentication failed")
	case errors.Is(err, shell.ErrForbidden), errors.Is(err, fleet.ErrAgentSuspended):
		s.writeError(w, r, http.StatusForbidden, "PermissionDenied", err.Error())
	case errors.Is(err, storage.ErrNotFound),
		errors.Is(err, secrets.ErrSecretNotFound),
		errors.Is(err, shell.ErrSessionGone),
		cloudprovidererrors.IsNotFound(err):
		s.writeError(w, r, http.StatusNotFound, "NotFound", err.Error())
	case errors.Is(err, fleet.ErrEnrollmentKeyUsed):
		s.writeError(w, r, http.StatusConflict, "Conflict", err.Error())
	case cloudprovidererrors.IsQuotaError(err):
		s.writeError(w, r, http.StatusTooManyRequests, "QuotaError", err.Error())
	case errors.Is(err, shell.ErrValidation),
		errors.Is(err, sshca.ErrPrincipalNotAllowed),
		errors.Is(err, sshca.ErrValidityTooLong),
		errors.Is(err, orchestrator.ErrCloudInitUnsupported),
		errors.Is(err, fleet.ErrAgentTooOld):
		s.writeError(w, r, http.StatusBadRequest, "ValidationError", err.Error())
	case errors.Is(err, shell.ErrNoAgent):
		s.writeError(w, r, http.StatusServiceUnavailable, "ProviderError", err.Error())
	case cloudprovidererrors.IsAuthError(err):
		s.writeError(w, r, http.StatusBadGateway, "ProviderError", "provider rejected our credentials")
	case cloudprovidererrors.AsCloudError(err) != nil:
		s.writeError(w, r, http.StatusBadGateway, "ProviderError", err.Error())
	default:
		s.log.Errorw("internal error", "path", r.URL.Path, "requestID", requestIDFrom(r.Context()), "err", err)
		s.writeError(w, r, http.StatusInternalServerError, "Internal", "internal error")
	}
}

// decode reads a JSON body with a size cap.
func decode(r *http.Request, dst any) error {
	r.Body = http.MaxBytesReader(nil, r.Body, 1<<20)
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	return dec.Decode(dst)
}
