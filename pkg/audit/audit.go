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

// Package audit writes the append-only audit trail. Recording failures
// are logged, never propagated: an audit hiccup must not fail the
// operation it describes.
package audit

import (
	"context"
	"encoding/json"

	"go.uber.org/zap"

	"github.com/goughcloud/gough/pkg/storage"
)

// Outcomes.
const (
	OutcomeSuccess = "success"
	OutcomeFailure = "failure"
	OutcomeDenied  = "denied"
)

// Recorder appends audit events.
type Recorder struct {
	log   *zap.SugaredLogger
	store *storage.Store
}

// New returns a Recorder.
func New(log *zap.SugaredLogger, store *storage.Store) *Recorder {
	return &Recorder{log: log, store: store}
}

// Entry is one event before serialization.
type Entry struct {
	Actor        string
	Action       string
	ResourceType string
	ResourceID   string
	Outcome      string
	Details      map[string]any
	RequestID    string
}

// Record appends the entry.
func (r *Recorder) Record(ctx context.Context, e Entry) {
	var details string
	if e.Details != nil {
		if b, err := json.Marshal(e.Details); err == nil {
			details = string(b)
		}
	}
	event := &storage.AuditEvent{
		Actor:        e.Actor,
		Action:       e.Action,
		ResourceType: e.ResourceType,
		ResourceID:   e.ResourceID,
		Outcome:      e.Outcome,
		Details:      details,
		RequestID:    e.RequestID,
	}
	if err := r.store.AppendAudit(ctx, event); err != nil {
		r.log.Errorw("failed to append audit event", "action", e.Action, "actor", e.Actor, zap.Error(err))
	}
}
