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

package storage

import (
	"context"
	"time"
)

// AppendAudit writes one audit event. Audit rows are never updated or
// deleted through the API.
func (s *Store) AppendAudit(ctx context.Context, e *AuditEvent) error {
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now().UTC()
	}
	id, err := s.insertID(ctx,
		`INSERT INTO audit_events (timestamp, actor, action, resource_type, resource_id, outcome, details, request_id)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		e.Timestamp, e.Actor, e.Action, e.ResourceType, e.ResourceID, e.Outcome, e.Details, e.RequestID)
	if err != nil {
		return err
	}
	e.ID = id
	return nil
}

// AuditFilter narrows ListAudit.
type AuditFilter struct {
	Actor  string
	Action string
	Since  time.Time
	Limit  int
}

// ListAudit returns audit events, newest first.
func (s *Store) ListAudit(ctx context.Context, f AuditFilter) ([]AuditEvent, error) {
	query := `SELECT id, timestamp, actor, action, resource_type, resource_id, outcome, details, request_id FROM audit_events WHERE 1=1`
	var args []any
	if f.Actor != "" {
		query += ` AND actor = ?`
		args = append(args, f.Actor)
	}
	if f.Action != "" {
		query += ` AND action = ?`
		args = append(args, f.Action)
	}
	if !f.Since.IsZero() {
		query += ` AND timestamp >= ?`
		args = append(args, f.Since)
	}
	query += ` ORDER BY id DESC`
	limit := f.Limit
	if limit <= 0 || limit > 1000 {
		limit = 100
	}
	query += ` LIMIT ?`
	args = append(args, limit)

	rows, err := s.query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var events []AuditEvent
	for rows.Next() {
		var e AuditEvent
		if err := rows.Scan(&e.ID, &e.Timestamp, &e.Actor, &e.Action, &e.ResourceType,
			&e.ResourceID, &e.Outcome, &e.Details, &e.RequestID); err != nil {
			return nil, err
		}
		events = append(events, e)
	}
	return events, rows.Err()
}

// RecordWebhookEvent logs an inbound provider event.
func (s *Store) RecordWebhookEvent(ctx context.Context, e *WebhookEvent) error {
	if e.ReceivedAt.IsZero() {
		e.ReceivedAt = time.Now().UTC()
	}
	id, err := s.insertID(ctx,
		`INSERT INTO webhook_events (source, event_type, resource_id, payload, received_at, processed) VALUES (?, ?, ?, ?, ?, ?)`,
		e.Source, e.EventType, e.ResourceID, e.Payload, e.ReceivedAt, e.Processed)
	if err != nil {
		return err
	}
	e.ID = id
	return nil
}

// MarkWebhookProcessed flags an event as handled.
func (s *Store) MarkWebhookProcessed(ctx context.Context, id int64) error {
	_, err := s.exec(ctx, `UPDATE webhook_events SET processed = TRUE WHERE id = ?`, id)
	return err
}
