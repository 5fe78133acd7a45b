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

package orchestrator

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"

	"go.uber.org/zap"

	cloudprovidererrors "github.com/goughcloud/gough/pkg/cloudprovider/errors"
	"github.com/goughcloud/gough/pkg/storage"
)

// ErrBadSignature is returned when the webhook HMAC does not match.
var ErrBadSignature = errors.New("webhook signature mismatch")

// VerifyWebhookSignature checks an HMAC-SHA256 hex signature over the
// raw body.
func VerifyWebhookSignature(secret, body []byte, signature string) error {
	mac := hmac.New(sha256.New, secret)
	mac.Write(body)
	want := hex.EncodeToString(mac.Sum(nil))
	if !hmac.Equal([]byte(want), []byte(signature)) {
		return ErrBadSignature
	}
	return nil
}

// maasEvent is the subset of a MaaS webhook payload the orchestrator
// reads.
type maasEvent struct {
	EventType string `json:"event_type"`
	SystemID  string `json:"system_id"`
}

// HandleMaaSWebhook records the event and reconciles the affected
// machine ahead of the periodic sync. Duplicate deliveries only add a
// duplicate log row.
func (o *Orchestrator) HandleMaaSWebhook(ctx context.Context, providerName string, body []byte) error {
	var event maasEvent
	if err := json.Unmarshal(body, &event); err != nil {
		return fmt.Errorf("failed to parse webhook payload: %w", err)
	}

	record := &storage.WebhookEvent{
		Source:     "maas",
		EventType:  event.EventType,
		ResourceID: event.SystemID,
		Payload:    string(body),
	}
	if err := o.store.RecordWebhookEvent(ctx, record); err != nil {
		o.log.Errorw("failed to record webhook event", zap.Error(err))
	}

	if event.SystemID == "" {
		return nil
	}
	provider, err := o.store.GetProviderByName(ctx, providerName)
	if err != nil {
		return fmt.Errorf("unknown provider %q for webhook: %w", providerName, err)
	}
	if err := o.SyncOne(ctx, provider.ID, event.SystemID); err != nil {
		// The machine may have been released out of existence; the sync
		// loop handles that case.
		if !cloudprovidererrors.IsNotFound(err) {
			return err
		}
	}
	if record.ID != 0 {
		if err := o.store.MarkWebhookProcessed(ctx, record.ID); err != nil {
			o.log.Errorw("failed to flag webhook processed", zap.Error(err))
		}
	}
	return nil
}
