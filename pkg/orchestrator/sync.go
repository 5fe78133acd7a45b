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
	"time"

	"go.uber.org/zap"

	cloudprovidertypes "github.com/goughcloud/gough/pkg/cloudprovider/types"
	"github.com/goughcloud/gough/pkg/cloudprovider/util"
	"github.com/goughcloud/gough/pkg/storage"
)

// RunInventorySync reconciles the machine cache against every active
// provider until the context ends. Ticks are jittered so multiple
// server instances do not stampede the providers in step.
func (o *Orchestrator) RunInventorySync(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(util.Jitter(o.syncInterval, 0.1)):
			o.syncAll(ctx)
		}
	}
}

func (o *Orchestrator) syncAll(ctx context.Context) {
	providers, err := o.store.ListProviders(ctx, true)
	if err != nil {
		o.log.Errorw("failed to list providers for sync", zap.Error(err))
		return
	}
	for i := range providers {
		if ctx.Err() != nil {
			return
		}
		o.syncProvider(ctx, &providers[i])
	}
}

// syncProvider runs one reconcile pass. A provider hard failure skips
// the provider for this cycle; the cache keeps its last observations.
func (o *Orchestrator) syncProvider(ctx context.Context, provider *storage.CloudProvider) {
	driver, err := o.driverFor(ctx, provider)
	if err != nil {
		o.log.Errorw("failed to build driver for sync", "provider", provider.Name, zap.Error(err))
		return
	}

	callCtx, cancel := context.WithTimeout(ctx, util.DefaultCallTimeout)
	observed, err := driver.ListMachines(callCtx, cloudprovidertypes.ListFilters{})
	cancel()
	if err != nil {
		o.log.Errorw("provider list failed, skipping sync cycle", "provider", provider.Name, zap.Error(err))
		return
	}

	cached, err := o.store.ListMachines(ctx, provider.ID)
	if err != nil {
		o.log.Errorw("failed to list machine cache", "provider", provider.Name, zap.Error(err))
		return
	}

	now := time.Now().UTC()
	seen := make(map[string]bool, len(observed))
	for i := range observed {
		m := &observed[i]
		seen[m.ExternalID] = true
		row := cacheMachine(provider.ID, m)
		row.UpdatedAt = now
		if err := o.store.UpsertMachine(ctx, row); err != nil {
			o.log.Errorw("failed to upsert machine", "provider", provider.Name, "externalID", m.ExternalID, zap.Error(err))
		}
	}

	// Machines the provider no longer reports are gone; flag them
	// terminated instead of deleting so their history stays visible.
	for i := range cached {
		row := &cached[i]
		if seen[row.ExternalID] || row.State == string(cloudprovidertypes.StateTerminated) {
			continue
		}
		if err := o.store.MarkMachineState(ctx, provider.ID, row.ExternalID, string(cloudprovidertypes.StateTerminated)); err != nil {
			o.log.Errorw("failed to mark machine terminated", "provider", provider.Name, "externalID", row.ExternalID, zap.Error(err))
		}
	}

	if err := o.store.TouchProviderSync(ctx, provider.ID, now); err != nil {
		o.log.Errorw("failed to record sync time", "provider", provider.Name, zap.Error(err))
	}
	o.log.Debugw("inventory sync complete", "provider", provider.Name, "machines", len(observed))
}

// SyncOne reconciles a single machine out of band, used by the webhook
// path to beat the periodic sweep.
func (o *Orchestrator) SyncOne(ctx context.Context, providerID int64, externalID string) error {
	_, err := o.GetMachine(ctx, providerID, externalID)
	return err
}
