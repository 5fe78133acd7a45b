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

// Package orchestrator dispatches machine operations to cloud drivers
// and keeps the machine cache in step with the providers.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	gocache "github.com/patrickmn/go-cache"
	"go.uber.org/zap"

	"github.com/goughcloud/gough/pkg/cloudprovider"
	cloudprovidertypes "github.com/goughcloud/gough/pkg/cloudprovider/types"
	"github.com/goughcloud/gough/pkg/secrets"
	"github.com/goughcloud/gough/pkg/storage"
)

// Defaults for the sync loop and inline waiting.
const (
	DefaultSyncInterval  = time.Minute
	DefaultMaxInlineWait = 30 * time.Second

	driverTTL = 30 * time.Minute
)

// ErrCloudInitUnsupported is returned when a create request carries
// cloud-init user data for a provider that cannot apply it. Rejecting
// beats silently dropping the configuration.
var ErrCloudInitUnsupported = errors.New("provider does not support cloud-init user data")

// Orchestrator resolves provider rows into pooled driver instances and
// writes every observation through to the machine cache.
type Orchestrator struct {
	log           *zap.SugaredLogger
	store         *storage.Store
	secrets       secrets.Store
	drivers       *gocache.Cache
	syncInterval  time.Duration
	maxInlineWait time.Duration
}

// New returns an Orchestrator. Zero durations fall back to defaults.
func New(log *zap.SugaredLogger, store *storage.Store, sec secrets.Store, syncInterval, maxInlineWait time.Duration) *Orchestrator {
	if syncInterval <= 0 {
		syncInterval = DefaultSyncInterval
	}
	if maxInlineWait <= 0 {
		maxInlineWait = DefaultMaxInlineWait
	}
	return &Orchestrator{
		log:           log,
		store:         store,
		secrets:       sec,
		drivers:       gocache.New(driverTTL, 10*time.Minute),
		syncInterval:  syncInterval,
		maxInlineWait: maxInlineWait,
	}
}

func driverKey(providerID int64) string { return strconv.FormatInt(providerID, 10) }

// driverFor returns the pooled driver for a provider row, constructing
// it on first use.
func (o *Orchestrator) driverFor(ctx context.Context, provider *storage.CloudProvider) (cloudprovidertypes.Provider, error) {
	if cached, ok := o.drivers.Get(driverKey(provider.ID)); ok {
		return cached.(cloudprovidertypes.Provider), nil
	}
	creds, err := o.secrets.Get(ctx, provider.CredentialsRef)
	if err != nil {
		return nil, fmt.Errorf("failed to load credentials for provider %s: %w", provider.Name, err)
	}
	driver, err := cloudprovider.ForProvider(cloudprovider.Type(provider.Type), cloudprovider.Options{
		Region:      provider.Region,
		Credentials: creds,
		Log:         o.log.With("provider", provider.Name),
	})
	if err != nil {
		return nil, err
	}
	o.drivers.Set(driverKey(provider.ID), driver, driverTTL)
	return driver, nil
}

// InvalidateDriver drops a pooled driver, forcing a rebuild with fresh
// credentials on next use.
func (o *Orchestrator) InvalidateDriver(providerID int64) {
	o.drivers.Delete(driverKey(providerID))
}

// Driver exposes the pooled driver for a provider id.
func (o *Orchestrator) Driver(ctx context.Context, providerID int64) (cloudprovidertypes.Provider, *storage.CloudProvider, error) {
	provider, err := o.store.GetProvider(ctx, providerID)
	if err != nil {
		return nil, nil, err
	}
	driver, err := o.driverFor(ctx, provider)
	if err != nil {
		return nil, nil, err
	}
	return driver, provider, nil
}

// VerifyCredentials builds a driver for the provider row and runs its
// auth check. Used when a provider is registered or updated.
func (o *Orchestrator) VerifyCredentials(ctx context.Context, provider *storage.CloudProvider) error {
	o.InvalidateDriver(provider.ID)
	driver, err := o.driverFor(ctx, provider)
	if err != nil {
		return err
	}
	return driver.Authenticate(ctx)
}

// cacheMachine converts a driver observation into a cache row.
func cacheMachine(providerID int64, m *cloudprovidertypes.Machine) *storage.Machine {
	row := &storage.Machine{
		ProviderID: providerID,
		ExternalID: m.ExternalID,
		Hostname:   m.Hostname,
		State:      string(m.State),
		PublicIPs:  m.PublicIPs,
		PrivateIPs: m.PrivateIPs,
		Size:       m.Size,
		Image:      m.Image,
		Tags:       m.Tags,
		Extra:      m.Extra,
		CreatedAt:  m.CreatedAt,
		UpdatedAt:  m.UpdatedAt,
	}
	if row.UpdatedAt.IsZero() {
		row.UpdatedAt = time.Now().UTC()
	}
	return row
}

// ListMachines lists from the provider and refreshes the cache.
func (o *Orchestrator) ListMachines(ctx context.Context, providerID int64) ([]storage.Machine, error) {
	driver, _, err := o.Driver(ctx, providerID)
	if err != nil {
		return nil, err
	}
	machines, err := driver.ListMachines(ctx, cloudprovidertypes.ListFilters{})
	if err != nil {
		return nil, err
	}
	rows := make([]storage.Machine, 0, len(machines))
	for i := range machines {
		row := cacheMachine(providerID, &machines[i])
		if err := o.store.UpsertMachine(ctx, row); err != nil {
			o.log.Errorw("failed to cache machine", "externalID", row.ExternalID, zap.Error(err))
		}
		rows = append(rows, *row)
	}
	return rows, nil
}

// GetMachine fetches one machine from the provider and refreshes the
// cache row.
func (o *Orchestrator) GetMachine(ctx context.Context, providerID int64, externalID string) (*storage.Machine, error) {
	driver, _, err := o.Driver(ctx, providerID)
	if err != nil {
		return nil, err
	}
	m, err := driver.GetMachine(ctx, externalID)
	if err != nil {
		return nil, err
	}
	row := cacheMachine(providerID, m)
	if err := o.store.UpsertMachine(ctx, row); err != nil {
		o.log.Errorw("failed to cache machine", "externalID", externalID, zap.Error(err))
	}
	return row, nil
}

// CreateMachine creates a machine and, when the provider is quick,
// waits inline for it to leave the pending state. The HTTP request is
// never held longer than the inline bound; slow providers return the
// transitional state and the client polls.
func (o *Orchestrator) CreateMachine(ctx context.Context, providerID int64, spec cloudprovidertypes.MachineSpec) (*storage.Machine, error) {
	driver, _, err := o.Driver(ctx, providerID)
	if err != nil {
		return nil, err
	}
	if spec.CloudInit != "" && !driver.SupportsCloudInit() {
		return nil, ErrCloudInitUnsupported
	}
	m, err := driver.CreateMachine(ctx, spec)
	if err != nil {
		return nil, err
	}
	if m.State == cloudprovidertypes.StatePending {
		waited, err := cloudprovidertypes.WaitForState(ctx, driver, m.ExternalID, cloudprovidertypes.StateRunning, o.maxInlineWait)
		if err == nil {
			m = waited
		} else if !errors.Is(err, cloudprovidertypes.ErrWaitTimeout) {
			o.log.Warnw("inline wait after create failed", "externalID", m.ExternalID, zap.Error(err))
		}
	}
	row := cacheMachine(providerID, m)
	if err := o.store.UpsertMachine(ctx, row); err != nil {
		o.log.Errorw("failed to cache created machine", "externalID", row.ExternalID, zap.Error(err))
	}
	return row, nil
}

// Lifecycle operations. Each refreshes the cache row afterwards so the
// API's next read reflects the transitional state.

func (o *Orchestrator) StartMachine(ctx context.Context, providerID int64, externalID string) error {
	return o.lifecycle(ctx, providerID, externalID, func(ctx context.Context, d cloudprovidertypes.Provider) error {
		return d.StartMachine(ctx, externalID)
	})
}

func (o *Orchestrator) StopMachine(ctx context.Context, providerID int64, externalID string) error {
	return o.lifecycle(ctx, providerID, externalID, func(ctx context.Context, d cloudprovidertypes.Provider) error {
		return d.StopMachine(ctx, externalID)
	})
}

func (o *Orchestrator) RebootMachine(ctx context.Context, providerID int64, externalID string) error {
	return o.lifecycle(ctx, providerID, externalID, func(ctx context.Context, d cloudprovidertypes.Provider) error {
		return d.RebootMachine(ctx, externalID)
	})
}

func (o *Orchestrator) DestroyMachine(ctx context.Context, providerID int64, externalID string) error {
	driver, _, err := o.Driver(ctx, providerID)
	if err != nil {
		return err
	}
	if err := driver.DestroyMachine(ctx, externalID); err != nil {
		return err
	}
	if err := o.store.MarkMachineState(ctx, providerID, externalID, string(cloudprovidertypes.StateTerminated)); err != nil {
		o.log.Errorw("failed to mark machine terminated", "externalID", externalID, zap.Error(err))
	}
	return nil
}

func (o *Orchestrator) lifecycle(ctx context.Context, providerID int64, externalID string, op func(context.Context, cloudprovidertypes.Provider) error) error {
	driver, _, err := o.Driver(ctx, providerID)
	if err != nil {
		return err
	}
	if err := op(ctx, driver); err != nil {
		return err
	}
	if m, err := driver.GetMachine(ctx, externalID); err == nil {
		if err := o.store.UpsertMachine(ctx, cacheMachine(providerID, m)); err != nil {
			o.log.Errorw("failed to refresh machine cache", "externalID", externalID, zap.Error(err))
		}
	}
	return nil
}

// GetConsoleOutput passes through to the driver.
func (o *Orchestrator) GetConsoleOutput(ctx context.Context, providerID int64, externalID string) (string, error) {
	driver, _, err := o.Driver(ctx, providerID)
	if err != nil {
		return "", err
	}
	return driver.GetConsoleOutput(ctx, externalID)
}

// Catalog passthroughs.

func (o *Orchestrator) ListImages(ctx context.Context, providerID int64) ([]cloudprovidertypes.Descriptor, error) {
	driver, _, err := o.Driver(ctx, providerID)
	if err != nil {
		return nil, err
	}
	return driver.ListImages(ctx, cloudprovidertypes.ListFilters{})
}

func (o *Orchestrator) ListSizes(ctx context.Context, providerID int64) ([]cloudprovidertypes.Descriptor, error) {
	driver, _, err := o.Driver(ctx, providerID)
	if err != nil {
		return nil, err
	}
	return driver.ListSizes(ctx, cloudprovidertypes.ListFilters{})
}

func (o *Orchestrator) ListRegions(ctx context.Context, providerID int64) ([]cloudprovidertypes.Descriptor, error) {
	driver, _, err := o.Driver(ctx, providerID)
	if err != nil {
		return nil, err
	}
	return driver.ListRegions(ctx)
}
