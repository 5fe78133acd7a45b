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
	"crypto/rand"
	"encoding/base64"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	cloudprovidererrors "github.com/goughcloud/gough/pkg/cloudprovider/errors"
	"github.com/goughcloud/gough/pkg/cloudprovider/provider/fake"
	cloudprovidertypes "github.com/goughcloud/gough/pkg/cloudprovider/types"
	"github.com/goughcloud/gough/pkg/secrets"
	"github.com/goughcloud/gough/pkg/storage"
)

type fixture struct {
	orch     *Orchestrator
	store    *storage.Store
	provider *storage.CloudProvider
	driver   *fake.Provider
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	ctx := context.Background()
	log := zap.NewNop().Sugar()

	store, err := storage.New(log, storage.Config{Driver: storage.DriverSQLite, DSN: ":memory:"})
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	key := make([]byte, 32)
	_, err = rand.Read(key)
	require.NoError(t, err)
	sec, err := secrets.New(ctx, log, secrets.Config{
		Backend:       secrets.BackendEncryptedDB,
		EncryptionKey: base64.StdEncoding.EncodeToString(key),
	}, store)
	require.NoError(t, err)

	provider := &storage.CloudProvider{
		Name:           "lab",
		Type:           "fake",
		Region:         "fake-region-1",
		CredentialsRef: "providers/lab",
		Active:         true,
	}
	require.NoError(t, sec.Put(ctx, provider.CredentialsRef, map[string]string{"token": "t"}))
	require.NoError(t, store.CreateProvider(ctx, provider))

	orch := New(log, store, sec, time.Minute, time.Second)

	// Resolve the pooled driver once so tests can seed it directly.
	driver, _, err := orch.Driver(ctx, provider.ID)
	require.NoError(t, err)

	return &fixture{orch: orch, store: store, provider: provider, driver: driver.(*fake.Provider)}
}

func TestCreateMachineWritesThrough(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	row, err := f.orch.CreateMachine(ctx, f.provider.ID, cloudprovidertypes.MachineSpec{
		Name:  "web-1",
		Size:  "fake-small",
		Image: "fake-ubuntu-22.04",
	})
	require.NoError(t, err)
	assert.Equal(t, string(cloudprovidertypes.StateRunning), row.State)
	assert.NotEmpty(t, row.ExternalID)

	cached, err := f.store.GetMachineByExternalID(ctx, f.provider.ID, row.ExternalID)
	require.NoError(t, err)
	assert.Equal(t, "web-1", cached.Hostname)
	assert.Equal(t, []string{"203.0.113.10"}, []string(cached.PublicIPs))
}

func TestCreateMachineRejectsCloudInitWhenUnsupported(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.driver.NoCloudInit = true

	_, err := f.orch.CreateMachine(ctx, f.provider.ID, cloudprovidertypes.MachineSpec{
		Name:      "web-1",
		CloudInit: "#cloud-config\npackages: [nginx]\n",
	})
	assert.ErrorIs(t, err, ErrCloudInitUnsupported)

	// Without user data the same provider provisions fine.
	_, err = f.orch.CreateMachine(ctx, f.provider.ID, cloudprovidertypes.MachineSpec{Name: "web-1"})
	require.NoError(t, err)
}

func TestListMachinesRefreshesCache(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	f.driver.Seed(cloudprovidertypes.Machine{ExternalID: "m-1", Hostname: "a", State: cloudprovidertypes.StateRunning})
	f.driver.Seed(cloudprovidertypes.Machine{ExternalID: "m-2", Hostname: "b", State: cloudprovidertypes.StateStopped})

	rows, err := f.orch.ListMachines(ctx, f.provider.ID)
	require.NoError(t, err)
	assert.Len(t, rows, 2)

	cached, err := f.store.ListMachines(ctx, f.provider.ID)
	require.NoError(t, err)
	assert.Len(t, cached, 2)
}

func TestLifecycleRefreshesCachedState(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	row, err := f.orch.CreateMachine(ctx, f.provider.ID, cloudprovidertypes.MachineSpec{Name: "db-1"})
	require.NoError(t, err)

	require.NoError(t, f.orch.StopMachine(ctx, f.provider.ID, row.ExternalID))
	cached, err := f.store.GetMachineByExternalID(ctx, f.provider.ID, row.ExternalID)
	require.NoError(t, err)
	assert.Equal(t, string(cloudprovidertypes.StateStopped), cached.State)

	require.NoError(t, f.orch.StartMachine(ctx, f.provider.ID, row.ExternalID))
	cached, err = f.store.GetMachineByExternalID(ctx, f.provider.ID, row.ExternalID)
	require.NoError(t, err)
	assert.Equal(t, string(cloudprovidertypes.StateRunning), cached.State)
}

func TestDestroyMarksTerminated(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	row, err := f.orch.CreateMachine(ctx, f.provider.ID, cloudprovidertypes.MachineSpec{Name: "tmp-1"})
	require.NoError(t, err)

	require.NoError(t, f.orch.DestroyMachine(ctx, f.provider.ID, row.ExternalID))

	// The provider forgot the machine; the cache keeps it as history.
	_, err = f.driver.GetMachine(ctx, row.ExternalID)
	assert.True(t, cloudprovidererrors.IsNotFound(err))

	cached, err := f.store.GetMachineByExternalID(ctx, f.provider.ID, row.ExternalID)
	require.NoError(t, err)
	assert.Equal(t, string(cloudprovidertypes.StateTerminated), cached.State)
}

func TestSyncProviderReconciles(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	f.driver.Seed(cloudprovidertypes.Machine{ExternalID: "m-1", Hostname: "a", State: cloudprovidertypes.StateRunning})
	f.driver.Seed(cloudprovidertypes.Machine{ExternalID: "m-2", Hostname: "b", State: cloudprovidertypes.StateRunning})
	f.orch.syncProvider(ctx, f.provider)

	cached, err := f.store.ListMachines(ctx, f.provider.ID)
	require.NoError(t, err)
	require.Len(t, cached, 2)

	// Drop one machine on the provider side; the next pass flags it
	// terminated without deleting the row.
	f.driver.Remove("m-2")
	f.orch.syncProvider(ctx, f.provider)

	gone, err := f.store.GetMachineByExternalID(ctx, f.provider.ID, "m-2")
	require.NoError(t, err)
	assert.Equal(t, string(cloudprovidertypes.StateTerminated), gone.State)

	kept, err := f.store.GetMachineByExternalID(ctx, f.provider.ID, "m-1")
	require.NoError(t, err)
	assert.Equal(t, string(cloudprovidertypes.StateRunning), kept.State)

	p, err := f.store.GetProvider(ctx, f.provider.ID)
	require.NoError(t, err)
	assert.NotNil(t, p.LastSyncAt)
}

func TestSyncProviderSkipsOnListFailure(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	f.driver.Seed(cloudprovidertypes.Machine{ExternalID: "m-1", Hostname: "a", State: cloudprovidertypes.StateRunning})
	f.orch.syncProvider(ctx, f.provider)

	f.driver.FailNext = &cloudprovidererrors.CloudError{Code: "Throttled", Message: "slow down"}
	f.orch.syncProvider(ctx, f.provider)

	// The failed cycle must not mark anything terminated.
	kept, err := f.store.GetMachineByExternalID(ctx, f.provider.ID, "m-1")
	require.NoError(t, err)
	assert.Equal(t, string(cloudprovidertypes.StateRunning), kept.State)
}

func TestSyncOneRefreshesSingleMachine(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	f.driver.Seed(cloudprovidertypes.Machine{ExternalID: "m-1", Hostname: "a", State: cloudprovidertypes.StateStopped})
	require.NoError(t, f.orch.SyncOne(ctx, f.provider.ID, "m-1"))

	cached, err := f.store.GetMachineByExternalID(ctx, f.provider.ID, "m-1")
	require.NoError(t, err)
	assert.Equal(t, string(cloudprovidertypes.StateStopped), cached.State)
}

func TestInvalidateDriverRebuilds(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	f.orch.InvalidateDriver(f.provider.ID)
	rebuilt, _, err := f.orch.Driver(ctx, f.provider.ID)
	require.NoError(t, err)
	assert.NotSame(t, f.driver, rebuilt.(*fake.Provider))
}

func TestVerifyCredentials(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	require.NoError(t, f.orch.VerifyCredentials(ctx, f.provider))

	missing := &storage.CloudProvider{ID: 99, Name: "ghost", Type: "fake", CredentialsRef: "providers/ghost"}
	assert.Error(t, f.orch.VerifyCredentials(ctx, missing), "missing credentials must fail verification")
}
