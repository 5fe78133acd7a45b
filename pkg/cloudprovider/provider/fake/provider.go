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

// Package fake implements an in-memory cloud driver for tests.
package fake

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	cloudprovidererrors "github.com/goughcloud/gough/pkg/cloudprovider/errors"
	cloudprovidertypes "github.com/goughcloud/gough/pkg/cloudprovider/types"
)

// Provider is an in-memory cloud. All mutations are immediate: created
// machines go straight to running. Tests can inject failures through
// FailNext and pre-seed inventory through Seed.
type Provider struct {
	log *zap.SugaredLogger

	mu       sync.Mutex
	machines map[string]*cloudprovidertypes.Machine

	// FailNext, when non-nil, is returned by the next mutating call and
	// then cleared.
	FailNext error
	// AuthErr, when non-nil, is returned by Authenticate.
	AuthErr error
	// NoCloudInit makes the fake behave like a provider without
	// user-data support.
	NoCloudInit bool
}

// New returns an empty fake cloud.
func New(log *zap.SugaredLogger) *Provider {
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	return &Provider{
		log:      log,
		machines: map[string]*cloudprovidertypes.Machine{},
	}
}

// Seed inserts a machine directly into the fake inventory.
func (p *Provider) Seed(m cloudprovidertypes.Machine) {
	p.mu.Lock()
	defer p.mu.Unlock()
	cp := m
	p.machines[m.ExternalID] = &cp
}

// Remove drops a machine from the fake inventory without any state
// bookkeeping, as if the provider lost it.
func (p *Provider) Remove(id string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.machines, id)
}

func (p *Provider) takeFailure() error {
	err := p.FailNext
	p.FailNext = nil
	return err
}

func (p *Provider) Authenticate(_ context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.AuthErr
}

func (p *Provider) ListMachines(_ context.Context, filters cloudprovidertypes.ListFilters) ([]cloudprovidertypes.Machine, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.takeFailure(); err != nil {
		return nil, err
	}
	var out []cloudprovidertypes.Machine
	for _, m := range p.machines {
		if filters.NamePrefix != "" && !strings.HasPrefix(m.Hostname, filters.NamePrefix) {
			continue
		}
		out = append(out, *m)
	}
	return out, nil
}

func (p *Provider) GetMachine(_ context.Context, id string) (*cloudprovidertypes.Machine, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.takeFailure(); err != nil {
		return nil, err
	}
	m, ok := p.machines[id]
	if !ok {
		return nil, &cloudprovidererrors.NotFoundError{ID: id}
	}
	cp := *m
	return &cp, nil
}

func (p *Provider) CreateMachine(_ context.Context, spec cloudprovidertypes.MachineSpec) (*cloudprovidertypes.Machine, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.takeFailure(); err != nil {
		return nil, err
	}
	for _, m := range p.machines {
		if m.Hostname == spec.Name {
			return nil, &cloudprovidererrors.CloudError{Code: "Duplicate", Message: fmt.Sprintf("machine %q already exists", spec.Name)}
		}
	}
	now := time.Now().UTC()
	m := &cloudprovidertypes.Machine{
		ExternalID: uuid.NewString(),
		Hostname:   spec.Name,
		State:      cloudprovidertypes.StateRunning,
		PublicIPs:  []string{"203.0.113.10"},
		PrivateIPs: []string{"10.0.0.10"},
		Size:       spec.Size,
		Image:      spec.Image,
		Tags:       spec.Tags,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	p.machines[m.ExternalID] = m
	cp := *m
	return &cp, nil
}

func (p *Provider) DestroyMachine(_ context.Context, id string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.takeFailure(); err != nil {
		return err
	}
	if _, ok := p.machines[id]; !ok {
		return &cloudprovidererrors.NotFoundError{ID: id}
	}
	delete(p.machines, id)
	return nil
}

func (p *Provider) setState(id string, s cloudprovidertypes.State) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.takeFailure(); err != nil {
		return err
	}
	m, ok := p.machines[id]
	if !ok {
		return &cloudprovidererrors.NotFoundError{ID: id}
	}
	m.State = s
	m.UpdatedAt = time.Now().UTC()
	return nil
}

func (p *Provider) StartMachine(_ context.Context, id string) error {
	return p.setState(id, cloudprovidertypes.StateRunning)
}

func (p *Provider) StopMachine(_ context.Context, id string) error {
	return p.setState(id, cloudprovidertypes.StateStopped)
}

func (p *Provider) RebootMachine(_ context.Context, id string) error {
	return p.setState(id, cloudprovidertypes.StateRunning)
}

func (p *Provider) ListImages(_ context.Context, _ cloudprovidertypes.ListFilters) ([]cloudprovidertypes.Descriptor, error) {
	return []cloudprovidertypes.Descriptor{{ID: "fake-ubuntu-22.04", Name: "Ubuntu 22.04"}}, nil
}

func (p *Provider) ListSizes(_ context.Context, _ cloudprovidertypes.ListFilters) ([]cloudprovidertypes.Descriptor, error) {
	return []cloudprovidertypes.Descriptor{{ID: "fake-small", Name: "1 vCPU / 2 GiB"}}, nil
}

func (p *Provider) ListRegions(_ context.Context) ([]cloudprovidertypes.Descriptor, error) {
	return []cloudprovidertypes.Descriptor{{ID: "fake-region-1", Name: "Fake Region 1"}}, nil
}

func (p *Provider) GetConsoleOutput(_ context.Context, id string) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, ok := p.machines[id]; !ok {
		return "", &cloudprovidererrors.NotFoundError{ID: id}
	}
	return "fake console output\n", nil
}

func (p *Provider) SupportsCloudInit() bool { return !p.NoCloudInit }
