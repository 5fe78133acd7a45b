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

// Package types holds the cloud driver contract: the Provider interface
// every backend implements, the unified Machine and State model, and the
// shared wait-for-state polling loop.
package types

import (
	"context"
	"errors"
	"fmt"
	"time"

	cloudprovidererrors "github.com/goughcloud/gough/pkg/cloudprovider/errors"
)

// State is the unified machine lifecycle state. Each driver owns a static
// map from its native state space into this enum; the control plane never
// invents transitions.
type State string

const (
	StatePending    State = "pending"
	StateRunning    State = "running"
	StateStopped    State = "stopped"
	StateTerminated State = "terminated"
	StateError      State = "error"
	StateUnknown    State = "unknown"

	// MaaS-specific states. Other providers map only to the six above.
	StateCommissioning State = "commissioning"
	StateDeploying     State = "deploying"
	StateReady         State = "ready"
	StateAllocated     State = "allocated"
)

// AllStates lists every valid State value.
var AllStates = []State{
	StatePending, StateRunning, StateStopped, StateTerminated,
	StateError, StateUnknown,
	StateCommissioning, StateDeploying, StateReady, StateAllocated,
}

// Machine is the provider-neutral view of a compute instance. ExternalID
// is the provider's own identifier and, together with the provider row,
// forms the natural key of the inventory cache.
type Machine struct {
	ExternalID string            `json:"external_id"`
	Hostname   string            `json:"hostname"`
	State      State             `json:"state"`
	PublicIPs  []string          `json:"public_ips"`
	PrivateIPs []string          `json:"private_ips"`
	Size       string            `json:"size"`
	Image      string            `json:"image"`
	Tags       map[string]string `json:"tags"`
	Extra      map[string]string `json:"extra"`
	CreatedAt  time.Time         `json:"created_at"`
	UpdatedAt  time.Time         `json:"updated_at"`
}

// MachineSpec describes the machine a caller wants created. Fields a
// provider does not support are validated away by that driver.
type MachineSpec struct {
	Name      string            `json:"name"`
	Size      string            `json:"size"`
	Image     string            `json:"image"`
	Region    string            `json:"region"`
	Zone      string            `json:"zone,omitempty"`
	SSHKeys   []string          `json:"ssh_keys,omitempty"`
	Tags      map[string]string `json:"tags,omitempty"`
	CloudInit string            `json:"cloud_init,omitempty"`

	// Networking knobs. Not every provider honors every field.
	SubnetID          string   `json:"subnet_id,omitempty"`
	SecurityGroups    []string `json:"security_groups,omitempty"`
	AssociatePublicIP bool     `json:"associate_public_ip,omitempty"`

	// Extra carries provider-specific settings (MaaS osystem and
	// distro_series, LXD profiles, GCP service account, ...).
	Extra map[string]string `json:"extra,omitempty"`
}

// Descriptor is a catalog entry: an image, a size or a region.
type Descriptor struct {
	ID    string            `json:"id"`
	Name  string            `json:"name"`
	Extra map[string]string `json:"extra,omitempty"`
}

// ListFilters narrows ListMachines, ListImages and ListSizes results.
// Zero values match everything.
type ListFilters struct {
	NamePrefix string
	Tags       map[string]string
}

// Provider is the driver contract. Implementations must be safe for
// concurrent use for read operations; CreateMachine callers serialize
// per-name in the orchestrator.
type Provider interface {
	// Authenticate verifies credentials against the backend. It is
	// idempotent and called lazily on first use and once more after an
	// AuthError before the failure is surfaced.
	Authenticate(ctx context.Context) error

	// ListMachines returns all machines visible to the credentials,
	// fully depaginated.
	ListMachines(ctx context.Context, filters ListFilters) ([]Machine, error)

	// GetMachine returns the machine with the given provider ID or an
	// error wrapping cloudprovidererrors.ErrMachineNotFound.
	GetMachine(ctx context.Context, id string) (*Machine, error)

	// CreateMachine provisions a new machine. It blocks until the
	// provider returns an object reference, not until the machine runs.
	CreateMachine(ctx context.Context, spec MachineSpec) (*Machine, error)

	// DestroyMachine removes the machine permanently.
	DestroyMachine(ctx context.Context, id string) error

	StartMachine(ctx context.Context, id string) error
	StopMachine(ctx context.Context, id string) error
	RebootMachine(ctx context.Context, id string) error

	ListImages(ctx context.Context, filters ListFilters) ([]Descriptor, error)
	ListSizes(ctx context.Context, filters ListFilters) ([]Descriptor, error)
	ListRegions(ctx context.Context) ([]Descriptor, error)

	// GetConsoleOutput returns the serial console of the machine, or ""
	// on providers without this feature.
	GetConsoleOutput(ctx context.Context, id string) (string, error)

	// SupportsCloudInit reports whether CreateMachine accepts a
	// non-empty MachineSpec.CloudInit.
	SupportsCloudInit() bool
}

// ErrWaitTimeout is returned by WaitForState when the machine did not
// reach the target state within the given timeout.
var ErrWaitTimeout = errors.New("timed out waiting for machine state")

// ErrErrorState is returned by WaitForState when the machine entered the
// error state while a different target was awaited.
var ErrErrorState = errors.New("machine entered error state")

const minWaitInterval = time.Second

// WaitForState polls GetMachine until the machine reports target, the
// timeout elapses, or the machine lands in StateError. The poll interval
// starts at one second and backs off by half-steps up to ten seconds.
func WaitForState(ctx context.Context, p Provider, id string, target State, timeout time.Duration) (*Machine, error) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	interval := minWaitInterval
	ticker := time.NewTimer(0)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("%w: %s did not reach %q within %s", ErrWaitTimeout, id, target, timeout)
		case <-ticker.C:
		}

		machine, err := p.GetMachine(ctx, id)
		if err != nil {
			if cloudprovidererrors.IsNotFound(err) && target == StateTerminated {
				return &Machine{ExternalID: id, State: StateTerminated}, nil
			}
			return nil, err
		}
		if machine.State == target {
			return machine, nil
		}
		if machine.State == StateError && target != StateError {
			return machine, fmt.Errorf("%w: machine %s", ErrErrorState, id)
		}

		interval += interval / 2
		if interval > 10*time.Second {
			interval = 10 * time.Second
		}
		ticker.Reset(interval)
	}
}
