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

// Package maas implements the cloud driver for bare-metal MaaS.
package maas

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	cloudprovidererrors "github.com/goughcloud/gough/pkg/cloudprovider/errors"
	maastypes "github.com/goughcloud/gough/pkg/cloudprovider/provider/maas/types"
	cloudprovidertypes "github.com/goughcloud/gough/pkg/cloudprovider/types"
	"github.com/goughcloud/gough/pkg/cloudprovider/util"
)

type provider struct {
	log    *zap.SugaredLogger
	client *client
}

// New returns a MaaS driver for the given endpoint and API key.
func New(log *zap.SugaredLogger, creds map[string]string, _ string) (cloudprovidertypes.Provider, error) {
	config, err := maastypes.FromCredentials(creds)
	if err != nil {
		return nil, fmt.Errorf("failed to parse maas credentials: %w", err)
	}
	return &provider{log: log, client: newClient(config)}, nil
}

// maasStates maps MaaS status names onto the unified enum. Deployed
// machines follow their power state.
var maasStates = map[string]cloudprovidertypes.State{
	"New":           cloudprovidertypes.StatePending,
	"Commissioning": cloudprovidertypes.StateCommissioning,
	"Testing":       cloudprovidertypes.StateCommissioning,
	"Ready":         cloudprovidertypes.StateReady,
	"Allocated":     cloudprovidertypes.StateAllocated,
	"Reserved":      cloudprovidertypes.StateAllocated,
	"Deploying":     cloudprovidertypes.StateDeploying,
	"Deployed":      cloudprovidertypes.StateRunning,
	"Releasing":     cloudprovidertypes.StatePending,
	"Disk erasing":  cloudprovidertypes.StatePending,
	"Broken":        cloudprovidertypes.StateError,
}

func mapState(statusName, powerState string) cloudprovidertypes.State {
	if strings.HasPrefix(statusName, "Failed") {
		return cloudprovidertypes.StateError
	}
	s, ok := maasStates[statusName]
	if !ok {
		return cloudprovidertypes.StateUnknown
	}
	if s == cloudprovidertypes.StateRunning && powerState == "off" {
		return cloudprovidertypes.StateStopped
	}
	return s
}

// mapError translates a MaaS API failure into the driver taxonomy.
func mapError(err error, id string) error {
	if err == nil {
		return nil
	}
	var apiErr *apiError
	if errors.As(err, &apiErr) {
		switch apiErr.StatusCode {
		case http.StatusUnauthorized, http.StatusForbidden:
			return &cloudprovidererrors.AuthError{Message: apiErr.Body, Err: err}
		case http.StatusNotFound:
			return &cloudprovidererrors.NotFoundError{ID: id}
		case http.StatusConflict:
			// MaaS answers 409 when allocate finds no matching machine.
			return &cloudprovidererrors.QuotaError{Message: apiErr.Body}
		}
		return &cloudprovidererrors.CloudError{Code: strconv.Itoa(apiErr.StatusCode), Message: apiErr.Body, Err: err}
	}
	return err
}

func machineToMachine(mm *machine) cloudprovidertypes.Machine {
	m := cloudprovidertypes.Machine{
		ExternalID: mm.SystemID,
		Hostname:   mm.Hostname,
		State:      mapState(mm.StatusName, mm.PowerState),
		Size:       fmt.Sprintf("%dc-%dm", mm.CPUCount, mm.Memory),
		Image:      strings.TrimSpace(mm.OSystem + "/" + mm.DistroSeries),
		Tags:       map[string]string{},
		Extra: map[string]string{
			"status_name": mm.StatusName,
			"power_state": mm.PowerState,
			"zone":        mm.Zone.Name,
		},
	}
	if m.Image == "/" {
		m.Image = ""
	}
	for _, t := range mm.TagNames {
		m.Tags[t] = ""
	}
	m.PublicIPs, m.PrivateIPs = util.ClassifyIPs(mm.IPAddresses)
	m.UpdatedAt = time.Now().UTC()
	return m
}

func (p *provider) Authenticate(ctx context.Context) error {
	var out json.RawMessage
	return mapError(p.client.do(ctx, http.MethodGet, "/users/?op=whoami", nil, &out), "")
}

func (p *provider) ListMachines(ctx context.Context, filters cloudprovidertypes.ListFilters) ([]cloudprovidertypes.Machine, error) {
	var raw []machine
	if err := p.client.do(ctx, http.MethodGet, "/machines/", nil, &raw); err != nil {
		return nil, mapError(err, "")
	}
	machines := make([]cloudprovidertypes.Machine, 0, len(raw))
	for i := range raw {
		m := machineToMachine(&raw[i])
		if filters.NamePrefix != "" && !strings.HasPrefix(m.Hostname, filters.NamePrefix) {
			continue
		}
		machines = append(machines, m)
	}
	return machines, nil
}

func (p *provider) GetMachine(ctx context.Context, id string) (*cloudprovidertypes.Machine, error) {
	var raw machine
	if err := p.client.do(ctx, http.MethodGet, "/machines/"+id+"/", nil, &raw); err != nil {
		return nil, mapError(err, id)
	}
	m := machineToMachine(&raw)
	return &m, nil
}

// CreateMachine is two-phase on MaaS: allocate a matching machine from
// the pool, then deploy it. A deploy failure releases the allocation so
// the machine returns to the pool.
func (p *provider) CreateMachine(ctx context.Context, spec cloudprovidertypes.MachineSpec) (*cloudprovidertypes.Machine, error) {
	if spec.Name == "" {
		return nil, errors.New("machine spec must carry a name")
	}

	allocParams := url.Values{}
	allocParams.Set("name", spec.Name)
	if spec.Zone != "" {
		allocParams.Set("zone", spec.Zone)
	}
	for tag := range spec.Tags {
		allocParams.Add("tags", tag)
	}
	if cpus := spec.Extra["cpu_count"]; cpus != "" {
		allocParams.Set("cpu_count", cpus)
	}
	if mem := spec.Extra["mem"]; mem != "" {
		allocParams.Set("mem", mem)
	}

	var allocated machine
	if err := p.client.do(ctx, http.MethodPost, "/machines/?op=allocate", allocParams, &allocated); err != nil {
		return nil, mapError(err, "")
	}
	p.log.Infow("allocated maas machine", "name", spec.Name, "systemID", allocated.SystemID)

	deployParams := url.Values{}
	if osystem := spec.Extra["osystem"]; osystem != "" {
		deployParams.Set("osystem", osystem)
	}
	if series := spec.Extra["distro_series"]; series != "" {
		deployParams.Set("distro_series", series)
	}
	if spec.CloudInit != "" {
		deployParams.Set("user_data", base64.StdEncoding.EncodeToString([]byte(spec.CloudInit)))
	}

	var deployed machine
	if err := p.client.do(ctx, http.MethodPost, "/machines/"+allocated.SystemID+"/?op=deploy", deployParams, &deployed); err != nil {
		p.log.Errorw("maas deploy failed, releasing machine", "systemID", allocated.SystemID, zap.Error(err))
		if relErr := p.client.do(ctx, http.MethodPost, "/machines/"+allocated.SystemID+"/?op=release", nil, nil); relErr != nil {
			p.log.Errorw("failed to release maas machine after deploy failure", "systemID", allocated.SystemID, zap.Error(relErr))
		}
		return nil, mapError(err, allocated.SystemID)
	}

	m := machineToMachine(&deployed)
	return &m, nil
}

// DestroyMachine releases the machine back to the pool. MaaS machines
// are physical inventory; deleting the resource record is an admin
// operation the control plane does not perform.
func (p *provider) DestroyMachine(ctx context.Context, id string) error {
	return mapError(p.client.do(ctx, http.MethodPost, "/machines/"+id+"/?op=release", nil, nil), id)
}

func (p *provider) StartMachine(ctx context.Context, id string) error {
	return mapError(p.client.do(ctx, http.MethodPost, "/machines/"+id+"/?op=power_on", nil, nil), id)
}

func (p *provider) StopMachine(ctx context.Context, id string) error {
	return mapError(p.client.do(ctx, http.MethodPost, "/machines/"+id+"/?op=power_off", nil, nil), id)
}

// RebootMachine is a soft power cycle. MaaS 2.0 has no restart op.
func (p *provider) RebootMachine(ctx context.Context, id string) error {
	if err := p.client.do(ctx, http.MethodPost, "/machines/"+id+"/?op=power_off", nil, nil); err != nil {
		return mapError(err, id)
	}
	return mapError(p.client.do(ctx, http.MethodPost, "/machines/"+id+"/?op=power_on", nil, nil), id)
}

func (p *provider) ListImages(ctx context.Context, filters cloudprovidertypes.ListFilters) ([]cloudprovidertypes.Descriptor, error) {
	var resources []bootResource
	if err := p.client.do(ctx, http.MethodGet, "/boot-resources/", nil, &resources); err != nil {
		return nil, mapError(err, "")
	}
	var descriptors []cloudprovidertypes.Descriptor
	for _, r := range resources {
		if filters.NamePrefix != "" && !strings.HasPrefix(r.Name, filters.NamePrefix) {
			continue
		}
		descriptors = append(descriptors, cloudprovidertypes.Descriptor{
			ID:    strconv.Itoa(r.ID),
			Name:  r.Name,
			Extra: map[string]string{"architecture": r.Architecture, "type": r.Type},
		})
	}
	return descriptors, nil
}

// ListSizes returns nothing: MaaS has no size catalog, capacity is
// whatever hardware is enlisted.
func (p *provider) ListSizes(_ context.Context, _ cloudprovidertypes.ListFilters) ([]cloudprovidertypes.Descriptor, error) {
	return nil, nil
}

func (p *provider) ListRegions(ctx context.Context) ([]cloudprovidertypes.Descriptor, error) {
	var zones []zone
	if err := p.client.do(ctx, http.MethodGet, "/zones/", nil, &zones); err != nil {
		return nil, mapError(err, "")
	}
	descriptors := make([]cloudprovidertypes.Descriptor, 0, len(zones))
	for _, z := range zones {
		descriptors = append(descriptors, cloudprovidertypes.Descriptor{ID: z.Name, Name: z.Description})
	}
	return descriptors, nil
}

// GetConsoleOutput returns the installation log when one exists.
func (p *provider) GetConsoleOutput(ctx context.Context, id string) (string, error) {
	var results []struct {
		Name   string `json:"name"`
		Output string `json:"data"`
	}
	if err := p.client.do(ctx, http.MethodGet, "/nodes/"+id+"/results/", nil, &results); err != nil {
		// Not every MaaS build exposes node results; an empty console is
		// acceptable here.
		return "", nil
	}
	for _, r := range results {
		if r.Name == "/tmp/install.log" {
			decoded, err := base64.StdEncoding.DecodeString(r.Output)
			if err == nil {
				return string(decoded), nil
			}
		}
	}
	return "", nil
}

func (p *provider) SupportsCloudInit() bool { return true }
