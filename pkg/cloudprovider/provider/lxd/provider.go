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

// Package lxd implements the cloud driver for LXD containers and VMs.
package lxd

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"go.uber.org/zap"

	cloudprovidererrors "github.com/goughcloud/gough/pkg/cloudprovider/errors"
	lxdtypes "github.com/goughcloud/gough/pkg/cloudprovider/provider/lxd/types"
	cloudprovidertypes "github.com/goughcloud/gough/pkg/cloudprovider/types"
	"github.com/goughcloud/gough/pkg/cloudprovider/util"
)

type provider struct {
	log    *zap.SugaredLogger
	client *client
}

// New returns an LXD driver for the given endpoint and client cert.
func New(log *zap.SugaredLogger, creds map[string]string, _ string) (cloudprovidertypes.Provider, error) {
	config, err := lxdtypes.FromCredentials(creds)
	if err != nil {
		return nil, fmt.Errorf("failed to parse lxd credentials: %w", err)
	}
	return &provider{log: log, client: newLXDClient(config)}, nil
}

// lxdStates maps LXD instance statuses onto the unified enum.
var lxdStates = map[string]cloudprovidertypes.State{
	"Running":  cloudprovidertypes.StateRunning,
	"Stopped":  cloudprovidertypes.StateStopped,
	"Frozen":   cloudprovidertypes.StateStopped,
	"Starting": cloudprovidertypes.StatePending,
	"Stopping": cloudprovidertypes.StatePending,
	"Aborting": cloudprovidertypes.StateError,
	"Error":    cloudprovidertypes.StateError,
}

func mapState(status string) cloudprovidertypes.State {
	if s, ok := lxdStates[status]; ok {
		return s
	}
	return cloudprovidertypes.StateUnknown
}

func mapError(err error, id string) error {
	if err == nil {
		return nil
	}
	var apiErr *apiError
	if errors.As(err, &apiErr) {
		switch apiErr.StatusCode {
		case http.StatusUnauthorized, http.StatusForbidden:
			return &cloudprovidererrors.AuthError{Message: apiErr.Message, Err: err}
		case http.StatusNotFound:
			return &cloudprovidererrors.NotFoundError{ID: id}
		}
		return &cloudprovidererrors.CloudError{Code: strconv.Itoa(apiErr.StatusCode), Message: apiErr.Message, Err: err}
	}
	return err
}

func instanceToMachine(inst *instance) cloudprovidertypes.Machine {
	m := cloudprovidertypes.Machine{
		ExternalID: inst.Name,
		Hostname:   inst.Name,
		State:      mapState(inst.Status),
		Size:       strings.Join(inst.Profiles, ","),
		Image:      inst.Config["image.description"],
		Tags:       map[string]string{},
		Extra: map[string]string{
			"type":         inst.Type,
			"architecture": inst.Architecture,
		},
		CreatedAt: inst.CreatedAt,
	}
	for k, v := range inst.Config {
		if strings.HasPrefix(k, "user.tag.") {
			m.Tags[strings.TrimPrefix(k, "user.tag.")] = v
		}
	}
	if inst.State != nil {
		m.State = mapState(inst.State.Status)
		var addrs []string
		for name, network := range inst.State.Network {
			if name == "lo" {
				continue
			}
			for _, a := range network.Addresses {
				if a.Scope == "global" {
					addrs = append(addrs, a.Address)
				}
			}
		}
		m.PublicIPs, m.PrivateIPs = util.ClassifyIPs(addrs)
	}
	return m
}

func (p *provider) Authenticate(ctx context.Context) error {
	var info struct {
		Auth string `json:"auth"`
	}
	if _, err := p.client.do(ctx, http.MethodGet, "/1.0", nil, &info); err != nil {
		return mapError(err, "")
	}
	if info.Auth != "trusted" {
		return &cloudprovidererrors.AuthError{Message: "client certificate is not trusted by the lxd daemon"}
	}
	return nil
}

func (p *provider) ListMachines(ctx context.Context, filters cloudprovidertypes.ListFilters) ([]cloudprovidertypes.Machine, error) {
	var raw []instance
	if _, err := p.client.do(ctx, http.MethodGet, "/1.0/instances?recursion=2", nil, &raw); err != nil {
		return nil, mapError(err, "")
	}
	machines := make([]cloudprovidertypes.Machine, 0, len(raw))
	for i := range raw {
		m := instanceToMachine(&raw[i])
		if filters.NamePrefix != "" && !strings.HasPrefix(m.Hostname, filters.NamePrefix) {
			continue
		}
		machines = append(machines, m)
	}
	return machines, nil
}

func (p *provider) GetMachine(ctx context.Context, id string) (*cloudprovidertypes.Machine, error) {
	var inst instance
	if _, err := p.client.do(ctx, http.MethodGet, "/1.0/instances/"+id, nil, &inst); err != nil {
		return nil, mapError(err, id)
	}
	var state instanceState
	if _, err := p.client.do(ctx, http.MethodGet, "/1.0/instances/"+id+"/state", nil, &state); err == nil {
		inst.State = &state
	}
	m := instanceToMachine(&inst)
	return &m, nil
}

func (p *provider) CreateMachine(ctx context.Context, spec cloudprovidertypes.MachineSpec) (*cloudprovidertypes.Machine, error) {
	if spec.Name == "" || spec.Image == "" {
		return nil, errors.New("machine spec must carry name and image")
	}

	config := map[string]string{}
	if spec.CloudInit != "" {
		config["user.user-data"] = spec.CloudInit
	}
	for k, v := range spec.Tags {
		config["user.tag."+k] = v
	}

	instanceType := spec.Extra["type"]
	if instanceType == "" {
		instanceType = "container"
	}
	profiles := []string{"default"}
	if spec.Size != "" {
		profiles = strings.Split(spec.Size, ",")
	}

	body := map[string]any{
		"name":     spec.Name,
		"type":     instanceType,
		"profiles": profiles,
		"config":   config,
		"source": map[string]string{
			"type":  "image",
			"alias": spec.Image,
		},
	}

	operation, err := p.client.do(ctx, http.MethodPost, "/1.0/instances", body, nil)
	if err != nil {
		return nil, mapError(err, spec.Name)
	}
	if err := p.client.waitOperation(ctx, operation); err != nil {
		return nil, mapError(err, spec.Name)
	}
	p.log.Infow("created lxd instance", "name", spec.Name, "type", instanceType)

	if err := p.startInstance(ctx, spec.Name); err != nil {
		p.log.Errorw("failed to start lxd instance after create", "name", spec.Name, zap.Error(err))
	}
	return p.GetMachine(ctx, spec.Name)
}

func (p *provider) changeState(ctx context.Context, id, action string) error {
	body := map[string]any{"action": action, "timeout": 30}
	operation, err := p.client.do(ctx, http.MethodPut, "/1.0/instances/"+id+"/state", body, nil)
	if err != nil {
		return mapError(err, id)
	}
	return mapError(p.client.waitOperation(ctx, operation), id)
}

func (p *provider) startInstance(ctx context.Context, id string) error {
	return p.changeState(ctx, id, "start")
}

func (p *provider) DestroyMachine(ctx context.Context, id string) error {
	// A running instance cannot be deleted; stop it first and tolerate
	// the already-stopped error.
	if err := p.changeState(ctx, id, "stop"); err != nil && !cloudprovidererrors.IsNotFound(err) {
		p.log.Debugw("stop before delete failed", "instance", id, zap.Error(err))
	}
	operation, err := p.client.do(ctx, http.MethodDelete, "/1.0/instances/"+id, nil, nil)
	if err != nil {
		return mapError(err, id)
	}
	return mapError(p.client.waitOperation(ctx, operation), id)
}

func (p *provider) StartMachine(ctx context.Context, id string) error {
	return p.changeState(ctx, id, "start")
}

func (p *provider) StopMachine(ctx context.Context, id string) error {
	return p.changeState(ctx, id, "stop")
}

func (p *provider) RebootMachine(ctx context.Context, id string) error {
	return p.changeState(ctx, id, "restart")
}

func (p *provider) ListImages(ctx context.Context, filters cloudprovidertypes.ListFilters) ([]cloudprovidertypes.Descriptor, error) {
	var images []image
	if _, err := p.client.do(ctx, http.MethodGet, "/1.0/images?recursion=1", nil, &images); err != nil {
		return nil, mapError(err, "")
	}
	var descriptors []cloudprovidertypes.Descriptor
	for _, img := range images {
		name := img.Properties["description"]
		if len(img.Aliases) > 0 {
			name = img.Aliases[0].Name
		}
		if filters.NamePrefix != "" && !strings.HasPrefix(name, filters.NamePrefix) {
			continue
		}
		descriptors = append(descriptors, cloudprovidertypes.Descriptor{
			ID:   img.Fingerprint,
			Name: name,
		})
	}
	return descriptors, nil
}

// ListSizes returns the profiles; LXD sizes instances by profile.
func (p *provider) ListSizes(ctx context.Context, filters cloudprovidertypes.ListFilters) ([]cloudprovidertypes.Descriptor, error) {
	var profiles []profile
	if _, err := p.client.do(ctx, http.MethodGet, "/1.0/profiles?recursion=1", nil, &profiles); err != nil {
		return nil, mapError(err, "")
	}
	var descriptors []cloudprovidertypes.Descriptor
	for _, pr := range profiles {
		if filters.NamePrefix != "" && !strings.HasPrefix(pr.Name, filters.NamePrefix) {
			continue
		}
		descriptors = append(descriptors, cloudprovidertypes.Descriptor{ID: pr.Name, Name: pr.Description})
	}
	return descriptors, nil
}

// ListRegions returns the cluster members, or a single "local" entry on
// unclustered daemons.
func (p *provider) ListRegions(ctx context.Context) ([]cloudprovidertypes.Descriptor, error) {
	var members []clusterMember
	if _, err := p.client.do(ctx, http.MethodGet, "/1.0/cluster/members?recursion=1", nil, &members); err != nil || len(members) == 0 {
		return []cloudprovidertypes.Descriptor{{ID: "local", Name: "local"}}, nil
	}
	descriptors := make([]cloudprovidertypes.Descriptor, 0, len(members))
	for _, member := range members {
		descriptors = append(descriptors, cloudprovidertypes.Descriptor{
			ID:    member.ServerName,
			Name:  member.ServerName,
			Extra: map[string]string{"status": member.Status},
		})
	}
	return descriptors, nil
}

func (p *provider) GetConsoleOutput(ctx context.Context, id string) (string, error) {
	var log string
	if _, err := p.client.do(ctx, http.MethodGet, "/1.0/instances/"+id+"/console", nil, &log); err != nil {
		return "", nil
	}
	return log, nil
}

func (p *provider) SupportsCloudInit() bool { return true }
