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

// Package vultr implements the cloud driver for Vultr cloud compute.
package vultr

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/vultr/govultr/v3"
	"go.uber.org/zap"
	"golang.org/x/oauth2"

	cloudprovidererrors "github.com/goughcloud/gough/pkg/cloudprovider/errors"
	vultrtypes "github.com/goughcloud/gough/pkg/cloudprovider/provider/vultr/types"
	cloudprovidertypes "github.com/goughcloud/gough/pkg/cloudprovider/types"
	"github.com/goughcloud/gough/pkg/cloudprovider/util"
)

type provider struct {
	log    *zap.SugaredLogger
	config *vultrtypes.Config
	client *govultr.Client
}

// New returns a Vultr driver for the given API key.
func New(log *zap.SugaredLogger, creds map[string]string, region string) (cloudprovidertypes.Provider, error) {
	config, err := vultrtypes.FromCredentials(creds, region)
	if err != nil {
		return nil, fmt.Errorf("failed to parse vultr credentials: %w", err)
	}

	oauthConfig := &oauth2.Config{}
	ts := oauthConfig.TokenSource(context.Background(), &oauth2.Token{AccessToken: config.APIKey})
	client := govultr.NewClient(oauth2.NewClient(context.Background(), ts))

	return &provider{log: log, config: config, client: client}, nil
}

// mapError translates a govultr failure into the driver taxonomy using
// the HTTP status of the failed call.
func mapError(statusCode int, err error, id string) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return &cloudprovidererrors.CloudError{Message: err.Error(), Timeout: true, Err: err}
	}
	switch statusCode {
	case http.StatusUnauthorized, http.StatusForbidden:
		return &cloudprovidererrors.AuthError{Message: err.Error(), Err: err}
	case http.StatusNotFound:
		return &cloudprovidererrors.NotFoundError{ID: id}
	case http.StatusTooManyRequests, http.StatusPaymentRequired:
		return &cloudprovidererrors.QuotaError{Message: err.Error()}
	}
	return &cloudprovidererrors.CloudError{Code: strconv.Itoa(statusCode), Message: err.Error(), Err: err}
}

func respStatus(resp *http.Response) int {
	if resp == nil {
		return 0
	}
	return resp.StatusCode
}

// mapState folds the instance status and power status into the unified
// enum: active instances follow their power state, suspended and locked
// count as stopped.
func mapState(status, powerStatus string) cloudprovidertypes.State {
	switch status {
	case "pending":
		return cloudprovidertypes.StatePending
	case "resizing":
		return cloudprovidertypes.StatePending
	case "suspended", "locked":
		return cloudprovidertypes.StateStopped
	case "active":
		switch powerStatus {
		case "running":
			return cloudprovidertypes.StateRunning
		case "stopped":
			return cloudprovidertypes.StateStopped
		}
		return cloudprovidertypes.StateUnknown
	}
	return cloudprovidertypes.StateUnknown
}

func instanceToMachine(i *govultr.Instance) cloudprovidertypes.Machine {
	m := cloudprovidertypes.Machine{
		ExternalID: i.ID,
		Hostname:   i.Label,
		State:      mapState(i.Status, i.PowerStatus),
		Size:       i.Plan,
		Image:      strconv.Itoa(i.OsID),
		Tags:       map[string]string{},
		Extra: map[string]string{
			"region":        i.Region,
			"os":            i.Os,
			"server_status": i.ServerStatus,
		},
	}
	if i.Hostname != "" {
		m.Hostname = i.Hostname
	}
	for _, t := range i.Tags {
		m.Tags[t] = ""
	}
	if created, err := time.Parse(time.RFC3339, i.DateCreated); err == nil {
		m.CreatedAt = created
	}
	m.UpdatedAt = time.Now().UTC()
	m.PublicIPs, m.PrivateIPs = util.ClassifyIPs([]string{i.MainIP, i.InternalIP, i.V6MainIP})
	return m
}

func (p *provider) Authenticate(ctx context.Context) error {
	account, resp, err := p.client.Account.Get(ctx)
	if err != nil {
		return mapError(respStatus(resp), err, "")
	}
	resp.Body.Close()
	if account == nil {
		return &cloudprovidererrors.AuthError{Message: "account lookup returned nothing"}
	}
	return nil
}

func (p *provider) ListMachines(ctx context.Context, filters cloudprovidertypes.ListFilters) ([]cloudprovidertypes.Machine, error) {
	var machines []cloudprovidertypes.Machine
	options := &govultr.ListOptions{PerPage: 100}
	for {
		instances, meta, resp, err := p.client.Instance.List(ctx, options)
		if err != nil {
			return nil, mapError(respStatus(resp), err, "")
		}
		resp.Body.Close()
		for i := range instances {
			m := instanceToMachine(&instances[i])
			if filters.NamePrefix != "" && !strings.HasPrefix(m.Hostname, filters.NamePrefix) {
				continue
			}
			machines = append(machines, m)
		}
		if meta == nil || meta.Links == nil || meta.Links.Next == "" {
			break
		}
		options.Cursor = meta.Links.Next
	}
	return machines, nil
}

func (p *provider) GetMachine(ctx context.Context, id string) (*cloudprovidertypes.Machine, error) {
	inst, resp, err := p.client.Instance.Get(ctx, id)
	if err != nil {
		return nil, mapError(respStatus(resp), err, id)
	}
	resp.Body.Close()
	m := instanceToMachine(inst)
	return &m, nil
}

func (p *provider) CreateMachine(ctx context.Context, spec cloudprovidertypes.MachineSpec) (*cloudprovidertypes.Machine, error) {
	if spec.Name == "" || spec.Size == "" || spec.Image == "" {
		return nil, errors.New("machine spec must carry name, size and image")
	}
	osID, err := strconv.Atoi(spec.Image)
	if err != nil {
		return nil, fmt.Errorf("vultr image must be a numeric os_id, got %q", spec.Image)
	}
	region := spec.Region
	if region == "" {
		region = p.config.Region
	}

	tags := util.SortedKeys(spec.Tags)
	req := &govultr.InstanceCreateReq{
		Region:   region,
		Plan:     spec.Size,
		OsID:     osID,
		Label:    spec.Name,
		Hostname: spec.Name,
		Tags:     tags,
	}
	if spec.CloudInit != "" {
		req.UserData = base64.StdEncoding.EncodeToString([]byte(spec.CloudInit))
	}
	if len(spec.SSHKeys) > 0 {
		req.SSHKeys = spec.SSHKeys
	}

	inst, resp, err := p.client.Instance.Create(ctx, req)
	if err != nil {
		return nil, mapError(respStatus(resp), err, "")
	}
	resp.Body.Close()
	p.log.Infow("created vultr instance", "name", spec.Name, "instance", inst.ID)
	m := instanceToMachine(inst)
	return &m, nil
}

func (p *provider) DestroyMachine(ctx context.Context, id string) error {
	err := p.client.Instance.Delete(ctx, id)
	if err != nil {
		if strings.Contains(err.Error(), "not found") {
			return &cloudprovidererrors.NotFoundError{ID: id}
		}
		return &cloudprovidererrors.CloudError{Message: err.Error(), Err: err}
	}
	return nil
}

func (p *provider) StartMachine(ctx context.Context, id string) error {
	if err := p.client.Instance.Start(ctx, id); err != nil {
		return &cloudprovidererrors.CloudError{Message: err.Error(), Err: err}
	}
	return nil
}

func (p *provider) StopMachine(ctx context.Context, id string) error {
	if err := p.client.Instance.Halt(ctx, id); err != nil {
		return &cloudprovidererrors.CloudError{Message: err.Error(), Err: err}
	}
	return nil
}

func (p *provider) RebootMachine(ctx context.Context, id string) error {
	if err := p.client.Instance.Reboot(ctx, id); err != nil {
		return &cloudprovidererrors.CloudError{Message: err.Error(), Err: err}
	}
	return nil
}

func (p *provider) ListImages(ctx context.Context, filters cloudprovidertypes.ListFilters) ([]cloudprovidertypes.Descriptor, error) {
	var descriptors []cloudprovidertypes.Descriptor
	options := &govultr.ListOptions{PerPage: 100}
	for {
		oses, meta, resp, err := p.client.OS.List(ctx, options)
		if err != nil {
			return nil, mapError(respStatus(resp), err, "")
		}
		resp.Body.Close()
		for _, os := range oses {
			if filters.NamePrefix != "" && !strings.HasPrefix(os.Name, filters.NamePrefix) {
				continue
			}
			descriptors = append(descriptors, cloudprovidertypes.Descriptor{
				ID:    strconv.Itoa(os.ID),
				Name:  os.Name,
				Extra: map[string]string{"arch": os.Arch, "family": os.Family},
			})
		}
		if meta == nil || meta.Links == nil || meta.Links.Next == "" {
			break
		}
		options.Cursor = meta.Links.Next
	}
	return descriptors, nil
}

func (p *provider) ListSizes(ctx context.Context, filters cloudprovidertypes.ListFilters) ([]cloudprovidertypes.Descriptor, error) {
	var descriptors []cloudprovidertypes.Descriptor
	options := &govultr.ListOptions{PerPage: 100}
	for {
		plans, meta, resp, err := p.client.Plan.List(ctx, "", options)
		if err != nil {
			return nil, mapError(respStatus(resp), err, "")
		}
		resp.Body.Close()
		for _, plan := range plans {
			if filters.NamePrefix != "" && !strings.HasPrefix(plan.ID, filters.NamePrefix) {
				continue
			}
			descriptors = append(descriptors, cloudprovidertypes.Descriptor{
				ID:   plan.ID,
				Name: plan.ID,
				Extra: map[string]string{
					"vcpus":      strconv.Itoa(plan.VCPUCount),
					"memory_mib": strconv.Itoa(plan.RAM),
					"disk_gb":    strconv.Itoa(plan.Disk),
				},
			})
		}
		if meta == nil || meta.Links == nil || meta.Links.Next == "" {
			break
		}
		options.Cursor = meta.Links.Next
	}
	return descriptors, nil
}

func (p *provider) ListRegions(ctx context.Context) ([]cloudprovidertypes.Descriptor, error) {
	var descriptors []cloudprovidertypes.Descriptor
	options := &govultr.ListOptions{PerPage: 100}
	for {
		regions, meta, resp, err := p.client.Region.List(ctx, options)
		if err != nil {
			return nil, mapError(respStatus(resp), err, "")
		}
		resp.Body.Close()
		for _, r := range regions {
			descriptors = append(descriptors, cloudprovidertypes.Descriptor{
				ID:    r.ID,
				Name:  fmt.Sprintf("%s, %s", r.City, r.Country),
				Extra: map[string]string{"continent": r.Continent},
			})
		}
		if meta == nil || meta.Links == nil || meta.Links.Next == "" {
			break
		}
		options.Cursor = meta.Links.Next
	}
	return descriptors, nil
}

// GetConsoleOutput returns "". Vultr exposes a VNC console, not a
// retrievable serial log.
func (p *provider) GetConsoleOutput(_ context.Context, _ string) (string, error) {
	return "", nil
}

func (p *provider) SupportsCloudInit() bool { return true }
