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

// Package gcp implements the cloud driver for Google Compute Engine.
package gcp

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"go.uber.org/zap"
	"golang.org/x/oauth2/google"
	"google.golang.org/api/compute/v1"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"

	cloudprovidererrors "github.com/goughcloud/gough/pkg/cloudprovider/errors"
	gcptypes "github.com/goughcloud/gough/pkg/cloudprovider/provider/gcp/types"
	cloudprovidertypes "github.com/goughcloud/gough/pkg/cloudprovider/types"
	"github.com/goughcloud/gough/pkg/cloudprovider/util"
)

const defaultNetwork = "global/networks/default"

type provider struct {
	log    *zap.SugaredLogger
	config *gcptypes.Config
	svc    *compute.Service
}

// New returns a GCE driver for the given service-account credentials.
func New(log *zap.SugaredLogger, creds map[string]string, region string) (cloudprovidertypes.Provider, error) {
	config, err := gcptypes.FromCredentials(creds, region)
	if err != nil {
		return nil, fmt.Errorf("failed to parse gcp credentials: %w", err)
	}

	jwtConfig, err := google.JWTConfigFromJSON(config.ServiceAccount, compute.ComputeScope)
	if err != nil {
		return nil, fmt.Errorf("failed to build JWT config from service account: %w", err)
	}
	svc, err := compute.NewService(context.Background(), option.WithHTTPClient(jwtConfig.Client(context.Background())))
	if err != nil {
		return nil, fmt.Errorf("cannot connect to Google Cloud: %w", err)
	}

	return &provider{log: log, config: config, svc: svc}, nil
}

// gcpStates maps GCE instance statuses onto the unified enum. STOPPING
// and SUSPENDING report running: the instance still executes while the
// transition completes.
var gcpStates = map[string]cloudprovidertypes.State{
	"PROVISIONING": cloudprovidertypes.StatePending,
	"STAGING":      cloudprovidertypes.StatePending,
	"RUNNING":      cloudprovidertypes.StateRunning,
	"STOPPING":     cloudprovidertypes.StateRunning,
	"SUSPENDING":   cloudprovidertypes.StateRunning,
	"STOPPED":      cloudprovidertypes.StateStopped,
	"SUSPENDED":    cloudprovidertypes.StateStopped,
	"REPAIRING":    cloudprovidertypes.StateError,
	"TERMINATED":   cloudprovidertypes.StateTerminated,
}

func mapState(status string) cloudprovidertypes.State {
	if s, ok := gcpStates[status]; ok {
		return s
	}
	return cloudprovidertypes.StateUnknown
}

func mapError(err error, id string) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return &cloudprovidererrors.CloudError{Message: err.Error(), Timeout: true, Err: err}
	}
	var apiErr *googleapi.Error
	if errors.As(err, &apiErr) {
		switch apiErr.Code {
		case 401:
			return &cloudprovidererrors.AuthError{Message: apiErr.Message, Err: err}
		case 403:
			for _, e := range apiErr.Errors {
				if strings.Contains(strings.ToLower(e.Reason), "quota") {
					return &cloudprovidererrors.QuotaError{Message: apiErr.Message}
				}
			}
			return &cloudprovidererrors.AuthError{Message: apiErr.Message, Err: err}
		case 404:
			return &cloudprovidererrors.NotFoundError{ID: id}
		case 429:
			return &cloudprovidererrors.QuotaError{Message: apiErr.Message}
		}
		return &cloudprovidererrors.CloudError{Code: fmt.Sprintf("%d", apiErr.Code), Message: apiErr.Message, Err: err}
	}
	return &cloudprovidererrors.CloudError{Message: err.Error(), Err: err}
}

// externalID is "<zone>/<name>": GCE instance operations address by zone
// and name, not by the numeric instance ID.
func splitID(id string) (zone, name string, err error) {
	parts := strings.SplitN(id, "/", 2)
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return "", "", fmt.Errorf("gcp machine ID %q must look like <zone>/<name>", id)
	}
	return parts[0], parts[1], nil
}

func lastPathComponent(url string) string {
	parts := strings.Split(url, "/")
	return parts[len(parts)-1]
}

func instanceToMachine(inst *compute.Instance, zone string) cloudprovidertypes.Machine {
	m := cloudprovidertypes.Machine{
		ExternalID: zone + "/" + inst.Name,
		Hostname:   inst.Name,
		State:      mapState(inst.Status),
		Size:       lastPathComponent(inst.MachineType),
		Tags:       map[string]string{},
		Extra:      map[string]string{"zone": zone, "instance_id": fmt.Sprintf("%d", inst.Id)},
	}
	for k, v := range inst.Labels {
		m.Tags[k] = v
	}
	var addrs []string
	for _, iface := range inst.NetworkInterfaces {
		addrs = append(addrs, iface.NetworkIP)
		for _, ac := range iface.AccessConfigs {
			addrs = append(addrs, ac.NatIP)
		}
	}
	m.PublicIPs, m.PrivateIPs = util.ClassifyIPs(addrs)
	for _, disk := range inst.Disks {
		if disk.Boot && disk.InitializeParams != nil {
			m.Image = lastPathComponent(disk.InitializeParams.SourceImage)
		}
	}
	return m
}

func (p *provider) Authenticate(ctx context.Context) error {
	_, err := p.svc.Projects.Get(p.config.ProjectID).Context(ctx).Do()
	return mapError(err, p.config.ProjectID)
}

func (p *provider) zones(ctx context.Context) ([]string, error) {
	region, err := p.svc.Regions.Get(p.config.ProjectID, p.config.Region).Context(ctx).Do()
	if err != nil {
		return nil, mapError(err, p.config.Region)
	}
	zones := make([]string, 0, len(region.Zones))
	for _, z := range region.Zones {
		zones = append(zones, lastPathComponent(z))
	}
	return zones, nil
}

func (p *provider) ListMachines(ctx context.Context, filters cloudprovidertypes.ListFilters) ([]cloudprovidertypes.Machine, error) {
	zones, err := p.zones(ctx)
	if err != nil {
		return nil, err
	}
	var machines []cloudprovidertypes.Machine
	for _, zone := range zones {
		call := p.svc.Instances.List(p.config.ProjectID, zone)
		err := call.Pages(ctx, func(page *compute.InstanceList) error {
			for _, inst := range page.Items {
				m := instanceToMachine(inst, zone)
				if filters.NamePrefix != "" && !strings.HasPrefix(m.Hostname, filters.NamePrefix) {
					continue
				}
				machines = append(machines, m)
			}
			return nil
		})
		if err != nil {
			return nil, mapError(err, "")
		}
	}
	return machines, nil
}

func (p *provider) GetMachine(ctx context.Context, id string) (*cloudprovidertypes.Machine, error) {
	zone, name, err := splitID(id)
	if err != nil {
		return nil, err
	}
	inst, err := p.svc.Instances.Get(p.config.ProjectID, zone, name).Context(ctx).Do()
	if err != nil {
		return nil, mapError(err, id)
	}
	m := instanceToMachine(inst, zone)
	return &m, nil
}

func (p *provider) CreateMachine(ctx context.Context, spec cloudprovidertypes.MachineSpec) (*cloudprovidertypes.Machine, error) {
	if spec.Name == "" || spec.Size == "" || spec.Image == "" {
		return nil, errors.New("machine spec must carry name, size and image")
	}
	zone := spec.Zone
	if zone == "" {
		zone = p.config.DefaultZone
	}

	sourceImage := spec.Image
	if !strings.HasPrefix(sourceImage, "projects/") && !strings.HasPrefix(sourceImage, "https://") {
		sourceImage = fmt.Sprintf("projects/%s/global/images/%s", p.config.ProjectID, sourceImage)
	}

	network := p.config.Network
	if network == "" && p.config.Subnetwork == "" {
		network = defaultNetwork
	}
	iface := &compute.NetworkInterface{
		Network:    network,
		Subnetwork: p.config.Subnetwork,
	}
	if spec.AssociatePublicIP {
		iface.AccessConfigs = []*compute.AccessConfig{{
			Type: "ONE_TO_ONE_NAT",
			Name: "External NAT",
		}}
	}

	inst := &compute.Instance{
		Name:        spec.Name,
		MachineType: fmt.Sprintf("zones/%s/machineTypes/%s", zone, spec.Size),
		Labels:      spec.Tags,
		Disks: []*compute.AttachedDisk{{
			Boot:       true,
			AutoDelete: true,
			InitializeParams: &compute.AttachedDiskInitializeParams{
				SourceImage: sourceImage,
			},
		}},
		NetworkInterfaces: []*compute.NetworkInterface{iface},
	}
	if spec.CloudInit != "" {
		userData := spec.CloudInit
		inst.Metadata = &compute.Metadata{
			Items: []*compute.MetadataItems{{Key: "user-data", Value: &userData}},
		}
	}

	if _, err := p.svc.Instances.Insert(p.config.ProjectID, zone, inst).Context(ctx).Do(); err != nil {
		return nil, mapError(err, spec.Name)
	}
	p.log.Infow("created gce instance", "name", spec.Name, "zone", zone)

	created, err := p.svc.Instances.Get(p.config.ProjectID, zone, spec.Name).Context(ctx).Do()
	if err != nil {
		return nil, mapError(err, zone+"/"+spec.Name)
	}
	m := instanceToMachine(created, zone)
	return &m, nil
}

func (p *provider) DestroyMachine(ctx context.Context, id string) error {
	zone, name, err := splitID(id)
	if err != nil {
		return err
	}
	_, err = p.svc.Instances.Delete(p.config.ProjectID, zone, name).Context(ctx).Do()
	return mapError(err, id)
}

func (p *provider) StartMachine(ctx context.Context, id string) error {
	zone, name, err := splitID(id)
	if err != nil {
		return err
	}
	_, err = p.svc.Instances.Start(p.config.ProjectID, zone, name).Context(ctx).Do()
	return mapError(err, id)
}

func (p *provider) StopMachine(ctx context.Context, id string) error {
	zone, name, err := splitID(id)
	if err != nil {
		return err
	}
	_, err = p.svc.Instances.Stop(p.config.ProjectID, zone, name).Context(ctx).Do()
	return mapError(err, id)
}

func (p *provider) RebootMachine(ctx context.Context, id string) error {
	zone, name, err := splitID(id)
	if err != nil {
		return err
	}
	_, err = p.svc.Instances.Reset(p.config.ProjectID, zone, name).Context(ctx).Do()
	return mapError(err, id)
}

func (p *provider) ListImages(ctx context.Context, filters cloudprovidertypes.ListFilters) ([]cloudprovidertypes.Descriptor, error) {
	var descriptors []cloudprovidertypes.Descriptor
	call := p.svc.Images.List(p.config.ProjectID)
	if filters.NamePrefix != "" {
		call = call.Filter(fmt.Sprintf("name eq %s.*", filters.NamePrefix))
	}
	err := call.Pages(ctx, func(page *compute.ImageList) error {
		for _, img := range page.Items {
			descriptors = append(descriptors, cloudprovidertypes.Descriptor{
				ID:    img.Name,
				Name:  img.Name,
				Extra: map[string]string{"family": img.Family},
			})
		}
		return nil
	})
	if err != nil {
		return nil, mapError(err, "")
	}
	return descriptors, nil
}

func (p *provider) ListSizes(ctx context.Context, filters cloudprovidertypes.ListFilters) ([]cloudprovidertypes.Descriptor, error) {
	var descriptors []cloudprovidertypes.Descriptor
	call := p.svc.MachineTypes.List(p.config.ProjectID, p.config.DefaultZone)
	err := call.Pages(ctx, func(page *compute.MachineTypeList) error {
		for _, mt := range page.Items {
			if filters.NamePrefix != "" && !strings.HasPrefix(mt.Name, filters.NamePrefix) {
				continue
			}
			descriptors = append(descriptors, cloudprovidertypes.Descriptor{
				ID:   mt.Name,
				Name: mt.Name,
				Extra: map[string]string{
					"vcpus":      fmt.Sprintf("%d", mt.GuestCpus),
					"memory_mib": fmt.Sprintf("%d", mt.MemoryMb),
				},
			})
		}
		return nil
	})
	if err != nil {
		return nil, mapError(err, "")
	}
	return descriptors, nil
}

func (p *provider) ListRegions(ctx context.Context) ([]cloudprovidertypes.Descriptor, error) {
	var descriptors []cloudprovidertypes.Descriptor
	err := p.svc.Regions.List(p.config.ProjectID).Pages(ctx, func(page *compute.RegionList) error {
		for _, r := range page.Items {
			descriptors = append(descriptors, cloudprovidertypes.Descriptor{ID: r.Name, Name: r.Name})
		}
		return nil
	})
	if err != nil {
		return nil, mapError(err, "")
	}
	return descriptors, nil
}

func (p *provider) GetConsoleOutput(ctx context.Context, id string) (string, error) {
	zone, name, err := splitID(id)
	if err != nil {
		return "", err
	}
	out, err := p.svc.Instances.GetSerialPortOutput(p.config.ProjectID, zone, name).Context(ctx).Do()
	if err != nil {
		return "", mapError(err, id)
	}
	return out.Contents, nil
}

func (p *provider) SupportsCloudInit() bool { return true }
