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

// Package azure implements the cloud driver for Azure virtual machines.
package azure

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"

	"github.com/Azure/azure-sdk-for-go/services/compute/mgmt/2021-11-01/compute"
	"github.com/Azure/azure-sdk-for-go/services/network/mgmt/2021-05-01/network"
	"github.com/Azure/azure-sdk-for-go/services/resources/mgmt/2021-01-01/subscriptions"
	"github.com/Azure/go-autorest/autorest"
	"github.com/Azure/go-autorest/autorest/azure/auth"
	"github.com/Azure/go-autorest/autorest/to"
	"go.uber.org/zap"

	cloudprovidererrors "github.com/goughcloud/gough/pkg/cloudprovider/errors"
	azuretypes "github.com/goughcloud/gough/pkg/cloudprovider/provider/azure/types"
	cloudprovidertypes "github.com/goughcloud/gough/pkg/cloudprovider/types"
	"github.com/goughcloud/gough/pkg/cloudprovider/util"
)

type provider struct {
	log    *zap.SugaredLogger
	config *azuretypes.Config

	authorizer autorest.Authorizer
}

// New returns an Azure driver for the given service-principal credentials.
func New(log *zap.SugaredLogger, creds map[string]string, region string) (cloudprovidertypes.Provider, error) {
	config, err := azuretypes.FromCredentials(creds, region)
	if err != nil {
		return nil, fmt.Errorf("failed to parse azure credentials: %w", err)
	}

	authorizer, err := auth.NewClientCredentialsConfig(config.ClientID, config.ClientSecret, config.TenantID).Authorizer()
	if err != nil {
		return nil, fmt.Errorf("failed to create azure authorizer: %w", err)
	}

	return &provider{log: log, config: config, authorizer: authorizer}, nil
}

func (p *provider) vmClient() compute.VirtualMachinesClient {
	c := compute.NewVirtualMachinesClient(p.config.SubscriptionID)
	c.Authorizer = p.authorizer
	return c
}

func (p *provider) ifClient() network.InterfacesClient {
	c := network.NewInterfacesClient(p.config.SubscriptionID)
	c.Authorizer = p.authorizer
	return c
}

func (p *provider) ipClient() network.PublicIPAddressesClient {
	c := network.NewPublicIPAddressesClient(p.config.SubscriptionID)
	c.Authorizer = p.authorizer
	return c
}

func (p *provider) subnetClient() network.SubnetsClient {
	c := network.NewSubnetsClient(p.config.SubscriptionID)
	c.Authorizer = p.authorizer
	return c
}

func (p *provider) diskClient() compute.DisksClient {
	c := compute.NewDisksClient(p.config.SubscriptionID)
	c.Authorizer = p.authorizer
	return c
}

func (p *provider) sizeClient() compute.VirtualMachineSizesClient {
	c := compute.NewVirtualMachineSizesClient(p.config.SubscriptionID)
	c.Authorizer = p.authorizer
	return c
}

func (p *provider) subscriptionsClient() subscriptions.Client {
	c := subscriptions.NewClient()
	c.Authorizer = p.authorizer
	return c
}

// mapError translates an autorest failure into the driver taxonomy.
func mapError(err error, id string) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return &cloudprovidererrors.CloudError{Message: err.Error(), Timeout: true, Err: err}
	}
	var detailed autorest.DetailedError
	if errors.As(err, &detailed) {
		switch detailed.StatusCode {
		case 401, 403:
			return &cloudprovidererrors.AuthError{Message: detailed.Message, Err: err}
		case 404:
			return &cloudprovidererrors.NotFoundError{ID: id}
		case 429:
			return &cloudprovidererrors.QuotaError{Message: detailed.Message}
		}
		msg := detailed.Error()
		if strings.Contains(msg, "QuotaExceeded") || strings.Contains(msg, "OperationNotAllowed") && strings.Contains(msg, "quota") {
			return &cloudprovidererrors.QuotaError{Message: msg}
		}
		return &cloudprovidererrors.CloudError{Code: fmt.Sprintf("%v", detailed.StatusCode), Message: msg, Err: err}
	}
	return &cloudprovidererrors.CloudError{Message: err.Error(), Err: err}
}

func (p *provider) Authenticate(ctx context.Context) error {
	client := p.subscriptionsClient()
	if _, err := client.Get(ctx, p.config.SubscriptionID); err != nil {
		return mapError(err, p.config.SubscriptionID)
	}
	return nil
}

// Transitional and terminal provisioning states take precedence over the
// power state.
var provisioningStates = map[string]cloudprovidertypes.State{
	"ProvisioningState/failed":   cloudprovidertypes.StateError,
	"ProvisioningState/canceled": cloudprovidertypes.StateError,
	"ProvisioningState/creating": cloudprovidertypes.StatePending,
	"ProvisioningState/updating": cloudprovidertypes.StatePending,
	"ProvisioningState/deleting": cloudprovidertypes.StatePending,
}

var powerStates = map[string]cloudprovidertypes.State{
	"PowerState/running":      cloudprovidertypes.StateRunning,
	"PowerState/starting":     cloudprovidertypes.StatePending,
	"PowerState/stopping":     cloudprovidertypes.StatePending,
	"PowerState/stopped":      cloudprovidertypes.StateStopped,
	"PowerState/deallocating": cloudprovidertypes.StatePending,
	"PowerState/deallocated":  cloudprovidertypes.StateStopped,
}

func mapStatuses(statuses *[]compute.InstanceViewStatus) cloudprovidertypes.State {
	if statuses == nil {
		return cloudprovidertypes.StateUnknown
	}
	state := cloudprovidertypes.StateUnknown
	for _, status := range *statuses {
		if status.Code == nil {
			continue
		}
		if s, ok := provisioningStates[*status.Code]; ok {
			return s
		}
		if s, ok := powerStates[*status.Code]; ok {
			state = s
		}
	}
	return state
}

func (p *provider) getVMState(ctx context.Context, vmName string) (cloudprovidertypes.State, error) {
	client := p.vmClient()
	iv, err := client.InstanceView(ctx, p.config.ResourceGroup, vmName)
	if err != nil {
		return cloudprovidertypes.StateUnknown, mapError(err, vmName)
	}
	return mapStatuses(iv.Statuses), nil
}

func (p *provider) vmToMachine(ctx context.Context, vm compute.VirtualMachine, resolveState bool) cloudprovidertypes.Machine {
	m := cloudprovidertypes.Machine{
		ExternalID: to.String(vm.Name),
		Hostname:   to.String(vm.Name),
		State:      cloudprovidertypes.StateUnknown,
		Tags:       map[string]string{},
		Extra:      map[string]string{"resource_group": p.config.ResourceGroup},
	}
	for k, v := range vm.Tags {
		m.Tags[k] = to.String(v)
	}
	if vm.VirtualMachineProperties != nil {
		if vm.HardwareProfile != nil {
			m.Size = string(vm.HardwareProfile.VMSize)
		}
		if vm.StorageProfile != nil && vm.StorageProfile.ImageReference != nil {
			ref := vm.StorageProfile.ImageReference
			if ref.ID != nil {
				m.Image = to.String(ref.ID)
			} else if ref.Offer != nil && ref.Sku != nil {
				m.Image = fmt.Sprintf("%s:%s:%s", to.String(ref.Publisher), to.String(ref.Offer), to.String(ref.Sku))
			}
		}
		m.Extra["provisioning_state"] = to.String(vm.ProvisioningState)
	}

	var addrs []string
	if vm.NetworkProfile != nil && vm.NetworkProfile.NetworkInterfaces != nil {
		ifClient := p.ifClient()
		ipClient := p.ipClient()
		for _, ref := range *vm.NetworkProfile.NetworkInterfaces {
			parts := strings.Split(to.String(ref.ID), "/")
			ifName := parts[len(parts)-1]
			iface, err := ifClient.Get(ctx, p.config.ResourceGroup, ifName, "")
			if err != nil || iface.IPConfigurations == nil {
				continue
			}
			for _, ipConfig := range *iface.IPConfigurations {
				if ipConfig.PrivateIPAddress != nil {
					addrs = append(addrs, *ipConfig.PrivateIPAddress)
				}
				if ipConfig.PublicIPAddress != nil && ipConfig.PublicIPAddress.ID != nil {
					ipParts := strings.Split(*ipConfig.PublicIPAddress.ID, "/")
					publicIP, err := ipClient.Get(ctx, p.config.ResourceGroup, ipParts[len(ipParts)-1], "")
					if err == nil && publicIP.IPAddress != nil {
						addrs = append(addrs, *publicIP.IPAddress)
					}
				}
			}
		}
	}
	m.PublicIPs, m.PrivateIPs = util.ClassifyIPs(addrs)

	if resolveState {
		if state, err := p.getVMState(ctx, m.ExternalID); err == nil {
			m.State = state
		}
	}
	return m
}

func (p *provider) ListMachines(ctx context.Context, filters cloudprovidertypes.ListFilters) ([]cloudprovidertypes.Machine, error) {
	client := p.vmClient()
	iter, err := client.ListComplete(ctx, p.config.ResourceGroup, "")
	if err != nil {
		return nil, mapError(err, "")
	}
	var machines []cloudprovidertypes.Machine
	for iter.NotDone() {
		vm := iter.Value()
		m := p.vmToMachine(ctx, vm, true)
		if filters.NamePrefix == "" || strings.HasPrefix(m.Hostname, filters.NamePrefix) {
			machines = append(machines, m)
		}
		if err := iter.NextWithContext(ctx); err != nil {
			return nil, mapError(err, "")
		}
	}
	return machines, nil
}

func (p *provider) GetMachine(ctx context.Context, id string) (*cloudprovidertypes.Machine, error) {
	client := p.vmClient()
	vm, err := client.Get(ctx, p.config.ResourceGroup, id, "")
	if err != nil {
		return nil, mapError(err, id)
	}
	m := p.vmToMachine(ctx, vm, true)
	return &m, nil
}

func ifaceName(vmName string) string    { return vmName + "-nic" }
func publicIPName(vmName string) string { return vmName + "-pip" }
func osDiskName(vmName string) string   { return vmName + "-osdisk" }

func (p *provider) createNetworkInterface(ctx context.Context, spec cloudprovidertypes.MachineSpec) (*network.Interface, error) {
	var publicIP *network.PublicIPAddress
	if spec.AssociatePublicIP {
		ipClient := p.ipClient()
		ipSpec := network.PublicIPAddress{
			Name:     to.StringPtr(publicIPName(spec.Name)),
			Location: to.StringPtr(p.config.Location),
			Sku:      &network.PublicIPAddressSku{Name: network.PublicIPAddressSkuNameStandard},
			PublicIPAddressPropertiesFormat: &network.PublicIPAddressPropertiesFormat{
				PublicIPAllocationMethod: network.IPAllocationMethodStatic,
			},
		}
		future, err := ipClient.CreateOrUpdate(ctx, p.config.ResourceGroup, publicIPName(spec.Name), ipSpec)
		if err != nil {
			return nil, fmt.Errorf("failed to create public IP: %w", err)
		}
		if err := future.WaitForCompletionRef(ctx, ipClient.Client); err != nil {
			return nil, fmt.Errorf("failed to wait for public IP: %w", err)
		}
		ip, err := ipClient.Get(ctx, p.config.ResourceGroup, publicIPName(spec.Name), "")
		if err != nil {
			return nil, fmt.Errorf("failed to fetch public IP: %w", err)
		}
		publicIP = &ip
	}

	subnetName := spec.SubnetID
	if subnetName == "" {
		subnetName = p.config.SubnetName
	}
	subnet, err := p.subnetClient().Get(ctx, p.config.ResourceGroup, p.config.VNetName, subnetName, "")
	if err != nil {
		return nil, fmt.Errorf("failed to fetch subnet %q: %w", subnetName, err)
	}

	ifClient := p.ifClient()
	ifSpec := network.Interface{
		Name:     to.StringPtr(ifaceName(spec.Name)),
		Location: to.StringPtr(p.config.Location),
		InterfacePropertiesFormat: &network.InterfacePropertiesFormat{
			IPConfigurations: &[]network.InterfaceIPConfiguration{{
				Name: to.StringPtr("ip-config-1"),
				InterfaceIPConfigurationPropertiesFormat: &network.InterfaceIPConfigurationPropertiesFormat{
					Subnet:                    &subnet,
					PrivateIPAllocationMethod: network.IPAllocationMethodDynamic,
					PublicIPAddress:           publicIP,
					Primary:                   to.BoolPtr(true),
				},
			}},
		},
	}
	future, err := ifClient.CreateOrUpdate(ctx, p.config.ResourceGroup, ifaceName(spec.Name), ifSpec)
	if err != nil {
		return nil, fmt.Errorf("failed to create interface: %w", err)
	}
	if err := future.WaitForCompletionRef(ctx, ifClient.Client); err != nil {
		return nil, fmt.Errorf("failed to wait for interface: %w", err)
	}
	iface, err := ifClient.Get(ctx, p.config.ResourceGroup, ifaceName(spec.Name), "")
	if err != nil {
		return nil, fmt.Errorf("failed to fetch interface: %w", err)
	}
	return &iface, nil
}

func parseImageReference(image string) (*compute.ImageReference, error) {
	if strings.HasPrefix(image, "/subscriptions/") {
		return &compute.ImageReference{ID: to.StringPtr(image)}, nil
	}
	parts := strings.Split(image, ":")
	if len(parts) < 3 {
		return nil, fmt.Errorf("image %q must be a resource ID or publisher:offer:sku[:version]", image)
	}
	ref := &compute.ImageReference{
		Publisher: to.StringPtr(parts[0]),
		Offer:     to.StringPtr(parts[1]),
		Sku:       to.StringPtr(parts[2]),
		Version:   to.StringPtr("latest"),
	}
	if len(parts) > 3 {
		ref.Version = to.StringPtr(parts[3])
	}
	return ref, nil
}

func (p *provider) CreateMachine(ctx context.Context, spec cloudprovidertypes.MachineSpec) (*cloudprovidertypes.Machine, error) {
	if spec.Name == "" || spec.Size == "" || spec.Image == "" {
		return nil, errors.New("machine spec must carry name, size and image")
	}

	imageRef, err := parseImageReference(spec.Image)
	if err != nil {
		return nil, err
	}

	iface, err := p.createNetworkInterface(ctx, spec)
	if err != nil {
		return nil, mapError(err, spec.Name)
	}

	tags := map[string]*string{}
	for k, v := range spec.Tags {
		tags[k] = to.StringPtr(v)
	}

	adminUsername := spec.Extra["admin_username"]
	if adminUsername == "" {
		adminUsername = "ubuntu"
	}
	osProfile := &compute.OSProfile{
		ComputerName:  to.StringPtr(spec.Name),
		AdminUsername: to.StringPtr(adminUsername),
		LinuxConfiguration: &compute.LinuxConfiguration{
			DisablePasswordAuthentication: to.BoolPtr(true),
		},
	}
	if len(spec.SSHKeys) > 0 {
		keys := make([]compute.SSHPublicKey, 0, len(spec.SSHKeys))
		for _, key := range spec.SSHKeys {
			keys = append(keys, compute.SSHPublicKey{
				Path:    to.StringPtr(fmt.Sprintf("/home/%s/.ssh/authorized_keys", adminUsername)),
				KeyData: to.StringPtr(key),
			})
		}
		osProfile.LinuxConfiguration.SSH = &compute.SSHConfiguration{PublicKeys: &keys}
	}
	if spec.CloudInit != "" {
		osProfile.CustomData = to.StringPtr(base64.StdEncoding.EncodeToString([]byte(spec.CloudInit)))
	}

	vmSpec := compute.VirtualMachine{
		Location: to.StringPtr(p.config.Location),
		Tags:     tags,
		VirtualMachineProperties: &compute.VirtualMachineProperties{
			HardwareProfile: &compute.HardwareProfile{VMSize: compute.VirtualMachineSizeTypes(spec.Size)},
			StorageProfile: &compute.StorageProfile{
				ImageReference: imageRef,
				OsDisk: &compute.OSDisk{
					Name:         to.StringPtr(osDiskName(spec.Name)),
					CreateOption: compute.DiskCreateOptionTypesFromImage,
				},
			},
			OsProfile: osProfile,
			NetworkProfile: &compute.NetworkProfile{
				NetworkInterfaces: &[]compute.NetworkInterfaceReference{{
					ID: iface.ID,
					NetworkInterfaceReferenceProperties: &compute.NetworkInterfaceReferenceProperties{
						Primary: to.BoolPtr(true),
					},
				}},
			},
		},
	}

	// CreateOrUpdate returns once ARM accepts the deployment; state is
	// reported transitional until provisioning completes.
	client := p.vmClient()
	if _, err := client.CreateOrUpdate(ctx, p.config.ResourceGroup, spec.Name, vmSpec); err != nil {
		return nil, mapError(err, spec.Name)
	}
	p.log.Infow("created azure vm", "name", spec.Name, "resourceGroup", p.config.ResourceGroup)

	m := p.vmToMachine(ctx, compute.VirtualMachine{Name: to.StringPtr(spec.Name), VirtualMachineProperties: vmSpec.VirtualMachineProperties}, false)
	m.State = cloudprovidertypes.StatePending
	return &m, nil
}

func (p *provider) DestroyMachine(ctx context.Context, id string) error {
	client := p.vmClient()
	future, err := client.Delete(ctx, p.config.ResourceGroup, id, to.BoolPtr(false))
	if err != nil {
		return mapError(err, id)
	}
	if err := future.WaitForCompletionRef(ctx, client.Client); err != nil {
		return mapError(err, id)
	}

	// Best-effort cleanup of the dependent resources we created.
	if future, err := p.ifClient().Delete(ctx, p.config.ResourceGroup, ifaceName(id)); err == nil {
		ifClient := p.ifClient()
		_ = future.WaitForCompletionRef(ctx, ifClient.Client)
	}
	if _, err := p.ipClient().Delete(ctx, p.config.ResourceGroup, publicIPName(id)); err != nil {
		p.log.Debugw("no public IP to delete", "machine", id)
	}
	if _, err := p.diskClient().Delete(ctx, p.config.ResourceGroup, osDiskName(id)); err != nil {
		p.log.Debugw("no os disk to delete", "machine", id)
	}
	return nil
}

func (p *provider) StartMachine(ctx context.Context, id string) error {
	client := p.vmClient()
	_, err := client.Start(ctx, p.config.ResourceGroup, id)
	return mapError(err, id)
}

// StopMachine deallocates, the flavor that stops billing.
func (p *provider) StopMachine(ctx context.Context, id string) error {
	client := p.vmClient()
	_, err := client.Deallocate(ctx, p.config.ResourceGroup, id, nil)
	return mapError(err, id)
}

func (p *provider) RebootMachine(ctx context.Context, id string) error {
	client := p.vmClient()
	_, err := client.Restart(ctx, p.config.ResourceGroup, id)
	return mapError(err, id)
}

// curated cross-distro image references, addressable as offer aliases.
var imageCatalog = []cloudprovidertypes.Descriptor{
	{ID: "Canonical:0001-com-ubuntu-server-jammy:22_04-lts", Name: "Ubuntu 22.04 LTS"},
	{ID: "Canonical:0001-com-ubuntu-server-focal:20_04-lts", Name: "Ubuntu 20.04 LTS"},
	{ID: "Debian:debian-12:12", Name: "Debian 12"},
	{ID: "OpenLogic:CentOS:7_9", Name: "CentOS 7.9"},
	{ID: "RedHat:RHEL:9-lvm", Name: "RHEL 9"},
	{ID: "kinvolk:flatcar-container-linux:stable", Name: "Flatcar Container Linux (stable)"},
}

func (p *provider) ListImages(_ context.Context, filters cloudprovidertypes.ListFilters) ([]cloudprovidertypes.Descriptor, error) {
	if filters.NamePrefix == "" {
		return imageCatalog, nil
	}
	var out []cloudprovidertypes.Descriptor
	for _, d := range imageCatalog {
		if strings.HasPrefix(d.Name, filters.NamePrefix) || strings.HasPrefix(d.ID, filters.NamePrefix) {
			out = append(out, d)
		}
	}
	return out, nil
}

func (p *provider) ListSizes(ctx context.Context, filters cloudprovidertypes.ListFilters) ([]cloudprovidertypes.Descriptor, error) {
	client := p.sizeClient()
	result, err := client.List(ctx, p.config.Location)
	if err != nil {
		return nil, mapError(err, "")
	}
	var descriptors []cloudprovidertypes.Descriptor
	if result.Value != nil {
		for _, size := range *result.Value {
			name := to.String(size.Name)
			if filters.NamePrefix != "" && !strings.HasPrefix(name, filters.NamePrefix) {
				continue
			}
			descriptors = append(descriptors, cloudprovidertypes.Descriptor{
				ID:   name,
				Name: name,
				Extra: map[string]string{
					"vcpus":      fmt.Sprintf("%d", to.Int32(size.NumberOfCores)),
					"memory_mib": fmt.Sprintf("%d", to.Int32(size.MemoryInMB)),
				},
			})
		}
	}
	return descriptors, nil
}

func (p *provider) ListRegions(ctx context.Context) ([]cloudprovidertypes.Descriptor, error) {
	client := p.subscriptionsClient()
	result, err := client.ListLocations(ctx, p.config.SubscriptionID, to.BoolPtr(false))
	if err != nil {
		return nil, mapError(err, "")
	}
	var descriptors []cloudprovidertypes.Descriptor
	if result.Value != nil {
		for _, loc := range *result.Value {
			descriptors = append(descriptors, cloudprovidertypes.Descriptor{
				ID:   to.String(loc.Name),
				Name: to.String(loc.DisplayName),
			})
		}
	}
	return descriptors, nil
}

// GetConsoleOutput returns "". Serial console capture on Azure needs boot
// diagnostics wired to a storage account, which we do not provision.
func (p *provider) GetConsoleOutput(_ context.Context, _ string) (string, error) {
	return "", nil
}

func (p *provider) SupportsCloudInit() bool { return true }
