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

// Package aws implements the cloud driver for Amazon EC2.
package aws

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"
	"time"

	awssdk "github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/ec2"
	ec2types "github.com/aws/aws-sdk-go-v2/service/ec2/types"
	"github.com/aws/aws-sdk-go-v2/service/sts"
	"github.com/aws/smithy-go"
	"go.uber.org/zap"

	cloudprovidererrors "github.com/goughcloud/gough/pkg/cloudprovider/errors"
	awstypes "github.com/goughcloud/gough/pkg/cloudprovider/provider/aws/types"
	cloudprovidertypes "github.com/goughcloud/gough/pkg/cloudprovider/types"
	"github.com/goughcloud/gough/pkg/cloudprovider/util"
)

const nameTag = "Name"

type provider struct {
	log    *zap.SugaredLogger
	config *awstypes.Config
	ec2    *ec2.Client
	sts    *sts.Client
}

// New returns an EC2 driver for the given credentials.
func New(log *zap.SugaredLogger, creds map[string]string, region string) (cloudprovidertypes.Provider, error) {
	config, err := awstypes.FromCredentials(creds, region)
	if err != nil {
		return nil, fmt.Errorf("failed to parse aws credentials: %w", err)
	}

	cfg, err := awsconfig.LoadDefaultConfig(context.Background(),
		awsconfig.WithRegion(config.Region),
		awsconfig.WithCredentialsProvider(credentials.NewStaticCredentialsProvider(config.AccessKeyID, config.SecretAccessKey, "")),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to build aws client config: %w", err)
	}

	return &provider{
		log:    log,
		config: config,
		ec2:    ec2.NewFromConfig(cfg),
		sts:    sts.NewFromConfig(cfg),
	}, nil
}

// awsStates maps EC2 instance states onto the unified enum.
var awsStates = map[ec2types.InstanceStateName]cloudprovidertypes.State{
	ec2types.InstanceStateNamePending:      cloudprovidertypes.StatePending,
	ec2types.InstanceStateNameRunning:      cloudprovidertypes.StateRunning,
	ec2types.InstanceStateNameStopping:     cloudprovidertypes.StatePending,
	ec2types.InstanceStateNameStopped:      cloudprovidertypes.StateStopped,
	ec2types.InstanceStateNameShuttingDown: cloudprovidertypes.StateTerminated,
	ec2types.InstanceStateNameTerminated:   cloudprovidertypes.StateTerminated,
}

func mapState(s *ec2types.InstanceState) cloudprovidertypes.State {
	if s == nil {
		return cloudprovidertypes.StateUnknown
	}
	if mapped, ok := awsStates[s.Name]; ok {
		return mapped
	}
	return cloudprovidertypes.StateUnknown
}

var quotaErrorCodes = map[string]bool{
	"InstanceLimitExceeded":         true,
	"InsufficientInstanceCapacity":  true,
	"InsufficientCapacity":          true,
	"VcpuLimitExceeded":             true,
	"MaxSpotInstanceCountExceeded":  true,
	"RequestLimitExceeded":          true,
	"AddressLimitExceeded":          true,
	"VolumeLimitExceeded":           true,
	"PendingVerification":           true,
	"InsufficientAddressCapacity":   true,
	"InsufficientReservedInstances": true,
}

var authErrorCodes = map[string]bool{
	"AuthFailure":           true,
	"UnauthorizedOperation": true,
	"InvalidClientTokenId":  true,
	"SignatureDoesNotMatch": true,
	"ExpiredToken":          true,
	"OptInRequired":         true,
}

// mapError translates an EC2 SDK failure into the driver taxonomy.
func mapError(err error, id string) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return &cloudprovidererrors.CloudError{Message: err.Error(), Timeout: true, Err: err}
	}
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		code := apiErr.ErrorCode()
		switch {
		case authErrorCodes[code]:
			return &cloudprovidererrors.AuthError{Message: apiErr.ErrorMessage(), Err: err}
		case quotaErrorCodes[code]:
			return &cloudprovidererrors.QuotaError{Message: apiErr.ErrorMessage()}
		case strings.HasPrefix(code, "InvalidInstanceID"):
			return &cloudprovidererrors.NotFoundError{ID: id}
		case code == "IncorrectInstanceState", code == "IncorrectState":
			return &cloudprovidererrors.CloudError{Code: code, Message: apiErr.ErrorMessage(), Err: err}
		default:
			return &cloudprovidererrors.CloudError{Code: code, Message: apiErr.ErrorMessage(), Err: err}
		}
	}
	return &cloudprovidererrors.CloudError{Message: err.Error(), Err: err}
}

func (p *provider) Authenticate(ctx context.Context) error {
	if _, err := p.sts.GetCallerIdentity(ctx, &sts.GetCallerIdentityInput{}); err != nil {
		return mapError(err, "")
	}
	return nil
}

func instanceToMachine(i ec2types.Instance) cloudprovidertypes.Machine {
	m := cloudprovidertypes.Machine{
		ExternalID: awssdk.ToString(i.InstanceId),
		State:      mapState(i.State),
		Size:       string(i.InstanceType),
		Image:      awssdk.ToString(i.ImageId),
		Tags:       map[string]string{},
		Extra:      map[string]string{},
	}
	if i.LaunchTime != nil {
		m.CreatedAt = *i.LaunchTime
	}
	m.UpdatedAt = time.Now().UTC()
	for _, t := range i.Tags {
		k, v := awssdk.ToString(t.Key), awssdk.ToString(t.Value)
		m.Tags[k] = v
		if k == nameTag {
			m.Hostname = v
		}
	}
	if m.Hostname == "" {
		m.Hostname = awssdk.ToString(i.PrivateDnsName)
	}

	var addrs []string
	if ip := awssdk.ToString(i.PublicIpAddress); ip != "" {
		addrs = append(addrs, ip)
	}
	if ip := awssdk.ToString(i.PrivateIpAddress); ip != "" {
		addrs = append(addrs, ip)
	}
	for _, iface := range i.NetworkInterfaces {
		if iface.Association != nil {
			addrs = append(addrs, awssdk.ToString(iface.Association.PublicIp))
		}
		addrs = append(addrs, awssdk.ToString(iface.PrivateIpAddress))
	}
	m.PublicIPs, m.PrivateIPs = util.ClassifyIPs(addrs)

	if i.Placement != nil {
		m.Extra["availability_zone"] = awssdk.ToString(i.Placement.AvailabilityZone)
	}
	if i.SubnetId != nil {
		m.Extra["subnet_id"] = awssdk.ToString(i.SubnetId)
	}
	if i.VpcId != nil {
		m.Extra["vpc_id"] = awssdk.ToString(i.VpcId)
	}
	return m
}

func (p *provider) ListMachines(ctx context.Context, filters cloudprovidertypes.ListFilters) ([]cloudprovidertypes.Machine, error) {
	input := &ec2.DescribeInstancesInput{}
	for k, v := range filters.Tags {
		input.Filters = append(input.Filters, ec2types.Filter{
			Name:   awssdk.String("tag:" + k),
			Values: []string{v},
		})
	}

	var machines []cloudprovidertypes.Machine
	paginator := ec2.NewDescribeInstancesPaginator(p.ec2, input)
	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return nil, mapError(err, "")
		}
		for _, reservation := range page.Reservations {
			for _, i := range reservation.Instances {
				m := instanceToMachine(i)
				if filters.NamePrefix != "" && !strings.HasPrefix(m.Hostname, filters.NamePrefix) {
					continue
				}
				machines = append(machines, m)
			}
		}
	}
	return machines, nil
}

func (p *provider) GetMachine(ctx context.Context, id string) (*cloudprovidertypes.Machine, error) {
	out, err := p.ec2.DescribeInstances(ctx, &ec2.DescribeInstancesInput{
		InstanceIds: []string{id},
	})
	if err != nil {
		return nil, mapError(err, id)
	}
	for _, reservation := range out.Reservations {
		for _, i := range reservation.Instances {
			m := instanceToMachine(i)
			return &m, nil
		}
	}
	return nil, &cloudprovidererrors.NotFoundError{ID: id}
}

func (p *provider) CreateMachine(ctx context.Context, spec cloudprovidertypes.MachineSpec) (*cloudprovidertypes.Machine, error) {
	if spec.Name == "" {
		return nil, errors.New("machine spec must carry a name")
	}
	if spec.Size == "" || spec.Image == "" {
		return nil, errors.New("machine spec must carry size and image")
	}

	tags := []ec2types.Tag{{Key: awssdk.String(nameTag), Value: awssdk.String(spec.Name)}}
	for _, k := range util.SortedKeys(spec.Tags) {
		tags = append(tags, ec2types.Tag{Key: awssdk.String(k), Value: awssdk.String(spec.Tags[k])})
	}

	securityGroups := spec.SecurityGroups
	if len(securityGroups) == 0 {
		securityGroups = p.config.DefaultSecurityGroupIDs
	}

	input := &ec2.RunInstancesInput{
		MinCount:     awssdk.Int32(1),
		MaxCount:     awssdk.Int32(1),
		ImageId:      awssdk.String(spec.Image),
		InstanceType: ec2types.InstanceType(spec.Size),
		TagSpecifications: []ec2types.TagSpecification{{
			ResourceType: ec2types.ResourceTypeInstance,
			Tags:         tags,
		}},
	}
	if spec.Zone != "" {
		input.Placement = &ec2types.Placement{AvailabilityZone: awssdk.String(spec.Zone)}
	}
	if len(spec.SSHKeys) > 0 {
		input.KeyName = awssdk.String(spec.SSHKeys[0])
	}
	if spec.CloudInit != "" {
		input.UserData = awssdk.String(base64.StdEncoding.EncodeToString([]byte(spec.CloudInit)))
	}

	// Requesting a public IP on a specific subnet requires an explicit
	// interface specification; EC2 rejects requests that combine it with
	// top-level SubnetId or SecurityGroupIds.
	if spec.AssociatePublicIP && spec.SubnetID != "" {
		input.NetworkInterfaces = []ec2types.InstanceNetworkInterfaceSpecification{{
			DeviceIndex:              awssdk.Int32(0),
			AssociatePublicIpAddress: awssdk.Bool(true),
			SubnetId:                 awssdk.String(spec.SubnetID),
			Groups:                   securityGroups,
		}}
	} else {
		if spec.SubnetID != "" {
			input.SubnetId = awssdk.String(spec.SubnetID)
		}
		if len(securityGroups) > 0 {
			input.SecurityGroupIds = securityGroups
		}
	}

	out, err := p.ec2.RunInstances(ctx, input)
	if err != nil {
		return nil, mapError(err, "")
	}
	if len(out.Instances) == 0 {
		return nil, &cloudprovidererrors.CloudError{Message: "RunInstances returned no instances"}
	}
	m := instanceToMachine(out.Instances[0])
	p.log.Infow("created ec2 instance", "name", spec.Name, "instance", m.ExternalID)
	return &m, nil
}

func (p *provider) DestroyMachine(ctx context.Context, id string) error {
	_, err := p.ec2.TerminateInstances(ctx, &ec2.TerminateInstancesInput{
		InstanceIds: []string{id},
	})
	return mapError(err, id)
}

func (p *provider) StartMachine(ctx context.Context, id string) error {
	_, err := p.ec2.StartInstances(ctx, &ec2.StartInstancesInput{InstanceIds: []string{id}})
	return mapError(err, id)
}

func (p *provider) StopMachine(ctx context.Context, id string) error {
	_, err := p.ec2.StopInstances(ctx, &ec2.StopInstancesInput{InstanceIds: []string{id}})
	return mapError(err, id)
}

func (p *provider) RebootMachine(ctx context.Context, id string) error {
	_, err := p.ec2.RebootInstances(ctx, &ec2.RebootInstancesInput{InstanceIds: []string{id}})
	return mapError(err, id)
}

func (p *provider) ListImages(ctx context.Context, filters cloudprovidertypes.ListFilters) ([]cloudprovidertypes.Descriptor, error) {
	input := &ec2.DescribeImagesInput{
		Owners: []string{"self", "amazon"},
		Filters: []ec2types.Filter{
			{Name: awssdk.String("state"), Values: []string{"available"}},
		},
	}
	if filters.NamePrefix != "" {
		input.Filters = append(input.Filters, ec2types.Filter{
			Name:   awssdk.String("name"),
			Values: []string{filters.NamePrefix + "*"},
		})
	}
	out, err := p.ec2.DescribeImages(ctx, input)
	if err != nil {
		return nil, mapError(err, "")
	}
	descriptors := make([]cloudprovidertypes.Descriptor, 0, len(out.Images))
	for _, img := range out.Images {
		descriptors = append(descriptors, cloudprovidertypes.Descriptor{
			ID:   awssdk.ToString(img.ImageId),
			Name: awssdk.ToString(img.Name),
			Extra: map[string]string{
				"architecture": string(img.Architecture),
			},
		})
	}
	return descriptors, nil
}

func (p *provider) ListSizes(ctx context.Context, filters cloudprovidertypes.ListFilters) ([]cloudprovidertypes.Descriptor, error) {
	var descriptors []cloudprovidertypes.Descriptor
	paginator := ec2.NewDescribeInstanceTypesPaginator(p.ec2, &ec2.DescribeInstanceTypesInput{})
	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return nil, mapError(err, "")
		}
		for _, it := range page.InstanceTypes {
			name := string(it.InstanceType)
			if filters.NamePrefix != "" && !strings.HasPrefix(name, filters.NamePrefix) {
				continue
			}
			d := cloudprovidertypes.Descriptor{ID: name, Name: name, Extra: map[string]string{}}
			if it.VCpuInfo != nil {
				d.Extra["vcpus"] = fmt.Sprintf("%d", awssdk.ToInt32(it.VCpuInfo.DefaultVCpus))
			}
			if it.MemoryInfo != nil {
				d.Extra["memory_mib"] = fmt.Sprintf("%d", awssdk.ToInt64(it.MemoryInfo.SizeInMiB))
			}
			descriptors = append(descriptors, d)
		}
	}
	return descriptors, nil
}

func (p *provider) ListRegions(ctx context.Context) ([]cloudprovidertypes.Descriptor, error) {
	out, err := p.ec2.DescribeRegions(ctx, &ec2.DescribeRegionsInput{})
	if err != nil {
		return nil, mapError(err, "")
	}
	descriptors := make([]cloudprovidertypes.Descriptor, 0, len(out.Regions))
	for _, r := range out.Regions {
		name := awssdk.ToString(r.RegionName)
		descriptors = append(descriptors, cloudprovidertypes.Descriptor{ID: name, Name: name})
	}
	return descriptors, nil
}

func (p *provider) GetConsoleOutput(ctx context.Context, id string) (string, error) {
	out, err := p.ec2.GetConsoleOutput(ctx, &ec2.GetConsoleOutputInput{InstanceId: awssdk.String(id)})
	if err != nil {
		return "", mapError(err, id)
	}
	if out.Output == nil {
		return "", nil
	}
	decoded, err := base64.StdEncoding.DecodeString(*out.Output)
	if err != nil {
		return "", fmt.Errorf("failed to decode console output: %w", err)
	}
	return string(decoded), nil
}

func (p *provider) SupportsCloudInit() bool { return true }
