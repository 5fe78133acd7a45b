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

// Package cloudprovider maps provider types onto driver implementations.
package cloudprovider

import (
	"errors"

	"go.uber.org/zap"

	"github.com/goughcloud/gough/pkg/cloudprovider/provider/aws"
	"github.com/goughcloud/gough/pkg/cloudprovider/provider/azure"
	"github.com/goughcloud/gough/pkg/cloudprovider/provider/fake"
	"github.com/goughcloud/gough/pkg/cloudprovider/provider/gcp"
	"github.com/goughcloud/gough/pkg/cloudprovider/provider/lxd"
	"github.com/goughcloud/gough/pkg/cloudprovider/provider/maas"
	"github.com/goughcloud/gough/pkg/cloudprovider/provider/vultr"
	cloudprovidertypes "github.com/goughcloud/gough/pkg/cloudprovider/types"
)

// Type identifies a cloud backend.
type Type string

const (
	TypeMaaS  Type = "maas"
	TypeLXD   Type = "lxd"
	TypeAWS   Type = "aws"
	TypeGCP   Type = "gcp"
	TypeAzure Type = "azure"
	TypeVultr Type = "vultr"
	TypeFake  Type = "fake"
)

// ErrProviderNotFound tells that the requested cloud provider was not found.
var ErrProviderNotFound = errors.New("cloudprovider not found")

// Options carries everything a driver factory needs: the provider row's
// region and the credential map loaded from the secrets store.
type Options struct {
	Region      string
	Credentials map[string]string
	Log         *zap.SugaredLogger
}

// Factory builds a driver instance. Factories validate credentials
// syntactically; network validation happens in Provider.Authenticate.
type Factory func(Options) (cloudprovidertypes.Provider, error)

var providers = map[Type]Factory{
	TypeMaaS: func(o Options) (cloudprovidertypes.Provider, error) {
		return maas.New(o.Log, o.Credentials, o.Region)
	},
	TypeLXD: func(o Options) (cloudprovidertypes.Provider, error) {
		return lxd.New(o.Log, o.Credentials, o.Region)
	},
	TypeAWS: func(o Options) (cloudprovidertypes.Provider, error) {
		return aws.New(o.Log, o.Credentials, o.Region)
	},
	TypeGCP: func(o Options) (cloudprovidertypes.Provider, error) {
		return gcp.New(o.Log, o.Credentials, o.Region)
	},
	TypeAzure: func(o Options) (cloudprovidertypes.Provider, error) {
		return azure.New(o.Log, o.Credentials, o.Region)
	},
	TypeVultr: func(o Options) (cloudprovidertypes.Provider, error) {
		return vultr.New(o.Log, o.Credentials, o.Region)
	},
	TypeFake: func(o Options) (cloudprovidertypes.Provider, error) {
		return fake.New(o.Log), nil
	},
}

// ForProvider returns a driver for the requested provider type.
func ForProvider(t Type, opts Options) (cloudprovidertypes.Provider, error) {
	if factory, found := providers[t]; found {
		return factory(opts)
	}
	return nil, ErrProviderNotFound
}

// KnownProviders lists every registered provider type.
func KnownProviders() []Type {
	return []Type{TypeMaaS, TypeLXD, TypeAWS, TypeGCP, TypeAzure, TypeVultr}
}

// Valid reports whether t names a registered provider type.
func Valid(t Type) bool {
	_, found := providers[t]
	return found
}
