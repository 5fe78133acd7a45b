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

package secrets

import (
	"context"
	"errors"
	"fmt"
	"path"
	"strings"

	vaultapi "github.com/hashicorp/vault/api"
)

// vaultStore keeps documents in a Vault KV v2 mount.
type vaultStore struct {
	client *vaultapi.Client
	kv     *vaultapi.KVv2
	mount  string
}

func newVault(cfg Config) (*vaultStore, error) {
	if cfg.VaultAddr == "" || cfg.VaultToken == "" {
		return nil, errors.New("vault backend needs address and token")
	}
	vc := vaultapi.DefaultConfig()
	vc.Address = cfg.VaultAddr
	client, err := vaultapi.NewClient(vc)
	if err != nil {
		return nil, fmt.Errorf("failed to build vault client: %w", err)
	}
	client.SetToken(cfg.VaultToken)
	mount := cfg.VaultMountPath
	if mount == "" {
		mount = "secret"
	}
	return &vaultStore{client: client, kv: client.KVv2(mount), mount: mount}, nil
}

func (v *vaultStore) Get(ctx context.Context, path string) (map[string]string, error) {
	secret, err := v.kv.Get(ctx, path)
	if err != nil {
		if errors.Is(err, vaultapi.ErrSecretNotFound) {
			return nil, ErrSecretNotFound
		}
		return nil, fmt.Errorf("failed to read vault secret %s: %w", path, err)
	}
	data := make(map[string]string, len(secret.Data))
	for k, val := range secret.Data {
		if s, ok := val.(string); ok {
			data[k] = s
		}
	}
	return data, nil
}

func (v *vaultStore) Put(ctx context.Context, path string, data map[string]string) error {
	payload := make(map[string]any, len(data))
	for k, val := range data {
		payload[k] = val
	}
	if _, err := v.kv.Put(ctx, path, payload); err != nil {
		return fmt.Errorf("failed to write vault secret %s: %w", path, err)
	}
	return nil
}

func (v *vaultStore) Delete(ctx context.Context, path string) error {
	if err := v.kv.DeleteMetadata(ctx, path); err != nil {
		return fmt.Errorf("failed to delete vault secret %s: %w", path, err)
	}
	return nil
}

// List enumerates the keys directly under prefix via the KV v2 metadata
// endpoint. Keys ending in "/" are subtrees.
func (v *vaultStore) List(ctx context.Context, prefix string) ([]string, error) {
	secret, err := v.client.Logical().ListWithContext(ctx, path.Join(v.mount, "metadata", prefix))
	if err != nil {
		return nil, fmt.Errorf("failed to list vault secrets under %s: %w", prefix, err)
	}
	if secret == nil || secret.Data == nil {
		return nil, nil
	}
	keys, _ := secret.Data["keys"].([]any)
	paths := make([]string, 0, len(keys))
	for _, k := range keys {
		if name, ok := k.(string); ok {
			if strings.HasSuffix(name, "/") {
				paths = append(paths, path.Join(prefix, name)+"/")
			} else {
				paths = append(paths, path.Join(prefix, name))
			}
		}
	}
	return paths, nil
}
