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
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"
	"github.com/Azure/azure-sdk-for-go/sdk/azcore/to"
	"github.com/Azure/azure-sdk-for-go/sdk/azidentity"
	"github.com/Azure/azure-sdk-for-go/sdk/security/keyvault/azsecrets"
)

// azureKV keeps documents in Azure Key Vault, one JSON secret per path.
// Key Vault secret names only allow alphanumerics and dashes, so path
// separators are folded into dashes.
type azureKV struct {
	client *azsecrets.Client
}

func newAzureKV(cfg Config) (*azureKV, error) {
	if cfg.AzureVaultURL == "" {
		return nil, errors.New("azure_keyvault backend needs a vault url")
	}
	cred, err := azidentity.NewDefaultAzureCredential(nil)
	if err != nil {
		return nil, fmt.Errorf("failed to build azure credential: %w", err)
	}
	client, err := azsecrets.NewClient(cfg.AzureVaultURL, cred, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to build keyvault client: %w", err)
	}
	return &azureKV{client: client}, nil
}

// azureName folds a document path into a Key Vault compatible name.
func azureName(path string) string {
	r := strings.NewReplacer("/", "-", ".", "-", "_", "-")
	return r.Replace(path)
}

func isAzureNotFound(err error) bool {
	var respErr *azcore.ResponseError
	return errors.As(err, &respErr) && respErr.StatusCode == http.StatusNotFound
}

func (a *azureKV) Get(ctx context.Context, path string) (map[string]string, error) {
	resp, err := a.client.GetSecret(ctx, azureName(path), "", nil)
	if err != nil {
		if isAzureNotFound(err) {
			return nil, ErrSecretNotFound
		}
		return nil, fmt.Errorf("failed to read secret %s: %w", path, err)
	}
	var data map[string]string
	if resp.Value == nil {
		return nil, fmt.Errorf("secret %s has no value", path)
	}
	if err := json.Unmarshal([]byte(*resp.Value), &data); err != nil {
		return nil, fmt.Errorf("failed to unmarshal secret %s: %w", path, err)
	}
	return data, nil
}

func (a *azureKV) Put(ctx context.Context, path string, data map[string]string) error {
	payload, err := json.Marshal(data)
	if err != nil {
		return fmt.Errorf("failed to marshal secret: %w", err)
	}
	params := azsecrets.SetSecretParameters{
		Value:       to.Ptr(string(payload)),
		ContentType: to.Ptr("application/json"),
	}
	if _, err := a.client.SetSecret(ctx, azureName(path), params, nil); err != nil {
		return fmt.Errorf("failed to write secret %s: %w", path, err)
	}
	return nil
}

// List walks the vault and matches on the folded name, since Key Vault
// has no server-side prefix filter. Folding is lossy, so the folded
// names are returned.
func (a *azureKV) List(ctx context.Context, prefix string) ([]string, error) {
	namePrefix := azureName(prefix)
	pager := a.client.NewListSecretPropertiesPager(nil)
	var paths []string
	for pager.More() {
		page, err := pager.NextPage(ctx)
		if err != nil {
			return nil, fmt.Errorf("failed to list secrets under %s: %w", prefix, err)
		}
		for _, item := range page.Value {
			if item.ID == nil {
				continue
			}
			if name := item.ID.Name(); strings.HasPrefix(name, namePrefix) {
				paths = append(paths, name)
			}
		}
	}
	return paths, nil
}

func (a *azureKV) Delete(ctx context.Context, path string) error {
	if _, err := a.client.DeleteSecret(ctx, azureName(path), nil); err != nil {
		if isAzureNotFound(err) {
			return ErrSecretNotFound
		}
		return fmt.Errorf("failed to delete secret %s: %w", path, err)
	}
	return nil
}
