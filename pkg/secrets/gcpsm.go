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
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"
	secretmanager "google.golang.org/api/secretmanager/v1"
)

// gcpSM keeps documents in Google Secret Manager, one JSON secret per
// path, always reading the latest version.
type gcpSM struct {
	service *secretmanager.Service
	project string
}

func newGCPSM(ctx context.Context, cfg Config) (*gcpSM, error) {
	if cfg.GCPProject == "" {
		return nil, errors.New("gcp_secretmanager backend needs a project")
	}
	var opts []option.ClientOption
	if cfg.GCPCredentialsJSON != "" {
		opts = append(opts, option.WithCredentialsJSON([]byte(cfg.GCPCredentialsJSON)))
	}
	service, err := secretmanager.NewService(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to build secretmanager service: %w", err)
	}
	return &gcpSM{service: service, project: cfg.GCPProject}, nil
}

// gcpName folds a document path into a Secret Manager compatible id.
func gcpName(path string) string {
	r := strings.NewReplacer("/", "-", ".", "-")
	return r.Replace(path)
}

func (g *gcpSM) secretName(path string) string {
	return fmt.Sprintf("projects/%s/secrets/%s", g.project, gcpName(path))
}

func isGCPStatus(err error, code int) bool {
	var apiErr *googleapi.Error
	return errors.As(err, &apiErr) && apiErr.Code == code
}

func (g *gcpSM) Get(ctx context.Context, path string) (map[string]string, error) {
	resp, err := g.service.Projects.Secrets.Versions.Access(g.secretName(path) + "/versions/latest").Context(ctx).Do()
	if err != nil {
		if isGCPStatus(err, http.StatusNotFound) {
			return nil, ErrSecretNotFound
		}
		return nil, fmt.Errorf("failed to read secret %s: %w", path, err)
	}
	raw, err := base64.StdEncoding.DecodeString(resp.Payload.Data)
	if err != nil {
		return nil, fmt.Errorf("failed to decode secret %s: %w", path, err)
	}
	var data map[string]string
	if err := json.Unmarshal(raw, &data); err != nil {
		return nil, fmt.Errorf("failed to unmarshal secret %s: %w", path, err)
	}
	return data, nil
}

func (g *gcpSM) Put(ctx context.Context, path string, data map[string]string) error {
	payload, err := json.Marshal(data)
	if err != nil {
		return fmt.Errorf("failed to marshal secret: %w", err)
	}
	parent := fmt.Sprintf("projects/%s", g.project)
	_, err = g.service.Projects.Secrets.Create(parent, &secretmanager.Secret{
		Replication: &secretmanager.Replication{Automatic: &secretmanager.Automatic{}},
	}).SecretId(gcpName(path)).Context(ctx).Do()
	if err != nil && !isGCPStatus(err, http.StatusConflict) {
		return fmt.Errorf("failed to create secret %s: %w", path, err)
	}
	_, err = g.service.Projects.Secrets.AddVersion(g.secretName(path), &secretmanager.AddSecretVersionRequest{
		Payload: &secretmanager.SecretPayload{Data: base64.StdEncoding.EncodeToString(payload)},
	}).Context(ctx).Do()
	if err != nil {
		return fmt.Errorf("failed to write secret %s: %w", path, err)
	}
	return nil
}

// List pages through the project's secrets and matches on the folded
// name. Folding is lossy, so the folded names are returned.
func (g *gcpSM) List(ctx context.Context, prefix string) ([]string, error) {
	namePrefix := gcpName(prefix)
	parent := fmt.Sprintf("projects/%s", g.project)
	var paths []string
	err := g.service.Projects.Secrets.List(parent).Pages(ctx, func(resp *secretmanager.ListSecretsResponse) error {
		for _, entry := range resp.Secrets {
			name := entry.Name[strings.LastIndex(entry.Name, "/")+1:]
			if strings.HasPrefix(name, namePrefix) {
				paths = append(paths, name)
			}
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list secrets under %s: %w", prefix, err)
	}
	return paths, nil
}

func (g *gcpSM) Delete(ctx context.Context, path string) error {
	_, err := g.service.Projects.Secrets.Delete(g.secretName(path)).Context(ctx).Do()
	if err != nil {
		if isGCPStatus(err, http.StatusNotFound) {
			return ErrSecretNotFound
		}
		return fmt.Errorf("failed to delete secret %s: %w", path, err)
	}
	return nil
}
