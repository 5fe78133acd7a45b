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
	"strings"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/secretsmanager"
	smtypes "github.com/aws/aws-sdk-go-v2/service/secretsmanager/types"
	"github.com/aws/aws-sdk-go-v2/aws"
)

// awsSM keeps documents in AWS Secrets Manager, one JSON secret per
// path. Credentials come from the ambient AWS chain.
type awsSM struct {
	client *secretsmanager.Client
}

func newAWSSM(ctx context.Context, cfg Config) (*awsSM, error) {
	var opts []func(*awsconfig.LoadOptions) error
	if cfg.AWSRegion != "" {
		opts = append(opts, awsconfig.WithRegion(cfg.AWSRegion))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to load aws config: %w", err)
	}
	return &awsSM{client: secretsmanager.NewFromConfig(awsCfg)}, nil
}

func (a *awsSM) Get(ctx context.Context, path string) (map[string]string, error) {
	out, err := a.client.GetSecretValue(ctx, &secretsmanager.GetSecretValueInput{
		SecretId: aws.String(path),
	})
	if err != nil {
		var notFound *smtypes.ResourceNotFoundException
		if errors.As(err, &notFound) {
			return nil, ErrSecretNotFound
		}
		return nil, fmt.Errorf("failed to read secret %s: %w", path, err)
	}
	var data map[string]string
	if err := json.Unmarshal([]byte(aws.ToString(out.SecretString)), &data); err != nil {
		return nil, fmt.Errorf("failed to unmarshal secret %s: %w", path, err)
	}
	return data, nil
}

func (a *awsSM) Put(ctx context.Context, path string, data map[string]string) error {
	payload, err := json.Marshal(data)
	if err != nil {
		return fmt.Errorf("failed to marshal secret: %w", err)
	}
	_, err = a.client.PutSecretValue(ctx, &secretsmanager.PutSecretValueInput{
		SecretId:     aws.String(path),
		SecretString: aws.String(string(payload)),
	})
	if err == nil {
		return nil
	}
	var notFound *smtypes.ResourceNotFoundException
	if !errors.As(err, &notFound) {
		return fmt.Errorf("failed to write secret %s: %w", path, err)
	}
	_, err = a.client.CreateSecret(ctx, &secretsmanager.CreateSecretInput{
		Name:         aws.String(path),
		SecretString: aws.String(string(payload)),
	})
	if err != nil {
		return fmt.Errorf("failed to create secret %s: %w", path, err)
	}
	return nil
}

// List pages through ListSecrets with a server-side name filter. The
// filter matches loosely, so names are checked again client-side.
func (a *awsSM) List(ctx context.Context, prefix string) ([]string, error) {
	input := &secretsmanager.ListSecretsInput{
		Filters: []smtypes.Filter{{
			Key:    smtypes.FilterNameStringTypeName,
			Values: []string{prefix},
		}},
	}
	var paths []string
	for {
		out, err := a.client.ListSecrets(ctx, input)
		if err != nil {
			return nil, fmt.Errorf("failed to list secrets under %s: %w", prefix, err)
		}
		for _, entry := range out.SecretList {
			if name := aws.ToString(entry.Name); strings.HasPrefix(name, prefix) {
				paths = append(paths, name)
			}
		}
		if out.NextToken == nil {
			return paths, nil
		}
		input.NextToken = out.NextToken
	}
}

func (a *awsSM) Delete(ctx context.Context, path string) error {
	_, err := a.client.DeleteSecret(ctx, &secretsmanager.DeleteSecretInput{
		SecretId:                   aws.String(path),
		ForceDeleteWithoutRecovery: aws.Bool(true),
	})
	if err != nil {
		var notFound *smtypes.ResourceNotFoundException
		if errors.As(err, &notFound) {
			return ErrSecretNotFound
		}
		return fmt.Errorf("failed to delete secret %s: %w", path, err)
	}
	return nil
}
