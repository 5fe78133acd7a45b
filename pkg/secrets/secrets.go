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

// Package secrets stores credential documents outside the relational
// rows that reference them. A document is a flat map of string key
// value pairs addressed by a slash separated path, for example
// "providers/aws-prod" or "sshca/user-ca-1".
package secrets

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/goughcloud/gough/pkg/storage"
)

// ErrSecretNotFound is returned when no document exists at a path.
var ErrSecretNotFound = errors.New("secret not found")

// Backend names accepted in configuration.
const (
	BackendEncryptedDB = "encrypted_db"
	BackendVault       = "vault"
	BackendAWSSM       = "aws_secretsmanager"
	BackendAzureKV     = "azure_keyvault"
	BackendGCPSM       = "gcp_secretmanager"
)

// Store reads and writes credential documents.
type Store interface {
	Get(ctx context.Context, path string) (map[string]string, error)
	Put(ctx context.Context, path string, data map[string]string) error
	Delete(ctx context.Context, path string) error
	// List returns the paths of every document under prefix. Backends
	// that fold paths into provider naming rules return the folded
	// names.
	List(ctx context.Context, prefix string) ([]string, error)
}

// Config selects and parameterizes a backend.
type Config struct {
	Backend string

	// EncryptionKey seals the encrypted_db backend. A base64 encoded
	// 32-byte value is used as the AES key directly; anything else is
	// hashed into one with SHA-256.
	EncryptionKey string

	VaultAddr      string
	VaultToken     string
	VaultMountPath string

	AWSRegion string

	AzureVaultURL string

	GCPProject         string
	GCPCredentialsJSON string
}

// New builds the configured backend. The encrypted database backend is
// the default and needs no external service.
func New(ctx context.Context, log *zap.SugaredLogger, cfg Config, db *storage.Store) (Store, error) {
	switch cfg.Backend {
	case BackendEncryptedDB, "":
		return newEncryptedDB(cfg, db)
	case BackendVault:
		return newVault(cfg)
	case BackendAWSSM:
		return newAWSSM(ctx, cfg)
	case BackendAzureKV:
		return newAzureKV(cfg)
	case BackendGCPSM:
		return newGCPSM(ctx, cfg)
	}
	return nil, fmt.Errorf("unknown secrets backend %q", cfg.Backend)
}
