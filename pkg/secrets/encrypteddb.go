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
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"

	"github.com/goughcloud/gough/pkg/storage"
)

// encryptedDB keeps documents in the relational store, sealed with
// AES-256-GCM. The nonce is prepended to the ciphertext.
type encryptedDB struct {
	db   *storage.Store
	aead cipher.AEAD
}

func newEncryptedDB(cfg Config, db *storage.Store) (*encryptedDB, error) {
	if db == nil {
		return nil, errors.New("encrypted_db backend needs a database")
	}
	if cfg.EncryptionKey == "" {
		return nil, errors.New("encrypted_db backend needs an encryption key")
	}
	block, err := aes.NewCipher(deriveKey(cfg.EncryptionKey))
	if err != nil {
		return nil, fmt.Errorf("failed to build cipher: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("failed to build gcm: %w", err)
	}
	return &encryptedDB{db: db, aead: aead}, nil
}

// deriveKey accepts either a base64 encoded 32-byte key or an arbitrary
// passphrase, which is hashed into a key.
func deriveKey(raw string) []byte {
	if key, err := base64.StdEncoding.DecodeString(raw); err == nil && len(key) == 32 {
		return key
	}
	sum := sha256.Sum256([]byte(raw))
	return sum[:]
}

func (e *encryptedDB) Get(ctx context.Context, path string) (map[string]string, error) {
	blob, err := e.db.GetSecretBlob(ctx, path)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, ErrSecretNotFound
		}
		return nil, err
	}
	sealed, err := base64.StdEncoding.DecodeString(blob)
	if err != nil {
		return nil, fmt.Errorf("failed to decode secret at %s: %w", path, err)
	}
	if len(sealed) < e.aead.NonceSize() {
		return nil, fmt.Errorf("secret at %s is truncated", path)
	}
	nonce, ciphertext := sealed[:e.aead.NonceSize()], sealed[e.aead.NonceSize():]
	plaintext, err := e.aead.Open(nil, nonce, ciphertext, []byte(path))
	if err != nil {
		return nil, fmt.Errorf("failed to open secret at %s: %w", path, err)
	}
	var data map[string]string
	if err := json.Unmarshal(plaintext, &data); err != nil {
		return nil, fmt.Errorf("failed to unmarshal secret at %s: %w", path, err)
	}
	return data, nil
}

func (e *encryptedDB) Put(ctx context.Context, path string, data map[string]string) error {
	plaintext, err := json.Marshal(data)
	if err != nil {
		return fmt.Errorf("failed to marshal secret: %w", err)
	}
	nonce := make([]byte, e.aead.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return fmt.Errorf("failed to draw nonce: %w", err)
	}
	// The path is bound as additional data, so a ciphertext moved to
	// another path fails to open.
	sealed := e.aead.Seal(nonce, nonce, plaintext, []byte(path))
	return e.db.PutSecretBlob(ctx, path, base64.StdEncoding.EncodeToString(sealed))
}

func (e *encryptedDB) Delete(ctx context.Context, path string) error {
	err := e.db.DeleteSecretBlob(ctx, path)
	if errors.Is(err, storage.ErrNotFound) {
		return ErrSecretNotFound
	}
	return err
}

func (e *encryptedDB) List(ctx context.Context, prefix string) ([]string, error) {
	return e.db.ListSecretPaths(ctx, prefix)
}
