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
	"crypto/rand"
	"encoding/base64"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/goughcloud/gough/pkg/storage"
)

func newEncryptedStore(t *testing.T) Store {
	t.Helper()
	log := zap.NewNop().Sugar()
	db, err := storage.New(log, storage.Config{Driver: storage.DriverSQLite, DSN: ":memory:"})
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	key := make([]byte, 32)
	_, err = rand.Read(key)
	require.NoError(t, err)

	s, err := New(context.Background(), log, Config{
		Backend:       BackendEncryptedDB,
		EncryptionKey: base64.StdEncoding.EncodeToString(key),
	}, db)
	require.NoError(t, err)
	return s
}

func TestEncryptedDBRoundTrip(t *testing.T) {
	ctx := context.Background()
	s := newEncryptedStore(t)

	doc := map[string]string{"access_key": "AKIA...", "secret_key": "s3cr3t"}
	require.NoError(t, s.Put(ctx, "providers/aws-prod", doc))

	got, err := s.Get(ctx, "providers/aws-prod")
	require.NoError(t, err)
	assert.Equal(t, doc, got)

	// Overwrite in place.
	require.NoError(t, s.Put(ctx, "providers/aws-prod", map[string]string{"token": "t"}))
	got, err = s.Get(ctx, "providers/aws-prod")
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"token": "t"}, got)

	require.NoError(t, s.Delete(ctx, "providers/aws-prod"))
	_, err = s.Get(ctx, "providers/aws-prod")
	assert.ErrorIs(t, err, ErrSecretNotFound)
}

func TestEncryptedDBMissingPath(t *testing.T) {
	_, err := newEncryptedStore(t).Get(context.Background(), "nope")
	assert.ErrorIs(t, err, ErrSecretNotFound)
}

func TestEncryptedDBList(t *testing.T) {
	ctx := context.Background()
	s := newEncryptedStore(t)

	for _, path := range []string{"providers/aws-prod", "providers/lab", "sshca/user-ca-1"} {
		require.NoError(t, s.Put(ctx, path, map[string]string{"k": "v"}))
	}

	paths, err := s.List(ctx, "providers/")
	require.NoError(t, err)
	assert.Equal(t, []string{"providers/aws-prod", "providers/lab"}, paths)

	paths, err = s.List(ctx, "nothing/")
	require.NoError(t, err)
	assert.Empty(t, paths)
}

func TestEncryptedDBDerivesKeyFromPassphrase(t *testing.T) {
	ctx := context.Background()
	log := zap.NewNop().Sugar()
	db, err := storage.New(log, storage.Config{Driver: storage.DriverSQLite, DSN: ":memory:"})
	require.NoError(t, err)
	defer db.Close()

	// An operator-chosen passphrase is hashed into a key.
	s, err := New(ctx, log, Config{Backend: BackendEncryptedDB, EncryptionKey: "correct horse battery staple"}, db)
	require.NoError(t, err)
	require.NoError(t, s.Put(ctx, "providers/lab", map[string]string{"token": "t"}))

	// The same passphrase opens the same documents in a fresh store.
	reopened, err := New(ctx, log, Config{Backend: BackendEncryptedDB, EncryptionKey: "correct horse battery staple"}, db)
	require.NoError(t, err)
	got, err := reopened.Get(ctx, "providers/lab")
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"token": "t"}, got)

	// A different passphrase cannot.
	other, err := New(ctx, log, Config{Backend: BackendEncryptedDB, EncryptionKey: "wrong"}, db)
	require.NoError(t, err)
	_, err = other.Get(ctx, "providers/lab")
	assert.Error(t, err)

	// An empty key is still refused.
	_, err = New(ctx, log, Config{Backend: BackendEncryptedDB}, db)
	assert.Error(t, err)
}
