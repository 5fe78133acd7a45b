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

package sshca

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"golang.org/x/crypto/ssh"

	"github.com/goughcloud/gough/pkg/secrets"
	"github.com/goughcloud/gough/pkg/storage"
)

func newAuthority(t *testing.T) (*Authority, *storage.Store) {
	t.Helper()
	log := zap.NewNop().Sugar()
	store, err := storage.New(log, storage.Config{Driver: storage.DriverSQLite, DSN: ":memory:"})
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	key := make([]byte, 32)
	_, err = rand.Read(key)
	require.NoError(t, err)
	sec, err := secrets.New(context.Background(), log, secrets.Config{
		Backend:       secrets.BackendEncryptedDB,
		EncryptionKey: base64.StdEncoding.EncodeToString(key),
	}, store)
	require.NoError(t, err)

	return New(log, store, sec), store
}

func clientPublicKey(t *testing.T) string {
	t.Helper()
	key, err := NewPrivateKey(2048)
	require.NoError(t, err)
	signer, err := ssh.NewSignerFromKey(key)
	require.NoError(t, err)
	return PublicKeyString(signer.PublicKey())
}

func parseCert(t *testing.T, raw string) *ssh.Certificate {
	t.Helper()
	pub, _, _, _, err := ssh.ParseAuthorizedKey([]byte(raw))
	require.NoError(t, err)
	cert, ok := pub.(*ssh.Certificate)
	require.True(t, ok, "expected a certificate")
	return cert
}

func TestEnsureCreatesAndReusesCA(t *testing.T) {
	ctx := context.Background()
	authority, _ := newAuthority(t)

	ca1, err := authority.Ensure(ctx, storage.CATypeUser)
	require.NoError(t, err)
	assert.True(t, ca1.Active)
	assert.NotEmpty(t, ca1.PublicKey)

	ca2, err := authority.Ensure(ctx, storage.CATypeUser)
	require.NoError(t, err)
	assert.Equal(t, ca1.ID, ca2.ID)
}

func TestSignUserCert(t *testing.T) {
	ctx := context.Background()
	authority, _ := newAuthority(t)
	pubKey := clientPublicKey(t)

	signed, err := authority.SignUserCert(ctx, UserCertRequest{
		UserEmail:         "alice@example.com",
		ResourceID:        "edge-1",
		PublicKey:         pubKey,
		Principals:        []string{"ubuntu"},
		AllowedPrincipals: []string{"ubuntu", "deploy"},
		SessionID:         "sess-42",
	})
	require.NoError(t, err)

	cert := parseCert(t, signed.Certificate)
	assert.Equal(t, []string{"ubuntu"}, cert.ValidPrincipals)
	assert.EqualValues(t, ssh.UserCert, cert.CertType)
	assert.Contains(t, cert.KeyId, "alice@example.com@edge-1-")
	assert.Equal(t, "sess-42", cert.Permissions.Extensions[SessionIDExtension])
	_, hasPTY := cert.Permissions.Extensions["permit-pty"]
	assert.True(t, hasPTY)

	// The default validity is applied and the window starts slightly in
	// the past to absorb clock skew without stretching the lifetime.
	assert.EqualValues(t, DefaultValiditySec, cert.ValidBefore-cert.ValidAfter)
	assert.LessOrEqual(t, int64(cert.ValidAfter), time.Now().Unix())

	// Serials advance.
	signed2, err := authority.SignUserCert(ctx, UserCertRequest{
		UserEmail:         "alice@example.com",
		ResourceID:        "edge-1",
		PublicKey:         pubKey,
		Principals:        []string{"ubuntu"},
		AllowedPrincipals: []string{"ubuntu"},
	})
	require.NoError(t, err)
	assert.Greater(t, signed2.Serial, signed.Serial)
}

func TestSignUserCertRejectsForeignPrincipal(t *testing.T) {
	ctx := context.Background()
	authority, _ := newAuthority(t)

	_, err := authority.SignUserCert(ctx, UserCertRequest{
		UserEmail:         "mallory@example.com",
		ResourceID:        "edge-1",
		PublicKey:         clientPublicKey(t),
		Principals:        []string{"root"},
		AllowedPrincipals: []string{"ubuntu"},
	})
	assert.ErrorIs(t, err, ErrPrincipalNotAllowed)
}

func TestSignUserCertValidityBounds(t *testing.T) {
	ctx := context.Background()
	authority, _ := newAuthority(t)
	pubKey := clientPublicKey(t)

	// Exactly the maximum is fine and the lifetime never exceeds it.
	signed, err := authority.SignUserCert(ctx, UserCertRequest{
		UserEmail:         "alice@example.com",
		ResourceID:        "edge-1",
		PublicKey:         pubKey,
		Principals:        []string{"ubuntu"},
		AllowedPrincipals: []string{"ubuntu"},
		ValiditySec:       MaxValiditySec,
	})
	require.NoError(t, err)
	cert := parseCert(t, signed.Certificate)
	assert.LessOrEqual(t, cert.ValidBefore-cert.ValidAfter, uint64(MaxValiditySec))

	// One second over is refused, not clamped.
	_, err = authority.SignUserCert(ctx, UserCertRequest{
		UserEmail:         "alice@example.com",
		ResourceID:        "edge-1",
		PublicKey:         pubKey,
		Principals:        []string{"ubuntu"},
		AllowedPrincipals: []string{"ubuntu"},
		ValiditySec:       MaxValiditySec + 1,
	})
	assert.ErrorIs(t, err, ErrValidityTooLong)
}

func TestRotateKeepsOldCertsVerifiable(t *testing.T) {
	ctx := context.Background()
	authority, store := newAuthority(t)

	old, err := authority.Ensure(ctx, storage.CATypeUser)
	require.NoError(t, err)

	signed, err := authority.SignUserCert(ctx, UserCertRequest{
		UserEmail:         "alice@example.com",
		ResourceID:        "edge-1",
		PublicKey:         clientPublicKey(t),
		Principals:        []string{"ubuntu"},
		AllowedPrincipals: []string{"ubuntu"},
	})
	require.NoError(t, err)

	rotated, err := authority.Rotate(ctx, storage.CATypeUser)
	require.NoError(t, err)
	assert.NotEqual(t, old.ID, rotated.ID)

	active, err := store.ActiveCA(ctx, storage.CATypeUser)
	require.NoError(t, err)
	assert.Equal(t, rotated.ID, active.ID)

	// Both generations are returned so agents keep trusting unexpired
	// certificates from the old CA.
	keys, err := authority.UserCAPublicKeys(ctx)
	require.NoError(t, err)
	assert.GreaterOrEqual(t, len(keys), 2)

	cert := parseCert(t, signed.Certificate)
	oldPub, _, _, _, err := ssh.ParseAuthorizedKey([]byte(old.PublicKey))
	require.NoError(t, err)
	checker := &ssh.CertChecker{
		IsUserAuthority: func(auth ssh.PublicKey) bool {
			return string(auth.Marshal()) == string(oldPub.Marshal())
		},
	}
	assert.NoError(t, checker.CheckCert("ubuntu", cert))
}
