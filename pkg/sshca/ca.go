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
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
	"golang.org/x/crypto/ssh"

	"github.com/goughcloud/gough/pkg/secrets"
	"github.com/goughcloud/gough/pkg/storage"
)

// Validity bounds in seconds. Eight hours covers a working day; the
// hard ceiling stops configuration mistakes from minting week-long
// certificates.
const (
	DefaultValiditySec = 8 * 3600
	MaxValiditySec     = 28800
)

// HostCertValidity is how long agent host certificates live.
const HostCertValidity = 365 * 24 * time.Hour

// ErrPrincipalNotAllowed is returned when a requested principal is
// outside the permitted set.
var ErrPrincipalNotAllowed = errors.New("principal not allowed")

// ErrValidityTooLong is returned when a caller requests a validity
// beyond the CA's maximum. The signer rejects rather than clamps, so
// callers learn their request was not honored.
var ErrValidityTooLong = errors.New("validity exceeds the ca maximum")

// SessionIDExtension names the certificate extension that carries the
// brokered session id.
const SessionIDExtension = "session-id@gough.dev"

// Authority signs OpenSSH certificates against the active CA
// generation. Private keys live in the secrets store and never touch
// the relational rows.
type Authority struct {
	log     *zap.SugaredLogger
	store   *storage.Store
	secrets secrets.Store
}

// New returns an Authority.
func New(log *zap.SugaredLogger, store *storage.Store, sec secrets.Store) *Authority {
	return &Authority{log: log, store: store, secrets: sec}
}

func caSecretPath(name string) string { return "sshca/" + name }

// Ensure returns the active CA of the given type, generating the first
// generation when none exists.
func (a *Authority) Ensure(ctx context.Context, caType string) (*storage.SSHCAConfig, error) {
	ca, err := a.store.ActiveCA(ctx, caType)
	if err == nil {
		return ca, nil
	}
	if !errors.Is(err, storage.ErrNotFound) {
		return nil, err
	}
	return a.generate(ctx, caType, 1)
}

// Rotate mints a new CA generation and activates it. The superseded
// generation stays in the table so certificates it issued remain
// verifiable until they expire.
func (a *Authority) Rotate(ctx context.Context, caType string) (*storage.SSHCAConfig, error) {
	generation := 1
	if current, err := a.store.ActiveCA(ctx, caType); err == nil {
		generation = int(current.ID) + 1
	}
	ca, err := a.generate(ctx, caType, generation)
	if err != nil {
		return nil, err
	}
	a.log.Infow("rotated ssh ca", "type", caType, "name", ca.Name)
	return ca, nil
}

func (a *Authority) generate(ctx context.Context, caType string, generation int) (*storage.SSHCAConfig, error) {
	key, err := NewPrivateKey(caKeyBits)
	if err != nil {
		return nil, err
	}
	signer, err := ssh.NewSignerFromKey(key)
	if err != nil {
		return nil, fmt.Errorf("failed to build signer: %w", err)
	}

	name := fmt.Sprintf("%s-ca-%d", caType, generation)
	if err := a.secrets.Put(ctx, caSecretPath(name), map[string]string{
		"private_key": EncodePrivateKeyPEM(key),
	}); err != nil {
		return nil, fmt.Errorf("failed to store ca private key: %w", err)
	}

	ca := &storage.SSHCAConfig{
		Name:               name,
		Type:               caType,
		PublicKey:          PublicKeyString(signer.PublicKey()),
		PrivateKeyRef:      caSecretPath(name),
		DefaultValiditySec: DefaultValiditySec,
		MaxValiditySec:     MaxValiditySec,
		Active:             true,
	}
	if err := a.store.CreateCA(ctx, ca); err != nil {
		return nil, fmt.Errorf("failed to store ca config: %w", err)
	}
	a.log.Infow("generated ssh ca", "type", caType, "name", name)
	return ca, nil
}

func (a *Authority) signer(ctx context.Context, ca *storage.SSHCAConfig) (ssh.Signer, error) {
	doc, err := a.secrets.Get(ctx, ca.PrivateKeyRef)
	if err != nil {
		return nil, fmt.Errorf("failed to load ca private key: %w", err)
	}
	return ParsePrivateKeyPEM(doc["private_key"])
}

// UserCertRequest asks for a user certificate. AllowedPrincipals is the
// set the caller's assignments grant; the requested principals must be
// a subset.
type UserCertRequest struct {
	UserEmail         string
	ResourceID        string
	PublicKey         string
	Principals        []string
	AllowedPrincipals []string
	ValiditySec       int64
	// SessionID, when set, rides along as a certificate extension so
	// the agent can tie the connection back to the brokered session.
	SessionID string
}

// SignedCert is a freshly minted certificate.
type SignedCert struct {
	Certificate string
	CAPublicKey string
	Serial      uint64
	KeyID       string
	ValidBefore time.Time
}

// SignUserCert signs a short-lived user certificate with the active
// user CA.
func (a *Authority) SignUserCert(ctx context.Context, req UserCertRequest) (*SignedCert, error) {
	if len(req.Principals) == 0 {
		return nil, errors.New("at least one principal is required")
	}
	for _, p := range req.Principals {
		if !contains(req.AllowedPrincipals, p) {
			return nil, fmt.Errorf("%w: %s", ErrPrincipalNotAllowed, p)
		}
	}

	ca, err := a.Ensure(ctx, storage.CATypeUser)
	if err != nil {
		return nil, err
	}
	if len(ca.AllowedPrincipals) > 0 {
		for _, p := range req.Principals {
			if !ca.AllowedPrincipals.Contains(p) {
				return nil, fmt.Errorf("%w: %s", ErrPrincipalNotAllowed, p)
			}
		}
	}

	validity := req.ValiditySec
	if validity <= 0 {
		validity = ca.DefaultValiditySec
	}
	if validity > ca.MaxValiditySec {
		return nil, fmt.Errorf("%w: %ds requested, %ds allowed", ErrValidityTooLong, validity, ca.MaxValiditySec)
	}

	pub, _, _, _, err := ssh.ParseAuthorizedKey([]byte(req.PublicKey))
	if err != nil {
		return nil, fmt.Errorf("failed to parse public key: %w", err)
	}

	serial, err := a.store.NextCASerial(ctx, ca.ID)
	if err != nil {
		return nil, fmt.Errorf("failed to advance serial: %w", err)
	}

	// Backdate against clock skew. The window is anchored at the
	// backdated start so ValidBefore-ValidAfter never exceeds the
	// configured maximum.
	now := time.Now().UTC()
	validAfter := now.Add(-time.Minute)
	validBefore := validAfter.Add(time.Duration(validity) * time.Second)
	cert := &ssh.Certificate{
		Key:             pub,
		Serial:          uint64(serial),
		CertType:        ssh.UserCert,
		KeyId:           fmt.Sprintf("%s@%s-%d", req.UserEmail, req.ResourceID, now.Unix()),
		ValidPrincipals: req.Principals,
		ValidAfter:      uint64(validAfter.Unix()),
		ValidBefore:     uint64(validBefore.Unix()),
		Permissions: ssh.Permissions{
			Extensions: map[string]string{
				"permit-pty":              "",
				"permit-user-rc":          "",
				"permit-agent-forwarding": "",
			},
		},
	}
	if req.SessionID != "" {
		cert.Permissions.Extensions[SessionIDExtension] = req.SessionID
	}

	signer, err := a.signer(ctx, ca)
	if err != nil {
		return nil, err
	}
	if err := cert.SignCert(rand.Reader, signer); err != nil {
		return nil, fmt.Errorf("failed to sign certificate: %w", err)
	}

	a.log.Infow("signed user certificate",
		"keyID", cert.KeyId, "serial", cert.Serial, "principals", req.Principals, "validitySec", validity)
	return &SignedCert{
		Certificate: PublicKeyString(cert),
		CAPublicKey: ca.PublicKey,
		Serial:      cert.Serial,
		KeyID:       cert.KeyId,
		ValidBefore: validBefore,
	}, nil
}

// SignHostCert signs an agent host certificate with the active host CA.
func (a *Authority) SignHostCert(ctx context.Context, hostname, publicKey string) (*SignedCert, error) {
	ca, err := a.Ensure(ctx, storage.CATypeHost)
	if err != nil {
		return nil, err
	}
	pub, _, _, _, err := ssh.ParseAuthorizedKey([]byte(publicKey))
	if err != nil {
		return nil, fmt.Errorf("failed to parse host key: %w", err)
	}
	serial, err := a.store.NextCASerial(ctx, ca.ID)
	if err != nil {
		return nil, fmt.Errorf("failed to advance serial: %w", err)
	}

	now := time.Now().UTC()
	validAfter := now.Add(-time.Minute)
	validBefore := validAfter.Add(HostCertValidity)
	cert := &ssh.Certificate{
		Key:             pub,
		Serial:          uint64(serial),
		CertType:        ssh.HostCert,
		KeyId:           hostname,
		ValidPrincipals: []string{hostname},
		ValidAfter:      uint64(validAfter.Unix()),
		ValidBefore:     uint64(validBefore.Unix()),
	}

	signer, err := a.signer(ctx, ca)
	if err != nil {
		return nil, err
	}
	if err := cert.SignCert(rand.Reader, signer); err != nil {
		return nil, fmt.Errorf("failed to sign host certificate: %w", err)
	}
	return &SignedCert{
		Certificate: PublicKeyString(cert),
		CAPublicKey: ca.PublicKey,
		Serial:      cert.Serial,
		KeyID:       cert.KeyId,
		ValidBefore: validBefore,
	}, nil
}

// UserCAPublicKeys returns the public keys of every user CA generation,
// newest first, so hosts keep trusting certificates from a superseded
// CA until they expire.
func (a *Authority) UserCAPublicKeys(ctx context.Context) ([]string, error) {
	cas, err := a.store.ListCAs(ctx)
	if err != nil {
		return nil, err
	}
	var keys []string
	for _, ca := range cas {
		if ca.Type == storage.CATypeUser {
			keys = append(keys, ca.PublicKey)
		}
	}
	return keys, nil
}

func contains(set []string, v string) bool {
	for _, e := range set {
		if e == v {
			return true
		}
	}
	return false
}
