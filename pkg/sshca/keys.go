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

// Package sshca implements the SSH certificate authority: key
// generation, OpenSSH certificate signing and CA rotation.
package sshca

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"fmt"

	"golang.org/x/crypto/ssh"
)

// caKeyBits is the modulus size for CA keys. CA keys sign rarely and
// live long, so they are larger than host keys.
const caKeyBits = 4096

// NewPrivateKey generates and validates an RSA private key.
func NewPrivateKey(bits int) (*rsa.PrivateKey, error) {
	priv, err := rsa.GenerateKey(rand.Reader, bits)
	if err != nil {
		return nil, fmt.Errorf("failed to create private key: %w", err)
	}
	if err := priv.Validate(); err != nil {
		return nil, fmt.Errorf("failed to validate private key: %w", err)
	}
	return priv, nil
}

// EncodePrivateKeyPEM serializes a private key to PKCS#1 PEM.
func EncodePrivateKeyPEM(key *rsa.PrivateKey) string {
	block := &pem.Block{
		Type:  "RSA PRIVATE KEY",
		Bytes: x509.MarshalPKCS1PrivateKey(key),
	}
	return string(pem.EncodeToMemory(block))
}

// ParsePrivateKeyPEM restores a signer from PKCS#1 PEM.
func ParsePrivateKeyPEM(pemData string) (ssh.Signer, error) {
	signer, err := ssh.ParsePrivateKey([]byte(pemData))
	if err != nil {
		return nil, fmt.Errorf("failed to parse private key: %w", err)
	}
	return signer, nil
}

// PublicKeyString renders a key in authorized_keys format, trailing
// newline trimmed.
func PublicKeyString(key ssh.PublicKey) string {
	out := ssh.MarshalAuthorizedKey(key)
	if n := len(out); n > 0 && out[n-1] == '\n' {
		out = out[:n-1]
	}
	return string(out)
}
