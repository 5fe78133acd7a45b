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

package agent

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"golang.org/x/crypto/ssh"

	"github.com/goughcloud/gough/pkg/sshca"
)

const (
	tokensFile  = "tokens.json"
	caPubFile   = "ca.pub"
	hostKeyFile = "host_key"

	hostKeyBits = 2048
)

// TokenState is the persisted identity of an enrolled agent.
type TokenState struct {
	AgentID      string    `json:"agent_id"`
	AccessToken  string    `json:"access_token"`
	RefreshToken string    `json:"refresh_token"`
	ExpiresAt    time.Time `json:"expires_at"`
}

// State is the agent's on-disk identity under the state directory.
type State struct {
	dir string
}

// OpenState creates the state directory if needed.
func OpenState(dir string) (*State, error) {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("failed to create state dir %s: %w", dir, err)
	}
	return &State{dir: dir}, nil
}

func (s *State) path(name string) string { return filepath.Join(s.dir, name) }

// LoadTokens returns the persisted tokens, or nil when the agent has
// not enrolled yet.
func (s *State) LoadTokens() (*TokenState, error) {
	raw, err := os.ReadFile(s.path(tokensFile))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	var ts TokenState
	if err := json.Unmarshal(raw, &ts); err != nil {
		return nil, fmt.Errorf("failed to parse %s: %w", tokensFile, err)
	}
	return &ts, nil
}

// SaveTokens persists tokens with owner-only permissions.
func (s *State) SaveTokens(ts *TokenState) error {
	raw, err := json.Marshal(ts)
	if err != nil {
		return err
	}
	return os.WriteFile(s.path(tokensFile), raw, 0o600)
}

// SaveCAPublicKeys stores the user CA set the SSH server trusts, one
// authorized-keys line per generation, newest first.
func (s *State) SaveCAPublicKeys(authorizedKeys []string) error {
	var b strings.Builder
	for _, k := range authorizedKeys {
		if k = strings.TrimSpace(k); k != "" {
			b.WriteString(k)
			b.WriteByte('\n')
		}
	}
	return os.WriteFile(s.path(caPubFile), []byte(b.String()), 0o644)
}

// LoadCAPublicKeys parses the cached CA keys.
func (s *State) LoadCAPublicKeys() ([]ssh.PublicKey, error) {
	raw, err := os.ReadFile(s.path(caPubFile))
	if err != nil {
		return nil, err
	}
	var keys []ssh.PublicKey
	for len(bytes.TrimSpace(raw)) > 0 {
		pub, _, _, rest, err := ssh.ParseAuthorizedKey(raw)
		if err != nil {
			return nil, fmt.Errorf("failed to parse cached CA key: %w", err)
		}
		keys = append(keys, pub)
		raw = rest
	}
	return keys, nil
}

// HostKey loads the persistent host key, generating it on first run so
// the host identity survives restarts.
func (s *State) HostKey() (ssh.Signer, error) {
	raw, err := os.ReadFile(s.path(hostKeyFile))
	if err == nil {
		return sshca.ParsePrivateKeyPEM(string(raw))
	}
	if !os.IsNotExist(err) {
		return nil, err
	}
	key, err := sshca.NewPrivateKey(hostKeyBits)
	if err != nil {
		return nil, err
	}
	pemData := sshca.EncodePrivateKeyPEM(key)
	if err := os.WriteFile(s.path(hostKeyFile), []byte(pemData), 0o600); err != nil {
		return nil, err
	}
	return sshca.ParsePrivateKeyPEM(pemData)
}
