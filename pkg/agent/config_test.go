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
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "agent.toml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestLoadConfigDefaults(t *testing.T) {
	path := writeConfig(t, `management_server = "https://gough.example.com"`)

	cfg, err := LoadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, "https://gough.example.com", cfg.ManagementServer)
	assert.Equal(t, "/var/lib/gough-agent", cfg.StateDir)
	assert.Equal(t, 2222, cfg.SSHPort)
	assert.Equal(t, 30, cfg.HeartbeatIntervalS)
	assert.True(t, cfg.VerifySSL)
	assert.False(t, cfg.AllowRootFallback)
	assert.Equal(t, []string{"ssh"}, cfg.Capabilities)
}

func TestLoadConfigFile(t *testing.T) {
	path := writeConfig(t, `
management_server = "https://gough.example.com"
enrollment_key = "abc123"
state_dir = "/tmp/agent"
ssh_port = 2200
heartbeat_interval_s = 60
verify_ssl = false
capabilities = ["ssh", "metrics"]
`)

	cfg, err := LoadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, "abc123", cfg.EnrollmentKey)
	assert.Equal(t, "/tmp/agent", cfg.StateDir)
	assert.Equal(t, 2200, cfg.SSHPort)
	assert.Equal(t, 60, cfg.HeartbeatIntervalS)
	assert.False(t, cfg.VerifySSL)
	assert.Equal(t, []string{"ssh", "metrics"}, cfg.Capabilities)
}

func TestLoadConfigEnvOverrides(t *testing.T) {
	path := writeConfig(t, `
management_server = "https://file.example.com"
ssh_port = 2200
`)
	t.Setenv("GOUGH_MANAGEMENT_SERVER", "https://env.example.com")
	t.Setenv("GOUGH_RSSH_PORT", "2299")
	t.Setenv("GOUGH_ALLOW_ROOT_FALLBACK", "true")

	cfg, err := LoadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, "https://env.example.com", cfg.ManagementServer)
	assert.Equal(t, 2299, cfg.SSHPort)
	assert.True(t, cfg.AllowRootFallback)
}

func TestLoadConfigValidation(t *testing.T) {
	_, err := LoadConfig(writeConfig(t, `ssh_port = 2222`))
	assert.ErrorContains(t, err, "management_server")

	_, err = LoadConfig(writeConfig(t, `
management_server = "https://gough.example.com"
ssh_port = 99999
`))
	assert.ErrorContains(t, err, "out of range")

	_, err = LoadConfig(filepath.Join(t.TempDir(), "missing.toml"))
	assert.Error(t, err)
}
