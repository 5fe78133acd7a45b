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

// Package agent is the on-host access agent: it enrolls with the
// management server, heartbeats, and runs the certificate-gated SSH
// server that shell sessions land on.
package agent

import (
	"fmt"
	"os"
	"strconv"

	"github.com/BurntSushi/toml"
)

// Config is the agent configuration, read from a TOML file with
// GOUGH_* environment overrides on top.
type Config struct {
	ManagementServer string `toml:"management_server"`
	EnrollmentKey    string `toml:"enrollment_key"`
	StateDir         string `toml:"state_dir"`
	SSHPort          int    `toml:"ssh_port"`
	// HeartbeatIntervalS is a starting value; the server's answer in
	// the enrollment response wins.
	HeartbeatIntervalS int      `toml:"heartbeat_interval_s"`
	VerifySSL          bool     `toml:"verify_ssl"`
	AllowRootFallback  bool     `toml:"allow_root_fallback"`
	Capabilities       []string `toml:"capabilities"`
}

func defaults() Config {
	return Config{
		StateDir:           "/var/lib/gough-agent",
		SSHPort:            2222,
		HeartbeatIntervalS: 30,
		VerifySSL:          true,
		Capabilities:       []string{"ssh"},
	}
}

// LoadConfig reads the TOML file when path is non-empty, then applies
// environment overrides and validates.
func LoadConfig(path string) (*Config, error) {
	cfg := defaults()
	if path != "" {
		if _, err := toml.DecodeFile(path, &cfg); err != nil {
			return nil, fmt.Errorf("failed to read config %s: %w", path, err)
		}
	}
	applyEnv(&cfg)
	if cfg.ManagementServer == "" {
		return nil, fmt.Errorf("management_server is required (or set GOUGH_MANAGEMENT_SERVER)")
	}
	if cfg.SSHPort <= 0 || cfg.SSHPort > 65535 {
		return nil, fmt.Errorf("ssh_port %d is out of range", cfg.SSHPort)
	}
	return &cfg, nil
}

func applyEnv(cfg *Config) {
	if v := os.Getenv("GOUGH_MANAGEMENT_SERVER"); v != "" {
		cfg.ManagementServer = v
	}
	if v := os.Getenv("GOUGH_ENROLLMENT_KEY"); v != "" {
		cfg.EnrollmentKey = v
	}
	if v := os.Getenv("GOUGH_STATE_DIR"); v != "" {
		cfg.StateDir = v
	}
	if v := os.Getenv("GOUGH_RSSH_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.SSHPort = port
		}
	}
	if v := os.Getenv("GOUGH_HEARTBEAT_INTERVAL"); v != "" {
		if sec, err := strconv.Atoi(v); err == nil {
			cfg.HeartbeatIntervalS = sec
		}
	}
	if v := os.Getenv("GOUGH_VERIFY_SSL"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			cfg.VerifySSL = b
		}
	}
	if v := os.Getenv("GOUGH_ALLOW_ROOT_FALLBACK"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			cfg.AllowRootFallback = b
		}
	}
}
