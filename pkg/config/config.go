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

// Package config loads the server configuration. Environment variables
// are authoritative; an optional YAML file supplies defaults for
// anything the environment leaves unset.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Server is the full server configuration.
type Server struct {
	ListenAddr   string `yaml:"listen_addr"`
	InternalAddr string `yaml:"internal_addr"`

	DBType     string `yaml:"db_type"`
	DBHost     string `yaml:"db_host"`
	DBPort     int    `yaml:"db_port"`
	DBName     string `yaml:"db_name"`
	DBUser     string `yaml:"db_user"`
	DBPass     string `yaml:"db_pass"`
	DBPoolSize int    `yaml:"db_pool_size"`

	SecretKey     string `yaml:"secret_key"`
	JWTSecretKey  string `yaml:"jwt_secret_key"`
	EncryptionKey string `yaml:"encryption_key"`

	SecretsBackend string `yaml:"secrets_backend"`
	VaultAddr      string `yaml:"vault_addr"`
	VaultToken     string `yaml:"vault_token"`
	VaultMount     string `yaml:"vault_mount"`
	AWSRegion      string `yaml:"aws_region"`
	AzureVaultURL  string `yaml:"azure_vault_url"`
	GCPProject     string `yaml:"gcp_project"`

	RedisURL         string `yaml:"redis_url"`
	RateLimitDefault string `yaml:"rate_limit_default"`
	CORSOrigins      string `yaml:"cors_origins"`

	WebhookSecret string `yaml:"webhook_secret"`

	SyncInterval      time.Duration `yaml:"sync_interval"`
	HeartbeatInterval time.Duration `yaml:"heartbeat_interval"`
	MaxInlineWait     time.Duration `yaml:"max_inline_wait"`
	MinAgentVersion   string        `yaml:"min_agent_version"`

	BootstrapAdminEmail string `yaml:"bootstrap_admin_email"`
}

// Defaults applied before file and environment.
func defaults() Server {
	return Server{
		ListenAddr:        ":8080",
		InternalAddr:      "127.0.0.1:8085",
		DBType:            "sqlite",
		DBName:            "gough.db",
		DBPort:            5432,
		DBPoolSize:        25,
		SecretsBackend:    "encrypted_db",
		SyncInterval:      time.Minute,
		HeartbeatInterval: 30 * time.Second,
		MaxInlineWait:     30 * time.Second,
	}
}

// Load builds the configuration from defaults, the optional file and
// the environment, then validates it.
func Load(path string) (*Server, error) {
	cfg := defaults()
	if path != "" {
		raw, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.Unmarshal(raw, &cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file: %w", err)
		}
	}
	applyEnv(&cfg)
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func applyEnv(cfg *Server) {
	envString(&cfg.ListenAddr, "LISTEN_ADDR")
	envString(&cfg.InternalAddr, "INTERNAL_LISTEN_ADDR")
	envString(&cfg.DBType, "DB_TYPE")
	envString(&cfg.DBHost, "DB_HOST")
	envInt(&cfg.DBPort, "DB_PORT")
	envString(&cfg.DBName, "DB_NAME")
	envString(&cfg.DBUser, "DB_USER")
	envString(&cfg.DBPass, "DB_PASS")
	envInt(&cfg.DBPoolSize, "DB_POOL_SIZE")
	envString(&cfg.SecretKey, "SECRET_KEY")
	envString(&cfg.JWTSecretKey, "JWT_SECRET_KEY")
	envString(&cfg.EncryptionKey, "ENCRYPTION_KEY")
	envString(&cfg.SecretsBackend, "SECRETS_BACKEND")
	envString(&cfg.VaultAddr, "VAULT_ADDR")
	envString(&cfg.VaultToken, "VAULT_TOKEN")
	envString(&cfg.VaultMount, "VAULT_MOUNT")
	envString(&cfg.AWSRegion, "AWS_REGION")
	envString(&cfg.AzureVaultURL, "AZURE_VAULT_URL")
	envString(&cfg.GCPProject, "GCP_PROJECT")
	envString(&cfg.RedisURL, "REDIS_URL")
	envString(&cfg.RateLimitDefault, "RATE_LIMIT_DEFAULT")
	envString(&cfg.CORSOrigins, "CORS_ORIGINS")
	envString(&cfg.WebhookSecret, "WEBHOOK_SECRET")
	envString(&cfg.MinAgentVersion, "MIN_AGENT_VERSION")
	envString(&cfg.BootstrapAdminEmail, "BOOTSTRAP_ADMIN_EMAIL")
	envDuration(&cfg.SyncInterval, "SYNC_INTERVAL")
	envDuration(&cfg.HeartbeatInterval, "HEARTBEAT_INTERVAL")
	envDuration(&cfg.MaxInlineWait, "MAX_INLINE_WAIT")
}

func (c *Server) validate() error {
	if c.SecretKey == "" {
		return fmt.Errorf("SECRET_KEY must be set")
	}
	switch c.DBType {
	case "sqlite", "postgres":
	default:
		return fmt.Errorf("DB_TYPE must be sqlite or postgres, got %q", c.DBType)
	}
	if c.DBType == "postgres" && (c.DBHost == "" || c.DBUser == "") {
		return fmt.Errorf("postgres requires DB_HOST and DB_USER")
	}
	return nil
}

// JWTSecret returns the JWT signing secret, falling back to SECRET_KEY
// when JWT_SECRET_KEY is unset.
func (c *Server) JWTSecret() []byte {
	if c.JWTSecretKey != "" {
		return []byte(c.JWTSecretKey)
	}
	return []byte(c.SecretKey)
}

// EffectiveWebhookSecret falls back to SECRET_KEY so the webhook path
// works out of the box.
func (c *Server) EffectiveWebhookSecret() []byte {
	if c.WebhookSecret != "" {
		return []byte(c.WebhookSecret)
	}
	return []byte(c.SecretKey)
}

// DSN renders the database connection string.
func (c *Server) DSN() string {
	if c.DBType == "postgres" {
		return fmt.Sprintf("host=%s port=%d dbname=%s user=%s password=%s sslmode=disable",
			c.DBHost, c.DBPort, c.DBName, c.DBUser, c.DBPass)
	}
	return c.DBName
}

// CORSOriginList splits the configured origins.
func (c *Server) CORSOriginList() []string {
	if c.CORSOrigins == "" {
		return nil
	}
	parts := strings.Split(c.CORSOrigins, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func envString(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func envInt(dst *int, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func envDuration(dst *time.Duration, key string) {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			*dst = d
		} else if n, err := strconv.Atoi(v); err == nil {
			*dst = time.Duration(n) * time.Second
		}
	}
}
