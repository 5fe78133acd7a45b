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

package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/oklog/run"
	"github.com/sethvargo/go-password/password"
	flag "github.com/spf13/pflag"
	"go.uber.org/zap"

	"github.com/goughcloud/gough/pkg/audit"
	"github.com/goughcloud/gough/pkg/auth"
	"github.com/goughcloud/gough/pkg/config"
	"github.com/goughcloud/gough/pkg/fleet"
	"github.com/goughcloud/gough/pkg/orchestrator"
	"github.com/goughcloud/gough/pkg/ratelimit"
	"github.com/goughcloud/gough/pkg/rbac"
	"github.com/goughcloud/gough/pkg/secrets"
	"github.com/goughcloud/gough/pkg/server"
	"github.com/goughcloud/gough/pkg/shell"
	"github.com/goughcloud/gough/pkg/sshca"
	"github.com/goughcloud/gough/pkg/storage"
	"github.com/goughcloud/gough/pkg/version"
)

const (
	accessTokenTTL  = 15 * time.Minute
	refreshTokenTTL = 30 * 24 * time.Hour
)

func main() {
	var (
		configPath   string
		debug        bool
		printVersion bool
	)
	flag.StringVar(&configPath, "config", "", "path to the YAML config file (environment overrides it)")
	flag.BoolVar(&debug, "debug", false, "enable debug logging")
	flag.BoolVar(&printVersion, "version", false, "print the version and exit")
	flag.Parse()

	if printVersion {
		fmt.Println(version.String())
		return
	}

	logCfg := zap.NewProductionConfig()
	if debug {
		logCfg = zap.NewDevelopmentConfig()
	}
	rawLog, err := logCfg.Build()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to build logger: %v\n", err)
		os.Exit(2)
	}
	log := rawLog.Sugar()
	defer log.Sync()

	if err := realMain(log, configPath); err != nil {
		log.Errorw("server exited", zap.Error(err))
		os.Exit(1)
	}
}

func realMain(log *zap.SugaredLogger, configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	log.Infow("starting gough server", "version", version.String(), "db", cfg.DBType)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	store, err := storage.New(log, storage.Config{Driver: cfg.DBType, DSN: cfg.DSN()})
	if err != nil {
		return fmt.Errorf("failed to open datastore: %w", err)
	}
	defer store.Close()

	secretStore, err := secrets.New(ctx, log, secrets.Config{
		Backend:        cfg.SecretsBackend,
		EncryptionKey:  cfg.EncryptionKey,
		VaultAddr:      cfg.VaultAddr,
		VaultToken:     cfg.VaultToken,
		VaultMountPath: cfg.VaultMount,
		AWSRegion:      cfg.AWSRegion,
		AzureVaultURL:  cfg.AzureVaultURL,
		GCPProject:     cfg.GCPProject,
	}, store)
	if err != nil {
		return fmt.Errorf("failed to build secrets backend: %w", err)
	}

	tokens, err := auth.NewManager(cfg.JWTSecret(), accessTokenTTL, refreshTokenTTL)
	if err != nil {
		return err
	}

	eval := rbac.New(log, store)
	recorder := audit.New(log, store)
	ca := sshca.New(log, store, secretStore)
	orch := orchestrator.New(log, store, secretStore, cfg.SyncInterval, cfg.MaxInlineWait)
	fleetMgr, err := fleet.New(log, store, tokens, cfg.HeartbeatInterval, cfg.MinAgentVersion)
	if err != nil {
		return err
	}
	broker := shell.New(log, store, eval, ca, fleetMgr, recorder)

	var limiter ratelimit.Limiter = ratelimit.NoopLimiter{}
	if cfg.RedisURL != "" {
		limits, err := ratelimit.ParseLimits(cfg.RateLimitDefault)
		if err != nil {
			return err
		}
		redisLimiter, err := ratelimit.NewRedis(ctx, log, cfg.RedisURL, limits)
		if err != nil {
			return fmt.Errorf("failed to connect to redis: %w", err)
		}
		limiter = redisLimiter
	}

	if _, err := ca.Ensure(ctx, storage.CATypeUser); err != nil {
		return fmt.Errorf("failed to initialize user CA: %w", err)
	}
	if _, err := ca.Ensure(ctx, storage.CATypeHost); err != nil {
		return fmt.Errorf("failed to initialize host CA: %w", err)
	}
	if err := bootstrapAdmin(ctx, log, store, cfg.BootstrapAdminEmail); err != nil {
		return err
	}

	srv := server.New(server.Deps{
		Log:      log,
		Config:   cfg,
		Store:    store,
		Tokens:   tokens,
		Eval:     eval,
		Recorder: recorder,
		Orch:     orch,
		Secrets:  secretStore,
		Fleet:    fleetMgr,
		CA:       ca,
		Broker:   broker,
		Limiter:  limiter,
	})

	public := &http.Server{Addr: cfg.ListenAddr, Handler: srv.Handler()}
	internal := &http.Server{Addr: cfg.InternalAddr, Handler: srv.InternalHandler()}

	var g run.Group
	g.Add(func() error {
		log.Infow("public api listening", "addr", cfg.ListenAddr)
		return public.ListenAndServe()
	}, func(error) {
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer shutdownCancel()
		public.Shutdown(shutdownCtx)
	})
	g.Add(func() error {
		log.Infow("internal endpoints listening", "addr", cfg.InternalAddr)
		return internal.ListenAndServe()
	}, func(error) {
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer shutdownCancel()
		internal.Shutdown(shutdownCtx)
	})
	g.Add(func() error {
		return orch.RunInventorySync(ctx)
	}, func(error) {
		cancel()
	})
	g.Add(func() error {
		return fleetMgr.RunMonitor(ctx)
	}, func(error) {
		cancel()
	})
	g.Add(func() error {
		return broker.RunReaper(ctx)
	}, func(error) {
		cancel()
	})
	g.Add(run.SignalHandler(ctx, syscall.SIGINT, syscall.SIGTERM))

	err = g.Run()
	var sigErr run.SignalError
	if errors.As(err, &sigErr) || errors.Is(err, context.Canceled) || errors.Is(err, http.ErrServerClosed) {
		log.Infow("shut down cleanly")
		return nil
	}
	return err
}

// bootstrapAdmin creates the first admin account on an empty datastore
// and prints the generated password exactly once.
func bootstrapAdmin(ctx context.Context, log *zap.SugaredLogger, store *storage.Store, email string) error {
	count, err := store.CountUsers(ctx)
	if err != nil {
		return err
	}
	if count > 0 {
		return nil
	}
	if email == "" {
		email = "admin@localhost"
	}
	pass, err := password.Generate(24, 6, 0, false, true)
	if err != nil {
		return err
	}
	hash, err := auth.HashPassword(pass)
	if err != nil {
		return err
	}
	user := &storage.User{Email: email, PasswordHash: hash, Active: true, UniqueToken: uuid.NewString()}
	if err := store.CreateUser(ctx, user); err != nil {
		return err
	}
	if err := store.AssignRole(ctx, user.ID, storage.RoleAdmin); err != nil {
		return err
	}
	log.Infow("created bootstrap admin, change the password after first login",
		"email", email, "password", pass)
	return nil
}
