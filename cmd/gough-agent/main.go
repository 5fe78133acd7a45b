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
	"os"
	"syscall"

	"github.com/oklog/run"
	flag "github.com/spf13/pflag"
	"go.uber.org/zap"

	"github.com/goughcloud/gough/pkg/agent"
	"github.com/goughcloud/gough/pkg/version"
)

func main() {
	var (
		configPath   string
		debug        bool
		printVersion bool
	)
	flag.StringVar(&configPath, "config", "/etc/gough/agent.toml", "path to the agent TOML config")
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
		log.Errorw("agent exited", zap.Error(err))
		os.Exit(1)
	}
}

func realMain(log *zap.SugaredLogger, configPath string) error {
	// A missing config file is fine when the environment carries
	// everything.
	if _, err := os.Stat(configPath); os.IsNotExist(err) {
		configPath = ""
	}
	cfg, err := agent.LoadConfig(configPath)
	if err != nil {
		return err
	}
	log.Infow("starting gough agent", "version", version.String(), "server", cfg.ManagementServer)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	a, err := agent.New(log, cfg)
	if err != nil {
		return err
	}
	if err := a.EnsureEnrolled(ctx); err != nil {
		return err
	}

	var g run.Group
	g.Add(func() error {
		return a.RunHeartbeat(ctx)
	}, func(error) {
		cancel()
	})
	g.Add(func() error {
		return a.SSHServer().Run(ctx)
	}, func(error) {
		cancel()
	})
	g.Add(func() error {
		select {
		case <-a.ShutdownRequested():
			return errors.New("shutdown command received")
		case <-ctx.Done():
			return ctx.Err()
		}
	}, func(error) {
		cancel()
	})
	g.Add(run.SignalHandler(ctx, syscall.SIGINT, syscall.SIGTERM))

	err = g.Run()
	var sigErr run.SignalError
	if errors.As(err, &sigErr) || errors.Is(err, context.Canceled) {
		log.Infow("shut down cleanly")
		return nil
	}
	return err
}
