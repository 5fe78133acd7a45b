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
	"bufio"
	"context"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/goughcloud/gough/pkg/sshca"
	"github.com/goughcloud/gough/pkg/version"
)

// refreshSlack is how early the agent rotates its tokens before expiry.
const refreshSlack = 5 * time.Minute

// maxHeartbeatFailures is how many consecutive misses are tolerated
// before the agent logs at error level. It keeps trying either way; the
// server decides when to mark it unreachable.
const maxHeartbeatFailures = 5

// Agent is the on-host daemon.
type Agent struct {
	log    *zap.SugaredLogger
	cfg    *Config
	client *Client
	state  *State
	ssh    *SSHServer

	mu        sync.Mutex
	tokens    *TokenState
	interval  time.Duration
	shutdownC chan struct{}
}

// New opens the state directory and prepares the SSH server. The agent
// is not enrolled until EnsureEnrolled runs.
func New(log *zap.SugaredLogger, cfg *Config) (*Agent, error) {
	state, err := OpenState(cfg.StateDir)
	if err != nil {
		return nil, err
	}
	hostKey, err := state.HostKey()
	if err != nil {
		return nil, fmt.Errorf("failed to load host key: %w", err)
	}
	caKeys, err := state.LoadCAPublicKeys()
	if err != nil && !os.IsNotExist(err) {
		return nil, err
	}

	a := &Agent{
		log:       log,
		cfg:       cfg,
		client:    NewClient(log, cfg.ManagementServer, cfg.VerifySSL),
		state:     state,
		interval:  time.Duration(cfg.HeartbeatIntervalS) * time.Second,
		shutdownC: make(chan struct{}),
	}
	a.ssh = NewSSHServer(log, cfg.SSHPort, hostKey, caKeys, cfg.AllowRootFallback)
	return a, nil
}

// SSHServer exposes the shell endpoint for the run group.
func (a *Agent) SSHServer() *SSHServer { return a.ssh }

// ShutdownRequested closes when the server sends a shutdown command.
func (a *Agent) ShutdownRequested() <-chan struct{} { return a.shutdownC }

// EnsureEnrolled loads persisted tokens or enrolls with the configured
// key on first run.
func (a *Agent) EnsureEnrolled(ctx context.Context) error {
	tokens, err := a.state.LoadTokens()
	if err != nil {
		return err
	}
	if tokens != nil {
		a.mu.Lock()
		a.tokens = tokens
		a.mu.Unlock()
		a.log.Infow("already enrolled", "agentID", tokens.AgentID)
		return nil
	}

	if a.cfg.EnrollmentKey == "" {
		return errors.New("agent is not enrolled and no enrollment key is configured")
	}
	hostname, err := os.Hostname()
	if err != nil {
		hostname = "unknown"
	}
	hostKey, err := a.state.HostKey()
	if err != nil {
		return err
	}
	resp, err := a.client.Enroll(ctx, a.cfg.EnrollmentKey, EnrollRequest{
		Hostname:      hostname,
		SSHPort:       a.cfg.SSHPort,
		AgentVersion:  version.Version,
		Capabilities:  a.cfg.Capabilities,
		HostPublicKey: sshca.PublicKeyString(hostKey.PublicKey()),
	})
	if err != nil {
		return fmt.Errorf("enrollment failed: %w", err)
	}

	tokens = &TokenState{
		AgentID:      resp.AgentID,
		AccessToken:  resp.AccessToken,
		RefreshToken: resp.RefreshToken,
		ExpiresAt:    resp.ExpiresAt,
	}
	if err := a.state.SaveTokens(tokens); err != nil {
		return fmt.Errorf("failed to persist tokens: %w", err)
	}
	caKeys := resp.CAPublicKeys
	if len(caKeys) == 0 {
		caKeys = []string{resp.CAPublicKey}
	}
	if err := a.state.SaveCAPublicKeys(caKeys); err != nil {
		return fmt.Errorf("failed to persist CA keys: %w", err)
	}
	if keys, err := a.state.LoadCAPublicKeys(); err == nil {
		a.ssh.SetCAKeys(keys)
	}
	if sec := resp.HeartbeatIntervalS(); sec > 0 {
		a.interval = time.Duration(sec) * time.Second
	}

	a.mu.Lock()
	a.tokens = tokens
	a.mu.Unlock()
	a.log.Infow("enrolled", "agentID", resp.AgentID, "heartbeatInterval", a.interval)
	return nil
}

func (a *Agent) currentTokens() *TokenState {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.tokens
}

// refresh rotates the token pair and persists the result.
func (a *Agent) refresh(ctx context.Context) error {
	tokens := a.currentTokens()
	if tokens == nil {
		return errors.New("not enrolled")
	}
	resp, err := a.client.Refresh(ctx, tokens.RefreshToken)
	if err != nil {
		return err
	}
	next := &TokenState{
		AgentID:      resp.AgentID,
		AccessToken:  resp.AccessToken,
		RefreshToken: resp.RefreshToken,
		ExpiresAt:    resp.ExpiresAt,
	}
	if err := a.state.SaveTokens(next); err != nil {
		return err
	}
	// Refresh responses carry the full CA set so a rotation reaches
	// every agent without an explicit reload command.
	if len(resp.CAPublicKeys) > 0 {
		if err := a.state.SaveCAPublicKeys(resp.CAPublicKeys); err != nil {
			a.log.Warnw("failed to persist CA keys", zap.Error(err))
		} else if keys, err := a.state.LoadCAPublicKeys(); err == nil {
			a.ssh.SetCAKeys(keys)
		}
	}
	a.mu.Lock()
	a.tokens = next
	a.mu.Unlock()
	return nil
}

// ensureFresh refreshes ahead of expiry.
func (a *Agent) ensureFresh(ctx context.Context) {
	tokens := a.currentTokens()
	if tokens == nil || time.Until(tokens.ExpiresAt) > refreshSlack {
		return
	}
	if err := a.refresh(ctx); err != nil {
		a.log.Warnw("pre-emptive token refresh failed", zap.Error(err))
	}
}

// RunHeartbeat reports on the configured interval until the context
// ends.
func (a *Agent) RunHeartbeat(ctx context.Context) error {
	ticker := time.NewTicker(a.interval)
	defer ticker.Stop()

	failures := 0
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if err := a.beat(ctx); err != nil {
				failures++
				if failures >= maxHeartbeatFailures {
					a.log.Errorw("heartbeats failing, server will mark us unreachable", "consecutive", failures, zap.Error(err))
				} else {
					a.log.Warnw("heartbeat failed", zap.Error(err))
				}
				continue
			}
			failures = 0
		}
	}
}

func (a *Agent) beat(ctx context.Context) error {
	a.ensureFresh(ctx)
	tokens := a.currentTokens()
	if tokens == nil {
		return errors.New("not enrolled")
	}

	hb := HeartbeatRequest{
		AgentID:        tokens.AgentID,
		Status:         "healthy",
		ActiveSessions: a.ssh.ActiveSessions(),
		ResourceUsage:  readResourceUsage(a.ssh.ActiveSessions()),
		Timestamp:      time.Now().Unix(),
		AgentVersion:   version.Version,
		ClosedSessions: a.ssh.DrainClosed(),
	}

	resp, err := a.client.Heartbeat(ctx, tokens.AccessToken, hb)
	if errors.Is(err, ErrUnauthorized) {
		// The access token aged out between refreshes; rotate and retry
		// once.
		if rerr := a.refresh(ctx); rerr != nil {
			return rerr
		}
		resp, err = a.client.Heartbeat(ctx, a.currentTokens().AccessToken, hb)
	}
	if err != nil {
		return err
	}

	for _, cmd := range resp.Commands {
		a.handleCommand(cmd)
	}
	return nil
}

func (a *Agent) handleCommand(cmd Command) {
	switch cmd.Type {
	case "terminate_session":
		if ok := a.ssh.TerminateSession(cmd.SessionID); ok {
			a.log.Infow("terminated session on command", "sessionID", cmd.SessionID)
		} else {
			a.log.Warnw("terminate command for unknown session", "sessionID", cmd.SessionID)
		}
	case "reload_config":
		if keys, err := a.state.LoadCAPublicKeys(); err == nil {
			a.ssh.SetCAKeys(keys)
		}
		a.log.Infow("reloaded configuration on command")
	case "shutdown":
		a.log.Infow("shutdown requested by server")
		select {
		case <-a.shutdownC:
		default:
			close(a.shutdownC)
		}
	default:
		a.log.Warnw("unknown command", "type", cmd.Type)
	}
}

// readResourceUsage samples coarse host load from /proc. Zero values on
// platforms without procfs.
func readResourceUsage(connections int) ResourceUsage {
	usage := ResourceUsage{Connections: connections}
	f, err := os.Open("/proc/meminfo")
	if err != nil {
		return usage
	}
	defer f.Close()

	var totalKB, availKB int64
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		fields := strings.Fields(scanner.Text())
		if len(fields) < 2 {
			continue
		}
		v, err := strconv.ParseInt(fields[1], 10, 64)
		if err != nil {
			continue
		}
		switch fields[0] {
		case "MemTotal:":
			totalKB = v
		case "MemAvailable:":
			availKB = v
		}
	}
	if totalKB > 0 {
		usage.MemPercent = 100 * float64(totalKB-availKB) / float64(totalKB)
		usage.MemAvailableMB = availKB / 1024
	}
	return usage
}
