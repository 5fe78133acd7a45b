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
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"os/exec"
	"os/user"
	"strconv"
	"sync"
	"syscall"
	"time"

	"github.com/creack/pty"
	"go.uber.org/zap"
	"golang.org/x/crypto/ssh"

	"github.com/goughcloud/gough/pkg/sshca"
)

// killGrace is how long a child gets between SIGTERM and SIGKILL.
const killGrace = 5 * time.Second

// SSHServer is the certificate-gated shell endpoint. Only user
// certificates signed by one of the cached CA keys are accepted; plain
// public keys always fail.
type SSHServer struct {
	log       *zap.SugaredLogger
	addr      string
	hostKey   ssh.Signer
	allowRoot bool

	mu sync.Mutex
	// caKeys holds every retained user CA generation so certificates
	// from a superseded CA stay valid until they expire.
	caKeys []ssh.PublicKey
	// active maps broker session ids to cancel functions.
	active map[string]context.CancelFunc
	// closed accumulates ended session ids until the next heartbeat
	// drains them.
	closed []string
}

// NewSSHServer returns a server listening on port when Run is called.
func NewSSHServer(log *zap.SugaredLogger, port int, hostKey ssh.Signer, caKeys []ssh.PublicKey, allowRoot bool) *SSHServer {
	return &SSHServer{
		log:       log,
		addr:      net.JoinHostPort("", strconv.Itoa(port)),
		hostKey:   hostKey,
		caKeys:    caKeys,
		allowRoot: allowRoot,
		active:    map[string]context.CancelFunc{},
	}
}

// SetCAKeys swaps the trusted CA set, e.g. after a reload_config
// command or a token refresh that delivered a rotation.
func (s *SSHServer) SetCAKeys(keys []ssh.PublicKey) {
	s.mu.Lock()
	s.caKeys = keys
	s.mu.Unlock()
}

// ActiveSessions is reported in heartbeats.
func (s *SSHServer) ActiveSessions() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.active)
}

// DrainClosed returns and clears the ended-session list.
func (s *SSHServer) DrainClosed() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	closed := s.closed
	s.closed = nil
	return closed
}

// TerminateSession cancels a running session by its broker id.
func (s *SSHServer) TerminateSession(sessionID string) bool {
	s.mu.Lock()
	cancel, ok := s.active[sessionID]
	s.mu.Unlock()
	if ok {
		cancel()
	}
	return ok
}

func (s *SSHServer) authCallback(conn ssh.ConnMetadata, key ssh.PublicKey) (*ssh.Permissions, error) {
	cert, ok := key.(*ssh.Certificate)
	if !ok {
		return nil, errors.New("certificate authentication required")
	}
	s.mu.Lock()
	caKeys := s.caKeys
	s.mu.Unlock()
	if len(caKeys) == 0 {
		return nil, errors.New("no trusted CA configured")
	}

	checker := &ssh.CertChecker{
		IsUserAuthority: func(auth ssh.PublicKey) bool {
			marshaled := auth.Marshal()
			for _, caKey := range caKeys {
				if string(marshaled) == string(caKey.Marshal()) {
					return true
				}
			}
			return false
		},
	}
	perms, err := checker.Authenticate(conn, key)
	if err != nil {
		return nil, err
	}
	// Authenticate already verified the validity window, the principal
	// list and the signature; keep the session id for tracking.
	if perms == nil {
		perms = &ssh.Permissions{}
	}
	if perms.Extensions == nil {
		perms.Extensions = map[string]string{}
	}
	perms.Extensions[sshca.SessionIDExtension] = cert.Permissions.Extensions[sshca.SessionIDExtension]
	return perms, nil
}

// Run accepts connections until the context ends.
func (s *SSHServer) Run(ctx context.Context) error {
	config := &ssh.ServerConfig{PublicKeyCallback: s.authCallback}
	config.AddHostKey(s.hostKey)

	listener, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.addr, err)
	}
	go func() {
		<-ctx.Done()
		listener.Close()
	}()
	s.log.Infow("ssh server listening", "addr", listener.Addr().String())

	for {
		conn, err := listener.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			s.log.Warnw("accept failed", zap.Error(err))
			continue
		}
		go s.handleConn(ctx, conn, config)
	}
}

func (s *SSHServer) handleConn(ctx context.Context, raw net.Conn, config *ssh.ServerConfig) {
	defer raw.Close()
	serverConn, chans, reqs, err := ssh.NewServerConn(raw, config)
	if err != nil {
		s.log.Debugw("handshake failed", "remote", raw.RemoteAddr().String(), zap.Error(err))
		return
	}
	defer serverConn.Close()
	go ssh.DiscardRequests(reqs)

	sessionID := serverConn.Permissions.Extensions[sshca.SessionIDExtension]
	principal := serverConn.User()

	sessionCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	// An abrupt client disconnect must tear the shell down too, not
	// only an explicit terminate or channel EOF.
	go func() {
		serverConn.Wait()
		cancel()
	}()
	if sessionID != "" {
		s.mu.Lock()
		s.active[sessionID] = cancel
		s.mu.Unlock()
		defer func() {
			s.mu.Lock()
			delete(s.active, sessionID)
			s.closed = append(s.closed, sessionID)
			s.mu.Unlock()
		}()
	}
	s.log.Infow("session opened", "sessionID", sessionID, "principal", principal, "remote", raw.RemoteAddr().String())

	// One session channel per connection.
	sawSession := false
	for newChan := range chans {
		if newChan.ChannelType() != "session" || sawSession {
			newChan.Reject(ssh.UnknownChannelType, "only one session channel is supported")
			continue
		}
		sawSession = true
		channel, requests, err := newChan.Accept()
		if err != nil {
			s.log.Warnw("failed to accept channel", zap.Error(err))
			continue
		}
		s.serveSession(sessionCtx, channel, requests, principal)
		break
	}
	s.log.Infow("session closed", "sessionID", sessionID)
}

type ptyReq struct {
	Term          string
	Cols, Rows    uint32
	Width, Height uint32
	Modes         string
}

type winChangeReq struct {
	Cols, Rows    uint32
	Width, Height uint32
}

func (s *SSHServer) serveSession(ctx context.Context, channel ssh.Channel, requests <-chan *ssh.Request, principal string) {
	defer channel.Close()

	// mu guards the shell state: the request goroutine starts the shell
	// while the teardown path below may fire on a dropped connection.
	var (
		mu      sync.Mutex
		ptmx    *os.File
		cmd     *exec.Cmd
		started bool
	)
	term := "xterm-256color"
	cols, rows := uint32(80), uint32(24)
	done := make(chan struct{})

	startShell := func() error {
		var err error
		cmd, err = s.shellCommand(principal, term)
		if err != nil {
			return err
		}
		ptmx, err = pty.StartWithSize(cmd, &pty.Winsize{Cols: uint16(cols), Rows: uint16(rows)})
		if err != nil {
			return err
		}
		started = true
		go func() { io.Copy(ptmx, channel) }()
		go func() {
			io.Copy(channel, ptmx)
			channel.CloseWrite()
		}()
		go func() {
			err := cmd.Wait()
			status := uint32(0)
			var exitErr *exec.ExitError
			if errors.As(err, &exitErr) {
				status = uint32(exitErr.ExitCode())
			}
			var payload [4]byte
			binary.BigEndian.PutUint32(payload[:], status)
			channel.SendRequest("exit-status", false, payload[:])
			close(done)
		}()
		return nil
	}

	go func() {
		for req := range requests {
			switch req.Type {
			case "pty-req":
				var p ptyReq
				if err := ssh.Unmarshal(req.Payload, &p); err == nil {
					term = p.Term
					cols, rows = p.Cols, p.Rows
				}
				req.Reply(true, nil)
			case "shell":
				mu.Lock()
				if started || ctx.Err() != nil {
					mu.Unlock()
					// A second shell on the same channel would orphan
					// the first one's exit bookkeeping.
					req.Reply(false, nil)
					continue
				}
				err := startShell()
				mu.Unlock()
				req.Reply(err == nil, nil)
				if err != nil {
					s.log.Warnw("failed to start shell", "principal", principal, zap.Error(err))
					channel.Close()
				}
			case "window-change":
				var wc winChangeReq
				if err := ssh.Unmarshal(req.Payload, &wc); err == nil {
					mu.Lock()
					if ptmx != nil {
						pty.Setsize(ptmx, &pty.Winsize{Cols: uint16(wc.Cols), Rows: uint16(wc.Rows)})
					}
					mu.Unlock()
				}
				if req.WantReply {
					req.Reply(true, nil)
				}
			default:
				if req.WantReply {
					req.Reply(false, nil)
				}
			}
		}
	}()

	select {
	case <-ctx.Done():
	case <-done:
	}
	mu.Lock()
	shellPty, shellCmd, shellStarted := ptmx, cmd, started
	mu.Unlock()
	if shellPty != nil {
		shellPty.Close()
	}
	if shellStarted && shellCmd.Process != nil {
		shellCmd.Process.Signal(syscall.SIGTERM)
		select {
		case <-done:
		case <-time.After(killGrace):
			shellCmd.Process.Kill()
		}
	}
}

// shellCommand builds a login shell for the principal. When the local
// user does not exist the session fails unless root fallback is on.
func (s *SSHServer) shellCommand(principal, term string) (*exec.Cmd, error) {
	cmd := exec.Command("/bin/bash", "-l")
	cmd.Env = append(os.Environ(), "TERM="+term)

	u, err := user.Lookup(principal)
	if err != nil {
		if !s.allowRoot {
			return nil, fmt.Errorf("no local user %q and root fallback is disabled", principal)
		}
		s.log.Warnw("local user missing, running as current user", "principal", principal)
		return cmd, nil
	}
	uid, err := strconv.ParseUint(u.Uid, 10, 32)
	if err != nil {
		return nil, err
	}
	gid, err := strconv.ParseUint(u.Gid, 10, 32)
	if err != nil {
		return nil, err
	}
	// Only drop privileges when we are not already that user.
	if os.Getuid() != int(uid) {
		cmd.SysProcAttr = &syscall.SysProcAttr{
			Credential: &syscall.Credential{Uid: uint32(uid), Gid: uint32(gid)},
		}
	}
	cmd.Dir = u.HomeDir
	cmd.Env = append(cmd.Env, "HOME="+u.HomeDir, "USER="+u.Username, "LOGNAME="+u.Username)
	return cmd, nil
}
