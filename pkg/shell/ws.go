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

package shell

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
	"golang.org/x/crypto/ssh"
)

// Frame types on the web-terminal WebSocket.
const (
	frameInput  = "input"
	frameOutput = "output"
	frameResize = "resize"
	frameError  = "error"
)

// maxFrameSize rejects oversized frames without killing the session.
const maxFrameSize = 1 << 20

// wsFrame is the JSON envelope. Data is base64 so partial UTF-8
// sequences survive framing intact.
type wsFrame struct {
	Type string `json:"type"`
	Data string `json:"data,omitempty"`
	Cols int    `json:"cols,omitempty"`
	Rows int    `json:"rows,omitempty"`
}

// wsWriter serializes WebSocket writes; gorilla allows one concurrent
// writer.
type wsWriter struct {
	mu   sync.Mutex
	conn *websocket.Conn
}

func (w *wsWriter) write(frame wsFrame) error {
	payload, err := json.Marshal(frame)
	if err != nil {
		return err
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.conn.WriteMessage(websocket.TextMessage, payload)
}

// Bridge connects a browser WebSocket to the session's agent by
// dialing SSH with the broker-held ephemeral certificate and pumping
// bytes both ways. Frames stay strictly ordered per direction.
func (b *Broker) Bridge(ctx context.Context, sessionID string, conn *websocket.Conn) error {
	out := &wsWriter{conn: conn}
	ls, ok := b.liveSessionFor(sessionID)
	if !ok {
		out.write(wsFrame{Type: frameError, Data: base64.StdEncoding.EncodeToString([]byte("session not found"))})
		return ErrSessionGone
	}
	if time.Now().After(ls.expiresAt) {
		b.dropLive(sessionID)
		return ErrSessionGone
	}

	addr := net.JoinHostPort(ls.agentHost, strconv.Itoa(ls.agentPort))
	clientConfig := &ssh.ClientConfig{
		User:            ls.principal,
		Auth:            []ssh.AuthMethod{ssh.PublicKeys(ls.signer)},
		HostKeyCallback: ssh.InsecureIgnoreHostKey(), //nolint:gosec
		Timeout:         10 * time.Second,
	}
	sshClient, err := ssh.Dial("tcp", addr, clientConfig)
	if err != nil {
		return fmt.Errorf("failed to reach agent %s: %w", addr, err)
	}
	defer sshClient.Close()

	session, err := sshClient.NewSession()
	if err != nil {
		return fmt.Errorf("failed to open ssh session: %w", err)
	}
	defer session.Close()

	stdin, err := session.StdinPipe()
	if err != nil {
		return err
	}
	stdout, err := session.StdoutPipe()
	if err != nil {
		return err
	}
	session.Stderr = session.Stdout

	if err := session.RequestPty("xterm-256color", 24, 80, ssh.TerminalModes{
		ssh.ECHO:          1,
		ssh.TTY_OP_ISPEED: 14400,
		ssh.TTY_OP_OSPEED: 14400,
	}); err != nil {
		return fmt.Errorf("failed to request pty: %w", err)
	}
	if err := session.Shell(); err != nil {
		return fmt.Errorf("failed to start shell: %w", err)
	}

	done := make(chan struct{})
	// Output pump: one writer goroutine keeps WebSocket writes
	// serialized and FIFO.
	go func() {
		defer close(done)
		buf := make([]byte, 32*1024)
		for {
			n, err := stdout.Read(buf)
			if n > 0 {
				frame := wsFrame{Type: frameOutput, Data: base64.StdEncoding.EncodeToString(buf[:n])}
				if err := out.write(frame); err != nil {
					return
				}
			}
			if err != nil {
				return
			}
		}
	}()

	// Input pump on the calling goroutine.
	for {
		select {
		case <-ctx.Done():
			b.finishBridge(sessionID)
			return ctx.Err()
		case <-done:
			b.finishBridge(sessionID)
			return nil
		default:
		}

		_, payload, err := conn.ReadMessage()
		if err != nil {
			b.finishBridge(sessionID)
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				return nil
			}
			return err
		}
		if len(payload) > maxFrameSize {
			out.write(wsFrame{Type: frameError, Data: base64.StdEncoding.EncodeToString([]byte("frame too large"))})
			continue
		}
		var frame wsFrame
		if err := json.Unmarshal(payload, &frame); err != nil {
			continue
		}
		switch frame.Type {
		case frameInput:
			data, err := base64.StdEncoding.DecodeString(frame.Data)
			if err != nil {
				continue
			}
			if _, err := stdin.Write(data); err != nil {
				b.finishBridge(sessionID)
				if err == io.EOF {
					return nil
				}
				return err
			}
		case frameResize:
			if frame.Cols > 0 && frame.Rows > 0 {
				if err := session.WindowChange(frame.Rows, frame.Cols); err != nil {
					b.log.Debugw("window change failed", "sessionID", sessionID, zap.Error(err))
				}
			}
		}
	}
}

// finishBridge closes the session row after the web terminal detaches.
func (b *Broker) finishBridge(sessionID string) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := b.CloseFromAgent(ctx, sessionID); err != nil {
		b.log.Errorw("failed to close bridged session", "sessionID", sessionID, zap.Error(err))
	}
}
