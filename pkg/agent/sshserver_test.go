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
	"crypto/rand"
	"net"
	"os/user"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"golang.org/x/crypto/ssh"

	"github.com/goughcloud/gough/pkg/sshca"
)

func testSigner(t *testing.T) ssh.Signer {
	t.Helper()
	key, err := sshca.NewPrivateKey(2048)
	require.NoError(t, err)
	signer, err := ssh.NewSignerFromKey(key)
	require.NoError(t, err)
	return signer
}

// signedClientCert builds a user certificate signed by ca and wraps it
// with the client key into a dialable signer.
func signedClientCert(t *testing.T, ca, client ssh.Signer, principal, sessionID string) ssh.Signer {
	t.Helper()
	cert := &ssh.Certificate{
		Key:             client.PublicKey(),
		Serial:          1,
		CertType:        ssh.UserCert,
		KeyId:           "test@" + principal,
		ValidPrincipals: []string{principal},
		ValidAfter:      uint64(time.Now().Add(-time.Minute).Unix()),
		ValidBefore:     uint64(time.Now().Add(time.Hour).Unix()),
		Permissions: ssh.Permissions{Extensions: map[string]string{
			"permit-pty":             "",
			sshca.SessionIDExtension: sessionID,
		}},
	}
	require.NoError(t, cert.SignCert(rand.Reader, ca))
	certSigner, err := ssh.NewCertSigner(cert, client)
	require.NoError(t, err)
	return certSigner
}

func startTestServer(t *testing.T, caKeys ...ssh.PublicKey) (*SSHServer, string) {
	t.Helper()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	port := l.Addr().(*net.TCPAddr).Port
	require.NoError(t, l.Close())

	srv := NewSSHServer(zap.NewNop().Sugar(), port, testSigner(t), caKeys, false)
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go srv.Run(ctx)

	addr := net.JoinHostPort("127.0.0.1", strconv.Itoa(port))
	require.Eventually(t, func() bool {
		c, err := net.DialTimeout("tcp", addr, time.Second)
		if err != nil {
			return false
		}
		c.Close()
		return true
	}, 5*time.Second, 50*time.Millisecond, "ssh server never came up")
	return srv, addr
}

func dialTest(addr, principal string, auth ssh.AuthMethod) (*ssh.Client, error) {
	return ssh.Dial("tcp", addr, &ssh.ClientConfig{
		User:            principal,
		Auth:            []ssh.AuthMethod{auth},
		HostKeyCallback: ssh.InsecureIgnoreHostKey(),
		Timeout:         5 * time.Second,
	})
}

func TestSessionRunsAtMostOneShell(t *testing.T) {
	ca := testSigner(t)
	_, addr := startTestServer(t, ca.PublicKey())
	me, err := user.Current()
	require.NoError(t, err)

	certSigner := signedClientCert(t, ca, testSigner(t), me.Username, "sess-1")
	client, err := dialTest(addr, me.Username, ssh.PublicKeys(certSigner))
	require.NoError(t, err)
	defer client.Close()

	ch, reqs, err := client.OpenChannel("session", nil)
	require.NoError(t, err)
	go ssh.DiscardRequests(reqs)

	ok, err := ch.SendRequest("shell", true, nil)
	require.NoError(t, err)
	require.True(t, ok)

	// A second shell on the same channel is refused instead of forking
	// another process under the same exit bookkeeping.
	ok, err = ch.SendRequest("shell", true, nil)
	require.NoError(t, err)
	assert.False(t, ok)
	ch.Close()

	// The server survived and still answers fresh connections.
	again, err := dialTest(addr, me.Username, ssh.PublicKeys(certSigner))
	require.NoError(t, err)
	again.Close()
}

func TestClientDisconnectEndsSession(t *testing.T) {
	ca := testSigner(t)
	srv, addr := startTestServer(t, ca.PublicKey())
	me, err := user.Current()
	require.NoError(t, err)

	certSigner := signedClientCert(t, ca, testSigner(t), me.Username, "sess-drop")
	client, err := dialTest(addr, me.Username, ssh.PublicKeys(certSigner))
	require.NoError(t, err)

	ch, reqs, err := client.OpenChannel("session", nil)
	require.NoError(t, err)
	go ssh.DiscardRequests(reqs)
	ok, err := ch.SendRequest("shell", true, nil)
	require.NoError(t, err)
	require.True(t, ok)
	require.Eventually(t, func() bool { return srv.ActiveSessions() == 1 },
		5*time.Second, 50*time.Millisecond)

	// Drop the transport without any channel teardown.
	require.NoError(t, client.Close())

	require.Eventually(t, func() bool { return srv.ActiveSessions() == 0 },
		15*time.Second, 100*time.Millisecond, "dropped connection must release the session")
	assert.Contains(t, srv.DrainClosed(), "sess-drop")
}

func TestTrustsAllRetainedCAGenerations(t *testing.T) {
	oldCA, newCA := testSigner(t), testSigner(t)
	_, addr := startTestServer(t, newCA.PublicKey(), oldCA.PublicKey())
	me, err := user.Current()
	require.NoError(t, err)

	// A certificate from the superseded CA still authenticates.
	client, err := dialTest(addr, me.Username,
		ssh.PublicKeys(signedClientCert(t, oldCA, testSigner(t), me.Username, "sess-old")))
	require.NoError(t, err)
	client.Close()

	// One from a foreign CA does not.
	_, err = dialTest(addr, me.Username,
		ssh.PublicKeys(signedClientCert(t, testSigner(t), testSigner(t), me.Username, "")))
	assert.Error(t, err)

	// Neither does a bare public key.
	_, err = dialTest(addr, me.Username, ssh.PublicKeys(testSigner(t)))
	assert.Error(t, err)
}

func TestStateCAKeySetRoundTrip(t *testing.T) {
	st, err := OpenState(t.TempDir())
	require.NoError(t, err)

	k1, k2 := testSigner(t), testSigner(t)
	require.NoError(t, st.SaveCAPublicKeys([]string{
		sshca.PublicKeyString(k1.PublicKey()),
		sshca.PublicKeyString(k2.PublicKey()),
	}))

	keys, err := st.LoadCAPublicKeys()
	require.NoError(t, err)
	require.Len(t, keys, 2)
	assert.Equal(t, k1.PublicKey().Marshal(), keys[0].Marshal())
	assert.Equal(t, k2.PublicKey().Marshal(), keys[1].Marshal())
}
