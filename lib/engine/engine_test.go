/*
Copyright 2022 Gravitational, Inc.

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

package engine

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/ssh"
)

func newEngine(t *testing.T) *Engine {
	t.Helper()
	e, err := New(Config{DataDir: t.TempDir(), Clock: clockwork.NewFakeClock()})
	require.NoError(t, err)
	t.Cleanup(func() { _ = e.Shutdown() })
	return e
}

// startFakeSSHServer listens on 127.0.0.1:0, accepts one connection
// with password auth gated on wantPassword, and echoes every shell
// write back to the client prefixed with "echo:". Mirrors the
// accept/NewServerConn/channel-loop shape of
// golang.org/x/crypto/ssh's own server examples, used elsewhere in the
// pack for the same purpose (lib/utils/chconn_test.go).
func startFakeSSHServer(t *testing.T, wantPassword string) (addr string) {
	t.Helper()

	listener, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { listener.Close() })

	key, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)
	signer, err := ssh.NewSignerFromKey(key)
	require.NoError(t, err)

	config := &ssh.ServerConfig{
		PasswordCallback: func(conn ssh.ConnMetadata, password []byte) (*ssh.Permissions, error) {
			if string(password) != wantPassword {
				return nil, errBadPassword
			}
			return nil, nil
		},
	}
	config.AddHostKey(signer)

	go func() {
		nConn, err := listener.Accept()
		if err != nil {
			return
		}
		conn, chans, reqs, err := ssh.NewServerConn(nConn, config)
		if err != nil {
			return
		}
		go ssh.DiscardRequests(reqs)
		go handleSessionChannels(conn, chans)
	}()

	return listener.Addr().String()
}

var errBadPassword = errorString("bad password")

type errorString string

func (e errorString) Error() string { return string(e) }

func handleSessionChannels(conn ssh.Conn, chans <-chan ssh.NewChannel) {
	defer conn.Close()
	for newCh := range chans {
		if newCh.ChannelType() != "session" {
			newCh.Reject(ssh.UnknownChannelType, "unsupported channel type")
			continue
		}
		ch, requests, err := newCh.Accept()
		if err != nil {
			continue
		}
		go serveSession(ch, requests)
	}
}

func serveSession(ch ssh.Channel, requests <-chan *ssh.Request) {
	defer ch.Close()
	for req := range requests {
		switch req.Type {
		case "pty-req", "window-change":
			if req.WantReply {
				req.Reply(true, nil)
			}
		case "shell":
			if req.WantReply {
				req.Reply(true, nil)
			}
			go echoLoop(ch)
		default:
			if req.WantReply {
				req.Reply(false, nil)
			}
		}
	}
}

// echoLoop writes back "echo:<line>" for every line the client sends,
// letting a test assert round-trip delivery through the full
// Stream/Backpressure pipeline.
func echoLoop(ch ssh.Channel) {
	buf := make([]byte, 4096)
	for {
		n, err := ch.Read(buf)
		if n > 0 {
			ch.Write([]byte("echo:"))
			ch.Write(buf[:n])
		}
		if err != nil {
			return
		}
	}
}

func TestOpenSessionSSHRoundTrip(t *testing.T) {
	addr := startFakeSSHServer(t, "secret")
	host, portStr, err := net.SplitHostPort(addr)
	require.NoError(t, err)

	e := newEngine(t)

	var mu sync.Mutex
	var output string
	outputReceived := make(chan struct{}, 1)

	spec := ConnectionSpec{
		Protocol: ProtocolSSH,
		Host:     host,
		Port:     mustAtoi(t, portStr),
		Username: "tester",
		Password: "secret",
	}

	sess, err := e.OpenSession(context.Background(), "tab-1", spec)
	require.NoError(t, err)
	require.NotNil(t, sess.Stream)

	sess.Stream.Config.OnOutput = func(text string) {
		mu.Lock()
		output += text
		mu.Unlock()
		select {
		case outputReceived <- struct{}{}:
		default:
		}
	}

	require.NoError(t, e.WriteSession(context.Background(), "tab-1", []byte("hello\n")))

	select {
	case <-outputReceived:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for echoed output")
	}

	mu.Lock()
	defer mu.Unlock()
	require.Contains(t, output, "echo:")
}

func TestOpenSessionSSHBadPasswordFails(t *testing.T) {
	addr := startFakeSSHServer(t, "secret")
	host, portStr, err := net.SplitHostPort(addr)
	require.NoError(t, err)

	e := newEngine(t)

	spec := ConnectionSpec{
		Protocol: ProtocolSSH,
		Host:     host,
		Port:     mustAtoi(t, portStr),
		Username: "tester",
		Password: "wrong",
	}

	_, err = e.OpenSession(context.Background(), "tab-2", spec)
	require.Error(t, err)
}

func TestOpenSessionTelnetRoundTrip(t *testing.T) {
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { listener.Close() })

	go func() {
		conn, err := listener.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		buf := make([]byte, 4096)
		for {
			n, err := conn.Read(buf)
			if n > 0 {
				conn.Write(buf[:n])
			}
			if err != nil {
				return
			}
		}
	}()

	host, portStr, err := net.SplitHostPort(listener.Addr().String())
	require.NoError(t, err)

	e := newEngine(t)
	spec := ConnectionSpec{Protocol: ProtocolTelnet, Host: host, Port: mustAtoi(t, portStr)}

	sess, err := e.OpenSession(context.Background(), "tab-3", spec)
	require.NoError(t, err)
	require.NotNil(t, sess.Stream)

	outputReceived := make(chan struct{}, 1)
	sess.Stream.Config.OnOutput = func(text string) {
		select {
		case outputReceived <- struct{}{}:
		default:
		}
	}

	require.NoError(t, e.WriteSession(context.Background(), "tab-3", []byte("ping")))

	select {
	case <-outputReceived:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for telnet echo")
	}
}

func mustAtoi(t *testing.T, s string) int {
	t.Helper()
	n := 0
	for _, r := range s {
		if r < '0' || r > '9' {
			t.Fatalf("not a port number: %q", s)
		}
		n = n*10 + int(r-'0')
	}
	return n
}
