// SPDX-License-Identifier: Apache-2.0

package main

import (
	"bytes"
	"context"
	"net"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/spf13/cobra"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/golang-auth/go-sspi/internal/wire"
)

const testConfig = `
provider: Negotiate
log_level: error
target: host/echo
identity:
  user: alice
  password: alice-pw
negotiate:
  realm: EXAMPLE.COM
  principals:
    alice: alice-pw
    host/echo: echo-pw
connect:
  max_elapsed: 2s
serve:
  workers: 2
`

const serverConfig = `
provider: Negotiate
log_level: error
identity:
  user: host/echo
  password: echo-pw
negotiate:
  realm: EXAMPLE.COM
  principals:
    alice: alice-pw
    host/echo: echo-pw
serve:
  workers: 2
`

func writeConfig(t *testing.T, body string) string {
	t.Helper()

	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func run(t *testing.T, args ...string) (string, error) {
	t.Helper()

	var out, errOut bytes.Buffer
	root := newRootCmd()
	root.SetArgs(args)
	root.SetOut(&out)
	root.SetErr(&errOut)
	root.SetIn(strings.NewReader(""))

	err := root.Execute()
	return out.String(), err
}

func newTestApp(t *testing.T, body string) (*app, *bytes.Buffer) {
	t.Helper()

	var out bytes.Buffer
	cmd := &cobra.Command{}
	cmd.SetOut(&out)
	cmd.SetErr(&bytes.Buffer{})

	a := &app{cfgFile: writeConfig(t, body)}
	require.NoError(t, a.setup(cmd))
	return a, &out
}

func TestPackagesCmd(t *testing.T) {
	out, err := run(t, "--config", writeConfig(t, testConfig), "packages")
	require.NoError(t, err)

	lines := strings.Split(strings.TrimSpace(out), "\n")
	require.Len(t, lines, 3)
	assert.True(t, strings.HasPrefix(lines[0], "NAME"))
	assert.Contains(t, out, "Negotiate")
	assert.Contains(t, out, "Kerberos")
}

func TestQueryCmd(t *testing.T) {
	cfg := writeConfig(t, testConfig)

	out, err := run(t, "--config", cfg, "query", "Kerberos", "-o", "yaml")
	require.NoError(t, err)
	assert.Contains(t, out, "name: Kerberos")
	assert.Contains(t, out, "maxtoken: \"48000\"")

	_, err = run(t, "--config", cfg, "query", "NTLM")
	assert.Error(t, err)

	_, err = run(t, "--config", cfg, "query", "Kerberos", "-o", "xml")
	assert.Error(t, err)
}

func TestUnknownProvider(t *testing.T) {
	_, err := run(t, "--config", writeConfig(t, testConfig), "--provider", "NTLM", "packages")
	assert.Error(t, err)
}

func TestSelftestCmd(t *testing.T) {
	out, err := run(t, "--config", writeConfig(t, testConfig), "selftest",
		"--acceptor-user", "host/echo", "--acceptor-password", "echo-pw", "-o", "yaml")
	require.NoError(t, err, out)

	for _, step := range []string{"acquire initiator", "acquire acceptor", "handshake", "encrypt", "sign", "tamper", "replay"} {
		assert.Contains(t, out, "step: "+step)
	}
	assert.NotContains(t, out, "FAIL")
	assert.Contains(t, out, "alice@EXAMPLE.COM")
}

func TestSelftestFailure(t *testing.T) {
	out, err := run(t, "--config", writeConfig(t, testConfig), "selftest",
		"--acceptor-user", "host/echo", "--acceptor-password", "wrong")
	assert.Error(t, err)
	assert.Contains(t, out, "FAIL")
	assert.NotContains(t, out, "handshake")
}

func TestSelftestSignOnly(t *testing.T) {
	out, err := run(t, "--config", writeConfig(t, testConfig), "--flags", "mutual,integrity", "selftest",
		"--acceptor-user", "host/echo", "--acceptor-password", "echo-pw")
	require.NoError(t, err, out)
	assert.NotContains(t, out, "encrypt")
	assert.NotContains(t, out, "replay")
}

type testServer struct {
	srv    *server
	addr   string
	cancel context.CancelFunc
	done   chan error
}

func startServer(t *testing.T, body string) *testServer {
	t.Helper()

	a, _ := newTestApp(t, body)
	srv, err := a.newServer()
	require.NoError(t, err)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	ts := &testServer{srv: srv, addr: ln.Addr().String(), cancel: cancel, done: make(chan error, 1)}
	go func() { ts.done <- srv.serve(ctx, ln) }()

	t.Cleanup(func() {
		cancel()
		<-ts.done
		srv.close()
	})

	return ts
}

func TestServeAndConnect(t *testing.T) {
	for name, flags := range map[string][]string{
		"sealed": {"mutual", "confidentiality", "integrity", "replay", "sequence"},
		"signed": {"mutual", "integrity"},
	} {
		t.Run(name, func(t *testing.T) {
			ts := startServer(t, serverConfig)

			a, out := newTestApp(t, testConfig)
			a.cfg.Flags = flags
			a.cfg.Connect.Address = ts.addr

			var dump bytes.Buffer
			err := a.connect(context.Background(), sliceSource([]string{"hello", "", "world"}), &dump)
			require.NoError(t, err)

			assert.Contains(t, out.String(), "authenticated to host/echo as alice@EXAMPLE.COM")
			assert.Contains(t, out.String(), "echo: hello\n")
			assert.Contains(t, out.String(), "echo: world\n")
			assert.Contains(t, dump.String(), "initiator token")
			assert.Contains(t, dump.String(), "acceptor token")
		})
	}
}

func TestConnectRejected(t *testing.T) {
	ts := startServer(t, serverConfig)

	a, _ := newTestApp(t, testConfig)
	a.cfg.Target = "alice"
	a.cfg.Connect.Address = ts.addr

	err := a.connect(context.Background(), sliceSource(nil), nil)
	assert.Error(t, err)
}

func TestConnectNoServer(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := ln.Addr().String()
	require.NoError(t, ln.Close())

	a, _ := newTestApp(t, testConfig)
	a.cfg.Connect.Address = addr
	a.cfg.Connect.MaxElapsed = 300 * time.Millisecond

	err = a.connect(context.Background(), sliceSource(nil), nil)
	assert.ErrorContains(t, err, "connecting to")
}

func TestDialPermanentError(t *testing.T) {
	a, _ := newTestApp(t, testConfig)
	a.cfg.Connect.Address = "no-port"
	a.cfg.Connect.MaxElapsed = time.Minute

	start := time.Now()
	_, err := a.dial(context.Background())
	assert.Error(t, err)
	assert.Less(t, time.Since(start), 5*time.Second)
}

func TestServerHealthAndSessions(t *testing.T) {
	ts := startServer(t, serverConfig)
	srv := ts.srv

	require.Eventually(t, srv.listening.Load, time.Second, 10*time.Millisecond)

	rec := httptest.NewRecorder()
	srv.health.LiveEndpoint(rec, httptest.NewRequest(http.MethodGet, "/live", nil))
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = httptest.NewRecorder()
	srv.health.ReadyEndpoint(rec, httptest.NewRequest(http.MethodGet, "/ready", nil))
	assert.Equal(t, http.StatusOK, rec.Code)

	// hold a session open half way through the handshake
	conn, err := net.Dial("tcp", ts.addr)
	require.NoError(t, err)
	defer conn.Close()
	require.Eventually(t, func() bool { return srv.sessions.Count() == 1 }, time.Second, 10*time.Millisecond)

	rec = httptest.NewRecorder()
	srv.writeSessions(rec, httptest.NewRequest(http.MethodGet, "/sessions", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "PEER")
	assert.Contains(t, rec.Body.String(), conn.LocalAddr().String())

	// a garbage token ends the session with an error frame
	require.NoError(t, wire.WriteFrame(conn, wire.Frame{Type: wire.FrameToken, Payload: []byte("garbage")}))
	_, err = wire.Expect(conn, wire.FrameToken)
	var peerErr wire.PeerError
	assert.ErrorAs(t, err, &peerErr)

	require.Eventually(t, func() bool { return srv.sessions.Count() == 0 }, time.Second, 10*time.Millisecond)
}
