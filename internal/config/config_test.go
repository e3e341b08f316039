// SPDX-License-Identifier: Apache-2.0

package config

import (
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/golang-auth/go-sspi"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()

	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestLoadMissingFile(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	require.NoError(t, err)
	assert.Equal(t, Default(), cfg)
}

func TestLoad(t *testing.T) {
	assert := assert.New(t)

	path := writeConfig(t, `
provider: Kerberos
log_level: debug
target: HTTP/host.example.com
flags: [mutual, integrity]
max_rounds: 3
identity:
  user: alice
  domain: example.com
  password: secret
serve:
  listen: ":9000"
  metrics_listen: ":9100"
  workers: 4
connect:
  max_elapsed: 5s
kerberos:
  keytab: /etc/http.keytab
  clock_skew: 2m
  acceptor_isn: zero
`)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal("Kerberos", cfg.Provider)
	assert.Equal("HTTP/host.example.com", cfg.Target)
	assert.Equal(":9000", cfg.Serve.Listen)
	assert.Equal(4, cfg.Serve.Workers)
	assert.Equal(3, cfg.MaxRounds)
	assert.Equal(5*time.Second, cfg.Connect.MaxElapsed)
	assert.Equal(10*time.Second, cfg.Connect.Timeout, "unset values keep their defaults")
	assert.Equal(2*time.Minute, cfg.Kerberos.ClockSkew)
	assert.Equal("zero", cfg.Kerberos.AcceptorISN)

	flags, err := cfg.ContextFlags()
	require.NoError(t, err)
	assert.Equal(sspi.FlagMutualAuth|sspi.FlagIntegrity, flags)

	level, err := cfg.Level()
	require.NoError(t, err)
	assert.Equal(slog.LevelDebug, level)

	id := cfg.AuthIdentity()
	require.NotNil(t, id)
	assert.Equal("alice@EXAMPLE.COM", id.Principal())
}

func TestLoadInvalid(t *testing.T) {
	for name, body := range map[string]string{
		"bad yaml":     "provider: [",
		"bad flag":     "flags: [mutual, telepathy]",
		"bad level":    "log_level: loud",
		"no workers":   "serve: {workers: 0}",
		"no rounds":    "max_rounds: 0",
		"bad isn":      "kerberos: {acceptor_isn: random}",
		"bad duration": "connect: {timeout: soon}",
	} {
		t.Run(name, func(t *testing.T) {
			_, err := Load(writeConfig(t, body))
			assert.Error(t, err)
		})
	}
}

func TestAmbientIdentity(t *testing.T) {
	assert.Nil(t, Default().AuthIdentity())
}

func TestParseFlags(t *testing.T) {
	f, err := ParseFlags([]string{" Mutual", "CONFIDENTIALITY", "replay", "sequence"})
	require.NoError(t, err)
	assert.Equal(t, sspi.FlagMutualAuth|sspi.FlagConfidentiality|sspi.FlagReplayDetect|sspi.FlagSequenceDetect, f)

	f, err = ParseFlags(nil)
	require.NoError(t, err)
	assert.Zero(t, f)
}
