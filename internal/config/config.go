// SPDX-License-Identifier: Apache-2.0

// Package config loads the sspictl configuration file.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/golang-auth/go-sspi"
)

// Config holds the sspictl configuration.
type Config struct {
	Provider string   `yaml:"provider"`
	LogLevel string   `yaml:"log_level"`
	Flags    []string `yaml:"flags"`
	Target   string   `yaml:"target"`

	// MaxRounds caps the handshake legs either side runs before giving up.
	MaxRounds int `yaml:"max_rounds"`

	Identity *Identity `yaml:"identity"`

	Serve     Serve     `yaml:"serve"`
	Connect   Connect   `yaml:"connect"`
	Negotiate Negotiate `yaml:"negotiate"`
	Kerberos  Kerberos  `yaml:"kerberos"`
}

// Identity is an explicit identity for credential acquisition.  Without one
// the ambient logon session is used.
type Identity struct {
	User     string `yaml:"user"`
	Domain   string `yaml:"domain"`
	Password string `yaml:"password"`
}

type Serve struct {
	Listen        string `yaml:"listen"`
	MetricsListen string `yaml:"metrics_listen"`
	Workers       int    `yaml:"workers"`
}

type Connect struct {
	Address    string        `yaml:"address"`
	Timeout    time.Duration `yaml:"timeout"`
	MaxElapsed time.Duration `yaml:"max_elapsed"`
}

// Negotiate configures the in-process Negotiate provider's directory.
type Negotiate struct {
	Realm      string            `yaml:"realm"`
	Principals map[string]string `yaml:"principals"`
}

// Kerberos configures the Kerberos provider.  Empty paths fall back to the
// KRB5_CONFIG, KRB5CCNAME and KRB5_KTNAME environment variables.
type Kerberos struct {
	Config      string        `yaml:"config"`
	CCache      string        `yaml:"ccache"`
	Keytab      string        `yaml:"keytab"`
	ClockSkew   time.Duration `yaml:"clock_skew"`
	AcceptorISN string        `yaml:"acceptor_isn"`
}

// DefaultPath returns the default config file path: ~/.sspictl/config.yaml
func DefaultPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(".", ".sspictl", "config.yaml")
	}
	return filepath.Join(home, ".sspictl", "config.yaml")
}

// Default returns the configuration used when there is no file.
func Default() *Config {
	return &Config{
		Provider:  "Negotiate",
		LogLevel:  "info",
		Flags:     []string{"mutual", "replay", "sequence", "confidentiality", "integrity"},
		MaxRounds: 10,
		Serve: Serve{
			Listen:  "127.0.0.1:8700",
			Workers: 16,
		},
		Connect: Connect{
			Address:    "127.0.0.1:8700",
			Timeout:    10 * time.Second,
			MaxElapsed: 30 * time.Second,
		},
		Negotiate: Negotiate{
			Realm: "EXAMPLE.COM",
		},
		Kerberos: Kerberos{
			AcceptorISN: "initiator",
		},
	}
}

// Load reads the configuration from the given YAML file path.
// If the file does not exist, it returns the default Config with no error.
func Load(path string) (*Config, error) {
	cfg := Default()

	info, err := os.Stat(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return cfg, nil
		}
		return nil, err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	if perm := info.Mode().Perm(); perm&0o077 != 0 && bytes.Contains(data, []byte("password")) {
		fmt.Fprintf(os.Stderr, "warning: config file %s has permissions %04o, expected 0600: passwords may be exposed\n", path, perm)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}

	return cfg, nil
}

// Validate checks the values that cannot be checked by decoding alone.
func (c *Config) Validate() error {
	if c.Provider == "" {
		return errors.New("provider must be set")
	}
	if _, err := c.ContextFlags(); err != nil {
		return err
	}
	if _, err := c.Level(); err != nil {
		return err
	}
	if c.MaxRounds < 1 {
		return fmt.Errorf("max_rounds must be positive, got %d", c.MaxRounds)
	}
	if c.Serve.Workers < 1 {
		return fmt.Errorf("serve.workers must be positive, got %d", c.Serve.Workers)
	}
	switch c.Kerberos.AcceptorISN {
	case "", "initiator", "zero":
	default:
		return fmt.Errorf("kerberos.acceptor_isn must be initiator or zero, got %q", c.Kerberos.AcceptorISN)
	}

	return nil
}

var flagNames = map[string]sspi.ContextFlag{
	"delegate":        sspi.FlagDelegate,
	"mutual":          sspi.FlagMutualAuth,
	"replay":          sspi.FlagReplayDetect,
	"sequence":        sspi.FlagSequenceDetect,
	"confidentiality": sspi.FlagConfidentiality,
	"integrity":       sspi.FlagIntegrity,
	"identify":        sspi.FlagIdentify,
}

// ContextFlags converts the flag names to context flags.
func (c *Config) ContextFlags() (sspi.ContextFlag, error) {
	return ParseFlags(c.Flags)
}

// ParseFlags converts flag names such as "mutual" to context flags.
func ParseFlags(names []string) (sspi.ContextFlag, error) {
	var f sspi.ContextFlag
	for _, name := range names {
		v, ok := flagNames[strings.ToLower(strings.TrimSpace(name))]
		if !ok {
			return 0, fmt.Errorf("unknown context flag %q", name)
		}
		f |= v
	}
	return f, nil
}

// Level returns the slog level named by LogLevel.
func (c *Config) Level() (slog.Level, error) {
	var l slog.Level
	if err := l.UnmarshalText([]byte(c.LogLevel)); err != nil {
		return 0, fmt.Errorf("log_level: %w", err)
	}
	return l, nil
}

// AuthIdentity returns the configured identity, or nil for the ambient
// logon session.
func (c *Config) AuthIdentity() *sspi.AuthIdentity {
	if c.Identity == nil {
		return nil
	}
	return &sspi.AuthIdentity{
		User:     c.Identity.User,
		Domain:   c.Identity.Domain,
		Password: c.Identity.Password,
	}
}
