// SPDX-License-Identifier: Apache-2.0

package main

import (
	"bytes"
	"errors"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/golang-auth/go-sspi"
)

// selftestOptions are the acceptor's identity for the self test; without
// one the acceptor also uses the ambient logon session.
type selftestOptions struct {
	acceptorUser     string
	acceptorPassword string
}

func newSelftestCmd(a *app) *cobra.Command {
	var o selftestOptions

	cmd := &cobra.Command{
		Use:   "selftest",
		Short: "Run a handshake and message protection in-process",
		Long: `selftest acquires an initiator and an acceptor credential from the
configured provider, runs the handshake between them in-process and then
checks encryption, signing, tamper detection and replay detection.

Without a target the acceptor's own principal is used, which suits the
Negotiate provider's ambient logon.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			results, err := a.selftest(o)
			if werr := selftestTable(results).write(a.out, a.output); werr != nil {
				return werr
			}
			return err
		},
	}

	cmd.Flags().StringVar(&o.acceptorUser, "acceptor-user", "", "acceptor principal")
	cmd.Flags().StringVar(&o.acceptorPassword, "acceptor-password", "", "acceptor password")

	return cmd
}

type stepResult struct {
	step   string
	err    error
	detail string
	took   time.Duration
}

func selftestTable(results []stepResult) *table {
	t := &table{headers: []string{"Step", "Result", "Time", "Detail"}}
	for _, r := range results {
		result, detail := "ok", r.detail
		if r.err != nil {
			result, detail = "FAIL", r.err.Error()
		}
		t.add(r.step, result, r.took.Round(time.Microsecond), detail)
	}
	return t
}

// stepper runs named steps in order and stops at the first failure.
type stepper struct {
	results []stepResult
	failed  error
}

func (s *stepper) run(name string, fn func() (string, error)) {
	if s.failed != nil {
		return
	}

	start := time.Now()
	detail, err := fn()
	s.results = append(s.results, stepResult{step: name, err: err, detail: detail, took: time.Since(start)})
	if err != nil {
		s.failed = fmt.Errorf("%s: %w", name, err)
	}
}

var selftestMessage = []byte("the quick brown fox jumps over the lazy dog")

func (a *app) selftest(o selftestOptions) ([]stepResult, error) {
	var (
		s                = &stepper{}
		iniCred, accCred *sspi.Credential
		ini, acc         *sspi.SecurityContext
		target           = a.cfg.Target
	)
	defer func() {
		for _, sc := range []*sspi.SecurityContext{ini, acc} {
			if sc != nil {
				sc.Release() //nolint:errcheck
			}
		}
		for _, c := range []*sspi.Credential{iniCred, accCred} {
			if c != nil {
				c.Release() //nolint:errcheck
			}
		}
	}()

	flags, err := a.cfg.ContextFlags()
	if err != nil {
		return nil, err
	}

	s.run("acquire initiator", func() (string, error) {
		c, err := acquire(a.catalog, a.cfg.Provider, sspi.CredentialOutbound, a.cfg.AuthIdentity())
		if err != nil {
			return "", err
		}
		iniCred = c
		return c.PrincipalName()
	})

	s.run("acquire acceptor", func() (string, error) {
		var id *sspi.AuthIdentity
		if o.acceptorUser != "" {
			p := sspi.ParsePrincipal(o.acceptorUser)
			p.Password = o.acceptorPassword
			id = &p
		}
		c, err := acquire(a.catalog, a.cfg.Provider, sspi.CredentialInbound, id)
		if err != nil {
			return "", err
		}
		accCred = c
		name, err := c.PrincipalName()
		if target == "" {
			target = name
		}
		return name, err
	})

	s.run("handshake", func() (string, error) {
		var err error
		if ini, err = sspi.NewInitiator(iniCred, flags); err != nil {
			return "", err
		}
		if acc, err = sspi.NewAcceptor(accCred, flags); err != nil {
			return "", err
		}
		legs, err := handshakeInProcess(ini, acc, target)
		if err != nil {
			return "", err
		}
		user, err := acc.UserName()
		return fmt.Sprintf("%d legs, %s as %s, flags %s", legs, target, user, ini.NegotiatedFlags()), err
	})

	if flags&sspi.FlagConfidentiality != 0 {
		s.run("encrypt", func() (string, error) {
			return roundTrip(ini, acc, func(from, to *sspi.SecurityContext) ([]byte, error) {
				sealed, err := from.Encrypt(selftestMessage)
				if err != nil {
					return nil, err
				}
				return to.Decrypt(sealed, len(selftestMessage))
			})
		})
	}

	s.run("sign", func() (string, error) {
		return roundTrip(ini, acc, func(from, to *sspi.SecurityContext) ([]byte, error) {
			signed, err := from.Sign(selftestMessage)
			if err != nil {
				return nil, err
			}
			return to.Verify(signed)
		})
	})

	s.run("tamper", func() (string, error) {
		signed, err := ini.Sign(selftestMessage)
		if err != nil {
			return "", err
		}
		signed[len(signed)-1] ^= 0x80
		msg, err := acc.Verify(signed)
		if err != nil {
			return "", err
		}
		if msg != nil {
			return "", errors.New("altered message verified")
		}
		return "altered message rejected", nil
	})

	if flags&(sspi.FlagReplayDetect|sspi.FlagSequenceDetect) != 0 {
		s.run("replay", func() (string, error) {
			signed, err := ini.Sign(selftestMessage)
			if err != nil {
				return "", err
			}
			if msg, err := acc.Verify(signed); err != nil || msg == nil {
				return "", fmt.Errorf("first delivery rejected: %v", err)
			}
			if msg, err := acc.Verify(signed); err != nil || msg != nil {
				return "", fmt.Errorf("replayed message accepted: %v", err)
			}
			return "replayed message rejected", nil
		})
	}

	return s.results, s.failed
}

// handshakeInProcess passes tokens between ini and acc until both are
// established, returning the number of legs.
func handshakeInProcess(ini, acc *sspi.SecurityContext, target string) (int, error) {
	var (
		in   []byte
		legs int
	)

	for range 10 {
		if !ini.Established() {
			out, err := ini.Initialize(target, in)
			if err != nil {
				return legs, err
			}
			legs++
			in = nil
			if len(out) > 0 {
				if in, err = acc.Accept(out); err != nil {
					return legs, err
				}
				legs++
			}
		}

		if ini.Established() && acc.Established() {
			return legs, nil
		}
	}

	return legs, errNotEstablished
}

// roundTrip sends selftestMessage through op in both directions.
func roundTrip(ini, acc *sspi.SecurityContext, op func(from, to *sspi.SecurityContext) ([]byte, error)) (string, error) {
	for _, dir := range []struct {
		name     string
		from, to *sspi.SecurityContext
	}{
		{"initiator to acceptor", ini, acc},
		{"acceptor to initiator", acc, ini},
	} {
		got, err := op(dir.from, dir.to)
		if err != nil {
			return "", fmt.Errorf("%s: %w", dir.name, err)
		}
		if !bytes.Equal(got, selftestMessage) {
			return "", fmt.Errorf("%s: message changed in transit", dir.name)
		}
	}

	sizes, err := ini.Sizes()
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("trailer %d, signature %d, block %d", sizes.SecurityTrailer, sizes.MaxSignature, sizes.BlockSize), nil
}
