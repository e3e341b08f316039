// SPDX-License-Identifier: Apache-2.0

package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/spf13/cobra"

	"github.com/golang-auth/go-sspi"
)

type connectOptions struct {
	address string
	dump    bool
}

func newConnectCmd(a *app) *cobra.Command {
	var o connectOptions

	cmd := &cobra.Command{
		Use:   "connect [MESSAGE...]",
		Short: "Authenticate to an sspictl server and echo messages",
		Long: `connect dials "sspictl serve", runs the initiator side of the handshake
for the configured target and sends each MESSAGE, or each line of standard
input when there are none, checking that it is echoed back intact.

Dialing is retried with exponential backoff until connect.max_elapsed.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			if o.address != "" {
				a.cfg.Connect.Address = o.address
			}
			if a.cfg.Target == "" {
				return errors.New("no target: set target in the config file")
			}

			var msgs messageSource
			if len(args) > 0 {
				msgs = sliceSource(args)
			} else {
				msgs = lineSource(bufio.NewScanner(cmd.InOrStdin()))
			}

			var dump io.Writer
			if o.dump {
				dump = cmd.ErrOrStderr()
			}
			return a.connect(cmd.Context(), msgs, dump)
		},
	}

	cmd.Flags().StringVarP(&o.address, "address", "a", "", "server address, overrides connect.address")
	cmd.Flags().BoolVar(&o.dump, "dump", false, "hex dump handshake tokens to stderr")

	return cmd
}

// messageSource yields messages until ok is false.
type messageSource func() (msg string, ok bool)

func sliceSource(msgs []string) messageSource {
	return func() (string, bool) {
		if len(msgs) == 0 {
			return "", false
		}
		m := msgs[0]
		msgs = msgs[1:]
		return m, true
	}
}

func lineSource(sc *bufio.Scanner) messageSource {
	return func() (string, bool) {
		if !sc.Scan() {
			return "", false
		}
		return sc.Text(), true
	}
}

func (a *app) connect(ctx context.Context, msgs messageSource, dump io.Writer) error {
	flags, err := a.cfg.ContextFlags()
	if err != nil {
		return err
	}

	cred, err := acquire(a.catalog, a.cfg.Provider, sspi.CredentialOutbound, a.cfg.AuthIdentity())
	if err != nil {
		return err
	}
	defer cred.Release() //nolint:errcheck

	conn, err := a.dial(ctx)
	if err != nil {
		return err
	}
	defer conn.Close() //nolint:errcheck

	ini, err := sspi.NewInitiator(cred, flags)
	if err != nil {
		return err
	}
	defer ini.Release() //nolint:errcheck

	if err := clientHandshake(conn, ini, a.cfg.Target, a.cfg.MaxRounds, dump); err != nil {
		return fmt.Errorf("authenticating to %s: %w", a.cfg.Target, err)
	}

	name, _ := cred.PrincipalName()
	fmt.Fprintf(a.out, "authenticated to %s as %s (%s)\n", a.cfg.Target, name, ini.NegotiatedFlags())

	for {
		msg, ok := msgs()
		if !ok {
			return nil
		}
		if err := echo(conn, ini, []byte(msg)); err != nil {
			return err
		}
		fmt.Fprintf(a.out, "echo: %s\n", msg)
	}
}

// dial connects to the server, retrying with exponential backoff.
func (a *app) dial(ctx context.Context) (net.Conn, error) {
	d := net.Dialer{Timeout: a.cfg.Connect.Timeout}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 100 * time.Millisecond
	b.MaxElapsedTime = a.cfg.Connect.MaxElapsed

	var conn net.Conn
	op := func() error {
		c, err := d.DialContext(ctx, "tcp", a.cfg.Connect.Address)
		if err != nil {
			if isPermanentDialError(err) {
				return backoff.Permanent(err)
			}
			return err
		}
		conn = c
		return nil
	}
	notify := func(err error, wait time.Duration) {
		a.logger.Info("dial failed, retrying", "addr", a.cfg.Connect.Address, "wait", wait, "error", err)
	}

	if err := backoff.RetryNotify(op, backoff.WithContext(b, ctx), notify); err != nil {
		return nil, fmt.Errorf("connecting to %s: %w", a.cfg.Connect.Address, err)
	}

	return conn, nil
}

// isPermanentDialError reports errors that retrying cannot fix, such as an
// address without a port.
func isPermanentDialError(err error) bool {
	var addrErr *net.AddrError
	return errors.As(err, &addrErr)
}
