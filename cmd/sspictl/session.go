// SPDX-License-Identifier: Apache-2.0

package main

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"log/slog"

	"github.com/golang-auth/go-sspi"
	"github.com/golang-auth/go-sspi/internal/wire"
)

// The session protocol: the client sends FrameToken frames until the server
// answers FrameDone, after optionally returning FrameToken frames of its
// own.  Then each message the client sends is echoed back with the same
// protection.  Either side may end the exchange with FrameError.

var (
	errNotEstablished = errors.New("handshake finished but the context is not established")
	errTooManyRounds  = errors.New("handshake did not finish within the round limit")
)

// clientHandshake runs the initiator side of the handshake on rw, calling
// Initialize at most maxRounds times.
func clientHandshake(rw io.ReadWriter, ini *sspi.SecurityContext, target string, maxRounds int, dump io.Writer) error {
	out, err := ini.Initialize(target, nil)
	if err != nil {
		return err
	}

	for rounds := 1; ; rounds++ {
		if len(out) > 0 {
			if err := sendToken(rw, out, dump, "initiator token"); err != nil {
				return err
			}
		}

		f, err := wire.Expect(rw, wire.FrameToken, wire.FrameDone)
		if err != nil {
			return err
		}
		if f.Type == wire.FrameDone {
			if !ini.Established() {
				return errNotEstablished
			}
			return nil
		}

		dumpFrame(dump, "acceptor token", f.Payload)
		if ini.Established() {
			return fmt.Errorf("%w: token after the initiator finished", wire.ErrBadFrame)
		}
		if rounds >= maxRounds {
			return fmt.Errorf("%w of %d", errTooManyRounds, maxRounds)
		}
		if out, err = ini.Initialize(target, f.Payload); err != nil {
			return err
		}
	}
}

// serverHandshake runs the acceptor side of the handshake on rw, calling
// Accept at most maxRounds times.  Failures are reported to the client before
// being returned.
func serverHandshake(rw io.ReadWriter, acc *sspi.SecurityContext, maxRounds int, dump io.Writer) error {
	for rounds := 0; !acc.Established(); rounds++ {
		f, err := wire.Expect(rw, wire.FrameToken)
		if err != nil {
			return err
		}
		dumpFrame(dump, "initiator token", f.Payload)

		if rounds >= maxRounds {
			err := fmt.Errorf("%w of %d", errTooManyRounds, maxRounds)
			sendError(rw, err)
			return err
		}

		out, err := acc.Accept(f.Payload)
		if err != nil {
			sendError(rw, err)
			return err
		}
		if len(out) > 0 {
			if err := sendToken(rw, out, dump, "acceptor token"); err != nil {
				return err
			}
		}
	}

	return wire.WriteFrame(rw, wire.Frame{Type: wire.FrameDone})
}

// protect applies the strongest protection the context negotiated.
func protect(sc *sspi.SecurityContext, msg []byte) (wire.Frame, error) {
	if sc.NegotiatedFlags()&sspi.FlagConfidentiality != 0 {
		sealed, err := sc.Encrypt(msg)
		if err != nil {
			return wire.Frame{}, err
		}
		// Decrypt needs the plaintext length to size its data buffer
		return wire.Frame{Type: wire.FrameSealed, N: len(msg), Payload: sealed}, nil
	}

	signed, err := sc.Sign(msg)
	if err != nil {
		return wire.Frame{}, err
	}
	return wire.Frame{Type: wire.FrameSigned, Payload: signed}, nil
}

var errTampered = errors.New("message failed verification")

// unprotect opens a FrameSealed or FrameSigned frame.
func unprotect(sc *sspi.SecurityContext, f wire.Frame) ([]byte, error) {
	switch f.Type {
	case wire.FrameSealed:
		return sc.Decrypt(f.Payload, f.N)
	case wire.FrameSigned:
		msg, err := sc.Verify(f.Payload)
		if err != nil {
			return nil, err
		}
		if msg == nil {
			return nil, errTampered
		}
		return msg, nil
	}

	return nil, fmt.Errorf("%w: %s frame is not a protected message", wire.ErrBadFrame, f.Type)
}

// echo sends msg and checks the server returns it unchanged.
func echo(rw io.ReadWriter, ini *sspi.SecurityContext, msg []byte) error {
	f, err := protect(ini, msg)
	if err != nil {
		return err
	}
	if err := wire.WriteFrame(rw, f); err != nil {
		return err
	}

	reply, err := wire.Expect(rw, wire.FrameSealed, wire.FrameSigned)
	if err != nil {
		return err
	}
	got, err := unprotect(ini, reply)
	if err != nil {
		return err
	}
	if !bytes.Equal(got, msg) {
		return fmt.Errorf("echo returned %q, sent %q", got, msg)
	}

	return nil
}

// serveEcho answers echo requests until the client closes the connection.
func serveEcho(rw io.ReadWriter, acc *sspi.SecurityContext, logger *slog.Logger) error {
	for {
		f, err := wire.Expect(rw, wire.FrameSealed, wire.FrameSigned)
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return err
		}

		msg, err := unprotect(acc, f)
		if err != nil {
			sendError(rw, err)
			return err
		}
		logger.Debug("echo", "bytes", len(msg))

		reply, err := protect(acc, msg)
		if err != nil {
			sendError(rw, err)
			return err
		}
		if err := wire.WriteFrame(rw, reply); err != nil {
			return err
		}
	}
}

func sendToken(w io.Writer, tok []byte, dump io.Writer, label string) error {
	dumpFrame(dump, label, tok)
	return wire.WriteFrame(w, wire.Frame{Type: wire.FrameToken, Payload: tok})
}

func sendError(w io.Writer, err error) {
	wire.WriteFrame(w, wire.Frame{Type: wire.FrameError, Payload: []byte(err.Error())}) //nolint:errcheck
}

func dumpFrame(w io.Writer, label string, b []byte) {
	if w == nil {
		return
	}
	wire.Dump(w, label, b) //nolint:errcheck
}
