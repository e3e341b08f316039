// SPDX-License-Identifier: Apache-2.0

// Package wire frames security tokens and protected messages on a stream
// connection for sspictl.
//
// Frame layout:
//
//	[4 bytes] payload length (big-endian uint32)
//	[1 byte]  frame type
//	[4 bytes] plaintext length, FrameSealed only
//	[N bytes] payload
package wire

import (
	"encoding/binary"
	"encoding/hex"
	"errors"
	"fmt"
	"io"

	"github.com/valyala/bytebufferpool"
)

// MaxPayload bounds the payload of a single frame.
const MaxPayload = 1 << 20

const headerLen = 5

// FrameType identifies the contents of a frame.
type FrameType byte

const (
	FrameToken  FrameType = iota + 1 // handshake token
	FrameError                       // UTF-8 error text, ends the exchange
	FrameSealed                      // output of Encrypt
	FrameSigned                      // output of Sign
	FrameDone                        // empty, handshake complete
)

func (t FrameType) String() string {
	switch t {
	case FrameToken:
		return "token"
	case FrameError:
		return "error"
	case FrameSealed:
		return "sealed"
	case FrameSigned:
		return "signed"
	case FrameDone:
		return "done"
	}
	return fmt.Sprintf("FrameType(%d)", byte(t))
}

var (
	ErrPayloadTooLarge = errors.New("wire: payload exceeds maximum size")
	ErrBadFrame        = errors.New("wire: malformed frame")
)

// Frame is one framed message.  N is the plaintext length of a sealed
// message, as Decrypt needs it.
type Frame struct {
	Type    FrameType
	N       int
	Payload []byte
}

// PeerError is a FrameError received from the peer.
type PeerError string

func (e PeerError) Error() string {
	return "peer: " + string(e)
}

// WriteFrame writes f to w in a single Write.
func WriteFrame(w io.Writer, f Frame) error {
	if len(f.Payload) > MaxPayload {
		return ErrPayloadTooLarge
	}

	buf := bytebufferpool.Get()
	defer bytebufferpool.Put(buf)

	var hdr [headerLen + 4]byte
	binary.BigEndian.PutUint32(hdr[0:4], uint32(len(f.Payload)))
	hdr[4] = byte(f.Type)
	n := headerLen
	if f.Type == FrameSealed {
		if f.N < 0 || f.N > len(f.Payload) {
			return fmt.Errorf("%w: plaintext length %d of %d byte message", ErrBadFrame, f.N, len(f.Payload))
		}
		binary.BigEndian.PutUint32(hdr[headerLen:], uint32(f.N))
		n += 4
	}

	buf.Write(hdr[:n])   //nolint:errcheck
	buf.Write(f.Payload) //nolint:errcheck

	if _, err := w.Write(buf.B); err != nil {
		return fmt.Errorf("wire: write %s frame: %w", f.Type, err)
	}
	return nil
}

// ReadFrame reads one frame from r.  It returns io.EOF when r is exhausted
// cleanly between frames.
func ReadFrame(r io.Reader) (Frame, error) {
	var hdr [headerLen]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return Frame{}, err
	}

	length := binary.BigEndian.Uint32(hdr[0:4])
	if length > MaxPayload {
		return Frame{}, ErrPayloadTooLarge
	}
	f := Frame{Type: FrameType(hdr[4])}

	if f.Type == FrameSealed {
		var n [4]byte
		if _, err := io.ReadFull(r, n[:]); err != nil {
			return Frame{}, fmt.Errorf("wire: read sealed length: %w", err)
		}
		f.N = int(binary.BigEndian.Uint32(n[:]))
		if f.N > int(length) {
			return Frame{}, fmt.Errorf("%w: plaintext length %d of %d byte message", ErrBadFrame, f.N, length)
		}
	}

	f.Payload = make([]byte, length)
	if _, err := io.ReadFull(r, f.Payload); err != nil {
		return Frame{}, fmt.Errorf("wire: read %s payload: %w", f.Type, err)
	}

	return f, nil
}

// Expect reads a frame and checks its type.  A FrameError from the peer is
// returned as a PeerError.
func Expect(r io.Reader, types ...FrameType) (Frame, error) {
	f, err := ReadFrame(r)
	if err != nil {
		return Frame{}, err
	}
	if f.Type == FrameError {
		return Frame{}, PeerError(f.Payload)
	}
	for _, t := range types {
		if f.Type == t {
			return f, nil
		}
	}

	return Frame{}, fmt.Errorf("%w: unexpected %s frame", ErrBadFrame, f.Type)
}

// Dump writes a labelled hex dump of b to w, in the format of hexdump -C.
func Dump(w io.Writer, label string, b []byte) error {
	if _, err := fmt.Fprintf(w, "%s (%d bytes)\n", label, len(b)); err != nil {
		return err
	}

	d := hex.Dumper(w)
	if _, err := d.Write(b); err != nil {
		return err
	}
	return d.Close()
}
