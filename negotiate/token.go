// SPDX-License-Identifier: Apache-2.0

package negotiate

import (
	"bytes"
	"crypto/sha256"
	"encoding/binary"
	"net"

	"github.com/vmihailenco/msgpack/v5"
	"golang.org/x/crypto/curve25519"

	"github.com/golang-auth/go-sspi"
)

// Handshake tokens are a five byte header followed by a MessagePack body.
// CHALLENGE is followed by the acceptor's proof and AUTHENTICATE consists of
// the initiator's proof only.
var tokenMagic = [4]byte{'S', 'S', 'P', 'N'}

const (
	headerLen = len(tokenMagic) + 1
	proofLen  = sha256.Size
	nonceLen  = 16
)

type legType byte

const (
	legNegotiate    legType = 1
	legChallenge    legType = 2
	legAuthenticate legType = 3
)

func (t legType) String() string {
	switch t {
	case legNegotiate:
		return "NEGOTIATE"
	case legChallenge:
		return "CHALLENGE"
	case legAuthenticate:
		return "AUTHENTICATE"
	}

	return "UNKNOWN"
}

type negotiateMsg struct {
	Flags     uint32 `msgpack:"f"`
	Public    []byte `msgpack:"k"`
	Nonce     []byte `msgpack:"n"`
	Initiator string `msgpack:"i"`
	Target    string `msgpack:"t"`
	Binding   []byte `msgpack:"b,omitempty"`
}

type challengeMsg struct {
	Flags    uint32 `msgpack:"f"`
	Public   []byte `msgpack:"k"`
	Nonce    []byte `msgpack:"n"`
	Acceptor string `msgpack:"a"`
}

func header(t legType) []byte {
	h := make([]byte, 0, headerLen)
	h = append(h, tokenMagic[:]...)
	return append(h, byte(t))
}

// marshalLeg encodes a header and body.  The caller appends any proof.
func marshalLeg(t legType, body any) ([]byte, error) {
	var buf bytes.Buffer
	buf.Write(header(t))

	if body != nil {
		if err := msgpack.NewEncoder(&buf).Encode(body); err != nil {
			return nil, sspi.Errorf(sspi.StatusInternalError, "encoding %s token: %w", t, err)
		}
	}

	return buf.Bytes(), nil
}

// splitLeg checks the header of tok and returns what follows it.
func splitLeg(tok []byte, want legType) ([]byte, error) {
	if len(tok) < headerLen || !bytes.Equal(tok[:len(tokenMagic)], tokenMagic[:]) {
		return nil, sspi.Errorf(sspi.StatusInvalidToken, "not a %s token", Name)
	}
	if got := legType(tok[len(tokenMagic)]); got != want {
		return nil, sspi.Errorf(sspi.StatusInvalidToken, "expected a %s token, got %s", want, got)
	}

	return tok[headerLen:], nil
}

func unmarshalBody(t legType, b []byte, v any) error {
	dec := msgpack.NewDecoder(bytes.NewReader(b))
	if err := dec.Decode(v); err != nil {
		return sspi.Errorf(sspi.StatusInvalidToken, "decoding %s token: %w", t, err)
	}

	return nil
}

func parseNegotiate(tok []byte) (*negotiateMsg, error) {
	body, err := splitLeg(tok, legNegotiate)
	if err != nil {
		return nil, err
	}

	m := &negotiateMsg{}
	if err := unmarshalBody(legNegotiate, body, m); err != nil {
		return nil, err
	}
	if len(m.Public) != curve25519.PointSize || len(m.Nonce) != nonceLen {
		return nil, sspi.Errorf(sspi.StatusInvalidToken, "malformed %s token", legNegotiate)
	}

	return m, nil
}

// parseChallenge returns the decoded challenge, the bytes covered by the
// acceptor's proof and the proof itself.
func parseChallenge(tok []byte) (*challengeMsg, []byte, []byte, error) {
	if len(tok) < headerLen+proofLen {
		return nil, nil, nil, sspi.Errorf(sspi.StatusInvalidToken, "short %s token", legChallenge)
	}

	signed, proof := tok[:len(tok)-proofLen], tok[len(tok)-proofLen:]
	body, err := splitLeg(signed, legChallenge)
	if err != nil {
		return nil, nil, nil, err
	}

	m := &challengeMsg{}
	if err := unmarshalBody(legChallenge, body, m); err != nil {
		return nil, nil, nil, err
	}
	if len(m.Public) != curve25519.PointSize || len(m.Nonce) != nonceLen {
		return nil, nil, nil, sspi.Errorf(sspi.StatusInvalidToken, "malformed %s token", legChallenge)
	}

	return m, signed, proof, nil
}

func parseAuthenticate(tok []byte) ([]byte, error) {
	proof, err := splitLeg(tok, legAuthenticate)
	if err != nil {
		return nil, err
	}
	if len(proof) != proofLen {
		return nil, sspi.Errorf(sspi.StatusInvalidToken, "malformed %s token", legAuthenticate)
	}

	return proof, nil
}

// bindingHash digests a channel binding the way both peers must agree on.
// A nil binding hashes to nil.
func bindingHash(cb *sspi.ChannelBinding) []byte {
	if cb == nil {
		return nil
	}

	h := sha256.New()
	for _, addr := range []net.Addr{cb.InitiatorAddr, cb.AcceptorAddr} {
		var s string
		if addr != nil {
			s = addr.Network() + ":" + addr.String()
		}
		_ = binary.Write(h, binary.BigEndian, uint32(len(s)))
		h.Write([]byte(s))
	}
	_ = binary.Write(h, binary.BigEndian, uint32(len(cb.Data)))
	h.Write(cb.Data)

	return h.Sum(nil)
}
