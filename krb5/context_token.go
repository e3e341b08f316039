// SPDX-License-Identifier: Apache-2.0

package krb5

/*
 * Derived from github.com/jcmturner/gokrb5/v8/spnego/krb5Token.go
 *
 * The modified version marshals AP-REP and KRB-ERROR tokens as well as
 * AP-REQ, and leaves verification to the acceptor.
 */

import (
	"bytes"
	"crypto/md5"
	"encoding/binary"
	"fmt"
	"net"

	"github.com/jcmturner/gofork/encoding/asn1"
	"github.com/jcmturner/gokrb5/v8/asn1tools"
	"github.com/jcmturner/gokrb5/v8/messages"

	"github.com/golang-auth/go-sspi"
)

// Token IDs of the context establishment tokens, RFC 4121 § 4.1
var (
	tokenIDAPReq = []byte{0x01, 0x00}
	tokenIDAPRep = []byte{0x02, 0x00}
	tokenIDError = []byte{0x03, 0x00}
)

// Address families in channel bindings, RFC 2744 § 3.11
const (
	addrFamilyUnspec = 0
	addrFamilyLocal  = 1
	addrFamilyINET   = 2
	addrFamilyINET6  = 24
)

// Context establishment flags carried in the authenticator checksum,
// RFC 4121 § 4.1.1.1
var gssFlagMap = []struct {
	flag sspi.ContextFlag
	gss  uint32
}{
	{sspi.FlagDelegate, 1},
	{sspi.FlagMutualAuth, 2},
	{sspi.FlagReplayDetect, 4},
	{sspi.FlagSequenceDetect, 8},
	{sspi.FlagConfidentiality, 16},
	{sspi.FlagIntegrity, 32},
}

func toGSSFlags(f sspi.ContextFlag) uint32 {
	var g uint32
	for _, m := range gssFlagMap {
		if f&m.flag != 0 {
			g |= m.gss
		}
	}
	return g
}

func fromGSSFlags(g uint32) sspi.ContextFlag {
	var f sspi.ContextFlag
	for _, m := range gssFlagMap {
		if g&m.gss != 0 {
			f |= m.flag
		}
	}
	return f
}

func oID() asn1.ObjectIdentifier {
	return asn1.ObjectIdentifier{1, 2, 840, 113554, 1, 2, 2}
}

// kRB5Token is an RFC 1964 framed context establishment token.  Exactly one
// of the message fields is set, according to tokID.
type kRB5Token struct {
	oID      asn1.ObjectIdentifier
	tokID    []byte
	aPReq    *messages.APReq
	aPRep    *aPRep
	kRBError *messages.KRBError
}

func newAPReqToken(apreq *messages.APReq) kRB5Token {
	return kRB5Token{oID: oID(), tokID: tokenIDAPReq, aPReq: apreq}
}

func newAPRepToken(aprep *aPRep) kRB5Token {
	return kRB5Token{oID: oID(), tokID: tokenIDAPRep, aPRep: aprep}
}

func newErrorToken(krbErr *messages.KRBError) kRB5Token {
	return kRB5Token{oID: oID(), tokID: tokenIDError, kRBError: krbErr}
}

func (m *kRB5Token) marshal() ([]byte, error) {
	b, _ := asn1.Marshal(m.oID)
	b = append(b, m.tokID...)

	var (
		tb  []byte
		err error
	)
	switch {
	case bytes.Equal(m.tokID, tokenIDAPReq):
		tb, err = m.aPReq.Marshal()
	case bytes.Equal(m.tokID, tokenIDAPRep):
		tb, err = m.aPRep.marshal()
	case bytes.Equal(m.tokID, tokenIDError):
		tb, err = m.kRBError.Marshal()
	default:
		err = fmt.Errorf("unknown token ID %x", m.tokID)
	}
	if err != nil {
		return nil, sspi.Errorf(sspi.StatusInternalError, "marshalling context token: %w", err)
	}

	return asn1tools.AddASNAppTag(append(b, tb...), 0), nil
}

func (m *kRB5Token) unmarshal(b []byte) error {
	*m = kRB5Token{}

	var oid asn1.ObjectIdentifier
	r, err := asn1.UnmarshalWithParams(b, &oid, "application,explicit,tag:0")
	if err != nil {
		return sspi.Errorf(sspi.StatusInvalidToken, "context token OID: %w", err)
	}
	if !oid.Equal(oID()) {
		return sspi.Errorf(sspi.StatusInvalidToken, "context token is for mechanism %s, not %s", oid, oID())
	}
	if len(r) < 2 {
		return sspi.Errorf(sspi.StatusInvalidToken, "context token is too short")
	}
	m.oID = oid
	m.tokID = r[0:2]

	switch {
	case bytes.Equal(m.tokID, tokenIDAPReq):
		var a messages.APReq
		if err := a.Unmarshal(r[2:]); err != nil {
			return sspi.Errorf(sspi.StatusInvalidToken, "AP-REQ: %w", err)
		}
		m.aPReq = &a
	case bytes.Equal(m.tokID, tokenIDAPRep):
		var a aPRep
		if err := a.unmarshal(r[2:]); err != nil {
			return sspi.Errorf(sspi.StatusInvalidToken, "AP-REP: %w", err)
		}
		m.aPRep = &a
	case bytes.Equal(m.tokID, tokenIDError):
		var a messages.KRBError
		if err := a.Unmarshal(r[2:]); err != nil {
			return sspi.Errorf(sspi.StatusInvalidToken, "KRB-ERROR: %w", err)
		}
		m.kRBError = &a
	default:
		return sspi.Errorf(sspi.StatusInvalidToken, "unknown context token ID %x", m.tokID)
	}

	return nil
}

// newAuthenticatorChksum builds the GSS-API "checksum" of the AP-REQ
// authenticator, which carries the channel binding hash and the requested
// flags.  See RFC 4121 § 4.1.1
func newAuthenticatorChksum(flags sspi.ContextFlag, cb *sspi.ChannelBinding) []byte {
	a := make([]byte, 24)

	binary.LittleEndian.PutUint32(a[:4], 16)
	if cb != nil {
		copy(a[4:20], cbChecksum(cb))
	}
	binary.LittleEndian.PutUint32(a[20:24], toGSSFlags(flags))

	return a
}

// cbChecksum is the MD5 hash of the gss_channel_bindings_struct encoding of
// cb.
func cbChecksum(cb *sspi.ChannelBinding) []byte {
	var buf []byte

	for _, addr := range []net.Addr{cb.InitiatorAddr, cb.AcceptorAddr} {
		family, data := cbAddress(addr)
		buf = binary.LittleEndian.AppendUint32(buf, family)
		buf = binary.LittleEndian.AppendUint32(buf, uint32(len(data)))
		buf = append(buf, data...)
	}

	buf = binary.LittleEndian.AppendUint32(buf, uint32(len(cb.Data)))
	buf = append(buf, cb.Data...)

	hashed := md5.Sum(buf)
	return hashed[:]
}

func cbAddress(addr net.Addr) (uint32, []byte) {
	var ip net.IP

	switch c := addr.(type) {
	case nil:
		return addrFamilyUnspec, nil
	case *net.UnixAddr:
		return addrFamilyLocal, []byte(c.Name)
	case *net.IPAddr:
		ip = c.IP
	case *net.TCPAddr:
		ip = c.IP
	case *net.UDPAddr:
		ip = c.IP
	default:
		return addrFamilyUnspec, nil
	}

	if ip4 := ip.To4(); ip4 != nil {
		return addrFamilyINET, ip4
	}
	if ip16 := ip.To16(); ip16 != nil {
		return addrFamilyINET6, ip16
	}

	return addrFamilyUnspec, nil
}
