// SPDX-License-Identifier: Apache-2.0

package krb5

import (
	"net"
	"testing"

	"github.com/jcmturner/gokrb5/v8/iana/msgtype"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/golang-auth/go-sspi"
)

// GSS-API tokens around the AP-REQ, AP-REP and KRB-ERROR vectors in MIT
// Kerberos 1.19.1, src/tests/asn.1/reference_encode.out
const (
	krb5TokenAPReqHex    = "6081AD06092a864886f71201020201006E819D30819AA003020105A10302010EA207030500FEDCBA98A35E615C305AA003020105A1101B0E415448454E412E4D49542E454455A21A3018A003020101A111300F1B066866747361691B056578747261A3253023A003020100A103020105A21704156B726241534E2E312074657374206D657373616765A4253023A003020100A103020105A21704156B726241534E2E312074657374206D657373616765"
	krb5TokenAPRepHex    = "604206092a864886f71201020202006F333031A003020105A10302010FA2253023A003020100A103020105A21704156B726241534E2E312074657374206D657373616765"
	krb5TokenKrbErrorHex = "6081ca06092a864886f71201020203007E81BA3081B7A003020105A10302011EA211180F31393934303631303036303331375AA305020301E240A411180F31393934303631303036303331375AA505020301E240A60302013CA7101B0E415448454E412E4D49542E454455A81A3018A003020101A111300F1B066866747361691B056578747261A9101B0E415448454E412E4D49542E454455AA1A3018A003020101A111300F1B066866747361691B056578747261AB0A1B086B72623564617461AC0A04086B72623564617461"
	authChksumHex        = "100000000000000000000000000000000000000030000000"
)

func TestKRB5TokenUnmarshalAPReq(t *testing.T) {
	t.Parallel()

	var mt kRB5Token
	require.NoError(t, mt.unmarshal(mustHex(t, krb5TokenAPReqHex)))

	assert.Equal(t, oID(), mt.oID)
	assert.Equal(t, tokenIDAPReq, mt.tokID)
	require.NotNil(t, mt.aPReq)
	assert.Nil(t, mt.aPRep)
	assert.Nil(t, mt.kRBError)
	assert.Equal(t, msgtype.KRB_AP_REQ, mt.aPReq.MsgType)
	assert.Equal(t, int32(0), mt.aPReq.EncryptedAuthenticator.EType)
	assert.Equal(t, 5, mt.aPReq.EncryptedAuthenticator.KVNO)
	assert.Equal(t, []byte("krbASN.1 test message"), mt.aPReq.EncryptedAuthenticator.Cipher)
}

func TestKRB5TokenUnmarshalAPRep(t *testing.T) {
	t.Parallel()

	var mt kRB5Token
	require.NoError(t, mt.unmarshal(mustHex(t, krb5TokenAPRepHex)))

	assert.Equal(t, tokenIDAPRep, mt.tokID)
	assert.Nil(t, mt.aPReq)
	require.NotNil(t, mt.aPRep)
	assert.Nil(t, mt.kRBError)
	assert.Equal(t, msgtype.KRB_AP_REP, mt.aPRep.MsgType)
	assert.Equal(t, 5, mt.aPRep.EncPart.KVNO)
	assert.Equal(t, []byte("krbASN.1 test message"), mt.aPRep.EncPart.Cipher)
}

func TestKRB5TokenUnmarshalKRBError(t *testing.T) {
	t.Parallel()

	var mt kRB5Token
	require.NoError(t, mt.unmarshal(mustHex(t, krb5TokenKrbErrorHex)))

	assert.Equal(t, tokenIDError, mt.tokID)
	assert.Nil(t, mt.aPReq)
	assert.Nil(t, mt.aPRep)
	require.NotNil(t, mt.kRBError)
	assert.Equal(t, msgtype.KRB_ERROR, mt.kRBError.MsgType)
	assert.Equal(t, int32(sampleError), mt.kRBError.ErrorCode)
	assert.Equal(t, "ATHENA.MIT.EDU", mt.kRBError.Realm)
	assert.Equal(t, sampleData, mt.kRBError.EText)
}

func TestKRB5TokenMarshal(t *testing.T) {
	t.Parallel()

	apreq := ktestMakeSampleApReq()
	aprep := ktestMakeSampleApRep()
	krbErr := ktestMakeSampleError()

	tests := []struct {
		name  string
		token kRB5Token
		want  string
	}{
		{"AP-REQ", newAPReqToken(&apreq), krb5TokenAPReqHex},
		{"AP-REP", newAPRepToken(&aprep), krb5TokenAPRepHex},
		{"KRB-ERROR", newErrorToken(&krbErr), krb5TokenKrbErrorHex},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			b, err := tt.token.marshal()
			require.NoError(t, err)
			assert.Equal(t, mustHex(t, tt.want), b)
		})
	}
}

func TestKRB5TokenUnmarshalErrors(t *testing.T) {
	t.Parallel()

	good := mustHex(t, krb5TokenAPRepHex)

	wrongOID := append([]byte(nil), good...)
	wrongOID[12] = 0x03 // last arc of the mechanism OID

	unknownID := append([]byte(nil), good...)
	unknownID[13] = 0x07

	for name, b := range map[string][]byte{
		"empty":      {},
		"garbage":    []byte("not a token"),
		"wrong OID":  wrongOID,
		"unknown ID": unknownID,
		"truncated":  good[:20],
	} {
		t.Run(name, func(t *testing.T) {
			var mt kRB5Token
			err := mt.unmarshal(b)
			assert.ErrorIs(t, err, sspi.ErrInvalidToken)
		})
	}
}

func TestAuthenticatorChksum(t *testing.T) {
	t.Parallel()

	got := newAuthenticatorChksum(sspi.FlagConfidentiality|sspi.FlagIntegrity, nil)
	assert.Equal(t, mustHex(t, authChksumHex), got)
}

func TestGSSFlags(t *testing.T) {
	t.Parallel()

	all := sspi.FlagDelegate | sspi.FlagMutualAuth | sspi.FlagReplayDetect |
		sspi.FlagSequenceDetect | sspi.FlagConfidentiality | sspi.FlagIntegrity

	assert.Equal(t, uint32(0x3f), toGSSFlags(all))
	assert.Equal(t, uint32(0x20), toGSSFlags(sspi.FlagIntegrity|sspi.FlagConnection))
	assert.Equal(t, all, fromGSSFlags(0x3f))
	assert.Equal(t, sspi.FlagIntegrity, fromGSSFlags(0x20|0x1000))
}

func TestCBChecksum(t *testing.T) {
	t.Parallel()

	base := &sspi.ChannelBinding{Data: []byte("tls-server-end-point:abc")}
	sum := cbChecksum(base)
	assert.Len(t, sum, 16)
	assert.Equal(t, sum, cbChecksum(&sspi.ChannelBinding{Data: []byte("tls-server-end-point:abc")}))

	variants := []*sspi.ChannelBinding{
		{Data: []byte("tls-server-end-point:abd")},
		{InitiatorAddr: &net.TCPAddr{IP: net.IPv4(10, 0, 0, 1), Port: 1}, Data: base.Data},
		{AcceptorAddr: &net.TCPAddr{IP: net.ParseIP("2001:db8::1")}, Data: base.Data},
		{AcceptorAddr: &net.UnixAddr{Name: "/run/sock", Net: "unix"}, Data: base.Data},
	}
	for i, v := range variants {
		assert.NotEqual(t, sum, cbChecksum(v), "variant %d", i)
	}

	// ports are not part of the binding
	a := &sspi.ChannelBinding{InitiatorAddr: &net.TCPAddr{IP: net.IPv4(10, 0, 0, 1), Port: 1}}
	b := &sspi.ChannelBinding{InitiatorAddr: &net.UDPAddr{IP: net.IPv4(10, 0, 0, 1), Port: 2}}
	assert.Equal(t, cbChecksum(a), cbChecksum(b))

	family, data := cbAddress(&net.IPAddr{IP: net.ParseIP("2001:db8::1")})
	assert.Equal(t, uint32(addrFamilyINET6), family)
	assert.Len(t, data, 16)
}
