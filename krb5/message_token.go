// SPDX-License-Identifier: Apache-2.0

package krb5

/*
 * Derived from github.com/jcmturner/gokrb5/v8/gssapi/wrapToken.go
 *
 * The modified version adds sealing, and accepts the rotated tokens that
 * Windows peers send.
 */

import (
	"bytes"
	"crypto/hmac"
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/jcmturner/gokrb5/v8/crypto"
	"github.com/jcmturner/gokrb5/v8/iana/keyusage"
	"github.com/jcmturner/gokrb5/v8/types"
)

// RFC 4121 § 4.2.6
const (
	msgTokenHdrLen          = 16
	msgTokenFillerByte byte = 0xFF
)

var (
	wrapTokenID = [2]byte{0x05, 0x04}
	micTokenID  = [2]byte{0x04, 0x04}
	micFiller   = []byte{0xFF, 0xFF, 0xFF, 0xFF, 0xFF}
)

// tokenFlag is the flags octet of per-message tokens, RFC 4121 § 4.2.2
type tokenFlag uint8

const (
	tokenFlagSentByAcceptor tokenFlag = 1 << iota
	tokenFlagSealed
	tokenFlagAcceptorSubkey
)

// micToken is RFC 4121 § 4.2.6.1
type micToken struct {
	Flags          tokenFlag
	SequenceNumber uint64
	Checksum       []byte
	signed         bool
}

// wrapToken is RFC 4121 § 4.2.6.2
type wrapToken struct {
	Flags          tokenFlag
	EC             uint16 // checksum length or filler length
	RRC            uint16 // right rotation count
	SequenceNumber uint64
	Payload        []byte
	signedOrSealed bool
}

func (f tokenFlag) sealUsage() uint32 {
	if f&tokenFlagSentByAcceptor != 0 {
		return keyusage.GSSAPI_ACCEPTOR_SEAL
	}
	return keyusage.GSSAPI_INITIATOR_SEAL
}

func (f tokenFlag) signUsage() uint32 {
	if f&tokenFlagSentByAcceptor != 0 {
		return keyusage.GSSAPI_ACCEPTOR_SIGN
	}
	return keyusage.GSSAPI_INITIATOR_SIGN
}

func checkDirection(f tokenFlag, expectFromAcceptor bool) error {
	if fromAcceptor := f&tokenFlagSentByAcceptor != 0; fromAcceptor != expectFromAcceptor {
		return fmt.Errorf("token sent by acceptor: %t, expected %t", fromAcceptor, expectFromAcceptor)
	}
	return nil
}

// Sign appends the checksum of the payload and the header (with EC and RRC
// zero) to the payload, RFC 4121 § 4.2.4
func (wt *wrapToken) Sign(key types.EncryptionKey) error {
	if wt.signedOrSealed {
		return errors.New("wrap token is already signed or sealed")
	}

	encType, err := crypto.GetEtype(key.KeyType)
	if err != nil {
		return err
	}

	sig, err := wt.computeChecksum(key)
	if err != nil {
		return err
	}

	wt.Payload = append(wt.Payload, sig...)
	wt.EC = uint16(encType.GetHMACBitLength() / 8)
	wt.RRC = 0
	wt.signedOrSealed = true

	return nil
}

// Seal encrypts the payload followed by a copy of the header, RFC 4121
// § 4.2.4
func (wt *wrapToken) Seal(key types.EncryptionKey) error {
	if wt.signedOrSealed {
		return errors.New("wrap token is already signed or sealed")
	}

	encType, err := crypto.GetEtype(key.KeyType)
	if err != nil {
		return err
	}

	wt.EC = 0
	wt.RRC = 0

	toEncrypt := make([]byte, 0, len(wt.Payload)+msgTokenHdrLen)
	toEncrypt = append(toEncrypt, wt.Payload...)
	toEncrypt = append(toEncrypt, wt.header()...)

	_, encData, err := encType.EncryptMessage(key.KeyValue, toEncrypt, wt.Flags.sealUsage())
	if err != nil {
		return err
	}

	wt.Payload = encData
	wt.signedOrSealed = true

	return nil
}

// header is the token header with EC and RRC zero, as covered by checksums
// and encryption.
func (wt *wrapToken) header() []byte {
	hdr := make([]byte, msgTokenHdrLen)
	copy(hdr, wrapTokenID[:])
	hdr[2] = byte(wt.Flags)
	hdr[3] = msgTokenFillerByte
	binary.BigEndian.PutUint64(hdr[8:], wt.SequenceNumber)

	return hdr
}

func (wt *wrapToken) computeChecksum(key types.EncryptionKey) ([]byte, error) {
	encType, err := crypto.GetEtype(key.KeyType)
	if err != nil {
		return nil, err
	}

	cksumData := make([]byte, 0, len(wt.Payload)+msgTokenHdrLen)
	cksumData = append(cksumData, wt.Payload...)
	cksumData = append(cksumData, wt.header()...)

	// wrap tokens use the seal key usage even when only signed, RFC 4121 § 2
	return encType.GetChecksumHash(key.KeyValue, cksumData, wt.Flags.sealUsage())
}

func (wt *wrapToken) Marshal() ([]byte, error) {
	if !wt.signedOrSealed {
		return nil, errors.New("wrap token is not signed or sealed")
	}

	token := make([]byte, msgTokenHdrLen+len(wt.Payload))
	copy(token, wrapTokenID[:])
	token[2] = byte(wt.Flags)
	token[3] = msgTokenFillerByte
	binary.BigEndian.PutUint16(token[4:6], wt.EC)
	binary.BigEndian.PutUint16(token[6:8], wt.RRC)
	binary.BigEndian.PutUint64(token[8:16], wt.SequenceNumber)
	copy(token[16:], wt.Payload)

	return token, nil
}

// Unmarshal parses a signed or sealed token.  A rotated payload is copied
// and rotated back, so RRC is informational afterwards.
func (wt *wrapToken) Unmarshal(token []byte) error {
	*wt = wrapToken{}

	if len(token) < msgTokenHdrLen {
		return errors.New("wrap token is too short")
	}

	// RFC 4121 § 4.4: 0x60 introduces the GSS-API v1 framing
	if token[0] == 0x60 {
		return errors.New("GSS-API v1 message tokens are not supported")
	}
	if !bytes.Equal(wrapTokenID[:], token[0:2]) {
		return errors.New("bad wrap token ID")
	}
	if token[3] != msgTokenFillerByte {
		return errors.New("bad wrap token filler")
	}

	wt.Flags = tokenFlag(token[2])
	wt.EC = binary.BigEndian.Uint16(token[4:6])
	wt.RRC = binary.BigEndian.Uint16(token[6:8])
	wt.SequenceNumber = binary.BigEndian.Uint64(token[8:16])
	wt.Payload = token[16:]

	if wt.RRC != 0 {
		wt.Payload = rotateLeft(append([]byte(nil), wt.Payload...), uint(wt.RRC))
	}

	wt.signedOrSealed = true
	return nil
}

// VerifyAndDecode checks the token and replaces the payload with the
// plaintext.  It reports whether the token was sealed.
func (wt *wrapToken) VerifyAndDecode(key types.EncryptionKey, expectFromAcceptor bool) (bool, error) {
	if !wt.signedOrSealed {
		return false, errors.New("wrap token is not signed or sealed")
	}
	if err := checkDirection(wt.Flags, expectFromAcceptor); err != nil {
		return false, err
	}

	if wt.Flags&tokenFlagSealed != 0 {
		return true, wt.decrypt(key)
	}
	return false, wt.checkSig(key)
}

func (wt *wrapToken) decrypt(key types.EncryptionKey) error {
	encType, err := crypto.GetEtype(key.KeyType)
	if err != nil {
		return err
	}

	decrypted, err := encType.DecryptMessage(key.KeyValue, wt.Payload, wt.Flags.sealUsage())
	if err != nil {
		return err
	}
	if len(decrypted) < int(wt.EC)+msgTokenHdrLen {
		return errors.New("decrypted wrap token is too short")
	}

	// the encrypted copy of the header must match the clear one
	var inner wrapToken
	if err := inner.Unmarshal(decrypted[len(decrypted)-msgTokenHdrLen:]); err != nil {
		return err
	}
	if inner.Flags != wt.Flags || inner.EC != wt.EC || inner.SequenceNumber != wt.SequenceNumber {
		return errors.New("wrap token header was modified")
	}

	wt.Payload = decrypted[:len(decrypted)-msgTokenHdrLen-int(wt.EC)]
	wt.signedOrSealed = false

	return nil
}

func (wt *wrapToken) checkSig(key types.EncryptionKey) error {
	encType, err := crypto.GetEtype(key.KeyType)
	if err != nil {
		return err
	}

	if wt.EC != uint16(encType.GetHMACBitLength()/8) {
		return errors.New("bad wrap token checksum length")
	}
	if len(wt.Payload) < int(wt.EC) {
		return errors.New("signed wrap token is too short")
	}

	split := len(wt.Payload) - int(wt.EC)
	tokCksum := wt.Payload[split:]

	unsigned := *wt
	unsigned.Payload = wt.Payload[:split]
	computed, err := unsigned.computeChecksum(key)
	if err != nil {
		return err
	}
	if !hmac.Equal(tokCksum, computed) {
		return errors.New("bad wrap token checksum")
	}

	wt.Payload = wt.Payload[:split]
	wt.signedOrSealed = false

	return nil
}

// rotateLeft rotates buf in place, as gss_krb5int_rotate_left in MIT
// Kerberos.
func rotateLeft(buf []byte, rc uint) []byte {
	if len(buf) == 0 {
		return buf
	}

	rc %= uint(len(buf))
	if rc == 0 {
		return buf
	}

	tmp := make([]byte, rc)
	copy(tmp, buf[:rc])
	copy(buf, buf[rc:])
	copy(buf[uint(len(buf))-rc:], tmp)

	return buf
}

// Sign computes the checksum of the payload and the token header, RFC 4121
// § 4.2.4
func (mt *micToken) Sign(payload []byte, key types.EncryptionKey) error {
	encType, err := crypto.GetEtype(key.KeyType)
	if err != nil {
		return err
	}

	cksumData := make([]byte, 0, len(payload)+msgTokenHdrLen)
	cksumData = append(cksumData, payload...)
	cksumData = append(cksumData, mt.header()...)

	mt.Checksum, err = encType.GetChecksumHash(key.KeyValue, cksumData, mt.Flags.signUsage())
	if err != nil {
		return err
	}

	mt.signed = true
	return nil
}

func (mt *micToken) header() []byte {
	hdr := make([]byte, msgTokenHdrLen)
	copy(hdr, micTokenID[:])
	hdr[2] = byte(mt.Flags)
	copy(hdr[3:8], micFiller)
	binary.BigEndian.PutUint64(hdr[8:], mt.SequenceNumber)

	return hdr
}

func (mt *micToken) Marshal() ([]byte, error) {
	if !mt.signed {
		return nil, errors.New("MIC token is not signed")
	}

	return append(mt.header(), mt.Checksum...), nil
}

func (mt *micToken) Unmarshal(token []byte) error {
	*mt = micToken{}

	if len(token) < msgTokenHdrLen {
		return errors.New("MIC token is too short")
	}
	if token[0] == 0x60 {
		return errors.New("GSS-API v1 message tokens are not supported")
	}
	if !bytes.Equal(micTokenID[:], token[0:2]) {
		return errors.New("bad MIC token ID")
	}
	if !bytes.Equal(token[3:8], micFiller) {
		return errors.New("bad MIC token filler")
	}

	mt.Flags = tokenFlag(token[2])
	mt.SequenceNumber = binary.BigEndian.Uint64(token[8:16])
	mt.Checksum = token[16:]
	mt.signed = true

	return nil
}

// Verify checks the token's checksum over payload.  An empty payload is
// valid.
func (mt *micToken) Verify(payload []byte, key types.EncryptionKey, expectFromAcceptor bool) error {
	if !mt.signed {
		return errors.New("MIC token is not signed")
	}
	if err := checkDirection(mt.Flags, expectFromAcceptor); err != nil {
		return err
	}

	expected := micToken{Flags: mt.Flags, SequenceNumber: mt.SequenceNumber}
	if err := expected.Sign(payload, key); err != nil {
		return err
	}
	if !hmac.Equal(mt.Checksum, expected.Checksum) {
		return errors.New("bad MIC token checksum")
	}

	return nil
}
