// SPDX-License-Identifier: Apache-2.0

package negotiate

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/binary"
	"time"

	"golang.org/x/crypto/chacha20poly1305"

	"github.com/golang-auth/go-sspi"
)

// Sealed messages are seq(8) | tag(16) | ciphertext; signed messages are
// seq(8) | mac(16) | message.
const (
	seqLen     = 8
	tagLen     = chacha20poly1305.Overhead
	macLen     = 16
	trailerLen = seqLen + tagLen
	sigLen     = seqLen + macLen
)

func (ctx *secContext) Sizes() (sspi.ContextSizes, error) {
	ctx.mu.Lock()
	defer ctx.mu.Unlock()

	if err := ctx.ready(); err != nil {
		return sspi.ContextSizes{}, err
	}

	return sspi.ContextSizes{
		MaxToken:        sspi.MaxTokenSize,
		MaxSignature:    sigLen,
		BlockSize:       0,
		SecurityTrailer: trailerLen,
	}, nil
}

func (ctx *secContext) Attribute(attr sspi.ContextAttribute) (string, error) {
	ctx.mu.Lock()
	defer ctx.mu.Unlock()

	if err := ctx.ready(); err != nil {
		return "", err
	}

	switch attr {
	case sspi.AttributeNames:
		return ctx.initiatorName, nil
	case sspi.AttributeAuthority:
		return realmOf(ctx.initiatorName), nil
	}

	return "", sspi.Errorf(sspi.StatusInternalError, "attribute %d is not supported", attr)
}

func (ctx *secContext) Delete() error {
	ctx.mu.Lock()
	defer ctx.mu.Unlock()

	ctx.established()
	clear(ctx.sendSign)
	clear(ctx.recvSign)
	ctx.sendSeal, ctx.recvSeal = nil, nil
	ctx.step = stepDeleted

	return nil
}

// ready checks the context can protect messages; ctx.mu must be held.
func (ctx *secContext) ready() error {
	switch ctx.step {
	case stepEstablished:
	case stepDeleted:
		return sspi.Errorf(sspi.StatusInvalidHandle, "security context has been deleted")
	default:
		return sspi.Errorf(sspi.StatusInvalidHandle, "security context is not established")
	}

	if ctx.p.lifetime > 0 && time.Now().After(ctx.expiry) {
		return sspi.Errorf(sspi.StatusContextExpired, "security context expired at %s", ctx.expiry.Format(time.RFC3339))
	}

	return nil
}

func (ctx *secContext) requireFlag(f sspi.ContextFlag) error {
	if ctx.flags&f == 0 {
		return sspi.Errorf(sspi.StatusQoPNotSupported, "%s was not negotiated", f)
	}
	return nil
}

// checkSeq enforces in-order delivery when replay or sequence detection was
// negotiated.  It does not advance the receive counter.
func (ctx *secContext) checkSeq(seq uint64) error {
	if ctx.flags&(sspi.FlagReplayDetect|sspi.FlagSequenceDetect) == 0 {
		return nil
	}
	if seq != ctx.recvSeq {
		return sspi.Errorf(sspi.StatusOutOfSequence, "got message %d, expected %d", seq, ctx.recvSeq)
	}
	return nil
}

func nonceFor(seq uint64) []byte {
	nonce := make([]byte, chacha20poly1305.NonceSize)
	binary.BigEndian.PutUint64(nonce[4:], seq)
	return nonce
}

func seqBytes(seq uint64) []byte {
	return binary.BigEndian.AppendUint64(nil, seq)
}

// protectBuffers returns the token, data and padding buffers of a
// protection set.
func protectBuffers(msg *sspi.BufferSet) (token, data, padding *sspi.Buffer, err error) {
	token = msg.Find(sspi.BufferToken)
	data = msg.Find(sspi.BufferData)
	padding = msg.Find(sspi.BufferPadding)
	if token == nil || data == nil {
		return nil, nil, nil, sspi.Errorf(sspi.StatusInvalidToken, "message needs a token and a data buffer")
	}

	return token, data, padding, nil
}

func clearPadding(padding *sspi.Buffer) error {
	if padding == nil {
		return nil
	}
	return padding.SetLen(0)
}

func (ctx *secContext) Encrypt(msg *sspi.BufferSet) error {
	ctx.mu.Lock()
	defer ctx.mu.Unlock()

	if err := ctx.ready(); err != nil {
		return err
	}
	if err := ctx.requireFlag(sspi.FlagConfidentiality); err != nil {
		return err
	}

	token, data, padding, err := protectBuffers(msg)
	if err != nil {
		return err
	}
	if token.Cap() < trailerLen {
		return sspi.Errorf(sspi.StatusBufferTooSmall, "security trailer needs %d bytes", trailerLen)
	}

	seq := ctx.sendSeq
	ad := seqBytes(seq)
	sealed := ctx.sendSeal.Seal(nil, nonceFor(seq), data.Bytes(), ad)
	ct, tag := sealed[:len(sealed)-tagLen], sealed[len(sealed)-tagLen:]

	if err := token.Set(append(ad, tag...)); err != nil {
		return err
	}
	if err := data.Set(ct); err != nil {
		return err
	}
	if err := clearPadding(padding); err != nil {
		return err
	}

	ctx.sendSeq++
	return nil
}

// Decrypt treats the Data and Stream buffers as one sealed message and
// leaves the plaintext in Data.
func (ctx *secContext) Decrypt(msg *sspi.BufferSet) error {
	ctx.mu.Lock()
	defer ctx.mu.Unlock()

	if err := ctx.ready(); err != nil {
		return err
	}

	data := msg.Find(sspi.BufferData)
	if data == nil {
		return sspi.Errorf(sspi.StatusInvalidToken, "message needs a data buffer")
	}
	sealed := append([]byte(nil), data.Bytes()...)
	stream := msg.Find(sspi.BufferStream)
	if stream != nil {
		sealed = append(sealed, stream.Bytes()...)
	}

	if len(sealed) < trailerLen {
		return sspi.Errorf(sspi.StatusIncompleteMessage, "sealed message is %d bytes, at least %d needed", len(sealed), trailerLen)
	}

	ad := sealed[:seqLen]
	tag := sealed[seqLen:trailerLen]
	ct := sealed[trailerLen:]
	seq := binary.BigEndian.Uint64(ad)

	if len(ct) > data.Cap() {
		return sspi.Errorf(sspi.StatusBufferTooSmall, "plaintext is %d bytes, data buffer holds %d", len(ct), data.Cap())
	}

	pt, err := ctx.recvSeal.Open(nil, nonceFor(seq), append(ct, tag...), ad)
	if err != nil {
		return sspi.Errorf(sspi.StatusMessageAltered, "message %d failed authentication", seq)
	}
	if err := ctx.checkSeq(seq); err != nil {
		return err
	}

	if err := data.Set(pt); err != nil {
		return err
	}
	if stream != nil {
		if err := stream.SetLen(0); err != nil {
			return err
		}
	}

	ctx.recvSeq = seq + 1
	return nil
}

func (ctx *secContext) MakeSignature(msg *sspi.BufferSet) error {
	ctx.mu.Lock()
	defer ctx.mu.Unlock()

	if err := ctx.ready(); err != nil {
		return err
	}
	if err := ctx.requireFlag(sspi.FlagIntegrity | sspi.FlagConfidentiality); err != nil {
		return err
	}

	token, data, padding, err := protectBuffers(msg)
	if err != nil {
		return err
	}

	seq := ctx.sendSeq
	sig := append(seqBytes(seq), ctx.mac(ctx.sendSign, seq, data.Bytes())...)
	if err := token.Set(sig); err != nil {
		return err
	}
	if err := clearPadding(padding); err != nil {
		return err
	}

	ctx.sendSeq++
	return nil
}

// VerifySignature checks the signature in Token against Data.  On success
// only Data is left with a non-zero length.
func (ctx *secContext) VerifySignature(msg *sspi.BufferSet) error {
	ctx.mu.Lock()
	defer ctx.mu.Unlock()

	if err := ctx.ready(); err != nil {
		return err
	}

	token, data, padding, err := protectBuffers(msg)
	if err != nil {
		return err
	}

	sig := token.Bytes()
	if len(sig) != sigLen {
		return sspi.Errorf(sspi.StatusMessageAltered, "signature is %d bytes, expected %d", len(sig), sigLen)
	}

	seq := binary.BigEndian.Uint64(sig[:seqLen])
	if !hmac.Equal(sig[seqLen:], ctx.mac(ctx.recvSign, seq, data.Bytes())) {
		return sspi.Errorf(sspi.StatusMessageAltered, "message %d failed verification", seq)
	}
	if err := ctx.checkSeq(seq); err != nil {
		return err
	}

	if err := token.SetLen(0); err != nil {
		return err
	}
	if err := clearPadding(padding); err != nil {
		return err
	}

	ctx.recvSeq = seq + 1
	return nil
}

func (ctx *secContext) mac(key []byte, seq uint64, data []byte) []byte {
	m := hmac.New(sha256.New, key)
	m.Write(seqBytes(seq))
	m.Write(data)
	return m.Sum(nil)[:macLen]
}
