// SPDX-License-Identifier: Apache-2.0

package krb5

import (
	"time"

	"github.com/jcmturner/gokrb5/v8/types"

	"github.com/golang-auth/go-sspi"
)

// Sizes follow MIT Kerberos (wrap_size_limit.c): every token has a 16 byte
// header, and a sealed token also carries an encrypted copy of it.
func (ctx *secContext) Sizes() (sspi.ContextSizes, error) {
	ctx.mu.Lock()
	defer ctx.mu.Unlock()

	if err := ctx.ready(); err != nil {
		return sspi.ContextSizes{}, err
	}

	keyType := ctx.sendKey().KeyType

	return sspi.ContextSizes{
		MaxToken:        maxToken,
		MaxSignature:    msgTokenHdrLen + checksumLength(keyType),
		BlockSize:       uint32(keyPaddingLength(keyType)),
		SecurityTrailer: 2*msgTokenHdrLen + uint32(keyHeaderLength(keyType)+keyTrailerLength(keyType)),
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
		return ctx.clientName, nil
	case sspi.AttributeAuthority:
		return ctx.clientRealm, nil
	}

	return "", sspi.Errorf(sspi.StatusInternalError, "attribute %d is not supported", attr)
}

func (ctx *secContext) Delete() error {
	ctx.mu.Lock()
	defer ctx.mu.Unlock()

	for _, k := range []*types.EncryptionKey{&ctx.sessionKey, ctx.initiatorSubKey, ctx.acceptorSubKey} {
		if k != nil {
			clear(k.KeyValue)
		}
	}
	ctx.initiatorSubKey, ctx.acceptorSubKey = nil, nil
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

	if time.Now().After(ctx.expiry) {
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

// sendKey is the key for outgoing tokens: the acceptor subkey if there is
// one, RFC 4121 § 2
func (ctx *secContext) sendKey() types.EncryptionKey {
	switch {
	case ctx.acceptorSubKey != nil:
		return *ctx.acceptorSubKey
	case ctx.initiatorSubKey != nil:
		return *ctx.initiatorSubKey
	}
	return ctx.sessionKey
}

func (ctx *secContext) sendFlags() tokenFlag {
	var f tokenFlag
	if !ctx.initiator {
		f |= tokenFlagSentByAcceptor
	}
	if ctx.acceptorSubKey != nil {
		f |= tokenFlagAcceptorSubkey
	}
	return f
}

// recvKey is the key an incoming token with flags f was protected with.
func (ctx *secContext) recvKey(f tokenFlag) (types.EncryptionKey, error) {
	switch {
	case f&tokenFlagAcceptorSubkey != 0:
		if ctx.acceptorSubKey == nil {
			return types.EncryptionKey{}, sspi.Errorf(sspi.StatusMessageAltered, "token uses an acceptor subkey that was not negotiated")
		}
		return *ctx.acceptorSubKey, nil
	case ctx.initiatorSubKey != nil:
		return *ctx.initiatorSubKey, nil
	}
	return ctx.sessionKey, nil
}

// checkSeq enforces in-order delivery when replay or sequence detection was
// negotiated.
func (ctx *secContext) checkSeq(seq uint64) error {
	if ctx.flags&(sspi.FlagReplayDetect|sspi.FlagSequenceDetect) == 0 {
		return nil
	}
	if seq != ctx.theirSeq {
		return sspi.Errorf(sspi.StatusOutOfSequence, "got message %d, expected %d", seq, ctx.theirSeq)
	}
	return nil
}

// Encrypt seals Data into a wrap token and spreads the token over the
// Token, Data and Padding buffers, in that order.
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

	wt := wrapToken{
		Flags:          ctx.sendFlags() | tokenFlagSealed,
		SequenceNumber: ctx.ourSeq,
		Payload:        append([]byte(nil), data.Bytes()...),
	}
	if err := wt.Seal(ctx.sendKey()); err != nil {
		return sspi.Errorf(sspi.StatusInternalError, "sealing message: %w", err)
	}
	out, err := wt.Marshal()
	if err != nil {
		return sspi.Errorf(sspi.StatusInternalError, "sealing message: %w", err)
	}

	if err := spread(out, token, data, padding); err != nil {
		return err
	}

	ctx.ourSeq++
	return nil
}

// Decrypt treats Data followed by Stream as one wrap token and leaves the
// plaintext in Data.  Signed-only wrap tokens are accepted too.
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

	if len(sealed) < msgTokenHdrLen {
		return sspi.Errorf(sspi.StatusIncompleteMessage, "wrap token is %d bytes, at least %d needed", len(sealed), msgTokenHdrLen)
	}

	var wt wrapToken
	if err := wt.Unmarshal(sealed); err != nil {
		return sspi.Errorf(sspi.StatusMessageAltered, "%w", err)
	}
	key, err := ctx.recvKey(wt.Flags)
	if err != nil {
		return err
	}
	if _, err := wt.VerifyAndDecode(key, ctx.initiator); err != nil {
		return sspi.Errorf(sspi.StatusMessageAltered, "message %d failed verification: %w", wt.SequenceNumber, err)
	}
	if err := ctx.checkSeq(wt.SequenceNumber); err != nil {
		return err
	}

	if err := data.Set(wt.Payload); err != nil {
		return err
	}
	if stream != nil {
		if err := stream.SetLen(0); err != nil {
			return err
		}
	}

	ctx.theirSeq = wt.SequenceNumber + 1
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

	mt := micToken{
		Flags:          ctx.sendFlags(),
		SequenceNumber: ctx.ourSeq,
	}
	if err := mt.Sign(data.Bytes(), ctx.sendKey()); err != nil {
		return sspi.Errorf(sspi.StatusInternalError, "signing message: %w", err)
	}
	out, err := mt.Marshal()
	if err != nil {
		return sspi.Errorf(sspi.StatusInternalError, "signing message: %w", err)
	}

	if err := token.Set(out); err != nil {
		return err
	}
	if err := clearPadding(padding); err != nil {
		return err
	}

	ctx.ourSeq++
	return nil
}

// VerifySignature checks the MIC token in Token against Data.  On success
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

	var mt micToken
	if err := mt.Unmarshal(token.Bytes()); err != nil {
		return sspi.Errorf(sspi.StatusMessageAltered, "%w", err)
	}
	key, err := ctx.recvKey(mt.Flags)
	if err != nil {
		return err
	}
	if err := mt.Verify(data.Bytes(), key, ctx.initiator); err != nil {
		return sspi.Errorf(sspi.StatusMessageAltered, "message %d failed verification: %w", mt.SequenceNumber, err)
	}
	if err := ctx.checkSeq(mt.SequenceNumber); err != nil {
		return err
	}

	if err := token.SetLen(0); err != nil {
		return err
	}
	if err := clearPadding(padding); err != nil {
		return err
	}

	ctx.theirSeq = mt.SequenceNumber + 1
	return nil
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

// spread fills bufs in order with consecutive pieces of tok, each up to the
// buffer's capacity.
func spread(tok []byte, bufs ...*sspi.Buffer) error {
	total := len(tok)
	for _, b := range bufs {
		if b == nil {
			continue
		}
		n := min(b.Cap(), len(tok))
		if err := b.Set(tok[:n]); err != nil {
			return err
		}
		tok = tok[n:]
	}

	if len(tok) > 0 {
		return sspi.Errorf(sspi.StatusBufferTooSmall, "sealed message is %d bytes, buffers hold %d", total, total-len(tok))
	}
	return nil
}
