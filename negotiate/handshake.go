// SPDX-License-Identifier: Apache-2.0

package negotiate

import (
	"crypto/cipher"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/binary"
	"io"
	"sync"
	"time"

	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/curve25519"
	"golang.org/x/crypto/hkdf"

	"github.com/golang-auth/go-sspi"
)

var (
	labelAcceptor  = []byte("go-sspi negotiate acceptor proof")
	labelInitiator = []byte("go-sspi negotiate initiator proof")
	labelSession   = []byte("go-sspi negotiate session keys")
)

type step int

const (
	stepNegotiateSent step = iota + 1
	stepChallengeSent
	stepEstablished
	stepDeleted
)

// secContext implements sspi.ContextHandle for both roles.
type secContext struct {
	p         *Provider
	initiator bool

	mu        sync.Mutex
	step      step
	requested sspi.ContextFlag
	flags     sspi.ContextFlag
	expiry    time.Time

	initiatorName string
	acceptorName  string

	// handshake state, cleared once established
	priv   []byte
	leg1   []byte
	th     []byte
	shared []byte
	proofA []byte
	keyI   []byte

	// session state
	sendSeal, recvSeal cipher.AEAD
	sendSign, recvSign []byte
	sendSeq, recvSeq   uint64
}

var _ sspi.ContextHandle = (*secContext)(nil)

func (c *credential) InitializeContext(req *sspi.InitializeRequest) (sspi.Round, error) {
	if req.Context == nil {
		return c.initiate(req)
	}

	ctx, ok := req.Context.(*secContext)
	if !ok || !ctx.initiator {
		return sspi.Round{}, sspi.Errorf(sspi.StatusInvalidHandle, "not a %s initiator context", Name)
	}

	return ctx.complete(req.Input, req.Output)
}

func (c *credential) AcceptContext(req *sspi.AcceptRequest) (sspi.Round, error) {
	if req.Context == nil {
		return c.challenge(req)
	}

	ctx, ok := req.Context.(*secContext)
	if !ok || ctx.initiator {
		return sspi.Round{}, sspi.Errorf(sspi.StatusInvalidHandle, "not a %s acceptor context", Name)
	}

	return ctx.verify(req.Input, req.Output)
}

// initiate produces the NEGOTIATE leg.
func (c *credential) initiate(req *sspi.InitializeRequest) (sspi.Round, error) {
	dir := c.p.dir

	if req.Target == "" {
		return sspi.Round{}, sspi.Errorf(sspi.StatusTargetUnknown, "no target name given")
	}
	target := dir.Canonical(req.Target)
	if _, ok := dir.key(target); !ok {
		return sspi.Round{}, sspi.Errorf(sspi.StatusTargetUnknown, "target %s is not known in realm %s", target, dir.Realm())
	}

	priv, pub, err := newKeyShare()
	if err != nil {
		return sspi.Round{}, err
	}
	nonce, err := randomBytes(nonceLen)
	if err != nil {
		return sspi.Round{}, err
	}

	flags := req.Flags & supportedFlags
	tok, err := marshalLeg(legNegotiate, &negotiateMsg{
		Flags:     uint32(flags),
		Public:    pub,
		Nonce:     nonce,
		Initiator: c.principal,
		Target:    target,
		Binding:   bindingHash(req.ChannelBinding),
	})
	if err != nil {
		return sspi.Round{}, err
	}

	if err := writeToken(req.Output, tok); err != nil {
		return sspi.Round{}, err
	}

	ctx := &secContext{
		p:             c.p,
		initiator:     true,
		step:          stepNegotiateSent,
		requested:     flags,
		flags:         flags,
		expiry:        time.Now().Add(c.p.lifetime),
		initiatorName: c.principal,
		acceptorName:  target,
		priv:          priv,
		leg1:          tok,
		keyI:          append([]byte(nil), c.key...),
	}

	c.p.logger.Debug("sent NEGOTIATE", "initiator", c.principal, "target", target)
	return ctx.round(ctx.flags, sspi.StatusContinueNeeded, ctx), nil
}

// challenge consumes NEGOTIATE and produces CHALLENGE.
func (c *credential) challenge(req *sspi.AcceptRequest) (sspi.Round, error) {
	dir := c.p.dir

	tok, err := readToken(req.Input)
	if err != nil {
		return sspi.Round{}, err
	}
	m, err := parseNegotiate(tok)
	if err != nil {
		return sspi.Round{}, err
	}

	if dir.Canonical(m.Target) != c.principal {
		return sspi.Round{}, sspi.Errorf(sspi.StatusTargetUnknown, "token is for %s, this is %s", m.Target, c.principal)
	}

	initiator := dir.Canonical(m.Initiator)
	keyI, ok := dir.key(initiator)
	if !ok {
		return sspi.Round{}, sspi.Errorf(sspi.StatusLogonDenied, "initiator %s is not known in realm %s", initiator, dir.Realm())
	}

	if local := bindingHash(req.ChannelBinding); local != nil && !hmac.Equal(local, m.Binding) {
		return sspi.Round{}, sspi.Errorf(sspi.StatusBadBindings, "initiator channel binding does not match")
	}

	priv, pub, err := newKeyShare()
	if err != nil {
		return sspi.Round{}, err
	}
	defer clear(priv)

	shared, err := curve25519.X25519(priv, m.Public)
	if err != nil {
		return sspi.Round{}, sspi.Errorf(sspi.StatusInvalidToken, "bad initiator key share: %w", err)
	}

	nonce, err := randomBytes(nonceLen)
	if err != nil {
		return sspi.Round{}, err
	}

	granted := sspi.ContextFlag(m.Flags) & supportedFlags
	signed, err := marshalLeg(legChallenge, &challengeMsg{
		Flags:    uint32(granted),
		Public:   pub,
		Nonce:    nonce,
		Acceptor: c.principal,
	})
	if err != nil {
		return sspi.Round{}, err
	}

	th := transcript(tok, signed)
	proofA := proof(c.key, labelAcceptor, th, shared)

	if err := writeToken(req.Output, append(signed, proofA...)); err != nil {
		return sspi.Round{}, err
	}

	ctx := &secContext{
		p:             c.p,
		initiator:     false,
		step:          stepChallengeSent,
		requested:     granted,
		flags:         granted,
		expiry:        time.Now().Add(c.p.lifetime),
		initiatorName: initiator,
		acceptorName:  c.principal,
		th:            th,
		shared:        shared,
		proofA:        proofA,
		keyI:          keyI,
	}
	ctx.deriveSession(keyI, c.key)

	c.p.logger.Debug("sent CHALLENGE", "initiator", initiator, "flags", uint32(granted))
	return ctx.round(granted, sspi.StatusContinueNeeded, ctx), nil
}

// complete consumes CHALLENGE and produces AUTHENTICATE.
func (ctx *secContext) complete(input, output *sspi.BufferSet) (sspi.Round, error) {
	ctx.mu.Lock()
	defer ctx.mu.Unlock()

	if ctx.step != stepNegotiateSent {
		return sspi.Round{}, sspi.Errorf(sspi.StatusInvalidToken, "initiator is not expecting a token")
	}

	tok, err := readToken(input)
	if err != nil {
		return sspi.Round{}, err
	}
	m, signed, proofA, err := parseChallenge(tok)
	if err != nil {
		return sspi.Round{}, err
	}

	dir := ctx.p.dir
	if dir.Canonical(m.Acceptor) != ctx.acceptorName {
		return sspi.Round{}, sspi.Errorf(sspi.StatusLogonDenied, "reply is from %s, expected %s", m.Acceptor, ctx.acceptorName)
	}
	keyA, ok := dir.key(ctx.acceptorName)
	if !ok {
		return sspi.Round{}, sspi.Errorf(sspi.StatusTargetUnknown, "target %s is not known in realm %s", ctx.acceptorName, dir.Realm())
	}
	defer clear(keyA)

	shared, err := curve25519.X25519(ctx.priv, m.Public)
	if err != nil {
		return sspi.Round{}, sspi.Errorf(sspi.StatusInvalidToken, "bad acceptor key share: %w", err)
	}

	th := transcript(ctx.leg1, signed)
	if ctx.requested&sspi.FlagMutualAuth != 0 {
		if !hmac.Equal(proofA, proof(keyA, labelAcceptor, th, shared)) {
			return sspi.Round{}, sspi.Errorf(sspi.StatusLogonDenied, "acceptor %s failed to authenticate", ctx.acceptorName)
		}
	}

	proofI := proof(ctx.keyI, labelInitiator, th, shared, proofA)
	if err := writeToken(output, append(header(legAuthenticate), proofI...)); err != nil {
		return sspi.Round{}, err
	}

	ctx.flags = sspi.ContextFlag(m.Flags) & ctx.requested
	ctx.th = th
	ctx.shared = shared
	ctx.deriveSession(ctx.keyI, keyA)
	ctx.established()

	ctx.p.logger.Debug("sent AUTHENTICATE", "acceptor", ctx.acceptorName, "flags", uint32(ctx.flags))
	return ctx.round(ctx.flags, sspi.StatusOK, nil), nil
}

// verify consumes AUTHENTICATE.  The acceptor has nothing more to send.
func (ctx *secContext) verify(input, output *sspi.BufferSet) (sspi.Round, error) {
	ctx.mu.Lock()
	defer ctx.mu.Unlock()

	if ctx.step != stepChallengeSent {
		return sspi.Round{}, sspi.Errorf(sspi.StatusInvalidToken, "acceptor is not expecting a token")
	}

	tok, err := readToken(input)
	if err != nil {
		return sspi.Round{}, err
	}
	proofI, err := parseAuthenticate(tok)
	if err != nil {
		return sspi.Round{}, err
	}

	if !hmac.Equal(proofI, proof(ctx.keyI, labelInitiator, ctx.th, ctx.shared, ctx.proofA)) {
		return sspi.Round{}, sspi.Errorf(sspi.StatusLogonDenied, "initiator %s failed to authenticate", ctx.initiatorName)
	}

	if err := writeToken(output, nil); err != nil {
		return sspi.Round{}, err
	}

	ctx.established()

	ctx.p.logger.Debug("authenticated initiator", "initiator", ctx.initiatorName)
	return ctx.round(ctx.flags, sspi.StatusOK, nil), nil
}

// round reports a leg.  handle is only set on the first leg.
func (ctx *secContext) round(flags sspi.ContextFlag, status sspi.Status, handle sspi.ContextHandle) sspi.Round {
	expiry := sspi.TimeStampNever
	if ctx.p.lifetime > 0 {
		expiry = sspi.TimeStampFromTime(ctx.expiry)
	}

	return sspi.Round{
		Context: handle,
		Flags:   flags,
		Expiry:  expiry,
		Status:  status,
	}
}

// established drops the handshake secrets.
func (ctx *secContext) established() {
	ctx.step = stepEstablished
	for _, b := range [][]byte{ctx.priv, ctx.shared, ctx.keyI} {
		clear(b)
	}
	ctx.priv, ctx.leg1, ctx.th, ctx.shared, ctx.proofA, ctx.keyI = nil, nil, nil, nil, nil, nil
}

// deriveSession derives the per direction keys from the shared secret, both
// long-term keys and the transcript.
func (ctx *secContext) deriveSession(keyI, keyA []byte) {
	secret := make([]byte, 0, len(ctx.shared)+len(keyI)+len(keyA))
	secret = append(secret, ctx.shared...)
	secret = append(secret, keyI...)
	secret = append(secret, keyA...)
	defer clear(secret)

	keys := make([]byte, 4*chacha20poly1305.KeySize)
	if _, err := io.ReadFull(hkdf.New(sha256.New, secret, ctx.th, labelSession), keys); err != nil {
		panic(err) // hkdf cannot run out of output at this length
	}

	n := chacha20poly1305.KeySize
	i2aSeal, a2iSeal := mustAEAD(keys[:n]), mustAEAD(keys[n:2*n])
	i2aSign, a2iSign := keys[2*n:3*n], keys[3*n:]

	if ctx.initiator {
		ctx.sendSeal, ctx.recvSeal = i2aSeal, a2iSeal
		ctx.sendSign, ctx.recvSign = i2aSign, a2iSign
	} else {
		ctx.sendSeal, ctx.recvSeal = a2iSeal, i2aSeal
		ctx.sendSign, ctx.recvSign = a2iSign, i2aSign
	}
}

func mustAEAD(key []byte) cipher.AEAD {
	aead, err := chacha20poly1305.New(key)
	if err != nil {
		panic(err)
	}
	return aead
}

func newKeyShare() (priv, pub []byte, err error) {
	priv, err = randomBytes(curve25519.ScalarSize)
	if err != nil {
		return nil, nil, err
	}

	pub, err = curve25519.X25519(priv, curve25519.Basepoint)
	if err != nil {
		return nil, nil, sspi.Errorf(sspi.StatusInternalError, "key share: %w", err)
	}

	return priv, pub, nil
}

func randomBytes(n int) ([]byte, error) {
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		return nil, sspi.Errorf(sspi.StatusInternalError, "reading random data: %w", err)
	}
	return b, nil
}

func transcript(leg1, signedChallenge []byte) []byte {
	h := sha256.New()
	_ = binary.Write(h, binary.BigEndian, uint32(len(leg1)))
	h.Write(leg1)
	h.Write(signedChallenge)
	return h.Sum(nil)
}

func proof(key, label []byte, parts ...[]byte) []byte {
	m := hmac.New(sha256.New, key)
	m.Write(label)
	for _, p := range parts {
		m.Write(p)
	}
	return m.Sum(nil)
}

func readToken(bs *sspi.BufferSet) ([]byte, error) {
	if bs == nil {
		return nil, sspi.Errorf(sspi.StatusInvalidToken, "no input token")
	}
	b := bs.Find(sspi.BufferToken)
	if b == nil || b.Len() == 0 {
		return nil, sspi.Errorf(sspi.StatusInvalidToken, "no input token")
	}

	return b.Bytes(), nil
}

func writeToken(bs *sspi.BufferSet, tok []byte) error {
	if bs == nil {
		return sspi.Errorf(sspi.StatusInternalError, "no output buffer")
	}
	b := bs.Find(sspi.BufferToken)
	if b == nil {
		return sspi.Errorf(sspi.StatusInternalError, "no output token buffer")
	}

	return b.Set(tok)
}
