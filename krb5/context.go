// SPDX-License-Identifier: Apache-2.0

package krb5

import (
	"bytes"
	"crypto/rand"
	"encoding/binary"
	"fmt"
	"math"
	"math/big"
	"sync"
	"time"

	"github.com/jcmturner/gokrb5/v8/crypto"
	"github.com/jcmturner/gokrb5/v8/iana/chksumtype"
	"github.com/jcmturner/gokrb5/v8/iana/errorcode"
	"github.com/jcmturner/gokrb5/v8/iana/flags"
	"github.com/jcmturner/gokrb5/v8/keytab"
	"github.com/jcmturner/gokrb5/v8/messages"
	"github.com/jcmturner/gokrb5/v8/types"

	"github.com/golang-auth/go-sspi"
)

type step int

const (
	stepAwaitingAPRep step = iota + 1
	stepEstablished
	stepDeleted
)

// secContext implements sspi.ContextHandle for both roles.
type secContext struct {
	p         *Provider
	initiator bool

	mu     sync.Mutex
	step   step
	flags  sspi.ContextFlag
	expiry time.Time

	clientName  string
	clientRealm string

	ticket          messages.Ticket
	sessionKey      types.EncryptionKey
	clientCTime     time.Time
	clientCusec     int
	initiatorSubKey *types.EncryptionKey
	acceptorSubKey  *types.EncryptionKey

	ourSeq, theirSeq uint64
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

	return ctx.complete(req.Input)
}

func (c *credential) AcceptContext(req *sspi.AcceptRequest) (sspi.Round, error) {
	if req.Context != nil {
		return sspi.Round{}, sspi.Errorf(sspi.StatusInvalidToken, "%s acceptors finish in one leg", Name)
	}

	return c.accept(req)
}

// initiate sends the AP-REQ.  Without mutual authentication the context is
// complete straight away.
func (c *credential) initiate(req *sspi.InitializeRequest) (sspi.Round, error) {
	if c.login == nil {
		return sspi.Round{}, sspi.Errorf(sspi.StatusNoCredentials, "credential has no outbound logon")
	}
	if req.Target == "" {
		return sspi.Round{}, sspi.Errorf(sspi.StatusTargetUnknown, "no target name given")
	}

	tkt, key, err := c.login.tickets.GetServiceTicket(req.Target)
	if err != nil {
		return sspi.Round{}, ticketError(req.Target, err)
	}

	ctx := &secContext{
		p:           c.p,
		initiator:   true,
		flags:       req.Flags & supportedFlags &^ sspi.FlagMutualAuth,
		expiry:      c.login.expiry.Time(),
		clientName:  c.login.principal(),
		clientRealm: c.login.realm,
		ticket:      tkt,
		sessionKey:  key,
	}

	requested := req.Flags & supportedFlags
	apreq, err := ctx.newAPReq(c.login, requested, req.ChannelBinding)
	if err != nil {
		return sspi.Round{}, err
	}

	token := newAPReqToken(&apreq)
	tok, err := token.marshal()
	if err != nil {
		return sspi.Round{}, err
	}
	if err := writeToken(req.Output, tok); err != nil {
		return sspi.Round{}, err
	}

	if requested&sspi.FlagMutualAuth != 0 {
		ctx.step = stepAwaitingAPRep
		c.p.logger.Debug("sent AP-REQ", "target", req.Target, "mutual", true)
		return ctx.round(sspi.StatusContinueNeeded, ctx), nil
	}

	ctx.theirSeq = c.p.acceptorISN(ctx.ourSeq)
	ctx.step = stepEstablished

	c.p.logger.Debug("sent AP-REQ", "target", req.Target, "mutual", false)
	return ctx.round(sspi.StatusOK, ctx), nil
}

func (ctx *secContext) newAPReq(l *login, requested sspi.ContextFlag, cb *sspi.ChannelBinding) (messages.APReq, error) {
	auth, err := types.NewAuthenticator(l.realm, l.cname)
	if err != nil {
		return messages.APReq{}, sspi.Errorf(sspi.StatusInternalError, "generating authenticator: %w", err)
	}

	// MIT treats sequence numbers as signed
	auth.SeqNumber &= 0x3fffffff
	auth.Cksum = types.Checksum{
		CksumType: chksumtype.GSSAPI,
		Checksum:  newAuthenticatorChksum(requested, cb),
	}

	apreq, err := messages.NewAPReq(ctx.ticket, ctx.sessionKey, auth)
	if err != nil {
		return messages.APReq{}, sspi.Errorf(sspi.StatusInternalError, "building AP-REQ: %w", err)
	}
	if requested&sspi.FlagMutualAuth != 0 {
		types.SetFlag(&apreq.APOptions, flags.APOptionMutualRequired)
	}

	ctx.ourSeq = uint64(auth.SeqNumber)
	ctx.clientCTime = auth.CTime
	ctx.clientCusec = auth.Cusec

	return apreq, nil
}

// complete consumes the acceptor's AP-REP.
func (ctx *secContext) complete(input *sspi.BufferSet) (sspi.Round, error) {
	ctx.mu.Lock()
	defer ctx.mu.Unlock()

	if ctx.step != stepAwaitingAPRep {
		return sspi.Round{}, sspi.Errorf(sspi.StatusInvalidToken, "initiator is not expecting a token")
	}

	tok, err := readToken(input)
	if err != nil {
		return sspi.Round{}, err
	}

	var token kRB5Token
	if err := token.unmarshal(tok); err != nil {
		return sspi.Round{}, err
	}
	if token.kRBError != nil {
		return sspi.Round{}, kerberosError(*token.kRBError, sspi.StatusLogonDenied, "acceptor rejected the context")
	}
	if token.aPRep == nil {
		return sspi.Round{}, sspi.Errorf(sspi.StatusInvalidToken, "expected an AP-REP")
	}

	part, err := token.aPRep.decryptEncPart(ctx.sessionKey)
	if err != nil {
		return sspi.Round{}, sspi.Errorf(sspi.StatusLogonDenied, "acceptor failed to authenticate: %w", err)
	}

	// compare seconds, ctx.clientCTime has a monotonic reading
	if part.CTime.Unix() != ctx.clientCTime.Unix() || part.Cusec != ctx.clientCusec {
		return sspi.Round{}, sspi.Errorf(sspi.StatusLogonDenied, "AP-REP does not answer our AP-REQ")
	}

	ctx.theirSeq = uint64(part.SequenceNumber)
	if part.Subkey.KeyType != 0 {
		ctx.acceptorSubKey = &part.Subkey
	}
	ctx.flags |= sspi.FlagMutualAuth
	ctx.step = stepEstablished

	ctx.p.logger.Debug("mutual authentication complete", "flags", uint32(ctx.flags))
	return ctx.round(sspi.StatusOK, nil), nil
}

// accept verifies the AP-REQ and, when asked to, answers with an AP-REP.
// Kerberos acceptors always finish in a single leg.
func (c *credential) accept(req *sspi.AcceptRequest) (sspi.Round, error) {
	if c.kt == nil {
		return sspi.Round{}, sspi.Errorf(sspi.StatusNoCredentials, "credential has no service keys")
	}

	tok, err := readToken(req.Input)
	if err != nil {
		return sspi.Round{}, err
	}

	var token kRB5Token
	if err := token.unmarshal(tok); err != nil {
		return sspi.Round{}, err
	}
	if token.aPReq == nil {
		return sspi.Round{}, sspi.Errorf(sspi.StatusInvalidToken, "expected an AP-REQ")
	}
	apreq := token.aPReq

	if err := c.checkService(apreq); err != nil {
		return sspi.Round{}, err
	}
	if err := verifyAPReq(c.kt, apreq, c.p.skew); err != nil {
		c.p.logger.Debug("rejected AP-REQ", "error", err)
		return sspi.Round{}, err
	}

	cksum := apreq.Authenticator.Cksum.Checksum
	if req.ChannelBinding != nil && !bytes.Equal(cksum[4:20], cbChecksum(req.ChannelBinding)) {
		return sspi.Round{}, sspi.Errorf(sspi.StatusBadBindings, "initiator channel binding does not match")
	}

	enc := apreq.Ticket.DecryptedEncPart
	ctx := &secContext{
		p:           c.p,
		flags:       fromGSSFlags(binary.LittleEndian.Uint32(cksum[20:24])) & supportedFlags &^ sspi.FlagMutualAuth,
		expiry:      enc.EndTime,
		clientName:  fmt.Sprintf("%s@%s", enc.CName.PrincipalNameString(), enc.CRealm),
		clientRealm: enc.CRealm,
		ticket:      apreq.Ticket,
		sessionKey:  enc.Key,
		clientCTime: apreq.Authenticator.CTime,
		clientCusec: apreq.Authenticator.Cusec,
		theirSeq:    uint64(apreq.Authenticator.SeqNumber),
	}
	if apreq.Authenticator.SubKey.KeyType != 0 {
		sub := apreq.Authenticator.SubKey
		ctx.initiatorSubKey = &sub
	}

	var out []byte
	if types.IsFlagSet(&apreq.APOptions, flags.APOptionMutualRequired) {
		if out, err = ctx.newAPRep(); err != nil {
			return sspi.Round{}, err
		}
		ctx.flags |= sspi.FlagMutualAuth
	} else {
		ctx.ourSeq = c.p.acceptorISN(ctx.theirSeq)
	}

	if err := writeToken(req.Output, out); err != nil {
		return sspi.Round{}, err
	}
	ctx.step = stepEstablished

	c.p.logger.Debug("accepted AP-REQ", "initiator", ctx.clientName, "flags", uint32(ctx.flags))
	return ctx.round(sspi.StatusOK, ctx), nil
}

// checkService enforces the principal an inbound credential was acquired
// for.
func (c *credential) checkService(apreq *messages.APReq) error {
	if c.service == "" {
		return nil
	}

	want, wantRealm := types.ParseSPNString(c.service)
	got := apreq.Ticket.SName.PrincipalNameString()
	if got != want.PrincipalNameString() || (wantRealm != "" && wantRealm != apreq.Ticket.Realm) {
		return sspi.Errorf(sspi.StatusTargetUnknown, "ticket is for %s@%s, this is %s", got, apreq.Ticket.Realm, c.service)
	}

	return nil
}

// newAPRep answers a mutual authentication request.  It picks our initial
// sequence number and an acceptor subkey.
func (ctx *secContext) newAPRep() ([]byte, error) {
	seq, err := rand.Int(rand.Reader, big.NewInt(math.MaxUint32))
	if err != nil {
		return nil, sspi.Errorf(sspi.StatusInternalError, "choosing sequence number: %w", err)
	}

	et, err := crypto.GetEtype(ctx.sessionKey.KeyType)
	if err != nil {
		return nil, sspi.Errorf(sspi.StatusCryptoSystemInvalid, "session key: %w", err)
	}
	subkey, err := generateBaseKey(et)
	if err != nil {
		return nil, sspi.Errorf(sspi.StatusInternalError, "generating subkey: %w", err)
	}

	// stay below 2^30, as MIT does, for peers with signed sequence numbers
	seqNum := seq.Int64() & 0x3fffffff

	aprep, err := newAPRep(ctx.ticket, ctx.sessionKey, encAPRepPart{
		CTime:          ctx.clientCTime,
		Cusec:          ctx.clientCusec,
		Subkey:         subkey,
		SequenceNumber: seqNum,
	})
	if err != nil {
		return nil, sspi.Errorf(sspi.StatusInternalError, "building AP-REP: %w", err)
	}

	token := newAPRepToken(&aprep)
	out, err := token.marshal()
	if err != nil {
		return nil, err
	}

	ctx.ourSeq = uint64(seqNum)
	ctx.acceptorSubKey = &subkey

	return out, nil
}

// verifyAPReq decrypts and checks the ticket and authenticator of an
// AP-REQ.  Addresses are not checked.
func verifyAPReq(kt *keytab.Keytab, apreq *messages.APReq, skew time.Duration) error {
	if err := apreq.Ticket.DecryptEncPart(kt, &apreq.Ticket.SName); err != nil {
		return kerberosError(err, sspi.StatusLogonDenied, "decrypting ticket for %s", apreq.Ticket.SName.PrincipalNameString())
	}

	if ok, err := apreq.Ticket.Valid(skew); !ok || err != nil {
		if err == nil {
			err = newKRBError(apreq, errorcode.KRB_AP_ERR_TKT_EXPIRED, "ticket is not valid")
		}
		return kerberosError(err, sspi.StatusContextExpired, "ticket is not valid")
	}

	if err := apreq.DecryptAuthenticator(apreq.Ticket.DecryptedEncPart.Key); err != nil {
		return kerberosError(err, sspi.StatusLogonDenied, "decrypting authenticator")
	}

	a := apreq.Authenticator
	if a.Cksum.CksumType != chksumtype.GSSAPI || len(a.Cksum.Checksum) < 24 {
		return sspi.Errorf(sspi.StatusInvalidToken, "authenticator has no GSS-API checksum")
	}
	if !a.CName.Equal(apreq.Ticket.DecryptedEncPart.CName) {
		return sspi.Errorf(sspi.StatusLogonDenied, "authenticator is for %s, ticket is for %s",
			a.CName.PrincipalNameString(), apreq.Ticket.DecryptedEncPart.CName.PrincipalNameString())
	}

	ct := a.CTime.Add(time.Duration(a.Cusec) * time.Microsecond)
	if d := time.Since(ct); d > skew || -d > skew {
		return sspi.Errorf(sspi.StatusLogonDenied, "clock skew with initiator is more than %s", skew)
	}

	return nil
}

func (p *Provider) acceptorISN(initiatorSeq uint64) uint64 {
	if p.isn == AcceptorISNZero {
		return 0
	}
	return initiatorSeq
}

// round reports a leg.  handle is only set on the first leg.
func (ctx *secContext) round(status sspi.Status, handle sspi.ContextHandle) sspi.Round {
	return sspi.Round{
		Context: handle,
		Flags:   ctx.flags,
		Expiry:  sspi.TimeStampFromTime(ctx.expiry),
		Status:  status,
	}
}

func readToken(bs *sspi.BufferSet) ([]byte, error) {
	if bs == nil {
		return nil, sspi.Errorf(sspi.StatusInvalidToken, "no input token")
	}
	b := bs.Find(sspi.BufferToken)
	if b == nil || b.Len() == 0 {
		return nil, sspi.Errorf(sspi.StatusInvalidToken, "no input token")
	}

	return append([]byte(nil), b.Bytes()...), nil
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
