// SPDX-License-Identifier: Apache-2.0

package http

import (
	"crypto/x509"
	"encoding/base64"
	"errors"
	"log/slog"
	"net"
	"net/http"

	cmap "github.com/orcaman/concurrent-map/v2"

	"github.com/golang-auth/go-sspi"
)

// Handler is a http.Handler that performs Negotiate authentication and
// passes the initiator name to the next handler.
//
// Providers that finish in one leg, such as Kerberos, authenticate every
// request on its own.  Multi-leg providers need the connection to stay open
// between legs: the half-built context is kept per connection until the
// next request on it.  Set [Handler.ConnState] as the server's ConnState
// hook so that contexts of connections closed mid-handshake are released.
type Handler struct {
	cred        *sspi.Credential
	next        http.Handler
	flags       sspi.ContextFlag
	disposition ChannelBindingDisposition
	serverCert  *x509.Certificate
	logger      *slog.Logger

	pending cmap.ConcurrentMap[string, *sspi.SecurityContext]
}

// HandlerOption is a function that can be used to configure the Handler
type HandlerOption func(h *Handler)

// WithAcceptorFlags sets the context flags the Handler's acceptors request.
// The default is mutual authentication and integrity.
func WithAcceptorFlags(flags sspi.ContextFlag) HandlerOption {
	return func(h *Handler) {
		h.flags = flags
	}
}

// WithAcceptorChannelBinding binds contexts to the TLS connection carrying
// the request, using the server's certificate cert.
func WithAcceptorChannelBinding(d ChannelBindingDisposition, cert *x509.Certificate) HandlerOption {
	return func(h *Handler) {
		h.disposition = d
		h.serverCert = cert
	}
}

// WithHandlerLogger sets the logger for authentication failures.
func WithHandlerLogger(logger *slog.Logger) HandlerOption {
	return func(h *Handler) {
		h.logger = logger
	}
}

// NewHandler creates a new Handler that accepts contexts with the inbound
// credential cred and then calls next.  cred must stay acquired for the
// life of the Handler.
func NewHandler(cred *sspi.Credential, next http.Handler, options ...HandlerOption) *Handler {
	h := &Handler{
		cred:    cred,
		next:    next,
		flags:   sspi.FlagMutualAuth | sspi.FlagIntegrity,
		logger:  slog.New(slog.DiscardHandler),
		pending: cmap.New[*sspi.SecurityContext](),
	}
	for _, option := range options {
		option(h)
	}
	return h
}

// ServeHTTP runs one handshake leg.  A request that completes the handshake
// is passed to the next handler, with the final token if any in the
// WWW-Authenticate header of its response; otherwise the response is a 401
// carrying the next challenge.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	scheme, creds := parseAuthorization(r.Header)
	if scheme != "negotiate" || creds == "" {
		h.challenge(w, nil)
		return
	}

	in, err := base64.StdEncoding.DecodeString(creds)
	if err != nil {
		http.Error(w, "malformed Negotiate token", http.StatusBadRequest)
		return
	}

	acc, out, err := h.accept(r, in)
	if err != nil {
		h.logger.Info("negotiate authentication failed", "remote", r.RemoteAddr, "status", sspi.StatusOf(err).String(), "error", err)
		h.challenge(w, nil)
		return
	}
	if !acc.Established() {
		h.challenge(w, out)
		return
	}
	defer acc.Release() //nolint:errcheck

	initiator := &InitiatorName{Flags: acc.NegotiatedFlags()}
	if initiator.PrincipalName, err = acc.UserName(); err != nil {
		h.logger.Warn("querying initiator name", "remote", r.RemoteAddr, "error", err)
	}
	initiator.Authority, _ = acc.Authority()

	if len(out) > 0 {
		w.Header().Set("WWW-Authenticate", "Negotiate "+base64.StdEncoding.EncodeToString(out))
	}

	h.next.ServeHTTP(w, r.WithContext(stashInitiatorName(r.Context(), initiator)))
}

// accept feeds in to the connection's pending context, or to a new one.  An
// unfinished context is left pending; a failed one is released.  A pending
// context that rejects the token as malformed is assumed to have been
// abandoned by a client starting over, and the token is tried on a new one.
func (h *Handler) accept(r *http.Request, in []byte) (*sspi.SecurityContext, []byte, error) {
	acc, resumed := h.pending.Pop(r.RemoteAddr)
	if !resumed {
		var err error
		if acc, err = h.newAcceptor(r); err != nil {
			return nil, nil, err
		}
	}

	out, err := acc.Accept(in)
	if err != nil && resumed && errors.Is(err, sspi.ErrInvalidToken) {
		acc.Release() //nolint:errcheck
		h.logger.Debug("restarting negotiate handshake", "remote", r.RemoteAddr)

		if acc, err = h.newAcceptor(r); err != nil {
			return nil, nil, err
		}
		out, err = acc.Accept(in)
	}
	if err != nil {
		acc.Release() //nolint:errcheck
		return nil, nil, err
	}
	if !acc.Established() {
		h.pending.Set(r.RemoteAddr, acc)
	}

	return acc, out, nil
}

func (h *Handler) newAcceptor(r *http.Request) (*sspi.SecurityContext, error) {
	state := r.TLS
	if h.serverCert == nil {
		state = nil
	}
	cb, err := channelBinding(h.disposition, state, h.serverCert)
	if err != nil {
		return nil, err
	}

	var opts []sspi.ContextOption
	if cb != nil {
		opts = append(opts, sspi.WithChannelBinding(cb))
	}
	return sspi.NewAcceptor(h.cred, h.flags, opts...)
}

func (h *Handler) challenge(w http.ResponseWriter, token []byte) {
	v := "Negotiate"
	if len(token) > 0 {
		v += " " + base64.StdEncoding.EncodeToString(token)
	}
	w.Header().Set("WWW-Authenticate", v)
	w.WriteHeader(http.StatusUnauthorized)
}

// ConnState releases the pending context of a connection that closes or is
// hijacked.  Install it as [http.Server.ConnState].
func (h *Handler) ConnState(c net.Conn, state http.ConnState) {
	if state != http.StateClosed && state != http.StateHijacked {
		return
	}
	if acc, ok := h.pending.Pop(c.RemoteAddr().String()); ok {
		acc.Release() //nolint:errcheck
	}
}

// Pending returns the number of connections part way through a handshake.
func (h *Handler) Pending() int {
	return h.pending.Count()
}
