// SPDX-License-Identifier: Apache-2.0

// Package sasl runs a security context handshake as a SASL mechanism, in the
// manner of the GSSAPI mechanism of RFC 4752, for protocols that speak
// github.com/emersion/go-sasl (IMAP, SMTP, ManageSieve).
//
// After the context is established the server offers its security layers
// and maximum message size in a signed message, and the client answers with
// its choice and an optional authorization identity.  The layer messages are
// protected with Sign and Verify, so contexts must negotiate integrity.
package sasl

import (
	"encoding/binary"
	"errors"
	"fmt"

	gosasl "github.com/emersion/go-sasl"

	"github.com/golang-auth/go-sspi"
)

// Mechanism names.
const (
	GSSAPI     = "GSSAPI"
	GSSSPNEGO  = "GSS-SPNEGO"
	maxMsgSize = 0xffffff
)

// DefaultMaxMessageSize is the largest security layer message offered when
// none is configured.
const DefaultMaxMessageSize = 65536

// Layer is a SASL security layer bit.
type Layer byte

const (
	LayerNone      Layer = 1
	LayerIntegrity Layer = 2
)

func (l Layer) String() string {
	switch l {
	case LayerNone:
		return "none"
	case LayerIntegrity:
		return "integrity"
	}
	return fmt.Sprintf("Layer(%d)", byte(l))
}

var (
	// ErrLayerRejected is returned when the peer's security layer message
	// fails verification.
	ErrLayerRejected = errors.New("sasl: security layer message failed verification")

	// ErrLayerNotOffered is returned when no acceptable layer is on offer.
	ErrLayerNotOffered = errors.New("sasl: no acceptable security layer")

	// ErrNotAuthorized is returned by servers whose authorizer rejected the
	// client.
	ErrNotAuthorized = errors.New("sasl: not authorized")
)

// layerMessage is the four byte offer or choice, followed on the client's
// side by the authorization identity.
type layerMessage struct {
	layers  Layer
	maxSize uint32
	authzID string
}

func (m layerMessage) marshal() []byte {
	b := binary.BigEndian.AppendUint32(nil, m.maxSize&maxMsgSize)
	b[0] = byte(m.layers)
	return append(b, m.authzID...)
}

func parseLayerMessage(b []byte) (layerMessage, error) {
	if len(b) < 4 {
		return layerMessage{}, fmt.Errorf("sasl: security layer message is %d bytes, want at least 4", len(b))
	}

	return layerMessage{
		layers:  Layer(b[0]),
		maxSize: binary.BigEndian.Uint32(b[:4]) & maxMsgSize,
		authzID: string(b[4:]),
	}, nil
}

// ClientOption configures a Client.
type ClientOption func(*Client)

// WithMechanism overrides the mechanism name reported by Start.
func WithMechanism(mech string) ClientOption {
	return func(c *Client) {
		c.mech = mech
	}
}

// WithAuthorizationID asks to act as identity rather than the
// authenticated principal.
func WithAuthorizationID(identity string) ClientOption {
	return func(c *Client) {
		c.authzID = identity
	}
}

// WithLayer selects the security layer the client asks for.
func WithLayer(l Layer) ClientOption {
	return func(c *Client) {
		c.want = l
	}
}

// Client is a go-sasl client over an initiator security context.
type Client struct {
	sc      *sspi.SecurityContext
	target  string
	mech    string
	authzID string
	want    Layer

	started bool
	done    bool
	layer   Layer
	maxSize uint32
}

var _ gosasl.Client = (*Client)(nil)

// NewClient returns a client that authenticates sc to target.
func NewClient(sc *sspi.SecurityContext, target string, opts ...ClientOption) *Client {
	c := &Client{
		sc:     sc,
		target: target,
		mech:   GSSAPI,
		want:   LayerNone,
	}
	for _, o := range opts {
		o(c)
	}

	return c
}

func (c *Client) Start() (mech string, ir []byte, err error) {
	if c.started {
		return "", nil, errors.New("sasl: client already started")
	}
	c.started = true

	out, err := c.sc.Initialize(c.target, nil)
	if err != nil {
		return "", nil, err
	}
	if out == nil {
		out = []byte{}
	}

	return c.mech, out, nil
}

func (c *Client) Next(challenge []byte) (response []byte, err error) {
	switch {
	case c.done:
		return nil, gosasl.ErrUnexpectedServerChallenge
	case !c.sc.Established():
		out, err := c.sc.Initialize(c.target, challenge)
		if err != nil {
			return nil, err
		}
		if out == nil {
			out = []byte{}
		}
		return out, nil
	}

	offer, err := c.sc.Verify(challenge)
	if err != nil {
		return nil, err
	}
	if offer == nil {
		return nil, ErrLayerRejected
	}
	m, err := parseLayerMessage(offer)
	if err != nil {
		return nil, err
	}
	if m.layers&c.want == 0 {
		return nil, fmt.Errorf("%w: server offers %#x, want %s", ErrLayerNotOffered, byte(m.layers), c.want)
	}

	choice := layerMessage{layers: c.want, authzID: c.authzID}
	if c.want != LayerNone {
		choice.maxSize = m.maxSize
	}
	resp, err := c.sc.Sign(choice.marshal())
	if err != nil {
		return nil, err
	}

	c.done = true
	c.layer = c.want
	c.maxSize = m.maxSize

	return resp, nil
}

// Done reports whether the exchange has finished on the client's side.
func (c *Client) Done() bool {
	return c.done
}

// Layer returns the agreed security layer.
func (c *Client) Layer() Layer {
	return c.layer
}

// Authorizer decides whether the authenticated user may act as authzID.
// authzID is empty when the client did not ask for one.
type Authorizer func(user, authzID string) error

// ServerOption configures a Server.
type ServerOption func(*Server)

// WithAuthorizer sets the authorization check.  The default accepts an
// empty authorization identity or one equal to the authenticated user.
func WithAuthorizer(fn Authorizer) ServerOption {
	return func(s *Server) {
		s.authorize = fn
	}
}

// WithMaxMessageSize sets the largest security layer message the server
// accepts.
func WithMaxMessageSize(n uint32) ServerOption {
	return func(s *Server) {
		s.maxSize = min(n, maxMsgSize)
	}
}

// Server is a go-sasl server over an acceptor security context.
type Server struct {
	sc        *sspi.SecurityContext
	authorize Authorizer
	maxSize   uint32

	offered bool
	done    bool
	user    string
	authzID string
	layer   Layer
}

var _ gosasl.Server = (*Server)(nil)

// NewServer returns a server that accepts sc.
func NewServer(sc *sspi.SecurityContext, opts ...ServerOption) *Server {
	s := &Server{
		sc:        sc,
		authorize: defaultAuthorizer,
		maxSize:   DefaultMaxMessageSize,
	}
	for _, o := range opts {
		o(s)
	}

	return s
}

func defaultAuthorizer(user, authzID string) error {
	if authzID != "" && authzID != user {
		return fmt.Errorf("%w: %s may not act as %s", ErrNotAuthorized, user, authzID)
	}
	return nil
}

func (s *Server) Next(response []byte) (challenge []byte, done bool, err error) {
	switch {
	case s.done:
		return nil, true, gosasl.ErrUnexpectedClientResponse
	case !s.sc.Established():
		if response == nil {
			// client sent no initial response
			return []byte{}, false, nil
		}
		out, err := s.sc.Accept(response)
		if err != nil {
			return nil, false, err
		}
		if len(out) > 0 || !s.sc.Established() {
			return out, false, nil
		}
		return s.offer()
	case !s.offered:
		return s.offer()
	}

	choice, err := s.sc.Verify(response)
	if err != nil {
		return nil, false, err
	}
	if choice == nil {
		return nil, false, ErrLayerRejected
	}
	m, err := parseLayerMessage(choice)
	if err != nil {
		return nil, false, err
	}
	if m.layers&s.layers() == 0 || m.layers&(m.layers-1) != 0 {
		return nil, false, fmt.Errorf("%w: client chose %#x", ErrLayerNotOffered, byte(m.layers))
	}

	user, err := s.sc.UserName()
	if err != nil {
		return nil, false, err
	}
	if err := s.authorize(user, m.authzID); err != nil {
		return nil, false, err
	}

	s.user = user
	s.authzID = m.authzID
	s.layer = m.layers
	s.done = true

	return nil, true, nil
}

func (s *Server) layers() Layer {
	l := LayerNone
	if s.sc.NegotiatedFlags()&sspi.FlagIntegrity != 0 {
		l |= LayerIntegrity
	}
	return l
}

func (s *Server) offer() ([]byte, bool, error) {
	msg, err := s.sc.Sign(layerMessage{layers: s.layers(), maxSize: s.maxSize}.marshal())
	if err != nil {
		return nil, false, err
	}
	s.offered = true

	return msg, false, nil
}

// UserName returns the authenticated principal once the exchange is done.
func (s *Server) UserName() string {
	return s.user
}

// AuthorizationID returns the identity the client acts as: the requested
// authorization identity, or the authenticated principal.
func (s *Server) AuthorizationID() string {
	if s.authzID != "" {
		return s.authzID
	}
	return s.user
}

// Layer returns the agreed security layer.
func (s *Server) Layer() Layer {
	return s.layer
}
