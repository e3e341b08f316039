// SPDX-License-Identifier: Apache-2.0

package http

import (
	"crypto/tls"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"

	"github.com/golang-auth/go-sspi"
)

// SpnFunc is a function that returns the Service Principal Name (SPN) for a given URL.
type SpnFunc func(url url.URL) string

func defaultSpnFunc(url url.URL) string {
	return "HTTP/" + url.Hostname()
}

// DefaultSpnFunc is the default SPN function used for new transports.
var DefaultSpnFunc SpnFunc = defaultSpnFunc

// OpportunisticFunc is a function that returns true if opportunistic authentication should be used for a given URL.
type OpportunisticFunc func(url url.URL) bool

func opportunisticFuncAlways(url.URL) bool {
	return true
}

// DelegationPolicy is the policy for delegation of credentials to the server.
type DelegationPolicy int

const (
	// DelegationPolicyNever means that credentials will not be delegated to the server.
	DelegationPolicyNever DelegationPolicy = iota
	// DelegationPolicyAlways means that credentials must be delegated to the
	// server; a context without FlagDelegate is an error.
	DelegationPolicyAlways
)

// Errors returned by [Transport.RoundTrip] when the server's responses do
// not follow RFC 4559.
var (
	ErrRejected             = errors.New("http: server rejected Negotiate authentication")
	ErrBadChallenge         = errors.New("http: malformed Negotiate challenge")
	ErrBodyNotRewindable    = errors.New("http: request body cannot be resent for the next handshake leg")
	ErrNotEstablished       = errors.New("http: server finished before the security context was established")
	ErrMutualNotAvailable   = errors.New("http: mutual authentication requested but not available")
	ErrDelegateNotAvailable = errors.New("http: delegation requested but not available")
	ErrTooManyRounds        = errors.New("http: Negotiate handshake did not finish within the round limit")
)

// DefaultMaxRounds is the number of handshake legs a Transport runs for one
// request unless configured with [WithMaxRounds].
const DefaultMaxRounds = 10

// Transport is a http.RoundTripper implementation that includes HTTP
// Negotiate authentication (RFC 4559) with an outbound credential.
type Transport struct {
	transport http.RoundTripper

	cred               *sspi.Credential
	spnFunc            SpnFunc
	opportunisticFunc  OpportunisticFunc
	delegationPolicy   DelegationPolicy
	mutual             bool
	expect100Threshold int64
	disposition        ChannelBindingDisposition
	maxRounds          int

	httpLogging bool
	logger      *slog.Logger
}

// ClientOption is a function that configures a Transport
type ClientOption func(t *Transport)

// WithOpportunistic configures the transport to authenticate opportunistically.
//
// Opportunistic authentication means that the client does not wait for the
// server to respond with a 401 status code before sending an authentication
// token.  It saves a round trip, at the cost of creating a security context
// and sending credentials to servers that may not need them.
func WithOpportunistic() ClientOption {
	return func(t *Transport) {
		t.opportunisticFunc = opportunisticFuncAlways
	}
}

// WithOpportunisticFunc configures the transport to use a custom function to determine
// if opportunistic authentication should be used for a given URL.
func WithOpportunisticFunc(f OpportunisticFunc) ClientOption {
	return func(t *Transport) {
		t.opportunisticFunc = f
	}
}

// WithMutual configures the transport to request mutual authentication.
//
// The server then proves its identity with a final token in the
// WWW-Authenticate header of its response, and the response is only
// returned once that token has been verified.
func WithMutual() ClientOption {
	return func(t *Transport) {
		t.mutual = true
	}
}

// WithSpnFunc provides a custom function to provide the Service Principal Name (SPN) for a given URL.
//
// The default uses "HTTP/" + the host name of the URL.
func WithSpnFunc(f SpnFunc) ClientOption {
	return func(t *Transport) {
		t.spnFunc = f
	}
}

// WithDelegationPolicy configures the transport to use a custom credential delegation policy.
func WithDelegationPolicy(p DelegationPolicy) ClientOption {
	return func(t *Transport) {
		t.delegationPolicy = p
	}
}

// WithExpect100Threshold configures the transport to use the Expect: 100-continue
// header if the request body is larger than the threshold.
//
// Use of the Expect header is disabled by default due to concerns about the
// correct implementation by some servers.
func WithExpect100Threshold(threshold int64) ClientOption {
	return func(t *Transport) {
		t.expect100Threshold = threshold
	}
}

// WithRoundTripper configures the transport to wrap a custom round tripper
func WithRoundTripper(rt http.RoundTripper) ClientOption {
	return func(t *Transport) {
		t.transport = rt
	}
}

// WithChannelBindingDisposition configures binding of the security context
// to the TLS connection.  Binding needs the server certificate, which is not
// known before the first response, so it cannot be combined with
// opportunistic authentication.
func WithChannelBindingDisposition(d ChannelBindingDisposition) ClientOption {
	return func(t *Transport) {
		t.disposition = d
	}
}

// WithMaxRounds limits the handshake legs run for one request.  A request
// whose context is not established after n legs fails with
// [ErrTooManyRounds].  Values below 1 select [DefaultMaxRounds].
func WithMaxRounds(n int) ClientOption {
	return func(t *Transport) {
		t.maxRounds = n
	}
}

// WithHttpLogging configures the transport to log HTTP requests and
// responses at debug level.  Does nothing without a logger.
func WithHttpLogging() ClientOption {
	return func(t *Transport) {
		t.httpLogging = true
	}
}

// WithLogger configures the transport to use logger.
func WithLogger(logger *slog.Logger) ClientOption {
	return func(t *Transport) {
		t.logger = logger
	}
}

// NewTransport creates a new Negotiate transport that authenticates with
// the outbound credential cred.
//
// The transport wraps a standard [http.RoundTripper], by default
// [http.DefaultTransport]; use [WithRoundTripper] to wrap another one.
func NewTransport(cred *sspi.Credential, options ...ClientOption) *Transport {
	t := &Transport{
		transport: http.DefaultTransport,
		cred:      cred,
		spnFunc:   DefaultSpnFunc,
	}
	for _, option := range options {
		option(t)
	}
	if t.logger == nil {
		t.logger = slog.New(slog.DiscardHandler)
		t.httpLogging = false
	}
	if t.maxRounds < 1 {
		t.maxRounds = DefaultMaxRounds
	}
	return t
}

// NewClient returns a [http.Client] that uses [Transport] to enable Negotiate authentication.
//
// If an existing client is provided, it is copied and its transport is wrapped.
// Otherwise a copy of [http.DefaultClient] is used.
func NewClient(cred *sspi.Credential, client *http.Client, options ...ClientOption) *http.Client {
	if client == nil {
		client = http.DefaultClient
	}

	if client.Transport != nil {
		options = append(options, WithRoundTripper(client.Transport))
	}

	newClient := *client
	newClient.Transport = NewTransport(cred, options...)
	return &newClient
}

func (t *Transport) flags() sspi.ContextFlag {
	flags := sspi.FlagIntegrity
	if t.mutual {
		flags |= sspi.FlagMutualAuth
	}
	if t.delegationPolicy == DelegationPolicyAlways {
		flags |= sspi.FlagDelegate
	}
	return flags
}

// newInitiator creates the context for one request.  state is the TLS state
// of the connection, nil when not known.
func (t *Transport) newInitiator(state *tls.ConnectionState) (*sspi.SecurityContext, error) {
	cb, err := channelBinding(t.disposition, state, nil)
	if err != nil {
		return nil, err
	}

	var opts []sspi.ContextOption
	if cb != nil {
		opts = append(opts, sspi.WithChannelBinding(cb))
	}
	return sspi.NewInitiator(t.cred, t.flags(), opts...)
}

// step runs one handshake leg and leaves the token to send, if any, in the
// request's Authorization header.
func (t *Transport) step(ini *sspi.SecurityContext, spn string, in []byte, req *http.Request) error {
	out, err := ini.Initialize(spn, in)
	if err != nil {
		return err
	}

	if len(out) > 0 {
		req.Header.Set("Authorization", "Negotiate "+base64.StdEncoding.EncodeToString(out))
	} else {
		req.Header.Del("Authorization")
	}
	return nil
}

// negotiateChallenge returns the token of the response's Negotiate
// challenge.  found is false when there is none.
func negotiateChallenge(resp *http.Response) (token []byte, found bool, err error) {
	challenges := schemeChallenges(resp.Header, "Negotiate")
	switch len(challenges) {
	case 0:
		return nil, false, nil
	case 1:
	default:
		return nil, true, fmt.Errorf("%w: multiple challenges in response", ErrBadChallenge)
	}

	c := challenges[0]
	if len(c.params) > 0 {
		return nil, true, fmt.Errorf("%w: challenge must not have parameters", ErrBadChallenge)
	}
	if c.token == "" {
		if resp.StatusCode != http.StatusUnauthorized {
			return nil, true, fmt.Errorf("%w: challenge must have a token unless this is a 401 response", ErrBadChallenge)
		}
		return nil, true, nil
	}

	token, err = base64.StdEncoding.DecodeString(c.token)
	if err != nil {
		return nil, true, fmt.Errorf("%w: %w", ErrBadChallenge, err)
	}
	return token, true, nil
}

// rewind prepares req to be sent again.
func rewind(req *http.Request) error {
	if req.Body == nil || req.Body == http.NoBody {
		return nil
	}
	if req.GetBody == nil {
		return ErrBodyNotRewindable
	}

	body, err := req.GetBody()
	if err != nil {
		return err
	}
	req.Body = body
	return nil
}

func discard(resp *http.Response) {
	io.Copy(io.Discard, resp.Body) //nolint:errcheck
	resp.Body.Close()              //nolint:errcheck
}

// roundTrip uses the wrapped RoundTripper, with HTTP logging if enabled.
func (t *Transport) roundTrip(req *http.Request) (*http.Response, error) {
	if t.httpLogging {
		if err := t.requestLogging(req); err != nil {
			return nil, err
		}
	}

	resp, err := t.transport.RoundTrip(req)
	if err != nil {
		return nil, err
	}

	if t.httpLogging {
		if err := t.responseLogging(resp); err != nil {
			resp.Body.Close() //nolint:errcheck
			return nil, err
		}
	}
	return resp, nil
}

// RoundTrip implements the [http.RoundTripper] interface and performs one HTTP
// request, including as many exchanges with the server as the handshake
// needs.  The response is returned once the security context is established,
// or unchanged if the server never asked for authentication.
func (t *Transport) RoundTrip(req *http.Request) (*http.Response, error) {
	if t.httpLogging {
		req = t.setupLogging(req)
	}

	// RoundTrippers must not modify the caller's request
	req = req.Clone(req.Context())
	spn := t.spnFunc(*req.URL)

	var (
		ini    *sspi.SecurityContext
		rounds int
	)
	defer func() {
		if ini != nil {
			ini.Release() //nolint:errcheck
		}
	}()

	useOpportunistic := t.opportunisticFunc != nil && t.opportunisticFunc(*req.URL)
	if useOpportunistic {
		var err error
		if ini, err = t.newInitiator(nil); err != nil {
			return nil, err
		}
		if err := t.step(ini, spn, nil, req); err != nil {
			return nil, err
		}
		rounds++
	} else if t.expect100Threshold > 0 && req.Body != nil && req.Body != http.NoBody {
		switch {
		case req.ContentLength > t.expect100Threshold:
			t.logger.Debug("using Expect: 100-continue", "reason", "large body", "threshold", t.expect100Threshold)
			req.Header.Set("Expect", "100-continue")
		case req.GetBody == nil:
			t.logger.Debug("using Expect: 100-continue", "reason", "body not rewindable")
			req.Header.Set("Expect", "100-continue")
		}
	}

	var (
		resp       *http.Response
		challenged bool
	)
	for {
		var err error
		if resp, err = t.roundTrip(req); err != nil {
			return nil, err
		}

		token, found, err := negotiateChallenge(resp)
		if err != nil {
			discard(resp)
			return nil, err
		}
		if !found {
			break
		}
		challenged = true

		if ini != nil && ini.Established() {
			if resp.StatusCode == http.StatusUnauthorized {
				discard(resp)
				return nil, ErrRejected
			}
			break
		}

		switch {
		case ini == nil && token != nil:
			discard(resp)
			return nil, fmt.Errorf("%w: token before the handshake started", ErrBadChallenge)
		case ini != nil && token == nil:
			discard(resp)
			return nil, ErrRejected
		case ini == nil:
			if ini, err = t.newInitiator(resp.TLS); err != nil {
				discard(resp)
				return nil, err
			}
		}

		if rounds >= t.maxRounds {
			discard(resp)
			return nil, fmt.Errorf("%w of %d", ErrTooManyRounds, t.maxRounds)
		}
		if err := t.step(ini, spn, token, req); err != nil {
			discard(resp)
			return nil, err
		}
		rounds++

		// a final response carries the server's last token
		if resp.StatusCode != http.StatusUnauthorized {
			break
		}

		discard(resp)
		if err := rewind(req); err != nil {
			return nil, err
		}
	}

	// the server never asked, so an opportunistic token went unused
	if ini == nil || (!challenged && !t.mutual) {
		return resp, nil
	}

	var err error
	flags := ini.NegotiatedFlags()
	switch {
	case !ini.Established():
		err = ErrNotEstablished
	case t.mutual && flags&sspi.FlagMutualAuth == 0:
		err = ErrMutualNotAvailable
	case t.delegationPolicy == DelegationPolicyAlways && flags&sspi.FlagDelegate == 0:
		err = ErrDelegateNotAvailable
	}
	if err != nil {
		discard(resp)
		return nil, err
	}

	return resp, nil
}
