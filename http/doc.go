// SPDX-License-Identifier: Apache-2.0

/*
Package http provides HTTP Negotiate (RFC 4559) clients and handlers that
authenticate with any provider of a [sspi.Catalog].

	import (
		"net/http"

		"github.com/golang-auth/go-sspi"
		shttp "github.com/golang-auth/go-sspi/http"
	)

	cred := sspi.NewCredential(catalog, "Kerberos", sspi.CredentialOutbound)
	if err := cred.Acquire(); err != nil {
		...
	}
	defer cred.Release()

# Clients and transports

Create a client to use a default Negotiate enabled transport. The client can
be used anywhere a standard [http.Client] can be used.

	client := shttp.NewClient(cred, nil)
	resp, err := client.Get("https://example.com")

To control the handshake, create a transport:

	transport := shttp.NewTransport(
		cred,
		shttp.WithMutual(),
		shttp.WithSpnFunc(func(u url.URL) string { return "HTTP/www.example.com" }),
	)
	client := http.Client{Transport: transport}

The transport wraps a standard [http.RoundTripper], [http.DefaultTransport]
unless another one is given with [WithRoundTripper].  It always requests
integrity; [WithMutual] adds mutual authentication, and the response is only
returned once the server's final token has been verified.

# Request bodies

Every handshake leg resends the request.  Bodies are rewound with
[http.Request.GetBody], which the standard library sets for the common body
types; a request whose body cannot be rewound fails with
[ErrBodyNotRewindable] if the server asks for a second leg.

For large bodies, [WithExpect100Threshold] makes the transport send
"Expect: 100-continue" so that the body is only sent once the server has
accepted the request headers.  It is not used with opportunistic
authentication, and is disabled by default because some servers implement it
poorly.  The Go [net/http] server closes the connection after rejecting such
a request, so the next leg uses a new connection.  Providers that need more
than one leg keep their state per connection and cannot be combined with it.

# Round limit

A request runs at most [DefaultMaxRounds] handshake legs, or the number set
with [WithMaxRounds], before failing with [ErrTooManyRounds].

# Opportunistic authentication

With [WithOpportunistic] the transport sends its first token with the
request, as described in RFC 4559 section 4.2, instead of waiting for a 401
response.  This saves a round trip at the cost of creating a security
context, and sending credentials, for servers that may not want them.

# Servers

[Handler] is a [http.Handler] that performs Negotiate authentication and then
calls the next handler with the initiator name in the request context:

	h := shttp.NewHandler(acceptorCred, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		in, _ := shttp.GetInitiatorName(r)
		fmt.Fprintf(w, "Hello, %s", in.PrincipalName)
	}))

	srv := &http.Server{Addr: ":8080", Handler: h, ConnState: h.ConnState}
	log.Fatal(srv.ListenAndServe())

Single-leg providers such as Kerberos authenticate each request on its own.
Multi-leg providers such as Negotiate keep the half-built context for the
connection between legs, which [Handler.ConnState] releases if the
connection closes first.

# Channel binding

[WithChannelBindingDisposition] and [WithAcceptorChannelBinding] bind the
security context to the TLS connection with a tls-server-end-point binding
(RFC 5929), so that a token cannot be replayed over another connection.  The
client and the server must agree on whether to bind.
*/
package http
