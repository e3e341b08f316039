// SPDX-License-Identifier: Apache-2.0

/*
Package sspi negotiates authenticated security contexts between two peers
through pluggable, named providers, and protects messages with the
resulting session.

A program builds a [Catalog] of the registered providers, acquires a
[Credential] from one of them and creates a [SecurityContext] for either
side of the handshake.  The two sides exchange opaque tokens produced by
[SecurityContext.Initialize] and [SecurityContext.Accept] over a transport
of the caller's choosing until both are established.  The context can then
[SecurityContext.Encrypt], [SecurityContext.Decrypt], [SecurityContext.Sign]
and [SecurityContext.Verify] application messages.

Providers register themselves from an init function, so a program imports
the provider packages it needs for their side effects:

	import _ "github.com/golang-auth/go-sspi/negotiate"

Status codes and flag values follow the Windows SSPI so that providers
backed by a native library can pass them through unchanged.
*/
package sspi
