// SPDX-License-Identifier: Apache-2.0

package http

import (
	"context"
	"net/http"

	"github.com/golang-auth/go-sspi"
)

type contextKey struct {
	name string
}

func (k *contextKey) String() string { return "sspi/http context value " + k.name }

var initiatorContextKey = &contextKey{"initiator"}

// InitiatorName describes the client a Handler authenticated.
type InitiatorName struct {
	// PrincipalName is the fully qualified name of the initiator
	PrincipalName string

	// Authority is the realm or domain that vouched for it
	Authority string

	// Flags are the context flags negotiated with it
	Flags sspi.ContextFlag
}

func stashInitiatorName(ctx context.Context, in *InitiatorName) context.Context {
	return context.WithValue(ctx, initiatorContextKey, in)
}

// GetInitiatorName returns the initiator name from the request context if
// available.  It can be used by the next handler called by
// [Handler.ServeHTTP].
func GetInitiatorName(r *http.Request) (*InitiatorName, bool) {
	in, ok := r.Context().Value(initiatorContextKey).(*InitiatorName)
	return in, ok
}
