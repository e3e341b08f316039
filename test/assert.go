// SPDX-License-Identifier: Apache-2.0

// Package test holds assertion helpers shared by the provider and transport
// tests.
package test

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/golang-auth/go-sspi"
)

// Assert is testify's assert with some extensions.
type Assert struct {
	*assert.Assertions

	t *testing.T
}

func NewAssert(t *testing.T) *Assert {
	return &Assert{assert.New(t), t}
}

// NoErrorFatal fails the test immediately on error.
func (a *Assert) NoErrorFatal(err error) {
	a.NoError(err)
	if err != nil {
		a.t.Logf("Stopping test %s due to fatal error", a.t.Name())
		a.t.FailNow()
	}
}

// HasStatus checks that err carries the status code want.
func (a *Assert) HasStatus(err error, want sspi.Status) bool {
	if !a.Error(err) {
		return false
	}
	return a.Equal(want.String(), sspi.StatusOf(err).String(), "error: %v", err)
}
