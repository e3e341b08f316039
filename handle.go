// SPDX-License-Identifier: Apache-2.0

package sspi

import (
	"errors"
	"sync"
	"sync/atomic"
)

// PinResult is the outcome of trying to pin a native handle.
type PinResult int

const (
	// PinAcquired means the handle is live and will stay live until unpinned.
	PinAcquired PinResult = iota
	// PinDisposed means disposal has started; the handle must not be used.
	PinDisposed
)

func (r PinResult) String() string {
	if r == PinAcquired {
		return "acquired"
	}
	return "disposed"
}

// the top bit below the sign marks a handle whose disposal has started; the
// remaining low bits count outstanding pins
const disposingBit = int64(1) << 62

var errHandleDisposed = errors.New("handle has been released")

// handle wraps a provider handle so that disposal can race with calls that
// use it.  Every use is bracketed by pin and unpin; dispose waits for the pin
// count to drain and then frees the value exactly once.
type handle[T any] struct {
	value T
	free  func(T) error

	state   atomic.Int64
	drained chan struct{} // closed by the unpin that empties a disposing handle
	once    sync.Once
}

func newHandle[T any](value T, free func(T) error) *handle[T] {
	return &handle[T]{
		value:   value,
		free:    free,
		drained: make(chan struct{}),
	}
}

// pin registers a user of the handle.  A PinAcquired result must be paired
// with exactly one call to unpin.
func (h *handle[T]) pin() PinResult {
	for {
		s := h.state.Load()
		if s&disposingBit != 0 {
			return PinDisposed
		}
		if h.state.CompareAndSwap(s, s+1) {
			return PinAcquired
		}
	}
}

func (h *handle[T]) unpin() {
	s := h.state.Add(-1)
	if s == disposingBit {
		close(h.drained)
	}
}

// pins returns the number of outstanding pins.
func (h *handle[T]) pins() int64 {
	return h.state.Load() &^ disposingBit
}

func (h *handle[T]) disposed() bool {
	return h.state.Load()&disposingBit != 0
}

// dispose stops new pins, blocks until the outstanding ones are released and
// frees the value.  Concurrent callers wait for the single free; only the
// caller that performed it sees its error.
func (h *handle[T]) dispose() (err error) {
	h.once.Do(func() {
		var prev int64
		for {
			prev = h.state.Load()
			if h.state.CompareAndSwap(prev, prev|disposingBit) {
				break
			}
		}

		if prev != 0 {
			<-h.drained
		}

		if h.free != nil {
			err = h.free(h.value)
		}
	})

	return err
}

// use runs fn with the handle pinned.  A nil or disposed handle is reported
// as an invalid handle and fn is not called.
func (h *handle[T]) use(fn func(T) error) error {
	if h == nil || h.pin() == PinDisposed {
		e := NewStatusError(StatusInvalidHandle, "")
		e.Cause = errHandleDisposed
		return e
	}
	defer h.unpin()

	return fn(h.value)
}
