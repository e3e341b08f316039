// SPDX-License-Identifier: Apache-2.0

package sspi

import (
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestPinUnpin(t *testing.T) {
	assert := assert.New(t)

	freed := 0
	h := newHandle(42, func(int) error { freed++; return nil })

	assert.Equal(PinAcquired, h.pin())
	assert.Equal(PinAcquired, h.pin())
	assert.Equal(int64(2), h.pins())
	h.unpin()
	h.unpin()
	assert.Equal(int64(0), h.pins())

	assert.NoError(h.dispose())
	assert.Equal(1, freed)
	assert.True(h.disposed())
	assert.Equal(PinDisposed, h.pin())
}

func TestDisposeIsIdempotent(t *testing.T) {
	assert := assert.New(t)

	freed := 0
	h := newHandle("x", func(string) error { freed++; return errors.New("free failed") })

	assert.Error(h.dispose())
	assert.NoError(h.dispose())
	assert.Equal(1, freed)
}

func TestUseDisposedHandle(t *testing.T) {
	assert := assert.New(t)

	h := newHandle(1, nil)
	assert.NoError(h.dispose())

	called := false
	err := h.use(func(int) error { called = true; return nil })
	assert.False(called)
	assert.ErrorIs(err, ErrInvalidHandle)
	assert.ErrorIs(err, errHandleDisposed)

	var nilHandle *handle[int]
	assert.ErrorIs(nilHandle.use(func(int) error { return nil }), ErrInvalidHandle)
}

func TestUsePropagatesErrors(t *testing.T) {
	assert := assert.New(t)

	h := newHandle(1, nil)
	boom := errors.New("boom")
	assert.ErrorIs(h.use(func(int) error { return boom }), boom)
	assert.Equal(int64(0), h.pins())
}

func TestDisposeWaitsForPins(t *testing.T) {
	assert := assert.New(t)

	var freed atomic.Bool
	h := newHandle(0, func(int) error { freed.Store(true); return nil })

	assert.Equal(PinAcquired, h.pin())

	done := make(chan struct{})
	go func() {
		_ = h.dispose()
		close(done)
	}()

	// new pins are refused as soon as disposal starts
	assert.Eventually(h.disposed, time.Second, time.Millisecond)
	assert.Equal(PinDisposed, h.pin())

	select {
	case <-done:
		t.Fatal("dispose returned while the handle was pinned")
	case <-time.After(20 * time.Millisecond):
	}
	assert.False(freed.Load())

	h.unpin()
	<-done
	assert.True(freed.Load())
}

func TestConcurrentDisposeAndUse(t *testing.T) {
	assert := assert.New(t)

	for i := 0; i < 50; i++ {
		var (
			freed  atomic.Int32
			inUse  atomic.Int32
			misuse atomic.Bool
		)
		h := newHandle(i, func(int) error {
			if inUse.Load() != 0 {
				misuse.Store(true)
			}
			freed.Add(1)
			return nil
		})

		var wg sync.WaitGroup
		for j := 0; j < 8; j++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				for k := 0; k < 100; k++ {
					_ = h.use(func(int) error {
						inUse.Add(1)
						if freed.Load() != 0 {
							misuse.Store(true)
						}
						inUse.Add(-1)
						return nil
					})
				}
			}()
		}
		for j := 0; j < 3; j++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				_ = h.dispose()
			}()
		}
		wg.Wait()

		assert.Equal(int32(1), freed.Load())
		assert.False(misuse.Load(), "handle used after free or freed while in use")
	}
}

func TestPinResultString(t *testing.T) {
	assert.Equal(t, "acquired", PinAcquired.String())
	assert.Equal(t, "disposed", PinDisposed.String())
}
