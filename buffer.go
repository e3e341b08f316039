// SPDX-License-Identifier: Apache-2.0

package sspi

import (
	"errors"
	"fmt"

	"github.com/valyala/bytebufferpool"
)

// BufferKind identifies the role of a buffer within a BufferSet.  Values
// match the SECBUFFER_* constants.
type BufferKind uint32

const (
	BufferEmpty   BufferKind = 0
	BufferData    BufferKind = 1
	BufferToken   BufferKind = 2
	BufferPadding BufferKind = 9
	BufferStream  BufferKind = 10
)

func (k BufferKind) String() string {
	switch k {
	case BufferEmpty:
		return "Empty"
	case BufferData:
		return "Data"
	case BufferToken:
		return "Token"
	case BufferPadding:
		return "Padding"
	case BufferStream:
		return "Stream"
	}

	return fmt.Sprintf("BufferKind(%d)", uint32(k))
}

// ErrBufferReleased is returned when a BufferSet is used after Free.
var ErrBufferReleased = errors.New("buffer set already released")

// nativeMemory backs every buffer handed to a provider.  Memory is zeroed
// before it goes back to the pool.
var nativeMemory bytebufferpool.Pool

// Buffer is one typed region of a BufferSet.  Its capacity is fixed when the
// set is built; its length starts out equal to the capacity and is updated by
// the provider to report how much it actually produced.
//
// Once the owning set is freed a Buffer has no memory: Bytes and Space return
// nil, Cap and Len return 0 and Set and SetLen fail with ErrBufferReleased.
type Buffer struct {
	kind   BufferKind
	mem    *bytebufferpool.ByteBuffer
	length int
}

// Kind returns the buffer type.
func (b *Buffer) Kind() BufferKind {
	return b.kind
}

// Cap returns the capacity requested when the buffer was built.
func (b *Buffer) Cap() int {
	if b.mem == nil {
		return 0
	}
	return len(b.mem.B)
}

// Len returns the length most recently reported for the buffer.
func (b *Buffer) Len() int {
	return b.length
}

// Bytes returns the reported contents of the buffer.  The slice aliases the
// buffer memory and is only valid until the owning set is freed.
func (b *Buffer) Bytes() []byte {
	if b.mem == nil {
		return nil
	}
	return b.mem.B[:b.length]
}

// Space returns the whole capacity of the buffer for a provider to write into.
func (b *Buffer) Space() []byte {
	if b.mem == nil {
		return nil
	}
	return b.mem.B
}

// SetLen records how many bytes of the buffer are significant.
func (b *Buffer) SetLen(n int) error {
	if b.mem == nil {
		return ErrBufferReleased
	}
	if n < 0 || n > len(b.mem.B) {
		return Errorf(StatusBufferTooSmall, "%s buffer holds %d bytes, %d requested", b.kind, len(b.mem.B), n)
	}

	b.length = n
	return nil
}

// Set copies p into the buffer and sets its length.
func (b *Buffer) Set(p []byte) error {
	if b.mem == nil {
		return ErrBufferReleased
	}
	if len(p) > len(b.mem.B) {
		return Errorf(StatusBufferTooSmall, "%s buffer holds %d bytes, %d requested", b.kind, len(b.mem.B), len(p))
	}

	copy(b.mem.B, p)
	b.length = len(p)
	return nil
}

// BufferSpec describes one buffer to allocate in NewBufferSet.  The capacity
// is the larger of Size and len(Data); Data, if any, is copied in.
type BufferSpec struct {
	Kind BufferKind
	Data []byte
	Size int
}

// BufferSet is an ordered list of buffers passed to a provider in one call.
// The code that builds a set owns its memory until Free is called, exactly
// once.  Sets are not safe for concurrent use.
type BufferSet struct {
	buffers  []*Buffer
	released bool
}

// NewBufferSet allocates the buffers described by specs, in order.
func NewBufferSet(specs ...BufferSpec) *BufferSet {
	bs := &BufferSet{buffers: make([]*Buffer, 0, len(specs))}

	for _, spec := range specs {
		size := spec.Size
		if len(spec.Data) > size {
			size = len(spec.Data)
		}

		mem := nativeMemory.Get()
		if cap(mem.B) < size {
			mem.B = make([]byte, size)
		} else {
			mem.B = mem.B[:size]
			clear(mem.B)
		}
		copy(mem.B, spec.Data)

		bs.buffers = append(bs.buffers, &Buffer{kind: spec.Kind, mem: mem, length: size})
	}

	return bs
}

// NewSingleBuffer returns a set holding one buffer of the given kind
// containing a copy of payload.
func NewSingleBuffer(kind BufferKind, payload []byte) *BufferSet {
	return NewBufferSet(BufferSpec{Kind: kind, Data: payload})
}

// NewTokenBuffer returns a set holding one opaque token buffer.
func NewTokenBuffer(payload []byte) *BufferSet {
	return NewSingleBuffer(BufferToken, payload)
}

// Len returns the number of buffers in the set.
func (bs *BufferSet) Len() int {
	return len(bs.buffers)
}

// At returns the buffer at position i.
func (bs *BufferSet) At(i int) *Buffer {
	return bs.buffers[i]
}

// Find returns the first buffer of the given kind, or nil.
func (bs *BufferSet) Find(kind BufferKind) *Buffer {
	for _, b := range bs.buffers {
		if b.kind == kind {
			return b
		}
	}

	return nil
}

// Released reports whether Free has been called.
func (bs *BufferSet) Released() bool {
	return bs.released
}

// ToBytes concatenates, in buffer order, the reported contents of every
// buffer that is not Empty and not zero length.  The result is a copy.
func (bs *BufferSet) ToBytes() ([]byte, error) {
	if bs.released {
		return nil, ErrBufferReleased
	}

	n := 0
	for _, b := range bs.buffers {
		if b.kind != BufferEmpty {
			n += b.length
		}
	}

	out := make([]byte, 0, n)
	for _, b := range bs.buffers {
		if b.kind == BufferEmpty || b.length == 0 {
			continue
		}
		out = append(out, b.Bytes()...)
	}

	return out, nil
}

// Free zeroes and releases the memory of every buffer.  A second call returns
// ErrBufferReleased.
func (bs *BufferSet) Free() error {
	if bs.released {
		return ErrBufferReleased
	}
	bs.released = true

	for _, b := range bs.buffers {
		clear(b.mem.B)
		nativeMemory.Put(b.mem)
		b.mem = nil
		b.length = 0
	}

	return nil
}
