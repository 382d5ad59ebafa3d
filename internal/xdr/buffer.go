// Package xdr implements RFC 4506 XDR encoding and decoding atop a growable
// byte buffer.
//
// XDR is the standard data serialization format used by ONC-RPC protocols.
// Key characteristics:
//   - Big-endian byte order for all multi-byte integers
//   - 4-byte alignment for all data types
//   - Variable-length data is preceded by a 4-byte length
//   - Strings and opaque data are padded to 4-byte boundaries
package xdr

import (
	"errors"
	"fmt"
)

// ErrUnderflow is returned when a read would consume more bytes than the
// buffer currently has available between the read cursor and the write
// cursor. It is recoverable: a caller that later supplies more bytes (e.g.
// the record framer appending another fragment) may retry the same read.
var ErrUnderflow = errors.New("xdr: buffer underflow")

// ErrOverflow is returned when a write would exceed the capacity of a
// buffer that has been declared non-growable.
var ErrOverflow = errors.New("xdr: buffer overflow")

// segmentSize is the minimum number of bytes ensureCapacity adds to the
// capacity when it grows.
// Chosen to match a typical RPC call/reply body; smaller than bufpool's
// medium tier so buffers that never grow past one segment stay cheap.
const segmentSize = 4096

// Buffer is a growable byte buffer with independent read and write
// cursors, the storage backing an XdrStream.
//
// Invariant: 0 <= pos <= lim <= len(data). pos tracks the read cursor, lim
// the write cursor (the "limit" of valid data). data is one contiguous
// slice: growth allocates a larger slice and copies the existing contents
// into it. A buffer wrapping caller-supplied storage is non-growable.
type Buffer struct {
	data     []byte
	pos      int
	lim      int
	growable bool
}

// NewBuffer returns an empty, growable Buffer ready for writing.
func NewBuffer() *Buffer {
	return &Buffer{growable: true}
}

// NewBufferFromBytes wraps an existing byte slice for reading. The returned
// Buffer is non-growable and its write cursor (limit) is set to len(b); a
// caller decodes by reading from position 0 up to lim.
func NewBufferFromBytes(b []byte) *Buffer {
	return &Buffer{data: b, lim: len(b), growable: false}
}

// NewBufferWithCapacity returns an empty, growable Buffer with the given
// initial capacity pre-allocated, avoiding the first growth segment for
// callers that know roughly how large the message will be.
func NewBufferWithCapacity(capacity int) *Buffer {
	return &Buffer{data: make([]byte, 0, capacity), growable: true}
}

// Position returns the current read cursor.
func (b *Buffer) Position() int { return b.pos }

// Limit returns the current write cursor (the extent of valid data).
func (b *Buffer) Limit() int { return b.lim }

// Remaining returns the number of unread bytes between the read cursor and
// the limit.
func (b *Buffer) Remaining() int { return b.lim - b.pos }

// Flip prepares a buffer that has just been written for reading: the limit
// becomes the current write position and the read cursor resets to zero.
// Mirrors the teacher's role-flip between encode and decode passes.
func (b *Buffer) Flip() {
	b.lim = len(b.data)
	b.pos = 0
}

// Reset clears both cursors and the backing storage, retaining the
// allocated capacity for reuse.
func (b *Buffer) Reset() {
	b.data = b.data[:0]
	b.pos = 0
	b.lim = 0
}

// Bytes returns the valid (written) region of the buffer, from 0 to Limit.
// The caller must not retain the returned slice past the buffer's reuse.
func (b *Buffer) Bytes() []byte { return b.data[:b.lim] }

// ensureCapacity makes room for n more bytes beyond the current length.
// When the existing capacity is short, it allocates a new slice whose
// capacity is larger by max(n, segmentSize) and copies the current
// contents into it; it neither doubles the capacity nor keeps the old
// storage as a separate segment. Non-growable buffers return ErrOverflow
// instead of growing.
func (b *Buffer) ensureCapacity(n int) error {
	need := len(b.data) + n
	if cap(b.data) >= need {
		return nil
	}
	if !b.growable {
		return fmt.Errorf("%w: need %d more bytes, capacity %d", ErrOverflow, n, cap(b.data)-len(b.data))
	}
	grow := n
	if grow < segmentSize {
		grow = segmentSize
	}
	next := make([]byte, len(b.data), cap(b.data)+grow)
	copy(next, b.data)
	b.data = next
	return nil
}

// PutBytes appends raw bytes at the write cursor, growing the buffer as
// needed.
func (b *Buffer) PutBytes(p []byte) error {
	if err := b.ensureCapacity(len(p)); err != nil {
		return err
	}
	b.data = append(b.data, p...)
	b.lim = len(b.data)
	return nil
}

// PutUint32 writes a big-endian uint32 at the write cursor.
func (b *Buffer) PutUint32(v uint32) error {
	return b.PutBytes([]byte{byte(v >> 24), byte(v >> 16), byte(v >> 8), byte(v)})
}

// PutUint64 writes a big-endian uint64 at the write cursor.
func (b *Buffer) PutUint64(v uint64) error {
	return b.PutBytes([]byte{
		byte(v >> 56), byte(v >> 48), byte(v >> 40), byte(v >> 32),
		byte(v >> 24), byte(v >> 16), byte(v >> 8), byte(v),
	})
}

// GetBytes consumes and returns n bytes from the read cursor. The returned
// slice aliases the buffer's storage and must be copied by the caller if it
// needs to outlive the next decode.
func (b *Buffer) GetBytes(n int) ([]byte, error) {
	if n < 0 || b.pos+n > b.lim {
		return nil, fmt.Errorf("%w: want %d bytes, have %d", ErrUnderflow, n, b.Remaining())
	}
	out := b.data[b.pos : b.pos+n]
	b.pos += n
	return out, nil
}

// GetUint32 consumes a big-endian uint32 from the read cursor.
func (b *Buffer) GetUint32() (uint32, error) {
	p, err := b.GetBytes(4)
	if err != nil {
		return 0, err
	}
	return uint32(p[0])<<24 | uint32(p[1])<<16 | uint32(p[2])<<8 | uint32(p[3]), nil
}

// GetUint64 consumes a big-endian uint64 from the read cursor.
func (b *Buffer) GetUint64() (uint64, error) {
	p, err := b.GetBytes(8)
	if err != nil {
		return 0, err
	}
	var v uint64
	for _, c := range p {
		v = v<<8 | uint64(c)
	}
	return v, nil
}
