package xdr

import (
	"fmt"
	"math"
	"unicode/utf8"
)

// MaxOpaqueLen bounds any single variable-length opaque or string field this
// codec will decode, guarding against a corrupt or hostile length prefix
// driving an unbounded allocation. Declaring a length beyond the buffer's
// remaining bytes is always a GarbageArgs-class error regardless of this
// ceiling; this ceiling additionally catches declared lengths that are
// technically satisfiable (enough bytes are on the wire / in a pooled
// buffer) but absurd for a single RPC field.
const MaxOpaqueLen = 1 << 20 // 1 MiB

// LenientBool controls whether DecodeBool treats any non-zero uint32 as
// true (lenient, the default, matching this implementation's compatibility
// policy) or requires strictly 0 or 1 (strict, per a literal reading of RFC
// 4506 section 4.4). Exposed as a package variable rather than a Stream
// field because it is a process-wide policy decision, not a per-message one.
var LenientBool = true

// EncodeInt32 writes a signed 32-bit integer.
func (s *Stream) EncodeInt32(v int32) error {
	if err := s.requireRole(roleEncoding, "EncodeInt32"); err != nil {
		return err
	}
	return s.buf.PutUint32(uint32(v))
}

// DecodeInt32 reads a signed 32-bit integer.
func (s *Stream) DecodeInt32() (int32, error) {
	if err := s.requireRole(roleDecoding, "DecodeInt32"); err != nil {
		return 0, err
	}
	v, err := s.buf.GetUint32()
	return int32(v), err
}

// EncodeUint32 writes an unsigned 32-bit integer.
func (s *Stream) EncodeUint32(v uint32) error {
	if err := s.requireRole(roleEncoding, "EncodeUint32"); err != nil {
		return err
	}
	return s.buf.PutUint32(v)
}

// DecodeUint32 reads an unsigned 32-bit integer.
func (s *Stream) DecodeUint32() (uint32, error) {
	if err := s.requireRole(roleDecoding, "DecodeUint32"); err != nil {
		return 0, err
	}
	return s.buf.GetUint32()
}

// EncodeInt64 writes a signed 64-bit (hyper) integer.
func (s *Stream) EncodeInt64(v int64) error {
	if err := s.requireRole(roleEncoding, "EncodeInt64"); err != nil {
		return err
	}
	return s.buf.PutUint64(uint64(v))
}

// DecodeInt64 reads a signed 64-bit (hyper) integer.
func (s *Stream) DecodeInt64() (int64, error) {
	if err := s.requireRole(roleDecoding, "DecodeInt64"); err != nil {
		return 0, err
	}
	v, err := s.buf.GetUint64()
	return int64(v), err
}

// EncodeUint64 writes an unsigned 64-bit (hyper) integer.
func (s *Stream) EncodeUint64(v uint64) error {
	if err := s.requireRole(roleEncoding, "EncodeUint64"); err != nil {
		return err
	}
	return s.buf.PutUint64(v)
}

// DecodeUint64 reads an unsigned 64-bit (hyper) integer.
func (s *Stream) DecodeUint64() (uint64, error) {
	if err := s.requireRole(roleDecoding, "DecodeUint64"); err != nil {
		return 0, err
	}
	return s.buf.GetUint64()
}

// EncodeFloat32 writes an IEEE-754 single-precision float.
func (s *Stream) EncodeFloat32(v float32) error {
	return s.EncodeUint32(math.Float32bits(v))
}

// DecodeFloat32 reads an IEEE-754 single-precision float.
func (s *Stream) DecodeFloat32() (float32, error) {
	v, err := s.DecodeUint32()
	if err != nil {
		return 0, err
	}
	return math.Float32frombits(v), nil
}

// EncodeFloat64 writes an IEEE-754 double-precision float.
func (s *Stream) EncodeFloat64(v float64) error {
	return s.EncodeUint64(math.Float64bits(v))
}

// DecodeFloat64 reads an IEEE-754 double-precision float.
func (s *Stream) DecodeFloat64() (float64, error) {
	v, err := s.DecodeUint64()
	if err != nil {
		return 0, err
	}
	return math.Float64frombits(v), nil
}

// EncodeBool writes a boolean as a 0/1 uint32.
func (s *Stream) EncodeBool(v bool) error {
	if v {
		return s.EncodeUint32(1)
	}
	return s.EncodeUint32(0)
}

// DecodeBool reads a boolean. Per LenientBool, any non-zero value decodes
// to true unless strict mode is enabled, in which case any value other
// than 0 or 1 is a decode error.
func (s *Stream) DecodeBool() (bool, error) {
	v, err := s.DecodeUint32()
	if err != nil {
		return false, err
	}
	if !LenientBool && v > 1 {
		return false, fmt.Errorf("xdr: invalid boolean value %d (strict mode)", v)
	}
	return v != 0, nil
}

func padLen(n int) int {
	return (4 - (n % 4)) % 4
}

// EncodeOpaqueFixed writes exactly n octets (no length prefix) followed by
// zero-pad to the next 4-byte boundary. The caller must supply exactly n
// bytes; this implements XDR's fixed-length opaque[n].
func (s *Stream) EncodeOpaqueFixed(data []byte) error {
	if err := s.requireRole(roleEncoding, "EncodeOpaqueFixed"); err != nil {
		return err
	}
	if err := s.buf.PutBytes(data); err != nil {
		return err
	}
	pad := padLen(len(data))
	if pad == 0 {
		return nil
	}
	return s.buf.PutBytes(make([]byte, pad))
}

// DecodeOpaqueFixed reads exactly n octets followed by their padding.
func (s *Stream) DecodeOpaqueFixed(n int) ([]byte, error) {
	if err := s.requireRole(roleDecoding, "DecodeOpaqueFixed"); err != nil {
		return nil, err
	}
	data, err := s.buf.GetBytes(n)
	if err != nil {
		return nil, err
	}
	out := make([]byte, len(data))
	copy(out, data)
	pad := padLen(n)
	if pad > 0 {
		if _, err := s.buf.GetBytes(pad); err != nil {
			return nil, err
		}
	}
	return out, nil
}

// EncodeOpaque writes a variable-length opaque value: a uint32 length
// followed by the data and its zero-pad.
func (s *Stream) EncodeOpaque(data []byte) error {
	if err := s.requireRole(roleEncoding, "EncodeOpaque"); err != nil {
		return err
	}
	if err := s.buf.PutUint32(uint32(len(data))); err != nil {
		return err
	}
	return s.EncodeOpaqueFixed(data)
}

// DecodeOpaque reads a variable-length opaque value. A declared length
// exceeding either MaxOpaqueLen or the bytes remaining in the stream is a
// GarbageArgs-class error (ErrUnderflow / the explicit length-ceiling
// error), matching section 4.2's contract that such a length is rejected
// rather than silently truncated.
func (s *Stream) DecodeOpaque() ([]byte, error) {
	if err := s.requireRole(roleDecoding, "DecodeOpaque"); err != nil {
		return nil, err
	}
	length, err := s.buf.GetUint32()
	if err != nil {
		return nil, err
	}
	if length > MaxOpaqueLen {
		return nil, fmt.Errorf("xdr: opaque length %d exceeds maximum %d: %w", length, MaxOpaqueLen, ErrGarbageArgs)
	}
	return s.DecodeOpaqueFixed(int(length))
}

// EncodeString writes a variable-length opaque of the string's UTF-8 bytes.
// A nil/empty string input encodes identically to EncodeOpaque(nil): a bare
// length-0 field.
func (s *Stream) EncodeString(str string) error {
	return s.EncodeOpaque([]byte(str))
}

// DecodeString reads a variable-length opaque and interprets it as UTF-8.
// Malformed UTF-8 is a decode error under the default strict policy.
func (s *Stream) DecodeString() (string, error) {
	data, err := s.DecodeOpaque()
	if err != nil {
		return "", err
	}
	if !utf8.Valid(data) {
		return "", fmt.Errorf("xdr: string is not valid UTF-8")
	}
	return string(data), nil
}

// EncodeUint32Array writes a variable-length array of uint32: a count
// followed by that many uint32 encodings.
func (s *Stream) EncodeUint32Array(vs []uint32) error {
	if err := s.EncodeUint32(uint32(len(vs))); err != nil {
		return err
	}
	for _, v := range vs {
		if err := s.EncodeUint32(v); err != nil {
			return err
		}
	}
	return nil
}

// DecodeUint32Array reads a variable-length array of uint32.
func (s *Stream) DecodeUint32Array() ([]uint32, error) {
	count, err := s.DecodeUint32()
	if err != nil {
		return nil, err
	}
	if count > MaxOpaqueLen/4 {
		return nil, fmt.Errorf("xdr: array count %d exceeds maximum: %w", count, ErrGarbageArgs)
	}
	out := make([]uint32, count)
	for i := range out {
		v, err := s.DecodeUint32()
		if err != nil {
			return nil, err
		}
		out[i] = v
	}
	return out, nil
}

// EncodeUnionDiscriminant writes the 4-byte discriminant of an XDR union,
// including the `optional T` encoding (a bool discriminant: 1/0).
func (s *Stream) EncodeUnionDiscriminant(disc uint32) error {
	return s.EncodeUint32(disc)
}

// DecodeUnionDiscriminant reads the 4-byte discriminant of an XDR union.
func (s *Stream) DecodeUnionDiscriminant() (uint32, error) {
	return s.DecodeUint32()
}

// ErrGarbageArgs marks a decode failure caused by a well-formed-looking but
// invalid length or count field — the dispatcher maps this to the
// GARBAGE_ARGS accept_stat rather than closing the transport.
var ErrGarbageArgs = fmt.Errorf("xdr: garbage arguments")
