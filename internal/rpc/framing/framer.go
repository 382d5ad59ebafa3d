// Package framing implements the ONC-RPC record-marking protocol used to
// delimit RPC messages on a TCP byte stream (RFC 5531 section 10), plus the
// trivial UDP framing where each datagram is exactly one record.
package framing

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"github.com/ArtMk/oncrpc4j/internal/bytesize"
)

// lastFragmentBit is the high bit of the 4-byte fragment header.
const lastFragmentBit uint32 = 0x80000000

// fragmentLengthMask masks out everything but the 31-bit length field.
const fragmentLengthMask uint32 = 0x7fffffff

// DefaultMaxRecordSize is the default ceiling on a fully assembled record,
// per section 4.4 / section 6's configuration surface.
const DefaultMaxRecordSize = 1 << 20 // 1 MiB

// ErrRecordTooLarge is returned when an assembling record would exceed the
// framer's configured ceiling; the caller must close the TCP connection.
var ErrRecordTooLarge = errors.New("framing: record exceeds configured maximum size")

// ErrInvalidFragment is returned when a fragment header declares a length
// that cannot be satisfied (e.g. zero-length non-final fragment).
var ErrInvalidFragment = errors.New("framing: invalid fragment header")

// state names the record framer's three states from section 4.4.
type state int

const (
	stateAwaitHeader state = iota
	stateAwaitPayload
	stateDeliver
)

// Framer assembles TCP record-marking fragments into complete RPC records.
// One Framer is owned by exactly one TCP connection; it buffers partial
// fragments across reads and is not safe for concurrent use.
type Framer struct {
	maxRecordSize int
	st            state
	curLast       bool
	curLen        uint32
	assembled     []byte
}

// NewFramer returns a Framer with the given maximum assembled-record size.
// A non-positive maxRecordSize selects DefaultMaxRecordSize.
func NewFramer(maxRecordSize int) *Framer {
	if maxRecordSize <= 0 {
		maxRecordSize = DefaultMaxRecordSize
	}
	return &Framer{maxRecordSize: maxRecordSize, st: stateAwaitHeader}
}

// ReadRecord blocks on r until one complete RPC record has been assembled
// from one or more fragments, per the S0/S1/S2 state machine in section
// 4.4. It returns io.EOF (unwrapped) when r is exhausted exactly at a
// fragment boundary, matching a clean client disconnect.
func (f *Framer) ReadRecord(r io.Reader) ([]byte, error) {
	for {
		switch f.st {
		case stateAwaitHeader:
			var hdr [4]byte
			if _, err := io.ReadFull(r, hdr[:]); err != nil {
				return nil, err
			}
			raw := binary.BigEndian.Uint32(hdr[:])
			f.curLast = raw&lastFragmentBit != 0
			f.curLen = raw & fragmentLengthMask
			if !f.curLast && f.curLen == 0 {
				f.reset()
				return nil, fmt.Errorf("%w: zero-length non-final fragment", ErrInvalidFragment)
			}
			if len(f.assembled)+int(f.curLen) > f.maxRecordSize {
				got := bytesize.ByteSize(len(f.assembled) + int(f.curLen))
				f.reset()
				return nil, fmt.Errorf("%w: %s exceeds %s", ErrRecordTooLarge, got, bytesize.ByteSize(f.maxRecordSize))
			}
			f.st = stateAwaitPayload

		case stateAwaitPayload:
			if f.curLen > 0 {
				chunk := make([]byte, f.curLen)
				if _, err := io.ReadFull(r, chunk); err != nil {
					return nil, fmt.Errorf("read fragment payload: %w", err)
				}
				f.assembled = append(f.assembled, chunk...)
			}
			if f.curLast {
				f.st = stateDeliver
			} else {
				f.st = stateAwaitHeader
			}

		case stateDeliver:
			out := f.assembled
			f.reset()
			return out, nil
		}
	}
}

func (f *Framer) reset() {
	f.assembled = nil
	f.st = stateAwaitHeader
}

// WriteRecord emits data as one or more fragments, splitting on
// fragmentSize with only the final fragment carrying the last-fragment
// bit, per section 4.4's outbound contract. fragmentSize must be positive;
// callers typically pass the framer's own maxRecordSize or a smaller
// negotiated value.
func WriteRecord(w io.Writer, data []byte, fragmentSize int) (int64, error) {
	if fragmentSize <= 0 {
		fragmentSize = DefaultMaxRecordSize
	}
	var written int64
	offset := 0
	for {
		remaining := len(data) - offset
		chunkLen := remaining
		last := true
		if chunkLen > fragmentSize {
			chunkLen = fragmentSize
			last = false
		}
		header := uint32(chunkLen) & fragmentLengthMask
		if last {
			header |= lastFragmentBit
		}
		var hdr [4]byte
		binary.BigEndian.PutUint32(hdr[:], header)
		if _, err := w.Write(hdr[:]); err != nil {
			return written, fmt.Errorf("write fragment header: %w", err)
		}
		written += 4
		if chunkLen > 0 {
			n, err := w.Write(data[offset : offset+chunkLen])
			written += int64(n)
			if err != nil {
				return written, fmt.Errorf("write fragment payload: %w", err)
			}
		}
		offset += chunkLen
		if last {
			return written, nil
		}
	}
}

// MaxUDPDatagramSize bounds a single inbound UDP datagram; larger
// datagrams are dropped per section 4.4's UDP framer contract.
const MaxUDPDatagramSize = 65535

// ValidateUDPDatagram enforces the "1 datagram = 1 record, oversized
// datagrams dropped" rule. UDP needs no assembly state: the datagram
// itself, once size-checked, is the record.
func ValidateUDPDatagram(n int) error {
	if n > MaxUDPDatagramSize {
		return fmt.Errorf("%w: udp datagram of %s exceeds %s", ErrRecordTooLarge, bytesize.ByteSize(n), bytesize.ByteSize(MaxUDPDatagramSize))
	}
	return nil
}
