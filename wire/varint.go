// Package wire implements the binary codec of the collaboration protocol:
// varint primitives, the op/state-vector/snapshot encoding, and the
// channel-discriminated message frames exchanged over a connection.
//
// Layout rules: unsigned varints for integers and discriminators, length-
// prefixed byte blocks for strings and nested payloads, fixed 8 bytes
// (big-endian IEEE 754 bits) for floats. Encoding is deterministic: two
// replicas in the same state produce identical snapshot bytes.
package wire

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"
)

// ErrTruncated is returned when a message ends before its declared content.
var ErrTruncated = errors.New("wire: truncated message")

// maxBlockLen caps a single length-prefixed block. A frame larger than this
// is malformed, not legitimate traffic.
const maxBlockLen = 16 << 20

// Writer appends wire-encoded primitives to a buffer.
type Writer struct {
	buf []byte
}

// NewWriter returns an empty Writer.
func NewWriter() *Writer { return &Writer{} }

// Bytes returns the encoded buffer.
func (w *Writer) Bytes() []byte { return w.buf }

// Uvarint appends an unsigned varint.
func (w *Writer) Uvarint(v uint64) {
	w.buf = binary.AppendUvarint(w.buf, v)
}

// Block appends a length-prefixed byte block.
func (w *Writer) Block(b []byte) {
	w.Uvarint(uint64(len(b)))
	w.buf = append(w.buf, b...)
}

// String appends a length-prefixed string.
func (w *Writer) String(s string) {
	w.Uvarint(uint64(len(s)))
	w.buf = append(w.buf, s...)
}

// Float64 appends a float as 8 big-endian bytes of its IEEE 754 bits.
func (w *Writer) Float64(f float64) {
	w.buf = binary.BigEndian.AppendUint64(w.buf, math.Float64bits(f))
}

// Raw appends bytes with no length prefix.
func (w *Writer) Raw(b []byte) {
	w.buf = append(w.buf, b...)
}

// Reader consumes wire-encoded primitives from a buffer. All methods return
// ErrTruncated (wrapped) when the buffer ends early; none panic on
// malformed input.
type Reader struct {
	buf []byte
	off int
}

// NewReader returns a Reader over b.
func NewReader(b []byte) *Reader { return &Reader{buf: b} }

// Len reports the number of unread bytes.
func (r *Reader) Len() int { return len(r.buf) - r.off }

// Uvarint reads an unsigned varint.
func (r *Reader) Uvarint() (uint64, error) {
	v, n := binary.Uvarint(r.buf[r.off:])
	if n <= 0 {
		return 0, fmt.Errorf("read uvarint at offset %d: %w", r.off, ErrTruncated)
	}
	r.off += n
	return v, nil
}

// Block reads a length-prefixed byte block. The returned slice aliases the
// underlying buffer.
func (r *Reader) Block() ([]byte, error) {
	n, err := r.Uvarint()
	if err != nil {
		return nil, err
	}
	if n > maxBlockLen {
		return nil, fmt.Errorf("wire: block of %d bytes exceeds limit", n)
	}
	if uint64(r.Len()) < n {
		return nil, fmt.Errorf("read block of %d bytes with %d left: %w", n, r.Len(), ErrTruncated)
	}
	b := r.buf[r.off : r.off+int(n)]
	r.off += int(n)
	return b, nil
}

// String reads a length-prefixed string.
func (r *Reader) String() (string, error) {
	b, err := r.Block()
	if err != nil {
		return "", err
	}
	return string(b), nil
}

// Float64 reads 8 bytes of IEEE 754 bits.
func (r *Reader) Float64() (float64, error) {
	if r.Len() < 8 {
		return 0, fmt.Errorf("read float64 with %d bytes left: %w", r.Len(), ErrTruncated)
	}
	bits := binary.BigEndian.Uint64(r.buf[r.off:])
	r.off += 8
	return math.Float64frombits(bits), nil
}
