// Package ringbuf implements a fixed-capacity circular byte buffer used
// for bounded lookahead while parsing byte streams.
package ringbuf

import (
	"github.com/pkg/errors"
)

var (
	// ErrOverflow is returned when a write would exceed the remaining capacity.
	ErrOverflow = errors.New("ringbuf: write exceeds remaining capacity")
	// ErrUnderflow is returned when a read would exceed the used capacity.
	ErrUnderflow = errors.New("ringbuf: read exceeds used capacity")
	// ErrInvalidCount is returned when a requested byte count is not a positive integer.
	ErrInvalidCount = errors.New("ringbuf: byte count must be positive")
	// ErrInvalidCapacity is returned when constructing a buffer with capacity < 1.
	ErrInvalidCapacity = errors.New("ringbuf: capacity must be at least 1")
)

// Buffer is a bounded ring over a preallocated byte array. Reads and
// writes wrap around the end of the backing array with at most two
// sub-copies per operation. The zero value is not usable; construct
// with New or NewFromSlice.
type Buffer struct {
	buf  []byte
	cap  int
	head int // index of the oldest unread byte
	used int
}

// New allocates a buffer with the given maximum capacity.
func New(maxCapacity int) (*Buffer, error) {
	if maxCapacity < 1 {
		return nil, ErrInvalidCapacity
	}
	return &Buffer{buf: make([]byte, maxCapacity), cap: maxCapacity}, nil
}

// NewFromSlice constructs a buffer around a caller-supplied backing
// array. The backing slice must be at least maxCapacity long; ownership
// transfers to the buffer for its lifetime.
func NewFromSlice(backing []byte, maxCapacity int) (*Buffer, error) {
	if maxCapacity < 1 {
		return nil, ErrInvalidCapacity
	}
	if len(backing) < maxCapacity {
		return nil, errors.Wrapf(ErrInvalidCapacity, "backing array holds %d of %d required bytes", len(backing), maxCapacity)
	}
	return &Buffer{buf: backing, cap: maxCapacity}, nil
}

// Cap returns the maximum capacity of the buffer.
func (b *Buffer) Cap() int {
	return b.cap
}

// Used returns the number of unread bytes currently stored.
func (b *Buffer) Used() int {
	return b.used
}

// Remaining returns the number of bytes that can still be written.
func (b *Buffer) Remaining() int {
	return b.cap - b.used
}

// WriteFrom appends all of src to the buffer.
func (b *Buffer) WriteFrom(src []byte) error {
	n := len(src)
	if n == 0 {
		return nil
	}
	if n > b.Remaining() {
		return errors.Wrapf(ErrOverflow, "write of %d bytes with %d remaining", n, b.Remaining())
	}
	tail := (b.head + b.used) % b.cap
	first := min(n, b.cap-tail)
	copy(b.buf[tail:], src[:first])
	if first < n {
		copy(b.buf, src[first:])
	}
	b.used += n
	return nil
}

// ReadInto fills dst with the oldest len(dst) bytes, consuming them.
func (b *Buffer) ReadInto(dst []byte) error {
	n := len(dst)
	if n <= 0 {
		return ErrInvalidCount
	}
	if n > b.used {
		return errors.Wrapf(ErrUnderflow, "read of %d bytes with %d used", n, b.used)
	}
	first := min(n, b.cap-b.head)
	copy(dst, b.buf[b.head:b.head+first])
	if first < n {
		copy(dst[first:], b.buf[:n-first])
	}
	b.head = (b.head + n) % b.cap
	b.used -= n
	return nil
}

// Shift consumes and returns the oldest n bytes.
func (b *Buffer) Shift(n int) ([]byte, error) {
	if n <= 0 {
		return nil, ErrInvalidCount
	}
	out := make([]byte, n)
	if err := b.ReadInto(out); err != nil {
		return nil, err
	}
	return out, nil
}

// Unshift prepends src so that the next read returns it first. The read
// pointer is extended backwards with the same two-copy discipline as
// WriteFrom.
func (b *Buffer) Unshift(src []byte) error {
	n := len(src)
	if n == 0 {
		return nil
	}
	if n > b.Remaining() {
		return errors.Wrapf(ErrOverflow, "unshift of %d bytes with %d remaining", n, b.Remaining())
	}
	newHead := b.head - n
	if newHead < 0 {
		newHead += b.cap
	}
	first := min(n, b.cap-newHead)
	copy(b.buf[newHead:], src[:first])
	if first < n {
		copy(b.buf, src[first:])
	}
	b.head = newHead
	b.used += n
	return nil
}

// Bytes returns a linear snapshot of the unread bytes without consuming
// them.
func (b *Buffer) Bytes() []byte {
	out := make([]byte, b.used)
	first := min(b.used, b.cap-b.head)
	copy(out, b.buf[b.head:b.head+first])
	if first < b.used {
		copy(out[first:], b.buf[:b.used-first])
	}
	return out
}

// String implements fmt.Stringer over the unread bytes.
func (b *Buffer) String() string {
	return string(b.Bytes())
}

func min(a, b int) int {
	if a < b {
		return a
	}
	return b
}
