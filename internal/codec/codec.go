package codec

import (
	"encoding/binary"
	"errors"
	"math"
)

// MaxFieldSize bounds any length-prefixed field a Reader will accept.
const MaxFieldSize = 16 << 20

var (
	// ErrShortBuffer is returned when a read runs past the end of the input.
	ErrShortBuffer = errors.New("codec: short buffer")
	// ErrFieldTooLarge is returned when a length prefix exceeds MaxFieldSize.
	ErrFieldTooLarge = errors.New("codec: field too large")
)

// Writer appends little-endian encoded values to a growing buffer.
type Writer struct {
	buf []byte
}

// NewWriter returns a writer with the given initial capacity.
func NewWriter(capacity int) *Writer {
	return &Writer{buf: make([]byte, 0, capacity)}
}

// Bytes returns the encoded buffer. The slice aliases the writer.
func (w *Writer) Bytes() []byte { return w.buf }

// Len returns the number of bytes written so far.
func (w *Writer) Len() int { return len(w.buf) }

func (w *Writer) Byte(v byte) { w.buf = append(w.buf, v) }

func (w *Writer) Bool(v bool) {
	if v {
		w.buf = append(w.buf, 1)
		return
	}
	w.buf = append(w.buf, 0)
}

func (w *Writer) Uint16(v uint16) { w.buf = binary.LittleEndian.AppendUint16(w.buf, v) }
func (w *Writer) Uint32(v uint32) { w.buf = binary.LittleEndian.AppendUint32(w.buf, v) }
func (w *Writer) Uint64(v uint64) { w.buf = binary.LittleEndian.AppendUint64(w.buf, v) }
func (w *Writer) Int32(v int32)   { w.Uint32(uint32(v)) }
func (w *Writer) Int64(v int64)   { w.Uint64(uint64(v)) }
func (w *Writer) Float64(v float64) {
	w.Uint64(math.Float64bits(v))
}

// Uvarint writes a variable-length unsigned integer.
func (w *Writer) Uvarint(v uint64) { w.buf = binary.AppendUvarint(w.buf, v) }

// Blob writes a length-prefixed byte slice.
func (w *Writer) Blob(v []byte) {
	w.Uvarint(uint64(len(v)))
	w.buf = append(w.buf, v...)
}

// String writes a length-prefixed string.
func (w *Writer) String(v string) {
	w.Uvarint(uint64(len(v)))
	w.buf = append(w.buf, v...)
}

// Raw appends bytes without a length prefix.
func (w *Writer) Raw(v []byte) { w.buf = append(w.buf, v...) }

// Reader decodes values written by Writer. The first error is sticky: once a
// read fails every following read returns the zero value and Err reports it.
type Reader struct {
	buf []byte
	off int
	err error
}

// NewReader wraps data for decoding.
func NewReader(data []byte) *Reader {
	return &Reader{buf: data}
}

// Err returns the first decoding error.
func (r *Reader) Err() error { return r.err }

// Remaining returns the number of unread bytes.
func (r *Reader) Remaining() int { return len(r.buf) - r.off }

func (r *Reader) take(n int) []byte {
	if r.err != nil {
		return nil
	}
	if n < 0 || r.off+n > len(r.buf) {
		r.err = ErrShortBuffer
		return nil
	}
	b := r.buf[r.off : r.off+n]
	r.off += n
	return b
}

func (r *Reader) Byte() byte {
	b := r.take(1)
	if b == nil {
		return 0
	}
	return b[0]
}

func (r *Reader) Bool() bool { return r.Byte() != 0 }

func (r *Reader) Uint16() uint16 {
	b := r.take(2)
	if b == nil {
		return 0
	}
	return binary.LittleEndian.Uint16(b)
}

func (r *Reader) Uint32() uint32 {
	b := r.take(4)
	if b == nil {
		return 0
	}
	return binary.LittleEndian.Uint32(b)
}

func (r *Reader) Uint64() uint64 {
	b := r.take(8)
	if b == nil {
		return 0
	}
	return binary.LittleEndian.Uint64(b)
}

func (r *Reader) Int32() int32     { return int32(r.Uint32()) }
func (r *Reader) Int64() int64     { return int64(r.Uint64()) }
func (r *Reader) Float64() float64 { return math.Float64frombits(r.Uint64()) }

func (r *Reader) Uvarint() uint64 {
	if r.err != nil {
		return 0
	}
	v, n := binary.Uvarint(r.buf[r.off:])
	if n <= 0 {
		r.err = ErrShortBuffer
		return 0
	}
	r.off += n
	return v
}

func (r *Reader) length() int {
	n := r.Uvarint()
	if r.err != nil {
		return 0
	}
	if n > MaxFieldSize {
		r.err = ErrFieldTooLarge
		return 0
	}
	return int(n)
}

// Blob reads a length-prefixed byte slice. The result is a copy.
func (r *Reader) Blob() []byte {
	n := r.length()
	b := r.take(n)
	if b == nil {
		return nil
	}
	out := make([]byte, n)
	copy(out, b)
	return out
}

func (r *Reader) String() string {
	n := r.length()
	b := r.take(n)
	if b == nil {
		return ""
	}
	return string(b)
}

// Rest returns a copy of all unread bytes and consumes them.
func (r *Reader) Rest() []byte {
	b := r.take(r.Remaining())
	if b == nil {
		return nil
	}
	out := make([]byte, len(b))
	copy(out, b)
	return out
}
