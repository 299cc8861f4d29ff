package codec

import (
	"bytes"
	"errors"
	"testing"
)

func TestWriterReaderMixedFields(t *testing.T) {
	w := NewWriter(32)
	w.Byte(7)
	w.Bool(true)
	w.Int32(-42)
	w.Uint32(16777215)
	w.String("lobby")
	w.Blob([]byte{1, 2, 3})
	w.Int64(1 << 40)

	r := NewReader(w.Bytes())
	if got := r.Byte(); got != 7 {
		t.Fatalf("byte: got %d", got)
	}
	if !r.Bool() {
		t.Fatalf("bool: expected true")
	}
	if got := r.Int32(); got != -42 {
		t.Fatalf("int32: got %d", got)
	}
	if got := r.Uint32(); got != 16777215 {
		t.Fatalf("uint32: got %d", got)
	}
	if got := r.String(); got != "lobby" {
		t.Fatalf("string: got %q", got)
	}
	if got := r.Blob(); !bytes.Equal(got, []byte{1, 2, 3}) {
		t.Fatalf("blob: got %v", got)
	}
	if got := r.Int64(); got != 1<<40 {
		t.Fatalf("int64: got %d", got)
	}
	if r.Err() != nil || r.Remaining() != 0 {
		t.Fatalf("unexpected state: err=%v remaining=%d", r.Err(), r.Remaining())
	}
}

func TestReaderErrorIsSticky(t *testing.T) {
	r := NewReader([]byte{1, 2})
	_ = r.Uint32()
	if !errors.Is(r.Err(), ErrShortBuffer) {
		t.Fatalf("expected ErrShortBuffer, got %v", r.Err())
	}
	if got := r.Byte(); got != 0 {
		t.Fatalf("expected zero value after error, got %d", got)
	}
}

func TestReaderRejectsOversizedLength(t *testing.T) {
	w := NewWriter(8)
	w.Uvarint(MaxFieldSize + 1)
	r := NewReader(w.Bytes())
	if b := r.Blob(); b != nil {
		t.Fatalf("expected nil blob, got %d bytes", len(b))
	}
	if !errors.Is(r.Err(), ErrFieldTooLarge) {
		t.Fatalf("expected ErrFieldTooLarge, got %v", r.Err())
	}
}
