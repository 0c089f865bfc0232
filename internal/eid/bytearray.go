package eid

import "bytes"

// NotesSize is the capacity of the personal notes field in bytes.
const NotesSize = 1000

// ByteArray is an immutable byte sequence exchanged with the card.
type ByteArray struct {
	data []byte
}

// NewByteArray copies b into a new ByteArray.
func NewByteArray(b []byte) ByteArray {
	if len(b) == 0 {
		return ByteArray{}
	}
	data := make([]byte, len(b))
	copy(data, b)
	return ByteArray{data: data}
}

// NotesFromString builds a notes payload the way the card stores text: the
// string followed by a terminating NUL.
func NotesFromString(s string) ByteArray {
	data := make([]byte, len(s)+1)
	copy(data, s)
	return ByteArray{data: data}
}

// Len returns the number of bytes.
func (b ByteArray) Len() int {
	return len(b.data)
}

// Bytes returns a copy of the content.
func (b ByteArray) Bytes() []byte {
	if len(b.data) == 0 {
		return nil
	}
	out := make([]byte, len(b.data))
	copy(out, b.data)
	return out
}

// Equal reports whether both arrays hold the same bytes.
func (b ByteArray) Equal(other ByteArray) bool {
	return bytes.Equal(b.data, other.data)
}

// String renders the content up to the first NUL byte.
func (b ByteArray) String() string {
	if i := bytes.IndexByte(b.data, 0); i >= 0 {
		return string(b.data[:i])
	}
	return string(b.data)
}
