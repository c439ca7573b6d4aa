// Package ikey implements the length-prefixed persistent key reference used
// by every index: [u32 length][length bytes of content]. A Key either owns
// its content buffer or borrows another key's bytes for a transient,
// allocation-free comparison view.
package ikey

import "bytes"

// Key is a length-prefixed byte-string reference. The zero Key is the empty
// key (length 0, nil content) and compares less than every non-empty key.
type Key struct {
	length  uint32
	content []byte
	borrowed bool
}

// New copies buf into a new key-owned buffer. The caller's buf may be reused
// or mutated after New returns.
func New(buf []byte) Key {
	if len(buf) == 0 {
		return Key{}
	}

	owned := make([]byte, len(buf))
	copy(owned, buf)
	return Key{length: uint32(len(owned)), content: owned}
}

// Borrow creates a transient view over buf without copying. The returned Key
// is only valid as long as buf is not mutated or collected; it exists to let
// a probe or comparison avoid allocation in the hot path.
func Borrow(buf []byte) Key {
	if len(buf) == 0 {
		return Key{}
	}

	return Key{length: uint32(len(buf)), content: buf, borrowed: true}
}

// Len returns the number of content bytes.
func (k Key) Len() int { return int(k.length) }

// Bytes returns the content bytes. The returned slice must not be mutated by
// the caller if the Key is borrowed.
func (k Key) Bytes() []byte { return k.content }

// IsBorrowed reports whether this Key's storage is borrowed from elsewhere.
func (k Key) IsBorrowed() bool { return k.borrowed }

// Own returns a Key that owns its content, copying if this Key currently
// borrows.
func (k Key) Own() Key {
	if !k.borrowed {
		return k
	}
	return New(k.content)
}

// ByteAt returns the byte at position i, used by radix/hash indexes that
// dispatch on one key byte per level. Callers must ensure i < Len().
func (k Key) ByteAt(i int) byte { return k.content[i] }

// Compare performs byte-wise lexicographic order: if one key is a prefix
// of the other, the shorter sorts first. It takes raw byte slices for the
// same reason Equal does: callers compare a stored Key's Bytes() against a
// caller-supplied probe key.
func Compare(a, b []byte) int {
	return bytes.Compare(a, b)
}

// Equal reports whether a and b hold identical content. It takes raw byte
// slices rather than Keys so call sites can compare a stored Key's Bytes()
// against a caller-supplied probe key without constructing a Key first.
func Equal(a, b []byte) bool {
	return bytes.Equal(a, b)
}

// Empty reports whether the key carries no content.
func (k Key) Empty() bool { return k.length == 0 }

// Serialize returns the canonical [u32 length][content] in-memory layout.
func (k Key) Serialize() []byte {
	out := make([]byte, 4+k.length)
	out[0] = byte(k.length)
	out[1] = byte(k.length >> 8)
	out[2] = byte(k.length >> 16)
	out[3] = byte(k.length >> 24)
	copy(out[4:], k.content)
	return out
}

// Deserialize reads the canonical layout back into an owned Key, returning
// the number of bytes consumed.
func Deserialize(buf []byte) (Key, int) {
	if len(buf) < 4 {
		return Key{}, 0
	}

	length := uint32(buf[0]) | uint32(buf[1])<<8 | uint32(buf[2])<<16 | uint32(buf[3])<<24
	end := 4 + int(length)
	if end > len(buf) {
		return Key{}, 0
	}

	return New(buf[4:end]), end
}
