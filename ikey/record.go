package ikey

import (
	"encoding/binary"

	"github.com/sirgallo/pmkv/alloc"
	"github.com/sirgallo/pmkv/persist"
)

// ValueSize is the width of the trailing value slot every Persist record
// reserves immediately after the key bytes.
const ValueSize = 8

// Persist allocates a persistent [key bytes][8-byte value] record through a,
// flushes the written range through backend, and returns a Key borrowing
// the key portion of that buffer. The buffer's capacity extends past the
// Key's own length to cover the value slot; RecordBytes/RecordValue/
// PutRecordValue recover it. Only Keys returned by Persist may be passed to
// those three functions.
func Persist(a alloc.Allocator, backend persist.Backend, key []byte, value uintptr) (*Key, error) {
	buf, err := a.Allocate(len(key) + ValueSize)
	if err != nil {
		return nil, err
	}

	copy(buf, key)
	binary.LittleEndian.PutUint64(buf[len(key):], uint64(value))

	if err := backend.FlushRange(buf, 0, uint64(len(buf))); err != nil {
		return nil, err
	}
	backend.FenceStore()

	k := Borrow(buf[:len(key)])
	return &k, nil
}

// RecordBytes returns the full [key][value] buffer backing a Key returned
// by Persist, recovered via the key slice's hidden capacity. It is used to
// re-home a record with persist.Backend.StreamStore (CLHT's resize) without
// re-deriving the value from the index's own atomic fields.
func RecordBytes(k *Key) []byte {
	b := k.Bytes()
	return b[:len(b)+ValueSize]
}

// RecordValue reads the trailing value slot of a Key returned by Persist.
func RecordValue(k *Key) uintptr {
	full := RecordBytes(k)
	return uintptr(binary.LittleEndian.Uint64(full[len(full)-ValueSize:]))
}

// Migrate copies a Persist-produced record into a freshly allocated PM
// buffer via backend.StreamStore and returns a Key over the new buffer.
// CLHT resize uses this to re-home a live record into the next table
// generation through a streaming-store publish rather than reusing the
// old generation's backing bytes in place.
func Migrate(a alloc.Allocator, backend persist.Backend, k *Key) (*Key, error) {
	src := RecordBytes(k)
	dst, err := a.Allocate(len(src))
	if err != nil {
		return nil, err
	}

	backend.StreamStore(dst, src)
	if err := backend.FlushRange(dst, 0, uint64(len(dst))); err != nil {
		return nil, err
	}
	backend.FenceStore()

	nk := Borrow(dst[:k.Len()])
	return &nk, nil
}

// PutRecordValue overwrites the trailing value slot of a Key returned by
// Persist and flushes the write through backend, republishing an updated
// value without reallocating or touching the key bytes.
func PutRecordValue(backend persist.Backend, k *Key, value uintptr) error {
	full := RecordBytes(k)
	binary.LittleEndian.PutUint64(full[len(full)-ValueSize:], uint64(value))
	if err := backend.FlushRange(full, 0, uint64(len(full))); err != nil {
		return err
	}
	backend.FenceStore()
	return nil
}
