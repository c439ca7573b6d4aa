// Package persist provides the hardware-level persistence primitives that
// every index builds on: cache-line flush, store-fence, and non-temporal
// copy. The source system (see original_source/util/persist.h) expresses
// these with inline asm (clflushopt/clwb/sfence) and SSE2 streaming stores;
// Go has no portable equivalent, so this package re-expresses the same
// contract against an mmap-backed region with msync, and ships an in-memory
// stub for tests that never touch a file.
package persist

import (
	"unsafe"

	"golang.org/x/sys/unix"
)

// CacheLineSize is the granularity every flush operates on.
const CacheLineSize = 64

// Backend is the abstract persistence backend every index is built against.
// FlushRange must make [start, end) within region durable before it returns.
// FenceStore totally orders prior stores before subsequent ones. StreamStore
// copies src into dst bypassing any caching the backend would otherwise do,
// mirroring the source's non-temporal-store optimization for CLHT resize.
type Backend interface {
	FlushRange(region []byte, start, end uint64) error
	FenceStore()
	StreamStore(dst, src []byte)
}

// MMapBackend flushes via msync against a memory-mapped file. It is the
// backend pmregion.Region hands to every index in production use.
type MMapBackend struct{}

// NewMMapBackend constructs the production persistence backend.
func NewMMapBackend() *MMapBackend { return &MMapBackend{} }

// FlushRange normalizes [start, end) to whole pages containing the range and
// requests a synchronous write-back via msync, matching mari's
// flushRegionToDisk (Mari's IOUtils.go), generalized from "flush to disk" to
// the page-granular msync the kernel actually offers in lieu of clflushopt.
func (b *MMapBackend) FlushRange(region []byte, start, end uint64) error {
	if len(region) == 0 || start >= end {
		return nil
	}

	if end > uint64(len(region)) {
		end = uint64(len(region))
	}
	if start >= end {
		return nil
	}

	// region is usually a small slice inside the mapping, so the page
	// alignment msync needs is taken from the address, not the offset.
	pageSize := uintptr(unix.Getpagesize())
	addr := uintptr(unsafe.Pointer(&region[start]))
	pageStart := addr &^ (pageSize - 1)
	length := addr - pageStart + uintptr(end-start)

	if _, _, errno := unix.Syscall(unix.SYS_MSYNC, pageStart, length, unix.MS_SYNC); errno != 0 {
		return errno
	}
	return nil
}

// FenceStore orders prior stores ahead of subsequent ones. Go provides no
// standalone fence instruction; an atomic RMW on a process-local word carries
// the same full-barrier semantics on every architecture Go supports, so this
// is the honest translation of asm_sfence() rather than a no-op stand-in.
func (b *MMapBackend) FenceStore() {
	fenceWord.Add(1)
}

// StreamStore copies src into dst. Go cannot bypass the cache hierarchy the
// way _mm_stream_si128 does; this copy exists so call sites that model a
// non-temporal store (CLHT resize) read the same regardless of backend, and
// is immediately followed by the caller's own FlushRange/FenceStore pair.
func (b *MMapBackend) StreamStore(dst, src []byte) {
	copy(dst, src)
}

// MemoryBackend is a no-op persistence backend for unit tests that operate
// on plain heap slices with no backing file at all.
type MemoryBackend struct{}

// NewMemoryBackend constructs the in-memory test backend.
func NewMemoryBackend() *MemoryBackend { return &MemoryBackend{} }

func (b *MemoryBackend) FlushRange(region []byte, start, end uint64) error { return nil }
func (b *MemoryBackend) FenceStore()                                      { fenceWord.Add(1) }
func (b *MemoryBackend) StreamStore(dst, src []byte)                      { copy(dst, src) }
