// Package pmregion maps a backing file into the process address space and
// reports whether the mapping is durable, standing in for the source
// system's PMDK-backed PMRegion (see original_source/src/include/allocator.hpp,
// PIENVMAllocator's pmem_map_file call). Go has no portable PMDK binding, so
// this package memory-maps an ordinary file via golang.org/x/sys/unix,
// following the API shape mari.go's Types.go already declares (Map/Unmap,
// RDONLY/RDWR/COPY/EXEC/ANON) but whose implementation file the retrieval
// pack did not include.
package pmregion

import (
	"os"

	"golang.org/x/sys/unix"
)

// MMap is the byte-slice view of a memory-mapped file.
type MMap []byte

// Mapping mode flags, matching the contract declared alongside mari's
// node/meta offset layout in its Types.go.
const (
	RDONLY = 0
	RDWR   = 1 << iota
	COPY
	EXEC
)

// ANON requests an anonymous mapping not backed by any file. Reserved for
// future use; every pmregion.Open call in this engine maps a real file.
const ANON = 1 << iota

// Map memory-maps the given file starting at offset 0 for length bytes (or
// the file's current size when length is 0).
func Map(f *os.File, flag int, length int64) (MMap, error) {
	if length == 0 {
		info, err := f.Stat()
		if err != nil {
			return nil, err
		}
		length = info.Size()
	}

	if length == 0 {
		return MMap{}, nil
	}

	prot := unix.PROT_READ
	mmapFlag := unix.MAP_SHARED
	if flag&RDWR != 0 {
		prot |= unix.PROT_WRITE
	}
	if flag&COPY != 0 {
		prot |= unix.PROT_WRITE
		mmapFlag = unix.MAP_PRIVATE
	}
	if flag&EXEC != 0 {
		prot |= unix.PROT_EXEC
	}

	data, err := unix.Mmap(int(f.Fd()), 0, int(length), prot, mmapFlag)
	if err != nil {
		return nil, err
	}

	return MMap(data), nil
}

// Unmap releases the mapping.
func (m MMap) Unmap() error {
	if len(m) == 0 {
		return nil
	}
	return unix.Munmap(m)
}

// Flush requests a synchronous write-back of the entire mapping to its
// backing file.
func (m MMap) Flush() error {
	if len(m) == 0 {
		return nil
	}
	return unix.Msync(m, unix.MS_SYNC)
}

