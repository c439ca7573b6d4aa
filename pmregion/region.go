package pmregion

import (
	"fmt"
	"os"

	"go.uber.org/zap"
	"golang.org/x/sys/unix"
)

// magicTmpfs is statfs(2)'s f_type value for tmpfs, the one common Linux
// filesystem whose backing store is volatile RAM rather than a real block
// device. A PM region built on tmpfs would silently lose "durability" on
// reboot, so Open rejects it the way the source rejects a pmem_map_file call
// whose is_pmem output comes back false.
const magicTmpfs = 0x01021994

// Region maps a backing file at a fixed path into the process address
// space. It reports whether the mapping is persistence-capable and exposes
// the mapping's base and length.
type Region struct {
	path string
	file *os.File
	data MMap

	persistent bool
	log        *zap.SugaredLogger
}

// Options configures Region construction.
type Options struct {
	// Path is the backing file path.
	Path string
	// Size is the file size to ensure/truncate to when creating a new file.
	Size int64
	// Logger receives lifecycle diagnostics; nil is replaced with a no-op logger.
	Logger *zap.SugaredLogger
	// AllowVolatile permits mapping a file on a non-durable filesystem
	// (tmpfs) instead of failing hard. Intended for tests only.
	AllowVolatile bool
}

// Open creates or reopens the backing file at opts.Path, maps it, and
// verifies the mapping is persistence-capable. If the underlying mapping is
// not persistent-memory-capable, Open fails with a recoverable error
// rather than aborting the process, so embedding applications can choose
// their own abort policy.
func Open(opts Options) (*Region, error) {
	log := opts.Logger
	if log == nil {
		log = zap.NewNop().Sugar()
	}

	f, err := os.OpenFile(opts.Path, os.O_RDWR|os.O_CREATE, 0600)
	if err != nil {
		return nil, classifyOpenError(err, opts.Path)
	}

	info, statErr := f.Stat()
	if statErr != nil {
		f.Close()
		return nil, fmt.Errorf("pmregion: stat %s: %w", opts.Path, statErr)
	}

	if info.Size() == 0 {
		size := opts.Size
		if size == 0 {
			size = defaultRegionSize
		}
		if err := f.Truncate(size); err != nil {
			f.Close()
			return nil, fmt.Errorf("pmregion: truncate %s to %d bytes: %w", opts.Path, size, err)
		}
	}

	persistent, err := isDurableFilesystem(f)
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("pmregion: statfs %s: %w", opts.Path, err)
	}

	if !persistent && !opts.AllowVolatile {
		f.Close()
		return nil, fmt.Errorf("pmregion: %s is not backed by a durable filesystem (tmpfs detected)", opts.Path)
	}

	data, err := Map(f, RDWR, 0)
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("pmregion: mmap %s: %w", opts.Path, err)
	}

	log.Infow("pmregion opened", "path", opts.Path, "size", len(data), "persistent", persistent)

	return &Region{path: opts.Path, file: f, data: data, persistent: persistent, log: log}, nil
}

// defaultRegionSize matchesdefault pmem_file_size of 2 GiB.
const defaultRegionSize = 2 << 30

// Data returns the mapping's current byte slice. Callers must not retain it
// across a Resize, which replaces the backing slice.
func (r *Region) Data() MMap { return r.data }

// Len reports the mapping's current length in bytes.
func (r *Region) Len() int { return len(r.data) }

// Persistent reports whether the mapping is on a durable filesystem.
func (r *Region) Persistent() bool { return r.persistent }

// Path returns the backing file path.
func (r *Region) Path() string { return r.path }

// Resize grows the backing file to newSize and remaps it. Callers holding
// pointers derived from the old Data() must discard them; this mirrors the
// teacher's resizeMmap (IOUtils.go), generalized from doubling-until-1GB to
// an explicit caller-chosen size since allocators here drive resize policy.
func (r *Region) Resize(newSize int64) error {
	if err := r.data.Flush(); err != nil {
		return fmt.Errorf("pmregion: flush before resize: %w", err)
	}
	if err := r.data.Unmap(); err != nil {
		return fmt.Errorf("pmregion: unmap before resize: %w", err)
	}

	if err := r.file.Truncate(newSize); err != nil {
		return fmt.Errorf("pmregion: truncate %s to %d bytes: %w", r.path, newSize, err)
	}

	data, err := Map(r.file, RDWR, 0)
	if err != nil {
		return fmt.Errorf("pmregion: remap %s: %w", r.path, err)
	}

	r.data = data
	r.log.Infow("pmregion resized", "path", r.path, "size", newSize)
	return nil
}

// Close flushes and unmaps the region and closes the backing file.
func (r *Region) Close() error {
	if err := r.data.Flush(); err != nil {
		return fmt.Errorf("pmregion: flush on close: %w", err)
	}
	if err := r.data.Unmap(); err != nil {
		return fmt.Errorf("pmregion: unmap on close: %w", err)
	}
	if err := r.file.Close(); err != nil {
		return fmt.Errorf("pmregion: close %s: %w", r.path, err)
	}
	return nil
}

func isDurableFilesystem(f *os.File) (bool, error) {
	var stat unix.Statfs_t
	if err := unix.Fstatfs(int(f.Fd()), &stat); err != nil {
		return false, err
	}
	return int64(stat.Type) != magicTmpfs, nil
}

// classifyOpenError triages file-open failures into actionable context,
// generalizing iamNilotpal/ignite's pkg/errors.ClassifyFileOpenError
// (permission / disk-full / read-only-filesystem / generic I/O) to this
// engine's region-open path.
func classifyOpenError(err error, path string) error {
	if os.IsPermission(err) {
		return fmt.Errorf("pmregion: permission denied opening %s: %w", path, err)
	}

	if pathErr, ok := err.(*os.PathError); ok {
		if errno, ok := pathErr.Err.(unix.Errno); ok {
			switch errno {
			case unix.ENOSPC:
				return fmt.Errorf("pmregion: no space left to create %s: %w", path, err)
			case unix.EROFS:
				return fmt.Errorf("pmregion: %s is on a read-only filesystem: %w", path, err)
			}
		}
	}

	return fmt.Errorf("pmregion: open %s: %w", path, err)
}
