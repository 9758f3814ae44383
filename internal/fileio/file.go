// Package fileio provides the seek/read/write/sync/extend primitive surface
// the rest of gdbm-go is built on. It exists so an alternative backing
// (e.g. a memory-mapped overlay) can be swapped in later without touching
// any caller; every method here has identical semantics regardless of the
// underlying transport.
package fileio

import (
	"fmt"
	"io"
	"os"
)

// File is the single file-descriptor surface every other component uses to
// touch disk. It never buffers: every Write is a syscall, every Sync an
// fsync. Callers that need buffering (the bucket cache, the allocator) do it
// themselves, one bucket or one table at a time.
type File struct {
	f *os.File
}

// Open opens path with the given os flags and permission bits.
func Open(path string, flag int, perm os.FileMode) (*File, error) {
	f, err := os.OpenFile(path, flag, perm)
	if err != nil {
		return nil, fmt.Errorf("fileio: open %s: %w", path, err)
	}
	return &File{f: f}, nil
}

// Close releases the underlying descriptor. Safe to call once.
func (file *File) Close() error {
	if err := file.f.Close(); err != nil {
		return fmt.Errorf("fileio: close: %w", err)
	}
	return nil
}

// Seek repositions the file offset, same semantics as os.File.Seek.
func (file *File) Seek(offset int64, whence int) (int64, error) {
	off, err := file.f.Seek(offset, whence)
	if err != nil {
		return 0, fmt.Errorf("fileio: seek: %w", err)
	}
	return off, nil
}

// ReadAt reads len(buf) bytes starting at off. Short reads that are not EOF
// are retried; a genuine EOF before buf is full is reported as
// io.ErrUnexpectedEOF so callers can tell "file truncated" apart from
// "normal end of a scan".
func (file *File) ReadAt(buf []byte, off int64) error {
	n, err := file.f.ReadAt(buf, off)
	if err != nil && !(err == io.EOF && n == len(buf)) {
		if err == io.EOF {
			return io.ErrUnexpectedEOF
		}
		return fmt.Errorf("fileio: read at %d: %w", off, err)
	}
	return nil
}

// WriteAt writes all of buf at off, looping over short writes.
func (file *File) WriteAt(buf []byte, off int64) error {
	n, err := file.f.WriteAt(buf, off)
	if err != nil {
		return fmt.Errorf("fileio: write at %d: %w", off, err)
	}
	if n != len(buf) {
		return fmt.Errorf("fileio: short write at %d: wrote %d of %d bytes", off, n, len(buf))
	}
	return nil
}

// Sync forces the current content and metadata to stable storage.
func (file *File) Sync() error {
	if err := file.f.Sync(); err != nil {
		return fmt.Errorf("fileio: sync: %w", err)
	}
	return nil
}

// Size reports the current length of the file.
func (file *File) Size() (int64, error) {
	fi, err := file.f.Stat()
	if err != nil {
		return 0, fmt.Errorf("fileio: stat: %w", err)
	}
	return fi.Size(), nil
}

// Extend grows the file to at least target bytes, zero-filling the gap. It
// is a no-op if the file is already at least that large. This is the
// high-water-mark advance the header's next_block field records.
func (file *File) Extend(target int64) error {
	size, err := file.Size()
	if err != nil {
		return err
	}
	if size >= target {
		return nil
	}
	if err := file.f.Truncate(target); err != nil {
		return fmt.Errorf("fileio: extend to %d: %w", target, err)
	}
	return nil
}

// Raw exposes the underlying *os.File for operations that have no sensible
// cross-transport generalization (advisory locking, reflink clone). Callers
// outside this package should treat it as read-only metadata access, never
// as a second buffered channel into file content.
func (file *File) Raw() *os.File {
	return file.f
}
