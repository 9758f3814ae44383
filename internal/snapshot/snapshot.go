// Package snapshot implements the dual-snapshot reflink crash-tolerance
// protocol (spec.md §4.9): alternating "even/odd" snapshot files whose
// permission bits double as a tiny state machine, plus the recovery
// selection rule that picks the most recently completed one.
package snapshot

import (
	"fmt"
	"os"

	"golang.org/x/sys/unix"
)

// Permission states a snapshot file cycles through. Anything else observed
// on disk is treated as invalid for recovery purposes.
const (
	permWriting    os.FileMode = 0o200 // "do not recover from this file"
	permRecoverable os.FileMode = 0o400 // "contains a completed snapshot"
)

// Pair owns the two alternating snapshot files and the parity of the next
// one to be written.
type Pair struct {
	evenPath, oddPath string
	evenFile, oddFile *os.File
	next              int // 0 = even, 1 = odd
	disabled          bool
}

// Setup implements failure_atomic(even, odd): both paths must be distinct
// and absent; each is created O_WRONLY|O_CREAT|O_EXCL with mode 0200, every
// path component up to root is fsynced for directory-entry durability, and
// an initial snapshot is taken immediately.
func Setup(evenPath, oddPath string, mainFD int) (*Pair, error) {
	if evenPath == oddPath {
		return nil, fmt.Errorf("gdbm: snapshot: even and odd paths must differ")
	}

	ef, err := createExclusive(evenPath)
	if err != nil {
		return nil, err
	}
	of, err := createExclusive(oddPath)
	if err != nil {
		ef.Close()
		os.Remove(evenPath)
		return nil, err
	}

	if err := syncPathComponents(evenPath); err != nil {
		return nil, err
	}
	if err := syncPathComponents(oddPath); err != nil {
		return nil, err
	}

	p := &Pair{evenPath: evenPath, oddPath: oddPath, evenFile: ef, oddFile: of, next: 0}
	if err := p.Sync(mainFD); err != nil {
		return nil, err
	}
	return p, nil
}

func createExclusive(path string) (*os.File, error) {
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREAT|os.O_EXCL, permWriting)
	if err != nil {
		return nil, fmt.Errorf("gdbm: snapshot: create %s: %w", path, err)
	}
	return f, nil
}

// syncPathComponents fsyncs every directory from path up to root, so the
// directory entries themselves survive a crash (spec.md §4.9 Setup).
func syncPathComponents(path string) error {
	abs, err := filepathAbs(path)
	if err != nil {
		return err
	}
	dir := abs
	for {
		parent := parentOf(dir)
		if err := fsyncDir(parent); err != nil {
			return err
		}
		if parent == "/" || parent == dir {
			break
		}
		dir = parent
	}
	return nil
}

func fsyncDir(dir string) error {
	d, err := os.Open(dir)
	if err != nil {
		// A directory component may be unreadable to us without being
		// unwritable; best effort only, matching the boundary-contract
		// nature of this durability step.
		return nil
	}
	defer d.Close()
	return d.Sync()
}

// Disabled reports whether the reflink primitive turned out to be
// unsupported on this filesystem, per spec.md §4.9 ("invalid-argument →
// disable the subsystem for this handle").
func (p *Pair) Disabled() bool { return p.disabled }

// Sync performs one iteration of snapshot creation against the alternating
// target (spec.md §4.9 "Snapshot creation"):
//  1. chmod target to 0200 ("being written"), fsync.
//  2. reflink-clone mainFD into target.
//  3. fsync target.
//  4. chmod target to 0400 ("commit"), fsync.
//  5. chmod the other file to 0200 ("obsolete"), fsync.
//  6. flip parity.
func (p *Pair) Sync(mainFD int) error {
	if p.disabled {
		return nil
	}

	target, other := p.evenFile, p.oddFile
	if p.next == 1 {
		target, other = p.oddFile, p.evenFile
	}

	if err := target.Chmod(permWriting); err != nil {
		return fmt.Errorf("gdbm: snapshot: chmod writing: %w", err)
	}
	if err := target.Sync(); err != nil {
		return fmt.Errorf("gdbm: snapshot: fsync after chmod: %w", err)
	}

	if err := reflink(int(target.Fd()), mainFD); err != nil {
		if err == unix.EINVAL || err == unix.EOPNOTSUPP {
			p.disabled = true
			return nil
		}
		return fmt.Errorf("gdbm: snapshot: reflink: %w", err)
	}

	if err := target.Sync(); err != nil {
		return fmt.Errorf("gdbm: snapshot: fsync after clone: %w", err)
	}

	if err := target.Chmod(permRecoverable); err != nil {
		return fmt.Errorf("gdbm: snapshot: chmod recoverable: %w", err)
	}
	if err := target.Sync(); err != nil {
		return fmt.Errorf("gdbm: snapshot: fsync after commit: %w", err)
	}

	if err := other.Chmod(permWriting); err != nil {
		return fmt.Errorf("gdbm: snapshot: chmod obsolete: %w", err)
	}
	if err := other.Sync(); err != nil {
		return fmt.Errorf("gdbm: snapshot: fsync after obsolete: %w", err)
	}

	p.next = 1 - p.next
	return nil
}

// reflink performs a whole-file FICLONE copy-on-write clone of src into dst.
func reflink(dstFD, srcFD int) error {
	return unix.IoctlFileClone(dstFD, srcFD)
}

// Close releases both snapshot file descriptors.
func (p *Pair) Close() error {
	err1 := p.evenFile.Close()
	err2 := p.oddFile.Close()
	if err1 != nil {
		return err1
	}
	return err2
}
