package gdbm

import (
	"fmt"

	"golang.org/x/sys/unix"
)

// lockMethod records which of the three advisory mechanisms a handle's lock
// was acquired with, so Close releases it the matching way (spec.md §5).
type lockMethod int

const (
	lockNone lockMethod = iota
	lockFlock
	lockLockf
	lockFcntl
)

// fileLock is the boundary-contract advisory lock taken at Open: exclusive
// for writer handles, shared for readers. Three mechanisms are tried in
// order; the first to succeed wins and is recorded for unlock symmetry.
type fileLock struct {
	fd     int
	method lockMethod
}

// acquireLock tries flock, then POSIX lockf (here: fcntl-based record lock
// over the whole file, since Go's stdlib has no direct lockf syscall
// wrapper), then a plain fcntl range lock, in that order, non-blocking
// (spec.md §5: "Lock conflict is reported immediately; it is not retried").
func acquireLock(fd int, exclusive bool) (*fileLock, error) {
	err := tryFlock(fd, exclusive)
	if err == nil {
		return &fileLock{fd: fd, method: lockFlock}, nil
	}
	if err == unix.EWOULDBLOCK {
		return nil, fmt.Errorf("gdbm: lock: %w", err)
	}

	err = tryLockf(fd, exclusive)
	if err == nil {
		return &fileLock{fd: fd, method: lockLockf}, nil
	}
	if err == unix.EAGAIN || err == unix.EACCES {
		return nil, fmt.Errorf("gdbm: lock: %w", err)
	}

	if err := tryFcntl(fd, exclusive); err == nil {
		return &fileLock{fd: fd, method: lockFcntl}, nil
	}

	return nil, fmt.Errorf("gdbm: lock: all of flock/lockf/fcntl failed")
}

func tryFlock(fd int, exclusive bool) error {
	how := unix.LOCK_SH | unix.LOCK_NB
	if exclusive {
		how = unix.LOCK_EX | unix.LOCK_NB
	}
	return unix.Flock(fd, how)
}

func tryLockf(fd int, exclusive bool) error {
	typ := int16(unix.F_RDLCK)
	if exclusive {
		typ = int16(unix.F_WRLCK)
	}
	lk := unix.Flock_t{Type: typ, Whence: 0, Start: 0, Len: 0}
	return unix.FcntlFlock(uintptr(fd), unix.F_SETLK, &lk)
}

func tryFcntl(fd int, exclusive bool) error {
	typ := int16(unix.F_RDLCK)
	if exclusive {
		typ = int16(unix.F_WRLCK)
	}
	lk := unix.Flock_t{Type: typ, Whence: 0, Start: 0, Len: 1}
	return unix.FcntlFlock(uintptr(fd), unix.F_SETLK, &lk)
}

// release undoes whichever mechanism acquireLock used.
func (l *fileLock) release() error {
	switch l.method {
	case lockFlock:
		return unix.Flock(l.fd, unix.LOCK_UN)
	case lockLockf, lockFcntl:
		lk := unix.Flock_t{Type: unix.F_UNLCK, Whence: 0, Start: 0, Len: 0}
		return unix.FcntlFlock(uintptr(l.fd), unix.F_SETLK, &lk)
	default:
		return nil
	}
}
