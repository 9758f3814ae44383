package snapshot

import (
	"errors"
	"os"
)

// Outcome of latest_snapshot (spec.md §4.9 Recovery selection).
type Outcome int

const (
	OutcomeBad Outcome = iota
	OutcomeEven
	OutcomeOdd
	OutcomeSuspicious
	OutcomeSame
)

var (
	// ErrBad means neither snapshot is readable: a crash occurred inside
	// failure_atomic before either completed.
	ErrBad = errors.New("gdbm: snapshot: no recoverable snapshot (crash during setup)")
	// ErrSuspicious means the numsync gap between the two candidates
	// exceeds 1, which should never happen in a well-formed alternation.
	ErrSuspicious = errors.New("gdbm: snapshot: numsync gap between even and odd exceeds 1")
)

// Candidate describes one snapshot file's recoverability state, gathered by
// the caller (the root package, which knows how to parse a header).
type Candidate struct {
	Readable   bool // permission bits read as 0400 ("recoverable")
	Numsync    uint32
	HasNumsync bool // false if this file isn't a numsync-variant header
}

// Readability reports the permission-bit state for path: true if 0400
// ("recoverable"), false if 0200 ("being written" or obsolete), and an
// error for anything else (spec.md §4.9: "any other: invalid; rejects
// recovery").
func Readability(path string) (bool, error) {
	fi, err := os.Stat(path)
	if err != nil {
		return false, err
	}
	perm := fi.Mode().Perm()
	switch perm {
	case permRecoverable:
		return true, nil
	case permWriting:
		return false, nil
	default:
		return false, errInvalidPermissions
	}
}

var errInvalidPermissions = errors.New("gdbm: snapshot: unexpected permission bits")

// Select implements latest_snapshot(even, odd) -> selected (spec.md §4.9
// table). even.Numsync/odd.Numsync are compared only if both HasNumsync;
// evenMTime/oddMTime are the mtimes for the tie-break path.
func Select(even, odd Candidate, evenMTime, oddMTime int64) (Outcome, error) {
	switch {
	case !even.Readable && !odd.Readable:
		return OutcomeBad, ErrBad
	case even.Readable && !odd.Readable:
		return OutcomeEven, nil
	case !even.Readable && odd.Readable:
		return OutcomeOdd, nil
	}

	// Both readable.
	if even.HasNumsync && odd.HasNumsync {
		gap := wrappingDiff(even.Numsync, odd.Numsync)
		switch {
		case gap == 0:
			break // tied; fall through to mtime
		case gap == 1:
			return OutcomeEven, nil
		case gap == -1:
			return OutcomeOdd, nil
		default:
			return OutcomeSuspicious, ErrSuspicious
		}
	}

	switch {
	case evenMTime > oddMTime:
		return OutcomeEven, nil
	case oddMTime > evenMTime:
		return OutcomeOdd, nil
	default:
		return OutcomeSame, nil
	}
}

// wrappingDiff returns a small signed difference a-b accounting for uint32
// wraparound (spec.md §4.9: "(UINT_MAX, 0) reads as odd is newer by 1").
// It only distinguishes -1, 0, 1, and "too far apart" (returned as 2).
func wrappingDiff(a, b uint32) int {
	if a == b {
		return 0
	}
	if a == b+1 {
		return 1
	}
	if b == a+1 {
		return -1
	}
	// wraparound: a is 0 and b is max, or vice versa
	if a == 0 && b == ^uint32(0) {
		return 1
	}
	if b == 0 && a == ^uint32(0) {
		return -1
	}
	return 2
}
