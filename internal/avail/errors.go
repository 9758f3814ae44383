package avail

import "errors"

// ErrBadAvail signals a structurally invalid available table: out-of-range
// extent, unsorted table with repair disabled, or (during traversal) a cycle
// in the overflow chain.
var ErrBadAvail = errors.New("avail: bad available block")
