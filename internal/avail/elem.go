// Package avail implements gdbm-go's three-tier free-space allocator: a
// per-bucket local pool, a master table embedded in the header, and a stack
// of overflow blocks chained through the file when the master table fills.
package avail

import "sort"

// Elem is one free extent: Size bytes available at file offset Addr.
type Elem struct {
	Size int32
	Addr int64
}

const elemByteSize = 4 + 8

// Table is a size-sorted (ascending) collection of free extents, shared in
// shape by the header's embedded master table, every bucket's local pool,
// and every overflow block — all three are "N elements, sorted by size".
type Table struct {
	Capacity int32 // max entries this table can hold
	Elems    []Elem
}

// NewTable allocates an empty table with the given capacity.
func NewTable(capacity int32) *Table {
	return &Table{Capacity: capacity, Elems: make([]Elem, 0, capacity)}
}

// Count is the number of live entries.
func (t *Table) Count() int32 { return int32(len(t.Elems)) }

// Full reports whether the table has no room for another entry.
func (t *Table) Full() bool { return t.Count() >= t.Capacity }

// Sorted reports whether Elems is sorted ascending by Size, the invariant
// required by spec.md §3 invariant 4.
func (t *Table) Sorted() bool {
	return sort.SliceIsSorted(t.Elems, func(i, j int) bool { return t.Elems[i].Size < t.Elems[j].Size })
}

// Repair sorts Elems in place. Used on open to fix tables written by older,
// buggy versions (spec.md §4.2 "Ordering restoration").
func (t *Table) Repair() {
	sort.Slice(t.Elems, func(i, j int) bool { return t.Elems[i].Size < t.Elems[j].Size })
}

// Insert adds e, keeping Elems sorted ascending by Size. Returns false if
// the table has no room (the caller is responsible for evicting to an
// overflow block first).
func (t *Table) Insert(e Elem) bool {
	if t.Full() {
		return false
	}
	i := sort.Search(len(t.Elems), func(i int) bool { return t.Elems[i].Size >= e.Size })
	t.Elems = append(t.Elems, Elem{})
	copy(t.Elems[i+1:], t.Elems[i:])
	t.Elems[i] = e
	return true
}

// BestFit finds the smallest entry with Size >= n and removes it, returning
// the chosen entry in full; splitting leftover space back in is the caller's
// job (see
// Allocator.Alloc), because only the caller knows whether the leftover
// should go to this table or a different one (bucket-local vs master).
func (t *Table) BestFit(n int32) (Elem, bool) {
	i := sort.Search(len(t.Elems), func(i int) bool { return t.Elems[i].Size >= n })
	if i == len(t.Elems) {
		return Elem{}, false
	}
	e := t.Elems[i]
	t.Elems = append(t.Elems[:i], t.Elems[i+1:]...)
	return e, true
}

// Coalesce attempts to merge e with an adjacent (contiguous) entry already in
// the table, repeating until no further merge is possible. It returns the
// possibly-enlarged entry; the caller still needs to Insert it.
func (t *Table) Coalesce(e Elem) Elem {
	merged := true
	for merged {
		merged = false
		for i, x := range t.Elems {
			if x.Addr+int64(x.Size) == e.Addr || e.Addr+int64(e.Size) == x.Addr {
				if x.Addr < e.Addr {
					e.Addr = x.Addr
				}
				e.Size += x.Size
				t.Elems = append(t.Elems[:i], t.Elems[i+1:]...)
				merged = true
				break
			}
		}
	}
	return e
}

// Validate checks size/count/range invariants (spec.md §4.7). fileEnd is the
// header's next_block high-water mark; firstUsable is the first byte past
// the header+directory region.
func (t *Table) Validate(firstUsable, fileEnd int64) error {
	if t.Capacity < int32(len(t.Elems)) {
		return ErrBadAvail
	}
	for _, e := range t.Elems {
		if e.Size <= 0 {
			return ErrBadAvail
		}
		if e.Addr < firstUsable || e.Addr+int64(e.Size) > fileEnd {
			return ErrBadAvail
		}
	}
	return nil
}
