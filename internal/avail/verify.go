package avail

import (
	"fmt"

	"github.com/bits-and-blooms/bitset"
)

// Verify walks the overflow chain starting from master, checking every
// table's range and sort order, and detecting cycles via a bitset of
// visited block offsets (spec.md §4.2 "Traversal for verification"). The
// bitset is indexed by offset/blockSize, which is dense and bounded by
// nextBlock/blockSize for any well-formed file.
//
// repair, if true, sorts any unsorted table found in place instead of
// failing (the legacy-compatibility behavior read/write sessions use);
// Verify reports via the returned bool whether anything was repaired.
func Verify(master *Block, storage Storage, blockSize int32, firstUsable, fileEnd int64, repair bool) (repaired bool, err error) {
	if !master.Table.Sorted() {
		if !repair {
			return false, fmt.Errorf("%w: master table not sorted", ErrBadAvail)
		}
		master.Table.Repair()
		repaired = true
	}
	if err := master.Table.Validate(firstUsable, fileEnd); err != nil {
		return repaired, err
	}

	visited := bitset.New(uint(fileEnd/int64(blockSize)) + 1)
	next := master.NextBlock
	for next != 0 {
		idx := uint(next / int64(blockSize))
		if visited.Test(idx) {
			return repaired, fmt.Errorf("%w: cyclic overflow chain at offset %d", ErrBadAvail, next)
		}
		visited.Set(idx)

		blk, err := readBlockAt(storage, next, master.Table.Capacity)
		if err != nil {
			return repaired, err
		}
		if !blk.Table.Sorted() {
			if !repair {
				return repaired, fmt.Errorf("%w: overflow block at %d not sorted", ErrBadAvail, next)
			}
			blk.Table.Repair()
			repaired = true
		}
		if err := blk.Table.Validate(firstUsable, fileEnd); err != nil {
			return repaired, err
		}
		next = blk.NextBlock
	}

	return repaired, nil
}

func readBlockAt(storage Storage, addr int64, capacity int32) (*Block, error) {
	a := &Allocator{storage: storage}
	return a.readBlock(addr, capacity)
}
