package avail

import (
	"bytes"
	"fmt"
	"sort"
)

// maxOverflowPops bounds how many overflow blocks a single Alloc call will
// pop looking for a fit. A well-formed file never needs more than the
// overflow chain's true length; the bound exists only to turn a corrupt,
// cyclic chain into a bounded error instead of a hang.
const maxOverflowPops = 1 << 20

// Storage is the slice of fileio.File the allocator needs: positioned
// reads/writes and the ability to grow the file.
type Storage interface {
	ReadAt(buf []byte, off int64) error
	WriteAt(buf []byte, off int64) error
	Extend(target int64) error
}

// Allocator satisfies alloc(n) -> off and free(off, n), coordinating the
// bucket-local pool, the master table, and the overflow stack (spec.md
// §4.2). The caller owns the master Block (normally embedded in the
// header) and the shared next_block high-water mark; Allocator mutates both
// in place so the caller's Sync logic sees up-to-date state without a
// separate hand-back step.
type Allocator struct {
	storage     Storage
	master      *Block
	nextBlock   *int64
	centralFree bool
}

// NewAllocator builds an allocator over master (read from / written to the
// header) and nextBlock (the header's high-water mark, shared by pointer so
// every allocation here is immediately visible to the header).
func NewAllocator(storage Storage, master *Block, nextBlock *int64, centralFree bool) *Allocator {
	return &Allocator{storage: storage, master: master, nextBlock: nextBlock, centralFree: centralFree}
}

// SetCentralFree toggles the policy that diverts bucket-originated frees
// straight to the master pool (spec.md §4.2 "central-free policy").
func (a *Allocator) SetCentralFree(v bool) { a.centralFree = v }

// Alloc returns the offset of a fresh extent of n bytes, preferring local
// (the current bucket's pool) over the master table, then draining
// overflow blocks into the master table, then extending the file.
func (a *Allocator) Alloc(n int32, local *Table) (int64, error) {
	if local != nil {
		if e, ok := local.BestFit(n); ok {
			reinsertLeftover(local, e, n)
			return e.Addr, nil
		}
	}

	if e, ok := a.master.Table.BestFit(n); ok {
		reinsertLeftover(a.master.Table, e, n)
		return e.Addr, nil
	}

	for i := 0; i < maxOverflowPops && a.master.NextBlock != 0; i++ {
		if err := a.popOverflowMerge(); err != nil {
			return 0, err
		}
		if e, ok := a.master.Table.BestFit(n); ok {
			reinsertLeftover(a.master.Table, e, n)
			return e.Addr, nil
		}
	}

	addr := *a.nextBlock
	*a.nextBlock += int64(n)
	if err := a.storage.Extend(*a.nextBlock); err != nil {
		return 0, err
	}
	return addr, nil
}

func reinsertLeftover(t *Table, e Elem, n int32) {
	if e.Size <= n {
		return
	}
	leftover := Elem{Size: e.Size - n, Addr: e.Addr + int64(n)}
	t.Insert(leftover)
}

// Free returns (addr, size) to the allocator. If local is non-nil and
// central-free is not enabled, the extent prefers the bucket-local pool,
// draining to the master table only when the local pool is full (spec.md
// §4.2).
func (a *Allocator) Free(addr int64, size int32, local *Table) error {
	e := Elem{Size: size, Addr: addr}

	if local != nil && !a.centralFree {
		merged := local.Coalesce(e)
		if local.Insert(merged) {
			return nil
		}
		return a.insertIntoMaster(merged)
	}

	return a.insertIntoMaster(a.master.Table.Coalesce(e))
}

func (a *Allocator) insertIntoMaster(e Elem) error {
	if a.master.Table.Insert(e) {
		return nil
	}
	if err := a.pushOverflow(); err != nil {
		return err
	}
	if !a.master.Table.Insert(e) {
		return fmt.Errorf("%w: master table has zero capacity", ErrBadAvail)
	}
	return nil
}

// pushOverflow moves the entire current master table into a freshly
// extended overflow block and resets master to empty, chaining the new
// block as the overflow head (spec.md §4.2).
func (a *Allocator) pushOverflow() error {
	capacity := a.master.Table.Capacity
	length := ByteSize(capacity)

	addr := *a.nextBlock
	*a.nextBlock += length
	if err := a.storage.Extend(*a.nextBlock); err != nil {
		return err
	}

	blk := &Block{Table: a.master.Table, NextBlock: a.master.NextBlock}
	if err := a.writeBlock(addr, blk); err != nil {
		return err
	}

	a.master.Table = NewTable(capacity)
	a.master.NextBlock = addr
	return nil
}

// popOverflowMerge pops the head overflow block, merges its entries with the
// master table (keeping the largest Capacity entries in master and pushing
// any remainder back into a fresh overflow block), and frees the popped
// block's own on-disk extent into the master table (which pushes the master
// to a further overflow block if the merge left it full).
func (a *Allocator) popOverflowMerge() error {
	capacity := a.master.Table.Capacity
	addr := a.master.NextBlock
	length := ByteSize(capacity)

	blk, err := a.readBlock(addr, capacity)
	if err != nil {
		return err
	}

	all := make([]Elem, 0, len(a.master.Table.Elems)+len(blk.Table.Elems))
	all = append(all, a.master.Table.Elems...)
	all = append(all, blk.Table.Elems...)
	sort.Slice(all, func(i, j int) bool { return all[i].Size < all[j].Size })

	a.master.NextBlock = blk.NextBlock

	var keep, overflow []Elem
	if int32(len(all)) <= capacity {
		keep = all
	} else {
		split := int32(len(all)) - capacity
		overflow = all[:split]
		keep = all[split:]
	}
	a.master.Table.Elems = append([]Elem(nil), keep...)

	if len(overflow) > 0 {
		if err := a.pushOverflowElems(overflow, capacity); err != nil {
			return err
		}
	}

	return a.insertIntoMaster(Elem{Size: int32(length), Addr: addr})
}

// pushOverflowElems writes elems into a fresh overflow block chained ahead
// of the current master overflow head.
func (a *Allocator) pushOverflowElems(elems []Elem, capacity int32) error {
	length := ByteSize(capacity)
	addr := *a.nextBlock
	*a.nextBlock += length
	if err := a.storage.Extend(*a.nextBlock); err != nil {
		return err
	}

	t := NewTable(capacity)
	t.Elems = append([]Elem(nil), elems...)
	t.Repair()

	blk := &Block{Table: t, NextBlock: a.master.NextBlock}
	if err := a.writeBlock(addr, blk); err != nil {
		return err
	}
	a.master.NextBlock = addr
	return nil
}

func (a *Allocator) writeBlock(addr int64, blk *Block) error {
	var buf bytes.Buffer
	if err := blk.Encode(&buf); err != nil {
		return err
	}
	return a.storage.WriteAt(buf.Bytes(), addr)
}

func (a *Allocator) readBlock(addr int64, capacity int32) (*Block, error) {
	raw := make([]byte, ByteSize(capacity))
	if err := a.storage.ReadAt(raw, addr); err != nil {
		return nil, err
	}
	return Decode(bytes.NewReader(raw))
}
