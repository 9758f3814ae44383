package avail

import (
	"encoding/binary"
	"fmt"
	"io"
)

// Block is the on-disk representation of an available-block: the embedded
// master table in the header, or one link of the overflow stack. Both share
// the exact same byte layout (spec.md §3 "Available block / Header.avail").
type Block struct {
	Table     *Table
	NextBlock int64 // file offset of the next overflow block, 0 if none
}

// ByteSize is the fixed on-disk size of a block with the given element
// capacity: size(4) + count(4) + next_block(8) + capacity*(size4+addr8).
func ByteSize(capacity int32) int64 {
	return 4 + 4 + 8 + int64(capacity)*elemByteSize
}

// Encode writes the block at its fixed size: size, count, next_block, then
// exactly Table.Capacity element slots (unused trailing slots zeroed), the
// field-by-field binary.Write style used throughout this module.
func (b *Block) Encode(w io.Writer) error {
	if err := binary.Write(w, binary.LittleEndian, b.Table.Capacity); err != nil {
		return fmt.Errorf("avail: encode capacity: %w", err)
	}
	if err := binary.Write(w, binary.LittleEndian, b.Table.Count()); err != nil {
		return fmt.Errorf("avail: encode count: %w", err)
	}
	if err := binary.Write(w, binary.LittleEndian, b.NextBlock); err != nil {
		return fmt.Errorf("avail: encode next_block: %w", err)
	}
	for i := int32(0); i < b.Table.Capacity; i++ {
		var e Elem
		if int(i) < len(b.Table.Elems) {
			e = b.Table.Elems[i]
		}
		if err := binary.Write(w, binary.LittleEndian, e.Size); err != nil {
			return fmt.Errorf("avail: encode elem size: %w", err)
		}
		if err := binary.Write(w, binary.LittleEndian, e.Addr); err != nil {
			return fmt.Errorf("avail: encode elem addr: %w", err)
		}
	}
	return nil
}

// Decode reads a block previously written by Encode.
func Decode(r io.Reader) (*Block, error) {
	var capacity, count int32
	var next int64

	if err := binary.Read(r, binary.LittleEndian, &capacity); err != nil {
		return nil, fmt.Errorf("avail: decode capacity: %w", err)
	}
	if err := binary.Read(r, binary.LittleEndian, &count); err != nil {
		return nil, fmt.Errorf("avail: decode count: %w", err)
	}
	if err := binary.Read(r, binary.LittleEndian, &next); err != nil {
		return nil, fmt.Errorf("avail: decode next_block: %w", err)
	}
	if count < 0 || count > capacity {
		return nil, ErrBadAvail
	}

	t := NewTable(capacity)
	for i := int32(0); i < capacity; i++ {
		var e Elem
		if err := binary.Read(r, binary.LittleEndian, &e.Size); err != nil {
			return nil, fmt.Errorf("avail: decode elem size: %w", err)
		}
		if err := binary.Read(r, binary.LittleEndian, &e.Addr); err != nil {
			return nil, fmt.Errorf("avail: decode elem addr: %w", err)
		}
		if i < count {
			t.Elems = append(t.Elems, e)
		}
	}

	return &Block{Table: t, NextBlock: next}, nil
}
