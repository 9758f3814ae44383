package bucket

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
)

// Directory is the flat array of bucket offsets indexed by hash prefix
// (spec.md §3/§4.4).
type Directory struct {
	Bits    int32 // D: directory has 2^Bits entries
	Offsets []int64
}

// NewDirectory creates a directory of depth bits, every entry pointing at
// the single offset initial (the one bucket a fresh database starts with).
func NewDirectory(bits int32, initial int64) *Directory {
	n := 1 << uint(bits)
	offsets := make([]int64, n)
	for i := range offsets {
		offsets[i] = initial
	}
	return &Directory{Bits: bits, Offsets: offsets}
}

// Index computes the directory slot for a 31-bit hash at the current depth
// (spec.md §4.4: "h >> (31 - D)").
func (d *Directory) Index(hash int32) int {
	if d.Bits == 0 {
		return 0
	}
	return int(uint32(hash) >> uint(31-d.Bits))
}

// ByteSize is the directory's on-disk size, 8 bytes per entry.
func (d *Directory) ByteSize() int64 { return int64(len(d.Offsets)) * 8 }

// Double grows the directory to 2x its current size, duplicating every
// entry (spec.md §4.4 step 2: "new_dir[2i] = new_dir[2i+1] = old_dir[i]").
func (d *Directory) Double() {
	next := make([]int64, len(d.Offsets)*2)
	for i, off := range d.Offsets {
		next[2*i] = off
		next[2*i+1] = off
	}
	d.Offsets = next
	d.Bits++
}

// Range returns [start, end) for the contiguous span of directory entries
// referencing the bucket currently at index idx with depth bucketBits
// (spec.md §4.4 step 5).
func (d *Directory) Range(idx int, bucketBits int32) (start, end int) {
	span := 1 << uint(d.Bits-bucketBits)
	start = (idx / span) * span
	return start, start + span
}

// Encode writes the directory as a flat array of little-endian int64
// offsets.
func (d *Directory) Encode(w io.Writer) error {
	for _, off := range d.Offsets {
		if err := binary.Write(w, binary.LittleEndian, off); err != nil {
			return fmt.Errorf("bucket: encode directory: %w", err)
		}
	}
	return nil
}

// DecodeDirectory reads a directory of 2^bits entries from raw.
func DecodeDirectory(raw []byte, bits int32) (*Directory, error) {
	n := 1 << uint(bits)
	if len(raw) < n*8 {
		return nil, fmt.Errorf("bucket: directory truncated: have %d bytes, want %d", len(raw), n*8)
	}
	r := bytes.NewReader(raw)
	offsets := make([]int64, n)
	for i := range offsets {
		if err := binary.Read(r, binary.LittleEndian, &offsets[i]); err != nil {
			return nil, fmt.Errorf("bucket: decode directory: %w", err)
		}
	}
	return &Directory{Bits: bits, Offsets: offsets}, nil
}

// Validate checks spec.md §4.7's per-entry directory invariants: every
// entry must point at or past firstUsable (the end of the header+directory
// region).
func (d *Directory) Validate(firstUsable int64) error {
	for i, off := range d.Offsets {
		if off < firstUsable {
			return fmt.Errorf("bucket: directory entry %d offset %d precedes first usable offset %d", i, off, firstUsable)
		}
	}
	return nil
}
