// Package bucket implements gdbm-go's extendible-hash directory and bucket
// layout: addressing, open-addressed slot placement, splitting, and
// directory doubling (spec.md §4.4).
package bucket

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"github.com/gnu-mirror-unofficial/gdbm/internal/avail"
)

// AvailSlots is BUCKET_AVAIL from spec.md §3: the fixed number of local
// free-extent slots every bucket carries.
const AvailSlots = 6

// KeyPrefixLen is SMALL_KEY_PREFIX from spec.md §3/§4.5: the number of key
// bytes cached inline in a slot so most fetch misses never read the payload.
const KeyPrefixLen = 4

// EmptyHash marks an unoccupied slot (spec.md §3).
const EmptyHash = int32(-1)

// Slot is one h_table entry.
type Slot struct {
	Hash        int32
	KeySize     uint32
	DataSize    uint32
	DataPointer int64
	KeyStart    [KeyPrefixLen]byte
}

func (s *Slot) empty() bool { return s.Hash == EmptyHash }

const slotByteSize = 4 + 4 + 4 + 8 + KeyPrefixLen

// Bucket is one fixed-size bucket (spec.md §3).
type Bucket struct {
	Bits  int32 // bucket_bits: 0 <= Bits <= directory depth D
	Count int32 // occupied slot count
	Local *avail.Table
	Slots []Slot // len == bucketElems
}

// New creates an empty bucket with the given depth and slot count.
func New(bits, bucketElems int32) *Bucket {
	slots := make([]Slot, bucketElems)
	for i := range slots {
		slots[i].Hash = EmptyHash
	}
	return &Bucket{
		Bits:  bits,
		Local: avail.NewTable(AvailSlots),
		Slots: slots,
	}
}

// ByteSize computes the fixed on-disk size of a bucket with bucketElems
// slots: av_count(4) + bucket_bits(4) + count(4) + local pool
// (AvailSlots*(size4+addr8)) + bucketElems*slotByteSize.
func ByteSize(bucketElems int32) int64 {
	return 4 + 4 + 4 + int64(AvailSlots)*12 + int64(bucketElems)*slotByteSize
}

// Encode writes the bucket at its fixed on-disk size.
func (b *Bucket) Encode(w io.Writer) error {
	if err := binary.Write(w, binary.LittleEndian, b.Local.Count()); err != nil {
		return fmt.Errorf("bucket: encode av_count: %w", err)
	}
	if err := binary.Write(w, binary.LittleEndian, b.Bits); err != nil {
		return fmt.Errorf("bucket: encode bucket_bits: %w", err)
	}
	if err := binary.Write(w, binary.LittleEndian, b.Count); err != nil {
		return fmt.Errorf("bucket: encode count: %w", err)
	}
	for i := 0; i < AvailSlots; i++ {
		var e avail.Elem
		if i < len(b.Local.Elems) {
			e = b.Local.Elems[i]
		}
		if err := binary.Write(w, binary.LittleEndian, e.Size); err != nil {
			return err
		}
		if err := binary.Write(w, binary.LittleEndian, e.Addr); err != nil {
			return err
		}
	}
	for _, s := range b.Slots {
		if err := binary.Write(w, binary.LittleEndian, s.Hash); err != nil {
			return err
		}
		if err := binary.Write(w, binary.LittleEndian, s.KeySize); err != nil {
			return err
		}
		if err := binary.Write(w, binary.LittleEndian, s.DataSize); err != nil {
			return err
		}
		if err := binary.Write(w, binary.LittleEndian, s.DataPointer); err != nil {
			return err
		}
		if _, err := w.Write(s.KeyStart[:]); err != nil {
			return err
		}
	}
	return nil
}

// Decode reads a bucket previously written by Encode. bucketElems must
// match the header's bucket_elems field.
func Decode(raw []byte, bucketElems int32) (*Bucket, error) {
	r := bytes.NewReader(raw)
	b := &Bucket{Local: avail.NewTable(AvailSlots)}

	var avCount int32
	if err := binary.Read(r, binary.LittleEndian, &avCount); err != nil {
		return nil, err
	}
	if err := binary.Read(r, binary.LittleEndian, &b.Bits); err != nil {
		return nil, err
	}
	if err := binary.Read(r, binary.LittleEndian, &b.Count); err != nil {
		return nil, err
	}
	if avCount < 0 || avCount > AvailSlots {
		return nil, errors.New("bucket: av_count out of range")
	}
	for i := 0; i < AvailSlots; i++ {
		var e avail.Elem
		if err := binary.Read(r, binary.LittleEndian, &e.Size); err != nil {
			return nil, err
		}
		if err := binary.Read(r, binary.LittleEndian, &e.Addr); err != nil {
			return nil, err
		}
		if int32(i) < avCount {
			b.Local.Elems = append(b.Local.Elems, e)
		}
	}

	b.Slots = make([]Slot, bucketElems)
	for i := range b.Slots {
		s := &b.Slots[i]
		if err := binary.Read(r, binary.LittleEndian, &s.Hash); err != nil {
			return nil, err
		}
		if err := binary.Read(r, binary.LittleEndian, &s.KeySize); err != nil {
			return nil, err
		}
		if err := binary.Read(r, binary.LittleEndian, &s.DataSize); err != nil {
			return nil, err
		}
		if err := binary.Read(r, binary.LittleEndian, &s.DataPointer); err != nil {
			return nil, err
		}
		if _, err := io.ReadFull(r, s.KeyStart[:]); err != nil {
			return nil, err
		}
	}

	return b, nil
}

// Validate checks spec.md §4.7's per-bucket invariants.
func (b *Bucket) Validate(dirBits int32) error {
	if b.Count < 0 || int(b.Count) > len(b.Slots) {
		return errors.New("bucket: count out of range")
	}
	if b.Bits < 0 || b.Bits > dirBits {
		return errors.New("bucket: bucket_bits out of range")
	}
	return nil
}

// home returns the open-addressing home slot index for hash h.
func home(h int32, bucketElems int32) int {
	idx := h % bucketElems
	if idx < 0 {
		idx += bucketElems
	}
	return int(idx)
}

// Probe walks the open-addressed linear probe sequence for hash h starting
// at its home slot (spec.md §3 invariant 2). It returns every occupied slot
// index whose stored hash equals h (candidates the caller must still check
// by key bytes via the record store) and the index of the first empty slot
// encountered, i.e. where a new entry with this hash would be inserted.
// emptyIdx is -1 only if the bucket is completely full.
func (b *Bucket) Probe(h int32) (candidates []int, emptyIdx int) {
	n := int32(len(b.Slots))
	start := home(h, n)
	for i := int32(0); i < n; i++ {
		pos := int((int32(start) + i) % n)
		if b.Slots[pos].empty() {
			return candidates, pos
		}
		if b.Slots[pos].Hash == h {
			candidates = append(candidates, pos)
		}
	}
	return candidates, -1
}

// Full reports whether every slot is occupied.
func (b *Bucket) Full() bool { return int(b.Count) >= len(b.Slots) }

// Insert places s at the open-addressed position for its hash. Caller must
// have already verified the bucket is not Full.
func (b *Bucket) Insert(s Slot) error {
	_, idx := b.Probe(s.Hash)
	if idx < 0 {
		return errors.New("bucket: no empty slot available")
	}
	b.Slots[idx] = s
	b.Count++
	return nil
}

// DeleteAt clears the slot at idx and performs the linear-probe rehash
// cleanup spec.md §4.5 requires: every subsequent slot up to the next empty
// one is checked, and any whose home position would let it occupy idx (or
// a position vacated during this same cleanup) is slid backward. This
// keeps future lookups for those keys from false-missing against the new
// gap.
func (b *Bucket) DeleteAt(idx int) {
	n := int32(len(b.Slots))
	b.Slots[idx] = Slot{Hash: EmptyHash}
	b.Count--

	hole := idx
	scan := (idx + 1) % int(n)
	for !b.Slots[scan].empty() {
		h := home(b.Slots[scan].Hash, n)
		// Does [home(scan), scan] wrap past hole, i.e. would the slot at
		// scan still be found if it were moved to hole?
		if slides(h, scan, hole, int(n)) {
			b.Slots[hole] = b.Slots[scan]
			b.Slots[scan] = Slot{Hash: EmptyHash}
			hole = scan
		}
		scan = (scan + 1) % int(n)
	}
}

// slides reports whether an entry whose home slot is h, currently sitting
// at cur, may be moved to hole without a probe starting at h ever having to
// skip past an empty slot to find it — i.e. hole lies on the circular arc
// from h to cur (inclusive of cur, exclusive of nothing before h).
func slides(h, cur, hole, n int) bool {
	dist := func(a, b int) int {
		d := b - a
		if d < 0 {
			d += n
		}
		return d
	}
	return dist(h, hole) <= dist(h, cur)
}
