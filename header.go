package gdbm

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"

	"github.com/gnu-mirror-unofficial/gdbm/internal/avail"
)

// Magic values discriminate the standard header from the extended
// ("numsync") variant (spec.md §3). A file written on a foreign-endian
// machine decodes to neither and is reported as ErrByteSwapped.
const (
	magicStandard = uint32(0x13579acd)
	magicNumsync  = uint32(0x13579ace)
	magicSwapped  = uint32(0xcd9a5713) // byte-reversed magicStandard
	magicNumsyncSwapped = uint32(0xce9a5713) // byte-reversed magicNumsync
)

// extHeaderVersion is the only numsync header version gdbm-go writes.
const extHeaderVersion = 1

// header is the persistent, fixed-offset-0 record spec.md §3 describes,
// encoded the same field-by-field binary.Write/Read way the teacher encodes
// its WAL record (wal.go's Encode/Decode), but without a CRC: gdbm's
// on-disk format (like the original it is grounded on) relies on the
// structural validators in this file, not a checksum, to detect corruption.
type header struct {
	magic       uint32
	blockSize   int32
	dir         int64
	dirSize     int32
	dirBits     int32
	bucketSize  int32
	bucketElems int32
	nextBlock   int64
	availBlock  *avail.Block

	numsync bool
	version int32
	sync    uint32
}

func newHeader(c *config) *header {
	capacity := masterAvailCapacity(c.blockSize)
	return &header{
		magic:       magicStandard,
		blockSize:   c.blockSize,
		bucketSize:  c.blockSize,
		bucketElems: c.bucketElems,
		availBlock:  &avail.Block{Table: avail.NewTable(capacity)},
	}
}

// masterAvailCapacity picks how many available-table entries fit in the
// header's fixed block_size after the fixed-width fields, the avail block's
// own fields and the numsync extended fields. The room for the extended
// fields is always reserved, so the standard and numsync layouts share one
// capacity and a header can switch variants without resizing the table.
func masterAvailCapacity(blockSize int32) int32 {
	fixed := int64(4 + 4 + 8 + 4 + 4 + 4 + 4 + 8) // magic..next_block
	room := int64(blockSize) - fixed - (4 + 4 + 8) // avail block's own size/count/next_block
	room -= 4 + 4                                  // numsync version + counter
	n := room / 12
	if n < 1 {
		n = 1
	}
	return int32(n)
}

func (h *header) extendedRoom() int64 {
	return 4 + 4 // version + numsync counter
}

// encode writes the header at its fixed block_size-aligned size, zero
// padding any unused tail.
func (h *header) encode(w io.Writer, blockSize int32) error {
	var buf bytes.Buffer

	fields := []any{
		h.magic, h.blockSize, h.dir, h.dirSize, h.dirBits,
		h.bucketSize, h.bucketElems, h.nextBlock,
	}
	for _, f := range fields {
		if err := binary.Write(&buf, binary.LittleEndian, f); err != nil {
			return fmt.Errorf("gdbm: encode header: %w", err)
		}
	}

	if h.numsync {
		if err := binary.Write(&buf, binary.LittleEndian, h.version); err != nil {
			return err
		}
		if err := binary.Write(&buf, binary.LittleEndian, h.sync); err != nil {
			return err
		}
	}

	if err := h.availBlock.Encode(&buf); err != nil {
		return fmt.Errorf("gdbm: encode header avail: %w", err)
	}

	if int32(buf.Len()) > blockSize {
		return fmt.Errorf("gdbm: header does not fit in block_size %d (needs %d)", blockSize, buf.Len())
	}
	if pad := int(blockSize) - buf.Len(); pad > 0 {
		buf.Write(make([]byte, pad))
	}

	_, err := w.Write(buf.Bytes())
	return err
}

func decodeHeader(raw []byte) (*header, error) {
	r := bytes.NewReader(raw)
	h := &header{}

	if err := binary.Read(r, binary.LittleEndian, &h.magic); err != nil {
		return nil, fmt.Errorf("gdbm: decode header magic: %w", err)
	}

	switch h.magic {
	case magicStandard:
		h.numsync = false
	case magicNumsync:
		h.numsync = true
	case magicSwapped, magicNumsyncSwapped:
		return nil, ErrByteSwapped
	default:
		return nil, wrap(KindBadMagicNumber, nil)
	}

	for _, f := range []any{&h.blockSize, &h.dir, &h.dirSize, &h.dirBits, &h.bucketSize, &h.bucketElems, &h.nextBlock} {
		if err := binary.Read(r, binary.LittleEndian, f); err != nil {
			return nil, fmt.Errorf("gdbm: decode header: %w", err)
		}
	}

	if h.numsync {
		if err := binary.Read(r, binary.LittleEndian, &h.version); err != nil {
			return nil, err
		}
		if err := binary.Read(r, binary.LittleEndian, &h.sync); err != nil {
			return nil, err
		}
	}

	blk, err := avail.Decode(r)
	if err != nil {
		return nil, wrap(KindBadAvail, err)
	}
	h.availBlock = blk

	return h, nil
}

// validate checks spec.md §4.7's header invariants.
func (h *header) validate() error {
	if h.magic != magicStandard && h.magic != magicNumsync {
		return wrap(KindBadMagicNumber, nil)
	}
	if h.blockSize < 512 {
		return wrap(KindBadHeader, fmt.Errorf("block_size %d < 512", h.blockSize))
	}
	if h.blockSize&(h.blockSize-1) != 0 {
		return wrap(KindBadHeader, fmt.Errorf("block_size %d is not a power of two", h.blockSize))
	}
	if h.dirBits < 0 || h.dirBits > GDBMHashBits {
		return wrap(KindBadHeader, fmt.Errorf("dir_bits %d out of range", h.dirBits))
	}
	if int64(h.dirSize) != int64(1)<<uint(h.dirBits)*8 {
		return wrap(KindBadHeader, fmt.Errorf("dir_size %d inconsistent with dir_bits %d", h.dirSize, h.dirBits))
	}
	if h.bucketSize <= 0 || h.bucketElems <= 0 {
		return wrap(KindBadHeader, fmt.Errorf("bucket_size/bucket_elems must be positive"))
	}
	dirEnd := h.dir + int64(h.dirSize)
	if h.nextBlock < dirEnd {
		return wrap(KindBadHeader, fmt.Errorf("next_block %d precedes end of directory %d", h.nextBlock, dirEnd))
	}
	if err := h.availBlock.Table.Validate(h.dir+int64(h.dirSize), h.nextBlock); err != nil {
		return wrap(KindBadAvail, err)
	}
	return nil
}

// convertToNumsync rewrites the header in place to the extended variant
// (spec.md §4.7 "Format conversion"). The extended fields fit in the room
// masterAvailCapacity always reserves; entries beyond that capacity, if the
// table holds any, are returned to the free pool via free, once per
// displaced entry, in ascending-size order.
func (h *header) convertToNumsync(free func(addr int64, size int32) error) error {
	if h.numsync {
		return nil
	}
	newCapacity := masterAvailCapacity(h.blockSize) // room already accounts for extended fields
	if newCapacity < h.availBlock.Table.Count() {
		excess := h.availBlock.Table.Elems[:h.availBlock.Table.Count()-newCapacity]
		for _, e := range excess {
			if err := free(e.Addr, e.Size); err != nil {
				return err
			}
		}
		h.availBlock.Table.Elems = append([]avail.Elem(nil), h.availBlock.Table.Elems[h.availBlock.Table.Count()-newCapacity:]...)
	}
	h.availBlock.Table.Capacity = newCapacity
	h.magic = magicNumsync
	h.numsync = true
	h.version = extHeaderVersion
	h.sync = 0
	return nil
}

// convertToStandard rewrites the header back to the standard variant. The
// embedded av_table keeps the capacity masterAvailCapacity gives both
// variants.
func (h *header) convertToStandard() {
	if !h.numsync {
		return
	}
	h.magic = magicStandard
	h.numsync = false
	h.availBlock.Table.Capacity = masterAvailCapacity(h.blockSize)
}
