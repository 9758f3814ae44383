package bucket

import "github.com/gnu-mirror-unofficial/gdbm/internal/avail"

// SplitResult carries everything the caller (which owns the header, the
// bucket cache, and the directory's on-disk offset) needs to finish
// committing one split iteration.
type SplitResult struct {
	Bucket0, Bucket1     *Bucket
	Addr0, Addr1         int64
	Doubled              bool // directory was doubled this iteration
	PreSplitDirBits      int32
	CurrentBucket        *Bucket
	CurrentAddr          int64
	CurrentDirIndex      int
}

// SplitOnce performs one iteration of the split protocol (spec.md §4.4):
// it allocates two new buckets one level deeper than cur, redistributes
// cur's slots between them, doubles the directory first if cur is already
// at the directory's full depth, updates the directory range that used to
// point at curAddr, and reports which of the two new buckets should become
// "current" for insertHash (the caller retries the insert against it; if it
// is still full, call SplitOnce again).
//
// SplitOnce itself frees curAddr into Bucket1's local pool (spec.md step
// 6). The caller is responsible for freeing any doubled-away old directory
// extent (deferred until the whole split loop ends, spec.md step 8) and for
// invalidating any cache entry for curAddr.
func SplitOnce(dir *Directory, cur *Bucket, curAddr int64, insertHash int32, alloc *avail.Allocator, bucketElems, blockSize int32) (*SplitResult, error) {
	b := cur.Bits
	preBits := dir.Bits

	doubled := false
	if b == dir.Bits {
		dir.Double()
		doubled = true
	}
	newBits := b + 1

	bucketByteSize := ByteSize(bucketElems)
	addr0, err := alloc.Alloc(int32(bucketByteSize), nil)
	if err != nil {
		return nil, err
	}
	addr1, err := alloc.Alloc(int32(bucketByteSize), nil)
	if err != nil {
		return nil, err
	}

	bucket0 := New(newBits, bucketElems)
	bucket1 := New(newBits, bucketElems)

	for _, s := range cur.Slots {
		if s.empty() {
			continue
		}
		bit := (uint32(s.Hash) >> uint(31-newBits)) & 1
		if bit == 0 {
			_ = bucket0.Insert(s)
		} else {
			_ = bucket1.Insert(s)
		}
	}

	seedAddr, err := alloc.Alloc(blockSize, nil)
	if err != nil {
		return nil, err
	}
	bucket1.Local.Insert(avail.Elem{Size: blockSize, Addr: seedAddr})

	oldLocal := append([]avail.Elem(nil), cur.Local.Elems...)
	var rest []avail.Elem
	if cur.Local.Full() && len(oldLocal) > 0 {
		bucket1.Local.Insert(oldLocal[0])
		rest = oldLocal[1:]
	} else {
		rest = oldLocal
	}
	for _, e := range rest {
		bucket0.Local.Insert(e)
	}

	dirIndex := dir.Index(insertHash)
	start, end := dir.Range(dirIndex, b)
	mid := start + (end-start)/2
	for i := start; i < mid; i++ {
		dir.Offsets[i] = addr0
	}
	for i := mid; i < end; i++ {
		dir.Offsets[i] = addr1
	}

	// Free the old bucket's extent into bucket1's local pool (spec.md step
	// 6), so it is immediately available to whichever new bucket needs
	// space next without a round trip through the master table.
	if err := alloc.Free(curAddr, int32(bucketByteSize), bucket1.Local); err != nil {
		return nil, err
	}

	newBit := (uint32(insertHash) >> uint(31-newBits)) & 1
	var currentBucket *Bucket
	var currentAddr int64
	if newBit == 0 {
		currentBucket, currentAddr = bucket0, addr0
	} else {
		currentBucket, currentAddr = bucket1, addr1
	}

	return &SplitResult{
		Bucket0:         bucket0,
		Bucket1:         bucket1,
		Addr0:           addr0,
		Addr1:           addr1,
		Doubled:         doubled,
		PreSplitDirBits: preBits,
		CurrentBucket:   currentBucket,
		CurrentAddr:     currentAddr,
		CurrentDirIndex: dir.Index(insertHash),
	}, nil
}
