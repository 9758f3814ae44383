package gdbm

import (
	"bytes"

	"github.com/gnu-mirror-unofficial/gdbm/internal/avail"
	"github.com/gnu-mirror-unofficial/gdbm/internal/bucket"
	"github.com/gnu-mirror-unofficial/gdbm/internal/record"
)

// StoreMode selects INSERT or REPLACE semantics for Store (spec.md §4.6).
type StoreMode int

const (
	// Insert fails with ErrCannotReplace if the key already exists.
	Insert StoreMode = iota
	// Replace overwrites an existing key's value, or inserts if absent.
	Replace
)

// locate finds the bucket currently responsible for hash h, loading it
// through the cache (spec.md §4.4 addressing).
func (db *DB) locate(h int32) (*bucket.Bucket, int64, error) {
	idx := db.dir.Index(h)
	addr := db.dir.Offsets[idx]
	bAny, err := db.cache.Lookup(addr)
	if err != nil {
		return nil, 0, err
	}
	return bAny.(*bucket.Bucket), addr, nil
}

// findSlot looks for key among a bucket's candidates for hash h, confirming
// by key bytes via the record store (spec.md §4.5 Fetch).
func (db *DB) findSlot(b *bucket.Bucket, h int32, key []byte) (idx int, found bool, err error) {
	candidates, _ := b.Probe(h)
	for _, ci := range candidates {
		s := b.Slots[ci]
		if !record.MatchesPrefix(s.KeySize, s.KeyStart, key) {
			continue
		}
		stored, rerr := record.ReadKey(db.file, s.DataPointer, s.KeySize)
		if rerr != nil {
			return 0, false, wrap(KindFileReadError, rerr)
		}
		if bytes.Equal(stored, key) {
			return ci, true, nil
		}
	}
	return 0, false, nil
}

// Store implements spec.md §4.6's store(key, value, mode).
func (db *DB) Store(key, value []byte, mode StoreMode) error {
	if err := db.checkWritable(ErrReaderCantStore); err != nil {
		return err
	}

	h := hash31(key)
	b, addr, err := db.locate(h)
	if err != nil {
		return err
	}

	if idx, found, err := db.findSlot(b, h, key); err != nil {
		return err
	} else if found {
		if mode == Insert {
			return ErrCannotReplace
		}
		return db.replaceAt(b, addr, idx, value)
	}

	// Old directory extents displaced by doubling are freed only after the
	// whole split loop ends (spec.md §4.4 step 8), not as each doubling
	// happens, so a mid-loop allocation can never be handed back the very
	// bytes the directory is still occupying on disk.
	var freedDirExtents []avail.Elem

	for {
		_, emptyIdx := b.Probe(h)
		if emptyIdx >= 0 && !b.Full() {
			break
		}
		res, serr := bucket.SplitOnce(db.dir, b, addr, h, db.alloc, db.cfg.bucketElems, db.cfg.blockSize)
		if serr != nil {
			return wrap(KindMalformedData, serr)
		}
		db.cache.Invalidate(addr)

		other, otherAddr := res.Bucket1, res.Addr1
		if res.CurrentAddr == res.Addr1 {
			other, otherAddr = res.Bucket0, res.Addr0
		}
		if err := db.cache.Put(otherAddr, other, true); err != nil {
			return err
		}
		if err := db.cache.Put(res.CurrentAddr, res.CurrentBucket, true); err != nil {
			return err
		}

		db.dirtyDir = true
		if res.Doubled {
			newDirSize := int32(len(db.dir.Offsets)) * 8
			newDirAddr, aerr := db.alloc.Alloc(newDirSize, nil)
			if aerr != nil {
				return wrap(KindMallocError, aerr)
			}
			freedDirExtents = append(freedDirExtents, avail.Elem{Addr: db.hdr.dir, Size: db.hdr.dirSize})
			db.hdr.dir = newDirAddr
			db.hdr.dirSize = newDirSize
			db.hdr.dirBits = db.dir.Bits
		}

		if int64(db.hdr.dirSize) > GDBMMaxDirSize {
			return ErrDirOverflow
		}

		addr = res.CurrentAddr
		b = res.CurrentBucket
	}

	for _, e := range freedDirExtents {
		if err := db.alloc.Free(e.Addr, e.Size, nil); err != nil {
			return wrap(KindMallocError, err)
		}
	}

	size := record.Size(key, value)
	dataAddr, err := db.alloc.Alloc(size, b.Local)
	if err != nil {
		return wrap(KindMallocError, err)
	}
	if err := record.Place(db.file, dataAddr, key, value); err != nil {
		return wrap(KindFileWriteError, err)
	}

	slot := bucket.Slot{
		Hash:        h,
		KeySize:     uint32(len(key)),
		DataSize:    uint32(len(value)),
		DataPointer: dataAddr,
		KeyStart:    record.Prefix(key),
	}
	if err := b.Insert(slot); err != nil {
		return wrap(KindBadBucket, err)
	}

	db.cache.MarkDirty(addr, b)
	db.dirtyHeader = true
	if db.cfg.syncEvery {
		return db.Sync()
	}
	return nil
}

func (db *DB) replaceAt(b *bucket.Bucket, bucketAddr int64, idx int, value []byte) error {
	s := &b.Slots[idx]
	if uint32(len(value)) == s.DataSize {
		if err := db.file.WriteAt(value, s.DataPointer+int64(s.KeySize)); err != nil {
			return wrap(KindFileWriteError, err)
		}
		db.cache.MarkDirty(bucketAddr, b)
		if db.cfg.syncEvery {
			return db.Sync()
		}
		return nil
	}

	if err := record.Free(db.alloc, s.DataPointer, s.KeySize, s.DataSize, b.Local); err != nil {
		return wrap(KindMallocError, err)
	}
	newSize := int32(s.KeySize) + int32(len(value))
	newAddr, err := db.alloc.Alloc(newSize, b.Local)
	if err != nil {
		return wrap(KindMallocError, err)
	}
	key, err := record.ReadKey(db.file, s.DataPointer, s.KeySize)
	if err != nil {
		// The old extent is already freed; this should never happen since
		// we just read the same bytes during findSlot, but surface it as
		// corruption rather than silently losing the key.
		return wrap(KindBadBucket, err)
	}
	if err := record.Place(db.file, newAddr, key, value); err != nil {
		return wrap(KindFileWriteError, err)
	}
	s.DataPointer = newAddr
	s.DataSize = uint32(len(value))
	db.cache.MarkDirty(bucketAddr, b)
	db.dirtyHeader = true
	if db.cfg.syncEvery {
		return db.Sync()
	}
	return nil
}

// Fetch implements spec.md §4.6's fetch(key) -> value | NOT_FOUND.
func (db *DB) Fetch(key []byte) ([]byte, error) {
	if db.needRecovery {
		return nil, ErrNeedRecovery
	}
	h := hash31(key)
	b, _, err := db.locate(h)
	if err != nil {
		return nil, err
	}
	idx, found, err := db.findSlot(b, h, key)
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, ErrItemNotFound
	}
	s := b.Slots[idx]
	return record.ReadValue(db.file, s.DataPointer, s.KeySize, s.DataSize)
}

// Exists reports whether key is present, without allocating its value
// (spec.md §4.6).
func (db *DB) Exists(key []byte) (bool, error) {
	if db.needRecovery {
		return false, ErrNeedRecovery
	}
	h := hash31(key)
	b, _, err := db.locate(h)
	if err != nil {
		return false, err
	}
	_, found, err := db.findSlot(b, h, key)
	return found, err
}

// Delete implements spec.md §4.6's delete(key) -> ok | NOT_FOUND, including
// the linear-probe rehash cleanup of §4.5.
func (db *DB) Delete(key []byte) error {
	if err := db.checkWritable(ErrReaderCantDelete); err != nil {
		return err
	}
	h := hash31(key)
	b, addr, err := db.locate(h)
	if err != nil {
		return err
	}
	idx, found, err := db.findSlot(b, h, key)
	if err != nil {
		return err
	}
	if !found {
		return ErrItemNotFound
	}
	s := b.Slots[idx]
	if err := record.Free(db.alloc, s.DataPointer, s.KeySize, s.DataSize, b.Local); err != nil {
		return wrap(KindMallocError, err)
	}
	b.DeleteAt(idx)
	db.cache.MarkDirty(addr, b)
	db.dirtyHeader = true
	if db.cfg.syncEvery {
		return db.Sync()
	}
	return nil
}

// iterState is the cursor FirstKey/NextKey thread through the directory in
// directory-major, slot-major order (spec.md §4.6: "implementation-defined
// order... not restartable across concurrent modifications").
type iterState struct {
	dirIndex int
	slot     int
}

// FirstKey returns the first key in iteration order, or ErrItemNotFound if
// the database is empty.
func (db *DB) FirstKey() ([]byte, error) {
	return db.scanFrom(iterState{dirIndex: 0, slot: 0})
}

// NextKey returns the key that follows prev in iteration order, or
// ErrItemNotFound when prev was the last key.
func (db *DB) NextKey(prev []byte) ([]byte, error) {
	h := hash31(prev)
	b, _, err := db.locate(h)
	if err != nil {
		return nil, err
	}
	idx, found, err := db.findSlot(b, h, prev)
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, ErrItemNotFound
	}
	dirIndex := db.dir.Index(h)
	return db.scanFrom(iterState{dirIndex: dirIndex, slot: idx + 1})
}

// scanFrom walks forward from st until it finds an occupied slot, skipping
// duplicate directory entries that reference a bucket already visited at a
// lower index (a bucket of depth < D is referenced by several contiguous
// directory entries; only the first is scanned).
func (db *DB) scanFrom(st iterState) ([]byte, error) {
	for st.dirIndex < len(db.dir.Offsets) {
		addr := db.dir.Offsets[st.dirIndex]

		if st.slot == 0 {
			start, _ := db.dir.Range(st.dirIndex, db.bucketBitsAt(addr))
			if start != st.dirIndex {
				st.dirIndex++
				continue
			}
		}

		bAny, err := db.cache.Lookup(addr)
		if err != nil {
			return nil, err
		}
		b := bAny.(*bucket.Bucket)

		for st.slot < len(b.Slots) {
			s := b.Slots[st.slot]
			if s.Hash != bucket.EmptyHash {
				key, err := record.ReadKey(db.file, s.DataPointer, s.KeySize)
				if err != nil {
					return nil, wrap(KindFileReadError, err)
				}
				return key, nil
			}
			st.slot++
		}

		st.slot = 0
		_, end := db.dir.Range(st.dirIndex, db.bucketBitsAt(addr))
		st.dirIndex = end
	}
	return nil, ErrItemNotFound
}

// bucketBitsAt reads the depth of the bucket currently cached at addr,
// needed to compute how many directory entries it spans.
func (db *DB) bucketBitsAt(addr int64) int32 {
	bAny, err := db.cache.Lookup(addr)
	if err != nil {
		return db.dir.Bits
	}
	return bAny.(*bucket.Bucket).Bits
}
