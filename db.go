package gdbm

import (
	"bytes"
	"fmt"
	"io"
	"os"

	"github.com/gnu-mirror-unofficial/gdbm/internal/avail"
	"github.com/gnu-mirror-unofficial/gdbm/internal/bucket"
	"github.com/gnu-mirror-unofficial/gdbm/internal/cache"
	"github.com/gnu-mirror-unofficial/gdbm/internal/fileio"
	"github.com/gnu-mirror-unofficial/gdbm/internal/snapshot"
)

// DB is a handle to one open database file (spec.md §6's "handle"). A
// handle is owned by a single caller; concurrent calls on the same handle
// from multiple goroutines are undefined, matching spec.md §5's
// single-threaded, synchronous model.
type DB struct {
	path     string
	file     *fileio.File
	cfg      *config
	hdr      *header
	dir      *bucket.Directory
	alloc    *avail.Allocator
	cache    *cache.Cache
	lock     *fileLock
	snap     *snapshot.Pair
	readOnly bool

	// needRecovery is the sticky NEED_RECOVERY latch. While it is set,
	// Store, Delete, Fetch, Exists, Reorganize and the header conversions
	// return ErrNeedRecovery; FirstKey, NextKey, Count, BucketCount, Sync
	// and Close do not check it. Recover clears it; no code path in this
	// package sets it.
	needRecovery bool

	dirtyHeader bool
	dirtyDir    bool

	logger io.Writer
}

// firstUsable is the file offset past which directory entries and bucket
// extents must fall: the end of the header+directory region.
func (db *DB) firstUsable() int64 {
	return db.hdr.dir + int64(db.hdr.dirSize)
}

// Open opens (or creates) the database at path according to flag and opts
// (spec.md §6).
func Open(path string, flag OpenFlag, perm os.FileMode, opts ...Option) (*DB, error) {
	cfg := defaultConfig()
	for _, o := range opts {
		o(cfg)
	}
	if flag&Numsync != 0 {
		cfg.numsync = true
	}
	if flag&NoLock != 0 {
		cfg.noLock = true
	}
	if flag&Sync != 0 {
		cfg.syncEvery = true
	}

	readOnly := flag&Reader != 0
	osFlag := os.O_RDWR
	if readOnly {
		osFlag = os.O_RDONLY
	}
	newdb := flag&Newdb != 0
	if newdb {
		osFlag = os.O_RDWR | os.O_CREATE | os.O_TRUNC
	} else if flag&WrCreat != 0 {
		osFlag = os.O_RDWR | os.O_CREATE
	}

	f, err := fileio.Open(path, osFlag, perm)
	if err != nil {
		return nil, wrap(KindFileOpenError, err)
	}

	db := &DB{path: path, file: f, cfg: cfg, readOnly: readOnly, logger: cfg.logger}

	if !cfg.noLock {
		l, err := acquireLock(int(f.Raw().Fd()), !readOnly)
		if err != nil {
			f.Close()
			return nil, fmt.Errorf("gdbm: %w", err)
		}
		db.lock = l
	}

	if newdb {
		if err := db.initFresh(); err != nil {
			db.Close()
			return nil, err
		}
	} else {
		if err := db.loadExisting(); err != nil {
			db.Close()
			return nil, err
		}
	}

	db.alloc = avail.NewAllocator(f, db.hdr.availBlock, &db.hdr.nextBlock, cfg.centralFree)
	db.cache = cache.New(cfg.cacheSize, cfg.cacheAuto, 1<<20, db.loadBucketFromDisk, db.writeBucketToDisk)

	if cfg.snapshotEven != "" && cfg.snapshotOdd != "" {
		if _, err := os.Stat(cfg.snapshotEven); os.IsNotExist(err) {
			pair, err := snapshot.Setup(cfg.snapshotEven, cfg.snapshotOdd, int(f.Raw().Fd()))
			if err != nil {
				fmt.Fprintf(db.logger, "gdbm: snapshot setup failed, disabling: %v\n", err)
			} else {
				db.snap = pair
			}
		}
	}

	return db, nil
}

func (db *DB) initFresh() error {
	db.hdr = newHeader(db.cfg)
	if db.cfg.numsync {
		db.hdr.magic = magicNumsync
		db.hdr.numsync = true
		db.hdr.version = extHeaderVersion
	}

	db.hdr.dir = int64(db.hdr.blockSize)
	db.hdr.dirBits = 0
	db.hdr.dirSize = 8 // one entry at depth 0

	firstBucketAddr := db.hdr.dir + int64(db.hdr.dirSize)
	bucketByteSize := bucket.ByteSize(db.cfg.bucketElems)
	db.hdr.nextBlock = firstBucketAddr + bucketByteSize

	db.dir = bucket.NewDirectory(0, firstBucketAddr)

	if err := db.file.Extend(db.hdr.nextBlock); err != nil {
		return wrap(KindFileWriteError, err)
	}

	root := bucket.New(0, db.cfg.bucketElems)
	if err := db.writeBucketAt(firstBucketAddr, root); err != nil {
		return err
	}

	if err := db.writeDirectory(); err != nil {
		return err
	}
	if err := db.writeHeader(); err != nil {
		return err
	}
	return db.file.Sync()
}

func (db *DB) loadExisting() error {
	prefix := make([]byte, 8)
	if err := db.file.ReadAt(prefix, 0); err != nil {
		return wrap(KindFileReadError, err)
	}
	blockSize := int32(le32(prefix[4:8]))
	if blockSize < 512 {
		return wrap(KindBadHeader, fmt.Errorf("block_size %d < 512", blockSize))
	}

	full := make([]byte, blockSize)
	if err := db.file.ReadAt(full, 0); err != nil {
		return wrap(KindFileReadError, err)
	}
	hdr, err := decodeHeader(full)
	if err != nil {
		return err
	}
	if err := hdr.validate(); err != nil {
		return err
	}
	db.hdr = hdr
	// An existing file's layout comes from its header, not from options.
	db.cfg.blockSize = hdr.blockSize
	db.cfg.bucketElems = hdr.bucketElems

	dirRaw := make([]byte, hdr.dirSize)
	if err := db.file.ReadAt(dirRaw, hdr.dir); err != nil {
		return wrap(KindFileReadError, err)
	}
	dir, err := bucket.DecodeDirectory(dirRaw, hdr.dirBits)
	if err != nil {
		return wrap(KindBadDirEntry, err)
	}
	if err := dir.Validate(hdr.dir + int64(hdr.dirSize)); err != nil {
		fmt.Fprintf(db.logger, "gdbm: directory validation: %v\n", err)
		return wrap(KindBadDirEntry, err)
	}
	db.dir = dir

	if repaired, err := avail.Verify(hdr.availBlock, db.file, hdr.blockSize, hdr.dir+int64(hdr.dirSize), hdr.nextBlock, !db.readOnly); err != nil {
		return wrap(KindBadAvail, err)
	} else if repaired {
		fmt.Fprintf(db.logger, "gdbm: repaired unsorted available table on open\n")
		db.dirtyHeader = true
	}

	return nil
}

func le32(b []byte) uint32 {
	return uint32(b[0]) | uint32(b[1])<<8 | uint32(b[2])<<16 | uint32(b[3])<<24
}

func (db *DB) loadBucketFromDisk(addr int64) (cache.Bucket, error) {
	raw := make([]byte, bucket.ByteSize(db.cfg.bucketElems))
	if err := db.file.ReadAt(raw, addr); err != nil {
		return nil, wrap(KindFileReadError, err)
	}
	b, err := bucket.Decode(raw, db.cfg.bucketElems)
	if err != nil {
		return nil, wrap(KindBadBucket, err)
	}
	if err := b.Validate(db.dir.Bits); err != nil {
		return nil, wrap(KindBadBucket, err)
	}
	return b, nil
}

func (db *DB) writeBucketToDisk(addr int64, b cache.Bucket) error {
	return db.writeBucketAt(addr, b.(*bucket.Bucket))
}

func (db *DB) writeBucketAt(addr int64, b *bucket.Bucket) error {
	var buf bytes.Buffer
	if err := b.Encode(&buf); err != nil {
		return wrap(KindFileWriteError, err)
	}
	if err := db.file.WriteAt(buf.Bytes(), addr); err != nil {
		return wrap(KindFileWriteError, err)
	}
	return nil
}

func (db *DB) writeDirectory() error {
	var buf bytes.Buffer
	if err := db.dir.Encode(&buf); err != nil {
		return wrap(KindFileWriteError, err)
	}
	db.hdr.dirSize = int32(buf.Len())
	if err := db.file.WriteAt(buf.Bytes(), db.hdr.dir); err != nil {
		return wrap(KindFileWriteError, err)
	}
	db.dirtyDir = false
	return nil
}

func (db *DB) writeHeader() error {
	var buf bytes.Buffer
	if err := db.hdr.encode(&buf, db.hdr.blockSize); err != nil {
		return wrap(KindFileWriteError, err)
	}
	if err := db.file.WriteAt(buf.Bytes(), 0); err != nil {
		return wrap(KindFileWriteError, err)
	}
	db.dirtyHeader = false
	return nil
}

// Close flushes (for writer handles) and releases the handle's resources.
func (db *DB) Close() error {
	var err error
	if !db.readOnly && db.file != nil {
		err = db.Sync()
	}
	if db.snap != nil {
		db.snap.Close()
	}
	if db.lock != nil {
		db.lock.release()
	}
	if db.file != nil {
		if cerr := db.file.Close(); err == nil {
			err = cerr
		}
	}
	return err
}

// checkWritable is called at the top of every mutating operation, with the
// specific reader-mode error that operation reports (spec.md §7:
// READER_CANT_{DELETE,STORE,REORGANIZE}).
func (db *DB) checkWritable(readerErr *Error) error {
	if db.needRecovery {
		return ErrNeedRecovery
	}
	if db.readOnly {
		return readerErr
	}
	return nil
}
