package gdbm

import (
	"io"
	"os"
)

// OpenFlag is the historical bitmask from spec.md §6: one of Reader,
// WrCreat, or Newdb names the access mode, the rest are modifiers ORed in.
type OpenFlag int

const (
	Reader   OpenFlag = 1 << iota // open read-only
	WrCreat                      // create if absent, else open read/write
	Newdb                        // truncate and initialize a fresh database
	NoLock                       // skip advisory locking
	NoMmap                       // never use the mmap overlay (boundary contract only; see WithNoMmap)
	Sync                         // fsync after every mutating operation
	Cloexec                      // set close-on-exec on the underlying descriptor
	Numsync                      // use the extended ("numsync") header variant
)

const (
	// DefaultBlockSize is used when WithBlockSize is not given; it matches
	// spec.md §4.7's "block_size >= 512" floor.
	DefaultBlockSize = 512
	// DefaultBucketElems is a modest default slot count per bucket.
	DefaultBucketElems = 31
	// DefaultCacheSize is the initial bucket cache capacity (in buckets).
	DefaultCacheSize = 16
	// BucketAvail is BUCKET_AVAIL from spec.md §3: the fixed number of
	// local free-extent slots carried in every bucket.
	BucketAvail = 6
	// GDBMHashBits is GDBM_HASH_BITS from spec.md §4.4: the maximum
	// directory depth.
	GDBMHashBits = 31
	// GDBMMaxDirSize caps the directory's byte size (spec.md §4.4).
	GDBMMaxDirSize = 1<<31 - 1
	// SmallKeyPrefix is the number of key bytes cached inline in a bucket
	// slot to shortcut most fetch misses (spec.md §4.5).
	SmallKeyPrefix = 4
)

// Option configures Open the way the teacher's DiskSegmentManagerOption
// configures NewDiskSegmentManager (segmentmanager/disk.go).
type Option func(*config)

type config struct {
	blockSize    int32
	bucketElems  int32
	cacheSize    int
	cacheAuto    bool
	centralFree  bool
	fastWrite    bool
	syncEvery    bool
	noLock       bool
	noMmap       bool
	numsync      bool
	snapshotEven string
	snapshotOdd  string
	logger       io.Writer
}

func defaultConfig() *config {
	return &config{
		blockSize:   DefaultBlockSize,
		bucketElems: DefaultBucketElems,
		cacheSize:   DefaultCacheSize,
		cacheAuto:   true,
		logger:      os.Stderr,
	}
}

// WithBlockSize sets the file's logical block size for a NEWDB open. Must
// be >= 512 (spec.md §4.7).
func WithBlockSize(n int32) Option {
	return func(c *config) { c.blockSize = n }
}

// WithBucketElems sets the number of slots per bucket for a NEWDB open.
func WithBucketElems(n int32) Option {
	return func(c *config) { c.bucketElems = n }
}

// WithCacheSize sets the bucket cache's capacity, in buckets, and turns off
// the autosizing that is otherwise on by default.
func WithCacheSize(n int) Option {
	return func(c *config) { c.cacheSize = n; c.cacheAuto = false }
}

// WithCentralFree enables the policy that diverts bucket-originated frees
// directly to the master available table (spec.md §4.2).
func WithCentralFree(v bool) Option {
	return func(c *config) { c.centralFree = v }
}

// WithFastWrite elides per-phase fsyncs within Sync, leaving only the final
// durability barrier (spec.md §4.8).
func WithFastWrite(v bool) Option {
	return func(c *config) { c.fastWrite = v }
}

// WithSyncEvery fsyncs after every mutating operation, equivalent to the
// Sync open flag.
func WithSyncEvery(v bool) Option {
	return func(c *config) { c.syncEvery = v }
}

// WithSnapshots enables the crash-tolerance snapshot protocol (spec.md
// §4.9) using the given even/odd file paths, as if the caller had invoked
// failure_atomic(even, odd).
func WithSnapshots(even, odd string) Option {
	return func(c *config) { c.snapshotEven = even; c.snapshotOdd = odd }
}

// WithNoLock skips the advisory OS file lock normally taken at Open.
func WithNoLock(v bool) Option {
	return func(c *config) { c.noLock = v }
}

// WithNoMmap is accepted for parity with the historical NOMMAP flag; gdbm-go
// never uses a memory-mapped overlay (spec.md treats mmap as a boundary
// contract only), so this option has no effect and exists purely so callers
// migrating an open-flags bitmask have somewhere to put the bit.
func WithNoMmap(v bool) Option {
	return func(c *config) { c.noMmap = v }
}

// WithNumsync opens (or creates) the database using the extended header
// variant that carries a monotonic sync counter (spec.md §3, §4.9).
func WithNumsync(v bool) Option {
	return func(c *config) { c.numsync = v }
}

// WithLogger overrides where best-effort diagnostics (a directory that fails
// validation at open, an available table repaired at open, a snapshot setup
// or snapshot sync failure) are written. Defaults to os.Stderr. A snapshot
// pair that disables itself because reflink is unsupported does so without
// a message.
func WithLogger(w io.Writer) Option {
	return func(c *config) { c.logger = w }
}
