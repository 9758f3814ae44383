package bucket

import (
	"os"
	"testing"

	"github.com/gnu-mirror-unofficial/gdbm/internal/avail"
	"github.com/gnu-mirror-unofficial/gdbm/internal/fileio"
)

func withTempStorage(t *testing.T, size int64) *fileio.File {
	t.Helper()
	f, err := os.CreateTemp("", "gdbm-bucket-split-*")
	if err != nil {
		t.Fatalf("CreateTemp: %v", err)
	}
	name := f.Name()
	f.Close()
	t.Cleanup(func() { os.Remove(name) })

	file, err := fileio.Open(name, os.O_RDWR, 0o600)
	if err != nil {
		t.Fatalf("fileio.Open: %v", err)
	}
	t.Cleanup(func() { file.Close() })
	if err := file.Extend(size); err != nil {
		t.Fatalf("Extend: %v", err)
	}
	return file
}

func newAlloc(storage avail.Storage, nextBlock *int64) *avail.Allocator {
	master := &avail.Block{Table: avail.NewTable(16)}
	return avail.NewAllocator(storage, master, nextBlock, false)
}

func TestSplitOnceDoublesDirectoryWhenAtFullDepth(t *testing.T) {
	storage := withTempStorage(t, 4096)
	nextBlock := int64(4096)
	alloc := newAlloc(storage, &nextBlock)

	dir := NewDirectory(0, 512)
	cur := New(0, 8)
	_ = cur.Insert(slotWithHash(1 << 30))

	res, err := SplitOnce(dir, cur, 512, 1<<30, alloc, 8, 512)
	if err != nil {
		t.Fatalf("SplitOnce: %v", err)
	}
	if !res.Doubled {
		t.Fatal("expected directory to double when bucket is at full depth")
	}
	if dir.Bits != 1 {
		t.Fatalf("dir.Bits = %d, want 1", dir.Bits)
	}
	if res.Bucket0.Bits != 1 || res.Bucket1.Bits != 1 {
		t.Fatalf("new buckets should be one level deeper: %d, %d", res.Bucket0.Bits, res.Bucket1.Bits)
	}
}

func TestSplitOnceRedistributesByNewBit(t *testing.T) {
	storage := withTempStorage(t, 8192)
	nextBlock := int64(8192)
	alloc := newAlloc(storage, &nextBlock)

	dir := NewDirectory(1, 1024)
	cur := New(1, 8)
	lowHash := int32(0)          // top bit at newBits=2 is 0
	highHash := int32(1 << 29)   // bit 2 from top set -> goes to bucket1
	_ = cur.Insert(slotWithHash(lowHash))
	_ = cur.Insert(slotWithHash(highHash))

	res, err := SplitOnce(dir, cur, 1024, lowHash, alloc, 8, 512)
	if err != nil {
		t.Fatalf("SplitOnce: %v", err)
	}

	foundLow, foundHigh := false, false
	for _, s := range res.Bucket0.Slots {
		if s.Hash == lowHash {
			foundLow = true
		}
	}
	for _, s := range res.Bucket1.Slots {
		if s.Hash == highHash {
			foundHigh = true
		}
	}
	if !foundLow {
		t.Error("expected low-bit hash redistributed into bucket0")
	}
	if !foundHigh {
		t.Error("expected high-bit hash redistributed into bucket1")
	}
	if res.CurrentBucket != res.Bucket0 {
		t.Error("insert hash has cleared new bit, current bucket should be bucket0")
	}
}

func TestSplitOnceUpdatesDirectoryRange(t *testing.T) {
	storage := withTempStorage(t, 8192)
	nextBlock := int64(8192)
	alloc := newAlloc(storage, &nextBlock)

	dir := NewDirectory(2, 2048) // 4 entries, all pointing at the same bucket
	cur := New(0, 8)             // depth 0: referenced by all 2^(2-0) entries

	res, err := SplitOnce(dir, cur, 2048, 0, alloc, 8, 512)
	if err != nil {
		t.Fatalf("SplitOnce: %v", err)
	}

	if dir.Offsets[0] != res.Addr0 || dir.Offsets[1] != res.Addr0 {
		t.Fatalf("expected entries [0,1] -> Addr0, got %d %d", dir.Offsets[0], dir.Offsets[1])
	}
	if dir.Offsets[2] != res.Addr1 || dir.Offsets[3] != res.Addr1 {
		t.Fatalf("expected entries [2,3] -> Addr1, got %d %d", dir.Offsets[2], dir.Offsets[3])
	}
}
