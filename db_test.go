package gdbm

import (
	"bytes"
	"fmt"
	"os"
	"testing"
)

func withTempDB(t *testing.T, opts ...Option) (*DB, func(t *testing.T)) {
	t.Helper()
	f, err := os.CreateTemp("", "gdbm-test-*.db")
	if err != nil {
		t.Fatalf("CreateTemp: %v", err)
	}
	path := f.Name()
	f.Close()
	os.Remove(path)

	db, err := Open(path, Newdb, 0o600, opts...)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	return db, func(t *testing.T) {
		db.Close()
		os.Remove(path)
	}
}

func TestStoreFetchRoundTrip(t *testing.T) {
	db, cleanup := withTempDB(t)
	defer cleanup(t)

	if err := db.Store([]byte("hello"), []byte("world"), Insert); err != nil {
		t.Fatalf("Store: %v", err)
	}
	got, err := db.Fetch([]byte("hello"))
	if err != nil {
		t.Fatalf("Fetch: %v", err)
	}
	if !bytes.Equal(got, []byte("world")) {
		t.Fatalf("got %q, want %q", got, "world")
	}
}

func TestFetchMissingKeyReturnsItemNotFound(t *testing.T) {
	db, cleanup := withTempDB(t)
	defer cleanup(t)

	_, err := db.Fetch([]byte("nope"))
	if err != ErrItemNotFound {
		t.Fatalf("got %v, want ErrItemNotFound", err)
	}
}

func TestInsertAgainstExistingKeyFails(t *testing.T) {
	db, cleanup := withTempDB(t)
	defer cleanup(t)

	if err := db.Store([]byte("k"), []byte("v1"), Insert); err != nil {
		t.Fatal(err)
	}
	err := db.Store([]byte("k"), []byte("v2"), Insert)
	if err != ErrCannotReplace {
		t.Fatalf("got %v, want ErrCannotReplace", err)
	}
	got, _ := db.Fetch([]byte("k"))
	if !bytes.Equal(got, []byte("v1")) {
		t.Fatalf("value should be unchanged after failed insert, got %q", got)
	}
}

func TestReplaceSameSizeKeepsDataPointer(t *testing.T) {
	db, cleanup := withTempDB(t)
	defer cleanup(t)

	if err := db.Store([]byte("hello"), []byte("AAAAAAAA"), Replace); err != nil {
		t.Fatal(err)
	}

	h := hash31([]byte("hello"))
	b, _, err := db.locate(h)
	if err != nil {
		t.Fatal(err)
	}
	idx, found, err := db.findSlot(b, h, []byte("hello"))
	if err != nil || !found {
		t.Fatalf("expected slot found: %v %v", found, err)
	}
	before := b.Slots[idx].DataPointer

	if err := db.Store([]byte("hello"), []byte("BBBBBBBB"), Replace); err != nil {
		t.Fatal(err)
	}
	after := b.Slots[idx].DataPointer
	if before != after {
		t.Fatalf("data_pointer changed on same-size replace: %d -> %d", before, after)
	}
	got, err := db.Fetch([]byte("hello"))
	if err != nil || !bytes.Equal(got, []byte("BBBBBBBB")) {
		t.Fatalf("got %q, %v", got, err)
	}
}

func TestDeleteThenFetchMisses(t *testing.T) {
	db, cleanup := withTempDB(t)
	defer cleanup(t)

	if err := db.Store([]byte("k"), []byte("v"), Insert); err != nil {
		t.Fatal(err)
	}
	if err := db.Delete([]byte("k")); err != nil {
		t.Fatal(err)
	}
	if err := db.Delete([]byte("k")); err != ErrItemNotFound {
		t.Fatalf("second delete: got %v, want ErrItemNotFound", err)
	}
	if _, err := db.Fetch([]byte("k")); err != ErrItemNotFound {
		t.Fatalf("got %v, want ErrItemNotFound", err)
	}
}

func TestFreeListRecyclesSpaceOnDeleteThenReinsert(t *testing.T) {
	db, cleanup := withTempDB(t)
	defer cleanup(t)

	for i := 0; i < 10; i++ {
		key := []byte(fmt.Sprintf("key-%02d", i))
		value := bytes.Repeat([]byte{byte(i)}, 64)
		if err := db.Store(key, value, Insert); err != nil {
			t.Fatal(err)
		}
	}
	for i := 0; i < 10; i += 2 {
		key := []byte(fmt.Sprintf("key-%02d", i))
		if err := db.Delete(key); err != nil {
			t.Fatal(err)
		}
	}
	if err := db.Sync(); err != nil {
		t.Fatal(err)
	}
	before := db.hdr.nextBlock

	for i := 0; i < 10; i += 2 {
		key := []byte(fmt.Sprintf("new-%02d", i))
		value := bytes.Repeat([]byte{byte(i)}, 64)
		if err := db.Store(key, value, Insert); err != nil {
			t.Fatal(err)
		}
	}
	if err := db.Sync(); err != nil {
		t.Fatal(err)
	}
	after := db.hdr.nextBlock
	if after != before {
		t.Fatalf("next_block advanced on recycle: %d -> %d", before, after)
	}
}

func TestCountMatchesLiveKeySet(t *testing.T) {
	db, cleanup := withTempDB(t)
	defer cleanup(t)

	for i := 0; i < 20; i++ {
		key := []byte(fmt.Sprintf("k%d", i))
		if err := db.Store(key, []byte("v"), Insert); err != nil {
			t.Fatal(err)
		}
	}
	if err := db.Delete([]byte("k5")); err != nil {
		t.Fatal(err)
	}

	n, err := db.Count()
	if err != nil {
		t.Fatal(err)
	}
	if n != 19 {
		t.Fatalf("Count() = %d, want 19", n)
	}
}

func TestFirstNextKeyCoversEveryLiveKeyOnce(t *testing.T) {
	db, cleanup := withTempDB(t)
	defer cleanup(t)

	want := map[string]bool{}
	for i := 0; i < 64; i++ {
		key := fmt.Sprintf("iter-key-%03d", i)
		want[key] = true
		if err := db.Store([]byte(key), []byte("v"), Insert); err != nil {
			t.Fatal(err)
		}
	}

	seen := map[string]bool{}
	key, err := db.FirstKey()
	for err == nil {
		if seen[string(key)] {
			t.Fatalf("duplicate key in iteration: %q", key)
		}
		seen[string(key)] = true
		key, err = db.NextKey(key)
	}
	if err != ErrItemNotFound {
		t.Fatalf("iteration ended with %v", err)
	}

	if len(seen) != len(want) {
		t.Fatalf("saw %d keys, want %d", len(seen), len(want))
	}
	for k := range want {
		if !seen[k] {
			t.Fatalf("missing key %q from iteration", k)
		}
	}
}

func TestDirectoryDoublingPreservesBucketReferenceInvariant(t *testing.T) {
	db, cleanup := withTempDB(t, WithBucketElems(4))
	defer cleanup(t)

	for i := 0; i < 256; i++ {
		key := []byte(fmt.Sprintf("split-key-%04d", i))
		if err := db.Store(key, []byte("v"), Insert); err != nil {
			t.Fatalf("store %d: %v", i, err)
		}
	}
	if db.dir.Bits == 0 {
		t.Fatal("expected directory to have doubled at least once")
	}

	i := 0
	for i < len(db.dir.Offsets) {
		addr := db.dir.Offsets[i]
		bits := db.bucketBitsAt(addr)
		start, end := db.dir.Range(i, bits)
		if start != i {
			t.Fatalf("entry %d is not the start of its bucket's range [%d,%d)", i, start, end)
		}
		span := end - start
		if span != 1<<uint(db.dir.Bits-bits) {
			t.Fatalf("bucket at %d: span %d != 2^(D-bits) = %d", i, span, 1<<uint(db.dir.Bits-bits))
		}
		for j := start; j < end; j++ {
			if db.dir.Offsets[j] != addr {
				t.Fatalf("entry %d in range [%d,%d) does not share bucket offset", j, start, end)
			}
		}
		i = end
	}
}

// TestDirectoryDoublingSurvivesSyncAndReopen is spec.md §8 concrete scenario
// 1: split through doubling (at least twice, via a small bucket_elems so a
// modest key count forces it), close, reopen read-only, and re-fetch every
// key. A relocated-but-never-relinked directory (the doubled directory
// written back over the old, undersized extent instead of a fresh one)
// would corrupt the hash index the moment the freed old-directory bytes got
// reused by a later allocation — this only surfaces once the grown
// directory is actually flushed to disk and read back.
func TestDirectoryDoublingSurvivesSyncAndReopen(t *testing.T) {
	f, err := os.CreateTemp("", "gdbm-dirdouble-*.db")
	if err != nil {
		t.Fatal(err)
	}
	path := f.Name()
	f.Close()
	os.Remove(path)
	defer os.Remove(path)

	db, err := Open(path, Newdb, 0o600, WithBucketElems(4))
	if err != nil {
		t.Fatal(err)
	}

	want := map[string]string{}
	for i := 0; i < 512; i++ {
		key := fmt.Sprintf("dd-key-%04d", i)
		value := fmt.Sprintf("dd-value-%04d", i)
		want[key] = value
		if err := db.Store([]byte(key), []byte(value), Insert); err != nil {
			t.Fatalf("store %d: %v", i, err)
		}
	}
	if db.dir.Bits < 2 {
		t.Fatalf("expected directory to have doubled at least twice, got dir.Bits=%d", db.dir.Bits)
	}

	if err := db.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	reader, err := Open(path, Reader, 0o600)
	if err != nil {
		t.Fatalf("reopen read-only: %v", err)
	}
	defer reader.Close()

	if reader.hdr.dirBits != db.hdr.dirBits || reader.hdr.dirSize != db.hdr.dirSize {
		t.Fatalf("reopened header dir_bits/dir_size mismatch: got (%d,%d), want (%d,%d)",
			reader.hdr.dirBits, reader.hdr.dirSize, db.hdr.dirBits, db.hdr.dirSize)
	}

	for key, value := range want {
		got, err := reader.Fetch([]byte(key))
		if err != nil {
			t.Fatalf("fetch %q after reopen: %v", key, err)
		}
		if string(got) != value {
			t.Fatalf("key %q: got %q, want %q", key, got, value)
		}
	}

	if err := reader.VerifyAvail(); err != nil {
		t.Fatalf("VerifyAvail after reopen: %v", err)
	}
}

func TestCloseThenReopenYieldsSameMapping(t *testing.T) {
	f, err := os.CreateTemp("", "gdbm-reopen-*.db")
	if err != nil {
		t.Fatal(err)
	}
	path := f.Name()
	f.Close()
	os.Remove(path)
	defer os.Remove(path)

	db, err := Open(path, Newdb, 0o600)
	if err != nil {
		t.Fatal(err)
	}
	for i := 0; i < 30; i++ {
		key := []byte(fmt.Sprintf("rk%d", i))
		value := []byte(fmt.Sprintf("rv%d", i))
		if err := db.Store(key, value, Insert); err != nil {
			t.Fatal(err)
		}
	}
	if err := db.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	reopened, err := Open(path, WrCreat, 0o600)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer reopened.Close()

	for i := 0; i < 30; i++ {
		key := []byte(fmt.Sprintf("rk%d", i))
		want := []byte(fmt.Sprintf("rv%d", i))
		got, err := reopened.Fetch(key)
		if err != nil {
			t.Fatalf("fetch %s after reopen: %v", key, err)
		}
		if !bytes.Equal(got, want) {
			t.Fatalf("key %s: got %q, want %q", key, got, want)
		}
	}
}

func TestReaderHandleCannotStoreOrDelete(t *testing.T) {
	f, err := os.CreateTemp("", "gdbm-reader-*.db")
	if err != nil {
		t.Fatal(err)
	}
	path := f.Name()
	f.Close()
	os.Remove(path)
	defer os.Remove(path)

	db, err := Open(path, Newdb, 0o600)
	if err != nil {
		t.Fatal(err)
	}
	if err := db.Store([]byte("k"), []byte("v"), Insert); err != nil {
		t.Fatal(err)
	}
	db.Close()

	reader, err := Open(path, Reader, 0o600)
	if err != nil {
		t.Fatalf("reopen as reader: %v", err)
	}
	defer reader.Close()

	if err := reader.Store([]byte("k2"), []byte("v2"), Insert); err != ErrReaderCantStore {
		t.Fatalf("got %v, want ErrReaderCantStore", err)
	}
	if err := reader.Delete([]byte("k")); err != ErrReaderCantDelete {
		t.Fatalf("got %v, want ErrReaderCantDelete", err)
	}
	got, err := reader.Fetch([]byte("k"))
	if err != nil || !bytes.Equal(got, []byte("v")) {
		t.Fatalf("reader Fetch should still work: %q, %v", got, err)
	}
}

func TestReorganizePreservesMapping(t *testing.T) {
	f, err := os.CreateTemp("", "gdbm-reorg-*.db")
	if err != nil {
		t.Fatal(err)
	}
	path := f.Name()
	f.Close()
	os.Remove(path)
	defer os.Remove(path)
	defer os.Remove(path + ".reorg.tmp")

	db, err := Open(path, Newdb, 0o600)
	if err != nil {
		t.Fatal(err)
	}
	defer db.Close()

	for i := 0; i < 40; i++ {
		key := []byte(fmt.Sprintf("rk%d", i))
		value := []byte(fmt.Sprintf("rv%d", i))
		if err := db.Store(key, value, Insert); err != nil {
			t.Fatal(err)
		}
	}
	for i := 0; i < 40; i += 3 {
		db.Delete([]byte(fmt.Sprintf("rk%d", i)))
	}

	if err := db.Reorganize(); err != nil {
		t.Fatalf("Reorganize: %v", err)
	}

	for i := 0; i < 40; i++ {
		key := fmt.Sprintf("rk%d", i)
		got, err := db.Fetch([]byte(key))
		if i%3 == 0 {
			if err != ErrItemNotFound {
				t.Fatalf("key %s should be gone, got %v/%v", key, got, err)
			}
			continue
		}
		want := []byte(fmt.Sprintf("rv%d", i))
		if err != nil || !bytes.Equal(got, want) {
			t.Fatalf("key %s: got %q, %v, want %q", key, got, err, want)
		}
	}

	if err := db.VerifyAvail(); err != nil {
		t.Fatalf("VerifyAvail after Reorganize: %v", err)
	}
}

func TestCacheStatsTrackHitsAndMisses(t *testing.T) {
	db, cleanup := withTempDB(t, WithCacheSize(4))
	defer cleanup(t)

	for i := 0; i < 8; i++ {
		key := []byte(fmt.Sprintf("stat-key-%d", i))
		if err := db.Store(key, []byte("v"), Insert); err != nil {
			t.Fatal(err)
		}
	}
	hits, misses, _, _ := db.CacheStats()
	if hits == 0 && misses == 0 {
		t.Fatal("expected non-zero cache activity")
	}
}

func TestConvertToNumsyncThenBackRoundTrips(t *testing.T) {
	db, cleanup := withTempDB(t)
	defer cleanup(t)

	if err := db.Store([]byte("k"), []byte("v"), Insert); err != nil {
		t.Fatal(err)
	}
	if err := db.ConvertToNumsync(); err != nil {
		t.Fatalf("ConvertToNumsync: %v", err)
	}
	if !db.hdr.numsync {
		t.Fatal("expected numsync header after conversion")
	}
	got, err := db.Fetch([]byte("k"))
	if err != nil || !bytes.Equal(got, []byte("v")) {
		t.Fatalf("fetch after numsync conversion: %q, %v", got, err)
	}

	if err := db.ConvertToStandard(); err != nil {
		t.Fatalf("ConvertToStandard: %v", err)
	}
	if db.hdr.numsync {
		t.Fatal("expected standard header after reverting")
	}
}
