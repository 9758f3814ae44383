// Package record implements gdbm-go's key/value payload placement inside
// file extents obtained from internal/avail, and the key_start prefix
// short-circuit that lets most fetch misses avoid reading the payload
// (spec.md §4.5).
package record

import (
	"bytes"
	"fmt"

	"github.com/gnu-mirror-unofficial/gdbm/internal/avail"
)

// PrefixLen mirrors bucket.KeyPrefixLen; duplicated here rather than
// imported to keep this package free of a dependency on internal/bucket,
// whose Slot type already embeds the same constant.
const PrefixLen = 4

// Storage is the positioned read/write surface records are placed on.
type Storage interface {
	ReadAt(buf []byte, off int64) error
	WriteAt(buf []byte, off int64) error
}

// Prefix returns the first PrefixLen bytes of key, zero-padded (spec.md §3:
// "key_start[SMALL_KEY_PREFIX]").
func Prefix(key []byte) [PrefixLen]byte {
	var p [PrefixLen]byte
	copy(p[:], key)
	return p
}

// Place writes key immediately followed by value as one contiguous extent
// at addr (the extent's size must already equal len(key)+len(value), as
// allocated by the caller via internal/avail).
func Place(s Storage, addr int64, key, value []byte) error {
	buf := make([]byte, 0, len(key)+len(value))
	buf = append(buf, key...)
	buf = append(buf, value...)
	if err := s.WriteAt(buf, addr); err != nil {
		return fmt.Errorf("record: place: %w", err)
	}
	return nil
}

// MatchesPrefix reports whether a candidate slot (identified by its stored
// hash having already matched) may still hold key. It returns false, ruling
// the slot out without a payload read, if keySize doesn't match len(key) or
// the stored key_start prefix disagrees with key's own prefix.
func MatchesPrefix(keySize uint32, keyStart [PrefixLen]byte, key []byte) bool {
	if int(keySize) != len(key) {
		return false
	}
	return bytes.Equal(keyStart[:], Prefix(key)[:])
}

// ReadKey reads just the key portion of a record, for the final
// byte-for-byte confirmation a prefix match still requires.
func ReadKey(s Storage, addr int64, keySize uint32) ([]byte, error) {
	buf := make([]byte, keySize)
	if err := s.ReadAt(buf, addr); err != nil {
		return nil, fmt.Errorf("record: read key: %w", err)
	}
	return buf, nil
}

// ReadValue reads the value portion, found immediately after the key.
func ReadValue(s Storage, addr int64, keySize, dataSize uint32) ([]byte, error) {
	buf := make([]byte, dataSize)
	if err := s.ReadAt(buf, addr+int64(keySize)); err != nil {
		return nil, fmt.Errorf("record: read value: %w", err)
	}
	return buf, nil
}

// Fetch performs the full candidate check spec.md §4.5 describes: prefix
// check, then key bytes, returning the value only on a confirmed match.
// ok is false (with a nil error) on a clean miss; err is non-nil only on an
// I/O failure.
func Fetch(s Storage, addr int64, keySize, dataSize uint32, keyStart [PrefixLen]byte, key []byte) (value []byte, ok bool, err error) {
	if !MatchesPrefix(keySize, keyStart, key) {
		return nil, false, nil
	}
	stored, err := ReadKey(s, addr, keySize)
	if err != nil {
		return nil, false, err
	}
	if !bytes.Equal(stored, key) {
		return nil, false, nil
	}
	value, err = ReadValue(s, addr, keySize, dataSize)
	if err != nil {
		return nil, false, err
	}
	return value, true, nil
}

// Size returns the byte extent a (key, value) pair occupies on disk.
func Size(key, value []byte) int32 {
	return int32(len(key) + len(value))
}

// Free returns the record's extent to the allocator, preferring the
// bucket-local pool unless central-free policy is enabled (spec.md §4.5
// delete step: "free (data_pointer, key_size + data_size)").
func Free(alloc *avail.Allocator, addr int64, keySize, dataSize uint32, local *avail.Table) error {
	return alloc.Free(addr, int32(keySize+dataSize), local)
}
