package gdbm

// hash31 is gdbm's on-disk hash contract (spec.md §4.6): a 31-bit value
// (the top bit is always clear, since -1 is reserved as the empty-slot
// sentinel) computed the same way upstream GNU gdbm computes it, so files
// written by this implementation and files written by the C original
// place keys in the same buckets and the same probe slots.
func hash31(key []byte) int32 {
	value := uint32(0x238f13af) * uint32(len(key))
	for i, b := range key {
		value = (value + (uint32(b) << (uint(i*5) % 24))) & 0x7fffffff
	}
	value = (1103515243*value + 12345) & 0x7fffffff
	return int32(value)
}
