package buckethash

import (
	"bytes"
	"time"

	"github.com/bytedance/gopkg/util/xxhash3"
)

// CompareFunc returns 0 if and only if the units a and b are equal.
type CompareFunc func(a, b []byte) int

// HashFunc returns the 32-bit hash key of a unit.
type HashFunc func(unit []byte) uint32

// EvictFunc scores an occupied unit for eviction. Zero means the unit must
// not be evicted; among positive scores the largest wins, so scores must be
// comparable across units (e.g. age in seconds).
type EvictFunc func(unit []byte, now time.Time) int

func defaultCompare(a, b []byte) int {
	return bytes.Compare(a, b)
}

func defaultHash(unit []byte) uint32 {
	h := xxhash3.Hash(unit)
	return uint32(h ^ h>>32)
}

// PrefixCompare compares only the first n bytes of two units, which is how
// units with a key prefix and a mutable value are indexed.
func PrefixCompare(n int) CompareFunc {
	return func(a, b []byte) int {
		return bytes.Compare(a[:n], b[:n])
	}
}

// PrefixHash hashes only the first n bytes of a unit.
func PrefixHash(n int) HashFunc {
	return func(unit []byte) uint32 {
		return defaultHash(unit[:n])
	}
}
