package key

import (
	"math/bits"
	"sort"
)

// Xor returns the Kademlia distance between a and b.
func Xor(a, b Key) Key {
	var d Key
	for i := 0; i < Size; i++ {
		d[i] = a[i] ^ b[i]
	}
	return d
}

// Distance returns Xor(k, other).
func (k Key) Distance(other Key) Key {
	return Xor(k, other)
}

// LeadingZeros counts the leading zero bits of k, scanning from the most
// significant byte. The zero key yields Bits.
func (k Key) LeadingZeros() int {
	for i := 0; i < Size; i++ {
		if k[i] != 0 {
			return i*8 + bits.LeadingZeros8(k[i])
		}
	}
	return Bits
}

// BucketOf returns the routing bucket for a distance value: 0 for the
// farthest half of the key space, Bits-1 for the adjacent key, and Bits for a
// zero distance.
func BucketOf(distance Key) int {
	return distance.LeadingZeros()
}

// CommonPrefixLen is the number of leading bits a and b share.
func CommonPrefixLen(a, b Key) int {
	for i := 0; i < Size; i++ {
		if x := a[i] ^ b[i]; x != 0 {
			return i*8 + bits.LeadingZeros8(x)
		}
	}
	return Bits
}

// Closer reports whether a is strictly closer to target than b.
func Closer(target, a, b Key) bool {
	for i := 0; i < Size; i++ {
		da, db := target[i]^a[i], target[i]^b[i]
		if da != db {
			return da < db
		}
	}
	return false
}

// SortByDistance orders keys by ascending distance to target, in place.
func SortByDistance(target Key, keys []Key) {
	sort.SliceStable(keys, func(i, j int) bool {
		return Closer(target, keys[i], keys[j])
	})
}
