package key

import (
	"encoding/binary"
	"fmt"
	"math/rand/v2"
	"sync"
)

// Source fills byte slices with statistically random data. Implementations
// must be safe for concurrent use. Keys are not secrets, so a
// non-cryptographic source is fine.
type Source interface {
	Fill(b []byte)
}

// SourceFunc adapts a function to Source.
type SourceFunc func(b []byte)

func (f SourceFunc) Fill(b []byte) { f(b) }

type runtimeSource struct{}

// DefaultSource returns the process-wide source backed by the math/rand/v2
// top-level generator.
func DefaultSource() Source {
	return runtimeSource{}
}

func (runtimeSource) Fill(b []byte) {
	fillFrom(b, rand.Uint64)
}

type seededSource struct {
	mu  sync.Mutex
	rng *rand.Rand
}

// NewSeededSource returns a reproducible source. Two sources built from the
// same seed yield the same byte stream.
func NewSeededSource(seed uint64) Source {
	return &seededSource{rng: rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15))}
}

func (s *seededSource) Fill(b []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	fillFrom(b, s.rng.Uint64)
}

func fillFrom(b []byte, next func() uint64) {
	for len(b) >= 8 {
		binary.BigEndian.PutUint64(b, next())
		b = b[8:]
	}
	if len(b) > 0 {
		var tail [8]byte
		binary.BigEndian.PutUint64(tail[:], next())
		copy(b, tail[:])
	}
}

// Generator draws random keys from a Source.
type Generator struct {
	src Source
}

// NewGenerator returns a Generator over src. A nil src uses DefaultSource.
func NewGenerator(src Source) *Generator {
	if src == nil {
		src = DefaultSource()
	}
	return &Generator{src: src}
}

// Random returns a key whose 256 bits are independent fair coin flips, to the
// quality of the underlying source.
func (g *Generator) Random() Key {
	var k Key
	g.src.Fill(k[:])
	return k
}

// RandomInBucket returns a random key with exactly index leading zero bits.
// Used as a distance, it lands in routing bucket index; callers XOR it with
// their own ID to get a lookup target for that bucket.
func (g *Generator) RandomInBucket(index int) (Key, error) {
	if index < 0 || index >= Bits {
		return Key{}, fmt.Errorf("%w: %d not in [0, %d)", ErrInvalidBucketIndex, index, Bits)
	}
	k := g.Random()
	byteIdx, bitIdx := index/8, uint(index%8)
	for i := 0; i < byteIdx; i++ {
		k[i] = 0
	}
	k[byteIdx] &= 0xFF >> bitIdx
	k[byteIdx] |= 1 << (7 - bitIdx)
	return k, nil
}

var defaultGenerator = NewGenerator(nil)

// Random returns a uniformly random key from DefaultSource.
func Random() Key {
	return defaultGenerator.Random()
}

// RandomInBucket is Generator.RandomInBucket on DefaultSource.
func RandomInBucket(index int) (Key, error) {
	return defaultGenerator.RandomInBucket(index)
}
