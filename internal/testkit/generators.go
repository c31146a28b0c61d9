package testkit

import (
	"math/rand"
	"sync"
	"time"

	"github.com/KeplerC/capsule-router/pkg/key"
)

// RNG provides a deterministic random number generator.
// If seed is 0, it uses the current time.
func RNG(seed int64) *rand.Rand {
	if seed == 0 {
		seed = time.Now().UnixNano()
	}
	return rand.New(rand.NewSource(seed))
}

// RandomBytes generates a slice of random bytes of the given length.
func RandomBytes(r *rand.Rand, length int) []byte {
	b := make([]byte, length)
	for i := range b {
		b[i] = byte(r.Intn(256))
	}
	return b
}

// RandomKey draws a key from r, so key fixtures are reproducible per seed.
func RandomKey(r *rand.Rand) key.Key {
	var k key.Key
	for i := range k {
		k[i] = byte(r.Intn(256))
	}
	return k
}

// KeyWithLastByte returns the key 00..00<b>.
func KeyWithLastByte(b byte) key.Key {
	var k key.Key
	k[key.Size-1] = b
	return k
}

// CompressibleBytes generates a slice of highly compressible bytes of the given length.
func CompressibleBytes(r *rand.Rand, length int) []byte {
	b := make([]byte, length)
	pattern := []byte("highly compressible repeating pattern ")
	pLen := len(pattern)
	for i := 0; i < length; i++ {
		b[i] = pattern[i%pLen]
	}

	for i := 0; i < length/1024; i++ {
		b[r.Intn(length)] = byte(r.Intn(256))
	}

	return b
}

// SequenceSource is a key.Source that replays a fixed byte sequence,
// wrapping around when exhausted. It lets tests pin the "random" bits a
// generator starts from.
type SequenceSource struct {
	mu  sync.Mutex
	seq []byte
	pos int
}

// NewSequenceSource returns a source replaying seq. seq must not be empty.
func NewSequenceSource(seq ...byte) *SequenceSource {
	return &SequenceSource{seq: append([]byte(nil), seq...)}
}

func (s *SequenceSource) Fill(b []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range b {
		b[i] = s.seq[s.pos]
		s.pos = (s.pos + 1) % len(s.seq)
	}
}

// MutateBytes returns a copy of base with random insertions, deletions or
// modifications, for near-duplicate values that should share most chunks.
func MutateBytes(r *rand.Rand, base []byte, mutations int) []byte {
	out := make([]byte, len(base))
	copy(out, base)

	for i := 0; i < mutations; i++ {
		op := r.Intn(3)
		offset := r.Intn(len(out))

		switch op {
		case 0:
			val := byte(r.Intn(256))
			out = append(out[:offset], append([]byte{val}, out[offset:]...)...)
		case 1:
			if len(out) > 1 {
				out = append(out[:offset], out[offset+1:]...)
			}
		case 2:
			out[offset] = byte(r.Intn(256))
		}
	}
	return out
}
