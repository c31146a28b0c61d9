// Package key implements the 256-bit identifier space shared by nodes and
// stored values, together with the XOR distance metric used to order them.
//
// A Key is a plain [Size]byte value, most significant byte first. Keys are
// compared lexicographically, and the XOR of two keys is itself a Key whose
// leading zero count selects the routing bucket one key falls into relative
// to the other.
package key

import (
	"bytes"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
)

const (
	// Size is the number of bytes in a Key.
	Size = 32
	// Bits is the number of bits in a Key, and the number of routing buckets.
	Bits = Size * 8
)

var (
	ErrInvalidBucketIndex = errors.New("key: invalid bucket index")
	ErrInvalidLength      = errors.New("key: invalid length")
)

// Key identifies a node or a stored value. The zero Key is the origin of the
// key space and the identity element of Xor.
type Key [Size]byte

// Zero is the all-zero key.
var Zero Key

// New wraps b verbatim. Every 256-bit pattern is a valid key.
func New(b [Size]byte) Key {
	return Key(b)
}

// FromBytes copies b into a Key. b must be exactly Size bytes long.
func FromBytes(b []byte) (Key, error) {
	if len(b) != Size {
		return Key{}, fmt.Errorf("%w: got %d bytes, want %d", ErrInvalidLength, len(b), Size)
	}
	var k Key
	copy(k[:], b)
	return k, nil
}

// ParseHex decodes 2*Size hex digits of either case.
func ParseHex(s string) (Key, error) {
	if len(s) != 2*Size {
		return Key{}, fmt.Errorf("%w: got %d hex digits, want %d", ErrInvalidLength, len(s), 2*Size)
	}
	var k Key
	if _, err := hex.Decode(k[:], []byte(s)); err != nil {
		return Key{}, fmt.Errorf("key: invalid hex: %w", err)
	}
	return k, nil
}

// Bytes returns a copy of the key bytes.
func (k Key) Bytes() []byte {
	out := make([]byte, Size)
	copy(out, k[:])
	return out
}

func (k Key) IsZero() bool {
	return k == Zero
}

func (k Key) Equal(other Key) bool {
	return k == other
}

// Compare orders keys lexicographically and returns -1, 0 or +1.
func (k Key) Compare(other Key) int {
	return bytes.Compare(k[:], other[:])
}

func (k Key) Less(other Key) bool {
	return k.Compare(other) < 0
}

// String renders the key as 64 uppercase hex digits.
func (k Key) String() string {
	return strings.ToUpper(hex.EncodeToString(k[:]))
}

// Format renders %x as lowercase hex and %q as quoted String. Every other
// verb formats String as %s would, keeping width and flags.
func (k Key) Format(f fmt.State, verb rune) {
	switch verb {
	case 'x':
		fmt.Fprintf(f, fmt.FormatString(f, 's'), hex.EncodeToString(k[:]))
	case 'q':
		fmt.Fprintf(f, fmt.FormatString(f, 'q'), k.String())
	default:
		fmt.Fprintf(f, fmt.FormatString(f, 's'), k.String())
	}
}
