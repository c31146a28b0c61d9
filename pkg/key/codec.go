package key

import (
	"fmt"

	"github.com/fxamacker/cbor/v2"
)

func (k Key) MarshalBinary() ([]byte, error) {
	return k.Bytes(), nil
}

func (k *Key) UnmarshalBinary(b []byte) error {
	parsed, err := FromBytes(b)
	if err != nil {
		return err
	}
	*k = parsed
	return nil
}

// MarshalText emits lowercase hex; UnmarshalText accepts either case.
func (k Key) MarshalText() ([]byte, error) {
	return []byte(fmt.Sprintf("%x", k)), nil
}

func (k *Key) UnmarshalText(b []byte) error {
	parsed, err := ParseHex(string(b))
	if err != nil {
		return err
	}
	*k = parsed
	return nil
}

// MarshalCBOR encodes the key as a 32-byte CBOR byte string.
func (k Key) MarshalCBOR() ([]byte, error) {
	return cbor.Marshal(k[:])
}

func (k *Key) UnmarshalCBOR(data []byte) error {
	var raw []byte
	if err := cbor.Unmarshal(data, &raw); err != nil {
		return fmt.Errorf("key: decode cbor: %w", err)
	}
	return k.UnmarshalBinary(raw)
}
