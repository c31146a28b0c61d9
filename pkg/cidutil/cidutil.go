package cidutil

import (
	"bytes"
	"fmt"
	"io"

	"github.com/KeplerC/capsule-router/pkg/core"
	"github.com/KeplerC/capsule-router/pkg/key"
	"github.com/ipfs/go-cid"
	"github.com/multiformats/go-multihash"
)

// Builder creates and verifies CIDs and maps content onto the key space.
// Every hash is SHA2-256, so a digest is exactly one key.Key wide.
type Builder interface {
	ChunkCID(plain []byte) (core.CID, error)
	RecordCID(cborBytes []byte) (core.CID, error)
	Verify(c core.CID, plain []byte) error

	// ContentKey is the key a value is stored under when addressed by content.
	ContentKey(value []byte) (key.Key, error)
	// ContentKeyReader is ContentKey over a stream.
	ContentKeyReader(r io.Reader) (key.Key, error)
	// KeyFromCID extracts the SHA2-256 digest of c as a key.
	KeyFromCID(c core.CID) (key.Key, error)
	// CIDForKey wraps k as a SHA2-256 multihash inside a CIDv1 of codec.
	CIDForKey(codec uint64, k key.Key) (core.CID, error)
}

type builder struct{}

// NewBuilder returns a new CID builder implementation.
func NewBuilder() Builder {
	return &builder{}
}

func (b *builder) ChunkCID(plain []byte) (core.CID, error) {
	return b.buildCID(cid.Raw, plain)
}

func (b *builder) RecordCID(cborBytes []byte) (core.CID, error) {
	return b.buildCID(cid.DagCBOR, cborBytes)
}

func (b *builder) buildCID(codec uint64, data []byte) (core.CID, error) {
	hash, err := multihash.Sum(data, multihash.SHA2_256, -1)
	if err != nil {
		return core.CID{}, fmt.Errorf("failed to compute multihash: %w", err)
	}

	c := cid.NewCidV1(codec, hash)
	return core.CID{Bytes: c.Bytes()}, nil
}

func (b *builder) Verify(c core.CID, plain []byte) error {
	id, err := cid.Cast(c.Bytes)
	if err != nil {
		return fmt.Errorf("%w: invalid CID bytes: %v", core.ErrCorrupt, err)
	}

	prefix := id.Prefix()
	hash, err := multihash.Sum(plain, prefix.MhType, prefix.MhLength)
	if err != nil {
		return fmt.Errorf("failed to compute multihash for verification: %w", err)
	}

	if !bytes.Equal(id.Hash(), hash) {
		return fmt.Errorf("%w: CID mismatch", core.ErrCorrupt)
	}

	return nil
}

func (b *builder) ContentKey(value []byte) (key.Key, error) {
	hash, err := multihash.Sum(value, multihash.SHA2_256, -1)
	if err != nil {
		return key.Key{}, fmt.Errorf("failed to compute multihash: %w", err)
	}
	return digestKey(hash)
}

func (b *builder) ContentKeyReader(r io.Reader) (key.Key, error) {
	hash, err := multihash.SumStream(r, multihash.SHA2_256, -1)
	if err != nil {
		return key.Key{}, fmt.Errorf("failed to hash stream: %w", err)
	}
	return digestKey(hash)
}

func (b *builder) KeyFromCID(c core.CID) (key.Key, error) {
	id, err := cid.Cast(c.Bytes)
	if err != nil {
		return key.Key{}, fmt.Errorf("%w: invalid CID bytes: %v", core.ErrInvalidInput, err)
	}
	return digestKey(id.Hash())
}

func (b *builder) CIDForKey(codec uint64, k key.Key) (core.CID, error) {
	hash, err := multihash.Encode(k[:], multihash.SHA2_256)
	if err != nil {
		return core.CID{}, fmt.Errorf("failed to encode multihash: %w", err)
	}
	return core.CID{Bytes: cid.NewCidV1(codec, hash).Bytes()}, nil
}

func digestKey(mh multihash.Multihash) (key.Key, error) {
	decoded, err := multihash.Decode(mh)
	if err != nil {
		return key.Key{}, fmt.Errorf("%w: invalid multihash: %v", core.ErrInvalidInput, err)
	}
	if decoded.Code != multihash.SHA2_256 {
		return key.Key{}, fmt.Errorf("%w: multihash %s is not sha2-256", core.ErrInvalidInput, decoded.Name)
	}
	k, err := key.FromBytes(decoded.Digest)
	if err != nil {
		return key.Key{}, fmt.Errorf("%w: %v", core.ErrInvalidInput, err)
	}
	return k, nil
}
