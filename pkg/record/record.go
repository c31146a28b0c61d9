// Package record defines the on-disk description of a stored value: which
// key it lives under, which chunks make it up and when it expires.
package record

import (
	"fmt"
	"time"

	"github.com/KeplerC/capsule-router/pkg/core"
	"github.com/KeplerC/capsule-router/pkg/key"
	"github.com/fxamacker/cbor/v2"
)

// ChunkRef references a chunk by its CID and its plaintext length.
type ChunkRef struct {
	CID core.CID `cbor:"cid"`
	Len uint32   `cbor:"len"`
}

// RecordV1 is the CBOR form of a stored value. Timestamps are unix seconds;
// ExpiresAt of 0 means the value never expires.
type RecordV1 struct {
	Version          uint16     `cbor:"version"`
	Key              key.Key    `cbor:"key"`
	ContentAddressed bool       `cbor:"content_addressed"`
	MediaType        string     `cbor:"media_type,omitempty"`
	Publisher        *key.Key   `cbor:"publisher,omitempty"`
	Length           uint64     `cbor:"length"`
	Chunks           []ChunkRef `cbor:"chunks"`
	StoredAt         int64      `cbor:"stored_at"`
	ExpiresAt        int64      `cbor:"expires_at,omitempty"`
}

// Expiry returns the expiry time, or the zero time if the record never expires.
func (r *RecordV1) Expiry() time.Time {
	if r.ExpiresAt == 0 {
		return time.Time{}
	}
	return time.Unix(r.ExpiresAt, 0)
}

// Expired reports whether the record's expiry is at or before now.
func (r *RecordV1) Expired(now time.Time) bool {
	return r.ExpiresAt != 0 && now.Unix() >= r.ExpiresAt
}

// Codec encodes and decodes records, enforcing limits both ways.
type Codec interface {
	Encode(r *RecordV1) ([]byte, error)
	Decode(b []byte) (*RecordV1, error)
}

type codec struct {
	limits  core.LimitsConfig
	encMode cbor.EncMode
}

// NewCodec returns a Codec using canonical CBOR so equal records always
// produce equal bytes and therefore equal CIDs.
func NewCodec(limits core.LimitsConfig) Codec {
	em, _ := cbor.CanonicalEncOptions().EncMode()
	return &codec{
		limits:  limits,
		encMode: em,
	}
}

func (c *codec) Encode(r *RecordV1) ([]byte, error) {
	if c.limits.MaxValueBytes > 0 && r.Length > c.limits.MaxValueBytes {
		return nil, fmt.Errorf("%w: value is %d bytes, limit %d", core.ErrTooLarge, r.Length, c.limits.MaxValueBytes)
	}
	if err := c.validate(r); err != nil {
		return nil, fmt.Errorf("%w: %v", core.ErrInvalidInput, err)
	}
	return c.encMode.Marshal(r)
}

func (c *codec) Decode(b []byte) (*RecordV1, error) {
	var r RecordV1
	if err := cbor.Unmarshal(b, &r); err != nil {
		return nil, fmt.Errorf("%w: failed to unmarshal record: %v", core.ErrCorrupt, err)
	}
	if err := c.validate(&r); err != nil {
		return nil, fmt.Errorf("%w: %v", core.ErrCorrupt, err)
	}
	return &r, nil
}

func (c *codec) validate(r *RecordV1) error {
	if r.Version != 1 {
		return fmt.Errorf("unsupported record version %d", r.Version)
	}

	if c.limits.MaxChunksPerRecord > 0 && uint32(len(r.Chunks)) > c.limits.MaxChunksPerRecord {
		return fmt.Errorf("too many chunks: %d > %d", len(r.Chunks), c.limits.MaxChunksPerRecord)
	}

	var sum uint64
	for i, chunk := range r.Chunks {
		if chunk.CID.Empty() {
			return fmt.Errorf("chunk %d has empty CID", i)
		}
		if chunk.Len == 0 {
			return fmt.Errorf("chunk %d is empty", i)
		}
		sum += uint64(chunk.Len)
	}
	if sum != r.Length {
		return fmt.Errorf("length mismatch: record says %d, chunks sum to %d", r.Length, sum)
	}

	if c.limits.MaxMediaTypeLen > 0 && len(r.MediaType) > c.limits.MaxMediaTypeLen {
		return fmt.Errorf("media type too long: %d > %d", len(r.MediaType), c.limits.MaxMediaTypeLen)
	}

	if r.ExpiresAt != 0 && r.ExpiresAt < r.StoredAt {
		return fmt.Errorf("expiry %d precedes store time %d", r.ExpiresAt, r.StoredAt)
	}

	return nil
}
