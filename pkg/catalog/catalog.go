package catalog

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"time"

	"github.com/KeplerC/capsule-router/pkg/core"
	"github.com/KeplerC/capsule-router/pkg/key"
	"github.com/cockroachdb/pebble"
)

var (
	PrefixC2P     = []byte("c2p:") // block CID -> pack ID
	PrefixK2R     = []byte("k2r:") // key -> record CID
	PrefixExpiry  = []byte("exp:") // key -> expiry (unix seconds)
	PrefixContact = []byte("rt:")  // contact ID -> encoded contact
)

// Catalog is the embedded index over packs, stored keys and routing contacts.
// Writers pass a batch to group updates; a nil batch writes through synchronously.
type Catalog interface {
	GetPackForCID(ctx context.Context, cid core.CID) (uint64, bool, error)
	PutPackForCID(batch *pebble.Batch, cid core.CID, packID uint64) error
	DeletePackForCID(batch *pebble.Batch, cid core.CID) error

	GetRecordForKey(ctx context.Context, k key.Key) (core.CID, bool, error)
	PutRecordForKey(batch *pebble.Batch, k key.Key, record core.CID) error
	IterateKeys(ctx context.Context, fn func(k key.Key, record core.CID) error) error
	// DeleteKey drops the record mapping and expiry of k.
	DeleteKey(batch *pebble.Batch, k key.Key) error

	GetExpiry(ctx context.Context, k key.Key) (time.Time, bool, error)
	PutExpiry(batch *pebble.Batch, k key.Key, deadline time.Time) error
	DeleteExpiry(batch *pebble.Batch, k key.Key) error
	IterateExpiries(ctx context.Context, fn func(k key.Key, deadline time.Time) error) error

	PutContact(batch *pebble.Batch, id key.Key, encoded []byte) error
	IterateContacts(ctx context.Context, fn func(id key.Key, encoded []byte) error) error
	ClearContacts(batch *pebble.Batch) error

	NewBatch() *pebble.Batch
	Close() error
}

type pebbleCatalog struct {
	db *pebble.DB
}

// Open opens a Pebble-based catalog in the specified directory.
func Open(dir string) (Catalog, error) {
	db, err := pebble.Open(dir, &pebble.Options{})
	if err != nil {
		return nil, fmt.Errorf("failed to open pebble db: %w", err)
	}
	return &pebbleCatalog{db: db}, nil
}

func (c *pebbleCatalog) Close() error {
	return c.db.Close()
}

func (c *pebbleCatalog) NewBatch() *pebble.Batch {
	return c.db.NewBatch()
}

func (c *pebbleCatalog) GetPackForCID(ctx context.Context, cid core.CID) (uint64, bool, error) {
	val, ok, err := c.get(prefixed(PrefixC2P, cid.Bytes))
	if err != nil || !ok {
		return 0, false, err
	}
	if len(val) != 8 {
		return 0, false, fmt.Errorf("%w: invalid pack ID length", core.ErrCorrupt)
	}
	return binary.BigEndian.Uint64(val), true, nil
}

func (c *pebbleCatalog) PutPackForCID(batch *pebble.Batch, cid core.CID, packID uint64) error {
	val := make([]byte, 8)
	binary.BigEndian.PutUint64(val, packID)
	return c.set(batch, prefixed(PrefixC2P, cid.Bytes), val)
}

func (c *pebbleCatalog) DeletePackForCID(batch *pebble.Batch, cid core.CID) error {
	return c.del(batch, prefixed(PrefixC2P, cid.Bytes))
}

func (c *pebbleCatalog) GetRecordForKey(ctx context.Context, k key.Key) (core.CID, bool, error) {
	val, ok, err := c.get(prefixed(PrefixK2R, k[:]))
	if err != nil || !ok {
		return core.CID{}, false, err
	}
	return core.CID{Bytes: val}, true, nil
}

func (c *pebbleCatalog) PutRecordForKey(batch *pebble.Batch, k key.Key, record core.CID) error {
	return c.set(batch, prefixed(PrefixK2R, k[:]), record.Bytes)
}

func (c *pebbleCatalog) IterateKeys(ctx context.Context, fn func(k key.Key, record core.CID) error) error {
	return c.scan(ctx, PrefixK2R, func(suffix, val []byte) error {
		k, err := key.FromBytes(suffix)
		if err != nil {
			return fmt.Errorf("%w: %v", core.ErrCorrupt, err)
		}
		return fn(k, core.CID{Bytes: val})
	})
}

func (c *pebbleCatalog) DeleteKey(batch *pebble.Batch, k key.Key) error {
	if err := c.del(batch, prefixed(PrefixK2R, k[:])); err != nil {
		return err
	}
	return c.del(batch, prefixed(PrefixExpiry, k[:]))
}

func (c *pebbleCatalog) GetExpiry(ctx context.Context, k key.Key) (time.Time, bool, error) {
	val, ok, err := c.get(prefixed(PrefixExpiry, k[:]))
	if err != nil || !ok {
		return time.Time{}, false, err
	}
	if len(val) != 8 {
		return time.Time{}, false, fmt.Errorf("%w: invalid expiry length", core.ErrCorrupt)
	}
	return time.Unix(int64(binary.BigEndian.Uint64(val)), 0), true, nil
}

func (c *pebbleCatalog) PutExpiry(batch *pebble.Batch, k key.Key, deadline time.Time) error {
	val := make([]byte, 8)
	binary.BigEndian.PutUint64(val, uint64(deadline.Unix()))
	return c.set(batch, prefixed(PrefixExpiry, k[:]), val)
}

func (c *pebbleCatalog) DeleteExpiry(batch *pebble.Batch, k key.Key) error {
	return c.del(batch, prefixed(PrefixExpiry, k[:]))
}

func (c *pebbleCatalog) IterateExpiries(ctx context.Context, fn func(k key.Key, deadline time.Time) error) error {
	return c.scan(ctx, PrefixExpiry, func(suffix, val []byte) error {
		k, err := key.FromBytes(suffix)
		if err != nil || len(val) != 8 {
			return fmt.Errorf("%w: malformed expiry entry", core.ErrCorrupt)
		}
		return fn(k, time.Unix(int64(binary.BigEndian.Uint64(val)), 0))
	})
}

func (c *pebbleCatalog) PutContact(batch *pebble.Batch, id key.Key, encoded []byte) error {
	return c.set(batch, prefixed(PrefixContact, id[:]), encoded)
}

func (c *pebbleCatalog) IterateContacts(ctx context.Context, fn func(id key.Key, encoded []byte) error) error {
	return c.scan(ctx, PrefixContact, func(suffix, val []byte) error {
		id, err := key.FromBytes(suffix)
		if err != nil {
			return fmt.Errorf("%w: %v", core.ErrCorrupt, err)
		}
		return fn(id, val)
	})
}

func (c *pebbleCatalog) ClearContacts(batch *pebble.Batch) error {
	end := incrementByte(PrefixContact)
	if batch != nil {
		return batch.DeleteRange(PrefixContact, end, nil)
	}
	return c.db.DeleteRange(PrefixContact, end, pebble.Sync)
}

// get returns a copy of the value stored at k.
func (c *pebbleCatalog) get(k []byte) ([]byte, bool, error) {
	val, closer, err := c.db.Get(k)
	if err != nil {
		if errors.Is(err, pebble.ErrNotFound) {
			return nil, false, nil
		}
		return nil, false, err
	}
	defer closer.Close()

	res := make([]byte, len(val))
	copy(res, val)
	return res, true, nil
}

func (c *pebbleCatalog) set(batch *pebble.Batch, k, v []byte) error {
	if batch != nil {
		return batch.Set(k, v, nil)
	}
	return c.db.Set(k, v, pebble.Sync)
}

func (c *pebbleCatalog) del(batch *pebble.Batch, k []byte) error {
	if batch != nil {
		return batch.Delete(k, nil)
	}
	return c.db.Delete(k, pebble.Sync)
}

// scan calls fn with the key suffix and a copy of the value of every entry
// under prefix, in key order.
func (c *pebbleCatalog) scan(ctx context.Context, prefix []byte, fn func(suffix, val []byte) error) error {
	iter, err := c.db.NewIter(&pebble.IterOptions{
		LowerBound: prefix,
		UpperBound: incrementByte(prefix),
	})
	if err != nil {
		return err
	}
	defer iter.Close()

	for iter.First(); iter.Valid(); iter.Next() {
		if err := ctx.Err(); err != nil {
			return err
		}
		suffix := append([]byte(nil), iter.Key()[len(prefix):]...)
		val := append([]byte(nil), iter.Value()...)
		if err := fn(suffix, val); err != nil {
			return err
		}
	}
	return iter.Error()
}

func prefixed(prefix, b []byte) []byte {
	out := make([]byte, 0, len(prefix)+len(b))
	out = append(out, prefix...)
	return append(out, b...)
}

func incrementByte(b []byte) []byte {
	res := make([]byte, len(b))
	copy(res, b)
	for i := len(res) - 1; i >= 0; i-- {
		res[i]++
		if res[i] != 0 {
			return res
		}
	}
	return nil
}
