package routing

import (
	"context"
	"fmt"
	"slices"

	"github.com/KeplerC/capsule-router/pkg/catalog"
	"github.com/KeplerC/capsule-router/pkg/core"
	"github.com/KeplerC/capsule-router/pkg/key"
	"github.com/cockroachdb/pebble"
	"github.com/fxamacker/cbor/v2"
)

// ContactStore holds a snapshot of a routing table.
type ContactStore interface {
	// PutContacts replaces the stored snapshot with contacts.
	PutContacts(ctx context.Context, contacts []Contact) error
	IterateContacts(ctx context.Context, fn func(Contact) error) error
}

var contactEnc, _ = cbor.EncOptions{Time: cbor.TimeRFC3339Nano}.EncMode()

type catalogStore struct {
	cat catalog.Catalog
}

// NewCatalogStore persists contacts under the catalog's routing prefix.
func NewCatalogStore(cat catalog.Catalog) ContactStore {
	return &catalogStore{cat: cat}
}

func (s *catalogStore) PutContacts(ctx context.Context, contacts []Contact) error {
	batch := s.cat.NewBatch()
	defer batch.Close()

	if err := s.cat.ClearContacts(batch); err != nil {
		return err
	}
	for _, c := range contacts {
		if err := ctx.Err(); err != nil {
			return err
		}
		b, err := contactEnc.Marshal(c)
		if err != nil {
			return fmt.Errorf("encoding contact %s: %w", c.ID, err)
		}
		if err := s.cat.PutContact(batch, c.ID, b); err != nil {
			return err
		}
	}
	return batch.Commit(pebble.Sync)
}

func (s *catalogStore) IterateContacts(ctx context.Context, fn func(Contact) error) error {
	return s.cat.IterateContacts(ctx, func(id key.Key, encoded []byte) error {
		var c Contact
		if err := cbor.Unmarshal(encoded, &c); err != nil {
			return fmt.Errorf("%w: contact %s: %v", core.ErrCorrupt, id, err)
		}
		if c.ID != id {
			return fmt.Errorf("%w: contact stored under %s carries ID %s", core.ErrCorrupt, id, c.ID)
		}
		return fn(c)
	})
}

// Save writes every contact in t to store, replacing the previous snapshot.
func (t *Table) Save(ctx context.Context, store ContactStore) error {
	return store.PutContacts(ctx, t.Contacts())
}

// Load adds the contacts in store to t, oldest first so bucket recency
// survives the round trip, and returns how many were added. Contacts that
// no longer fit are skipped.
func (t *Table) Load(ctx context.Context, store ContactStore) (int, error) {
	var saved []Contact
	if err := store.IterateContacts(ctx, func(c Contact) error {
		saved = append(saved, c)
		return nil
	}); err != nil {
		return 0, err
	}
	slices.SortStableFunc(saved, func(a, b Contact) int {
		return a.LastSeen.Compare(b.LastSeen)
	})

	n := 0
	for _, c := range saved {
		if t.Add(c) == nil {
			n++
		}
	}
	return n, nil
}
