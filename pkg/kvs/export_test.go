package kvs

import (
	"bytes"
	"context"

	"github.com/KeplerC/capsule-router/pkg/catalog"
	"github.com/KeplerC/capsule-router/pkg/core"
	"github.com/KeplerC/capsule-router/pkg/key"
	"github.com/KeplerC/capsule-router/pkg/pack"
)

// Internals exposed to the kvs_test package.

func PacksOf(s Store) pack.Manager { return s.(*store).packs }

func CatalogOf(s Store) catalog.Catalog { return s.(*store).catalog }

// ChunkCIDs lists the chunks of k's current record.
func ChunkCIDs(s Store, k key.Key) ([]core.CID, error) {
	rec, _, err := s.(*store).loadRecord(context.Background(), k)
	if err != nil {
		return nil, err
	}
	out := make([]core.CID, len(rec.Chunks))
	for i, ch := range rec.Chunks {
		out[i] = ch.CID
	}
	return out, nil
}

// PutContentAs stores value as content addressed under an arbitrary key.
func PutContentAs(s Store, k key.Key, value []byte) (Info, error) {
	return s.(*store).put(context.Background(), k, true, bytes.NewReader(value), PutMeta{})
}
