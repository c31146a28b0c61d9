package catalog

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/KeplerC/capsule-router/internal/testkit"
	"github.com/KeplerC/capsule-router/pkg/core"
	"github.com/KeplerC/capsule-router/pkg/key"
	"github.com/cockroachdb/pebble"
)

func openTestCatalog(t *testing.T) Catalog {
	t.Helper()
	cat, err := Open(t.TempDir())
	if err != nil {
		t.Fatalf("failed to open catalog: %v", err)
	}
	t.Cleanup(func() { cat.Close() })
	return cat
}

func TestCatalog(t *testing.T) {
	cat := openTestCatalog(t)
	ctx := context.Background()
	rng := testkit.RNG(1)

	t.Run("C2P", func(t *testing.T) {
		cid := core.CID{Bytes: []byte("chunk1")}
		if err := cat.PutPackForCID(nil, cid, 123); err != nil {
			t.Fatalf("PutPackForCID failed: %v", err)
		}
		got, ok, err := cat.GetPackForCID(ctx, cid)
		if err != nil || !ok || got != 123 {
			t.Errorf("GetPackForCID = %d, %v, %v", got, ok, err)
		}

		_, ok, err = cat.GetPackForCID(ctx, core.CID{Bytes: []byte("missing")})
		if err != nil || ok {
			t.Errorf("missing CID = %v, %v", ok, err)
		}

		if err := cat.DeletePackForCID(nil, cid); err != nil {
			t.Fatalf("DeletePackForCID failed: %v", err)
		}
		if _, ok, _ := cat.GetPackForCID(ctx, cid); ok {
			t.Error("CID still mapped after delete")
		}
	})

	t.Run("CorruptPackID", func(t *testing.T) {
		pc := cat.(*pebbleCatalog)
		_ = pc.db.Set(prefixed(PrefixC2P, []byte("bad")), []byte{1, 2, 3}, pebble.Sync)
		if _, _, err := cat.GetPackForCID(ctx, core.CID{Bytes: []byte("bad")}); !errors.Is(err, core.ErrCorrupt) {
			t.Errorf("error = %v, want ErrCorrupt", err)
		}
	})

	t.Run("K2R", func(t *testing.T) {
		k := testkit.RandomKey(rng)
		rec := core.CID{Bytes: []byte("record1")}
		if err := cat.PutRecordForKey(nil, k, rec); err != nil {
			t.Fatal(err)
		}
		got, ok, err := cat.GetRecordForKey(ctx, k)
		if err != nil || !ok || string(got.Bytes) != "record1" {
			t.Errorf("GetRecordForKey = %q, %v, %v", got.Bytes, ok, err)
		}
		if _, ok, _ := cat.GetRecordForKey(ctx, testkit.RandomKey(rng)); ok {
			t.Error("unexpected record for unknown key")
		}
	})

	t.Run("ExpiryAndDelete", func(t *testing.T) {
		k := testkit.RandomKey(rng)
		deadline := time.Now().Add(time.Hour).Truncate(time.Second)

		batch := cat.NewBatch()
		_ = cat.PutRecordForKey(batch, k, core.CID{Bytes: []byte("r")})
		_ = cat.PutExpiry(batch, k, deadline)
		if err := batch.Commit(pebble.Sync); err != nil {
			t.Fatal(err)
		}
		batch.Close()

		got, ok, err := cat.GetExpiry(ctx, k)
		if err != nil || !ok || !got.Equal(deadline) {
			t.Fatalf("GetExpiry = %v, %v, %v", got, ok, err)
		}

		found := false
		_ = cat.IterateExpiries(ctx, func(ek key.Key, d time.Time) error {
			if ek == k {
				found = d.Equal(deadline)
			}
			return nil
		})
		if !found {
			t.Error("expiry not found during iteration")
		}

		if err := cat.DeleteExpiry(nil, k); err != nil {
			t.Fatal(err)
		}
		if _, ok, _ := cat.GetExpiry(ctx, k); ok {
			t.Error("expiry survived DeleteExpiry")
		}
		if _, ok, _ := cat.GetRecordForKey(ctx, k); !ok {
			t.Error("DeleteExpiry dropped the record mapping")
		}
		_ = cat.PutExpiry(nil, k, deadline)

		if err := cat.DeleteKey(nil, k); err != nil {
			t.Fatal(err)
		}
		if _, ok, _ := cat.GetRecordForKey(ctx, k); ok {
			t.Error("record survived DeleteKey")
		}
		if _, ok, _ := cat.GetExpiry(ctx, k); ok {
			t.Error("expiry survived DeleteKey")
		}
	})

	t.Run("IterateKeysInKeyOrder", func(t *testing.T) {
		cat := openTestCatalog(t)
		keys := []key.Key{testkit.KeyWithLastByte(3), testkit.KeyWithLastByte(1), key.New([key.Size]byte{0xFF})}
		for _, k := range keys {
			_ = cat.PutRecordForKey(nil, k, core.CID{Bytes: []byte{k[31]}})
		}

		var seen []key.Key
		err := cat.IterateKeys(ctx, func(k key.Key, rec core.CID) error {
			if rec.Bytes[0] != k[31] {
				t.Errorf("record for %s = %x", k, rec.Bytes)
			}
			seen = append(seen, k)
			return nil
		})
		if err != nil {
			t.Fatal(err)
		}
		if len(seen) != 3 || seen[0] != keys[1] || seen[1] != keys[0] || seen[2] != keys[2] {
			t.Errorf("iteration order = %v", seen)
		}

		stop := errors.New("stop")
		n := 0
		err = cat.IterateKeys(ctx, func(key.Key, core.CID) error { n++; return stop })
		if !errors.Is(err, stop) || n != 1 {
			t.Errorf("callback error not propagated: %v after %d", err, n)
		}
	})

	t.Run("Contacts", func(t *testing.T) {
		a, b := testkit.RandomKey(rng), testkit.RandomKey(rng)
		_ = cat.PutContact(nil, a, []byte("alpha"))
		_ = cat.PutContact(nil, b, []byte("beta"))

		got := map[key.Key]string{}
		_ = cat.IterateContacts(ctx, func(id key.Key, enc []byte) error {
			got[id] = string(enc)
			return nil
		})
		if got[a] != "alpha" || got[b] != "beta" || len(got) != 2 {
			t.Errorf("contacts = %v", got)
		}

		if err := cat.ClearContacts(nil); err != nil {
			t.Fatal(err)
		}
		n := 0
		_ = cat.IterateContacts(ctx, func(key.Key, []byte) error { n++; return nil })
		if n != 0 {
			t.Errorf("%d contacts left after ClearContacts", n)
		}
	})

	t.Run("BatchAtomicity", func(t *testing.T) {
		cid1 := core.CID{Bytes: []byte("batch_chunk1")}
		cid2 := core.CID{Bytes: []byte("batch_chunk2")}

		batch := cat.NewBatch()
		_ = cat.PutPackForCID(batch, cid1, 999)
		_ = cat.PutPackForCID(batch, cid2, 999)
		if _, ok, _ := cat.GetPackForCID(ctx, cid1); ok {
			t.Error("expected C1 not to be visible before commit")
		}
		batch.Close()
		if _, ok, _ := cat.GetPackForCID(ctx, cid1); ok {
			t.Error("expected C1 not to be visible after discarded batch")
		}

		batch2 := cat.NewBatch()
		_ = cat.PutPackForCID(batch2, cid1, 999)
		_ = cat.PutPackForCID(batch2, cid2, 999)
		_ = batch2.Commit(pebble.Sync)
		batch2.Close()

		_, ok1, _ := cat.GetPackForCID(ctx, cid1)
		_, ok2, _ := cat.GetPackForCID(ctx, cid2)
		if !ok1 || !ok2 {
			t.Error("expected both items to be committed atomically")
		}
	})

	t.Run("CancelledIteration", func(t *testing.T) {
		cctx, cancel := context.WithCancel(ctx)
		cancel()
		err := cat.IterateKeys(cctx, func(key.Key, core.CID) error { return nil })
		if !errors.Is(err, context.Canceled) {
			t.Errorf("error = %v, want context.Canceled", err)
		}
	})
}
