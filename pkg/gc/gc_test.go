package gc_test

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/KeplerC/capsule-router/internal/testkit"
	"github.com/KeplerC/capsule-router/pkg/core"
	"github.com/KeplerC/capsule-router/pkg/gc"
	"github.com/KeplerC/capsule-router/pkg/key"
	"github.com/KeplerC/capsule-router/pkg/kvs"
)

var quietLog = slog.New(slog.NewTextHandler(io.Discard, nil))

type fixture struct {
	t     *testing.T
	cfg   kvs.Config
	clock *testkit.Clock
	store kvs.Store
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	cfg := core.DefaultConfig(t.TempDir())
	cfg.Chunking = core.ChunkingConfig{Min: 64, Avg: 128, Max: 256}
	cfg.Pack.TargetPackBytes = 1 << 30
	cfg.Transform.Name = "none"
	cfg.Expiry.Enabled = false
	cfg.Expiry.DefaultTTL = 0

	f := &fixture{t: t, cfg: cfg, clock: testkit.NewClock(time.Unix(1_700_000_000, 0))}
	f.open()
	return f
}

func (f *fixture) open() {
	s, err := kvs.Open(context.Background(), f.cfg, kvs.WithClock(f.clock.Now), kvs.WithLogger(quietLog))
	if err != nil {
		f.t.Fatal(err)
	}
	f.store = s
	f.t.Cleanup(func() { s.Close() })
}

func (f *fixture) reopen() {
	f.store.Close()
	f.open()
}

// put stores value under k, expiring after ttl unless ttl is zero.
func (f *fixture) put(k key.Key, value []byte, ttl time.Duration) {
	f.t.Helper()
	var meta kvs.PutMeta
	if ttl > 0 {
		meta.TTL = &ttl
	}
	if _, err := f.store.Put(context.Background(), k, bytes.NewReader(value), meta); err != nil {
		f.t.Fatal(err)
	}
}

// seal closes the active pack by reopening the store.
func (f *fixture) seal() { f.reopen() }

func (f *fixture) mustRead(k key.Key, want []byte) {
	f.t.Helper()
	rc, _, err := f.store.Get(context.Background(), k)
	if err != nil {
		f.t.Fatalf("Get(%s): %v", k, err)
	}
	defer rc.Close()
	got, err := io.ReadAll(rc)
	if err != nil {
		f.t.Fatalf("reading %s: %v", k, err)
	}
	if !bytes.Equal(got, want) {
		f.t.Errorf("value of %s changed", k)
	}
	if err := f.store.Verify(context.Background(), k); err != nil {
		f.t.Errorf("Verify(%s): %v", k, err)
	}
}

func TestSweepExpiredPack(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	rng := testkit.RNG(1)

	var doomed []key.Key
	for i := 0; i < 20; i++ {
		k := testkit.RandomKey(rng)
		f.put(k, testkit.RandomBytes(rng, 2000), time.Hour)
		doomed = append(doomed, k)
	}
	f.seal()

	live := map[key.Key][]byte{}
	for i := 0; i < 5; i++ {
		k := testkit.RandomKey(rng)
		live[k] = testkit.RandomBytes(rng, 2000)
		f.put(k, live[k], 0)
	}
	f.seal()

	f.clock.Advance(2 * time.Hour)
	res, err := f.store.RunGC(ctx)
	if err != nil {
		t.Fatalf("RunGC: %v", err)
	}
	if res.KeysExpired != len(doomed) {
		t.Errorf("KeysExpired = %d, want %d", res.KeysExpired, len(doomed))
	}
	if res.PacksSwept == 0 || res.BytesReclaimed == 0 {
		t.Errorf("expected the expired pack to be swept: %+v", res)
	}

	for _, k := range doomed {
		if _, _, err := f.store.Get(ctx, k); !errors.Is(err, kvs.ErrNotFound) {
			t.Errorf("expired %s: %v", k, err)
		}
	}
	for k, v := range live {
		f.mustRead(k, v)
	}

	again, err := f.store.RunGC(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if again.KeysExpired != 0 || again.PacksSwept != 0 {
		t.Errorf("second run still found work: %+v", again)
	}

	f.reopen()
	for k, v := range live {
		f.mustRead(k, v)
	}
}

func TestCompactMostlyExpiredPack(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	rng := testkit.RNG(2)

	live := map[key.Key][]byte{}
	for i := 0; i < 20; i++ {
		k := testkit.RandomKey(rng)
		v := testkit.RandomBytes(rng, 1500)
		if i%5 == 0 {
			live[k] = v
			f.put(k, v, 0)
		} else {
			f.put(k, v, time.Minute)
		}
	}
	f.seal()

	f.clock.Advance(time.Hour)
	res, err := f.store.RunGC(ctx)
	if err != nil {
		t.Fatalf("RunGC: %v", err)
	}
	if res.PacksCompacted == 0 || res.BlocksMoved == 0 {
		t.Fatalf("expected compaction: %+v", res)
	}
	for k, v := range live {
		f.mustRead(k, v)
	}

	f.reopen()
	for k, v := range live {
		f.mustRead(k, v)
	}
}

func TestSharedChunksSurvive(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	rng := testkit.RNG(3)

	value := testkit.RandomBytes(rng, 8000)
	short, long := testkit.RandomKey(rng), testkit.RandomKey(rng)
	f.put(short, value, time.Minute)
	f.put(long, value, 0)
	f.seal()

	f.clock.Advance(time.Hour)
	if _, err := f.store.RunGC(ctx); err != nil {
		t.Fatal(err)
	}
	f.mustRead(long, value)
	if ok, _ := f.store.Has(ctx, short); ok {
		t.Error("expired key survived")
	}
}

func TestDeletedValuesReclaimed(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	rng := testkit.RNG(4)

	k := testkit.RandomKey(rng)
	value := testkit.RandomBytes(rng, 4000)
	f.put(k, value, 0)
	f.seal()

	if err := f.store.Delete(ctx, k); err != nil {
		t.Fatal(err)
	}
	res, err := f.store.RunGC(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if res.PacksSwept == 0 {
		t.Errorf("deleted value's pack not swept: %+v", res)
	}

	// The swept chunks are no longer indexed, so putting the value again
	// writes them afresh.
	f.put(k, value, 0)
	f.mustRead(k, value)
}

func TestRunGCIsIdempotentOnEmptyStore(t *testing.T) {
	f := newFixture(t)
	for i := 0; i < 2; i++ {
		res, err := f.store.RunGC(context.Background())
		if err != nil {
			t.Fatal(err)
		}
		if res != (gc.Result{}) {
			t.Errorf("run %d on empty store did work: %+v", i, res)
		}
	}
}
