// Package gc reclaims space held by expired values. A run marks every block
// reachable from a live key, drops expired keys from the catalog, compacts
// sealed packs that are mostly garbage and removes packs with nothing live.
package gc

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/KeplerC/capsule-router/pkg/catalog"
	"github.com/KeplerC/capsule-router/pkg/core"
	"github.com/KeplerC/capsule-router/pkg/key"
	"github.com/KeplerC/capsule-router/pkg/pack"
	"github.com/KeplerC/capsule-router/pkg/record"
	"github.com/KeplerC/capsule-router/pkg/transform"
	"github.com/cockroachdb/pebble"
)

// compactBelow is the live-block ratio under which a sealed pack is rewritten.
const compactBelow = 0.5

// Result summarizes one run.
type Result struct {
	KeysExpired    int
	PacksCompacted int
	PacksSwept     int
	BlocksMoved    int
	BytesReclaimed uint64
}

// Runner sweeps expired values once or on a schedule.
type Runner interface {
	RunOnce(ctx context.Context) (Result, error)
	Start(ctx context.Context)
	Stop()
}

// Deps are the storage components a runner works on.
type Deps struct {
	Catalog   catalog.Catalog
	Packs     pack.Manager
	Records   record.Codec
	Transform transform.Transform
	// Lock is held for a whole run. Share it with writers of the same store.
	Lock sync.Locker
}

type Option func(*runner)

// WithLogger sets the logger. The default is slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(r *runner) { r.log = l }
}

// WithClock replaces time.Now when deciding whether a key has expired.
func WithClock(now func() time.Time) Option {
	return func(r *runner) { r.now = now }
}

type runner struct {
	cfg  core.ExpiryConfig
	deps Deps
	log  *slog.Logger
	now  func() time.Time

	mu      sync.Mutex
	running bool
	stopCh  chan struct{}
	done    chan struct{}
}

// NewRunner returns a runner over deps. A zero RunEvery defaults to one hour.
func NewRunner(cfg core.ExpiryConfig, deps Deps, opts ...Option) Runner {
	if cfg.RunEvery <= 0 {
		cfg.RunEvery = time.Hour
	}
	if deps.Lock == nil {
		deps.Lock = &sync.Mutex{}
	}
	r := &runner{
		cfg:  cfg,
		deps: deps,
		log:  slog.Default(),
		now:  time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

func (r *runner) RunOnce(ctx context.Context) (Result, error) {
	r.deps.Lock.Lock()
	defer r.deps.Lock.Unlock()

	var res Result
	start := r.now()

	live, expired, err := r.mark(ctx)
	if err != nil {
		return res, fmt.Errorf("mark phase failed: %w", err)
	}

	if len(expired) > 0 {
		if err := r.dropKeys(expired); err != nil {
			return res, fmt.Errorf("dropping expired keys: %w", err)
		}
		res.KeysExpired = len(expired)
	}

	liveByPack := make(map[uint64][]core.CID)
	for s := range live {
		c := core.CID{Bytes: []byte(s)}
		pid, ok, err := r.deps.Catalog.GetPackForCID(ctx, c)
		if err != nil {
			return res, err
		}
		if ok {
			liveByPack[pid] = append(liveByPack[pid], c)
		}
	}

	var toCompact, toSweep []uint64
	for _, pid := range r.deps.Packs.ListSealedPacks() {
		total := 0
		if err := r.deps.Packs.IteratePackBlocks(ctx, pid, func(core.CID) error {
			total++
			return nil
		}); err != nil {
			return res, err
		}

		n := len(liveByPack[pid])
		switch {
		case n == 0:
			toSweep = append(toSweep, pid)
		case float64(n)/float64(total) < compactBelow:
			toCompact = append(toCompact, pid)
		}
	}

	for _, pid := range toCompact {
		moved, err := r.compactPack(ctx, pid, liveByPack[pid])
		if err != nil {
			return res, fmt.Errorf("compaction failed for pack %d: %w", pid, err)
		}
		res.BlocksMoved += moved
		res.PacksCompacted++
		toSweep = append(toSweep, pid)
	}
	if res.BlocksMoved > 0 {
		if err := r.deps.Packs.SealActivePack(ctx); err != nil {
			return res, err
		}
	}

	for _, pid := range toSweep {
		size, err := r.deps.Packs.PackSize(pid)
		if err != nil {
			return res, err
		}
		if err := r.forgetPack(ctx, pid); err != nil {
			return res, fmt.Errorf("unindexing pack %d: %w", pid, err)
		}
		if err := r.deps.Packs.RemovePack(pid); err != nil {
			return res, fmt.Errorf("removing pack %d: %w", pid, err)
		}
		res.PacksSwept++
		res.BytesReclaimed += uint64(size)
	}

	r.log.Info("gc run finished",
		"keys_expired", res.KeysExpired,
		"packs_compacted", res.PacksCompacted,
		"packs_swept", res.PacksSwept,
		"blocks_moved", res.BlocksMoved,
		"bytes_reclaimed", res.BytesReclaimed,
		"took", r.now().Sub(start))
	return res, nil
}

// mark returns the CIDs reachable from unexpired keys and the keys that have
// expired.
func (r *runner) mark(ctx context.Context) (map[string]struct{}, []key.Key, error) {
	now := r.now()
	live := make(map[string]struct{})
	var expired []key.Key

	err := r.deps.Catalog.IterateKeys(ctx, func(k key.Key, recCID core.CID) error {
		deadline, ok, err := r.deps.Catalog.GetExpiry(ctx, k)
		if err != nil {
			return err
		}
		if ok && !now.Before(deadline) {
			expired = append(expired, k)
			return nil
		}

		live[string(recCID.Bytes)] = struct{}{}

		pid, ok, err := r.deps.Catalog.GetPackForCID(ctx, recCID)
		if err != nil {
			return err
		}
		if !ok {
			r.log.Warn("record block not indexed", "key", k)
			return nil
		}
		stored, err := r.deps.Packs.GetBlock(ctx, pid, recCID)
		if err != nil {
			return err
		}
		plain, err := r.deps.Transform.Decode(stored)
		if err != nil {
			return err
		}
		rec, err := r.deps.Records.Decode(plain)
		if err != nil {
			return err
		}
		for _, ch := range rec.Chunks {
			live[string(ch.CID.Bytes)] = struct{}{}
		}
		return nil
	})
	return live, expired, err
}

func (r *runner) dropKeys(keys []key.Key) error {
	batch := r.deps.Catalog.NewBatch()
	defer batch.Close()
	for _, k := range keys {
		if err := r.deps.Catalog.DeleteKey(batch, k); err != nil {
			return err
		}
		r.log.Debug("key expired", "key", k)
	}
	return batch.Commit(pebble.Sync)
}

func (r *runner) compactPack(ctx context.Context, packID uint64, toMove []core.CID) (int, error) {
	batch := r.deps.Catalog.NewBatch()
	defer batch.Close()

	moved := 0
	for _, c := range toMove {
		stored, err := r.deps.Packs.GetBlock(ctx, packID, c)
		if err != nil {
			return moved, err
		}
		newID, err := r.deps.Packs.PutBlock(ctx, c, stored)
		if err != nil {
			return moved, err
		}
		if err := r.deps.Catalog.PutPackForCID(batch, c, newID); err != nil {
			return moved, err
		}
		moved++
	}
	if err := batch.Commit(pebble.Sync); err != nil {
		return moved, err
	}
	r.log.Debug("pack compacted", "pack", packID, "moved", moved)
	return moved, nil
}

// forgetPack removes the catalog entries that still point at packID.
func (r *runner) forgetPack(ctx context.Context, packID uint64) error {
	batch := r.deps.Catalog.NewBatch()
	defer batch.Close()

	err := r.deps.Packs.IteratePackBlocks(ctx, packID, func(c core.CID) error {
		pid, ok, err := r.deps.Catalog.GetPackForCID(ctx, c)
		if err != nil || !ok || pid != packID {
			return err
		}
		return r.deps.Catalog.DeletePackForCID(batch, c)
	})
	if err != nil {
		return err
	}
	return batch.Commit(pebble.Sync)
}

func (r *runner) Start(ctx context.Context) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.running || !r.cfg.Enabled {
		return
	}
	r.running = true
	r.stopCh = make(chan struct{})
	r.done = make(chan struct{})

	go r.loop(ctx, r.stopCh, r.done)
}

func (r *runner) loop(ctx context.Context, stop <-chan struct{}, done chan<- struct{}) {
	defer close(done)
	ticker := time.NewTicker(r.cfg.RunEvery)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-stop:
			return
		case <-ticker.C:
			if _, err := r.RunOnce(ctx); err != nil && !errors.Is(err, context.Canceled) {
				r.log.Error("gc run failed", "err", err)
			}
		}
	}
}

// Stop ends the background loop and waits for an in-flight run to finish.
func (r *runner) Stop() {
	r.mu.Lock()
	if !r.running {
		r.mu.Unlock()
		return
	}
	r.running = false
	close(r.stopCh)
	done := r.done
	r.mu.Unlock()
	<-done
}
