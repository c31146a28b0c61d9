// Package kvs stores values under 256-bit DHT keys. Values are split into
// content-defined chunks that are stored once per CID, a CBOR record lists a
// value's chunks, and a pebble catalog maps keys to records.
package kvs

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/KeplerC/capsule-router/pkg/catalog"
	"github.com/KeplerC/capsule-router/pkg/chunker"
	"github.com/KeplerC/capsule-router/pkg/cidutil"
	"github.com/KeplerC/capsule-router/pkg/core"
	"github.com/KeplerC/capsule-router/pkg/gc"
	"github.com/KeplerC/capsule-router/pkg/key"
	"github.com/KeplerC/capsule-router/pkg/pack"
	"github.com/KeplerC/capsule-router/pkg/record"
	"github.com/KeplerC/capsule-router/pkg/routing"
	"github.com/KeplerC/capsule-router/pkg/transform"
	"github.com/cockroachdb/pebble"
)

type Option func(*store)

// WithLogger sets the logger for the store and its sweeper.
func WithLogger(l *slog.Logger) Option {
	return func(s *store) { s.log = l }
}

// WithClock replaces time.Now for store times and expiry checks.
func WithClock(now func() time.Time) Option {
	return func(s *store) { s.now = now }
}

type store struct {
	cfg Config
	log *slog.Logger
	now func() time.Time

	chunker   chunker.Chunker
	cids      cidutil.Builder
	records   record.Codec
	packs     pack.Manager
	catalog   catalog.Catalog
	transform transform.Transform
	sweeper   gc.Runner

	// writeMu serializes writers and sweeper runs.
	writeMu sync.Mutex
	// closeMu is held shared by every operation touching the catalog or
	// packs; Close takes it exclusively.
	closeMu sync.RWMutex
	closed  atomic.Bool
}

// Open opens or creates the store under cfg.Dir. Zero sizes in cfg take the
// values of core.DefaultConfig. If expiry is enabled, the sweeper runs in the
// background until ctx ends or the store is closed.
func Open(ctx context.Context, cfg Config, opts ...Option) (Store, error) {
	cfg = withDefaults(cfg)

	s := &store{
		cfg:  cfg,
		log:  slog.Default(),
		now:  time.Now,
		cids: cidutil.NewBuilder(),
	}
	for _, opt := range opts {
		opt(s)
	}

	var err error
	if s.chunker, err = chunker.New(cfg.Chunking); err != nil {
		return nil, err
	}
	if s.transform, err = transform.New(cfg.Transform); err != nil {
		return nil, err
	}
	s.records = record.NewCodec(cfg.Limits)

	if s.catalog, err = catalog.Open(cfg.Catalog.Dir); err != nil {
		return nil, fmt.Errorf("failed to open catalog: %w", err)
	}
	if s.packs, err = pack.NewManager(cfg.Pack); err != nil {
		s.catalog.Close()
		return nil, fmt.Errorf("failed to open pack manager: %w", err)
	}

	s.sweeper = gc.NewRunner(cfg.Expiry, gc.Deps{
		Catalog:   s.catalog,
		Packs:     s.packs,
		Records:   s.records,
		Transform: s.transform,
		Lock:      &s.writeMu,
	}, gc.WithLogger(s.log), gc.WithClock(s.now))
	s.sweeper.Start(ctx)

	s.log.Debug("store opened", "dir", cfg.Dir, "transform", s.transform.Name(), "packs", len(s.packs.ListSealedPacks()))
	return s, nil
}

func withDefaults(cfg Config) Config {
	def := core.DefaultConfig(cfg.Dir)
	if cfg.Pack.Dir == "" {
		cfg.Pack.Dir = def.Pack.Dir
	}
	if cfg.Pack.TargetPackBytes == 0 {
		cfg.Pack.TargetPackBytes = def.Pack.TargetPackBytes
	}
	if cfg.Catalog.Dir == "" {
		cfg.Catalog.Dir = def.Catalog.Dir
	}
	if cfg.Chunking == (core.ChunkingConfig{}) {
		cfg.Chunking = def.Chunking
	}
	if cfg.Limits == (core.LimitsConfig{}) {
		cfg.Limits = def.Limits
	}
	if cfg.Transform.Name == "zstd" && cfg.Transform.ZstdLevel == 0 {
		cfg.Transform.ZstdLevel = def.Transform.ZstdLevel
	}
	return cfg
}

func (s *store) Close() error {
	if !s.closed.CompareAndSwap(false, true) {
		return ErrClosed
	}
	s.sweeper.Stop()

	s.closeMu.Lock()
	defer s.closeMu.Unlock()
	return errors.Join(s.packs.Close(), s.catalog.Close())
}

// enter fails with ErrClosed once Close has begun; otherwise it holds off
// Close until the matching leave.
func (s *store) enter() error {
	s.closeMu.RLock()
	if s.closed.Load() {
		s.closeMu.RUnlock()
		return ErrClosed
	}
	return nil
}

func (s *store) leave() {
	s.closeMu.RUnlock()
}

func (s *store) Put(ctx context.Context, k key.Key, r io.Reader, meta PutMeta) (Info, error) {
	return s.put(ctx, k, false, r, meta)
}

func (s *store) PutContent(ctx context.Context, value []byte, meta PutMeta) (key.Key, error) {
	k, err := s.cids.ContentKey(value)
	if err != nil {
		return key.Key{}, err
	}
	if _, err := s.put(ctx, k, true, bytes.NewReader(value), meta); err != nil {
		return key.Key{}, err
	}
	return k, nil
}

func (s *store) put(ctx context.Context, k key.Key, contentAddressed bool, r io.Reader, meta PutMeta) (Info, error) {
	if err := s.enter(); err != nil {
		return Info{}, err
	}
	defer s.leave()
	if r == nil {
		return Info{}, fmt.Errorf("%w: nil reader", ErrInvalidInput)
	}
	now := s.now()
	expires, err := s.expiry(now, meta)
	if err != nil {
		return Info{}, err
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	batch := s.catalog.NewBatch()
	defer batch.Close()

	refs, length, err := s.writeChunks(ctx, r, batch)
	if err != nil {
		return Info{}, err
	}

	rec := &record.RecordV1{
		Version:          1,
		Key:              k,
		ContentAddressed: contentAddressed,
		MediaType:        meta.MediaType,
		Publisher:        meta.Publisher,
		Length:           length,
		Chunks:           refs,
		StoredAt:         now.Unix(),
	}
	if !expires.IsZero() {
		rec.ExpiresAt = expires.Unix()
	}

	recCID, err := s.writeRecord(ctx, rec, batch)
	if err != nil {
		return Info{}, err
	}
	if err := s.catalog.PutRecordForKey(batch, k, recCID); err != nil {
		return Info{}, err
	}
	if expires.IsZero() {
		err = s.catalog.DeleteExpiry(batch, k)
	} else {
		err = s.catalog.PutExpiry(batch, k, rec.Expiry())
	}
	if err != nil {
		return Info{}, err
	}
	if err := batch.Commit(pebble.Sync); err != nil {
		return Info{}, err
	}

	if err := s.packs.SealAndRotateIfNeeded(ctx); err != nil {
		s.log.Warn("pack rotation failed", "err", err)
	}
	return infoOf(rec, recCID), nil
}

// expiry resolves the deadline for a put. Deadlines are stored in whole
// seconds, so a fractional one is rounded up rather than down into the past.
func (s *store) expiry(now time.Time, meta PutMeta) (time.Time, error) {
	deadline, err := s.deadline(now, meta)
	if err != nil || deadline.IsZero() {
		return deadline, err
	}
	if whole := deadline.Truncate(time.Second); whole.Before(deadline) {
		deadline = whole.Add(time.Second)
	}
	return deadline, nil
}

func (s *store) deadline(now time.Time, meta PutMeta) (time.Time, error) {
	switch {
	case meta.Expires != nil && meta.TTL != nil:
		return time.Time{}, fmt.Errorf("%w: both TTL and Expires set", ErrInvalidInput)
	case meta.Expires != nil:
		if !meta.Expires.After(now) {
			return time.Time{}, fmt.Errorf("%w: expiry %s is not in the future", ErrInvalidInput, meta.Expires.Format(time.RFC3339))
		}
		return *meta.Expires, nil
	case meta.TTL != nil:
		if *meta.TTL <= 0 {
			return time.Time{}, fmt.Errorf("%w: TTL must be positive, got %s", ErrInvalidInput, *meta.TTL)
		}
		return now.Add(*meta.TTL), nil
	case s.cfg.Expiry.DefaultTTL > 0:
		return now.Add(s.cfg.Expiry.DefaultTTL), nil
	}
	return time.Time{}, nil
}

// writeChunks splits r and stores every chunk not already indexed. Index
// entries for new chunks go into batch.
func (s *store) writeChunks(ctx context.Context, r io.Reader, batch *pebble.Batch) ([]record.ChunkRef, uint64, error) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	chunks, errs := s.chunker.Split(ctx, r)

	var refs []record.ChunkRef
	var length uint64
	limit := s.cfg.Limits.MaxValueBytes

	// Drain chunks before reading errs; the chunker closes chunks first.
	for c := range chunks {
		length += uint64(c.N)
		if limit > 0 && length > limit {
			s.chunker.ReturnBuffer(c.Buf)
			return nil, 0, fmt.Errorf("%w: value exceeds %d bytes", ErrTooLarge, limit)
		}
		ref, err := s.writeChunk(ctx, c.Data(), batch)
		s.chunker.ReturnBuffer(c.Buf)
		if err != nil {
			return nil, 0, err
		}
		refs = append(refs, ref)
	}
	if err := <-errs; err != nil {
		return nil, 0, err
	}
	return refs, length, nil
}

func (s *store) writeChunk(ctx context.Context, data []byte, batch *pebble.Batch) (record.ChunkRef, error) {
	c, err := s.cids.ChunkCID(data)
	if err != nil {
		return record.ChunkRef{}, err
	}
	ref := record.ChunkRef{CID: c, Len: uint32(len(data))}

	_, exists, err := s.catalog.GetPackForCID(ctx, c)
	if err != nil || exists {
		return ref, err
	}
	if err := s.putBlock(ctx, c, data, batch); err != nil {
		return record.ChunkRef{}, err
	}
	return ref, nil
}

func (s *store) writeRecord(ctx context.Context, rec *record.RecordV1, batch *pebble.Batch) (core.CID, error) {
	b, err := s.records.Encode(rec)
	if err != nil {
		return core.CID{}, err
	}
	c, err := s.cids.RecordCID(b)
	if err != nil {
		return core.CID{}, err
	}
	return c, s.putBlock(ctx, c, b, batch)
}

func (s *store) putBlock(ctx context.Context, c core.CID, plain []byte, batch *pebble.Batch) error {
	stored, err := s.transform.Encode(plain)
	if err != nil {
		return err
	}
	packID, err := s.packs.PutBlock(ctx, c, stored)
	if err != nil {
		return err
	}
	return s.catalog.PutPackForCID(batch, c, packID)
}

// readBlock fetches c, undoes the transform and checks the plaintext against c.
func (s *store) readBlock(ctx context.Context, c core.CID) ([]byte, error) {
	packID, ok, err := s.catalog.GetPackForCID(ctx, c)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("%w: block %x is not indexed", ErrCorrupt, c.Bytes)
	}
	stored, err := s.packs.GetBlock(ctx, packID, c)
	if err != nil {
		return nil, err
	}
	plain, err := s.transform.Decode(stored)
	if err != nil {
		return nil, err
	}
	if err := s.cids.Verify(c, plain); err != nil {
		return nil, err
	}
	return plain, nil
}

func (s *store) loadRecord(ctx context.Context, k key.Key) (*record.RecordV1, core.CID, error) {
	if err := s.enter(); err != nil {
		return nil, core.CID{}, err
	}
	defer s.leave()
	recCID, ok, err := s.catalog.GetRecordForKey(ctx, k)
	if err != nil {
		return nil, core.CID{}, err
	}
	if !ok {
		return nil, core.CID{}, fmt.Errorf("%w: %s", ErrNotFound, k)
	}

	b, err := s.readBlock(ctx, recCID)
	if err != nil {
		return nil, core.CID{}, err
	}
	rec, err := s.records.Decode(b)
	if err != nil {
		return nil, core.CID{}, err
	}
	if rec.Key != k {
		return nil, core.CID{}, fmt.Errorf("%w: record for %s names key %s", ErrCorrupt, k, rec.Key)
	}
	if rec.Expired(s.now()) {
		return nil, core.CID{}, fmt.Errorf("%w: %s expired at %s", ErrNotFound, k, rec.Expiry().Format(time.RFC3339))
	}
	return rec, recCID, nil
}

func (s *store) Get(ctx context.Context, k key.Key) (io.ReadCloser, Info, error) {
	rec, recCID, err := s.loadRecord(ctx, k)
	if err != nil {
		return nil, Info{}, err
	}
	return &valueReader{ctx: ctx, s: s, chunks: rec.Chunks}, infoOf(rec, recCID), nil
}

func (s *store) Has(ctx context.Context, k key.Key) (bool, error) {
	if err := s.enter(); err != nil {
		return false, err
	}
	defer s.leave()
	_, ok, err := s.catalog.GetRecordForKey(ctx, k)
	if err != nil || !ok {
		return false, err
	}
	return s.live(ctx, k, s.now())
}

// live reports whether k's catalog expiry, if any, is still ahead of now.
func (s *store) live(ctx context.Context, k key.Key, now time.Time) (bool, error) {
	deadline, ok, err := s.catalog.GetExpiry(ctx, k)
	if err != nil {
		return false, err
	}
	return !ok || now.Before(deadline), nil
}

func (s *store) Stat(ctx context.Context, k key.Key) (Info, error) {
	rec, recCID, err := s.loadRecord(ctx, k)
	if err != nil {
		return Info{}, err
	}
	return infoOf(rec, recCID), nil
}

// Delete forgets k. Its chunks are reclaimed by the next sweep unless
// another value shares them.
func (s *store) Delete(ctx context.Context, k key.Key) error {
	if err := s.enter(); err != nil {
		return err
	}
	defer s.leave()
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	_, ok, err := s.catalog.GetRecordForKey(ctx, k)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, k)
	}
	return s.catalog.DeleteKey(nil, k)
}

func (s *store) Verify(ctx context.Context, k key.Key) error {
	rec, _, err := s.loadRecord(ctx, k)
	if err != nil {
		return err
	}
	r := &valueReader{ctx: ctx, s: s, chunks: rec.Chunks}
	defer r.Close()

	counted := &countingReader{r: r}
	if rec.ContentAddressed {
		got, err := s.cids.ContentKeyReader(counted)
		if err != nil {
			return err
		}
		if got != k {
			return fmt.Errorf("%w: value of %s hashes to %s", ErrCorrupt, k, got)
		}
	} else if _, err := io.Copy(io.Discard, counted); err != nil {
		return err
	}

	if counted.n != rec.Length {
		return fmt.Errorf("%w: read %d bytes of %s, record says %d", ErrCorrupt, counted.n, k, rec.Length)
	}
	return nil
}

func (s *store) Closest(ctx context.Context, target key.Key, n int) ([]key.Key, error) {
	if err := s.enter(); err != nil {
		return nil, err
	}
	defer s.leave()
	if n <= 0 {
		return nil, nil
	}
	now := s.now()
	var keys []key.Key
	err := s.catalog.IterateKeys(ctx, func(k key.Key, _ core.CID) error {
		live, err := s.live(ctx, k, now)
		if err != nil || !live {
			return err
		}
		keys = append(keys, k)
		return nil
	})
	if err != nil {
		return nil, err
	}
	key.SortByDistance(target, keys)
	if len(keys) > n {
		keys = keys[:n]
	}
	return keys, nil
}

func (s *store) Contacts() routing.ContactStore {
	return &contactStore{s: s, inner: routing.NewCatalogStore(s.catalog)}
}

// contactStore guards routing snapshots against a closed store.
type contactStore struct {
	s     *store
	inner routing.ContactStore
}

func (c *contactStore) PutContacts(ctx context.Context, contacts []routing.Contact) error {
	if err := c.s.enter(); err != nil {
		return err
	}
	defer c.s.leave()
	return c.inner.PutContacts(ctx, contacts)
}

func (c *contactStore) IterateContacts(ctx context.Context, fn func(routing.Contact) error) error {
	if err := c.s.enter(); err != nil {
		return err
	}
	defer c.s.leave()
	return c.inner.IterateContacts(ctx, fn)
}

func (s *store) RunGC(ctx context.Context) (gc.Result, error) {
	if err := s.enter(); err != nil {
		return gc.Result{}, err
	}
	defer s.leave()
	return s.sweeper.RunOnce(ctx)
}

func infoOf(rec *record.RecordV1, recCID core.CID) Info {
	return Info{
		Key:              rec.Key,
		Record:           recCID,
		Length:           rec.Length,
		Chunks:           len(rec.Chunks),
		MediaType:        rec.MediaType,
		Publisher:        rec.Publisher,
		ContentAddressed: rec.ContentAddressed,
		StoredAt:         time.Unix(rec.StoredAt, 0),
		ExpiresAt:        rec.Expiry(),
	}
}
