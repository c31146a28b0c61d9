// Package pack stores value blocks in CARv2 files. One pack is active and
// accepts writes; once it reaches the target size it is sealed, reopened
// read-only, and a fresh active pack takes its place.
package pack

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"

	"github.com/KeplerC/capsule-router/pkg/core"
	blocks "github.com/ipfs/go-block-format"
	"github.com/ipfs/go-cid"
	carv2 "github.com/ipld/go-car/v2"
	"github.com/ipld/go-car/v2/blockstore"
)

// Manager owns the pack files under one directory.
type Manager interface {
	// PutBlock appends stored to the active pack and returns that pack's ID.
	PutBlock(ctx context.Context, c core.CID, stored []byte) (uint64, error)
	GetBlock(ctx context.Context, packID uint64, c core.CID) ([]byte, error)
	CurrentPackID() uint64

	// SealAndRotateIfNeeded seals the active pack once it reaches
	// TargetPackBytes. SealActivePack seals it regardless of size.
	SealAndRotateIfNeeded(ctx context.Context) error
	SealActivePack(ctx context.Context) error

	ListSealedPacks() []uint64
	PackSize(packID uint64) (int64, error)
	IteratePackBlocks(ctx context.Context, packID uint64, fn func(c core.CID) error) error
	RemovePack(packID uint64) error

	Close() error
}

type getter interface {
	Get(context.Context, cid.Cid) (blocks.Block, error)
}

type packManager struct {
	cfg core.PackConfig

	mu sync.RWMutex

	currentID uint64
	active    *blockstore.ReadWrite
	sealed    map[uint64]*blockstore.ReadOnly
}

// NewManager opens dir, treating every pack-*.car file found there as sealed,
// and starts a new active pack after the highest one.
func NewManager(cfg core.PackConfig) (Manager, error) {
	if cfg.Dir == "" {
		return nil, fmt.Errorf("%w: pack directory not specified", core.ErrInvalidInput)
	}
	if err := os.MkdirAll(cfg.Dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create pack directory: %w", err)
	}

	m := &packManager{
		cfg:    cfg,
		sealed: make(map[uint64]*blockstore.ReadOnly),
	}
	if err := m.discover(); err != nil {
		m.closeSealed()
		return nil, err
	}
	return m, nil
}

func (m *packManager) discover() error {
	entries, err := os.ReadDir(m.cfg.Dir)
	if err != nil {
		return err
	}

	var ids []uint64
	for _, entry := range entries {
		if id, ok := parsePackName(entry); ok {
			ids = append(ids, id)
		}
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	for _, id := range ids {
		bs, err := blockstore.OpenReadOnly(m.packPath(id))
		if err != nil {
			return fmt.Errorf("failed to open sealed pack %d: %w", id, err)
		}
		m.sealed[id] = bs
		m.currentID = id
	}

	m.currentID++
	return m.openActive()
}

func parsePackName(entry os.DirEntry) (uint64, bool) {
	name := entry.Name()
	if entry.IsDir() || !strings.HasPrefix(name, "pack-") || !strings.HasSuffix(name, ".car") {
		return 0, false
	}
	id, err := strconv.ParseUint(strings.TrimSuffix(strings.TrimPrefix(name, "pack-"), ".car"), 16, 64)
	return id, err == nil
}

func (m *packManager) openActive() error {
	bs, err := blockstore.OpenReadWrite(m.packPath(m.currentID), []cid.Cid{})
	if err != nil {
		return fmt.Errorf("failed to create active pack %d: %w", m.currentID, err)
	}
	m.active = bs
	return nil
}

func (m *packManager) packPath(id uint64) string {
	return filepath.Join(m.cfg.Dir, fmt.Sprintf("pack-%016x.car", id))
}

func (m *packManager) CurrentPackID() uint64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.currentID
}

func (m *packManager) PutBlock(ctx context.Context, c core.CID, stored []byte) (uint64, error) {
	id, err := cid.Cast(c.Bytes)
	if err != nil {
		return 0, fmt.Errorf("%w: invalid CID: %v", core.ErrInvalidInput, err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if has, err := m.active.Has(ctx, id); err != nil {
		return 0, err
	} else if has {
		return m.currentID, nil
	}

	blk, err := blocks.NewBlockWithCid(stored, id)
	if err != nil {
		return 0, err
	}
	if err := m.active.Put(ctx, blk); err != nil {
		return 0, err
	}
	return m.currentID, nil
}

func (m *packManager) GetBlock(ctx context.Context, packID uint64, c core.CID) ([]byte, error) {
	id, err := cid.Cast(c.Bytes)
	if err != nil {
		return nil, fmt.Errorf("%w: invalid CID: %v", core.ErrInvalidInput, err)
	}

	m.mu.RLock()
	defer m.mu.RUnlock()

	var bs getter
	if packID == m.currentID {
		bs = m.active
	} else if ro, ok := m.sealed[packID]; ok {
		bs = ro
	} else {
		return nil, fmt.Errorf("%w: pack %d not found", core.ErrNotFound, packID)
	}

	blk, err := bs.Get(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("%w: block %s in pack %d: %v", core.ErrNotFound, id, packID, err)
	}
	return blk.RawData(), nil
}

func (m *packManager) SealAndRotateIfNeeded(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	fi, err := os.Stat(m.packPath(m.currentID))
	if err != nil {
		return err
	}
	if uint64(fi.Size()) < m.cfg.TargetPackBytes {
		return nil
	}
	return m.sealLocked()
}

func (m *packManager) SealActivePack(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.sealLocked()
}

func (m *packManager) sealLocked() error {
	if err := m.active.Finalize(); err != nil {
		return fmt.Errorf("failed to finalize active pack: %w", err)
	}
	bs, err := blockstore.OpenReadOnly(m.packPath(m.currentID))
	if err != nil {
		return fmt.Errorf("failed to open sealed pack: %w", err)
	}
	m.sealed[m.currentID] = bs

	m.currentID++
	return m.openActive()
}

func (m *packManager) ListSealedPacks() []uint64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	res := make([]uint64, 0, len(m.sealed))
	for id := range m.sealed {
		res = append(res, id)
	}
	sort.Slice(res, func(i, j int) bool { return res[i] < res[j] })
	return res
}

func (m *packManager) PackSize(packID uint64) (int64, error) {
	fi, err := os.Stat(m.packPath(packID))
	if errors.Is(err, os.ErrNotExist) {
		return 0, fmt.Errorf("%w: pack %d", core.ErrNotFound, packID)
	}
	if err != nil {
		return 0, err
	}
	return fi.Size(), nil
}

// IteratePackBlocks reads a sealed pack front to back. The CARv2 index is not
// used because it reports every CID with the raw codec, and record blocks
// are dag-cbor.
func (m *packManager) IteratePackBlocks(ctx context.Context, packID uint64, fn func(c core.CID) error) error {
	m.mu.RLock()
	_, ok := m.sealed[packID]
	m.mu.RUnlock()
	if !ok {
		return fmt.Errorf("%w: pack %d is not sealed or doesn't exist", core.ErrNotFound, packID)
	}

	f, err := os.Open(m.packPath(packID))
	if err != nil {
		return fmt.Errorf("failed to open pack %d: %w", packID, err)
	}
	defer f.Close()

	br, err := carv2.NewBlockReader(f, carv2.WithTrustedCAR(true))
	if err != nil {
		return fmt.Errorf("failed to create block reader for pack %d: %w", packID, err)
	}

	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		blk, err := br.Next()
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("failed to read block from pack %d: %w", packID, err)
		}
		if err := fn(core.CID{Bytes: blk.Cid().Bytes()}); err != nil {
			return err
		}
	}
}

func (m *packManager) RemovePack(packID uint64) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if packID == m.currentID {
		return fmt.Errorf("%w: cannot remove active pack %d", core.ErrInvalidInput, packID)
	}
	if bs, ok := m.sealed[packID]; ok {
		delete(m.sealed, packID)
		bs.Close()
	}
	return os.Remove(m.packPath(packID))
}

func (m *packManager) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.active != nil {
		// Finalize fails harmlessly if the pack was already finalized.
		_ = m.active.Finalize()
		m.active = nil
	}
	return m.closeSealed()
}

func (m *packManager) closeSealed() error {
	var errs []error
	for id, bs := range m.sealed {
		if err := bs.Close(); err != nil {
			errs = append(errs, fmt.Errorf("pack %d: %w", id, err))
		}
	}
	m.sealed = map[uint64]*blockstore.ReadOnly{}
	return errors.Join(errs...)
}
