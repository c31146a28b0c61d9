package kvs

import (
	"context"
	"io"
	"time"

	"github.com/KeplerC/capsule-router/pkg/core"
	"github.com/KeplerC/capsule-router/pkg/gc"
	"github.com/KeplerC/capsule-router/pkg/key"
	"github.com/KeplerC/capsule-router/pkg/routing"
)

type Config = core.Config

var (
	ErrNotFound     = core.ErrNotFound
	ErrInvalidInput = core.ErrInvalidInput
	ErrCorrupt      = core.ErrCorrupt
	ErrTooLarge     = core.ErrTooLarge
	ErrClosed       = core.ErrClosed
)

// PutMeta describes a value being stored.
//
// Expiry is decided in this order:
//   - Expires != nil: exactly that instant, which must lie in the future.
//   - TTL != nil: now + *TTL, which must be positive.
//   - Config.Expiry.DefaultTTL > 0: now + DefaultTTL.
//   - otherwise the value never expires.
//
// Setting both Expires and TTL is an error.
type PutMeta struct {
	MediaType string
	Publisher *key.Key
	TTL       *time.Duration
	Expires   *time.Time
}

// Info describes a stored value.
type Info struct {
	Key              key.Key
	Record           core.CID
	Length           uint64
	Chunks           int
	MediaType        string
	Publisher        *key.Key
	ContentAddressed bool
	StoredAt         time.Time
	ExpiresAt        time.Time // zero when the value never expires
}

// Store maps DHT keys to values.
type Store interface {
	// Put stores the contents of r under k, replacing any previous value.
	Put(ctx context.Context, k key.Key, r io.Reader, meta PutMeta) (Info, error)
	// PutContent stores value under the SHA2-256 digest of its bytes.
	PutContent(ctx context.Context, value []byte, meta PutMeta) (key.Key, error)

	// Get returns a reader over the value of k. Expired values are not found.
	Get(ctx context.Context, k key.Key) (io.ReadCloser, Info, error)
	Has(ctx context.Context, k key.Key) (bool, error)
	Stat(ctx context.Context, k key.Key) (Info, error)
	Delete(ctx context.Context, k key.Key) error
	// Verify re-reads every chunk of k and, for content-addressed values,
	// checks the whole value hashes back to k.
	Verify(ctx context.Context, k key.Key) error

	// Closest returns up to n live keys ordered by XOR distance to target.
	Closest(ctx context.Context, target key.Key, n int) ([]key.Key, error)

	// Contacts persists routing table snapshots next to the values.
	Contacts() routing.ContactStore
	// RunGC sweeps expired values now.
	RunGC(ctx context.Context) (gc.Result, error)

	Close() error
}
