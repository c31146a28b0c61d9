package core

import (
	"path/filepath"
	"time"
)

type Config struct {
	Dir string // store root

	Chunking  ChunkingConfig
	Pack      PackConfig
	Catalog   CatalogConfig
	Limits    LimitsConfig
	Transform TransformConfig
	Expiry    ExpiryConfig
	Routing   RoutingConfig
}

type ChunkingConfig struct {
	Min int
	Avg int
	Max int
}

type PackConfig struct {
	Dir             string
	TargetPackBytes uint64
}

type CatalogConfig struct {
	Dir string
}

type TransformConfig struct {
	Name      string // "none" or "zstd"
	ZstdLevel int
}

type LimitsConfig struct {
	MaxValueBytes      uint64
	MaxChunksPerRecord uint32
	MaxMediaTypeLen    int
}

// ExpiryConfig controls how long stored values live and how often the
// sweeper reclaims expired ones.
type ExpiryConfig struct {
	Enabled    bool
	DefaultTTL time.Duration
	RunEvery   time.Duration
}

// RoutingConfig sizes the routing table and paces bucket refresh.
type RoutingConfig struct {
	BucketSize    int
	RefreshEvery  time.Duration
	StaleAfter    time.Duration
	LookupTimeout time.Duration
}

// DefaultConfig returns a configuration rooted at dir with the values the
// CLI and examples use.
func DefaultConfig(dir string) Config {
	return Config{
		Dir: dir,
		Chunking: ChunkingConfig{
			Min: 2 << 10,
			Avg: 8 << 10,
			Max: 16 << 10,
		},
		Pack: PackConfig{
			Dir:             filepath.Join(dir, "packs"),
			TargetPackBytes: 64 << 20,
		},
		Catalog: CatalogConfig{
			Dir: filepath.Join(dir, "catalog"),
		},
		Limits: LimitsConfig{
			MaxValueBytes:      64 << 20,
			MaxChunksPerRecord: 1 << 16,
			MaxMediaTypeLen:    255,
		},
		Transform: TransformConfig{
			Name:      "zstd",
			ZstdLevel: 3,
		},
		Expiry: ExpiryConfig{
			Enabled:    true,
			DefaultTTL: 24 * time.Hour,
			RunEvery:   time.Hour,
		},
		Routing: RoutingConfig{
			BucketSize:    20,
			RefreshEvery:  time.Minute,
			StaleAfter:    time.Hour,
			LookupTimeout: 10 * time.Second,
		},
	}
}
