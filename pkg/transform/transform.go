package transform

import (
	"fmt"

	"github.com/KeplerC/capsule-router/pkg/core"
	"github.com/klauspost/compress/zstd"
)

// Stored blocks are wrapped as: magic(4) | version(1) | flags(1) | alg(1) | payload.
const (
	Magic      = "CRKV"
	Version    = 1
	headerSize = len(Magic) + 3
)

const (
	FlagCompressed = 1 << 0
)

const (
	AlgNone = 0
	AlgZstd = 1
)

// Transform encodes block payloads before they are written to a pack and
// decodes them on the way out.
type Transform interface {
	Name() string
	Encode(plain []byte) ([]byte, error)
	Decode(stored []byte) ([]byte, error)
}

// New builds the transform named by cfg. An empty name means "none".
func New(cfg core.TransformConfig) (Transform, error) {
	switch cfg.Name {
	case "zstd":
		return NewZstd(cfg.ZstdLevel)
	case "none", "":
		return NewNone(), nil
	default:
		return nil, fmt.Errorf("%w: unsupported transform %q", core.ErrInvalidInput, cfg.Name)
	}
}

type noneTransform struct{}

func NewNone() Transform {
	return noneTransform{}
}

func (noneTransform) Name() string                         { return "none" }
func (noneTransform) Encode(plain []byte) ([]byte, error)  { return plain, nil }
func (noneTransform) Decode(stored []byte) ([]byte, error) { return stored, nil }

type zstdTransform struct {
	encoder *zstd.Encoder
	decoder *zstd.Decoder
}

// NewZstd returns a zstd transform. Levels outside zstd's named range are
// mapped to the nearest supported level.
func NewZstd(level int) (Transform, error) {
	enc, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.EncoderLevelFromZstd(level)))
	if err != nil {
		return nil, fmt.Errorf("failed to create zstd encoder: %w", err)
	}
	dec, err := zstd.NewReader(nil)
	if err != nil {
		enc.Close()
		return nil, fmt.Errorf("failed to create zstd decoder: %w", err)
	}
	return &zstdTransform{encoder: enc, decoder: dec}, nil
}

func (t *zstdTransform) Name() string { return "zstd" }

func (t *zstdTransform) Encode(plain []byte) ([]byte, error) {
	out := make([]byte, headerSize, headerSize+len(plain)/2)
	copy(out, Magic)
	out[4], out[5], out[6] = Version, FlagCompressed, AlgZstd
	return t.encoder.EncodeAll(plain, out), nil
}

func (t *zstdTransform) Decode(stored []byte) ([]byte, error) {
	if len(stored) < headerSize {
		return nil, fmt.Errorf("%w: block too small for envelope", core.ErrCorrupt)
	}
	if string(stored[:4]) != Magic {
		return nil, fmt.Errorf("%w: invalid magic", core.ErrCorrupt)
	}
	if stored[4] != Version {
		return nil, fmt.Errorf("%w: unsupported version %d", core.ErrCorrupt, stored[4])
	}

	flags, alg, payload := stored[5], stored[6], stored[headerSize:]
	if flags&FlagCompressed == 0 {
		return payload, nil
	}
	if alg != AlgZstd {
		return nil, fmt.Errorf("%w: unsupported compression algorithm %d", core.ErrCorrupt, alg)
	}
	plain, err := t.decoder.DecodeAll(payload, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", core.ErrCorrupt, err)
	}
	return plain, nil
}
