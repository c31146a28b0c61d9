// Package chunker splits values into content-defined chunks with FastCDC, so
// values that differ by a few edits share most of their chunks.
package chunker

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/KeplerC/capsule-router/pkg/core"
	"github.com/jotfs/fastcdc-go"
)

// minChunkSize is the smallest minimum FastCDC accepts.
const minChunkSize = 64

// Chunk is one piece of a value. Buf[:N] holds the data; Buf belongs to the
// chunker's pool and should be handed back with ReturnBuffer.
type Chunk struct {
	Buf []byte
	N   int
}

// Data returns the filled part of the buffer.
func (c Chunk) Data() []byte { return c.Buf[:c.N] }

// Chunker splits a reader into a stream of chunks.
type Chunker interface {
	// Split delivers chunks in order. The error channel yields at most one
	// error and is closed after the chunk channel.
	Split(ctx context.Context, r io.Reader) (<-chan Chunk, <-chan error)
	ReturnBuffer(buf []byte)
}

type fastCDCChunker struct {
	cfg  core.ChunkingConfig
	pool sync.Pool
}

// New validates cfg and returns a FastCDC chunker.
func New(cfg core.ChunkingConfig) (Chunker, error) {
	if cfg.Min < minChunkSize || cfg.Min >= cfg.Avg || cfg.Avg >= cfg.Max {
		return nil, fmt.Errorf("%w: chunk sizes must satisfy %d <= min < avg < max, got %d/%d/%d",
			core.ErrInvalidInput, minChunkSize, cfg.Min, cfg.Avg, cfg.Max)
	}
	c := &fastCDCChunker{cfg: cfg}
	c.pool.New = func() any { return make([]byte, cfg.Max) }
	return c, nil
}

func (c *fastCDCChunker) Split(ctx context.Context, r io.Reader) (<-chan Chunk, <-chan error) {
	chunks := make(chan Chunk, 1)
	errs := make(chan error, 1)

	go func() {
		defer close(errs)
		defer close(chunks)

		cdc, err := fastcdc.NewChunker(r, fastcdc.Options{
			MinSize:     c.cfg.Min,
			AverageSize: c.cfg.Avg,
			MaxSize:     c.cfg.Max,
		})
		if err != nil {
			errs <- err
			return
		}

		for {
			if err := ctx.Err(); err != nil {
				errs <- err
				return
			}
			next, err := cdc.Next()
			if errors.Is(err, io.EOF) {
				return
			}
			if err != nil {
				errs <- err
				return
			}

			// fastcdc reuses its buffer on the next call.
			buf := c.pool.Get().([]byte)
			n := copy(buf, next.Data)

			select {
			case <-ctx.Done():
				c.pool.Put(buf)
				errs <- ctx.Err()
				return
			case chunks <- Chunk{Buf: buf, N: n}:
			}
		}
	}()

	return chunks, errs
}

func (c *fastCDCChunker) ReturnBuffer(buf []byte) {
	if cap(buf) < c.cfg.Max {
		return
	}
	c.pool.Put(buf[:c.cfg.Max])
}
