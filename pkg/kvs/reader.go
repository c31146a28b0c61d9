package kvs

import (
	"bytes"
	"context"
	"fmt"
	"io"

	"github.com/KeplerC/capsule-router/pkg/record"
)

// valueReader streams a value chunk by chunk, fetching each one on demand.
type valueReader struct {
	ctx    context.Context
	s      *store
	chunks []record.ChunkRef

	cur *bytes.Reader
	idx int
}

func (r *valueReader) Read(p []byte) (int, error) {
	for {
		if r.cur == nil {
			if r.idx >= len(r.chunks) {
				return 0, io.EOF
			}
			ref := r.chunks[r.idx]
			plain, err := r.fetch(ref)
			if err != nil {
				return 0, err
			}
			if uint32(len(plain)) != ref.Len {
				return 0, fmt.Errorf("%w: chunk %d is %d bytes, record says %d", ErrCorrupt, r.idx, len(plain), ref.Len)
			}
			r.cur = bytes.NewReader(plain)
		}

		n, err := r.cur.Read(p)
		if err == io.EOF {
			r.cur = nil
			r.idx++
			if n > 0 {
				return n, nil
			}
			continue
		}
		return n, err
	}
}

// fetch reads one chunk, failing with ErrClosed if the store has closed.
func (r *valueReader) fetch(ref record.ChunkRef) ([]byte, error) {
	if err := r.s.enter(); err != nil {
		return nil, err
	}
	defer r.s.leave()
	return r.s.readBlock(r.ctx, ref.CID)
}

func (r *valueReader) Close() error {
	r.cur = nil
	r.idx = len(r.chunks)
	return nil
}

type countingReader struct {
	r io.Reader
	n uint64
}

func (c *countingReader) Read(p []byte) (int, error) {
	n, err := c.r.Read(p)
	c.n += uint64(n)
	return n, err
}
