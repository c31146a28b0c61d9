package chunker

import (
	"bytes"
	"context"
	"errors"
	"io"
	"testing"
	"time"

	"github.com/KeplerC/capsule-router/internal/testkit"
	"github.com/KeplerC/capsule-router/pkg/core"
)

var testConfig = core.ChunkingConfig{Min: 64, Avg: 128, Max: 256}

func newTestChunker(t testing.TB) Chunker {
	t.Helper()
	c, err := New(testConfig)
	if err != nil {
		t.Fatal(err)
	}
	return c
}

func collect(t *testing.T, c Chunker, ctx context.Context, r io.Reader) ([][]byte, error) {
	t.Helper()
	chunks, errCh := c.Split(ctx, r)
	var out [][]byte
	for ch := range chunks {
		out = append(out, append([]byte(nil), ch.Data()...))
		c.ReturnBuffer(ch.Buf)
	}
	return out, <-errCh
}

func TestFastCDCChunker(t *testing.T) {
	c := newTestChunker(t)

	t.Run("BasicSplit", func(t *testing.T) {
		data := testkit.RandomBytes(testkit.RNG(42), 10*1024)
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		parts, err := collect(t, c, ctx, bytes.NewReader(data))
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}

		var reassembled []byte
		for i, p := range parts {
			if len(p) > testConfig.Max {
				t.Errorf("chunk %d too large: %d > %d", i, len(p), testConfig.Max)
			}
			if len(p) < testConfig.Min && i != len(parts)-1 {
				t.Errorf("chunk %d too small: %d < %d", i, len(p), testConfig.Min)
			}
			reassembled = append(reassembled, p...)
		}
		if !bytes.Equal(data, reassembled) {
			t.Error("reassembled data does not match original")
		}
		if len(parts) < 10 {
			t.Errorf("expected multiple chunks, got %d", len(parts))
		}
	})

	t.Run("Determinism", func(t *testing.T) {
		data := testkit.RandomBytes(testkit.RNG(42), 64*1024)
		first, err := collect(t, c, context.Background(), bytes.NewReader(data))
		if err != nil {
			t.Fatal(err)
		}
		second, err := collect(t, c, context.Background(), bytes.NewReader(data))
		if err != nil {
			t.Fatal(err)
		}
		if len(first) != len(second) {
			t.Fatalf("chunk counts differ (%d vs %d)", len(first), len(second))
		}
		for i := range first {
			if !bytes.Equal(first[i], second[i]) {
				t.Fatalf("chunk %d differs between runs", i)
			}
		}
	})

	t.Run("NearDuplicatesShareChunks", func(t *testing.T) {
		rng := testkit.RNG(7)
		base := testkit.RandomBytes(rng, 32*1024)
		edited := testkit.MutateBytes(rng, base, 2)

		a, _ := collect(t, c, context.Background(), bytes.NewReader(base))
		b, _ := collect(t, c, context.Background(), bytes.NewReader(edited))

		seen := make(map[string]bool, len(a))
		for _, p := range a {
			seen[string(p)] = true
		}
		shared := 0
		for _, p := range b {
			if seen[string(p)] {
				shared++
			}
		}
		if shared < len(b)/2 {
			t.Errorf("only %d of %d chunks shared after a small edit", shared, len(b))
		}
	})

	t.Run("EmptyInput", func(t *testing.T) {
		parts, err := collect(t, c, context.Background(), bytes.NewReader(nil))
		if err != nil {
			t.Fatal(err)
		}
		if len(parts) != 0 {
			t.Errorf("expected 0 chunks, got %d", len(parts))
		}
	})

	t.Run("SingleByte", func(t *testing.T) {
		parts, err := collect(t, c, context.Background(), bytes.NewReader([]byte{0x42}))
		if err != nil {
			t.Fatal(err)
		}
		if len(parts) != 1 || len(parts[0]) != 1 {
			t.Errorf("expected one 1-byte chunk, got %v", parts)
		}
	})
}

func TestChunkerErrors(t *testing.T) {
	t.Run("InvalidConfig", func(t *testing.T) {
		for _, cfg := range []core.ChunkingConfig{
			{Min: 100, Avg: 50, Max: 10},
			{Min: 8, Avg: 128, Max: 256},
			{Min: 64, Avg: 256, Max: 256},
		} {
			if _, err := New(cfg); !errors.Is(err, core.ErrInvalidInput) {
				t.Errorf("New(%+v): expected ErrInvalidInput, got %v", cfg, err)
			}
		}
	})

	t.Run("ReaderError", func(t *testing.T) {
		c := newTestChunker(t)
		data := testkit.RandomBytes(testkit.RNG(3), 4096)
		_, err := collect(t, c, context.Background(), testkit.NewErrorReader(bytes.NewReader(data), 1000, nil))
		if !errors.Is(err, testkit.ErrInjectedFault) {
			t.Errorf("expected injected fault, got %v", err)
		}
	})

	t.Run("CancelledBeforeStart", func(t *testing.T) {
		c := newTestChunker(t)
		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		_, err := collect(t, c, ctx, bytes.NewReader([]byte("test")))
		if !errors.Is(err, context.Canceled) {
			t.Errorf("expected context.Canceled, got %v", err)
		}
	})

	t.Run("CancelledMidStream", func(t *testing.T) {
		c := newTestChunker(t)
		data := testkit.RandomBytes(testkit.RNG(42), 1<<20)
		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()

		chunks, errCh := c.Split(ctx, bytes.NewReader(data))
		if _, ok := <-chunks; !ok {
			t.Fatal("expected at least one chunk")
		}
		cancel()
		for range chunks {
		}
		if err := <-errCh; !errors.Is(err, context.Canceled) {
			t.Errorf("expected context.Canceled, got %v", err)
		}
	})
}
