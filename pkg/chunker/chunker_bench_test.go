package chunker

import (
	"bytes"
	"context"
	"math/rand"
	"testing"

	"github.com/KeplerC/capsule-router/internal/testkit"
	"github.com/KeplerC/capsule-router/pkg/core"
)

func BenchmarkChunker(b *testing.B) {
	c, err := New(core.DefaultConfig(b.TempDir()).Chunking)
	if err != nil {
		b.Fatal(err)
	}

	datasets := []struct {
		name string
		gen  func(*rand.Rand, int) []byte
	}{
		{"Random", testkit.RandomBytes},
		{"Compressible", testkit.CompressibleBytes},
	}

	for _, ds := range datasets {
		b.Run(ds.name, func(b *testing.B) {
			data := ds.gen(testkit.RNG(42), 4<<20)

			b.ResetTimer()
			b.ReportAllocs()
			b.SetBytes(int64(len(data)))
			for i := 0; i < b.N; i++ {
				chunks, _ := c.Split(context.Background(), bytes.NewReader(data))
				for ch := range chunks {
					c.ReturnBuffer(ch.Buf)
				}
			}
		})
	}
}
