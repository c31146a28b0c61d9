package cidutil

import (
	"testing"

	"github.com/KeplerC/capsule-router/pkg/core"
)

func FuzzCIDVerify(f *testing.F) {
	builder := NewBuilder()

	validData := []byte("hello world payload")
	validCID, _ := builder.ChunkCID(validData)
	f.Add(validCID.Bytes, validData)

	corruptCID := append([]byte(nil), validCID.Bytes...)
	corruptCID[3] ^= 0x01
	f.Add(corruptCID, validData)

	f.Add([]byte("not a cid at all"), validData)
	f.Add([]byte{}, validData)

	f.Fuzz(func(t *testing.T, cidBytes []byte, payload []byte) {
		c := core.CID{Bytes: cidBytes}
		_ = builder.Verify(c, payload)

		// A key extracted from any CID must map back to a CID with the same key.
		k, err := builder.KeyFromCID(c)
		if err != nil {
			return
		}
		again, err := builder.CIDForKey(0x55, k)
		if err != nil {
			t.Fatalf("CIDForKey failed: %v", err)
		}
		if k2, err := builder.KeyFromCID(again); err != nil || k2 != k {
			t.Fatalf("key bridge not stable: %v", err)
		}
	})
}
