package testkit

import (
	"context"

	"github.com/KeplerC/capsule-router/pkg/core"
	"github.com/KeplerC/capsule-router/pkg/pack"
)

// CountUniqueBlocks returns the number of distinct CIDs across all sealed packs.
func CountUniqueBlocks(ctx context.Context, pm pack.Manager) (int, error) {
	unique := make(map[string]struct{})
	for _, pid := range pm.ListSealedPacks() {
		err := pm.IteratePackBlocks(ctx, pid, func(c core.CID) error {
			unique[string(c.Bytes)] = struct{}{}
			return nil
		})
		if err != nil {
			return 0, err
		}
	}
	return len(unique), nil
}

// FlipFirstByte returns a copy of payload with its first byte inverted.
func FlipFirstByte(payload []byte) []byte {
	out := append([]byte(nil), payload...)
	if len(out) > 0 {
		out[0] ^= 0xFF
	}
	return out
}
