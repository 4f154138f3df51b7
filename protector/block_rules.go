package protector

import (
	"context"

	"github.com/watchtower-guard/slashing-protector/store"
)

// evaluateBlock decides whether a candidate block proposal may be signed,
// per spec.md §4.2. All reads run against tx's snapshot; shouldInsert tells
// the caller whether a fresh record must be written in the same
// transaction (false for a denial or for an idempotent re-sign, which
// requires no new row).
func evaluateBlock(ctx context.Context, tx store.Tx, v ValidatorID, slot uint64, root Root) (check Check, shouldInsert bool, err error) {
	minSlot, err := tx.MinBlockSlot(ctx, v)
	if err != nil {
		return Check{}, false, failClosed(err, "read block watermark")
	}
	if minSlot != nil && slot <= *minSlot {
		return Check{Slashable: true, Reason: "slot at or below the block watermark"}, false, nil
	}

	existing, err := tx.FindBlock(ctx, v, slot)
	if err != nil {
		return Check{}, false, failClosed(err, "find block")
	}
	switch {
	case existing == nil:
		return Check{Slashable: false}, true, nil
	case existing.SigningRoot.Equal(root):
		return Check{Slashable: false, Reason: "idempotent re-sign of an already-signed block"}, false, nil
	default:
		return Check{Slashable: true, Reason: "double proposal: a different block is already signed at this slot"}, false, nil
	}
}
