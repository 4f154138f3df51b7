package protector

import (
	"context"

	"github.com/watchtower-guard/slashing-protector/store"
)

// evaluateAttestation decides whether a candidate attestation may be
// signed, per spec.md §4.3. Rules are evaluated in order against the same
// transactional snapshot; the first matching rule wins. shouldInsert tells
// the caller whether a fresh record must be written in the same
// transaction.
func evaluateAttestation(ctx context.Context, tx store.Tx, v ValidatorID, source, target uint64, root Root) (check Check, shouldInsert bool, err error) {
	if source > target {
		return Check{Slashable: true, Reason: "malformed: source epoch greater than target epoch"}, false, nil
	}

	minSource, err := tx.MinAttestationSourceEpoch(ctx, v)
	if err != nil {
		return Check{}, false, failClosed(err, "read source watermark")
	}
	if minSource != nil && source < *minSource {
		return Check{Slashable: true, Reason: "source epoch below the attestation source watermark"}, false, nil
	}

	minTarget, err := tx.MinAttestationTargetEpoch(ctx, v)
	if err != nil {
		return Check{}, false, failClosed(err, "read target watermark")
	}
	if minTarget != nil && target <= *minTarget {
		return Check{Slashable: true, Reason: "target epoch at or below the attestation target watermark"}, false, nil
	}

	existing, err := tx.FindAttestationByTarget(ctx, v, target)
	if err != nil {
		return Check{}, false, failClosed(err, "find attestation by target")
	}
	if existing != nil {
		switch {
		case existing.SigningRoot.Equal(root):
			return Check{Slashable: false, Reason: "idempotent re-sign of an already-signed attestation"}, false, nil
		case !existing.SigningRoot.Valid:
			return Check{Slashable: true, Reason: "existing record at this target has unknown content"}, false, nil
		default:
			return Check{Slashable: true, Reason: "double vote: a different attestation is already signed for this target"}, false, nil
		}
	}

	surrounding, err := tx.FindSurrounding(ctx, v, source, target)
	if err != nil {
		return Check{}, false, failClosed(err, "find surrounding")
	}
	if surrounding != nil {
		return Check{Slashable: true, Reason: "surrounded by an existing attestation"}, false, nil
	}

	surrounded, err := tx.FindSurrounded(ctx, v, source, target)
	if err != nil {
		return Check{}, false, failClosed(err, "find surrounded")
	}
	if surrounded != nil {
		return Check{Slashable: true, Reason: "surrounds an existing attestation"}, false, nil
	}

	return Check{Slashable: false}, true, nil
}
