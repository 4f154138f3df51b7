// Package store defines the transactional persistence contract used by the
// slashing-protector engine (spec.md §4.5) and a concrete implementation
// backed by a relational database/sql driver.
package store

import (
	"context"

	"github.com/watchtower-guard/slashing-protector/protector"
)

// Tx is the ambient transaction handle a single signing decision runs
// inside. Every read and the eventual insert share one Tx so the
// check-and-insert pair is atomic, per spec.md §4.4's invariant coupling.
type Tx interface {
	// FindBlock returns the stored block at (v, slot), if any.
	FindBlock(ctx context.Context, v protector.ValidatorID, slot uint64) (*protector.SignedBlock, error)
	// InsertBlock stores a new block. It fails if (v, slot) already exists.
	InsertBlock(ctx context.Context, b protector.SignedBlock) error
	// MinBlockSlot returns the validator's block watermark, if set.
	MinBlockSlot(ctx context.Context, v protector.ValidatorID) (*uint64, error)

	// FindAttestationByTarget returns the stored attestation at (v, target), if any.
	FindAttestationByTarget(ctx context.Context, v protector.ValidatorID, target uint64) (*protector.SignedAttestation, error)
	// FindSurrounding returns a stored attestation (v, sᵢ, tᵢ) with
	// sᵢ < source AND tᵢ > target, if any exists.
	FindSurrounding(ctx context.Context, v protector.ValidatorID, source, target uint64) (*protector.SignedAttestation, error)
	// FindSurrounded returns a stored attestation (v, sᵢ, tᵢ) with
	// sᵢ > source AND tᵢ < target, if any exists.
	FindSurrounded(ctx context.Context, v protector.ValidatorID, source, target uint64) (*protector.SignedAttestation, error)
	// InsertAttestation stores a new attestation. It fails if (v, target) already exists.
	InsertAttestation(ctx context.Context, a protector.SignedAttestation) error
	// MinAttestationSourceEpoch returns the validator's source watermark, if set.
	MinAttestationSourceEpoch(ctx context.Context, v protector.ValidatorID) (*uint64, error)
	// MinAttestationTargetEpoch returns the validator's target watermark, if set.
	MinAttestationTargetEpoch(ctx context.Context, v protector.ValidatorID) (*uint64, error)

	// RetrieveValidators returns the Validator rows for the given public keys,
	// in no particular order, omitting keys that do not exist.
	RetrieveValidators(ctx context.Context, keys []protector.PubKey) ([]protector.Validator, error)
	// RegisterValidators inserts rows for any key not already present,
	// preserving the caller's order, and returns the full set (pre-existing
	// and newly created) in that same order.
	RegisterValidators(ctx context.Context, keys []protector.PubKey) ([]protector.Validator, error)

	// Watermarks returns the current watermarks for v (zero value if unset).
	Watermarks(ctx context.Context, v protector.ValidatorID) (protector.Watermarks, error)
	// RaiseWatermarks raises any of the three watermarks to at least the
	// given values; it never lowers a watermark.
	RaiseWatermarks(ctx context.Context, v protector.ValidatorID, update protector.WatermarkUpdate) error

	// AllBlocks returns every stored block for v, for export.
	AllBlocks(ctx context.Context, v protector.ValidatorID) ([]protector.SignedBlock, error)
	// AllAttestations returns every stored attestation for v, for export.
	AllAttestations(ctx context.Context, v protector.ValidatorID) ([]protector.SignedAttestation, error)
	// AllValidators returns every registered validator, for export.
	AllValidators(ctx context.Context) ([]protector.Validator, error)

	Commit() error
	Rollback() error
}

// Store opens serializable transactions against the persistent history.
type Store interface {
	// Begin opens a new transaction at an isolation level that prevents
	// phantom reads within one validator's history (spec.md §4.4/§5).
	Begin(ctx context.Context) (Tx, error)
	Close() error
}
