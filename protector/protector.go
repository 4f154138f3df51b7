// Package protector implements the slashing-protection decision engine: it
// mediates every signing request a validator key would produce and records
// permitted signatures atomically, so that no protected key can be induced
// to sign two artifacts that would constitute a slashable offense.
package protector

import (
	"context"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/watchtower-guard/slashing-protector/store"
)

// maxCommitRetries bounds how many times a decision retries after a
// serialization abort before surfacing ErrTransactionAborted, per spec.md
// §5's "aborts retry at most a bounded number of times" discipline.
const maxCommitRetries = 3

// Protector is the public façade described in spec.md §4.4.
type Protector interface {
	RegisterValidators(ctx context.Context, keys []PubKey) ([]Validator, error)

	// MaySignBlock resolves key, evaluates the candidate block against
	// history inside one transaction, and on permit records it before
	// returning. The returned Check.Slashable is false iff signing is
	// permitted; for a fresh permit, the record is durably committed
	// before the call returns.
	MaySignBlock(ctx context.Context, key PubKey, root Root, slot uint64) (Check, error)

	// MaySignAttestation is the attestation analogue of MaySignBlock.
	MaySignAttestation(ctx context.Context, key PubKey, root Root, source, target uint64) (Check, error)

	// SetWatermarks raises (never lowers) a validator's pruning floors.
	SetWatermarks(ctx context.Context, key PubKey, update WatermarkUpdate) error

	// Export dumps every record and watermark for every registered
	// validator as an interchange document, per spec.md §4.6.
	Export(ctx context.Context, genesisValidatorsRoot string) (InterchangeDocument, error)

	// Import consumes an interchange document, per spec.md §4.6. Failure
	// for one validator entry does not block the others; each entry is
	// atomic at its own granularity.
	Import(ctx context.Context, doc InterchangeDocument) error

	Close() error
}

type coordinator struct {
	logger   *zap.Logger
	store    store.Store
	registry *Registry
}

// New builds a Protector over an already-open history store. The caller
// owns the store's lifecycle beyond Close.
func New(logger *zap.Logger, s store.Store) (Protector, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	registry := NewRegistry()
	if err := registry.Warm(context.Background(), s); err != nil {
		return nil, errors.Wrap(err, "warm registry")
	}
	return &coordinator{logger: logger, store: s, registry: registry}, nil
}

func (c *coordinator) Close() error {
	return c.store.Close()
}

func (c *coordinator) RegisterValidators(ctx context.Context, keys []PubKey) ([]Validator, error) {
	return c.registry.Register(ctx, c.store, keys)
}

func (c *coordinator) MaySignBlock(ctx context.Context, key PubKey, root Root, slot uint64) (Check, error) {
	v, err := c.registry.Resolve(key)
	if err != nil {
		return Check{}, err
	}

	var result Check
	err = c.withRetry(ctx, func(tx store.Tx) error {
		check, shouldInsert, err := evaluateBlock(ctx, tx, v, slot, root)
		if err != nil {
			return err
		}
		result = check
		if !shouldInsert {
			return nil
		}
		return tx.InsertBlock(ctx, SignedBlock{ValidatorID: v, Slot: slot, SigningRoot: root})
	})
	if err != nil {
		c.logger.Error("MaySignBlock failed",
			zap.Uint64("validator", uint64(v)), zap.Uint64("slot", slot), zap.Error(err))
		return Check{}, err
	}
	return result, nil
}

func (c *coordinator) MaySignAttestation(ctx context.Context, key PubKey, root Root, source, target uint64) (Check, error) {
	v, err := c.registry.Resolve(key)
	if err != nil {
		return Check{}, err
	}

	var result Check
	err = c.withRetry(ctx, func(tx store.Tx) error {
		check, shouldInsert, err := evaluateAttestation(ctx, tx, v, source, target, root)
		if err != nil {
			return err
		}
		result = check
		if !shouldInsert {
			return nil
		}
		return tx.InsertAttestation(ctx, SignedAttestation{ValidatorID: v, Source: source, Target: target, SigningRoot: root})
	})
	if err != nil {
		c.logger.Error("MaySignAttestation failed",
			zap.Uint64("validator", uint64(v)), zap.Uint64("source", source), zap.Uint64("target", target), zap.Error(err))
		return Check{}, err
	}
	return result, nil
}

func (c *coordinator) SetWatermarks(ctx context.Context, key PubKey, update WatermarkUpdate) error {
	v, err := c.registry.Resolve(key)
	if err != nil {
		return err
	}
	return c.withRetry(ctx, func(tx store.Tx) error {
		return tx.RaiseWatermarks(ctx, v, update)
	})
}

// withRetry runs fn inside one transaction, committing on success. A
// transaction-level failure (begin/commit error) is retried up to
// maxCommitRetries times before being surfaced as ErrTransactionAborted.
// fn's own decision - including a denial - is never retried; it is
// definitive and the transaction is rolled back cleanly (a deny touches no
// row, so rollback is just cleanup).
func (c *coordinator) withRetry(ctx context.Context, fn func(tx store.Tx) error) error {
	var lastErr error
	for attempt := 0; attempt <= maxCommitRetries; attempt++ {
		tx, err := c.store.Begin(ctx)
		if err != nil {
			lastErr = failClosed(err, "begin transaction")
			continue
		}

		if err := fn(tx); err != nil {
			tx.Rollback()
			return err
		}

		if err := tx.Commit(); err != nil {
			lastErr = errors.Wrap(ErrTransactionAborted, err.Error())
			continue
		}
		return nil
	}
	return lastErr
}
