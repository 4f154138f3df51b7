package store

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	_ "github.com/mattn/go-sqlite3"
	"github.com/pkg/errors"
	"golang.org/x/sync/semaphore"

	"github.com/watchtower-guard/slashing-protector/protector"
)

// sqliteStore is the default History Store backend: a single database/sql
// handle over a file-backed SQLite database. SQLite's single-writer model
// gives us the serializable-isolation guarantee spec.md §5 asks for as long
// as every write transaction is opened with BEGIN IMMEDIATE, which we do via
// the driver's "_txlock=immediate" DSN parameter rather than per-call
// options, since database/sql has no portable knob for it.
type sqliteStore struct {
	db *sql.DB

	// sem serializes transaction creation so that the "at most one writer"
	// property promised above is never defeated by two goroutines racing
	// to open overlapping write transactions against different connections
	// in the pool. The pool itself is capped to one connection (see New).
	// A weighted semaphore acquired with the caller's context, rather than
	// a plain mutex, lets Begin give up on a cancelled caller instead of
	// queuing behind it forever.
	sem *semaphore.Weighted
}

// New opens (creating if necessary) a SQLite-backed history store at path.
func New(path string) (Store, error) {
	dsn := fmt.Sprintf("file:%s?_txlock=immediate&_foreign_keys=on", path)
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, errors.Wrap(err, "sql.Open")
	}
	// SQLite allows only one writer at a time; a single connection avoids
	// SQLITE_BUSY churn and makes BEGIN IMMEDIATE behave as a true
	// per-validator-row lock substitute (spec.md §4.4).
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, errors.Wrap(err, "apply schema")
	}
	return &sqliteStore{db: db, sem: semaphore.NewWeighted(1)}, nil
}

func (s *sqliteStore) Begin(ctx context.Context) (Tx, error) {
	if err := s.sem.Acquire(ctx, 1); err != nil {
		return nil, errors.Wrap(err, "acquire transaction slot")
	}
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		s.sem.Release(1)
		return nil, errors.Wrap(err, "begin transaction")
	}
	release := func() { s.sem.Release(1) }
	return &sqliteTx{tx: tx, unlock: release}, nil
}

func (s *sqliteStore) Close() error {
	return s.db.Close()
}

type sqliteTx struct {
	tx     *sql.Tx
	unlock func()
	done   bool
}

func (t *sqliteTx) finish() {
	if !t.done {
		t.done = true
		t.unlock()
	}
}

func (t *sqliteTx) Commit() error {
	defer t.finish()
	if err := t.tx.Commit(); err != nil {
		return errors.Wrap(err, "commit")
	}
	return nil
}

func (t *sqliteTx) Rollback() error {
	defer t.finish()
	if err := t.tx.Rollback(); err != nil && err != sql.ErrTxDone {
		return errors.Wrap(err, "rollback")
	}
	return nil
}

func (t *sqliteTx) FindBlock(ctx context.Context, v protector.ValidatorID, slot uint64) (*protector.SignedBlock, error) {
	row := t.tx.QueryRowContext(ctx,
		`SELECT signing_root, has_signing_root FROM signed_blocks WHERE validator_id = ? AND slot = ?`,
		uint64(v), slot)
	var root []byte
	var has bool
	if err := row.Scan(&root, &has); err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, errors.Wrap(err, "find block")
	}
	return &protector.SignedBlock{
		ValidatorID: v,
		Slot:        slot,
		SigningRoot: rootFromColumns(root, has),
	}, nil
}

func (t *sqliteTx) InsertBlock(ctx context.Context, b protector.SignedBlock) error {
	root, has := rootToColumns(b.SigningRoot)
	_, err := t.tx.ExecContext(ctx,
		`INSERT INTO signed_blocks (validator_id, slot, signing_root, has_signing_root) VALUES (?, ?, ?, ?)`,
		uint64(b.ValidatorID), b.Slot, root, has)
	if err != nil {
		if isUniqueViolation(err) {
			return errors.Errorf("block already exists for validator %d at slot %d", b.ValidatorID, b.Slot)
		}
		return errors.Wrap(err, "insert block")
	}
	return nil
}

func (t *sqliteTx) MinBlockSlot(ctx context.Context, v protector.ValidatorID) (*uint64, error) {
	row := t.tx.QueryRowContext(ctx,
		`SELECT min_block_slot FROM low_watermarks WHERE validator_id = ?`, uint64(v))
	var slot sql.NullInt64
	if err := row.Scan(&slot); err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, errors.Wrap(err, "min block slot")
	}
	if !slot.Valid {
		return nil, nil
	}
	u := uint64(slot.Int64)
	return &u, nil
}

func (t *sqliteTx) FindAttestationByTarget(ctx context.Context, v protector.ValidatorID, target uint64) (*protector.SignedAttestation, error) {
	row := t.tx.QueryRowContext(ctx,
		`SELECT source_epoch, signing_root, has_signing_root FROM signed_attestations WHERE validator_id = ? AND target_epoch = ?`,
		uint64(v), target)
	var source uint64
	var root []byte
	var has bool
	if err := row.Scan(&source, &root, &has); err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, errors.Wrap(err, "find attestation by target")
	}
	return &protector.SignedAttestation{
		ValidatorID: v,
		Source:      source,
		Target:      target,
		SigningRoot: rootFromColumns(root, has),
	}, nil
}

func (t *sqliteTx) FindSurrounding(ctx context.Context, v protector.ValidatorID, source, target uint64) (*protector.SignedAttestation, error) {
	return t.findOneWhere(ctx, v,
		`source_epoch < ? AND target_epoch > ?`, source, target)
}

func (t *sqliteTx) FindSurrounded(ctx context.Context, v protector.ValidatorID, source, target uint64) (*protector.SignedAttestation, error) {
	return t.findOneWhere(ctx, v,
		`source_epoch > ? AND target_epoch < ?`, source, target)
}

func (t *sqliteTx) findOneWhere(ctx context.Context, v protector.ValidatorID, cond string, a, b uint64) (*protector.SignedAttestation, error) {
	row := t.tx.QueryRowContext(ctx,
		`SELECT source_epoch, target_epoch, signing_root, has_signing_root FROM signed_attestations
		 WHERE validator_id = ? AND `+cond+` LIMIT 1`,
		uint64(v), a, b)
	var source, target uint64
	var root []byte
	var has bool
	if err := row.Scan(&source, &target, &root, &has); err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, errors.Wrap(err, "find attestation")
	}
	return &protector.SignedAttestation{
		ValidatorID: v,
		Source:      source,
		Target:      target,
		SigningRoot: rootFromColumns(root, has),
	}, nil
}

func (t *sqliteTx) InsertAttestation(ctx context.Context, a protector.SignedAttestation) error {
	root, has := rootToColumns(a.SigningRoot)
	_, err := t.tx.ExecContext(ctx,
		`INSERT INTO signed_attestations (validator_id, source_epoch, target_epoch, signing_root, has_signing_root)
		 VALUES (?, ?, ?, ?, ?)`,
		uint64(a.ValidatorID), a.Source, a.Target, root, has)
	if err != nil {
		if isUniqueViolation(err) {
			return errors.Errorf("attestation already exists for validator %d at target %d", a.ValidatorID, a.Target)
		}
		return errors.Wrap(err, "insert attestation")
	}
	return nil
}

func (t *sqliteTx) MinAttestationSourceEpoch(ctx context.Context, v protector.ValidatorID) (*uint64, error) {
	return t.watermarkColumn(ctx, v, "min_attestation_source_epoch")
}

func (t *sqliteTx) MinAttestationTargetEpoch(ctx context.Context, v protector.ValidatorID) (*uint64, error) {
	return t.watermarkColumn(ctx, v, "min_attestation_target_epoch")
}

func (t *sqliteTx) watermarkColumn(ctx context.Context, v protector.ValidatorID, column string) (*uint64, error) {
	row := t.tx.QueryRowContext(ctx,
		`SELECT `+column+` FROM low_watermarks WHERE validator_id = ?`, uint64(v))
	var val sql.NullInt64
	if err := row.Scan(&val); err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, errors.Wrapf(err, "read %s", column)
	}
	if !val.Valid {
		return nil, nil
	}
	u := uint64(val.Int64)
	return &u, nil
}

func (t *sqliteTx) RetrieveValidators(ctx context.Context, keys []protector.PubKey) ([]protector.Validator, error) {
	out := make([]protector.Validator, 0, len(keys))
	for _, key := range keys {
		row := t.tx.QueryRowContext(ctx, `SELECT id FROM validators WHERE public_key = ?`, key[:])
		var id uint64
		if err := row.Scan(&id); err != nil {
			if err == sql.ErrNoRows {
				continue
			}
			return nil, errors.Wrap(err, "retrieve validators")
		}
		out = append(out, protector.Validator{ID: protector.ValidatorID(id), PublicKey: key})
	}
	return out, nil
}

func (t *sqliteTx) RegisterValidators(ctx context.Context, keys []protector.PubKey) ([]protector.Validator, error) {
	out := make([]protector.Validator, 0, len(keys))
	for _, key := range keys {
		row := t.tx.QueryRowContext(ctx, `SELECT id FROM validators WHERE public_key = ?`, key[:])
		var id uint64
		err := row.Scan(&id)
		switch {
		case err == nil:
			// Already registered.
		case err == sql.ErrNoRows:
			res, execErr := t.tx.ExecContext(ctx, `INSERT INTO validators (public_key) VALUES (?)`, key[:])
			if execErr != nil {
				return nil, errors.Wrap(execErr, "insert validator")
			}
			newID, idErr := res.LastInsertId()
			if idErr != nil {
				return nil, errors.Wrap(idErr, "last insert id")
			}
			id = newID
		default:
			return nil, errors.Wrap(err, "register validators")
		}
		out = append(out, protector.Validator{ID: protector.ValidatorID(id), PublicKey: key})
	}
	return out, nil
}

func (t *sqliteTx) Watermarks(ctx context.Context, v protector.ValidatorID) (protector.Watermarks, error) {
	row := t.tx.QueryRowContext(ctx,
		`SELECT min_block_slot, min_attestation_source_epoch, min_attestation_target_epoch
		 FROM low_watermarks WHERE validator_id = ?`, uint64(v))
	var slot, source, target sql.NullInt64
	if err := row.Scan(&slot, &source, &target); err != nil {
		if err == sql.ErrNoRows {
			return protector.Watermarks{ValidatorID: v}, nil
		}
		return protector.Watermarks{}, errors.Wrap(err, "watermarks")
	}
	w := protector.Watermarks{ValidatorID: v}
	if slot.Valid {
		u := uint64(slot.Int64)
		w.MinBlockSlot = &u
	}
	if source.Valid {
		u := uint64(source.Int64)
		w.MinAttSourceEpoch = &u
	}
	if target.Valid {
		u := uint64(target.Int64)
		w.MinAttTargetEpoch = &u
	}
	return w, nil
}

func (t *sqliteTx) RaiseWatermarks(ctx context.Context, v protector.ValidatorID, update protector.WatermarkUpdate) error {
	current, err := t.Watermarks(ctx, v)
	if err != nil {
		return err
	}
	slot := maxPtr(current.MinBlockSlot, update.BlockSlot)
	source := maxPtr(current.MinAttSourceEpoch, update.SourceEpoch)
	target := maxPtr(current.MinAttTargetEpoch, update.TargetEpoch)

	_, err = t.tx.ExecContext(ctx,
		`INSERT INTO low_watermarks (validator_id, min_block_slot, min_attestation_source_epoch, min_attestation_target_epoch)
		 VALUES (?, ?, ?, ?)
		 ON CONFLICT(validator_id) DO UPDATE SET
		   min_block_slot = excluded.min_block_slot,
		   min_attestation_source_epoch = excluded.min_attestation_source_epoch,
		   min_attestation_target_epoch = excluded.min_attestation_target_epoch`,
		uint64(v), nullableUint64(slot), nullableUint64(source), nullableUint64(target))
	if err != nil {
		return errors.Wrap(err, "raise watermarks")
	}
	return nil
}

func (t *sqliteTx) AllBlocks(ctx context.Context, v protector.ValidatorID) ([]protector.SignedBlock, error) {
	rows, err := t.tx.QueryContext(ctx,
		`SELECT slot, signing_root, has_signing_root FROM signed_blocks WHERE validator_id = ? ORDER BY slot`, uint64(v))
	if err != nil {
		return nil, errors.Wrap(err, "all blocks")
	}
	defer rows.Close()

	var out []protector.SignedBlock
	for rows.Next() {
		var slot uint64
		var root []byte
		var has bool
		if err := rows.Scan(&slot, &root, &has); err != nil {
			return nil, errors.Wrap(err, "scan block")
		}
		out = append(out, protector.SignedBlock{
			ValidatorID: v,
			Slot:        slot,
			SigningRoot: rootFromColumns(root, has),
		})
	}
	return out, rows.Err()
}

func (t *sqliteTx) AllAttestations(ctx context.Context, v protector.ValidatorID) ([]protector.SignedAttestation, error) {
	rows, err := t.tx.QueryContext(ctx,
		`SELECT source_epoch, target_epoch, signing_root, has_signing_root FROM signed_attestations
		 WHERE validator_id = ? ORDER BY target_epoch`, uint64(v))
	if err != nil {
		return nil, errors.Wrap(err, "all attestations")
	}
	defer rows.Close()

	var out []protector.SignedAttestation
	for rows.Next() {
		var source, target uint64
		var root []byte
		var has bool
		if err := rows.Scan(&source, &target, &root, &has); err != nil {
			return nil, errors.Wrap(err, "scan attestation")
		}
		out = append(out, protector.SignedAttestation{
			ValidatorID: v,
			Source:      source,
			Target:      target,
			SigningRoot: rootFromColumns(root, has),
		})
	}
	return out, rows.Err()
}

func (t *sqliteTx) AllValidators(ctx context.Context) ([]protector.Validator, error) {
	rows, err := t.tx.QueryContext(ctx, `SELECT id, public_key FROM validators ORDER BY id`)
	if err != nil {
		return nil, errors.Wrap(err, "all validators")
	}
	defer rows.Close()

	var out []protector.Validator
	for rows.Next() {
		var id uint64
		var key []byte
		if err := rows.Scan(&id, &key); err != nil {
			return nil, errors.Wrap(err, "scan validator")
		}
		var pk protector.PubKey
		copy(pk[:], key)
		out = append(out, protector.Validator{ID: protector.ValidatorID(id), PublicKey: pk})
	}
	return out, rows.Err()
}

func rootFromColumns(b []byte, has bool) protector.Root {
	if !has {
		return protector.Root{}
	}
	var r protector.Root
	r.Valid = true
	copy(r.Value[:], b)
	return r
}

func rootToColumns(r protector.Root) ([]byte, bool) {
	if !r.Valid {
		return nil, false
	}
	return r.Value[:], true
}

func maxPtr(a, b *uint64) *uint64 {
	switch {
	case a == nil:
		return b
	case b == nil:
		return a
	case *b > *a:
		return b
	default:
		return a
	}
}

func nullableUint64(v *uint64) interface{} {
	if v == nil {
		return nil
	}
	return *v
}

func isUniqueViolation(err error) bool {
	return strings.Contains(err.Error(), "UNIQUE constraint failed")
}
