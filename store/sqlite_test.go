package store

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/watchtower-guard/slashing-protector/protector"
)

func newTestStore(t *testing.T) Store {
	t.Helper()
	s, err := New(t.TempDir() + "/slashing-protector.db")
	require.NoError(t, err)
	t.Cleanup(func() { require.NoError(t, s.Close()) })
	return s
}

func TestSqliteStore_RegisterValidatorsIsIdempotent(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	keys := []protector.PubKey{{0x01}, {0x02}}
	tx, err := s.Begin(ctx)
	require.NoError(t, err)
	first, err := tx.RegisterValidators(ctx, keys)
	require.NoError(t, err)
	require.NoError(t, tx.Commit())
	require.Len(t, first, 2)

	tx, err = s.Begin(ctx)
	require.NoError(t, err)
	second, err := tx.RegisterValidators(ctx, keys)
	require.NoError(t, err)
	require.NoError(t, tx.Commit())
	require.Equal(t, first, second)
}

func TestSqliteStore_InsertBlockRejectsDuplicateSlot(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	tx, err := s.Begin(ctx)
	require.NoError(t, err)
	validators, err := tx.RegisterValidators(ctx, []protector.PubKey{{0x01}})
	require.NoError(t, err)
	v := validators[0].ID

	require.NoError(t, tx.InsertBlock(ctx, protector.SignedBlock{ValidatorID: v, Slot: 5, SigningRoot: protector.NewRoot([32]byte{0x01})}))
	err = tx.InsertBlock(ctx, protector.SignedBlock{ValidatorID: v, Slot: 5, SigningRoot: protector.NewRoot([32]byte{0x02})})
	require.Error(t, err)
	require.NoError(t, tx.Commit())
}

func TestSqliteStore_FindBlockRoundTrip(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	tx, err := s.Begin(ctx)
	require.NoError(t, err)
	validators, err := tx.RegisterValidators(ctx, []protector.PubKey{{0x01}})
	require.NoError(t, err)
	v := validators[0].ID

	root := protector.NewRoot([32]byte{0x09})
	require.NoError(t, tx.InsertBlock(ctx, protector.SignedBlock{ValidatorID: v, Slot: 7, SigningRoot: root}))
	require.NoError(t, tx.Commit())

	tx, err = s.Begin(ctx)
	require.NoError(t, err)
	b, err := tx.FindBlock(ctx, v, 7)
	require.NoError(t, err)
	require.NotNil(t, b)
	require.Equal(t, root, b.SigningRoot)

	missing, err := tx.FindBlock(ctx, v, 8)
	require.NoError(t, err)
	require.Nil(t, missing)
	require.NoError(t, tx.Commit())
}

func TestSqliteStore_WatermarksNeverLower(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	tx, err := s.Begin(ctx)
	require.NoError(t, err)
	validators, err := tx.RegisterValidators(ctx, []protector.PubKey{{0x01}})
	require.NoError(t, err)
	v := validators[0].ID

	high, low := uint64(100), uint64(10)
	require.NoError(t, tx.RaiseWatermarks(ctx, v, protector.WatermarkUpdate{BlockSlot: &high}))
	require.NoError(t, tx.RaiseWatermarks(ctx, v, protector.WatermarkUpdate{BlockSlot: &low}))
	require.NoError(t, tx.Commit())

	tx, err = s.Begin(ctx)
	require.NoError(t, err)
	wm, err := tx.Watermarks(ctx, v)
	require.NoError(t, err)
	require.NotNil(t, wm.MinBlockSlot)
	require.Equal(t, high, *wm.MinBlockSlot)
	require.NoError(t, tx.Commit())
}

func TestSqliteStore_FindSurroundingAndSurrounded(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	tx, err := s.Begin(ctx)
	require.NoError(t, err)
	validators, err := tx.RegisterValidators(ctx, []protector.PubKey{{0x01}})
	require.NoError(t, err)
	v := validators[0].ID

	require.NoError(t, tx.InsertAttestation(ctx, protector.SignedAttestation{
		ValidatorID: v, Source: 2, Target: 10, SigningRoot: protector.NewRoot([32]byte{0x01}),
	}))
	require.NoError(t, tx.Commit())

	tx, err = s.Begin(ctx)
	require.NoError(t, err)

	// (1, 11) surrounds the stored (2, 10) attestation.
	surrounding, err := tx.FindSurrounding(ctx, v, 1, 11)
	require.NoError(t, err)
	require.NotNil(t, surrounding)

	// (3, 9) is surrounded by the stored (2, 10) attestation.
	surrounded, err := tx.FindSurrounded(ctx, v, 3, 9)
	require.NoError(t, err)
	require.NotNil(t, surrounded)

	// (2, 10) itself neither surrounds nor is surrounded by itself.
	none, err := tx.FindSurrounding(ctx, v, 2, 10)
	require.NoError(t, err)
	require.Nil(t, none)

	require.NoError(t, tx.Commit())
}

func TestSqliteStore_RollbackDiscardsWrites(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	tx, err := s.Begin(ctx)
	require.NoError(t, err)
	validators, err := tx.RegisterValidators(ctx, []protector.PubKey{{0x01}})
	require.NoError(t, err)
	v := validators[0].ID
	require.NoError(t, tx.InsertBlock(ctx, protector.SignedBlock{ValidatorID: v, Slot: 1, SigningRoot: protector.NewRoot([32]byte{0x01})}))
	require.NoError(t, tx.Rollback())

	tx, err = s.Begin(ctx)
	require.NoError(t, err)
	validators, err = tx.RetrieveValidators(ctx, []protector.PubKey{{0x01}})
	require.NoError(t, err)
	require.Empty(t, validators, "validator registration must not survive a rollback")
	require.NoError(t, tx.Commit())
}
