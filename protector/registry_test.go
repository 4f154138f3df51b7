package protector

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestRegistry_ResolveUnregisteredFails(t *testing.T) {
	r := NewRegistry()
	_, err := r.Resolve(PubKey{0x2B})
	require.ErrorIs(t, err, ErrUnregisteredValidator)
}

func TestRegistry_RegisterIsIdempotent(t *testing.T) {
	ctx := context.Background()
	s := newMemStore()
	r := NewRegistry()

	keys := []PubKey{{0x2A}, {0x2B}}
	first, err := r.Register(ctx, s, keys)
	require.NoError(t, err)
	require.Len(t, first, 2)

	second, err := r.Register(ctx, s, keys)
	require.NoError(t, err)
	require.Equal(t, first, second)

	id, err := r.Resolve(PubKey{0x2A})
	require.NoError(t, err)
	require.Equal(t, first[0].ID, id)
}

func TestRegistry_WarmPopulatesCacheFromStore(t *testing.T) {
	ctx := context.Background()
	s := newMemStore()
	seed := NewRegistry()
	_, err := seed.Register(ctx, s, []PubKey{{0x01}})
	require.NoError(t, err)

	fresh := NewRegistry()
	require.NoError(t, fresh.Warm(ctx, s))

	id, err := fresh.Resolve(PubKey{0x01})
	require.NoError(t, err)
	require.Equal(t, ValidatorID(1), id)
}
