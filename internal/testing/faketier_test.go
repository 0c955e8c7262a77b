package testing

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xtxerr/memtier/internal/errors"
	"github.com/xtxerr/memtier/internal/storage/types"
)

func TestFakeTierInjection(t *testing.T) {
	ctx := context.Background()
	f := NewFakeTier(types.TierPrimary)
	rec, err := types.NewRecord("k", 1, types.TierPrimary, nil)
	require.NoError(t, err)

	f.Fail("store", 2)
	for i := 0; i < 2; i++ {
		err := f.Store(ctx, rec)
		require.Error(t, err)
		assert.True(t, errors.Is(err, errors.ErrTransient))
		assert.True(t, errors.Is(err, ErrInjected))
	}
	require.NoError(t, f.Store(ctx, rec))
	assert.Equal(t, 3, f.Calls("store"))

	got, err := f.Retrieve(ctx, "k", "")
	require.NoError(t, err)
	assert.Equal(t, rec.Hash, got.Hash)

	_, err = f.Retrieve(ctx, "missing", "")
	assert.True(t, errors.IsNotFound(err))
	assert.False(t, errors.IsRetriable(err))
}

func TestFakeTierBreakAndHeal(t *testing.T) {
	ctx := context.Background()
	f := NewFakeTier(types.TierSecondary)

	f.Break()
	assert.False(t, f.Probe(ctx))
	_, err := f.Scan(ctx, "", 10)
	assert.Error(t, err)

	f.Heal()
	assert.True(t, f.Probe(ctx))
	_, err = f.Scan(ctx, "", 10)
	assert.NoError(t, err)
}

func TestNewFakeTiersOrder(t *testing.T) {
	fakes := NewFakeTiers()
	require.Len(t, fakes, 4)
	for i, f := range Backends(fakes) {
		assert.Equal(t, types.Tier(i), f.Tier())
	}
}
