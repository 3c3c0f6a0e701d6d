package walletcache

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/festivals-labs/offline-core/internal/domain/model"
	"github.com/festivals-labs/offline-core/internal/infrastructure/storage"
)

func TestPutAndGet(t *testing.T) {
	ctx := context.Background()
	c, err := New(ctx, storage.NewMemStore())
	require.NoError(t, err)

	require.NoError(t, c.Put(ctx, model.CachedWallet{WalletID: "W1", Balance: 5000}))

	w, ok := c.Get(ctx, "W1")
	require.True(t, ok)
	assert.Equal(t, int64(5000), w.Balance)
}

func TestGetMissing(t *testing.T) {
	ctx := context.Background()
	c, err := New(ctx, storage.NewMemStore())
	require.NoError(t, err)

	_, ok := c.Get(ctx, "nope")
	assert.False(t, ok)
}

func TestUpdateBalanceRequiresCached(t *testing.T) {
	ctx := context.Background()
	c, err := New(ctx, storage.NewMemStore())
	require.NoError(t, err)

	err = c.UpdateBalance(ctx, "missing", 100)
	assert.Error(t, err)
}

func TestLRUEvictionAt100(t *testing.T) {
	ctx := context.Background()
	c, err := New(ctx, storage.NewMemStore())
	require.NoError(t, err)

	for i := 0; i < 101; i++ {
		id := "W" + string(rune('A'+i%26)) + string(rune('0'+i/26))
		require.NoError(t, c.Put(ctx, model.CachedWallet{WalletID: id, Balance: int64(i)}))
	}

	assert.Equal(t, 100, c.order.Len())
}

func TestClearEmptiesCache(t *testing.T) {
	ctx := context.Background()
	c, err := New(ctx, storage.NewMemStore())
	require.NoError(t, err)

	require.NoError(t, c.Put(ctx, model.CachedWallet{WalletID: "W1", Balance: 1}))
	require.NoError(t, c.Clear(ctx))

	_, ok := c.Get(ctx, "W1")
	assert.False(t, ok)
}

func TestReloadFromStorage(t *testing.T) {
	ctx := context.Background()
	store := storage.NewMemStore()

	c1, err := New(ctx, store)
	require.NoError(t, err)
	require.NoError(t, c1.Put(ctx, model.CachedWallet{WalletID: "W1", Balance: 42}))

	c2, err := New(ctx, store)
	require.NoError(t, err)
	w, ok := c2.Get(ctx, "W1")
	require.True(t, ok)
	assert.Equal(t, int64(42), w.Balance)
}
