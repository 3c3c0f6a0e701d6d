package qrcache

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/festivals-labs/offline-core/internal/domain/model"
	"github.com/festivals-labs/offline-core/internal/infrastructure/storage"
)

func TestPutAndGet(t *testing.T) {
	ctx := context.Background()
	c, err := New(ctx, storage.NewMemStore())
	require.NoError(t, err)

	future := time.Now().Add(time.Hour).UnixMilli()
	require.NoError(t, c.Put(ctx, model.CachedQRCode{WalletID: "W1", Balance: 100, ExpiresAt: future, CachedAt: time.Now().UnixMilli()}))

	code, ok := c.Get(ctx, "W1")
	require.True(t, ok)
	assert.Equal(t, int64(100), code.Balance)
}

func TestGetExpiredReturnsFalse(t *testing.T) {
	ctx := context.Background()
	c, err := New(ctx, storage.NewMemStore())
	require.NoError(t, err)

	past := time.Now().Add(-time.Minute).UnixMilli()
	require.NoError(t, c.Put(ctx, model.CachedQRCode{WalletID: "W1", ExpiresAt: past, CachedAt: past}))

	_, ok := c.Get(ctx, "W1")
	assert.False(t, ok)
}

func TestPutEvictsOldestOverCap(t *testing.T) {
	ctx := context.Background()
	c, err := New(ctx, storage.NewMemStore())
	require.NoError(t, err)

	base := time.Now().UnixMilli()
	future := base + int64(time.Hour/time.Millisecond)

	for i := 0; i < 51; i++ {
		id := "W" + string(rune('A'+i%26)) + string(rune('0'+i/26))
		require.NoError(t, c.Put(ctx, model.CachedQRCode{
			WalletID:  id,
			ExpiresAt: future,
			CachedAt:  base + int64(i),
		}))
	}

	assert.LessOrEqual(t, len(c.entries), 50)
}
