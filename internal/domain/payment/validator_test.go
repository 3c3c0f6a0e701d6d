package payment

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "github.com/festivals-labs/offline-core/internal/pkg/errors"

	"github.com/festivals-labs/offline-core/internal/domain/duplicate"
	"github.com/festivals-labs/offline-core/internal/domain/ledger"
	"github.com/festivals-labs/offline-core/internal/domain/model"
	"github.com/festivals-labs/offline-core/internal/domain/walletcache"
	"github.com/festivals-labs/offline-core/internal/infrastructure/storage"
)

func setup(t *testing.T, balance int64, lastSyncedAt int64) (*Validator, *ledger.Ledger) {
	t.Helper()
	ctx := context.Background()
	store := storage.NewMemStore()

	cache, err := walletcache.New(ctx, store)
	require.NoError(t, err)
	require.NoError(t, cache.Put(ctx, model.CachedWallet{WalletID: "W1", Balance: balance, LastSyncedAt: lastSyncedAt}))

	dup, err := duplicate.New(ctx, store, time.Hour*24*7)
	require.NoError(t, err)

	l, err := ledger.New(ctx, store, dup, cache)
	require.NoError(t, err)

	return New(cache, l), l
}

func TestHappyPathOfflinePurchase(t *testing.T) {
	ctx := context.Background()
	v, l := setup(t, 5000, time.Now().Add(-10*time.Minute).UnixMilli())

	result, err := v.Authorize(ctx, "W1", 1500)
	require.NoError(t, err)
	assert.True(t, result.Valid)
	assert.Equal(t, int64(5000), result.EffectiveBalance)

	// Once the purchase lands in the ledger as Pending, the cache
	// balance stays server-owned but the effective balance drops.
	require.NoError(t, l.Create(ctx, model.OfflineTransaction{
		ID: "t1", WalletID: "W1", Amount: 1500, BalanceAfter: 3500,
		IdempotencyKey: "offline_t1", Timestamp: 1000,
	}))

	result, err = v.Authorize(ctx, "W1", 1000)
	require.NoError(t, err)
	assert.Equal(t, int64(3500), result.EffectiveBalance)
	assert.Equal(t, int64(5000), result.Wallet.Balance)
}

func TestInsufficientEffectiveBalance(t *testing.T) {
	ctx := context.Background()
	v, l := setup(t, 2000, time.Now().UnixMilli())

	require.NoError(t, l.Create(ctx, model.OfflineTransaction{
		ID: "p1", WalletID: "W1", Amount: 1200, BalanceAfter: 800,
		IdempotencyKey: "offline_p1", Timestamp: 1000,
	}))

	_, err := v.Authorize(ctx, "W1", 1000)
	require.Error(t, err)

	var appErr *apperrors.AppError
	require.ErrorAs(t, err, &appErr)
	assert.Equal(t, int64(800), appErr.Fields["available"])
}

func TestInvalidAmountZeroOrNegative(t *testing.T) {
	ctx := context.Background()
	v, _ := setup(t, 5000, time.Now().UnixMilli())

	_, err := v.Authorize(ctx, "W1", 0)
	assert.ErrorIs(t, err, apperrors.ErrInvalidAmount)

	_, err = v.Authorize(ctx, "W1", -10)
	assert.ErrorIs(t, err, apperrors.ErrInvalidAmount)
}

func TestNotCachedWallet(t *testing.T) {
	ctx := context.Background()
	v, _ := setup(t, 5000, time.Now().UnixMilli())

	_, err := v.Authorize(ctx, "unknown", 100)
	assert.ErrorIs(t, err, apperrors.ErrNotCached)
}

func TestStaleCacheWarning(t *testing.T) {
	ctx := context.Background()
	v, _ := setup(t, 5000, time.Now().Add(-2*time.Hour).UnixMilli())

	result, err := v.Authorize(ctx, "W1", 100)
	require.NoError(t, err)
	assert.Equal(t, "StaleCache", result.Warning)
	assert.GreaterOrEqual(t, result.StaleHours, int64(1))
}
