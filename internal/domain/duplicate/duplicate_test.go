package duplicate

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/festivals-labs/offline-core/internal/infrastructure/storage"
)

func TestAddAndContains(t *testing.T) {
	ctx := context.Background()
	g, err := New(ctx, storage.NewMemStore(), time.Hour)
	require.NoError(t, err)

	require.NoError(t, g.Add(ctx, "tx1"))
	assert.True(t, g.Contains("tx1"))
	assert.False(t, g.Contains("tx2"))
}

func TestContainsExpiresAfterTTL(t *testing.T) {
	ctx := context.Background()
	g, err := New(ctx, storage.NewMemStore(), time.Millisecond)
	require.NoError(t, err)

	require.NoError(t, g.Add(ctx, "tx1"))
	time.Sleep(5 * time.Millisecond)
	assert.False(t, g.Contains("tx1"))
}

func TestCleanupDropsExpiredEntries(t *testing.T) {
	ctx := context.Background()
	g, err := New(ctx, storage.NewMemStore(), time.Millisecond)
	require.NoError(t, err)

	require.NoError(t, g.Add(ctx, "tx1"))
	time.Sleep(5 * time.Millisecond)
	require.NoError(t, g.Cleanup(ctx))

	assert.Equal(t, 0, g.order.Len())
}

func TestCapacityEvictsOldest(t *testing.T) {
	ctx := context.Background()
	g, err := New(ctx, storage.NewMemStore(), time.Hour)
	require.NoError(t, err)

	for i := 0; i < capacity+10; i++ {
		id := fmt.Sprintf("tx-%d", i)
		require.NoError(t, g.Add(ctx, id))
	}

	assert.Equal(t, capacity, g.order.Len())
	assert.False(t, g.Contains("tx-0"))
	assert.True(t, g.Contains(fmt.Sprintf("tx-%d", capacity+9)))
}
