package store

import (
	"context"
	"sync"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"storefront/pkg/domain"
)

func newRedisStock(t *testing.T) (*RedisStock, *MemoryStore, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	base := NewMemoryStore()
	_, err := base.InsertCatalogItems(context.Background(), seedItems())
	require.NoError(t, err)
	rs, err := NewRedisStock(base, mr.Addr(), "", "test:stock")
	require.NoError(t, err)
	t.Cleanup(func() { _ = rs.Close() })
	return rs, base, mr
}

func TestRedisStockReduceMirrorsToStore(t *testing.T) {
	rs, base, mr := newRedisStock(t)
	ctx := context.Background()

	level, err := rs.ReduceStock(ctx, "G1", 1)
	require.NoError(t, err)
	assert.Equal(t, 1, level.Count)

	got, err := mr.Get("test:stock:G1")
	require.NoError(t, err)
	assert.Equal(t, "1", got)

	item, _, err := base.GetCatalogItem(ctx, "G1")
	require.NoError(t, err)
	assert.Equal(t, 1, *item.StockCount)

	_, err = rs.ReduceStock(ctx, "G1", 2)
	assert.ErrorIs(t, err, ErrInsufficientStock)

	level, err = rs.RestoreStock(ctx, "G1", 3)
	require.NoError(t, err)
	assert.Equal(t, 4, level.Count)
	got, err = mr.Get("test:stock:G1")
	require.NoError(t, err)
	assert.Equal(t, "4", got)
}

func TestRedisStockUnlimitedAndMissing(t *testing.T) {
	rs, _, mr := newRedisStock(t)
	ctx := context.Background()

	level, err := rs.ReduceStock(ctx, "B1", 1)
	require.NoError(t, err)
	assert.True(t, level.Unlimited)
	assert.False(t, mr.Exists("test:stock:B1"))

	_, err = rs.ReduceStock(ctx, "nope", 1)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestRedisStockConcurrentReduce(t *testing.T) {
	rs, base, _ := newRedisStock(t)
	ctx := context.Background()
	_, err := base.InsertCatalogItems(ctx, []domain.CatalogItem{
		{ID: "G7", Kind: domain.KindGear, Title: "Goggles", StockCount: domain.IntPtr(3)},
	})
	require.NoError(t, err)

	start := make(chan struct{})
	var wg sync.WaitGroup
	var mu sync.Mutex
	ok := 0
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			if _, err := rs.ReduceStock(ctx, "G7", 1); err == nil {
				mu.Lock()
				ok++
				mu.Unlock()
			}
		}()
	}
	close(start)
	wg.Wait()
	assert.Equal(t, 3, ok)

	item, _, err := base.GetCatalogItem(ctx, "G7")
	require.NoError(t, err)
	assert.Equal(t, 0, *item.StockCount)
}

func TestRedisStockRequiresAddr(t *testing.T) {
	rs, err := NewRedisStock(NewMemoryStore(), " ", "", "")
	assert.Error(t, err)
	assert.Nil(t, rs)
}

func TestRedisStockRestoreWithRedisDownUpdatesStoreOnce(t *testing.T) {
	rs, base, mr := newRedisStock(t)
	ctx := context.Background()

	_, err := rs.ReduceStock(ctx, "G1", 1)
	require.NoError(t, err)
	mr.Close()

	level, err := rs.RestoreStock(ctx, "G1", 1)
	require.NoError(t, err, "a landed store write must not be reported as a failure")
	assert.Equal(t, 2, level.Count)

	item, _, err := base.GetCatalogItem(ctx, "G1")
	require.NoError(t, err)
	assert.Equal(t, 2, *item.StockCount)
}

func TestRedisStockRestoreReloadsDroppedCounter(t *testing.T) {
	rs, base, mr := newRedisStock(t)
	ctx := context.Background()

	_, err := rs.ReduceStock(ctx, "G1", 1)
	require.NoError(t, err)
	mr.Del("test:stock:G1")

	_, err = rs.RestoreStock(ctx, "G1", 1)
	require.NoError(t, err)
	assert.False(t, mr.Exists("test:stock:G1"))

	level, err := rs.ReduceStock(ctx, "G1", 2)
	require.NoError(t, err)
	assert.Equal(t, 0, level.Count)
	item, _, err := base.GetCatalogItem(ctx, "G1")
	require.NoError(t, err)
	assert.Equal(t, 0, *item.StockCount)
}
