package txn

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/sethvargo/go-retry"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"storefront/pkg/domain"
	"storefront/pkg/inventory"
	"storefront/pkg/notify"
	"storefront/pkg/pricing"
	"storefront/pkg/store"
)

type faultyStore struct {
	*store.MemoryStore
	failPurchase atomic.Bool
	dropPurchase atomic.Bool
	failNotify   atomic.Bool
	failRestore  atomic.Bool
	failCascade  atomic.Bool
	reduceDelay  time.Duration
	reduceCtxErr atomic.Value
	// onPurchaseFailure runs just before a failed InsertPurchase returns.
	onPurchaseFailure func()
}

func (f *faultyStore) InsertPurchase(ctx context.Context, rec domain.OwnershipRecord) (bool, error) {
	if f.failPurchase.Load() {
		if f.onPurchaseFailure != nil {
			f.onPurchaseFailure()
		}
		return false, errors.New("disk full")
	}
	if f.dropPurchase.Load() {
		return false, nil
	}
	return f.MemoryStore.InsertPurchase(ctx, rec)
}

func (f *faultyStore) RestoreStock(ctx context.Context, itemID string, qty int) (store.StockLevel, error) {
	if f.failRestore.Load() {
		return store.StockLevel{}, errors.New("stock table locked")
	}
	return f.MemoryStore.RestoreStock(ctx, itemID, qty)
}

func (f *faultyStore) DeleteProductNotifications(ctx context.Context, userID, productID string) (int, error) {
	if f.failCascade.Load() {
		return 0, errors.New("notifications table locked")
	}
	return f.MemoryStore.DeleteProductNotifications(ctx, userID, productID)
}

func (f *faultyStore) InsertNotifications(ctx context.Context, ns []domain.Notification) (int, error) {
	if f.failNotify.Load() {
		return 0, errors.New("notifications table locked")
	}
	return f.MemoryStore.InsertNotifications(ctx, ns)
}

func (f *faultyStore) ReduceStock(ctx context.Context, itemID string, qty int) (store.StockLevel, error) {
	if f.reduceDelay > 0 {
		time.Sleep(f.reduceDelay)
		f.reduceCtxErr.Store(fmt.Sprint(ctx.Err()))
	}
	return f.MemoryStore.ReduceStock(ctx, itemID, qty)
}

var catalogItems = []domain.CatalogItem{
	{ID: "B1", Kind: domain.KindBook, Title: "Free Primer", Price: 0},
	{ID: "G1", Kind: domain.KindGear, Title: "Lab Goggles", Price: 20, StockCount: domain.IntPtr(1)},
	{ID: "G5", Kind: domain.KindGear, Title: "Lab Coat", Price: 35, StockCount: domain.IntPtr(5)},
	{ID: "F1", Kind: domain.KindGear, Title: "Tote Bag", Price: 0, StockCount: domain.IntPtr(2)},
	{ID: "P1", Kind: domain.KindCourse, Title: "Algorithms", Price: 100, StockCount: domain.IntPtr(3)},
	{ID: "C1", Kind: domain.KindCourse, Title: "Go Basics", Price: 100},
}

func newFaulty(t *testing.T) *faultyStore {
	t.Helper()
	f := &faultyStore{MemoryStore: store.NewMemoryStore()}
	_, err := f.InsertCatalogItems(context.Background(), catalogItems)
	require.NoError(t, err)
	return f
}

func newCoordinator(st store.Store) *Coordinator {
	return New(Config{
		Store:    st,
		Ledger:   inventory.New(inventory.Config{Store: st}),
		Notifier: notify.New(notify.Config{Store: st}),
		Pricing:  pricing.New(st, 0),
		Backoff: func() retry.Backoff {
			return retry.WithMaxRetries(2, retry.NewConstant(time.Millisecond))
		},
	})
}

func user(id string) *domain.Identity {
	return &domain.Identity{ID: id, Role: domain.RoleUser}
}

func stockOf(t *testing.T, st store.Store, id string) int {
	t.Helper()
	item, ok, err := st.GetCatalogItem(context.Background(), id)
	require.NoError(t, err)
	require.True(t, ok)
	require.NotNil(t, item.StockCount)
	return *item.StockCount
}

func countRows(t *testing.T, st store.Store, userID string) (purchases, notifications int) {
	t.Helper()
	ps, err := st.ListPurchases(context.Background(), userID)
	require.NoError(t, err)
	ns, err := st.ListNotifications(context.Background(), userID)
	require.NoError(t, err)
	return len(ps), len(ns)
}

func TestFreeDigitalPurchaseIsIdempotent(t *testing.T) {
	st := newFaulty(t)
	c := newCoordinator(st)
	ctx := context.Background()

	first, err := c.Purchase(ctx, user("user1"), "B1")
	require.NoError(t, err)
	assert.Equal(t, StatusCommitted, first.Status)
	assert.Equal(t, StateCommitted, first.State)
	assert.Equal(t, domain.NotificationLibrary, first.Kind)
	require.NotNil(t, first.Quote)
	assert.True(t, first.Quote.Free)

	second, err := c.Purchase(ctx, user("user1"), "B1")
	require.NoError(t, err)
	assert.Equal(t, StatusAlreadyOwned, second.Status)
	assert.True(t, second.OK())
	assert.Equal(t, first.OrderRef, second.OrderRef)

	p, n := countRows(t, st, "user1")
	assert.Equal(t, 1, p)
	assert.Equal(t, 1, n)
}

func TestGearPurchaseThenOutOfStock(t *testing.T) {
	st := newFaulty(t)
	c := newCoordinator(st)
	ctx := context.Background()

	res, err := c.Purchase(ctx, user("user1"), "G1")
	require.NoError(t, err)
	assert.Equal(t, StatusCommitted, res.Status)
	assert.True(t, strings.HasPrefix(res.OrderRef, "ORD-"))
	assert.Equal(t, domain.NotificationPurchase, res.Kind)
	require.NotNil(t, res.Stock)
	assert.True(t, res.Stock.Out)
	assert.Equal(t, 0, stockOf(t, st, "G1"))

	res, err = c.Purchase(ctx, user("user2"), "G1")
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, res.Status)
	assert.Equal(t, ReasonOutOfStock, res.Reason)
	assert.Empty(t, res.OrderRef)

	p, n := countRows(t, st, "user2")
	assert.Zero(t, p)
	assert.Zero(t, n)
	assert.Equal(t, 0, stockOf(t, st, "G1"))
}

func TestConcurrentBuyersNeverOversell(t *testing.T) {
	st := newFaulty(t)
	c := newCoordinator(st)

	const buyers = 12
	start := make(chan struct{})
	var wg sync.WaitGroup
	var committed, outOfStock atomic.Int32
	for i := 0; i < buyers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			<-start
			res, err := c.Purchase(context.Background(), user(fmt.Sprintf("u%d", i)), "G5")
			if err != nil {
				t.Errorf("purchase: %v", err)
				return
			}
			switch res.Reason {
			case ReasonNone:
				committed.Add(1)
			case ReasonOutOfStock:
				outOfStock.Add(1)
			default:
				t.Errorf("unexpected reason %s", res.Reason)
			}
		}(i)
	}
	close(start)
	wg.Wait()

	assert.Equal(t, int32(5), committed.Load())
	assert.Equal(t, int32(buyers-5), outOfStock.Load())
	assert.Equal(t, 0, stockOf(t, st, "G5"))
}

func TestDuplicateConcurrentPurchaseHasOneEffect(t *testing.T) {
	st := newFaulty(t)
	c := newCoordinator(st)

	start := make(chan struct{})
	var wg sync.WaitGroup
	refs := make(chan string, 10)
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			res, err := c.Purchase(context.Background(), user("user1"), "G5")
			if err != nil || !res.OK() {
				t.Errorf("purchase: %v %+v", err, res)
				return
			}
			refs <- res.OrderRef
		}()
	}
	close(start)
	wg.Wait()
	close(refs)

	distinct := map[string]struct{}{}
	for r := range refs {
		distinct[r] = struct{}{}
	}
	assert.Len(t, distinct, 1, "duplicates report the same order")
	assert.Equal(t, 4, stockOf(t, st, "G5"))
	p, n := countRows(t, st, "user1")
	assert.Equal(t, 1, p)
	assert.Equal(t, 1, n)
}

func TestDiscountedPurchase(t *testing.T) {
	st := newFaulty(t)
	ctx := context.Background()
	require.NoError(t, st.SaveRoleDiscounts(ctx, []domain.RoleDiscount{{Role: domain.RoleStudent, DiscountPercent: 10}}))
	c := newCoordinator(st)

	who := &domain.Identity{ID: "s1", Role: domain.RoleStudent, DiscountOverridePercent: domain.FloatPtr(25)}
	res, err := c.Purchase(ctx, who, "C1")
	require.NoError(t, err)
	require.Equal(t, StatusCommitted, res.Status)
	assert.Equal(t, 25.0, res.Quote.DiscountPercent)
	assert.Equal(t, 75.0, res.Quote.FinalPrice)

	ns, err := st.ListNotifications(ctx, "s1")
	require.NoError(t, err)
	require.Len(t, ns, 1)
	assert.Contains(t, ns[0].Message, "75.00")
	assert.Equal(t, res.OrderRef, ns[0].ID)
}

func TestFreeItemRoundTrip(t *testing.T) {
	st := newFaulty(t)
	c := newCoordinator(st)
	ctx := context.Background()

	first, err := c.Purchase(ctx, user("user1"), "B1")
	require.NoError(t, err)
	require.Equal(t, StatusCommitted, first.Status)

	res, err := c.Remove(ctx, user("user1"), "B1")
	require.NoError(t, err)
	assert.Equal(t, StatusRemoved, res.Status)
	p, n := countRows(t, st, "user1")
	assert.Zero(t, p)
	assert.Zero(t, n, "removal cascades to the product notification")

	again, err := c.Purchase(ctx, user("user1"), "B1")
	require.NoError(t, err)
	require.Equal(t, StatusCommitted, again.Status)
	assert.NotEqual(t, first.OrderRef, again.OrderRef)
	ns, err := st.ListNotifications(ctx, "user1")
	require.NoError(t, err)
	require.Len(t, ns, 1)
	assert.Equal(t, again.OrderRef, ns[0].ID, "re-acquiring produces a fresh notification")
}

func TestPricedPurchaseCannotBeRemoved(t *testing.T) {
	st := newFaulty(t)
	c := newCoordinator(st)
	ctx := context.Background()

	_, err := c.Purchase(ctx, user("user1"), "P1")
	require.NoError(t, err)
	require.Equal(t, 2, stockOf(t, st, "P1"))

	res, err := c.Remove(ctx, user("user1"), "P1")
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, res.Status)
	assert.Equal(t, ReasonPriceRemovalNotAllowed, res.Reason)

	p, n := countRows(t, st, "user1")
	assert.Equal(t, 1, p)
	assert.Equal(t, 1, n)
	assert.Equal(t, 2, stockOf(t, st, "P1"))
}

func TestFreePickupIsNotReturnable(t *testing.T) {
	st := newFaulty(t)
	c := newCoordinator(st)
	ctx := context.Background()

	res, err := c.Purchase(ctx, user("user1"), "F1")
	require.NoError(t, err)
	assert.Equal(t, domain.NotificationPickup, res.Kind)
	assert.Equal(t, 1, stockOf(t, st, "F1"), "free physical items still take one unit")

	res, err = c.Remove(ctx, user("user1"), "F1")
	require.NoError(t, err)
	assert.Equal(t, ReasonPhysicalRemovalNotAllowed, res.Reason)
	p, _ := countRows(t, st, "user1")
	assert.Equal(t, 1, p)
}

func TestRemoveAndPurchaseGuards(t *testing.T) {
	st := newFaulty(t)
	c := newCoordinator(st)
	ctx := context.Background()

	res, err := c.Remove(ctx, user("user1"), "B1")
	require.NoError(t, err)
	assert.Equal(t, ReasonNotOwned, res.Reason)

	res, err = c.Purchase(ctx, nil, "B1")
	require.NoError(t, err)
	assert.Equal(t, ReasonSignInRequired, res.Reason)

	res, err = c.Purchase(ctx, user("user1"), "nope")
	require.NoError(t, err)
	assert.Equal(t, ReasonUnknownItem, res.Reason)
}

func TestOwnershipFailureRestoresStock(t *testing.T) {
	st := newFaulty(t)
	st.failPurchase.Store(true)
	c := newCoordinator(st)

	res, err := c.Purchase(context.Background(), user("user1"), "G5")
	require.NoError(t, err)
	assert.Equal(t, ReasonStoreUnavailable, res.Reason)
	assert.Equal(t, 5, stockOf(t, st, "G5"))
	p, n := countRows(t, st, "user1")
	assert.Zero(t, p)
	assert.Zero(t, n)
}

func TestNotificationFailureRollsBack(t *testing.T) {
	st := newFaulty(t)
	st.failNotify.Store(true)
	c := newCoordinator(st)

	res, err := c.Purchase(context.Background(), user("user1"), "G5")
	require.NoError(t, err)
	assert.Equal(t, ReasonStoreUnavailable, res.Reason)
	assert.Equal(t, 5, stockOf(t, st, "G5"))
	p, _ := countRows(t, st, "user1")
	assert.Zero(t, p)
}

func TestAbandonedWaitStillCompletes(t *testing.T) {
	st := newFaulty(t)
	st.reduceDelay = 100 * time.Millisecond
	c := newCoordinator(st)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	_, err := c.Purchase(ctx, user("user1"), "G5")
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	require.Eventually(t, func() bool {
		p, _ := countRows(t, st, "user1")
		return p == 1
	}, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, 4, stockOf(t, st, "G5"))
	assert.Equal(t, "<nil>", st.reduceCtxErr.Load(), "the decrement must not see the caller's cancellation")
}

func TestFailedStockRollbackIsFatal(t *testing.T) {
	st := newFaulty(t)
	st.failPurchase.Store(true)
	st.failRestore.Store(true)
	c := newCoordinator(st)

	res, err := c.Purchase(context.Background(), user("user1"), "G5")
	require.ErrorIs(t, err, ErrCompensationFailed)
	assert.Equal(t, ReasonStoreUnavailable, res.Reason)
	// the reservation sticks; nothing was restored or added twice
	assert.Equal(t, 4, stockOf(t, st, "G5"))
	p, n := countRows(t, st, "user1")
	assert.Zero(t, p)
	assert.Zero(t, n)
}

func TestFailedCascadePutsPurchaseBack(t *testing.T) {
	st := newFaulty(t)
	c := newCoordinator(st)
	ctx := context.Background()

	bought, err := c.Purchase(ctx, user("user1"), "B1")
	require.NoError(t, err)
	require.Equal(t, StatusCommitted, bought.Status)

	st.failCascade.Store(true)
	res, err := c.Remove(ctx, user("user1"), "B1")
	require.ErrorIs(t, err, ErrCompensationFailed)
	assert.Equal(t, ReasonStoreUnavailable, res.Reason)

	rec, owned, err := st.GetPurchase(ctx, "user1", "B1")
	require.NoError(t, err)
	require.True(t, owned, "the purchase row is restored")
	assert.Equal(t, bought.OrderRef, rec.ID)
	_, n := countRows(t, st, "user1")
	assert.Equal(t, 1, n)
}

func TestRedisStockRollbackWithRedisDown(t *testing.T) {
	st := newFaulty(t)
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	gated := store.NewRedisStockWithClient(st, client, "test:stock")

	st.failPurchase.Store(true)
	st.onPurchaseFailure = mr.Close
	c := newCoordinator(gated)

	res, err := c.Purchase(context.Background(), user("user1"), "G5")
	require.NoError(t, err)
	assert.Equal(t, ReasonStoreUnavailable, res.Reason)
	assert.Equal(t, 5, stockOf(t, st, "G5"), "rollback restores exactly the reserved unit")
	p, _ := countRows(t, st, "user1")
	assert.Zero(t, p)
}

func TestVanishedPurchaseAfterLostRace(t *testing.T) {
	st := newFaulty(t)
	st.dropPurchase.Store(true)
	c := newCoordinator(st)

	res, err := c.Purchase(context.Background(), user("user1"), "G5")
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, res.Status)
	assert.Equal(t, ReasonStoreUnavailable, res.Reason)
	assert.Empty(t, res.OrderRef)
	assert.Equal(t, 5, stockOf(t, st, "G5"))
}
