package app

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"storefront/pkg/catalog"
	"storefront/pkg/domain"
	"storefront/pkg/identity"
	"storefront/pkg/inventory"
	"storefront/pkg/notify"
	"storefront/pkg/ownership"
	"storefront/pkg/pricing"
	"storefront/pkg/reactive"
	"storefront/pkg/store"
	"storefront/pkg/txn"
)

func seedDoc() catalog.StaticSeed {
	return catalog.StaticSeed{
		Items: []domain.CatalogItem{
			{ID: "B1", Kind: domain.KindBook, Title: "Free Primer", MainCategory: "Books", Price: 0},
			{ID: "G1", Kind: domain.KindGear, Title: "Lab Goggles", MainCategory: "Gear", Price: 20, StockCount: domain.IntPtr(1)},
			{ID: "C1", Kind: domain.KindCourse, Title: "Go Basics", MainCategory: "Courses", Price: 100},
		},
		RoleDiscounts: []domain.RoleDiscount{{Role: domain.RoleStudent, DiscountPercent: 10}},
	}
}

func newTestApp(t *testing.T) *App {
	t.Helper()
	a, err := Build(Options{
		Store:     store.NewMemoryStore(),
		Seeder:    seedDoc(),
		JWTSecret: "test-secret",
		Logger:    slog.New(slog.NewTextHandler(io.Discard, nil)),
	})
	require.NoError(t, err)
	require.NoError(t, a.Catalog.EnsureSeeded(context.Background()))
	return a
}

func signIn(t *testing.T, a *App, id string, role domain.Role, override *float64) domain.Identity {
	t.Helper()
	ctx := context.Background()
	u, err := a.Identities.Upsert(ctx, domain.Identity{ID: id, DisplayName: id, Role: role})
	require.NoError(t, err)
	if override != nil {
		u, err = a.Identities.UpdateProfile(ctx, id, identity.ProfileUpdate{Override: override})
		require.NoError(t, err)
	}
	return u
}

// waitFor reads snapshots until pred holds.
func waitFor[T any](t *testing.T, ch <-chan T, pred func(T) bool) T {
	t.Helper()
	timeout := time.After(2 * time.Second)
	var last T
	for {
		select {
		case v, ok := <-ch:
			require.True(t, ok, "sequence closed")
			last = v
			if pred(v) {
				return v
			}
		case <-timeout:
			t.Fatalf("condition not reached, last snapshot: %+v", last)
			return last
		}
	}
}

func TestBuildRequiresStoreAndSecret(t *testing.T) {
	_, err := Build(Options{JWTSecret: "s"})
	assert.Error(t, err)
	_, err = Build(Options{Store: store.NewMemoryStore()})
	assert.Error(t, err)
}

func TestDetailViewPricesAndOwnership(t *testing.T) {
	a := newTestApp(t)
	u := signIn(t, a, "u1", domain.RoleStudent, domain.FloatPtr(25))
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	ch := a.DetailView(a.Identities.Follow(u.ID), "C1").Subscribe(ctx)
	d := waitFor(t, ch, func(d Detail) bool { return d.Found && d.SignedIn && d.Quote.DiscountPercent == 25 })
	assert.Equal(t, 75.0, d.Quote.FinalPrice)
	assert.Equal(t, "75.00", d.PriceLabel)
	assert.Equal(t, "Buy for 75.00", d.Action)
	assert.True(t, d.CanAcquire)
	assert.True(t, d.Stock.Unlimited)

	res, err := a.Coordinator.Purchase(ctx, &u, "C1")
	require.NoError(t, err)
	require.Equal(t, txn.StatusCommitted, res.Status)

	d = waitFor(t, ch, func(d Detail) bool { return d.Owned })
	assert.False(t, d.CanAcquire)
	assert.False(t, d.CanRemove)
	assert.Equal(t, MessagePriceRemovalNotAllowed, d.RemoveBlock)
	assert.Equal(t, "In your library", d.Action)
}

func TestDetailViewAnonymous(t *testing.T) {
	a := newTestApp(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	ch := a.DetailView(reactive.Just[*domain.Identity](nil), "G1").Subscribe(ctx)
	d := waitFor(t, ch, func(d Detail) bool { return d.Found })
	assert.False(t, d.SignedIn)
	assert.False(t, d.CanAcquire)
	assert.Equal(t, "20.00", d.PriceLabel)
	assert.True(t, d.Stock.Low)
	assert.False(t, d.Stock.Out)

	missing := a.DetailView(reactive.Just[*domain.Identity](nil), "nope").Subscribe(ctx)
	d = waitFor(t, missing, func(Detail) bool { return true })
	assert.False(t, d.Found)
	assert.Equal(t, MessageUnknownItem, d.Error)
}

func TestDetailViewFollowsStockAndReviews(t *testing.T) {
	a := newTestApp(t)
	buyer := signIn(t, a, "u1", domain.RoleUser, nil)
	other := signIn(t, a, "u2", domain.RoleUser, nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	ch := a.DetailView(a.Identities.Follow(other.ID), "G1").Subscribe(ctx)
	waitFor(t, ch, func(d Detail) bool { return d.Found && d.SignedIn })

	res, err := a.Coordinator.Purchase(ctx, &buyer, "G1")
	require.NoError(t, err)
	require.True(t, res.OK())

	d := waitFor(t, ch, func(d Detail) bool { return d.Stock.Out })
	assert.False(t, d.CanAcquire)
	assert.Equal(t, "Out of stock", d.Action)

	_, err = a.Catalog.SubmitReview(ctx, buyer.ID, "G1", 4, "snug fit")
	require.NoError(t, err)
	d = waitFor(t, ch, func(d Detail) bool { return d.Reviews.Count == 1 })
	assert.Equal(t, 4.0, d.Reviews.Average)
}

func TestDetailViewSwitchesIdentity(t *testing.T) {
	a := newTestApp(t)
	u := signIn(t, a, "u1", domain.RoleUser, nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	res, err := a.Coordinator.Purchase(ctx, &u, "B1")
	require.NoError(t, err)
	require.Equal(t, txn.StatusCommitted, res.Status)

	who := reactive.NewValue[*domain.Identity](nil)
	ch := a.DetailView(who, "B1").Subscribe(ctx)
	d := waitFor(t, ch, func(d Detail) bool { return d.Found })
	assert.False(t, d.Owned)
	assert.Equal(t, "Free", d.PriceLabel)

	who.Set(&u)
	d = waitFor(t, ch, func(d Detail) bool { return d.Owned })
	assert.True(t, d.CanRemove)

	who.Set(nil)
	waitFor(t, ch, func(d Detail) bool { return !d.Owned && !d.SignedIn })
}

func TestHomeFeed(t *testing.T) {
	a := newTestApp(t)
	u := signIn(t, a, "u1", domain.RoleStudent, nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	ch := a.HomeFeed(a.Identities.Follow(u.ID)).Subscribe(ctx)
	h := waitFor(t, ch, func(h Home) bool { return !h.Loading && len(h.Sections) == 3 })
	require.Equal(t, []string{"Books", "Courses", "Gear"}, []string{h.Sections[0].Category, h.Sections[1].Category, h.Sections[2].Category})
	course := h.Sections[1].Items[0]
	assert.Equal(t, "90.00", course.PriceLabel)
	assert.True(t, course.Discounted)
	assert.True(t, h.Sections[2].Items[0].LowStock)

	_, err := a.Coordinator.Purchase(ctx, &u, "B1")
	require.NoError(t, err)
	h = waitFor(t, ch, func(h Home) bool { return len(h.Owned) == 1 && h.UnreadCount == 1 })
	assert.Equal(t, "B1", h.Owned[0].ID)

	_, err = a.Ownership.ToggleWishlist(ctx, u.ID, "G1")
	require.NoError(t, err)
	h = waitFor(t, ch, func(h Home) bool { return len(h.Wishlist) == 1 })
	assert.True(t, h.Wishlist[0].Wished)

	require.NoError(t, a.Ownership.RecordView(ctx, u.ID, "C1"))
	time.Sleep(5 * time.Millisecond)
	require.NoError(t, a.Ownership.RecordView(ctx, u.ID, "G1"))
	h = waitFor(t, ch, func(h Home) bool { return len(h.RecentlyViewed) == 2 })
	assert.Equal(t, "G1", h.RecentlyViewed[0].ID)
	assert.Equal(t, "C1", h.RecentlyViewed[1].ID)
}

func TestHomeFeedSeedFailure(t *testing.T) {
	a, err := Build(Options{
		Store:     store.NewMemoryStore(),
		Seeder:    catalog.FileSeed{Path: "/nonexistent/seed.yaml"},
		JWTSecret: "s",
		Logger:    slog.New(slog.NewTextHandler(io.Discard, nil)),
	})
	require.NoError(t, err)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	h := waitFor(t, a.HomeFeed(reactive.Just[*domain.Identity](nil)).Subscribe(ctx), func(h Home) bool { return !h.Loading })
	assert.Equal(t, MessageCatalogUnavailable, h.Error)
	assert.Empty(t, h.Sections)
}

func TestAdminOperations(t *testing.T) {
	a := newTestApp(t)
	u := signIn(t, a, "u1", domain.RoleTeacher, nil)
	ctx := context.Background()

	require.NoError(t, a.SetDiscounts(ctx, "admin", []domain.RoleDiscount{{Role: domain.RoleTeacher, DiscountPercent: 30}}))
	assert.ErrorIs(t, a.SetDiscounts(ctx, "admin", []domain.RoleDiscount{{Role: domain.RoleTeacher, DiscountPercent: 130}}), pricing.ErrInvalidDiscount)
	item, err := a.Catalog.Get(ctx, "C1")
	require.NoError(t, err)
	q, err := a.Pricing.Quote(ctx, item, &u)
	require.NoError(t, err)
	assert.Equal(t, 70.0, q.FinalPrice)

	n, err := a.Broadcast(ctx, "admin", notify.Broadcast{ID: "bc1", Title: "Sale", Message: "Everything 30% off"})
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	_, err = a.Restock(ctx, "admin", "C1", 2)
	assert.ErrorIs(t, err, ErrUnlimitedStock)
	lvl, err := a.Restock(ctx, "admin", "G1", 4)
	require.NoError(t, err)
	assert.Equal(t, inventory.Level{ItemID: "G1", Count: 5}, lvl)
	_, err = a.Restock(ctx, "admin", "nope", 1)
	assert.ErrorIs(t, err, catalog.ErrItemNotFound)

	edited := item
	edited.Title = "Go Basics, 2nd ed."
	require.NoError(t, a.SaveItem(ctx, "admin", edited))
	got, err := a.Catalog.Get(ctx, "C1")
	require.NoError(t, err)
	assert.Equal(t, "Go Basics, 2nd ed.", got.Title)
}

func TestMessages(t *testing.T) {
	tests := []struct {
		res  txn.Result
		want string
	}{
		{txn.Result{Status: txn.StatusAlreadyOwned}, MessageAlreadyOwned},
		{txn.Result{Status: txn.StatusRemoved}, MessageRemoved},
		{txn.Result{Status: txn.StatusCommitted, Kind: domain.NotificationLibrary}, "Added to your library!"},
		{txn.Result{Status: txn.StatusCommitted, Kind: domain.NotificationPurchase, OrderRef: "ORD-1", Quote: &pricing.Quote{ListPrice: 20, FinalPrice: 20}}, "Purchase complete: 20.00. Order ORD-1"},
		{txn.Result{Status: txn.StatusFailed, Reason: txn.ReasonOutOfStock}, MessageOutOfStock},
		{txn.Result{Status: txn.StatusFailed, Reason: txn.ReasonPriceRemovalNotAllowed}, MessagePriceRemovalNotAllowed},
		{txn.Result{Status: txn.StatusFailed, Reason: txn.ReasonStoreUnavailable}, MessageStoreUnavailable},
	}
	for _, tc := range tests {
		assert.Equal(t, tc.want, Message(tc.res))
	}
	assert.Equal(t, "Added to favorites!", ToggleMessage(ownership.ToggleResult{Added: true}))
	assert.Equal(t, "Removed from favorites", ToggleMessage(ownership.ToggleResult{}))
}
