// Package ownership derives per-user relationship sets (purchases, wishlist,
// view history) from the store.
package ownership

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"storefront/internal/util"
	"storefront/pkg/domain"
	"storefront/pkg/reactive"
	"storefront/pkg/store"
)

// ErrAnonymous is returned by mutators called without a user.
var ErrAnonymous = errors.New("sign in required")

// IDSet is an immutable set of item ids.
type IDSet map[string]struct{}

func (s IDSet) Has(id string) bool {
	_, ok := s[id]
	return ok
}

// Sorted returns the ids in lexical order.
func (s IDSet) Sorted() []string {
	out := make([]string, 0, len(s))
	for id := range s {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

func setOf(recs []domain.OwnershipRecord) IDSet {
	out := make(IDSet, len(recs))
	for _, r := range recs {
		out[r.ItemID] = struct{}{}
	}
	return out
}

// Sets groups the three relationship sets of one user.
type Sets struct {
	Purchased reactive.Observable[IDSet]
	Wished    reactive.Observable[IDSet]
	Viewed    reactive.Observable[IDSet]
}

type userSets struct {
	purchased *reactive.Shared[IDSet]
	wished    *reactive.Shared[IDSet]
	viewed    *reactive.Shared[IDSet]
	history   *reactive.Shared[[]string]
}

type Config struct {
	Store  store.Store
	Grace  time.Duration
	Logger *slog.Logger
}

// Index is the OwnershipIndex. Sequences are cached per user so every screen
// of one user shares a single store subscription per table.
type Index struct {
	store  store.Store
	grace  time.Duration
	logger *slog.Logger

	mu    sync.Mutex
	users map[string]*userSets
}

func New(cfg Config) *Index {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Index{
		store:  cfg.Store,
		grace:  cfg.Grace,
		logger: logger,
		users:  make(map[string]*userSets),
	}
}

var empty = reactive.Just(IDSet{})

// For returns the relationship sets of userID. An anonymous user gets
// constant empty sets and never touches the store.
func (x *Index) For(userID string) Sets {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return Sets{Purchased: empty, Wished: empty, Viewed: empty}
	}
	u := x.user(userID)
	return Sets{Purchased: u.purchased, Wished: u.wished, Viewed: u.viewed}
}

func (x *Index) PurchasedIDs(userID string) reactive.Observable[IDSet] { return x.For(userID).Purchased }
func (x *Index) WishlistIDs(userID string) reactive.Observable[IDSet]  { return x.For(userID).Wished }
func (x *Index) HistoryIDs(userID string) reactive.Observable[IDSet]   { return x.For(userID).Viewed }

// RecentlyViewed emits distinct viewed ids, most recent first.
func (x *Index) RecentlyViewed(userID string) reactive.Observable[[]string] {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return reactive.Just([]string{})
	}
	return x.user(userID).history
}

func (x *Index) user(userID string) *userSets {
	x.mu.Lock()
	defer x.mu.Unlock()
	if u, ok := x.users[userID]; ok {
		return u
	}
	u := &userSets{
		purchased: x.follow(store.TablePurchases, userID, x.store.ListPurchases),
		wished:    x.follow(store.TableWishlist, userID, x.store.ListWishlist),
		viewed:    x.follow(store.TableHistory, userID, x.store.ListHistory),
		history: reactive.NewShared(func(ctx context.Context, emit func([]string)) {
			store.Follow(ctx, x.store, store.Topic{Table: store.TableHistory, Key: userID}, func(ctx context.Context) error {
				recs, err := x.store.ListHistory(ctx, userID)
				if err != nil {
					return err
				}
				emit(recentDistinct(recs))
				return nil
			})
		}, x.grace),
	}
	x.users[userID] = u
	return u
}

func (x *Index) follow(table store.Table, userID string, list func(context.Context, string) ([]domain.OwnershipRecord, error)) *reactive.Shared[IDSet] {
	return reactive.NewShared(func(ctx context.Context, emit func(IDSet)) {
		store.Follow(ctx, x.store, store.Topic{Table: table, Key: userID}, func(ctx context.Context) error {
			recs, err := list(ctx, userID)
			if err != nil {
				return err
			}
			emit(setOf(recs))
			return nil
		})
	}, x.grace)
}

func recentDistinct(recs []domain.OwnershipRecord) []string {
	seen := make(map[string]struct{}, len(recs))
	out := make([]string, 0, len(recs))
	for i := len(recs) - 1; i >= 0; i-- {
		id := recs[i].ItemID
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	return out
}

// IsOwned is a point read against the purchases table.
func (x *Index) IsOwned(ctx context.Context, userID, itemID string) (bool, error) {
	if strings.TrimSpace(userID) == "" {
		return false, nil
	}
	_, ok, err := x.store.GetPurchase(ctx, userID, itemID)
	return ok, err
}

// ToggleResult reports the wishlist state after a toggle.
type ToggleResult struct {
	Added bool `json:"added"`
}

// ToggleWishlist removes itemID from the user's wishlist when present and
// adds it otherwise.
func (x *Index) ToggleWishlist(ctx context.Context, userID, itemID string) (ToggleResult, error) {
	if strings.TrimSpace(userID) == "" {
		return ToggleResult{}, ErrAnonymous
	}
	removed, err := x.store.DeleteWishlist(ctx, userID, itemID)
	if err != nil {
		return ToggleResult{}, fmt.Errorf("delete wishlist: %w", err)
	}
	if removed {
		return ToggleResult{Added: false}, nil
	}
	_, err = x.store.InsertWishlist(ctx, domain.OwnershipRecord{
		ID:        util.NewID(),
		UserID:    userID,
		ItemID:    itemID,
		CreatedAt: time.Now().UTC(),
	})
	if err != nil {
		return ToggleResult{}, fmt.Errorf("insert wishlist: %w", err)
	}
	return ToggleResult{Added: true}, nil
}

// RecordView appends a history row. Anonymous views are not recorded.
func (x *Index) RecordView(ctx context.Context, userID, itemID string) error {
	if strings.TrimSpace(userID) == "" {
		return nil
	}
	err := x.store.AppendHistory(ctx, domain.OwnershipRecord{
		ID:        util.NewID(),
		UserID:    userID,
		ItemID:    itemID,
		CreatedAt: time.Now().UTC(),
	})
	if err != nil {
		return fmt.Errorf("append history: %w", err)
	}
	return nil
}
