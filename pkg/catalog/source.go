// Package catalog merges the bootstrap seed with the persisted catalog into
// one reactive sequence of items.
package catalog

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"strings"
	"sync/atomic"
	"time"

	"golang.org/x/sync/singleflight"
	"storefront/internal/util"
	"storefront/pkg/domain"
	"storefront/pkg/reactive"
	"storefront/pkg/store"
)

// Snapshot is one emission of the catalog sequence.
type Snapshot struct {
	Items   []domain.CatalogItem
	Loading bool
	// Err is set when the catalog could not be loaded. A nil Err with no
	// items means the catalog is genuinely empty.
	Err error
}

// ItemState is one emission of a single-item sequence.
type ItemState struct {
	Item  domain.CatalogItem
	Found bool
	Err   error
}

// ReviewSummary aggregates an item's reviews.
type ReviewSummary struct {
	Reviews []domain.Review `json:"reviews"`
	Count   int             `json:"count"`
	Average float64         `json:"average"`
}

type Config struct {
	Store  store.Store
	Seeder Seeder
	Grace  time.Duration
	Logger *slog.Logger
}

// Source is the catalog read model.
type Source struct {
	store  store.Store
	seeder Seeder
	grace  time.Duration
	logger *slog.Logger

	seedOnce singleflight.Group
	seeded   atomic.Bool
	items    *reactive.Shared[Snapshot]
}

func New(cfg Config) *Source {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	s := &Source{
		store:  cfg.Store,
		seeder: cfg.Seeder,
		grace:  cfg.Grace,
		logger: logger,
	}
	s.items = reactive.NewShared(s.produceItems, cfg.Grace)
	return s
}

// Items returns the shared catalog sequence. The first snapshot is a loading
// state; the seed import runs on first subscription.
func (s *Source) Items() *reactive.Shared[Snapshot] {
	return s.items
}

func (s *Source) produceItems(ctx context.Context, emit func(Snapshot)) {
	emit(Snapshot{Loading: true})
	seedErr := s.EnsureSeeded(ctx)
	if ctx.Err() != nil {
		return
	}
	if seedErr != nil {
		s.logger.Error("catalog seed failed", "err", seedErr)
	}
	store.Follow(ctx, s.store, store.Topic{Table: store.TableCatalog}, func(ctx context.Context) error {
		items, err := s.store.ListCatalog(ctx)
		if err != nil {
			emit(Snapshot{Err: fmt.Errorf("list catalog: %w", err)})
			return err
		}
		snap := Snapshot{Items: items}
		if len(items) == 0 && seedErr != nil {
			snap.Err = seedErr
		}
		emit(snap)
		return nil
	})
}

// EnsureSeeded imports the seed document when the catalog is empty.
// Concurrent callers share one import, and the insert skips existing ids, so
// racing processes cannot duplicate rows.
func (s *Source) EnsureSeeded(ctx context.Context) error {
	if s.seeded.Load() {
		return nil
	}
	_, err, _ := s.seedOnce.Do("seed", func() (any, error) {
		if s.seeded.Load() {
			return nil, nil
		}
		if err := s.seed(context.WithoutCancel(ctx)); err != nil {
			return nil, err
		}
		s.seeded.Store(true)
		return nil, nil
	})
	return err
}

func (s *Source) seed(ctx context.Context) error {
	count, err := s.store.CatalogCount(ctx)
	if err != nil {
		return fmt.Errorf("%w: count catalog: %w", ErrSeedLoad, err)
	}
	if count > 0 || s.seeder == nil {
		return nil
	}
	inserted, err := s.Import(ctx, s.seeder)
	if err != nil {
		return err
	}
	s.logger.Info("catalog seeded", "items", inserted)
	return nil
}

// Import loads a seed document and inserts the items and role discounts
// that are not stored yet. It returns the number of inserted items.
func (s *Source) Import(ctx context.Context, seeder Seeder) (int, error) {
	doc, err := seeder.Load(ctx)
	if err != nil {
		return 0, fmt.Errorf("%w: %w", ErrSeedLoad, err)
	}
	inserted, err := s.store.InsertCatalogItems(ctx, doc.Items)
	if err != nil {
		return 0, fmt.Errorf("%w: insert items: %w", ErrSeedLoad, err)
	}
	if len(doc.RoleDiscounts) > 0 {
		existing, err := s.store.ListRoleDiscounts(ctx)
		if err != nil {
			return inserted, fmt.Errorf("%w: list discounts: %w", ErrSeedLoad, err)
		}
		have := make(map[domain.Role]struct{}, len(existing))
		for _, d := range existing {
			have[d.Role] = struct{}{}
		}
		missing := make([]domain.RoleDiscount, 0, len(doc.RoleDiscounts))
		for _, d := range doc.RoleDiscounts {
			if _, ok := have[d.Role]; !ok {
				missing = append(missing, d)
			}
		}
		if err := s.store.SaveRoleDiscounts(ctx, missing); err != nil {
			return inserted, fmt.Errorf("%w: save discounts: %w", ErrSeedLoad, err)
		}
	}
	return inserted, nil
}

// Item follows a single catalog row.
func (s *Source) Item(itemID string) *reactive.Shared[ItemState] {
	return reactive.NewShared(func(ctx context.Context, emit func(ItemState)) {
		if err := s.EnsureSeeded(ctx); err != nil && ctx.Err() == nil {
			s.logger.Warn("catalog seed failed", "item_id", itemID, "err", err)
		}
		store.Follow(ctx, s.store, store.Topic{Table: store.TableCatalog, Key: itemID}, func(ctx context.Context) error {
			item, ok, err := s.store.GetCatalogItem(ctx, itemID)
			if err != nil {
				emit(ItemState{Err: err})
				return err
			}
			emit(ItemState{Item: item, Found: ok})
			return nil
		})
	}, s.grace)
}

// Get is a point read of one item.
func (s *Source) Get(ctx context.Context, itemID string) (domain.CatalogItem, error) {
	item, ok, err := s.store.GetCatalogItem(ctx, itemID)
	if err != nil {
		return domain.CatalogItem{}, err
	}
	if !ok {
		return domain.CatalogItem{}, ErrItemNotFound
	}
	return item, nil
}

// Save applies an admin edit. Last write wins; an existing item's stock
// counter is not changed through this path.
func (s *Source) Save(ctx context.Context, item domain.CatalogItem) error {
	item.ID = strings.TrimSpace(item.ID)
	if err := ValidateItem(item); err != nil {
		return err
	}
	if err := s.store.SaveCatalogItem(ctx, item); err != nil {
		return fmt.Errorf("save catalog item: %w", err)
	}
	return nil
}

// Reviews follows an item's reviews.
func (s *Source) Reviews(itemID string) *reactive.Shared[ReviewSummary] {
	return reactive.NewShared(func(ctx context.Context, emit func(ReviewSummary)) {
		store.Follow(ctx, s.store, store.Topic{Table: store.TableReviews, Key: itemID}, func(ctx context.Context) error {
			reviews, err := s.store.ListReviews(ctx, itemID)
			if err != nil {
				return err
			}
			emit(Summarize(reviews))
			return nil
		})
	}, s.grace)
}

// Summarize computes the count and average rating.
func Summarize(reviews []domain.Review) ReviewSummary {
	sum := ReviewSummary{Reviews: reviews, Count: len(reviews)}
	if len(reviews) == 0 {
		sum.Reviews = []domain.Review{}
		return sum
	}
	total := 0
	for _, r := range reviews {
		total += r.Rating
	}
	sum.Average = math.Round(float64(total)/float64(len(reviews))*100) / 100
	return sum
}

// SubmitReview stores the user's review of an item, replacing any earlier one.
func (s *Source) SubmitReview(ctx context.Context, userID, itemID string, rating int, comment string) (domain.Review, error) {
	if rating < 1 || rating > 5 {
		return domain.Review{}, ErrInvalidRating
	}
	if _, err := s.Get(ctx, itemID); err != nil {
		return domain.Review{}, err
	}
	now := time.Now().UTC()
	r := domain.Review{
		ID:        util.NewID(),
		UserID:    userID,
		ItemID:    itemID,
		Rating:    rating,
		Comment:   strings.TrimSpace(comment),
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := s.store.SaveReview(ctx, r); err != nil {
		return domain.Review{}, fmt.Errorf("save review: %w", err)
	}
	return r, nil
}
