// Package inventory owns the finite stock counters of physical items.
package inventory

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"storefront/pkg/reactive"
	"storefront/pkg/store"
)

var (
	// ErrOutOfStock is recoverable: the caller retries only after stock changes.
	ErrOutOfStock      = errors.New("out of stock")
	ErrInvalidQuantity = errors.New("quantity must be positive")
	ErrUnknownItem     = errors.New("unknown item")
)

const DefaultLowStockThreshold = 3

// Level is the stock state of one item as seen by readers.
type Level struct {
	ItemID    string `json:"itemId"`
	Count     int    `json:"count"`
	Unlimited bool   `json:"unlimited"`
	Low       bool   `json:"low"`
	Out       bool   `json:"outOfStock"`
}

type Config struct {
	Store             store.Store
	LowStockThreshold int
	Grace             time.Duration
	Logger            *slog.Logger
}

// Ledger serializes stock mutations through the store's conditional
// decrement. No lock is held here: the store is the single point where the
// availability check and the subtraction happen together.
type Ledger struct {
	store     store.Store
	threshold int
	grace     time.Duration
	logger    *slog.Logger
}

func New(cfg Config) *Ledger {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	threshold := cfg.LowStockThreshold
	if threshold <= 0 {
		threshold = DefaultLowStockThreshold
	}
	return &Ledger{store: cfg.Store, threshold: threshold, grace: cfg.Grace, logger: logger}
}

// Threshold returns the low-stock threshold.
func (l *Ledger) Threshold() int { return l.threshold }

// LevelOf derives the reader-facing level from a raw counter.
func (l *Ledger) LevelOf(itemID string, stock *int) Level {
	if stock == nil {
		return Level{ItemID: itemID, Unlimited: true}
	}
	n := *stock
	return Level{ItemID: itemID, Count: n, Low: n <= l.threshold, Out: n == 0}
}

// ReduceStock subtracts qty when at least qty units remain. Unlimited items
// always succeed without a counter change.
func (l *Ledger) ReduceStock(ctx context.Context, itemID string, qty int) (Level, error) {
	if qty <= 0 {
		return Level{}, ErrInvalidQuantity
	}
	res, err := l.store.ReduceStock(ctx, itemID, qty)
	switch {
	case errors.Is(err, store.ErrInsufficientStock):
		l.logger.Info("stock short", "item_id", itemID, "qty", qty, "remaining", res.Count)
		return l.level(itemID, res), ErrOutOfStock
	case errors.Is(err, store.ErrNotFound):
		return Level{}, fmt.Errorf("%w: %s", ErrUnknownItem, itemID)
	case err != nil:
		return Level{}, fmt.Errorf("reduce stock: %w", err)
	}
	if !res.Unlimited {
		l.logger.Info("stock reduced", "item_id", itemID, "qty", qty, "remaining", res.Count)
	}
	return l.level(itemID, res), nil
}

// RestoreStock adds qty units back, either as a rollback or as a restock.
func (l *Ledger) RestoreStock(ctx context.Context, itemID string, qty int) (Level, error) {
	if qty <= 0 {
		return Level{}, ErrInvalidQuantity
	}
	res, err := l.store.RestoreStock(ctx, itemID, qty)
	switch {
	case errors.Is(err, store.ErrNotFound):
		return Level{}, fmt.Errorf("%w: %s", ErrUnknownItem, itemID)
	case err != nil:
		return Level{}, fmt.Errorf("restore stock: %w", err)
	}
	if !res.Unlimited {
		l.logger.Info("stock restored", "item_id", itemID, "qty", qty, "remaining", res.Count)
	}
	return l.level(itemID, res), nil
}

func (l *Ledger) level(itemID string, res store.StockLevel) Level {
	if res.Unlimited {
		return Level{ItemID: itemID, Unlimited: true}
	}
	return l.LevelOf(itemID, &res.Count)
}

// Watch follows the stock level of one item.
func (l *Ledger) Watch(itemID string) *reactive.Shared[Level] {
	return reactive.NewShared(func(ctx context.Context, emit func(Level)) {
		store.Follow(ctx, l.store, store.Topic{Table: store.TableCatalog, Key: itemID}, func(ctx context.Context) error {
			item, ok, err := l.store.GetCatalogItem(ctx, itemID)
			if err != nil {
				return err
			}
			if !ok {
				return nil
			}
			emit(l.LevelOf(itemID, item.StockCount))
			return nil
		})
	}, l.grace)
}
