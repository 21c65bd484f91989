// Package pricing computes effective discounts and displayed prices.
package pricing

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/shopspring/decimal"
	"storefront/pkg/domain"
	"storefront/pkg/reactive"
	"storefront/pkg/store"
)

var ErrInvalidDiscount = errors.New("discount must be within 0..100")

// Table maps roles to their discount percent.
type Table map[domain.Role]float64

// Quote is the full-precision price of one item for one identity. Rounding
// happens only in Label.
type Quote struct {
	ListPrice       float64 `json:"listPrice"`
	DiscountPercent float64 `json:"discountPercent"`
	FinalPrice      float64 `json:"finalPrice"`
	Free            bool    `json:"free"`
}

// Label renders the quote for display: "Free" for zero-price items, the
// final price with two decimals otherwise.
func (q Quote) Label() string {
	if q.Free {
		return "Free"
	}
	return decimal.NewFromFloat(q.FinalPrice).StringFixed(2)
}

// Discounted reports whether the final price differs from the list price.
func (q Quote) Discounted() bool {
	return !q.Free && q.DiscountPercent > 0
}

func clamp(p float64) float64 {
	if math.IsNaN(p) {
		return 0
	}
	return math.Max(0, math.Min(100, p))
}

// EffectiveDiscount is max(role rate, personal override), clamped to
// [0,100]. The override can raise the role rate but never lower it. A nil
// identity is anonymous and gets no discount.
func EffectiveDiscount(table Table, identity *domain.Identity) float64 {
	if identity == nil {
		return 0
	}
	d := table[identity.Role]
	if o := identity.DiscountOverridePercent; o != nil && !math.IsNaN(*o) {
		d = math.Max(d, *o)
	}
	return clamp(d)
}

// EffectivePrice prices item for identity. Zero-price items bypass the
// discount entirely.
func EffectivePrice(item domain.CatalogItem, identity *domain.Identity, table Table) Quote {
	if item.Free() {
		return Quote{ListPrice: 0, FinalPrice: 0, Free: true}
	}
	d := EffectiveDiscount(table, identity)
	if d == 0 {
		return Quote{ListPrice: item.Price, FinalPrice: item.Price}
	}
	return Quote{
		ListPrice:       item.Price,
		DiscountPercent: d,
		FinalPrice:      item.Price * (100 - d) / 100,
	}
}

// Engine serves the role-discount table from the store.
type Engine struct {
	store store.Store
	table *reactive.Shared[Table]
}

func New(st store.Store, grace time.Duration) *Engine {
	e := &Engine{store: st}
	e.table = reactive.NewShared(func(ctx context.Context, emit func(Table)) {
		store.Follow(ctx, st, store.Topic{Table: store.TableRoleDiscounts}, func(ctx context.Context) error {
			t, err := e.Load(ctx)
			if err != nil {
				return err
			}
			emit(t)
			return nil
		})
	}, grace)
	return e
}

// Discounts follows the role-discount table.
func (e *Engine) Discounts() *reactive.Shared[Table] {
	return e.table
}

// Load is a point read of the role-discount table.
func (e *Engine) Load(ctx context.Context) (Table, error) {
	rows, err := e.store.ListRoleDiscounts(ctx)
	if err != nil {
		return nil, fmt.Errorf("list role discounts: %w", err)
	}
	t := make(Table, len(rows))
	for _, r := range rows {
		t[r.Role] = r.DiscountPercent
	}
	return t, nil
}

// Quote is a point read of EffectivePrice.
func (e *Engine) Quote(ctx context.Context, item domain.CatalogItem, identity *domain.Identity) (Quote, error) {
	if item.Free() {
		return EffectivePrice(item, identity, nil), nil
	}
	t, err := e.Load(ctx)
	if err != nil {
		return Quote{}, err
	}
	return EffectivePrice(item, identity, t), nil
}

// SetDiscounts validates and stores a batch of role discounts. Nothing is
// written when any entry is out of range.
func (e *Engine) SetDiscounts(ctx context.Context, ds []domain.RoleDiscount) error {
	for _, d := range ds {
		if math.IsNaN(d.DiscountPercent) || d.DiscountPercent < 0 || d.DiscountPercent > 100 {
			return fmt.Errorf("%s: %w", d.Role, ErrInvalidDiscount)
		}
	}
	if err := e.store.SaveRoleDiscounts(ctx, ds); err != nil {
		return fmt.Errorf("save role discounts: %w", err)
	}
	return nil
}
