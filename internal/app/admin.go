package app

import (
	"context"
	"errors"
	"strings"

	"storefront/pkg/catalog"
	"storefront/pkg/domain"
	"storefront/pkg/inventory"
	"storefront/pkg/notify"
)

// ErrUnlimitedStock is returned when restocking an item without a counter.
var ErrUnlimitedStock = errors.New("item has unlimited stock")

// Seed imports a seed document on demand. Existing items are kept.
func (a *App) Seed(ctx context.Context, seeder catalog.Seeder) (int, error) {
	n, err := a.Catalog.Import(ctx, seeder)
	if err != nil {
		return n, err
	}
	a.logger.Info("catalog import finished", "inserted", n)
	return n, nil
}

// SetDiscounts replaces the discount of every role listed in ds.
func (a *App) SetDiscounts(ctx context.Context, actor string, ds []domain.RoleDiscount) error {
	if err := a.Pricing.SetDiscounts(ctx, ds); err != nil {
		return err
	}
	a.logger.Info("admin_action", "action", "discounts_set", "actor", actor, "roles", len(ds))
	return nil
}

func (a *App) Broadcast(ctx context.Context, actor string, b notify.Broadcast) (int, error) {
	n, err := a.Notifier.Broadcast(ctx, b)
	if err != nil {
		return n, err
	}
	a.logger.Info("admin_action", "action", "broadcast", "actor", actor, "delivered", n)
	return n, nil
}

func (a *App) SaveItem(ctx context.Context, actor string, item domain.CatalogItem) error {
	if err := a.Catalog.Save(ctx, item); err != nil {
		return err
	}
	a.logger.Info("admin_action", "action", "item_saved", "actor", actor, "item_id", strings.TrimSpace(item.ID))
	return nil
}

// Restock adds qty units to a limited item.
func (a *App) Restock(ctx context.Context, actor, itemID string, qty int) (inventory.Level, error) {
	item, err := a.Catalog.Get(ctx, itemID)
	if err != nil {
		return inventory.Level{}, err
	}
	if item.Unlimited() {
		return inventory.Level{}, ErrUnlimitedStock
	}
	lvl, err := a.Inventory.RestoreStock(ctx, itemID, qty)
	if err != nil {
		return inventory.Level{}, err
	}
	a.logger.Info("admin_action", "action", "restock", "actor", actor, "item_id", itemID, "qty", qty, "remaining", lvl.Count)
	return lvl, nil
}
