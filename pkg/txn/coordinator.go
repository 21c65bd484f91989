// Package txn runs purchase, pickup and removal as single logical
// transitions over the ledger, the ownership tables and the notification
// sink.
package txn

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/sethvargo/go-retry"
	"golang.org/x/sync/singleflight"
	"storefront/pkg/domain"
	"storefront/pkg/inventory"
	"storefront/pkg/notify"
	"storefront/pkg/pricing"
	"storefront/pkg/store"
)

// ErrCompensationFailed is the one fatal error: a rollback could not be
// applied after retries, so partial effects may remain.
var ErrCompensationFailed = errors.New("transaction compensation failed")

type Config struct {
	Store    store.Store
	Ledger   *inventory.Ledger
	Notifier *notify.Sink
	Pricing  *pricing.Engine
	Logger   *slog.Logger
	// Backoff for compensation writes. Defaults to 3 retries 50ms apart.
	Backoff func() retry.Backoff
}

// Coordinator is the TransactionCoordinator.
type Coordinator struct {
	store    store.Store
	ledger   *inventory.Ledger
	notifier *notify.Sink
	pricing  *pricing.Engine
	logger   *slog.Logger
	backoff  func() retry.Backoff

	flights singleflight.Group
}

func New(cfg Config) *Coordinator {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	backoff := cfg.Backoff
	if backoff == nil {
		backoff = func() retry.Backoff {
			return retry.WithMaxRetries(3, retry.NewConstant(50*time.Millisecond))
		}
	}
	return &Coordinator{
		store:    cfg.Store,
		ledger:   cfg.Ledger,
		notifier: cfg.Notifier,
		pricing:  cfg.Pricing,
		logger:   logger,
		backoff:  backoff,
	}
}

type outcome struct {
	res Result
	err error
}

// run executes fn once per key among concurrent callers. fn runs detached
// from the caller's context: abandoning the wait returns ctx.Err() while the
// transition still completes or rolls back.
func (c *Coordinator) run(ctx context.Context, key string, fn func(context.Context) (Result, error)) (Result, error) {
	detached := context.WithoutCancel(ctx)
	ch := c.flights.DoChan(key, func() (any, error) {
		res, err := fn(detached)
		return outcome{res: res, err: err}, nil
	})
	select {
	case r := <-ch:
		o := r.Val.(outcome)
		return o.res, o.err
	case <-ctx.Done():
		return Result{}, ctx.Err()
	}
}

// Purchase acquires itemID for who. Priced items, free digital items and
// free physical pickups share the same steps; only the notification kind
// differs. Re-requesting an owned item succeeds as AlreadyOwned with no
// side effects.
func (c *Coordinator) Purchase(ctx context.Context, who *domain.Identity, itemID string) (Result, error) {
	if who == nil || who.ID == "" {
		return failed(itemID, ReasonSignInRequired), nil
	}
	return c.run(ctx, "purchase:"+who.ID+":"+itemID, func(ctx context.Context) (Result, error) {
		res, err := c.purchase(ctx, who, itemID)
		c.logger.Info("purchase finished",
			"user_id", who.ID,
			"item_id", itemID,
			"status", res.Status,
			"reason", res.Reason,
			"state", res.State,
			"order_ref", res.OrderRef,
		)
		return res, err
	})
}

func (c *Coordinator) purchase(ctx context.Context, who *domain.Identity, itemID string) (Result, error) {
	// Requested
	item, ok, err := c.store.GetCatalogItem(ctx, itemID)
	if err != nil {
		c.logger.Warn("purchase item lookup failed", "item_id", itemID, "err", err)
		return failed(itemID, ReasonStoreUnavailable), nil
	}
	if !ok {
		return failed(itemID, ReasonUnknownItem), nil
	}
	if rec, owned, err := c.store.GetPurchase(ctx, who.ID, itemID); err != nil {
		return failed(itemID, ReasonStoreUnavailable), nil
	} else if owned {
		return alreadyOwned(itemID, rec), nil
	}
	quote, err := c.pricing.Quote(ctx, item, who)
	if err != nil {
		return failed(itemID, ReasonStoreUnavailable), nil
	}
	kind := acquisitionKind(item)
	res := Result{State: StateRequested, ItemID: itemID, Kind: kind, Quote: &quote}

	// StockReserved
	reserved := false
	if !item.Unlimited() {
		lvl, err := c.ledger.ReduceStock(ctx, itemID, 1)
		switch {
		case errors.Is(err, inventory.ErrOutOfStock):
			out := failed(itemID, ReasonOutOfStock)
			out.Stock = &lvl
			return out, nil
		case err != nil:
			return failed(itemID, ReasonStoreUnavailable), nil
		}
		reserved = true
		res.Stock = &lvl
	}
	res.State = StateStockReserved

	// OwnershipRecorded
	orderRef := "ORD-" + uuid.NewString()
	rec := domain.OwnershipRecord{ID: orderRef, UserID: who.ID, ItemID: itemID, CreatedAt: time.Now().UTC()}
	created, err := c.store.InsertPurchase(ctx, rec)
	if err != nil || !created {
		if reserved {
			if cerr := c.compensate(ctx, "restore stock", func(ctx context.Context) error {
				_, err := c.ledger.RestoreStock(ctx, itemID, 1)
				return err
			}); cerr != nil {
				return failed(itemID, ReasonStoreUnavailable), cerr
			}
		}
		if err != nil {
			c.logger.Warn("purchase insert failed", "user_id", who.ID, "item_id", itemID, "err", err)
			return failed(itemID, ReasonStoreUnavailable), nil
		}
		// lost a race against another writer of the same pair
		existing, found, gerr := c.store.GetPurchase(ctx, who.ID, itemID)
		if gerr != nil || !found {
			return failed(itemID, ReasonStoreUnavailable), nil
		}
		return alreadyOwned(itemID, existing), nil
	}
	res.State = StateOwnershipRecorded
	res.OrderRef = orderRef

	// NotificationEmitted
	_, _, err = c.notifier.Emit(ctx, domain.Notification{
		ID:        orderRef,
		UserID:    who.ID,
		Type:      kind,
		ProductID: itemID,
		Title:     notificationTitle(kind),
		Message:   notificationMessage(kind, item, quote),
		CreatedAt: rec.CreatedAt,
	})
	if err != nil {
		c.logger.Warn("purchase notification failed", "user_id", who.ID, "item_id", itemID, "err", err)
		if cerr := c.rollbackPurchase(ctx, who.ID, itemID, reserved); cerr != nil {
			return failed(itemID, ReasonStoreUnavailable), cerr
		}
		return failed(itemID, ReasonStoreUnavailable), nil
	}
	res.State = StateNotificationEmitted

	res.State = StateCommitted
	res.Status = StatusCommitted
	return res, nil
}

// rollbackPurchase undoes steps in reverse order.
func (c *Coordinator) rollbackPurchase(ctx context.Context, userID, itemID string, reserved bool) error {
	if err := c.compensate(ctx, "delete purchase", func(ctx context.Context) error {
		_, err := c.store.DeletePurchase(ctx, userID, itemID)
		return err
	}); err != nil {
		return err
	}
	if !reserved {
		return nil
	}
	return c.compensate(ctx, "restore stock", func(ctx context.Context) error {
		_, err := c.ledger.RestoreStock(ctx, itemID, 1)
		return err
	})
}

func (c *Coordinator) compensate(ctx context.Context, step string, fn func(context.Context) error) error {
	err := retry.Do(ctx, c.backoff(), func(ctx context.Context) error {
		if err := fn(ctx); err != nil {
			return retry.RetryableError(err)
		}
		return nil
	})
	if err != nil {
		c.logger.Error("compensation failed", "step", step, "err", err)
		return fmt.Errorf("%w: %s: %w", ErrCompensationFailed, step, err)
	}
	return nil
}

// Remove drops a free, non-physical item from who's library together with
// its notifications. Priced purchases are final and physical pickups cannot
// be returned; both are reported as failures without any mutation.
func (c *Coordinator) Remove(ctx context.Context, who *domain.Identity, itemID string) (Result, error) {
	if who == nil || who.ID == "" {
		return failed(itemID, ReasonSignInRequired), nil
	}
	return c.run(ctx, "remove:"+who.ID+":"+itemID, func(ctx context.Context) (Result, error) {
		res, err := c.remove(ctx, who, itemID)
		c.logger.Info("removal finished", "user_id", who.ID, "item_id", itemID, "status", res.Status, "reason", res.Reason)
		return res, err
	})
}

func (c *Coordinator) remove(ctx context.Context, who *domain.Identity, itemID string) (Result, error) {
	item, ok, err := c.store.GetCatalogItem(ctx, itemID)
	if err != nil {
		return failed(itemID, ReasonStoreUnavailable), nil
	}
	if !ok {
		return failed(itemID, ReasonUnknownItem), nil
	}
	rec, owned, err := c.store.GetPurchase(ctx, who.ID, itemID)
	if err != nil {
		return failed(itemID, ReasonStoreUnavailable), nil
	}
	if !owned {
		return failed(itemID, ReasonNotOwned), nil
	}
	if !item.Free() {
		return failed(itemID, ReasonPriceRemovalNotAllowed), nil
	}
	if item.Physical() {
		return failed(itemID, ReasonPhysicalRemovalNotAllowed), nil
	}
	deleted, err := c.store.DeletePurchase(ctx, who.ID, itemID)
	if err != nil {
		return failed(itemID, ReasonStoreUnavailable), nil
	}
	if !deleted {
		return failed(itemID, ReasonNotOwned), nil
	}
	if err := c.compensate(ctx, "delete product notifications", func(ctx context.Context) error {
		_, err := c.notifier.RemoveForProduct(ctx, who.ID, itemID)
		return err
	}); err != nil {
		// put the ownership fact back so no notification dangles
		if _, rerr := c.store.InsertPurchase(ctx, rec); rerr != nil {
			c.logger.Error("restore purchase failed", "user_id", who.ID, "item_id", itemID, "err", rerr)
		}
		return failed(itemID, ReasonStoreUnavailable), err
	}
	return Result{Status: StatusRemoved, State: StateCommitted, ItemID: itemID, OrderRef: rec.ID}, nil
}

func alreadyOwned(itemID string, rec domain.OwnershipRecord) Result {
	return Result{Status: StatusAlreadyOwned, State: StateCommitted, ItemID: itemID, OrderRef: rec.ID}
}

func acquisitionKind(item domain.CatalogItem) domain.NotificationType {
	switch {
	case !item.Free():
		return domain.NotificationPurchase
	case item.Physical():
		return domain.NotificationPickup
	default:
		return domain.NotificationLibrary
	}
}

func notificationTitle(kind domain.NotificationType) string {
	switch kind {
	case domain.NotificationPickup:
		return "Ready for pickup"
	case domain.NotificationLibrary:
		return "Added to your library"
	default:
		return "Purchase confirmed"
	}
}

func notificationMessage(kind domain.NotificationType, item domain.CatalogItem, q pricing.Quote) string {
	switch kind {
	case domain.NotificationPickup:
		return fmt.Sprintf("%s is reserved for you. Pick it up at the counter.", item.Title)
	case domain.NotificationLibrary:
		return fmt.Sprintf("%s is now in your library.", item.Title)
	default:
		return fmt.Sprintf("You bought %s for %s.", item.Title, q.Label())
	}
}
