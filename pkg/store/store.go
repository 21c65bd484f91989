package store

import (
	"context"
	"errors"

	"storefront/pkg/domain"
)

var (
	// ErrNotFound indicates the referenced row does not exist.
	ErrNotFound = errors.New("not found")
	// ErrInsufficientStock indicates a conditional decrement matched no row
	// because the item holds fewer units than requested.
	ErrInsufficientStock = errors.New("insufficient stock")
)

// StockLevel is the result of a stock mutation. Unlimited items carry no count.
type StockLevel struct {
	Count     int  `json:"count"`
	Unlimited bool `json:"unlimited"`
}

// Store is the persistence contract the engine consumes. Every mutating call
// publishes a change on the affected Topic so reactive readers re-derive.
type Store interface {
	Watcher

	// users
	SaveUser(ctx context.Context, u domain.Identity) error
	GetUser(ctx context.Context, id string) (domain.Identity, bool, error)
	ListUsers(ctx context.Context) ([]domain.Identity, error)

	// catalog
	CatalogCount(ctx context.Context) (int, error)
	InsertCatalogItems(ctx context.Context, items []domain.CatalogItem) (int, error)
	SaveCatalogItem(ctx context.Context, item domain.CatalogItem) error
	GetCatalogItem(ctx context.Context, id string) (domain.CatalogItem, bool, error)
	ListCatalog(ctx context.Context) ([]domain.CatalogItem, error)
	// ReduceStock subtracts qty only where the current count is >= qty.
	ReduceStock(ctx context.Context, itemID string, qty int) (StockLevel, error)
	RestoreStock(ctx context.Context, itemID string, qty int) (StockLevel, error)

	// purchases
	InsertPurchase(ctx context.Context, rec domain.OwnershipRecord) (bool, error)
	DeletePurchase(ctx context.Context, userID, itemID string) (bool, error)
	GetPurchase(ctx context.Context, userID, itemID string) (domain.OwnershipRecord, bool, error)
	ListPurchases(ctx context.Context, userID string) ([]domain.OwnershipRecord, error)

	// wishlist
	InsertWishlist(ctx context.Context, rec domain.OwnershipRecord) (bool, error)
	DeleteWishlist(ctx context.Context, userID, itemID string) (bool, error)
	ListWishlist(ctx context.Context, userID string) ([]domain.OwnershipRecord, error)

	// history
	AppendHistory(ctx context.Context, rec domain.OwnershipRecord) error
	ListHistory(ctx context.Context, userID string) ([]domain.OwnershipRecord, error)

	// notifications
	InsertNotifications(ctx context.Context, ns []domain.Notification) (int, error)
	ListNotifications(ctx context.Context, userID string) ([]domain.Notification, error)
	MarkNotificationRead(ctx context.Context, id string) (bool, error)
	ClearNotifications(ctx context.Context, userID string) (int, error)
	DeleteProductNotifications(ctx context.Context, userID, productID string) (int, error)

	// role discounts
	ListRoleDiscounts(ctx context.Context) ([]domain.RoleDiscount, error)
	SaveRoleDiscounts(ctx context.Context, ds []domain.RoleDiscount) error

	// reviews
	SaveReview(ctx context.Context, r domain.Review) error
	ListReviews(ctx context.Context, itemID string) ([]domain.Review, error)
}
