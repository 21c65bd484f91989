package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"storefront/pkg/domain"
)

type pairKey struct {
	userID string
	itemID string
}

type seqNotification struct {
	n   domain.Notification
	seq uint64
}

// MemoryStore keeps every table in-process. It is the default store for
// tests and single-device deployments.
type MemoryStore struct {
	*changeHub

	mu            sync.RWMutex
	users         map[string]domain.Identity
	items         map[string]domain.CatalogItem
	itemOrder     []string
	purchases     map[pairKey]domain.OwnershipRecord
	wishlist      map[pairKey]domain.OwnershipRecord
	history       map[string][]domain.OwnershipRecord // userID -> rows
	notifications map[string]seqNotification
	notifySeq     uint64
	discounts     map[domain.Role]float64
	reviews       map[pairKey]domain.Review
}

// NewMemoryStore initializes an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		changeHub:     newChangeHub(),
		users:         make(map[string]domain.Identity),
		items:         make(map[string]domain.CatalogItem),
		purchases:     make(map[pairKey]domain.OwnershipRecord),
		wishlist:      make(map[pairKey]domain.OwnershipRecord),
		history:       make(map[string][]domain.OwnershipRecord),
		notifications: make(map[string]seqNotification),
		discounts:     make(map[domain.Role]float64),
		reviews:       make(map[pairKey]domain.Review),
	}
}

// SaveUser inserts or replaces a user row.
func (m *MemoryStore) SaveUser(_ context.Context, u domain.Identity) error {
	m.mu.Lock()
	if existing, ok := m.users[u.ID]; ok && u.CreatedAt.IsZero() {
		u.CreatedAt = existing.CreatedAt
	}
	m.users[u.ID] = u.Clone()
	m.mu.Unlock()
	m.publish(TableUsers, u.ID)
	return nil
}

// GetUser returns a user by ID.
func (m *MemoryStore) GetUser(_ context.Context, id string) (domain.Identity, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	u, ok := m.users[id]
	return u.Clone(), ok, nil
}

// ListUsers returns all users ordered by creation time.
func (m *MemoryStore) ListUsers(_ context.Context) ([]domain.Identity, error) {
	m.mu.RLock()
	res := make([]domain.Identity, 0, len(m.users))
	for _, u := range m.users {
		res = append(res, u.Clone())
	}
	m.mu.RUnlock()
	sort.Slice(res, func(i, j int) bool {
		if res[i].CreatedAt.Equal(res[j].CreatedAt) {
			return res[i].ID < res[j].ID
		}
		return res[i].CreatedAt.Before(res[j].CreatedAt)
	})
	return res, nil
}

func (m *MemoryStore) CatalogCount(_ context.Context) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.items), nil
}

// InsertCatalogItems adds items whose IDs are not present yet. Existing rows
// are left untouched, so re-running a seed is a no-op.
func (m *MemoryStore) InsertCatalogItems(_ context.Context, items []domain.CatalogItem) (int, error) {
	m.mu.Lock()
	inserted := 0
	now := time.Now().UTC()
	for _, item := range items {
		if _, exists := m.items[item.ID]; exists {
			continue
		}
		item = item.Clone()
		if item.CreatedAt.IsZero() {
			item.CreatedAt = now
		}
		item.UpdatedAt = now
		m.items[item.ID] = item
		m.itemOrder = append(m.itemOrder, item.ID)
		inserted++
	}
	m.mu.Unlock()
	if inserted > 0 {
		m.publish(TableCatalog)
	}
	return inserted, nil
}

// SaveCatalogItem inserts or replaces an item. The stock counter of an
// existing item is preserved; only ReduceStock/RestoreStock move it.
func (m *MemoryStore) SaveCatalogItem(_ context.Context, item domain.CatalogItem) error {
	m.mu.Lock()
	item = item.Clone()
	now := time.Now().UTC()
	if existing, ok := m.items[item.ID]; ok {
		item.StockCount = existing.StockCount
		item.CreatedAt = existing.CreatedAt
	} else {
		m.itemOrder = append(m.itemOrder, item.ID)
		if item.CreatedAt.IsZero() {
			item.CreatedAt = now
		}
	}
	item.UpdatedAt = now
	m.items[item.ID] = item
	m.mu.Unlock()
	m.publish(TableCatalog, item.ID)
	return nil
}

func (m *MemoryStore) GetCatalogItem(_ context.Context, id string) (domain.CatalogItem, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	item, ok := m.items[id]
	if !ok {
		return domain.CatalogItem{}, false, nil
	}
	return item.Clone(), true, nil
}

// ListCatalog returns items in insertion order.
func (m *MemoryStore) ListCatalog(_ context.Context) ([]domain.CatalogItem, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	res := make([]domain.CatalogItem, 0, len(m.itemOrder))
	for _, id := range m.itemOrder {
		if item, ok := m.items[id]; ok {
			res = append(res, item.Clone())
		}
	}
	return res, nil
}

// ReduceStock decrements under the write lock, which makes the check and the
// subtraction one step.
func (m *MemoryStore) ReduceStock(_ context.Context, itemID string, qty int) (StockLevel, error) {
	m.mu.Lock()
	item, ok := m.items[itemID]
	if !ok {
		m.mu.Unlock()
		return StockLevel{}, ErrNotFound
	}
	if item.StockCount == nil {
		m.mu.Unlock()
		return StockLevel{Unlimited: true}, nil
	}
	if *item.StockCount < qty {
		level := StockLevel{Count: *item.StockCount}
		m.mu.Unlock()
		return level, ErrInsufficientStock
	}
	remaining := *item.StockCount - qty
	item.StockCount = domain.IntPtr(remaining)
	item.UpdatedAt = time.Now().UTC()
	m.items[itemID] = item
	m.mu.Unlock()
	m.publish(TableCatalog, itemID)
	return StockLevel{Count: remaining}, nil
}

func (m *MemoryStore) RestoreStock(_ context.Context, itemID string, qty int) (StockLevel, error) {
	m.mu.Lock()
	item, ok := m.items[itemID]
	if !ok {
		m.mu.Unlock()
		return StockLevel{}, ErrNotFound
	}
	if item.StockCount == nil {
		m.mu.Unlock()
		return StockLevel{Unlimited: true}, nil
	}
	restored := *item.StockCount + qty
	item.StockCount = domain.IntPtr(restored)
	item.UpdatedAt = time.Now().UTC()
	m.items[itemID] = item
	m.mu.Unlock()
	m.publish(TableCatalog, itemID)
	return StockLevel{Count: restored}, nil
}

// InsertPurchase adds the row unless (user, item) is already owned.
func (m *MemoryStore) InsertPurchase(_ context.Context, rec domain.OwnershipRecord) (bool, error) {
	created := insertUnique(&m.mu, m.purchases, rec)
	if created {
		m.publish(TablePurchases, rec.UserID)
	}
	return created, nil
}

func (m *MemoryStore) DeletePurchase(_ context.Context, userID, itemID string) (bool, error) {
	deleted := deleteUnique(&m.mu, m.purchases, userID, itemID)
	if deleted {
		m.publish(TablePurchases, userID)
	}
	return deleted, nil
}

func (m *MemoryStore) GetPurchase(_ context.Context, userID, itemID string) (domain.OwnershipRecord, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	rec, ok := m.purchases[pairKey{userID, itemID}]
	return rec, ok, nil
}

func (m *MemoryStore) ListPurchases(_ context.Context, userID string) ([]domain.OwnershipRecord, error) {
	return listByUser(&m.mu, m.purchases, userID), nil
}

func (m *MemoryStore) InsertWishlist(_ context.Context, rec domain.OwnershipRecord) (bool, error) {
	created := insertUnique(&m.mu, m.wishlist, rec)
	if created {
		m.publish(TableWishlist, rec.UserID)
	}
	return created, nil
}

func (m *MemoryStore) DeleteWishlist(_ context.Context, userID, itemID string) (bool, error) {
	deleted := deleteUnique(&m.mu, m.wishlist, userID, itemID)
	if deleted {
		m.publish(TableWishlist, userID)
	}
	return deleted, nil
}

func (m *MemoryStore) ListWishlist(_ context.Context, userID string) ([]domain.OwnershipRecord, error) {
	return listByUser(&m.mu, m.wishlist, userID), nil
}

// AppendHistory always inserts; repeats are allowed.
func (m *MemoryStore) AppendHistory(_ context.Context, rec domain.OwnershipRecord) error {
	m.mu.Lock()
	m.history[rec.UserID] = append(m.history[rec.UserID], rec)
	m.mu.Unlock()
	m.publish(TableHistory, rec.UserID)
	return nil
}

// ListHistory returns a user's views oldest first.
func (m *MemoryStore) ListHistory(_ context.Context, userID string) ([]domain.OwnershipRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]domain.OwnershipRecord(nil), m.history[userID]...), nil
}

// InsertNotifications stores rows whose IDs are new and reports how many
// were inserted.
func (m *MemoryStore) InsertNotifications(_ context.Context, ns []domain.Notification) (int, error) {
	m.mu.Lock()
	inserted := 0
	users := make([]string, 0, len(ns))
	for _, n := range ns {
		if _, exists := m.notifications[n.ID]; exists {
			continue
		}
		m.notifySeq++
		m.notifications[n.ID] = seqNotification{n: n, seq: m.notifySeq}
		users = append(users, n.UserID)
		inserted++
	}
	m.mu.Unlock()
	if inserted > 0 {
		m.publish(TableNotifications, users...)
	}
	return inserted, nil
}

// ListNotifications returns a user's notifications newest first.
func (m *MemoryStore) ListNotifications(_ context.Context, userID string) ([]domain.Notification, error) {
	m.mu.RLock()
	rows := make([]seqNotification, 0)
	for _, sn := range m.notifications {
		if sn.n.UserID == userID {
			rows = append(rows, sn)
		}
	}
	m.mu.RUnlock()
	sort.Slice(rows, func(i, j int) bool {
		if rows[i].n.CreatedAt.Equal(rows[j].n.CreatedAt) {
			return rows[i].seq > rows[j].seq
		}
		return rows[i].n.CreatedAt.After(rows[j].n.CreatedAt)
	})
	res := make([]domain.Notification, 0, len(rows))
	for _, sn := range rows {
		res = append(res, sn.n)
	}
	return res, nil
}

func (m *MemoryStore) MarkNotificationRead(_ context.Context, id string) (bool, error) {
	m.mu.Lock()
	sn, ok := m.notifications[id]
	if !ok || sn.n.IsRead {
		m.mu.Unlock()
		return ok, nil
	}
	sn.n.IsRead = true
	m.notifications[id] = sn
	m.mu.Unlock()
	m.publish(TableNotifications, sn.n.UserID)
	return true, nil
}

func (m *MemoryStore) ClearNotifications(_ context.Context, userID string) (int, error) {
	return m.deleteNotifications(userID, func(domain.Notification) bool { return true }), nil
}

func (m *MemoryStore) DeleteProductNotifications(_ context.Context, userID, productID string) (int, error) {
	return m.deleteNotifications(userID, func(n domain.Notification) bool {
		return n.ProductID == productID
	}), nil
}

func (m *MemoryStore) deleteNotifications(userID string, match func(domain.Notification) bool) int {
	m.mu.Lock()
	deleted := 0
	for id, sn := range m.notifications {
		if sn.n.UserID == userID && match(sn.n) {
			delete(m.notifications, id)
			deleted++
		}
	}
	m.mu.Unlock()
	if deleted > 0 {
		m.publish(TableNotifications, userID)
	}
	return deleted
}

// ListRoleDiscounts returns discounts ordered by role name.
func (m *MemoryStore) ListRoleDiscounts(_ context.Context) ([]domain.RoleDiscount, error) {
	m.mu.RLock()
	res := make([]domain.RoleDiscount, 0, len(m.discounts))
	for role, pct := range m.discounts {
		res = append(res, domain.RoleDiscount{Role: role, DiscountPercent: pct})
	}
	m.mu.RUnlock()
	sort.Slice(res, func(i, j int) bool { return res[i].Role < res[j].Role })
	return res, nil
}

// SaveRoleDiscounts upserts a batch, one row per role.
func (m *MemoryStore) SaveRoleDiscounts(_ context.Context, ds []domain.RoleDiscount) error {
	m.mu.Lock()
	for _, d := range ds {
		m.discounts[d.Role] = d.DiscountPercent
	}
	m.mu.Unlock()
	m.publish(TableRoleDiscounts)
	return nil
}

// SaveReview keeps one review per (user, item); the latest write wins.
func (m *MemoryStore) SaveReview(_ context.Context, r domain.Review) error {
	m.mu.Lock()
	key := pairKey{r.UserID, r.ItemID}
	if existing, ok := m.reviews[key]; ok {
		r.ID = existing.ID
		r.CreatedAt = existing.CreatedAt
	}
	m.reviews[key] = r
	m.mu.Unlock()
	m.publish(TableReviews, r.ItemID)
	return nil
}

// ListReviews returns an item's reviews newest first.
func (m *MemoryStore) ListReviews(_ context.Context, itemID string) ([]domain.Review, error) {
	m.mu.RLock()
	res := make([]domain.Review, 0)
	for key, r := range m.reviews {
		if key.itemID == itemID {
			res = append(res, r)
		}
	}
	m.mu.RUnlock()
	sort.Slice(res, func(i, j int) bool { return res[i].UpdatedAt.After(res[j].UpdatedAt) })
	return res, nil
}

func insertUnique(mu *sync.RWMutex, table map[pairKey]domain.OwnershipRecord, rec domain.OwnershipRecord) bool {
	mu.Lock()
	defer mu.Unlock()
	key := pairKey{rec.UserID, rec.ItemID}
	if _, exists := table[key]; exists {
		return false
	}
	table[key] = rec
	return true
}

func deleteUnique(mu *sync.RWMutex, table map[pairKey]domain.OwnershipRecord, userID, itemID string) bool {
	mu.Lock()
	defer mu.Unlock()
	key := pairKey{userID, itemID}
	if _, exists := table[key]; !exists {
		return false
	}
	delete(table, key)
	return true
}

func listByUser(mu *sync.RWMutex, table map[pairKey]domain.OwnershipRecord, userID string) []domain.OwnershipRecord {
	mu.RLock()
	res := make([]domain.OwnershipRecord, 0)
	for key, rec := range table {
		if key.userID == userID {
			res = append(res, rec)
		}
	}
	mu.RUnlock()
	sort.Slice(res, func(i, j int) bool {
		if res[i].CreatedAt.Equal(res[j].CreatedAt) {
			return res[i].ItemID < res[j].ItemID
		}
		return res[i].CreatedAt.Before(res[j].CreatedAt)
	})
	return res
}
