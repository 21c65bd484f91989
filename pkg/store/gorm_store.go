package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"os"
	"strings"
	"sync/atomic"
	"time"

	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	gormlogger "gorm.io/gorm/logger"
	"storefront/pkg/domain"
)

const migrateLockID int64 = 73217322

const sqliteScheme = "sqlite://"

// GormStore implements Store using GORM. Postgres is the production target;
// SQLite serves tests and single-file deployments.
type GormStore struct {
	*changeHub
	db  *gorm.DB
	seq atomic.Int64
}

// NewGormStore opens the DB named by dsn and runs auto-migrations. A DSN of
// the form sqlite://<path> selects SQLite; anything else is handed to the
// Postgres driver.
func NewGormStore(dsn string) (*GormStore, error) {
	if path, ok := strings.CutPrefix(dsn, sqliteScheme); ok {
		s, err := OpenGormStore(sqlite.Open(path))
		if err != nil {
			return nil, err
		}
		// SQLite allows one writer; a single connection keeps the
		// conditional stock update from failing with SQLITE_BUSY.
		if sqlDB, err := s.db.DB(); err == nil {
			sqlDB.SetMaxOpenConns(1)
		}
		return s, nil
	}
	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{Logger: newGormLogger()})
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	if err := withMigrationLock(db, migrate); err != nil {
		return nil, err
	}
	return newGormStore(db), nil
}

// OpenGormStore opens a store over an arbitrary dialector without taking the
// Postgres advisory lock.
func OpenGormStore(dialector gorm.Dialector) (*GormStore, error) {
	db, err := gorm.Open(dialector, &gorm.Config{Logger: newGormLogger()})
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	if err := migrate(db); err != nil {
		return nil, err
	}
	return newGormStore(db), nil
}

func newGormStore(db *gorm.DB) *GormStore {
	s := &GormStore{changeHub: newChangeHub(), db: db}
	s.seq.Store(time.Now().UnixNano())
	return s
}

func newGormLogger() gormlogger.Interface {
	return gormlogger.New(
		log.New(os.Stdout, "\r\n", log.LstdFlags),
		gormlogger.Config{
			SlowThreshold:             time.Second,
			LogLevel:                  gormlogger.Warn,
			IgnoreRecordNotFoundError: true,
			Colorful:                  false,
		},
	)
}

func migrate(db *gorm.DB) error {
	if err := db.AutoMigrate(
		&UserModel{},
		&CatalogItemModel{},
		&PurchaseModel{},
		&WishlistModel{},
		&HistoryModel{},
		&NotificationModel{},
		&RoleDiscountModel{},
		&ReviewModel{},
	); err != nil {
		return fmt.Errorf("auto migrate: %w", err)
	}
	return nil
}

func withMigrationLock(db *gorm.DB, fn func(*gorm.DB) error) error {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	sqlDB, err := db.DB()
	if err != nil {
		return fmt.Errorf("get sql db: %w", err)
	}
	conn, err := sqlDB.Conn(ctx)
	if err != nil {
		return fmt.Errorf("open sql conn: %w", err)
	}
	defer conn.Close()
	if err := execAdvisory(ctx, conn, "SELECT pg_advisory_lock($1)", migrateLockID); err != nil {
		return fmt.Errorf("acquire migrate lock: %w", err)
	}
	defer func() {
		_ = execAdvisory(ctx, conn, "SELECT pg_advisory_unlock($1)", migrateLockID)
	}()
	return fn(db)
}

func execAdvisory(ctx context.Context, conn *sql.Conn, query string, lockID int64) error {
	_, err := conn.ExecContext(ctx, query, lockID)
	return err
}

// SaveUser registers or updates a user.
func (s *GormStore) SaveUser(ctx context.Context, u domain.Identity) error {
	model := userToModel(u)
	if model.CreatedAt.IsZero() {
		model.CreatedAt = time.Now().UTC()
	}
	model.UpdatedAt = time.Now().UTC()
	err := s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "id"}},
		DoUpdates: clause.AssignmentColumns([]string{"display_name", "email", "role", "discount_override_percent", "updated_at"}),
	}).Create(&model).Error
	if err != nil {
		return err
	}
	s.publish(TableUsers, u.ID)
	return nil
}

// GetUser returns a user by ID.
func (s *GormStore) GetUser(ctx context.Context, id string) (domain.Identity, bool, error) {
	var model UserModel
	if err := s.db.WithContext(ctx).First(&model, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return domain.Identity{}, false, nil
		}
		return domain.Identity{}, false, err
	}
	return userFromModel(model), true, nil
}

// ListUsers returns all users ordered by created_at.
func (s *GormStore) ListUsers(ctx context.Context) ([]domain.Identity, error) {
	var models []UserModel
	if err := s.db.WithContext(ctx).Order("created_at ASC").Order("id ASC").Find(&models).Error; err != nil {
		return nil, err
	}
	res := make([]domain.Identity, 0, len(models))
	for _, m := range models {
		res = append(res, userFromModel(m))
	}
	return res, nil
}

func (s *GormStore) CatalogCount(ctx context.Context) (int, error) {
	var count int64
	if err := s.db.WithContext(ctx).Model(&CatalogItemModel{}).Count(&count).Error; err != nil {
		return 0, err
	}
	return int(count), nil
}

// InsertCatalogItems inserts items whose IDs are absent. Conflicting rows are
// skipped, so concurrent seeders cannot duplicate the catalog.
func (s *GormStore) InsertCatalogItems(ctx context.Context, items []domain.CatalogItem) (int, error) {
	if len(items) == 0 {
		return 0, nil
	}
	now := time.Now().UTC()
	models := make([]CatalogItemModel, 0, len(items))
	for i, item := range items {
		model, err := itemToModel(item)
		if err != nil {
			return 0, err
		}
		if model.CreatedAt.IsZero() {
			// keep seed order stable for listings
			model.CreatedAt = now.Add(time.Duration(i) * time.Microsecond)
		}
		model.UpdatedAt = now
		models = append(models, model)
	}
	res := s.db.WithContext(ctx).Clauses(clause.OnConflict{DoNothing: true}).Create(&models)
	if res.Error != nil {
		return 0, res.Error
	}
	if res.RowsAffected > 0 {
		s.publish(TableCatalog)
	}
	return int(res.RowsAffected), nil
}

// SaveCatalogItem upserts an item, leaving the stock counter of an existing
// row untouched.
func (s *GormStore) SaveCatalogItem(ctx context.Context, item domain.CatalogItem) error {
	model, err := itemToModel(item)
	if err != nil {
		return err
	}
	now := time.Now().UTC()
	if model.CreatedAt.IsZero() {
		model.CreatedAt = now
	}
	model.UpdatedAt = now
	err = s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "id"}},
		DoUpdates: clause.AssignmentColumns([]string{
			"kind", "title", "author", "main_category", "sub_category", "price", "tags", "details", "updated_at",
		}),
	}).Create(&model).Error
	if err != nil {
		return err
	}
	s.publish(TableCatalog, item.ID)
	return nil
}

func (s *GormStore) GetCatalogItem(ctx context.Context, id string) (domain.CatalogItem, bool, error) {
	var model CatalogItemModel
	if err := s.db.WithContext(ctx).First(&model, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return domain.CatalogItem{}, false, nil
		}
		return domain.CatalogItem{}, false, err
	}
	return itemFromModel(model), true, nil
}

func (s *GormStore) ListCatalog(ctx context.Context) ([]domain.CatalogItem, error) {
	var models []CatalogItemModel
	if err := s.db.WithContext(ctx).Order("created_at ASC").Order("id ASC").Find(&models).Error; err != nil {
		return nil, err
	}
	res := make([]domain.CatalogItem, 0, len(models))
	for _, m := range models {
		res = append(res, itemFromModel(m))
	}
	return res, nil
}

// ReduceStock issues one conditional UPDATE; the WHERE clause carries the
// availability check so two callers can never both decrement past zero.
func (s *GormStore) ReduceStock(ctx context.Context, itemID string, qty int) (StockLevel, error) {
	return s.moveStock(ctx, itemID, func(tx *gorm.DB) *gorm.DB {
		return tx.Model(&CatalogItemModel{}).
			Where("id = ? AND stock_count IS NOT NULL AND stock_count >= ?", itemID, qty).
			Updates(map[string]any{
				"stock_count": gorm.Expr("stock_count - ?", qty),
				"updated_at":  time.Now().UTC(),
			})
	})
}

func (s *GormStore) RestoreStock(ctx context.Context, itemID string, qty int) (StockLevel, error) {
	return s.moveStock(ctx, itemID, func(tx *gorm.DB) *gorm.DB {
		return tx.Model(&CatalogItemModel{}).
			Where("id = ? AND stock_count IS NOT NULL", itemID).
			Updates(map[string]any{
				"stock_count": gorm.Expr("stock_count + ?", qty),
				"updated_at":  time.Now().UTC(),
			})
	})
}

func (s *GormStore) moveStock(ctx context.Context, itemID string, update func(*gorm.DB) *gorm.DB) (StockLevel, error) {
	var level StockLevel
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		res := update(tx)
		if res.Error != nil {
			return res.Error
		}
		var model CatalogItemModel
		if err := tx.Select("id", "stock_count").First(&model, "id = ?", itemID).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return ErrNotFound
			}
			return err
		}
		if model.StockCount == nil {
			level = StockLevel{Unlimited: true}
			return nil
		}
		level = StockLevel{Count: *model.StockCount}
		if res.RowsAffected == 0 {
			return ErrInsufficientStock
		}
		return nil
	})
	if err == nil && !level.Unlimited {
		s.publish(TableCatalog, itemID)
	}
	return level, err
}

func (s *GormStore) InsertPurchase(ctx context.Context, rec domain.OwnershipRecord) (bool, error) {
	model := PurchaseModel(recordToModel(rec))
	res := s.db.WithContext(ctx).Clauses(clause.OnConflict{DoNothing: true}).Create(&model)
	if res.Error != nil {
		return false, res.Error
	}
	if res.RowsAffected == 0 {
		return false, nil
	}
	s.publish(TablePurchases, rec.UserID)
	return true, nil
}

func (s *GormStore) DeletePurchase(ctx context.Context, userID, itemID string) (bool, error) {
	res := s.db.WithContext(ctx).Delete(&PurchaseModel{}, "user_id = ? AND item_id = ?", userID, itemID)
	if res.Error != nil {
		return false, res.Error
	}
	if res.RowsAffected == 0 {
		return false, nil
	}
	s.publish(TablePurchases, userID)
	return true, nil
}

func (s *GormStore) GetPurchase(ctx context.Context, userID, itemID string) (domain.OwnershipRecord, bool, error) {
	var model PurchaseModel
	if err := s.db.WithContext(ctx).First(&model, "user_id = ? AND item_id = ?", userID, itemID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return domain.OwnershipRecord{}, false, nil
		}
		return domain.OwnershipRecord{}, false, err
	}
	return recordFromModel(recordModel(model)), true, nil
}

func (s *GormStore) ListPurchases(ctx context.Context, userID string) ([]domain.OwnershipRecord, error) {
	var models []PurchaseModel
	if err := s.db.WithContext(ctx).Where("user_id = ?", userID).Order("created_at ASC").Find(&models).Error; err != nil {
		return nil, err
	}
	res := make([]domain.OwnershipRecord, 0, len(models))
	for _, m := range models {
		res = append(res, recordFromModel(recordModel(m)))
	}
	return res, nil
}

func (s *GormStore) InsertWishlist(ctx context.Context, rec domain.OwnershipRecord) (bool, error) {
	model := WishlistModel(recordToModel(rec))
	res := s.db.WithContext(ctx).Clauses(clause.OnConflict{DoNothing: true}).Create(&model)
	if res.Error != nil {
		return false, res.Error
	}
	if res.RowsAffected == 0 {
		return false, nil
	}
	s.publish(TableWishlist, rec.UserID)
	return true, nil
}

func (s *GormStore) DeleteWishlist(ctx context.Context, userID, itemID string) (bool, error) {
	res := s.db.WithContext(ctx).Delete(&WishlistModel{}, "user_id = ? AND item_id = ?", userID, itemID)
	if res.Error != nil {
		return false, res.Error
	}
	if res.RowsAffected == 0 {
		return false, nil
	}
	s.publish(TableWishlist, userID)
	return true, nil
}

func (s *GormStore) ListWishlist(ctx context.Context, userID string) ([]domain.OwnershipRecord, error) {
	var models []WishlistModel
	if err := s.db.WithContext(ctx).Where("user_id = ?", userID).Order("created_at ASC").Find(&models).Error; err != nil {
		return nil, err
	}
	res := make([]domain.OwnershipRecord, 0, len(models))
	for _, m := range models {
		res = append(res, recordFromModel(recordModel(m)))
	}
	return res, nil
}

func (s *GormStore) AppendHistory(ctx context.Context, rec domain.OwnershipRecord) error {
	model := HistoryModel(recordToModel(rec))
	if err := s.db.WithContext(ctx).Create(&model).Error; err != nil {
		return err
	}
	s.publish(TableHistory, rec.UserID)
	return nil
}

func (s *GormStore) ListHistory(ctx context.Context, userID string) ([]domain.OwnershipRecord, error) {
	var models []HistoryModel
	if err := s.db.WithContext(ctx).Where("user_id = ?", userID).Order("created_at ASC").Find(&models).Error; err != nil {
		return nil, err
	}
	res := make([]domain.OwnershipRecord, 0, len(models))
	for _, m := range models {
		res = append(res, recordFromModel(recordModel(m)))
	}
	return res, nil
}

// InsertNotifications inserts rows whose IDs are new.
func (s *GormStore) InsertNotifications(ctx context.Context, ns []domain.Notification) (int, error) {
	if len(ns) == 0 {
		return 0, nil
	}
	models := make([]NotificationModel, 0, len(ns))
	users := make([]string, 0, len(ns))
	for _, n := range ns {
		model := notificationToModel(n)
		model.Seq = s.seq.Add(1)
		models = append(models, model)
		users = append(users, n.UserID)
	}
	res := s.db.WithContext(ctx).Clauses(clause.OnConflict{DoNothing: true}).CreateInBatches(&models, 200)
	if res.Error != nil {
		return 0, res.Error
	}
	if res.RowsAffected > 0 {
		s.publish(TableNotifications, users...)
	}
	return int(res.RowsAffected), nil
}

// ListNotifications returns a user's notifications newest first.
func (s *GormStore) ListNotifications(ctx context.Context, userID string) ([]domain.Notification, error) {
	var models []NotificationModel
	if err := s.db.WithContext(ctx).Where("user_id = ?", userID).
		Order("created_at DESC").
		Order("seq DESC").
		Find(&models).Error; err != nil {
		return nil, err
	}
	res := make([]domain.Notification, 0, len(models))
	for _, m := range models {
		res = append(res, notificationFromModel(m))
	}
	return res, nil
}

func (s *GormStore) MarkNotificationRead(ctx context.Context, id string) (bool, error) {
	var model NotificationModel
	if err := s.db.WithContext(ctx).Select("id", "user_id").First(&model, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return false, nil
		}
		return false, err
	}
	res := s.db.WithContext(ctx).Model(&NotificationModel{}).
		Where("id = ? AND is_read = ?", id, false).
		Update("is_read", true)
	if res.Error != nil {
		return false, res.Error
	}
	if res.RowsAffected > 0 {
		s.publish(TableNotifications, model.UserID)
	}
	return true, nil
}

func (s *GormStore) ClearNotifications(ctx context.Context, userID string) (int, error) {
	res := s.db.WithContext(ctx).Delete(&NotificationModel{}, "user_id = ?", userID)
	if res.Error != nil {
		return 0, res.Error
	}
	if res.RowsAffected > 0 {
		s.publish(TableNotifications, userID)
	}
	return int(res.RowsAffected), nil
}

func (s *GormStore) DeleteProductNotifications(ctx context.Context, userID, productID string) (int, error) {
	res := s.db.WithContext(ctx).Delete(&NotificationModel{}, "user_id = ? AND product_id = ?", userID, productID)
	if res.Error != nil {
		return 0, res.Error
	}
	if res.RowsAffected > 0 {
		s.publish(TableNotifications, userID)
	}
	return int(res.RowsAffected), nil
}

func (s *GormStore) ListRoleDiscounts(ctx context.Context) ([]domain.RoleDiscount, error) {
	var models []RoleDiscountModel
	if err := s.db.WithContext(ctx).Order("role ASC").Find(&models).Error; err != nil {
		return nil, err
	}
	res := make([]domain.RoleDiscount, 0, len(models))
	for _, m := range models {
		res = append(res, domain.RoleDiscount{Role: domain.Role(m.Role), DiscountPercent: m.DiscountPercent})
	}
	return res, nil
}

// SaveRoleDiscounts upserts the batch in one transaction.
func (s *GormStore) SaveRoleDiscounts(ctx context.Context, ds []domain.RoleDiscount) error {
	if len(ds) == 0 {
		return nil
	}
	now := time.Now().UTC()
	models := make([]RoleDiscountModel, 0, len(ds))
	for _, d := range ds {
		models = append(models, RoleDiscountModel{Role: string(d.Role), DiscountPercent: d.DiscountPercent, UpdatedAt: now})
	}
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return tx.Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "role"}},
			DoUpdates: clause.AssignmentColumns([]string{"discount_percent", "updated_at"}),
		}).Create(&models).Error
	})
	if err != nil {
		return err
	}
	s.publish(TableRoleDiscounts)
	return nil
}

func (s *GormStore) SaveReview(ctx context.Context, r domain.Review) error {
	model := ReviewModel{
		ID:        r.ID,
		UserID:    r.UserID,
		ItemID:    r.ItemID,
		Rating:    r.Rating,
		Comment:   r.Comment,
		CreatedAt: r.CreatedAt,
		UpdatedAt: r.UpdatedAt,
	}
	err := s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "user_id"}, {Name: "item_id"}},
		DoUpdates: clause.AssignmentColumns([]string{"rating", "comment", "updated_at"}),
	}).Create(&model).Error
	if err != nil {
		return err
	}
	s.publish(TableReviews, r.ItemID)
	return nil
}

func (s *GormStore) ListReviews(ctx context.Context, itemID string) ([]domain.Review, error) {
	var models []ReviewModel
	if err := s.db.WithContext(ctx).Where("item_id = ?", itemID).Order("updated_at DESC").Find(&models).Error; err != nil {
		return nil, err
	}
	res := make([]domain.Review, 0, len(models))
	for _, m := range models {
		res = append(res, domain.Review{
			ID:        m.ID,
			UserID:    m.UserID,
			ItemID:    m.ItemID,
			Rating:    m.Rating,
			Comment:   m.Comment,
			CreatedAt: m.CreatedAt,
			UpdatedAt: m.UpdatedAt,
		})
	}
	return res, nil
}

func userToModel(u domain.Identity) UserModel {
	return UserModel{
		ID:                      u.ID,
		DisplayName:             u.DisplayName,
		Email:                   u.Email,
		Role:                    string(u.Role),
		DiscountOverridePercent: u.DiscountOverridePercent,
		CreatedAt:               u.CreatedAt,
		UpdatedAt:               u.UpdatedAt,
	}
}

func userFromModel(m UserModel) domain.Identity {
	return domain.Identity{
		ID:                      m.ID,
		DisplayName:             m.DisplayName,
		Email:                   m.Email,
		Role:                    domain.ParseRole(m.Role),
		DiscountOverridePercent: m.DiscountOverridePercent,
		CreatedAt:               m.CreatedAt,
		UpdatedAt:               m.UpdatedAt,
	}
}

type itemDetails struct {
	Book   *domain.BookInfo   `json:"book,omitempty"`
	Audio  *domain.AudioInfo  `json:"audio,omitempty"`
	Gear   *domain.GearInfo   `json:"gear,omitempty"`
	Course *domain.CourseInfo `json:"course,omitempty"`
}

func itemToModel(item domain.CatalogItem) (CatalogItemModel, error) {
	tags, err := json.Marshal(item.Tags)
	if err != nil {
		return CatalogItemModel{}, fmt.Errorf("encode tags: %w", err)
	}
	details, err := json.Marshal(itemDetails{Book: item.Book, Audio: item.Audio, Gear: item.Gear, Course: item.Course})
	if err != nil {
		return CatalogItemModel{}, fmt.Errorf("encode details: %w", err)
	}
	return CatalogItemModel{
		ID:           item.ID,
		Kind:         string(item.Kind),
		Title:        item.Title,
		Author:       item.Author,
		MainCategory: item.MainCategory,
		SubCategory:  item.SubCategory,
		Price:        item.Price,
		StockCount:   item.StockCount,
		Tags:         tags,
		Details:      details,
		CreatedAt:    item.CreatedAt,
		UpdatedAt:    item.UpdatedAt,
	}, nil
}

func itemFromModel(m CatalogItemModel) domain.CatalogItem {
	var tags []string
	if len(m.Tags) > 0 {
		_ = json.Unmarshal(m.Tags, &tags)
	}
	var details itemDetails
	if len(m.Details) > 0 {
		_ = json.Unmarshal(m.Details, &details)
	}
	return domain.CatalogItem{
		ID:           m.ID,
		Kind:         domain.Kind(m.Kind),
		Title:        m.Title,
		Author:       m.Author,
		MainCategory: m.MainCategory,
		SubCategory:  m.SubCategory,
		Price:        m.Price,
		StockCount:   m.StockCount,
		Tags:         tags,
		Book:         details.Book,
		Audio:        details.Audio,
		Gear:         details.Gear,
		Course:       details.Course,
		CreatedAt:    m.CreatedAt,
		UpdatedAt:    m.UpdatedAt,
	}
}

// recordModel is the shared layout of the purchase, wishlist and history
// tables; the concrete models convert to and from it.
type recordModel struct {
	ID        string
	UserID    string
	ItemID    string
	CreatedAt time.Time
}

func recordToModel(rec domain.OwnershipRecord) recordModel {
	createdAt := rec.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now().UTC()
	}
	return recordModel{ID: rec.ID, UserID: rec.UserID, ItemID: rec.ItemID, CreatedAt: createdAt}
}

func recordFromModel(m recordModel) domain.OwnershipRecord {
	return domain.OwnershipRecord{ID: m.ID, UserID: m.UserID, ItemID: m.ItemID, CreatedAt: m.CreatedAt}
}

func notificationToModel(n domain.Notification) NotificationModel {
	return NotificationModel{
		ID:        n.ID,
		UserID:    n.UserID,
		Type:      string(n.Type),
		ProductID: n.ProductID,
		Title:     n.Title,
		Message:   n.Message,
		IsRead:    n.IsRead,
		CreatedAt: n.CreatedAt,
	}
}

func notificationFromModel(m NotificationModel) domain.Notification {
	return domain.Notification{
		ID:        m.ID,
		UserID:    m.UserID,
		Type:      domain.NotificationType(m.Type),
		ProductID: m.ProductID,
		Title:     m.Title,
		Message:   m.Message,
		IsRead:    m.IsRead,
		CreatedAt: m.CreatedAt,
	}
}

// Close releases the underlying connection pool.
func (s *GormStore) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}
