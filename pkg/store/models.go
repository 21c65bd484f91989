package store

import (
	"time"

	"gorm.io/datatypes"
)

// GORM models used for persistence.
type UserModel struct {
	ID                      string `gorm:"primaryKey"`
	DisplayName             string
	Email                   string `gorm:"index"`
	Role                    string `gorm:"not null"`
	DiscountOverridePercent *float64
	CreatedAt               time.Time `gorm:"not null;index"`
	UpdatedAt               time.Time
}

type CatalogItemModel struct {
	ID           string `gorm:"primaryKey"`
	Kind         string `gorm:"not null;index"`
	Title        string `gorm:"not null"`
	Author       string
	MainCategory string `gorm:"index"`
	SubCategory  string
	Price        float64 `gorm:"not null"`
	StockCount   *int
	Tags         datatypes.JSON
	Details      datatypes.JSON
	CreatedAt    time.Time `gorm:"not null"`
	UpdatedAt    time.Time `gorm:"not null"`
}

type PurchaseModel struct {
	ID        string    `gorm:"primaryKey"`
	UserID    string    `gorm:"not null;uniqueIndex:ux_purchase_user_item,priority:1"`
	ItemID    string    `gorm:"not null;uniqueIndex:ux_purchase_user_item,priority:2"`
	CreatedAt time.Time `gorm:"not null"`
}

type WishlistModel struct {
	ID        string    `gorm:"primaryKey"`
	UserID    string    `gorm:"not null;uniqueIndex:ux_wishlist_user_item,priority:1"`
	ItemID    string    `gorm:"not null;uniqueIndex:ux_wishlist_user_item,priority:2"`
	CreatedAt time.Time `gorm:"not null"`
}

type HistoryModel struct {
	ID        string    `gorm:"primaryKey"`
	UserID    string    `gorm:"not null;index"`
	ItemID    string    `gorm:"not null"`
	CreatedAt time.Time `gorm:"not null;index"`
}

type NotificationModel struct {
	ID        string `gorm:"primaryKey"`
	UserID    string `gorm:"not null;index"`
	Type      string `gorm:"not null"`
	ProductID string `gorm:"index"`
	Title     string `gorm:"not null"`
	Message   string `gorm:"type:text"`
	IsRead    bool   `gorm:"not null;default:false"`
	Seq       int64
	CreatedAt time.Time `gorm:"not null;index"`
}

type RoleDiscountModel struct {
	Role            string  `gorm:"primaryKey"`
	DiscountPercent float64 `gorm:"not null"`
	UpdatedAt       time.Time
}

type ReviewModel struct {
	ID        string `gorm:"primaryKey"`
	UserID    string `gorm:"not null;uniqueIndex:ux_review_user_item,priority:1"`
	ItemID    string `gorm:"not null;uniqueIndex:ux_review_user_item,priority:2;index"`
	Rating    int    `gorm:"not null"`
	Comment   string `gorm:"type:text"`
	CreatedAt time.Time
	UpdatedAt time.Time
}
