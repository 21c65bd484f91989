package domain

import "time"

type Role string

const (
	RoleUser    Role = "user"
	RoleStudent Role = "student"
	RoleTeacher Role = "teacher"
	RoleAdmin   Role = "admin"
)

// ParseRole normalizes a role name. Unknown names map to RoleUser.
func ParseRole(s string) Role {
	switch Role(s) {
	case RoleStudent, RoleTeacher, RoleAdmin:
		return Role(s)
	default:
		return RoleUser
	}
}

// Identity is the local mirror of a signed-in user.
type Identity struct {
	ID                      string    `json:"id"`
	DisplayName             string    `json:"displayName"`
	Email                   string    `json:"email"`
	Role                    Role      `json:"role"`
	DiscountOverridePercent *float64  `json:"discountOverridePercent,omitempty"`
	CreatedAt               time.Time `json:"createdAt"`
	UpdatedAt               time.Time `json:"updatedAt"`
}

type Kind string

const (
	KindBook      Kind = "book"
	KindAudioBook Kind = "audiobook"
	KindGear      Kind = "gear"
	KindCourse    Kind = "course"
)

// Valid reports whether k is one of the known catalog kinds.
func (k Kind) Valid() bool {
	switch k {
	case KindBook, KindAudioBook, KindGear, KindCourse:
		return true
	}
	return false
}

type BookInfo struct {
	Pages   int    `json:"pages,omitempty" yaml:"pages"`
	ISBN    string `json:"isbn,omitempty" yaml:"isbn"`
	FileKey string `json:"fileKey,omitempty" yaml:"fileKey"`
}

type AudioInfo struct {
	Narrator        string `json:"narrator,omitempty" yaml:"narrator"`
	DurationMinutes int    `json:"durationMinutes,omitempty" yaml:"durationMinutes"`
}

type GearInfo struct {
	Brand string `json:"brand,omitempty" yaml:"brand"`
	Size  string `json:"size,omitempty" yaml:"size"`
}

type CourseInfo struct {
	Instructor string `json:"instructor,omitempty" yaml:"instructor"`
	Lessons    int    `json:"lessons,omitempty" yaml:"lessons"`
}

// CatalogItem is the shared shape for every product kind. Exactly one of the
// detail blocks matching Kind may be set.
type CatalogItem struct {
	ID           string      `json:"id" yaml:"id"`
	Kind         Kind        `json:"kind" yaml:"kind"`
	Title        string      `json:"title" yaml:"title"`
	Author       string      `json:"author" yaml:"author"`
	MainCategory string      `json:"mainCategory" yaml:"mainCategory"`
	SubCategory  string      `json:"subCategory" yaml:"subCategory"`
	Price        float64     `json:"price" yaml:"price"`
	StockCount   *int        `json:"stockCount,omitempty" yaml:"stockCount"`
	Tags         []string    `json:"tags,omitempty" yaml:"tags"`
	Book         *BookInfo   `json:"book,omitempty" yaml:"book"`
	Audio        *AudioInfo  `json:"audio,omitempty" yaml:"audio"`
	Gear         *GearInfo   `json:"gear,omitempty" yaml:"gear"`
	Course       *CourseInfo `json:"course,omitempty" yaml:"course"`
	CreatedAt    time.Time   `json:"createdAt" yaml:"-"`
	UpdatedAt    time.Time   `json:"updatedAt" yaml:"-"`
}

func (c CatalogItem) IsAudio() bool { return c.Kind == KindAudioBook }

// Physical reports whether the item is a tangible good handed over at a counter.
func (c CatalogItem) Physical() bool { return c.Kind == KindGear }

func (c CatalogItem) Free() bool { return c.Price <= 0 }

// Unlimited reports whether the item has no finite stock counter.
func (c CatalogItem) Unlimited() bool { return c.StockCount == nil }

// OwnershipRecord is a (user, item, time) tuple used by purchases, the
// wishlist and the view history.
type OwnershipRecord struct {
	ID        string    `json:"id"`
	UserID    string    `json:"userId"`
	ItemID    string    `json:"itemId"`
	CreatedAt time.Time `json:"createdAt"`
}

type RoleDiscount struct {
	Role            Role    `json:"role" yaml:"role"`
	DiscountPercent float64 `json:"discountPercent" yaml:"discountPercent"`
}

type NotificationType string

const (
	NotificationPurchase  NotificationType = "purchase"
	NotificationPickup    NotificationType = "pickup"
	NotificationLibrary   NotificationType = "library"
	NotificationBroadcast NotificationType = "broadcast"
)

type Notification struct {
	ID        string           `json:"id"`
	UserID    string           `json:"userId"`
	Type      NotificationType `json:"type"`
	ProductID string           `json:"productId,omitempty"`
	Title     string           `json:"title"`
	Message   string           `json:"message"`
	IsRead    bool             `json:"isRead"`
	CreatedAt time.Time        `json:"timestamp"`
}

type Review struct {
	ID        string    `json:"id"`
	UserID    string    `json:"userId"`
	ItemID    string    `json:"itemId"`
	Rating    int       `json:"rating"`
	Comment   string    `json:"comment,omitempty"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// IntPtr is a convenience for optional stock counts in literals.
func IntPtr(v int) *int { return &v }

// FloatPtr is a convenience for optional discount overrides in literals.
func FloatPtr(v float64) *float64 { return &v }

// Clone returns a deep copy so snapshots handed to readers stay immutable.
func (c CatalogItem) Clone() CatalogItem {
	out := c
	if c.StockCount != nil {
		out.StockCount = IntPtr(*c.StockCount)
	}
	if c.Tags != nil {
		out.Tags = append([]string(nil), c.Tags...)
	}
	if c.Book != nil {
		b := *c.Book
		out.Book = &b
	}
	if c.Audio != nil {
		a := *c.Audio
		out.Audio = &a
	}
	if c.Gear != nil {
		g := *c.Gear
		out.Gear = &g
	}
	if c.Course != nil {
		cr := *c.Course
		out.Course = &cr
	}
	return out
}

// Clone returns a copy that does not share the override pointer.
func (i Identity) Clone() Identity {
	out := i
	if i.DiscountOverridePercent != nil {
		out.DiscountOverridePercent = FloatPtr(*i.DiscountOverridePercent)
	}
	return out
}
