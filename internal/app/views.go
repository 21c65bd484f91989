package app

import (
	"sort"

	"storefront/pkg/catalog"
	"storefront/pkg/domain"
	"storefront/pkg/inventory"
	"storefront/pkg/notify"
	"storefront/pkg/ownership"
	"storefront/pkg/pricing"
	"storefront/pkg/reactive"
)

// Detail is one snapshot of the product detail screen.
type Detail struct {
	ItemID      string                `json:"itemId"`
	Found       bool                  `json:"found"`
	Error       string                `json:"error,omitempty"`
	Item        *domain.CatalogItem   `json:"item,omitempty"`
	Quote       pricing.Quote         `json:"quote"`
	PriceLabel  string                `json:"priceLabel"`
	Stock       inventory.Level       `json:"stock"`
	Owned       bool                  `json:"owned"`
	Wished      bool                  `json:"wished"`
	Viewed      bool                  `json:"viewed"`
	SignedIn    bool                  `json:"signedIn"`
	Reviews     catalog.ReviewSummary `json:"reviews"`
	Action      string                `json:"action"`
	CanAcquire  bool                  `json:"canAcquire"`
	CanRemove   bool                  `json:"canRemove"`
	RemoveBlock string                `json:"removeBlockedReason,omitempty"`
}

// Card is a catalog entry as listed on the home feed.
type Card struct {
	ID         string      `json:"id"`
	Kind       domain.Kind `json:"kind"`
	Title      string      `json:"title"`
	Author     string      `json:"author"`
	Category   string      `json:"category"`
	PriceLabel string      `json:"priceLabel"`
	Discounted bool        `json:"discounted"`
	Owned      bool        `json:"owned"`
	Wished     bool        `json:"wished"`
	LowStock   bool        `json:"lowStock"`
	OutOfStock bool        `json:"outOfStock"`
}

// Section groups cards by main category.
type Section struct {
	Category string `json:"category"`
	Items    []Card `json:"items"`
}

// Home is one snapshot of the home feed.
type Home struct {
	Loading        bool      `json:"loading"`
	Error          string    `json:"error,omitempty"`
	Sections       []Section `json:"sections"`
	RecentlyViewed []Card    `json:"recentlyViewed"`
	Wishlist       []Card    `json:"wishlist"`
	Owned          []Card    `json:"owned"`
	UnreadCount    int       `json:"unreadCount"`
	SignedIn       bool      `json:"signedIn"`
}

// viewer is everything about the current user a screen depends on.
type viewer struct {
	identity  *domain.Identity
	purchased ownership.IDSet
	wished    ownership.IDSet
	viewed    ownership.IDSet
	recent    []string
	unread    int
}

func (v viewer) userID() string {
	if v.identity == nil {
		return ""
	}
	return v.identity.ID
}

type pricedViewer struct {
	viewer
	table pricing.Table
}

// viewerOf switches the per-user sequences whenever the identity changes,
// so signing out drops every ownership subscription of the previous user.
func (a *App) viewerOf(who reactive.Observable[*domain.Identity], withFeed bool) reactive.Observable[pricedViewer] {
	users := reactive.Switch(who, func(id *domain.Identity) reactive.Observable[viewer] {
		uid := ""
		if id != nil {
			uid = id.ID
		}
		sets := a.Ownership.For(uid)
		relations := reactive.Combine3(sets.Purchased, sets.Wished, sets.Viewed,
			func(p, w, v ownership.IDSet) viewer {
				return viewer{identity: id, purchased: p, wished: w, viewed: v}
			}, 0)
		if !withFeed {
			return relations
		}
		return reactive.Combine3[viewer, []string, []domain.Notification](relations, a.Ownership.RecentlyViewed(uid), a.Notifier.ForUser(uid),
			func(v viewer, recent []string, ns []domain.Notification) viewer {
				v.recent = recent
				v.unread = notify.UnreadCount(ns)
				return v
			}, 0)
	}, 0)
	return reactive.Combine2[viewer, pricing.Table](users, a.Pricing.Discounts(),
		func(v viewer, t pricing.Table) pricedViewer {
			return pricedViewer{viewer: v, table: t}
		}, 0)
}

// DetailView follows everything the detail screen of itemID shows for the
// identity emitted by who. It re-emits when the item, its stock, its
// reviews, the user's relations to it or the discount table change.
func (a *App) DetailView(who reactive.Observable[*domain.Identity], itemID string) reactive.Observable[Detail] {
	return reactive.Combine3[catalog.ItemState, catalog.ReviewSummary, pricedViewer](
		a.Catalog.Item(itemID),
		a.Catalog.Reviews(itemID),
		a.viewerOf(who, false),
		func(st catalog.ItemState, reviews catalog.ReviewSummary, v pricedViewer) Detail {
			return a.buildDetail(itemID, st, reviews, v)
		}, 0)
}

func (a *App) buildDetail(itemID string, st catalog.ItemState, reviews catalog.ReviewSummary, v pricedViewer) Detail {
	d := Detail{ItemID: itemID, Reviews: reviews, SignedIn: v.identity != nil}
	switch {
	case st.Err != nil:
		d.Error = MessageStoreUnavailable
		return d
	case !st.Found:
		d.Error = MessageUnknownItem
		return d
	}
	item := st.Item
	d.Found = true
	d.Item = &item
	d.Quote = pricing.EffectivePrice(item, v.identity, v.table)
	d.PriceLabel = d.Quote.Label()
	d.Stock = a.Inventory.LevelOf(item.ID, item.StockCount)
	d.Owned = v.purchased.Has(item.ID)
	d.Wished = v.wished.Has(item.ID)
	d.Viewed = v.viewed.Has(item.ID)
	d.CanAcquire = d.SignedIn && !d.Owned && !d.Stock.Out
	if d.Owned {
		switch {
		case !item.Free():
			d.RemoveBlock = MessagePriceRemovalNotAllowed
		case item.Physical():
			d.RemoveBlock = MessagePhysicalRemovalNotAllowed
		default:
			d.CanRemove = true
		}
	}
	d.Action = ActionLabel(item, d.Quote, d.Owned, d.Stock)
	return d
}

// HomeFeed follows the home screen for the identity emitted by who.
func (a *App) HomeFeed(who reactive.Observable[*domain.Identity]) reactive.Observable[Home] {
	return reactive.Combine2[catalog.Snapshot, pricedViewer](
		a.Catalog.Items(),
		a.viewerOf(who, true),
		a.buildHome, 0)
}

func (a *App) buildHome(snap catalog.Snapshot, v pricedViewer) Home {
	h := Home{
		Loading:        snap.Loading,
		Sections:       []Section{},
		RecentlyViewed: []Card{},
		Wishlist:       []Card{},
		Owned:          []Card{},
		UnreadCount:    v.unread,
		SignedIn:       v.identity != nil,
	}
	if snap.Err != nil {
		h.Error = MessageCatalogUnavailable
		return h
	}
	if snap.Loading {
		return h
	}

	byID := make(map[string]Card, len(snap.Items))
	index := make(map[string]int)
	for _, item := range snap.Items {
		c := a.card(item, v)
		byID[item.ID] = c
		i, ok := index[item.MainCategory]
		if !ok {
			i = len(h.Sections)
			index[item.MainCategory] = i
			h.Sections = append(h.Sections, Section{Category: item.MainCategory})
		}
		h.Sections[i].Items = append(h.Sections[i].Items, c)
	}
	sort.SliceStable(h.Sections, func(i, j int) bool { return h.Sections[i].Category < h.Sections[j].Category })

	for _, id := range v.recent {
		if c, ok := byID[id]; ok {
			h.RecentlyViewed = append(h.RecentlyViewed, c)
		}
	}
	for _, id := range v.wished.Sorted() {
		if c, ok := byID[id]; ok {
			h.Wishlist = append(h.Wishlist, c)
		}
	}
	for _, id := range v.purchased.Sorted() {
		if c, ok := byID[id]; ok {
			h.Owned = append(h.Owned, c)
		}
	}
	return h
}

func (a *App) card(item domain.CatalogItem, v pricedViewer) Card {
	q := pricing.EffectivePrice(item, v.identity, v.table)
	lvl := a.Inventory.LevelOf(item.ID, item.StockCount)
	return Card{
		ID:         item.ID,
		Kind:       item.Kind,
		Title:      item.Title,
		Author:     item.Author,
		Category:   item.MainCategory,
		PriceLabel: q.Label(),
		Discounted: q.Discounted(),
		Owned:      v.purchased.Has(item.ID),
		Wished:     v.wished.Has(item.ID),
		LowStock:   lvl.Low && !lvl.Out,
		OutOfStock: lvl.Out,
	}
}
