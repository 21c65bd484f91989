package store

import (
	"context"
	"log/slog"
	"sync"
)

type Table string

const (
	TableUsers         Table = "users"
	TableCatalog       Table = "catalog"
	TablePurchases     Table = "purchases"
	TableWishlist      Table = "wishlist"
	TableHistory       Table = "history"
	TableNotifications Table = "notifications"
	TableRoleDiscounts Table = "role_discounts"
	TableReviews       Table = "reviews"
)

// Topic selects changes of one table, optionally narrowed to a key (a user id
// for per-user tables, an item id for catalog and reviews). An empty key
// matches every change of the table.
type Topic struct {
	Table Table
	Key   string
}

// Watcher exposes change subscriptions.
type Watcher interface {
	// Watch returns a channel that receives a signal after every change on
	// topic, plus a function that ends the subscription. Signals are
	// coalesced: a reader that falls behind sees one pending signal.
	Watch(topic Topic) (<-chan struct{}, func())
}

type changeHub struct {
	mu   sync.Mutex
	subs map[Topic]map[uint64]chan struct{}
	next uint64
}

func newChangeHub() *changeHub {
	return &changeHub{subs: make(map[Topic]map[uint64]chan struct{})}
}

func (h *changeHub) Watch(topic Topic) (<-chan struct{}, func()) {
	ch := make(chan struct{}, 1)
	h.mu.Lock()
	id := h.next
	h.next++
	if h.subs[topic] == nil {
		h.subs[topic] = make(map[uint64]chan struct{})
	}
	h.subs[topic][id] = ch
	h.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			h.mu.Lock()
			delete(h.subs[topic], id)
			if len(h.subs[topic]) == 0 {
				delete(h.subs, topic)
			}
			h.mu.Unlock()
		})
	}
}

func (h *changeHub) publish(table Table, keys ...string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	signal := func(t Topic) {
		for _, ch := range h.subs[t] {
			select {
			case ch <- struct{}{}:
			default:
			}
		}
	}
	signal(Topic{Table: table})
	seen := make(map[string]struct{}, len(keys))
	for _, key := range keys {
		if key == "" {
			continue
		}
		if _, ok := seen[key]; ok {
			continue
		}
		seen[key] = struct{}{}
		signal(Topic{Table: table, Key: key})
	}
}

// Follow calls load once and then again after every change on topic, until
// ctx is done. The subscription is opened before the first load so no change
// between the load and the subscription can be missed. Load errors are logged
// and the loop keeps following.
func Follow(ctx context.Context, w Watcher, topic Topic, load func(context.Context) error) {
	changes, stop := w.Watch(topic)
	defer stop()
	run := func() {
		if err := load(ctx); err != nil && ctx.Err() == nil {
			slog.Warn("store follow load failed", "table", topic.Table, "key", topic.Key, "err", err)
		}
	}
	run()
	for {
		select {
		case <-ctx.Done():
			return
		case <-changes:
			run()
		}
	}
}
