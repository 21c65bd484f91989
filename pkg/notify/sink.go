// Package notify derives and deduplicates user-visible notifications.
package notify

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
	"storefront/internal/util"
	"storefront/pkg/domain"
	"storefront/pkg/reactive"
	"storefront/pkg/store"
)

var (
	ErrNotFound       = errors.New("notification not found")
	ErrInvalidMessage = errors.New("notification title required")
)

const broadcastBatch = 200

// Publisher forwards stored notifications to external renderers.
type Publisher interface {
	Publish(ctx context.Context, n domain.Notification) error
}

type Config struct {
	Store     store.Store
	Publisher Publisher
	Grace     time.Duration
	Logger    *slog.Logger
}

// Sink is the NotificationSink.
type Sink struct {
	store     store.Store
	publisher Publisher
	grace     time.Duration
	logger    *slog.Logger

	mu    sync.Mutex
	feeds map[string]*reactive.Shared[[]domain.Notification]
}

func New(cfg Config) *Sink {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Sink{
		store:     cfg.Store,
		publisher: cfg.Publisher,
		grace:     cfg.Grace,
		logger:    logger,
		feeds:     make(map[string]*reactive.Shared[[]domain.Notification]),
	}
}

// ForUser follows a user's notifications, newest first.
func (s *Sink) ForUser(userID string) reactive.Observable[[]domain.Notification] {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return reactive.Just([]domain.Notification{})
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if feed, ok := s.feeds[userID]; ok {
		return feed
	}
	feed := reactive.NewShared(func(ctx context.Context, emit func([]domain.Notification)) {
		store.Follow(ctx, s.store, store.Topic{Table: store.TableNotifications, Key: userID}, func(ctx context.Context) error {
			ns, err := s.store.ListNotifications(ctx, userID)
			if err != nil {
				return err
			}
			emit(ns)
			return nil
		})
	}, s.grace)
	s.feeds[userID] = feed
	return feed
}

// UnreadCount counts notifications not marked read.
func UnreadCount(ns []domain.Notification) int {
	n := 0
	for _, x := range ns {
		if !x.IsRead {
			n++
		}
	}
	return n
}

func (s *Sink) MarkRead(ctx context.Context, id string) error {
	found, err := s.store.MarkNotificationRead(ctx, id)
	if err != nil {
		return fmt.Errorf("mark read: %w", err)
	}
	if !found {
		return ErrNotFound
	}
	return nil
}

func (s *Sink) ClearAll(ctx context.Context, userID string) (int, error) {
	n, err := s.store.ClearNotifications(ctx, userID)
	if err != nil {
		return 0, fmt.Errorf("clear notifications: %w", err)
	}
	return n, nil
}

// Emit stores one notification and forwards it to the publisher. The id and
// timestamp are filled in when empty. Re-emitting an id already stored is a
// no-op and reports false.
func (s *Sink) Emit(ctx context.Context, n domain.Notification) (domain.Notification, bool, error) {
	if strings.TrimSpace(n.Title) == "" {
		return domain.Notification{}, false, ErrInvalidMessage
	}
	if n.ID == "" {
		n.ID = util.NewID()
	}
	if n.CreatedAt.IsZero() {
		n.CreatedAt = time.Now().UTC()
	}
	inserted, err := s.store.InsertNotifications(ctx, []domain.Notification{n})
	if err != nil {
		return domain.Notification{}, false, fmt.Errorf("insert notification: %w", err)
	}
	if inserted == 0 {
		return n, false, nil
	}
	s.publish(ctx, n)
	return n, true, nil
}

// RemoveForProduct deletes a user's notifications about one product.
func (s *Sink) RemoveForProduct(ctx context.Context, userID, productID string) (int, error) {
	n, err := s.store.DeleteProductNotifications(ctx, userID, productID)
	if err != nil {
		return 0, fmt.Errorf("delete product notifications: %w", err)
	}
	return n, nil
}

// Broadcast is an admin message fanned out to every user.
type Broadcast struct {
	ID      string `json:"id"`
	Title   string `json:"title"`
	Message string `json:"message"`
}

// Broadcast delivers b to a snapshot of the users that exist now; users
// created later never receive it. Ids are derived from the broadcast id, so
// resending the same broadcast delivers nothing new. It returns the number
// of notifications inserted.
func (s *Sink) Broadcast(ctx context.Context, b Broadcast) (int, error) {
	if strings.TrimSpace(b.Title) == "" {
		return 0, ErrInvalidMessage
	}
	if b.ID == "" {
		b.ID = util.NewID()
	}
	users, err := s.store.ListUsers(ctx)
	if err != nil {
		return 0, fmt.Errorf("list users: %w", err)
	}
	now := time.Now().UTC()
	all := make([]domain.Notification, 0, len(users))
	for _, u := range users {
		all = append(all, domain.Notification{
			ID:        b.ID + ":" + u.ID,
			UserID:    u.ID,
			Type:      domain.NotificationBroadcast,
			Title:     b.Title,
			Message:   b.Message,
			CreatedAt: now,
		})
	}

	var (
		mu    sync.Mutex
		total int
	)
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(4)
	for start := 0; start < len(all); start += broadcastBatch {
		batch := all[start:min(start+broadcastBatch, len(all))]
		g.Go(func() error {
			n, err := s.store.InsertNotifications(gctx, batch)
			if err != nil {
				return err
			}
			mu.Lock()
			total += n
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return total, fmt.Errorf("insert broadcast: %w", err)
	}
	if total > 0 && s.publisher != nil {
		// one message per broadcast; renderers fan out themselves
		s.publish(ctx, domain.Notification{ID: b.ID, Type: domain.NotificationBroadcast, Title: b.Title, Message: b.Message, CreatedAt: now})
	}
	s.logger.Info("broadcast sent", "broadcast_id", b.ID, "users", len(users), "inserted", total)
	return total, nil
}

func (s *Sink) publish(ctx context.Context, n domain.Notification) {
	if s.publisher == nil {
		return
	}
	if err := s.publisher.Publish(ctx, n); err != nil {
		s.logger.Warn("notification publish failed", "notification_id", n.ID, "type", n.Type, "err", err)
	}
}
