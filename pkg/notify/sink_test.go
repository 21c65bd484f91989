package notify

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"storefront/pkg/domain"
	"storefront/pkg/reactive"
	"storefront/pkg/store"
)

type recordingPublisher struct {
	mu   sync.Mutex
	sent []domain.Notification
	err  error
}

func (p *recordingPublisher) Publish(_ context.Context, n domain.Notification) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.sent = append(p.sent, n)
	return p.err
}

func (p *recordingPublisher) count() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.sent)
}

func TestEmitOrdersNewestFirstAndDedupes(t *testing.T) {
	st := store.NewMemoryStore()
	pub := &recordingPublisher{}
	sink := New(Config{Store: st, Publisher: pub})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	base := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	_, created, err := sink.Emit(ctx, domain.Notification{ID: "n1", UserID: "u1", Type: domain.NotificationPurchase, ProductID: "P1", Title: "Bought", CreatedAt: base})
	require.NoError(t, err)
	assert.True(t, created)
	_, created, err = sink.Emit(ctx, domain.Notification{ID: "n1", UserID: "u1", Type: domain.NotificationPurchase, ProductID: "P1", Title: "Bought", CreatedAt: base})
	require.NoError(t, err)
	assert.False(t, created)
	_, _, err = sink.Emit(ctx, domain.Notification{UserID: "u1", Type: domain.NotificationLibrary, ProductID: "B1", Title: "Added", CreatedAt: base.Add(time.Minute)})
	require.NoError(t, err)

	ns, err := reactive.First(ctx, sink.ForUser("u1"))
	require.NoError(t, err)
	require.Len(t, ns, 2)
	assert.Equal(t, "B1", ns[0].ProductID)
	assert.Equal(t, 2, UnreadCount(ns))
	assert.Equal(t, 2, pub.count())

	_, _, err = sink.Emit(ctx, domain.Notification{UserID: "u1"})
	assert.ErrorIs(t, err, ErrInvalidMessage)
}

func TestMarkReadAndClear(t *testing.T) {
	st := store.NewMemoryStore()
	sink := New(Config{Store: st})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	n, _, err := sink.Emit(ctx, domain.Notification{UserID: "u1", Type: domain.NotificationPickup, Title: "Pick up"})
	require.NoError(t, err)

	ch := sink.ForUser("u1").Subscribe(ctx)
	require.Equal(t, 1, UnreadCount(<-ch))

	require.NoError(t, sink.MarkRead(ctx, n.ID))
	select {
	case ns := <-ch:
		assert.Equal(t, 0, UnreadCount(ns))
	case <-time.After(2 * time.Second):
		t.Fatalf("no emission after mark read")
	}
	assert.ErrorIs(t, sink.MarkRead(ctx, "missing"), ErrNotFound)

	cleared, err := sink.ClearAll(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, 1, cleared)
}

func TestBroadcastIsASnapshot(t *testing.T) {
	st := store.NewMemoryStore()
	pub := &recordingPublisher{}
	sink := New(Config{Store: st, Publisher: pub})
	ctx := context.Background()

	for _, id := range []string{"u1", "u2", "u3"} {
		require.NoError(t, st.SaveUser(ctx, domain.Identity{ID: id, Role: domain.RoleUser}))
	}
	n, err := sink.Broadcast(ctx, Broadcast{ID: "bc1", Title: "Sale", Message: "Everything 10% off"})
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	require.NoError(t, st.SaveUser(ctx, domain.Identity{ID: "late", Role: domain.RoleUser}))
	late, err := st.ListNotifications(ctx, "late")
	require.NoError(t, err)
	assert.Empty(t, late, "users created after a broadcast never receive it")

	n, err = sink.Broadcast(ctx, Broadcast{ID: "bc1", Title: "Sale", Message: "Everything 10% off"})
	require.NoError(t, err)
	assert.Equal(t, 1, n, "resend reaches only the user that was missing")

	u1, err := st.ListNotifications(ctx, "u1")
	require.NoError(t, err)
	assert.Len(t, u1, 1)
	assert.Equal(t, 2, pub.count())

	_, err = sink.Broadcast(ctx, Broadcast{})
	assert.ErrorIs(t, err, ErrInvalidMessage)
}

func TestPublishFailureDoesNotFailEmit(t *testing.T) {
	sink := New(Config{Store: store.NewMemoryStore(), Publisher: &recordingPublisher{err: errors.New("broker down")}})
	_, created, err := sink.Emit(context.Background(), domain.Notification{UserID: "u1", Title: "x"})
	require.NoError(t, err)
	assert.True(t, created)
}

func TestRemoveForProduct(t *testing.T) {
	st := store.NewMemoryStore()
	sink := New(Config{Store: st})
	ctx := context.Background()
	_, _, err := sink.Emit(ctx, domain.Notification{UserID: "u1", ProductID: "B1", Title: "a"})
	require.NoError(t, err)
	_, _, err = sink.Emit(ctx, domain.Notification{UserID: "u1", ProductID: "B2", Title: "b"})
	require.NoError(t, err)

	n, err := sink.RemoveForProduct(ctx, "u1", "B1")
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	left, err := st.ListNotifications(ctx, "u1")
	require.NoError(t, err)
	require.Len(t, left, 1)
	assert.Equal(t, "B2", left[0].ProductID)
}

type fakeChannel struct {
	exchange string
	key      string
	msg      amqp.Publishing
	closed   bool
}

func (f *fakeChannel) PublishWithContext(_ context.Context, exchange, key string, _, _ bool, msg amqp.Publishing) error {
	f.exchange, f.key, f.msg = exchange, key, msg
	return nil
}

func (f *fakeChannel) Close() error {
	f.closed = true
	return nil
}

func TestAMQPPublisherEncodesNotification(t *testing.T) {
	ch := &fakeChannel{}
	p := &AMQPPublisher{ch: ch, exchange: "ex"}
	n := domain.Notification{ID: "n1", UserID: "u1", Type: domain.NotificationPickup, Title: "Pick up", CreatedAt: time.Now().UTC()}
	require.NoError(t, p.Publish(context.Background(), n))

	assert.Equal(t, "ex", ch.exchange)
	assert.Equal(t, "notification.pickup", ch.key)
	assert.Equal(t, "n1", ch.msg.MessageId)
	assert.Equal(t, amqp.Persistent, ch.msg.DeliveryMode)
	var decoded domain.Notification
	require.NoError(t, json.Unmarshal(ch.msg.Body, &decoded))
	assert.Equal(t, "u1", decoded.UserID)

	require.NoError(t, p.Close())
	assert.True(t, ch.closed)

	_, err := NewAMQPPublisher("", "")
	assert.Error(t, err)
}
