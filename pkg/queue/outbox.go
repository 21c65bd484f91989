// Package queue is a Redis stream outbox for notification deliveries. Emits
// land in the stream immediately; workers hand them to the broker and retry
// failed deliveries until they run out of attempts.
package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"storefront/internal/util"
	"storefront/pkg/domain"
)

const (
	StatusQueued     = "queued"
	StatusDelivering = "delivering"
	StatusDelivered  = "delivered"
	StatusFailed     = "failed"
)

// Delivery tracks one notification on its way to the broker.
type Delivery struct {
	ID           string              `json:"id"`
	Notification domain.Notification `json:"notification"`
	Status       string              `json:"status"`
	ErrorMessage string              `json:"errorMessage,omitempty"`
	Attempts     int                 `json:"attempts"`
	CreatedAt    time.Time           `json:"createdAt"`
	UpdatedAt    time.Time           `json:"updatedAt"`
}

// Handler delivers one notification. A non-nil error schedules a retry.
type Handler func(ctx context.Context, d Delivery) error

type OutboxConfig struct {
	Stream     string
	Group      string
	Consumer   string
	StatusTTL  time.Duration
	MaxRetries int
	Block      time.Duration
	ClaimIdle  time.Duration
	RetryDelay time.Duration
	MaxLen     int64
	ReadCount  int64
	Logger     *slog.Logger
}

// RedisOutbox implements notify.Publisher by enqueueing.
type RedisOutbox struct {
	client       *redis.Client
	stream       string
	group        string
	consumerBase string
	statusTTL    time.Duration
	maxRetries   int
	block        time.Duration
	claimIdle    time.Duration
	retryDelay   time.Duration
	maxLen       int64
	readCount    int64
	logger       *slog.Logger
	once         sync.Once
}

// NewRedisOutbox uses client without taking ownership of it.
func NewRedisOutbox(client *redis.Client, cfg OutboxConfig) (*RedisOutbox, error) {
	if client == nil {
		return nil, errors.New("redis client required")
	}
	stream := strings.TrimSpace(cfg.Stream)
	if stream == "" {
		return nil, errors.New("outbox stream required")
	}
	o := &RedisOutbox{
		client:       client,
		stream:       stream,
		group:        strings.TrimSpace(cfg.Group),
		consumerBase: strings.TrimSpace(cfg.Consumer),
		statusTTL:    cfg.StatusTTL,
		maxRetries:   cfg.MaxRetries,
		block:        cfg.Block,
		claimIdle:    cfg.ClaimIdle,
		retryDelay:   cfg.RetryDelay,
		maxLen:       cfg.MaxLen,
		readCount:    cfg.ReadCount,
		logger:       cfg.Logger,
	}
	if o.group == "" {
		o.group = "notifications"
	}
	if o.consumerBase == "" {
		o.consumerBase = util.NewID()
	}
	if o.statusTTL <= 0 {
		o.statusTTL = 24 * time.Hour
	}
	if o.maxRetries <= 0 {
		o.maxRetries = 5
	}
	if o.block <= 0 {
		o.block = 5 * time.Second
	}
	if o.claimIdle <= 0 {
		o.claimIdle = 30 * time.Second
	}
	if o.retryDelay <= 0 {
		o.retryDelay = time.Second
	}
	if o.maxLen <= 0 {
		o.maxLen = 10000
	}
	if o.readCount <= 0 {
		o.readCount = 10
	}
	if o.logger == nil {
		o.logger = slog.Default()
	}
	return o, nil
}

// Publish enqueues n for delivery.
func (o *RedisOutbox) Publish(ctx context.Context, n domain.Notification) error {
	_, err := o.Enqueue(ctx, n)
	return err
}

func (o *RedisOutbox) Enqueue(ctx context.Context, n domain.Notification) (Delivery, error) {
	if strings.TrimSpace(n.ID) == "" {
		return Delivery{}, errors.New("notification id required")
	}
	payload, err := json.Marshal(n)
	if err != nil {
		return Delivery{}, fmt.Errorf("encode notification: %w", err)
	}
	now := time.Now().UTC()
	d := Delivery{
		ID:           util.NewID(),
		Notification: n,
		Status:       StatusQueued,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if err := o.writeStatus(ctx, d); err != nil {
		return Delivery{}, err
	}
	if err := o.client.XAdd(ctx, o.addArgs(d.ID, string(payload))).Err(); err != nil {
		return Delivery{}, err
	}
	return d, nil
}

// Get returns the delivery status recorded for id.
func (o *RedisOutbox) Get(ctx context.Context, id string) (Delivery, bool, error) {
	id = strings.TrimSpace(id)
	if id == "" {
		return Delivery{}, false, nil
	}
	data, err := o.client.HGetAll(ctx, o.statusKey(id)).Result()
	if err != nil {
		return Delivery{}, false, err
	}
	if len(data) == 0 {
		return Delivery{}, false, nil
	}
	return decodeDelivery(id, data), true, nil
}

// Start runs concurrency consumers until ctx is done.
func (o *RedisOutbox) Start(ctx context.Context, concurrency int, handler Handler) {
	if concurrency <= 0 {
		concurrency = 1
	}
	o.ensureGroup(ctx)
	for i := 0; i < concurrency; i++ {
		consumer := fmt.Sprintf("%s-%d", o.consumerBase, i)
		go o.consumeLoop(ctx, consumer, handler)
	}
}

func (o *RedisOutbox) ensureGroup(ctx context.Context) {
	o.once.Do(func() {
		err := o.client.XGroupCreateMkStream(ctx, o.stream, o.group, "0").Err()
		if err != nil && !strings.Contains(err.Error(), "BUSYGROUP") {
			o.logger.Warn("outbox group create failed", "stream", o.stream, "err", err)
		}
	})
}

func (o *RedisOutbox) consumeLoop(ctx context.Context, consumer string, handler Handler) {
	for ctx.Err() == nil {
		if msgs, err := o.claimPending(ctx, consumer); err == nil {
			for _, msg := range msgs {
				o.handleMessage(ctx, msg, handler)
			}
		}
		streams, err := o.client.XReadGroup(ctx, &redis.XReadGroupArgs{
			Group:    o.group,
			Consumer: consumer,
			Streams:  []string{o.stream, ">"},
			Count:    o.readCount,
			Block:    o.block,
		}).Result()
		if err != nil {
			continue
		}
		for _, stream := range streams {
			for _, msg := range stream.Messages {
				o.handleMessage(ctx, msg, handler)
			}
		}
	}
}

func (o *RedisOutbox) claimPending(ctx context.Context, consumer string) ([]redis.XMessage, error) {
	res, _, err := o.client.XAutoClaim(ctx, &redis.XAutoClaimArgs{
		Stream:   o.stream,
		Group:    o.group,
		Consumer: consumer,
		MinIdle:  o.claimIdle,
		Start:    "0-0",
		Count:    o.readCount,
	}).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	return res, err
}

func (o *RedisOutbox) handleMessage(ctx context.Context, msg redis.XMessage, handler Handler) {
	id, _ := msg.Values["delivery_id"].(string)
	payload, _ := msg.Values["notification"].(string)
	var n domain.Notification
	if id == "" || json.Unmarshal([]byte(payload), &n) != nil {
		o.logger.Warn("outbox dropped malformed message", "msg_id", msg.ID)
		o.ackAndDel(ctx, msg.ID)
		return
	}
	d, err := o.markDelivering(ctx, id, n)
	if err != nil {
		// leave pending; XAUTOCLAIM picks it up again
		return
	}
	herr := handler(ctx, d)
	if herr == nil {
		d.Status, d.ErrorMessage = StatusDelivered, ""
		_ = o.update(ctx, d)
		o.ackAndDel(ctx, msg.ID)
		return
	}
	d.ErrorMessage = herr.Error()
	if d.Attempts >= o.maxRetries {
		d.Status = StatusFailed
		_ = o.update(ctx, d)
		o.ackAndDel(ctx, msg.ID)
		o.logger.Error("notification delivery failed", "delivery_id", id, "notification_id", n.ID, "attempts", d.Attempts, "err", herr)
		return
	}
	d.Status = StatusQueued
	_ = o.update(ctx, d)
	select {
	case <-ctx.Done():
		return
	case <-time.After(o.retryDelay):
	}
	if err := o.requeueAndAck(ctx, msg.ID, id, payload); err != nil {
		o.logger.Warn("outbox requeue failed", "delivery_id", id, "err", err)
	}
}

func (o *RedisOutbox) addArgs(id, payload string) *redis.XAddArgs {
	return &redis.XAddArgs{
		Stream: o.stream,
		MaxLen: o.maxLen,
		Approx: true,
		Values: map[string]any{
			"delivery_id":  id,
			"notification": payload,
		},
	}
}

func (o *RedisOutbox) ackAndDel(ctx context.Context, msgID string) {
	_, _ = o.client.XAck(ctx, o.stream, o.group, msgID).Result()
	_, _ = o.client.XDel(ctx, o.stream, msgID).Result()
}

// requeueAndAck moves a failed message to the stream tail atomically, so a
// failure leaves the original pending.
func (o *RedisOutbox) requeueAndAck(ctx context.Context, msgID, id, payload string) error {
	pipe := o.client.TxPipeline()
	pipe.XAdd(ctx, o.addArgs(id, payload))
	pipe.XAck(ctx, o.stream, o.group, msgID)
	pipe.XDel(ctx, o.stream, msgID)
	_, err := pipe.Exec(ctx)
	return err
}

func (o *RedisOutbox) markDelivering(ctx context.Context, id string, n domain.Notification) (Delivery, error) {
	d, found, err := o.Get(ctx, id)
	if err != nil {
		return Delivery{}, err
	}
	if !found {
		d = Delivery{ID: id, CreatedAt: time.Now().UTC()}
	}
	d.Notification = n
	d.Attempts++
	d.Status = StatusDelivering
	if err := o.update(ctx, d); err != nil {
		return Delivery{}, err
	}
	return d, nil
}

func (o *RedisOutbox) update(ctx context.Context, d Delivery) error {
	d.UpdatedAt = time.Now().UTC()
	return o.writeStatus(ctx, d)
}

func (o *RedisOutbox) writeStatus(ctx context.Context, d Delivery) error {
	key := o.statusKey(d.ID)
	if err := o.client.HSet(ctx, key, map[string]any{
		"notificationId": d.Notification.ID,
		"userId":         d.Notification.UserID,
		"type":           string(d.Notification.Type),
		"status":         d.Status,
		"error":          d.ErrorMessage,
		"attempts":       strconv.Itoa(d.Attempts),
		"createdAt":      d.CreatedAt.Format(time.RFC3339Nano),
		"updatedAt":      d.UpdatedAt.Format(time.RFC3339Nano),
	}).Err(); err != nil {
		return err
	}
	_ = o.client.Expire(ctx, key, o.statusTTL).Err()
	return nil
}

func (o *RedisOutbox) statusKey(id string) string {
	return fmt.Sprintf("outbox:%s:%s", o.stream, id)
}

func decodeDelivery(id string, data map[string]string) Delivery {
	d := Delivery{
		ID:           id,
		Status:       data["status"],
		ErrorMessage: data["error"],
		Notification: domain.Notification{
			ID:     data["notificationId"],
			UserID: data["userId"],
			Type:   domain.NotificationType(data["type"]),
		},
	}
	if n, err := strconv.Atoi(data["attempts"]); err == nil {
		d.Attempts = n
	}
	if t, err := time.Parse(time.RFC3339Nano, data["createdAt"]); err == nil {
		d.CreatedAt = t
	}
	if t, err := time.Parse(time.RFC3339Nano, data["updatedAt"]); err == nil {
		d.UpdatedAt = t
	}
	return d
}
