package store

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/redis/go-redis/v9"
)

// reduceStockScript decrements KEYS[1] by ARGV[1] only when enough units
// remain. It returns {-1, 0} when the counter is not loaded yet, {0, current}
// when stock is short and {1, remaining} on success.
var reduceStockScript = redis.NewScript(`
local v = redis.call("GET", KEYS[1])
if not v then
  return {-1, 0}
end
local current = tonumber(v)
local qty = tonumber(ARGV[1])
if current < qty then
  return {0, current}
end
return {1, redis.call("DECRBY", KEYS[1], qty)}
`)

var restoreStockScript = redis.NewScript(`
if redis.call("EXISTS", KEYS[1]) == 0 then
  return -1
end
return redis.call("INCRBY", KEYS[1], ARGV[1])
`)

// RedisStock gates stock decrements through Redis so several engine
// processes sharing one database agree on availability. The wrapped Store
// stays the system of record and is updated after every accepted change.
type RedisStock struct {
	Store
	client *redis.Client
	prefix string
}

// NewRedisStock wraps base with a Redis-backed stock gate.
func NewRedisStock(base Store, addr, password, prefix string) (*RedisStock, error) {
	addr = strings.TrimSpace(addr)
	if addr == "" {
		return nil, errors.New("redis stock requires an addr")
	}
	return NewRedisStockWithClient(base, redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
	}), prefix), nil
}

// NewRedisStockWithClient wraps base using an existing client.
func NewRedisStockWithClient(base Store, client *redis.Client, prefix string) *RedisStock {
	prefix = strings.TrimSpace(prefix)
	if prefix == "" {
		prefix = "storefront:stock"
	}
	return &RedisStock{Store: base, client: client, prefix: prefix}
}

func (r *RedisStock) key(itemID string) string {
	return r.prefix + ":" + itemID
}

// ReduceStock runs the conditional decrement in Redis and mirrors an accepted
// decrement to the wrapped store.
func (r *RedisStock) ReduceStock(ctx context.Context, itemID string, qty int) (StockLevel, error) {
	for attempt := 0; attempt < 2; attempt++ {
		res, err := reduceStockScript.Run(ctx, r.client, []string{r.key(itemID)}, qty).Int64Slice()
		if err != nil {
			return StockLevel{}, fmt.Errorf("redis reduce stock: %w", err)
		}
		if len(res) != 2 {
			return StockLevel{}, fmt.Errorf("redis reduce stock: unexpected reply %v", res)
		}
		switch res[0] {
		case -1:
			level, err := r.load(ctx, itemID)
			if err != nil || level.Unlimited {
				return level, err
			}
			continue
		case 0:
			return StockLevel{Count: int(res[1])}, ErrInsufficientStock
		}
		if _, err := r.Store.ReduceStock(ctx, itemID, qty); err != nil {
			if !errors.Is(err, ErrInsufficientStock) {
				// give the units back so Redis and the store stay aligned
				_ = r.client.IncrBy(context.WithoutCancel(ctx), r.key(itemID), int64(qty)).Err()
				return StockLevel{}, err
			}
			slog.Warn("stock mirror drifted", "item_id", itemID, "redis_count", res[1])
		}
		return StockLevel{Count: int(res[1])}, nil
	}
	return StockLevel{}, fmt.Errorf("redis reduce stock: counter for %s not loaded", itemID)
}

// RestoreStock adds units to the wrapped store and then to Redis when the
// counter is loaded. The store write is the only one that can fail the call:
// once it has landed a retry would add the units twice, so a Redis failure
// drops the counter instead and the next reduce reloads it from the store.
func (r *RedisStock) RestoreStock(ctx context.Context, itemID string, qty int) (StockLevel, error) {
	level, err := r.Store.RestoreStock(ctx, itemID, qty)
	if err != nil || level.Unlimited {
		return level, err
	}
	n, err := restoreStockScript.Run(ctx, r.client, []string{r.key(itemID)}, qty).Int64()
	if err != nil {
		slog.Warn("stock mirror restore failed", "item_id", itemID, "qty", qty, "err", err)
		if derr := r.client.Del(context.WithoutCancel(ctx), r.key(itemID)).Err(); derr != nil {
			slog.Warn("stock mirror reset failed", "item_id", itemID, "err", derr)
		}
		return level, nil
	}
	if n >= 0 {
		level.Count = int(n)
	}
	return level, nil
}

// load copies the store's counter into Redis unless another process won the
// race to do it first.
func (r *RedisStock) load(ctx context.Context, itemID string) (StockLevel, error) {
	item, ok, err := r.Store.GetCatalogItem(ctx, itemID)
	if err != nil {
		return StockLevel{}, err
	}
	if !ok {
		return StockLevel{}, ErrNotFound
	}
	if item.Unlimited() {
		return StockLevel{Unlimited: true}, nil
	}
	if err := r.client.SetNX(ctx, r.key(itemID), *item.StockCount, 0).Err(); err != nil {
		return StockLevel{}, fmt.Errorf("redis load stock: %w", err)
	}
	return StockLevel{Count: *item.StockCount}, nil
}

// Close releases the Redis client.
func (r *RedisStock) Close() error {
	return r.client.Close()
}
