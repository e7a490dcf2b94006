package marketstore

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	"agenttrader/pkg/types"
)

const snapshotTTL = 60 * time.Second

// Cache is an optional write-through Redis hot tier behind the Store.
// Writes are best-effort: a cache failure is logged and otherwise ignored,
// the in-memory store stays authoritative.
type Cache struct {
	rdb    *redis.Client
	logger *slog.Logger
}

// NewCache connects to Redis and verifies the connection.
func NewCache(ctx context.Context, addr, password string, db int, logger *slog.Logger) (*Cache, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})
	if err := rdb.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	return &Cache{rdb: rdb, logger: logger.With("component", "cache")}, nil
}

// WriteTick mirrors the latest price, timestamp and tick JSON.
func (c *Cache) WriteTick(tick types.Tick) {
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	pipe := c.rdb.Pipeline()
	pipe.Set(ctx, fmt.Sprintf("price:%s:latest", tick.Instrument), tick.LastPrice, 0)
	pipe.Set(ctx, fmt.Sprintf("price:%s:latest_ts", tick.Instrument), tick.Timestamp.Format(time.RFC3339Nano), 0)
	if raw, err := json.Marshal(tick); err == nil {
		pipe.Set(ctx, fmt.Sprintf("tick:%s:latest", tick.Instrument), raw, 0)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		c.logger.Warn("cache tick write failed", "instrument", tick.Instrument, "error", err)
	}
}

// WriteDepth mirrors the buy and sell depth arrays.
func (c *Cache) WriteDepth(instrument string, bids, asks []types.DepthLevel) {
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	pipe := c.rdb.Pipeline()
	if raw, err := json.Marshal(bids); err == nil {
		pipe.Set(ctx, fmt.Sprintf("depth:%s:buy", instrument), raw, 0)
	}
	if raw, err := json.Marshal(asks); err == nil {
		pipe.Set(ctx, fmt.Sprintf("depth:%s:sell", instrument), raw, 0)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		c.logger.Warn("cache depth write failed", "instrument", instrument, "error", err)
	}
}

// WriteSnapshot mirrors a decision snapshot with a 60s TTL.
func (c *Cache) WriteSnapshot(instrument string, snapshot any) {
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	raw, err := json.Marshal(snapshot)
	if err != nil {
		return
	}
	key := fmt.Sprintf("snapshot:%s:latest", instrument)
	if err := c.rdb.Set(ctx, key, raw, snapshotTTL).Err(); err != nil {
		c.logger.Warn("cache snapshot write failed", "instrument", instrument, "error", err)
	}
}

// Close releases the Redis connection.
func (c *Cache) Close() error {
	return c.rdb.Close()
}
