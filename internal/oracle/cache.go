package oracle

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
)

// Cache decorates a PriceOracle with a Redis read-through cache. Quotes are
// served from Redis while they are younger than maxAge; anything older falls
// through to the inner oracle. Updates always go upstream and refresh the
// cache on the way back. maxAge is read on every call, so a tightened
// staleness bound applies to already-cached quotes immediately.
type Cache struct {
	inner  PriceOracle
	client redis.UniversalClient
	maxAge func() time.Duration
	now    func() time.Time
	logger *slog.Logger
}

func NewCache(inner PriceOracle, client redis.UniversalClient, maxAge func() time.Duration, logger *slog.Logger) *Cache {
	if logger == nil {
		logger = slog.Default()
	}
	if maxAge == nil {
		maxAge = func() time.Duration { return 0 }
	}
	return &Cache{
		inner:  inner,
		client: client,
		maxAge: maxAge,
		now:    time.Now,
		logger: logger,
	}
}

func cacheKey(assetIn, assetOut string) string {
	return fmt.Sprintf("oracle:price:%s:%s", assetIn, assetOut)
}

func (c *Cache) GetPrice(ctx context.Context, assetIn, assetOut string) (Price, error) {
	key := cacheKey(assetIn, assetOut)
	payload, err := c.client.Get(ctx, key).Bytes()
	switch {
	case err == nil:
		var p Price
		if uerr := json.Unmarshal(payload, &p); uerr == nil {
			if c.now().UTC().Sub(p.PublishTime) <= c.maxAge() {
				return p, nil
			}
		} else {
			c.logger.Warn("discarding unreadable cached price", "key", key, "error", uerr)
		}
	case errors.Is(err, redis.Nil):
	default:
		c.logger.Warn("price cache read failed", "key", key, "error", err)
	}

	p, err := c.inner.GetPrice(ctx, assetIn, assetOut)
	if err != nil {
		return Price{}, err
	}
	c.store(ctx, key, p)
	return p, nil
}

func (c *Cache) UpdatePrice(ctx context.Context, assetIn, assetOut string, update []byte) (Price, error) {
	p, err := c.inner.UpdatePrice(ctx, assetIn, assetOut, update)
	if err != nil {
		return Price{}, err
	}
	c.store(ctx, cacheKey(assetIn, assetOut), p)
	return p, nil
}

func (c *Cache) UpdateFee(ctx context.Context, update []byte) (decimal.Decimal, error) {
	return c.inner.UpdateFee(ctx, update)
}

func (c *Cache) store(ctx context.Context, key string, p Price) {
	payload, err := json.Marshal(p)
	if err != nil {
		c.logger.Warn("price cache encode failed", "key", key, "error", err)
		return
	}
	if err := c.client.Set(ctx, key, payload, c.maxAge()).Err(); err != nil {
		c.logger.Warn("price cache write failed", "key", key, "error", err)
	}
}
