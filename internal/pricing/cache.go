package pricing

import (
	"context"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"github.com/tbourn/go-keyshop-backend/internal/domain"
)

// Oracle is anything that can quote a USD price.
type Oracle interface {
	GetUSDPrice(ctx context.Context, method domain.Method) (decimal.Decimal, error)
}

// Cache is the subset of *redis.Client used for price caching.
type Cache interface {
	Get(ctx context.Context, key string) *redis.StringCmd
	Set(ctx context.Context, key string, value any, expiration time.Duration) *redis.StatusCmd
}

// Cached serves recent quotes from Redis and falls through to Oracle on a
// miss. Cache failures never fail a quote.
type Cached struct {
	Oracle Oracle
	Cache  Cache
	TTL    time.Duration
	Prefix string
}

// GetUSDPrice implements Oracle.
func (c *Cached) GetUSDPrice(ctx context.Context, method domain.Method) (decimal.Decimal, error) {
	key := c.Key(method)
	if raw, err := c.Cache.Get(ctx, key).Result(); err == nil {
		if v, perr := decimal.NewFromString(raw); perr == nil && v.IsPositive() {
			return v, nil
		}
	} else if !errors.Is(err, redis.Nil) {
		log.Warn().Err(err).Str("key", key).Msg("price cache read failed")
	}

	price, err := c.Oracle.GetUSDPrice(ctx, method)
	if err != nil {
		return decimal.Zero, err
	}
	if err := c.Cache.Set(ctx, key, price.String(), c.ttl()).Err(); err != nil {
		log.Warn().Err(err).Str("key", key).Msg("price cache write failed")
	}
	return price, nil
}

// Key returns the Redis key for method: <prefix>:price:usd:<METHOD>. The
// prefix defaults to "keyshop".
func (c *Cached) Key(method domain.Method) string {
	p := c.Prefix
	if p == "" {
		p = "keyshop"
	}
	return p + ":price:usd:" + string(method)
}

func (c *Cached) ttl() time.Duration {
	if c.TTL <= 0 {
		return time.Minute
	}
	return c.TTL
}
