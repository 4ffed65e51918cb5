package learning

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"

	"repricer/pkg/logx"
	"repricer/pkg/proto"
)

// PriorCache is the optional fast path in front of the audit store. A
// failed lookup reports a miss; the caller falls through to the store.
type PriorCache interface {
	Get(ctx context.Context, key string) (*proto.DecisionPrior, bool)
	Set(ctx context.Context, key string, prior *proto.DecisionPrior, ttl time.Duration)
}

// RedisCache stores generated priors in Redis as JSON with a TTL.
type RedisCache struct {
	client *redis.Client
	logger *logx.Logger
}

// NewRedisCache connects to the given Redis instance. The connection is
// lazy; a down Redis degrades every lookup to a miss.
func NewRedisCache(addr, password string, db int) *RedisCache {
	return &RedisCache{
		client: redis.NewClient(&redis.Options{
			Addr:     addr,
			Password: password,
			DB:       db,
		}),
		logger: logx.NewLogger("prior-cache"),
	}
}

// Get fetches and decodes a cached prior. Source is rewritten so audit
// rows show the value came from the cache rather than the store.
func (c *RedisCache) Get(ctx context.Context, key string) (*proto.DecisionPrior, bool) {
	raw, err := c.client.Get(ctx, key).Result()
	if errors.Is(err, redis.Nil) {
		return nil, false
	}
	if err != nil {
		c.logger.Warn("Prior cache read failed: %v", err)
		return nil, false
	}

	var prior proto.DecisionPrior
	if err := json.Unmarshal([]byte(raw), &prior); err != nil {
		c.logger.Warn("Prior cache entry undecodable, ignoring: %v", err)
		return nil, false
	}
	prior.Source = proto.PriorSourceCache
	return &prior, true
}

// Set writes a prior with the given TTL. Failures are logged and dropped;
// the cache is never load-bearing.
func (c *RedisCache) Set(ctx context.Context, key string, prior *proto.DecisionPrior, ttl time.Duration) {
	raw, err := json.Marshal(prior)
	if err != nil {
		c.logger.Warn("Prior cache encode failed: %v", err)
		return
	}
	if err := c.client.Set(ctx, key, raw, ttl).Err(); err != nil {
		c.logger.Warn("Prior cache write failed: %v", err)
	}
}

// Close releases the underlying Redis connection pool.
func (c *RedisCache) Close() error {
	return c.client.Close() //nolint:wrapcheck // Close errors pass through to the kernel shutdown log.
}
