// Package rediscache implements dls.GroupCache on Redis so that several
// service replicas share one effective-groups cache.
package rediscache

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/pthm/dls"
)

// DefaultKeyPrefix namespaces cache keys.
const DefaultKeyPrefix = "dls:groups:"

// Cache is a dls.GroupCache storing JSON encoded group lists.
//
// The GroupCache interface has no error returns: Redis failures are logged
// and reported as cache misses, so a Redis outage degrades to store
// lookups.
type Cache struct {
	client redis.UniversalClient
	prefix string
	ttl    time.Duration
	logger *zap.Logger
}

// Option configures a Cache.
type Option func(*Cache)

// WithKeyPrefix overrides DefaultKeyPrefix.
func WithKeyPrefix(prefix string) Option {
	return func(c *Cache) { c.prefix = prefix }
}

// WithLogger sets the logger for Redis failures.
func WithLogger(logger *zap.Logger) Option {
	return func(c *Cache) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// New returns a cache whose entries expire after ttl. A ttl of 0 keeps
// entries until they are invalidated.
func New(client redis.UniversalClient, ttl time.Duration, opts ...Option) *Cache {
	c := &Cache{client: client, prefix: DefaultKeyPrefix, ttl: ttl, logger: zap.NewNop()}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *Cache) key(name string) string { return c.prefix + name }

// Get implements dls.GroupCache.
func (c *Cache) Get(ctx context.Context, subjectName string) ([]dls.Subject, bool) {
	raw, err := c.client.Get(ctx, c.key(subjectName)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false
	}
	if err != nil {
		c.logger.Warn("group cache get failed", zap.String("subject", subjectName), zap.Error(err))
		return nil, false
	}
	var groups []dls.Subject
	if err := json.Unmarshal(raw, &groups); err != nil {
		c.logger.Warn("group cache entry is corrupt", zap.String("subject", subjectName), zap.Error(err))
		return nil, false
	}
	return groups, true
}

// Set implements dls.GroupCache.
func (c *Cache) Set(ctx context.Context, subjectName string, groups []dls.Subject) {
	if groups == nil {
		groups = []dls.Subject{}
	}
	raw, err := json.Marshal(groups)
	if err != nil {
		c.logger.Warn("group cache encode failed", zap.String("subject", subjectName), zap.Error(err))
		return
	}
	if err := c.client.Set(ctx, c.key(subjectName), raw, c.ttl).Err(); err != nil {
		c.logger.Warn("group cache set failed", zap.String("subject", subjectName), zap.Error(err))
	}
}

// Invalidate implements dls.GroupCache. With no names every key under the
// prefix is deleted.
func (c *Cache) Invalidate(ctx context.Context, subjectNames ...string) {
	if len(subjectNames) == 0 {
		c.invalidateAll(ctx)
		return
	}
	keys := make([]string, len(subjectNames))
	for i, name := range subjectNames {
		keys[i] = c.key(name)
	}
	if err := c.client.Del(ctx, keys...).Err(); err != nil {
		c.logger.Warn("group cache invalidate failed", zap.Strings("subjects", subjectNames), zap.Error(err))
	}
}

func (c *Cache) invalidateAll(ctx context.Context) {
	iter := c.client.Scan(ctx, 0, c.prefix+"*", 256).Iterator()
	var keys []string
	for iter.Next(ctx) {
		keys = append(keys, iter.Val())
	}
	if err := iter.Err(); err != nil {
		c.logger.Warn("group cache scan failed", zap.Error(err))
		return
	}
	if len(keys) == 0 {
		return
	}
	if err := c.client.Del(ctx, keys...).Err(); err != nil {
		c.logger.Warn("group cache clear failed", zap.Error(err))
	}
}

var _ dls.GroupCache = (*Cache)(nil)
