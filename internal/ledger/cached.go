package ledger

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/jittakal/kafeventledger/internal/config/dto"
	"github.com/jittakal/kafeventledger/pkg/event"
)

// NewRedisClient connects to redis and verifies the connection.
func NewRedisClient(ctx context.Context, cfg dto.CacheConfig) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to ping redis: %w", err)
	}

	return client, nil
}

// CachedStore answers duplicate checks from redis before reaching the
// underlying store. Keys are only ever added after the store accepted the
// row, so a cache hit is always a true duplicate. Redis failures fall
// through to the store.
type CachedStore struct {
	Store
	client *redis.Client
	ttl    time.Duration
	prefix string
	logger *zap.Logger
}

func NewCachedStore(store Store, client *redis.Client, cfg dto.CacheConfig, logger *zap.Logger) *CachedStore {
	ttl := time.Duration(cfg.TTLSeconds) * time.Second
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	prefix := cfg.KeyPrefix
	if prefix == "" {
		prefix = "ledger:processed:"
	}
	return &CachedStore{
		Store:  store,
		client: client,
		ttl:    ttl,
		prefix: prefix,
		logger: logger,
	}
}

func (c *CachedStore) cacheKey(key event.Key) string {
	return c.prefix + key.Topic + ":" + key.EventID
}

func (c *CachedStore) Exists(ctx context.Context, key event.Key) (bool, error) {
	n, err := c.client.Exists(ctx, c.cacheKey(key)).Result()
	if err != nil {
		c.logger.Warn("Ledger cache lookup failed",
			zap.String("event", key.String()),
			zap.Error(err))
	} else if n > 0 {
		return true, nil
	}

	exists, err := c.Store.Exists(ctx, key)
	if err != nil {
		return false, err
	}
	if exists {
		c.remember(ctx, key)
	}
	return exists, nil
}

func (c *CachedStore) Insert(ctx context.Context, record *event.Record) error {
	if err := c.Store.Insert(ctx, record); err != nil {
		return err
	}
	c.remember(ctx, record.Key())
	return nil
}

func (c *CachedStore) remember(ctx context.Context, key event.Key) {
	if err := c.client.Set(ctx, c.cacheKey(key), "1", c.ttl).Err(); err != nil {
		c.logger.Warn("Ledger cache write failed",
			zap.String("event", key.String()),
			zap.Error(err))
	}
}

func (c *CachedStore) Ping(ctx context.Context) error {
	if err := c.client.Ping(ctx).Err(); err != nil {
		c.logger.Warn("Ledger cache ping failed", zap.Error(err))
	}
	return c.Store.Ping(ctx)
}

func (c *CachedStore) Close() error {
	cacheErr := c.client.Close()
	if err := c.Store.Close(); err != nil {
		return err
	}
	return cacheErr
}
