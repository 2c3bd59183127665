package cache

import (
	"context"
	"time"

	redis "github.com/redis/go-redis/v9"
)

const versionTTL = 30 * 24 * time.Hour

type RedisReportCache struct {
	client *redis.Client
	prefix string
}

func NewRedisClient(addr string, password string, db int) *redis.Client {
	return redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})
}

func NewRedisReportCache(client *redis.Client, prefix string) *RedisReportCache {
	if prefix == "" {
		prefix = "reports"
	}
	return &RedisReportCache{client: client, prefix: prefix}
}

func (c *RedisReportCache) Ping(ctx context.Context) error {
	return c.client.Ping(ctx).Err()
}

func (c *RedisReportCache) Close() error {
	return c.client.Close()
}

func (c *RedisReportCache) versionKey(tenantID string) string {
	return c.prefix + ":" + tenantID + ":version"
}

func (c *RedisReportCache) InvalidateTenant(ctx context.Context, tenantID string) error {
	key := c.versionKey(tenantID)
	pipe := c.client.TxPipeline()
	pipe.Incr(ctx, key)
	pipe.Expire(ctx, key, versionTTL)
	_, err := pipe.Exec(ctx)
	return err
}

func (c *RedisReportCache) Version(ctx context.Context, tenantID string) (int64, error) {
	v, err := c.client.Get(ctx, c.versionKey(tenantID)).Int64()
	if err == redis.Nil {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	return v, nil
}
