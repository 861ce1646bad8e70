// Package cache holds the read-through membership cache consulted before the
// store. Entries are hints only; callers re-check the store before denying.
package cache

import (
	"context"
	"errors"
	"fmt"
	"time"

	"brandpool/internal/metrics"

	"github.com/redis/go-redis/v9"
)

const keyPrefix = "brandpool:member:"

type RedisMembership struct {
	client *redis.Client
	ttl    time.Duration
}

// NewRedisMembership 通过 REDIS_URL 建立连接，连接失败直接返回错误
func NewRedisMembership(ctx context.Context, redisURL string, ttl time.Duration) (*RedisMembership, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	return &RedisMembership{client: client, ttl: ttl}, nil
}

func NewRedisMembershipWithClient(client *redis.Client, ttl time.Duration) *RedisMembership {
	return &RedisMembership{client: client, ttl: ttl}
}

// BrandOf 返回缓存的品牌 ID；ok 为 false 表示未命中
func (c *RedisMembership) BrandOf(ctx context.Context, userID string) (string, bool, error) {
	brandID, err := c.client.Get(ctx, keyPrefix+userID).Result()
	if errors.Is(err, redis.Nil) {
		metrics.MembershipCacheLookups.WithLabelValues("miss").Inc()
		return "", false, nil
	}
	if err != nil {
		metrics.MembershipCacheLookups.WithLabelValues("error").Inc()
		return "", false, err
	}
	metrics.MembershipCacheLookups.WithLabelValues("hit").Inc()
	return brandID, true, nil
}

func (c *RedisMembership) Remember(ctx context.Context, userID, brandID string) error {
	if brandID == "" {
		return nil
	}
	return c.client.Set(ctx, keyPrefix+userID, brandID, c.ttl).Err()
}

func (c *RedisMembership) Forget(ctx context.Context, userID string) error {
	return c.client.Del(ctx, keyPrefix+userID).Err()
}

func (c *RedisMembership) Close() error {
	return c.client.Close()
}

// Nop 在未配置 Redis 时使用，每次都未命中
type Nop struct{}

func (Nop) BrandOf(context.Context, string) (string, bool, error) { return "", false, nil }
func (Nop) Remember(context.Context, string, string) error { return nil }
func (Nop) Forget(context.Context, string) error { return nil }
