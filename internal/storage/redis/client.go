package redis

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// Client Redis 客户端封装，承载滑动窗口限流计数。
type Client struct {
	rdb *redis.Client
	ctx context.Context
}

// NewClient 创建 Redis 客户端并验证连通性。
func NewClient(addr, password string, db int) (*Client, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
		PoolSize: 10,
	})

	ctx := context.Background()
	if err := rdb.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	return &Client{rdb: rdb, ctx: ctx}, nil
}

// Raw 返回底层 go-redis 客户端，供队列等组件复用同一连接池。
func (c *Client) Raw() *redis.Client {
	return c.rdb
}

// IncrementRateLimit 自增窗口计数；首次出现时设置窗口过期。
func (c *Client) IncrementRateLimit(key string, window time.Duration) (int64, error) {
	fullKey := fmt.Sprintf("ratelimit:%s", key)

	count, err := c.rdb.Incr(c.ctx, fullKey).Result()
	if err != nil {
		return 0, fmt.Errorf("failed to increment rate limit: %w", err)
	}
	if count == 1 {
		if err := c.rdb.Expire(c.ctx, fullKey, window).Err(); err != nil {
			return count, fmt.Errorf("failed to set rate limit window: %w", err)
		}
	}
	return count, nil
}

// GetRateLimit 读取窗口计数，key 不存在时返回 0。
func (c *Client) GetRateLimit(key string) (int64, error) {
	fullKey := fmt.Sprintf("ratelimit:%s", key)

	count, err := c.rdb.Get(c.ctx, fullKey).Int64()
	if err == redis.Nil {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("failed to get rate limit: %w", err)
	}
	return count, nil
}

// Health 健康检查。
func (c *Client) Health() error {
	return c.rdb.Ping(c.ctx).Err()
}

// Close 关闭连接。
func (c *Client) Close() error {
	return c.rdb.Close()
}
