package hybrid

import (
	"fmt"
	"time"

	redisstore "lnemail/backend/internal/storage/redis"
	sqlstore "lnemail/backend/internal/storage/sql"
)

// Store 混合存储：SQL 作为台账的持久层，Redis 承载限流计数。
//
// 台账（账户、支付意向、外发邮件）必须落在关系库里，
// 因为恰好一次迁移依赖其条件写；限流计数放 Redis 以获得自动过期窗口。
type Store struct {
	*sqlstore.Store
	cache *redisstore.Client
}

// NewStore 创建混合存储。
func NewStore(
	driverName, dsn string,
	maxOpenConns, maxIdleConns int,
	connMaxLifetime time.Duration,
	redisAddr, redisPassword string,
	redisDB int,
) (*Store, error) {
	sqlStore, err := sqlstore.NewStore(driverName, dsn, maxOpenConns, maxIdleConns, connMaxLifetime)
	if err != nil {
		return nil, fmt.Errorf("failed to create sql store: %w", err)
	}

	cache, err := redisstore.NewClient(redisAddr, redisPassword, redisDB)
	if err != nil {
		sqlStore.Close()
		return nil, fmt.Errorf("failed to create redis client: %w", err)
	}

	return &Store{Store: sqlStore, cache: cache}, nil
}

// Redis 返回底层 Redis 客户端，供作业队列复用连接池。
func (s *Store) Redis() *redisstore.Client {
	return s.cache
}

// IncrementRateLimit 限流计数走 Redis。
func (s *Store) IncrementRateLimit(key string, window time.Duration) (int64, error) {
	return s.cache.IncrementRateLimit(key, window)
}

// GetRateLimit 限流计数走 Redis。
func (s *Store) GetRateLimit(key string) (int64, error) {
	return s.cache.GetRateLimit(key)
}

// Health 同时检查 SQL 与 Redis。
func (s *Store) Health() error {
	if err := s.Store.Health(); err != nil {
		return fmt.Errorf("sql store unhealthy: %w", err)
	}
	if err := s.cache.Health(); err != nil {
		return fmt.Errorf("redis unhealthy: %w", err)
	}
	return nil
}

// Close 依次关闭两个底层存储。
func (s *Store) Close() error {
	cacheErr := s.cache.Close()
	sqlErr := s.Store.Close()
	if sqlErr != nil {
		return sqlErr
	}
	return cacheErr
}
