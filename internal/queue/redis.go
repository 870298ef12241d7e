package queue

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const (
	readyKey     = "lnemail:jobs:ready"
	scheduledKey = "lnemail:jobs:scheduled"

	// BRPOP 的阻塞上限，用于周期性检查 ctx 与延迟作业
	popTimeout = time.Second
)

// RedisQueue Redis 作业队列。
//
// 就绪作业放在列表里（LPUSH/BRPOP），延迟作业放在按执行时间
// 排序的有序集合里，由 Dequeue 在每次取活前搬运到期成员。
// ZREM 的返回值充当多进程消费时的抢占判定：删除成功者获得作业。
type RedisQueue struct {
	rdb *redis.Client
	log *zap.Logger
}

// NewRedisQueue 创建 Redis 队列。
func NewRedisQueue(rdb *redis.Client, log *zap.Logger) *RedisQueue {
	return &RedisQueue{rdb: rdb, log: log}
}

// Enqueue 立即入队。
func (q *RedisQueue) Enqueue(ctx context.Context, job *Job) error {
	data, err := job.Encode()
	if err != nil {
		return err
	}
	if err := q.rdb.LPush(ctx, readyKey, data).Err(); err != nil {
		return fmt.Errorf("failed to enqueue job: %w", err)
	}
	return nil
}

// EnqueueAfter 延迟投递：写入有序集合，score 为到期时间戳。
func (q *RedisQueue) EnqueueAfter(ctx context.Context, job *Job, delay time.Duration) error {
	data, err := job.Encode()
	if err != nil {
		return err
	}
	runAt := time.Now().Add(delay)
	err = q.rdb.ZAdd(ctx, scheduledKey, redis.Z{
		Score:  float64(runAt.UnixMilli()),
		Member: data,
	}).Err()
	if err != nil {
		return fmt.Errorf("failed to schedule job: %w", err)
	}
	return nil
}

// Dequeue 阻塞等待下一个作业。
func (q *RedisQueue) Dequeue(ctx context.Context) (*Job, error) {
	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		q.promoteDue(ctx)

		res, err := q.rdb.BRPop(ctx, popTimeout, readyKey).Result()
		if err != nil {
			if errors.Is(err, redis.Nil) {
				continue // 超时，重新检查延迟作业
			}
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			return nil, fmt.Errorf("failed to pop job: %w", err)
		}

		job, err := DecodeJob([]byte(res[1]))
		if err != nil {
			// 坏作业直接丢弃，避免卡死队列
			q.log.Error("dropping malformed job", zap.Error(err))
			continue
		}
		return job, nil
	}
}

// promoteDue 把到期的延迟作业搬运到就绪列表。
func (q *RedisQueue) promoteDue(ctx context.Context) {
	now := strconv.FormatInt(time.Now().UnixMilli(), 10)
	members, err := q.rdb.ZRangeByScore(ctx, scheduledKey, &redis.ZRangeBy{
		Min:   "-inf",
		Max:   now,
		Count: 100,
	}).Result()
	if err != nil {
		if ctx.Err() == nil {
			q.log.Warn("failed to scan scheduled jobs", zap.Error(err))
		}
		return
	}

	for _, member := range members {
		removed, err := q.rdb.ZRem(ctx, scheduledKey, member).Result()
		if err != nil || removed == 0 {
			continue // 其他进程已抢到
		}
		if err := q.rdb.LPush(ctx, readyKey, member).Err(); err != nil {
			q.log.Error("failed to promote scheduled job", zap.Error(err))
		}
	}
}
