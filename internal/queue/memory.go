package queue

import (
	"context"
	"sync"
	"time"
)

// MemoryQueue 内存作业队列，用于开发环境与测试。
type MemoryQueue struct {
	mu     sync.Mutex
	ch     chan *Job
	timers []*time.Timer
}

// NewMemoryQueue 创建内存队列。
func NewMemoryQueue(size int) *MemoryQueue {
	if size <= 0 {
		size = 1024
	}
	return &MemoryQueue{ch: make(chan *Job, size)}
}

// Enqueue 立即入队。
func (q *MemoryQueue) Enqueue(ctx context.Context, job *Job) error {
	select {
	case q.ch <- job:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// EnqueueAfter 延迟投递。
func (q *MemoryQueue) EnqueueAfter(ctx context.Context, job *Job, delay time.Duration) error {
	if delay <= 0 {
		return q.Enqueue(ctx, job)
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	t := time.AfterFunc(delay, func() {
		select {
		case q.ch <- job:
		default:
			// 队列已满，作业丢失；启动恢复扫描会重新入队 pending 意向
		}
	})
	q.timers = append(q.timers, t)
	return nil
}

// Dequeue 阻塞等待下一个作业。
func (q *MemoryQueue) Dequeue(ctx context.Context) (*Job, error) {
	select {
	case job := <-q.ch:
		return job, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Stop 取消所有未触发的延迟作业。
func (q *MemoryQueue) Stop() {
	q.mu.Lock()
	defer q.mu.Unlock()
	for _, t := range q.timers {
		t.Stop()
	}
	q.timers = nil
}
