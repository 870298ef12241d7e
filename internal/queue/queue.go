// Package queue 提供后台作业的持久化队列。
//
// 队列里的作业只承载"去检查某个支付哈希"这一事实，不承载任何状态；
// 所有状态迁移都以台账的条件写为准，因此作业重复投递是安全的。
package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Kind 表示作业类型。
type Kind string

const (
	// KindPollAccountPayment 轮询账户开通发票
	KindPollAccountPayment Kind = "poll_account_payment"
	// KindPollSendPayment 轮询外发邮件发票
	KindPollSendPayment Kind = "poll_send_payment"
	// KindPollRenewalPayment 轮询续费发票
	KindPollRenewalPayment Kind = "poll_renewal_payment"
)

// Valid 判断作业类型是否已知。
func (k Kind) Valid() bool {
	switch k {
	case KindPollAccountPayment, KindPollSendPayment, KindPollRenewalPayment:
		return true
	}
	return false
}

// Job 表示一个待执行的后台作业。
type Job struct {
	ID          string    `json:"id"`
	Kind        Kind      `json:"kind"`
	PaymentHash string    `json:"payment_hash"`
	Attempt     int       `json:"attempt"` // 瞬时错误的重试次数，正常轮询不累加
	EnqueuedAt  time.Time `json:"enqueued_at"`
}

// NewJob 创建作业。
func NewJob(kind Kind, paymentHash string) *Job {
	return &Job{
		ID:          uuid.NewString(),
		Kind:        kind,
		PaymentHash: paymentHash,
		EnqueuedAt:  time.Now().UTC(),
	}
}

// Encode 序列化作业。
func (j *Job) Encode() ([]byte, error) {
	data, err := json.Marshal(j)
	if err != nil {
		return nil, fmt.Errorf("failed to encode job: %w", err)
	}
	return data, nil
}

// DecodeJob 反序列化作业，拒绝未知类型。
func DecodeJob(data []byte) (*Job, error) {
	var job Job
	if err := json.Unmarshal(data, &job); err != nil {
		return nil, fmt.Errorf("failed to decode job: %w", err)
	}
	if !job.Kind.Valid() {
		return nil, fmt.Errorf("unknown job kind: %q", job.Kind)
	}
	return &job, nil
}

// Queue 定义作业队列接口。
type Queue interface {
	// Enqueue 立即入队。
	Enqueue(ctx context.Context, job *Job) error
	// EnqueueAfter 延迟 delay 后投递。
	EnqueueAfter(ctx context.Context, job *Job, delay time.Duration) error
	// Dequeue 阻塞等待下一个作业，ctx 取消时返回 ctx.Err()。
	Dequeue(ctx context.Context) (*Job, error)
}
