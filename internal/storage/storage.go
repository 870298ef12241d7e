package storage

import (
	"errors"
	"time"

	"lnemail/backend/internal/domain"
)

var (
	// ErrAccountNotFound 账户未找到
	ErrAccountNotFound = errors.New("account not found")
	// ErrIntentNotFound 支付意向未找到
	ErrIntentNotFound = errors.New("payment intent not found")
	// ErrOutboundNotFound 外发邮件记录未找到
	ErrOutboundNotFound = errors.New("outbound email not found")
	// ErrIntentNotPending 条件更新失败：意向已不处于 pending 状态。
	// 这是恰好一次迁移的核心信号——竞争写入中只有一个调用方不会收到它。
	ErrIntentNotPending = errors.New("payment intent is not pending")
	// ErrDuplicateAccount 地址或令牌唯一性冲突
	ErrDuplicateAccount = errors.New("account address or token already exists")
)

// AccountRepository 定义账户台账的数据存取操作。
type AccountRepository interface {
	CreateAccount(account *domain.Account) error
	GetAccountByToken(token string) (*domain.Account, error)
	GetAccountByAddress(address string) (*domain.Account, error)
	GetAccountByPaymentHash(hash string) (*domain.Account, error)
	GetAccountByRenewalHash(hash string) (*domain.Account, error)
	UpdateAccount(account *domain.Account) error
	// ExpireAccounts 将有效期已过的 active 账户翻转为 expired，返回受影响的账户。
	ExpireAccounts(now time.Time) ([]domain.Account, error)
}

// PaymentIntentRepository 定义支付意向的数据存取操作。
type PaymentIntentRepository interface {
	CreateIntent(intent *domain.PaymentIntent) error
	GetIntent(hash string) (*domain.PaymentIntent, error)
	// MarkIntentPaid 以存储层条件写（status 必须仍为 pending）把意向迁移到 paid。
	// 并发观察同一笔结算时最多一个调用成功，其余得到 ErrIntentNotPending。
	MarkIntentPaid(hash string, settledAt time.Time) error
	// MarkIntentExpired 条件写迁移到 expired，仅对 pending 生效。
	MarkIntentExpired(hash string) error
	// MarkIntentFailed 条件写迁移到 failed，仅对 pending 生效。
	MarkIntentFailed(hash string) error
	// ListPendingIntents 返回所有 pending 意向，供启动恢复重新入队。
	ListPendingIntents() ([]domain.PaymentIntent, error)
	// ExpirePendingIntents 批量翻转截止时间已过的 pending 意向，返回数量。
	ExpirePendingIntents(now time.Time) (int, error)
}

// OutboundEmailRepository 定义外发邮件的数据存取操作。
type OutboundEmailRepository interface {
	CreateOutbound(email *domain.OutboundEmail) error
	GetOutbound(id uint) (*domain.OutboundEmail, error)
	GetOutboundByPaymentHash(hash string) (*domain.OutboundEmail, error)
	UpdateOutbound(email *domain.OutboundEmail) error
}

// RateLimitRepository 定义滑动窗口限流计数操作。
type RateLimitRepository interface {
	// IncrementRateLimit 自增窗口计数并返回新值；key 首次出现时设置窗口过期。
	IncrementRateLimit(key string, window time.Duration) (int64, error)
	// GetRateLimit 读取当前窗口计数，key 不存在时返回 0。
	GetRateLimit(key string) (int64, error)
}

// Store 定义完整的台账存储接口。
type Store interface {
	AccountRepository
	PaymentIntentRepository
	OutboundEmailRepository
	RateLimitRepository

	Close() error
	Health() error
}
