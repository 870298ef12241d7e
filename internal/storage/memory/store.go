package memory

import (
	"strings"
	"sync"
	"time"

	"lnemail/backend/internal/domain"
	"lnemail/backend/internal/storage"
)

// Store 内存存储实现，用于开发环境与测试。
//
// 所有写入都在同一把互斥锁内完成，因此条件写（MarkIntentPaid 等）
// 与 SQL 实现一样满足恰好一次迁移的语义。
type Store struct {
	mu sync.Mutex

	accounts  map[uint]*domain.Account
	nextID    uint
	intents   map[string]*domain.PaymentIntent
	outbounds map[uint]*domain.OutboundEmail
	nextOutID uint

	counters map[string]*rateCounter
}

type rateCounter struct {
	count     int64
	expiresAt time.Time
}

// NewStore 创建内存存储。
func NewStore() *Store {
	return &Store{
		accounts:  make(map[uint]*domain.Account),
		nextID:    1,
		intents:   make(map[string]*domain.PaymentIntent),
		outbounds: make(map[uint]*domain.OutboundEmail),
		nextOutID: 1,
		counters:  make(map[string]*rateCounter),
	}
}

// ========== 账户 ==========

// CreateAccount 保存新账户并分配 ID。
func (s *Store) CreateAccount(account *domain.Account) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, a := range s.accounts {
		if a.EmailAddress == account.EmailAddress || a.AccessToken == account.AccessToken {
			return storage.ErrDuplicateAccount
		}
	}

	account.ID = s.nextID
	s.nextID++
	clone := *account
	s.accounts[account.ID] = &clone
	return nil
}

// GetAccountByToken 按访问令牌查找账户。
func (s *Store) GetAccountByToken(token string) (*domain.Account, error) {
	return s.findAccount(func(a *domain.Account) bool { return a.AccessToken == token })
}

// GetAccountByAddress 按邮箱地址查找账户。
func (s *Store) GetAccountByAddress(address string) (*domain.Account, error) {
	address = strings.ToLower(address)
	return s.findAccount(func(a *domain.Account) bool {
		return strings.ToLower(a.EmailAddress) == address
	})
}

// GetAccountByPaymentHash 按开通发票的支付哈希查找账户。
func (s *Store) GetAccountByPaymentHash(hash string) (*domain.Account, error) {
	return s.findAccount(func(a *domain.Account) bool { return a.PaymentHash == hash })
}

// GetAccountByRenewalHash 按在途续费发票的支付哈希查找账户。
func (s *Store) GetAccountByRenewalHash(hash string) (*domain.Account, error) {
	return s.findAccount(func(a *domain.Account) bool {
		return a.RenewalPaymentHash != nil && *a.RenewalPaymentHash == hash
	})
}

func (s *Store) findAccount(match func(*domain.Account) bool) (*domain.Account, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, a := range s.accounts {
		if match(a) {
			clone := *a
			return &clone, nil
		}
	}
	return nil, storage.ErrAccountNotFound
}

// UpdateAccount 整体更新账户。
func (s *Store) UpdateAccount(account *domain.Account) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.accounts[account.ID]; !ok {
		return storage.ErrAccountNotFound
	}
	clone := *account
	s.accounts[account.ID] = &clone
	return nil
}

// ExpireAccounts 翻转有效期已过的 active 账户。
func (s *Store) ExpireAccounts(now time.Time) ([]domain.Account, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var expired []domain.Account
	for _, a := range s.accounts {
		if a.Status == domain.AccountStatusActive && now.After(a.ExpiresAt) {
			a.Status = domain.AccountStatusExpired
			expired = append(expired, *a)
		}
	}
	return expired, nil
}

// ========== 支付意向 ==========

// CreateIntent 保存新的支付意向。
func (s *Store) CreateIntent(intent *domain.PaymentIntent) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	clone := *intent
	s.intents[intent.PaymentHash] = &clone
	return nil
}

// GetIntent 按支付哈希查找意向。
func (s *Store) GetIntent(hash string) (*domain.PaymentIntent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	intent, ok := s.intents[hash]
	if !ok {
		return nil, storage.ErrIntentNotFound
	}
	clone := *intent
	return &clone, nil
}

// MarkIntentPaid 条件迁移 pending -> paid。
func (s *Store) MarkIntentPaid(hash string, settledAt time.Time) error {
	return s.transition(hash, domain.PaymentStatusPaid, &settledAt)
}

// MarkIntentExpired 条件迁移 pending -> expired。
func (s *Store) MarkIntentExpired(hash string) error {
	return s.transition(hash, domain.PaymentStatusExpired, nil)
}

// MarkIntentFailed 条件迁移 pending -> failed。
func (s *Store) MarkIntentFailed(hash string) error {
	return s.transition(hash, domain.PaymentStatusFailed, nil)
}

func (s *Store) transition(hash string, to domain.PaymentStatus, settledAt *time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	intent, ok := s.intents[hash]
	if !ok {
		return storage.ErrIntentNotFound
	}
	if intent.Status != domain.PaymentStatusPending {
		return storage.ErrIntentNotPending
	}
	intent.Status = to
	if settledAt != nil {
		t := *settledAt
		intent.SettledAt = &t
	}
	return nil
}

// ListPendingIntents 返回所有 pending 意向。
func (s *Store) ListPendingIntents() ([]domain.PaymentIntent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var pending []domain.PaymentIntent
	for _, intent := range s.intents {
		if intent.Status == domain.PaymentStatusPending {
			pending = append(pending, *intent)
		}
	}
	return pending, nil
}

// ExpirePendingIntents 批量翻转过期的 pending 意向。
func (s *Store) ExpirePendingIntents(now time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	count := 0
	for _, intent := range s.intents {
		if intent.Status == domain.PaymentStatusPending && now.After(intent.ExpiresAt) {
			intent.Status = domain.PaymentStatusExpired
			count++
		}
	}
	return count, nil
}

// ========== 外发邮件 ==========

// CreateOutbound 保存外发邮件并分配 ID。
func (s *Store) CreateOutbound(email *domain.OutboundEmail) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	email.ID = s.nextOutID
	s.nextOutID++
	clone := *email
	s.outbounds[email.ID] = &clone
	return nil
}

// GetOutbound 按 ID 查找外发邮件。
func (s *Store) GetOutbound(id uint) (*domain.OutboundEmail, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	email, ok := s.outbounds[id]
	if !ok {
		return nil, storage.ErrOutboundNotFound
	}
	clone := *email
	return &clone, nil
}

// GetOutboundByPaymentHash 按支付哈希查找外发邮件。
func (s *Store) GetOutboundByPaymentHash(hash string) (*domain.OutboundEmail, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, email := range s.outbounds {
		if email.PaymentHash == hash {
			clone := *email
			return &clone, nil
		}
	}
	return nil, storage.ErrOutboundNotFound
}

// UpdateOutbound 整体更新外发邮件。
func (s *Store) UpdateOutbound(email *domain.OutboundEmail) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.outbounds[email.ID]; !ok {
		return storage.ErrOutboundNotFound
	}
	clone := *email
	s.outbounds[email.ID] = &clone
	return nil
}

// ========== 限流计数 ==========

// IncrementRateLimit 自增窗口计数。
func (s *Store) IncrementRateLimit(key string, window time.Duration) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	c, ok := s.counters[key]
	if !ok || now.After(c.expiresAt) {
		c = &rateCounter{expiresAt: now.Add(window)}
		s.counters[key] = c
	}
	c.count++
	return c.count, nil
}

// GetRateLimit 读取窗口计数。
func (s *Store) GetRateLimit(key string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	c, ok := s.counters[key]
	if !ok || time.Now().After(c.expiresAt) {
		return 0, nil
	}
	return c.count, nil
}

// Close 关闭存储（内存实现为空操作）。
func (s *Store) Close() error { return nil }

// Health 健康检查（内存实现恒为健康）。
func (s *Store) Health() error { return nil }
