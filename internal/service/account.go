// Package service 实现业务逻辑层，协调台账、发票网关与后台作业。
package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"lnemail/backend/internal/config"
	"lnemail/backend/internal/domain"
	"lnemail/backend/internal/lightning"
	"lnemail/backend/internal/monitoring"
	"lnemail/backend/internal/queue"
	"lnemail/backend/internal/storage"
)

// Deleter 抽象邮箱删除通道，过期扫描用。
type Deleter interface {
	DeleteAccount(ctx context.Context, emailAddress string) error
}

// CreateAccountResult 账户创建响应。
// 访问令牌此时不返回，支付确认后通过支付状态查询领取。
type CreateAccountResult struct {
	Email          string    `json:"email"`
	PaymentHash    string    `json:"payment_hash"`
	PaymentRequest string    `json:"payment_request"`
	AmountSats     int64     `json:"amount_sats"`
	InvoiceExpires time.Time `json:"invoice_expires_at"`
}

// PaymentStatusResult 支付状态查询响应。
type PaymentStatusResult struct {
	PaymentHash string               `json:"payment_hash"`
	Status      domain.PaymentStatus `json:"status"`
	Paid        bool                 `json:"paid"`
	// 以下字段仅在账户开通发票已支付后返回
	Email       string `json:"email,omitempty"`
	AccessToken string `json:"access_token,omitempty"`
}

// AccountInfo 账户详情响应。
type AccountInfo struct {
	Email     string               `json:"email"`
	Status    domain.AccountStatus `json:"status"`
	CreatedAt time.Time            `json:"created_at"`
	ExpiresAt time.Time            `json:"expires_at"`
}

// RenewalResult 续费发起响应。
type RenewalResult struct {
	PaymentHash    string    `json:"payment_hash"`
	PaymentRequest string    `json:"payment_request"`
	AmountSats     int64     `json:"amount_sats"`
	Years          int       `json:"years"`
	InvoiceExpires time.Time `json:"invoice_expires_at"`
}

// RenewalStatusResult 续费状态查询响应。
type RenewalStatusResult struct {
	PaymentHash string               `json:"payment_hash"`
	Status      domain.PaymentStatus `json:"status"`
	Paid        bool                 `json:"paid"`
	ExpiresAt   time.Time            `json:"expires_at"`
}

// AccountService 账户生命周期业务逻辑。
//
// 创建与续费只登记意向并开发票，所有由收款驱动的状态迁移
// 都交给后台作业处理器，读路径从不内联修改台账。
type AccountService struct {
	store   storage.Store
	gateway lightning.Gateway
	queue   queue.Queue
	deleter Deleter
	payment config.PaymentConfig
	domain  string
	log     *zap.Logger
}

// NewAccountService 创建账户服务。deleter 可为 nil（过期扫描只翻状态）。
func NewAccountService(
	store storage.Store,
	gateway lightning.Gateway,
	q queue.Queue,
	deleter Deleter,
	payment config.PaymentConfig,
	mailDomain string,
	log *zap.Logger,
) *AccountService {
	return &AccountService{
		store:   store,
		gateway: gateway,
		queue:   q,
		deleter: deleter,
		payment: payment,
		domain:  mailDomain,
		log:     log,
	}
}

// CreateAccount 登记一个新账户并返回开通发票。
//
// 账户落库时即为 pending_payment，邮箱要等支付确认后才真正开通。
func (s *AccountService) CreateAccount(ctx context.Context) (*CreateAccountResult, error) {
	address, err := s.pickAddress()
	if err != nil {
		return nil, err
	}
	token, err := domain.GenerateAccessToken()
	if err != nil {
		return nil, fmt.Errorf("failed to generate access token: %w", err)
	}

	memo := fmt.Sprintf("Email account (1 year): %s", address)
	invoice, err := s.gateway.CreateInvoice(ctx, s.payment.AccountPriceSats, memo)
	if err != nil {
		return nil, fmt.Errorf("failed to create invoice: %w", err)
	}
	monitoring.RecordInvoiceCreated(string(domain.IntentKindAccountCreation))

	now := time.Now().UTC()
	account := &domain.Account{
		EmailAddress:           address,
		AccessToken:            token,
		CreatedAt:              now,
		ExpiresAt:              now.AddDate(1, 0, 0),
		PaymentHash:            invoice.PaymentHash,
		OriginalPaymentRequest: invoice.OriginalPaymentRequest,
		Status:                 domain.AccountStatusPendingPayment,
	}
	if err := s.store.CreateAccount(account); err != nil {
		return nil, fmt.Errorf("failed to persist account: %w", err)
	}

	intent := &domain.PaymentIntent{
		PaymentHash: invoice.PaymentHash,
		Kind:        domain.IntentKindAccountCreation,
		AmountSats:  s.payment.AccountPriceSats,
		Status:      domain.PaymentStatusPending,
		AccountID:   &account.ID,
		CreatedAt:   now,
		ExpiresAt:   now.Add(s.payment.InvoiceExpiry),
	}
	if err := s.store.CreateIntent(intent); err != nil {
		return nil, fmt.Errorf("failed to persist payment intent: %w", err)
	}

	if err := s.queue.Enqueue(ctx, queue.NewJob(queue.KindPollAccountPayment, invoice.PaymentHash)); err != nil {
		// 入队失败不致命：恢复扫描和状态查询都会补投
		s.log.Warn("failed to enqueue payment poll job",
			zap.String("payment_hash", invoice.PaymentHash),
			zap.Error(err),
		)
	}

	s.log.Info("account registered",
		zap.String("email", address),
		zap.String("payment_hash", invoice.PaymentHash),
	)
	return &CreateAccountResult{
		Email:          address,
		PaymentHash:    invoice.PaymentHash,
		PaymentRequest: invoice.PaymentRequest,
		AmountSats:     s.payment.AccountPriceSats,
		InvoiceExpires: intent.ExpiresAt,
	}, nil
}

// pickAddress 生成未被占用的随机地址，碰撞时重试。
func (s *AccountService) pickAddress() (string, error) {
	for i := 0; i < 10; i++ {
		address := domain.GenerateEmailAddress(s.domain)
		_, err := s.store.GetAccountByAddress(address)
		if errors.Is(err, storage.ErrAccountNotFound) {
			return address, nil
		}
		if err != nil {
			return "", fmt.Errorf("failed to check address availability: %w", err)
		}
	}
	return "", fmt.Errorf("failed to find a free email address")
}

// PaymentStatus 查询账户开通发票的状态。
//
// 只读台账：pending 时顺手补投一个轮询作业（幂等），但绝不在
// 请求路径上检查节点或迁移状态。
func (s *AccountService) PaymentStatus(ctx context.Context, paymentHash string) (*PaymentStatusResult, error) {
	intent, err := s.store.GetIntent(paymentHash)
	if err != nil {
		if errors.Is(err, storage.ErrIntentNotFound) {
			return nil, ErrPaymentNotFound
		}
		return nil, err
	}
	if intent.Kind != domain.IntentKindAccountCreation {
		return nil, ErrPaymentNotFound
	}

	result := &PaymentStatusResult{
		PaymentHash: paymentHash,
		Status:      intent.Status,
		Paid:        intent.Status == domain.PaymentStatusPaid,
	}

	switch intent.Status {
	case domain.PaymentStatusPending:
		if err := s.queue.Enqueue(ctx, queue.NewJob(queue.KindPollAccountPayment, paymentHash)); err != nil {
			s.log.Warn("failed to enqueue poll nudge", zap.Error(err))
		}
	case domain.PaymentStatusPaid:
		account, err := s.store.GetAccountByPaymentHash(paymentHash)
		if err != nil {
			return nil, fmt.Errorf("paid intent without account record: %w", err)
		}
		// 令牌在支付确认后才揭示
		result.Email = account.EmailAddress
		result.AccessToken = account.AccessToken
	}
	return result, nil
}

// Authenticate 按访问令牌取回账户。
//
// 令牌不存在返回 ErrUnauthorized；账户已过期返回 ErrAccountExpired
// 并附带账户，调用方决定是否放行（续费路径放行）。
func (s *AccountService) Authenticate(token string) (*domain.Account, error) {
	if token == "" {
		return nil, ErrUnauthorized
	}
	account, err := s.store.GetAccountByToken(token)
	if err != nil {
		if errors.Is(err, storage.ErrAccountNotFound) {
			return nil, ErrUnauthorized
		}
		return nil, err
	}
	now := time.Now().UTC()
	if account.Status == domain.AccountStatusExpired || !now.Before(account.ExpiresAt) {
		return account, ErrAccountExpired
	}
	if account.Status != domain.AccountStatusActive {
		return account, ErrAccountNotActive
	}
	return account, nil
}

// Info 返回账户详情。
func (s *AccountService) Info(account *domain.Account) *AccountInfo {
	return &AccountInfo{
		Email:     account.EmailAddress,
		Status:    account.Status,
		CreatedAt: account.CreatedAt,
		ExpiresAt: account.ExpiresAt,
	}
}

// Renew 为账户开具续费发票。
//
// 已过期的账户允许续费（宽限续费），延期在支付确认后由后台
// 作业以 max(now, 当前有效期) 为基准应用。
func (s *AccountService) Renew(ctx context.Context, account *domain.Account, years int) (*RenewalResult, error) {
	if years < 1 || years > 10 {
		return nil, ErrInvalidYears
	}

	// 已有未完成的续费发票时不重复开票
	if account.RenewalPaymentHash != nil {
		prev, err := s.store.GetIntent(*account.RenewalPaymentHash)
		if err == nil && prev.Status == domain.PaymentStatusPending {
			return nil, ErrRenewalPending
		}
	}

	amount := s.payment.AccountPriceSats * int64(years)
	memo := fmt.Sprintf("Email renewal (%d year): %s", years, account.EmailAddress)
	invoice, err := s.gateway.CreateInvoice(ctx, amount, memo)
	if err != nil {
		return nil, fmt.Errorf("failed to create renewal invoice: %w", err)
	}
	monitoring.RecordInvoiceCreated(string(domain.IntentKindAccountRenewal))

	now := time.Now().UTC()
	intent := &domain.PaymentIntent{
		PaymentHash: invoice.PaymentHash,
		Kind:        domain.IntentKindAccountRenewal,
		AmountSats:  amount,
		Status:      domain.PaymentStatusPending,
		AccountID:   &account.ID,
		CreatedAt:   now,
		ExpiresAt:   now.Add(s.payment.InvoiceExpiry),
	}
	if err := intent.SetRenewalPayload(domain.RenewalPayload{Years: years}); err != nil {
		return nil, err
	}
	if err := s.store.CreateIntent(intent); err != nil {
		return nil, fmt.Errorf("failed to persist renewal intent: %w", err)
	}

	account.RenewalPaymentHash = &invoice.PaymentHash
	if err := s.store.UpdateAccount(account); err != nil {
		return nil, fmt.Errorf("failed to attach renewal hash: %w", err)
	}

	if err := s.queue.Enqueue(ctx, queue.NewJob(queue.KindPollRenewalPayment, invoice.PaymentHash)); err != nil {
		s.log.Warn("failed to enqueue renewal poll job", zap.Error(err))
	}

	s.log.Info("renewal invoice issued",
		zap.String("email", account.EmailAddress),
		zap.Int("years", years),
		zap.String("payment_hash", invoice.PaymentHash),
	)
	return &RenewalResult{
		PaymentHash:    invoice.PaymentHash,
		PaymentRequest: invoice.PaymentRequest,
		AmountSats:     amount,
		Years:          years,
		InvoiceExpires: intent.ExpiresAt,
	}, nil
}

// RenewalStatus 查询续费发票的状态。
//
// 支付确认与续费哈希清空之间存在窗口：以意向状态为准，
// 有效期直接读账户当前值，重放清空后的查询仍返回 paid。
func (s *AccountService) RenewalStatus(ctx context.Context, account *domain.Account, paymentHash string) (*RenewalStatusResult, error) {
	intent, err := s.store.GetIntent(paymentHash)
	if err != nil {
		if errors.Is(err, storage.ErrIntentNotFound) {
			return nil, ErrPaymentNotFound
		}
		return nil, err
	}
	if intent.Kind != domain.IntentKindAccountRenewal || intent.AccountID == nil || *intent.AccountID != account.ID {
		return nil, ErrPaymentNotFound
	}

	if intent.Status == domain.PaymentStatusPending {
		if err := s.queue.Enqueue(ctx, queue.NewJob(queue.KindPollRenewalPayment, paymentHash)); err != nil {
			s.log.Warn("failed to enqueue poll nudge", zap.Error(err))
		}
	}

	// 延期可能刚被后台应用，重读账户拿到最新有效期
	fresh, err := s.store.GetAccountByToken(account.AccessToken)
	if err != nil {
		fresh = account
	}
	return &RenewalStatusResult{
		PaymentHash: paymentHash,
		Status:      intent.Status,
		Paid:        intent.Status == domain.PaymentStatusPaid,
		ExpiresAt:   fresh.ExpiresAt,
	}, nil
}

// ExpireSweep 执行一轮过期扫描：翻转超时的意向与账户，
// 并向邮件系统下发过期账户的删除请求。
func (s *AccountService) ExpireSweep(ctx context.Context) {
	now := time.Now().UTC()

	if n, err := s.store.ExpirePendingIntents(now); err != nil {
		s.log.Error("failed to expire pending intents", zap.Error(err))
	} else if n > 0 {
		s.log.Info("expired stale payment intents", zap.Int("count", n))
	}

	expired, err := s.store.ExpireAccounts(now)
	if err != nil {
		s.log.Error("failed to expire accounts", zap.Error(err))
		return
	}
	if len(expired) == 0 {
		return
	}
	monitoring.RecordAccountsExpired(len(expired))

	for i := range expired {
		account := &expired[i]
		s.log.Info("account expired", zap.String("email", account.EmailAddress))
		if s.deleter == nil {
			continue
		}
		if err := s.deleter.DeleteAccount(ctx, account.EmailAddress); err != nil {
			// 删除失败不回滚过期：下一轮扫描不会重复，靠邮件侧对账
			s.log.Error("failed to delete expired mailbox",
				zap.String("email", account.EmailAddress),
				zap.Error(err),
			)
		}
	}
}
