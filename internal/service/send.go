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

// SendInput 外发邮件请求。
type SendInput struct {
	Recipient   string              `json:"recipient"`
	Subject     string              `json:"subject"`
	Body        string              `json:"body"`
	Attachments []domain.Attachment `json:"attachments"`
}

// SendResult 外发发起响应。
type SendResult struct {
	PaymentHash    string    `json:"payment_hash"`
	PaymentRequest string    `json:"payment_request"`
	AmountSats     int64     `json:"amount_sats"`
	InvoiceExpires time.Time `json:"invoice_expires_at"`
}

// SendStatusResult 外发状态响应，支付轴与投递轴相互独立。
type SendStatusResult struct {
	PaymentHash    string                `json:"payment_hash"`
	PaymentStatus  domain.PaymentStatus  `json:"payment_status"`
	Paid           bool                  `json:"paid"`
	DeliveryStatus domain.DeliveryStatus `json:"delivery_status"`
	DeliveryError  *string               `json:"delivery_error,omitempty"`
	SentAt         *time.Time            `json:"sent_at,omitempty"`
}

// SendService 付费外发业务逻辑。
type SendService struct {
	store     storage.Store
	gateway   lightning.Gateway
	queue     queue.Queue
	payment   config.PaymentConfig
	rateLimit config.RateLimitConfig
	log       *zap.Logger
}

// NewSendService 创建外发服务。
func NewSendService(
	store storage.Store,
	gateway lightning.Gateway,
	q queue.Queue,
	payment config.PaymentConfig,
	rateLimit config.RateLimitConfig,
	log *zap.Logger,
) *SendService {
	return &SendService{
		store:     store,
		gateway:   gateway,
		queue:     q,
		payment:   payment,
		rateLimit: rateLimit,
		log:       log,
	}
}

// Send 校验请求、收押外发邮件并返回付款发票。
//
// 限流在开发票之前检查：超限请求直接拒绝，不会留下一张
// 付了也不会投递的发票。计数在发票创建成功后才累加。
func (s *SendService) Send(ctx context.Context, account *domain.Account, input SendInput) (*SendResult, error) {
	if err := domain.ValidateOutbound(input.Recipient, input.Subject, input.Body, input.Attachments); err != nil {
		return nil, err
	}

	shortKey := fmt.Sprintf("send:short:%d", account.ID)
	longKey := fmt.Sprintf("send:long:%d", account.ID)
	if err := s.checkRateLimit(shortKey, s.rateLimit.ShortMax, "short"); err != nil {
		return nil, err
	}
	if err := s.checkRateLimit(longKey, s.rateLimit.LongMax, "long"); err != nil {
		return nil, err
	}

	// 备注不含收件人，发票可能经过第三方节点
	memo := fmt.Sprintf("Email delivery from %s", account.EmailAddress)
	invoice, err := s.gateway.CreateInvoice(ctx, s.payment.SendPriceSats, memo)
	if err != nil {
		return nil, fmt.Errorf("failed to create invoice: %w", err)
	}
	monitoring.RecordInvoiceCreated(string(domain.IntentKindOutboundSend))

	now := time.Now().UTC()
	outbound := &domain.OutboundEmail{
		SenderAddress:  account.EmailAddress,
		Recipient:      input.Recipient,
		Subject:        input.Subject,
		Body:           input.Body,
		PaymentHash:    invoice.PaymentHash,
		PriceSats:      s.payment.SendPriceSats,
		DeliveryStatus: domain.DeliveryStatusPending,
		CreatedAt:      now,
	}
	if err := outbound.SetAttachments(input.Attachments); err != nil {
		return nil, err
	}
	if err := s.store.CreateOutbound(outbound); err != nil {
		return nil, fmt.Errorf("failed to persist outbound email: %w", err)
	}

	intent := &domain.PaymentIntent{
		PaymentHash: invoice.PaymentHash,
		Kind:        domain.IntentKindOutboundSend,
		AmountSats:  s.payment.SendPriceSats,
		Status:      domain.PaymentStatusPending,
		AccountID:   &account.ID,
		CreatedAt:   now,
		ExpiresAt:   now.Add(s.payment.InvoiceExpiry),
	}
	if err := intent.SetSendPayload(domain.SendPayload{OutboundID: outbound.ID}); err != nil {
		return nil, err
	}
	if err := s.store.CreateIntent(intent); err != nil {
		return nil, fmt.Errorf("failed to persist payment intent: %w", err)
	}

	for _, key := range []string{shortKey, longKey} {
		window := s.rateLimit.ShortWindow
		if key == longKey {
			window = s.rateLimit.LongWindow
		}
		if _, err := s.store.IncrementRateLimit(key, window); err != nil {
			s.log.Warn("failed to increment rate limit counter",
				zap.String("key", key),
				zap.Error(err),
			)
		}
	}

	if err := s.queue.Enqueue(ctx, queue.NewJob(queue.KindPollSendPayment, invoice.PaymentHash)); err != nil {
		s.log.Warn("failed to enqueue payment poll job", zap.Error(err))
	}

	s.log.Info("outbound email escrowed",
		zap.String("from", account.EmailAddress),
		zap.String("payment_hash", invoice.PaymentHash),
	)
	return &SendResult{
		PaymentHash:    invoice.PaymentHash,
		PaymentRequest: invoice.PaymentRequest,
		AmountSats:     s.payment.SendPriceSats,
		InvoiceExpires: intent.ExpiresAt,
	}, nil
}

func (s *SendService) checkRateLimit(key string, max int64, window string) error {
	count, err := s.store.GetRateLimit(key)
	if err != nil {
		return fmt.Errorf("failed to read rate limit counter: %w", err)
	}
	if count >= max {
		monitoring.RecordRateLimitBlock(window)
		return ErrRateLimited
	}
	return nil
}

// SendStatus 查询外发邮件的支付与投递状态。
func (s *SendService) SendStatus(ctx context.Context, account *domain.Account, paymentHash string) (*SendStatusResult, error) {
	outbound, err := s.store.GetOutboundByPaymentHash(paymentHash)
	if err != nil {
		if errors.Is(err, storage.ErrOutboundNotFound) {
			return nil, ErrPaymentNotFound
		}
		return nil, err
	}
	if outbound.SenderAddress != account.EmailAddress {
		return nil, ErrPaymentNotFound
	}

	intent, err := s.store.GetIntent(paymentHash)
	if err != nil {
		return nil, fmt.Errorf("outbound email without payment intent: %w", err)
	}

	if intent.Status == domain.PaymentStatusPending {
		if err := s.queue.Enqueue(ctx, queue.NewJob(queue.KindPollSendPayment, paymentHash)); err != nil {
			s.log.Warn("failed to enqueue poll nudge", zap.Error(err))
		}
	}

	return &SendStatusResult{
		PaymentHash:    paymentHash,
		PaymentStatus:  intent.Status,
		Paid:           intent.Status == domain.PaymentStatusPaid,
		DeliveryStatus: outbound.DeliveryStatus,
		DeliveryError:  outbound.DeliveryError,
		SentAt:         outbound.SentAt,
	}, nil
}
