// Package jobs 实现后台作业处理器：轮询发票结算并执行付费驱动的副作用。
//
// 处理器是系统里唯一允许迁移支付意向状态的组件。所有迁移走台账的
// 条件写，作业本身无状态且可重复投递，崩溃后重放不会产生重复副作用。
package jobs

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"lnemail/backend/internal/domain"
	"lnemail/backend/internal/lightning"
	"lnemail/backend/internal/mailagent"
	"lnemail/backend/internal/monitoring"
	"lnemail/backend/internal/queue"
	"lnemail/backend/internal/storage"
)

// Provisioner 抽象邮箱开通通道。
type Provisioner interface {
	CreateAccount(ctx context.Context, emailAddress, password string) (mailagent.Outcome, error)
	DeleteAccount(ctx context.Context, emailAddress string) error
}

// Sender 抽象外发邮件提交通道。
type Sender interface {
	Submit(ctx context.Context, email *domain.OutboundEmail, mailboxPassword string) error
}

// Notifier 在支付到达终态时向实时订阅方推送。
type Notifier interface {
	NotifySettlement(paymentHash string, status domain.PaymentStatus)
}

// Config 处理器配置。
type Config struct {
	// Workers 并发工作协程数
	Workers int
	// PollInterval 未支付发票的下一次轮询间隔
	PollInterval time.Duration
	// MaxStatusAttempts 节点瞬时故障（结算状态 Unknown）的重试上限
	MaxStatusAttempts int
	// MaxProvisionAttempts 邮箱开通的重试上限
	MaxProvisionAttempts int
	// MaxDeliveryAttempts 外发投递的重试上限
	MaxDeliveryAttempts int
	// AllowLateSettlement 是否承认发票截止后才观察到的结算
	AllowLateSettlement bool
}

func (c *Config) applyDefaults() {
	if c.Workers <= 0 {
		c.Workers = 4
	}
	if c.PollInterval <= 0 {
		c.PollInterval = 3 * time.Second
	}
	if c.MaxStatusAttempts <= 0 {
		c.MaxStatusAttempts = 5
	}
	if c.MaxProvisionAttempts <= 0 {
		c.MaxProvisionAttempts = 3
	}
	if c.MaxDeliveryAttempts <= 0 {
		c.MaxDeliveryAttempts = 3
	}
}

// Processor 消费作业队列并推进支付意向。
type Processor struct {
	store       storage.Store
	queue       queue.Queue
	gateway     lightning.Gateway
	provisioner Provisioner
	sender      Sender
	notifier    Notifier
	cfg         Config
	log         *zap.Logger
}

// NewProcessor 创建作业处理器。notifier 可为 nil。
func NewProcessor(
	store storage.Store,
	q queue.Queue,
	gateway lightning.Gateway,
	provisioner Provisioner,
	sender Sender,
	notifier Notifier,
	cfg Config,
	log *zap.Logger,
) *Processor {
	cfg.applyDefaults()
	return &Processor{
		store:       store,
		queue:       q,
		gateway:     gateway,
		provisioner: provisioner,
		sender:      sender,
		notifier:    notifier,
		cfg:         cfg,
		log:         log,
	}
}

// Run 启动工作协程池，阻塞直到 ctx 取消。
func (p *Processor) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	for i := 0; i < p.cfg.Workers; i++ {
		g.Go(func() error {
			return p.worker(ctx)
		})
	}
	p.log.Info("job processor started", zap.Int("workers", p.cfg.Workers))
	return g.Wait()
}

func (p *Processor) worker(ctx context.Context) error {
	for {
		job, err := p.queue.Dequeue(ctx)
		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				return nil
			}
			p.log.Error("failed to dequeue job", zap.Error(err))
			continue
		}
		if err := p.handle(ctx, job); err != nil {
			p.log.Error("job failed",
				zap.String("job_id", job.ID),
				zap.String("kind", string(job.Kind)),
				zap.String("payment_hash", job.PaymentHash),
				zap.Error(err),
			)
			monitoring.RecordJobProcessed(string(job.Kind), "error")
		}
	}
}

// RecoverPending 重新入队全部 pending 意向，进程重启后调用。
//
// 重复入队无害：每次处理都以台账当前状态为准。
func (p *Processor) RecoverPending(ctx context.Context) error {
	intents, err := p.store.ListPendingIntents()
	if err != nil {
		return fmt.Errorf("failed to list pending intents: %w", err)
	}
	for i := range intents {
		intent := &intents[i]
		job := queue.NewJob(jobKindFor(intent.Kind), intent.PaymentHash)
		if err := p.queue.Enqueue(ctx, job); err != nil {
			return fmt.Errorf("failed to re-enqueue intent %s: %w", intent.PaymentHash, err)
		}
	}
	if len(intents) > 0 {
		p.log.Info("re-enqueued pending payment intents", zap.Int("count", len(intents)))
	}
	return nil
}

func jobKindFor(kind domain.IntentKind) queue.Kind {
	switch kind {
	case domain.IntentKindAccountRenewal:
		return queue.KindPollRenewalPayment
	case domain.IntentKindOutboundSend:
		return queue.KindPollSendPayment
	default:
		return queue.KindPollAccountPayment
	}
}

// handle 处理单个作业。
func (p *Processor) handle(ctx context.Context, job *queue.Job) error {
	intent, err := p.store.GetIntent(job.PaymentHash)
	if err != nil {
		if errors.Is(err, storage.ErrIntentNotFound) {
			p.log.Warn("job references unknown intent, dropping",
				zap.String("payment_hash", job.PaymentHash))
			return nil
		}
		return fmt.Errorf("failed to load intent: %w", err)
	}

	switch intent.Status {
	case domain.PaymentStatusPending:
		return p.poll(ctx, job, intent)
	case domain.PaymentStatusPaid:
		// 崩溃后重放：支付已确认但副作用可能未完成，补齐即可
		return p.completeIntent(ctx, job, intent)
	default:
		// expired / failed 终态，作业静默丢弃
		monitoring.RecordJobProcessed(string(job.Kind), "terminal")
		return nil
	}
}

// poll 检查一次结算状态并决定意向的去向。
func (p *Processor) poll(ctx context.Context, job *queue.Job, intent *domain.PaymentIntent) error {
	settlement, err := p.gateway.SettlementStatus(ctx, intent.PaymentHash)

	switch settlement {
	case lightning.SettlementUnknown:
		// 节点瞬时不可达，与"未支付"严格区分：不推进截止判定
		job.Attempt++
		if job.Attempt >= p.cfg.MaxStatusAttempts {
			p.log.Error("settlement status unavailable, failing intent",
				zap.String("payment_hash", intent.PaymentHash),
				zap.Int("attempts", job.Attempt),
				zap.Error(err),
			)
			p.transition(intent, domain.PaymentStatusFailed)
			monitoring.RecordJobProcessed(string(job.Kind), "failed")
			return nil
		}
		p.log.Warn("settlement status unknown, retrying",
			zap.String("payment_hash", intent.PaymentHash),
			zap.Int("attempt", job.Attempt),
			zap.Error(err),
		)
		return p.queue.EnqueueAfter(ctx, job, retryInterval(job.Attempt))

	case lightning.SettlementUnpaid:
		if time.Now().UTC().After(intent.ExpiresAt) {
			p.transition(intent, domain.PaymentStatusExpired)
			monitoring.RecordJobProcessed(string(job.Kind), "expired")
			return nil
		}
		// 瞬时错误计数随正常轮询清零
		job.Attempt = 0
		return p.queue.EnqueueAfter(ctx, job, p.cfg.PollInterval)

	case lightning.SettlementPaid:
		now := time.Now().UTC()
		if now.After(intent.ExpiresAt) && !p.cfg.AllowLateSettlement {
			p.log.Warn("late settlement observed after invoice deadline, dropping",
				zap.String("payment_hash", intent.PaymentHash),
				zap.Time("expired_at", intent.ExpiresAt),
			)
			p.transition(intent, domain.PaymentStatusExpired)
			monitoring.RecordJobProcessed(string(job.Kind), "expired")
			return nil
		}
		if err := p.store.MarkIntentPaid(intent.PaymentHash, now); err != nil {
			if errors.Is(err, storage.ErrIntentNotPending) {
				// 并发观察者中有人先完成迁移，副作用归它
				return nil
			}
			return fmt.Errorf("failed to mark intent paid: %w", err)
		}
		monitoring.RecordPaymentSettled(string(intent.Kind), intent.AmountSats)
		intent.Status = domain.PaymentStatusPaid
		intent.SettledAt = &now
		return p.completeIntent(ctx, job, intent)
	}
	return nil
}

// transition 执行 pending 专属的终态迁移，并发失败视为已被处理。
func (p *Processor) transition(intent *domain.PaymentIntent, to domain.PaymentStatus) {
	var err error
	switch to {
	case domain.PaymentStatusExpired:
		err = p.store.MarkIntentExpired(intent.PaymentHash)
	case domain.PaymentStatusFailed:
		err = p.store.MarkIntentFailed(intent.PaymentHash)
	}
	if err != nil && !errors.Is(err, storage.ErrIntentNotPending) {
		p.log.Error("intent transition failed",
			zap.String("payment_hash", intent.PaymentHash),
			zap.String("to", string(to)),
			zap.Error(err),
		)
		return
	}
	if err == nil && p.notifier != nil {
		p.notifier.NotifySettlement(intent.PaymentHash, to)
	}
}

// completeIntent 执行支付成功的副作用，按意向类型分派。
//
// 每个分支都先检查完成标记（账户状态、续费哈希、投递状态），
// 重复执行不会产生第二次副作用。
func (p *Processor) completeIntent(ctx context.Context, job *queue.Job, intent *domain.PaymentIntent) error {
	var err error
	switch intent.Kind {
	case domain.IntentKindAccountCreation:
		err = p.completeProvisioning(ctx, job, intent)
	case domain.IntentKindAccountRenewal:
		err = p.completeRenewal(intent)
	case domain.IntentKindOutboundSend:
		err = p.completeSend(ctx, job, intent)
	default:
		p.log.Error("intent has unknown kind",
			zap.String("payment_hash", intent.PaymentHash),
			zap.String("kind", string(intent.Kind)),
		)
		return nil
	}
	if err != nil {
		return err
	}
	monitoring.RecordJobProcessed(string(job.Kind), "completed")
	return nil
}

// completeProvisioning 开通已支付账户的邮箱。
func (p *Processor) completeProvisioning(ctx context.Context, job *queue.Job, intent *domain.PaymentIntent) error {
	account, err := p.store.GetAccountByPaymentHash(intent.PaymentHash)
	if err != nil {
		return fmt.Errorf("failed to load account for intent %s: %w", intent.PaymentHash, err)
	}

	switch account.Status {
	case domain.AccountStatusActive:
		// 重放：开通已完成
		p.notifySettled(intent.PaymentHash)
		return nil
	case domain.AccountStatusProvisioningFailed:
		return nil
	}

	// 密码先落库再开通：重放时用同一密码重试，开通按地址幂等
	if account.EmailPassword == "" {
		password, err := domain.GenerateMailboxPassword()
		if err != nil {
			return fmt.Errorf("failed to generate mailbox password: %w", err)
		}
		account.EmailPassword = password
		if err := p.store.UpdateAccount(account); err != nil {
			return fmt.Errorf("failed to persist mailbox password: %w", err)
		}
	}

	outcome, err := p.provisioner.CreateAccount(ctx, account.EmailAddress, account.EmailPassword)
	if err != nil {
		job.Attempt++
		if job.Attempt >= p.cfg.MaxProvisionAttempts {
			p.log.Error("mailbox provisioning exhausted retries",
				zap.String("email", account.EmailAddress),
				zap.Error(err),
			)
			account.Status = domain.AccountStatusProvisioningFailed
			if uerr := p.store.UpdateAccount(account); uerr != nil {
				return fmt.Errorf("failed to record provisioning failure: %w", uerr)
			}
			monitoring.RecordProvisioning("failed")
			return nil
		}
		p.log.Warn("mailbox provisioning failed, retrying",
			zap.String("email", account.EmailAddress),
			zap.Int("attempt", job.Attempt),
			zap.Error(err),
		)
		return p.queue.EnqueueAfter(ctx, job, retryInterval(job.Attempt))
	}

	account.Status = domain.AccountStatusActive
	if err := p.store.UpdateAccount(account); err != nil {
		return fmt.Errorf("failed to activate account: %w", err)
	}

	p.log.Info("account provisioned",
		zap.String("email", account.EmailAddress),
		zap.String("outcome", string(outcome)),
	)
	monitoring.RecordProvisioning("ok")
	p.notifySettled(intent.PaymentHash)
	return nil
}

// completeRenewal 应用已支付的续费。
func (p *Processor) completeRenewal(intent *domain.PaymentIntent) error {
	account, err := p.store.GetAccountByRenewalHash(intent.PaymentHash)
	if err != nil {
		if errors.Is(err, storage.ErrAccountNotFound) {
			// 续费哈希已清空：延期已经应用过，重放无事可做
			p.notifySettled(intent.PaymentHash)
			return nil
		}
		return fmt.Errorf("failed to load account for renewal %s: %w", intent.PaymentHash, err)
	}

	payload, err := intent.RenewalPayload()
	if err != nil {
		return err
	}

	account.ExtendExpiry(time.Now().UTC(), payload.Years)
	account.RenewalPaymentHash = nil
	if account.Status == domain.AccountStatusExpired {
		account.Status = domain.AccountStatusActive
	}
	if err := p.store.UpdateAccount(account); err != nil {
		return fmt.Errorf("failed to apply renewal: %w", err)
	}

	p.log.Info("account renewed",
		zap.String("email", account.EmailAddress),
		zap.Int("years", payload.Years),
		zap.Time("expires_at", account.ExpiresAt),
	)
	p.notifySettled(intent.PaymentHash)
	return nil
}

// completeSend 投递已支付的外发邮件。
func (p *Processor) completeSend(ctx context.Context, job *queue.Job, intent *domain.PaymentIntent) error {
	outbound, err := p.store.GetOutboundByPaymentHash(intent.PaymentHash)
	if err != nil {
		return fmt.Errorf("failed to load outbound email for %s: %w", intent.PaymentHash, err)
	}
	if outbound.DeliveryStatus != domain.DeliveryStatusPending {
		// 重放：已投递或已放弃
		p.notifySettled(intent.PaymentHash)
		return nil
	}

	account, err := p.store.GetAccountByAddress(outbound.SenderAddress)
	if err != nil {
		return fmt.Errorf("failed to load sender account %s: %w", outbound.SenderAddress, err)
	}

	if err := p.sender.Submit(ctx, outbound, account.EmailPassword); err != nil {
		outbound.RetryCount++
		msg := err.Error()
		outbound.DeliveryError = &msg
		if outbound.RetryCount >= p.cfg.MaxDeliveryAttempts {
			p.log.Error("outbound delivery exhausted retries",
				zap.String("recipient", outbound.Recipient),
				zap.Error(err),
			)
			outbound.DeliveryStatus = domain.DeliveryStatusFailed
			if uerr := p.store.UpdateOutbound(outbound); uerr != nil {
				return fmt.Errorf("failed to record delivery failure: %w", uerr)
			}
			monitoring.RecordDelivery("failed")
			p.notifySettled(intent.PaymentHash)
			return nil
		}
		if uerr := p.store.UpdateOutbound(outbound); uerr != nil {
			return fmt.Errorf("failed to record delivery attempt: %w", uerr)
		}
		job.Attempt = outbound.RetryCount
		p.log.Warn("outbound delivery failed, retrying",
			zap.String("recipient", outbound.Recipient),
			zap.Int("attempt", outbound.RetryCount),
			zap.Error(err),
		)
		return p.queue.EnqueueAfter(ctx, job, retryInterval(outbound.RetryCount))
	}

	now := time.Now().UTC()
	outbound.DeliveryStatus = domain.DeliveryStatusSent
	outbound.SentAt = &now
	outbound.DeliveryError = nil
	if err := p.store.UpdateOutbound(outbound); err != nil {
		return fmt.Errorf("failed to record delivery success: %w", err)
	}
	monitoring.RecordDelivery("ok")
	p.notifySettled(intent.PaymentHash)
	return nil
}

func (p *Processor) notifySettled(paymentHash string) {
	if p.notifier != nil {
		p.notifier.NotifySettlement(paymentHash, domain.PaymentStatusPaid)
	}
}

// retryInterval 返回第 attempt 次重试前的等待时间。
// 间隔：5秒、15秒、1分钟、5分钟，之后封顶。
func retryInterval(attempt int) time.Duration {
	intervals := []time.Duration{
		5 * time.Second,
		15 * time.Second,
		1 * time.Minute,
		5 * time.Minute,
	}
	index := attempt - 1
	if index < 0 {
		index = 0
	}
	if index >= len(intervals) {
		index = len(intervals) - 1
	}
	return intervals[index]
}
