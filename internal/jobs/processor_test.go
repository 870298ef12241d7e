package jobs

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"lnemail/backend/internal/domain"
	"lnemail/backend/internal/lightning"
	"lnemail/backend/internal/mailagent"
	"lnemail/backend/internal/queue"
	"lnemail/backend/internal/storage/memory"
)

// stubGateway 结算状态可编程的网关。
type stubGateway struct {
	mu         sync.Mutex
	settlement lightning.Settlement
	err        error
}

func (g *stubGateway) CreateInvoice(ctx context.Context, amountSats int64, memo string) (*lightning.Invoice, error) {
	return &lightning.Invoice{PaymentHash: "stub", PaymentRequest: "lnbc-stub"}, nil
}

func (g *stubGateway) SettlementStatus(ctx context.Context, paymentHash string) (lightning.Settlement, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.settlement, g.err
}

func (g *stubGateway) set(s lightning.Settlement, err error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.settlement = s
	g.err = err
}

// stubProvisioner 记录开通调用。
type stubProvisioner struct {
	mu      sync.Mutex
	creates int
	deletes int
	outcome mailagent.Outcome
	err     error
}

func (p *stubProvisioner) CreateAccount(ctx context.Context, email, password string) (mailagent.Outcome, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.creates++
	if p.err != nil {
		return "", p.err
	}
	if p.outcome == "" {
		return mailagent.OutcomeCreated, nil
	}
	return p.outcome, nil
}

func (p *stubProvisioner) DeleteAccount(ctx context.Context, email string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.deletes++
	return nil
}

func (p *stubProvisioner) createCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.creates
}

// stubSender 记录投递调用。
type stubSender struct {
	mu    sync.Mutex
	sends int
	err   error
}

func (s *stubSender) Submit(ctx context.Context, email *domain.OutboundEmail, password string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sends++
	return s.err
}

func (s *stubSender) sendCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sends
}

// stubNotifier 记录结算推送。
type stubNotifier struct {
	mu     sync.Mutex
	events map[string]domain.PaymentStatus
}

func (n *stubNotifier) NotifySettlement(hash string, status domain.PaymentStatus) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.events == nil {
		n.events = make(map[string]domain.PaymentStatus)
	}
	n.events[hash] = status
}

type fixture struct {
	store       *memory.Store
	queue       *queue.MemoryQueue
	gateway     *stubGateway
	provisioner *stubProvisioner
	sender      *stubSender
	notifier    *stubNotifier
	processor   *Processor
}

func newFixture(t *testing.T, cfg Config) *fixture {
	t.Helper()
	f := &fixture{
		store:       memory.NewStore(),
		queue:       queue.NewMemoryQueue(64),
		gateway:     &stubGateway{settlement: lightning.SettlementUnpaid},
		provisioner: &stubProvisioner{},
		sender:      &stubSender{},
		notifier:    &stubNotifier{},
	}
	t.Cleanup(f.queue.Stop)
	f.processor = NewProcessor(f.store, f.queue, f.gateway, f.provisioner, f.sender, f.notifier, cfg, zap.NewNop())
	return f
}

// seedCreation 登记一个待支付的开户意向和账户。
func (f *fixture) seedCreation(t *testing.T, hash string, invoiceExpiry time.Duration) *domain.Account {
	t.Helper()
	now := time.Now().UTC()
	account := &domain.Account{
		EmailAddress: hash + "@example.net",
		AccessToken:  "token-" + hash,
		PaymentHash:  hash,
		Status:       domain.AccountStatusPendingPayment,
		CreatedAt:    now,
		ExpiresAt:    now.AddDate(1, 0, 0),
	}
	require.NoError(t, f.store.CreateAccount(account))
	require.NoError(t, f.store.CreateIntent(&domain.PaymentIntent{
		PaymentHash: hash,
		Kind:        domain.IntentKindAccountCreation,
		AmountSats:  994,
		Status:      domain.PaymentStatusPending,
		AccountID:   &account.ID,
		CreatedAt:   now,
		ExpiresAt:   now.Add(invoiceExpiry),
	}))
	return account
}

func TestPaidCreation_ProvisionsExactlyOnce(t *testing.T) {
	f := newFixture(t, Config{})
	f.seedCreation(t, "h1", time.Hour)
	f.gateway.set(lightning.SettlementPaid, nil)

	job := queue.NewJob(queue.KindPollAccountPayment, "h1")
	require.NoError(t, f.processor.handle(context.Background(), job))

	intent, err := f.store.GetIntent("h1")
	require.NoError(t, err)
	assert.Equal(t, domain.PaymentStatusPaid, intent.Status)
	require.NotNil(t, intent.SettledAt)

	account, err := f.store.GetAccountByPaymentHash("h1")
	require.NoError(t, err)
	assert.Equal(t, domain.AccountStatusActive, account.Status)
	assert.NotEmpty(t, account.EmailPassword)
	assert.Equal(t, 1, f.provisioner.createCount())

	// 作业重复投递不产生第二次开通
	require.NoError(t, f.processor.handle(context.Background(), queue.NewJob(queue.KindPollAccountPayment, "h1")))
	assert.Equal(t, 1, f.provisioner.createCount())

	assert.Equal(t, domain.PaymentStatusPaid, f.notifier.events["h1"])
}

func TestUnpaidPastDeadline_Expires(t *testing.T) {
	f := newFixture(t, Config{})
	f.seedCreation(t, "h1", -time.Minute)
	f.gateway.set(lightning.SettlementUnpaid, nil)

	require.NoError(t, f.processor.handle(context.Background(), queue.NewJob(queue.KindPollAccountPayment, "h1")))

	intent, err := f.store.GetIntent("h1")
	require.NoError(t, err)
	assert.Equal(t, domain.PaymentStatusExpired, intent.Status)
	assert.Equal(t, 0, f.provisioner.createCount())
	assert.Equal(t, domain.PaymentStatusExpired, f.notifier.events["h1"])
}

func TestUnknownStatus_DoesNotExpire(t *testing.T) {
	f := newFixture(t, Config{MaxStatusAttempts: 3})
	// 发票截止时间已过，但节点不可达时禁止判定过期
	f.seedCreation(t, "h1", -time.Minute)
	f.gateway.set(lightning.SettlementUnknown, errors.New("node unreachable"))

	require.NoError(t, f.processor.handle(context.Background(), queue.NewJob(queue.KindPollAccountPayment, "h1")))

	intent, err := f.store.GetIntent("h1")
	require.NoError(t, err)
	assert.Equal(t, domain.PaymentStatusPending, intent.Status)
}

func TestUnknownStatus_FailsAfterRetries(t *testing.T) {
	f := newFixture(t, Config{MaxStatusAttempts: 3})
	f.seedCreation(t, "h1", time.Hour)
	f.gateway.set(lightning.SettlementUnknown, errors.New("node unreachable"))

	job := queue.NewJob(queue.KindPollAccountPayment, "h1")
	job.Attempt = 2 // 第三次尝试触达上限
	require.NoError(t, f.processor.handle(context.Background(), job))

	intent, err := f.store.GetIntent("h1")
	require.NoError(t, err)
	assert.Equal(t, domain.PaymentStatusFailed, intent.Status)
}

func TestLateSettlement_DroppedByDefault(t *testing.T) {
	f := newFixture(t, Config{})
	f.seedCreation(t, "h1", -time.Minute)
	f.gateway.set(lightning.SettlementPaid, nil)

	require.NoError(t, f.processor.handle(context.Background(), queue.NewJob(queue.KindPollAccountPayment, "h1")))

	intent, err := f.store.GetIntent("h1")
	require.NoError(t, err)
	assert.Equal(t, domain.PaymentStatusExpired, intent.Status)
	assert.Equal(t, 0, f.provisioner.createCount())
}

func TestLateSettlement_HonoredWhenAllowed(t *testing.T) {
	f := newFixture(t, Config{AllowLateSettlement: true})
	f.seedCreation(t, "h1", -time.Minute)
	f.gateway.set(lightning.SettlementPaid, nil)

	require.NoError(t, f.processor.handle(context.Background(), queue.NewJob(queue.KindPollAccountPayment, "h1")))

	intent, err := f.store.GetIntent("h1")
	require.NoError(t, err)
	assert.Equal(t, domain.PaymentStatusPaid, intent.Status)
	assert.Equal(t, 1, f.provisioner.createCount())
}

func TestProvisioningFailure_Exhausted(t *testing.T) {
	f := newFixture(t, Config{MaxProvisionAttempts: 2})
	f.seedCreation(t, "h1", time.Hour)
	f.gateway.set(lightning.SettlementPaid, nil)
	f.provisioner.err = errors.New("setup script missing")

	job := queue.NewJob(queue.KindPollAccountPayment, "h1")
	job.Attempt = 1 // 下一次失败即耗尽
	require.NoError(t, f.processor.handle(context.Background(), job))

	// 支付保持 paid 终态，失败记录在账户上
	intent, err := f.store.GetIntent("h1")
	require.NoError(t, err)
	assert.Equal(t, domain.PaymentStatusPaid, intent.Status)

	account, err := f.store.GetAccountByPaymentHash("h1")
	require.NoError(t, err)
	assert.Equal(t, domain.AccountStatusProvisioningFailed, account.Status)
}

func seedRenewal(t *testing.T, f *fixture, hash string, years int) *domain.Account {
	t.Helper()
	now := time.Now().UTC()
	account := &domain.Account{
		EmailAddress:       "bob@example.net",
		AccessToken:        "token-bob",
		PaymentHash:        "orig-hash",
		Status:             domain.AccountStatusActive,
		EmailPassword:      "pw",
		CreatedAt:          now,
		ExpiresAt:          now.AddDate(0, 6, 0),
		RenewalPaymentHash: &hash,
	}
	require.NoError(t, f.store.CreateAccount(account))

	intent := &domain.PaymentIntent{
		PaymentHash: hash,
		Kind:        domain.IntentKindAccountRenewal,
		AmountSats:  int64(years) * 994,
		Status:      domain.PaymentStatusPending,
		AccountID:   &account.ID,
		CreatedAt:   now,
		ExpiresAt:   now.Add(time.Hour),
	}
	require.NoError(t, intent.SetRenewalPayload(domain.RenewalPayload{Years: years}))
	require.NoError(t, f.store.CreateIntent(intent))
	return account
}

func TestPaidRenewal_ExtendsFromCurrentExpiry(t *testing.T) {
	f := newFixture(t, Config{})
	account := seedRenewal(t, f, "renew-1", 1)
	originalExpiry := account.ExpiresAt
	f.gateway.set(lightning.SettlementPaid, nil)

	require.NoError(t, f.processor.handle(context.Background(), queue.NewJob(queue.KindPollRenewalPayment, "renew-1")))

	fresh, err := f.store.GetAccountByToken("token-bob")
	require.NoError(t, err)
	// 提前续费：从剩余有效期末尾起算
	assert.Equal(t, originalExpiry.AddDate(1, 0, 0), fresh.ExpiresAt)
	assert.Nil(t, fresh.RenewalPaymentHash)

	// 重放：哈希已清空，延期不会应用第二次
	require.NoError(t, f.processor.handle(context.Background(), queue.NewJob(queue.KindPollRenewalPayment, "renew-1")))
	again, err := f.store.GetAccountByToken("token-bob")
	require.NoError(t, err)
	assert.Equal(t, fresh.ExpiresAt, again.ExpiresAt)
}

func TestPaidRenewal_ReactivatesExpiredAccount(t *testing.T) {
	f := newFixture(t, Config{})
	account := seedRenewal(t, f, "renew-2", 2)
	account.Status = domain.AccountStatusExpired
	account.ExpiresAt = time.Now().UTC().AddDate(0, -1, 0)
	require.NoError(t, f.store.UpdateAccount(account))
	f.gateway.set(lightning.SettlementPaid, nil)

	require.NoError(t, f.processor.handle(context.Background(), queue.NewJob(queue.KindPollRenewalPayment, "renew-2")))

	fresh, err := f.store.GetAccountByToken("token-bob")
	require.NoError(t, err)
	assert.Equal(t, domain.AccountStatusActive, fresh.Status)
	// 过期后续费从当前时刻起算
	assert.True(t, fresh.ExpiresAt.After(time.Now().UTC().AddDate(2, 0, -1)))
}

func seedSend(t *testing.T, f *fixture, hash string) *domain.OutboundEmail {
	t.Helper()
	now := time.Now().UTC()
	account := &domain.Account{
		EmailAddress:  "carol@example.net",
		AccessToken:   "token-carol",
		PaymentHash:   "carol-orig",
		EmailPassword: "pw",
		Status:        domain.AccountStatusActive,
		ExpiresAt:     now.AddDate(1, 0, 0),
	}
	require.NoError(t, f.store.CreateAccount(account))

	outbound := &domain.OutboundEmail{
		SenderAddress:  account.EmailAddress,
		Recipient:      "dave@example.com",
		Subject:        "hi",
		Body:           "hello",
		PaymentHash:    hash,
		PriceSats:      100,
		DeliveryStatus: domain.DeliveryStatusPending,
		CreatedAt:      now,
	}
	require.NoError(t, f.store.CreateOutbound(outbound))

	intent := &domain.PaymentIntent{
		PaymentHash: hash,
		Kind:        domain.IntentKindOutboundSend,
		AmountSats:  100,
		Status:      domain.PaymentStatusPending,
		AccountID:   &account.ID,
		CreatedAt:   now,
		ExpiresAt:   now.Add(time.Hour),
	}
	require.NoError(t, intent.SetSendPayload(domain.SendPayload{OutboundID: outbound.ID}))
	require.NoError(t, f.store.CreateIntent(intent))
	return outbound
}

func TestPaidSend_DeliversOnce(t *testing.T) {
	f := newFixture(t, Config{})
	seedSend(t, f, "send-1")
	f.gateway.set(lightning.SettlementPaid, nil)

	require.NoError(t, f.processor.handle(context.Background(), queue.NewJob(queue.KindPollSendPayment, "send-1")))

	outbound, err := f.store.GetOutboundByPaymentHash("send-1")
	require.NoError(t, err)
	assert.Equal(t, domain.DeliveryStatusSent, outbound.DeliveryStatus)
	require.NotNil(t, outbound.SentAt)
	assert.Equal(t, 1, f.sender.sendCount())

	// 重放：已投递，不再发送
	require.NoError(t, f.processor.handle(context.Background(), queue.NewJob(queue.KindPollSendPayment, "send-1")))
	assert.Equal(t, 1, f.sender.sendCount())
}

func TestPaidSend_RetriesAreBounded(t *testing.T) {
	f := newFixture(t, Config{MaxDeliveryAttempts: 3})
	seedSend(t, f, "send-2")
	f.gateway.set(lightning.SettlementPaid, nil)
	f.sender.err = errors.New("smtp refused")

	// 每次处理都失败，直到重试耗尽
	for i := 0; i < 3; i++ {
		require.NoError(t, f.processor.handle(context.Background(), queue.NewJob(queue.KindPollSendPayment, "send-2")))
	}

	outbound, err := f.store.GetOutboundByPaymentHash("send-2")
	require.NoError(t, err)
	assert.Equal(t, domain.DeliveryStatusFailed, outbound.DeliveryStatus)
	assert.Equal(t, 3, outbound.RetryCount)
	require.NotNil(t, outbound.DeliveryError)
	assert.Contains(t, *outbound.DeliveryError, "smtp refused")
	assert.Equal(t, 3, f.sender.sendCount())

	// 失败是终态，重放不再尝试
	require.NoError(t, f.processor.handle(context.Background(), queue.NewJob(queue.KindPollSendPayment, "send-2")))
	assert.Equal(t, 3, f.sender.sendCount())

	// 支付状态不受投递失败影响
	intent, err := f.store.GetIntent("send-2")
	require.NoError(t, err)
	assert.Equal(t, domain.PaymentStatusPaid, intent.Status)
}

func TestHandle_UnknownIntentDropped(t *testing.T) {
	f := newFixture(t, Config{})
	assert.NoError(t, f.processor.handle(context.Background(), queue.NewJob(queue.KindPollAccountPayment, "ghost")))
}

func TestRecoverPending(t *testing.T) {
	f := newFixture(t, Config{})
	f.seedCreation(t, "h1", time.Hour)
	f.seedCreation(t, "h2", time.Hour)
	require.NoError(t, f.store.MarkIntentFailed("h2"))

	require.NoError(t, f.processor.RecoverPending(context.Background()))

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	job, err := f.queue.Dequeue(ctx)
	require.NoError(t, err)
	assert.Equal(t, "h1", job.PaymentHash)

	// 终态意向不重新入队
	shortCtx, cancel2 := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel2()
	_, err = f.queue.Dequeue(shortCtx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestRetryInterval(t *testing.T) {
	assert.Equal(t, 5*time.Second, retryInterval(0))
	assert.Equal(t, 5*time.Second, retryInterval(1))
	assert.Equal(t, 15*time.Second, retryInterval(2))
	assert.Equal(t, time.Minute, retryInterval(3))
	assert.Equal(t, 5*time.Minute, retryInterval(4))
	// 封顶
	assert.Equal(t, 5*time.Minute, retryInterval(99))
}
