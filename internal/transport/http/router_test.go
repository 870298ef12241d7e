package httptransport

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"lnemail/backend/internal/config"
	"lnemail/backend/internal/domain"
	"lnemail/backend/internal/lightning"
	"lnemail/backend/internal/mailer"
	"lnemail/backend/internal/queue"
	"lnemail/backend/internal/service"
	"lnemail/backend/internal/storage/memory"
	"lnemail/backend/internal/websocket"
)

func init() {
	gin.SetMode(gin.TestMode)
}

// fakeGateway 开票计数 + 递增哈希。
type fakeGateway struct {
	mu       sync.Mutex
	invoices int
}

func (g *fakeGateway) CreateInvoice(ctx context.Context, amountSats int64, memo string) (*lightning.Invoice, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.invoices++
	return &lightning.Invoice{
		PaymentHash:    fmt.Sprintf("hash-%d", g.invoices),
		PaymentRequest: fmt.Sprintf("lnbc-%d", g.invoices),
	}, nil
}

func (g *fakeGateway) SettlementStatus(ctx context.Context, paymentHash string) (lightning.Settlement, error) {
	return lightning.SettlementUnpaid, nil
}

// fakeInbox 内存收件箱。
type fakeInbox struct {
	emails map[uint32]*mailer.EmailDetail
	err    error
}

func (f *fakeInbox) ListEmails(address, password string) ([]mailer.EmailSummary, error) {
	if f.err != nil {
		return nil, f.err
	}
	var out []mailer.EmailSummary
	for _, d := range f.emails {
		out = append(out, d.EmailSummary)
	}
	return out, nil
}

func (f *fakeInbox) GetEmail(address, password string, uid uint32) (*mailer.EmailDetail, error) {
	if f.err != nil {
		return nil, f.err
	}
	detail, ok := f.emails[uid]
	if !ok {
		return nil, mailer.ErrMessageNotFound
	}
	return detail, nil
}

func (f *fakeInbox) DeleteEmails(address, password string, uids []uint32) (int, error) {
	if f.err != nil {
		return 0, f.err
	}
	deleted := 0
	for _, uid := range uids {
		if _, ok := f.emails[uid]; ok {
			delete(f.emails, uid)
			deleted++
		}
	}
	return deleted, nil
}

type testEnv struct {
	router *gin.Engine
	store  *memory.Store
	inbox  *fakeInbox
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	store := memory.NewStore()
	q := queue.NewMemoryQueue(256)
	t.Cleanup(q.Stop)
	gateway := &fakeGateway{}
	log := zap.NewNop()

	payment := config.PaymentConfig{
		AccountPriceSats: 994,
		SendPriceSats:    100,
		InvoiceExpiry:    time.Hour,
	}
	rateLimit := config.RateLimitConfig{
		ShortWindow: 15 * time.Minute,
		ShortMax:    5,
		LongWindow:  time.Hour,
		LongMax:     20,
	}

	inbox := &fakeInbox{emails: map[uint32]*mailer.EmailDetail{}}
	cfg := &config.Config{}
	cfg.CORS.AllowedOrigins = []string{"*"}

	router := NewRouter(RouterDependencies{
		Config:         cfg,
		AccountService: service.NewAccountService(store, gateway, q, nil, payment, "example.net", log),
		MailService:    service.NewMailService(inbox),
		SendService:    service.NewSendService(store, gateway, q, payment, rateLimit, log),
		WebSocketHub:   websocket.NewHub(log),
		Logger:         log,
	})
	return &testEnv{router: router, store: store, inbox: inbox}
}

func (e *testEnv) seedAccount(t *testing.T, token string, status domain.AccountStatus, expiresAt time.Time) *domain.Account {
	t.Helper()
	account := &domain.Account{
		EmailAddress:  token + "@example.net",
		AccessToken:   token,
		EmailPassword: "pw",
		PaymentHash:   "seed-" + token,
		Status:        status,
		CreatedAt:     time.Now().UTC(),
		ExpiresAt:     expiresAt,
	}
	require.NoError(t, e.store.CreateAccount(account))
	return account
}

func (e *testEnv) request(t *testing.T, method, path, token string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(raw)
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, reader)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	w := httptest.NewRecorder()
	e.router.ServeHTTP(w, req)
	return w
}

func decodeData(t *testing.T, w *httptest.ResponseRecorder) map[string]interface{} {
	t.Helper()
	var resp struct {
		Code int                    `json:"code"`
		Msg  string                 `json:"msg"`
		Data map[string]interface{} `json:"data"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	return resp.Data
}

func TestCreateAccountEndpoint(t *testing.T) {
	env := newTestEnv(t)

	w := env.request(t, http.MethodPost, "/api/v1/email", "", nil)
	require.Equal(t, http.StatusCreated, w.Code)

	data := decodeData(t, w)
	assert.Contains(t, data["email"], "@example.net")
	assert.NotEmpty(t, data["payment_hash"])
	assert.NotEmpty(t, data["payment_request"])
	assert.EqualValues(t, 994, data["amount_sats"])
	// 令牌在支付前绝不返回
	assert.NotContains(t, data, "access_token")
}

func TestPaymentStatusEndpoint(t *testing.T) {
	env := newTestEnv(t)

	w := env.request(t, http.MethodPost, "/api/v1/email", "", nil)
	require.Equal(t, http.StatusCreated, w.Code)
	hash := decodeData(t, w)["payment_hash"].(string)

	w = env.request(t, http.MethodGet, "/api/v1/payment/"+hash, "", nil)
	require.Equal(t, http.StatusOK, w.Code)
	data := decodeData(t, w)
	assert.Equal(t, "pending", data["status"])
	assert.Equal(t, false, data["paid"])

	w = env.request(t, http.MethodGet, "/api/v1/payment/ghost", "", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestPaymentStatusEndpoint_RevealsTokenWhenPaid(t *testing.T) {
	env := newTestEnv(t)

	w := env.request(t, http.MethodPost, "/api/v1/email", "", nil)
	hash := decodeData(t, w)["payment_hash"].(string)
	require.NoError(t, env.store.MarkIntentPaid(hash, time.Now().UTC()))

	w = env.request(t, http.MethodGet, "/api/v1/payment/"+hash, "", nil)
	require.Equal(t, http.StatusOK, w.Code)
	data := decodeData(t, w)
	assert.Equal(t, true, data["paid"])
	assert.NotEmpty(t, data["access_token"])
	assert.NotEmpty(t, data["email"])
}

func TestAuth(t *testing.T) {
	env := newTestEnv(t)
	future := time.Now().UTC().AddDate(1, 0, 0)
	past := time.Now().UTC().Add(-time.Hour)
	env.seedAccount(t, "good-token", domain.AccountStatusActive, future)
	env.seedAccount(t, "expired-token", domain.AccountStatusExpired, past)

	t.Run("missing token", func(t *testing.T) {
		w := env.request(t, http.MethodGet, "/api/v1/account", "", nil)
		assert.Equal(t, http.StatusUnauthorized, w.Code)
	})

	t.Run("invalid token", func(t *testing.T) {
		w := env.request(t, http.MethodGet, "/api/v1/account", "bogus", nil)
		assert.Equal(t, http.StatusUnauthorized, w.Code)
	})

	t.Run("valid token", func(t *testing.T) {
		w := env.request(t, http.MethodGet, "/api/v1/account", "good-token", nil)
		require.Equal(t, http.StatusOK, w.Code)
		data := decodeData(t, w)
		assert.Equal(t, "good-token@example.net", data["email"])
	})

	t.Run("token via query parameter", func(t *testing.T) {
		w := env.request(t, http.MethodGet, "/api/v1/account?token=good-token", "", nil)
		assert.Equal(t, http.StatusOK, w.Code)
	})

	t.Run("expired account rejected on inbox route", func(t *testing.T) {
		w := env.request(t, http.MethodGet, "/api/v1/emails", "expired-token", nil)
		assert.Equal(t, http.StatusForbidden, w.Code)
	})

	t.Run("expired account allowed on renewal route", func(t *testing.T) {
		w := env.request(t, http.MethodPost, "/api/v1/account/renew", "expired-token", nil)
		assert.Equal(t, http.StatusCreated, w.Code)
	})
}

func TestRenewEndpoint(t *testing.T) {
	env := newTestEnv(t)
	env.seedAccount(t, "good-token", domain.AccountStatusActive, time.Now().UTC().AddDate(1, 0, 0))

	w := env.request(t, http.MethodPost, "/api/v1/account/renew", "good-token", map[string]int{"years": 3})
	require.Equal(t, http.StatusCreated, w.Code)
	data := decodeData(t, w)
	assert.EqualValues(t, 3, data["years"])
	assert.EqualValues(t, 3*994, data["amount_sats"])
	hash := data["payment_hash"].(string)

	w = env.request(t, http.MethodGet, "/api/v1/account/renew/status/"+hash, "good-token", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "pending", decodeData(t, w)["status"])

	// 年数越界
	w = env.request(t, http.MethodPost, "/api/v1/account/renew", "good-token", map[string]int{"years": 11})
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestInboxEndpoints(t *testing.T) {
	env := newTestEnv(t)
	env.seedAccount(t, "good-token", domain.AccountStatusActive, time.Now().UTC().AddDate(1, 0, 0))
	env.inbox.emails[7] = &mailer.EmailDetail{
		EmailSummary: mailer.EmailSummary{UID: 7, From: "peer@example.com", Subject: "hi"},
		TextBody:     "hello",
	}

	t.Run("list", func(t *testing.T) {
		w := env.request(t, http.MethodGet, "/api/v1/emails", "good-token", nil)
		require.Equal(t, http.StatusOK, w.Code)
		data := decodeData(t, w)
		assert.EqualValues(t, 1, data["count"])
	})

	t.Run("get", func(t *testing.T) {
		w := env.request(t, http.MethodGet, "/api/v1/emails/7", "good-token", nil)
		require.Equal(t, http.StatusOK, w.Code)
		data := decodeData(t, w)
		assert.Equal(t, "hello", data["body"])
	})

	t.Run("get invalid id", func(t *testing.T) {
		w := env.request(t, http.MethodGet, "/api/v1/emails/abc", "good-token", nil)
		assert.Equal(t, http.StatusBadRequest, w.Code)
	})

	t.Run("get missing message", func(t *testing.T) {
		w := env.request(t, http.MethodGet, "/api/v1/emails/99", "good-token", nil)
		assert.Equal(t, http.StatusNotFound, w.Code)
	})

	t.Run("delete", func(t *testing.T) {
		w := env.request(t, http.MethodPost, "/api/v1/emails/delete", "good-token",
			map[string][]uint32{"email_ids": {7}})
		require.Equal(t, http.StatusOK, w.Code)
		assert.EqualValues(t, 1, decodeData(t, w)["deleted"])
	})

	t.Run("delete without ids", func(t *testing.T) {
		w := env.request(t, http.MethodPost, "/api/v1/emails/delete", "good-token",
			map[string][]uint32{"email_ids": {}})
		assert.Equal(t, http.StatusBadRequest, w.Code)
	})
}

func TestInboxEndpoint_UpstreamDown(t *testing.T) {
	env := newTestEnv(t)
	env.seedAccount(t, "good-token", domain.AccountStatusActive, time.Now().UTC().AddDate(1, 0, 0))
	env.inbox.err = assert.AnError

	w := env.request(t, http.MethodGet, "/api/v1/emails", "good-token", nil)
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
}

func TestSendEndpoint(t *testing.T) {
	env := newTestEnv(t)
	env.seedAccount(t, "good-token", domain.AccountStatusActive, time.Now().UTC().AddDate(1, 0, 0))

	body := map[string]string{
		"recipient": "dave@example.com",
		"subject":   "hi",
		"body":      "hello",
	}
	w := env.request(t, http.MethodPost, "/api/v1/email/send", "good-token", body)
	require.Equal(t, http.StatusCreated, w.Code)
	data := decodeData(t, w)
	assert.EqualValues(t, 100, data["amount_sats"])
	hash := data["payment_hash"].(string)

	w = env.request(t, http.MethodGet, "/api/v1/email/send/status/"+hash, "good-token", nil)
	require.Equal(t, http.StatusOK, w.Code)
	status := decodeData(t, w)
	assert.Equal(t, "pending", status["payment_status"])
	assert.Equal(t, "pending", status["delivery_status"])
}

func TestSendEndpoint_BadRecipient(t *testing.T) {
	env := newTestEnv(t)
	env.seedAccount(t, "good-token", domain.AccountStatusActive, time.Now().UTC().AddDate(1, 0, 0))

	body := map[string]string{"recipient": "nope", "subject": "hi", "body": "hello"}
	w := env.request(t, http.MethodPost, "/api/v1/email/send", "good-token", body)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestSendEndpoint_RateLimited(t *testing.T) {
	env := newTestEnv(t)
	env.seedAccount(t, "good-token", domain.AccountStatusActive, time.Now().UTC().AddDate(1, 0, 0))

	body := map[string]string{"recipient": "dave@example.com", "subject": "hi", "body": "hello"}
	for i := 0; i < 5; i++ {
		w := env.request(t, http.MethodPost, "/api/v1/email/send", "good-token", body)
		require.Equal(t, http.StatusCreated, w.Code)
	}
	w := env.request(t, http.MethodPost, "/api/v1/email/send", "good-token", body)
	assert.Equal(t, http.StatusTooManyRequests, w.Code)
}

func TestSendStatusEndpoint_ForeignHash(t *testing.T) {
	env := newTestEnv(t)
	env.seedAccount(t, "good-token", domain.AccountStatusActive, time.Now().UTC().AddDate(1, 0, 0))
	env.seedAccount(t, "other-token", domain.AccountStatusActive, time.Now().UTC().AddDate(1, 0, 0))

	body := map[string]string{"recipient": "dave@example.com", "subject": "hi", "body": "hello"}
	w := env.request(t, http.MethodPost, "/api/v1/email/send", "good-token", body)
	hash := decodeData(t, w)["payment_hash"].(string)

	w = env.request(t, http.MethodGet, "/api/v1/email/send/status/"+hash, "other-token", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestSecurityHeaders(t *testing.T) {
	env := newTestEnv(t)
	w := env.request(t, http.MethodGet, "/api/v1/payment/ghost", "", nil)
	assert.Equal(t, "nosniff", w.Header().Get("X-Content-Type-Options"))
	assert.Equal(t, "DENY", w.Header().Get("X-Frame-Options"))
}
