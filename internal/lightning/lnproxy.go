package lightning

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"go.uber.org/zap"
)

// LNProxyGateway 隐私包装装饰器：把节点发票经 LNProxy 中继重新封装，
// 使付款方看不到本服务节点的身份。
//
// 包装失败时降级返回原始发票——隐私包装永远不能阻断开户或发信。
type LNProxyGateway struct {
	inner      Gateway
	url        string
	httpClient *http.Client
	log        *zap.Logger
}

// NewLNProxyGateway 创建 LNProxy 装饰器。
func NewLNProxyGateway(inner Gateway, url string, log *zap.Logger) *LNProxyGateway {
	return &LNProxyGateway{
		inner:      inner,
		url:        url,
		httpClient: &http.Client{Timeout: 30 * time.Second},
		log:        log,
	}
}

type lnproxyRequest struct {
	Invoice string `json:"invoice"`
}

type lnproxyResponse struct {
	ProxyInvoice string `json:"proxy_invoice"`
}

// CreateInvoice 先经内层网关创建发票，再尝试包装。
func (g *LNProxyGateway) CreateInvoice(ctx context.Context, amountSats int64, memo string) (*Invoice, error) {
	invoice, err := g.inner.CreateInvoice(ctx, amountSats, memo)
	if err != nil {
		return nil, err
	}

	wrapped, err := g.wrap(ctx, invoice.PaymentRequest)
	if err != nil {
		g.log.Warn("lnproxy wrap failed, falling back to raw invoice",
			zap.String("payment_hash", invoice.PaymentHash),
			zap.Error(err),
		)
		return invoice, nil
	}

	return &Invoice{
		PaymentHash:            invoice.PaymentHash,
		PaymentRequest:         wrapped,
		OriginalPaymentRequest: invoice.PaymentRequest,
	}, nil
}

// SettlementStatus 透传到内层网关，结算始终以节点为准。
func (g *LNProxyGateway) SettlementStatus(ctx context.Context, paymentHash string) (Settlement, error) {
	return g.inner.SettlementStatus(ctx, paymentHash)
}

func (g *LNProxyGateway) wrap(ctx context.Context, paymentRequest string) (string, error) {
	body, err := json.Marshal(lnproxyRequest{Invoice: paymentRequest})
	if err != nil {
		return "", fmt.Errorf("failed to encode lnproxy request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, g.url, bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("failed to build lnproxy request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := g.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("lnproxy request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		payload, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return "", fmt.Errorf("lnproxy returned status %d: %s", resp.StatusCode, payload)
	}

	var parsed lnproxyResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return "", fmt.Errorf("failed to decode lnproxy response: %w", err)
	}
	if parsed.ProxyInvoice == "" {
		return "", fmt.Errorf("lnproxy response missing proxy_invoice field")
	}
	return parsed.ProxyInvoice, nil
}
