package lightning

import (
	"context"
	"encoding/hex"
	"fmt"
	"os"
	"time"

	"github.com/lightningnetwork/lnd/lnrpc"
	"github.com/lightningnetwork/lnd/macaroons"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials"
	macaroon "gopkg.in/macaroon.v2"
)

// LNDConfig LND 节点连接配置。
type LNDConfig struct {
	GRPCHost      string        // 形如 "lnd:10009"
	TLSCertPath   string        // 节点 TLS 证书路径
	MacaroonPath  string        // invoice macaroon 路径
	InvoiceExpiry time.Duration // 发票有效期，默认 1 小时
	LookupPerSec  float64       // LookupInvoice 的调用速率上限
}

// LNDGateway 通过 gRPC 访问 LND 节点的发票网关。
type LNDGateway struct {
	conn          *grpc.ClientConn
	client        lnrpc.LightningClient
	invoiceExpiry time.Duration
	lookupLimiter *rate.Limiter
	log           *zap.Logger
}

// NewLNDGateway 建立到 LND 节点的安全连接（TLS + macaroon 凭证）。
func NewLNDGateway(cfg LNDConfig, log *zap.Logger) (*LNDGateway, error) {
	tlsCreds, err := credentials.NewClientTLSFromFile(cfg.TLSCertPath, "")
	if err != nil {
		return nil, fmt.Errorf("failed to load lnd tls certificate: %w", err)
	}

	macBytes, err := os.ReadFile(cfg.MacaroonPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read lnd macaroon: %w", err)
	}
	mac := &macaroon.Macaroon{}
	if err := mac.UnmarshalBinary(macBytes); err != nil {
		return nil, fmt.Errorf("failed to parse lnd macaroon: %w", err)
	}
	macCred, err := macaroons.NewMacaroonCredential(mac)
	if err != nil {
		return nil, fmt.Errorf("failed to build macaroon credential: %w", err)
	}

	conn, err := grpc.NewClient(cfg.GRPCHost,
		grpc.WithTransportCredentials(tlsCreds),
		grpc.WithPerRPCCredentials(macCred),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to dial lnd: %w", err)
	}

	expiry := cfg.InvoiceExpiry
	if expiry <= 0 {
		expiry = time.Hour
	}
	lookupPerSec := cfg.LookupPerSec
	if lookupPerSec <= 0 {
		lookupPerSec = 10
	}

	log.Info("lnd gateway initialized",
		zap.String("host", cfg.GRPCHost),
		zap.Duration("invoice_expiry", expiry),
	)

	return &LNDGateway{
		conn:          conn,
		client:        lnrpc.NewLightningClient(conn),
		invoiceExpiry: expiry,
		lookupLimiter: rate.NewLimiter(rate.Limit(lookupPerSec), 1),
		log:           log,
	}, nil
}

// CreateInvoice 创建发票。
func (g *LNDGateway) CreateInvoice(ctx context.Context, amountSats int64, memo string) (*Invoice, error) {
	resp, err := g.client.AddInvoice(ctx, &lnrpc.Invoice{
		Value:  amountSats,
		Memo:   memo,
		Expiry: int64(g.invoiceExpiry.Seconds()),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create invoice: %w", err)
	}

	hash := hex.EncodeToString(resp.RHash)
	g.log.Debug("invoice created",
		zap.String("payment_hash", hash),
		zap.Int64("amount_sats", amountSats),
	)

	return &Invoice{
		PaymentHash:    hash,
		PaymentRequest: resp.PaymentRequest,
	}, nil
}

// SettlementStatus 查询发票结算状态。
//
// 节点调用失败统一归为 Unknown，由调用方按瞬时故障处理。
func (g *LNDGateway) SettlementStatus(ctx context.Context, paymentHash string) (Settlement, error) {
	rHash, err := hex.DecodeString(paymentHash)
	if err != nil {
		return SettlementUnknown, fmt.Errorf("invalid payment hash %q: %w", paymentHash, err)
	}

	if err := g.lookupLimiter.Wait(ctx); err != nil {
		return SettlementUnknown, err
	}

	invoice, err := g.client.LookupInvoice(ctx, &lnrpc.PaymentHash{RHash: rHash})
	if err != nil {
		return SettlementUnknown, fmt.Errorf("failed to lookup invoice: %w", err)
	}

	switch invoice.State {
	case lnrpc.Invoice_SETTLED:
		return SettlementPaid, nil
	default:
		// OPEN / ACCEPTED / CANCELED 都视为未结算；
		// 发票过期判定以意向自身的截止时间为准
		return SettlementUnpaid, nil
	}
}

// Close 关闭 gRPC 连接。
func (g *LNDGateway) Close() error {
	return g.conn.Close()
}
