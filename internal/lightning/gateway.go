// Package lightning 封装闪电网络节点的发票创建与结算查询。
package lightning

import (
	"context"
)

// Settlement 表示一张发票的结算状态。
//
// Unknown 与 Unpaid 必须区分：节点瞬时不可达时返回 Unknown，
// 调用方据此保持意向 pending 而不是提前判定过期。
type Settlement int

const (
	SettlementUnknown Settlement = iota
	SettlementUnpaid
	SettlementPaid
)

// String 返回结算状态的文本表示。
func (s Settlement) String() string {
	switch s {
	case SettlementUnpaid:
		return "unpaid"
	case SettlementPaid:
		return "paid"
	default:
		return "unknown"
	}
}

// Invoice 表示一张已创建的闪电发票。
type Invoice struct {
	PaymentHash    string
	PaymentRequest string
	// OriginalPaymentRequest 在发票被 LNProxy 包装时保留节点原始发票，
	// 未包装时为空。
	OriginalPaymentRequest string
}

// Gateway 定义发票网关接口。
type Gateway interface {
	// CreateInvoice 创建指定金额（聪）与备注的发票。
	CreateInvoice(ctx context.Context, amountSats int64, memo string) (*Invoice, error)
	// SettlementStatus 查询支付哈希对应发票的结算状态。
	// 节点瞬时故障时返回 SettlementUnknown 与底层错误。
	SettlementStatus(ctx context.Context, paymentHash string) (Settlement, error)
}
