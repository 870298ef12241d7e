package domain

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// PaymentStatus 表示支付意向的状态。
//
// 状态只允许严格单向迁移：pending -> {paid | expired | failed}。
// paid 是终态，且恰好触发一次下游动作。
type PaymentStatus string

const (
	PaymentStatusPending PaymentStatus = "pending"
	PaymentStatusPaid    PaymentStatus = "paid"
	PaymentStatusExpired PaymentStatus = "expired"
	PaymentStatusFailed  PaymentStatus = "failed"
)

// Terminal 判断是否为终态。
func (s PaymentStatus) Terminal() bool {
	return s == PaymentStatusPaid || s == PaymentStatusExpired || s == PaymentStatusFailed
}

// IntentKind 表示支付意向的类型，同时充当载荷的变体标签。
type IntentKind string

const (
	IntentKindAccountCreation IntentKind = "account_creation"
	IntentKindAccountRenewal  IntentKind = "account_renewal"
	IntentKindOutboundSend    IntentKind = "outbound_send"
)

// PaymentIntent 表示一次闪电支付意向，是所有收款驱动状态迁移的依据。
//
// PaymentHash 为主键（每张发票全局唯一）。记录由 API 请求路径同步创建，
// 之后仅由后台任务处理器修改，避免轮询与创建之间的竞态。
type PaymentIntent struct {
	PaymentHash string        `json:"payment_hash" gorm:"primaryKey;type:varchar(64)"`
	Kind        IntentKind    `json:"kind" gorm:"type:varchar(32);index"`
	AmountSats  int64         `json:"amount_sats"`
	Status      PaymentStatus `json:"status" gorm:"type:varchar(16);index"`
	AccountID   *uint         `json:"-" gorm:"index"` // 创建类意向在账户落库后回填
	PayloadJSON string        `json:"-" gorm:"type:text"`
	CreatedAt   time.Time     `json:"created_at"`
	ExpiresAt   time.Time     `json:"expires_at" gorm:"index"` // 发票有效期截止，过后观察到的结算默认丢弃
	SettledAt   *time.Time    `json:"settled_at,omitempty"`
}

// TableName 指定数据库表名。
func (PaymentIntent) TableName() string {
	return "payment_intents"
}

// ErrPayloadKindMismatch 载荷与意向类型不匹配。
var ErrPayloadKindMismatch = errors.New("payload does not match intent kind")

// RenewalPayload 是续费意向的载荷。
type RenewalPayload struct {
	Years int `json:"years"`
}

// SendPayload 是外发意向的载荷，指向待发邮件记录。
type SendPayload struct {
	OutboundID uint `json:"outbound_id"`
}

// SetRenewalPayload 写入续费载荷。
func (i *PaymentIntent) SetRenewalPayload(p RenewalPayload) error {
	if i.Kind != IntentKindAccountRenewal {
		return ErrPayloadKindMismatch
	}
	return i.marshalPayload(p)
}

// RenewalPayload 读取续费载荷。
func (i *PaymentIntent) RenewalPayload() (RenewalPayload, error) {
	var p RenewalPayload
	if i.Kind != IntentKindAccountRenewal {
		return p, ErrPayloadKindMismatch
	}
	err := i.unmarshalPayload(&p)
	return p, err
}

// SetSendPayload 写入外发载荷。
func (i *PaymentIntent) SetSendPayload(p SendPayload) error {
	if i.Kind != IntentKindOutboundSend {
		return ErrPayloadKindMismatch
	}
	return i.marshalPayload(p)
}

// SendPayload 读取外发载荷。
func (i *PaymentIntent) SendPayload() (SendPayload, error) {
	var p SendPayload
	if i.Kind != IntentKindOutboundSend {
		return p, ErrPayloadKindMismatch
	}
	err := i.unmarshalPayload(&p)
	return p, err
}

func (i *PaymentIntent) marshalPayload(v interface{}) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to encode intent payload: %w", err)
	}
	i.PayloadJSON = string(data)
	return nil
}

func (i *PaymentIntent) unmarshalPayload(v interface{}) error {
	if i.PayloadJSON == "" {
		return fmt.Errorf("intent %s has empty payload", i.PaymentHash)
	}
	if err := json.Unmarshal([]byte(i.PayloadJSON), v); err != nil {
		return fmt.Errorf("failed to decode intent payload: %w", err)
	}
	return nil
}
