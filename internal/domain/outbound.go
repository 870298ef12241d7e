package domain

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"time"
)

// DeliveryStatus 表示外发邮件的投递状态。
//
// 投递状态与支付状态相互独立：只有支付意向进入 paid 之后才会尝试投递，
// 投递状态单向迁移 pending -> {sent | failed}，失败前允许有限次重试。
type DeliveryStatus string

const (
	DeliveryStatusPending DeliveryStatus = "pending"
	DeliveryStatusSent    DeliveryStatus = "sent"
	DeliveryStatusFailed  DeliveryStatus = "failed"
)

// Attachment 表示外发邮件的单个附件，内容以 base64 随请求提交。
type Attachment struct {
	Filename    string `json:"filename"`
	ContentType string `json:"content_type"`
	Content     string `json:"content"` // base64 编码
}

// DecodedSize 返回附件解码后的字节数，内容非法时返回错误。
func (a Attachment) DecodedSize() (int, error) {
	n := base64.StdEncoding.DecodedLen(len(a.Content))
	if _, err := base64.StdEncoding.DecodeString(a.Content); err != nil {
		return 0, fmt.Errorf("attachment %q is not valid base64: %w", a.Filename, err)
	}
	return n, nil
}

// Decode 返回附件的原始内容。
func (a Attachment) Decode() ([]byte, error) {
	data, err := base64.StdEncoding.DecodeString(a.Content)
	if err != nil {
		return nil, fmt.Errorf("attachment %q is not valid base64: %w", a.Filename, err)
	}
	return data, nil
}

// OutboundEmail 表示一封待付费外发的邮件。
type OutboundEmail struct {
	ID              uint           `json:"-" gorm:"primaryKey"`
	SenderAddress   string         `json:"sender_email" gorm:"type:varchar(255);index"`
	Recipient       string         `json:"recipient" gorm:"type:varchar(255)"`
	Subject         string         `json:"subject" gorm:"type:varchar(998)"`
	Body            string         `json:"-" gorm:"type:text"`
	AttachmentsJSON string         `json:"-" gorm:"type:text"`
	PaymentHash     string         `json:"payment_hash" gorm:"type:varchar(64);uniqueIndex"`
	PriceSats       int64          `json:"price_sats"`
	DeliveryStatus  DeliveryStatus `json:"delivery_status" gorm:"type:varchar(16);index"`
	RetryCount      int            `json:"-"`
	DeliveryError   *string        `json:"delivery_error,omitempty" gorm:"type:text"`
	CreatedAt       time.Time      `json:"created_at"`
	SentAt          *time.Time     `json:"sent_at,omitempty"`
}

// TableName 指定数据库表名。
func (OutboundEmail) TableName() string {
	return "pending_outgoing_emails"
}

// SetAttachments 序列化附件列表。
func (e *OutboundEmail) SetAttachments(atts []Attachment) error {
	if len(atts) == 0 {
		e.AttachmentsJSON = ""
		return nil
	}
	data, err := json.Marshal(atts)
	if err != nil {
		return fmt.Errorf("failed to encode attachments: %w", err)
	}
	e.AttachmentsJSON = string(data)
	return nil
}

// Attachments 反序列化附件列表。
func (e *OutboundEmail) Attachments() ([]Attachment, error) {
	if e.AttachmentsJSON == "" {
		return nil, nil
	}
	var atts []Attachment
	if err := json.Unmarshal([]byte(e.AttachmentsJSON), &atts); err != nil {
		return nil, fmt.Errorf("failed to decode attachments: %w", err)
	}
	return atts, nil
}
