package domain

import (
	"errors"
	"net/mail"
	"regexp"
	"strings"
)

// 验证相关的错误定义
var (
	ErrInvalidRecipient    = errors.New("invalid recipient address")
	ErrRecipientTooLong    = errors.New("recipient address too long")
	ErrSubjectTooLong      = errors.New("subject too long")
	ErrBodyTooLarge        = errors.New("body too large")
	ErrAttachmentsTooLarge = errors.New("combined attachment size exceeds limit")
	ErrAttachmentInvalid   = errors.New("attachment content invalid")
	ErrTooManyAttachments  = errors.New("too many attachments")
)

// 验证常量
const (
	// RFC 5322 地址长度限制
	MaxEmailLength     = 254
	MaxLocalPartLength = 64

	// RFC 2822 单行头部上限
	MaxSubjectLength = 998

	// 外发内容限制
	MaxBodyBytes            = 256 * 1024       // 正文上限 256KB
	MaxAttachmentTotalBytes = 10 * 1024 * 1024 // 附件解码后合计上限 10MB
	MaxAttachmentCount      = 10
)

// 域名部分验证（支持子域名）
var domainRegex = regexp.MustCompile(`^[a-zA-Z0-9][a-zA-Z0-9-]{0,61}[a-zA-Z0-9]?(\.[a-zA-Z0-9][a-zA-Z0-9-]{0,61}[a-zA-Z0-9]?)+$`)

// ValidateRecipient 验证收件人地址格式。
func ValidateRecipient(address string) error {
	address = strings.TrimSpace(address)
	if address == "" {
		return ErrInvalidRecipient
	}
	if len(address) > MaxEmailLength {
		return ErrRecipientTooLong
	}

	parsed, err := mail.ParseAddress(address)
	if err != nil {
		return ErrInvalidRecipient
	}
	// 拒绝 "Name <addr>" 形式，只接受裸地址
	if parsed.Address != address {
		return ErrInvalidRecipient
	}

	at := strings.LastIndex(address, "@")
	if at <= 0 || at == len(address)-1 {
		return ErrInvalidRecipient
	}
	local, host := address[:at], address[at+1:]
	if len(local) > MaxLocalPartLength {
		return ErrInvalidRecipient
	}
	if !domainRegex.MatchString(host) {
		return ErrInvalidRecipient
	}
	return nil
}

// ValidateOutbound 对外发邮件内容做同步校验。
//
// 校验失败的请求不会创建发票，也不会进入后台队列。
func ValidateOutbound(recipient, subject, body string, atts []Attachment) error {
	if err := ValidateRecipient(recipient); err != nil {
		return err
	}
	if len(subject) > MaxSubjectLength {
		return ErrSubjectTooLong
	}
	if len(body) > MaxBodyBytes {
		return ErrBodyTooLarge
	}
	if len(atts) > MaxAttachmentCount {
		return ErrTooManyAttachments
	}

	total := 0
	for _, att := range atts {
		size, err := att.DecodedSize()
		if err != nil {
			return ErrAttachmentInvalid
		}
		total += size
		if total > MaxAttachmentTotalBytes {
			return ErrAttachmentsTooLarge
		}
	}
	return nil
}
