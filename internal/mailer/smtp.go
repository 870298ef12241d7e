// Package mailer 封装与邮件系统的 SMTP 提交和 IMAP 读取。
package mailer

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"time"

	"github.com/emersion/go-message/mail"
	"github.com/emersion/go-sasl"
	gosmtp "github.com/emersion/go-smtp"
	"go.uber.org/zap"

	"lnemail/backend/internal/domain"
)

// Submitter 通过 SMTP 提交端口以账户自身身份发出邮件。
type Submitter struct {
	addr string // host:port，587 提交端口
	log  *zap.Logger
}

// NewSubmitter 创建 SMTP 提交客户端。
func NewSubmitter(addr string, log *zap.Logger) *Submitter {
	return &Submitter{addr: addr, log: log}
}

// Submit 以发件账户的凭证认证并发送一封邮件。
//
// 认证身份与 From 地址一致，邮件系统的 SPF/DKIM 签名由它自己处理。
func (s *Submitter) Submit(ctx context.Context, email *domain.OutboundEmail, mailboxPassword string) error {
	raw, err := buildMessage(email)
	if err != nil {
		return fmt.Errorf("failed to build message: %w", err)
	}

	c, err := gosmtp.DialStartTLS(s.addr, nil)
	if err != nil {
		return fmt.Errorf("failed to connect to smtp server: %w", err)
	}
	defer c.Close()

	auth := sasl.NewPlainClient("", email.SenderAddress, mailboxPassword)
	if err := c.Auth(auth); err != nil {
		return fmt.Errorf("smtp authentication failed: %w", err)
	}

	if err := c.SendMail(email.SenderAddress, []string{email.Recipient}, bytes.NewReader(raw)); err != nil {
		return fmt.Errorf("smtp send failed: %w", err)
	}

	s.log.Info("outbound email submitted",
		zap.String("from", email.SenderAddress),
		zap.String("to", email.Recipient),
		zap.Int("size", len(raw)),
	)
	return c.Quit()
}

// buildMessage 构造 MIME 消息：纯文本正文加可选附件。
func buildMessage(email *domain.OutboundEmail) ([]byte, error) {
	attachments, err := email.Attachments()
	if err != nil {
		return nil, err
	}

	var buf bytes.Buffer
	var h mail.Header
	h.SetDate(time.Now().UTC())
	h.SetAddressList("From", []*mail.Address{{Address: email.SenderAddress}})
	h.SetAddressList("To", []*mail.Address{{Address: email.Recipient}})
	h.SetSubject(email.Subject)

	mw, err := mail.CreateWriter(&buf, h)
	if err != nil {
		return nil, err
	}

	var th mail.InlineHeader
	th.Set("Content-Type", "text/plain; charset=utf-8")
	tw, err := mw.CreateSingleInline(th)
	if err != nil {
		return nil, err
	}
	if _, err := io.WriteString(tw, email.Body); err != nil {
		return nil, err
	}
	if err := tw.Close(); err != nil {
		return nil, err
	}

	for _, att := range attachments {
		content, err := att.Decode()
		if err != nil {
			return nil, fmt.Errorf("failed to decode attachment %s: %w", att.Filename, err)
		}

		var ah mail.AttachmentHeader
		contentType := att.ContentType
		if contentType == "" {
			contentType = "application/octet-stream"
		}
		ah.Set("Content-Type", contentType)
		ah.SetFilename(att.Filename)

		aw, err := mw.CreateAttachment(ah)
		if err != nil {
			return nil, err
		}
		if _, err := aw.Write(content); err != nil {
			return nil, err
		}
		if err := aw.Close(); err != nil {
			return nil, err
		}
	}

	if err := mw.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
