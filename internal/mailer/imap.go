package mailer

import (
	"errors"
	"fmt"
	"io"
	"mime"
	"strings"
	"time"

	"github.com/emersion/go-imap"
	"github.com/emersion/go-imap/client"
	"github.com/emersion/go-message/mail"
	"go.uber.org/zap"
)

// ErrMessageNotFound 指定 UID 的邮件不存在。
var ErrMessageNotFound = errors.New("message not found")

// EmailSummary 收件箱列表项。
type EmailSummary struct {
	UID     uint32    `json:"id"`
	From    string    `json:"from"`
	Subject string    `json:"subject"`
	Date    time.Time `json:"date"`
	Seen    bool      `json:"is_read"`
}

// AttachmentInfo 邮件附件元信息，内容不随详情返回。
type AttachmentInfo struct {
	Filename    string `json:"filename"`
	ContentType string `json:"content_type"`
	Size        int    `json:"size"`
}

// EmailDetail 单封邮件详情。HTML 正文已消毒。
type EmailDetail struct {
	EmailSummary
	TextBody    string           `json:"body"`
	HTMLBody    string           `json:"html_body,omitempty"`
	Attachments []AttachmentInfo `json:"attachments"`
}

// Reader 以账户自身凭证通过 IMAP 读取收件箱。
//
// 每次操作建立独立连接；账户数量大、单账户访问频率低，
// 连接复用带来的会话状态管理不值得。
type Reader struct {
	addr    string // host:port，143 STARTTLS 端口
	timeout time.Duration
	log     *zap.Logger
}

// NewReader 创建 IMAP 读取客户端。
func NewReader(addr string, timeout time.Duration, log *zap.Logger) *Reader {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Reader{addr: addr, timeout: timeout, log: log}
}

// connect 建连、STARTTLS 并登录。调用方负责 Logout。
func (r *Reader) connect(address, password string) (*client.Client, error) {
	c, err := client.Dial(r.addr)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to imap server: %w", err)
	}
	c.Timeout = r.timeout

	if err := c.StartTLS(nil); err != nil {
		c.Logout()
		return nil, fmt.Errorf("imap starttls failed: %w", err)
	}
	if err := c.Login(address, password); err != nil {
		c.Logout()
		return nil, fmt.Errorf("imap login failed: %w", err)
	}
	return c, nil
}

// ListEmails 返回收件箱全部邮件的摘要，新邮件在前。
func (r *Reader) ListEmails(address, password string) ([]EmailSummary, error) {
	c, err := r.connect(address, password)
	if err != nil {
		return nil, err
	}
	defer c.Logout()

	mbox, err := c.Select("INBOX", true)
	if err != nil {
		return nil, fmt.Errorf("failed to select inbox: %w", err)
	}
	if mbox.Messages == 0 {
		return []EmailSummary{}, nil
	}

	seqset := new(imap.SeqSet)
	seqset.AddRange(1, mbox.Messages)

	messages := make(chan *imap.Message, 16)
	done := make(chan error, 1)
	go func() {
		done <- c.Fetch(seqset, []imap.FetchItem{imap.FetchEnvelope, imap.FetchFlags, imap.FetchUid}, messages)
	}()

	summaries := make([]EmailSummary, 0, mbox.Messages)
	for msg := range messages {
		summaries = append(summaries, summarize(msg))
	}
	if err := <-done; err != nil {
		return nil, fmt.Errorf("imap fetch failed: %w", err)
	}

	// 新邮件在前
	for i, j := 0, len(summaries)-1; i < j; i, j = i+1, j-1 {
		summaries[i], summaries[j] = summaries[j], summaries[i]
	}
	return summaries, nil
}

// GetEmail 按 UID 取回单封邮件的完整内容并标记已读。
func (r *Reader) GetEmail(address, password string, uid uint32) (*EmailDetail, error) {
	c, err := r.connect(address, password)
	if err != nil {
		return nil, err
	}
	defer c.Logout()

	if _, err := c.Select("INBOX", false); err != nil {
		return nil, fmt.Errorf("failed to select inbox: %w", err)
	}

	seqset := new(imap.SeqSet)
	seqset.AddNum(uid)

	// BODY[] 不带 PEEK，取回即置 \Seen
	section := &imap.BodySectionName{}
	items := []imap.FetchItem{imap.FetchEnvelope, imap.FetchFlags, imap.FetchUid, section.FetchItem()}

	messages := make(chan *imap.Message, 1)
	done := make(chan error, 1)
	go func() {
		done <- c.UidFetch(seqset, items, messages)
	}()

	msg := <-messages
	if err := <-done; err != nil {
		return nil, fmt.Errorf("imap fetch failed: %w", err)
	}
	if msg == nil {
		return nil, ErrMessageNotFound
	}

	detail := &EmailDetail{
		EmailSummary: summarize(msg),
		Attachments:  []AttachmentInfo{},
	}

	body := msg.GetBody(section)
	if body == nil {
		return nil, ErrMessageNotFound
	}
	if err := parseBody(body, detail); err != nil {
		r.log.Warn("failed to parse message body",
			zap.String("email", address),
			zap.Uint32("uid", uid),
			zap.Error(err),
		)
	}
	return detail, nil
}

// DeleteEmails 按 UID 删除邮件并清理，返回实际删除数量。
func (r *Reader) DeleteEmails(address, password string, uids []uint32) (int, error) {
	if len(uids) == 0 {
		return 0, nil
	}

	c, err := r.connect(address, password)
	if err != nil {
		return 0, err
	}
	defer c.Logout()

	if _, err := c.Select("INBOX", false); err != nil {
		return 0, fmt.Errorf("failed to select inbox: %w", err)
	}

	seqset := new(imap.SeqSet)
	for _, uid := range uids {
		seqset.AddNum(uid)
	}

	item := imap.FormatFlagsOp(imap.AddFlags, true)
	flags := []interface{}{imap.DeletedFlag}
	if err := c.UidStore(seqset, item, flags, nil); err != nil {
		return 0, fmt.Errorf("failed to flag messages for deletion: %w", err)
	}

	deleted := 0
	expunged := make(chan uint32, len(uids))
	done := make(chan error, 1)
	go func() {
		done <- c.Expunge(expunged)
	}()
	for range expunged {
		deleted++
	}
	if err := <-done; err != nil {
		return deleted, fmt.Errorf("imap expunge failed: %w", err)
	}

	r.log.Info("emails deleted", zap.String("email", address), zap.Int("count", deleted))
	return deleted, nil
}

// summarize 从 IMAP 消息提取列表摘要。
func summarize(msg *imap.Message) EmailSummary {
	s := EmailSummary{UID: msg.Uid}
	if msg.Envelope != nil {
		s.Subject = decodeHeader(msg.Envelope.Subject)
		s.Date = msg.Envelope.Date
		if len(msg.Envelope.From) > 0 {
			s.From = msg.Envelope.From[0].Address()
		}
	}
	for _, flag := range msg.Flags {
		if flag == imap.SeenFlag {
			s.Seen = true
			break
		}
	}
	return s
}

// parseBody 解析 MIME 结构，填充正文和附件元信息。
func parseBody(body io.Reader, detail *EmailDetail) error {
	mr, err := mail.CreateReader(body)
	if err != nil {
		return err
	}

	for {
		part, err := mr.NextPart()
		if err == io.EOF {
			break
		}
		if err != nil {
			return err
		}

		switch h := part.Header.(type) {
		case *mail.InlineHeader:
			contentType, _, _ := h.ContentType()
			content, err := io.ReadAll(part.Body)
			if err != nil {
				continue
			}
			switch {
			case strings.HasPrefix(contentType, "text/plain") && detail.TextBody == "":
				detail.TextBody = string(content)
			case strings.HasPrefix(contentType, "text/html") && detail.HTMLBody == "":
				detail.HTMLBody = SanitizeHTML(string(content))
			}
		case *mail.AttachmentHeader:
			filename, _ := h.Filename()
			contentType, _, _ := h.ContentType()
			size, _ := io.Copy(io.Discard, part.Body)
			detail.Attachments = append(detail.Attachments, AttachmentInfo{
				Filename:    filename,
				ContentType: contentType,
				Size:        int(size),
			})
		}
	}

	// 没有纯文本部分时从消毒后的 HTML 退化出正文
	if detail.TextBody == "" && detail.HTMLBody != "" {
		detail.TextBody = StripHTML(detail.HTMLBody)
	}
	return nil
}

func decodeHeader(value string) string {
	if value == "" {
		return value
	}
	decoder := new(mime.WordDecoder)
	decoded, err := decoder.DecodeHeader(value)
	if err != nil {
		return value
	}
	return decoded
}
