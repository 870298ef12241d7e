package service

import (
	"lnemail/backend/internal/domain"
	"lnemail/backend/internal/mailer"
)

// Inbox 抽象收件箱读取，便于测试替换真实 IMAP 客户端。
type Inbox interface {
	ListEmails(address, password string) ([]mailer.EmailSummary, error)
	GetEmail(address, password string, uid uint32) (*mailer.EmailDetail, error)
	DeleteEmails(address, password string, uids []uint32) (int, error)
}

// MailService 收件箱业务逻辑，以账户自身凭证代理 IMAP 访问。
type MailService struct {
	inbox Inbox
}

// NewMailService 创建收件箱服务。
func NewMailService(inbox Inbox) *MailService {
	return &MailService{inbox: inbox}
}

// List 返回账户收件箱的邮件摘要列表。
func (s *MailService) List(account *domain.Account) ([]mailer.EmailSummary, error) {
	return s.inbox.ListEmails(account.EmailAddress, account.EmailPassword)
}

// Get 返回单封邮件的完整内容。
func (s *MailService) Get(account *domain.Account, uid uint32) (*mailer.EmailDetail, error) {
	return s.inbox.GetEmail(account.EmailAddress, account.EmailPassword, uid)
}

// Delete 删除指定的邮件，返回实际删除数量。
func (s *MailService) Delete(account *domain.Account, uids []uint32) (int, error) {
	return s.inbox.DeleteEmails(account.EmailAddress, account.EmailPassword, uids)
}
