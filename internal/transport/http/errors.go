package httptransport

import (
	"errors"

	"github.com/gin-gonic/gin"

	"lnemail/backend/internal/domain"
	"lnemail/backend/internal/mailer"
	"lnemail/backend/internal/service"
)

// respondError 将业务错误映射到 HTTP 响应。
// 未识别的错误一律 500，不向客户端泄露内部细节。
func respondError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, service.ErrPaymentNotFound):
		NotFound(c, "支付记录不存在")
	case errors.Is(err, mailer.ErrMessageNotFound):
		NotFound(c, "邮件不存在")
	case errors.Is(err, service.ErrRateLimited):
		TooManyRequests(c, "发送频率超出限制，请稍后再试")
	case errors.Is(err, service.ErrRenewalPending):
		BadRequest(c, "已有一笔待支付的续费发票")
	case errors.Is(err, service.ErrInvalidYears):
		BadRequest(c, "续费年数必须在 1 到 10 之间")
	case errors.Is(err, domain.ErrInvalidRecipient):
		BadRequest(c, "收件人地址无效")
	case errors.Is(err, domain.ErrSubjectTooLong):
		BadRequest(c, "邮件主题过长")
	case errors.Is(err, domain.ErrBodyTooLarge):
		BadRequest(c, "邮件正文过大")
	case errors.Is(err, domain.ErrAttachmentsTooLarge):
		BadRequest(c, "附件总大小超出限制")
	case errors.Is(err, domain.ErrTooManyAttachments):
		BadRequest(c, "附件数量超出限制")
	case errors.Is(err, domain.ErrAttachmentInvalid):
		BadRequest(c, "附件内容无效")
	case errors.Is(err, domain.ErrRecipientTooLong):
		BadRequest(c, "收件人地址过长")
	default:
		InternalError(c)
	}
}
