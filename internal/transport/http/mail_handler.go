package httptransport

import (
	"strconv"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"lnemail/backend/internal/middleware"
	"lnemail/backend/internal/service"
)

// MailHandler 收件箱相关的 HTTP 处理器。
type MailHandler struct {
	mail *service.MailService
	log  *zap.Logger
}

// NewMailHandler 创建收件箱处理器。
func NewMailHandler(mail *service.MailService, log *zap.Logger) *MailHandler {
	return &MailHandler{mail: mail, log: log}
}

// List 处理 GET /api/v1/emails。
func (h *MailHandler) List(c *gin.Context) {
	account := middleware.AccountFrom(c)
	if account == nil {
		InternalError(c)
		return
	}

	emails, err := h.mail.List(account)
	if err != nil {
		h.log.Error("inbox listing failed",
			zap.String("email", account.EmailAddress),
			zap.Error(err),
		)
		Unavailable(c, "邮件服务暂时不可用")
		return
	}
	Success(c, gin.H{"emails": emails, "count": len(emails)})
}

// Get 处理 GET /api/v1/emails/:id。
func (h *MailHandler) Get(c *gin.Context) {
	account := middleware.AccountFrom(c)
	if account == nil {
		InternalError(c)
		return
	}

	uid, err := strconv.ParseUint(c.Param("id"), 10, 32)
	if err != nil {
		BadRequest(c, "邮件 ID 无效")
		return
	}

	detail, err := h.mail.Get(account, uint32(uid))
	if err != nil {
		respondError(c, err)
		return
	}
	Success(c, detail)
}

type deleteRequest struct {
	IDs []uint32 `json:"email_ids" binding:"required"`
}

// Delete 处理 POST /api/v1/emails/delete。
func (h *MailHandler) Delete(c *gin.Context) {
	account := middleware.AccountFrom(c)
	if account == nil {
		InternalError(c)
		return
	}

	var req deleteRequest
	if err := c.ShouldBindJSON(&req); err != nil || len(req.IDs) == 0 {
		BadRequest(c, "email_ids 不能为空")
		return
	}

	deleted, err := h.mail.Delete(account, req.IDs)
	if err != nil {
		h.log.Error("inbox deletion failed",
			zap.String("email", account.EmailAddress),
			zap.Error(err),
		)
		Unavailable(c, "邮件服务暂时不可用")
		return
	}
	Success(c, gin.H{"deleted": deleted})
}
