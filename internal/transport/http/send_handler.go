package httptransport

import (
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"lnemail/backend/internal/middleware"
	"lnemail/backend/internal/service"
)

// SendHandler 付费外发相关的 HTTP 处理器。
type SendHandler struct {
	send *service.SendService
	log  *zap.Logger
}

// NewSendHandler 创建外发处理器。
func NewSendHandler(send *service.SendService, log *zap.Logger) *SendHandler {
	return &SendHandler{send: send, log: log}
}

// Send 处理 POST /api/v1/email/send：收押邮件并返回付款发票。
func (h *SendHandler) Send(c *gin.Context) {
	account := middleware.AccountFrom(c)
	if account == nil {
		InternalError(c)
		return
	}

	var input service.SendInput
	if err := c.ShouldBindJSON(&input); err != nil {
		BadRequest(c, "请求体格式错误")
		return
	}

	result, err := h.send.Send(c.Request.Context(), account, input)
	if err != nil {
		respondError(c, err)
		return
	}
	Created(c, result)
}

// Status 处理 GET /api/v1/email/send/status/:hash。
func (h *SendHandler) Status(c *gin.Context) {
	account := middleware.AccountFrom(c)
	if account == nil {
		InternalError(c)
		return
	}

	result, err := h.send.SendStatus(c.Request.Context(), account, c.Param("hash"))
	if err != nil {
		respondError(c, err)
		return
	}
	Success(c, result)
}
