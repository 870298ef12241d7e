package httptransport

import (
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"lnemail/backend/internal/middleware"
	"lnemail/backend/internal/service"
	"lnemail/backend/internal/websocket"
)

// AccountHandler 账户与支付相关的 HTTP 处理器。
type AccountHandler struct {
	accounts *service.AccountService
	hub      *websocket.Hub
	log      *zap.Logger
}

// NewAccountHandler 创建账户处理器。hub 可为 nil。
func NewAccountHandler(accounts *service.AccountService, hub *websocket.Hub, log *zap.Logger) *AccountHandler {
	return &AccountHandler{accounts: accounts, hub: hub, log: log}
}

// Create 处理 POST /api/v1/email：登记新账户并返回开通发票。
func (h *AccountHandler) Create(c *gin.Context) {
	result, err := h.accounts.CreateAccount(c.Request.Context())
	if err != nil {
		h.log.Error("account creation failed", zap.Error(err))
		respondError(c, err)
		return
	}
	Created(c, result)
}

// PaymentStatus 处理 GET /api/v1/payment/:hash。
func (h *AccountHandler) PaymentStatus(c *gin.Context) {
	result, err := h.accounts.PaymentStatus(c.Request.Context(), c.Param("hash"))
	if err != nil {
		respondError(c, err)
		return
	}
	Success(c, result)
}

// PaymentSubscribe 处理 GET /api/v1/payment/:hash/ws：
// 升级为 WebSocket 并等待结算推送。
func (h *AccountHandler) PaymentSubscribe(c *gin.Context) {
	hash := c.Param("hash")
	// 订阅前确认支付哈希已登记，避免挂起无主连接
	if _, err := h.accounts.PaymentStatus(c.Request.Context(), hash); err != nil {
		respondError(c, err)
		return
	}
	h.hub.Subscribe(c, hash)
}

// Info 处理 GET /api/v1/account。
func (h *AccountHandler) Info(c *gin.Context) {
	account := middleware.AccountFrom(c)
	if account == nil {
		InternalError(c)
		return
	}
	Success(c, h.accounts.Info(account))
}

type renewRequest struct {
	Years int `json:"years"`
}

// Renew 处理 POST /api/v1/account/renew。
func (h *AccountHandler) Renew(c *gin.Context) {
	account := middleware.AccountFrom(c)
	if account == nil {
		InternalError(c)
		return
	}

	req := renewRequest{Years: 1}
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			BadRequest(c, "请求体格式错误")
			return
		}
	}

	result, err := h.accounts.Renew(c.Request.Context(), account, req.Years)
	if err != nil {
		respondError(c, err)
		return
	}
	Created(c, result)
}

// RenewalStatus 处理 GET /api/v1/account/renew/status/:hash。
func (h *AccountHandler) RenewalStatus(c *gin.Context) {
	account := middleware.AccountFrom(c)
	if account == nil {
		InternalError(c)
		return
	}
	result, err := h.accounts.RenewalStatus(c.Request.Context(), account, c.Param("hash"))
	if err != nil {
		respondError(c, err)
		return
	}
	Success(c, result)
}
