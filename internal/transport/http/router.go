package httptransport

import (
	"time"

	gincors "github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"lnemail/backend/internal/config"
	"lnemail/backend/internal/health"
	"lnemail/backend/internal/middleware"
	"lnemail/backend/internal/monitoring"
	"lnemail/backend/internal/service"
	"lnemail/backend/internal/websocket"
)

// 请求体上限：附件以 base64 随 JSON 提交，放宽到原始附件限额的 1.5 倍
const maxRequestBody = 16 << 20

// RouterDependencies 路由器依赖项
type RouterDependencies struct {
	Config         *config.Config
	AccountService *service.AccountService
	MailService    *service.MailService
	SendService    *service.SendService
	WebSocketHub   *websocket.Hub
	HealthChecker  *health.Checker
	Logger         *zap.Logger
}

// NewRouter 创建并返回 Gin 路由实例。
func NewRouter(deps RouterDependencies) *gin.Engine {
	router := gin.New()

	router.Use(middleware.RecoveryHandler(deps.Logger))
	router.Use(middleware.RequestLogger(deps.Logger))
	router.Use(middleware.SecurityHeaders())
	router.Use(middleware.BodySizeLimit(maxRequestBody))
	router.Use(monitoring.GinMiddleware())

	corsConfig := gincors.Config{
		AllowOrigins:     deps.Config.CORS.AllowedOrigins,
		AllowMethods:     []string{"GET", "POST", "OPTIONS"},
		AllowHeaders:     []string{"Origin", "Content-Type", "Accept", "Authorization"},
		ExposeHeaders:    []string{"Content-Length"},
		AllowCredentials: false,
		MaxAge:           12 * time.Hour,
	}
	if len(deps.Config.CORS.AllowedOrigins) == 1 && deps.Config.CORS.AllowedOrigins[0] == "*" {
		corsConfig.AllowOrigins = nil
		corsConfig.AllowAllOrigins = true
	}
	router.Use(gincors.New(corsConfig))

	accountHandler := NewAccountHandler(deps.AccountService, deps.WebSocketHub, deps.Logger)
	mailHandler := NewMailHandler(deps.MailService, deps.Logger)
	sendHandler := NewSendHandler(deps.SendService, deps.Logger)

	auth := middleware.NewAccountAuth(deps.AccountService, deps.Logger)

	// 运维端点
	if deps.HealthChecker != nil {
		router.GET("/health", gin.WrapF(deps.HealthChecker.ReadyEndpoint))
		router.GET("/health/live", gin.WrapF(deps.HealthChecker.LiveEndpoint))
		router.GET("/health/ready", gin.WrapF(deps.HealthChecker.ReadyEndpoint))
	}
	router.GET("/metrics", gin.WrapH(monitoring.Handler()))

	v1 := router.Group("/api/v1")
	{
		// 匿名端点：创建账户、查询支付状态
		v1.POST("/email", accountHandler.Create)
		v1.GET("/payment/:hash", accountHandler.PaymentStatus)
		v1.GET("/payment/:hash/ws", accountHandler.PaymentSubscribe)

		// 账户端点：要求有效令牌
		account := v1.Group("", auth.RequireToken())
		{
			account.GET("/account", accountHandler.Info)
			account.GET("/emails", mailHandler.List)
			account.GET("/emails/:id", mailHandler.Get)
			account.POST("/emails/delete", mailHandler.Delete)
			account.POST("/email/send", sendHandler.Send)
			account.GET("/email/send/status/:hash", sendHandler.Status)
		}

		// 续费端点：过期账户也放行
		renew := v1.Group("", auth.RequireTokenAllowExpired())
		{
			renew.POST("/account/renew", accountHandler.Renew)
			renew.GET("/account/renew/status/:hash", accountHandler.RenewalStatus)
		}
	}

	return router
}
