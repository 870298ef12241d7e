package middleware

import (
	"errors"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"lnemail/backend/internal/domain"
	"lnemail/backend/internal/service"
)

// accountContextKey 认证通过的账户在 gin.Context 中的键
const accountContextKey = "authenticated_account"

// AccountAuth 账户令牌认证中间件。
//
// 令牌是账户唯一的鉴权凭证（不透明承载令牌），从
// Authorization: Bearer 头或 token 查询参数提取。
type AccountAuth struct {
	accounts *service.AccountService
	log      *zap.Logger
}

// NewAccountAuth 创建账户认证中间件。
func NewAccountAuth(accounts *service.AccountService, log *zap.Logger) *AccountAuth {
	return &AccountAuth{accounts: accounts, log: log}
}

// RequireToken 要求有效且未过期的账户令牌。
func (a *AccountAuth) RequireToken() gin.HandlerFunc {
	return a.require(false)
}

// RequireTokenAllowExpired 要求有效令牌，但放行已过期账户（续费路径）。
func (a *AccountAuth) RequireTokenAllowExpired() gin.HandlerFunc {
	return a.require(true)
}

func (a *AccountAuth) require(allowExpired bool) gin.HandlerFunc {
	return func(c *gin.Context) {
		token := extractToken(c)
		if token == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "访问令牌缺失"})
			return
		}

		account, err := a.accounts.Authenticate(token)
		switch {
		case err == nil:
		case errors.Is(err, service.ErrAccountExpired):
			if !allowExpired {
				c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": "账户已过期，请先续费"})
				return
			}
		case errors.Is(err, service.ErrAccountNotActive):
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": "账户尚未激活"})
			return
		case errors.Is(err, service.ErrUnauthorized):
			a.log.Warn("invalid access token", zap.String("ip", c.ClientIP()))
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "访问令牌无效"})
			return
		default:
			a.log.Error("authentication failed", zap.Error(err))
			c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "内部服务器错误"})
			return
		}

		c.Set(accountContextKey, account)
		c.Next()
	}
}

// AccountFrom 取出认证通过的账户，未认证时返回 nil。
func AccountFrom(c *gin.Context) *domain.Account {
	value, exists := c.Get(accountContextKey)
	if !exists {
		return nil
	}
	account, ok := value.(*domain.Account)
	if !ok {
		return nil
	}
	return account
}

// extractToken 依次尝试 Authorization 头和查询参数。
func extractToken(c *gin.Context) string {
	header := c.GetHeader("Authorization")
	if strings.HasPrefix(header, "Bearer ") {
		return strings.TrimSpace(strings.TrimPrefix(header, "Bearer "))
	}
	return strings.TrimSpace(c.Query("token"))
}
