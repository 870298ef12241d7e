package service

import "errors"

var (
	// ErrUnauthorized 访问令牌缺失或无效。对"不存在"与"无权限"统一返回，
	// 避免令牌探测。
	ErrUnauthorized = errors.New("invalid access token")
	// ErrAccountExpired 账户有效期已过，仅续费操作可用
	ErrAccountExpired = errors.New("account has expired")
	// ErrAccountNotActive 账户尚未激活（发票未支付或开通未完成）
	ErrAccountNotActive = errors.New("account is not active")
	// ErrPaymentNotFound 支付哈希未登记
	ErrPaymentNotFound = errors.New("payment not found")
	// ErrRateLimited 外发频率超出限制
	ErrRateLimited = errors.New("send rate limit exceeded")
	// ErrRenewalPending 已有一笔未完成的续费发票
	ErrRenewalPending = errors.New("a renewal invoice is already pending")
	// ErrInvalidYears 续费年数不合法
	ErrInvalidYears = errors.New("renewal years must be between 1 and 10")
)
