package domain

import (
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"math/big"
	"time"
)

// AccountStatus 表示账户的生命周期状态。
type AccountStatus string

const (
	// AccountStatusPendingPayment 账户已登记但开通发票尚未支付
	AccountStatusPendingPayment AccountStatus = "pending_payment"
	// AccountStatusActive 账户已支付并成功开通邮箱
	AccountStatusActive AccountStatus = "active"
	// AccountStatusExpired 账户有效期已过
	AccountStatusExpired AccountStatus = "expired"
	// AccountStatusProvisioningFailed 已支付但邮箱开通重试耗尽，需要人工介入
	AccountStatusProvisioningFailed AccountStatus = "provisioning_failed"
)

// Account 表示一个匿名邮箱账户的业务实体。
//
// 账户只会作为 account_creation 意向支付成功的副作用被激活；
// 之后以鉴权读取为主，仅续费（延长有效期）和过期扫描会修改它。
type Account struct {
	ID                     uint          `json:"-" gorm:"primaryKey"`
	EmailAddress           string        `json:"email_address" gorm:"type:varchar(255);uniqueIndex"`
	AccessToken            string        `json:"-" gorm:"type:varchar(64);uniqueIndex"`
	EmailPassword          string        `json:"-" gorm:"type:varchar(64)"` // IMAP 登录凭证，开通成功后由邮件代理生成
	CreatedAt              time.Time     `json:"created_at"`
	ExpiresAt              time.Time     `json:"expires_at" gorm:"index"`
	PaymentHash            string        `json:"-" gorm:"type:varchar(64);index"`
	OriginalPaymentRequest string        `json:"-" gorm:"type:text"` // 使用 LNProxy 包装时保留原始发票
	RenewalPaymentHash     *string       `json:"-" gorm:"type:varchar(64);index"`
	Status                 AccountStatus `json:"status" gorm:"type:varchar(32);index"`
}

// TableName 指定数据库表名。
func (Account) TableName() string {
	return "email_accounts"
}

// IsActive 判断账户在给定时刻是否有效。
func (a *Account) IsActive(now time.Time) bool {
	return a.Status == AccountStatusActive && now.Before(a.ExpiresAt)
}

// ExtendExpiry 将有效期延长 years 年。
//
// 基准取 max(now, 当前有效期)：提前续费不浪费剩余时间，
// 过期后续费则从当前时刻重新起算（宽限续费）。
func (a *Account) ExtendExpiry(now time.Time, years int) {
	base := a.ExpiresAt
	if now.After(base) {
		base = now
	}
	a.ExpiresAt = base.AddDate(years, 0, 0)
}

// 随机地址生成使用的词表。
// 组合规则：形容词/动词/颜色/科技词 + 名词 + 3 位数字。
var (
	addressAdjectives = []string{
		"swift", "nimble", "quiet", "brave", "wise", "calm", "keen", "bold",
		"agile", "sharp", "mighty", "gentle", "clever", "witty", "cosmic",
		"mystic", "daring", "vibrant", "radiant", "serene", "royal", "silent",
		"golden", "silver", "crystal", "hidden", "ancient", "stellar",
		"dreamy", "lively", "eager", "wild", "fierce", "noble", "rapid",
		"vivid", "subtle", "lucid", "flowing", "steady", "proud", "humble",
		"bright", "dark", "sleek", "smooth", "rugged", "electric", "magnetic",
	}
	addressNouns = []string{
		"raven", "falcon", "wolf", "river", "peak", "path", "spark", "wave",
		"cloud", "forest", "phoenix", "dragon", "tiger", "eagle", "lion",
		"bear", "shark", "hawk", "panther", "fox", "pixel", "byte", "data",
		"node", "circuit", "cipher", "pulse", "nexus", "orbit", "prism",
		"puma", "lynx", "reef", "delta", "echo", "summit", "cove", "dune",
		"mesa", "fjord", "gem", "dawn", "dusk", "shadow", "flame", "frost",
		"storm", "star", "comet",
	}
	addressVerbs = []string{
		"run", "jump", "fly", "swim", "dance", "sing", "code", "build",
		"create", "design", "spark", "glow", "shine", "blast", "zoom",
		"drift", "glide", "forge", "craft", "blend", "hack", "dash", "pulse",
		"surge", "boost", "weave", "orbit", "morph", "shift", "flow", "beam",
		"flash", "soar", "dive", "climb", "prowl", "hunt", "seek", "find",
		"explore",
	}
	addressColors = []string{
		"red", "blue", "green", "black", "white", "gold", "silver", "azure",
		"amber", "crimson", "indigo", "violet", "teal", "coral", "jade",
		"ruby", "onyx", "sapphire", "emerald", "topaz", "bronze", "copper",
		"platinum", "obsidian", "turquoise", "amethyst", "cobalt", "scarlet",
		"ebony", "ivory",
	}
	addressTech = []string{
		"cyber", "crypto", "pixel", "byte", "data", "node", "web", "net",
		"cloud", "tech", "digital", "binary", "quantum", "nano", "meta",
		"vector", "neural", "matrix", "proxy", "signal", "laser", "plasma",
		"fusion", "solar", "lunar", "cosmic", "stellar", "astro", "hyper",
		"mega", "atomic", "ionic", "chip",
	}
)

// GenerateEmailAddress 生成带辨识度的随机邮箱地址。
//
// 形如 swiftraven342@example.net，本地部分由词表组合加 3 位随机数字构成。
func GenerateEmailAddress(domain string) string {
	var first []string
	switch randInt(4) {
	case 0:
		first = addressAdjectives
	case 1:
		first = addressVerbs
	case 2:
		first = addressColors
	default:
		first = addressTech
	}

	local := fmt.Sprintf("%s%s%03d",
		first[randInt(len(first))],
		addressNouns[randInt(len(addressNouns))],
		randInt(1000),
	)
	return fmt.Sprintf("%s@%s", local, domain)
}

// GenerateAccessToken 生成高熵访问令牌（32 字节，URL 安全编码）。
func GenerateAccessToken() (string, error) {
	return randomToken(32)
}

// GenerateMailboxPassword 生成邮箱的 IMAP/SMTP 登录密码（16 字节）。
func GenerateMailboxPassword() (string, error) {
	return randomToken(16)
}

func randomToken(n int) (string, error) {
	buf := make([]byte, n)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("failed to read random bytes: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(buf), nil
}

// randInt 返回 [0, n) 内密码学安全的随机整数。
func randInt(n int) int {
	v, err := rand.Int(rand.Reader, big.NewInt(int64(n)))
	if err != nil {
		// crypto/rand 读取失败说明系统熵源不可用，无法安全降级
		panic(fmt.Sprintf("crypto/rand unavailable: %v", err))
	}
	return int(v.Int64())
}
