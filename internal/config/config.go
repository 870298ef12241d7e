// Package config 从环境变量和 .env 文件加载系统配置。
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// ServerConfig 定义 HTTP 服务器的监听配置参数
type ServerConfig struct {
	Host string // 监听地址，默认 "0.0.0.0"
	Port int    // 监听端口，默认 8080
}

// MailConfig 定义邮件系统接入配置
type MailConfig struct {
	Domain       string        // 账户邮箱域名，如 "lnemail.net"
	IMAPAddr     string        // IMAP 服务地址，格式 "host:port"，默认 ":143"（STARTTLS）
	SMTPAddr     string        // SMTP 提交端口地址，格式 "host:port"，默认 ":587"
	IMAPTimeout  time.Duration // 单次 IMAP 操作超时
	RequestsDir  string        // 邮件代理请求目录
	ResponsesDir string        // 邮件代理响应目录
	AgentTimeout time.Duration // 等待邮件代理响应的超时
	SetupScript  string        // 邮件系统管理脚本路径（仅 mail-agent 使用）
}

// PaymentConfig 定义定价与支付语义配置
type PaymentConfig struct {
	AccountPriceSats    int64         // 开通一年账户的价格（聪）
	SendPriceSats       int64         // 外发一封邮件的价格（聪）
	InvoiceExpiry       time.Duration // 发票有效期，默认 1 小时
	AllowLateSettlement bool          // 是否承认截止后观察到的结算，默认否
}

// LNDConfig 定义闪电节点接入配置
type LNDConfig struct {
	GRPCHost     string  // lnd gRPC 地址，格式 "host:port"
	TLSCertPath  string  // tls.cert 路径
	MacaroonPath string  // invoice.macaroon 路径
	LookupPerSec float64 // 结算查询限速（每秒）
}

// LNProxyConfig 定义发票隐私包装配置
type LNProxyConfig struct {
	Enabled bool
	URL     string // lnproxy 实例的 spec 端点
}

// RateLimitConfig 定义外发邮件限流配置
type RateLimitConfig struct {
	ShortWindow time.Duration // 短窗口长度，默认 15 分钟
	ShortMax    int64         // 短窗口上限，默认 5
	LongWindow  time.Duration // 长窗口长度，默认 1 小时
	LongMax     int64         // 长窗口上限，默认 20
}

// JobsConfig 定义后台作业处理配置
type JobsConfig struct {
	Workers              int
	PollInterval         time.Duration // 未支付发票的轮询间隔
	MaxStatusAttempts    int           // 结算状态不可知的重试上限
	MaxProvisionAttempts int           // 邮箱开通重试上限
	MaxDeliveryAttempts  int           // 外发投递重试上限
	ExpirySweepInterval  time.Duration // 意向与账户过期扫描的周期
}

// CORSConfig 定义跨域资源共享 (CORS) 配置
type CORSConfig struct {
	AllowedOrigins []string
}

// LogConfig 定义日志系统配置
type LogConfig struct {
	Level       string // 日志级别: debug, info, warn, error
	Development bool   // 开发模式: 启用彩色输出和详细堆栈信息
	FilePath    string // 日志文件路径，留空只输出到标准输出
}

// DatabaseConfig 定义数据库连接配置（支持 MySQL 和 PostgreSQL）
type DatabaseConfig struct {
	Type            string // 数据库类型: "mysql" 或 "postgres"，留空使用内存存储
	DSN             string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}

// RedisConfig 定义 Redis 服务配置，承载作业队列与限流计数
type RedisConfig struct {
	Address  string
	Password string
	DB       int
}

// Config 是系统核心配置的根结构体，包含所有子系统的配置
type Config struct {
	Server    ServerConfig
	Mail      MailConfig
	Payment   PaymentConfig
	LND       LNDConfig
	LNProxy   LNProxyConfig
	RateLimit RateLimitConfig
	Jobs      JobsConfig
	CORS      CORSConfig
	Log       LogConfig
	Database  DatabaseConfig
	Redis     RedisConfig
}

// Load 从环境变量和 .env 文件加载系统配置。
//
// 配置加载优先级（从高到低）：
//  1. 系统环境变量
//  2. .env 文件（如果存在）
//  3. 默认值
//
// 环境变量前缀: LNEMAIL_
// 例如: LNEMAIL_SERVER_PORT, LNEMAIL_LND_GRPC_HOST
func Load() (*Config, error) {
	loadEnvFile()

	viper.SetEnvPrefix("lnemail")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()

	viper.SetDefault("server.host", "0.0.0.0")
	viper.SetDefault("server.port", 8080)
	viper.SetDefault("mail.domain", "lnemail.net")
	viper.SetDefault("mail.imap_addr", "127.0.0.1:143")
	viper.SetDefault("mail.smtp_addr", "127.0.0.1:587")
	viper.SetDefault("mail.imap_timeout", "30s")
	viper.SetDefault("mail.requests_dir", "/shared/requests")
	viper.SetDefault("mail.responses_dir", "/shared/responses")
	viper.SetDefault("mail.agent_timeout", "30s")
	viper.SetDefault("mail.setup_script", "/opt/mailserver/setup.sh")
	viper.SetDefault("payment.account_price_sats", 994)
	viper.SetDefault("payment.send_price_sats", 100)
	viper.SetDefault("payment.invoice_expiry", "1h")
	viper.SetDefault("payment.allow_late_settlement", false)
	viper.SetDefault("lnd.grpc_host", "localhost:10009")
	viper.SetDefault("lnd.tls_cert_path", "/lnd/tls.cert")
	viper.SetDefault("lnd.macaroon_path", "/lnd/invoice.macaroon")
	viper.SetDefault("lnd.lookup_per_sec", 10.0)
	viper.SetDefault("lnproxy.enabled", false)
	viper.SetDefault("lnproxy.url", "https://lnproxy.org/spec")
	viper.SetDefault("ratelimit.short_window", "15m")
	viper.SetDefault("ratelimit.short_max", 5)
	viper.SetDefault("ratelimit.long_window", "1h")
	viper.SetDefault("ratelimit.long_max", 20)
	viper.SetDefault("jobs.workers", 4)
	viper.SetDefault("jobs.poll_interval", "3s")
	viper.SetDefault("jobs.max_status_attempts", 5)
	viper.SetDefault("jobs.max_provision_attempts", 3)
	viper.SetDefault("jobs.max_delivery_attempts", 3)
	viper.SetDefault("jobs.expiry_sweep_interval", "1m")
	viper.SetDefault("cors.allowed_origins", "*")
	viper.SetDefault("log.level", "info")
	viper.SetDefault("log.development", false)
	viper.SetDefault("log.file_path", "")
	viper.SetDefault("database.type", "")
	viper.SetDefault("database.dsn", "")
	viper.SetDefault("database.max_open_conns", 25)
	viper.SetDefault("database.max_idle_conns", 5)
	viper.SetDefault("database.conn_max_lifetime", "5m")
	viper.SetDefault("redis.address", "localhost:6379")
	viper.SetDefault("redis.password", "")
	viper.SetDefault("redis.db", 0)

	mailDomain := strings.ToLower(strings.TrimSpace(viper.GetString("mail.domain")))
	if mailDomain == "" {
		return nil, fmt.Errorf("mail.domain must not be empty")
	}

	accountPrice := viper.GetInt64("payment.account_price_sats")
	if accountPrice <= 0 {
		return nil, fmt.Errorf("payment.account_price_sats must be positive")
	}
	sendPrice := viper.GetInt64("payment.send_price_sats")
	if sendPrice <= 0 {
		return nil, fmt.Errorf("payment.send_price_sats must be positive")
	}

	corsOrigins := parseList(viper.GetString("cors.allowed_origins"))
	if len(corsOrigins) == 0 {
		corsOrigins = []string{"*"}
	}

	cfg := &Config{
		Server: ServerConfig{
			Host: viper.GetString("server.host"),
			Port: viper.GetInt("server.port"),
		},
		Mail: MailConfig{
			Domain:       mailDomain,
			IMAPAddr:     viper.GetString("mail.imap_addr"),
			SMTPAddr:     viper.GetString("mail.smtp_addr"),
			IMAPTimeout:  duration("mail.imap_timeout", 30*time.Second),
			RequestsDir:  viper.GetString("mail.requests_dir"),
			ResponsesDir: viper.GetString("mail.responses_dir"),
			AgentTimeout: duration("mail.agent_timeout", 30*time.Second),
			SetupScript:  viper.GetString("mail.setup_script"),
		},
		Payment: PaymentConfig{
			AccountPriceSats:    accountPrice,
			SendPriceSats:       sendPrice,
			InvoiceExpiry:       duration("payment.invoice_expiry", time.Hour),
			AllowLateSettlement: viper.GetBool("payment.allow_late_settlement"),
		},
		LND: LNDConfig{
			GRPCHost:     viper.GetString("lnd.grpc_host"),
			TLSCertPath:  viper.GetString("lnd.tls_cert_path"),
			MacaroonPath: viper.GetString("lnd.macaroon_path"),
			LookupPerSec: viper.GetFloat64("lnd.lookup_per_sec"),
		},
		LNProxy: LNProxyConfig{
			Enabled: viper.GetBool("lnproxy.enabled"),
			URL:     viper.GetString("lnproxy.url"),
		},
		RateLimit: RateLimitConfig{
			ShortWindow: duration("ratelimit.short_window", 15*time.Minute),
			ShortMax:    viper.GetInt64("ratelimit.short_max"),
			LongWindow:  duration("ratelimit.long_window", time.Hour),
			LongMax:     viper.GetInt64("ratelimit.long_max"),
		},
		Jobs: JobsConfig{
			Workers:              viper.GetInt("jobs.workers"),
			PollInterval:         duration("jobs.poll_interval", 3*time.Second),
			MaxStatusAttempts:    viper.GetInt("jobs.max_status_attempts"),
			MaxProvisionAttempts: viper.GetInt("jobs.max_provision_attempts"),
			MaxDeliveryAttempts:  viper.GetInt("jobs.max_delivery_attempts"),
			ExpirySweepInterval:  duration("jobs.expiry_sweep_interval", time.Minute),
		},
		CORS: CORSConfig{
			AllowedOrigins: corsOrigins,
		},
		Log: LogConfig{
			Level:       viper.GetString("log.level"),
			Development: viper.GetBool("log.development"),
			FilePath:    viper.GetString("log.file_path"),
		},
		Database: DatabaseConfig{
			Type:            viper.GetString("database.type"),
			DSN:             viper.GetString("database.dsn"),
			MaxOpenConns:    viper.GetInt("database.max_open_conns"),
			MaxIdleConns:    viper.GetInt("database.max_idle_conns"),
			ConnMaxLifetime: duration("database.conn_max_lifetime", 5*time.Minute),
		},
		Redis: RedisConfig{
			Address:  viper.GetString("redis.address"),
			Password: viper.GetString("redis.password"),
			DB:       viper.GetInt("redis.db"),
		},
	}

	return cfg, nil
}

// duration 解析时长配置，非法时退回默认值。
func duration(key string, fallback time.Duration) time.Duration {
	d, err := time.ParseDuration(viper.GetString(key))
	if err != nil || d <= 0 {
		return fallback
	}
	return d
}

// parseList 将逗号分隔的字符串解析为字符串切片
func parseList(value string) []string {
	parts := strings.Split(value, ",")
	items := make([]string, 0, len(parts))
	for _, part := range parts {
		trimmed := strings.TrimSpace(part)
		if trimmed != "" {
			items = append(items, trimmed)
		}
	}
	return items
}

// loadEnvFile 尝试加载 .env 文件（可选，静默失败）。
func loadEnvFile() {
	candidates := []string{".env", filepath.Join("..", ".env")}
	for _, candidate := range candidates {
		if _, err := os.Stat(candidate); err == nil {
			_ = godotenv.Load(candidate)
			return
		}
	}
}
