package config

import (
	"testing"
	"time"

	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func load(t *testing.T) (*Config, error) {
	t.Helper()
	viper.Reset()
	t.Cleanup(viper.Reset)
	return Load()
}

func TestLoad_Defaults(t *testing.T) {
	cfg, err := load(t)
	require.NoError(t, err)

	assert.Equal(t, "0.0.0.0", cfg.Server.Host)
	assert.Equal(t, 8080, cfg.Server.Port)
	assert.Equal(t, "lnemail.net", cfg.Mail.Domain)
	assert.Equal(t, int64(994), cfg.Payment.AccountPriceSats)
	assert.Equal(t, int64(100), cfg.Payment.SendPriceSats)
	assert.Equal(t, time.Hour, cfg.Payment.InvoiceExpiry)
	assert.False(t, cfg.Payment.AllowLateSettlement)
	assert.Equal(t, 15*time.Minute, cfg.RateLimit.ShortWindow)
	assert.Equal(t, int64(5), cfg.RateLimit.ShortMax)
	assert.Equal(t, time.Hour, cfg.RateLimit.LongWindow)
	assert.Equal(t, int64(20), cfg.RateLimit.LongMax)
	assert.Equal(t, 4, cfg.Jobs.Workers)
	assert.Equal(t, []string{"*"}, cfg.CORS.AllowedOrigins)
	assert.Equal(t, "info", cfg.Log.Level)
	// 未配置数据库时退回内存存储
	assert.Empty(t, cfg.Database.Type)
}

func TestLoad_EnvOverrides(t *testing.T) {
	t.Setenv("LNEMAIL_SERVER_PORT", "9000")
	t.Setenv("LNEMAIL_MAIL_DOMAIN", "Mail.Example.ORG")
	t.Setenv("LNEMAIL_PAYMENT_ACCOUNT_PRICE_SATS", "2000")
	t.Setenv("LNEMAIL_PAYMENT_INVOICE_EXPIRY", "30m")
	t.Setenv("LNEMAIL_CORS_ALLOWED_ORIGINS", "https://a.example, https://b.example")
	t.Setenv("LNEMAIL_LNPROXY_ENABLED", "true")

	cfg, err := load(t)
	require.NoError(t, err)

	assert.Equal(t, 9000, cfg.Server.Port)
	// 域名归一化为小写
	assert.Equal(t, "mail.example.org", cfg.Mail.Domain)
	assert.Equal(t, int64(2000), cfg.Payment.AccountPriceSats)
	assert.Equal(t, 30*time.Minute, cfg.Payment.InvoiceExpiry)
	assert.Equal(t, []string{"https://a.example", "https://b.example"}, cfg.CORS.AllowedOrigins)
	assert.True(t, cfg.LNProxy.Enabled)
}

func TestLoad_EmptyDomainRejected(t *testing.T) {
	t.Setenv("LNEMAIL_MAIL_DOMAIN", "   ")
	_, err := load(t)
	assert.Error(t, err)
}

func TestLoad_NonPositivePriceRejected(t *testing.T) {
	t.Setenv("LNEMAIL_PAYMENT_ACCOUNT_PRICE_SATS", "0")
	_, err := load(t)
	assert.Error(t, err)

	t.Setenv("LNEMAIL_PAYMENT_ACCOUNT_PRICE_SATS", "994")
	t.Setenv("LNEMAIL_PAYMENT_SEND_PRICE_SATS", "-1")
	_, err = load(t)
	assert.Error(t, err)
}

func TestLoad_InvalidDurationFallsBack(t *testing.T) {
	t.Setenv("LNEMAIL_PAYMENT_INVOICE_EXPIRY", "not-a-duration")
	cfg, err := load(t)
	require.NoError(t, err)
	assert.Equal(t, time.Hour, cfg.Payment.InvoiceExpiry)
}

func TestParseList(t *testing.T) {
	assert.Equal(t, []string{"a", "b"}, parseList("a, b"))
	assert.Equal(t, []string{"a"}, parseList("a,,  "))
	assert.Empty(t, parseList(""))
}
