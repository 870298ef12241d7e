// Package monitoring 提供 Prometheus 监控指标。
package monitoring

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// HTTP 请求指标
	httpRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "lnemail_http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"method", "endpoint", "status_code"},
	)
	httpRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "lnemail_http_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "endpoint"},
	)

	// 支付指标
	invoicesCreated = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "lnemail_invoices_created_total",
			Help: "Total number of lightning invoices created",
		},
		[]string{"kind"},
	)
	paymentsSettled = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "lnemail_payments_settled_total",
			Help: "Total number of settled payments",
		},
		[]string{"kind"},
	)
	paymentsSettledSats = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "lnemail_payments_settled_sats_total",
			Help: "Total settled payment volume in satoshis",
		},
		[]string{"kind"},
	)

	// 作业指标
	jobsProcessed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "lnemail_jobs_processed_total",
			Help: "Total number of background jobs processed",
		},
		[]string{"kind", "outcome"},
	)

	// 业务指标
	provisioningTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "lnemail_provisioning_total",
			Help: "Total number of mailbox provisioning attempts reaching an outcome",
		},
		[]string{"outcome"},
	)
	deliveriesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "lnemail_outbound_deliveries_total",
			Help: "Total number of outbound email deliveries reaching an outcome",
		},
		[]string{"outcome"},
	)
	accountsExpired = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "lnemail_accounts_expired_total",
			Help: "Total number of accounts flipped to expired",
		},
	)

	// 限流指标
	rateLimitBlocks = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "lnemail_rate_limit_blocks_total",
			Help: "Total number of requests rejected by rate limiting",
		},
		[]string{"window"},
	)
)

// RecordInvoiceCreated 记录一张新发票。
func RecordInvoiceCreated(kind string) {
	invoicesCreated.WithLabelValues(kind).Inc()
}

// RecordPaymentSettled 记录一次结算及其金额。
func RecordPaymentSettled(kind string, amountSats int64) {
	paymentsSettled.WithLabelValues(kind).Inc()
	paymentsSettledSats.WithLabelValues(kind).Add(float64(amountSats))
}

// RecordJobProcessed 记录一次作业处理结果。
func RecordJobProcessed(kind, outcome string) {
	jobsProcessed.WithLabelValues(kind, outcome).Inc()
}

// RecordProvisioning 记录一次开通结果。
func RecordProvisioning(outcome string) {
	provisioningTotal.WithLabelValues(outcome).Inc()
}

// RecordDelivery 记录一次外发投递结果。
func RecordDelivery(outcome string) {
	deliveriesTotal.WithLabelValues(outcome).Inc()
}

// RecordAccountsExpired 记录过期扫描翻转的账户数。
func RecordAccountsExpired(count int) {
	accountsExpired.Add(float64(count))
}

// RecordRateLimitBlock 记录一次限流拒绝。
func RecordRateLimitBlock(window string) {
	rateLimitBlocks.WithLabelValues(window).Inc()
}

// Handler 返回 /metrics 端点的 HTTP 处理器。
func Handler() http.Handler {
	return promhttp.Handler()
}

// GinMiddleware 返回记录请求计数与耗时的 Gin 中间件。
func GinMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		endpoint := c.FullPath()
		if endpoint == "" {
			endpoint = "unmatched"
		}
		httpRequestsTotal.WithLabelValues(
			c.Request.Method,
			endpoint,
			strconv.Itoa(c.Writer.Status()),
		).Inc()
		httpRequestDuration.WithLabelValues(c.Request.Method, endpoint).
			Observe(time.Since(start).Seconds())
	}
}
