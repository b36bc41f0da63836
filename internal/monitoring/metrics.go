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

// Metrics 监控指标
type Metrics struct {
	registry *prometheus.Registry

	// HTTP 请求指标
	HTTPRequestsTotal   *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec

	// 邮箱生命周期指标
	MailboxesCreated    prometheus.Counter
	MailboxesDeleted    prometheus.Counter
	MailboxesExpired    prometheus.Counter
	CleanupRetries      prometheus.Counter
	CleanupDeadLettered prometheus.Counter
	SweepRuns           prometheus.Counter

	// Webhook 投递指标
	DeliveryAttempts   prometheus.Counter
	Deliveries         *prometheus.CounterVec // result: success / failed
	WebhooksPaused     prometheus.Counter
	EventsIngested     prometheus.Counter
	EventsDeduplicated prometheus.Counter
}

// NewMetrics 创建监控指标。
// 使用独立的 Registry，多实例（含测试）之间互不冲突。
func NewMetrics() *Metrics {
	registry := prometheus.NewRegistry()
	factory := promauto.With(registry)

	return &Metrics{
		registry: registry,

		HTTPRequestsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "relay_http_requests_total",
				Help: "Total number of HTTP requests",
			},
			[]string{"method", "endpoint", "status_code"},
		),
		HTTPRequestDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "relay_http_request_duration_seconds",
				Help:    "HTTP request duration in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"method", "endpoint"},
		),

		MailboxesCreated: factory.NewCounter(prometheus.CounterOpts{
			Name: "relay_mailboxes_created_total",
			Help: "Total number of mailboxes created",
		}),
		MailboxesDeleted: factory.NewCounter(prometheus.CounterOpts{
			Name: "relay_mailboxes_deleted_total",
			Help: "Total number of mailboxes explicitly deleted",
		}),
		MailboxesExpired: factory.NewCounter(prometheus.CounterOpts{
			Name: "relay_mailboxes_expired_total",
			Help: "Total number of mailboxes reconciled to expired",
		}),
		CleanupRetries: factory.NewCounter(prometheus.CounterOpts{
			Name: "relay_cleanup_retries_total",
			Help: "Total number of backend cleanup retries",
		}),
		CleanupDeadLettered: factory.NewCounter(prometheus.CounterOpts{
			Name: "relay_cleanup_dead_lettered_total",
			Help: "Total number of mailboxes dead-lettered after exhausting cleanup retries",
		}),
		SweepRuns: factory.NewCounter(prometheus.CounterOpts{
			Name: "relay_sweep_runs_total",
			Help: "Total number of expiry sweep cycles",
		}),

		DeliveryAttempts: factory.NewCounter(prometheus.CounterOpts{
			Name: "relay_webhook_delivery_attempts_total",
			Help: "Total number of webhook delivery attempts",
		}),
		Deliveries: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "relay_webhook_deliveries_total",
				Help: "Total number of completed webhook deliveries by result",
			},
			[]string{"result"},
		),
		WebhooksPaused: factory.NewCounter(prometheus.CounterOpts{
			Name: "relay_webhooks_paused_total",
			Help: "Total number of webhooks paused by the circuit breaker",
		}),
		EventsIngested: factory.NewCounter(prometheus.CounterOpts{
			Name: "relay_events_ingested_total",
			Help: "Total number of inbound mail events accepted",
		}),
		EventsDeduplicated: factory.NewCounter(prometheus.CounterOpts{
			Name: "relay_events_deduplicated_total",
			Help: "Total number of inbound mail events skipped as duplicates",
		}),
	}
}

// HTTPHandler 返回 Prometheus 抓取端点处理器。
func (m *Metrics) HTTPHandler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// GinMiddleware 记录 HTTP 请求指标的 gin 中间件。
func (m *Metrics) GinMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		endpoint := c.FullPath()
		if endpoint == "" {
			endpoint = "unmatched"
		}
		m.HTTPRequestsTotal.WithLabelValues(
			c.Request.Method,
			endpoint,
			strconv.Itoa(c.Writer.Status()),
		).Inc()
		m.HTTPRequestDuration.WithLabelValues(c.Request.Method, endpoint).
			Observe(time.Since(start).Seconds())
	}
}
