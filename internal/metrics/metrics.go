// Package metrics は Prometheus のメトリクス定義をまとめます。
package metrics

import (
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics はアプリケーションが出力するコレクター群です。
type Metrics struct {
	registry *prometheus.Registry

	RequestDuration    *prometheus.HistogramVec
	LoginFailures      prometheus.Counter
	RateLimitRejects   *prometheus.CounterVec
	CSRFRejects        prometheus.Counter
	SessionTimeouts    prometheus.Counter
	AuditWriteFailures *prometheus.CounterVec
	MailsSent          *prometheus.CounterVec
}

// New は専用レジストリにコレクターを登録して返します。
func New() *Metrics {
	reg := prometheus.NewRegistry()
	m := &Metrics{
		registry: reg,
		RequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "HTTP request latency by route and status.",
			Buckets: prometheus.DefBuckets,
		}, []string{"method", "route", "status"}),
		LoginFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "auth_login_failures_total",
			Help: "Failed login attempts.",
		}),
		RateLimitRejects: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "ratelimit_rejections_total",
			Help: "Requests rejected by a rate limit policy.",
		}, []string{"policy"}),
		CSRFRejects: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "csrf_rejections_total",
			Help: "Mutating requests rejected for a missing or mismatched CSRF token.",
		}),
		SessionTimeouts: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "session_idle_timeouts_total",
			Help: "Sessions destroyed by the idle timeout guard.",
		}),
		AuditWriteFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "audit_write_failures_total",
			Help: "Audit entries that could not be written, by sink.",
		}, []string{"sink"}),
		MailsSent: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "mails_sent_total",
			Help: "Verification mails by purpose and result.",
		}, []string{"purpose", "result"}),
	}

	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.RequestDuration,
		m.LoginFailures,
		m.RateLimitRejects,
		m.CSRFRejects,
		m.SessionTimeouts,
		m.AuditWriteFailures,
		m.MailsSent,
	)
	return m
}

// Registry はテスト用にレジストリを返します。
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler は /metrics のハンドラーです。
func (m *Metrics) Handler() gin.HandlerFunc {
	h := promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
	return gin.WrapH(h)
}

// Instrument はルート単位のレイテンシを記録するミドルウェアです。
func (m *Metrics) Instrument() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		route := c.FullPath()
		if route == "" {
			route = "unmatched"
		}
		m.RequestDuration.
			WithLabelValues(c.Request.Method, route, strconv.Itoa(c.Writer.Status())).
			Observe(time.Since(start).Seconds())
	}
}

// 以下のヘルパーは nil レシーバーでも安全に呼び出せます（テストや CLI から利用するため）。

func (m *Metrics) LoginFailed() {
	if m != nil {
		m.LoginFailures.Inc()
	}
}

func (m *Metrics) RateLimited(policy string) {
	if m != nil {
		m.RateLimitRejects.WithLabelValues(policy).Inc()
	}
}

func (m *Metrics) CSRFRejected() {
	if m != nil {
		m.CSRFRejects.Inc()
	}
}

func (m *Metrics) SessionTimedOut() {
	if m != nil {
		m.SessionTimeouts.Inc()
	}
}

func (m *Metrics) AuditWriteFailed(sink string) {
	if m != nil {
		m.AuditWriteFailures.WithLabelValues(sink).Inc()
	}
}

func (m *Metrics) MailSent(purpose string, err error) {
	if m == nil {
		return
	}
	result := "ok"
	if err != nil {
		result = "error"
	}
	m.MailsSent.WithLabelValues(purpose, result).Inc()
}
