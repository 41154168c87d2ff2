package metrics

import (
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// MetricsCollector 指标收集器
type MetricsCollector struct {
	// HTTP 指标
	httpRequestsTotal   *prometheus.CounterVec
	httpRequestDuration *prometheus.HistogramVec

	// 数据库连接池
	dbConnectionsActive prometheus.Gauge
	dbConnectionsIdle   prometheus.Gauge

	// 支付指标
	webhookEventsTotal     *prometheus.CounterVec
	paymentTransitions     *prometheus.CounterVec
	processorCallDuration  *prometheus.HistogramVec
	leaseContentionTotal   prometheus.Counter
	sweeperExpiredTotal    prometheus.Counter
	refundedMinorUnitTotal *prometheus.CounterVec
}

// NewMetricsCollector 创建指标收集器，注册到给定的 Registerer
func NewMetricsCollector(reg prometheus.Registerer) *MetricsCollector {
	factory := promauto.With(reg)
	return &MetricsCollector{
		httpRequestsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "http_requests_total",
				Help: "Total number of HTTP requests",
			},
			[]string{"method", "endpoint", "status"},
		),

		httpRequestDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "http_request_duration_seconds",
				Help:    "HTTP request duration in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"method", "endpoint"},
		),

		dbConnectionsActive: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "db_connections_active",
				Help: "Number of active database connections",
			},
		),

		dbConnectionsIdle: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "db_connections_idle",
				Help: "Number of idle database connections",
			},
		),

		webhookEventsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "payment_webhook_events_total",
				Help: "Verified payment webhook events by type and handling result",
			},
			[]string{"channel", "type", "result"},
		),

		paymentTransitions: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "payment_status_transitions_total",
				Help: "Committed order payment status transitions",
			},
			[]string{"status"},
		),

		processorCallDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "payment_processor_call_duration_seconds",
				Help:    "Latency of payment processor calls",
				Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
			},
			[]string{"channel", "operation", "outcome"},
		),

		leaseContentionTotal: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "payment_lease_contention_total",
				Help: "Success handling attempts skipped because another worker held the intent lease",
			},
		),

		sweeperExpiredTotal: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "payment_sweeper_expired_total",
				Help: "Orders expired by the payment sweeper",
			},
		),

		refundedMinorUnitTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "payment_refunded_minor_units_total",
				Help: "Refunded amount in minor currency units",
			},
			[]string{"currency"},
		),
	}
}

// RecordHTTPRequest 记录 HTTP 请求指标
func (m *MetricsCollector) RecordHTTPRequest(method, endpoint string, status int, duration time.Duration) {
	m.httpRequestsTotal.WithLabelValues(method, endpoint, strconv.Itoa(status)).Inc()
	m.httpRequestDuration.WithLabelValues(method, endpoint).Observe(duration.Seconds())
}

// UpdateDBConnections 更新数据库连接数
func (m *MetricsCollector) UpdateDBConnections(active, idle int) {
	m.dbConnectionsActive.Set(float64(active))
	m.dbConnectionsIdle.Set(float64(idle))
}

// RecordWebhookEvent result: processed / duplicate / failed / ignored
func (m *MetricsCollector) RecordWebhookEvent(channel, eventType, result string) {
	m.webhookEventsTotal.WithLabelValues(channel, eventType, result).Inc()
}

// RecordTransition 记录已提交的支付状态变更
func (m *MetricsCollector) RecordTransition(status string) {
	m.paymentTransitions.WithLabelValues(status).Inc()
}

// ObserveProcessorCall 记录渠道调用耗时
func (m *MetricsCollector) ObserveProcessorCall(channel, operation string, start time.Time, err error) {
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	m.processorCallDuration.WithLabelValues(channel, operation, outcome).Observe(time.Since(start).Seconds())
}

func (m *MetricsCollector) RecordLeaseContention() {
	m.leaseContentionTotal.Inc()
}

func (m *MetricsCollector) RecordExpired(n int) {
	m.sweeperExpiredTotal.Add(float64(n))
}

func (m *MetricsCollector) RecordRefund(currency string, minor int64) {
	m.refundedMinorUnitTotal.WithLabelValues(currency).Add(float64(minor))
}

var (
	globalCollector *MetricsCollector
	once            sync.Once
)

// GetGlobalCollector 获取全局指标收集器 (注册到默认 Registry)
func GetGlobalCollector() *MetricsCollector {
	once.Do(func() {
		globalCollector = NewMetricsCollector(prometheus.DefaultRegisterer)
	})
	return globalCollector
}
