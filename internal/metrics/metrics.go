// Package metrics 提供证书续期相关的 Prometheus 指标
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "acme_manager"

// Metrics 指标集合，nil 值可以安全调用所有方法
type Metrics struct {
	registry *prometheus.Registry

	orders     *prometheus.CounterVec
	challenges *prometheus.CounterVec
	pollTicks  *prometheus.CounterVec
	notAfter   prometheus.Gauge
}

// New 创建并注册指标
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		orders: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "orders_total",
			Help:      "Number of certificate orders by result",
		}, []string{"result"}),
		challenges: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "challenges_total",
			Help:      "Number of dispatched challenges by type and result",
		}, []string{"type", "result"}),
		pollTicks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "poll_ticks_total",
			Help:      "Number of poll checks by poll name and outcome",
		}, []string{"poll", "outcome"}),
		notAfter: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "certificate_not_after_seconds",
			Help:      "Expiry of the active certificate as a unix timestamp",
		}),
	}

	m.registry.MustRegister(m.orders, m.challenges, m.pollTicks, m.notAfter)
	return m
}

// Handler 返回 /metrics 处理器
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{
		Registry:            m.registry,
		Timeout:             5 * time.Second,
		MaxRequestsInFlight: 10,
	})
}

// OrderFinished 记录订单结果
func (m *Metrics) OrderFinished(err error) {
	if m == nil {
		return
	}
	m.orders.WithLabelValues(result(err)).Inc()
}

// ChallengeFinished 记录挑战结果
func (m *Metrics) ChallengeFinished(kind string, err error) {
	if m == nil {
		return
	}
	m.challenges.WithLabelValues(kind, result(err)).Inc()
}

// PollTick 记录一次轮询检查
func (m *Metrics) PollTick(poll, outcome string) {
	if m == nil {
		return
	}
	m.pollTicks.WithLabelValues(poll, outcome).Inc()
}

// CertificateExpiry 记录当前证书到期时间
func (m *Metrics) CertificateExpiry(t time.Time) {
	if m == nil {
		return
	}
	m.notAfter.Set(float64(t.Unix()))
}

func result(err error) string {
	if err != nil {
		return "failure"
	}
	return "success"
}
