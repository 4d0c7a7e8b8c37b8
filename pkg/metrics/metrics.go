// Package metrics 定义聊天后端的 Prometheus 指标，通过 /metrics 暴露。
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "pai_chat"

// 流式回复的结果标签。
const (
	OutcomeOK        = "ok"
	OutcomeError     = "error"
	OutcomeDuplicate = "duplicate"
)

// Metrics 持有所有指标。nil *Metrics 的方法都是空操作，测试中可以直接传 nil。
type Metrics struct {
	ActiveConnections prometheus.Gauge
	StreamsTotal      *prometheus.CounterVec
	ChunksTotal       *prometheus.CounterVec
	StreamDuration    *prometheus.HistogramVec
	UsageCharacters   *prometheus.CounterVec

	gatherer prometheus.Gatherer
}

// New 在 reg 上注册全部指标。reg 为 nil 时使用一个新的独立 Registry。
func New(reg *prometheus.Registry) *Metrics {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	f := promauto.With(reg)
	return &Metrics{
		ActiveConnections: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "websocket_connections",
			Help:      "Currently open chat websocket connections.",
		}),
		StreamsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "streams_total",
			Help:      "Chat responses by channel and outcome.",
		}, []string{"channel", "outcome"}),
		ChunksTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "stream_chunks_total",
			Help:      "Chunk events sent to clients by channel.",
		}, []string{"channel"}),
		StreamDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "stream_duration_seconds",
			Help:      "Time from request to end or error event.",
			Buckets:   []float64{0.25, 0.5, 1, 2.5, 5, 10, 30, 60, 120},
		}, []string{"channel"}),
		UsageCharacters: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "usage_characters_total",
			Help:      "Characters accounted against user quotas by channel.",
		}, []string{"channel"}),
		gatherer: reg,
	}
}

// Handler 返回 /metrics 的 HTTP 处理器。
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.gatherer, promhttp.HandlerOpts{})
}

func (m *Metrics) ConnOpened() {
	if m != nil {
		m.ActiveConnections.Inc()
	}
}

func (m *Metrics) ConnClosed() {
	if m != nil {
		m.ActiveConnections.Dec()
	}
}

func (m *Metrics) Chunk(channel string) {
	if m != nil {
		m.ChunksTotal.WithLabelValues(channel).Inc()
	}
}

// StreamDone 记录一次流式回复的结果与耗时。
func (m *Metrics) StreamDone(channel, outcome string, started time.Time) {
	if m == nil {
		return
	}
	m.StreamsTotal.WithLabelValues(channel, outcome).Inc()
	if outcome != OutcomeDuplicate {
		m.StreamDuration.WithLabelValues(channel).Observe(time.Since(started).Seconds())
	}
}

func (m *Metrics) Usage(channel string, chars int64) {
	if m != nil {
		m.UsageCharacters.WithLabelValues(channel).Add(float64(chars))
	}
}
