// Package metrics: счётчики и гистограммы Prometheus для хаба, хранилища и HTTP-истории.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "teamchat"

var (
	Connections = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "ws",
		Name:      "connections",
		Help:      "Open WebSocket connections.",
	})
	Groups = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "ws",
		Name:      "groups",
		Help:      "Conversations with at least one joined connection.",
	})
	HubEvents = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "ws",
		Name:      "events_total",
		Help:      "Inbound hub events by type and result.",
	}, []string{"type", "result"})
	Evictions = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "ws",
		Name:      "slow_client_evictions_total",
		Help:      "Connections closed because their send buffer was full.",
	})
	StoreFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "store",
		Name:      "failures_total",
		Help:      "Failed message store operations.",
	}, []string{"op"})
	StoreLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Subsystem: "store",
		Name:      "operation_seconds",
		Help:      "Message store operation latency.",
		Buckets:   prometheus.DefBuckets,
	}, []string{"op"})
	HistoryRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "http",
		Name:      "history_requests_total",
		Help:      "History endpoint requests by result.",
	}, []string{"result"})
	HTTPLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Subsystem: "http",
		Name:      "request_seconds",
		Help:      "HTTP request latency by route pattern and status code.",
		Buckets:   prometheus.DefBuckets,
	}, []string{"route", "code"})
)

// ObserveStore записывает длительность операции и, при ошибке, счётчик отказов.
// Использование: defer metrics.ObserveStore("append", time.Now(), &err).
func ObserveStore(op string, start time.Time, err *error) {
	StoreLatency.WithLabelValues(op).Observe(time.Since(start).Seconds())
	if err != nil && *err != nil {
		StoreFailures.WithLabelValues(op).Inc()
	}
}

func Handler() http.Handler {
	return promhttp.Handler()
}
