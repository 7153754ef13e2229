// Package metrics описывает Prometheus-метрики конвейера.
//
// В отличие от common/* (promauto в глобальный реестр) здесь коллекторы
// создаются явно и регистрируются в переданном Registerer, чтобы тесты
// могли поднимать несколько независимых экземпляров.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"

	commonprom "github.com/YaganovValera/ticker-pipeline/common/prometheus"
)

const namespace = "ticker_pipeline"

// Metrics: все метрики конвейера и коллектора.
type Metrics struct {
	Polled           prometheus.Counter
	Decoded          prometheus.Counter
	Dropped          *prometheus.CounterVec // reason
	Enriched         prometheus.Counter
	Published        prometheus.Counter
	Acked            prometheus.Counter
	DeliveryFailures prometheus.Counter
	PublishRetries   prometheus.Counter
	QueueDepth       *prometheus.GaugeVec // stage
	RunnerState      prometheus.Gauge
	SquaredError     prometheus.Histogram
	SchemaCache      *prometheus.CounterVec // kind, result
	TickerPolls      *prometheus.CounterVec // source, result
}

// New создаёт метрики и регистрирует их в reg.
func New(reg prometheus.Registerer) (*Metrics, error) {
	m := &Metrics{
		Polled: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "source", Name: "polled_total",
			Help: "Messages returned by the source",
		}),
		Decoded: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "codec", Name: "decoded_total",
			Help: "Records successfully decoded",
		}),
		Dropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "pipeline", Name: "dropped_total",
			Help: "Records dropped, by reason",
		}, []string{"reason"}),
		Enriched: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "enrich", Name: "enriched_total",
			Help: "Records enriched with a prediction",
		}),
		Published: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "sink", Name: "published_total",
			Help: "Augmented records handed to the producer",
		}),
		Acked: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "source", Name: "acked_total",
			Help: "Source offsets marked for commit",
		}),
		DeliveryFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "sink", Name: "delivery_failures_total",
			Help: "Deliveries that were not acknowledged by the broker",
		}),
		PublishRetries: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "sink", Name: "publish_retries_total",
			Help: "Re-publishes after a failed delivery",
		}),
		QueueDepth: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "pipeline", Name: "queue_depth",
			Help: "Items buffered between stages",
		}, []string{"stage"}),
		RunnerState: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "pipeline", Name: "state",
			Help: "Runner state: 0 idle, 1 running, 2 draining, 3 stopped",
		}),
		SquaredError: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace, Subsystem: "enrich", Name: "squared_error",
			Help:    "Squared error between prediction and observed lastPrice",
			Buckets: prometheus.ExponentialBuckets(0.01, 10, 12),
		}),
		SchemaCache: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "schema", Name: "cache_lookups_total",
			Help: "Schema cache lookups by key kind and result",
		}, []string{"kind", "result"}),
		TickerPolls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "collector", Name: "ticker_polls_total",
			Help: "Ticker API reads by source and result",
		}, []string{"source", "result"}),
	}

	err := commonprom.RegisterOnce(reg,
		m.Polled, m.Decoded, m.Dropped, m.Enriched, m.Published, m.Acked,
		m.DeliveryFailures, m.PublishRetries, m.QueueDepth, m.RunnerState,
		m.SquaredError, m.SchemaCache, m.TickerPolls,
	)
	if err != nil {
		return nil, err
	}
	return m, nil
}

// Discard: метрики в приватном реестре, для тестов и nil-опций.
func Discard() *Metrics {
	m, _ := New(prometheus.NewRegistry())
	return m
}
