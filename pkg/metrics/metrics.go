// Package metrics 提供 Prometheus 指标采集功能
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const (
	namespace = "theodore"
)

var (
	// HTTP 请求指标
	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total number of HTTP requests",
		},
		[]string{"method", "path", "status"},
	)

	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "HTTP request duration in seconds",
			Buckets:   []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
		},
		[]string{"method", "path"},
	)

	// 向量后端调用指标
	VectorCallDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "vector",
			Name:      "backend_call_duration_seconds",
			Help:      "Vector backend call duration in seconds",
			Buckets:   []float64{.001, .005, .01, .05, .1, .25, .5, 1, 2.5},
		},
		[]string{"backend", "op"},
	)

	VectorCallTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "vector",
			Name:      "backend_call_total",
			Help:      "Total number of vector backend calls by outcome",
		},
		[]string{"backend", "op", "outcome"}, // outcome: success/transient/permanent
	)

	VectorRetryTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "vector",
			Name:      "retry_total",
			Help:      "Total number of retried vector backend attempts",
		},
		[]string{"backend", "op"},
	)

	// 0=closed 1=half_open 2=open
	CircuitState = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "vector",
			Name:      "circuit_state",
			Help:      "Circuit breaker state per backend and index",
		},
		[]string{"backend", "index"},
	)

	// 查询缓存指标
	QueryCacheRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "querycache",
			Name:      "requests_total",
			Help:      "Total number of query cache lookups",
		},
		[]string{"index", "result"}, // result: hit/miss
	)

	QueryCacheInvalidations = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "querycache",
			Name:      "invalidations_total",
			Help:      "Total number of index generation bumps",
		},
		[]string{"index"},
	)

	// 相似度查找指标
	SimilarityFindDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "similarity",
			Name:      "find_duration_seconds",
			Help:      "FindSimilar duration in seconds",
			Buckets:   []float64{.01, .05, .1, .25, .5, 1, 2.5, 5, 10},
		},
	)

	SimilarityFindTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "similarity",
			Name:      "find_total",
			Help:      "Total number of FindSimilar calls",
		},
		[]string{"status"},
	)

	// 摄取指标
	IngestRecordsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "ingest",
			Name:      "records_total",
			Help:      "Total number of ingested vector records",
		},
		[]string{"status"},
	)

	// 队列指标
	RedisStreamProcessed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "redis",
			Name:      "stream_processed_total",
			Help:      "Total number of Redis stream messages processed",
		},
		[]string{"stream", "status"},
	)

	RedisStreamDeadLetters = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "redis",
			Name:      "stream_dead_letters",
			Help:      "Current length of the dead letter stream",
		},
		[]string{"stream"},
	)

	// 事件订阅指标
	EventsDropped = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "events",
			Name:      "dropped_total",
			Help:      "Total number of index events dropped for slow subscribers",
		},
		[]string{"index"},
	)
)
