package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Pool metrics
var (
	PoolSize = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "proxylc_pool_proxies",
			Help: "Proxies currently held by the pool",
		},
		[]string{"state"},
	)

	AcquireTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "proxylc_acquire_total",
			Help: "Acquisitions by outcome (hit, provider, exhausted)",
		},
		[]string{"result"},
	)

	ProxyReports = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "proxylc_proxy_reports_total",
			Help: "Usage reports by provider and result",
		},
		[]string{"provider", "result"},
	)

	EvictionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "proxylc_evictions_total",
			Help: "Proxies removed from the pool",
		},
		[]string{"reason"},
	)

	RefreshAdded = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "proxylc_refresh_added_total",
			Help: "Proxies added by pool refresh",
		},
	)
)

// Provider metrics
var (
	ProviderRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "proxylc_provider_requests_total",
			Help: "Provider ListProxies calls by result",
		},
		[]string{"provider", "result"},
	)

	ProviderDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "proxylc_provider_request_duration_seconds",
			Help:    "Duration of provider ListProxies calls",
			Buckets: []float64{0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
		},
		[]string{"provider"},
	)
)

// Quality metrics
var (
	QualityRatings = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "proxylc_quality_rating_proxies",
			Help: "Scored proxies per rating band",
		},
		[]string{"rating"},
	)

	QualityAverage = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "proxylc_quality_average_score",
			Help: "Average composite quality score of the last run",
		},
	)

	QualityRunDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "proxylc_quality_run_duration_seconds",
			Help:    "Duration of a full scoring pass",
			Buckets: prometheus.DefBuckets,
		},
	)
)

// Failover metrics
var (
	FailoversTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "proxylc_failovers_total",
			Help: "Failover executions by strategy and result",
		},
		[]string{"strategy", "result"},
	)

	FailoverDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "proxylc_failover_duration_seconds",
			Help:    "Duration of failover executions",
			Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 2, 5, 10},
		},
		[]string{"strategy"},
	)
)

// Shard metrics
var (
	ShardDevices = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "proxylc_shard_devices",
			Help: "Devices per shard and status",
		},
		[]string{"shard", "status"},
	)

	ShardAllocations = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "proxylc_shard_allocations_total",
			Help: "Device allocation attempts by result",
		},
		[]string{"result"},
	)
)

// Recommendation metrics
var (
	RecommendationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "proxylc_recommendations_total",
			Help: "Recommendation requests by result",
		},
		[]string{"result"},
	)
)
