package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// === Rollup Engine ===

	// RefreshDuration tracks the duration of a single environment refresh.
	RefreshDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "puppetlens_rollup_refresh_duration_seconds",
		Help:    "Duration of a class rollup refresh for one environment",
		Buckets: prometheus.ExponentialBuckets(0.01, 2, 14), // 10ms to ~80s
	}, []string{"mode"}) // incremental, rebuild

	// RefreshFailures tracks aborted refreshes by stage.
	RefreshFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "puppetlens_rollup_refresh_failures_total",
		Help: "Refreshes aborted before the snapshot was written",
	}, []string{"stage"}) // list_nodes, fetch_events, persist

	// ReportsFetched counts reports whose events were pulled from PuppetDB.
	ReportsFetched = promauto.NewCounter(prometheus.CounterOpts{
		Name: "puppetlens_rollup_reports_fetched_total",
		Help: "Reports fetched and ingested because they were not in the cached snapshot",
	})

	// ReportsReused counts reports served verbatim from the cached snapshot.
	ReportsReused = promauto.NewCounter(prometheus.CounterOpts{
		Name: "puppetlens_rollup_reports_reused_total",
		Help: "Reports whose class records were copied from the cached snapshot",
	})

	// SnapshotRecords tracks the record count of the last written snapshot.
	SnapshotRecords = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "puppetlens_rollup_snapshot_records",
		Help: "Number of class/report records in the last written snapshot",
	}, []string{"environment"})

	// === Cache Store ===

	// CacheLookups tracks snapshot reads by result.
	CacheLookups = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "puppetlens_cache_lookups_total",
		Help: "Rollup snapshot cache reads",
	}, []string{"result"}) // hit, miss, error, corrupt

	// CacheWriteFailures tracks failed snapshot writes.
	CacheWriteFailures = promauto.NewCounter(prometheus.CounterOpts{
		Name: "puppetlens_cache_write_failures_total",
		Help: "Rollup snapshot writes that failed",
	})

	// RedisLatency tracks Redis operation roundtrip latency.
	RedisLatency = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "puppetlens_redis_roundtrip_latency_seconds",
		Help:    "Redis operation latency",
		Buckets: prometheus.ExponentialBuckets(0.001, 2, 10), // 1ms to ~1s
	})

	// PostgresLatency tracks Postgres cache operation latency.
	PostgresLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "puppetlens_postgres_latency_seconds",
		Help:    "Postgres cache operation latency",
		Buckets: prometheus.ExponentialBuckets(0.001, 2, 12),
	}, []string{"op"})

	// === PuppetDB Backend ===

	// BackendLatency tracks PuppetDB request latency per endpoint.
	BackendLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "puppetlens_puppetdb_request_duration_seconds",
		Help:    "PuppetDB query latency",
		Buckets: prometheus.ExponentialBuckets(0.005, 2, 12),
	}, []string{"endpoint"})

	// BackendFailures tracks failed PuppetDB requests.
	BackendFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "puppetlens_puppetdb_failures_total",
		Help: "PuppetDB requests that failed after retries",
	}, []string{"endpoint", "reason"}) // transport, status, decode, circuit_open

	// BackendCircuitState tracks the PuppetDB circuit breaker state.
	BackendCircuitState = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "puppetlens_puppetdb_circuit_state",
		Help: "PuppetDB circuit breaker state (0=closed, 1=half_open, 2=open)",
	})

	// === Scheduled Rebuild ===

	// RebuildSweeps tracks rebuild sweeps by outcome.
	RebuildSweeps = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "puppetlens_rebuild_sweeps_total",
		Help: "Scheduled rebuild sweeps",
	}, []string{"result"}) // ok, partial, failed

	// RebuildEnvironmentFailures tracks per-environment rebuild failures.
	RebuildEnvironmentFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "puppetlens_rebuild_environment_failures_total",
		Help: "Environments whose rebuild failed during a sweep",
	}, []string{"environment"})

	// LastRebuildTimestamp records when the last sweep completed.
	LastRebuildTimestamp = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "puppetlens_rebuild_last_completed_timestamp_seconds",
		Help: "Unix time of the last completed rebuild sweep",
	})

	// LeaderStatus tracks current leader status
	LeaderStatus = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "puppetlens_leader_status",
		Help: "Current rebuild leader status (1 = leader, 0 = follower)",
	})

	// LeadershipTransitions tracks leadership acquisition and loss events.
	LeadershipTransitions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "puppetlens_leader_transitions_total",
		Help: "Total number of leadership transitions",
	}, []string{"node_id", "event"})

	// === API ===

	// StaleResponses counts responses served from the stale fallback.
	StaleResponses = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "puppetlens_stale_responses_total",
		Help: "Class rollups served from the last good result because PuppetDB was unavailable",
	}, []string{"environment"})

	// DegradedMode is 1 while PuppetDB is considered unavailable.
	DegradedMode = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "puppetlens_degraded_mode",
		Help: "1 while the last PuppetDB interaction failed",
	})

	// APIRateLimited tracks API requests rejected by rate limiter.
	APIRateLimited = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "puppetlens_api_rate_limited_total",
		Help: "API requests rejected by rate limiter",
	}, []string{"endpoint"})

	// StreamClients tracks the number of connected WebSocket clients.
	StreamClients = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "puppetlens_stream_clients",
		Help: "Current number of connected rollup stream clients",
	})

	// EventPublishFailures tracks failed event publish attempts (non-blocking).
	EventPublishFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "puppetlens_event_publish_failures_total",
		Help: "Failed event publish attempts (non-blocking, best-effort)",
	}, []string{"topic", "reason"})
)
