// Package metrics provides Prometheus metrics for chatstore
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus collectors. A nil *Metrics records nothing.
type Metrics struct {
	Registry *prometheus.Registry

	// gRPC request metrics
	GrpcRequestsTotal    *prometheus.CounterVec
	GrpcRequestDuration  *prometheus.HistogramVec
	GrpcRequestsInFlight prometheus.Gauge

	// Store metrics
	DbOperationsTotal   *prometheus.CounterVec
	DbOperationDuration *prometheus.HistogramVec
	DbSizeBytes         prometheus.Gauge
	DbFreePages         prometheus.Gauge
	CollectionRows      *prometheus.GaugeVec

	// Domain metrics
	SearchQueriesTotal *prometheus.CounterVec
	SearchResultsTotal prometheus.Counter
	ExportsTotal       *prometheus.CounterVec
	BackupRunsTotal    *prometheus.CounterVec

	ServerStartTime time.Time
}

// NewMetrics creates all collectors on a private registry, so several
// instances can coexist in one process.
func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	factory := promauto.With(reg)

	m := &Metrics{Registry: reg, ServerStartTime: time.Now()}

	m.GrpcRequestsTotal = factory.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chatstore_grpc_requests_total",
			Help: "Total number of gRPC requests",
		},
		[]string{"method", "status"},
	)
	m.GrpcRequestDuration = factory.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "chatstore_grpc_request_duration_seconds",
			Help:    "Duration of gRPC requests in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method"},
	)
	m.GrpcRequestsInFlight = factory.NewGauge(prometheus.GaugeOpts{
		Name: "chatstore_grpc_requests_in_flight",
		Help: "Number of gRPC requests currently being processed",
	})

	m.DbOperationsTotal = factory.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chatstore_db_operations_total",
			Help: "Total number of store transactions by operation",
		},
		[]string{"operation", "status"},
	)
	m.DbOperationDuration = factory.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "chatstore_db_operation_duration_seconds",
			Help:    "Duration of store transactions in seconds",
			Buckets: []float64{.0005, .001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5},
		},
		[]string{"operation"},
	)
	m.DbSizeBytes = factory.NewGauge(prometheus.GaugeOpts{
		Name: "chatstore_db_size_bytes",
		Help: "Committed size of the database file in bytes",
	})
	m.DbFreePages = factory.NewGauge(prometheus.GaugeOpts{
		Name: "chatstore_db_free_pages",
		Help: "Pages waiting on the free list for reuse",
	})
	m.CollectionRows = factory.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "chatstore_collection_rows",
			Help: "Row count per collection at the last stats refresh",
		},
		[]string{"collection"},
	)

	m.SearchQueriesTotal = factory.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chatstore_search_queries_total",
			Help: "Total number of search queries by kind",
		},
		[]string{"kind"},
	)
	m.SearchResultsTotal = factory.NewCounter(prometheus.CounterOpts{
		Name: "chatstore_search_results_total",
		Help: "Total number of search results returned",
	})
	m.ExportsTotal = factory.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chatstore_exports_total",
			Help: "Total number of exports and imports",
		},
		[]string{"kind", "status"},
	)
	m.BackupRunsTotal = factory.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chatstore_backup_runs_total",
			Help: "Scheduled backup runs by outcome",
		},
		[]string{"status"},
	)

	factory.NewGaugeFunc(prometheus.GaugeOpts{
		Name: "chatstore_server_uptime_seconds",
		Help: "Seconds since the metrics were created",
	}, func() float64 { return time.Since(m.ServerStartTime).Seconds() })

	return m
}

func status(err error) string {
	if err != nil {
		return "error"
	}
	return "ok"
}

// RecordGrpcRequest records a gRPC request with its status code name
func (m *Metrics) RecordGrpcRequest(method string, code string, duration time.Duration) {
	if m == nil {
		return
	}
	m.GrpcRequestsTotal.WithLabelValues(method, code).Inc()
	m.GrpcRequestDuration.WithLabelValues(method).Observe(duration.Seconds())
}

// RecordDbOperation records one store transaction
func (m *Metrics) RecordDbOperation(operation string, err error, duration time.Duration) {
	if m == nil {
		return
	}
	m.DbOperationsTotal.WithLabelValues(operation, status(err)).Inc()
	m.DbOperationDuration.WithLabelValues(operation).Observe(duration.Seconds())
}

// UpdateDbStats updates file-level gauges
func (m *Metrics) UpdateDbStats(sizeBytes int64, freePages int) {
	if m == nil {
		return
	}
	m.DbSizeBytes.Set(float64(sizeBytes))
	m.DbFreePages.Set(float64(freePages))
}

// SetCollectionRows updates the row gauge for one collection
func (m *Metrics) SetCollectionRows(collection string, rows int) {
	if m == nil {
		return
	}
	m.CollectionRows.WithLabelValues(collection).Set(float64(rows))
}

// RecordSearch counts a query and its result size
func (m *Metrics) RecordSearch(kind string, results int) {
	if m == nil {
		return
	}
	m.SearchQueriesTotal.WithLabelValues(kind).Inc()
	m.SearchResultsTotal.Add(float64(results))
}

// RecordExport counts an export or import
func (m *Metrics) RecordExport(kind string, err error) {
	if m == nil {
		return
	}
	m.ExportsTotal.WithLabelValues(kind, status(err)).Inc()
}

// RecordBackup counts a scheduled backup run
func (m *Metrics) RecordBackup(err error) {
	if m == nil {
		return
	}
	m.BackupRunsTotal.WithLabelValues(status(err)).Inc()
}
