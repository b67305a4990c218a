package metrics

import (
	"errors"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	log "github.com/sirupsen/logrus"
)

// Scan metrics
var (
	ScansTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "diskmap_scans_total",
			Help: "Total full scans",
		},
		[]string{"status"},
	)

	ScanDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "diskmap_scan_duration_seconds",
			Help:    "Time to walk a scan root",
			Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1.0, 5.0, 30.0, 120.0},
		},
	)

	TreeNodes = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "diskmap_tree_nodes",
			Help: "Number of nodes in the live tree",
		},
	)

	TreeBytes = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "diskmap_tree_bytes",
			Help: "Aggregate size of the live tree root",
		},
	)

	SkippedEntries = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "diskmap_skipped_entries_total",
			Help: "Entries shown as inaccessible, by reason",
		},
		[]string{"reason"},
	)
)

// Monitor metrics
var (
	MonitorCyclesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "diskmap_monitor_cycles_total",
			Help: "Monitoring cycles by outcome (changed, unchanged, stale, failed)",
		},
		[]string{"outcome"},
	)

	DiffChangesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "diskmap_diff_changes_total",
			Help: "Entries reported by monitoring diffs",
		},
		[]string{"kind"},
	)
)

// Deletion metrics
var (
	DeletionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "diskmap_deletions_total",
			Help: "Total deletion requests",
		},
		[]string{"status"},
	)

	DeletedBytesTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "diskmap_deleted_bytes_total",
			Help: "Bytes freed by deletions",
		},
	)
)

func init() {
	prometheus.MustRegister(
		ScansTotal,
		ScanDuration,
		TreeNodes,
		TreeBytes,
		SkippedEntries,
		MonitorCyclesTotal,
		DiffChangesTotal,
		DeletionsTotal,
		DeletedBytesTotal,
	)
}

// Handler returns an HTTP handler for the /metrics endpoint.
func Handler() http.Handler {
	return promhttp.Handler()
}

// StartMetricsServer starts a standalone HTTP server serving /metrics on the given address.
func StartMetricsServer(addr string) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", Handler())
	srv := &http.Server{Addr: addr, Handler: mux}
	go func() {
		if err := srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			log.Warnf("[Metrics] server on %s stopped: %v", addr, err)
		}
	}()
	return srv
}
