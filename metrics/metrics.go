// Package metrics exposes the prometheus counters/histograms fed by the
// flush coordinator, the paged index, and maintenance. Nothing in here
// sits on the in-memory query hot path; every metric is updated only at
// an I/O boundary (flush, page read, compaction, GC), the way
// cuemby-warren's pkg/metrics registers package-level collectors once
// and times operations with a Timer helper.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	FlushesTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "nervusdb_flushes_total",
			Help: "Total number of completed flush passes",
		},
	)

	FlushDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "nervusdb_flush_duration_seconds",
			Help:    "Time taken by one flush pass",
			Buckets: prometheus.DefBuckets,
		},
	)

	PageReadsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "nervusdb_page_reads_total",
			Help: "Total number of paged-index page reads, by ordering",
		},
		[]string{"order"},
	)

	PageReadErrorsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "nervusdb_page_read_errors_total",
			Help: "Total number of page reads skipped due to a CRC or decode failure",
		},
		[]string{"order"},
	)

	HotnessBumpsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "nervusdb_hotness_bumps_total",
			Help: "Total number of hotness counter increments from bound-primary queries",
		},
	)

	CompactionDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "nervusdb_compaction_duration_seconds",
			Help:    "Time taken by one compaction pass",
			Buckets: prometheus.DefBuckets,
		},
	)

	CompactionOrphansTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "nervusdb_compaction_orphans_total",
			Help: "Total number of pages moved to the orphan list by compaction",
		},
	)

	GCDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "nervusdb_gc_duration_seconds",
			Help:    "Time taken by one GC pass",
			Buckets: prometheus.DefBuckets,
		},
	)

	GCReclaimedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "nervusdb_gc_reclaimed_total",
			Help: "Total number of orphan pages reclaimed by GC",
		},
	)

	CurrentEpoch = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "nervusdb_current_epoch",
			Help: "The currently published manifest epoch",
		},
	)
)

func init() {
	prometheus.MustRegister(
		FlushesTotal,
		FlushDuration,
		PageReadsTotal,
		PageReadErrorsTotal,
		HotnessBumpsTotal,
		CompactionDuration,
		CompactionOrphansTotal,
		GCDuration,
		GCReclaimedTotal,
		CurrentEpoch,
	)
}

// Handler returns the prometheus scrape handler, for callers that want
// to expose /metrics themselves.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Timer times one operation and reports it to a histogram on Observe.
type Timer struct {
	start time.Time
}

// NewTimer starts a timer.
func NewTimer() *Timer {
	return &Timer{start: time.Now()}
}

// ObserveDuration records the elapsed time to histogram.
func (t *Timer) ObserveDuration(histogram prometheus.Histogram) {
	histogram.Observe(time.Since(t.start).Seconds())
}
