package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	Ticks = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "capturer_ticks_total",
			Help: "Total number of monitoring ticks started",
		},
	)

	CaptureFailures = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "capturer_capture_failures_total",
			Help: "Ticks skipped because the screen could not be captured",
		},
	)

	TickDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "capturer_tick_duration_seconds",
			Help:    "Time spent capturing and comparing all regions in one tick",
			Buckets: prometheus.ExponentialBuckets(0.005, 2, 10),
		},
	)

	Comparisons = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "capturer_region_comparisons_total",
			Help: "Region samples compared against their baseline",
		},
		[]string{"region"},
	)

	Activities = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "capturer_region_activity_total",
			Help: "Comparisons classified as activity",
		},
		[]string{"region"},
	)

	ChangePercentage = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "capturer_region_change_percentage",
			Help: "Change percentage of the most recent comparison",
		},
		[]string{"region"},
	)

	RegionsDisabled = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "capturer_regions_disabled",
			Help: "Regions currently disabled because their bounds no longer fit the frame",
		},
	)

	Paused = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "capturer_monitoring_paused",
			Help: "1 while monitoring is paused",
		},
	)

	Dispatches = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "capturer_report_dispatches_total",
			Help: "Report dispatch attempts by result (sent, failed, dropped)",
		},
		[]string{"result"},
	)
)
