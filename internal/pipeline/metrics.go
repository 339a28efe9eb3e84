package pipeline

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	metricStageDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "intake_stage_duration_seconds",
		Help:    "Wall time of each pipeline stage",
		Buckets: prometheus.ExponentialBuckets(0.05, 2, 12),
	}, []string{"stage"}) // upsert, merge, split, extract

	metricResumePoints = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "intake_resume_points_total",
		Help: "Resume planner decisions by entry point",
	}, []string{"entry"})

	metricOCRPages = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "intake_ocr_pages_total",
		Help: "Pages considered in the extraction stage by outcome",
	}, []string{"status"}) // processed, skipped, error

	metricGracefulFailures = promauto.NewCounter(prometheus.CounterOpts{
		Name: "intake_ocr_graceful_failures_total",
		Help: "Extraction runs completed with zero successful pages",
	})

	metricEarlyAccepts = promauto.NewCounter(prometheus.CounterOpts{
		Name: "intake_ocr_early_accepts_total",
		Help: "Extraction runs stopped early on a strong coversheet hit",
	})
)
