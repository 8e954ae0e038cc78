package pipeline

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	runsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "finance_pipeline_runs_total",
		Help: "Total number of pipeline runs by outcome",
	}, []string{"pipeline", "status"})

	runDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "finance_pipeline_run_duration_seconds",
		Help:    "Time taken by a pipeline run",
		Buckets: prometheus.ExponentialBuckets(0.01, 2, 14),
	}, []string{"pipeline"})

	rowsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "finance_pipeline_rows_total",
		Help: "Rows handled per pipeline stage",
	}, []string{"pipeline", "stage"})

	cursorGauge = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "finance_pipeline_cursor",
		Help: "Last committed raw sequence id",
	}, []string{"pipeline"})

	reappliedRowsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "finance_pipeline_reapplied_rows_total",
		Help: "Historical fact rows changed by catch-up rule passes",
	}, []string{"pipeline", "rule"})
)
