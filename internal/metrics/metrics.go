package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Outcome labels of MaterializationOutcomes.
const (
	OutcomeFinished = "finished"
	OutcomeFailed   = "failed"
	OutcomeTimeout  = "timeout"
)

var (
	WriteAttempts = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "aqi_store_write_attempts_total",
		Help: "Total number of upsert attempts against the feature store.",
	}, []string{"group"})
	WriteRetries = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "aqi_store_write_retries_total",
		Help: "Total number of upserts retried after a transient failure.",
	}, []string{"group"})
	WriteVerified = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "aqi_store_write_verified_total",
		Help: "Writes confirmed by a finished materialization job after a transient failure.",
	}, []string{"group"})
	WriteFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "aqi_store_write_failures_total",
		Help: "Total number of writes that failed permanently.",
	}, []string{"group"})

	MaterializationWait = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "aqi_materialization_wait_seconds",
		Help:    "Time spent waiting for materialization jobs.",
		Buckets: []float64{1, 5, 15, 30, 60, 120, 300, 600, 900},
	})
	MaterializationOutcomes = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "aqi_materialization_outcomes_total",
		Help: "Materialization waits by outcome (finished, failed, timeout).",
	}, []string{"outcome"})

	InferenceRuns = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "aqi_inference_runs_total",
		Help: "Batch inference runs by result.",
	}, []string{"result"})
	InferenceDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "aqi_inference_duration_seconds",
		Help:    "Duration of a full batch inference run.",
		Buckets: []float64{0.1, 0.5, 1, 5, 15, 60, 300, 900},
	})
	PredictionsStored = promauto.NewCounter(prometheus.CounterOpts{
		Name: "aqi_predictions_stored_total",
		Help: "Total number of prediction rows written.",
	})
	StaleFeatures = promauto.NewCounter(prometheus.CounterOpts{
		Name: "aqi_inference_stale_features_total",
		Help: "Inference runs that used a feature row older than the anchor allows.",
	})

	FeatureRowsIngested = promauto.NewCounter(prometheus.CounterOpts{
		Name: "aqi_feature_rows_ingested_total",
		Help: "Total number of daily feature rows uploaded.",
	})
	FetchFailures = promauto.NewCounter(prometheus.CounterOpts{
		Name: "aqi_air_quality_fetch_failures_total",
		Help: "Total number of failed air-quality API calls.",
	})

	PipelineSteps = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "aqi_pipeline_steps_total",
		Help: "Daily pipeline steps by step and result.",
	}, []string{"step", "result"})
)
