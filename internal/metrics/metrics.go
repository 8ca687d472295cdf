// Package metrics exposes Prometheus collectors for the harvester service.
package metrics

import (
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	recordsTotal           *prometheus.CounterVec
	batchesTotal           *prometheus.CounterVec
	extractionRejectsTotal prometheus.Counter
	backoffSeconds         prometheus.Histogram
	rateLimitSignalsTotal  prometheus.Counter
	runsTotal              *prometheus.CounterVec
	checkpointSavesTotal   prometheus.Counter

	once sync.Once
)

// Init initializes the Prometheus metrics collectors. It is safe to call
// multiple times.
func Init() {
	once.Do(func() {
		recordsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "harvester_records_total",
				Help: "Total records written to the store, labeled by outcome (inserted, updated, failed).",
			},
			[]string{"outcome"},
		)

		batchesTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "harvester_batches_total",
				Help: "Total fetch cycles, labeled by whether they yielded records.",
			},
			[]string{"result"},
		)

		extractionRejectsTotal = promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "harvester_extraction_rejects_total",
				Help: "Total fragments rejected by the extractor.",
			},
		)

		backoffSeconds = promauto.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "harvester_backoff_seconds",
				Help:    "Histogram of computed backoff delays.",
				Buckets: []float64{1, 2, 5, 10, 20, 30, 45, 60},
			},
		)

		rateLimitSignalsTotal = promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "harvester_rate_limit_signals_total",
				Help: "Total explicit rate limit indicators observed.",
			},
		)

		runsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "harvester_runs_total",
				Help: "Total crawl runs, labeled by final state.",
			},
			[]string{"state"},
		)

		checkpointSavesTotal = promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "harvester_checkpoint_saves_total",
				Help: "Total checkpoint commits.",
			},
		)
	})
}

// Handler returns an http.Handler exposing the Prometheus metrics.
func Handler() http.Handler {
	return promhttp.Handler()
}

// ObserveUpsert records the outcome counts of one batch write.
func ObserveUpsert(inserted, updated, failed int) {
	if recordsTotal == nil {
		return
	}
	recordsTotal.WithLabelValues("inserted").Add(float64(inserted))
	recordsTotal.WithLabelValues("updated").Add(float64(updated))
	recordsTotal.WithLabelValues("failed").Add(float64(failed))
}

// ObserveBatch counts one fetch cycle.
func ObserveBatch(yielded bool) {
	if batchesTotal == nil {
		return
	}
	if yielded {
		batchesTotal.WithLabelValues("yield").Inc()
		return
	}
	batchesTotal.WithLabelValues("empty").Inc()
}

// ObserveExtractionReject counts one rejected fragment.
func ObserveExtractionReject() {
	if extractionRejectsTotal == nil {
		return
	}
	extractionRejectsTotal.Inc()
}

// ObserveBackoff records a computed backoff delay.
func ObserveBackoff(d time.Duration) {
	if backoffSeconds == nil {
		return
	}
	backoffSeconds.Observe(d.Seconds())
}

// ObserveRateLimitSignal counts one explicit block indicator.
func ObserveRateLimitSignal() {
	if rateLimitSignalsTotal == nil {
		return
	}
	rateLimitSignalsTotal.Inc()
}

// ObserveRun records the final state of a run.
func ObserveRun(state string) {
	if runsTotal == nil {
		return
	}
	runsTotal.WithLabelValues(state).Inc()
}

// ObserveCheckpointSave counts one checkpoint commit.
func ObserveCheckpointSave() {
	if checkpointSavesTotal == nil {
		return
	}
	checkpointSavesTotal.Inc()
}
