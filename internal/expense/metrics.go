package expense

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Outcomes recorded for each receipt that goes through the pipeline
const (
	outcomeSaved         = "saved"
	outcomeProviderError = "provider_error"
	outcomeInvalid       = "invalid"
	outcomeStoreError    = "store_error"
)

var (
	receiptsProcessed = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "expense_tracker",
		Name:      "receipts_processed_total",
		Help:      "Receipts sent through the extraction pipeline, by outcome.",
	}, []string{"outcome"})

	parseFailures = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "expense_tracker",
		Name:      "model_answers_unparsed_total",
		Help:      "Model answers that could not be decoded and fell back to defaults.",
	})

	analysisDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: "expense_tracker",
		Name:      "analysis_duration_seconds",
		Help:      "Time spent waiting for the vision model.",
		Buckets:   []float64{0.5, 1, 2, 5, 10, 20, 40, 80},
	})

	exportsGenerated = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "expense_tracker",
		Name:      "exports_generated_total",
		Help:      "Spreadsheets generated for download.",
	})
)
