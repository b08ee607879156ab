// Package metrics exposes Prometheus counters for the extraction pipeline.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Extractions counts per-(unit, domain) extraction attempts by outcome
	// (queued, duplicate, skipped, empty, rejected, failed).
	Extractions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "clinex_extractions_total",
		Help: "Extraction attempts by domain and outcome.",
	}, []string{"domain", "outcome"})

	// GenerationFailures counts model invocations that failed both attempts,
	// by reason (generation_degenerate, generation_timeout, transport).
	GenerationFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "clinex_generation_failures_total",
		Help: "Model invocations failed after retry, by reason.",
	}, []string{"reason"})

	// GenerationRecoveries counts invocations that succeeded on the retry.
	GenerationRecoveries = promauto.NewCounter(prometheus.CounterOpts{
		Name: "clinex_generation_recoveries_total",
		Help: "Model invocations that recovered on the single retry.",
	})

	// UnparsedLines counts answer lines preserved whole because no line rule
	// could decompose them. A rising rate on one domain means its template or
	// line rules need work — the model is never re-asked.
	UnparsedLines = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "clinex_unparsed_lines_total",
		Help: "Answer lines flagged unparsed, by domain.",
	}, []string{"domain"})

	// LowConfidenceRejected counts entities dropped below the confidence
	// threshold before reaching the review queue.
	LowConfidenceRejected = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "clinex_low_confidence_rejected_total",
		Help: "Entities rejected below the confidence threshold, by domain.",
	}, []string{"domain"})

	// DuplicatesFlagged counts items queued with a duplicate_of pointer.
	DuplicatesFlagged = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "clinex_duplicates_flagged_total",
		Help: "Review items flagged as duplicates, by domain.",
	}, []string{"domain"})

	// UnsupportedLanguage counts units that had domains skipped for lack of
	// a question template in the unit's language.
	UnsupportedLanguage = promauto.NewCounter(prometheus.CounterOpts{
		Name: "clinex_unsupported_language_units_total",
		Help: "Units with at least one domain skipped for language.",
	})
)

// Handler returns the Prometheus scrape handler.
func Handler() http.Handler {
	return promhttp.Handler()
}
