package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus instruments for the decision service
type Metrics struct {
	Decisions           *prometheus.CounterVec
	Fallbacks           *prometheus.CounterVec
	ForecastErrors      *prometheus.CounterVec
	Guarantee           prometheus.Histogram
	DecideDuration      prometheus.Histogram
	ConcurrencyConflict prometheus.Counter
	JournalErrors       prometheus.Counter

	OutcomesRecorded prometheus.Counter
	SummaryCache     *prometheus.CounterVec
	Recomputes       prometheus.Counter

	QuotaExceeded *prometheus.CounterVec
}

// New creates all metrics and registers them with reg. Tests pass a fresh
// prometheus.NewRegistry(); the server passes prometheus.DefaultRegisterer.
func New(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		Decisions: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "guardian_decisions_total",
				Help: "Decisions produced, by problem type and action",
			},
			[]string{"problem_type", "action"},
		),
		Fallbacks: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "guardian_decision_fallbacks_total",
				Help: "Decisions made with the robust-only fallback, by forecast failure",
			},
			[]string{"reason"},
		),
		ForecastErrors: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "guardian_forecast_errors_total",
				Help: "Forecast adapter failures by kind",
			},
			[]string{"kind"},
		),
		Guarantee: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "guardian_guarantee",
			Help:    "Competitive-ratio guarantee attached to decisions",
			Buckets: []float64{1, 1.1, 1.25, 1.5, 1.75, 2, 2.5, 3, 5},
		}),
		DecideDuration: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "guardian_decide_duration_seconds",
			Help:    "End-to-end decide latency including the forecast",
			Buckets: prometheus.DefBuckets,
		}),
		ConcurrencyConflict: f.NewCounter(prometheus.CounterOpts{
			Name: "guardian_concurrency_conflicts_total",
			Help: "Version conflicts on decision state writes; any non-zero value is a locking bug",
		}),
		JournalErrors: f.NewCounter(prometheus.CounterOpts{
			Name: "guardian_journal_errors_total",
			Help: "Audit journal write failures",
		}),
		OutcomesRecorded: f.NewCounter(prometheus.CounterOpts{
			Name: "guardian_outcomes_recorded_total",
			Help: "Performance records appended",
		}),
		SummaryCache: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "guardian_summary_cache_total",
				Help: "Performance summary cache lookups by result",
			},
			[]string{"result"},
		),
		Recomputes: f.NewCounter(prometheus.CounterOpts{
			Name: "guardian_summary_recomputes_total",
			Help: "Summaries recomputed by the background recomputer",
		}),
		QuotaExceeded: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "guardian_quota_exceeded_total",
				Help: "Requests rejected by the per-user limits, by limit",
			},
			[]string{"reason"},
		),
	}
}
