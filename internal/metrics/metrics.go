package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/fractal-lba/halving/internal/selection"
)

// Metrics holds all Prometheus collectors for the service
type Metrics struct {
	// Session lifecycle
	SessionsCreated prometheus.Counter
	SessionsDeleted prometheus.Counter
	SessionsEvicted prometheus.Counter
	SessionsActive  prometheus.Gauge

	// Stream processing
	Observations      *prometheus.CounterVec
	ObservationErrors *prometheus.CounterVec
	ObserveLatency    prometheus.Histogram
	Predictions       *prometheus.CounterVec

	// Elimination
	Rungs                *prometheus.CounterVec
	CandidatesEliminated *prometheus.CounterVec
	BudgetUsed           *prometheus.GaugeVec
	BestMetric           *prometheus.GaugeVec
	ActiveCandidates     *prometheus.GaugeVec
	RungLength           *prometheus.GaugeVec

	// Storage
	JournalErrors prometheus.Counter
	HistoryErrors prometheus.Counter
	RateLimited   prometheus.Counter
}

// New creates all collectors and registers them with reg. A nil reg uses
// the default registerer.
func New(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	f := promauto.With(reg)

	return &Metrics{
		SessionsCreated: f.NewCounter(prometheus.CounterOpts{
			Name: "halving_sessions_created_total",
			Help: "Total number of selection sessions created",
		}),
		SessionsDeleted: f.NewCounter(prometheus.CounterOpts{
			Name: "halving_sessions_deleted_total",
			Help: "Number of sessions deleted through the API",
		}),
		SessionsEvicted: f.NewCounter(prometheus.CounterOpts{
			Name: "halving_sessions_evicted_total",
			Help: "Number of sessions evicted by capacity or TTL",
		}),
		SessionsActive: f.NewGauge(prometheus.GaugeOpts{
			Name: "halving_sessions_active",
			Help: "Number of sessions currently held in memory",
		}),

		Observations: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "halving_observations_total",
				Help: "Observations processed per task",
			},
			[]string{"task"},
		),
		ObservationErrors: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "halving_observation_errors_total",
				Help: "Observations rejected by a learner or metric",
			},
			[]string{"task"},
		),
		ObserveLatency: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "halving_observe_duration_seconds",
			Help:    "Time spent fanning one observation out to the active candidates",
			Buckets: prometheus.ExponentialBuckets(0.00001, 4, 10),
		}),
		Predictions: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "halving_predictions_total",
				Help: "Predictions served by the best candidate",
			},
			[]string{"task"},
		),

		Rungs: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "halving_rungs_total",
				Help: "Elimination rungs closed",
			},
			[]string{"metric"},
		),
		CandidatesEliminated: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "halving_candidates_eliminated_total",
				Help: "Candidates removed at rungs",
			},
			[]string{"metric"},
		),
		BudgetUsed: f.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "halving_budget_used",
				Help: "Training updates consumed by closed rungs per session",
			},
			[]string{"session_id"},
		),
		BestMetric: f.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "halving_best_metric",
				Help: "Metric of the top-ranked survivor at the last rung",
			},
			[]string{"session_id", "metric"},
		),
		ActiveCandidates: f.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "halving_active_candidates",
				Help: "Candidates still being evaluated per session",
			},
			[]string{"session_id"},
		),
		RungLength: f.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "halving_rung_length",
				Help: "Observations in the current rung per session",
			},
			[]string{"session_id"},
		),

		JournalErrors: f.NewCounter(prometheus.CounterOpts{
			Name: "halving_journal_errors_total",
			Help: "Number of journal write errors",
		}),
		HistoryErrors: f.NewCounter(prometheus.CounterOpts{
			Name: "halving_history_errors_total",
			Help: "Number of rung history write errors",
		}),
		RateLimited: f.NewCounter(prometheus.CounterOpts{
			Name: "halving_rate_limited_total",
			Help: "Requests rejected by the rate limiter",
		}),
	}
}

// SessionObserver feeds one session's rung reports into the collectors.
type SessionObserver struct {
	m         *Metrics
	sessionID string
}

// ForSession returns a selection.Reporter bound to a session id.
func (m *Metrics) ForSession(sessionID string, candidates, rungLength int) *SessionObserver {
	m.ActiveCandidates.WithLabelValues(sessionID).Set(float64(candidates))
	m.RungLength.WithLabelValues(sessionID).Set(float64(rungLength))
	m.BudgetUsed.WithLabelValues(sessionID).Set(0)
	return &SessionObserver{m: m, sessionID: sessionID}
}

// ReportRung implements selection.Reporter.
func (o *SessionObserver) ReportRung(r selection.RungReport) {
	o.m.Rungs.WithLabelValues(r.MetricName).Inc()
	o.m.CandidatesEliminated.WithLabelValues(r.MetricName).Add(float64(r.Removed))
	o.m.BudgetUsed.WithLabelValues(o.sessionID).Set(float64(r.BudgetUsed))
	o.m.BestMetric.WithLabelValues(o.sessionID, r.MetricName).Set(r.BestMetric)
	o.m.ActiveCandidates.WithLabelValues(o.sessionID).Set(float64(r.Remaining))
	o.m.RungLength.WithLabelValues(o.sessionID).Set(float64(r.NextRungLength))
}

// Sync overwrites the session gauges from a status snapshot, for sessions
// whose rung reports were not observed (rebuilt from a journal).
func (o *SessionObserver) Sync(st selection.Status) {
	o.m.BudgetUsed.WithLabelValues(o.sessionID).Set(float64(st.BudgetUsed))
	o.m.ActiveCandidates.WithLabelValues(o.sessionID).Set(float64(st.Active))
	o.m.RungLength.WithLabelValues(o.sessionID).Set(float64(st.RungLength))
	if st.Rung > 0 {
		o.m.BestMetric.WithLabelValues(o.sessionID, st.MetricName).Set(st.BestMetric)
	}
}

// Forget drops the per-session series once a session is gone.
func (o *SessionObserver) Forget() {
	o.m.BudgetUsed.DeleteLabelValues(o.sessionID)
	o.m.ActiveCandidates.DeleteLabelValues(o.sessionID)
	o.m.RungLength.DeleteLabelValues(o.sessionID)
	o.m.BestMetric.DeletePartialMatch(prometheus.Labels{"session_id": o.sessionID})
}
