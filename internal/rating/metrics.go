package rating

import "github.com/prometheus/client_golang/prometheus"

// Metrics exposes Prometheus collectors for the propagation engine. A nil
// *Metrics is valid and records nothing.
type Metrics struct {
	submissions    *prometheus.CounterVec
	recomputations prometheus.Counter
	rankChanges    prometheus.Counter
	aborts         prometheus.Counter
	stepFailures   prometheus.Counter
	cascadeSize    prometheus.Histogram
}

// NewMetrics registers the engine metrics against registerer, falling back to
// the default registerer when nil.
func NewMetrics(registerer prometheus.Registerer) *Metrics {
	if registerer == nil {
		registerer = prometheus.DefaultRegisterer
	}
	m := &Metrics{
		submissions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "balloonboat_rating_submissions_total",
			Help: "Rating submissions partitioned by outcome.",
		}, []string{"outcome"}),
		recomputations: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "balloonboat_rank_recomputations_total",
			Help: "User rank recomputations performed by propagation runs.",
		}),
		rankChanges: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "balloonboat_rank_changes_total",
			Help: "Effective rank changes caused by propagation runs.",
		}),
		aborts: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "balloonboat_cascade_aborts_total",
			Help: "Propagation runs stopped by the cascade limit.",
		}),
		stepFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "balloonboat_cascade_step_failures_total",
			Help: "Cascade steps skipped after a storage failure.",
		}),
		cascadeSize: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "balloonboat_cascade_recomputations",
			Help:    "Recomputations per propagation run.",
			Buckets: prometheus.ExponentialBuckets(1, 2, 10),
		}),
	}
	registerer.MustRegister(m.submissions, m.recomputations, m.rankChanges, m.aborts, m.stepFailures, m.cascadeSize)
	return m
}

func (m *Metrics) observeSubmission(outcome string) {
	if m == nil {
		return
	}
	m.submissions.WithLabelValues(outcome).Inc()
}

func (m *Metrics) observeCascade(report CascadeReport) {
	if m == nil {
		return
	}
	m.recomputations.Add(float64(report.Recomputed))
	m.rankChanges.Add(float64(report.RankChanges))
	m.stepFailures.Add(float64(report.Failed))
	m.cascadeSize.Observe(float64(report.Recomputed))
	if report.Aborted {
		m.aborts.Inc()
	}
}
