package server

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/copyleftdev/parzen/internal/optimization/trials"
)

// metrics are registered on a per-server registry so that several servers
// can live in one process.
type metrics struct {
	registry *prometheus.Registry

	trials        *prometheus.CounterVec
	trialDuration *prometheus.HistogramVec
	bestLoss      *prometheus.GaugeVec
	activeStudies prometheus.Gauge
}

func newMetrics() *metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	factory := promauto.With(reg)

	return &metrics{
		registry: reg,
		trials: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "parzen",
			Name:      "trials_total",
			Help:      "Trials that reached a terminal state, by objective and status.",
		}, []string{"objective", "status"}),
		trialDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "parzen",
			Name:      "trial_duration_seconds",
			Help:      "Wall time of objective evaluations.",
			Buckets:   prometheus.ExponentialBuckets(0.0005, 4, 10),
		}, []string{"objective"}),
		bestLoss: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "parzen",
			Name:      "study_best_loss",
			Help:      "Lowest loss observed so far in a running study.",
		}, []string{"study"}),
		activeStudies: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "parzen",
			Name:      "active_studies",
			Help:      "Studies currently pending or running.",
		}),
	}
}

func (m *metrics) observeTrial(objective, study string, t trials.Trial, best trials.Trial, hasBest bool) {
	m.trials.WithLabelValues(objective, string(t.Status)).Inc()
	m.trialDuration.WithLabelValues(objective).Observe(t.Duration().Seconds())
	if hasBest {
		m.bestLoss.WithLabelValues(study).Set(best.Loss)
	}
}

// forgetStudy drops the per-study series once the study has finished.
func (m *metrics) forgetStudy(study string) {
	m.bestLoss.DeleteLabelValues(study)
}

func (m *metrics) handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
