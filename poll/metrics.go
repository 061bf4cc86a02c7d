package poll

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds the Prometheus collectors updated once per cycle.
type Metrics struct {
	cycles        *prometheus.CounterVec
	stageFailures *prometheus.CounterVec
	dispatches    *prometheus.CounterVec
	fetched       prometheus.Gauge
	dropped       prometheus.Counter
	newEvents     prometheus.Counter
	knownEvents   prometheus.Gauge
	cycleDur      prometheus.Histogram
	lastSuccessTS prometheus.Gauge
}

// NewMetrics creates the collectors and registers them with reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		cycles: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "halbooking",
			Name:      "cycles_total",
			Help:      "Polling cycles by result",
		}, []string{"result"}),
		stageFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "halbooking",
			Name:      "stage_failures_total",
			Help:      "Failed cycle stages",
		}, []string{"stage"}),
		dispatches: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "halbooking",
			Name:      "dispatches_total",
			Help:      "Notification dispatches by class",
		}, []string{"class"}),
		fetched: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "halbooking",
			Name:      "fetched_events",
			Help:      "Valid events in the most recent fetched snapshot",
		}),
		dropped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "halbooking",
			Name:      "malformed_records_total",
			Help:      "Listing rows dropped as malformed",
		}),
		newEvents: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "halbooking",
			Name:      "new_events_total",
			Help:      "Events seen for the first time",
		}),
		knownEvents: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "halbooking",
			Name:      "known_events",
			Help:      "Events held in the store",
		}),
		cycleDur: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "halbooking",
			Name:      "cycle_duration_seconds",
			Help:      "Time spent in one polling cycle, excluding sleep",
			Buckets:   prometheus.ExponentialBuckets(0.25, 2, 10),
		}),
		lastSuccessTS: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "halbooking",
			Name:      "last_success_timestamp_seconds",
			Help:      "Unix timestamp of the last cycle whose fetch and extraction succeeded",
		}),
	}

	reg.MustRegister(
		m.cycles, m.stageFailures, m.dispatches,
		m.fetched, m.dropped, m.newEvents, m.knownEvents,
		m.cycleDur, m.lastSuccessTS,
	)
	return m
}

func (m *Metrics) observe(o *Outcome, known int) {
	if m == nil {
		return
	}
	m.cycleDur.Observe(o.Duration.Seconds())
	m.knownEvents.Set(float64(known))

	for stage, r := range map[string]StageResult{
		"fetch":   o.Fetch,
		"extract": o.Extract,
		"notify":  o.Notify,
		"persist": o.Persist,
	} {
		if r.Status == StageFailed {
			m.stageFailures.WithLabelValues(stage).Inc()
		}
	}

	if o.Failed() {
		m.cycles.WithLabelValues("failed").Inc()
		return
	}
	m.cycles.WithLabelValues("ok").Inc()
	m.fetched.Set(float64(o.Fetched))
	m.dropped.Add(float64(o.Dropped))
	m.newEvents.Add(float64(o.New))
	m.lastSuccessTS.Set(float64(o.Finished.Unix()))
	if o.Notify.Status != StageSkipped {
		m.dispatches.WithLabelValues(o.Dispatch.String()).Inc()
	}
}
