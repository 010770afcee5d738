// Package metrics defines the Prometheus collectors for the scoring pipeline.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics groups the scoring collectors
type Metrics struct {
	sweeps            *prometheus.CounterVec
	recomputes        *prometheus.CounterVec
	recomputeDuration prometheus.Histogram
	pendingMaps       prometheus.Gauge
	raceChanges       prometheus.Counter
	submissions       *prometheus.CounterVec
	fullRecomputes    *prometheus.CounterVec
}

// New creates the collectors and registers them with reg
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		sweeps: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "racesow_sweeps_total",
			Help: "Scheduler sweeps by outcome.",
		}, []string{"result"}),
		recomputes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "racesow_map_recomputes_total",
			Help: "Map recomputes by mode and outcome.",
		}, []string{"mode", "result"}),
		recomputeDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "racesow_map_recompute_duration_seconds",
			Help:    "Duration of single map recomputes.",
			Buckets: prometheus.DefBuckets,
		}),
		pendingMaps: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "racesow_pending_maps",
			Help: "Maps picked up by the last sweep.",
		}),
		raceChanges: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "racesow_race_point_changes_total",
			Help: "Races whose points or rank were rewritten.",
		}),
		submissions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "racesow_submissions_total",
			Help: "Race submissions by kind.",
		}, []string{"kind"}),
		fullRecomputes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "racesow_full_recomputes_total",
			Help: "Full recomputes by outcome.",
		}, []string{"result"}),
	}

	reg.MustRegister(
		m.sweeps,
		m.recomputes,
		m.recomputeDuration,
		m.pendingMaps,
		m.raceChanges,
		m.submissions,
		m.fullRecomputes,
	)
	return m
}

func result(err error) string {
	if err != nil {
		return "error"
	}
	return "ok"
}

func mode(reset bool) string {
	if reset {
		return "reset"
	}
	return "incremental"
}

// ObserveRecompute records one map recompute
func (m *Metrics) ObserveRecompute(reset bool, changes int, took time.Duration, err error) {
	m.recomputes.WithLabelValues(mode(reset), result(err)).Inc()
	m.recomputeDuration.Observe(took.Seconds())
	m.raceChanges.Add(float64(changes))
}

// ObserveRecomputeBusy records a recompute skipped because the map was locked
func (m *Metrics) ObserveRecomputeBusy(reset bool) {
	m.recomputes.WithLabelValues(mode(reset), "busy").Inc()
}

// ObserveSweep records one sweep and how many maps it picked up
func (m *Metrics) ObserveSweep(pending int, skipped bool, err error) {
	if skipped {
		m.sweeps.WithLabelValues("skipped").Inc()
		return
	}
	m.sweeps.WithLabelValues(result(err)).Inc()
	m.pendingMaps.Set(float64(pending))
}

// ObserveFullRecompute records one full recompute
func (m *Metrics) ObserveFullRecompute(err error) {
	m.fullRecomputes.WithLabelValues(result(err)).Inc()
}

// ObserveSubmission records a race submission
func (m *Metrics) ObserveSubmission(withTime bool) {
	kind := "playtime"
	if withTime {
		kind = "time"
	}
	m.submissions.WithLabelValues(kind).Inc()
}
