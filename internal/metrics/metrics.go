package metrics

import (
	"errors"
	"net/http"
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Package-level Prometheus collectors. They are registered via Register.
var (
	regOK atomic.Bool

	cycles = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "devcycle",
			Subsystem: "supervisor",
			Name:      "cycles_total",
			Help:      "Number of supervisor cycles by result.",
		}, []string{"result"},
	)
	launches = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "devcycle",
			Subsystem: "supervisor",
			Name:      "launches_total",
			Help:      "Number of dev server processes launched.",
		},
	)
	terminations = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "devcycle",
			Subsystem: "supervisor",
			Name:      "terminations_total",
			Help:      "Number of terminate requests by confirmation result.",
		}, []string{"reason", "result"},
	)
	probes = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "devcycle",
			Subsystem: "health",
			Name:      "probes_total",
			Help:      "Number of readiness probes by result.",
		}, []string{"result"},
	)
	readyDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "devcycle",
			Subsystem: "health",
			Name:      "ready_seconds",
			Help:      "Time from launch until the readiness probe succeeded.",
			Buckets:   []float64{0.25, 0.5, 1, 2, 5, 10, 20, 30, 60, 120},
		},
	)
	stateTransitions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "devcycle",
			Subsystem: "supervisor",
			Name:      "state_transitions_total",
			Help:      "Number of state transitions of the dev server slot.",
		}, []string{"from", "to"},
	)
	currentState = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "devcycle",
			Subsystem: "supervisor",
			Name:      "current_state",
			Help:      "Current state of the dev server slot (1 = active state, 0 = inactive).",
		}, []string{"state"},
	)
)

// Register registers all metrics with the provided registerer.
// It is safe to call multiple times; subsequent calls after success are no-ops.
func Register(r prometheus.Registerer) error {
	if regOK.Load() {
		return nil
	}
	cs := []prometheus.Collector{cycles, launches, terminations, probes, readyDuration, stateTransitions, currentState}
	for _, c := range cs {
		if err := r.Register(c); err != nil {
			var are prometheus.AlreadyRegisteredError
			if errors.As(err, &are) {
				continue
			}
			return err
		}
	}
	regOK.Store(true)
	return nil
}

// Handler serves the DefaultGatherer.
func Handler() http.Handler { return promhttp.Handler() }

// HandlerFor serves the given gatherer.
func HandlerFor(g prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(g, promhttp.HandlerOpts{})
}

// The helpers below no-op until Register has succeeded.

func IncCycle(result string) {
	if regOK.Load() {
		cycles.WithLabelValues(result).Inc()
	}
}

func IncLaunch() {
	if regOK.Load() {
		launches.Inc()
	}
}

func IncTermination(reason string, confirmed bool) {
	if regOK.Load() {
		result := "confirmed"
		if !confirmed {
			result = "unconfirmed"
		}
		terminations.WithLabelValues(reason, result).Inc()
	}
}

func IncProbe(ok bool) {
	if regOK.Load() {
		result := "success"
		if !ok {
			result = "failure"
		}
		probes.WithLabelValues(result).Inc()
	}
}

func ObserveReady(seconds float64) {
	if regOK.Load() {
		readyDuration.Observe(seconds)
	}
}

// RecordTransition counts from->to and flips the current_state gauge.
func RecordTransition(from, to string) {
	if !regOK.Load() {
		return
	}
	stateTransitions.WithLabelValues(from, to).Inc()
	if from != "" {
		currentState.WithLabelValues(from).Set(0)
	}
	currentState.WithLabelValues(to).Set(1)
}
