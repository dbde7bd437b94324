package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	actionStarts = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "actionrunner_action_starts_total",
			Help: "Total number of action start attempts by outcome",
		},
		[]string{"outcome"},
	)

	actionStops = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "actionrunner_action_stops_total",
			Help: "Total number of action stops by outcome",
		},
		[]string{"outcome"},
	)

	recurrenceTicks = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "actionrunner_recurrence_ticks_total",
			Help: "Total number of recurrence timer ticks by outcome",
		},
		[]string{"outcome"},
	)

	recurrenceTimers = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "actionrunner_recurrence_timers",
			Help: "Number of registered recurrence timers",
		},
	)

	sweptRuns = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "actionrunner_housekeeping_deleted_runs_total",
			Help: "Total number of ended runs deleted by housekeeping",
		},
	)
)

// RecordStart records an action start attempt. outcome is "ok" or an error kind.
func RecordStart(outcome string) {
	actionStarts.WithLabelValues(outcome).Inc()
}

// RecordStop records an action stop. outcome is "ended", "noop" or an error kind.
func RecordStop(outcome string) {
	actionStops.WithLabelValues(outcome).Inc()
}

// RecordTick records a recurrence tick.
func RecordTick(outcome string) {
	recurrenceTicks.WithLabelValues(outcome).Inc()
}

// SetTimers sets the number of registered recurrence timers.
func SetTimers(n int) {
	recurrenceTimers.Set(float64(n))
}

// AddSweptRuns adds to the number of runs deleted by housekeeping.
func AddSweptRuns(n int64) {
	sweptRuns.Add(float64(n))
}

// Handler returns the Prometheus metrics HTTP handler
func Handler() http.Handler {
	return promhttp.Handler()
}
