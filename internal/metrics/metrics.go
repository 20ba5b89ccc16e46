// Package metrics exposes the engine's Prometheus metrics.
//
//	autobook_task_fires_total{trigger}        runs started, by timer|sweep|manual
//	autobook_attempts_total{outcome}          acquisition attempts, by classified outcome
//	autobook_attempt_duration_seconds         latency of one submission
//	autobook_tasks_terminal_total{status,reason}
//	autobook_timers_armed                     precise timers currently armed
//	autobook_runs_in_flight                   task runs currently executing
//
// A nil *Collector is valid and records nothing.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type Collector struct {
	fires        *prometheus.CounterVec
	attempts     *prometheus.CounterVec
	attemptTime  prometheus.Histogram
	terminal     *prometheus.CounterVec
	timersArmed  prometheus.Gauge
	runsInFlight prometheus.Gauge
}

// New builds a collector and registers it with reg (prometheus.DefaultRegisterer if nil).
func New(reg prometheus.Registerer) *Collector {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	c := &Collector{
		fires: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "autobook_task_fires_total",
			Help: "Task runs started, by trigger",
		}, []string{"trigger"}),
		attempts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "autobook_attempts_total",
			Help: "Acquisition attempts, by outcome",
		}, []string{"outcome"}),
		attemptTime: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "autobook_attempt_duration_seconds",
			Help:    "Latency of one acquisition submission",
			Buckets: []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5},
		}),
		terminal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "autobook_tasks_terminal_total",
			Help: "Terminal transitions written, by status and reason",
		}, []string{"status", "reason"}),
		timersArmed: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "autobook_timers_armed",
			Help: "Precise timers currently armed",
		}),
		runsInFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "autobook_runs_in_flight",
			Help: "Task runs currently executing",
		}),
	}
	reg.MustRegister(c.fires, c.attempts, c.attemptTime, c.terminal, c.timersArmed, c.runsInFlight)
	return c
}

func (c *Collector) RecordFire(trigger string) {
	if c == nil {
		return
	}
	c.fires.WithLabelValues(trigger).Inc()
}

func (c *Collector) RecordAttempt(outcome string, took time.Duration) {
	if c == nil {
		return
	}
	c.attempts.WithLabelValues(outcome).Inc()
	c.attemptTime.Observe(took.Seconds())
}

func (c *Collector) RecordTerminal(status, reason string) {
	if c == nil {
		return
	}
	c.terminal.WithLabelValues(status, reason).Inc()
}

// UpdateSchedulerStats sets the armed-timer and in-flight gauges.
func (c *Collector) UpdateSchedulerStats(armed, inFlight int) {
	if c == nil {
		return
	}
	c.timersArmed.Set(float64(armed))
	c.runsInFlight.Set(float64(inFlight))
}

// Handler serves g in the Prometheus text format.
func Handler(g prometheus.Gatherer) http.Handler {
	if g == nil {
		g = prometheus.DefaultGatherer
	}
	return promhttp.HandlerFor(g, promhttp.HandlerOpts{})
}
