// Package metrics exposes Prometheus instrumentation for the runtime
// cycle loop, the domain metrics counterpart to the teacher's
// alerting.metrics_interval config knob (the teacher ships its own
// periodic metrics snapshot; here the snapshot is exported continuously
// via the standard client_golang registry/HTTP handler instead).
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Registry wraps the Prometheus collectors the runtime updates every
// cycle. A dedicated registry (rather than the global default) keeps test
// instantiation free of cross-test collector registration panics.
type Registry struct {
	cycleDuration prometheus.Histogram
	cycleErrors   prometheus.Counter
	rulesEvaluated prometheus.Counter
	ruleFired     *prometheus.CounterVec
	ruleErrors    *prometheus.CounterVec
	active        prometheus.Gauge
	registry      *prometheus.Registry
}

// NewRegistry constructs and registers every collector.
func NewRegistry() *Registry {
	reg := prometheus.NewRegistry()
	r := &Registry{
		cycleDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "telemetry_rules",
			Name:      "cycle_duration_seconds",
			Help:      "Wall-clock duration of one evaluation cycle.",
			Buckets:   prometheus.DefBuckets,
		}),
		cycleErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "telemetry_rules",
			Name:      "cycle_errors_total",
			Help:      "Cycles whose input read or batch flush failed.",
		}),
		rulesEvaluated: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "telemetry_rules",
			Name:      "rules_evaluated_total",
			Help:      "Rule evaluations attempted, across all cycles.",
		}),
		ruleFired: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "telemetry_rules",
			Name:      "rule_fired_total",
			Help:      "Times a rule's conditions matched and its actions ran.",
		}, []string{"rule"}),
		ruleErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "telemetry_rules",
			Name:      "rule_errors_total",
			Help:      "Rule evaluation or action errors, by rule.",
		}, []string{"rule"}),
		active: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "telemetry_rules",
			Name:      "active",
			Help:      "1 if this instance is currently the active writer, else 0.",
		}),
		registry: reg,
	}
	reg.MustRegister(r.cycleDuration, r.cycleErrors, r.rulesEvaluated, r.ruleFired, r.ruleErrors, r.active)
	return r
}

// Handler returns the HTTP handler to mount at the metrics endpoint.
func (r *Registry) Handler() http.Handler {
	return promhttp.HandlerFor(r.registry, promhttp.HandlerOpts{})
}

func (r *Registry) ObserveCycleDuration(d time.Duration) { r.cycleDuration.Observe(d.Seconds()) }
func (r *Registry) IncCycleError()                        { r.cycleErrors.Inc() }
func (r *Registry) AddRulesEvaluated(n int)                { r.rulesEvaluated.Add(float64(n)) }
func (r *Registry) IncRuleFired(rule string)                { r.ruleFired.WithLabelValues(rule).Inc() }
func (r *Registry) IncRuleError(rule string)                { r.ruleErrors.WithLabelValues(rule).Inc() }
func (r *Registry) SetActive(active bool) {
	if active {
		r.active.Set(1)
	} else {
		r.active.Set(0)
	}
}
