// Package metrics exposes Prometheus instruments for the plugin host.
//
// Exported series:
//
//	pluginhost_module_transitions_total{state}         state transitions by target state
//	pluginhost_module_transition_failures_total{op}    failed lifecycle operations by operation
//	pluginhost_entrypoint_duration_seconds{entry}      entry point call latency
//	pluginhost_deployments_total{type,result}          deployment records appended
//	pluginhost_health_probes_total{result}             health probe outcomes
//	pluginhost_health_recoveries_total{stage}          automatic recovery attempts
//	pluginhost_rollout_batches_total{result}           rollout batch executions
//	pluginhost_modules{state}                          modules currently in each state
//
// A nil *Collector is valid and records nothing.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Collector holds the host's Prometheus instruments.
type Collector struct {
	transitions       *prometheus.CounterVec
	transitionErrors  *prometheus.CounterVec
	entryPointLatency *prometheus.HistogramVec
	deployments       *prometheus.CounterVec
	probes            *prometheus.CounterVec
	recoveries        *prometheus.CounterVec
	rolloutBatches    *prometheus.CounterVec
	modules           *prometheus.GaugeVec

	gatherer prometheus.Gatherer
}

// NewCollector creates the instruments and registers them with reg. When reg
// is nil a private registry is used so several hosts can coexist in one process.
func NewCollector(reg prometheus.Registerer) *Collector {
	var gatherer prometheus.Gatherer
	if reg == nil {
		r := prometheus.NewRegistry()
		reg, gatherer = r, r
	} else if g, ok := reg.(prometheus.Gatherer); ok {
		gatherer = g
	} else {
		gatherer = prometheus.DefaultGatherer
	}

	c := &Collector{
		transitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "pluginhost_module_transitions_total",
			Help: "Module state transitions by target state",
		}, []string{"state"}),
		transitionErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "pluginhost_module_transition_failures_total",
			Help: "Failed lifecycle operations by operation",
		}, []string{"op"}),
		entryPointLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "pluginhost_entrypoint_duration_seconds",
			Help:    "Module entry point call latency in seconds",
			Buckets: prometheus.DefBuckets,
		}, []string{"entry"}),
		deployments: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "pluginhost_deployments_total",
			Help: "Deployment attempts by type and result",
		}, []string{"type", "result"}),
		probes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "pluginhost_health_probes_total",
			Help: "Health probe outcomes",
		}, []string{"result"}),
		recoveries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "pluginhost_health_recoveries_total",
			Help: "Automatic recovery attempts by stage",
		}, []string{"stage"}),
		rolloutBatches: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "pluginhost_rollout_batches_total",
			Help: "Rollout batch executions by result",
		}, []string{"result"}),
		modules: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "pluginhost_modules",
			Help: "Modules currently in each lifecycle state",
		}, []string{"state"}),
		gatherer: gatherer,
	}

	reg.MustRegister(
		c.transitions,
		c.transitionErrors,
		c.entryPointLatency,
		c.deployments,
		c.probes,
		c.recoveries,
		c.rolloutBatches,
		c.modules,
	)
	return c
}

// RecordTransition counts a transition and moves one module between state gauges.
func (c *Collector) RecordTransition(from, to string) {
	if c == nil {
		return
	}
	c.transitions.WithLabelValues(to).Inc()
	if from != "" {
		c.modules.WithLabelValues(from).Dec()
	}
	if to != "" {
		c.modules.WithLabelValues(to).Inc()
	}
}

// RecordRemoved drops an unregistered module from its state gauge.
func (c *Collector) RecordRemoved(state string) {
	if c == nil || state == "" {
		return
	}
	c.modules.WithLabelValues(state).Dec()
}

// RecordTransitionFailure counts a failed lifecycle operation.
func (c *Collector) RecordTransitionFailure(op string) {
	if c == nil {
		return
	}
	c.transitionErrors.WithLabelValues(op).Inc()
}

// ObserveEntryPoint records the latency of one entry point call.
func (c *Collector) ObserveEntryPoint(entry string, seconds float64) {
	if c == nil {
		return
	}
	c.entryPointLatency.WithLabelValues(entry).Observe(seconds)
}

// RecordDeployment counts a deployment record.
func (c *Collector) RecordDeployment(deploymentType string, success bool) {
	if c == nil {
		return
	}
	c.deployments.WithLabelValues(deploymentType, result(success)).Inc()
}

// RecordProbe counts a health probe outcome.
func (c *Collector) RecordProbe(healthy bool) {
	if c == nil {
		return
	}
	if healthy {
		c.probes.WithLabelValues("healthy").Inc()
		return
	}
	c.probes.WithLabelValues("unhealthy").Inc()
}

// RecordRecovery counts an automatic recovery attempt.
func (c *Collector) RecordRecovery(stage string) {
	if c == nil {
		return
	}
	c.recoveries.WithLabelValues(stage).Inc()
}

// RecordRolloutBatch counts a rollout batch execution.
func (c *Collector) RecordRolloutBatch(success bool) {
	if c == nil {
		return
	}
	c.rolloutBatches.WithLabelValues(result(success)).Inc()
}

// Handler serves the registry the collector was registered with.
func (c *Collector) Handler() http.Handler {
	if c == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(c.gatherer, promhttp.HandlerOpts{})
}

func result(success bool) string {
	if success {
		return "success"
	}
	return "failure"
}
