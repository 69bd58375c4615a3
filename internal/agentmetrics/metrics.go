// Package agentmetrics wires prometheus instrumentation on, gated by the
// lookup response's config.metrics map — the Go analog of agent.py's
// metrics.set_config(config['metrics']) call site.
package agentmetrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds the agent's exported counters/histograms. Nil-safe: every
// recording method is a no-op when the receiver is nil, so call sites don't
// need to branch on whether metrics are enabled.
type Metrics struct {
	commandsTotal      *prometheus.CounterVec
	heartbeatsTotal    *prometheus.CounterVec
	cleanStepsTotal    *prometheus.CounterVec
	cleanStepsDuration *prometheus.HistogramVec
}

// Enabled reports whether the lookup response's config map requests
// metrics: only a bool true, or a map whose "enabled" key is bool true,
// enables them. Absence of the key or any other value means disabled.
func Enabled(config map[string]interface{}) bool {
	raw, ok := config["metrics"]
	if !ok {
		return false
	}
	switch v := raw.(type) {
	case bool:
		return v
	case map[string]interface{}:
		enabled, _ := v["enabled"].(bool)
		return enabled
	default:
		return false
	}
}

// New registers the agent's metrics against the given registerer. Pass
// prometheus.DefaultRegisterer in production.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		commandsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "ironic_agent_commands_total",
			Help: "Total commands executed, by extension.command name and terminal status.",
		}, []string{"command", "status"}),
		heartbeatsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "ironic_agent_heartbeats_total",
			Help: "Total heartbeats sent, by outcome.",
		}, []string{"outcome"}),
		cleanStepsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "ironic_agent_clean_steps_total",
			Help: "Total clean steps executed, by step name and outcome.",
		}, []string{"step", "outcome"}),
		cleanStepsDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "ironic_agent_clean_step_duration_seconds",
			Help:    "Clean step execution duration in seconds, by step name.",
			Buckets: prometheus.DefBuckets,
		}, []string{"step"}),
	}
	reg.MustRegister(m.commandsTotal, m.heartbeatsTotal, m.cleanStepsTotal, m.cleanStepsDuration)
	return m
}

func (m *Metrics) RecordCommand(command, status string) {
	if m == nil {
		return
	}
	m.commandsTotal.WithLabelValues(command, status).Inc()
}

func (m *Metrics) RecordHeartbeat(outcome string) {
	if m == nil {
		return
	}
	m.heartbeatsTotal.WithLabelValues(outcome).Inc()
}

func (m *Metrics) RecordCleanStep(step, outcome string, duration time.Duration) {
	if m == nil {
		return
	}
	m.cleanStepsTotal.WithLabelValues(step, outcome).Inc()
	m.cleanStepsDuration.WithLabelValues(step).Observe(duration.Seconds())
}
