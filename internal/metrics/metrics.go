// Package metrics holds the agent's prometheus collectors.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// JobsTotal counts finished export jobs by outcome (success, canceled, failed).
	JobsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "render_agent_jobs_total",
		Help: "Total export jobs by terminal outcome",
	}, []string{"outcome"})

	// JobDuration tracks wall time of a job's tool invocation.
	JobDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "render_agent_job_duration_seconds",
		Help:    "Duration of render tool invocations",
		Buckets: prometheus.ExponentialBuckets(0.5, 2.0, 12), // 0.5s to ~17min
	}, []string{"outcome"})

	// ProcTerminate counts termination signals sent to the tool's process group.
	ProcTerminate = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "render_agent_proc_terminate_total",
		Help: "Termination signals sent to the render tool",
	}, []string{"signal", "result"})

	// DiscoveredUnits counts units returned by discovery passes.
	DiscoveredUnits = promauto.NewCounter(prometheus.CounterOpts{
		Name: "render_agent_discovered_units_total",
		Help: "Total units returned by discovery passes",
	})

	// OutputBytes is the last observed size of the active output file.
	OutputBytes = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "render_agent_output_bytes",
		Help: "Size of the output file currently being written",
	})
)

// IncProcTerminate records a termination attempt.
func IncProcTerminate(signal, result string) {
	ProcTerminate.WithLabelValues(signal, result).Inc()
}

// ObserveJob records a finished job.
func ObserveJob(outcome string, seconds float64) {
	JobsTotal.WithLabelValues(outcome).Inc()
	if seconds > 0 {
		JobDuration.WithLabelValues(outcome).Observe(seconds)
	}
}
