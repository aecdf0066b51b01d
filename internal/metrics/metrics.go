// Package metrics exposes run, job and step counters for Prometheus.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Recorder holds the collectors for one registry. A nil *Recorder is a
// valid no-op.
type Recorder struct {
	reg *prometheus.Registry

	Runs         *prometheus.CounterVec
	Jobs         *prometheus.CounterVec
	JobDuration  *prometheus.HistogramVec
	Steps        *prometheus.CounterVec
	StepDuration *prometheus.HistogramVec
	CacheLookups *prometheus.CounterVec
	ActiveJobs   prometheus.Gauge
}

// New registers the collectors on a fresh registry.
func New() *Recorder {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)

	return &Recorder{
		reg: reg,
		Runs: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "matrixci_runs_total",
				Help: "Total number of pipeline runs",
			},
			[]string{"pipeline", "status"},
		),
		Jobs: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "matrixci_jobs_total",
				Help: "Total number of jobs by outcome",
			},
			[]string{"pipeline", "outcome"},
		),
		JobDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "matrixci_job_duration_seconds",
				Help:    "Duration of executed jobs",
				Buckets: prometheus.ExponentialBuckets(0.1, 2, 12),
			},
			[]string{"pipeline"},
		),
		Steps: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "matrixci_steps_total",
				Help: "Total number of steps by outcome",
			},
			[]string{"pipeline", "step", "outcome"},
		),
		StepDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "matrixci_step_duration_seconds",
				Help:    "Duration of executed steps",
				Buckets: prometheus.ExponentialBuckets(0.01, 2, 14),
			},
			[]string{"pipeline", "step"},
		),
		CacheLookups: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "matrixci_cache_lookups_total",
				Help: "Cache restore attempts by result",
			},
			[]string{"pipeline", "result"},
		),
		ActiveJobs: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "matrixci_active_jobs",
				Help: "Number of jobs currently running",
			},
		),
	}
}

// Registry returns the registry the collectors live in.
func (r *Recorder) Registry() *prometheus.Registry { return r.reg }

// Handler serves the registry in the Prometheus exposition format.
func (r *Recorder) Handler() http.Handler {
	return promhttp.HandlerFor(r.reg, promhttp.HandlerOpts{})
}

// RunFinished counts a completed run.
func (r *Recorder) RunFinished(pipeline string, success bool) {
	if r == nil {
		return
	}
	status := "success"
	if !success {
		status = "failure"
	}
	r.Runs.WithLabelValues(pipeline, status).Inc()
}

// JobStarted bumps the active job gauge.
func (r *Recorder) JobStarted() {
	if r == nil {
		return
	}
	r.ActiveJobs.Inc()
}

// JobFinished counts a job and, when it ran, observes its duration.
// Jobs that never started are counted with ran set to false.
func (r *Recorder) JobFinished(pipeline, outcome string, ran bool, d time.Duration) {
	if r == nil {
		return
	}
	r.Jobs.WithLabelValues(pipeline, outcome).Inc()
	if ran {
		r.ActiveJobs.Dec()
		r.JobDuration.WithLabelValues(pipeline).Observe(d.Seconds())
	}
}

// StepFinished counts a step and observes the duration of executed steps.
func (r *Recorder) StepFinished(pipeline, step, outcome string, executed bool, d time.Duration) {
	if r == nil {
		return
	}
	r.Steps.WithLabelValues(pipeline, step, outcome).Inc()
	if executed {
		r.StepDuration.WithLabelValues(pipeline, step).Observe(d.Seconds())
	}
}

// CacheLookup counts a cache restore as a hit or a miss.
func (r *Recorder) CacheLookup(pipeline string, hit bool) {
	if r == nil {
		return
	}
	result := "miss"
	if hit {
		result = "hit"
	}
	r.CacheLookups.WithLabelValues(pipeline, result).Inc()
}
