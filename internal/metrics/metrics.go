// Package metrics collects and exposes runtime counters for the
// process-management plane.
package metrics

import (
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Collector holds the prometheus instruments for the core subsystem.
// A nil Collector is valid and records nothing, so components do not
// need to branch on observability being wired.
type Collector struct {
	processesAdmitted prometheus.Counter
	processesFinished *prometheus.CounterVec
	tasksCreated      prometheus.Counter
	tasksDispatched   prometheus.Counter
	tasksRetried      prometheus.Counter
	tasksRecovered    prometheus.Counter
	tasksCancelled    prometheus.Counter
	broadcastFailures prometheus.Counter

	activeTasks      prometheus.Gauge
	availableWorkers prometheus.Gauge

	dispatchLatency prometheus.Histogram
}

// NewCollector creates and registers the instrument set. Pass a fresh
// Registerer in tests; nil registers on the prometheus default.
func NewCollector(reg prometheus.Registerer) *Collector {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	c := &Collector{
		processesAdmitted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "mbrace_processes_admitted_total",
			Help: "Total number of processes admitted by the process manager",
		}),
		processesFinished: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "mbrace_processes_finished_total",
			Help: "Total number of processes reaching a terminal state",
		}, []string{"state"}),
		tasksCreated: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "mbrace_tasks_created_total",
			Help: "Total number of tasks logged",
		}),
		tasksDispatched: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "mbrace_tasks_dispatched_total",
			Help: "Total number of task payloads posted to workers",
		}),
		tasksRetried: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "mbrace_tasks_retried_total",
			Help: "Total number of tasks reassigned after a post failure or worker loss",
		}),
		tasksRecovered: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "mbrace_tasks_recovered_total",
			Help: "Total number of tasks reissued by worker-failure recovery",
		}),
		tasksCancelled: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "mbrace_tasks_cancelled_total",
			Help: "Total number of tasks unlogged by cancellation",
		}),
		broadcastFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "mbrace_broadcast_failures_total",
			Help: "Total number of replication broadcast failures",
		}),
		activeTasks: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "mbrace_active_tasks",
			Help: "Current number of outstanding task log entries",
		}),
		availableWorkers: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "mbrace_available_workers",
			Help: "Current number of workers eligible for selection",
		}),
		dispatchLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "mbrace_dispatch_latency_seconds",
			Help:    "Latency of posting a task payload to a worker",
			Buckets: prometheus.DefBuckets,
		}),
	}

	reg.MustRegister(
		c.processesAdmitted,
		c.processesFinished,
		c.tasksCreated,
		c.tasksDispatched,
		c.tasksRetried,
		c.tasksRecovered,
		c.tasksCancelled,
		c.broadcastFailures,
		c.activeTasks,
		c.availableWorkers,
		c.dispatchLatency,
	)
	return c
}

func (c *Collector) RecordProcessAdmitted() {
	if c == nil {
		return
	}
	c.processesAdmitted.Inc()
}

func (c *Collector) RecordProcessFinished(state string) {
	if c == nil {
		return
	}
	c.processesFinished.WithLabelValues(state).Inc()
}

func (c *Collector) RecordTasksCreated(n int) {
	if c == nil {
		return
	}
	c.tasksCreated.Add(float64(n))
}

func (c *Collector) RecordTaskDispatched(latency time.Duration) {
	if c == nil {
		return
	}
	c.tasksDispatched.Inc()
	c.dispatchLatency.Observe(latency.Seconds())
}

func (c *Collector) RecordTaskRetried() {
	if c == nil {
		return
	}
	c.tasksRetried.Inc()
}

func (c *Collector) RecordTasksRecovered(n int) {
	if c == nil {
		return
	}
	c.tasksRecovered.Add(float64(n))
}

func (c *Collector) RecordTasksCancelled(n int) {
	if c == nil {
		return
	}
	c.tasksCancelled.Add(float64(n))
}

func (c *Collector) RecordBroadcastFailure() {
	if c == nil {
		return
	}
	c.broadcastFailures.Inc()
}

func (c *Collector) SetActiveTasks(n int) {
	if c == nil {
		return
	}
	c.activeTasks.Set(float64(n))
}

func (c *Collector) SetAvailableWorkers(n int) {
	if c == nil {
		return
	}
	c.availableWorkers.Set(float64(n))
}

// StartServer exposes /metrics on the given port.
func StartServer(port int) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	return http.ListenAndServe(fmt.Sprintf(":%d", port), mux)
}
