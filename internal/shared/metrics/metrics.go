// Package metrics exposes coordinator scheduling and failure metrics to Prometheus.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Recorder is the set of events the coordinator reports. Collector
// implements it; NopRecorder discards everything.
type Recorder interface {
	RecordHeartbeat()
	RecordAssignment(kind, locality string)
	RecordAttemptFinished(kind, outcome string)
	RecordSpeculativeAttempt()
	RecordWorkerLost()
	RecordWorkerBlacklisted()
	RecordJobFinished(state string)
	UpdateCluster(snapshot ClusterGauges)
}

// ClusterGauges mirrors the numeric part of a cluster status snapshot.
type ClusterGauges struct {
	Workers            int
	BlacklistedWorkers int
	RunningMapTasks    int
	RunningReduceTasks int
	MaxMapTasks        int
	MaxReduceTasks     int
}

// Collector records coordinator metrics on Prometheus counters and gauges.
type Collector struct {
	heartbeats          prometheus.Counter
	assignments         *prometheus.CounterVec
	attemptsFinished    *prometheus.CounterVec
	speculativeAttempts prometheus.Counter
	workersLost         prometheus.Counter
	workersBlacklisted  prometheus.Counter
	jobsFinished        *prometheus.CounterVec

	workers            prometheus.Gauge
	blacklistedWorkers prometheus.Gauge
	runningTasks       *prometheus.GaugeVec
	slotCapacity       *prometheus.GaugeVec
}

// NewCollector creates the collector and registers it on reg.
func NewCollector(reg prometheus.Registerer) *Collector {
	c := &Collector{
		heartbeats: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "jobtracker_heartbeats_total",
			Help: "Total number of worker heartbeats processed",
		}),
		assignments: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "jobtracker_assignments_total",
			Help: "Total number of task attempts assigned to workers",
		}, []string{"kind", "locality"}),
		attemptsFinished: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "jobtracker_attempts_finished_total",
			Help: "Total number of task attempts that reached a terminal state",
		}, []string{"kind", "outcome"}),
		speculativeAttempts: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "jobtracker_speculative_attempts_total",
			Help: "Total number of speculative attempts launched",
		}),
		workersLost: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "jobtracker_workers_lost_total",
			Help: "Total number of workers marked lost after missing heartbeats",
		}),
		workersBlacklisted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "jobtracker_workers_blacklisted_total",
			Help: "Total number of workers blacklisted for repeated failures",
		}),
		jobsFinished: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "jobtracker_jobs_finished_total",
			Help: "Total number of jobs that reached a terminal state",
		}, []string{"state"}),
		workers: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "jobtracker_cluster_workers",
			Help: "Current number of schedulable workers",
		}),
		blacklistedWorkers: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "jobtracker_cluster_blacklisted_workers",
			Help: "Current number of blacklisted workers",
		}),
		runningTasks: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "jobtracker_cluster_running_tasks",
			Help: "Current number of occupied slots",
		}, []string{"kind"}),
		slotCapacity: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "jobtracker_cluster_slot_capacity",
			Help: "Current slot capacity of schedulable workers",
		}, []string{"kind"}),
	}

	reg.MustRegister(
		c.heartbeats,
		c.assignments,
		c.attemptsFinished,
		c.speculativeAttempts,
		c.workersLost,
		c.workersBlacklisted,
		c.jobsFinished,
		c.workers,
		c.blacklistedWorkers,
		c.runningTasks,
		c.slotCapacity,
	)

	return c
}

func (c *Collector) RecordHeartbeat() {
	c.heartbeats.Inc()
}

func (c *Collector) RecordAssignment(kind, locality string) {
	c.assignments.WithLabelValues(kind, locality).Inc()
}

func (c *Collector) RecordAttemptFinished(kind, outcome string) {
	c.attemptsFinished.WithLabelValues(kind, outcome).Inc()
}

func (c *Collector) RecordSpeculativeAttempt() {
	c.speculativeAttempts.Inc()
}

func (c *Collector) RecordWorkerLost() {
	c.workersLost.Inc()
}

func (c *Collector) RecordWorkerBlacklisted() {
	c.workersBlacklisted.Inc()
}

func (c *Collector) RecordJobFinished(state string) {
	c.jobsFinished.WithLabelValues(state).Inc()
}

func (c *Collector) UpdateCluster(s ClusterGauges) {
	c.workers.Set(float64(s.Workers))
	c.blacklistedWorkers.Set(float64(s.BlacklistedWorkers))
	c.runningTasks.WithLabelValues("MAP").Set(float64(s.RunningMapTasks))
	c.runningTasks.WithLabelValues("REDUCE").Set(float64(s.RunningReduceTasks))
	c.slotCapacity.WithLabelValues("MAP").Set(float64(s.MaxMapTasks))
	c.slotCapacity.WithLabelValues("REDUCE").Set(float64(s.MaxReduceTasks))
}

// Handler serves the metrics gathered by g in the Prometheus text format.
func Handler(g prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(g, promhttp.HandlerOpts{})
}

type NopRecorder struct{}

func (NopRecorder) RecordHeartbeat()                     {}
func (NopRecorder) RecordAssignment(string, string)      {}
func (NopRecorder) RecordAttemptFinished(string, string) {}
func (NopRecorder) RecordSpeculativeAttempt()            {}
func (NopRecorder) RecordWorkerLost()                    {}
func (NopRecorder) RecordWorkerBlacklisted()             {}
func (NopRecorder) RecordJobFinished(string)             {}
func (NopRecorder) UpdateCluster(ClusterGauges)          {}
