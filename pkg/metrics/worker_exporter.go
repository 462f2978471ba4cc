package metrics

import (
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/mem"
)

// WorkerExporter exports Prometheus metrics for a worker agent
type WorkerExporter struct {
	mu        sync.RWMutex
	workerID  string
	startTime time.Time

	activeEvals    int
	heartbeatCount int64

	evalsCompletedTotal int64
	evalsFailedTotal    int64
	lastEvalSeconds     float64
	busySeconds         float64
}

// NewWorkerExporter creates a new Prometheus exporter for a worker
func NewWorkerExporter(workerID string) *WorkerExporter {
	return &WorkerExporter{
		workerID:  workerID,
		startTime: time.Now(),
	}
}

// RecordHeartbeat increments the heartbeat counter
func (e *WorkerExporter) RecordHeartbeat() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.heartbeatCount++
}

// SetActiveEvals sets the number of evaluations currently in progress
func (e *WorkerExporter) SetActiveEvals(n int) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.activeEvals = n
}

// RecordEvaluation records one finished evaluation
func (e *WorkerExporter) RecordEvaluation(elapsed time.Duration, failed bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if failed {
		e.evalsFailedTotal++
	} else {
		e.evalsCompletedTotal++
	}
	e.lastEvalSeconds = elapsed.Seconds()
	e.busySeconds += elapsed.Seconds()
}

// ServeHTTP serves Prometheus-compatible metrics at /metrics
func (e *WorkerExporter) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain; version=0.0.4")

	e.mu.RLock()
	defer e.mu.RUnlock()

	fmt.Fprintf(w, "# HELP ensembled_worker_uptime_seconds Worker uptime in seconds\n")
	fmt.Fprintf(w, "# TYPE ensembled_worker_uptime_seconds gauge\n")
	fmt.Fprintf(w, "ensembled_worker_uptime_seconds{worker_id=\"%s\"} %.0f\n",
		e.workerID, time.Since(e.startTime).Seconds())

	fmt.Fprintf(w, "\n# HELP ensembled_worker_active_evals Evaluations currently in progress\n")
	fmt.Fprintf(w, "# TYPE ensembled_worker_active_evals gauge\n")
	fmt.Fprintf(w, "ensembled_worker_active_evals{worker_id=\"%s\"} %d\n", e.workerID, e.activeEvals)

	fmt.Fprintf(w, "\n# HELP ensembled_worker_heartbeats_total Heartbeats sent to the manager\n")
	fmt.Fprintf(w, "# TYPE ensembled_worker_heartbeats_total counter\n")
	fmt.Fprintf(w, "ensembled_worker_heartbeats_total{worker_id=\"%s\"} %d\n", e.workerID, e.heartbeatCount)

	fmt.Fprintf(w, "\n# HELP ensembled_worker_evals_completed_total Evaluations completed successfully\n")
	fmt.Fprintf(w, "# TYPE ensembled_worker_evals_completed_total counter\n")
	fmt.Fprintf(w, "ensembled_worker_evals_completed_total{worker_id=\"%s\"} %d\n", e.workerID, e.evalsCompletedTotal)

	fmt.Fprintf(w, "\n# HELP ensembled_worker_evals_failed_total Evaluations that returned an error\n")
	fmt.Fprintf(w, "# TYPE ensembled_worker_evals_failed_total counter\n")
	fmt.Fprintf(w, "ensembled_worker_evals_failed_total{worker_id=\"%s\"} %d\n", e.workerID, e.evalsFailedTotal)

	fmt.Fprintf(w, "\n# HELP ensembled_worker_last_eval_seconds Duration of the most recent evaluation\n")
	fmt.Fprintf(w, "# TYPE ensembled_worker_last_eval_seconds gauge\n")
	fmt.Fprintf(w, "ensembled_worker_last_eval_seconds{worker_id=\"%s\"} %.6f\n", e.workerID, e.lastEvalSeconds)

	fmt.Fprintf(w, "\n# HELP ensembled_worker_busy_seconds_total Cumulative time spent evaluating\n")
	fmt.Fprintf(w, "# TYPE ensembled_worker_busy_seconds_total counter\n")
	fmt.Fprintf(w, "ensembled_worker_busy_seconds_total{worker_id=\"%s\"} %.6f\n", e.workerID, e.busySeconds)

	// Host metrics via gopsutil
	if percents, err := cpu.Percent(0, false); err == nil && len(percents) > 0 {
		fmt.Fprintf(w, "\n# HELP ensembled_worker_cpu_usage_percent Host CPU utilization\n")
		fmt.Fprintf(w, "# TYPE ensembled_worker_cpu_usage_percent gauge\n")
		fmt.Fprintf(w, "ensembled_worker_cpu_usage_percent{worker_id=\"%s\"} %.2f\n", e.workerID, percents[0])
	}
	if vm, err := mem.VirtualMemory(); err == nil {
		fmt.Fprintf(w, "\n# HELP ensembled_worker_memory_used_bytes Host memory in use\n")
		fmt.Fprintf(w, "# TYPE ensembled_worker_memory_used_bytes gauge\n")
		fmt.Fprintf(w, "ensembled_worker_memory_used_bytes{worker_id=\"%s\"} %d\n", e.workerID, vm.Used)

		fmt.Fprintf(w, "\n# HELP ensembled_worker_memory_total_bytes Host memory total\n")
		fmt.Fprintf(w, "# TYPE ensembled_worker_memory_total_bytes gauge\n")
		fmt.Fprintf(w, "ensembled_worker_memory_total_bytes{worker_id=\"%s\"} %d\n", e.workerID, vm.Total)
	}
}
