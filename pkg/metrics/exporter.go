package metrics

import (
	"bytes"
	"fmt"
	"net/http"
	"sync"
	"time"

	promclient "github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/common/expfmt"
	"github.com/psantana5/ensembled/pkg/bandwidth"
	"github.com/psantana5/ensembled/pkg/history"
)

// ManagerExporter exports Prometheus metrics for the manager daemon
type ManagerExporter struct {
	store            history.Store
	bandwidthMonitor *bandwidth.Monitor
	startTime        time.Time
	mu               sync.RWMutex
	leaseAttempts    map[string]int64 // result -> count
}

// NewManagerExporter creates a new Prometheus exporter for the manager
func NewManagerExporter(s history.Store, bw *bandwidth.Monitor) *ManagerExporter {
	return &ManagerExporter{
		store:            s,
		bandwidthMonitor: bw,
		startTime:        time.Now(),
		leaseAttempts:    make(map[string]int64),
	}
}

// RecordLeaseAttempt records a work lease attempt
func (e *ManagerExporter) RecordLeaseAttempt(result string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.leaseAttempts[result]++
}

// ServeHTTP serves Prometheus-compatible metrics at /metrics
func (e *ManagerExporter) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain; version=0.0.4")

	workers := e.store.GetAllWorkers()

	runMetrics, err := e.store.GetRunMetrics()
	if err != nil {
		http.Error(w, fmt.Sprintf("Error collecting run metrics: %v", err), http.StatusInternalServerError)
		return
	}

	// ensembled_runs_total{status}
	fmt.Fprintf(w, "# HELP ensembled_runs_total Total number of runs by status\n")
	fmt.Fprintf(w, "# TYPE ensembled_runs_total counter\n")
	for status, count := range runMetrics.RunsByStatus {
		fmt.Fprintf(w, "ensembled_runs_total{status=\"%s\"} %d\n", status, count)
	}

	// ensembled_active_runs
	fmt.Fprintf(w, "\n# HELP ensembled_active_runs Number of currently active runs\n")
	fmt.Fprintf(w, "# TYPE ensembled_active_runs gauge\n")
	fmt.Fprintf(w, "ensembled_active_runs %d\n", runMetrics.ActiveRuns)

	// ensembled_evaluations_total{state}
	fmt.Fprintf(w, "\n# HELP ensembled_evaluations_total Results table rows by state\n")
	fmt.Fprintf(w, "# TYPE ensembled_evaluations_total counter\n")
	for state, count := range runMetrics.EvalsByState {
		fmt.Fprintf(w, "ensembled_evaluations_total{state=\"%s\"} %d\n", state, count)
	}

	// ensembled_pending_evaluations
	fmt.Fprintf(w, "\n# HELP ensembled_pending_evaluations Evaluations waiting to be leased\n")
	fmt.Fprintf(w, "# TYPE ensembled_pending_evaluations gauge\n")
	fmt.Fprintf(w, "ensembled_pending_evaluations %d\n", runMetrics.PendingEvals)

	// ensembled_evaluation_duration_seconds
	fmt.Fprintf(w, "\n# HELP ensembled_evaluation_duration_seconds Average evaluation turnaround in seconds\n")
	fmt.Fprintf(w, "# TYPE ensembled_evaluation_duration_seconds gauge\n")
	fmt.Fprintf(w, "ensembled_evaluation_duration_seconds %.4f\n", runMetrics.AvgEvalDuration)

	// ensembled_lease_attempts_total{result}
	e.mu.RLock()
	fmt.Fprintf(w, "\n# HELP ensembled_lease_attempts_total Total work lease attempts by result\n")
	fmt.Fprintf(w, "# TYPE ensembled_lease_attempts_total counter\n")
	for result, count := range e.leaseAttempts {
		fmt.Fprintf(w, "ensembled_lease_attempts_total{result=\"%s\"} %d\n", result, count)
	}
	e.mu.RUnlock()

	fmt.Fprintf(w, "\n# HELP ensembled_manager_uptime_seconds Manager uptime in seconds\n")
	fmt.Fprintf(w, "# TYPE ensembled_manager_uptime_seconds gauge\n")
	fmt.Fprintf(w, "ensembled_manager_uptime_seconds %.0f\n", time.Since(e.startTime).Seconds())

	fmt.Fprintf(w, "\n# HELP ensembled_workers_total Total number of registered workers\n")
	fmt.Fprintf(w, "# TYPE ensembled_workers_total gauge\n")
	fmt.Fprintf(w, "ensembled_workers_total %d\n", len(workers))

	// Worker status breakdown; always export all statuses (even if 0)
	workersByStatus := map[string]int{
		"available": 0,
		"busy":      0,
		"offline":   0,
	}
	for _, worker := range workers {
		workersByStatus[worker.Status]++
	}
	fmt.Fprintf(w, "\n# HELP ensembled_workers_by_status Workers by status\n")
	fmt.Fprintf(w, "# TYPE ensembled_workers_by_status gauge\n")
	for _, status := range []string{"available", "busy", "offline"} {
		fmt.Fprintf(w, "ensembled_workers_by_status{status=\"%s\"} %d\n", status, workersByStatus[status])
	}

	// Aggregated bandwidth totals
	if e.bandwidthMonitor != nil {
		stats := e.bandwidthMonitor.GetStats()

		fmt.Fprintf(w, "\n# HELP manager_http_bandwidth_bytes_total Total bandwidth by direction\n")
		fmt.Fprintf(w, "# TYPE manager_http_bandwidth_bytes_total counter\n")
		fmt.Fprintf(w, "manager_http_bandwidth_bytes_total{direction=\"inbound\"} %d\n", stats.TotalBytesReceived)
		fmt.Fprintf(w, "manager_http_bandwidth_bytes_total{direction=\"outbound\"} %d\n", stats.TotalBytesSent)

		fmt.Fprintf(w, "\n# HELP manager_http_requests_total Total HTTP requests processed\n")
		fmt.Fprintf(w, "# TYPE manager_http_requests_total counter\n")
		fmt.Fprintf(w, "manager_http_requests_total %d\n", stats.TotalRequests)
	}

	// Append metrics from the Prometheus default registry (bandwidth
	// counters, histograms) using the text encoder
	fmt.Fprintf(w, "\n")

	metricFamilies, err := promclient.DefaultGatherer.Gather()
	if err != nil {
		fmt.Fprintf(w, "# Error gathering Prometheus metrics: %v\n", err)
		return
	}

	var buf bytes.Buffer
	encoder := expfmt.NewEncoder(&buf, expfmt.NewFormat(expfmt.TypeTextPlain))
	for _, mf := range metricFamilies {
		// Skip metrics already written manually
		if mf.GetName() == "manager_http_bandwidth_bytes_total" ||
			mf.GetName() == "manager_http_requests_total" {
			continue
		}

		if err := encoder.Encode(mf); err != nil {
			fmt.Fprintf(w, "# Error encoding metric %s: %v\n", mf.GetName(), err)
		}
	}

	w.Write(buf.Bytes())
}
