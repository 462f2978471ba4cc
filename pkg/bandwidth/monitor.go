package bandwidth

import (
	"fmt"
	"net/http"
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Monitor tracks HTTP request/response bandwidth on the manager API
type Monitor struct {
	bytesReceived  *prometheus.CounterVec
	bytesSent      *prometheus.CounterVec
	requestSize    *prometheus.HistogramVec
	responseSize   *prometheus.HistogramVec
	totalBandwidth *prometheus.GaugeVec

	totalRequests      int64
	totalBytesReceived int64
	totalBytesSent     int64
}

// Stats is an aggregated bandwidth snapshot
type Stats struct {
	TotalRequests      int64
	TotalBytesReceived int64
	TotalBytesSent     int64
}

// NewMonitor creates a new bandwidth monitor and registers its metrics
func NewMonitor() *Monitor {
	m := &Monitor{
		bytesReceived: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "manager_http_request_bytes_total",
				Help: "Total bytes received in HTTP requests by the manager",
			},
			[]string{"method", "endpoint"},
		),
		bytesSent: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "manager_http_response_bytes_total",
				Help: "Total bytes sent in HTTP responses by the manager",
			},
			[]string{"method", "endpoint", "status"},
		),
		requestSize: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "manager_http_request_size_bytes",
				Help:    "HTTP request size in bytes received by the manager",
				Buckets: prometheus.ExponentialBuckets(100, 10, 8),
			},
			[]string{"method", "endpoint"},
		),
		responseSize: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "manager_http_response_size_bytes",
				Help:    "HTTP response size in bytes sent by the manager",
				Buckets: prometheus.ExponentialBuckets(100, 10, 8),
			},
			[]string{"method", "endpoint", "status"},
		),
		totalBandwidth: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "manager_bandwidth_bytes_per_second",
				Help: "Manager bandwidth in bytes per second",
			},
			[]string{"direction"}, // "inbound", "outbound", "total"
		),
	}

	prometheus.MustRegister(m.bytesReceived)
	prometheus.MustRegister(m.bytesSent)
	prometheus.MustRegister(m.requestSize)
	prometheus.MustRegister(m.responseSize)
	prometheus.MustRegister(m.totalBandwidth)

	return m
}

// Middleware returns HTTP middleware that tracks bandwidth
func (m *Monitor) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		endpoint := r.URL.Path
		method := r.Method

		atomic.AddInt64(&m.totalRequests, 1)

		requestSize := r.ContentLength
		if requestSize < 0 {
			requestSize = 0
		}
		if requestSize > 0 {
			atomic.AddInt64(&m.totalBytesReceived, requestSize)
			m.bytesReceived.WithLabelValues(method, endpoint).Add(float64(requestSize))
			m.requestSize.WithLabelValues(method, endpoint).Observe(float64(requestSize))
		}

		rw := &responseWriter{
			ResponseWriter: w,
			statusCode:     http.StatusOK,
		}

		next.ServeHTTP(rw, r)

		if rw.bytesWritten > 0 {
			status := fmt.Sprintf("%d", rw.statusCode)
			atomic.AddInt64(&m.totalBytesSent, int64(rw.bytesWritten))
			m.bytesSent.WithLabelValues(method, endpoint, status).Add(float64(rw.bytesWritten))
			m.responseSize.WithLabelValues(method, endpoint, status).Observe(float64(rw.bytesWritten))
		}
	})
}

// GetStats returns aggregated totals since startup
func (m *Monitor) GetStats() Stats {
	return Stats{
		TotalRequests:      atomic.LoadInt64(&m.totalRequests),
		TotalBytesReceived: atomic.LoadInt64(&m.totalBytesReceived),
		TotalBytesSent:     atomic.LoadInt64(&m.totalBytesSent),
	}
}

// Handler returns HTTP handler for Prometheus metrics
func (m *Monitor) Handler() http.Handler {
	return promhttp.Handler()
}

type responseWriter struct {
	http.ResponseWriter
	bytesWritten int
	statusCode   int
}

func (rw *responseWriter) Write(b []byte) (int, error) {
	n, err := rw.ResponseWriter.Write(b)
	rw.bytesWritten += n
	return n, err
}

func (rw *responseWriter) WriteHeader(statusCode int) {
	rw.statusCode = statusCode
	rw.ResponseWriter.WriteHeader(statusCode)
}
