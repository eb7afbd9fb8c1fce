package observability

import (
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Drop reasons reported by the dispatcher.
const (
	DropUnknownDevice = "unknown_device"
	DropConnMismatch  = "conn_mismatch"
	DropUnknownOpcode = "unknown_opcode"
)

var (
	registerOnce sync.Once

	httpRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "hubctl",
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total admin HTTP requests.",
		},
		[]string{"service", "method", "path", "status"},
	)
	httpDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "hubctl",
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "Admin HTTP request duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"service", "method", "path", "status"},
	)
	envelopesIn = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "hubctl",
			Subsystem: "dispatch",
			Name:      "envelopes_total",
			Help:      "Envelopes dispatched to a handler.",
		},
		[]string{"role", "opcode"},
	)
	envelopesDropped = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "hubctl",
			Subsystem: "dispatch",
			Name:      "dropped_total",
			Help:      "Envelopes dropped before reaching a handler.",
		},
		[]string{"role", "drop_reason"},
	)
	poolJobs = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "hubctl",
			Subsystem: "pool",
			Name:      "jobs_total",
			Help:      "Pool jobs by final state.",
		},
		[]string{"state"},
	)
	connections = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "hubctl",
			Subsystem: "transport",
			Name:      "connections",
			Help:      "Open hub and node connections.",
		},
	)
	bridgeCalls = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "hubctl",
			Subsystem: "bridge",
			Name:      "call_duration_seconds",
			Help:      "Correlation bridge call duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"target_opcode", "outcome"},
	)
)

func RegisterMetrics() {
	registerOnce.Do(func() {
		prometheus.MustRegister(
			httpRequests,
			httpDuration,
			envelopesIn,
			envelopesDropped,
			poolJobs,
			connections,
			bridgeCalls,
		)
	})
}

func RecordHTTPRequest(service, method, path string, status int, duration time.Duration) {
	RegisterMetrics()
	statusLabel := strconv.Itoa(status)
	httpRequests.WithLabelValues(service, method, path, statusLabel).Inc()
	httpDuration.WithLabelValues(service, method, path, statusLabel).Observe(duration.Seconds())
}

func RecordDispatch(role string, opcode int) {
	RegisterMetrics()
	envelopesIn.WithLabelValues(role, strconv.Itoa(opcode)).Inc()
}

func RecordDrop(role, reason string) {
	RegisterMetrics()
	envelopesDropped.WithLabelValues(role, reason).Inc()
}

func RecordJob(state string) {
	RegisterMetrics()
	poolJobs.WithLabelValues(state).Inc()
}

func AddConnections(delta float64) {
	RegisterMetrics()
	connections.Add(delta)
}

func RecordBridgeCall(targetOpcode int, outcome string, duration time.Duration) {
	RegisterMetrics()
	bridgeCalls.WithLabelValues(strconv.Itoa(targetOpcode), outcome).Observe(duration.Seconds())
}
