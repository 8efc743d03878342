package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Peer Manager / Heartbeat Monitor metrics
	PeersTotal = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "meshnode_peers_total",
			Help: "Total number of peers currently held in the peer table",
		},
	)

	PeerHealthTotal = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "meshnode_peer_health_total",
			Help: "Number of peers by health state (ALIVE, SLOW, DEAD)",
		},
		[]string{"health"},
	)

	PeerEvictionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "meshnode_peer_evictions_total",
			Help: "Total number of peer table evictions by reason",
		},
		[]string{"reason"},
	)

	// Worker Pool metrics
	TaskQueueDepth = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "meshnode_task_queue_depth",
			Help: "Current number of tasks waiting in the worker pool queue",
		},
	)

	WorkerBusyTotal = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "meshnode_worker_busy_total",
			Help: "Number of worker goroutines currently executing a task",
		},
	)

	TaskOutcomesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "meshnode_task_outcomes_total",
			Help: "Total number of tasks reaching a terminal state, by outcome",
		},
		[]string{"outcome"}, // completed, failed, timeout
	)

	TaskExecutionDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "meshnode_task_execution_duration_seconds",
			Help:    "Time taken to execute a task from RUNNING to terminal state",
			Buckets: prometheus.DefBuckets,
		},
	)

	// Router metrics
	RouterHopCount = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "meshnode_router_hop_count",
			Help:    "Number of hops a message travelled before reaching its recipient or being dropped",
			Buckets: []float64{1, 2, 3, 4, 5, 6, 8, 10},
		},
	)

	RouterRetriesTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "meshnode_router_retries_total",
			Help: "Total number of forward retries issued after an ack timeout",
		},
	)

	RoutingFailuresTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "meshnode_routing_failures_total",
			Help: "Total number of messages that failed to route, by reason",
		},
		[]string{"reason"},
	)

	// Discovery metrics
	DiscoveryAdvertisementsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "meshnode_discovery_advertisements_total",
			Help: "Total number of join advertisements broadcast",
		},
	)

	// Result Store metrics
	ResultStoreSize = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "meshnode_result_store_size",
			Help: "Current number of result records held in the result store",
		},
	)

	ResultEvictionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "meshnode_result_evictions_total",
			Help: "Total number of result records evicted, by reason",
		},
		[]string{"reason"}, // capacity, expired
	)

	// Control Plane metrics
	ControlRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "meshnode_control_requests_total",
			Help: "Total number of control plane RPCs by method and status code",
		},
		[]string{"method", "status"},
	)

	ControlRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "meshnode_control_request_duration_seconds",
			Help:    "Control plane RPC duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method"},
	)

	// Process-level metrics, refreshed by Collector
	ProcessMemoryBytes = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "meshnode_process_memory_bytes",
			Help: "Resident heap memory in use, as reported by the Go runtime",
		},
	)

	ProcessGoroutines = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "meshnode_process_goroutines",
			Help: "Current number of goroutines",
		},
	)

	ProcessUptimeSeconds = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "meshnode_process_uptime_seconds",
			Help: "Seconds since the node entered the ACTIVE lifecycle state",
		},
	)
)

func init() {
	prometheus.MustRegister(PeersTotal)
	prometheus.MustRegister(PeerHealthTotal)
	prometheus.MustRegister(PeerEvictionsTotal)
	prometheus.MustRegister(TaskQueueDepth)
	prometheus.MustRegister(WorkerBusyTotal)
	prometheus.MustRegister(TaskOutcomesTotal)
	prometheus.MustRegister(TaskExecutionDuration)
	prometheus.MustRegister(RouterHopCount)
	prometheus.MustRegister(RouterRetriesTotal)
	prometheus.MustRegister(RoutingFailuresTotal)
	prometheus.MustRegister(DiscoveryAdvertisementsTotal)
	prometheus.MustRegister(ResultStoreSize)
	prometheus.MustRegister(ResultEvictionsTotal)
	prometheus.MustRegister(ControlRequestsTotal)
	prometheus.MustRegister(ControlRequestDuration)
	prometheus.MustRegister(ProcessMemoryBytes)
	prometheus.MustRegister(ProcessGoroutines)
	prometheus.MustRegister(ProcessUptimeSeconds)
}

// Handler returns the Prometheus HTTP handler for the /metrics endpoint.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Timer is a helper for timing operations.
type Timer struct {
	start time.Time
}

// NewTimer creates a new timer starting now.
func NewTimer() *Timer {
	return &Timer{start: time.Now()}
}

// ObserveDuration records the elapsed duration to a histogram.
func (t *Timer) ObserveDuration(histogram prometheus.Histogram) {
	duration := time.Since(t.start).Seconds()
	histogram.Observe(duration)
}

// ObserveDurationVec records the elapsed duration to a histogram vec with labels.
func (t *Timer) ObserveDurationVec(histogram prometheus.ObserverVec, labels ...string) {
	duration := time.Since(t.start).Seconds()
	histogram.WithLabelValues(labels...).Observe(duration)
}

// Duration returns the elapsed time since the timer started.
func (t *Timer) Duration() time.Duration {
	return time.Since(t.start)
}
