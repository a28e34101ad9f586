package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Cluster metrics
	WorkersTotal = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "blockmesh_workers_total",
			Help: "Total number of workers by status",
		},
		[]string{"status"},
	)

	BlocksTotal = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "blockmesh_blocks_total",
			Help: "Total number of blocks by status",
		},
		[]string{"status"},
	)

	DatasetsTotal = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "blockmesh_datasets_total",
			Help: "Total number of datasets known to the coordinator",
		},
	)

	// Server metrics
	ServerRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "blockmesh_server_requests_total",
			Help: "Total number of coordinator requests by message type and reply status",
		},
		[]string{"type", "status"},
	)

	ServerRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "blockmesh_server_request_duration_seconds",
			Help:    "Coordinator request handling duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"type"},
	)

	// Scheduler metrics
	SchedulingLatency = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "blockmesh_scheduling_latency_seconds",
			Help:    "Time taken to assign a block to a leader and its followers",
			Buckets: prometheus.DefBuckets,
		},
	)

	BlocksScheduled = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "blockmesh_blocks_scheduled_total",
			Help: "Total number of blocks successfully assigned a leader",
		},
	)

	NoFreeWorkerTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "blockmesh_no_free_worker_total",
			Help: "Total number of scheduling attempts that found no free worker",
		},
	)

	// Task completion metrics
	TaskCompleteTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "blockmesh_task_complete_total",
			Help: "Total number of task_complete messages by role and success",
		},
		[]string{"role", "success"},
	)

	// Failure detector metrics
	DetectorCyclesTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "blockmesh_detector_cycles_total",
			Help: "Total number of failure-detector sweeps completed",
		},
	)

	DetectorCycleDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "blockmesh_detector_cycle_duration_seconds",
			Help:    "Time taken for one failure-detector sweep",
			Buckets: prometheus.DefBuckets,
		},
	)

	WorkersExpiredTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "blockmesh_workers_expired_total",
			Help: "Total number of workers declared dead by the failure detector",
		},
	)

	PromotionsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "blockmesh_promotions_total",
			Help: "Total number of follower-to-leader promotions",
		},
	)

	// Worker-side metrics
	HeartbeatsSentTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "blockmesh_worker_heartbeats_sent_total",
			Help: "Total number of heartbeats sent to the coordinator",
		},
	)

	BlocksProcessedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "blockmesh_worker_blocks_processed_total",
			Help: "Total number of blocks processed by this worker, by outcome",
		},
		[]string{"outcome"},
	)
)

func init() {
	prometheus.MustRegister(WorkersTotal)
	prometheus.MustRegister(BlocksTotal)
	prometheus.MustRegister(DatasetsTotal)
	prometheus.MustRegister(ServerRequestsTotal)
	prometheus.MustRegister(ServerRequestDuration)
	prometheus.MustRegister(SchedulingLatency)
	prometheus.MustRegister(BlocksScheduled)
	prometheus.MustRegister(NoFreeWorkerTotal)
	prometheus.MustRegister(TaskCompleteTotal)
	prometheus.MustRegister(DetectorCyclesTotal)
	prometheus.MustRegister(DetectorCycleDuration)
	prometheus.MustRegister(WorkersExpiredTotal)
	prometheus.MustRegister(PromotionsTotal)
	prometheus.MustRegister(HeartbeatsSentTotal)
	prometheus.MustRegister(BlocksProcessedTotal)
}

// Handler returns the Prometheus HTTP handler
func Handler() http.Handler {
	return promhttp.Handler()
}

// Timer is a helper for timing operations
type Timer struct {
	start time.Time
}

// NewTimer creates a new timer
func NewTimer() *Timer {
	return &Timer{start: time.Now()}
}

// ObserveDuration records the duration to a histogram
func (t *Timer) ObserveDuration(histogram prometheus.Histogram) {
	duration := time.Since(t.start).Seconds()
	histogram.Observe(duration)
}

// ObserveDurationVec records the duration to a histogram vec with labels
func (t *Timer) ObserveDurationVec(histogram prometheus.ObserverVec, labels ...string) {
	duration := time.Since(t.start).Seconds()
	histogram.WithLabelValues(labels...).Observe(duration)
}

// Duration returns the elapsed time since timer started
func (t *Timer) Duration() time.Duration {
	return time.Since(t.start)
}
