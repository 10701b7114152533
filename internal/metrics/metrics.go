// Package metrics defines the node's Prometheus collectors.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Collectors are partitioned by verification level where it applies.

var (
	// Queue
	QueueEnqueued = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "dragonnet",
		Subsystem: "queue",
		Name:      "enqueued_total",
		Help:      "Total items enqueued",
	}, []string{"kind"})

	QueueDepth = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "dragonnet",
		Subsystem: "queue",
		Name:      "depth",
		Help:      "Items waiting in the incoming list at the last drain",
	})

	// Assembler
	BlocksAssembled = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "dragonnet",
		Subsystem: "assembler",
		Name:      "blocks_total",
		Help:      "Total blocks sealed and stored",
	}, []string{"level"})

	BlockItems = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "dragonnet",
		Subsystem: "assembler",
		Name:      "block_items",
		Help:      "Items per sealed block",
		Buckets:   []float64{1, 10, 50, 100, 500, 1000, 5000, 10000},
	}, []string{"level"})

	AssemblyErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "dragonnet",
		Subsystem: "assembler",
		Name:      "errors_total",
		Help:      "Total aborted assembly ticks",
	}, []string{"category"})

	// Verification engine
	VerificationsProduced = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "dragonnet",
		Subsystem: "verify",
		Name:      "produced_total",
		Help:      "Total verification blocks produced",
	}, []string{"level"})

	RequestsRejected = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "dragonnet",
		Subsystem: "verify",
		Name:      "requests_rejected_total",
		Help:      "Total verification requests rejected before work",
	}, []string{"reason"})

	// Broadcast scheduler
	BroadcastTicks = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "dragonnet",
		Subsystem: "broadcast",
		Name:      "ticks_total",
		Help:      "Total scheduler ticks",
	})

	BroadcastTickLatency = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: "dragonnet",
		Subsystem: "broadcast",
		Name:      "tick_duration_seconds",
		Help:      "Scheduler tick processing duration",
		Buckets:   []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5},
	})

	BroadcastRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "dragonnet",
		Subsystem: "broadcast",
		Name:      "requests_total",
		Help:      "Total verification requests sent to peers",
	}, []string{"level", "status"})

	ReceiptsReceived = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "dragonnet",
		Subsystem: "broadcast",
		Name:      "receipts_total",
		Help:      "Total verification receipts by outcome",
	}, []string{"level", "outcome"})

	BlocksFinalized = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "dragonnet",
		Subsystem: "broadcast",
		Name:      "finalized_total",
		Help:      "Total blocks that reached the final level",
	})

	BlocksFailed = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "dragonnet",
		Subsystem: "broadcast",
		Name:      "failed_total",
		Help:      "Total blocks that exhausted candidates or retries",
	}, []string{"level"})

	PendingBlocks = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "dragonnet",
		Subsystem: "broadcast",
		Name:      "pending_blocks",
		Help:      "Blocks awaiting verification",
	})

	// Notifier
	NotificationsSent = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "dragonnet",
		Subsystem: "notify",
		Name:      "deliveries_total",
		Help:      "Total receipt and callback deliveries",
	}, []string{"target", "status"})

	// Interchain
	CheckpointsSubmitted = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "dragonnet",
		Subsystem: "interchain",
		Name:      "checkpoints_total",
		Help:      "Total checkpoint transactions by status",
	}, []string{"network", "status"})

	// Outbound HTTP (matchmaking, peers, interchain nodes)
	clientRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "dragonnet",
		Subsystem: "client",
		Name:      "operations_total",
		Help:      "Count of outbound RPC and HTTP operations.",
	}, []string{"service", "operation", "status"})

	clientDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "dragonnet",
		Subsystem: "client",
		Name:      "operation_duration_seconds",
		Help:      "Duration of outbound RPC and HTTP operations.",
		Buckets:   prometheus.DefBuckets,
	}, []string{"service", "operation", "status"})
)

// Client tracks outbound calls to one service.
type Client struct {
	service string
}

// NewClient constructs a collector for calls to service.
func NewClient(service string) Client {
	if service == "" {
		service = "unknown"
	}
	return Client{service: service}
}

// Observe records a single call outcome and duration.
func (c Client) Observe(operation string, err error, started time.Time) {
	status := "success"
	if err != nil {
		status = "error"
	}
	clientRequests.WithLabelValues(c.service, operation, status).Inc()
	clientDuration.WithLabelValues(c.service, operation, status).Observe(time.Since(started).Seconds())
}
