package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Request metrics
	RequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "caskd_requests_total",
			Help: "Total number of client requests by kind",
		},
		[]string{"kind"},
	)

	ResponsesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "caskd_responses_total",
			Help: "Total number of responses by kind and status",
		},
		[]string{"kind", "status"},
	)

	RequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "caskd_request_duration_seconds",
			Help:    "Time from request arrival to final response in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"kind"},
	)

	// Device metrics
	DevicesTotal = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "caskd_devices_total",
			Help: "Device workers by family and operational status",
		},
		[]string{"family", "status"},
	)

	MediaMovesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "caskd_media_moves_total",
			Help: "Total number of library media moves by outcome",
		},
		[]string{"outcome"},
	)

	MountsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "caskd_mounts_total",
			Help: "Total number of medium mounts by outcome",
		},
		[]string{"outcome"},
	)

	// Sync batcher metrics
	SyncsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "caskd_syncs_total",
			Help: "Total number of medium flushes",
		},
	)

	SyncBatchSize = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "caskd_sync_batch_size",
			Help:    "Releases flushed per medium sync",
			Buckets: []float64{1, 2, 5, 10, 20, 50},
		},
	)

	// Dispatch metrics
	DispatchLatency = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "caskd_dispatch_latency_seconds",
			Help:    "Time from request arrival to device submission in seconds",
			Buckets: prometheus.DefBuckets,
		},
	)

	RetriesTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "caskd_sub_request_retries_total",
			Help: "Total number of sub-requests pushed to the retry queue",
		},
	)
)

func init() {
	prometheus.MustRegister(RequestsTotal)
	prometheus.MustRegister(ResponsesTotal)
	prometheus.MustRegister(RequestDuration)
	prometheus.MustRegister(DevicesTotal)
	prometheus.MustRegister(MediaMovesTotal)
	prometheus.MustRegister(MountsTotal)
	prometheus.MustRegister(SyncsTotal)
	prometheus.MustRegister(SyncBatchSize)
	prometheus.MustRegister(DispatchLatency)
	prometheus.MustRegister(RetriesTotal)
}

// Handler returns the Prometheus HTTP handler
func Handler() http.Handler {
	return promhttp.Handler()
}
