package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	EndpointResponses = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "cudacl_endpoint_responses_total",
		Help: "The total number of responses served by the metrics endpoint",
	}, []string{"endpoint", "status_code"})

	EndpointDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "cudacl_endpoint_duration_seconds",
		Help:    "Time spent serving the metrics endpoint",
		Buckets: prometheus.DefBuckets,
	}, []string{"endpoint"})

	// Kernel build pipeline
	KernelBuilds = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "cudacl_kernel_builds_total",
		Help: "Kernel builds by outcome (cache_hit, compiled, failed)",
	}, []string{"result"})

	KernelBuildDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "cudacl_kernel_build_duration_ms",
		Help:    "Duration of kernel builds in milliseconds, translation and compilation included",
		Buckets: prometheus.ExponentialBuckets(1, 2, 15), // 1ms to ~32s
	})

	// Dispatch
	KernelLaunches = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "cudacl_kernel_launches_total",
		Help: "Kernel launches by outcome (ok, unbound, failed)",
	}, []string{"result"})

	// Memory
	TransferBytes = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "cudacl_transfer_bytes_total",
		Help: "Bytes copied between host and device",
	}, []string{"direction"})

	LiveBuffers = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "cudacl_live_buffers",
		Help: "Number of buffers currently alive",
	})

	DeviceMemoryAllocated = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "cudacl_device_memory_allocated_bytes",
		Help: "Device memory currently allocated by the host layer in bytes",
	})

	ActiveMappings = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "cudacl_active_mappings",
		Help: "Number of buffer mappings not yet unmapped",
	})

	DriverErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "cudacl_driver_errors_total",
		Help: "Driver call failures by call name",
	}, []string{"call"})
)

// Transfer directions.
const (
	HostToDevice = "htod"
	DeviceToHost = "dtoh"
)
