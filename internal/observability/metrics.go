package observability

import (
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "erlnode"

var (
	registerOnce sync.Once

	httpRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total admin HTTP requests.",
		},
		[]string{"node", "method", "path", "status"},
	)
	httpDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "Admin HTTP request duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"node", "method", "path", "status"},
	)
	distConnections = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "dist",
			Name:      "connections",
			Help:      "Established distribution connections.",
		},
		[]string{"node"},
	)
	handshakes = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "handshake",
			Name:      "total",
			Help:      "Completed handshakes by role and result.",
		},
		[]string{"node", "role", "result"},
	)
	handshakeDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "handshake",
			Name:      "duration_seconds",
			Help:      "Handshake duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"node", "role"},
	)
	frames = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "dist",
			Name:      "frames_total",
			Help:      "Distribution frames by direction.",
		},
		[]string{"node", "direction"},
	)
	frameBytes = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "dist",
			Name:      "frame_bytes_total",
			Help:      "Distribution payload bytes by direction.",
		},
		[]string{"node", "direction"},
	)
	ticks = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "dist",
			Name:      "ticks_total",
			Help:      "Keepalive ticks by direction.",
		},
		[]string{"node", "direction"},
	)
	controlOps = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "dist",
			Name:      "control_messages_total",
			Help:      "Inbound control messages by operation.",
		},
		[]string{"node", "op"},
	)
	decodeErrors = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "dist",
			Name:      "decode_errors_total",
			Help:      "Frames dropped or connections closed on decode errors.",
		},
		[]string{"node", "kind"},
	)
	epmdRegistrations = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "epmd",
			Name:      "registrations_total",
			Help:      "Port mapper registration attempts by result.",
		},
		[]string{"node", "result"},
	)
)

func RegisterMetrics() {
	registerOnce.Do(func() {
		prometheus.MustRegister(
			httpRequests, httpDuration,
			distConnections, handshakes, handshakeDuration,
			frames, frameBytes, ticks, controlOps, decodeErrors,
			epmdRegistrations,
		)
	})
}

func RecordHTTPRequest(node, method, path string, status int, duration time.Duration) {
	RegisterMetrics()
	statusLabel := strconv.Itoa(status)
	httpRequests.WithLabelValues(node, method, path, statusLabel).Inc()
	httpDuration.WithLabelValues(node, method, path, statusLabel).Observe(duration.Seconds())
}

func SetConnections(node string, n int) {
	RegisterMetrics()
	distConnections.WithLabelValues(node).Set(float64(n))
}

func RecordHandshake(node, role string, duration time.Duration, err error) {
	RegisterMetrics()
	result := "ok"
	if err != nil {
		result = "error"
	}
	handshakes.WithLabelValues(node, role, result).Inc()
	handshakeDuration.WithLabelValues(node, role).Observe(duration.Seconds())
}

// RecordFrame counts one non-tick frame. direction is "in" or "out".
func RecordFrame(node, direction string, size int) {
	RegisterMetrics()
	frames.WithLabelValues(node, direction).Inc()
	frameBytes.WithLabelValues(node, direction).Add(float64(size))
}

func RecordTick(node, direction string) {
	RegisterMetrics()
	ticks.WithLabelValues(node, direction).Inc()
}

func RecordControl(node, op string) {
	RegisterMetrics()
	controlOps.WithLabelValues(node, op).Inc()
}

func RecordDecodeError(node, kind string) {
	RegisterMetrics()
	decodeErrors.WithLabelValues(node, kind).Inc()
}

func RecordRegistration(node string, err error) {
	RegisterMetrics()
	result := "ok"
	if err != nil {
		result = "error"
	}
	epmdRegistrations.WithLabelValues(node, result).Inc()
}
