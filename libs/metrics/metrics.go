package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	RequestCount = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total number of HTTP requests.",
		},
		[]string{"method", "path", "status"},
	)
	RequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "Duration of HTTP requests in seconds.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "path", "status"},
	)
	QRGenerated = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "qr_codes_generated_total",
			Help: "QR payloads generated, by payload type.",
		},
		[]string{"type"},
	)
	QRVerifyFailures = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "qr_verify_failures_total",
			Help: "QR payload verification failures, by first failure reason.",
		},
		[]string{"reason"},
	)
	RateLimitRejections = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "rate_limit_rejections_total",
			Help: "Scan attempts rejected by the rate limiter, by dimension.",
		},
		[]string{"dimension"},
	)
	SecurityEvents = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "security_events_total",
			Help: "Security events recorded, by severity.",
		},
		[]string{"severity"},
	)
)

func Register(registry *prometheus.Registry) {
	registry.MustRegister(
		RequestCount,
		RequestDuration,
		QRGenerated,
		QRVerifyFailures,
		RateLimitRejections,
		SecurityEvents,
	)
}

func Handler(registry *prometheus.Registry) http.Handler {
	return promhttp.HandlerFor(registry, promhttp.HandlerOpts{})
}
