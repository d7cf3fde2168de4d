// Package metrics exposes the Prometheus gauges/counters/histograms
// this daemon reports: prekey pool health, session establishment
// outcomes, ratchet activity, and decrypt failures, plus a standard
// HTTP instrumentation middleware for the apiserver.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// PreKeysRemaining tracks the local one-time-prekey pool size.
	PreKeysRemaining = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "e2ee_prekeys_remaining",
			Help: "Number of unused one-time prekeys remaining in the local pool",
		},
	)

	PreKeysReplenishedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "e2ee_prekeys_replenished_total",
			Help: "Total number of one-time-prekey top-up batches generated",
		},
	)

	SignedPrekeyRotationsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "e2ee_signed_prekey_rotations_total",
			Help: "Total number of signed-prekey rotations performed",
		},
	)

	// SessionEstablishmentsTotal counts establishSession outcomes by
	// role (initiator/responder) and result (ok/bad_bundle/network/error).
	SessionEstablishmentsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "e2ee_session_establishments_total",
			Help: "Total number of session establishment attempts",
		},
		[]string{"role", "result"},
	)

	SessionEstablishmentLatency = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "e2ee_session_establishment_latency_seconds",
			Help:    "Latency of session establishment, including bundle fetch and X3DH",
			Buckets: prometheus.ExponentialBuckets(0.005, 2, 12),
		},
	)

	RatchetStepsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "e2ee_ratchet_steps_total",
			Help: "Total number of DH ratchet steps performed",
		},
		[]string{"direction"}, // send, receive
	)

	SkippedMessageKeysTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "e2ee_skipped_message_keys_total",
			Help: "Total number of skipped-message keys cached for out-of-order delivery",
		},
	)

	DecryptFailuresTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "e2ee_decrypt_failures_total",
			Help: "Total number of message decryption failures",
		},
		[]string{"reason"}, // mac, too_many_skipped, session_missing, bad_bundle
	)

	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "e2ee_http_requests_total",
			Help: "Total number of HTTP requests served by the apiserver",
		},
		[]string{"method", "path", "status"},
	)

	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "e2ee_http_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)
)

// Middleware wraps an HTTP handler with request-count/latency metrics.
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		wrapped := &responseWriter{ResponseWriter: w, statusCode: 200}

		next.ServeHTTP(wrapped, r)

		duration := time.Since(start).Seconds()
		path := r.URL.Path
		HTTPRequestsTotal.WithLabelValues(r.Method, path, strconv.Itoa(wrapped.statusCode)).Inc()
		HTTPRequestDuration.WithLabelValues(r.Method, path).Observe(duration)
	})
}

type responseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

// Handler returns the Prometheus scrape handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

// RecordSessionEstablishment records an establishSession outcome.
func RecordSessionEstablishment(role, result string, latency time.Duration) {
	SessionEstablishmentsTotal.WithLabelValues(role, result).Inc()
	SessionEstablishmentLatency.Observe(latency.Seconds())
}

// RecordRatchetStep records a DH ratchet step in the given direction.
func RecordRatchetStep(direction string) {
	RatchetStepsTotal.WithLabelValues(direction).Inc()
}

// RecordDecryptFailure records a message decryption failure by reason.
func RecordDecryptFailure(reason string) {
	DecryptFailuresTotal.WithLabelValues(reason).Inc()
}
