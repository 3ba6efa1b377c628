// Package metrics provides Prometheus instrumentation for the escrow engine.
package metrics

import (
	"bufio"
	"errors"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// TransitionsTotal counts committed transaction state changes.
	TransitionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "escrow_transitions_total",
		Help: "Committed escrow transaction transitions",
	}, []string{"from", "to"})

	// RejectionsTotal counts engine operations refused, by operation and error kind.
	RejectionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "escrow_rejections_total",
		Help: "Escrow operations rejected",
	}, []string{"op", "kind"})

	// GatewayCalls counts payment gateway calls by operation and outcome.
	GatewayCalls = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "escrow_gateway_calls_total",
		Help: "Payment gateway calls",
	}, []string{"op", "outcome"})

	// GatewayLatency tracks payment gateway call latency.
	GatewayLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "escrow_gateway_latency_seconds",
		Help:    "Payment gateway call latency in seconds",
		Buckets: prometheus.DefBuckets,
	}, []string{"op"})

	// ExpiredTotal counts pending transactions cancelled by the sweeper.
	ExpiredTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "escrow_expired_total",
		Help: "Pending transactions cancelled after the capture window",
	})

	// LateCapturesTotal counts capture successes reported for transactions
	// that were already cancelled. Each one is money held by the processor
	// with no escrow record, to be refunded out of band.
	LateCapturesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "escrow_late_captures_total",
		Help: "Capture successes received after the transaction was cancelled",
	})

	// InEscrowAmount is the money currently held in escrow.
	InEscrowAmount = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "escrow_in_flight_amount",
		Help: "Sum of amounts of in_escrow transactions",
	})

	// InEscrowCount is the number of in_escrow transactions.
	InEscrowCount = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "escrow_in_flight_transactions",
		Help: "Number of in_escrow transactions",
	})

	// WebSocketClients tracks connected WebSocket clients.
	WebSocketClients = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "escrow_websocket_clients",
		Help: "Number of connected WebSocket clients",
	})

	// HTTPRequestsTotal counts HTTP requests by method, route, and status.
	HTTPRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "escrow_http_requests_total",
		Help: "Total HTTP requests",
	}, []string{"method", "path", "status"})

	// HTTPRequestDuration tracks request duration by method and route.
	HTTPRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "escrow_http_request_duration_seconds",
		Help:    "HTTP request duration in seconds",
		Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0},
	}, []string{"method", "path"})
)

// ObserveGateway records one gateway call.
func ObserveGateway(op string, start time.Time, err error) {
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	GatewayCalls.WithLabelValues(op, outcome).Inc()
	GatewayLatency.WithLabelValues(op).Observe(time.Since(start).Seconds())
}

// Handler returns the Prometheus metrics HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Middleware returns an HTTP middleware that records request metrics.
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		wrapped := &statusWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(wrapped, r)
		duration := time.Since(start).Seconds()

		// Route pattern keeps ids out of the label set.
		path := r.URL.Path
		if rc := chi.RouteContext(r.Context()); rc != nil {
			if pattern := rc.RoutePattern(); pattern != "" {
				path = pattern
			}
		}
		HTTPRequestsTotal.WithLabelValues(r.Method, path, strconv.Itoa(wrapped.status)).Inc()
		HTTPRequestDuration.WithLabelValues(r.Method, path).Observe(duration)
	})
}

// statusWriter wraps http.ResponseWriter to capture the status code.
type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}

// Hijack lets WebSocket upgrades pass through the middleware.
func (w *statusWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := w.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("metrics: response writer does not support hijacking")
	}
	return h.Hijack()
}
