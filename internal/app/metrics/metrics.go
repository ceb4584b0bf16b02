package metrics

import (
	"bufio"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Registry holds the application-specific Prometheus collectors.
	Registry = prometheus.NewRegistry()

	httpInFlight = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "carbon_registry",
			Subsystem: "http",
			Name:      "inflight_requests",
			Help:      "Current number of in-flight HTTP requests.",
		},
	)

	httpRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "carbon_registry",
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total number of HTTP requests handled.",
		},
		[]string{"method", "path", "status"},
	)

	httpDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "carbon_registry",
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "Duration of HTTP requests.",
			Buckets:   prometheus.ExponentialBuckets(0.005, 2, 10), // 5ms to ~5s
		},
		[]string{"method", "path"},
	)

	marketOperations = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "carbon_registry",
			Subsystem: "market",
			Name:      "operations_total",
			Help:      "Total listing operations by kind and outcome.",
		},
		[]string{"operation", "outcome"},
	)

	escrowedCredits = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "carbon_registry",
			Subsystem: "market",
			Name:      "escrowed_credits",
			Help:      "Credit units currently held in marketplace escrow.",
		},
	)

	stakedCredits = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "carbon_registry",
			Subsystem: "staking",
			Name:      "staked_credits",
			Help:      "Credit units currently staked across all participants.",
		},
	)

	yieldPaid = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "carbon_registry",
			Subsystem: "staking",
			Name:      "yield_paid_total",
			Help:      "Cumulative credit units paid out as yield.",
		},
	)

	mints = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "carbon_registry",
			Subsystem: "issuance",
			Name:      "mints_total",
			Help:      "Total mint attempts by outcome.",
		},
		[]string{"outcome"},
	)

	issuedCredits = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "carbon_registry",
			Subsystem: "issuance",
			Name:      "issued_credits_total",
			Help:      "Cumulative credit units issued.",
		},
	)

	proofsSubmitted = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "carbon_registry",
			Subsystem: "validators",
			Name:      "proofs_submitted_total",
			Help:      "Total proof submissions credited to validators.",
		},
	)

	bondedStake = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "carbon_registry",
			Subsystem: "validators",
			Name:      "bonded_stake",
			Help:      "Credit units bonded by active validators.",
		},
	)
)

func init() {
	Registry.MustRegister(
		httpInFlight,
		httpRequests,
		httpDuration,
		marketOperations,
		escrowedCredits,
		stakedCredits,
		yieldPaid,
		mints,
		issuedCredits,
		proofsSubmitted,
		bondedStake,
		prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}),
		prometheus.NewGoCollector(),
	)
}

// Handler returns an HTTP handler exposing the registered Prometheus metrics.
func Handler() http.Handler {
	return promhttp.HandlerFor(Registry, promhttp.HandlerOpts{})
}

// InstrumentHandler wraps the provided handler with HTTP metrics collection.
func InstrumentHandler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/metrics" {
			next.ServeHTTP(w, r)
			return
		}

		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		start := time.Now()

		httpInFlight.Inc()
		defer httpInFlight.Dec()

		next.ServeHTTP(rec, r)

		duration := time.Since(start)
		path := canonicalPath(r.URL.Path)
		method := strings.ToUpper(r.Method)

		httpRequests.WithLabelValues(method, path, strconv.Itoa(rec.status)).Inc()
		httpDuration.WithLabelValues(method, path).Observe(duration.Seconds())
	})
}

// RecordMarketOperation counts a listing operation.
func RecordMarketOperation(operation string, err error) {
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	marketOperations.WithLabelValues(operation, outcome).Inc()
}

// SetEscrowedCredits updates the escrow gauge.
func SetEscrowedCredits(amount int64) {
	escrowedCredits.Set(float64(amount))
}

// SetStakedCredits updates the total-staked gauge.
func SetStakedCredits(amount int64) {
	stakedCredits.Set(float64(amount))
}

// RecordYieldPaid counts credits paid out as yield.
func RecordYieldPaid(amount int64) {
	if amount > 0 {
		yieldPaid.Add(float64(amount))
	}
}

// RecordMint counts a mint attempt and, on success, the issued amount.
func RecordMint(amount int64, err error) {
	if err != nil {
		mints.WithLabelValues("error").Inc()
		return
	}
	mints.WithLabelValues("ok").Inc()
	issuedCredits.Add(float64(amount))
}

// RecordProofSubmitted counts a credited proof submission.
func RecordProofSubmitted() {
	proofsSubmitted.Inc()
}

// SetBondedStake updates the validator bond gauge.
func SetBondedStake(amount int64) {
	bondedStake.Set(float64(amount))
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func (r *statusRecorder) Write(b []byte) (int, error) {
	if r.status == 0 {
		r.status = http.StatusOK
	}
	return r.ResponseWriter.Write(b)
}

// Hijack forwards to the underlying writer so upgrade handlers (e.g. the
// /events/ws websocket endpoint) keep working behind instrumentation.
func (r *statusRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	hj, ok := r.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, fmt.Errorf("underlying ResponseWriter does not implement http.Hijacker")
	}
	return hj.Hijack()
}

func canonicalPath(raw string) string {
	if raw == "" || raw == "/" {
		return "/"
	}
	trimmed := strings.Trim(raw, "/")
	if trimmed == "" {
		return "/"
	}
	parts := strings.Split(trimmed, "/")
	switch parts[0] {
	case "listings", "staking", "issuance", "validators", "admin", "journal", "events":
		if len(parts) == 1 {
			return "/" + parts[0]
		}
		if len(parts) == 2 {
			return "/" + parts[0] + "/:id"
		}
		return "/" + parts[0] + "/:id/" + parts[len(parts)-1]
	default:
		return "/" + parts[0]
	}
}
