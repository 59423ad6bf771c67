package obs

import (
	"bufio"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// HTTP metrics
var (
	httpInFlight = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "http_in_flight_requests",
		Help: "In-flight HTTP requests.",
	})

	httpRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total number of HTTP requests.",
		},
		[]string{"method", "path", "status"},
	)

	httpRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "HTTP request latencies in seconds.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "path", "status"},
	)
)

// Sync engine metrics
var (
	syncPullTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sync_pull_total",
			Help: "Pull sync requests by result.",
		},
		[]string{"result"},
	)

	syncPullDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "sync_pull_duration_seconds",
		Help:    "Time spent computing a delta payload.",
		Buckets: prometheus.DefBuckets,
	})

	pushDeliveries = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "push_deliveries_total",
			Help: "Push payloads handed to the transport, by event kind and result.",
		},
		[]string{"kind", "result"},
	)

	pushDropped = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "push_dropped_total",
		Help: "Push frames dropped because a connection buffer was full.",
	})

	liveConnections = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "live_connections",
		Help: "Currently registered push connections.",
	})
)

var initOnce sync.Once

// Init registers all metrics in the default registry. Safe to call more than once.
func Init() {
	initOnce.Do(func() {
		prometheus.MustRegister(
			httpInFlight, httpRequestsTotal, httpRequestDuration,
			syncPullTotal, syncPullDuration, pushDeliveries, pushDropped, liveConnections,
		)
	})
}

// Handler serves the Prometheus scrape endpoint.
func Handler() http.Handler {
	return promhttp.Handler()
}

// ObservePull records one pull sync call.
func ObservePull(result string, d time.Duration) {
	syncPullTotal.WithLabelValues(result).Inc()
	syncPullDuration.Observe(d.Seconds())
}

// CountPush records one push hand-off to the transport.
func CountPush(kind, result string) {
	pushDeliveries.WithLabelValues(kind, result).Inc()
}

// CountDropped records frames dropped on slow connections.
func CountDropped(n int) {
	if n > 0 {
		pushDropped.Add(float64(n))
	}
}

// SetLiveConnections publishes the registry size.
func SetLiveConnections(n int) {
	liveConnections.Set(float64(n))
}

// Instrument measures request rate, latency and in-flight count. Mounted as chi
// middleware it labels by route pattern; otherwise CanonicalPath is used.
func Instrument(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		httpInFlight.Inc()
		defer httpInFlight.Dec()
		start := time.Now()

		sw := &statusWriter{ResponseWriter: w, code: http.StatusOK}
		next.ServeHTTP(sw, r)

		path := CanonicalPath(r.URL.Path)
		if rctx := chi.RouteContext(r.Context()); rctx != nil {
			if pattern := rctx.RoutePattern(); pattern != "" {
				path = pattern
			}
		}
		status := strconv.Itoa(sw.code)
		httpRequestDuration.WithLabelValues(r.Method, path, status).Observe(time.Since(start).Seconds())
		httpRequestsTotal.WithLabelValues(r.Method, path, status).Inc()
	})
}

// CanonicalPath collapses identifiers in known routes so metric labels stay bounded.
func CanonicalPath(p string) string {
	if i := strings.IndexByte(p, '?'); i >= 0 {
		p = p[:i]
	}
	if p == "" {
		return "/"
	}
	parts := strings.Split(strings.Trim(p, "/"), "/")
	if len(parts) < 3 || parts[0] != "v1" {
		return p
	}
	switch parts[1] {
	case "groups":
		parts[2] = ":id"
		if len(parts) == 5 && (parts[3] == "grant-access" || parts[3] == "revoke-access") {
			parts[4] = ":username"
		}
	case "work-items":
		parts[2] = ":id"
	default:
		return p
	}
	return "/" + strings.Join(parts, "/")
}

type statusWriter struct {
	http.ResponseWriter
	code int
}

func (w *statusWriter) WriteHeader(code int) {
	w.code = code
	w.ResponseWriter.WriteHeader(code)
}

func (w *statusWriter) Unwrap() http.ResponseWriter {
	return w.ResponseWriter
}

// Hijack is forwarded so WebSocket upgrades work behind the instrumentation.
func (w *statusWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	return http.NewResponseController(w.ResponseWriter).Hijack()
}
