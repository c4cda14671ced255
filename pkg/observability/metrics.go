package observability

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus metrics
type Metrics struct {
	// HTTP metrics
	HTTPRequestsTotal   *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec

	// Authentication metrics
	AuthAttemptsTotal *prometheus.CounterVec
	LogoutsTotal      *prometheus.CounterVec
	ProvisioningTotal *prometheus.CounterVec

	// Outbound IdP metrics
	IdPRequestsTotal   *prometheus.CounterVec
	IdPRequestDuration *prometheus.HistogramVec

	// Discovery/JWKS cache metrics
	CacheHitsTotal   *prometheus.CounterVec
	CacheMissesTotal *prometheus.CounterVec

	// Flow state metrics
	FlowStatesActive  prometheus.Gauge
	FlowStatesExpired prometheus.Counter

	// Session metrics
	SessionsActive  prometheus.Gauge
	SessionsExpired prometheus.Counter

	// Registry metrics
	ProvidersRegistered *prometheus.GaugeVec
}

// NewMetrics creates and registers all Prometheus metrics
func NewMetrics(registry *prometheus.Registry) *Metrics {
	m := &Metrics{
		// HTTP metrics
		HTTPRequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "idfed_http_requests_total",
				Help: "Total number of HTTP requests",
			},
			[]string{"method", "path", "status"},
		),
		HTTPRequestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "idfed_http_request_duration_seconds",
				Help:    "HTTP request duration in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"method", "path"},
		),

		// Authentication metrics
		AuthAttemptsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "idfed_auth_attempts_total",
				Help: "Total number of authentication callback attempts",
			},
			[]string{"provider", "type", "result"},
		),
		LogoutsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "idfed_logouts_total",
				Help: "Total number of logout operations",
			},
			[]string{"provider", "type"},
		),
		ProvisioningTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "idfed_provisioning_total",
				Help: "Total number of user provisioning callbacks",
			},
			[]string{"provider", "result"},
		),

		// Outbound IdP metrics
		IdPRequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "idfed_idp_requests_total",
				Help: "Total number of outbound requests to identity providers",
			},
			[]string{"operation", "status"},
		),
		IdPRequestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "idfed_idp_request_duration_seconds",
				Help:    "Outbound identity provider request duration in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"operation"},
		),

		// Discovery/JWKS cache metrics
		CacheHitsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "idfed_cache_hits_total",
				Help: "Total number of cache hits",
			},
			[]string{"cache"},
		),
		CacheMissesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "idfed_cache_misses_total",
				Help: "Total number of cache misses",
			},
			[]string{"cache"},
		),

		// Flow state metrics
		FlowStatesActive: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "idfed_flow_states_active",
				Help: "Number of outstanding authorization flow states",
			},
		),
		FlowStatesExpired: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "idfed_flow_states_expired_total",
				Help: "Total number of flow states dropped at expiry",
			},
		),

		// Session metrics
		SessionsActive: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "idfed_sessions_active",
				Help: "Number of active SSO sessions",
			},
		),
		SessionsExpired: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "idfed_sessions_expired_total",
				Help: "Total number of sessions removed at expiry",
			},
		),

		// Registry metrics
		ProvidersRegistered: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "idfed_providers_registered",
				Help: "Number of registered identity providers",
			},
			[]string{"type"},
		),
	}

	// Register all metrics
	registry.MustRegister(
		m.HTTPRequestsTotal,
		m.HTTPRequestDuration,
		m.AuthAttemptsTotal,
		m.LogoutsTotal,
		m.ProvisioningTotal,
		m.IdPRequestsTotal,
		m.IdPRequestDuration,
		m.CacheHitsTotal,
		m.CacheMissesTotal,
		m.FlowStatesActive,
		m.FlowStatesExpired,
		m.SessionsActive,
		m.SessionsExpired,
		m.ProvidersRegistered,
	)

	return m
}

// responseWriter wraps http.ResponseWriter to capture status code and size
type responseWriter struct {
	http.ResponseWriter
	statusCode   int
	bytesWritten int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

func (rw *responseWriter) Write(b []byte) (int, error) {
	n, err := rw.ResponseWriter.Write(b)
	rw.bytesWritten += n
	return n, err
}

// HTTPMetricsMiddleware instruments HTTP requests with Prometheus metrics
func HTTPMetricsMiddleware(metrics *Metrics) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()

			rw := &responseWriter{
				ResponseWriter: w,
				statusCode:     http.StatusOK,
			}

			next.ServeHTTP(rw, r)

			duration := time.Since(start).Seconds()
			status := strconv.Itoa(rw.statusCode)

			metrics.HTTPRequestsTotal.WithLabelValues(r.Method, r.URL.Path, status).Inc()
			metrics.HTTPRequestDuration.WithLabelValues(r.Method, r.URL.Path).Observe(duration)
		})
	}
}

// RegisterMetricsEndpoint registers the /metrics endpoint
func RegisterMetricsEndpoint(mux *http.ServeMux, registry *prometheus.Registry) {
	mux.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
}
