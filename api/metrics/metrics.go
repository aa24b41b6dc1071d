package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// BuildInfo is set once at startup with the binary's version labels.
	BuildInfo = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "signalscope_build_info",
		Help: "Build information for the running binary.",
	}, []string{"version", "commit", "date"})

	httpRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "signalscope_http_request_duration_seconds",
		Help:    "HTTP request latency by route and status.",
		Buckets: prometheus.DefBuckets,
	}, []string{"route", "method", "status"})

	httpRequestsInFlight = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "signalscope_http_requests_in_flight",
		Help: "HTTP requests currently being served.",
	})

	warehouseQueryDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "signalscope_warehouse_query_duration_seconds",
		Help:    "ClickHouse query latency.",
		Buckets: []float64{.01, .05, .1, .25, .5, 1, 2.5, 5, 10, 30},
	})

	warehouseQueryErrors = promauto.NewCounter(prometheus.CounterOpts{
		Name: "signalscope_warehouse_query_errors_total",
		Help: "ClickHouse query failures.",
	})

	reportDispatches = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "signalscope_report_dispatches_total",
		Help: "Scheduled report deliveries by outcome.",
	}, []string{"outcome"})
)

// RecordWarehouseQuery records one warehouse round trip.
func RecordWarehouseQuery(d time.Duration, err error) {
	warehouseQueryDuration.Observe(d.Seconds())
	if err != nil {
		warehouseQueryErrors.Inc()
	}
}

// RecordReportDispatch records a scheduled report delivery attempt.
func RecordReportDispatch(err error) {
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	reportDispatches.WithLabelValues(outcome).Inc()
}

// Middleware instruments every request with duration and in-flight gauges.
// Routes are labeled by chi pattern, not raw path, to bound cardinality.
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		httpRequestsInFlight.Inc()
		defer httpRequestsInFlight.Dec()

		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		route := chi.RouteContext(r.Context()).RoutePattern()
		if route == "" {
			route = "unmatched"
		}
		httpRequestDuration.WithLabelValues(route, r.Method, strconv.Itoa(ww.Status())).
			Observe(time.Since(start).Seconds())
	})
}
