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
	BuildInfo = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "sqlpilot_api_build_info",
			Help: "Build information of the sqlpilot API",
		},
		[]string{"version", "commit", "date"},
	)

	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sqlpilot_api_http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"method", "route", "status"},
	)

	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "sqlpilot_api_http_request_duration_seconds",
			Help:    "Duration of HTTP requests",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "route"},
	)

	TargetQueriesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sqlpilot_api_target_queries_total",
			Help: "Total number of queries run against the target database",
		},
		[]string{"driver", "status"},
	)

	TargetQueryDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "sqlpilot_api_target_query_duration_seconds",
			Help:    "Duration of target database queries",
			Buckets: []float64{0.005, 0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
		},
		[]string{"driver"},
	)

	AnthropicRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sqlpilot_api_anthropic_requests_total",
			Help: "Total number of Anthropic API requests",
		},
		[]string{"endpoint", "status"},
	)

	AnthropicRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "sqlpilot_api_anthropic_request_duration_seconds",
			Help:    "Duration of Anthropic API requests",
			Buckets: []float64{0.25, 0.5, 1, 2, 5, 10, 20, 40, 60},
		},
		[]string{"endpoint"},
	)

	AnthropicTokensTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sqlpilot_api_anthropic_tokens_total",
			Help: "Total number of Anthropic tokens used",
		},
		[]string{"type"},
	)

	WorkflowRunsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sqlpilot_api_workflow_runs_total",
			Help: "Total number of workflow runs by outcome",
		},
		[]string{"outcome"},
	)

	WorkflowRetries = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "sqlpilot_api_workflow_retries",
			Help:    "Correction attempts per workflow run",
			Buckets: []float64{0, 1, 2, 3, 5},
		},
	)

	WorkflowDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "sqlpilot_api_workflow_duration_seconds",
			Help:    "Duration of workflow runs",
			Buckets: []float64{0.5, 1, 2, 5, 10, 20, 40, 60, 120},
		},
		[]string{"outcome"},
	)
)

// Middleware records request counts and latencies by chi route pattern.
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		route := r.URL.Path
		if rctx := chi.RouteContext(r.Context()); rctx != nil {
			if pattern := rctx.RoutePattern(); pattern != "" {
				route = pattern
			}
		}
		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}
		HTTPRequestsTotal.WithLabelValues(r.Method, route, strconv.Itoa(status)).Inc()
		HTTPRequestDuration.WithLabelValues(r.Method, route).Observe(time.Since(start).Seconds())
	})
}

func statusLabel(err error) string {
	if err != nil {
		return "error"
	}
	return "success"
}

// RecordTargetQuery records one query against the target database.
func RecordTargetQuery(driver string, duration time.Duration, err error) {
	TargetQueriesTotal.WithLabelValues(driver, statusLabel(err)).Inc()
	TargetQueryDuration.WithLabelValues(driver).Observe(duration.Seconds())
}

// Recorder adapts the package-level collectors to the metrics interfaces
// used by the workflow packages.
type Recorder struct{}

func (Recorder) RecordAnthropicRequest(endpoint string, duration time.Duration, err error) {
	AnthropicRequestsTotal.WithLabelValues(endpoint, statusLabel(err)).Inc()
	AnthropicRequestDuration.WithLabelValues(endpoint).Observe(duration.Seconds())
}

func (Recorder) RecordAnthropicTokens(inputTokens, outputTokens int64) {
	AnthropicTokensTotal.WithLabelValues("input").Add(float64(inputTokens))
	AnthropicTokensTotal.WithLabelValues("output").Add(float64(outputTokens))
}

func (Recorder) RecordWorkflow(outcome string, retries int, duration time.Duration) {
	WorkflowRunsTotal.WithLabelValues(outcome).Inc()
	WorkflowRetries.Observe(float64(retries))
	WorkflowDuration.WithLabelValues(outcome).Observe(duration.Seconds())
}
