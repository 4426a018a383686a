// Package metrics holds the Prometheus collectors shared by the runtime
// components and the HTTP surface.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "inferhost"

var (
	installsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "engine",
			Name:      "installs_total",
			Help:      "Engine installations by result",
		},
		[]string{"result"},
	)

	installDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "engine",
			Name:      "install_duration_seconds",
			Help:      "Time spent downloading and extracting an engine build",
			Buckets:   prometheus.ExponentialBuckets(1, 2, 10),
		},
	)

	downloadedBytes = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "engine",
			Name:      "downloaded_bytes_total",
			Help:      "Bytes of release artifacts downloaded",
		},
	)

	processState = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "engine",
			Name:      "process_state",
			Help:      "Supervisor state (0 stopped, 1 starting, 2 running, 3 stopping, 4 failed)",
		},
	)

	forcedStops = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "engine",
			Name:      "forced_stops_total",
			Help:      "Engine processes killed after the graceful stop timeout",
		},
	)

	chatStreams = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "chat",
			Name:      "streams_total",
			Help:      "Chat streams by outcome",
		},
		[]string{"result"},
	)

	chatTokens = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "chat",
			Name:      "tokens_total",
			Help:      "Text deltas relayed to chat clients",
		},
	)

	chatDecodeErrors = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "chat",
			Name:      "decode_errors_total",
			Help:      "Malformed stream lines skipped",
		},
	)

	chatToolCalls = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "chat",
			Name:      "tool_calls_total",
			Help:      "Tool invocations by tool and final state",
		},
		[]string{"tool", "state"},
	)

	sessionMerges = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "sessions",
			Name:      "merges_total",
			Help:      "Local/remote session reconciliations",
		},
	)

	httpRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total number of HTTP requests",
		},
		[]string{"path", "method", "status"},
	)

	httpRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "Duration of HTTP requests in seconds",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"path", "method", "status"},
	)
)

func init() {
	prometheus.MustRegister(
		installsTotal, installDuration, downloadedBytes,
		processState, forcedStops,
		chatStreams, chatTokens, chatDecodeErrors, chatToolCalls,
		sessionMerges,
		httpRequestsTotal, httpRequestDuration,
	)
}

// ObserveInstall records one completed or failed installation.
func ObserveInstall(result string, d time.Duration) {
	installsTotal.WithLabelValues(result).Inc()
	if result == "ok" {
		installDuration.Observe(d.Seconds())
	}
}

// AddDownloadedBytes counts artifact bytes received.
func AddDownloadedBytes(n int64) {
	if n > 0 {
		downloadedBytes.Add(float64(n))
	}
}

// SetProcessState publishes the supervisor state ordinal.
func SetProcessState(state int) {
	processState.Set(float64(state))
}

// IncForcedStop counts an engine process killed after the stop timeout.
func IncForcedStop() {
	forcedStops.Inc()
}

// ObserveChatStream records the outcome of one chat turn.
func ObserveChatStream(result string) {
	chatStreams.WithLabelValues(result).Inc()
}

// IncChatToken counts one relayed text delta.
func IncChatToken() {
	chatTokens.Inc()
}

// IncDecodeError counts one malformed stream line.
func IncDecodeError() {
	chatDecodeErrors.Inc()
}

// ObserveToolCall records a tool invocation's final state.
func ObserveToolCall(tool, state string) {
	chatToolCalls.WithLabelValues(tool, state).Inc()
}

// IncSessionMerge counts one reconciliation.
func IncSessionMerge() {
	sessionMerges.Inc()
}

// Handler exposes the default registry.
func Handler() http.Handler {
	return promhttp.Handler()
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (sr *statusRecorder) WriteHeader(code int) {
	sr.status = code
	sr.ResponseWriter.WriteHeader(code)
}

// Flush lets streaming handlers behind the middleware keep flushing.
func (sr *statusRecorder) Flush() {
	if f, ok := sr.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func (sr *statusRecorder) Unwrap() http.ResponseWriter { return sr.ResponseWriter }

// Middleware instruments requests by chi route pattern.
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		sr := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		start := time.Now()
		next.ServeHTTP(sr, r)

		path := r.URL.Path
		if rc := chi.RouteContext(r.Context()); rc != nil {
			if p := rc.RoutePattern(); p != "" {
				path = p
			}
		}
		status := strconv.Itoa(sr.status)
		httpRequestsTotal.WithLabelValues(path, r.Method, status).Inc()
		httpRequestDuration.WithLabelValues(path, r.Method, status).Observe(time.Since(start).Seconds())
	})
}
